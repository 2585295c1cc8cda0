package schoolsync

import (
	"sort"
	"sync"
	"time"
)

// syncQueue is the in-memory, priority-ordered view over the durable store's
// pending operations. Order is a stable sort by (priorityRank, createdAt,
// seq): Immediate drains first, FIFO within a priority class.
//
// The queue owns the canonical operation structs. Accessors hand out copies
// and all field mutation goes through Mutate, so every access to an
// operation's fields happens under the queue lock.
type syncQueue struct {
	mu  sync.RWMutex
	ops []*SyncOperation
}

func newSyncQueue() *syncQueue {
	return &syncQueue{}
}

// Replace swaps the queue contents, used when mirroring the store at
// startup.
func (q *syncQueue) Replace(ops []*SyncOperation) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ops = make([]*SyncOperation, len(ops))
	copy(q.ops, ops)
	q.sortLocked()
}

// Add inserts an operation and re-sorts.
func (q *syncQueue) Add(op *SyncOperation) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ops = append(q.ops, op)
	q.sortLocked()
}

// Remove deletes an operation by id. It is a no-op if absent.
func (q *syncQueue) Remove(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, op := range q.ops {
		if op.ID == id {
			q.ops = append(q.ops[:i], q.ops[i+1:]...)
			return
		}
	}
}

// Clear drops all operations.
func (q *syncQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ops = nil
}

// Len counts all queued operations, blocked ones included.
func (q *syncQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.ops)
}

// Get returns a copy of the queued operation with the given id, or nil.
func (q *syncQueue) Get(id string) *SyncOperation {
	q.mu.RLock()
	defer q.mu.RUnlock()
	for _, op := range q.ops {
		if op.ID == id {
			cp := *op
			return &cp
		}
	}
	return nil
}

// Mutate applies fn to the queued operation with the given id while holding
// the queue lock and returns a copy of the result for persistence. The second
// return is false when the operation is not queued.
func (q *syncQueue) Mutate(id string, fn func(*SyncOperation)) (SyncOperation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, op := range q.ops {
		if op.ID == id {
			fn(op)
			q.sortLocked()
			return *op, true
		}
	}
	return SyncOperation{}, false
}

// BlockedCount counts operations awaiting manual conflict resolution.
func (q *syncQueue) BlockedCount() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	n := 0
	for _, op := range q.ops {
		if op.Blocked {
			n++
		}
	}
	return n
}

// HasAtLeast reports whether any non-blocked operation has priority p or
// higher (lower rank). Used by the metered-network eligibility gate.
func (q *syncQueue) HasAtLeast(p Priority) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	for _, op := range q.ops {
		if !op.Blocked && op.Priority <= p {
			return true
		}
	}
	return false
}

// NextBatch returns up to limit drainable operations from the front of the
// queue. An operation is drainable when it is not blocked, its backoff
// window has elapsed, and none of its dependencies are still queued.
func (q *syncQueue) NextBatch(now time.Time, limit int) []*SyncOperation {
	q.mu.RLock()
	defer q.mu.RUnlock()

	pending := make(map[string]bool, len(q.ops))
	for _, op := range q.ops {
		pending[op.ID] = true
	}

	batch := make([]*SyncOperation, 0, limit)
	for _, op := range q.ops {
		if len(batch) >= limit {
			break
		}
		if op.Blocked {
			continue
		}
		if !op.NextAttemptAt.IsZero() && op.NextAttemptAt.After(now) {
			continue
		}
		if dependenciesPending(op, pending) {
			continue
		}
		cp := *op
		batch = append(batch, &cp)
	}
	return batch
}

func dependenciesPending(op *SyncOperation, pending map[string]bool) bool {
	for _, dep := range op.DependsOn {
		if dep == op.ID {
			continue
		}
		if pending[dep] {
			return true
		}
	}
	return false
}

// Snapshot returns copies of the operations in queue order.
func (q *syncQueue) Snapshot() []*SyncOperation {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]*SyncOperation, 0, len(q.ops))
	for _, op := range q.ops {
		cp := *op
		out = append(out, &cp)
	}
	return out
}

func (q *syncQueue) sortLocked() {
	sort.SliceStable(q.ops, func(i, j int) bool {
		a, b := q.ops[i], q.ops[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Seq < b.Seq
	})
}
