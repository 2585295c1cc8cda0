package schoolsync

import (
	"fmt"
	"time"
)

// Priority orders pending operations in the sync queue. Lower rank drains
// first: Immediate < High < Normal < Low.
type Priority int

const (
	PriorityImmediate Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityImmediate:
		return "immediate"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority converts a string representation (as used in policy files)
// into a Priority.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "immediate":
		return PriorityImmediate, nil
	case "high":
		return PriorityHigh, nil
	case "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}

// OpKind is the mutation type of a pending operation. Delete is a typed
// variant rather than an update flavor: it pushes a tombstone, never a
// physical removal, because concurrent clients may still reference the
// record.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// Valid reports whether k is a known operation kind.
func (k OpKind) Valid() bool {
	switch k {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Strategy selects how a conflict between a local operation and concurrent
// server state is resolved. Authority over a field depends on who the
// trusted source of truth is: teacher-entered attendance is
// client-authoritative, server-computed rankings are server-authoritative,
// student-entered practice progress merges field by field.
type Strategy string

const (
	StrategyClientWins Strategy = "client_wins"
	StrategyServerWins Strategy = "server_wins"
	StrategyMerge      Strategy = "merge"
	StrategyManual     Strategy = "manual"
)

// Valid reports whether s is a known conflict strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyClientWins, StrategyServerWins, StrategyMerge, StrategyManual:
		return true
	}
	return false
}

// ParseStrategy converts a string representation into a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	st := Strategy(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown conflict strategy %q", s)
	}
	return st, nil
}

// SyncOperation is a pending local mutation awaiting delivery to the remote
// backend. Operations are owned by the durable store; the engine holds a
// sorted working copy mirrored from it.
type SyncOperation struct {
	ID         string                 `json:"id"`
	Kind       OpKind                 `json:"kind"`
	Collection string                 `json:"collection"`
	EntityID   string                 `json:"entity_id"`
	Payload    map[string]interface{} `json:"payload"`

	// Baseline is the value the client started from, used for 3-way
	// conflict detection. Optional: without it every divergent field is
	// treated as conflicting.
	Baseline map[string]interface{} `json:"baseline,omitempty"`

	CreatedAt time.Time `json:"created_at"`

	// Seq is a process-unique enqueue counter breaking CreatedAt ties so
	// the queue order stays strictly FIFO within a priority class.
	Seq uint64 `json:"seq"`

	Priority   Priority `json:"priority"`
	RetryCount int      `json:"retry_count"`
	MaxRetries int      `json:"max_retries"`

	// NextAttemptAt gates retry backoff; the queue skips operations whose
	// next attempt lies in the future.
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty"`

	ActorID  string `json:"actor_id,omitempty"`
	TenantID string `json:"tenant_id"`

	Strategy Strategy `json:"conflict_strategy"`

	// DependsOn blocks this operation until the listed operation ids have
	// left the queue.
	DependsOn []string `json:"depends_on,omitempty"`

	// Blocked marks an operation awaiting manual conflict resolution. It is
	// excluded from automatic retry but counted in queue length.
	Blocked bool `json:"blocked"`
}

// OperationRequest is the enqueue input. Priority and Strategy default from
// the per-collection policy table when nil.
type OperationRequest struct {
	Collection string
	Kind       OpKind
	EntityID   string
	Payload    map[string]interface{}
	Baseline   map[string]interface{}
	Priority   *Priority
	Strategy   *Strategy
	MaxRetries int
	ActorID    string
	TenantID   string
	DependsOn  []string
}

// CacheEntry is the last-known value of a remote entity, keyed by
// (collection, entityId). It is refreshed by the pull phase and read by
// UI-layer collaborators as their only view of server state.
type CacheEntry struct {
	Collection string                 `json:"collection"`
	EntityID   string                 `json:"entity_id"`
	TenantID   string                 `json:"tenant_id"`
	Data       map[string]interface{} `json:"data"`
	FetchedAt  time.Time              `json:"fetched_at"`

	// Dirty is true while a local operation targets this entity and has not
	// been acknowledged by the server.
	Dirty bool `json:"dirty"`

	// Deleted mirrors a server-side tombstone.
	Deleted bool `json:"deleted"`
}

// SyncMetadata tracks incremental-pull state, one record per collection.
// LastPullWatermark is monotonically non-decreasing.
type SyncMetadata struct {
	Collection        string `json:"collection"`
	TenantID          string `json:"tenant_id"`
	LastPullWatermark int64  `json:"last_pull_watermark"`  // unix milliseconds
	SyncToken         string `json:"sync_token,omitempty"` // opaque server cursor
}

// ConflictRecord is the durable log entry for conflicts requiring manual
// resolution. Records are never auto-purged; only explicit external action
// marks them resolved.
type ConflictRecord struct {
	ID             string                 `json:"id"`
	OperationID    string                 `json:"operation_id"`
	Collection     string                 `json:"collection"`
	EntityID       string                 `json:"entity_id"`
	TenantID       string                 `json:"tenant_id"`
	ClientValue    map[string]interface{} `json:"client_value"`
	ServerValue    map[string]interface{} `json:"server_value"`
	ConflictFields []string               `json:"conflict_fields"`
	Resolved       bool                   `json:"resolved"`
	CreatedAt      time.Time              `json:"created_at"`
}

// ConflictChoice selects a side when resolving a manual conflict.
type ConflictChoice string

const (
	ChooseClient ConflictChoice = "client"
	ChooseServer ConflictChoice = "server"
)

// SyncResult summarizes one sync cycle.
type SyncResult struct {
	StartTime         time.Time
	Duration          time.Duration
	OperationsPushed  int
	EntriesPulled     int
	ConflictsResolved int
	TerminalFailures  int
	Errors            []error
}
