package schoolsync

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memStore is an in-memory Store for engine tests. It clones operations on
// write so tests observe persisted state, not the engine's live pointers.
type memStore struct {
	mu        sync.Mutex
	ops       map[string]*SyncOperation
	cache     map[string]*CacheEntry
	meta      map[string]*SyncMetadata
	conflicts map[string]*ConflictRecord

	putErr      error
	completeErr error
}

var _ Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		ops:       make(map[string]*SyncOperation),
		cache:     make(map[string]*CacheEntry),
		meta:      make(map[string]*SyncMetadata),
		conflicts: make(map[string]*ConflictRecord),
	}
}

func ckey(tenantID, collection, entityID string) string {
	return tenantID + "|" + collection + "|" + entityID
}

func (s *memStore) PutOperation(ctx context.Context, op *SyncOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return s.putErr
	}
	cp := *op
	s.ops[op.ID] = &cp
	return nil
}

func (s *memStore) UpdateOperation(ctx context.Context, op *SyncOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ops[op.ID]; !ok {
		return ErrOperationNotFound
	}
	cp := *op
	s.ops[op.ID] = &cp
	return nil
}

func (s *memStore) DeleteOperation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ops[id]; !ok {
		return ErrOperationNotFound
	}
	delete(s.ops, id)
	return nil
}

func (s *memStore) GetOperation(ctx context.Context, id string) (*SyncOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[id]
	if !ok {
		return nil, ErrOperationNotFound
	}
	cp := *op
	return &cp, nil
}

func (s *memStore) ListOperations(ctx context.Context, tenantID string) ([]*SyncOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*SyncOperation
	for _, op := range s.ops {
		if op.TenantID == tenantID {
			cp := *op
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) ClearOperations(ctx context.Context, tenantID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, op := range s.ops {
		if op.TenantID == tenantID {
			delete(s.ops, id)
			n++
		}
	}
	return n, nil
}

func (s *memStore) CompleteOperation(ctx context.Context, id string, entry *CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completeErr != nil {
		return s.completeErr
	}
	delete(s.ops, id)
	if entry != nil {
		cp := *entry
		s.cache[ckey(entry.TenantID, entry.Collection, entry.EntityID)] = &cp
	}
	return nil
}

func (s *memStore) GetCacheEntry(ctx context.Context, tenantID, collection, entityID string) (*CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.cache[ckey(tenantID, collection, entityID)]
	if !ok {
		return nil, ErrCacheEntryNotFound
	}
	cp := *entry
	return &cp, nil
}

func (s *memStore) UpsertCacheEntry(ctx context.Context, entry *CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	s.cache[ckey(entry.TenantID, entry.Collection, entry.EntityID)] = &cp
	return nil
}

func (s *memStore) ApplyPullPage(ctx context.Context, tenantID, collection string, entries []*CacheEntry, watermark int64, syncToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range entries {
		cp := *entry
		s.cache[ckey(entry.TenantID, entry.Collection, entry.EntityID)] = &cp
	}
	key := tenantID + "|" + collection
	meta, ok := s.meta[key]
	if !ok {
		meta = &SyncMetadata{Collection: collection, TenantID: tenantID}
		s.meta[key] = meta
	}
	if watermark > meta.LastPullWatermark {
		meta.LastPullWatermark = watermark
	}
	meta.SyncToken = syncToken
	return nil
}

func (s *memStore) GetMetadata(ctx context.Context, tenantID, collection string) (*SyncMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.meta[tenantID+"|"+collection]
	if !ok {
		return nil, ErrMetadataNotFound
	}
	cp := *meta
	return &cp, nil
}

func (s *memStore) AppendConflict(ctx context.Context, rec *ConflictRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.conflicts[rec.ID] = &cp
	return nil
}

func (s *memStore) GetConflict(ctx context.Context, id string) (*ConflictRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.conflicts[id]
	if !ok {
		return nil, ErrConflictNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *memStore) ListUnresolvedConflicts(ctx context.Context, tenantID string) ([]*ConflictRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ConflictRecord
	for _, rec := range s.conflicts {
		if rec.TenantID == tenantID && !rec.Resolved {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memStore) MarkConflictResolved(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.conflicts[id]
	if !ok {
		return ErrConflictNotFound
	}
	rec.Resolved = true
	return nil
}

// Close is a no-op so a store can be shared across engine restarts in tests.
func (s *memStore) Close() error { return nil }

func (s *memStore) operationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ops)
}

func (s *memStore) operation(id string) *SyncOperation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ops[id]
}

// fakeRemote is a configurable RemoteClient. Unset handlers echo the
// operation back as a successful server record.
type fakeRemote struct {
	mu sync.Mutex

	createFn func(op *SyncOperation) (*Record, error)
	updateFn func(op *SyncOperation) (*Record, error)
	deleteFn func(op *SyncOperation) (*Record, error)
	fetchFn  func(tenantID, collection, entityID string) (*Record, error)
	pullFn   func(req PullRequest) (*PullPage, error)

	pushes       []string // "kind:collection/entity" in call order
	pullRequests []PullRequest
}

var _ RemoteClient = (*fakeRemote)(nil)

func newFakeRemote() *fakeRemote {
	return &fakeRemote{}
}

func echoRecord(op *SyncOperation) *Record {
	return &Record{
		EntityID:  op.EntityID,
		Data:      op.Payload,
		UpdatedAt: time.Now().UnixMilli(),
		Deleted:   op.Kind == OpDelete,
	}
}

func (r *fakeRemote) record(kind OpKind, op *SyncOperation) {
	r.pushes = append(r.pushes, string(kind)+":"+op.Collection+"/"+op.EntityID)
}

func (r *fakeRemote) Create(ctx context.Context, op *SyncOperation) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(OpCreate, op)
	if r.createFn != nil {
		return r.createFn(op)
	}
	return echoRecord(op), nil
}

func (r *fakeRemote) Update(ctx context.Context, op *SyncOperation) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(OpUpdate, op)
	if r.updateFn != nil {
		return r.updateFn(op)
	}
	return echoRecord(op), nil
}

func (r *fakeRemote) Delete(ctx context.Context, op *SyncOperation) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(OpDelete, op)
	if r.deleteFn != nil {
		return r.deleteFn(op)
	}
	return echoRecord(op), nil
}

func (r *fakeRemote) Fetch(ctx context.Context, tenantID, collection, entityID string) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fetchFn != nil {
		return r.fetchFn(tenantID, collection, entityID)
	}
	return nil, ErrRemoteNotFound
}

func (r *fakeRemote) Pull(ctx context.Context, req PullRequest) (*PullPage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pullRequests = append(r.pullRequests, req)
	if r.pullFn != nil {
		return r.pullFn(req)
	}
	return &PullPage{}, nil
}

func (r *fakeRemote) Close() error { return nil }

func (r *fakeRemote) pushCalls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.pushes))
	copy(out, r.pushes)
	return out
}
