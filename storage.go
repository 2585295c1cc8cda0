package schoolsync

import (
	"context"
	"errors"
)

// Sentinel errors shared by all Store implementations.
var (
	ErrOperationNotFound  = errors.New("operation not found")
	ErrCacheEntryNotFound = errors.New("cache entry not found")
	ErrMetadataNotFound   = errors.New("sync metadata not found")
	ErrConflictNotFound   = errors.New("conflict record not found")
	ErrStoreClosed        = errors.New("store is closed")
)

// Store is the device-local durable store owning the four persisted entity
// kinds: pending operations, cached entities, sync metadata, and the
// conflict log. All collections are scoped by tenant id.
//
// The store is the single source of truth; the engine mirrors pending
// operations into its in-memory queue and is the only writer. Batch methods
// (CompleteOperation, ApplyPullPage, ClearOperations) are transactional so
// the on-disk queue and the in-memory view stay consistent after a crash
// mid-batch.
type Store interface {
	// PutOperation persists a new pending operation.
	PutOperation(ctx context.Context, op *SyncOperation) error

	// UpdateOperation persists retry accounting and blocked-state changes
	// for an existing operation.
	UpdateOperation(ctx context.Context, op *SyncOperation) error

	// DeleteOperation removes an operation. Returns ErrOperationNotFound if
	// absent.
	DeleteOperation(ctx context.Context, id string) error

	// GetOperation loads a single operation by id.
	GetOperation(ctx context.Context, id string) (*SyncOperation, error)

	// ListOperations returns all pending operations for a tenant, in no
	// particular order; the engine sorts its own mirror.
	ListOperations(ctx context.Context, tenantID string) ([]*SyncOperation, error)

	// ClearOperations deletes all pending operations for a tenant and
	// returns how many were removed. Cache entries are unaffected.
	ClearOperations(ctx context.Context, tenantID string) (int, error)

	// CompleteOperation atomically removes a delivered operation and
	// refreshes the corresponding cache entry with server-returned data.
	// A nil entry removes the operation only.
	CompleteOperation(ctx context.Context, id string, entry *CacheEntry) error

	// GetCacheEntry loads the last-known value of a remote entity.
	GetCacheEntry(ctx context.Context, tenantID, collection, entityID string) (*CacheEntry, error)

	// UpsertCacheEntry writes a single cache entry.
	UpsertCacheEntry(ctx context.Context, entry *CacheEntry) error

	// ApplyPullPage atomically upserts one page of pulled entries and
	// advances the collection watermark. Implementations must keep the
	// watermark monotonically non-decreasing.
	ApplyPullPage(ctx context.Context, tenantID, collection string, entries []*CacheEntry, watermark int64, syncToken string) error

	// GetMetadata loads per-collection pull state. Returns
	// ErrMetadataNotFound before the first pull.
	GetMetadata(ctx context.Context, tenantID, collection string) (*SyncMetadata, error)

	// AppendConflict persists a manual-resolution conflict record.
	AppendConflict(ctx context.Context, rec *ConflictRecord) error

	// GetConflict loads a conflict record by id.
	GetConflict(ctx context.Context, id string) (*ConflictRecord, error)

	// ListUnresolvedConflicts returns all unresolved conflict records for a
	// tenant, oldest first.
	ListUnresolvedConflicts(ctx context.Context, tenantID string) ([]*ConflictRecord, error)

	// MarkConflictResolved flags a conflict record as resolved. Records are
	// never auto-purged.
	MarkConflictResolved(ctx context.Context, id string) error

	Close() error
}
