package schoolsync

import (
	"context"
	"errors"
)

// ErrRemoteNotFound is returned by RemoteClient.Fetch when the entity does
// not exist on the server (including hard-missing records during conflict
// resolution of a concurrent delete).
var ErrRemoteNotFound = errors.New("entity not found on server")

// Record is a remote entity snapshot as returned by the backend.
type Record struct {
	EntityID  string                 `json:"entity_id"`
	Data      map[string]interface{} `json:"data"`
	UpdatedAt int64                  `json:"updated_at"` // unix milliseconds
	Deleted   bool                   `json:"deleted"`    // tombstone marker
}

// PullPage is one page of a delta query.
type PullPage struct {
	Records   []Record `json:"records"`
	NextToken string   `json:"next_token,omitempty"`
	HasMore   bool     `json:"has_more"`
}

// PullRequest parameterizes one page of an incremental pull.
type PullRequest struct {
	Collection string
	TenantID   string

	// Since is the watermark: only records with UpdatedAt >= Since are
	// returned.
	Since int64

	// Limit bounds the page size.
	Limit int

	// Token continues a paginated pull; empty for the first page.
	Token string
}

// RemoteClient is the backend surface the engine pushes mutations to and
// pulls deltas from. Implementations classify failures via the errors
// package kinds so the engine can route them: conflict errors go to the
// resolver, transient errors are retried with backoff, validation errors
// terminal-fail.
type RemoteClient interface {
	// Create inserts a new entity and returns the server copy.
	Create(ctx context.Context, op *SyncOperation) (*Record, error)

	// Update overwrites an existing entity and returns the server copy.
	Update(ctx context.Context, op *SyncOperation) (*Record, error)

	// Delete sets a tombstone on the entity rather than physically removing
	// it, and returns the tombstoned server copy.
	Delete(ctx context.Context, op *SyncOperation) (*Record, error)

	// Fetch returns the current server snapshot of an entity, used as the
	// server side of conflict resolution. Returns ErrRemoteNotFound when
	// the entity is hard-missing.
	Fetch(ctx context.Context, tenantID, collection, entityID string) (*Record, error)

	// Pull fetches one page of records changed since the watermark.
	Pull(ctx context.Context, req PullRequest) (*PullPage, error)

	Close() error
}
