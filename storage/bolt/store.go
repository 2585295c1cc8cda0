// Package bolt provides a bbolt-backed implementation of the
// schoolsync.Store interface. It suits deployments that want a pure-Go,
// single-file store without cgo.
package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/campushq/schoolsync"
)

var (
	bucketOperations = []byte("pending_operations")
	bucketCache      = []byte("cached_entities")
	bucketMetadata   = []byte("sync_metadata")
	bucketConflicts  = []byte("conflict_log")
)

// Store keeps each persisted entity kind in its own bucket, values encoded as
// JSON. bbolt gives one writer at a time; every mutating method is a single
// Update transaction, so batch operations are atomic the same way the SQLite
// store's transactions are.
type Store struct {
	db *bbolt.DB
}

var _ schoolsync.Store = (*Store)(nil)

// Open opens (or creates) the database file at path and ensures all buckets
// exist.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketOperations, bucketCache, bucketMetadata, bucketConflicts} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// cacheKey and metaKey build composite bucket keys. The zero byte separator
// cannot appear in identifiers coming over JSON APIs.
func cacheKey(tenantID, collection, entityID string) []byte {
	return []byte(tenantID + "\x00" + collection + "\x00" + entityID)
}

func metaKey(tenantID, collection string) []byte {
	return []byte(tenantID + "\x00" + collection)
}

func put(b *bbolt.Bucket, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode value: %w", err)
	}
	return b.Put(key, data)
}

// PutOperation persists a new pending operation.
func (s *Store) PutOperation(ctx context.Context, op *schoolsync.SyncOperation) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return put(tx.Bucket(bucketOperations), []byte(op.ID), op)
	})
}

// UpdateOperation persists retry accounting and blocked-state changes.
func (s *Store) UpdateOperation(ctx context.Context, op *schoolsync.SyncOperation) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketOperations)
		if b.Get([]byte(op.ID)) == nil {
			return schoolsync.ErrOperationNotFound
		}
		return put(b, []byte(op.ID), op)
	})
}

// DeleteOperation removes an operation by id.
func (s *Store) DeleteOperation(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketOperations)
		if b.Get([]byte(id)) == nil {
			return schoolsync.ErrOperationNotFound
		}
		return b.Delete([]byte(id))
	})
}

// GetOperation loads a single operation by id.
func (s *Store) GetOperation(ctx context.Context, id string) (*schoolsync.SyncOperation, error) {
	var op schoolsync.SyncOperation
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketOperations).Get([]byte(id))
		if data == nil {
			return schoolsync.ErrOperationNotFound
		}
		return json.Unmarshal(data, &op)
	})
	if err != nil {
		return nil, err
	}
	return &op, nil
}

// ListOperations returns all pending operations for a tenant.
func (s *Store) ListOperations(ctx context.Context, tenantID string) ([]*schoolsync.SyncOperation, error) {
	var ops []*schoolsync.SyncOperation
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketOperations).ForEach(func(_, data []byte) error {
			var op schoolsync.SyncOperation
			if err := json.Unmarshal(data, &op); err != nil {
				return fmt.Errorf("failed to decode operation: %w", err)
			}
			if op.TenantID == tenantID {
				ops = append(ops, &op)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return ops, nil
}

// ClearOperations deletes all pending operations for a tenant.
func (s *Store) ClearOperations(ctx context.Context, tenantID string) (int, error) {
	count := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketOperations)

		var keys [][]byte
		err := b.ForEach(func(k, data []byte) error {
			var op schoolsync.SyncOperation
			if err := json.Unmarshal(data, &op); err != nil {
				return fmt.Errorf("failed to decode operation: %w", err)
			}
			if op.TenantID == tenantID {
				keys = append(keys, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		count = len(keys)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// CompleteOperation removes a delivered operation and upserts the server copy
// into the cache in one transaction.
func (s *Store) CompleteOperation(ctx context.Context, id string, entry *schoolsync.CacheEntry) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketOperations).Delete([]byte(id)); err != nil {
			return err
		}
		if entry == nil {
			return nil
		}
		key := cacheKey(entry.TenantID, entry.Collection, entry.EntityID)
		return put(tx.Bucket(bucketCache), key, entry)
	})
}

// GetCacheEntry loads the last-known value of a remote entity.
func (s *Store) GetCacheEntry(ctx context.Context, tenantID, collection, entityID string) (*schoolsync.CacheEntry, error) {
	var entry schoolsync.CacheEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketCache).Get(cacheKey(tenantID, collection, entityID))
		if data == nil {
			return schoolsync.ErrCacheEntryNotFound
		}
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// UpsertCacheEntry writes a single cache entry.
func (s *Store) UpsertCacheEntry(ctx context.Context, entry *schoolsync.CacheEntry) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		key := cacheKey(entry.TenantID, entry.Collection, entry.EntityID)
		return put(tx.Bucket(bucketCache), key, entry)
	})
}

// ApplyPullPage upserts one page of pulled entries and advances the
// collection watermark atomically. The watermark never moves backwards.
func (s *Store) ApplyPullPage(ctx context.Context, tenantID, collection string, entries []*schoolsync.CacheEntry, watermark int64, syncToken string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		cache := tx.Bucket(bucketCache)
		for _, entry := range entries {
			key := cacheKey(entry.TenantID, entry.Collection, entry.EntityID)
			if err := put(cache, key, entry); err != nil {
				return err
			}
		}

		metaBucket := tx.Bucket(bucketMetadata)
		key := metaKey(tenantID, collection)
		meta := schoolsync.SyncMetadata{Collection: collection, TenantID: tenantID}
		if data := metaBucket.Get(key); data != nil {
			if err := json.Unmarshal(data, &meta); err != nil {
				return fmt.Errorf("failed to decode sync metadata: %w", err)
			}
		}
		if watermark > meta.LastPullWatermark {
			meta.LastPullWatermark = watermark
		}
		meta.SyncToken = syncToken
		return put(metaBucket, key, &meta)
	})
}

// GetMetadata loads per-collection pull state.
func (s *Store) GetMetadata(ctx context.Context, tenantID, collection string) (*schoolsync.SyncMetadata, error) {
	var meta schoolsync.SyncMetadata
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketMetadata).Get(metaKey(tenantID, collection))
		if data == nil {
			return schoolsync.ErrMetadataNotFound
		}
		return json.Unmarshal(data, &meta)
	})
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

// AppendConflict persists a manual-resolution conflict record.
func (s *Store) AppendConflict(ctx context.Context, rec *schoolsync.ConflictRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return put(tx.Bucket(bucketConflicts), []byte(rec.ID), rec)
	})
}

// GetConflict loads a conflict record by id.
func (s *Store) GetConflict(ctx context.Context, id string) (*schoolsync.ConflictRecord, error) {
	var rec schoolsync.ConflictRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketConflicts).Get([]byte(id))
		if data == nil {
			return schoolsync.ErrConflictNotFound
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListUnresolvedConflicts returns unresolved conflicts for a tenant, oldest
// first.
func (s *Store) ListUnresolvedConflicts(ctx context.Context, tenantID string) ([]*schoolsync.ConflictRecord, error) {
	var recs []*schoolsync.ConflictRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketConflicts).ForEach(func(_, data []byte) error {
			var rec schoolsync.ConflictRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return fmt.Errorf("failed to decode conflict record: %w", err)
			}
			if rec.TenantID == tenantID && !rec.Resolved {
				recs = append(recs, &rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.Before(recs[j].CreatedAt)
		}
		return recs[i].ID < recs[j].ID
	})
	return recs, nil
}

// MarkConflictResolved flags a conflict record as resolved.
func (s *Store) MarkConflictResolved(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketConflicts)
		data := b.Get([]byte(id))
		if data == nil {
			return schoolsync.ErrConflictNotFound
		}
		var rec schoolsync.ConflictRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("failed to decode conflict record: %w", err)
		}
		rec.Resolved = true
		return put(b, []byte(id), &rec)
	})
}
