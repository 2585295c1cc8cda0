// Package sqlite provides a SQLite-backed implementation of the
// schoolsync.Store interface, the default durable store on devices.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/campushq/schoolsync"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Store persists the sync engine's four entity kinds in a single SQLite
// database: pending operations, cached entities, sync metadata, and the
// conflict log.
type Store struct {
	db     *sql.DB
	closed atomic.Bool
}

var _ schoolsync.Store = (*Store)(nil)

// Open opens (or creates) the database at path and runs pending migrations.
// WAL mode keeps readers unblocked while the engine writes; the busy timeout
// covers short write contention between the push and pull phases.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows one writer; a single connection avoids SQLITE_BUSY
	// between the engine's interleaved reads and writes.
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.Up(db, "migrations")
}

// Close closes the underlying database. Further calls return
// schoolsync.ErrStoreClosed.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func (s *Store) guard() error {
	if s.closed.Load() {
		return schoolsync.ErrStoreClosed
	}
	return nil
}

func marshalJSON(v interface{}) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalMap(s sql.NullString) (map[string]interface{}, error) {
	if !s.Valid || s.String == "" || s.String == "null" {
		return nil, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func unmarshalStrings(s sql.NullString) ([]string, error) {
	if !s.Valid || s.String == "" || s.String == "null" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s.String), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// PutOperation persists a new pending operation.
func (s *Store) PutOperation(ctx context.Context, op *schoolsync.SyncOperation) error {
	if err := s.guard(); err != nil {
		return err
	}

	payload, err := marshalJSON(op.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	baseline, err := marshalJSON(op.Baseline)
	if err != nil {
		return fmt.Errorf("failed to marshal baseline: %w", err)
	}
	dependsOn, err := marshalJSON(op.DependsOn)
	if err != nil {
		return fmt.Errorf("failed to marshal depends_on: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pending_operations
			(id, tenant_id, collection, entity_id, kind, payload, baseline,
			 created_at, seq, priority, retry_count, max_retries,
			 next_attempt_at, actor_id, strategy, depends_on, blocked)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, op.TenantID, op.Collection, op.EntityID, string(op.Kind),
		payload, baseline, op.CreatedAt.UnixMilli(), op.Seq, int(op.Priority),
		op.RetryCount, op.MaxRetries, millis(op.NextAttemptAt),
		op.ActorID, string(op.Strategy), dependsOn, op.Blocked)
	if err != nil {
		return fmt.Errorf("failed to insert operation: %w", err)
	}
	return nil
}

// UpdateOperation persists retry accounting and blocked-state changes.
func (s *Store) UpdateOperation(ctx context.Context, op *schoolsync.SyncOperation) error {
	if err := s.guard(); err != nil {
		return err
	}

	payload, err := marshalJSON(op.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_operations
		SET kind = ?, payload = ?, retry_count = ?, next_attempt_at = ?,
		    strategy = ?, blocked = ?
		WHERE id = ?`,
		string(op.Kind), payload, op.RetryCount, millis(op.NextAttemptAt),
		string(op.Strategy), op.Blocked, op.ID)
	if err != nil {
		return fmt.Errorf("failed to update operation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return schoolsync.ErrOperationNotFound
	}
	return nil
}

// DeleteOperation removes an operation by id.
func (s *Store) DeleteOperation(ctx context.Context, id string) error {
	if err := s.guard(); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM pending_operations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete operation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return schoolsync.ErrOperationNotFound
	}
	return nil
}

const operationColumns = `id, tenant_id, collection, entity_id, kind, payload,
	baseline, created_at, seq, priority, retry_count, max_retries,
	next_attempt_at, actor_id, strategy, depends_on, blocked`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOperation(row rowScanner) (*schoolsync.SyncOperation, error) {
	var (
		op                      schoolsync.SyncOperation
		kind, strategy          string
		payload, baseline, deps sql.NullString
		createdAt, nextAttempt  int64
		priority                int
	)
	err := row.Scan(&op.ID, &op.TenantID, &op.Collection, &op.EntityID, &kind,
		&payload, &baseline, &createdAt, &op.Seq, &priority,
		&op.RetryCount, &op.MaxRetries, &nextAttempt, &op.ActorID,
		&strategy, &deps, &op.Blocked)
	if err != nil {
		return nil, err
	}

	op.Kind = schoolsync.OpKind(kind)
	op.Strategy = schoolsync.Strategy(strategy)
	op.Priority = schoolsync.Priority(priority)
	op.CreatedAt = fromMillis(createdAt)
	op.NextAttemptAt = fromMillis(nextAttempt)

	if op.Payload, err = unmarshalMap(payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	if op.Baseline, err = unmarshalMap(baseline); err != nil {
		return nil, fmt.Errorf("failed to unmarshal baseline: %w", err)
	}
	if op.DependsOn, err = unmarshalStrings(deps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal depends_on: %w", err)
	}
	return &op, nil
}

// GetOperation loads a single operation by id.
func (s *Store) GetOperation(ctx context.Context, id string) (*schoolsync.SyncOperation, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+operationColumns+` FROM pending_operations WHERE id = ?`, id)
	op, err := scanOperation(row)
	if err == sql.ErrNoRows {
		return nil, schoolsync.ErrOperationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load operation: %w", err)
	}
	return op, nil
}

// ListOperations returns all pending operations for a tenant.
func (s *Store) ListOperations(ctx context.Context, tenantID string) ([]*schoolsync.SyncOperation, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+operationColumns+` FROM pending_operations WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	defer rows.Close()

	var ops []*schoolsync.SyncOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// ClearOperations deletes all pending operations for a tenant.
func (s *Store) ClearOperations(ctx context.Context, tenantID string) (int, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM pending_operations WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return 0, fmt.Errorf("failed to clear operations: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// CompleteOperation removes a delivered operation and upserts the server copy
// into the cache in one transaction, so a crash never leaves the operation
// delivered but unrecorded.
func (s *Store) CompleteOperation(ctx context.Context, id string, entry *schoolsync.CacheEntry) error {
	if err := s.guard(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM pending_operations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete operation: %w", err)
	}

	if entry != nil {
		if err := upsertCacheEntryTx(ctx, tx, entry); err != nil {
			return err
		}
	}

	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func upsertCacheEntryTx(ctx context.Context, ex execer, entry *schoolsync.CacheEntry) error {
	data, err := marshalJSON(entry.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal cache data: %w", err)
	}

	_, err = ex.ExecContext(ctx, `
		INSERT INTO cached_entities
			(tenant_id, collection, entity_id, data, fetched_at, dirty, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, collection, entity_id) DO UPDATE SET
			data = excluded.data,
			fetched_at = excluded.fetched_at,
			dirty = excluded.dirty,
			deleted = excluded.deleted`,
		entry.TenantID, entry.Collection, entry.EntityID, data,
		entry.FetchedAt.UnixMilli(), entry.Dirty, entry.Deleted)
	if err != nil {
		return fmt.Errorf("failed to upsert cache entry: %w", err)
	}
	return nil
}

// GetCacheEntry loads the last-known value of a remote entity.
func (s *Store) GetCacheEntry(ctx context.Context, tenantID, collection, entityID string) (*schoolsync.CacheEntry, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	var (
		entry     schoolsync.CacheEntry
		data      sql.NullString
		fetchedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, collection, entity_id, data, fetched_at, dirty, deleted
		FROM cached_entities
		WHERE tenant_id = ? AND collection = ? AND entity_id = ?`,
		tenantID, collection, entityID).
		Scan(&entry.TenantID, &entry.Collection, &entry.EntityID, &data,
			&fetchedAt, &entry.Dirty, &entry.Deleted)
	if err == sql.ErrNoRows {
		return nil, schoolsync.ErrCacheEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load cache entry: %w", err)
	}

	entry.FetchedAt = fromMillis(fetchedAt)
	if entry.Data, err = unmarshalMap(data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cache data: %w", err)
	}
	return &entry, nil
}

// UpsertCacheEntry writes a single cache entry.
func (s *Store) UpsertCacheEntry(ctx context.Context, entry *schoolsync.CacheEntry) error {
	if err := s.guard(); err != nil {
		return err
	}
	return upsertCacheEntryTx(ctx, s.db, entry)
}

// ApplyPullPage upserts one page of pulled entries and advances the
// collection watermark in a single transaction. The watermark never moves
// backwards even if the caller supplies a stale value.
func (s *Store) ApplyPullPage(ctx context.Context, tenantID, collection string, entries []*schoolsync.CacheEntry, watermark int64, syncToken string) error {
	if err := s.guard(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, entry := range entries {
		if err := upsertCacheEntryTx(ctx, tx, entry); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sync_metadata (tenant_id, collection, last_pull_watermark, sync_token)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(tenant_id, collection) DO UPDATE SET
			last_pull_watermark = MAX(last_pull_watermark, excluded.last_pull_watermark),
			sync_token = excluded.sync_token`,
		tenantID, collection, watermark, syncToken); err != nil {
		return fmt.Errorf("failed to advance watermark: %w", err)
	}

	return tx.Commit()
}

// GetMetadata loads per-collection pull state.
func (s *Store) GetMetadata(ctx context.Context, tenantID, collection string) (*schoolsync.SyncMetadata, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	var meta schoolsync.SyncMetadata
	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, collection, last_pull_watermark, sync_token
		FROM sync_metadata
		WHERE tenant_id = ? AND collection = ?`,
		tenantID, collection).
		Scan(&meta.TenantID, &meta.Collection, &meta.LastPullWatermark, &meta.SyncToken)
	if err == sql.ErrNoRows {
		return nil, schoolsync.ErrMetadataNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load sync metadata: %w", err)
	}
	return &meta, nil
}

// AppendConflict persists a manual-resolution conflict record.
func (s *Store) AppendConflict(ctx context.Context, rec *schoolsync.ConflictRecord) error {
	if err := s.guard(); err != nil {
		return err
	}

	clientValue, err := marshalJSON(rec.ClientValue)
	if err != nil {
		return fmt.Errorf("failed to marshal client value: %w", err)
	}
	serverValue, err := marshalJSON(rec.ServerValue)
	if err != nil {
		return fmt.Errorf("failed to marshal server value: %w", err)
	}
	fields, err := marshalJSON(rec.ConflictFields)
	if err != nil {
		return fmt.Errorf("failed to marshal conflict fields: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conflict_log
			(id, operation_id, tenant_id, collection, entity_id,
			 client_value, server_value, conflict_fields, resolved, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.OperationID, rec.TenantID, rec.Collection, rec.EntityID,
		clientValue, serverValue, fields, rec.Resolved, rec.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert conflict record: %w", err)
	}
	return nil
}

const conflictColumns = `id, operation_id, tenant_id, collection, entity_id,
	client_value, server_value, conflict_fields, resolved, created_at`

func scanConflict(row rowScanner) (*schoolsync.ConflictRecord, error) {
	var (
		rec                      schoolsync.ConflictRecord
		clientValue, serverValue sql.NullString
		fields                   sql.NullString
		createdAt                int64
	)
	err := row.Scan(&rec.ID, &rec.OperationID, &rec.TenantID, &rec.Collection,
		&rec.EntityID, &clientValue, &serverValue, &fields, &rec.Resolved, &createdAt)
	if err != nil {
		return nil, err
	}

	rec.CreatedAt = fromMillis(createdAt)
	if rec.ClientValue, err = unmarshalMap(clientValue); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client value: %w", err)
	}
	if rec.ServerValue, err = unmarshalMap(serverValue); err != nil {
		return nil, fmt.Errorf("failed to unmarshal server value: %w", err)
	}
	if rec.ConflictFields, err = unmarshalStrings(fields); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conflict fields: %w", err)
	}
	return &rec, nil
}

// GetConflict loads a conflict record by id.
func (s *Store) GetConflict(ctx context.Context, id string) (*schoolsync.ConflictRecord, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+conflictColumns+` FROM conflict_log WHERE id = ?`, id)
	rec, err := scanConflict(row)
	if err == sql.ErrNoRows {
		return nil, schoolsync.ErrConflictNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conflict record: %w", err)
	}
	return rec, nil
}

// ListUnresolvedConflicts returns unresolved conflicts for a tenant, oldest
// first.
func (s *Store) ListUnresolvedConflicts(ctx context.Context, tenantID string) ([]*schoolsync.ConflictRecord, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+conflictColumns+` FROM conflict_log
		 WHERE tenant_id = ? AND resolved = 0
		 ORDER BY created_at ASC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer rows.Close()

	var recs []*schoolsync.ConflictRecord
	for rows.Next() {
		rec, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conflict record: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// MarkConflictResolved flags a conflict record as resolved.
func (s *Store) MarkConflictResolved(ctx context.Context, id string) error {
	if err := s.guard(); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE conflict_log SET resolved = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to mark conflict resolved: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return schoolsync.ErrConflictNotFound
	}
	return nil
}
