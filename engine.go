package schoolsync

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	syncerrors "github.com/campushq/schoolsync/errors"
	"github.com/campushq/schoolsync/logging"
	"github.com/campushq/schoolsync/netmon"
)

const (
	defaultBatchSize    = 50
	defaultPullPageSize = 200
	defaultSyncInterval = 30 * time.Second
	defaultDebounce     = 2 * time.Second
	defaultTimeout      = 30 * time.Second
	defaultMaxRetries   = 5
)

// SyncStatus is a point-in-time snapshot of the engine, for UI badges and
// diagnostics.
type SyncStatus struct {
	QueueLength       int
	BlockedOperations int
	IsSyncing         bool
	Network           netmon.Status
	CanSync           bool
	LastSyncAt        time.Time
}

// Engine coordinates the offline-first sync loop: it owns the durable
// operation queue, gates work on network eligibility, pushes pending
// mutations in priority order, routes conflicts to the resolver, and pulls
// server deltas into the local cache.
//
// The engine is safe for concurrent use. Sync cycles are single-flight: a
// cycle requested while another runs is a no-op.
type Engine struct {
	store    Store
	remote   RemoteClient
	monitor  netmon.Monitor
	resolver ConflictResolver
	policies *PolicyTable
	logger   *slog.Logger
	metrics  MetricsCollector

	tenantID     string
	batchSize    int
	pullPageSize int
	syncInterval time.Duration
	debounce     time.Duration
	timeout      time.Duration
	maxRetries   int
	wifiOnly     bool
	retry        RetryConfig
	backoff      *exponentialBackoff

	queue *syncQueue
	seq   atomic.Uint64

	syncing        atomic.Bool
	stopAfterBatch atomic.Bool

	mu            sync.Mutex
	closed        bool
	lastSyncAt    time.Time
	lastEligible  bool
	autoSyncStop  chan struct{}
	unsubscribe   func()
	debounceTimer *time.Timer
	subscribers   map[int]func(*SyncResult)
	nextSubID     int
}

// NewEngine builds an Engine from options, validates required collaborators,
// and mirrors the store's pending operations into the in-memory queue so a
// restart resumes exactly where the previous process stopped.
func NewEngine(opts ...EngineOption) (*Engine, error) {
	e := &Engine{
		policies:     DefaultPolicies(),
		logger:       logging.Default().Logger,
		metrics:      &NoOpMetricsCollector{},
		batchSize:    defaultBatchSize,
		pullPageSize: defaultPullPageSize,
		syncInterval: defaultSyncInterval,
		debounce:     defaultDebounce,
		timeout:      defaultTimeout,
		maxRetries:   defaultMaxRetries,
		retry:        DefaultRetryConfig,
		queue:        newSyncQueue(),
		subscribers:  make(map[int]func(*SyncResult)),
	}

	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, fmt.Errorf("failed to apply engine option: %w", err)
		}
	}

	if e.store == nil {
		return nil, stderrors.New("engine requires a store, use WithStore")
	}
	if e.remote == nil {
		return nil, stderrors.New("engine requires a remote client, use WithRemote")
	}
	if e.monitor == nil {
		return nil, stderrors.New("engine requires a network monitor, use WithMonitor")
	}
	if e.resolver == nil {
		e.resolver = DefaultResolver(e.policies)
	}
	e.backoff = &exponentialBackoff{
		initialDelay: e.retry.InitialDelay,
		maxDelay:     e.retry.MaxDelay,
		multiplier:   e.retry.Multiplier,
	}

	ops, err := e.store.ListOperations(context.Background(), e.tenantID)
	if err != nil {
		return nil, syncerrors.NewStorage(syncerrors.OpLoad, err)
	}
	e.queue.Replace(ops)

	var maxSeq uint64
	for _, op := range ops {
		if op.Seq > maxSeq {
			maxSeq = op.Seq
		}
	}
	e.seq.Store(maxSeq)

	e.lastEligible = e.canSync(e.monitor.Status())

	e.logger.Info("sync engine initialized",
		"pending_operations", len(ops),
		"collections", len(e.policies.Collections()),
		"tenant_id", e.tenantID)

	return e, nil
}

// Enqueue validates and durably records a local mutation, then mirrors it
// into the queue. The operation survives process restarts from this point on.
// Immediate-priority operations trigger a sync cycle right away when the
// network allows.
func (e *Engine) Enqueue(ctx context.Context, req OperationRequest) (string, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", stderrors.New("engine is closed")
	}
	e.mu.Unlock()

	policy, ok := e.policies.Lookup(req.Collection)
	if !ok {
		return "", syncerrors.NewValidation(syncerrors.OpEnqueue,
			fmt.Errorf("unknown collection %q", req.Collection))
	}
	if !req.Kind.Valid() {
		return "", syncerrors.NewValidation(syncerrors.OpEnqueue,
			fmt.Errorf("unknown operation kind %q", req.Kind))
	}
	if req.EntityID == "" {
		return "", syncerrors.NewValidation(syncerrors.OpEnqueue,
			stderrors.New("entity id is required"))
	}
	if req.Kind != OpDelete {
		if req.Payload == nil {
			return "", syncerrors.NewValidation(syncerrors.OpEnqueue,
				fmt.Errorf("%s operation requires a payload", req.Kind))
		}
		for _, field := range policy.RequiredFields {
			if _, present := req.Payload[field]; !present {
				return "", syncerrors.NewValidation(syncerrors.OpEnqueue,
					fmt.Errorf("payload missing required field %q for collection %q", field, req.Collection))
			}
		}
	}

	priority := policy.Priority
	if req.Priority != nil {
		if *req.Priority < PriorityImmediate || *req.Priority > PriorityLow {
			return "", syncerrors.NewValidation(syncerrors.OpEnqueue,
				fmt.Errorf("invalid priority %d", *req.Priority))
		}
		priority = *req.Priority
	}
	strategy := policy.Strategy
	if req.Strategy != nil {
		if !req.Strategy.Valid() {
			return "", syncerrors.NewValidation(syncerrors.OpEnqueue,
				fmt.Errorf("invalid conflict strategy %q", *req.Strategy))
		}
		strategy = *req.Strategy
	}
	maxRetries := e.maxRetries
	if req.MaxRetries > 0 {
		maxRetries = req.MaxRetries
	}
	tenantID := req.TenantID
	if tenantID == "" {
		tenantID = e.tenantID
	}

	op := &SyncOperation{
		ID:         uuid.NewString(),
		Kind:       req.Kind,
		Collection: req.Collection,
		EntityID:   req.EntityID,
		Payload:    req.Payload,
		Baseline:   req.Baseline,
		CreatedAt:  time.Now(),
		Seq:        e.seq.Add(1),
		Priority:   priority,
		MaxRetries: maxRetries,
		ActorID:    req.ActorID,
		TenantID:   tenantID,
		Strategy:   strategy,
		DependsOn:  req.DependsOn,
	}

	if err := e.store.PutOperation(ctx, op); err != nil {
		return "", syncerrors.NewStorage(syncerrors.OpEnqueue, err).
			WithMetadata("collection", op.Collection)
	}
	e.queue.Add(op)

	e.logger.Debug("operation enqueued",
		"operation_id", op.ID,
		"collection", op.Collection,
		"kind", string(op.Kind),
		"priority", op.Priority.String(),
		"queue_length", e.queue.Len())

	if op.Priority == PriorityImmediate && e.canSync(e.monitor.Status()) {
		e.scheduleSync()
	}

	return op.ID, nil
}

// canSync applies the eligibility gate: the device must be connected, the
// transport must satisfy a wifi-only setting, and on metered links only a
// queue holding High-or-above work justifies spending data.
func (e *Engine) canSync(status netmon.Status) bool {
	if !status.Connected {
		return false
	}
	if e.wifiOnly && status.Transport != netmon.TransportWifi {
		return false
	}
	if status.Metered && !e.queue.HasAtLeast(PriorityHigh) {
		return false
	}
	return true
}

// Status returns the engine snapshot.
func (e *Engine) Status() SyncStatus {
	network := e.monitor.Status()
	blocked := e.queue.BlockedCount()

	e.mu.Lock()
	lastSync := e.lastSyncAt
	e.mu.Unlock()

	return SyncStatus{
		QueueLength:       e.queue.Len(),
		BlockedOperations: blocked,
		IsSyncing:         e.syncing.Load(),
		Network:           network,
		CanSync:           e.canSync(network),
		LastSyncAt:        lastSync,
	}
}

// PerformSync runs one full sync cycle: drain the push queue in priority
// order, then pull server deltas per collection. Single-flight: if a cycle is
// already running the call returns immediately with a nil result.
func (e *Engine) PerformSync(ctx context.Context) (*SyncResult, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, stderrors.New("engine is closed")
	}
	e.mu.Unlock()

	if !e.syncing.CompareAndSwap(false, true) {
		e.logger.Debug("sync already in progress, skipping")
		return nil, nil
	}
	defer e.syncing.Store(false)
	defer e.stopAfterBatch.Store(false)

	result := &SyncResult{StartTime: time.Now()}
	defer func() {
		result.Duration = time.Since(result.StartTime)

		e.mu.Lock()
		e.lastSyncAt = time.Now()
		e.mu.Unlock()

		e.metrics.RecordSyncDuration("cycle", result.Duration)
		e.metrics.RecordSyncOperations(result.OperationsPushed, result.EntriesPulled)
		e.metrics.RecordQueueDepth(e.queue.Len())

		e.logger.Info("sync cycle finished",
			"duration", result.Duration,
			"pushed", result.OperationsPushed,
			"pulled", result.EntriesPulled,
			"conflicts_resolved", result.ConflictsResolved,
			"terminal_failures", result.TerminalFailures,
			"errors", len(result.Errors),
			"queue_length", e.queue.Len())

		e.notifySubscribers(result)
	}()

	status := e.monitor.Status()
	if !e.canSync(status) {
		e.logger.Debug("sync skipped, network not eligible",
			"connected", status.Connected,
			"transport", string(status.Transport),
			"metered", status.Metered)
		return result, nil
	}

	e.drainQueue(ctx, result)
	e.pullAll(ctx, result)

	return result, nil
}

// ForceSync triggers a cycle immediately instead of waiting for the next
// scheduled one. It refuses to run without connectivity; otherwise the cycle
// is subject to the same eligibility gate as any other.
func (e *Engine) ForceSync(ctx context.Context) (*SyncResult, error) {
	if !e.monitor.Status().Connected {
		return nil, syncerrors.NewTransient(syncerrors.OpSync,
			stderrors.New("device is offline"))
	}
	return e.PerformSync(ctx)
}

// StopAfterCurrentBatch asks a running cycle to finish its current push batch
// or pull page and stop cleanly. The flag resets when the cycle ends.
func (e *Engine) StopAfterCurrentBatch() {
	e.stopAfterBatch.Store(true)
}

// drainQueue pushes pending operations batch by batch until the queue has no
// drainable work, eligibility lapses, or a stop is requested.
func (e *Engine) drainQueue(ctx context.Context, result *SyncResult) {
	attempted := make(map[string]bool)

	for {
		if e.stopAfterBatch.Load() {
			e.logger.Info("stopping sync after current batch")
			return
		}
		if !e.canSync(e.monitor.Status()) {
			e.logger.Debug("network eligibility lost mid-drain, pausing queue")
			return
		}

		batch := e.queue.NextBatch(time.Now(), e.batchSize)
		progressable := batch[:0:0]
		for _, op := range batch {
			if !attempted[op.ID] {
				progressable = append(progressable, op)
			}
		}
		if len(progressable) == 0 {
			return
		}

		for _, op := range progressable {
			select {
			case <-ctx.Done():
				result.Errors = append(result.Errors, ctx.Err())
				return
			default:
			}
			attempted[op.ID] = true
			e.pushOne(ctx, op, result)
		}
	}
}

// pushOne delivers a single operation and routes the outcome: success
// completes the operation, conflicts go to the resolver, validation failures
// terminal-fail, everything else retries with backoff.
func (e *Engine) pushOne(ctx context.Context, op *SyncOperation, result *SyncResult) {
	opCtx, cancel := e.withTimeout(ctx)
	defer cancel()

	var (
		rec *Record
		err error
	)
	switch op.Kind {
	case OpCreate:
		rec, err = e.remote.Create(opCtx, op)
	case OpUpdate:
		rec, err = e.remote.Update(opCtx, op)
	case OpDelete:
		rec, err = e.remote.Delete(opCtx, op)
	default:
		err = syncerrors.NewValidation(syncerrors.OpPush,
			fmt.Errorf("unknown operation kind %q", op.Kind))
	}

	if err == nil {
		if e.completeOperation(ctx, op, rec, result) {
			result.OperationsPushed++
		}
		return
	}

	switch syncerrors.KindOf(err) {
	case syncerrors.KindConflict:
		e.resolveConflict(ctx, op, result)
	case syncerrors.KindValidation:
		e.terminalFail(ctx, op, err, result)
	default:
		e.scheduleRetry(ctx, op, err, result)
	}
}

// completeOperation removes a delivered operation from store and queue and
// refreshes the cache with the server copy in one transaction. Reports
// whether the operation left the queue.
func (e *Engine) completeOperation(ctx context.Context, op *SyncOperation, rec *Record, result *SyncResult) bool {
	entry := e.cacheEntryFromRecord(op, rec)
	if err := e.store.CompleteOperation(ctx, op.ID, entry); err != nil {
		// The server accepted the write; losing the local bookkeeping means
		// the operation will replay next cycle. Replays are safe because
		// pushes are idempotent on the operation id.
		e.logger.Error("failed to complete delivered operation, it will replay",
			"operation_id", op.ID,
			"collection", op.Collection,
			"error", err)
		result.Errors = append(result.Errors, syncerrors.NewStorage(syncerrors.OpStore, err))
		e.metrics.RecordSyncErrors("complete", string(syncerrors.KindStorage))
		return false
	}
	e.queue.Remove(op.ID)

	e.logger.Debug("operation delivered",
		"operation_id", op.ID,
		"collection", op.Collection,
		"kind", string(op.Kind))
	return true
}

func (e *Engine) cacheEntryFromRecord(op *SyncOperation, rec *Record) *CacheEntry {
	if rec == nil {
		return nil
	}
	entityID := rec.EntityID
	if entityID == "" {
		entityID = op.EntityID
	}
	return &CacheEntry{
		Collection: op.Collection,
		EntityID:   entityID,
		TenantID:   op.TenantID,
		Data:       rec.Data,
		FetchedAt:  time.Now(),
		Deleted:    rec.Deleted,
	}
}

// scheduleRetry increments retry accounting and either sets the next backoff
// window or terminal-fails the operation when the budget is exhausted.
func (e *Engine) scheduleRetry(ctx context.Context, op *SyncOperation, cause error, result *SyncResult) {
	var delay time.Duration
	updated, ok := e.queue.Mutate(op.ID, func(o *SyncOperation) {
		o.RetryCount++
		delay = e.backoff.nextDelay(o.RetryCount - 1)
		o.NextAttemptAt = time.Now().Add(delay)
	})
	if !ok {
		// The operation left the queue while its push was in flight.
		return
	}
	if updated.RetryCount > updated.MaxRetries {
		e.terminalFail(ctx, &updated, cause, result)
		return
	}

	if err := e.store.UpdateOperation(ctx, &updated); err != nil {
		e.logger.Error("failed to persist retry state",
			"operation_id", updated.ID, "error", err)
		result.Errors = append(result.Errors, syncerrors.NewStorage(syncerrors.OpStore, err))
	}

	e.logger.Warn("operation push failed, will retry",
		"operation_id", updated.ID,
		"collection", updated.Collection,
		"retry_count", updated.RetryCount,
		"max_retries", updated.MaxRetries,
		"next_attempt_in", delay,
		"error", cause)
	e.metrics.RecordSyncErrors("push", string(syncerrors.KindOf(cause)))
}

// terminalFail drops an operation that can never succeed and surfaces the
// failure through the result, the log, and metrics.
func (e *Engine) terminalFail(ctx context.Context, op *SyncOperation, cause error, result *SyncResult) {
	if err := e.store.DeleteOperation(ctx, op.ID); err != nil && !stderrors.Is(err, ErrOperationNotFound) {
		e.logger.Error("failed to remove terminally failed operation",
			"operation_id", op.ID, "error", err)
		result.Errors = append(result.Errors, syncerrors.NewStorage(syncerrors.OpStore, err))
	}
	e.queue.Remove(op.ID)

	e.logger.Error("operation terminally failed",
		"operation_id", op.ID,
		"collection", op.Collection,
		"entity_id", op.EntityID,
		"kind", string(op.Kind),
		"retry_count", op.RetryCount,
		"error", cause)

	result.TerminalFailures++
	result.Errors = append(result.Errors, fmt.Errorf("operation %s on %s/%s failed terminally: %w",
		op.ID, op.Collection, op.EntityID, cause))
	e.metrics.RecordTerminalFailure(op.Collection)
}

// resolveConflict handles a conflict-classified push failure: fetch the
// server snapshot, compute the 3-way conflict fields, and apply the
// resolver's decision.
func (e *Engine) resolveConflict(ctx context.Context, op *SyncOperation, result *SyncResult) {
	opCtx, cancel := e.withTimeout(ctx)
	defer cancel()

	var (
		snapshot        map[string]interface{}
		serverUpdatedAt int64
	)
	serverRec, err := e.remote.Fetch(opCtx, op.TenantID, op.Collection, op.EntityID)
	switch {
	case err == nil:
		snapshot = serverRec.Data
		serverUpdatedAt = serverRec.UpdatedAt
	case stderrors.Is(err, ErrRemoteNotFound):
		// Concurrent hard delete on the server; resolvers see a nil snapshot.
	default:
		e.scheduleRetry(ctx, op, err, result)
		return
	}

	conflict := Conflict{
		Operation:       op,
		ServerSnapshot:  snapshot,
		ServerUpdatedAt: serverUpdatedAt,
		Fields:          ConflictFields(op.Baseline, op.Payload, snapshot),
	}

	resolved, err := e.resolver.Resolve(ctx, conflict)
	if err != nil {
		e.logger.Error("conflict resolution failed",
			"operation_id", op.ID,
			"collection", op.Collection,
			"error", err)
		e.scheduleRetry(ctx, op, syncerrors.NewWithComponent(syncerrors.OpConflictResolve, "resolver", err), result)
		return
	}

	e.logger.Info("conflict resolved",
		"operation_id", op.ID,
		"collection", op.Collection,
		"entity_id", op.EntityID,
		"action", string(resolved.Action),
		"conflict_fields", conflict.Fields,
		"reasons", resolved.Reasons)

	switch resolved.Action {
	case ActionPushClient, ActionPushMerged:
		op.Payload = resolved.Payload
		// A conflicted create means the entity already exists server-side;
		// the resolved payload goes out as an update.
		if op.Kind == OpCreate {
			op.Kind = OpUpdate
		}
		rec, err := e.remote.Update(opCtx, op)
		if err != nil {
			e.scheduleRetry(ctx, op, err, result)
			return
		}
		if e.completeOperation(ctx, op, rec, result) {
			result.OperationsPushed++
			result.ConflictsResolved++
			e.metrics.RecordConflicts(1)
		}

	case ActionAdoptServer:
		entry := e.cacheEntryFromRecord(op, serverRec)
		if err := e.store.CompleteOperation(ctx, op.ID, entry); err != nil {
			result.Errors = append(result.Errors, syncerrors.NewStorage(syncerrors.OpStore, err))
			e.logger.Error("failed to adopt server value",
				"operation_id", op.ID, "error", err)
			return
		}
		e.queue.Remove(op.ID)
		result.ConflictsResolved++
		e.metrics.RecordConflicts(1)

	case ActionManual:
		e.deferToManual(ctx, op, conflict, result)

	default:
		e.scheduleRetry(ctx, op,
			fmt.Errorf("resolver returned unknown action %q", resolved.Action), result)
	}
}

// deferToManual persists a ConflictRecord and blocks the operation until
// ResolveConflict is called.
func (e *Engine) deferToManual(ctx context.Context, op *SyncOperation, conflict Conflict, result *SyncResult) {
	rec := &ConflictRecord{
		ID:             uuid.NewString(),
		OperationID:    op.ID,
		Collection:     op.Collection,
		EntityID:       op.EntityID,
		TenantID:       op.TenantID,
		ClientValue:    op.Payload,
		ServerValue:    conflict.ServerSnapshot,
		ConflictFields: conflict.Fields,
		CreatedAt:      time.Now(),
	}
	if err := e.store.AppendConflict(ctx, rec); err != nil {
		e.logger.Error("failed to persist conflict record",
			"operation_id", op.ID, "error", err)
		result.Errors = append(result.Errors, syncerrors.NewStorage(syncerrors.OpStore, err))
		return
	}

	updated, ok := e.queue.Mutate(op.ID, func(o *SyncOperation) {
		o.Blocked = true
	})
	if !ok {
		return
	}
	if err := e.store.UpdateOperation(ctx, &updated); err != nil {
		e.logger.Error("failed to block conflicted operation",
			"operation_id", op.ID, "error", err)
		result.Errors = append(result.Errors, syncerrors.NewStorage(syncerrors.OpStore, err))
		return
	}

	e.logger.Warn("conflict requires manual resolution",
		"conflict_id", rec.ID,
		"operation_id", op.ID,
		"collection", op.Collection,
		"entity_id", op.EntityID,
		"conflict_fields", rec.ConflictFields)
}

// pullAll runs the pull phase over all collections in parents-first order.
// Failures are isolated per collection so one broken endpoint does not starve
// the rest.
func (e *Engine) pullAll(ctx context.Context, result *SyncResult) {
	for _, collection := range e.policies.PullOrder() {
		if e.stopAfterBatch.Load() {
			e.logger.Info("stopping sync before pulling remaining collections")
			return
		}
		if !e.canSync(e.monitor.Status()) {
			e.logger.Debug("network eligibility lost mid-pull, pausing")
			return
		}
		select {
		case <-ctx.Done():
			result.Errors = append(result.Errors, ctx.Err())
			return
		default:
		}

		if err := e.pullCollection(ctx, collection, result); err != nil {
			e.logger.Error("pull failed for collection",
				"collection", collection,
				"error", err)
			result.Errors = append(result.Errors,
				fmt.Errorf("pull %s: %w", collection, err))
			e.metrics.RecordSyncErrors("pull", string(syncerrors.KindOf(err)))
		}
	}
}

// pullCollection pages through server deltas since the stored watermark and
// applies each page transactionally. The watermark only advances after its
// page is durably applied, so an interrupted pull re-fetches at most one
// page.
func (e *Engine) pullCollection(ctx context.Context, collection string, result *SyncResult) error {
	meta, err := e.store.GetMetadata(ctx, e.tenantID, collection)
	switch {
	case err == nil:
	case stderrors.Is(err, ErrMetadataNotFound):
		meta = &SyncMetadata{Collection: collection, TenantID: e.tenantID}
	default:
		return syncerrors.NewStorage(syncerrors.OpPull, err)
	}

	since := meta.LastPullWatermark
	token := meta.SyncToken

	for {
		if !e.canSync(e.monitor.Status()) {
			return nil
		}

		opCtx, cancel := e.withTimeout(ctx)
		page, err := e.remote.Pull(opCtx, PullRequest{
			Collection: collection,
			TenantID:   e.tenantID,
			Since:      since,
			Limit:      e.pullPageSize,
			Token:      token,
		})
		cancel()
		if err != nil {
			return err
		}

		if len(page.Records) > 0 {
			entries, watermark := e.entriesFromRecords(collection, page.Records, since)
			if err := e.store.ApplyPullPage(ctx, e.tenantID, collection, entries, watermark, page.NextToken); err != nil {
				return syncerrors.NewStorage(syncerrors.OpPull, err)
			}
			result.EntriesPulled += len(entries)
			since = watermark
		}
		token = page.NextToken

		if !page.HasMore {
			return nil
		}
		if e.stopAfterBatch.Load() {
			e.logger.Info("stopping pull mid-collection, watermark persisted",
				"collection", collection)
			return nil
		}
	}
}

// entriesFromRecords converts pulled records into cache entries and computes
// the new watermark. Entries targeted by a still-pending local operation are
// marked dirty so readers know the cached value predates their own write.
func (e *Engine) entriesFromRecords(collection string, records []Record, since int64) ([]*CacheEntry, int64) {
	pending := make(map[string]bool)
	for _, op := range e.queue.Snapshot() {
		if op.Collection == collection {
			pending[op.EntityID] = true
		}
	}

	now := time.Now()
	watermark := since
	entries := make([]*CacheEntry, 0, len(records))
	for _, rec := range records {
		if rec.UpdatedAt > watermark {
			watermark = rec.UpdatedAt
		}
		entries = append(entries, &CacheEntry{
			Collection: collection,
			EntityID:   rec.EntityID,
			TenantID:   e.tenantID,
			Data:       rec.Data,
			FetchedAt:  now,
			Dirty:      pending[rec.EntityID],
			Deleted:    rec.Deleted,
		})
	}
	return entries, watermark
}

// ListUnresolvedConflicts returns the open manual-resolution conflicts,
// oldest first.
func (e *Engine) ListUnresolvedConflicts(ctx context.Context) ([]*ConflictRecord, error) {
	recs, err := e.store.ListUnresolvedConflicts(ctx, e.tenantID)
	if err != nil {
		return nil, syncerrors.NewStorage(syncerrors.OpLoad, err)
	}
	return recs, nil
}

// ResolveConflict settles a manual conflict. Choosing the client side
// unblocks the stored operation and re-pushes it with client-wins semantics;
// choosing the server side discards the operation and adopts the recorded
// server value into the cache.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID string, choice ConflictChoice) error {
	rec, err := e.store.GetConflict(ctx, conflictID)
	if err != nil {
		if stderrors.Is(err, ErrConflictNotFound) {
			return err
		}
		return syncerrors.NewStorage(syncerrors.OpLoad, err)
	}
	if rec.Resolved {
		return fmt.Errorf("conflict %s is already resolved", conflictID)
	}

	switch choice {
	case ChooseClient:
		updated, ok := e.queue.Mutate(rec.OperationID, func(o *SyncOperation) {
			o.Blocked = false
			o.Strategy = StrategyClientWins
			o.RetryCount = 0
			o.NextAttemptAt = time.Time{}
		})
		if ok {
			if err := e.store.UpdateOperation(ctx, &updated); err != nil {
				return syncerrors.NewStorage(syncerrors.OpStore, err)
			}
		}

	case ChooseServer:
		op := e.queue.Get(rec.OperationID)
		entry := &CacheEntry{
			Collection: rec.Collection,
			EntityID:   rec.EntityID,
			TenantID:   rec.TenantID,
			Data:       rec.ServerValue,
			FetchedAt:  time.Now(),
		}
		if op != nil {
			if err := e.store.CompleteOperation(ctx, op.ID, entry); err != nil {
				return syncerrors.NewStorage(syncerrors.OpStore, err)
			}
			e.queue.Remove(op.ID)
		} else if err := e.store.UpsertCacheEntry(ctx, entry); err != nil {
			return syncerrors.NewStorage(syncerrors.OpStore, err)
		}

	default:
		return syncerrors.NewValidation(syncerrors.OpConflictResolve,
			fmt.Errorf("unknown conflict choice %q", choice))
	}

	if err := e.store.MarkConflictResolved(ctx, conflictID); err != nil {
		return syncerrors.NewStorage(syncerrors.OpStore, err)
	}

	e.logger.Info("manual conflict resolved",
		"conflict_id", conflictID,
		"operation_id", rec.OperationID,
		"collection", rec.Collection,
		"choice", string(choice))

	if choice == ChooseClient && e.canSync(e.monitor.Status()) {
		e.scheduleSync()
	}
	return nil
}

// ClearQueue drops all pending operations for the tenant, durably and from
// the in-memory mirror. Cached entities and the conflict log are untouched.
// Returns how many operations were removed.
func (e *Engine) ClearQueue(ctx context.Context) (int, error) {
	n, err := e.store.ClearOperations(ctx, e.tenantID)
	if err != nil {
		return 0, syncerrors.NewStorage(syncerrors.OpStore, err)
	}
	e.queue.Clear()
	e.logger.Info("sync queue cleared", "removed", n)
	return n, nil
}

// Start launches background syncing: a periodic cycle every sync interval
// plus a debounced cycle whenever connectivity transitions from ineligible to
// eligible.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return stderrors.New("engine is closed")
	}
	if e.autoSyncStop != nil {
		e.mu.Unlock()
		return stderrors.New("background sync already running")
	}
	stop := make(chan struct{})
	e.autoSyncStop = stop
	// Re-baseline eligibility so a status change between construction and
	// Start still registers as a transition.
	e.lastEligible = e.canSync(e.monitor.Status())
	e.unsubscribe = e.monitor.Subscribe(e.onNetworkChange)
	e.mu.Unlock()

	go func() {
		ticker := time.NewTicker(e.syncInterval)
		defer ticker.Stop()

		e.logger.Info("background sync started", "interval", e.syncInterval)

		for {
			select {
			case <-ticker.C:
				if _, err := e.PerformSync(ctx); err != nil {
					e.logger.Error("periodic sync failed", "error", err)
				}
			case <-stop:
				e.logger.Info("background sync stopped")
				return
			case <-ctx.Done():
				e.logger.Info("background sync stopped", "reason", ctx.Err())
				return
			}
		}
	}()

	return nil
}

// Stop halts background syncing. A cycle already in flight finishes on its
// own.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopAutoSyncLocked()
}

func (e *Engine) stopAutoSyncLocked() error {
	if e.autoSyncStop != nil {
		close(e.autoSyncStop)
		e.autoSyncStop = nil
	}
	if e.unsubscribe != nil {
		e.unsubscribe()
		e.unsubscribe = nil
	}
	if e.debounceTimer != nil {
		e.debounceTimer.Stop()
		e.debounceTimer = nil
	}
	return nil
}

// onNetworkChange schedules a debounced sync when connectivity transitions
// from ineligible to eligible. Flapping links collapse into one cycle.
func (e *Engine) onNetworkChange(status netmon.Status) {
	eligible := e.canSync(status)

	e.mu.Lock()
	was := e.lastEligible
	e.lastEligible = eligible
	e.mu.Unlock()

	if eligible && !was {
		e.logger.Info("network became eligible, scheduling sync",
			"transport", string(status.Transport),
			"metered", status.Metered,
			"debounce", e.debounce)
		e.scheduleSync()
	}
}

// scheduleSync arms the debounce timer if it is not already armed; a pending
// timer absorbs further triggers.
func (e *Engine) scheduleSync() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.debounceTimer != nil {
		return
	}
	e.debounceTimer = time.AfterFunc(e.debounce, func() {
		e.mu.Lock()
		e.debounceTimer = nil
		closed := e.closed
		e.mu.Unlock()
		if closed {
			return
		}
		if _, err := e.PerformSync(context.Background()); err != nil {
			e.logger.Error("scheduled sync failed", "error", err)
		}
	})
}

// Subscribe registers a handler invoked after every completed sync cycle.
// The returned function unsubscribes it.
func (e *Engine) Subscribe(handler func(*SyncResult)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextSubID
	e.nextSubID++
	e.subscribers[id] = handler

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.subscribers, id)
	}
}

// notifySubscribers fans the result out on fresh goroutines so a slow or
// panicking subscriber cannot stall the engine.
func (e *Engine) notifySubscribers(result *SyncResult) {
	e.mu.Lock()
	handlers := make([]func(*SyncResult), 0, len(e.subscribers))
	for _, h := range e.subscribers {
		handlers = append(handlers, h)
	}
	e.mu.Unlock()

	for _, h := range handlers {
		go func(h func(*SyncResult)) {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("sync subscriber panicked", "panic", r)
				}
			}()
			h(result)
		}(h)
	}
}

// Close stops background syncing and releases the store and remote client.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.stopAutoSyncLocked()
	e.mu.Unlock()

	var errs []error
	if err := e.remote.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close remote client: %w", err))
	}
	if err := e.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close store: %w", err))
	}
	if err := e.monitor.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close network monitor: %w", err))
	}
	return stderrors.Join(errs...)
}

// withTimeout bounds a single remote call.
func (e *Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.timeout)
}
