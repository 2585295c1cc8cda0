package schoolsync

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncerrors "github.com/campushq/schoolsync/errors"
	"github.com/campushq/schoolsync/netmon"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func onlineStatus() netmon.Status {
	return netmon.Status{Connected: true, Transport: netmon.TransportWifi}
}

// newTestEngine wires an engine against in-memory fakes. The debounce is an
// hour so scheduled syncs never race with explicit PerformSync calls; tests
// exercising the trigger path override it.
func newTestEngine(t *testing.T, opts ...EngineOption) (*Engine, *memStore, *fakeRemote, *netmon.Manual) {
	t.Helper()

	store := newMemStore()
	remote := newFakeRemote()
	monitor := netmon.NewManual(onlineStatus())

	base := []EngineOption{
		WithStore(store),
		WithRemote(remote),
		WithMonitor(monitor),
		WithLogger(testLogger()),
		WithDebounce(time.Hour),
	}
	engine, err := NewEngine(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	return engine, store, remote, monitor
}

func attendanceRequest(entityID string) OperationRequest {
	return OperationRequest{
		Collection: "attendance_records",
		Kind:       OpCreate,
		EntityID:   entityID,
		Payload: map[string]interface{}{
			"student_id": "s-1",
			"status":     "present",
		},
	}
}

func TestNewEngineRequiresCollaborators(t *testing.T) {
	_, err := NewEngine()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store")

	_, err = NewEngine(WithStore(newMemStore()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "remote")

	_, err = NewEngine(WithStore(newMemStore()), WithRemote(newFakeRemote()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitor")
}

func TestEnqueueAppliesPolicyDefaults(t *testing.T) {
	engine, store, _, _ := newTestEngine(t)

	id, err := engine.Enqueue(context.Background(), attendanceRequest("att-1"))
	require.NoError(t, err)

	op := store.operation(id)
	require.NotNil(t, op)
	assert.Equal(t, PriorityImmediate, op.Priority)
	assert.Equal(t, StrategyClientWins, op.Strategy)
	assert.Equal(t, defaultMaxRetries, op.MaxRetries)
	assert.False(t, op.CreatedAt.IsZero())
	assert.NotZero(t, op.Seq)
}

func TestEnqueueOverridesBeatPolicyDefaults(t *testing.T) {
	engine, store, _, _ := newTestEngine(t)

	p := PriorityLow
	s := StrategyManual
	req := attendanceRequest("att-2")
	req.Priority = &p
	req.Strategy = &s
	req.MaxRetries = 9

	id, err := engine.Enqueue(context.Background(), req)
	require.NoError(t, err)

	op := store.operation(id)
	require.NotNil(t, op)
	assert.Equal(t, PriorityLow, op.Priority)
	assert.Equal(t, StrategyManual, op.Strategy)
	assert.Equal(t, 9, op.MaxRetries)
}

func TestEnqueueValidation(t *testing.T) {
	engine, store, _, _ := newTestEngine(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  OperationRequest
	}{
		{"unknown collection", OperationRequest{
			Collection: "spaceships", Kind: OpCreate, EntityID: "x",
			Payload: map[string]interface{}{"a": 1},
		}},
		{"unknown kind", OperationRequest{
			Collection: "attendance_records", Kind: OpKind("upsert"), EntityID: "x",
			Payload: map[string]interface{}{"student_id": "s", "status": "p"},
		}},
		{"missing entity id", OperationRequest{
			Collection: "attendance_records", Kind: OpCreate,
			Payload: map[string]interface{}{"student_id": "s", "status": "p"},
		}},
		{"missing payload", OperationRequest{
			Collection: "attendance_records", Kind: OpCreate, EntityID: "x",
		}},
		{"missing required field", OperationRequest{
			Collection: "attendance_records", Kind: OpCreate, EntityID: "x",
			Payload: map[string]interface{}{"status": "present"},
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := engine.Enqueue(ctx, tc.req)
			require.Error(t, err)
			assert.True(t, syncerrors.IsKind(err, syncerrors.KindValidation))
		})
	}
	assert.Equal(t, 0, store.operationCount())
}

func TestEnqueueDeleteNeedsNoPayload(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)

	_, err := engine.Enqueue(context.Background(), OperationRequest{
		Collection: "attendance_records",
		Kind:       OpDelete,
		EntityID:   "att-1",
	})
	assert.NoError(t, err)
}

func TestPerformSyncPushesInPriorityOrder(t *testing.T) {
	engine, store, remote, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.Enqueue(ctx, OperationRequest{
		Collection: "rankings", Kind: OpUpdate, EntityID: "r-1",
		Payload: map[string]interface{}{"rank": 3},
	})
	require.NoError(t, err)
	_, err = engine.Enqueue(ctx, attendanceRequest("att-1"))
	require.NoError(t, err)
	_, err = engine.Enqueue(ctx, OperationRequest{
		Collection: "student_profiles", Kind: OpUpdate, EntityID: "stu-1",
		Payload: map[string]interface{}{"name": "Mika"},
	})
	require.NoError(t, err)

	result, err := engine.PerformSync(ctx)
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, 3, result.OperationsPushed)
	assert.Equal(t, 0, store.operationCount())
	assert.Equal(t, []string{
		"create:attendance_records/att-1", // immediate
		"update:student_profiles/stu-1",   // normal
		"update:rankings/r-1",             // low
	}, remote.pushCalls())

	// Delivered operations refresh the cache with the server copy.
	entry, err := store.GetCacheEntry(ctx, "", "attendance_records", "att-1")
	require.NoError(t, err)
	assert.Equal(t, "present", entry.Data["status"])
	assert.False(t, entry.Dirty)
}

func TestPerformSyncSkippedWhileOffline(t *testing.T) {
	engine, store, remote, monitor := newTestEngine(t)
	ctx := context.Background()

	monitor.Set(netmon.Status{Connected: false})

	_, err := engine.Enqueue(ctx, attendanceRequest("att-1"))
	require.NoError(t, err)

	result, err := engine.PerformSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.OperationsPushed)
	assert.Empty(t, remote.pushCalls())
	assert.Equal(t, 1, store.operationCount())

	// Back online, the queued work drains.
	monitor.Set(onlineStatus())
	result, err = engine.PerformSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.OperationsPushed)
}

func TestMeteredNetworkRequiresHighPriorityWork(t *testing.T) {
	engine, _, remote, monitor := newTestEngine(t)
	ctx := context.Background()

	monitor.Set(netmon.Status{
		Connected: true,
		Transport: netmon.TransportCellular,
		Metered:   true,
	})

	_, err := engine.Enqueue(ctx, OperationRequest{
		Collection: "rankings", Kind: OpUpdate, EntityID: "r-1",
		Payload: map[string]interface{}{"rank": 1},
	})
	require.NoError(t, err)

	// Only low-priority work queued: a metered link does not justify it.
	result, err := engine.PerformSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.OperationsPushed)
	assert.Empty(t, remote.pushCalls())

	// An immediate operation arriving makes the whole queue worth draining.
	_, err = engine.Enqueue(ctx, attendanceRequest("att-1"))
	require.NoError(t, err)

	result, err = engine.PerformSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.OperationsPushed)
}

func TestWifiOnlyBlocksCellular(t *testing.T) {
	engine, _, remote, monitor := newTestEngine(t, WithWifiOnly(true))
	ctx := context.Background()

	monitor.Set(netmon.Status{Connected: true, Transport: netmon.TransportCellular})

	_, err := engine.Enqueue(ctx, attendanceRequest("att-1"))
	require.NoError(t, err)

	result, err := engine.PerformSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.OperationsPushed)
	assert.Empty(t, remote.pushCalls())

	monitor.Set(onlineStatus())
	result, err = engine.PerformSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.OperationsPushed)
}

func TestTransientFailureRetriesWithBackoff(t *testing.T) {
	engine, store, remote, _ := newTestEngine(t)
	ctx := context.Background()

	remote.createFn = func(op *SyncOperation) (*Record, error) {
		return nil, syncerrors.NewTransient(syncerrors.OpPush, stderrors.New("connection reset"))
	}

	id, err := engine.Enqueue(ctx, attendanceRequest("att-1"))
	require.NoError(t, err)

	result, err := engine.PerformSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.OperationsPushed)
	assert.Equal(t, 0, result.TerminalFailures)

	op := store.operation(id)
	require.NotNil(t, op)
	assert.Equal(t, 1, op.RetryCount)
	assert.True(t, op.NextAttemptAt.After(time.Now()))

	// The backoff window keeps the operation out of the next cycle.
	calls := len(remote.pushCalls())
	_, err = engine.PerformSync(ctx)
	require.NoError(t, err)
	assert.Len(t, remote.pushCalls(), calls)
}

func TestTransientFailureTerminalAfterBudget(t *testing.T) {
	engine, store, remote, _ := newTestEngine(t)
	ctx := context.Background()

	remote.createFn = func(op *SyncOperation) (*Record, error) {
		return nil, syncerrors.NewTransient(syncerrors.OpPush, stderrors.New("still down"))
	}

	req := attendanceRequest("att-1")
	req.MaxRetries = 1
	id, err := engine.Enqueue(ctx, req)
	require.NoError(t, err)

	// First attempt consumes the only retry.
	_, err = engine.PerformSync(ctx)
	require.NoError(t, err)
	require.NotNil(t, store.operation(id))

	// Expire the backoff window and try again: the budget is spent.
	_, ok := engine.queue.Mutate(id, func(o *SyncOperation) {
		o.NextAttemptAt = time.Now().Add(-time.Second)
	})
	require.True(t, ok)

	result, err := engine.PerformSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.TerminalFailures)
	assert.NotEmpty(t, result.Errors)
	assert.Nil(t, store.operation(id))
	assert.Equal(t, 0, engine.queue.Len())
}

func TestCompletionFailureReplaysSameOperation(t *testing.T) {
	engine, store, remote, _ := newTestEngine(t)
	ctx := context.Background()

	var pushedIDs []string
	remote.createFn = func(op *SyncOperation) (*Record, error) {
		pushedIDs = append(pushedIDs, op.ID)
		return echoRecord(op), nil
	}

	id, err := engine.Enqueue(ctx, attendanceRequest("att-1"))
	require.NoError(t, err)

	// The server accepts the push but local completion fails; the operation
	// must stay queued for replay, with retry accounting untouched.
	store.completeErr = stderrors.New("disk full")
	result, err := engine.PerformSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.OperationsPushed)
	assert.NotEmpty(t, result.Errors)

	op := store.operation(id)
	require.NotNil(t, op)
	assert.Equal(t, 0, op.RetryCount)
	assert.Equal(t, 1, engine.queue.Len())

	// The replay carries the same operation id, so the Idempotency-Key lets
	// the server dedupe the duplicate delivery.
	store.completeErr = nil
	result, err = engine.PerformSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.OperationsPushed)
	assert.Nil(t, store.operation(id))
	assert.Equal(t, 0, engine.queue.Len())

	require.Len(t, pushedIDs, 2)
	assert.Equal(t, pushedIDs[0], pushedIDs[1])
	assert.Equal(t, id, pushedIDs[0])
}

func TestEnqueueStorageFailure(t *testing.T) {
	engine, store, _, _ := newTestEngine(t)

	store.putErr = stderrors.New("disk full")
	_, err := engine.Enqueue(context.Background(), attendanceRequest("att-1"))
	require.Error(t, err)
	assert.True(t, syncerrors.IsKind(err, syncerrors.KindStorage))
	assert.Equal(t, 0, engine.queue.Len())
	assert.Equal(t, 0, store.operationCount())
}

func TestValidationFailureIsTerminalImmediately(t *testing.T) {
	engine, store, remote, _ := newTestEngine(t)
	ctx := context.Background()

	remote.createFn = func(op *SyncOperation) (*Record, error) {
		return nil, syncerrors.NewValidation(syncerrors.OpPush, stderrors.New("schema rejected"))
	}

	id, err := engine.Enqueue(ctx, attendanceRequest("att-1"))
	require.NoError(t, err)

	result, err := engine.PerformSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.TerminalFailures)
	assert.Nil(t, store.operation(id))
	assert.Len(t, remote.pushCalls(), 1)
}

func TestConflictServerWinsDiscardsOperation(t *testing.T) {
	engine, store, remote, _ := newTestEngine(t)
	ctx := context.Background()

	serverData := map[string]interface{}{"rank": "gold", "points": 120}
	remote.updateFn = func(op *SyncOperation) (*Record, error) {
		return nil, syncerrors.NewConflict(syncerrors.OpPush, stderrors.New("version mismatch"))
	}
	remote.fetchFn = func(tenantID, collection, entityID string) (*Record, error) {
		return &Record{EntityID: entityID, Data: serverData, UpdatedAt: 9000}, nil
	}

	id, err := engine.Enqueue(ctx, OperationRequest{
		Collection: "rankings", Kind: OpUpdate, EntityID: "r-1",
		Payload:  map[string]interface{}{"rank": "silver"},
		Baseline: map[string]interface{}{"rank": "bronze"},
	})
	require.NoError(t, err)

	result, err := engine.PerformSync(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, result.ConflictsResolved)
	assert.Equal(t, 0, result.OperationsPushed)
	assert.Nil(t, store.operation(id))

	// The server value lands in the cache; no conflict record is written.
	entry, err := store.GetCacheEntry(ctx, "", "rankings", "r-1")
	require.NoError(t, err)
	assert.Equal(t, serverData, entry.Data)

	recs, err := engine.ListUnresolvedConflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestConflictClientWinsRepushes(t *testing.T) {
	engine, store, remote, _ := newTestEngine(t)
	ctx := context.Background()

	attempts := 0
	remote.createFn = func(op *SyncOperation) (*Record, error) {
		return nil, syncerrors.NewConflict(syncerrors.OpPush, stderrors.New("already exists"))
	}
	remote.updateFn = func(op *SyncOperation) (*Record, error) {
		attempts++
		return echoRecord(op), nil
	}
	remote.fetchFn = func(tenantID, collection, entityID string) (*Record, error) {
		return &Record{
			EntityID:  entityID,
			Data:      map[string]interface{}{"student_id": "s-1", "status": "absent"},
			UpdatedAt: 500,
		}, nil
	}

	id, err := engine.Enqueue(ctx, attendanceRequest("att-1"))
	require.NoError(t, err)

	result, err := engine.PerformSync(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, result.ConflictsResolved)
	assert.Equal(t, 1, result.OperationsPushed)
	assert.Equal(t, 1, attempts)
	assert.Nil(t, store.operation(id))

	// Client value overwrote the server; cache carries it.
	entry, err := store.GetCacheEntry(ctx, "", "attendance_records", "att-1")
	require.NoError(t, err)
	assert.Equal(t, "present", entry.Data["status"])
}

func TestConflictManualBlocksOperation(t *testing.T) {
	engine, store, remote, _ := newTestEngine(t)
	ctx := context.Background()

	remote.updateFn = func(op *SyncOperation) (*Record, error) {
		return nil, syncerrors.NewConflict(syncerrors.OpPush, stderrors.New("version mismatch"))
	}
	remote.fetchFn = func(tenantID, collection, entityID string) (*Record, error) {
		return &Record{
			EntityID: entityID,
			Data:     map[string]interface{}{"name": "Server Name"},
		}, nil
	}

	s := StrategyManual
	id, err := engine.Enqueue(ctx, OperationRequest{
		Collection: "student_profiles", Kind: OpUpdate, EntityID: "stu-1",
		Payload:  map[string]interface{}{"name": "Client Name"},
		Baseline: map[string]interface{}{"name": "Old Name"},
		Strategy: &s,
	})
	require.NoError(t, err)

	result, err := engine.PerformSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.ConflictsResolved)

	op := store.operation(id)
	require.NotNil(t, op)
	assert.True(t, op.Blocked)

	recs, err := engine.ListUnresolvedConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, id, recs[0].OperationID)
	assert.Equal(t, []string{"name"}, recs[0].ConflictFields)
	assert.Equal(t, "Client Name", recs[0].ClientValue["name"])
	assert.Equal(t, "Server Name", recs[0].ServerValue["name"])

	// Blocked operations are excluded from subsequent cycles.
	calls := len(remote.pushCalls())
	_, err = engine.PerformSync(ctx)
	require.NoError(t, err)
	assert.Len(t, remote.pushCalls(), calls)
}

func TestStatusDuringSyncWithManualConflicts(t *testing.T) {
	engine, _, remote, _ := newTestEngine(t)
	ctx := context.Background()

	remote.updateFn = func(op *SyncOperation) (*Record, error) {
		return nil, syncerrors.NewConflict(syncerrors.OpPush, stderrors.New("version mismatch"))
	}
	remote.fetchFn = func(tenantID, collection, entityID string) (*Record, error) {
		return &Record{EntityID: entityID, Data: map[string]interface{}{"name": "Server"}}, nil
	}

	const n = 50
	s := StrategyManual
	for i := 0; i < n; i++ {
		_, err := engine.Enqueue(ctx, OperationRequest{
			Collection: "student_profiles", Kind: OpUpdate,
			EntityID: fmt.Sprintf("stu-%d", i),
			Payload:  map[string]interface{}{"name": "Client"},
			Baseline: map[string]interface{}{"name": "Old"},
			Strategy: &s,
		})
		require.NoError(t, err)
	}

	// Status readers race the cycle that is blocking each conflicted
	// operation; every read must observe a consistent queue.
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = engine.PerformSync(ctx)
	}()
	for {
		select {
		case <-done:
			status := engine.Status()
			assert.Equal(t, n, status.BlockedOperations)
			assert.Equal(t, n, status.QueueLength)
			return
		default:
			engine.Status()
		}
	}
}

func TestResolveConflictChooseClient(t *testing.T) {
	engine, store, remote, _ := newTestEngine(t)
	ctx := context.Background()

	conflicted := true
	remote.updateFn = func(op *SyncOperation) (*Record, error) {
		if conflicted {
			return nil, syncerrors.NewConflict(syncerrors.OpPush, stderrors.New("version mismatch"))
		}
		return echoRecord(op), nil
	}
	remote.fetchFn = func(tenantID, collection, entityID string) (*Record, error) {
		return &Record{EntityID: entityID, Data: map[string]interface{}{"name": "Server"}}, nil
	}

	s := StrategyManual
	id, err := engine.Enqueue(ctx, OperationRequest{
		Collection: "student_profiles", Kind: OpUpdate, EntityID: "stu-1",
		Payload:  map[string]interface{}{"name": "Client"},
		Strategy: &s,
	})
	require.NoError(t, err)

	_, err = engine.PerformSync(ctx)
	require.NoError(t, err)

	recs, err := engine.ListUnresolvedConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	require.NoError(t, engine.ResolveConflict(ctx, recs[0].ID, ChooseClient))

	op := store.operation(id)
	require.NotNil(t, op)
	assert.False(t, op.Blocked)
	assert.Equal(t, StrategyClientWins, op.Strategy)

	recs, err = engine.ListUnresolvedConflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)

	// The unblocked operation now delivers with client-wins semantics.
	conflicted = false
	result, err := engine.PerformSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.OperationsPushed+result.ConflictsResolved)
	assert.Nil(t, store.operation(id))
}

func TestResolveConflictChooseServer(t *testing.T) {
	engine, store, remote, _ := newTestEngine(t)
	ctx := context.Background()

	remote.updateFn = func(op *SyncOperation) (*Record, error) {
		return nil, syncerrors.NewConflict(syncerrors.OpPush, stderrors.New("version mismatch"))
	}
	remote.fetchFn = func(tenantID, collection, entityID string) (*Record, error) {
		return &Record{EntityID: entityID, Data: map[string]interface{}{"name": "Server"}}, nil
	}

	s := StrategyManual
	id, err := engine.Enqueue(ctx, OperationRequest{
		Collection: "student_profiles", Kind: OpUpdate, EntityID: "stu-1",
		Payload:  map[string]interface{}{"name": "Client"},
		Strategy: &s,
	})
	require.NoError(t, err)

	_, err = engine.PerformSync(ctx)
	require.NoError(t, err)

	recs, err := engine.ListUnresolvedConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	require.NoError(t, engine.ResolveConflict(ctx, recs[0].ID, ChooseServer))

	assert.Nil(t, store.operation(id))
	assert.Equal(t, 0, engine.queue.Len())

	entry, err := store.GetCacheEntry(ctx, "", "student_profiles", "stu-1")
	require.NoError(t, err)
	assert.Equal(t, "Server", entry.Data["name"])

	// Resolving twice is rejected.
	err = engine.ResolveConflict(ctx, recs[0].ID, ChooseServer)
	assert.Error(t, err)
}

func pullPolicies(t *testing.T) *PolicyTable {
	t.Helper()
	table, err := NewPolicyTable(map[string]CollectionPolicy{
		"classes": {Priority: PriorityNormal, Strategy: StrategyServerWins},
	})
	require.NoError(t, err)
	return table
}

func TestPullPagesAndAdvancesWatermark(t *testing.T) {
	engine, store, remote, _ := newTestEngine(t, WithPolicies(pullPolicies(t)))
	ctx := context.Background()

	remote.pullFn = func(req PullRequest) (*PullPage, error) {
		if req.Token == "" {
			return &PullPage{
				Records: []Record{
					{EntityID: "c-1", Data: map[string]interface{}{"title": "Karate"}, UpdatedAt: 100},
					{EntityID: "c-2", Data: map[string]interface{}{"title": "Judo"}, UpdatedAt: 200},
				},
				NextToken: "page-2",
				HasMore:   true,
			}, nil
		}
		return &PullPage{
			Records: []Record{
				{EntityID: "c-3", Data: map[string]interface{}{"title": "Aikido"}, UpdatedAt: 300},
			},
		}, nil
	}

	result, err := engine.PerformSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, result.EntriesPulled)

	require.Len(t, remote.pullRequests, 2)
	assert.EqualValues(t, 0, remote.pullRequests[0].Since)
	assert.Equal(t, "page-2", remote.pullRequests[1].Token)

	meta, err := store.GetMetadata(ctx, "", "classes")
	require.NoError(t, err)
	assert.EqualValues(t, 300, meta.LastPullWatermark)

	entry, err := store.GetCacheEntry(ctx, "", "classes", "c-2")
	require.NoError(t, err)
	assert.Equal(t, "Judo", entry.Data["title"])

	// The next cycle resumes from the stored watermark.
	result, err = engine.PerformSync(ctx)
	require.NoError(t, err)
	require.Len(t, remote.pullRequests, 3)
	assert.EqualValues(t, 300, remote.pullRequests[2].Since)
}

func TestPullMarksEntriesWithPendingOperationsDirty(t *testing.T) {
	table, err := NewPolicyTable(map[string]CollectionPolicy{
		"classes": {Priority: PriorityNormal, Strategy: StrategyServerWins},
	})
	require.NoError(t, err)
	engine, store, remote, _ := newTestEngine(t, WithPolicies(table))
	ctx := context.Background()

	// The push fails transiently so the operation is still pending when the
	// pull phase observes the same entity.
	remote.updateFn = func(op *SyncOperation) (*Record, error) {
		return nil, syncerrors.NewTransient(syncerrors.OpPush, stderrors.New("flaky"))
	}
	remote.pullFn = func(req PullRequest) (*PullPage, error) {
		return &PullPage{Records: []Record{
			{EntityID: "c-1", Data: map[string]interface{}{"title": "stale"}, UpdatedAt: 50},
			{EntityID: "c-2", Data: map[string]interface{}{"title": "clean"}, UpdatedAt: 60},
		}}, nil
	}

	_, err = engine.Enqueue(ctx, OperationRequest{
		Collection: "classes", Kind: OpUpdate, EntityID: "c-1",
		Payload: map[string]interface{}{"title": "local edit"},
	})
	require.NoError(t, err)

	_, err = engine.PerformSync(ctx)
	require.NoError(t, err)

	dirty, err := store.GetCacheEntry(ctx, "", "classes", "c-1")
	require.NoError(t, err)
	assert.True(t, dirty.Dirty)

	clean, err := store.GetCacheEntry(ctx, "", "classes", "c-2")
	require.NoError(t, err)
	assert.False(t, clean.Dirty)
}

func TestPullIsolatesCollectionFailures(t *testing.T) {
	table, err := NewPolicyTable(map[string]CollectionPolicy{
		"broken": {Priority: PriorityNormal, Strategy: StrategyServerWins},
		"fine":   {Priority: PriorityNormal, Strategy: StrategyServerWins},
	})
	require.NoError(t, err)
	engine, store, remote, _ := newTestEngine(t, WithPolicies(table))
	ctx := context.Background()

	remote.pullFn = func(req PullRequest) (*PullPage, error) {
		if req.Collection == "broken" {
			return nil, syncerrors.NewTransient(syncerrors.OpPull, stderrors.New("endpoint down"))
		}
		return &PullPage{Records: []Record{
			{EntityID: "f-1", Data: map[string]interface{}{"ok": true}, UpdatedAt: 10},
		}}, nil
	}

	result, err := engine.PerformSync(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, result.EntriesPulled)
	assert.Len(t, result.Errors, 1)

	_, err = store.GetCacheEntry(ctx, "", "fine", "f-1")
	assert.NoError(t, err)
}

func TestPullTombstonesLandInCache(t *testing.T) {
	engine, store, remote, _ := newTestEngine(t, WithPolicies(pullPolicies(t)))
	ctx := context.Background()

	remote.pullFn = func(req PullRequest) (*PullPage, error) {
		return &PullPage{Records: []Record{
			{EntityID: "c-1", Deleted: true, UpdatedAt: 77},
		}}, nil
	}

	_, err := engine.PerformSync(ctx)
	require.NoError(t, err)

	entry, err := store.GetCacheEntry(ctx, "", "classes", "c-1")
	require.NoError(t, err)
	assert.True(t, entry.Deleted)
}

func TestRestartRestoresQueueFromStore(t *testing.T) {
	store := newMemStore()
	monitor := netmon.NewManual(netmon.Status{Connected: false})

	first, err := NewEngine(
		WithStore(store),
		WithRemote(newFakeRemote()),
		WithMonitor(monitor),
		WithLogger(testLogger()),
		WithDebounce(time.Hour),
	)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = first.Enqueue(ctx, attendanceRequest("att-1"))
	require.NoError(t, err)
	_, err = first.Enqueue(ctx, attendanceRequest("att-2"))
	require.NoError(t, err)

	// A new process over the same store picks the queue up where it stood.
	remote := newFakeRemote()
	second, err := NewEngine(
		WithStore(store),
		WithRemote(remote),
		WithMonitor(netmon.NewManual(onlineStatus())),
		WithLogger(testLogger()),
		WithDebounce(time.Hour),
	)
	require.NoError(t, err)
	defer second.Close()

	assert.Equal(t, 2, second.Status().QueueLength)

	result, err := second.PerformSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.OperationsPushed)
	assert.Equal(t, 0, store.operationCount())
}

func TestPerformSyncIsSingleFlight(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)

	engine.syncing.Store(true)
	result, err := engine.PerformSync(context.Background())
	require.NoError(t, err)
	assert.Nil(t, result)
	engine.syncing.Store(false)
}

func TestStopAfterCurrentBatch(t *testing.T) {
	engine, _, remote, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.Enqueue(ctx, attendanceRequest("att-1"))
	require.NoError(t, err)

	engine.StopAfterCurrentBatch()
	result, err := engine.PerformSync(ctx)
	require.NoError(t, err)

	assert.Equal(t, 0, result.OperationsPushed)
	assert.Empty(t, remote.pushCalls())

	// The flag is consumed by the cycle; the next one runs normally.
	result, err = engine.PerformSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.OperationsPushed)
}

func TestClearQueue(t *testing.T) {
	engine, store, _, monitor := newTestEngine(t)
	ctx := context.Background()

	monitor.Set(netmon.Status{Connected: false})
	_, err := engine.Enqueue(ctx, attendanceRequest("att-1"))
	require.NoError(t, err)
	_, err = engine.Enqueue(ctx, attendanceRequest("att-2"))
	require.NoError(t, err)

	n, err := engine.ClearQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, engine.queue.Len())
	assert.Equal(t, 0, store.operationCount())
}

func TestSubscribersReceiveResults(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)

	results := make(chan *SyncResult, 1)
	unsubscribe := engine.Subscribe(func(r *SyncResult) { results <- r })
	defer unsubscribe()

	_, err := engine.PerformSync(context.Background())
	require.NoError(t, err)

	select {
	case r := <-results:
		assert.NotNil(t, r)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber was not notified")
	}
}

func TestImmediateEnqueueTriggersScheduledSync(t *testing.T) {
	engine, _, remote, _ := newTestEngine(t, WithDebounce(10*time.Millisecond))

	_, err := engine.Enqueue(context.Background(), attendanceRequest("att-1"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return len(remote.pushCalls()) == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestNetworkRegainTriggersDebouncedSync(t *testing.T) {
	engine, _, remote, monitor := newTestEngine(t, WithDebounce(10*time.Millisecond))
	ctx := context.Background()

	monitor.Set(netmon.Status{Connected: false})
	_, err := engine.Enqueue(ctx, attendanceRequest("att-1"))
	require.NoError(t, err)

	require.NoError(t, engine.Start(ctx))
	defer engine.Stop()

	monitor.Set(onlineStatus())

	assert.Eventually(t, func() bool {
		return len(remote.pushCalls()) == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestStatusSnapshot(t *testing.T) {
	engine, _, _, monitor := newTestEngine(t)
	ctx := context.Background()

	monitor.Set(netmon.Status{Connected: false})
	_, err := engine.Enqueue(ctx, attendanceRequest("att-1"))
	require.NoError(t, err)

	status := engine.Status()
	assert.Equal(t, 1, status.QueueLength)
	assert.Equal(t, 0, status.BlockedOperations)
	assert.False(t, status.CanSync)
	assert.False(t, status.IsSyncing)

	monitor.Set(onlineStatus())
	assert.True(t, engine.Status().CanSync)
}

func TestCloseIsIdempotent(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	require.NoError(t, engine.Close())
	require.NoError(t, engine.Close())

	_, err := engine.PerformSync(context.Background())
	assert.Error(t, err)
	_, err = engine.Enqueue(context.Background(), attendanceRequest("x"))
	assert.Error(t, err)
}
