package schoolsync

import (
	"context"
	"reflect"
	"sort"
)

// Conflict carries the context needed to resolve a detected conflict between
// a local operation and concurrent server state.
type Conflict struct {
	// Operation is the local mutation that was rejected by the backend.
	Operation *SyncOperation

	// ServerSnapshot is the current server value. Nil means the entity is
	// gone on the server (concurrent hard delete).
	ServerSnapshot map[string]interface{}

	// ServerUpdatedAt is the server record's modification time in unix
	// milliseconds, zero when unknown.
	ServerUpdatedAt int64

	// Fields lists the conflict fields: fields both sides changed
	// differently since the common baseline.
	Fields []string
}

// ResolutionAction tells the engine what to do with a resolved conflict.
type ResolutionAction string

const (
	// ActionPushClient re-pushes the client payload verbatim, overwriting
	// the server field-for-field.
	ActionPushClient ResolutionAction = "push_client"

	// ActionPushMerged pushes the merged payload as a new update.
	ActionPushMerged ResolutionAction = "push_merged"

	// ActionAdoptServer discards the local operation and adopts the server
	// snapshot into the cache.
	ActionAdoptServer ResolutionAction = "adopt_server"

	// ActionManual blocks the operation and persists a ConflictRecord for
	// external resolution.
	ActionManual ResolutionAction = "manual_review"
)

// ResolvedConflict captures the decision and any follow-up data.
type ResolvedConflict struct {
	Action  ResolutionAction
	Payload map[string]interface{} // for push actions
	Reasons []string               // human-readable annotations for audit
}

// ConflictResolver is the Strategy interface for conflict resolution. The
// engine routes every conflict-classified push failure here and never
// decides the strategy itself.
type ConflictResolver interface {
	Resolve(ctx context.Context, c Conflict) (ResolvedConflict, error)
}

// ConflictFields computes the conflict-field set by 3-way comparison. A
// field is in conflict only if both sides changed it differently since the
// common baseline: client != baseline, server != baseline, and
// client != server. Fields only one side touched are not conflicts.
//
// With a nil baseline a 3-way comparison is impossible; every field the two
// sides disagree on is then treated as conflicting.
func ConflictFields(baseline, client, server map[string]interface{}) []string {
	keys := make(map[string]struct{})
	for k := range client {
		keys[k] = struct{}{}
	}
	for k := range server {
		keys[k] = struct{}{}
	}
	for k := range baseline {
		keys[k] = struct{}{}
	}

	var fields []string
	for k := range keys {
		cv, sv := client[k], server[k]
		if reflect.DeepEqual(cv, sv) {
			continue
		}
		if baseline != nil {
			bv := baseline[k]
			if reflect.DeepEqual(cv, bv) || reflect.DeepEqual(sv, bv) {
				// Only one side moved away from the baseline.
				continue
			}
		}
		fields = append(fields, k)
	}

	sort.Strings(fields)
	return fields
}
