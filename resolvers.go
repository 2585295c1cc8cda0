package schoolsync

import (
	"context"
	"reflect"
)

var (
	_ ConflictResolver = (*ClientWinsResolver)(nil)
	_ ConflictResolver = (*ServerWinsResolver)(nil)
	_ ConflictResolver = (*MergeResolver)(nil)
	_ ConflictResolver = (*ManualReviewResolver)(nil)
)

// ClientWinsResolver pushes the client payload verbatim, overwriting server
// state field-for-field. Used where the device is the trusted source of
// truth, e.g. teacher-entered attendance.
type ClientWinsResolver struct{}

func (r *ClientWinsResolver) Resolve(ctx context.Context, c Conflict) (ResolvedConflict, error) {
	return ResolvedConflict{
		Action:  ActionPushClient,
		Payload: c.Operation.Payload,
		Reasons: []string{"client authoritative for collection"},
	}, nil
}

// ServerWinsResolver discards the client operation and adopts the server
// snapshot. The local operation is completed, not retried.
type ServerWinsResolver struct{}

func (r *ServerWinsResolver) Resolve(ctx context.Context, c Conflict) (ResolvedConflict, error) {
	return ResolvedConflict{
		Action:  ActionAdoptServer,
		Reasons: []string{"server authoritative for collection"},
	}, nil
}

// MergeResolver builds a field-by-field merge starting from the server
// snapshot, applying per-collection field authority rules, and pushes the
// result as a new update.
type MergeResolver struct {
	Policies *PolicyTable
}

func (r *MergeResolver) Resolve(ctx context.Context, c Conflict) (ResolvedConflict, error) {
	var rules MergeRules
	if r.Policies != nil {
		if policy, ok := r.Policies.Lookup(c.Operation.Collection); ok {
			rules = policy.Merge
		}
	}

	merged := MergePayloads(rules, c.Operation.Baseline, c.Operation.Payload, c.ServerSnapshot, c.Fields)
	return ResolvedConflict{
		Action:  ActionPushMerged,
		Payload: merged,
		Reasons: []string{"field-level merge"},
	}, nil
}

// MergePayloads merges client and server values starting from the server
// snapshot. Per-field precedence:
//
//  1. server-authoritative fields always take the server value, even when
//     only the client changed them;
//  2. client-authoritative fields take the client value when present;
//  3. conflict fields prefer whichever side is non-null, server first;
//  4. remaining fields take the side that moved away from the baseline.
func MergePayloads(rules MergeRules, baseline, client, server map[string]interface{}, conflictFields []string) map[string]interface{} {
	merged := make(map[string]interface{}, len(server)+len(client))
	for k, v := range server {
		merged[k] = v
	}

	keys := make(map[string]struct{}, len(client)+len(server))
	for k := range client {
		keys[k] = struct{}{}
	}
	for k := range server {
		keys[k] = struct{}{}
	}

	for k := range keys {
		switch {
		case contains(rules.ServerFields, k):
			if sv, ok := server[k]; ok {
				merged[k] = sv
			} else {
				delete(merged, k)
			}

		case contains(rules.ClientFields, k):
			if cv, ok := client[k]; ok {
				merged[k] = cv
			}

		case contains(conflictFields, k):
			if sv, ok := server[k]; ok && sv != nil {
				merged[k] = sv
			} else if cv, ok := client[k]; ok && cv != nil {
				merged[k] = cv
			}

		default:
			// Not a conflict field: at most one side moved. Take the client
			// value when it diverged from the baseline; otherwise the
			// server value already in place stands.
			if baseline == nil {
				continue
			}
			cv, hasClient := client[k]
			if hasClient && !equalValues(cv, baseline[k]) {
				merged[k] = cv
			}
		}
	}

	return merged
}

func equalValues(a, b interface{}) bool {
	if a == nil && b == nil {
		return true
	}
	return reflect.DeepEqual(a, b)
}

// ManualReviewResolver defers the conflict to external resolution: the
// engine persists a ConflictRecord and blocks the operation.
type ManualReviewResolver struct{ Reason string }

func (r *ManualReviewResolver) Resolve(ctx context.Context, c Conflict) (ResolvedConflict, error) {
	reasons := []string{"manual review required"}
	if r.Reason != "" {
		reasons = append(reasons, r.Reason)
	}
	return ResolvedConflict{Action: ActionManual, Reasons: reasons}, nil
}
