// Package schoolsync implements an offline-first synchronization engine for
// mobile school-management clients. Local mutations are durably queued,
// pushed to the remote backend in priority order when connectivity allows,
// and reconciled against concurrent server changes with per-collection
// conflict policies. Server-side deltas are pulled incrementally per
// collection using monotonic watermarks.
//
// The engine is an explicit instance constructed with injected
// collaborators: a durable Store (storage/sqlite or storage/bolt), a
// RemoteClient (transport/httptransport), and a netmon.Monitor. All
// mutations flow through Engine.Enqueue; UI-layer code reads state through
// the CacheEntry projection and never writes to the store directly.
package schoolsync
