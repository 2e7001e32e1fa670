// Package store provides durable persistence for sessions and their
// supporting records.
//
// # Sessions
//
// A session row carries the lifecycle state, the deadline, an opaque
// attribute blob and a version counter for optimistic concurrency. All state
// mutation goes through TransitionSession, a compare-and-swap on (state,
// version): when two requests race to advance the same session, exactly one
// wins and the other receives ErrConflict. Retrying on conflict is the
// caller's responsibility; the store never retries or locks.
//
// # One-time records
//
// Two auxiliary tables support the authentication flow: auth_states holds
// one-time OAuth2 state values (consumed atomically, each claimable exactly
// once) and used_tokens records spent token ids for single-use scopes.
//
// # Maintenance
//
// SweepExpired moves sessions past their deadline into the Expired state with
// a single guarded UPDATE, making it idempotent and safe to run concurrently
// with normal traffic.
package store
