// Package authn is the authentication core's public surface. It composes the
// key ring, token codec, session store and OAuth2 bridge into five
// operations: create a session, issue a capability token for it, validate a
// presented token, and begin/complete an authorization-code exchange.
//
// Validation answers one question: may the bearer act on this session with
// this scope, right now. A token must verify cryptographically AND reference
// a session in a compatible state; a revoked or expired session rejects even
// a perfectly valid token. Single-use scopes are spent on first successful
// validation, which is the replay check.
//
// All session mutations go through compare-and-swap transitions. When a
// concurrent writer wins a race, the facade retries a bounded number of
// times and treats "someone else already landed the session in my target
// state" as success.
package authn
