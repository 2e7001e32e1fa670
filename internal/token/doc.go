// Package token encodes and decodes platform capability tokens.
//
// A platform token is a signed JWT granting one subject the right to act on
// one session with one scope. Tokens carry {sub, sid, scope, iat, exp, jti}
// as claims and the signing key id as the kid header; the algorithm is pinned
// to HS256 with no default fallback.
//
// Token validity is necessary but never sufficient: callers must still check
// the referenced session's live state. That check belongs to the
// authentication facade, not this package.
package token
