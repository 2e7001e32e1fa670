// Package gateway assembles the authentication core into a runnable server.
//
// New wires the SQLite store, the signing key ring, the OAuth2 bridge and the
// authentication facade according to the configured feature toggles, then
// exposes them over HTTP:
//
//	POST /api/sessions               create a session
//	GET  /api/sessions/{id}          fetch a session
//	POST /api/sessions/{id}/tokens   issue a capability token
//	POST /api/sessions/{id}/auth     begin the authorization-code flow
//	POST /api/sessions/{id}/revoke   revoke a session
//	POST /api/sessions/{id}/close    close an active session
//	POST /api/tokens/validate        validate a presented token
//	GET  /auth/callback              provider callback completing authentication
//	GET  /health                     liveness check
//
// Run also drives the background sweeper that expires overdue sessions.
package gateway
