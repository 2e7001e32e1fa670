// Package bridge connects sessions to an external OAuth2 identity provider.
//
// The authorization-code flow is split into two explicit operations. Begin
// binds a fresh one-time state value to a session and returns the redirect
// target; Complete answers the provider's callback by claiming that state
// value (anti-CSRF, anti-replay: a value not issued here, or presented
// twice, fails with ErrStateMismatch), exchanging the code for tokens within
// a bounded window, and distilling the result into an IdentityAssertion.
//
// The bridge never mutates session state. Feeding an assertion back into the
// session lifecycle is the authentication facade's job, which is what makes
// a timed-out exchange harmless: the session simply stays where it was.
package bridge
