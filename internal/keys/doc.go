// Package keys manages signing key material for platform tokens.
//
// A Ring holds one active HS256 key plus a bounded history of previously
// active keys. New tokens are always signed with the active key; verification
// accepts any key still on the ring, which is what makes rotation safe for
// in-flight tokens. Rings are constructed explicitly from configuration and
// passed by reference; there is no ambient process-wide key state and keys
// are never silently regenerated.
package keys
