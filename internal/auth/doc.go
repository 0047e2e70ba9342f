// Package auth verifies bearer tokens and enforces classroom scopes.
//
// Tokens are JWTs signed with HS256 or RS256 (PEM key or JWKS). Each carries a
// subject, roles (device, teacher, observer), scopes and an optional list of
// session ids the token is limited to. The HTTP API and the TCP ingest
// handshake share one Middleware; with no verifier configured every caller is
// treated as DevClaims.
package auth
