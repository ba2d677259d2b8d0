// Package auth authenticates admin API callers with HS256 bearer tokens.
//
// Tokens carry a subject and one of two roles:
//   - viewer: read device listings, connection history and metrics
//   - operator: everything a viewer can do, plus closing connections
//
// There is no user store. Tokens are minted offline with
// "graylinkctl token" from the shared security.jwt.secret and validated
// by signature, issuer and expiry only.
package auth
