// Package identity issues and verifies the bearer tokens that bind an HTTP
// caller to an actor id and a set of roles.
//
// It provides:
//   - TokenIssuer: issues and verifies EdDSA JWT actor tokens
//   - RequireToken: Gin middleware enforcing Bearer actor tokens
//   - RequireAdmin: Gin middleware guarding token issuance with a shared secret
package identity
