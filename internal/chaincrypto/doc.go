// Package chaincrypto is the narrow crypto adapter consumed by the ledger core.
//
// The core only relies on a collision-resistant hash and an existentially
// unforgeable signature. Which algorithms back those is configuration:
//   - hashes: sha256 (default) and sha3-256
//   - signatures: ml-dsa-65 (default, post-quantum) and ed25519
//   - key encapsulation: ml-kem-768
//
// All keys can be derived from a single master seed so that a node keeps its
// identity across restarts.
package chaincrypto
