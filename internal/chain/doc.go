// Package chain implements the append-only, proof-of-work audit ledger.
//
// A Ledger is an ordered sequence of Blocks rooted at a deterministic genesis
// Block, plus a buffer of pending Events awaiting the next mining round. Every
// Block commits to its Events through a Merkle root and to its predecessor
// through previousHash, so any tampering is detectable by Validate.
//
// The Ledger is a single-writer structure. Mining runs off-lock against a
// snapshot of the tip and is discarded and retried if the tip moves before the
// mined Block can be appended.
package chain
