package domain

import "encoding/hex"

// Fingerprint is a 32-byte cryptographic digest used as a content key in
// caches and group identifiers.
type Fingerprint [32]byte

// Hex renders the fingerprint as a 64-char lowercase hex string, the form
// used wherever a textual key is required (store lookups, log lines).
func (f Fingerprint) Hex() string {
	return hex.EncodeToString(f[:])
}

// Zero reports whether f is the zero fingerprint (never a valid digest).
func (f Fingerprint) Zero() bool {
	return f == Fingerprint{}
}

// ShardKey returns the first byte of the fingerprint, used to shard the
// cache's Tier A map and reduce lock contention (§5).
func (f Fingerprint) ShardKey() byte {
	return f[0]
}
