package hash

import (
	"crypto/sha256"
	"encoding/hex"
)

// DID returns the lowercase hex SHA-256 of the canonical DID string. Every
// store key and ACL entry is addressed by this value, never by the raw DID.
func DID(did string) string {
	sum := sha256.Sum256([]byte(did))
	return hex.EncodeToString(sum[:])
}

// Message returns the lowercase hex SHA-256 of a packed envelope. It is the
// message id used for storage and expiry indexing.
func Message(envelope []byte) string {
	sum := sha256.Sum256(envelope)
	return hex.EncodeToString(sum[:])
}
