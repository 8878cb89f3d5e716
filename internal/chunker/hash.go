package chunker

import (
	"crypto/sha256"
	"encoding/hex"
)

// sha256Hex is used to fingerprint a promoted PersistentRecording's bytes.
// crypto/sha256 is stdlib by design: none of the example repos pull in a
// third-party hashing library, and the hash is a pure function with no
// protocol, transport, or storage concern to hand to an ecosystem package.
func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
