package calendar

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DigestSize is the width in bytes of every digest in the system. The
// operation format reserves room for other hash algorithms (see
// spec Open Questions) but only SHA-256 is implemented.
const DigestSize = 32

// Digest is an opaque 32-byte hash value. It is the sole key type used
// throughout the journal, index, aggregator, and stamper.
type Digest [DigestSize]byte

// Hash returns the digest of b under the system's one supported hash
// algorithm.
func Hash(b []byte) Digest {
	return Digest(sha256.Sum256(b))
}

// HashConcat returns Hash(a ∥ b), the primitive used to build every
// interior node of a Merkle mountain range.
func HashConcat(a, b Digest) Digest {
	var buf [2 * DigestSize]byte
	copy(buf[:DigestSize], a[:])
	copy(buf[DigestSize:], b[:])
	return Hash(buf[:])
}

// String renders the digest as lowercase hex, as used in URLs
// (GET /timestamp/{hex_digest}) and log lines.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// DigestFromHex parses the hex encoding produced by String.
func DigestFromHex(s string) (Digest, error) {
	var d Digest
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("decoding digest hex: %w", err)
	}
	if len(b) != DigestSize {
		return d, fmt.Errorf("wrong digest length: got %d want %d", len(b), DigestSize)
	}
	copy(d[:], b)
	return d, nil
}

// DigestFromBytes copies a digest out of a byte slice of exactly
// DigestSize bytes.
func DigestFromBytes(b []byte) (Digest, error) {
	var d Digest
	if len(b) != DigestSize {
		return d, fmt.Errorf("wrong digest length: got %d want %d", len(b), DigestSize)
	}
	copy(d[:], b)
	return d, nil
}
