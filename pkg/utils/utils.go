// Package utils holds the small hash and rendering helpers shared across
// the daemon. All protocol digests are SHA-256; the wire format fixes the
// algorithm, so there is exactly one hashing entry point.
package utils

import (
	"crypto/sha256"

	"github.com/btcsuite/btcutil/base58"
)

// HashSize is the length of every protocol digest: identity hashes,
// DHT keys, delete authorizations and their verification hashes.
const HashSize = sha256.Size

// Hash is a 32-byte protocol digest.
type Hash [HashSize]byte

// Sha256 returns the SHA-256 digest of msg.
func Sha256(msg []byte) Hash {
	return sha256.Sum256(msg)
}

// Sha256Concat returns the SHA-256 digest of the concatenation of the
// given slices without building an intermediate buffer.
func Sha256Concat(parts ...[]byte) Hash {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// HashFromBytes copies the first HashSize bytes of b into a Hash.
// The caller guarantees len(b) >= HashSize.
func HashFromBytes(b []byte) Hash {
	var out Hash
	copy(out[:], b)
	return out
}

// String renders the hash in base58 for logs.
func (h Hash) String() string {
	return base58.Encode(h[:])
}

// Bytes returns the hash as a slice.
func (h Hash) Bytes() []byte {
	return h[:]
}

// IsZero reports whether every byte of the hash is zero.
func (h Hash) IsZero() bool {
	for _, b := range h {
		if b != 0 {
			return false
		}
	}
	return true
}
