package wire

import (
	"bytes"

	"github.com/polistern/pboted/pkg/utils"
)

// Distance is the XOR metric between two 32-byte hashes, ordered as an
// unsigned big-endian integer.
type Distance utils.Hash

// XOR returns the distance between a and b.
func XOR(a, b utils.Hash) Distance {
	var d Distance
	for i := range a {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// Less reports whether d orders strictly before other.
func (d Distance) Less(other Distance) bool {
	return bytes.Compare(d[:], other[:]) < 0
}

// IsZero reports whether the distance is zero, i.e. the operands were
// equal.
func (d Distance) IsZero() bool {
	return utils.Hash(d).IsZero()
}

// RoutingKey maps a lookup key to the keyspace position peers are
// compared against. The identity hash is used directly; a date-salted
// routing key is a future protocol revision.
func RoutingKey(key utils.Hash) utils.Hash {
	return key
}
