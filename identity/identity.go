// Package identity models a peer's public identity as the rest of the
// daemon sees it: an opaque, self-delimiting byte string with a stable
// 32-byte SHA-256 hash and a base64 rendering. Key material semantics
// (ECDH/ECDSA/X25519 internals, encryption, signatures) belong to the
// crypto library behind the mailbox interfaces, not here.
package identity

import (
	"encoding/base32"
	"encoding/base64"
	"strings"

	"github.com/polistern/pboted/pkg/errors"
	"github.com/polistern/pboted/pkg/utils"
)

// BaseKeyLen is the length of the fixed part of a serialized identity:
// a 256-byte crypto public key block followed by a 128-byte signing
// public key block.
const BaseKeyLen = 384

// descriptorLen is the trailing descriptor after the fixed part: one
// key-type byte and a big-endian u16 extension length.
const descriptorLen = 3

// MinLen is the shortest valid serialized identity.
const MinLen = BaseKeyLen + descriptorLen

// ErrMalformed is returned for byte strings that do not delimit a whole
// identity.
var ErrMalformed = errors.New("identity: malformed")

// Identity is an immutable serialized public identity. Destinations on
// the wire use the I2P base64 alphabet ('-' and '~' instead of '+' and
// '/'); translation happens on the string boundary so the raw bytes stay
// canonical.
type Identity struct {
	data []byte
	hash utils.Hash
}

// FromBuffer parses one identity from the beginning of buf and returns it
// together with the number of bytes consumed. The total length is
// self-delimiting: 384 fixed bytes, a key-type byte, and a u16 big-endian
// extension length followed by that many bytes.
func FromBuffer(buf []byte) (Identity, int, error) {
	if len(buf) < MinLen {
		return Identity{}, 0, ErrMalformed
	}
	ext := int(buf[BaseKeyLen+1])<<8 | int(buf[BaseKeyLen+2])
	total := MinLen + ext
	if len(buf) < total {
		return Identity{}, 0, ErrMalformed
	}

	data := make([]byte, total)
	copy(data, buf[:total])
	return Identity{data: data, hash: utils.Sha256(data)}, total, nil
}

// FromBase64 parses an identity from its base64 rendering.
func FromBase64(s string) (Identity, error) {
	raw, err := decodeBase64(s)
	if err != nil {
		return Identity{}, errors.Errorf("identity: decode base64: %w", err)
	}
	id, n, err := FromBuffer(raw)
	if err != nil {
		return Identity{}, err
	}
	if n != len(raw) {
		return Identity{}, ErrMalformed
	}
	return id, nil
}

// FromBase32 parses an identity from a base32 rendering (v1 addresses).
func FromBase32(s string) (Identity, error) {
	raw, err := base32.StdEncoding.WithPadding(base32.NoPadding).
		DecodeString(strings.ToUpper(s))
	if err != nil {
		return Identity{}, errors.Errorf("identity: decode base32: %w", err)
	}
	id, n, err := FromBuffer(raw)
	if err != nil {
		return Identity{}, err
	}
	if n != len(raw) {
		return Identity{}, ErrMalformed
	}
	return id, nil
}

func decodeBase64(s string) ([]byte, error) {
	// Accept both the standard and the I2P alphabet.
	translated := strings.NewReplacer("-", "+", "~", "/").Replace(s)
	return base64.StdEncoding.DecodeString(translated)
}

// ToBase64 renders the identity in the I2P base64 alphabet.
func (id Identity) ToBase64() string {
	s := base64.StdEncoding.EncodeToString(id.data)
	return strings.NewReplacer("+", "-", "/", "~").Replace(s)
}

// Hash returns the SHA-256 digest of the serialized identity.
func (id Identity) Hash() utils.Hash {
	return id.hash
}

// Bytes returns a copy of the serialized identity.
func (id Identity) Bytes() []byte {
	out := make([]byte, len(id.data))
	copy(out, id.data)
	return out
}

// Len returns the serialized length.
func (id Identity) Len() int {
	return len(id.data)
}

// KeyType returns the key-type descriptor byte.
func (id Identity) KeyType() byte {
	return id.data[BaseKeyLen]
}

// IsZero reports whether the identity is the zero value.
func (id Identity) IsZero() bool {
	return len(id.data) == 0
}

// Equal reports whether two identities serialize identically.
func (id Identity) Equal(other Identity) bool {
	return id.hash == other.hash && string(id.data) == string(other.data)
}
