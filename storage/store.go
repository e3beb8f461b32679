// Package storage defines the local packet store the DHT server answers
// from: keyed-by-32-byte-hash blob storage for index, email and contact
// records.
package storage

import (
	"github.com/polistern/pboted/pkg/errors"
	"github.com/polistern/pboted/pkg/utils"
)

// Record type letters, the first byte of every stored record.
const (
	TypeIndex   byte = 'I'
	TypeEmail   byte = 'E'
	TypeContact byte = 'C'
)

// ErrNoSpace is returned by Put when the store declines a record for
// lack of disk space.
var ErrNoSpace = errors.New("storage: no disk space")

// ErrMalformedRecord is returned by Put for byte strings that do not
// carry a recognizable record.
var ErrMalformedRecord = errors.New("storage: malformed record")

// Store is the local packet store. Implementations are safe for
// concurrent use. Get methods return (nil, nil) when the key is absent.
type Store interface {
	GetIndex(key utils.Hash) ([]byte, error)
	GetEmail(key utils.Hash) ([]byte, error)
	GetContact(key utils.Hash) ([]byte, error)

	// Put stores a serialized record under the key embedded in it
	// (bytes 2..34 of index, email and contact records). Returns true
	// when the record was newly stored, false when it already existed.
	Put(data []byte) (bool, error)

	// Delete removes the record of the given type letter and key.
	Delete(recordType byte, key utils.Hash) error

	Close() error
}

// RecordKey extracts the storage key of a serialized record: the 32
// bytes after the type and version bytes.
func RecordKey(data []byte) (byte, utils.Hash, error) {
	if len(data) < 2+utils.HashSize {
		return 0, utils.Hash{}, ErrMalformedRecord
	}
	switch data[0] {
	case TypeIndex, TypeEmail, TypeContact:
		return data[0], utils.HashFromBytes(data[2:]), nil
	}
	return 0, utils.Hash{}, ErrMalformedRecord
}
