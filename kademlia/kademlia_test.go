package kademlia

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/polistern/pboted/identity"
	"github.com/polistern/pboted/pkg/utils"
	"github.com/polistern/pboted/storage"
)

// testIdentity builds a deterministic legacy-form identity from a seed.
func testIdentity(t *testing.T, seed byte) identity.Identity {
	t.Helper()

	raw := make([]byte, identity.MinLen)
	for i := 0; i < identity.BaseKeyLen; i++ {
		raw[i] = seed ^ byte(i%251)
	}
	id, _, err := identity.FromBuffer(raw)
	require.NoError(t, err)
	return id
}

// memStore is an in-memory storage.Store for engine tests.
type memStore struct {
	mu      sync.Mutex
	records map[byte]map[utils.Hash][]byte
	full    bool
}

var _ storage.Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{records: map[byte]map[utils.Hash][]byte{
		storage.TypeIndex:   {},
		storage.TypeEmail:   {},
		storage.TypeContact: {},
	}}
}

func (s *memStore) get(recordType byte, key utils.Hash) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[recordType][key], nil
}

func (s *memStore) GetIndex(key utils.Hash) ([]byte, error) {
	return s.get(storage.TypeIndex, key)
}

func (s *memStore) GetEmail(key utils.Hash) ([]byte, error) {
	return s.get(storage.TypeEmail, key)
}

func (s *memStore) GetContact(key utils.Hash) ([]byte, error) {
	return s.get(storage.TypeContact, key)
}

func (s *memStore) Put(data []byte) (bool, error) {
	recordType, key, err := storage.RecordKey(data)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full {
		return false, storage.ErrNoSpace
	}
	if _, ok := s.records[recordType][key]; ok {
		return false, nil
	}
	s.records[recordType][key] = append([]byte(nil), data...)
	return true, nil
}

func (s *memStore) Delete(recordType byte, key utils.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records[recordType], key)
	return nil
}

func (s *memStore) Close() error { return nil }
