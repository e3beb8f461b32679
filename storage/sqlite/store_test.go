package sqlite

import (
	"context"
	"testing"

	"github.com/polistern/pboted/pkg/utils"
	"github.com/polistern/pboted/storage"
)

func record(recordType byte, payload string) ([]byte, utils.Hash) {
	key := utils.Sha256([]byte(payload))
	data := append([]byte{recordType, 4}, key.Bytes()...)
	data = append(data, payload...)
	return data, key
}

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := NewStore(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPutAndGetRoundTrip(t *testing.T) {
	store := newTestStore(t)

	email, emailKey := record(storage.TypeEmail, "email payload")
	index, indexKey := record(storage.TypeIndex, "index payload")
	contact, contactKey := record(storage.TypeContact, "contact payload")

	for _, data := range [][]byte{email, index, contact} {
		stored, err := store.Put(data)
		if err != nil {
			t.Fatalf("Put: %v", err)
		}
		if !stored {
			t.Fatal("expected fresh insert")
		}
	}

	got, err := store.GetEmail(emailKey)
	if err != nil || string(got) != string(email) {
		t.Fatalf("GetEmail = %q, %v", got, err)
	}
	got, err = store.GetIndex(indexKey)
	if err != nil || string(got) != string(index) {
		t.Fatalf("GetIndex = %q, %v", got, err)
	}
	got, err = store.GetContact(contactKey)
	if err != nil || string(got) != string(contact) {
		t.Fatalf("GetContact = %q, %v", got, err)
	}
}

func TestPutDuplicateIsNoop(t *testing.T) {
	store := newTestStore(t)

	data, key := record(storage.TypeEmail, "payload")
	if _, err := store.Put(data); err != nil {
		t.Fatalf("Put: %v", err)
	}

	changed := append([]byte(nil), data...)
	changed = append(changed, "-changed"...)
	stored, err := store.Put(changed)
	if err != nil {
		t.Fatalf("Put duplicate: %v", err)
	}
	if stored {
		t.Fatal("duplicate insert must report false")
	}

	got, _ := store.GetEmail(key)
	if string(got) != string(data) {
		t.Fatal("first-writer-wins violated")
	}
}

func TestGetAbsentKeyReturnsNil(t *testing.T) {
	store := newTestStore(t)

	got, err := store.GetEmail(utils.Sha256([]byte("nothing here")))
	if err != nil {
		t.Fatalf("GetEmail: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for absent key, got %q", got)
	}
}

func TestPutRejectsMalformedRecord(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.Put([]byte("too short")); err == nil {
		t.Fatal("expected error for malformed record")
	}
	bad, _ := record('Z', "unknown type")
	if _, err := store.Put(bad); err == nil {
		t.Fatal("expected error for unknown record type")
	}
}

func TestDelete(t *testing.T) {
	store := newTestStore(t)

	data, key := record(storage.TypeEmail, "delete me")
	if _, err := store.Put(data); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Delete(storage.TypeEmail, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	got, err := store.GetEmail(key)
	if err != nil || got != nil {
		t.Fatalf("record still present after delete: %q, %v", got, err)
	}

	// Deleting an absent record is fine.
	if err := store.Delete(storage.TypeEmail, key); err != nil {
		t.Fatalf("Delete absent: %v", err)
	}
}

func TestRecordTypesAreSeparateKeyspaces(t *testing.T) {
	store := newTestStore(t)

	data, key := record(storage.TypeEmail, "payload")
	if _, err := store.Put(data); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := store.GetIndex(key)
	if err != nil {
		t.Fatalf("GetIndex: %v", err)
	}
	if got != nil {
		t.Fatal("email record must not be visible as index")
	}
}
