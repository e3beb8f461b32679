// Package sqlite implements the local packet store on a single sqlite
// database under the data directory.
package sqlite

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/polistern/pboted/pkg/errors"
	"github.com/polistern/pboted/pkg/logtrace"
	"github.com/polistern/pboted/pkg/utils"
	"github.com/polistern/pboted/storage"
)

const dbName = "dht.sqlite3"

// lowSpaceFloor is the free-space threshold below which Put declines new
// records with ErrNoSpace.
const lowSpaceFloor = 128 << 20 // 128 MiB

const schema = `
CREATE TABLE IF NOT EXISTS records (
    key       BLOB    NOT NULL,
    type      INTEGER NOT NULL,
    data      BLOB    NOT NULL,
    stored_at INTEGER NOT NULL,
    PRIMARY KEY (key, type)
);
`

// Store is the sqlite-backed packet store.
type Store struct {
	db      *sqlx.DB
	dataDir string
}

var _ storage.Store = (*Store)(nil)

// NewStore opens (creating if needed) the database under dataDir.
func NewStore(ctx context.Context, dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, errors.Errorf("mkdir data directory: %w", err)
	}

	path := filepath.Join(dataDir, dbName)
	db, err := sqlx.Connect("sqlite3",
		"file:"+path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, errors.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Errorf("create schema: %w", err)
	}

	logtrace.Info(ctx, "Packet store opened", logtrace.Fields{
		logtrace.FieldModule: "storage",
		"path":               path,
	})
	return &Store{db: db, dataDir: dataDir}, nil
}

func (s *Store) get(recordType byte, key utils.Hash) ([]byte, error) {
	var data []byte
	err := s.db.Get(&data,
		`SELECT data FROM records WHERE key = ? AND type = ?`,
		key.Bytes(), recordType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Errorf("select record: %w", err)
	}
	return data, nil
}

// GetIndex returns the index packet stored under key, or nil.
func (s *Store) GetIndex(key utils.Hash) ([]byte, error) {
	return s.get(storage.TypeIndex, key)
}

// GetEmail returns the encrypted email packet stored under key, or nil.
func (s *Store) GetEmail(key utils.Hash) ([]byte, error) {
	return s.get(storage.TypeEmail, key)
}

// GetContact returns the directory entry stored under key, or nil.
func (s *Store) GetContact(key utils.Hash) ([]byte, error) {
	return s.get(storage.TypeContact, key)
}

// Put stores a serialized record under its embedded key. Existing
// records are left untouched; storing a duplicate returns (false, nil).
func (s *Store) Put(data []byte) (bool, error) {
	recordType, key, err := storage.RecordKey(data)
	if err != nil {
		return false, err
	}

	if low, err := s.lowOnSpace(); err == nil && low {
		return false, storage.ErrNoSpace
	}

	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO records (key, type, data, stored_at) VALUES (?, ?, ?, ?)`,
		key.Bytes(), recordType, data, time.Now().Unix())
	if err != nil {
		return false, errors.Errorf("insert record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, errors.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// Delete removes the record of the given type and key. Deleting an
// absent record is not an error.
func (s *Store) Delete(recordType byte, key utils.Hash) error {
	_, err := s.db.Exec(
		`DELETE FROM records WHERE key = ? AND type = ?`,
		key.Bytes(), recordType)
	if err != nil {
		return errors.Errorf("delete record: %w", err)
	}
	return nil
}

func (s *Store) lowOnSpace() (bool, error) {
	usage, err := disk.Usage(s.dataDir)
	if err != nil {
		return false, err
	}
	return usage.Free < lowSpaceFloor, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
