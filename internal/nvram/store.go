// Package nvram persists named TPM state blobs.
//
// Blobs live in a sqlite database inside the state directory named by
// the TPM_PATH environment variable (or a configured override). Each
// blob is keyed by TPM instance number and name and carries an
// encrypted flag; when a state-file key is configured, blob payloads
// are encrypted at rest.
package nvram

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Well-known blob names.
const (
	PermanentName = "permall"
	VolatileName  = "volatilestate"
	SaveStateName = "savestate"
)

const databaseName = "nvram.db"

const schema = `
CREATE TABLE IF NOT EXISTS blobs (
    tpm_id      INTEGER NOT NULL,
    name        TEXT NOT NULL,
    data        BLOB NOT NULL,
    encrypted   INTEGER NOT NULL DEFAULT 0,
    updated_at  INTEGER NOT NULL,
    PRIMARY KEY (tpm_id, name)
);
`

var (
	// ErrNotFound is returned when a named blob does not exist.
	ErrNotFound = errors.New("nvram: blob not found")

	// ErrNoStateDir is returned by Init when no state directory is
	// configured and TPM_PATH is unset.
	ErrNoStateDir = errors.New("nvram: TPM_PATH is not set")
)

// Store is the named-blob NVRAM store.
type Store struct {
	mu           sync.Mutex
	dir          string
	db           *sql.DB
	fileKey      *Key
	migrationKey *Key

	// volatileSource materializes the engine's transient state on
	// StoreVolatile. It reports false when the engine has nothing to
	// export; an installed volatile blob then stays in place.
	volatileSource func() ([]byte, bool, error)
}

// New returns a store rooted at dir. An empty dir defers to TPM_PATH at
// Init time. Either key may be nil.
func New(dir string, fileKey, migrationKey *Key) *Store {
	return &Store{dir: dir, fileKey: fileKey, migrationKey: migrationKey}
}

// SetVolatileSource installs the callback that serializes the engine's
// volatile state. The device core installs it when the engine starts.
func (s *Store) SetVolatileSource(fn func() ([]byte, bool, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.volatileSource = fn
}

// Init resolves the state directory, creates it when missing, and opens
// the blob database. Calling Init on an initialized store is a no-op.
func (s *Store) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initLocked()
}

func (s *Store) initLocked() error {
	if s.db != nil {
		return nil
	}

	dir := s.dir
	if dir == "" {
		dir = os.Getenv("TPM_PATH")
	}
	if dir == "" {
		return ErrNoStateDir
	}

	if _, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("nvram: stat state directory: %w", err)
		}
		if err := os.MkdirAll(dir, 0o775); err != nil {
			return fmt.Errorf("nvram: create state directory: %w", err)
		}
		// MkdirAll is subject to the umask; the directory mode is part
		// of the contract.
		if err := os.Chmod(dir, 0o775); err != nil {
			return fmt.Errorf("nvram: chmod state directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", filepath.Join(dir, databaseName)+"?_journal_mode=WAL")
	if err != nil {
		return fmt.Errorf("nvram: open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return fmt.Errorf("nvram: apply schema: %w", err)
	}

	s.dir = dir
	s.db = db
	return nil
}

// Close closes the blob database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Ping reports whether the blob database is open and reachable.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return errors.New("nvram: store not opened")
	}
	return s.db.PingContext(ctx)
}

// HasFileKey reports whether a state-file key is configured.
func (s *Store) HasFileKey() bool { return s.fileKey != nil }

// HasMigrationKey reports whether a migration key is configured.
func (s *Store) HasMigrationKey() bool { return s.migrationKey != nil }

// Load reads a named blob and returns its plaintext. Used by the engine
// callbacks.
func (s *Store) Load(tpmID uint32, name string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, encrypted, err := s.getLocked(tpmID, name)
	if err != nil {
		return nil, err
	}
	if !encrypted {
		return data, nil
	}
	if s.fileKey == nil {
		return nil, fmt.Errorf("nvram: blob %s is encrypted and no key is configured", name)
	}
	plain, err := s.fileKey.Decrypt(data)
	if err != nil {
		return nil, fmt.Errorf("nvram: blob %s: %w", name, err)
	}
	return plain, nil
}

// Store writes a named blob, encrypting it when a state-file key is
// configured. Used by the engine callbacks.
func (s *Store) Store(tpmID uint32, name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	encrypted := false
	if s.fileKey != nil {
		enc, err := s.fileKey.Encrypt(data)
		if err != nil {
			return err
		}
		data = enc
		encrypted = true
	}
	return s.putLocked(tpmID, name, data, encrypted)
}

// Delete removes a named blob. Absence is an error only when mustExist.
func (s *Store) Delete(tpmID uint32, name string, mustExist bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.initLocked(); err != nil {
		return err
	}

	res, err := s.db.Exec(`DELETE FROM blobs WHERE tpm_id = ? AND name = ?`, tpmID, name)
	if err != nil {
		return fmt.Errorf("nvram: delete %s: %w", name, err)
	}
	if mustExist {
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("nvram: delete %s: %w", name, err)
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
	}
	return nil
}

// StoreVolatile materializes the engine's volatile state blob so that
// it can be fetched as a state blob. When the engine cannot serialize
// its transient state (the source reports false, or no source is
// installed because no engine has started), any volatile blob that
// migration installed is left in place.
func (s *Store) StoreVolatile() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.volatileSource == nil {
		return nil
	}
	data, ok, err := s.volatileSource()
	if err != nil {
		return fmt.Errorf("nvram: serialize volatile state: %w", err)
	}
	if !ok {
		return nil
	}

	encrypted := false
	if s.fileKey != nil {
		enc, err := s.fileKey.Encrypt(data)
		if err != nil {
			return err
		}
		data = enc
		encrypted = true
	}
	return s.putLocked(0, VolatileName, data, encrypted)
}

// GetStateBlob reads a named blob for migration. With decrypt set and a
// state-file key configured, file-key-encrypted blobs are returned as
// plaintext; otherwise the raw stored form is returned together with
// its encrypted flag.
func (s *Store) GetStateBlob(tpmID uint32, name string, decrypt bool) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, encrypted, err := s.getLocked(tpmID, name)
	if err != nil {
		return nil, false, err
	}

	if encrypted && decrypt && s.fileKey != nil {
		plain, err := s.fileKey.Decrypt(data)
		if err != nil {
			return nil, false, fmt.Errorf("nvram: blob %s: %w", name, err)
		}
		return plain, false, nil
	}

	return data, encrypted, nil
}

// SetStateBlob installs a migrated blob under the given name. A blob
// arriving in plaintext is placed under the state-file key when one is
// configured; a blob marked encrypted is stored as received.
func (s *Store) SetStateBlob(data []byte, isEncrypted bool, tpmID uint32, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !isEncrypted && s.fileKey != nil {
		enc, err := s.fileKey.Encrypt(data)
		if err != nil {
			return err
		}
		data = enc
		isEncrypted = true
	}
	return s.putLocked(tpmID, name, data, isEncrypted)
}

func (s *Store) getLocked(tpmID uint32, name string) ([]byte, bool, error) {
	if err := s.initLocked(); err != nil {
		return nil, false, err
	}

	var (
		data      []byte
		encrypted bool
	)
	err := s.db.QueryRow(
		`SELECT data, encrypted FROM blobs WHERE tpm_id = ? AND name = ?`,
		tpmID, name,
	).Scan(&data, &encrypted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, false, fmt.Errorf("nvram: load %s: %w", name, err)
	}
	return data, encrypted, nil
}

func (s *Store) putLocked(tpmID uint32, name string, data []byte, encrypted bool) error {
	if err := s.initLocked(); err != nil {
		return err
	}

	_, err := s.db.Exec(`
		INSERT INTO blobs (tpm_id, name, data, encrypted, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (tpm_id, name) DO UPDATE
		SET data = excluded.data, encrypted = excluded.encrypted, updated_at = excluded.updated_at`,
		tpmID, name, data, encrypted, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("nvram: store %s: %w", name, err)
	}
	return nil
}
