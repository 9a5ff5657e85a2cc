package nvram

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestInitCreatesStateDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tpmstate")

	s := New(dir, nil, nil)
	defer s.Close()

	if err := s.Init(); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("state directory missing: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o775 {
		t.Errorf("directory mode = %o, want 775", perm)
	}
}

func TestInitRequiresTPMPath(t *testing.T) {
	t.Setenv("TPM_PATH", "")

	s := New("", nil, nil)
	if err := s.Init(); !errors.Is(err, ErrNoStateDir) {
		t.Fatalf("err = %v, want ErrNoStateDir", err)
	}
}

func TestInitUsesTPMPath(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TPM_PATH", dir)

	s := New("", nil, nil)
	defer s.Close()

	if err := s.Init(); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, databaseName)); err != nil {
		t.Errorf("database not created under TPM_PATH: %v", err)
	}
}

func TestLoadStoreDelete(t *testing.T) {
	s := New(t.TempDir(), nil, nil)
	defer s.Close()

	data := []byte("permanent blob")
	if err := s.Store(0, PermanentName, data); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	got, err := s.Load(0, PermanentName)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("Load = %q, want %q", got, data)
	}

	if err := s.Delete(0, PermanentName, true); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Load(0, PermanentName); !errors.Is(err, ErrNotFound) {
		t.Errorf("Load after delete err = %v, want ErrNotFound", err)
	}
}

func TestDeleteMustExist(t *testing.T) {
	s := New(t.TempDir(), nil, nil)
	defer s.Close()

	if err := s.Delete(0, VolatileName, false); err != nil {
		t.Errorf("optional delete of missing blob failed: %v", err)
	}
	if err := s.Delete(0, VolatileName, true); !errors.Is(err, ErrNotFound) {
		t.Errorf("mandatory delete err = %v, want ErrNotFound", err)
	}
}

func TestStateBlobRoundTripPlain(t *testing.T) {
	s := New(t.TempDir(), nil, nil)
	defer s.Close()

	data := []byte("migrated state")
	if err := s.SetStateBlob(data, false, 0, PermanentName); err != nil {
		t.Fatalf("SetStateBlob failed: %v", err)
	}

	got, encrypted, err := s.GetStateBlob(0, PermanentName, false)
	if err != nil {
		t.Fatalf("GetStateBlob failed: %v", err)
	}
	if encrypted {
		t.Error("blob reported encrypted without a key")
	}
	if !bytes.Equal(got, data) {
		t.Errorf("GetStateBlob = %q, want %q", got, data)
	}
}

func TestStateBlobEncryptedPassthrough(t *testing.T) {
	s := New(t.TempDir(), nil, nil)
	defer s.Close()

	// A blob marked encrypted is stored and returned byte for byte.
	data := []byte{0x01, 0x02, 0x03, 0x04}
	if err := s.SetStateBlob(data, true, 0, SaveStateName); err != nil {
		t.Fatalf("SetStateBlob failed: %v", err)
	}

	got, encrypted, err := s.GetStateBlob(0, SaveStateName, false)
	if err != nil {
		t.Fatalf("GetStateBlob failed: %v", err)
	}
	if !encrypted {
		t.Error("encrypted flag lost")
	}
	if !bytes.Equal(got, data) {
		t.Errorf("GetStateBlob = %x, want %x", got, data)
	}
}

func testKey(t *testing.T) *Key {
	t.Helper()
	key, err := NewKey(bytes.Repeat([]byte{0x11}, 32))
	if err != nil {
		t.Fatalf("NewKey failed: %v", err)
	}
	return key
}

func TestFileKeyEncryptsAtRest(t *testing.T) {
	dir := t.TempDir()
	key := testKey(t)

	s := New(dir, key, nil)
	defer s.Close()

	data := []byte("secret state")
	if err := s.Store(0, PermanentName, data); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	// The raw stored form must not contain the plaintext.
	raw, encrypted, err := s.GetStateBlob(0, PermanentName, false)
	if err != nil {
		t.Fatalf("GetStateBlob failed: %v", err)
	}
	if !encrypted {
		t.Error("blob not marked encrypted")
	}
	if bytes.Contains(raw, data) {
		t.Error("plaintext leaked into stored blob")
	}

	// The engine-facing Load decrypts transparently.
	plain, err := s.Load(0, PermanentName)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !bytes.Equal(plain, data) {
		t.Errorf("Load = %q, want %q", plain, data)
	}

	// GetStateBlob with decrypt returns the plaintext.
	plain, encrypted, err = s.GetStateBlob(0, PermanentName, true)
	if err != nil {
		t.Fatalf("GetStateBlob(decrypt) failed: %v", err)
	}
	if encrypted {
		t.Error("decrypted blob still marked encrypted")
	}
	if !bytes.Equal(plain, data) {
		t.Errorf("GetStateBlob(decrypt) = %q, want %q", plain, data)
	}
}

func TestHasKeys(t *testing.T) {
	s := New(t.TempDir(), testKey(t), nil)
	defer s.Close()

	if !s.HasFileKey() {
		t.Error("HasFileKey = false")
	}
	if s.HasMigrationKey() {
		t.Error("HasMigrationKey = true")
	}
}

func TestStoreVolatileWithSource(t *testing.T) {
	s := New(t.TempDir(), nil, nil)
	defer s.Close()

	s.SetVolatileSource(func() ([]byte, bool, error) {
		return []byte("volatile snapshot"), true, nil
	})

	if err := s.StoreVolatile(); err != nil {
		t.Fatalf("StoreVolatile failed: %v", err)
	}

	got, _, err := s.GetStateBlob(0, VolatileName, false)
	if err != nil {
		t.Fatalf("GetStateBlob failed: %v", err)
	}
	if !bytes.Equal(got, []byte("volatile snapshot")) {
		t.Errorf("volatile blob = %q", got)
	}
}

func TestStoreVolatileWithoutSourceKeepsBlob(t *testing.T) {
	s := New(t.TempDir(), nil, nil)
	defer s.Close()

	if err := s.SetStateBlob([]byte("installed"), false, 0, VolatileName); err != nil {
		t.Fatalf("SetStateBlob failed: %v", err)
	}
	if err := s.StoreVolatile(); err != nil {
		t.Fatalf("StoreVolatile failed: %v", err)
	}

	got, _, err := s.GetStateBlob(0, VolatileName, false)
	if err != nil {
		t.Fatalf("GetStateBlob failed: %v", err)
	}
	if !bytes.Equal(got, []byte("installed")) {
		t.Errorf("volatile blob = %q, want %q", got, "installed")
	}
}

func TestStoreVolatileSourceWithNothingToExportKeepsBlob(t *testing.T) {
	s := New(t.TempDir(), nil, nil)
	defer s.Close()

	if err := s.SetStateBlob([]byte("migrated"), false, 0, VolatileName); err != nil {
		t.Fatalf("SetStateBlob failed: %v", err)
	}
	s.SetVolatileSource(func() ([]byte, bool, error) {
		return nil, false, nil
	})

	if err := s.StoreVolatile(); err != nil {
		t.Fatalf("StoreVolatile failed: %v", err)
	}

	got, _, err := s.GetStateBlob(0, VolatileName, false)
	if err != nil {
		t.Fatalf("GetStateBlob failed: %v", err)
	}
	if !bytes.Equal(got, []byte("migrated")) {
		t.Errorf("volatile blob = %q, want %q", got, "migrated")
	}
}

func TestStoreVolatileSourceErrorSurfaces(t *testing.T) {
	s := New(t.TempDir(), nil, nil)
	defer s.Close()

	s.SetVolatileSource(func() ([]byte, bool, error) {
		return nil, false, errors.New("engine wedged")
	})
	if err := s.StoreVolatile(); err == nil {
		t.Fatal("StoreVolatile swallowed the source error")
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	s := New(dir, nil, nil)
	if err := s.Store(0, SaveStateName, []byte("persist me")); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s2 := New(dir, nil, nil)
	defer s2.Close()
	got, err := s2.Load(0, SaveStateName)
	if err != nil {
		t.Fatalf("Load after reopen failed: %v", err)
	}
	if !bytes.Equal(got, []byte("persist me")) {
		t.Errorf("Load = %q", got)
	}
}
