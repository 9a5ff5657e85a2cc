package stateblob

import (
	"bytes"
	"errors"
	"testing"

	"vtpmd/internal/devproto"
)

// fakeStorage records state-blob traffic in memory.
type fakeStorage struct {
	blobs     map[string][]byte
	encrypted map[string]bool

	storeVolatileCalls int
	volatileErr        error
	getErr             error
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		blobs:     make(map[string][]byte),
		encrypted: make(map[string]bool),
	}
}

func (f *fakeStorage) StoreVolatile() error {
	f.storeVolatileCalls++
	return f.volatileErr
}

func (f *fakeStorage) GetStateBlob(tpmID uint32, name string, decrypt bool) ([]byte, bool, error) {
	if f.getErr != nil {
		return nil, false, f.getErr
	}
	data, ok := f.blobs[name]
	if !ok {
		return nil, false, errors.New("no such blob")
	}
	return append([]byte(nil), data...), f.encrypted[name], nil
}

func (f *fakeStorage) SetStateBlob(data []byte, isEncrypted bool, tpmID uint32, name string) error {
	f.blobs[name] = append([]byte(nil), data...)
	f.encrypted[name] = isEncrypted
	return nil
}

func (f *fakeStorage) Delete(tpmID uint32, name string, mustExist bool) error {
	if _, ok := f.blobs[name]; !ok && mustExist {
		return errors.New("no such blob")
	}
	delete(f.blobs, name)
	delete(f.encrypted, name)
	return nil
}

func TestStageSingleFragment(t *testing.T) {
	storage := newFakeStorage()
	stage := NewStage(storage)

	data := []byte("permanent state")
	if err := stage.Append(devproto.BlobPermanent, data, true, true); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	if !bytes.Equal(storage.blobs["permall"], data) {
		t.Errorf("stored blob = %q, want %q", storage.blobs["permall"], data)
	}
	if !storage.encrypted["permall"] {
		t.Error("encrypted flag not preserved")
	}
	if stage.Length() != 0 {
		t.Errorf("stage not cleared after finalize: %d bytes", stage.Length())
	}
}

func TestStageAccumulatesFragments(t *testing.T) {
	storage := newFakeStorage()
	stage := NewStage(storage)

	if err := stage.Append(devproto.BlobSaveState, []byte("aaa"), false, false); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := stage.Append(devproto.BlobSaveState, []byte("bbb"), false, false); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if stage.Length() != 6 {
		t.Errorf("staged length = %d, want 6", stage.Length())
	}

	// Zero-length final fragment.
	if err := stage.Append(devproto.BlobSaveState, nil, false, true); err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
	if !bytes.Equal(storage.blobs["savestate"], []byte("aaabbb")) {
		t.Errorf("stored blob = %q, want %q", storage.blobs["savestate"], "aaabbb")
	}
}

func TestStageTypeChangeDiscardsPartial(t *testing.T) {
	storage := newFakeStorage()
	stage := NewStage(storage)

	if err := stage.Append(devproto.BlobPermanent, []byte("partial"), false, false); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	// A different type resets the stage; the empty first fragment is a
	// begin-transfer no-op.
	if err := stage.Append(devproto.BlobVolatile, nil, false, false); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if stage.Length() != 0 {
		t.Errorf("stage length after type change = %d, want 0", stage.Length())
	}

	if err := stage.Append(devproto.BlobVolatile, []byte("vvv"), false, true); err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
	if !bytes.Equal(storage.blobs["volatilestate"], []byte("vvv")) {
		t.Errorf("stored blob = %q, want %q", storage.blobs["volatilestate"], "vvv")
	}
	if _, ok := storage.blobs["permall"]; ok {
		t.Error("discarded partial was stored")
	}
}

func TestStageUnknownTypeFails(t *testing.T) {
	stage := NewStage(newFakeStorage())

	err := stage.Append(devproto.BlobType(7), []byte("x"), false, true)
	if !errors.Is(err, ErrBadType) {
		t.Fatalf("err = %v, want ErrBadType", err)
	}
	if stage.Length() != 0 {
		t.Error("stage not cleared after failure")
	}
}

func TestCacheLoadAndWindows(t *testing.T) {
	storage := newFakeStorage()
	blob := bytes.Repeat([]byte{0x5a}, 1000)
	storage.blobs["permall"] = blob
	storage.encrypted["permall"] = true

	cache := NewCache(storage)
	if err := cache.Load(devproto.BlobPermanent, false); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cache.Length() != 1000 {
		t.Errorf("Length = %d, want 1000", cache.Length())
	}
	if !cache.Encrypted() {
		t.Error("Encrypted = false, want true")
	}

	// Concatenated windows reproduce the blob.
	var out []byte
	for off := uint32(0); off < cache.Length(); {
		w, err := cache.Window(off, 300)
		if err != nil {
			t.Fatalf("Window(%d) failed: %v", off, err)
		}
		out = append(out, w...)
		off += uint32(len(w))
	}
	if !bytes.Equal(out, blob) {
		t.Error("windows do not reassemble the blob")
	}

	// Offset just past the end is legal for Window (empty), beyond is
	// not.
	if w, err := cache.Window(1000, 10); err != nil || len(w) != 0 {
		t.Errorf("Window(len) = (%v, %v), want empty success", w, err)
	}
	if _, err := cache.Window(1001, 10); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Window(len+1) err = %v, want ErrOutOfRange", err)
	}
}

func TestCacheCopyPastEnd(t *testing.T) {
	storage := newFakeStorage()
	storage.blobs["permall"] = []byte("abc")

	cache := NewCache(storage)
	if err := cache.Load(devproto.BlobPermanent, false); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	dst := make([]byte, 10)
	if n := cache.Copy(dst, 5); n != 0 {
		t.Errorf("Copy past end copied %d bytes, want 0", n)
	}
	if n := cache.Copy(dst, 1); n != 2 || !bytes.Equal(dst[:2], []byte("bc")) {
		t.Errorf("Copy(1) = %d %q", n, dst[:n])
	}
}

func TestCacheKeyedOnTypeAndDecrypt(t *testing.T) {
	storage := newFakeStorage()
	storage.blobs["permall"] = []byte("one")

	cache := NewCache(storage)
	if err := cache.Load(devproto.BlobPermanent, false); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	// Same pair: served from cache even after the backing store moved.
	storage.blobs["permall"] = []byte("two")
	if err := cache.Load(devproto.BlobPermanent, false); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if w, _ := cache.Window(0, 10); !bytes.Equal(w, []byte("one")) {
		t.Errorf("cache hit returned %q, want %q", w, "one")
	}

	// Different decrypt flag: reload.
	if err := cache.Load(devproto.BlobPermanent, true); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if w, _ := cache.Window(0, 10); !bytes.Equal(w, []byte("two")) {
		t.Errorf("reload returned %q, want %q", w, "two")
	}
}

func TestCacheVolatileStoresAndDeletes(t *testing.T) {
	storage := newFakeStorage()
	storage.blobs["volatilestate"] = []byte("transient")

	cache := NewCache(storage)
	if err := cache.Load(devproto.BlobVolatile, false); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if storage.storeVolatileCalls != 1 {
		t.Errorf("StoreVolatile calls = %d, want 1", storage.storeVolatileCalls)
	}
	if _, ok := storage.blobs["volatilestate"]; ok {
		t.Error("volatile blob not deleted after load")
	}
	if w, _ := cache.Window(0, 100); !bytes.Equal(w, []byte("transient")) {
		t.Errorf("cached volatile = %q", w)
	}
}

func TestCacheInvalidate(t *testing.T) {
	storage := newFakeStorage()
	storage.blobs["permall"] = []byte("data")

	cache := NewCache(storage)
	if err := cache.Load(devproto.BlobPermanent, false); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	cache.Invalidate()
	if cache.Length() != 0 {
		t.Error("Length after Invalidate != 0")
	}
	if _, err := cache.Window(0, 1); !errors.Is(err, ErrOutOfRange) {
		t.Error("Window after Invalidate should fail")
	}

	storage.blobs["permall"] = []byte("fresh")
	if err := cache.Load(devproto.BlobPermanent, false); err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if w, _ := cache.Window(0, 10); !bytes.Equal(w, []byte("fresh")) {
		t.Errorf("reload returned %q, want %q", w, "fresh")
	}
}

func TestCacheUnknownType(t *testing.T) {
	cache := NewCache(newFakeStorage())
	if err := cache.Load(devproto.BlobType(42), false); !errors.Is(err, ErrBadType) {
		t.Errorf("err = %v, want ErrBadType", err)
	}
}
