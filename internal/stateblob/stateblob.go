// Package stateblob moves TPM state blobs between storage and the
// fixed-size control-message windows of the device protocol.
//
// The inbound Stage assembles a blob arriving in fragments; the
// outbound Cache holds a loaded blob while it is streamed out in
// windows. Neither type locks: both are mutated only under the device
// core's file-ops lock.
package stateblob

import (
	"errors"
	"fmt"

	"vtpmd/internal/devproto"
)

// Storage is the slice of the NVRAM store the stage and cache consume.
type Storage interface {
	StoreVolatile() error
	GetStateBlob(tpmID uint32, name string, decrypt bool) ([]byte, bool, error)
	SetStateBlob(data []byte, isEncrypted bool, tpmID uint32, name string) error
	Delete(tpmID uint32, name string, mustExist bool) error
}

var (
	// ErrBadType marks an unknown blob type.
	ErrBadType = errors.New("stateblob: unknown blob type")

	// ErrOutOfRange marks a window request past the end of the cached
	// blob.
	ErrOutOfRange = errors.New("stateblob: offset out of range")
)

// Cache holds the outbound blob of a GET transfer. It is valid for one
// (type, decrypt) pair; a request for a different pair reloads.
type Cache struct {
	storage Storage

	loaded    bool
	blobType  devproto.BlobType
	decrypt   bool
	encrypted bool
	data      []byte
}

// NewCache returns an empty cache backed by storage.
func NewCache(storage Storage) *Cache {
	return &Cache{storage: storage}
}

// Load makes the cache valid for (blobType, decrypt), reloading from
// storage unless it already is. Loading the volatile blob first asks
// storage to materialize it, and deletes the stored copy afterwards so
// it does not linger.
func (c *Cache) Load(blobType devproto.BlobType, decrypt bool) error {
	if c.loaded && c.blobType == blobType && c.decrypt == decrypt {
		return nil
	}

	name, ok := blobType.Name()
	if !ok {
		return fmt.Errorf("%w: %d", ErrBadType, uint32(blobType))
	}

	c.Invalidate()

	if blobType == devproto.BlobVolatile {
		if err := c.storage.StoreVolatile(); err != nil {
			return err
		}
	}

	data, encrypted, err := c.storage.GetStateBlob(0, name, decrypt)

	if blobType == devproto.BlobVolatile {
		// Make sure the volatile copy is gone either way.
		c.storage.Delete(0, name, false)
	}

	if err != nil {
		return err
	}

	c.loaded = true
	c.blobType = blobType
	c.decrypt = decrypt
	c.encrypted = encrypted
	c.data = data
	return nil
}

// Length returns the total length of the cached blob.
func (c *Cache) Length() uint32 {
	return uint32(len(c.data))
}

// Encrypted reports whether the cached bytes are encrypted.
func (c *Cache) Encrypted() bool {
	return c.encrypted
}

// Copy fills dst from the cached blob starting at offset and returns
// the number of bytes copied. An offset at or past the end copies
// nothing; the caller still learns the total length via Length.
func (c *Cache) Copy(dst []byte, offset uint32) uint32 {
	if !c.loaded || uint64(offset) >= uint64(len(c.data)) {
		return 0
	}
	return uint32(copy(dst, c.data[offset:]))
}

// Window returns up to max bytes starting at offset, for the read()
// path of a chunked transfer. Unlike Copy, an offset past the end is an
// error.
func (c *Cache) Window(offset uint32, max int) ([]byte, error) {
	if !c.loaded || uint64(offset) > uint64(len(c.data)) {
		return nil, ErrOutOfRange
	}
	rest := c.data[offset:]
	if len(rest) > max {
		rest = rest[:max]
	}
	return rest, nil
}

// Remaining returns the number of bytes available at offset.
func (c *Cache) Remaining(offset uint32) uint32 {
	if !c.loaded || uint64(offset) > uint64(len(c.data)) {
		return 0
	}
	return uint32(len(c.data)) - offset
}

// Invalidate discards the cached blob.
func (c *Cache) Invalidate() {
	c.loaded = false
	c.blobType = 0
	c.decrypt = false
	c.encrypted = false
	c.data = nil
}

// Stage assembles the inbound blob of a SET transfer.
type Stage struct {
	storage Storage

	blobType  devproto.BlobType
	encrypted bool
	data      []byte
}

// NewStage returns an empty stage backed by storage.
func NewStage(storage Storage) *Stage {
	return &Stage{storage: storage}
}

// Append adds a fragment to the stage. A fragment of a different type
// than the staged one discards the partial blob and starts over; the
// first fragment of a new transfer may be empty, which only begins the
// transfer. When last is set, the assembled blob is handed to storage
// and the stage is cleared. Any failure clears the stage.
func (s *Stage) Append(blobType devproto.BlobType, data []byte, encrypted, last bool) error {
	if s.blobType != blobType {
		s.data = nil
		s.blobType = blobType
		s.encrypted = encrypted

		// Begin-transfer call: contents follow via write().
		if len(data) == 0 {
			return nil
		}
	}

	s.data = append(s.data, data...)

	if !last {
		return nil
	}

	name, ok := blobType.Name()
	if !ok {
		s.Reset()
		return fmt.Errorf("%w: %d", ErrBadType, uint32(blobType))
	}

	err := s.storage.SetStateBlob(s.data, s.encrypted, 0, name)
	s.Reset()
	return err
}

// Length returns the number of bytes staged so far.
func (s *Stage) Length() uint32 {
	return uint32(len(s.data))
}

// Reset discards any partial blob.
func (s *Stage) Reset() {
	s.blobType = 0
	s.encrypted = false
	s.data = nil
}
