// Package engine defines the contract between the device front-end and
// the TPM engine that executes commands.
//
// The engine is treated as a single-threaded black box: the executor
// guarantees that no two calls into an Engine overlap. Implementations
// cover a remote engine reached over the simulator socket protocol, a
// passthrough to a local TPM device, and an in-memory fallback used
// when no engine is configured.
package engine

import (
	"errors"
	"fmt"

	"vtpmd/internal/devproto"
)

// Callbacks give the engine access to NVRAM storage and the current
// locality. They are installed once via RegisterCallbacks before
// MainInit.
type Callbacks struct {
	// Init ensures the storage backend is ready.
	Init func() error

	// Load reads a named blob. It returns an error satisfying
	// IsNotFound when the blob does not exist.
	Load func(tpmID uint32, name string) ([]byte, error)

	// Store writes a named blob.
	Store func(tpmID uint32, name string, data []byte) error

	// Delete removes a named blob. Absence is an error only when
	// mustExist is true.
	Delete func(tpmID uint32, name string, mustExist bool) error

	// Locality reports the locality of the command being processed,
	// for engines that pull it.
	Locality func() uint8
}

// Engine is the TPM engine contract consumed by the device core.
type Engine interface {
	// RegisterCallbacks installs the storage callbacks and locality
	// reporter. Must be called before MainInit.
	RegisterCallbacks(cb Callbacks) error

	// MainInit initializes the engine. The engine may load persistent
	// state through the callbacks.
	MainInit() error

	// Terminate releases engine state. Idempotent.
	Terminate() error

	// Process runs a single TPM command at the given locality and
	// returns the response buffer. The returned slice is owned by the
	// engine and valid until the next Process call.
	Process(req []byte, locality uint8) ([]byte, error)

	// VolatileGet serializes the engine's in-memory transient state so
	// the storage layer can materialize it as the volatile state blob.
	// Engines whose transient state cannot leave the backing process
	// return ErrNoVolatileState.
	VolatileGet() ([]byte, error)

	// HashStart, HashData and HashEnd drive the external measurement
	// hash interface.
	HashStart() devproto.Result
	HashData(data []byte) devproto.Result
	HashEnd() devproto.Result

	// TpmEstablishedGet reports the establishment bit.
	TpmEstablishedGet() (bool, devproto.Result)
}

// ErrInit marks an engine initialization failure.
var ErrInit = errors.New("engine: initialization failed")

// IsInit reports whether err is an engine initialization failure.
func IsInit(err error) bool {
	return errors.Is(err, ErrInit)
}

// ErrNotFound marks a missing named blob.
var ErrNotFound = errors.New("engine: blob not found")

// ErrNoVolatileState marks an engine that cannot serialize its
// transient state.
var ErrNoVolatileState = errors.New("engine: volatile state cannot be serialized")

// IsNotFound reports whether err indicates a missing blob.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// initError wraps err so that it satisfies errors.Is(err, ErrInit).
func initError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInit, fmt.Sprintf(format, args...))
}
