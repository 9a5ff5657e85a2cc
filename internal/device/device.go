// Package device implements the vtpm device endpoint: the transfer
// state machine interpreting read/write/ioctl traffic, the control
// dispatcher, and the session lifecycle around a TPM engine.
//
// All mutable device state hangs off the TPM type; the file-ops mutex
// is its interior lock. The engine itself is only ever entered from the
// worker executor, one command at a time.
package device

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"vtpmd/internal/devproto"
	"vtpmd/internal/engine"
	"vtpmd/internal/nvram"
	"vtpmd/internal/stateblob"
	"vtpmd/internal/tracing"
	"vtpmd/internal/worker"
)

// ErrIO is returned on reads and writes that violate the current
// transfer state, and maps to EIO on the endpoint.
var ErrIO = errors.New("device: I/O error")

// ErrBusy is returned when a command write would overlap an in-flight
// command, and maps to EBUSY on the endpoint.
var ErrBusy = worker.ErrBusy

// maxLocality is the highest valid locality value.
const maxLocality = 4

// Config wires a TPM device.
type Config struct {
	Engine engine.Engine
	Store  *nvram.Store

	// RequestExit is invoked after the reply to a SHUTDOWN control
	// command has been emitted.
	RequestExit func()

	// DropPrivileges, when set, is applied once the endpoint is up
	// (the init-done hook). A failure aborts the daemon.
	DropPrivileges func() error
}

// TPM is the device core: one logical TPM behind one endpoint.
type TPM struct {
	cfg Config

	eng   engine.Engine
	store *nvram.Store
	cache *stateblob.Cache
	stage *stateblob.Stage

	// fileOps serializes command writes and all control dispatch.
	fileOps sync.Mutex

	exec    *worker.Executor // nil while stopped; guarded by fileOps
	running bool             // guarded by fileOps
	req     []byte           // request buffer; filled under fileOps, read by the worker while busy

	locality atomic.Uint32 // written under fileOps, read from the worker

	// The response buffer and its drain cursor. The worker fills them
	// at command completion; readers drain them after WaitDone.
	respMu sync.Mutex
	resp   []byte
	resLen int

	exitRequested atomic.Bool
}

// New builds the device core around an engine and an NVRAM store.
func New(cfg Config) *TPM {
	t := &TPM{
		cfg:   cfg,
		eng:   cfg.Engine,
		store: cfg.Store,
		cache: stateblob.NewCache(cfg.Store),
		stage: stateblob.NewStage(cfg.Store),
	}
	return t
}

// Open starts a session on the endpoint. The transfer state of a new
// session is always command read/write.
func (t *TPM) Open() *Session {
	return &Session{tpm: t, tx: txState{kind: txRwCommand}}
}

// InitDone is the endpoint init-done hook: it applies the configured
// privilege drop. A failure must abort the process.
func (t *TPM) InitDone() error {
	if t.cfg.DropPrivileges == nil {
		return nil
	}
	if err := t.cfg.DropPrivileges(); err != nil {
		return fmt.Errorf("device: privilege drop: %w", err)
	}
	return nil
}

// Running reports whether the engine is initialized.
func (t *TPM) Running() bool {
	t.fileOps.Lock()
	defer t.fileOps.Unlock()
	return t.running
}

// Locality returns the current locality.
func (t *TPM) Locality() uint8 {
	return uint8(t.locality.Load())
}

// ExitRequested reports whether a SHUTDOWN reply is pending a process
// exit.
func (t *TPM) ExitRequested() bool {
	return t.exitRequested.Load()
}

// Exit invokes the configured exit hook.
func (t *TPM) Exit() {
	if t.cfg.RequestExit != nil {
		t.cfg.RequestExit()
	}
}

// callbacks builds the engine's storage callbacks.
func (t *TPM) callbacks() engine.Callbacks {
	return engine.Callbacks{
		Init: t.store.Init,
		Load: func(tpmID uint32, name string) ([]byte, error) {
			data, err := t.store.Load(tpmID, name)
			if errors.Is(err, nvram.ErrNotFound) {
				return nil, fmt.Errorf("%w: %s", engine.ErrNotFound, name)
			}
			return data, err
		},
		Store:    t.store.Store,
		Delete:   t.store.Delete,
		Locality: t.Locality,
	}
}

// startLocked brings the engine up: storage, worker, callbacks, main-init.
// Called with fileOps held and the worker stopped.
func (t *TPM) startLocked(flags uint32) devproto.Result {
	if err := t.store.Init(); err != nil {
		slog.Error("could not initialize state storage", "error", err)
		return devproto.Fail
	}

	t.exec = worker.New()

	if err := t.eng.RegisterCallbacks(t.callbacks()); err != nil {
		slog.Error("could not register engine callbacks", "error", err)
		t.stopWorkerLocked()
		t.eng.Terminate()
		return devproto.Fail
	}

	// Storage materializes the volatile blob through the engine; an
	// engine without an export primitive keeps whatever blob migration
	// installed.
	t.store.SetVolatileSource(func() ([]byte, bool, error) {
		data, err := t.eng.VolatileGet()
		if errors.Is(err, engine.ErrNoVolatileState) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		return data, true, nil
	})

	if err := t.eng.MainInit(); err != nil {
		slog.Error("could not initialize the TPM engine", "error", err)
		t.stopWorkerLocked()
		t.eng.Terminate()
		return devproto.Fail
	}

	if flags&devproto.InitFlagDeleteVolatile != 0 {
		if err := t.store.Delete(0, nvram.VolatileName, false); err != nil {
			slog.Error("could not delete the volatile state", "error", err)
			t.stopWorkerLocked()
			t.eng.Terminate()
			return devproto.Fail
		}
	}

	if t.req == nil {
		t.req = make([]byte, devproto.MaxCommandSize)
	}

	slog.Info("TPM engine initialized")
	return devproto.Success
}

// stopWorkerLocked drains and destroys the worker. Called with fileOps
// held.
func (t *TPM) stopWorkerLocked() {
	if t.exec != nil {
		t.exec.Shutdown()
		t.exec = nil
	}
}

// writeCommand submits one TPM command. While the engine is down the
// write is acknowledged and the fatal-error response is staged instead.
func (t *TPM) writeCommand(buf []byte) (int, error) {
	reqLen := len(buf)
	if reqLen > devproto.MaxCommandSize {
		reqLen = devproto.MaxCommandSize
	}

	t.fileOps.Lock()
	defer t.fileOps.Unlock()

	if !t.running {
		t.writeFatalErrorResponse()
		return reqLen, nil
	}

	// Only ever work on one TPM command.
	if t.exec.Busy() {
		return 0, ErrBusy
	}

	copy(t.req, buf[:reqLen])
	t.respMu.Lock()
	t.resLen = 0
	t.respMu.Unlock()

	req := t.req[:reqLen]
	locality := t.Locality()
	if err := t.exec.Submit(func() {
		t.process(req, locality)
	}); err != nil {
		return 0, err
	}

	return reqLen, nil
}

// process runs on the worker goroutine.
func (t *TPM) process(req []byte, locality uint8) {
	_, span := tracing.StartSpan(context.Background(), "engine.process")
	span.SetAttribute("locality", locality)
	span.SetAttribute("request_bytes", len(req))

	resp, err := t.eng.Process(req, locality)
	if err != nil {
		span.RecordError(err)
	} else {
		span.SetStatus(tracing.StatusOK, "")
		span.SetAttribute("response_bytes", len(resp))
	}
	span.End()

	t.respMu.Lock()
	defer t.respMu.Unlock()
	if err != nil {
		slog.Error("engine failed to process command", "error", err)
		t.resp = append(t.resp[:0], devproto.FatalErrorResponse...)
		t.resLen = len(t.resp)
		return
	}
	// Copy out of the engine-owned buffer; it is only valid until the
	// next Process call.
	t.resp = append(t.resp[:0], resp...)
	t.resLen = len(resp)
}

// writeFatalErrorResponse stages the fixed fatal-error response.
// Called with fileOps held.
func (t *TPM) writeFatalErrorResponse() {
	t.respMu.Lock()
	defer t.respMu.Unlock()
	t.resp = append(t.resp[:0], devproto.FatalErrorResponse...)
	t.resLen = len(t.resp)
}

// readResponse drains up to size bytes of the current response. The
// wait for a completed command happens without fileOps so a
// long-running command does not block control traffic.
func (t *TPM) readResponse(size int) []byte {
	t.fileOps.Lock()
	exec, running := t.exec, t.running
	t.fileOps.Unlock()
	if running && exec != nil {
		exec.WaitDone()
	}

	t.respMu.Lock()
	defer t.respMu.Unlock()

	n := t.resLen
	if n > size {
		n = size
	}
	t.resLen -= n

	out := make([]byte, n)
	copy(out, t.resp[:n])
	return out
}

// freeResponseLocked drops the response buffer. Called with fileOps
// held (STOP and SHUTDOWN).
func (t *TPM) freeResponseLocked() {
	t.respMu.Lock()
	defer t.respMu.Unlock()
	t.resp = nil
	t.resLen = 0
}

// resetEstablishedLocked clears the establishment bit by feeding the
// engine the fixed reset request at the caller's locality. The locality
// rides on the call itself; the device locality is untouched. Called
// with fileOps held.
func (t *TPM) resetEstablishedLocked(locality uint8) devproto.Result {
	reqLen := copy(t.req, devproto.ResetEstablishmentCommand)
	req := t.req[:reqLen]

	t.respMu.Lock()
	t.resLen = 0
	t.respMu.Unlock()

	for {
		err := t.exec.Submit(func() {
			t.process(req, locality)
		})
		if err == nil {
			break
		}
		if errors.Is(err, worker.ErrBusy) {
			t.exec.WaitDone()
			continue
		}
		return devproto.Fail
	}

	t.exec.WaitDone()

	t.respMu.Lock()
	defer t.respMu.Unlock()
	return responseCode(t.resp[:t.resLen])
}

// responseCode extracts the return code of a TPM response header.
func responseCode(resp []byte) devproto.Result {
	if len(resp) < 10 {
		return devproto.Fail
	}
	return devproto.Result(binary.BigEndian.Uint32(resp[6:10]))
}

// resultFromError maps stage/cache/storage errors to TPM results.
func resultFromError(err error) devproto.Result {
	switch {
	case err == nil:
		return devproto.Success
	case errors.Is(err, stateblob.ErrBadType):
		return devproto.BadParameter
	case errors.Is(err, nvram.ErrNotFound):
		return devproto.Fail
	case errors.Is(err, nvram.ErrDecrypt):
		return devproto.Fail
	default:
		return devproto.IOError
	}
}
