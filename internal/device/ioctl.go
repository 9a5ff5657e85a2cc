package device

import (
	"context"
	"errors"
	"fmt"

	"vtpmd/internal/devproto"
	"vtpmd/internal/nvram"
	"vtpmd/internal/tracing"
)

// IoctlResult is the outcome of a control command: the encoded response
// payload, and whether the process must exit once the reply has been
// emitted.
type IoctlResult struct {
	Data []byte
	Exit bool
}

// Ioctl dispatches one control command. Commands touching engine state
// first wait for the worker to go idle; the whole dispatch then runs
// under the file-ops lock. Precondition violations (running vs. not
// running) are reported as BadOrdinal in the command's own response
// layout. An error return means the request itself was malformed.
func (s *Session) Ioctl(cmd devproto.Command, payload []byte) (IoctlResult, error) {
	t := s.tpm

	_, span := tracing.StartSpan(context.Background(), "device.ioctl")
	span.SetAttribute("command", cmd.String())
	defer span.End()

	switch cmd {
	case devproto.CmdGetCapability, devproto.CmdSetLocality,
		devproto.CmdCancelTpmCmd, devproto.CmdGetConfig:
		// No need to wait.
	default:
		t.fileOps.Lock()
		exec, running := t.exec, t.running
		t.fileOps.Unlock()
		if running && exec != nil {
			exec.WaitDone()
		}
	}

	t.fileOps.Lock()
	defer t.fileOps.Unlock()

	switch cmd {
	case devproto.CmdGetCapability:
		return reply(&devproto.CapabilityResponse{Caps: devproto.Capabilities})

	case devproto.CmdInit:
		var q devproto.InitRequest
		if err := q.Decode(payload); err != nil {
			return IoctlResult{}, err
		}
		return reply(&devproto.ResultResponse{Result: s.initLocked(q.Flags)})

	case devproto.CmdStop:
		s.stopLocked()
		return reply(&devproto.ResultResponse{Result: devproto.Success})

	case devproto.CmdShutdown:
		s.stopLocked()
		t.exitRequested.Store(true)
		return replyExit(&devproto.ResultResponse{Result: devproto.Success})

	case devproto.CmdGetTpmEstablished:
		if !t.running {
			return reply(&devproto.EstablishedResponse{Result: devproto.BadOrdinal})
		}
		bit, res := t.eng.TpmEstablishedGet()
		resp := &devproto.EstablishedResponse{Result: res}
		if bit {
			resp.Bit = 1
		}
		return reply(resp)

	case devproto.CmdResetTpmEstablished:
		if !t.running {
			return reply(&devproto.ResultResponse{Result: devproto.BadOrdinal})
		}
		var q devproto.LocalityRequest
		if err := q.Decode(payload); err != nil {
			return IoctlResult{}, err
		}
		if q.Locality > maxLocality {
			return reply(&devproto.ResultResponse{Result: devproto.BadLocality})
		}
		return reply(&devproto.ResultResponse{Result: t.resetEstablishedLocked(q.Locality)})

	case devproto.CmdSetLocality:
		var q devproto.LocalityRequest
		if err := q.Decode(payload); err != nil {
			return IoctlResult{}, err
		}
		if q.Locality > maxLocality {
			return reply(&devproto.ResultResponse{Result: devproto.BadLocality})
		}
		t.locality.Store(uint32(q.Locality))
		return reply(&devproto.ResultResponse{Result: devproto.Success})

	case devproto.CmdHashStart:
		if !t.running {
			return reply(&devproto.ResultResponse{Result: devproto.BadOrdinal})
		}
		return reply(&devproto.ResultResponse{Result: t.eng.HashStart()})

	case devproto.CmdHashData:
		if !t.running {
			return reply(&devproto.ResultResponse{Result: devproto.BadOrdinal})
		}
		var q devproto.HashDataRequest
		if err := q.Decode(payload); err != nil {
			return IoctlResult{}, err
		}
		if q.Length > devproto.HashBufferSize {
			return reply(&devproto.ResultResponse{Result: devproto.Fail})
		}
		return reply(&devproto.ResultResponse{Result: t.eng.HashData(q.Data[:q.Length])})

	case devproto.CmdHashEnd:
		if !t.running {
			return reply(&devproto.ResultResponse{Result: devproto.BadOrdinal})
		}
		return reply(&devproto.ResultResponse{Result: t.eng.HashEnd()})

	case devproto.CmdCancelTpmCmd:
		if !t.running {
			return reply(&devproto.ResultResponse{Result: devproto.BadOrdinal})
		}
		// Cancellation would need the engine to poll a cancel flag
		// while executing; unsupported.
		return reply(&devproto.ResultResponse{Result: devproto.Fail})

	case devproto.CmdStoreVolatile:
		if !t.running {
			return reply(&devproto.ResultResponse{Result: devproto.BadOrdinal})
		}
		res := devproto.Success
		if err := t.store.StoreVolatile(); err != nil {
			res = devproto.Fail
		}
		t.cache.Invalidate()
		return reply(&devproto.ResultResponse{Result: res})

	case devproto.CmdGetStateBlob:
		if !t.running {
			return reply(&devproto.GetStateBlobResponse{Result: devproto.BadOrdinal})
		}
		var q devproto.GetStateBlobRequest
		if err := q.Decode(payload); err != nil {
			return IoctlResult{}, err
		}
		return reply(s.getStateBlobLocked(&q))

	case devproto.CmdSetStateBlob:
		if t.running {
			return reply(&devproto.ResultResponse{Result: devproto.BadOrdinal})
		}
		var q devproto.SetStateBlobRequest
		if err := q.Decode(payload); err != nil {
			return IoctlResult{}, err
		}
		return reply(s.setStateBlobLocked(&q))

	case devproto.CmdGetConfig:
		resp := &devproto.GetConfigResponse{Result: devproto.Success}
		if t.store.HasFileKey() {
			resp.Flags |= devproto.ConfigFlagFileKey
		}
		if t.store.HasMigrationKey() {
			resp.Flags |= devproto.ConfigFlagMigrationKey
		}
		return reply(resp)
	}

	return IoctlResult{}, fmt.Errorf("device: unknown control command %d", uint32(cmd))
}

// initLocked restarts the engine: stop whatever runs, then bring the
// engine back up. Called with fileOps held.
func (s *Session) initLocked(flags uint32) devproto.Result {
	t := s.tpm

	t.stopWorkerLocked()
	t.eng.Terminate()
	t.running = false
	t.stage.Reset()

	res := t.startLocked(flags)
	if res == devproto.Success {
		t.running = true
	}
	return res
}

// stopLocked tears the engine down. The request buffer is kept for a
// later re-init; the response buffer is dropped. Called with fileOps
// held.
func (s *Session) stopLocked() {
	t := s.tpm

	t.stopWorkerLocked()
	t.eng.Terminate()
	t.running = false
	t.stage.Reset()
	t.freeResponseLocked()
}

// getStateBlobLocked primes the outbound cache and emits the first
// window. A partial window leaves the session streaming the rest via
// read(); a complete one leaves it in command mode.
func (s *Session) getStateBlobLocked(q *devproto.GetStateBlobRequest) *devproto.GetStateBlobResponse {
	t := s.tpm

	decrypt := q.StateFlags&devproto.StateFlagDecrypted != 0

	data := make([]byte, devproto.BlobBufferSize)
	var copied uint32
	encrypted := false

	err := t.cache.Load(q.Type, decrypt)
	if err == nil {
		copied = t.cache.Copy(data, q.Offset)
		if copied > 0 {
			encrypted = t.cache.Encrypted()
		}
	}

	resp := &devproto.GetStateBlobResponse{
		Result:      resultFromError(err),
		Length:      copied,
		TotalLength: t.cache.Length(),
		Data:        data,
	}
	if encrypted {
		resp.StateFlags |= devproto.StateFlagEncrypted
	}

	if resp.Result == devproto.Success && q.Offset+copied < resp.TotalLength {
		// Last byte not copied yet: subsequent reads stream the rest.
		s.tx = txState{
			kind:      txGetStateBlob,
			blobType:  q.Type,
			encrypted: encrypted,
			offset:    copied,
		}
	} else {
		s.tx = txState{kind: txRwCommand}
	}

	return resp
}

// setStateBlobLocked starts (or continues) an inbound transfer with the
// first fragment. A fragment filling the whole data window means more
// fragments follow via write().
func (s *Session) setStateBlobLocked(q *devproto.SetStateBlobRequest) *devproto.ResultResponse {
	t := s.tpm

	// The state directory must be usable before blobs can land.
	if err := t.store.Init(); err != nil {
		return &devproto.ResultResponse{Result: storageResult(err)}
	}

	if q.Length > devproto.BlobBufferSize {
		return &devproto.ResultResponse{Result: devproto.BadParameter}
	}

	encrypted := q.StateFlags&devproto.StateFlagEncrypted != 0
	last := q.Length < devproto.BlobBufferSize

	s.tx = txState{kind: txSetStateBlob, blobType: q.Type, encrypted: encrypted}

	err := t.stage.Append(q.Type, q.Data[:q.Length], encrypted, last)
	if err != nil || last {
		s.tx = txState{kind: txRwCommand}
	}

	return &devproto.ResultResponse{Result: resultFromError(err)}
}

// storageResult maps a storage init failure to a TPM result.
func storageResult(err error) devproto.Result {
	if err == nil {
		return devproto.Success
	}
	if errors.Is(err, nvram.ErrNoStateDir) {
		return devproto.Fail
	}
	return devproto.IOError
}

type encoder interface {
	Encode() []byte
}

func reply(resp encoder) (IoctlResult, error) {
	return IoctlResult{Data: resp.Encode()}, nil
}

func replyExit(resp encoder) (IoctlResult, error) {
	return IoctlResult{Data: resp.Encode(), Exit: true}, nil
}
