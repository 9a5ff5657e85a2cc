package engine

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/google/go-tpm/tpmutil"

	"vtpmd/internal/devproto"
)

// Passthrough forwards commands to a local TPM character device (for
// example /dev/tpmrm0). The kernel resource manager owns locality, so
// the per-call locality is ignored, and the external hash interface is
// unavailable.
type Passthrough struct {
	mu         sync.Mutex
	path       string
	cbs        Callbacks
	registered bool
	rwc        io.ReadWriteCloser

	established bool
	resp        []byte
}

// NewPassthrough returns an engine backed by the TPM device at path.
func NewPassthrough(path string) *Passthrough {
	return &Passthrough{path: path}
}

func (p *Passthrough) RegisterCallbacks(cb Callbacks) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cbs = cb
	p.registered = true
	return nil
}

func (p *Passthrough) MainInit() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.registered {
		return initError("callbacks not registered")
	}
	if p.cbs.Init != nil {
		if err := p.cbs.Init(); err != nil {
			return initError("storage init: %v", err)
		}
	}
	if p.rwc != nil {
		return nil
	}

	rwc, err := tpmutil.OpenTPM(p.path)
	if err != nil {
		return initError("open %s: %v", p.path, err)
	}
	p.rwc = rwc
	return nil
}

func (p *Passthrough) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.rwc == nil {
		return nil
	}
	err := p.rwc.Close()
	p.rwc = nil
	return err
}

func (p *Passthrough) Process(req []byte, locality uint8) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.rwc == nil {
		return nil, fmt.Errorf("engine: not initialized")
	}

	if _, err := p.rwc.Write(req); err != nil {
		return nil, fmt.Errorf("engine: write command: %w", err)
	}

	buf := make([]byte, devproto.MaxCommandSize)
	n, err := p.rwc.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("engine: read response: %w", err)
	}

	resp := buf[:n]
	if bytes.Equal(req, devproto.ResetEstablishmentCommand) && responseCode(resp) == devproto.Success {
		p.established = false
	}

	p.resp = append(p.resp[:0], resp...)
	return p.resp, nil
}

// VolatileGet cannot serve the passthrough: the kernel resource
// manager owns the TPM's state and exposes no export interface.
func (p *Passthrough) VolatileGet() ([]byte, error) {
	return nil, ErrNoVolatileState
}

// The device passthrough has no external hash port.

func (p *Passthrough) HashStart() devproto.Result { return devproto.Fail }

func (p *Passthrough) HashData(data []byte) devproto.Result { return devproto.Fail }

func (p *Passthrough) HashEnd() devproto.Result { return devproto.Fail }

func (p *Passthrough) TpmEstablishedGet() (bool, devproto.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.rwc == nil {
		return false, devproto.Fail
	}
	return p.established, devproto.Success
}
