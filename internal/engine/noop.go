package engine

import (
	"bytes"
	"sync"

	"vtpmd/internal/devproto"
)

// successResponse is a bare TPM response header reporting success.
var successResponse = []byte{
	0x00, 0xC4,
	0x00, 0x00, 0x00, 0x0A,
	0x00, 0x00, 0x00, 0x00,
}

// noopVolatileV1 tags the serialized transient state of the Noop
// engine: a version byte followed by a flags byte.
const noopVolatileV1 = 0x01

const noopFlagEstablished = 0x01

// Noop is the fallback engine used when no real engine is configured.
// It executes no TPM logic: every command answers with the fatal-error
// response, except the establishment reset ordinal, which succeeds and
// clears the bit. Hash sequences are accepted and a locality-4 sequence
// sets the establishment bit, mirroring the TIS contract. The transient
// state (the establishment bit) serializes through VolatileGet and is
// restored from the volatile blob on MainInit.
type Noop struct {
	mu          sync.Mutex
	cbs         Callbacks
	registered  bool
	initialized bool
	established bool
	hashing     bool

	resp []byte
}

// NewNoop returns a fallback engine.
func NewNoop() *Noop {
	return &Noop{}
}

func (n *Noop) RegisterCallbacks(cb Callbacks) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cbs = cb
	n.registered = true
	return nil
}

func (n *Noop) MainInit() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.registered {
		return initError("callbacks not registered")
	}
	if n.cbs.Init != nil {
		if err := n.cbs.Init(); err != nil {
			return initError("storage init: %v", err)
		}
	}

	// Pick up transient state left behind by a previous incarnation.
	if n.cbs.Load != nil {
		name, _ := devproto.BlobVolatile.Name()
		if data, err := n.cbs.Load(0, name); err == nil {
			n.restoreVolatile(data)
		}
	}

	n.initialized = true
	return nil
}

// restoreVolatile applies a serialized transient state. Unknown or
// malformed blobs are ignored.
func (n *Noop) restoreVolatile(data []byte) {
	if len(data) < 2 || data[0] != noopVolatileV1 {
		return
	}
	n.established = data[1]&noopFlagEstablished != 0
}

func (n *Noop) Terminate() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.initialized = false
	n.hashing = false
	return nil
}

func (n *Noop) Process(req []byte, locality uint8) ([]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if bytes.Equal(req, devproto.ResetEstablishmentCommand) {
		n.established = false
		n.resp = append(n.resp[:0], successResponse...)
		return n.resp, nil
	}

	n.resp = append(n.resp[:0], devproto.FatalErrorResponse...)
	return n.resp, nil
}

func (n *Noop) HashStart() devproto.Result {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.initialized {
		return devproto.Fail
	}
	n.hashing = true
	if n.cbs.Locality != nil && n.cbs.Locality() == 4 {
		n.established = true
	}
	return devproto.Success
}

func (n *Noop) HashData(data []byte) devproto.Result {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.hashing {
		return devproto.Fail
	}
	return devproto.Success
}

func (n *Noop) HashEnd() devproto.Result {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.hashing {
		return devproto.Fail
	}
	n.hashing = false
	return devproto.Success
}

func (n *Noop) VolatileGet() ([]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.initialized {
		return nil, ErrNoVolatileState
	}
	var flags byte
	if n.established {
		flags |= noopFlagEstablished
	}
	return []byte{noopVolatileV1, flags}, nil
}

func (n *Noop) TpmEstablishedGet() (bool, devproto.Result) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.established, devproto.Success
}
