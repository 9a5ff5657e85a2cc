package engine

import (
	"bytes"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/go-tpm/tpmutil"

	"vtpmd/internal/devproto"
)

// Simulator wire protocol codes. The reference TPM simulator listens on
// a command port and a platform port; every request is a big-endian
// code word, optionally followed by request data, and every exchange is
// closed by a result word.
const (
	simPowerOn     uint32 = 1
	simHashStart   uint32 = 5
	simHashData    uint32 = 6
	simHashEnd     uint32 = 7
	simSendCommand uint32 = 8
	simNVOn        uint32 = 11
	simSessionEnd  uint32 = 20
)

const simDialTimeout = 10 * time.Second

// SocketConfig names the simulator's two ports.
type SocketConfig struct {
	CommandAddress  string
	PlatformAddress string
}

// Socket drives an out-of-process TPM engine over the simulator socket
// protocol. The establishment bit is tracked at the adapter, since the
// wire protocol has no primitive for querying it: a locality-4 hash
// sequence sets it, a successful establishment-reset command clears it.
type Socket struct {
	mu          sync.Mutex
	cfg         SocketConfig
	cbs         Callbacks
	registered  bool
	cmd         net.Conn
	platform    net.Conn
	established bool
	hashing     bool

	resp []byte
}

// NewSocket returns an engine that connects to the given simulator
// addresses on MainInit.
func NewSocket(cfg SocketConfig) *Socket {
	return &Socket{cfg: cfg}
}

func (s *Socket) RegisterCallbacks(cb Callbacks) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cbs = cb
	s.registered = true
	return nil
}

func (s *Socket) MainInit() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.registered {
		return initError("callbacks not registered")
	}
	if s.cbs.Init != nil {
		if err := s.cbs.Init(); err != nil {
			return initError("storage init: %v", err)
		}
	}
	if s.cmd != nil {
		return nil
	}

	cmd, err := net.DialTimeout("tcp", s.cfg.CommandAddress, simDialTimeout)
	if err != nil {
		return initError("dial command port %s: %v", s.cfg.CommandAddress, err)
	}
	platform, err := net.DialTimeout("tcp", s.cfg.PlatformAddress, simDialTimeout)
	if err != nil {
		cmd.Close()
		return initError("dial platform port %s: %v", s.cfg.PlatformAddress, err)
	}

	for _, signal := range []uint32{simPowerOn, simNVOn} {
		if err := signalAck(platform, signal); err != nil {
			cmd.Close()
			platform.Close()
			return initError("platform signal %d: %v", signal, err)
		}
	}

	s.cmd = cmd
	s.platform = platform
	return nil
}

func (s *Socket) Terminate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd == nil {
		return nil
	}

	// Best effort; the peer may already be gone.
	if buf, err := tpmutil.Pack(simSessionEnd); err == nil {
		s.cmd.Write(buf)
		s.platform.Write(buf)
	}
	s.cmd.Close()
	s.platform.Close()
	s.cmd = nil
	s.platform = nil
	s.hashing = false
	return nil
}

func (s *Socket) Process(req []byte, locality uint8) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd == nil {
		return nil, fmt.Errorf("engine: not initialized")
	}

	hdr, err := tpmutil.Pack(simSendCommand, locality, uint32(len(req)))
	if err != nil {
		return nil, err
	}
	if _, err := s.cmd.Write(append(hdr, req...)); err != nil {
		return nil, fmt.Errorf("engine: send command: %w", err)
	}

	resp, err := readSized(s.cmd)
	if err != nil {
		return nil, fmt.Errorf("engine: read response: %w", err)
	}
	if err := readAck(s.cmd); err != nil {
		return nil, err
	}

	if bytes.Equal(req, devproto.ResetEstablishmentCommand) && responseCode(resp) == devproto.Success {
		s.established = false
	}

	s.resp = append(s.resp[:0], resp...)
	return s.resp, nil
}

func (s *Socket) HashStart() devproto.Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd == nil {
		return devproto.Fail
	}
	if err := signalAck(s.cmd, simHashStart); err != nil {
		return devproto.Fail
	}
	s.hashing = true
	if s.cbs.Locality != nil && s.cbs.Locality() == 4 {
		s.established = true
	}
	return devproto.Success
}

func (s *Socket) HashData(data []byte) devproto.Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd == nil || !s.hashing {
		return devproto.Fail
	}
	hdr, err := tpmutil.Pack(simHashData, uint32(len(data)))
	if err != nil {
		return devproto.Fail
	}
	if _, err := s.cmd.Write(append(hdr, data...)); err != nil {
		return devproto.Fail
	}
	if err := readAck(s.cmd); err != nil {
		return devproto.Fail
	}
	return devproto.Success
}

func (s *Socket) HashEnd() devproto.Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd == nil || !s.hashing {
		return devproto.Fail
	}
	s.hashing = false
	if err := signalAck(s.cmd, simHashEnd); err != nil {
		return devproto.Fail
	}
	return devproto.Success
}

// VolatileGet cannot serve the remote engine: the simulator wire
// protocol has no state-export signal, and the simulator keeps its
// volatile and NV state inside its own process. The storage layer
// falls back to whatever volatile blob migration installed.
func (s *Socket) VolatileGet() ([]byte, error) {
	return nil, ErrNoVolatileState
}

func (s *Socket) TpmEstablishedGet() (bool, devproto.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd == nil {
		return false, devproto.Fail
	}
	return s.established, devproto.Success
}

// signalAck writes a bare code word and consumes its result word.
func signalAck(conn net.Conn, code uint32) error {
	buf, err := tpmutil.Pack(code)
	if err != nil {
		return err
	}
	if _, err := conn.Write(buf); err != nil {
		return err
	}
	return readAck(conn)
}

// readSized reads a length-prefixed byte string.
func readSized(conn net.Conn) ([]byte, error) {
	var size uint32
	if err := readWord(conn, &size); err != nil {
		return nil, err
	}
	if size > devproto.MaxFramePayload {
		return nil, fmt.Errorf("engine: oversized response: %d bytes", size)
	}
	buf := make([]byte, size)
	for read := 0; read < len(buf); {
		n, err := conn.Read(buf[read:])
		if err != nil {
			return nil, err
		}
		read += n
	}
	return buf, nil
}

// readAck consumes a result word, failing on a nonzero value.
func readAck(conn net.Conn) error {
	var ack uint32
	if err := readWord(conn, &ack); err != nil {
		return err
	}
	if ack != 0 {
		return fmt.Errorf("engine: simulator error %d", ack)
	}
	return nil
}

func readWord(conn net.Conn, dst *uint32) error {
	buf := make([]byte, 4)
	for read := 0; read < len(buf); {
		n, err := conn.Read(buf[read:])
		if err != nil {
			return err
		}
		read += n
	}
	_, err := tpmutil.Unpack(buf, dst)
	return err
}

// responseCode extracts the return code from a TPM response header.
func responseCode(resp []byte) devproto.Result {
	var (
		tag  uint16
		size uint32
		code uint32
	)
	if _, err := tpmutil.Unpack(resp, &tag, &size, &code); err != nil {
		return devproto.Fail
	}
	return devproto.Result(code)
}
