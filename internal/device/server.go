package device

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"vtpmd/internal/devproto"
)

// Server hosts the device endpoint on a unix-domain socket. Every
// accepted connection is one open handle: its transfer state starts in
// command mode and dies with the connection. The same Session semantics
// would sit unchanged behind a kernel CUSE binding.
type Server struct {
	tpm  *TPM
	path string

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
	running  atomic.Bool
}

// NewServer prepares an endpoint server for the given socket path.
func NewServer(tpm *TPM, socketPath string) *Server {
	return &Server{tpm: tpm, path: socketPath}
}

// Start binds the socket and applies the init-done hook (privilege
// drop). The endpoint accepts connections once Start returns.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return fmt.Errorf("device: server already running")
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("device: create socket directory: %w", err)
	}
	// Remove a stale socket from a previous run.
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("device: remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("device: listen on %s: %w", s.path, err)
	}
	if err := os.Chmod(s.path, 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("device: chmod socket: %w", err)
	}

	if err := s.tpm.InitDone(); err != nil {
		listener.Close()
		return err
	}

	s.listener = listener
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()

	slog.Info("device endpoint up", "socket", s.path)
	return nil
}

// Running reports whether the endpoint is accepting connections.
func (s *Server) Running() bool {
	return s.running.Load()
}

// Stop closes the listener and waits for connection handlers.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running.Load() {
		s.mu.Unlock()
		return
	}
	s.running.Store(false)
	s.listener.Close()
	s.mu.Unlock()

	s.wg.Wait()
	os.Remove(s.path)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.running.Load() {
				slog.Error("accept failed", "error", err)
			}
			return
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	sess := s.tpm.Open()

	for {
		frame, err := devproto.ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && s.running.Load() {
				slog.Warn("dropping endpoint connection", "error", err)
			}
			return
		}

		if err := s.serveFrame(conn, sess, frame); err != nil {
			slog.Warn("dropping endpoint connection", "error", err)
			return
		}

		if s.tpm.ExitRequested() {
			// Reply is out; honor the shutdown.
			s.tpm.Exit()
			return
		}
	}
}

// serveFrame executes one endpoint operation and writes its reply.
func (s *Server) serveFrame(conn net.Conn, sess *Session, frame *devproto.Frame) error {
	switch frame.Header.Op {
	case devproto.OpRead:
		if len(frame.Payload) < 4 {
			return devproto.WriteFrame(conn, devproto.OpRead, uint16(unix.EINVAL), nil)
		}
		size := binary.BigEndian.Uint32(frame.Payload)
		if size > devproto.MaxFramePayload {
			size = devproto.MaxFramePayload
		}
		data, err := sess.Read(int(size))
		if err != nil {
			return devproto.WriteFrame(conn, devproto.OpRead, errnoOf(err), nil)
		}
		return devproto.WriteFrame(conn, devproto.OpRead, 0, data)

	case devproto.OpWrite:
		n, err := sess.Write(frame.Payload)
		if err != nil {
			return devproto.WriteFrame(conn, devproto.OpWrite, errnoOf(err), nil)
		}
		var count [4]byte
		binary.BigEndian.PutUint32(count[:], uint32(n))
		return devproto.WriteFrame(conn, devproto.OpWrite, 0, count[:])

	case devproto.OpIoctl:
		if len(frame.Payload) < 4 {
			return devproto.WriteFrame(conn, devproto.OpIoctl, uint16(unix.EINVAL), nil)
		}
		cmd := devproto.Command(binary.BigEndian.Uint32(frame.Payload))
		result, err := sess.Ioctl(cmd, frame.Payload[4:])
		if err != nil {
			return devproto.WriteFrame(conn, devproto.OpIoctl, uint16(unix.EINVAL), nil)
		}
		return devproto.WriteFrame(conn, devproto.OpIoctl, 0, result.Data)
	}

	return devproto.WriteFrame(conn, frame.Header.Op, uint16(unix.EINVAL), nil)
}

// errnoOf maps session errors to wire errnos.
func errnoOf(err error) uint16 {
	switch {
	case errors.Is(err, ErrBusy):
		return uint16(unix.EBUSY)
	case errors.Is(err, ErrIO):
		return uint16(unix.EIO)
	default:
		return uint16(unix.EIO)
	}
}
