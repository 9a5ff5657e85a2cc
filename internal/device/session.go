package device

import (
	"vtpmd/internal/devproto"
)

// txKind tags the transfer state of a session.
type txKind int

const (
	// txRwCommand: writes submit TPM commands, reads drain the
	// response buffer.
	txRwCommand txKind = iota

	// txSetStateBlob: writes append inbound blob fragments; a
	// zero-length write finalizes.
	txSetStateBlob

	// txGetStateBlob: reads stream the cached outbound blob.
	txGetStateBlob
)

// txState is the transfer state of one open handle.
type txState struct {
	kind      txKind
	blobType  devproto.BlobType
	encrypted bool
	offset    uint32
}

// Session is one open handle on the device endpoint. The transfer
// state is per-session and resets on open; the TPM core behind it is
// shared.
type Session struct {
	tpm *TPM
	tx  txState
}

// Read services a read() of up to size bytes against the current
// transfer state.
func (s *Session) Read(size int) ([]byte, error) {
	switch s.tx.kind {
	case txRwCommand:
		return s.tpm.readResponse(size), nil

	case txSetStateBlob:
		// Reading during an inbound transfer aborts it.
		s.tx = txState{kind: txRwCommand}
		return nil, ErrIO

	case txGetStateBlob:
		return s.readStateBlob(size)
	}
	return nil, ErrIO
}

// readStateBlob emits the next window of the cached outbound blob. The
// last window is recognized by fewer bytes being available than were
// requested.
func (s *Session) readStateBlob(size int) ([]byte, error) {
	t := s.tpm

	t.fileOps.Lock()
	defer t.fileOps.Unlock()

	window, err := t.cache.Window(s.tx.offset, size)
	if err != nil {
		s.tx = txState{kind: txRwCommand}
		return nil, ErrIO
	}

	remaining := t.cache.Remaining(s.tx.offset)
	s.tx.offset += uint32(len(window))

	if remaining < uint32(size) {
		s.tx = txState{kind: txRwCommand}
	}

	out := make([]byte, len(window))
	copy(out, window)
	return out, nil
}

// Write services a write() of buf against the current transfer state.
// It returns the number of bytes accepted.
func (s *Session) Write(buf []byte) (int, error) {
	switch s.tx.kind {
	case txRwCommand:
		return s.tpm.writeCommand(buf)

	case txGetStateBlob:
		// Writing during an outbound transfer aborts it.
		s.tx = txState{kind: txRwCommand}
		return 0, ErrIO

	case txSetStateBlob:
		return s.writeStateBlob(buf)
	}
	return 0, ErrIO
}

// writeStateBlob appends an inbound fragment; a zero-length write
// finalizes the transfer.
func (s *Session) writeStateBlob(buf []byte) (int, error) {
	t := s.tpm

	t.fileOps.Lock()
	defer t.fileOps.Unlock()

	last := len(buf) == 0
	err := t.stage.Append(s.tx.blobType, buf, s.tx.encrypted, last)
	if err != nil {
		s.tx = txState{kind: txRwCommand}
		return 0, ErrIO
	}
	if last {
		s.tx = txState{kind: txRwCommand}
	}
	return len(buf), nil
}
