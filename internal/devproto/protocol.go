// Package devproto defines the control-plane protocol of the vtpm device
// endpoint: the command codes and payload layouts carried by ioctl-style
// control messages, and the frame format used when the endpoint is served
// over a stream transport.
//
// All multi-byte integers are big-endian, matching the TPM wire format.
package devproto

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Command identifies a control-plane operation.
type Command uint32

const (
	CmdGetCapability Command = iota + 1
	CmdInit
	CmdStop
	CmdShutdown
	CmdGetTpmEstablished
	CmdSetLocality
	CmdHashStart
	CmdHashData
	CmdHashEnd
	CmdCancelTpmCmd
	CmdStoreVolatile
	CmdResetTpmEstablished
	CmdGetStateBlob
	CmdSetStateBlob
	CmdGetConfig
)

// String returns the command name.
func (c Command) String() string {
	switch c {
	case CmdGetCapability:
		return "GET_CAPABILITY"
	case CmdInit:
		return "INIT"
	case CmdStop:
		return "STOP"
	case CmdShutdown:
		return "SHUTDOWN"
	case CmdGetTpmEstablished:
		return "GET_TPMESTABLISHED"
	case CmdSetLocality:
		return "SET_LOCALITY"
	case CmdHashStart:
		return "HASH_START"
	case CmdHashData:
		return "HASH_DATA"
	case CmdHashEnd:
		return "HASH_END"
	case CmdCancelTpmCmd:
		return "CANCEL_TPM_CMD"
	case CmdStoreVolatile:
		return "STORE_VOLATILE"
	case CmdResetTpmEstablished:
		return "RESET_TPMESTABLISHED"
	case CmdGetStateBlob:
		return "GET_STATEBLOB"
	case CmdSetStateBlob:
		return "SET_STATEBLOB"
	case CmdGetConfig:
		return "GET_CONFIG"
	default:
		return fmt.Sprintf("COMMAND(%d)", uint32(c))
	}
}

// Capability is the bitmask returned by GET_CAPABILITY.
type Capability uint32

const (
	CapInit Capability = 1 << iota
	CapShutdown
	CapGetTpmEstablished
	CapSetLocality
	CapHashing
	CapCancelTpmCmd
	CapStoreVolatile
	CapResetTpmEstablished
	CapGetStateBlob
	CapSetStateBlob
	CapStop
	CapGetConfig
)

// Capabilities is the full set of operations this daemon supports.
const Capabilities = CapInit | CapShutdown | CapGetTpmEstablished |
	CapSetLocality | CapHashing | CapCancelTpmCmd | CapStoreVolatile |
	CapResetTpmEstablished | CapGetStateBlob | CapSetStateBlob |
	CapStop | CapGetConfig

// Result is a TPM result code as carried in control responses.
type Result uint32

const (
	Success      Result = 0
	BadParameter Result = 3
	Fail         Result = 9
	BadOrdinal   Result = 10
	IOError      Result = 31
	BadLocality  Result = 44
)

// String returns the result name.
func (r Result) String() string {
	switch r {
	case Success:
		return "SUCCESS"
	case BadParameter:
		return "BAD_PARAMETER"
	case Fail:
		return "FAIL"
	case BadOrdinal:
		return "BAD_ORDINAL"
	case IOError:
		return "IOERROR"
	case BadLocality:
		return "BAD_LOCALITY"
	default:
		return fmt.Sprintf("RESULT(%d)", uint32(r))
	}
}

// BlobType identifies a TPM state-blob region.
type BlobType uint32

const (
	BlobPermanent BlobType = 1
	BlobVolatile  BlobType = 2
	BlobSaveState BlobType = 3
)

// Name returns the storage name of the blob type, or false for an
// unknown type.
func (b BlobType) Name() (string, bool) {
	switch b {
	case BlobPermanent:
		return "permall", true
	case BlobVolatile:
		return "volatilestate", true
	case BlobSaveState:
		return "savestate", true
	default:
		return "", false
	}
}

// String returns the blob-type name.
func (b BlobType) String() string {
	if name, ok := b.Name(); ok {
		return name
	}
	return fmt.Sprintf("BLOB(%d)", uint32(b))
}

// State flags carried by GET_STATEBLOB / SET_STATEBLOB.
const (
	StateFlagEncrypted uint32 = 1 << 0
	StateFlagDecrypted uint32 = 1 << 1
)

// Config flags returned by GET_CONFIG.
const (
	ConfigFlagFileKey      uint32 = 1 << 0
	ConfigFlagMigrationKey uint32 = 1 << 1
)

// Init flags.
const (
	// InitFlagDeleteVolatile deletes the volatile state blob before the
	// engine is initialized.
	InitFlagDeleteVolatile uint32 = 1 << 0
)

// Buffer capacities of the protocol.
const (
	// MaxCommandSize bounds a single TPM command submitted via write().
	MaxCommandSize = 4096

	// BlobBufferSize is the state-blob data window of a single control
	// message. A SET_STATEBLOB fragment shorter than this is the last one.
	BlobBufferSize = 3456

	// HashBufferSize is the data window of a HASH_DATA control message.
	HashBufferSize = 4096
)

// Fixed byte sequences of the device protocol.
var (
	// FatalErrorResponse is placed in the response buffer when a command
	// is submitted while the engine is not running.
	// Tag TPM_TAG_RSP_COMMAND, length 10, TPM_FAIL.
	FatalErrorResponse = []byte{
		0x00, 0xC4,
		0x00, 0x00, 0x00, 0x0A,
		0x00, 0x00, 0x00, 0x09,
	}

	// ResetEstablishmentCommand is the synthetic request issued to clear
	// the establishment bit.
	// Tag TPM_TAG_RQU_COMMAND, length 10, TPM_ORD_ResetEstablishmentBit.
	ResetEstablishmentCommand = []byte{
		0x00, 0xC1,
		0x00, 0x00, 0x00, 0x0A,
		0x40, 0x00, 0x00, 0x0B,
	}
)

// Endpoint frame format. Each operation on the device endpoint is one
// frame: a fixed header followed by the operation payload.

// FrameOp identifies the endpoint operation of a frame.
type FrameOp uint8

const (
	OpRead  FrameOp = 1
	OpWrite FrameOp = 2
	OpIoctl FrameOp = 3
)

const (
	// FrameMagic is "VTPM".
	FrameMagic = 0x5654504D

	// FrameVersion is the current endpoint protocol version.
	FrameVersion = 1

	// FrameHeaderSize is the size of the frame header in bytes.
	FrameHeaderSize = 12

	// MaxFramePayload bounds a single frame payload. Control payloads
	// are small and fixed; write() submissions are bounded by the
	// command and blob windows.
	MaxFramePayload = 1 << 20
)

// FrameHeader is the fixed-size header preceding every endpoint frame.
// Status is zero on requests; on responses it carries a unix errno when
// the operation was rejected by the transfer state machine.
type FrameHeader struct {
	Magic   uint32
	Version uint8
	Op      FrameOp
	Status  uint16
	Length  uint32
}

// Write writes the header to w.
func (h *FrameHeader) Write(w io.Writer) error {
	var buf [FrameHeaderSize]byte
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = uint8(h.Op)
	binary.BigEndian.PutUint16(buf[6:8], h.Status)
	binary.BigEndian.PutUint32(buf[8:12], h.Length)
	_, err := w.Write(buf[:])
	return err
}

// ReadFrameHeader reads and validates a frame header from r.
func ReadFrameHeader(r io.Reader) (*FrameHeader, error) {
	var buf [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, err
	}

	h := &FrameHeader{
		Magic:   binary.BigEndian.Uint32(buf[0:4]),
		Version: buf[4],
		Op:      FrameOp(buf[5]),
		Status:  binary.BigEndian.Uint16(buf[6:8]),
		Length:  binary.BigEndian.Uint32(buf[8:12]),
	}

	if h.Magic != FrameMagic {
		return nil, fmt.Errorf("devproto: invalid frame magic %#x", h.Magic)
	}
	if h.Version > FrameVersion {
		return nil, fmt.Errorf("devproto: unsupported frame version %d", h.Version)
	}
	if h.Length > MaxFramePayload {
		return nil, fmt.Errorf("devproto: frame payload too large: %d bytes", h.Length)
	}

	return h, nil
}

// Frame is a complete endpoint frame.
type Frame struct {
	Header  FrameHeader
	Payload []byte
}

// WriteFrame writes a frame with the given op, status and payload to w.
func WriteFrame(w io.Writer, op FrameOp, status uint16, payload []byte) error {
	h := FrameHeader{
		Magic:   FrameMagic,
		Version: FrameVersion,
		Op:      op,
		Status:  status,
		Length:  uint32(len(payload)),
	}
	if err := h.Write(w); err != nil {
		return err
	}
	if len(payload) > 0 {
		_, err := w.Write(payload)
		return err
	}
	return nil
}

// ReadFrame reads a complete frame from r.
func ReadFrame(r io.Reader) (*Frame, error) {
	h, err := ReadFrameHeader(r)
	if err != nil {
		return nil, err
	}

	f := &Frame{Header: *h}
	if h.Length > 0 {
		f.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return nil, err
		}
	}
	return f, nil
}
