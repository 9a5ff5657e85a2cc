package devproto

import (
	"encoding/binary"
	"fmt"
	"net"
	"syscall"
)

// Client drives the device endpoint over its socket transport. It is
// the programmatic face of the endpoint used by management tools; one
// Client is one open handle.
type Client struct {
	conn net.Conn
}

// Dial connects to the endpoint socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("devproto: connect to %s: %w", socketPath, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the handle.
func (c *Client) Close() error {
	return c.conn.Close()
}

// TransferError is a read/write rejected by the device's transfer
// state machine, carrying the device errno.
type TransferError struct {
	Errno syscall.Errno
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("devproto: device error: %v", e.Errno)
}

func (c *Client) roundTrip(op FrameOp, payload []byte) ([]byte, error) {
	if err := WriteFrame(c.conn, op, 0, payload); err != nil {
		return nil, err
	}
	frame, err := ReadFrame(c.conn)
	if err != nil {
		return nil, err
	}
	if frame.Header.Status != 0 {
		return nil, &TransferError{Errno: syscall.Errno(frame.Header.Status)}
	}
	return frame.Payload, nil
}

// Read reads up to size response bytes from the device.
func (c *Client) Read(size uint32) ([]byte, error) {
	var req [4]byte
	binary.BigEndian.PutUint32(req[:], size)
	return c.roundTrip(OpRead, req[:])
}

// Write writes a TPM command (or a blob fragment, depending on the
// transfer state) and returns the accepted byte count.
func (c *Client) Write(data []byte) (uint32, error) {
	resp, err := c.roundTrip(OpWrite, data)
	if err != nil {
		return 0, err
	}
	if len(resp) < 4 {
		return 0, fmt.Errorf("devproto: short write reply")
	}
	return binary.BigEndian.Uint32(resp), nil
}

// Ioctl issues a raw control command.
func (c *Client) Ioctl(cmd Command, req []byte) ([]byte, error) {
	payload := make([]byte, 4+len(req))
	binary.BigEndian.PutUint32(payload[:4], uint32(cmd))
	copy(payload[4:], req)
	return c.roundTrip(OpIoctl, payload)
}

func (c *Client) resultIoctl(cmd Command, req []byte) (Result, error) {
	payload, err := c.Ioctl(cmd, req)
	if err != nil {
		return Fail, err
	}
	var resp ResultResponse
	if err := resp.Decode(payload); err != nil {
		return Fail, err
	}
	return resp.Result, nil
}

// Init (re)initializes the TPM engine.
func (c *Client) Init(flags uint32) (Result, error) {
	q := InitRequest{Flags: flags}
	return c.resultIoctl(CmdInit, q.Encode())
}

// Stop stops the TPM engine.
func (c *Client) Stop() (Result, error) {
	return c.resultIoctl(CmdStop, nil)
}

// Shutdown stops the engine and terminates the daemon.
func (c *Client) Shutdown() (Result, error) {
	return c.resultIoctl(CmdShutdown, nil)
}

// GetCapability returns the supported-operations bitmask.
func (c *Client) GetCapability() (Capability, error) {
	payload, err := c.Ioctl(CmdGetCapability, nil)
	if err != nil {
		return 0, err
	}
	var resp CapabilityResponse
	if err := resp.Decode(payload); err != nil {
		return 0, err
	}
	return resp.Caps, nil
}

// GetTpmEstablished returns the establishment bit.
func (c *Client) GetTpmEstablished() (uint8, Result, error) {
	payload, err := c.Ioctl(CmdGetTpmEstablished, nil)
	if err != nil {
		return 0, Fail, err
	}
	var resp EstablishedResponse
	if err := resp.Decode(payload); err != nil {
		return 0, Fail, err
	}
	return resp.Bit, resp.Result, nil
}

// ResetTpmEstablished clears the establishment bit at the given
// locality.
func (c *Client) ResetTpmEstablished(locality uint8) (Result, error) {
	q := LocalityRequest{Locality: locality}
	return c.resultIoctl(CmdResetTpmEstablished, q.Encode())
}

// SetLocality sets the locality for subsequent commands.
func (c *Client) SetLocality(locality uint8) (Result, error) {
	q := LocalityRequest{Locality: locality}
	return c.resultIoctl(CmdSetLocality, q.Encode())
}

// HashStart begins an external hash sequence.
func (c *Client) HashStart() (Result, error) {
	return c.resultIoctl(CmdHashStart, nil)
}

// HashData feeds data into the hash sequence, fragmenting it into
// protocol-sized windows.
func (c *Client) HashData(data []byte) (Result, error) {
	for first := true; first || len(data) > 0; first = false {
		n := len(data)
		if n > HashBufferSize {
			n = HashBufferSize
		}
		q := HashDataRequest{Length: uint32(n)}
		q.Data = make([]byte, HashBufferSize)
		copy(q.Data, data[:n])

		res, err := c.resultIoctl(CmdHashData, q.Encode())
		if err != nil || res != Success {
			return res, err
		}
		data = data[n:]
	}
	return Success, nil
}

// HashEnd completes the hash sequence.
func (c *Client) HashEnd() (Result, error) {
	return c.resultIoctl(CmdHashEnd, nil)
}

// CancelTpmCmd requests cancellation of the running command.
func (c *Client) CancelTpmCmd() (Result, error) {
	return c.resultIoctl(CmdCancelTpmCmd, nil)
}

// StoreVolatile materializes the volatile state blob.
func (c *Client) StoreVolatile() (Result, error) {
	return c.resultIoctl(CmdStoreVolatile, nil)
}

// GetConfig returns the daemon's key configuration flags.
func (c *Client) GetConfig() (uint32, Result, error) {
	payload, err := c.Ioctl(CmdGetConfig, nil)
	if err != nil {
		return 0, Fail, err
	}
	var resp GetConfigResponse
	if err := resp.Decode(payload); err != nil {
		return 0, Fail, err
	}
	return resp.Flags, resp.Result, nil
}

// GetStateBlob fetches a complete state blob, following a chunked
// transfer through the read() path when it exceeds one control
// message. It reports whether the returned bytes are encrypted.
func (c *Client) GetStateBlob(blobType BlobType, decrypt bool) ([]byte, bool, error) {
	q := GetStateBlobRequest{Type: blobType}
	if decrypt {
		q.StateFlags |= StateFlagDecrypted
	}

	payload, err := c.Ioctl(CmdGetStateBlob, q.Encode())
	if err != nil {
		return nil, false, err
	}
	var resp GetStateBlobResponse
	if err := resp.Decode(payload); err != nil {
		return nil, false, err
	}
	if resp.Result != Success {
		return nil, false, fmt.Errorf("devproto: get state blob: %v", resp.Result)
	}

	encrypted := resp.StateFlags&StateFlagEncrypted != 0
	data := make([]byte, 0, resp.TotalLength)
	data = append(data, resp.Data[:resp.Length]...)

	for uint32(len(data)) < resp.TotalLength {
		chunk, err := c.Read(BlobBufferSize)
		if err != nil {
			return nil, false, err
		}
		if len(chunk) == 0 {
			return nil, false, fmt.Errorf("devproto: truncated state blob transfer")
		}
		data = append(data, chunk...)
	}

	return data, encrypted, nil
}

// SetStateBlob installs a complete state blob, fragmenting it through
// the write() path when it exceeds one control message.
func (c *Client) SetStateBlob(blobType BlobType, data []byte, encrypted bool) (Result, error) {
	first := len(data)
	if first > BlobBufferSize {
		first = BlobBufferSize
	}

	q := SetStateBlobRequest{Type: blobType, Length: uint32(first)}
	if encrypted {
		q.StateFlags |= StateFlagEncrypted
	}
	q.Data = make([]byte, BlobBufferSize)
	copy(q.Data, data[:first])

	res, err := c.resultIoctl(CmdSetStateBlob, q.Encode())
	if err != nil || res != Success {
		return res, err
	}
	if first < BlobBufferSize {
		return res, nil
	}

	for rest := data[first:]; len(rest) > 0; {
		n := len(rest)
		if n > MaxCommandSize {
			n = MaxCommandSize
		}
		if _, err := c.Write(rest[:n]); err != nil {
			return Fail, err
		}
		rest = rest[n:]
	}

	// A zero-length write finalizes the transfer.
	if _, err := c.Write(nil); err != nil {
		return Fail, err
	}
	return Success, nil
}
