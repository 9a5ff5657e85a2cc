package devproto

import (
	"encoding/binary"
	"fmt"
)

// Control payload layouts. These mirror the fixed-size structures a
// kernel ioctl would copy in and out: the data regions are always
// transferred at their full capacity, with a separate length field
// naming the valid prefix. A length field larger than its data region
// can therefore arrive on the wire; the dispatcher decides what that
// means.

// ResultResponse is the response of every control op that returns only
// a TPM result.
type ResultResponse struct {
	Result Result
}

// Encode returns the wire form of the response.
func (r *ResultResponse) Encode() []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(r.Result))
	return buf
}

// Decode parses the wire form of the response.
func (r *ResultResponse) Decode(buf []byte) error {
	if len(buf) < 4 {
		return fmt.Errorf("devproto: result response truncated: %d bytes", len(buf))
	}
	r.Result = Result(binary.BigEndian.Uint32(buf))
	return nil
}

// CapabilityResponse is the GET_CAPABILITY response.
type CapabilityResponse struct {
	Caps Capability
}

func (r *CapabilityResponse) Encode() []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(r.Caps))
	return buf
}

func (r *CapabilityResponse) Decode(buf []byte) error {
	if len(buf) < 4 {
		return fmt.Errorf("devproto: capability response truncated: %d bytes", len(buf))
	}
	r.Caps = Capability(binary.BigEndian.Uint32(buf))
	return nil
}

// InitRequest is the INIT request.
type InitRequest struct {
	Flags uint32
}

func (q *InitRequest) Encode() []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, q.Flags)
	return buf
}

func (q *InitRequest) Decode(buf []byte) error {
	if len(buf) < 4 {
		return fmt.Errorf("devproto: init request truncated: %d bytes", len(buf))
	}
	q.Flags = binary.BigEndian.Uint32(buf)
	return nil
}

// EstablishedResponse is the GET_TPMESTABLISHED response.
type EstablishedResponse struct {
	Bit    uint8
	Result Result
}

func (r *EstablishedResponse) Encode() []byte {
	buf := make([]byte, 8)
	buf[0] = r.Bit
	binary.BigEndian.PutUint32(buf[4:8], uint32(r.Result))
	return buf
}

func (r *EstablishedResponse) Decode(buf []byte) error {
	if len(buf) < 8 {
		return fmt.Errorf("devproto: established response truncated: %d bytes", len(buf))
	}
	r.Bit = buf[0]
	r.Result = Result(binary.BigEndian.Uint32(buf[4:8]))
	return nil
}

// LocalityRequest carries a locality value for SET_LOCALITY and
// RESET_TPMESTABLISHED.
type LocalityRequest struct {
	Locality uint8
}

func (q *LocalityRequest) Encode() []byte {
	return []byte{q.Locality, 0, 0, 0}
}

func (q *LocalityRequest) Decode(buf []byte) error {
	if len(buf) < 4 {
		return fmt.Errorf("devproto: locality request truncated: %d bytes", len(buf))
	}
	q.Locality = buf[0]
	return nil
}

// HashDataRequest is the HASH_DATA request. Data holds the full
// HashBufferSize window; Length names the valid prefix.
type HashDataRequest struct {
	Length uint32
	Data   []byte
}

func (q *HashDataRequest) Encode() []byte {
	buf := make([]byte, 4+HashBufferSize)
	binary.BigEndian.PutUint32(buf[0:4], q.Length)
	copy(buf[4:], q.Data)
	return buf
}

func (q *HashDataRequest) Decode(buf []byte) error {
	if len(buf) < 4+HashBufferSize {
		return fmt.Errorf("devproto: hash data request truncated: %d bytes", len(buf))
	}
	q.Length = binary.BigEndian.Uint32(buf[0:4])
	q.Data = buf[4 : 4+HashBufferSize]
	return nil
}

// GetStateBlobRequest is the GET_STATEBLOB request.
type GetStateBlobRequest struct {
	Type       BlobType
	Offset     uint32
	StateFlags uint32
}

func (q *GetStateBlobRequest) Encode() []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], uint32(q.Type))
	binary.BigEndian.PutUint32(buf[4:8], q.Offset)
	binary.BigEndian.PutUint32(buf[8:12], q.StateFlags)
	return buf
}

func (q *GetStateBlobRequest) Decode(buf []byte) error {
	if len(buf) < 12 {
		return fmt.Errorf("devproto: get stateblob request truncated: %d bytes", len(buf))
	}
	q.Type = BlobType(binary.BigEndian.Uint32(buf[0:4]))
	q.Offset = binary.BigEndian.Uint32(buf[4:8])
	q.StateFlags = binary.BigEndian.Uint32(buf[8:12])
	return nil
}

// GetStateBlobResponse is the GET_STATEBLOB response. Data carries the
// first window of the blob; Length is the window size and TotalLength
// the full blob size.
type GetStateBlobResponse struct {
	Result      Result
	StateFlags  uint32
	Length      uint32
	TotalLength uint32
	Data        []byte
}

func (r *GetStateBlobResponse) Encode() []byte {
	buf := make([]byte, 16+BlobBufferSize)
	binary.BigEndian.PutUint32(buf[0:4], uint32(r.Result))
	binary.BigEndian.PutUint32(buf[4:8], r.StateFlags)
	binary.BigEndian.PutUint32(buf[8:12], r.Length)
	binary.BigEndian.PutUint32(buf[12:16], r.TotalLength)
	copy(buf[16:], r.Data)
	return buf
}

func (r *GetStateBlobResponse) Decode(buf []byte) error {
	if len(buf) < 16+BlobBufferSize {
		return fmt.Errorf("devproto: get stateblob response truncated: %d bytes", len(buf))
	}
	r.Result = Result(binary.BigEndian.Uint32(buf[0:4]))
	r.StateFlags = binary.BigEndian.Uint32(buf[4:8])
	r.Length = binary.BigEndian.Uint32(buf[8:12])
	r.TotalLength = binary.BigEndian.Uint32(buf[12:16])
	r.Data = buf[16 : 16+BlobBufferSize]
	return nil
}

// SetStateBlobRequest is the SET_STATEBLOB request. Data holds the full
// BlobBufferSize window; Length names the valid prefix. A request with
// Length < BlobBufferSize is the final fragment.
type SetStateBlobRequest struct {
	Type       BlobType
	StateFlags uint32
	Length     uint32
	Data       []byte
}

func (q *SetStateBlobRequest) Encode() []byte {
	buf := make([]byte, 12+BlobBufferSize)
	binary.BigEndian.PutUint32(buf[0:4], uint32(q.Type))
	binary.BigEndian.PutUint32(buf[4:8], q.StateFlags)
	binary.BigEndian.PutUint32(buf[8:12], q.Length)
	copy(buf[12:], q.Data)
	return buf
}

func (q *SetStateBlobRequest) Decode(buf []byte) error {
	if len(buf) < 12+BlobBufferSize {
		return fmt.Errorf("devproto: set stateblob request truncated: %d bytes", len(buf))
	}
	q.Type = BlobType(binary.BigEndian.Uint32(buf[0:4]))
	q.StateFlags = binary.BigEndian.Uint32(buf[4:8])
	q.Length = binary.BigEndian.Uint32(buf[8:12])
	q.Data = buf[12 : 12+BlobBufferSize]
	return nil
}

// GetConfigResponse is the GET_CONFIG response.
type GetConfigResponse struct {
	Result Result
	Flags  uint32
}

func (r *GetConfigResponse) Encode() []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], uint32(r.Result))
	binary.BigEndian.PutUint32(buf[4:8], r.Flags)
	return buf
}

func (r *GetConfigResponse) Decode(buf []byte) error {
	if len(buf) < 8 {
		return fmt.Errorf("devproto: get config response truncated: %d bytes", len(buf))
	}
	r.Result = Result(binary.BigEndian.Uint32(buf[0:4]))
	r.Flags = binary.BigEndian.Uint32(buf[4:8])
	return nil
}
