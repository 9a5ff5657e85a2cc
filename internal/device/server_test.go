package device

import (
	"bytes"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vtpmd/internal/devproto"
	"vtpmd/internal/nvram"
)

func startTestServer(t *testing.T, cfg Config) (*Server, string) {
	t.Helper()

	if cfg.Engine == nil {
		cfg.Engine = &testEngine{}
	}
	if cfg.Store == nil {
		store := nvram.New(t.TempDir(), nil, nil)
		t.Cleanup(func() { store.Close() })
		cfg.Store = store
	}

	socket := filepath.Join(t.TempDir(), "vtpm0.sock")
	server := NewServer(New(cfg), socket)
	require.NoError(t, server.Start())
	t.Cleanup(server.Stop)
	return server, socket
}

func TestServerCommandFlow(t *testing.T) {
	_, socket := startTestServer(t, Config{})

	client, err := devproto.Dial(socket)
	require.NoError(t, err)
	defer client.Close()

	// Engine down: command writes are acknowledged and answered with
	// the fatal-error response.
	n, err := client.Write(devproto.ResetEstablishmentCommand)
	require.NoError(t, err)
	assert.Equal(t, uint32(10), n)

	resp, err := client.Read(10)
	require.NoError(t, err)
	assert.Equal(t, devproto.FatalErrorResponse, resp)

	res, err := client.Init(0)
	require.NoError(t, err)
	require.Equal(t, devproto.Success, res)

	caps, err := client.GetCapability()
	require.NoError(t, err)
	assert.Equal(t, devproto.Capabilities, caps)

	// Running engine answers with the canned success response.
	_, err = client.Write([]byte{0x00, 0xC1, 0x00, 0x00, 0x00, 0x0A, 0x00, 0x00, 0x00, 0x01})
	require.NoError(t, err)
	resp, err = client.Read(64)
	require.NoError(t, err)
	assert.Equal(t, testSuccessResponse, resp)
}

func TestServerBlobRoundTripChunked(t *testing.T) {
	_, socket := startTestServer(t, Config{})

	client, err := devproto.Dial(socket)
	require.NoError(t, err)
	defer client.Close()

	blob := make([]byte, 3*devproto.BlobBufferSize+123)
	for i := range blob {
		blob[i] = byte(i * 7)
	}

	res, err := client.SetStateBlob(devproto.BlobPermanent, blob, false)
	require.NoError(t, err)
	require.Equal(t, devproto.Success, res)

	res, err = client.Init(0)
	require.NoError(t, err)
	require.Equal(t, devproto.Success, res)

	got, encrypted, err := client.GetStateBlob(devproto.BlobPermanent, false)
	require.NoError(t, err)
	assert.False(t, encrypted)
	assert.True(t, bytes.Equal(blob, got), "blob mismatch after chunked round trip")
}

func TestServerEncryptedFlagRoundTrip(t *testing.T) {
	_, socket := startTestServer(t, Config{})

	client, err := devproto.Dial(socket)
	require.NoError(t, err)
	defer client.Close()

	blob := []byte("opaque encrypted bytes")
	res, err := client.SetStateBlob(devproto.BlobSaveState, blob, true)
	require.NoError(t, err)
	require.Equal(t, devproto.Success, res)

	res, err = client.Init(0)
	require.NoError(t, err)
	require.Equal(t, devproto.Success, res)

	got, encrypted, err := client.GetStateBlob(devproto.BlobSaveState, false)
	require.NoError(t, err)
	assert.True(t, encrypted, "encrypted flag lost in round trip")
	assert.Equal(t, blob, got)
}

func TestServerBusyErrno(t *testing.T) {
	eng := &testEngine{}
	_, socket := startTestServer(t, Config{Engine: eng})

	client, err := devproto.Dial(socket)
	require.NoError(t, err)
	defer client.Close()

	res, err := client.Init(0)
	require.NoError(t, err)
	require.Equal(t, devproto.Success, res)

	eng.mu.Lock()
	eng.block = make(chan struct{})
	eng.mu.Unlock()

	cmd := []byte{0x00, 0xC1, 0x00, 0x00, 0x00, 0x0A, 0x00, 0x00, 0x00, 0x01}
	_, err = client.Write(cmd)
	require.NoError(t, err)

	// A second handle sees EBUSY while the first command is in flight.
	client2, err := devproto.Dial(socket)
	require.NoError(t, err)
	defer client2.Close()

	_, err = client2.Write(cmd)
	var terr *devproto.TransferError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, syscall.EBUSY, terr.Errno)

	eng.mu.Lock()
	close(eng.block)
	eng.block = nil
	eng.mu.Unlock()

	resp, err := client.Read(64)
	require.NoError(t, err)
	assert.Equal(t, testSuccessResponse, resp)
}

func TestServerVolatileRoundTrip(t *testing.T) {
	eng := &testEngine{}
	_, socket := startTestServer(t, Config{Engine: eng})

	client, err := devproto.Dial(socket)
	require.NoError(t, err)
	defer client.Close()

	res, err := client.Init(0)
	require.NoError(t, err)
	require.Equal(t, devproto.Success, res)

	// Big enough to force the chunked read() path.
	snapshot := make([]byte, devproto.BlobBufferSize+77)
	for i := range snapshot {
		snapshot[i] = byte(i * 13)
	}
	eng.mu.Lock()
	eng.volatile = snapshot
	eng.mu.Unlock()

	res, err = client.StoreVolatile()
	require.NoError(t, err)
	require.Equal(t, devproto.Success, res)

	got, _, err := client.GetStateBlob(devproto.BlobVolatile, false)
	require.NoError(t, err)
	assert.Equal(t, snapshot, got)
}

func TestServerShutdownInvokesExitHook(t *testing.T) {
	exitCh := make(chan struct{})
	_, socket := startTestServer(t, Config{
		RequestExit: func() { close(exitCh) },
	})

	client, err := devproto.Dial(socket)
	require.NoError(t, err)
	defer client.Close()

	res, err := client.Init(0)
	require.NoError(t, err)
	require.Equal(t, devproto.Success, res)

	res, err = client.Shutdown()
	require.NoError(t, err)
	assert.Equal(t, devproto.Success, res)

	select {
	case <-exitCh:
	case <-time.After(2 * time.Second):
		t.Fatal("exit hook not invoked after shutdown reply")
	}
}

func TestServerSessionResetOnConnect(t *testing.T) {
	_, socket := startTestServer(t, Config{})

	// Leave a connection mid-SET-transfer.
	c1, err := devproto.Dial(socket)
	require.NoError(t, err)
	defer c1.Close()

	q := devproto.SetStateBlobRequest{
		Type:   devproto.BlobPermanent,
		Length: devproto.BlobBufferSize,
		Data:   bytes.Repeat([]byte{1}, devproto.BlobBufferSize),
	}
	payload, err := c1.Ioctl(devproto.CmdSetStateBlob, q.Encode())
	require.NoError(t, err)
	var resp devproto.ResultResponse
	require.NoError(t, resp.Decode(payload))
	require.Equal(t, devproto.Success, resp.Result)

	// A fresh connection starts in command mode regardless.
	c2, err := devproto.Dial(socket)
	require.NoError(t, err)
	defer c2.Close()

	n, err := c2.Write([]byte{9, 9, 9})
	require.NoError(t, err)
	assert.Equal(t, uint32(3), n)
	out, err := c2.Read(10)
	require.NoError(t, err)
	assert.Equal(t, devproto.FatalErrorResponse, out)
}
