package tftp

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pxecore/transferd/internal/audit"
	"github.com/pxecore/transferd/internal/metrics"
)

func TestServerServesSimpleReadRequest(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "fw.bin"), []byte("hello world"), 0o644))

	cfg := DefaultConfig()
	cfg.RootDir = root
	cfg.BindAddr = "127.0.0.1:0"

	srv, err := NewServer(cfg, audit.NewSink("tftpd"), metrics.NewTFTP(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	done := make(chan struct{})
	go func() {
		_ = srv.Serve(ctx)
		close(done)
	}()
	t.Cleanup(srv.Stop)

	select {
	case <-srv.WaitReady():
	case <-time.After(2 * time.Second):
		t.Fatal("server did not become ready")
	}

	serverAddr := srv.conn.LocalAddr().(*net.UDPAddr)

	client, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))

	req, err := EncodeRequest(OpRRQ, "fw.bin", ModeOctet, nil)
	require.NoError(t, err)
	_, err = client.WriteToUDP(req, serverAddr)
	require.NoError(t, err)

	buf := make([]byte, MaxPacketSize)
	n, from, err := client.ReadFromUDP(buf)
	require.NoError(t, err)

	d, err := DecodeData(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, uint16(1), d.Block)
	assert.Equal(t, []byte("hello world"), d.Payload)

	_, err = client.WriteToUDP(EncodeAck(1), from)
	require.NoError(t, err)

	srv.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServerDropsMalformedInitialPacket(t *testing.T) {
	root := t.TempDir()
	cfg := DefaultConfig()
	cfg.RootDir = root
	cfg.BindAddr = "127.0.0.1:0"

	srv, err := NewServer(cfg, audit.NewSink("tftpd"), metrics.NewTFTP(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = srv.Serve(ctx) }()
	t.Cleanup(srv.Stop)

	select {
	case <-srv.WaitReady():
	case <-time.After(2 * time.Second):
		t.Fatal("server did not become ready")
	}
	serverAddr := srv.conn.LocalAddr().(*net.UDPAddr)

	client, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	defer client.Close()

	_, err = client.WriteToUDP([]byte{0xFF}, serverAddr)
	require.NoError(t, err)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	buf := make([]byte, MaxPacketSize)
	_, _, err = client.ReadFromUDP(buf)
	assert.Error(t, err) // expect a read timeout: malformed packets are dropped silently
}
