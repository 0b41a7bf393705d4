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
	"github.com/pxecore/transferd/internal/sandbox"
)

func newTestDeps(t *testing.T, wc WriteConfig) (Deps, string) {
	t.Helper()
	root := t.TempDir()
	sb, err := sandbox.New(root)
	require.NoError(t, err)

	wp, err := NewWritePolicy(wc)
	require.NoError(t, err)

	return Deps{
		Sandbox:          sb,
		Audit:            audit.NewSink("tftpd"),
		WritePolicy:      wp,
		MaxFileSizeBytes: 0,
	}, root
}

func newTestClient(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// TestOctetReadNegotiatedBlksize implements end-to-end scenario 1: a 2050
// byte file read with blksize=1024 negotiated, confirming the exact
// OACK -> DATA/ACK sequence and full byte-exact content delivery.
func TestOctetReadNegotiatedBlksize(t *testing.T) {
	deps, root := newTestDeps(t, WriteConfig{})
	content := make([]byte, 2050)
	for i := range content {
		content[i] = byte(i % 256)
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "fw.bin"), content, 0o644))

	client := newTestClient(t)
	clientAddr := client.LocalAddr().(*net.UDPAddr)

	req := Request{
		Opcode:   OpRRQ,
		Filename: "fw.bin",
		Mode:     ModeOctet,
		Options:  []OptionPair{{Name: "blksize", Value: "1024"}, {Name: "tsize", Value: "0"}},
	}
	sess, err := NewSession(clientAddr, req, deps)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		sess.Run(context.Background())
		close(done)
	}()

	buf := make([]byte, MaxPacketSize)
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))

	// OACK
	n, from, err := client.ReadFromUDP(buf)
	require.NoError(t, err)
	oack, err := DecodeOack(buf[:n])
	require.NoError(t, err)
	var gotBlksize, gotTsize string
	for _, p := range oack.Options {
		if p.Name == "blksize" {
			gotBlksize = p.Value
		}
		if p.Name == "tsize" {
			gotTsize = p.Value
		}
	}
	assert.Equal(t, "1024", gotBlksize)
	assert.Equal(t, "2050", gotTsize)

	_, err = client.WriteToUDP(EncodeAck(0), from)
	require.NoError(t, err)

	var received []byte
	for block := uint16(1); ; block++ {
		n, from, err := client.ReadFromUDP(buf)
		require.NoError(t, err)
		d, err := DecodeData(buf[:n])
		require.NoError(t, err)
		assert.Equal(t, block, d.Block)
		received = append(received, d.Payload...)

		_, err = client.WriteToUDP(EncodeAck(d.Block), from)
		require.NoError(t, err)

		if len(d.Payload) < 1024 {
			break
		}
	}

	assert.Equal(t, content, received)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not complete")
	}
}

// TestPathTraversalAttempt implements end-to-end scenario 2.
func TestPathTraversalAttempt(t *testing.T) {
	deps, _ := newTestDeps(t, WriteConfig{})
	client := newTestClient(t)
	clientAddr := client.LocalAddr().(*net.UDPAddr)

	req := Request{Opcode: OpRRQ, Filename: "../etc/passwd", Mode: ModeOctet}
	sess, err := NewSession(clientAddr, req, deps)
	require.NoError(t, err)

	go sess.Run(context.Background())

	buf := make([]byte, MaxPacketSize)
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := client.ReadFromUDP(buf)
	require.NoError(t, err)

	e, err := DecodeError(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, ErrAccessViolation, e.Code)
}

// TestWriteWithDisallowedPattern implements end-to-end scenario 3.
func TestWriteWithDisallowedPattern(t *testing.T) {
	deps, root := newTestDeps(t, WriteConfig{
		Enabled:         true,
		AllowOverwrite:  false,
		AllowedPatterns: []string{"fw/*.bin"},
	})
	client := newTestClient(t)
	clientAddr := client.LocalAddr().(*net.UDPAddr)

	req := Request{Opcode: OpWRQ, Filename: "notes.txt", Mode: ModeOctet}
	sess, err := NewSession(clientAddr, req, deps)
	require.NoError(t, err)

	go sess.Run(context.Background())

	buf := make([]byte, MaxPacketSize)
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := client.ReadFromUDP(buf)
	require.NoError(t, err)

	e, err := DecodeError(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, ErrAccessViolation, e.Code)

	_, statErr := os.Stat(filepath.Join(root, "notes.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestWriteConfigRejectsPermissivePatterns(t *testing.T) {
	_, err := NewWritePolicy(WriteConfig{Enabled: true, AllowedPatterns: []string{"**"}})
	assert.Error(t, err)

	_, err = NewWritePolicy(WriteConfig{Enabled: true, AllowedPatterns: []string{"*"}})
	assert.Error(t, err)

	_, err = NewWritePolicy(WriteConfig{Enabled: true, AllowedPatterns: []string{"**/*"}})
	assert.Error(t, err)
}

func TestWriteConfigRequiresPatternsWhenEnabled(t *testing.T) {
	_, err := NewWritePolicy(WriteConfig{Enabled: true})
	assert.Error(t, err)
}
