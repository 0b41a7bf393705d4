package tftp

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pxecore/transferd/internal/audit"
	"github.com/pxecore/transferd/internal/sandbox"
)

func newTestMulticastSession(t *testing.T) (*MulticastSession, *net.UDPAddr, *net.UDPAddr) {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: 0})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	c1 := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 30001}
	c2 := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 30002}

	sess := &MulticastSession{
		key:       sessionKey("fw.bin", ModeOctet),
		filename:  "fw.bin",
		mode:      ModeOctet,
		groupAddr: &net.UDPAddr{IP: net.IPv4(224, 0, 1, 1), Port: 1758},
		clients:   make(map[string]*mcClient),
		conn:      conn,
	}
	return sess, c1, c2
}

func TestAddClientElectsFirstClientMaster(t *testing.T) {
	sess, c1, c2 := newTestMulticastSession(t)

	isMaster, err := sess.addClient(c1, 0)
	require.NoError(t, err)
	assert.True(t, isMaster)

	isMaster, err = sess.addClient(c2, 0)
	require.NoError(t, err)
	assert.False(t, isMaster)
}

func TestAddClientRejectsBeyondMaxClients(t *testing.T) {
	sess, c1, c2 := newTestMulticastSession(t)
	_, err := sess.addClient(c1, 1)
	require.NoError(t, err)
	_, err = sess.addClient(c2, 1)
	assert.Error(t, err)
}

func TestAllAckedRequiresEveryClient(t *testing.T) {
	sess, c1, c2 := newTestMulticastSession(t)
	_, _ = sess.addClient(c1, 0)
	_, _ = sess.addClient(c2, 0)

	assert.False(t, sess.allAcked(1))

	sess.RecordAck(c1, 1)
	assert.False(t, sess.allAcked(1))

	sess.RecordAck(c2, 1)
	assert.True(t, sess.allAcked(1))
}

func TestMissedBlockReturnsOnlyUnackedClients(t *testing.T) {
	sess, c1, c2 := newTestMulticastSession(t)
	_, _ = sess.addClient(c1, 0)
	_, _ = sess.addClient(c2, 0)

	sess.RecordAck(c1, 7)

	missed := sess.missedBlock(7)
	require.Len(t, missed, 1)
	assert.Equal(t, c2.String(), missed[0].String())
}

func TestEvictStaleReelectsMasterWhenMasterEvicted(t *testing.T) {
	sess, c1, c2 := newTestMulticastSession(t)
	_, _ = sess.addClient(c1, 0) // master
	_, _ = sess.addClient(c2, 0)

	sess.mu.Lock()
	sess.clients[c1.String()].lastSeen = time.Now().Add(-time.Hour)
	sess.mu.Unlock()

	empty := sess.evictStale(time.Second, Deps{}, "fw.bin")
	assert.False(t, empty)

	sess.mu.Lock()
	_, c1Present := sess.clients[c1.String()]
	newMaster := sess.master
	sess.mu.Unlock()

	assert.False(t, c1Present)
	assert.Equal(t, c2.String(), newMaster)
}

func TestEvictStaleReportsEmptySessionAfterLastClientLeaves(t *testing.T) {
	sess, c1, _ := newTestMulticastSession(t)
	_, _ = sess.addClient(c1, 0)

	sess.mu.Lock()
	sess.clients[c1.String()].lastSeen = time.Now().Add(-time.Hour)
	sess.mu.Unlock()

	assert.True(t, sess.evictStale(time.Second, Deps{}, "fw.bin"))
}

// TestWaitForAcksWithRetransmitRetransmitsToStragglers implements end-to-end
// scenario 4: two clients attached to a multicast session, one of them
// (client 2) fails to ack block 7 within the first retransmit window, so
// the coordinator must retransmit block 7 to it and only advance once both
// clients have caught up.
func TestWaitForAcksWithRetransmitRetransmitsToStragglers(t *testing.T) {
	sess, c1, c2 := newTestMulticastSession(t)
	_, _ = sess.addClient(c1, 0)
	_, _ = sess.addClient(c2, 0)

	coord := &Coordinator{
		cfg: MulticastConfig{
			RetransmitTimeout: 30 * time.Millisecond,
			MasterTimeout:     time.Hour,
		},
		sessions: map[string]*MulticastSession{sess.key: sess},
	}

	sess.RecordAck(c1, 7)
	// client 2 acks late, after the first retransmit round has already fired.
	go func() {
		time.Sleep(45 * time.Millisecond)
		sess.RecordAck(c2, 7)
	}()

	ok := sess.waitForAcksWithRetransmit(context.Background(), coord, 7, []byte("payload"))
	assert.True(t, ok)
	assert.True(t, sess.allAcked(7))
}

func TestWaitForAcksWithRetransmitGivesUpWhenSessionEmpties(t *testing.T) {
	sess, c1, _ := newTestMulticastSession(t)
	_, _ = sess.addClient(c1, 0)

	sess.mu.Lock()
	sess.clients[c1.String()].lastSeen = time.Now().Add(-time.Hour)
	sess.mu.Unlock()

	coord := &Coordinator{
		cfg: MulticastConfig{
			RetransmitTimeout: 10 * time.Millisecond,
			MasterTimeout:     time.Millisecond,
		},
		sessions: map[string]*MulticastSession{sess.key: sess},
	}

	ok := sess.waitForAcksWithRetransmit(context.Background(), coord, 1, []byte("payload"))
	assert.False(t, ok)
}

func TestJoinEncodesMasterFlagAndSessionLifecycle(t *testing.T) {
	root := t.TempDir()
	sb, err := sandbox.New(root)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, "fw.bin"), []byte("hello firmware"), 0o644))

	deps := Deps{Sandbox: sb, Audit: audit.NewSink("tftpd")}
	coord := NewCoordinator(MulticastConfig{
		MulticastAddr:     "224.0.1.1",
		MulticastPort:     1758,
		MasterTimeout:     time.Hour,
		RetransmitTimeout: time.Hour,
	}, deps)

	peer1 := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40001}
	peer2 := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40002}

	req := Request{
		Opcode:   OpRRQ,
		Filename: "fw.bin",
		Mode:     ModeOctet,
		Options:  []OptionPair{{Name: "multicast", Value: ""}, {Name: "tsize", Value: "0"}},
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	pairs1, err := coord.Join(ctx, peer1, req)
	require.NoError(t, err)
	pairs2, err := coord.Join(ctx, peer2, req)
	require.NoError(t, err)

	mVal1 := multicastValue(t, pairs1)
	mVal2 := multicastValue(t, pairs2)

	assert.True(t, strings.HasSuffix(mVal1, ",1"))
	assert.True(t, strings.HasSuffix(mVal2, ",0"))

	coord.mu.Lock()
	_, exists := coord.sessions[sessionKey("fw.bin", ModeOctet)]
	coord.mu.Unlock()
	assert.True(t, exists)
}

func multicastValue(t *testing.T, pairs []OptionPair) string {
	t.Helper()
	for _, p := range pairs {
		if p.Name == "multicast" {
			return p.Value
		}
	}
	t.Fatal("no multicast option in reply")
	return ""
}
