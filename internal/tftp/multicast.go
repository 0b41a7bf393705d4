package tftp

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pxecore/transferd/internal/audit"
	"github.com/pxecore/transferd/internal/logger"
)

// MulticastConfig is the RFC 2090 group-transfer parameter set.
type MulticastConfig struct {
	Enabled            bool
	MulticastAddr      string
	MulticastIPVersion int // 4 or 6
	MulticastPort      int
	MaxClients         int
	MasterTimeout      time.Duration
	RetransmitTimeout  time.Duration
}

// DefaultMulticastConfig returns the RFC 2090 defaults named in the wire
// protocol section: 224.0.1.1:1758 for IPv4, ff12::8000:1:1758 for IPv6.
func DefaultMulticastConfig(ipv6 bool) MulticastConfig {
	if ipv6 {
		return MulticastConfig{MulticastAddr: "ff12::8000:1", MulticastIPVersion: 6, MulticastPort: 1758}
	}
	return MulticastConfig{MulticastAddr: "224.0.1.1", MulticastIPVersion: 4, MulticastPort: 1758}
}

const maxRetransmitRounds = 3

// mcClient is one client attached to a MulticastSession. ackedBlock is a
// monotonic logical block count (never wraps, unlike the 16-bit wire
// number); -1 means "nothing acked yet", including the join handshake's
// ACK(0), so a fresh client can't be mistaken for having already acked
// block 0.
type mcClient struct {
	addr       *net.UDPAddr
	ackedBlock int
	lastSeen   time.Time
}

// MulticastSession coordinates one (filename, mode) group transfer: a
// master client drives window advancement, and every live client must ack
// a block before the coordinator sends the next one.
type MulticastSession struct {
	key       string
	filename  string
	mode      Mode
	opts      NegotiatedOptions
	groupAddr *net.UDPAddr

	mu           sync.Mutex
	clients      map[string]*mcClient
	master       string // key into clients, "" if none
	currentBlock int    // monotonic logical block currently awaiting ack; used to de-wrap incoming ACKs

	deps Deps
	conn *net.UDPConn // shared group-send socket
}

// Coordinator owns all active MulticastSessions, keyed by (filename, mode).
type Coordinator struct {
	cfg  MulticastConfig
	deps Deps

	mu       sync.Mutex
	sessions map[string]*MulticastSession
}

// NewCoordinator creates a Coordinator. Join does not consult cfg.Enabled;
// callers check it before routing an RRQ here.
func NewCoordinator(cfg MulticastConfig, deps Deps) *Coordinator {
	return &Coordinator{cfg: cfg, deps: deps, sessions: make(map[string]*MulticastSession)}
}

func sessionKey(filename string, mode Mode) string {
	return fmt.Sprintf("%s\x00%s", filename, mode)
}

// Join attaches peer to the (filename, mode) session, creating it (and
// electing peer as master) if this is the first joiner. Returns the
// OACK option pairs to send back to peer, encoding "<addr>,<port>,<is_master>"
// in the multicast option value.
func (c *Coordinator) Join(ctx context.Context, peer *net.UDPAddr, req Request) ([]OptionPair, error) {
	opts := ParseOptions(req.Options)
	key := sessionKey(req.Filename, req.Mode)

	c.mu.Lock()
	sess, exists := c.sessions[key]
	if !exists {
		groupAddr := &net.UDPAddr{IP: net.ParseIP(c.cfg.MulticastAddr), Port: c.cfg.MulticastPort}
		conn, err := net.ListenUDP(udpNetwork(c.cfg.MulticastIPVersion), &net.UDPAddr{Port: 0})
		if err != nil {
			c.mu.Unlock()
			return nil, fmt.Errorf("tftp multicast: open group socket: %w", err)
		}
		sess = &MulticastSession{
			key:       key,
			filename:  req.Filename,
			mode:      req.Mode,
			opts:      opts,
			groupAddr: groupAddr,
			clients:   make(map[string]*mcClient),
			deps:      c.deps,
			conn:      conn,
		}
		c.sessions[key] = sess
	}
	c.mu.Unlock()

	isMaster, err := sess.addClient(peer, c.cfg.MaxClients)
	if err != nil {
		return nil, err
	}

	if c.deps.Audit != nil {
		evType := audit.EventMulticastClientJoined
		if !exists {
			c.deps.Audit.Emit(c.deps.Audit.NewEvent(audit.EventMulticastSessionCreated).
				WithField("path", req.Filename))
		}
		c.deps.Audit.Emit(c.deps.Audit.NewEvent(evType).
			WithField("path", req.Filename).WithField("peer", peer.String()))
	}
	if c.deps.Metrics != nil {
		c.deps.Metrics.MulticastClients.Add(1)
		if !exists {
			c.deps.Metrics.MulticastSessions.Add(1)
			go sess.transmit(ctx, c)
		}
	} else if !exists {
		go sess.transmit(ctx, c)
	}

	masterFlag := "0"
	if isMaster {
		masterFlag = "1"
	}
	value := fmt.Sprintf("%s,%d,%s", sess.groupAddr.IP.String(), sess.groupAddr.Port, masterFlag)
	pairs := opts.AcceptedPairs(serverTsize(c.deps, req.Filename))
	pairs = append(pairs, OptionPair{Name: "multicast", Value: value})
	return pairs, nil
}

// serverTsize resolves the on-disk size of filename for the tsize OACK
// reply, returning 0 if the path can't be resolved or stat'd.
func serverTsize(deps Deps, filename string) int64 {
	if deps.Sandbox == nil {
		return 0
	}
	resolved, err := deps.Sandbox.Resolve(filename)
	if err != nil {
		return 0
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return 0
	}
	return info.Size()
}

func udpNetwork(ipVersion int) string {
	if ipVersion == 6 {
		return "udp6"
	}
	return "udp4"
}

// addClient registers peer, electing it master if it is the first client.
// Returns whether peer is the (possibly newly elected) master.
func (s *MulticastSession) addClient(peer *net.UDPAddr, maxClients int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if maxClients > 0 && len(s.clients) >= maxClients {
		return false, fmt.Errorf("tftp multicast: session %s is at max clients", s.key)
	}

	k := peer.String()
	s.clients[k] = &mcClient{addr: peer, ackedBlock: -1, lastSeen: time.Now()}
	if s.master == "" {
		s.master = k
	}
	return s.master == k, nil
}

// hasClient reports whether peer is attached to this session.
func (s *MulticastSession) hasClient(peer *net.UDPAddr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.clients[peer.String()]
	return ok
}

// setCurrentBlock records the monotonic logical block the session is
// currently sending/awaiting acks for, so an incoming wire-level ACK can
// be de-wrapped against it.
func (s *MulticastSession) setCurrentBlock(block int) {
	s.mu.Lock()
	s.currentBlock = block
	s.mu.Unlock()
}

// RecordAck records that client acked the logical block corresponding to
// wireBlock, de-wrapped against the session's current block.
func (s *MulticastSession) RecordAck(peer *net.UDPAddr, wireBlock uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[peer.String()]
	if !ok {
		return
	}
	block := logicalFromWire(wireBlock, s.currentBlock)
	if block > c.ackedBlock {
		c.ackedBlock = block
	}
	c.lastSeen = time.Now()
}

// allAcked reports whether every live client has acked at least block b.
func (s *MulticastSession) allAcked(b int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.clients) == 0 {
		return false
	}
	for _, c := range s.clients {
		if c.ackedBlock < b {
			return false
		}
	}
	return true
}

// missedBlock returns the peers who have not yet acked block b.
func (s *MulticastSession) missedBlock(b int) []*net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	var missed []*net.UDPAddr
	for _, c := range s.clients {
		if c.ackedBlock < b {
			missed = append(missed, c.addr)
		}
	}
	return missed
}

// evictStale removes clients inactive for more than 2x masterTimeout and
// re-elects a master if the master itself was evicted. Returns true if the
// session is now empty.
func (s *MulticastSession) evictStale(masterTimeout time.Duration, deps Deps, filename string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-2 * masterTimeout)
	masterEvicted := false
	for k, c := range s.clients {
		if c.lastSeen.Before(cutoff) {
			delete(s.clients, k)
			if k == s.master {
				masterEvicted = true
				s.master = ""
			}
			if deps.Audit != nil {
				deps.Audit.Emit(deps.Audit.NewEvent(audit.EventMulticastClientRemoved).
					WithField("path", filename).WithField("peer", k).WithField("reason", "inactive"))
			}
		}
	}
	if masterEvicted {
		for k := range s.clients {
			s.master = k
			break
		}
	}
	return len(s.clients) == 0
}

func (s *MulticastSession) clientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// transmit is the background sender for one multicast session: it reads
// the file, applies NETASCII conversion if required, and sends sequential
// DATA blocks to the group address, advancing only once every live client
// has acked.
func (s *MulticastSession) transmit(ctx context.Context, c *Coordinator) {
	defer func() {
		c.mu.Lock()
		delete(c.sessions, s.key)
		c.mu.Unlock()
		if c.deps.Metrics != nil {
			c.deps.Metrics.MulticastSessions.Add(-1)
		}
	}()

	resolved, err := c.deps.Sandbox.Resolve(s.filename)
	if err != nil {
		logger.Warn("multicast transmit: path resolution failed", logger.KeyPath, s.filename, logger.KeyError, err.Error())
		return
	}
	raw, err := os.ReadFile(resolved)
	if err != nil {
		logger.Warn("multicast transmit: read failed", logger.KeyPath, s.filename, logger.KeyError, err.Error())
		return
	}
	content := raw
	if s.mode == ModeNetASCII {
		content = ToNetASCII(raw)
	}

	// totalBlocks/offset are tracked as monotonic ints, never truncated to
	// the 16-bit wire block number, so files needing more than 65535
	// blocks (~33MB at the default 512-byte blksize) transfer correctly.
	blksize := s.opts.EffectiveBlksize()
	totalBlocks := (len(content) + blksize - 1) / blksize
	if totalBlocks == 0 {
		totalBlocks = 1
	}

	// Every joiner must ack the join OACK (block 0) before block 1 goes
	// out, so a master elected after the group already started doesn't
	// miss the beginning of the file.
	s.setCurrentBlock(0)
	if !s.waitForInitAck(ctx, c) {
		return
	}

	for block := 1; block <= totalBlocks; block++ {
		offset := int64(block-1) * int64(blksize)
		end := int(offset) + blksize
		if end > len(content) {
			end = len(content)
		}
		payload := content[int(offset):end]

		s.setCurrentBlock(block)
		if err := s.sendBlock(block, payload); err != nil {
			return
		}

		if !s.waitForAcksWithRetransmit(ctx, c, block, payload) {
			return
		}
	}

	if c.deps.Audit != nil {
		c.deps.Audit.Emit(c.deps.Audit.NewEvent(audit.EventMulticastSessionComplete).
			WithField("path", s.filename).WithField("total_clients", s.clientCount()))
	}
}

func (s *MulticastSession) sendBlock(block int, payload []byte) error {
	pkt := EncodeData(make([]byte, 0, MaxPacketSize), wireBlock(block), payload)
	_, err := s.conn.WriteToUDP(pkt, s.groupAddr)
	return err
}

// waitForInitAck polls for every live client to ack the join OACK (block
// 0, the is_master handshake) before the transmitter sends block 1.
// Clients that never ack are dropped by evictStale like any other stale
// client; there is no DATA payload to retransmit for this phase, since
// replyOack (via the server's main dispatch loop) is what answers a
// retried join RRQ.
func (s *MulticastSession) waitForInitAck(ctx context.Context, c *Coordinator) bool {
	for round := 0; round < maxRetransmitRounds; round++ {
		deadline := time.Now().Add(c.cfg.RetransmitTimeout)
		for time.Now().Before(deadline) {
			if s.allAcked(0) {
				return true
			}
			select {
			case <-ctx.Done():
				return false
			case <-time.After(10 * time.Millisecond):
			}
		}

		if s.evictStale(c.cfg.MasterTimeout, c.deps, s.filename) {
			return false
		}
		if s.allAcked(0) {
			return true
		}
	}
	return s.allAcked(0)
}

// waitForAcksWithRetransmit polls for every live client's ACK of block,
// retransmitting to stragglers up to maxRetransmitRounds times, evicting
// stale clients between rounds. Returns false if the session emptied out.
func (s *MulticastSession) waitForAcksWithRetransmit(ctx context.Context, c *Coordinator, block int, payload []byte) bool {
	for round := 0; round < maxRetransmitRounds; round++ {
		deadline := time.Now().Add(c.cfg.RetransmitTimeout)
		for time.Now().Before(deadline) {
			if s.allAcked(block) {
				return true
			}
			select {
			case <-ctx.Done():
				return false
			case <-time.After(10 * time.Millisecond):
			}
		}

		missed := s.missedBlock(block)
		for _, addr := range missed {
			pkt := EncodeData(make([]byte, 0, MaxPacketSize), wireBlock(block), payload)
			_, _ = s.conn.WriteToUDP(pkt, addr)
		}

		if s.evictStale(c.cfg.MasterTimeout, c.deps, s.filename) {
			return false
		}
		if s.allAcked(block) {
			return true
		}
	}
	return s.allAcked(block)
}

// HandleAck feeds an ACK observed on the coordinator's shared listener
// socket into whichever session peer belongs to. Plain ACK packets carry
// no filename/mode, so the owning session is found by peer membership
// rather than by the (filename, mode) session key.
func (c *Coordinator) HandleAck(peer *net.UDPAddr, wireBlock uint16) {
	c.mu.Lock()
	sessions := make([]*MulticastSession, 0, len(c.sessions))
	for _, sess := range c.sessions {
		sessions = append(sessions, sess)
	}
	c.mu.Unlock()

	for _, sess := range sessions {
		if sess.hasClient(peer) {
			sess.RecordAck(peer, wireBlock)
			return
		}
	}
}
