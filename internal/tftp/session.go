package tftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/pxecore/transferd/internal/audit"
	"github.com/pxecore/transferd/internal/bufpool"
	"github.com/pxecore/transferd/internal/logger"
	"github.com/pxecore/transferd/internal/metrics"
	"github.com/pxecore/transferd/internal/sandbox"
	"github.com/pxecore/transferd/internal/xerrors"
)

// MaxRetries bounds the number of times a single DATA/ACK is retransmitted
// before a session fails.
const MaxRetries = 5

// Direction is the transfer direction of a session.
type Direction int

const (
	DirRead Direction = iota
	DirWrite
)

// state tags the session's current position in the RFC 1350/7440 state
// machine (AwaitStart | AwaitOackAck | Sending | AwaitAck(block) | Terminal).
type state int

const (
	stateAwaitStart state = iota
	stateAwaitOackAck
	stateSending
	stateAwaitAck
	stateTerminal
)

// Deps bundles the shared utilities a session needs, all owned by the
// server and handed down per session.
type Deps struct {
	Sandbox     *sandbox.Sandbox
	Audit       *audit.Sink
	Metrics     *metrics.TFTP
	WritePolicy *WritePolicy

	MaxFileSizeBytes    int64
	StreamingThresholds int64 // octet reads at or above this size stream instead of staging whole-file
}

// Session drives one RRQ or WRQ to completion on its own bound UDP socket
// (its TID). It communicates only with the peer address observed on the
// first packet; anything else is dropped.
type Session struct {
	conn *net.UDPConn
	peer *net.UDPAddr
	deps Deps

	direction  Direction
	mode       Mode
	filename   string
	opts       NegotiatedOptions
	blksize    int
	timeout    time.Duration
	windowSize int

	// retries counts consecutive timeouts across the whole session,
	// reset on any productive (non-duplicate) packet. Checked against
	// MaxRetries by awaitWindowAck; the write-side receive loop keeps its
	// own local counter.
	retries int

	correlationID string
}

// NewSession binds a fresh ephemeral UDP socket for the session, on the
// same address family as peer, and restricts it to that peer.
func NewSession(peer *net.UDPAddr, req Request, deps Deps) (*Session, error) {
	network := "udp4"
	bindIP := net.IPv4zero
	if peer.IP.To4() == nil {
		network = "udp6"
		bindIP = net.IPv6zero
	}
	conn, err := net.ListenUDP(network, &net.UDPAddr{IP: bindIP, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("tftp: bind session socket: %w", err)
	}

	opts := ParseOptions(req.Options)
	dir := DirRead
	if req.Opcode == OpWRQ {
		dir = DirWrite
	}

	return &Session{
		conn:          conn,
		peer:          peer,
		deps:          deps,
		direction:     dir,
		mode:          req.Mode,
		filename:      req.Filename,
		opts:          opts,
		blksize:       opts.EffectiveBlksize(),
		timeout:       time.Duration(opts.EffectiveTimeout()) * time.Second,
		windowSize:    opts.EffectiveWindowsize(),
		correlationID: audit.GenerateCorrelationID(peer.String(), req.Filename),
	}, nil
}

// Close releases the session's TID socket.
func (s *Session) Close() error { return s.conn.Close() }

// Run executes the session's state machine to completion, dispatching to
// the read or write driver.
func (s *Session) Run(ctx context.Context) {
	defer s.Close()

	if s.deps.Metrics != nil {
		s.deps.Metrics.ActiveSessions.Add(1)
		s.deps.Metrics.SessionsTotal.Add(1)
		defer s.deps.Metrics.ActiveSessions.Add(-1)
	}

	logger.Debug("tftp session started",
		logger.KeyPath, s.filename, logger.KeyPeer, s.peer.String())

	var err error
	if s.direction == DirRead {
		err = s.runRead(ctx)
	} else {
		err = s.runWrite(ctx)
	}

	if err != nil {
		logger.Debug("tftp session ended with error",
			logger.KeyPath, s.filename, logger.KeyError, err.Error())
		s.emitFailure(err)
		return
	}
	logger.Debug("tftp session completed", logger.KeyPath, s.filename)
}

func (s *Session) emitFailure(err error) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.ErrorsTotal.Add(1)
	}
	if s.deps.Audit == nil {
		return
	}
	eventType := audit.EventTransferFailed
	if s.direction == DirWrite {
		eventType = audit.EventWriteFailed
	}
	ev := s.deps.Audit.NewEvent(eventType).
		WithCorrelationID(s.correlationID).
		WithField("path", s.filename).
		WithField("error", err.Error())
	s.deps.Audit.Emit(ev)
}

// resolvePath validates s.filename against the sandbox, translating
// failures into an ERROR packet and an audit event as appropriate. It does
// not send anything on success.
func (s *Session) resolvePath() (string, error) {
	resolved, err := s.deps.Sandbox.Resolve(s.filename)
	if err != nil {
		if s.deps.Audit != nil {
			s.deps.Audit.Emit(s.deps.Audit.NewEvent(audit.EventPathTraversalAttempt).
				WithCorrelationID(s.correlationID).
				WithField("path", s.filename))
		}
		if s.deps.Metrics != nil {
			s.deps.Metrics.PathTraversalBlocks.Add(1)
		}
		_ = s.sendError(ErrAccessViolation, "access violation")
		return "", err
	}
	return resolved, nil
}

func (s *Session) runRead(ctx context.Context) error {
	if s.deps.Audit != nil {
		s.deps.Audit.Emit(s.deps.Audit.NewEvent(audit.EventReadRequest).
			WithCorrelationID(s.correlationID).WithField("path", s.filename))
	}

	resolved, err := s.resolvePath()
	if err != nil {
		return err
	}

	f, err := os.Open(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			_ = s.sendError(ErrFileNotFound, "file not found")
		} else {
			_ = s.sendError(ErrAccessViolation, "access violation")
		}
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		_ = s.sendError(ErrUndefined, "stat failed")
		return err
	}
	if info.IsDir() {
		_ = s.sendError(ErrAccessViolation, "is a directory")
		return fmt.Errorf("tftp: %s is a directory", s.filename)
	}
	if s.deps.MaxFileSizeBytes > 0 && info.Size() > s.deps.MaxFileSizeBytes {
		_ = s.sendError(ErrDiskFull, "file exceeds maximum size")
		return xerrors.New(xerrors.KindResourceExhaustion, "file exceeds configured maximum size")
	}
	if s.mode == ModeMail {
		_ = s.sendError(ErrIllegalOperation, "mail mode not supported")
		return xerrors.New(xerrors.KindNotSupported, "mail mode is not supported")
	}

	var content []byte
	if s.mode == ModeNetASCII {
		raw, err := io.ReadAll(f)
		if err != nil {
			_ = s.sendError(ErrUndefined, "read failed")
			return err
		}
		content = ToNetASCII(raw)
	} else if info.Size() < s.deps.StreamingThresholds {
		raw, err := io.ReadAll(f)
		if err != nil {
			_ = s.sendError(ErrUndefined, "read failed")
			return err
		}
		content = raw
	}

	if s.deps.Audit != nil {
		s.deps.Audit.Emit(s.deps.Audit.NewEvent(audit.EventTransferStarted).
			WithCorrelationID(s.correlationID).WithField("path", s.filename))
	}

	var sendErr error
	if content != nil {
		sendErr = s.sendBuffer(ctx, content)
	} else {
		sendErr = s.sendStream(ctx, f, info.Size())
	}
	if sendErr != nil {
		return sendErr
	}

	if s.deps.Audit != nil {
		s.deps.Audit.Emit(s.deps.Audit.NewEvent(audit.EventTransferCompleted).
			WithCorrelationID(s.correlationID).WithField("path", s.filename))
	}
	return nil
}

// negotiateStart sends OACK if options were negotiated and awaits ACK(0);
// otherwise returns immediately ready to send block 1.
func (s *Session) negotiateStart(ctx context.Context, tsize int64) error {
	if !s.opts.Any() {
		return nil
	}

	oack := EncodeOack(s.opts.AcceptedPairs(tsize))
	for attempt := 0; attempt <= MaxRetries; attempt++ {
		if attempt == MaxRetries {
			return xerrors.New(xerrors.KindTimeout, "peer did not acknowledge OACK")
		}
		if _, err := s.conn.WriteToUDP(oack, s.peer); err != nil {
			return err
		}
		if s.deps.Metrics != nil && attempt > 0 {
			s.deps.Metrics.RetransmitsTotal.Add(1)
		}

		buf := make([]byte, MaxPacketSize)
		n, from, err := s.readFrom(ctx, buf)
		if err != nil {
			if errors.Is(err, errTimeout) {
				continue
			}
			return err
		}
		if !sameHost(from, s.peer) {
			continue
		}

		op, err := DecodeOpcode(buf[:n])
		if err != nil {
			continue
		}
		switch op {
		case OpACK:
			ack, err := DecodeAck(buf[:n])
			if err == nil && ack.Block == 0 {
				return nil
			}
		case OpERROR:
			perr, _ := DecodeError(buf[:n])
			return xerrors.New(xerrors.KindProtocol, fmt.Sprintf("peer error: %s", perr.Message))
		}
	}
	return xerrors.New(xerrors.KindTimeout, "peer did not acknowledge OACK")
}

// sendBuffer sends an in-memory buffer (NETASCII mode) using the
// go-back-N windowed protocol.
func (s *Session) sendBuffer(ctx context.Context, content []byte) error {
	if err := s.negotiateStart(ctx, int64(len(content))); err != nil {
		return err
	}

	total := len(content)
	blockOf := func(b int) []byte {
		idx := (b - 1) * s.blksize
		if idx >= total {
			return nil
		}
		end := idx + s.blksize
		if end > total {
			end = total
		}
		return content[idx:end]
	}
	lastBlock := total/s.blksize + 1
	if total%s.blksize == 0 && total > 0 {
		lastBlock = total / s.blksize
	}
	if total == 0 {
		lastBlock = 1
	}

	return s.sendWindowed(ctx, blockOf, lastBlock)
}

// sendStream sends directly from f (octet mode) without staging the whole
// file in memory.
func (s *Session) sendStream(ctx context.Context, f *os.File, size int64) error {
	if err := s.negotiateStart(ctx, size); err != nil {
		return err
	}

	buf := make([]byte, s.blksize)
	blockOf := func(b int) []byte {
		offset := int64(b-1) * int64(s.blksize)
		if offset >= size {
			return nil
		}
		n, err := f.ReadAt(buf, offset)
		if err != nil && err != io.EOF {
			return nil
		}
		return buf[:n]
	}
	lastBlock := int(size/int64(s.blksize)) + 1
	if size%int64(s.blksize) == 0 {
		lastBlock = int(size / int64(s.blksize))
	}
	if size == 0 {
		lastBlock = 1
	}

	return s.sendWindowed(ctx, blockOf, lastBlock)
}

// sendWindowed implements the go-back-N windowed DATA/ACK exchange common
// to both buffer- and stream-backed sends. blockOf(b) must return nil once
// b is past the last block. next/lastBlock are monotonic logical block
// counts that never wrap, decoupled from the 16-bit wire block number
// (wireBlock), so files needing more than 65535 blocks transfer correctly
// instead of corrupting around the wraparound point.
func (s *Session) sendWindowed(ctx context.Context, blockOf func(int) []byte, lastBlock int) error {
	next := 1
	buf := bufpool.Get(MaxPacketSize)
	defer bufpool.Put(buf)

	for {
		windowEnd := next + s.windowSize - 1
		if windowEnd > lastBlock {
			windowEnd = lastBlock
		}
		for b := next; b <= windowEnd; b++ {
			payload := blockOf(b)
			pkt := EncodeData(buf[:0], wireBlock(b), payload)
			if _, err := s.conn.WriteToUDP(pkt, s.peer); err != nil {
				return err
			}
			if s.deps.Metrics != nil {
				s.deps.Metrics.BytesSent.Add(uint64(len(payload)))
			}
		}

		acked, done, err := s.awaitWindowAck(ctx, next, windowEnd, lastBlock)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		next = acked + 1
	}
}

// awaitWindowAck waits for the highest in-order ACK within the current
// window, retransmitting the whole window on timeout. Returns the
// acknowledged logical block and whether the transfer is complete.
// Consecutive timeouts accumulate in s.retries across calls; any
// productive packet resets it, so MaxRetries bounds total retransmissions
// for the session rather than per window.
func (s *Session) awaitWindowAck(ctx context.Context, windowStart, windowEnd, lastBlock int) (int, bool, error) {
	buf := make([]byte, MaxPacketSize)

	for {
		n, from, err := s.readFrom(ctx, buf)
		if err != nil {
			if errors.Is(err, errTimeout) {
				s.retries++
				if s.retries > MaxRetries {
					return 0, false, xerrors.New(xerrors.KindTimeout, "max retries exceeded")
				}
				if s.deps.Metrics != nil {
					s.deps.Metrics.RetransmitsTotal.Add(1)
				}
				return windowStart - 1, false, nil // caller resends from windowStart
			}
			return 0, false, err
		}
		if !sameHost(from, s.peer) {
			continue
		}

		op, err := DecodeOpcode(buf[:n])
		if err != nil {
			continue
		}
		switch op {
		case OpACK:
			ack, err := DecodeAck(buf[:n])
			if err != nil {
				continue
			}
			block := logicalFromWire(ack.Block, windowEnd)
			if block == lastBlock {
				s.retries = 0
				return block, true, nil
			}
			if block >= windowStart {
				s.retries = 0
				return block, false, nil
			}
			// Duplicate/stale ACK: ignore, keep waiting.
		case OpERROR:
			perr, _ := DecodeError(buf[:n])
			return 0, false, xerrors.New(xerrors.KindProtocol, fmt.Sprintf("peer error: %s", perr.Message))
		}
	}
}

// seqGTE compares two 16-bit block sequence numbers allowing wraparound.
func seqGTE(a, b uint16) bool {
	return int16(a-b) >= 0
}

// wireBlock truncates a monotonic logical block count to the 16-bit
// number that travels on the wire, which wraps from 65535 back to 0 per
// RFC 7440 rather than growing unbounded.
func wireBlock(logical int) uint16 {
	return uint16(uint32(logical) & 0xffff)
}

// logicalFromWire reconstructs the monotonic logical block count a wire
// block number refers to, given a logical value known to be within 32768
// of it. Callers pass the current window bounds as near, which is always
// true in practice since window sizes stay far below the 16-bit range.
func logicalFromWire(wire uint16, near int) int {
	delta := int(wire) - int(wireBlock(near))
	if delta > 32768 {
		delta -= 65536
	} else if delta < -32768 {
		delta += 65536
	}
	return near + delta
}

func (s *Session) runWrite(ctx context.Context) error {
	if !s.deps.WritePolicy.Enabled() {
		_ = s.sendError(ErrAccessViolation, "writes are disabled")
		return xerrors.New(xerrors.KindAccessDenied, "write support is disabled")
	}

	if s.deps.Audit != nil {
		s.deps.Audit.Emit(s.deps.Audit.NewEvent(audit.EventWriteRequest).
			WithCorrelationID(s.correlationID).WithField("path", s.filename))
	}

	slashPath := filepath.ToSlash(s.filename)
	if !s.deps.WritePolicy.Allows(slashPath) {
		if s.deps.Audit != nil {
			s.deps.Audit.Emit(s.deps.Audit.NewEvent(audit.EventWriteRequestDenied).
				WithCorrelationID(s.correlationID).WithField("path", s.filename))
		}
		_ = s.sendError(ErrAccessViolation, "access violation")
		return xerrors.New(xerrors.KindAccessDenied, "path does not match any allowed write pattern")
	}

	resolved, err := s.resolvePath()
	if err != nil {
		return err
	}

	if !s.deps.WritePolicy.AllowOverwrite() {
		if _, err := os.Stat(resolved); err == nil {
			_ = s.sendError(ErrFileExists, "file already exists")
			return xerrors.New(xerrors.KindAlreadyExists, "target file exists and overwrite is disabled")
		}
	}

	f, err := os.OpenFile(resolved, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		_ = s.sendError(ErrAccessViolation, "access violation")
		return err
	}
	defer f.Close()

	if s.deps.Audit != nil {
		s.deps.Audit.Emit(s.deps.Audit.NewEvent(audit.EventWriteStarted).
			WithCorrelationID(s.correlationID).WithField("path", s.filename))
	}

	if err := s.receiveWindowed(ctx, f); err != nil {
		return err
	}

	if s.deps.Audit != nil {
		s.deps.Audit.Emit(s.deps.Audit.NewEvent(audit.EventWriteCompleted).
			WithCorrelationID(s.correlationID).WithField("path", s.filename))
	}
	return nil
}

// receiveWindowed drives the WRQ receive side: send ACK(0) (or OACK+ACK(0)),
// then accept DATA blocks, buffering out-of-order arrivals within a window
// in memory until the run is contiguous before flushing to disk, so the
// file on disk never has holes even when several DATA packets precede a
// given window's missing block.
func (s *Session) receiveWindowed(ctx context.Context, f *os.File) error {
	if err := s.sendAckOrOack(ctx); err != nil {
		return err
	}

	expected := uint16(1)
	pending := make(map[uint16][]byte)
	var written int64

	buf := make([]byte, MaxPacketSize)
	retries := 0

	for {
		n, from, err := s.readFrom(ctx, buf)
		if err != nil {
			if errors.Is(err, errTimeout) {
				retries++
				if retries > MaxRetries {
					return xerrors.New(xerrors.KindTimeout, "max retries exceeded")
				}
				_, _ = s.conn.WriteToUDP(EncodeAck(expected-1), s.peer)
				if s.deps.Metrics != nil {
					s.deps.Metrics.RetransmitsTotal.Add(1)
				}
				continue
			}
			return err
		}
		retries = 0
		if !sameHost(from, s.peer) {
			continue
		}

		op, err := DecodeOpcode(buf[:n])
		if err != nil {
			continue
		}
		switch op {
		case OpDATA:
			d, err := DecodeData(buf[:n])
			if err != nil {
				continue
			}
			if s.deps.MaxFileSizeBytes > 0 && written+int64(len(d.Payload)) > s.deps.MaxFileSizeBytes {
				_ = s.sendError(ErrDiskFull, "file exceeds maximum size")
				return xerrors.New(xerrors.KindResourceExhaustion, "write exceeds configured maximum size")
			}

			if d.Block == expected {
				payload := append([]byte(nil), d.Payload...)
				if s.mode == ModeNetASCII {
					payload = FromNetASCII(payload)
				}
				if _, err := f.Write(payload); err != nil {
					return err
				}
				written += int64(len(payload))
				if s.deps.Metrics != nil {
					s.deps.Metrics.BytesReceived.Add(uint64(len(d.Payload)))
				}
				short := len(d.Payload) < s.blksize
				expected++

				for {
					buffered, ok := pending[expected]
					if !ok {
						break
					}
					delete(pending, expected)
					if s.mode == ModeNetASCII {
						buffered = FromNetASCII(buffered)
					}
					if _, err := f.Write(buffered); err != nil {
						return err
					}
					written += int64(len(buffered))
					expected++
				}

				if _, err := s.conn.WriteToUDP(EncodeAck(d.Block), s.peer); err != nil {
					return err
				}
				if short {
					return nil
				}
			} else if seqGTE(d.Block, expected) {
				pending[d.Block] = append([]byte(nil), d.Payload...)
			} else {
				// Already-written block retransmitted; re-ACK it.
				_, _ = s.conn.WriteToUDP(EncodeAck(d.Block), s.peer)
			}
		case OpERROR:
			perr, _ := DecodeError(buf[:n])
			return xerrors.New(xerrors.KindProtocol, fmt.Sprintf("peer error: %s", perr.Message))
		}
	}
}

func (s *Session) sendAckOrOack(ctx context.Context) error {
	if !s.opts.Any() {
		_, err := s.conn.WriteToUDP(EncodeAck(0), s.peer)
		return err
	}
	oack := EncodeOack(s.opts.AcceptedPairs(0))
	_, err := s.conn.WriteToUDP(oack, s.peer)
	return err
}

func (s *Session) sendError(code ErrorCode, msg string) error {
	_, err := s.conn.WriteToUDP(EncodeError(code, msg), s.peer)
	if s.deps.Metrics != nil {
		s.deps.Metrics.ErrorsTotal.Add(1)
	}
	return err
}

var errTimeout = fmt.Errorf("tftp: read timeout")

// readFrom reads one packet with the session's negotiated timeout,
// returning errTimeout (wrapped) when nothing arrives in time.
func (s *Session) readFrom(ctx context.Context, buf []byte) (int, *net.UDPAddr, error) {
	deadline := time.Now().Add(s.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return 0, nil, err
	}
	n, from, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return 0, nil, errTimeout
		}
		return 0, nil, err
	}
	return n, from, nil
}

func sameHost(a, b *net.UDPAddr) bool {
	return a != nil && b != nil && a.IP.Equal(b.IP) && a.Port == b.Port
}
