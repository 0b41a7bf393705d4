package tftp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pxecore/transferd/internal/audit"
	"github.com/pxecore/transferd/internal/logger"
	"github.com/pxecore/transferd/internal/metrics"
	"github.com/pxecore/transferd/internal/ratelimit"
	"github.com/pxecore/transferd/internal/sandbox"
)

// Server is the TFTP listener: one UDP socket receives RRQ/WRQ packets and
// spawns a per-request Session (or hands multicast RRQs to the
// Coordinator), each bound to its own ephemeral TID socket.
type Server struct {
	cfg  Config
	deps Deps

	coordinator *Coordinator
	limiter     *ratelimit.Limiter

	conn     *net.UDPConn
	shutdown chan struct{}
	once     sync.Once
	wg       sync.WaitGroup

	ready chan struct{}
}

// NewServer builds a Server from cfg, wiring a PathSandbox rooted at
// cfg.RootDir and the shared audit/metrics sinks into its session Deps.
func NewServer(cfg Config, auditSink *audit.Sink, m *metrics.TFTP, limiter *ratelimit.Limiter) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sb, err := sandbox.New(cfg.RootDir)
	if err != nil {
		return nil, fmt.Errorf("tftp: %w", err)
	}

	wp, err := NewWritePolicy(cfg.WriteConfig)
	if err != nil {
		return nil, fmt.Errorf("tftp: %w", err)
	}

	deps := Deps{
		Sandbox:             sb,
		Audit:               auditSink,
		Metrics:             m,
		WritePolicy:         wp,
		StreamingThresholds: cfg.Performance.StreamingThreshold,
	}

	var coord *Coordinator
	if cfg.Multicast.Enabled {
		coord = NewCoordinator(cfg.Multicast, deps)
	}

	return &Server{
		cfg:         cfg,
		deps:        deps,
		coordinator: coord,
		limiter:     limiter,
		shutdown:    make(chan struct{}),
		ready:       make(chan struct{}),
	}, nil
}

// WaitReady returns a channel closed once the UDP socket is bound.
func (s *Server) WaitReady() <-chan struct{} { return s.ready }

// ListenAddr returns the UDP address the server is bound to, valid only
// after WaitReady has closed. Useful for tests and BindAddr=":0" setups
// where the kernel picks the port.
func (s *Server) ListenAddr() string {
	if s.conn == nil {
		return s.cfg.BindAddr
	}
	return s.conn.LocalAddr().String()
}

// Serve binds the UDP listener and dispatches requests until ctx is
// cancelled or Stop is called.
func (s *Server) Serve(ctx context.Context) error {
	conn, err := net.ListenPacket("udp", s.cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("tftp: listen %s: %w", s.cfg.BindAddr, err)
	}
	udpConn, ok := conn.(*net.UDPConn)
	if !ok {
		_ = conn.Close()
		return fmt.Errorf("tftp: listener on %s is not a UDP connection", s.cfg.BindAddr)
	}
	s.conn = udpConn

	close(s.ready)
	logger.Info("tftp server started", "address", s.cfg.BindAddr, "write_enabled", s.deps.WritePolicy.Enabled())

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.shutdown:
		}
	}()

	s.serveUDP(ctx)
	s.wg.Wait()
	return nil
}

// Stop closes the listener, unblocking Serve. Safe to call multiple times
// and concurrently with Serve.
func (s *Server) Stop() {
	s.once.Do(func() {
		close(s.shutdown)
		if s.conn != nil {
			_ = s.conn.Close()
		}
	})
}

func (s *Server) serveUDP(ctx context.Context) {
	buf := make([]byte, MaxPacketSize)

	for {
		select {
		case <-s.shutdown:
			return
		default:
		}

		if err := s.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond)); err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				continue
			}
		}

		n, peer, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			select {
			case <-s.shutdown:
				return
			default:
				logger.Debug("tftp: UDP read error", logger.KeyError, err.Error())
				continue
			}
		}

		msg := make([]byte, n)
		copy(msg, buf[:n])

		s.wg.Add(1)
		go func(peer *net.UDPAddr, msg []byte) {
			defer s.wg.Done()
			s.dispatch(ctx, peer, msg)
		}(peer, msg)
	}
}

// dispatch classifies the initial packet as RRQ or WRQ, applies the
// connection-admission rate limiter, and starts a Session (or routes to
// the multicast Coordinator).
func (s *Server) dispatch(ctx context.Context, peer *net.UDPAddr, msg []byte) {
	opcode, err := DecodeOpcode(msg)
	if err != nil {
		logger.Debug("tftp: dropping malformed packet", logger.KeyPeer, peer.String())
		return
	}
	if opcode == OpACK && s.coordinator != nil {
		// Multicast joins reply with a unicast OACK from this same main
		// listener socket (replyOack), so client block ACKs for a group
		// transfer arrive here rather than on a per-session TID socket.
		ack, err := DecodeAck(msg)
		if err != nil {
			logger.Debug("tftp: dropping malformed ACK", logger.KeyPeer, peer.String())
			return
		}
		s.coordinator.HandleAck(peer, ack.Block)
		return
	}
	if opcode != OpRRQ && opcode != OpWRQ {
		logger.Debug("tftp: dropping unexpected initial opcode", logger.KeyPeer, peer.String())
		return
	}

	if s.limiter != nil && !s.limiter.CheckAllowed(peer.IP.String()) {
		if s.deps.Metrics != nil {
			s.deps.Metrics.RateLimitTriggered.Add(1)
		}
		if s.deps.Audit != nil {
			s.deps.Audit.Emit(s.deps.Audit.NewEvent(audit.EventRateLimitTriggered).
				WithField("peer", peer.String()))
		}
		return
	}

	req, err := DecodeRequest(msg)
	if err != nil {
		logger.Debug("tftp: malformed request", logger.KeyPeer, peer.String(), logger.KeyError, err.Error())
		return
	}

	opts := ParseOptions(req.Options)
	if opts.Multicast && s.coordinator != nil {
		pairs, err := s.coordinator.Join(ctx, peer, req)
		if err != nil {
			logger.Warn("tftp: multicast join failed", logger.KeyPeer, peer.String(), logger.KeyError, err.Error())
			return
		}
		s.replyOack(peer, pairs)
		return
	}

	sess, err := NewSession(peer, req, s.deps)
	if err != nil {
		logger.Warn("tftp: session setup failed", logger.KeyPeer, peer.String(), logger.KeyError, err.Error())
		return
	}
	sess.Run(ctx)
}

// replyOack sends a standalone OACK reply for a multicast join, since the
// coordinator -- not a Session -- owns the reply for this request.
func (s *Server) replyOack(peer *net.UDPAddr, pairs []OptionPair) {
	pkt := EncodeOack(pairs)
	if _, err := s.conn.WriteToUDP(pkt, peer); err != nil {
		logger.Debug("tftp: write OACK reply error", logger.KeyPeer, peer.String(), logger.KeyError, err.Error())
	}
}
