package sftp

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/pxecore/transferd/internal/audit"
	"github.com/pxecore/transferd/internal/connlimit"
	"github.com/pxecore/transferd/internal/logger"
	"github.com/pxecore/transferd/internal/metrics"
	"github.com/pxecore/transferd/internal/ratelimit"
	"github.com/pxecore/transferd/internal/sandbox"
)

// Server is the SFTP listener: one TCP socket accepts SSH connections and
// hands each to Transport, which negotiates CNSA 2.0 algorithms and
// dispatches the "sftp" subsystem channel to a FileService Connection.
type Server struct {
	cfg       Config
	transport *Transport

	listener net.Listener
	shutdown chan struct{}
	once     sync.Once

	ready chan struct{}
}

// NewServer builds a Server from cfg, wiring a Sandbox rooted at
// cfg.RootDir, a reloadable AuthorizedKeySet, and the shared rate
// limiter/connection tracker into the Transport. mappings/fallback define
// the UID/GID each authenticated username resolves to.
func NewServer(cfg Config, auditSink *audit.Sink, m *metrics.SFTP, mappings []UserIdentity, fallback UserIdentity) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sb, err := sandbox.New(cfg.RootDir)
	if err != nil {
		return nil, fmt.Errorf("sftp: %w", err)
	}

	users := NewUserMap(mappings, fallback)

	authKeys, err := NewAuthorizedKeySet(cfg.AuthorizedKeysPath, users.Resolve)
	if err != nil {
		return nil, fmt.Errorf("sftp: %w", err)
	}

	svc := &FileService{
		Sandbox:          sb,
		Users:            users,
		Resume:           NewResumeTracker(DefaultStaleTimeout),
		Audit:            auditSink,
		Metrics:          m,
		MaxFileSizeBytes: cfg.MaxFileSizeBytes,
	}

	limiter := ratelimit.New(ratelimit.Config{
		MaxAttempts:     cfg.RateLimit.MaxAttempts,
		Window:          cfg.RateLimit.Window(),
		LockoutDuration: cfg.RateLimit.LockoutDuration(),
	})
	tracker := connlimit.New(cfg.ConnectionTracker.MaxConnectionsPerUser)

	transport, err := NewTransport(TransportConfig{
		BindAddr:          cfg.BindAddr,
		HostKeyPath:       cfg.HostKeyPath,
		AuthorizedKeys:    authKeys,
		RateLimiter:       limiter,
		ConnectionTracker: tracker,
	}, svc)
	if err != nil {
		return nil, fmt.Errorf("sftp: %w", err)
	}

	return &Server{
		cfg:       cfg,
		transport: transport,
		shutdown:  make(chan struct{}),
		ready:     make(chan struct{}),
	}, nil
}

// WaitReady returns a channel closed once the TCP socket is bound.
func (s *Server) WaitReady() <-chan struct{} { return s.ready }

// Serve binds the TCP listener and accepts SSH connections until ctx is
// cancelled or Stop is called.
func (s *Server) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("sftp: listen %s: %w", s.cfg.BindAddr, err)
	}
	s.listener = listener

	close(s.ready)
	logger.Info("sftp server started", logger.KeyPeer, s.cfg.BindAddr)

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.shutdown:
		}
	}()

	err = s.transport.Serve(listener)
	select {
	case <-s.shutdown:
		return nil
	default:
		return err
	}
}

// Stop closes the listener, unblocking Serve. Safe to call multiple times
// and concurrently with Serve.
func (s *Server) Stop() {
	s.once.Do(func() {
		close(s.shutdown)
		if s.listener != nil {
			_ = s.listener.Close()
		}
	})
}
