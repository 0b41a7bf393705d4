package logger

import (
	"context"
	"time"
)

// contextKey is unexported to prevent collisions with other packages' context keys.
type contextKey struct{}

var logContextKey = contextKey{}

// LogContext holds request-scoped fields threaded through a TFTP session or
// SFTP connection so every log line for that unit of work carries the same
// correlation id, peer address, and operation name.
type LogContext struct {
	CorrelationID string    // links request -> started -> completed events for one transfer
	Protocol      string    // "tftp" or "sftp"
	Operation     string    // RRQ, WRQ, OPEN, READ, WRITE, ...
	Peer          string    // remote address, host only
	Path          string    // path under the sandbox root, if any
	Username      string    // authenticated SFTP user, if any
	StartTime     time.Time
}

// WithContext attaches lc to ctx.
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext previously attached with WithContext,
// or nil if none is present.
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext creates a LogContext for a newly accepted peer.
func NewLogContext(protocol, peer string) *LogContext {
	return &LogContext{
		Protocol:  protocol,
		Peer:      peer,
		StartTime: time.Now(),
	}
}

// Clone returns a shallow copy so a derived context doesn't mutate the parent.
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	clone := *lc
	return &clone
}

// WithOperation returns a copy with Operation set.
func (lc *LogContext) WithOperation(op string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Operation = op
	}
	return clone
}

// WithPath returns a copy with Path set.
func (lc *LogContext) WithPath(path string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Path = path
	}
	return clone
}

// WithCorrelationID returns a copy with CorrelationID set.
func (lc *LogContext) WithCorrelationID(id string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.CorrelationID = id
	}
	return clone
}

// WithUsername returns a copy with Username set.
func (lc *LogContext) WithUsername(user string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Username = user
	}
	return clone
}
