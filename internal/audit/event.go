// Package audit accepts typed security and lifecycle events from both
// protocol servers and emits them as structured log records. The sink is
// write-only and non-blocking from the caller's perspective: it never fails
// the operation being audited, and drops under overload are counted rather
// than surfaced to the protocol state machine.
package audit

import (
	"crypto/sha256"
	"encoding/base64"
	"time"
)

// Severity classifies how loudly an event should be surfaced.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// EventType enumerates the typed sum of auditable events.
type EventType string

const (
	EventConnectionOpen           EventType = "connection_open"
	EventConnectionClose          EventType = "connection_close"
	EventAuthAttempt              EventType = "auth_attempt"
	EventReadRequest              EventType = "read_request"
	EventReadDenied               EventType = "read_denied"
	EventTransferStarted          EventType = "transfer_started"
	EventTransferCompleted        EventType = "transfer_completed"
	EventTransferFailed           EventType = "transfer_failed"
	EventWriteRequest             EventType = "write_request"
	EventWriteRequestDenied       EventType = "write_request_denied"
	EventWriteStarted             EventType = "write_started"
	EventWriteCompleted           EventType = "write_completed"
	EventWriteFailed              EventType = "write_failed"
	EventPathTraversalAttempt     EventType = "path_traversal_attempt"
	EventAccessViolation          EventType = "access_violation"
	EventFileSizeLimitExceeded    EventType = "file_size_limit_exceeded"
	EventProtocolViolation        EventType = "protocol_violation"
	EventMulticastSessionCreated  EventType = "multicast_session_created"
	EventMulticastClientJoined    EventType = "multicast_client_joined"
	EventMulticastClientRemoved   EventType = "multicast_client_removed"
	EventMulticastSessionComplete EventType = "multicast_session_completed"
	EventRateLimitTriggered       EventType = "rate_limit_triggered"
	EventSymlinkDenied            EventType = "symlink_denied"
	EventConfigLoaded             EventType = "configuration_loaded"
	EventConfigError              EventType = "configuration_errored"
)

// severityFor implements the fixed event -> severity mapping.
func severityFor(t EventType) Severity {
	switch t {
	case EventReadDenied, EventWriteRequestDenied, EventPathTraversalAttempt,
		EventAccessViolation, EventFileSizeLimitExceeded, EventProtocolViolation,
		EventRateLimitTriggered, EventSymlinkDenied, EventConfigError, EventTransferFailed,
		EventWriteFailed:
		return SeverityWarn
	default:
		return SeverityInfo
	}
}

// Event is one structured audit record. Common fields are always present;
// Fields carries event-specific data as key/value pairs so the sink stays a
// single concrete type regardless of which event variant produced it.
type Event struct {
	Type          EventType
	Timestamp     time.Time // RFC 3339 on output
	Hostname      string
	Service       string // "tftpd" or "sftpd"
	Severity      Severity
	CorrelationID string
	Fields        map[string]any
}

// NewEvent constructs an Event with Timestamp, Hostname, Service, and
// Severity pre-filled; callers add event-specific Fields.
func NewEvent(t EventType, service, hostname string) Event {
	return Event{
		Type:      t,
		Timestamp: time.Now().UTC(),
		Hostname:  hostname,
		Service:   service,
		Severity:  severityFor(t),
		Fields:    make(map[string]any, 4),
	}
}

// WithField attaches a key/value pair and returns the event for chaining.
func (e Event) WithField(key string, value any) Event {
	e.Fields[key] = value
	return e
}

// WithCorrelationID attaches a correlation id linking this event to others
// from the same transfer.
func (e Event) WithCorrelationID(id string) Event {
	e.CorrelationID = id
	return e
}

// GenerateCorrelationID produces an opaque id suitable for linking the
// request -> started -> completed events of a single transfer, derived from
// the peer address, file name, and current time so repeated requests for the
// same file from the same peer still get distinct ids.
func GenerateCorrelationID(peer, name string) string {
	sum := sha256.Sum256([]byte(peer + "|" + name + "|" + time.Now().String()))
	return base64.RawURLEncoding.EncodeToString(sum[:12])
}
