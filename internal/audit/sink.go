package audit

import (
	"context"
	"os"
	"sync"
	"sync/atomic"

	"github.com/pxecore/transferd/internal/logger"
)

// queueDepth bounds the number of pending events buffered between the
// protocol path and the background consumer. A protocol session never
// blocks waiting for room; a full queue drops the event and counts it.
const queueDepth = 4096

// Sink accepts events from any number of goroutines and emits them as
// structured log records on a single background consumer goroutine, so that
// causally related events (request -> started -> completed) for one
// transfer are serialized enough to appear in order.
type Sink struct {
	service  string
	hostname string

	events  chan Event
	dropped atomic.Uint64

	wg       sync.WaitGroup
	stopOnce sync.Once
	done     chan struct{}
}

// NewSink creates a Sink for the given service name ("tftpd" or "sftpd") and
// starts its background consumer. Call Stop to drain and shut it down.
func NewSink(service string) *Sink {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	s := &Sink{
		service:  service,
		hostname: hostname,
		events:   make(chan Event, queueDepth),
		done:     make(chan struct{}),
	}

	s.wg.Add(1)
	go s.consume()

	return s
}

// NewEvent builds an Event pre-populated with this sink's service and
// hostname, ready for the caller to attach fields and Emit.
func (s *Sink) NewEvent(t EventType) Event {
	return NewEvent(t, s.service, s.hostname)
}

// Emit enqueues ev for asynchronous emission. Never blocks: if the queue is
// full the event is dropped and counted, never surfaced to the caller.
func (s *Sink) Emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns the number of events dropped due to a full queue since
// startup.
func (s *Sink) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Sink) consume() {
	defer s.wg.Done()

	for {
		select {
		case ev := <-s.events:
			s.write(ev)
		case <-s.done:
			// Drain whatever is left before exiting.
			for {
				select {
				case ev := <-s.events:
					s.write(ev)
				default:
					return
				}
			}
		}
	}
}

func (s *Sink) write(ev Event) {
	args := make([]any, 0, 10+2*len(ev.Fields))
	args = append(args,
		"event", string(ev.Type),
		"service", ev.Service,
		"hostname", ev.Hostname,
		"timestamp", ev.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
	)
	if ev.CorrelationID != "" {
		args = append(args, logger.KeyCorrelationID, ev.CorrelationID)
	}
	for k, v := range ev.Fields {
		args = append(args, k, v)
	}

	switch ev.Severity {
	case SeverityWarn:
		logger.Warn("audit event", args...)
	case SeverityError:
		logger.Error("audit event", args...)
	default:
		logger.Info("audit event", args...)
	}
}

// Stop drains pending events and stops the consumer goroutine. Safe to call
// once; ctx bounds how long to wait for the drain.
func (s *Sink) Stop(ctx context.Context) {
	s.stopOnce.Do(func() {
		close(s.done)
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}
