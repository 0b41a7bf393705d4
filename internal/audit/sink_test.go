package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEmitDoesNotBlockWhenFull(t *testing.T) {
	s := &Sink{
		service:  "tftpd",
		hostname: "test",
		events:   make(chan Event), // unbuffered, no consumer draining it
		done:     make(chan struct{}),
	}

	done := make(chan struct{})
	go func() {
		s.Emit(s.NewEvent(EventReadRequest))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a full queue")
	}

	assert.Equal(t, uint64(1), s.Dropped())
}

func TestCorrelationIDLinksEvents(t *testing.T) {
	id := GenerateCorrelationID("10.0.0.1:0", "fw.bin")
	assert.NotEmpty(t, id)

	ev := NewEvent(EventTransferStarted, "tftpd", "host").WithCorrelationID(id)
	assert.Equal(t, id, ev.CorrelationID)
}

func TestSeverityMapping(t *testing.T) {
	assert.Equal(t, SeverityWarn, severityFor(EventPathTraversalAttempt))
	assert.Equal(t, SeverityWarn, severityFor(EventRateLimitTriggered))
	assert.Equal(t, SeverityInfo, severityFor(EventTransferCompleted))
}

func TestStopDrainsPendingEvents(t *testing.T) {
	s := NewSink("tftpd")
	s.Emit(s.NewEvent(EventConnectionOpen))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)

	assert.Equal(t, uint64(0), s.Dropped())
}
