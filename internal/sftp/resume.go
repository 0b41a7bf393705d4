package sftp

import (
	"sync"
	"time"
)

// ResumeDirection distinguishes an upload (client WRITE) resume entry from
// a download (client READ) one, since the same path can be mid-transfer in
// both directions under different connections.
type ResumeDirection int

const (
	ResumeUpload ResumeDirection = iota
	ResumeDownload
)

// resumeKey identifies one resumable transfer.
type resumeKey struct {
	path string
	dir  ResumeDirection
}

// ResumeEntry tracks one in-flight transfer's progress so a dropped
// connection can pick back up at the right offset.
type ResumeEntry struct {
	BytesTransferred uint64
	TotalSize        uint64
	Start            time.Time
	LastActivity     time.Time
}

// ResumeTracker is the process-wide (path, direction) -> ResumeEntry map.
// Consulted by OPEN-with-APPEND and resumed READs on the SFTP side; the
// TFTP server does not use it.
type ResumeTracker struct {
	staleTimeout time.Duration

	mu      sync.Mutex
	entries map[resumeKey]*ResumeEntry
}

// DefaultStaleTimeout is the default grace period: an entry untouched for
// an hour is discarded rather than resumed.
const DefaultStaleTimeout = time.Hour

// NewResumeTracker creates a tracker with the given stale timeout. A
// staleTimeout <= 0 uses DefaultStaleTimeout.
func NewResumeTracker(staleTimeout time.Duration) *ResumeTracker {
	if staleTimeout <= 0 {
		staleTimeout = DefaultStaleTimeout
	}
	return &ResumeTracker{staleTimeout: staleTimeout, entries: make(map[resumeKey]*ResumeEntry)}
}

// Resume returns the existing entry for (path, dir) if one exists and
// isn't stale, or starts a fresh one sized to totalSize. The returned
// entry is a copy; callers report progress via Advance.
func (t *ResumeTracker) Resume(path string, dir ResumeDirection, totalSize uint64) ResumeEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := resumeKey{path: path, dir: dir}
	now := time.Now()

	if e, ok := t.entries[key]; ok {
		if now.Sub(e.LastActivity) <= t.staleTimeout {
			return *e
		}
		delete(t.entries, key)
	}

	e := &ResumeEntry{TotalSize: totalSize, Start: now, LastActivity: now}
	t.entries[key] = e
	return *e
}

// Advance records additional bytes transferred for (path, dir).
func (t *ResumeTracker) Advance(path string, dir ResumeDirection, bytes uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := resumeKey{path: path, dir: dir}
	if e, ok := t.entries[key]; ok {
		e.BytesTransferred += bytes
		e.LastActivity = time.Now()
	}
}

// Complete removes the (path, dir) entry, whether the transfer finished
// normally or was cancelled.
func (t *ResumeTracker) Complete(path string, dir ResumeDirection) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, resumeKey{path: path, dir: dir})
}

// CleanStale removes every entry whose last activity exceeds the
// tracker's stale timeout, returning the count removed. Intended to be
// called periodically by the owning server.
func (t *ResumeTracker) CleanStale() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	now := time.Now()
	for k, e := range t.entries {
		if now.Sub(e.LastActivity) > t.staleTimeout {
			delete(t.entries, k)
			removed++
		}
	}
	return removed
}

// Len reports the number of tracked entries, primarily for tests and
// metrics.
func (t *ResumeTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
