// Package connlimit implements per-principal concurrent-session counting
// with admission control, used to cap how many SFTP connections a single
// authenticated user may hold open at once.
package connlimit

import (
	"sync"

	"github.com/google/uuid"
)

// Stats is a point-in-time snapshot returned by GetStats.
type Stats struct {
	Users int
	Total int
}

// Tracker enforces MaxPerUser concurrent connections per principal.
// RegisterConnection is a single critical section: concurrent
// registrations for the same user beyond the limit are rejected atomically.
type Tracker struct {
	maxPerUser int

	mu    sync.Mutex
	conns map[string][]string // user -> connection ids
}

// New creates a Tracker with the given per-user connection cap.
func New(maxPerUser int) *Tracker {
	return &Tracker{
		maxPerUser: maxPerUser,
		conns:      make(map[string][]string),
	}
}

// CanConnect reports whether user currently has room for another
// connection. This is advisory only; RegisterConnection is authoritative
// since it performs the check-and-insert atomically.
func (t *Tracker) CanConnect(user string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxPerUser <= 0 || len(t.conns[user]) < t.maxPerUser
}

// RegisterConnection atomically checks the current count against the limit
// and, if there's room, allocates and records a new connection id. Returns
// ("", false) when the user is already at the limit.
func (t *Tracker) RegisterConnection(user string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.maxPerUser > 0 && len(t.conns[user]) >= t.maxPerUser {
		return "", false
	}

	id := uuid.NewString()
	t.conns[user] = append(t.conns[user], id)
	return id, true
}

// UnregisterConnection removes id from user's active set. Idempotent:
// calling it twice for the same id has the same effect as calling it once.
func (t *Tracker) UnregisterConnection(user, id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := t.conns[user]
	for i, existing := range ids {
		if existing == id {
			t.conns[user] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(t.conns[user]) == 0 {
		delete(t.conns, user)
	}
}

// GetConnectionCount returns the number of connections currently registered
// for user.
func (t *Tracker) GetConnectionCount(user string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns[user])
}

// GetStats returns a snapshot of the number of distinct users with at least
// one connection and the total connection count across all users.
func (t *Tracker) GetStats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	total := 0
	for _, ids := range t.conns {
		total += len(ids)
	}
	return Stats{Users: len(t.conns), Total: total}
}
