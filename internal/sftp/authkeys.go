package sftp

import (
	"bytes"
	"fmt"
	"os"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/pxecore/transferd/internal/xerrors"
)

// AuthorizedKeySet is a reloadable set of authorized public keys, indexed by
// SHA256 fingerprint for constant-time lookup during the SSH handshake. A
// set is safe to read (Lookup) from any number of handshake goroutines
// while a concurrent Reload swaps it out.
type AuthorizedKeySet struct {
	path string

	mu      sync.RWMutex
	byPrint map[string]UserIdentity
}

// NewAuthorizedKeySet loads path once and returns a set ready for Lookup.
// Each line maps to the UserIdentity named by identityForUser, since the
// authorized_keys file alone carries no UID/GID information.
func NewAuthorizedKeySet(path string, identityForUser func(username string) UserIdentity) (*AuthorizedKeySet, error) {
	s := &AuthorizedKeySet{path: path}
	if err := s.Reload(identityForUser); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the authorized_keys file from disk, replacing the set's
// contents atomically. Malformed lines are skipped rather than failing the
// whole load, matching how OpenSSH itself tolerates comments/blank lines.
func (s *AuthorizedKeySet) Reload(identityForUser func(username string) UserIdentity) error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return xerrors.Wrap(xerrors.KindIO, "read authorized_keys", err)
	}

	next := make(map[string]UserIdentity)
	rest := data
	for len(rest) > 0 {
		pubKey, comment, _, tail, err := ssh.ParseAuthorizedKey(rest)
		if err != nil {
			// skip the offending line and keep parsing the rest, matching
			// OpenSSH's own tolerance for comments/blank/malformed lines.
			nl := bytes.IndexByte(rest, '\n')
			if nl == -1 {
				break
			}
			rest = rest[nl+1:]
			continue
		}
		rest = tail

		username := comment
		if username == "" {
			username = "default"
		}
		next[ssh.FingerprintSHA256(pubKey)] = identityForUser(username)
	}

	s.mu.Lock()
	s.byPrint = next
	s.mu.Unlock()
	return nil
}

// Lookup reports whether key's fingerprint is authorized and, if so, the
// identity it maps to.
func (s *AuthorizedKeySet) Lookup(key ssh.PublicKey) (UserIdentity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byPrint[ssh.FingerprintSHA256(key)]
	return id, ok
}

// Len reports the number of authorized keys currently loaded.
func (s *AuthorizedKeySet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byPrint)
}

func (s *AuthorizedKeySet) String() string {
	return fmt.Sprintf("AuthorizedKeySet(%s, %d keys)", s.path, s.Len())
}
