package sftp

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/pxecore/transferd/internal/ratelimit"
)

type fakeConnMetadata struct {
	user string
	addr net.Addr
}

func (f fakeConnMetadata) User() string          { return f.user }
func (f fakeConnMetadata) SessionID() []byte     { return []byte("session") }
func (f fakeConnMetadata) ClientVersion() []byte { return []byte("SSH-2.0-test") }
func (f fakeConnMetadata) ServerVersion() []byte { return []byte("SSH-2.0-transferd") }
func (f fakeConnMetadata) RemoteAddr() net.Addr  { return f.addr }
func (f fakeConnMetadata) LocalAddr() net.Addr   { return f.addr }

func newTestTransport(t *testing.T, limiter *ratelimit.Limiter) *Transport {
	t.Helper()
	path := writeAuthorizedKeys(t, testAliceKey)
	set, err := NewAuthorizedKeySet(path, identityForTestUser)
	require.NoError(t, err)

	return &Transport{cfg: TransportConfig{AuthorizedKeys: set, RateLimiter: limiter}}
}

func TestPublicKeyCallbackAcceptsAuthorizedKey(t *testing.T) {
	tr := newTestTransport(t, ratelimit.New(ratelimit.Config{MaxAttempts: 3, Window: time.Minute, LockoutDuration: time.Minute}))
	pubKey, _, _, _, err := ssh.ParseAuthorizedKey([]byte(testAliceKey))
	require.NoError(t, err)

	meta := fakeConnMetadata{user: "alice", addr: &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 4444}}
	perms, err := tr.publicKeyCallback(meta, pubKey)
	require.NoError(t, err)
	assert.Equal(t, "alice", perms.Extensions["username"])
}

func TestPublicKeyCallbackRejectsUnknownKey(t *testing.T) {
	tr := newTestTransport(t, ratelimit.New(ratelimit.Config{MaxAttempts: 3, Window: time.Minute, LockoutDuration: time.Minute}))
	pubKey, _, _, _, err := ssh.ParseAuthorizedKey([]byte(testBobKey))
	require.NoError(t, err)

	meta := fakeConnMetadata{user: "bob", addr: &net.TCPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 4444}}
	_, err = tr.publicKeyCallback(meta, pubKey)
	assert.Error(t, err)
}

// TestPublicKeyCallbackTripsRateLimitAfterRepeatedFailures implements an
// end-to-end SSH rate-limit scenario: repeated failed attempts from one
// address lock it out once the configured attempt ceiling is reached, independent of
// whether the key offered is ever valid.
func TestPublicKeyCallbackTripsRateLimitAfterRepeatedFailures(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Config{MaxAttempts: 3, Window: time.Minute, LockoutDuration: time.Hour})
	tr := newTestTransport(t, limiter)
	pubKey, _, _, _, err := ssh.ParseAuthorizedKey([]byte(testBobKey))
	require.NoError(t, err)

	meta := fakeConnMetadata{user: "bob", addr: &net.TCPAddr{IP: net.IPv4(10, 0, 0, 3), Port: 4444}}

	for i := 0; i < 3; i++ {
		_, err := tr.publicKeyCallback(meta, pubKey)
		assert.Error(t, err)
	}

	_, err = tr.publicKeyCallback(meta, pubKey)
	assert.ErrorContains(t, err, "too many authentication attempts")
}

func TestDecodeSubsystemName(t *testing.T) {
	e := &encoder{}
	e.str("sftp")
	assert.Equal(t, "sftp", decodeSubsystemName(e.buf))
}

func TestDecodeSubsystemNameRejectsTruncatedPayload(t *testing.T) {
	assert.Equal(t, "", decodeSubsystemName([]byte{0, 0}))
}

func TestLoadOrGenerateHostKeyPersistsAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host_key")

	signer1, err := loadOrGenerateHostKey(path)
	require.NoError(t, err)
	assert.True(t, isAllowedHostKeyType(signer1.PublicKey().Type()))

	_, err = os.Stat(path)
	require.NoError(t, err)

	signer2, err := loadOrGenerateHostKey(path)
	require.NoError(t, err)
	assert.Equal(t, signer1.PublicKey().Marshal(), signer2.PublicKey().Marshal())
}
