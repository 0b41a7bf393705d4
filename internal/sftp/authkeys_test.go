package sftp

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

const testAliceKey = "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAICrN98t5Ql+XE/3hhbIq4Wu/i5hRkUQDI99/Ot+z0thY alice"
const testBobKey = "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIL5pdLKvUPxIDH/KXTNCaanmVC7eVAHamG6Hswl6ZuLY bob"

func writeAuthorizedKeys(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "authorized_keys")
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func identityForTestUser(username string) UserIdentity {
	return UserIdentity{Username: username, UID: 1000, GID: 1000}
}

func TestAuthorizedKeySetAcceptsKnownKey(t *testing.T) {
	path := writeAuthorizedKeys(t, testAliceKey)
	set, err := NewAuthorizedKeySet(path, identityForTestUser)
	require.NoError(t, err)
	assert.Equal(t, 1, set.Len())

	pubKey, _, _, _, err := ssh.ParseAuthorizedKey([]byte(testAliceKey))
	require.NoError(t, err)

	id, ok := set.Lookup(pubKey)
	require.True(t, ok)
	assert.Equal(t, "alice", id.Username)
}

func TestAuthorizedKeySetRejectsUnknownKey(t *testing.T) {
	path := writeAuthorizedKeys(t, testAliceKey)
	set, err := NewAuthorizedKeySet(path, identityForTestUser)
	require.NoError(t, err)

	pubKey, _, _, _, err := ssh.ParseAuthorizedKey([]byte(testBobKey))
	require.NoError(t, err)

	_, ok := set.Lookup(pubKey)
	assert.False(t, ok)
}

func TestAuthorizedKeySetReloadPicksUpAddedKey(t *testing.T) {
	path := writeAuthorizedKeys(t, testAliceKey)
	set, err := NewAuthorizedKeySet(path, identityForTestUser)
	require.NoError(t, err)
	assert.Equal(t, 1, set.Len())

	require.NoError(t, os.WriteFile(path, []byte(testAliceKey+"\n"+testBobKey+"\n"), 0o600))
	require.NoError(t, set.Reload(identityForTestUser))
	assert.Equal(t, 2, set.Len())

	pubKey, _, _, _, err := ssh.ParseAuthorizedKey([]byte(testBobKey))
	require.NoError(t, err)
	_, ok := set.Lookup(pubKey)
	assert.True(t, ok)
}

func TestAuthorizedKeySetSkipsMalformedLines(t *testing.T) {
	path := writeAuthorizedKeys(t, "not a valid key line", testAliceKey)
	set, err := NewAuthorizedKeySet(path, identityForTestUser)
	require.NoError(t, err)
	assert.Equal(t, 1, set.Len())
}
