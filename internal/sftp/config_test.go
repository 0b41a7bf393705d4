package sftp

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writableAuthorizedKeysPath(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "authorized_keys")
	require.NoError(t, os.WriteFile(path, []byte(testAliceKey+"\n"), 0o600))
	return path
}

func TestSFTPValidateRejectsRelativeRootDir(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RootDir = "relative/path"
	cfg.AuthorizedKeysPath = writableAuthorizedKeysPath(t)
	assert.Error(t, cfg.Validate())
}

func TestSFTPValidateRejectsMissingRootDir(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RootDir = "/nonexistent/definitely/not/here"
	cfg.AuthorizedKeysPath = writableAuthorizedKeysPath(t)
	assert.Error(t, cfg.Validate())
}

func TestSFTPValidateAcceptsWellFormedConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RootDir = t.TempDir()
	cfg.AuthorizedKeysPath = writableAuthorizedKeysPath(t)
	require.NoError(t, cfg.Validate())
}

func TestSFTPValidateRejectsZeroPort(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RootDir = t.TempDir()
	cfg.AuthorizedKeysPath = writableAuthorizedKeysPath(t)
	cfg.BindAddr = ":0"
	assert.Error(t, cfg.Validate())
}

func TestSFTPValidateRejectsMissingAuthorizedKeysFile(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RootDir = t.TempDir()
	cfg.AuthorizedKeysPath = filepath.Join(t.TempDir(), "does_not_exist")
	assert.Error(t, cfg.Validate())
}

func TestSFTPValidateRejectsNonPositiveRateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RootDir = t.TempDir()
	cfg.AuthorizedKeysPath = writableAuthorizedKeysPath(t)
	cfg.RateLimit.MaxAttempts = 0
	assert.Error(t, cfg.Validate())
}

func TestSFTPValidateRejectsNonPositiveConnectionCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RootDir = t.TempDir()
	cfg.AuthorizedKeysPath = writableAuthorizedKeysPath(t)
	cfg.ConnectionTracker.MaxConnectionsPerUser = 0
	assert.Error(t, cfg.Validate())
}
