package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFallsBackToDefaultsWhenNoFileExists(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Logging, cfg.Logging)
}

func TestLoadReadsExplicitConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
logging:
  level: DEBUG
  format: json
  output: stdout

tftp:
  enabled: true
  root_dir: /srv/tftp
  bind_addr: ":6969"

sftp:
  enabled: false
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.True(t, cfg.TFTP.Enabled)
	assert.Equal(t, "/srv/tftp", cfg.TFTP.RootDir)
	assert.Equal(t, ":6969", cfg.TFTP.BindAddr)
	assert.False(t, cfg.SFTP.Enabled)
}

func TestValidateRejectsBothSubsystemsDisabled(t *testing.T) {
	cfg := DefaultConfig()
	assert.Error(t, cfg.Validate())
}

func TestValidateAcceptsTFTPOnlyConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TFTP.Enabled = true
	cfg.TFTP.RootDir = t.TempDir()
	require.NoError(t, cfg.Validate())
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TFTP.Enabled = true
	cfg.TFTP.RootDir = t.TempDir()

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, Save(&cfg, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.TFTP.RootDir, loaded.TFTP.RootDir)
	assert.True(t, loaded.TFTP.Enabled)
}
