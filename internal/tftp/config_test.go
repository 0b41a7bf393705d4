package tftp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRejectsRelativeRootDir(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RootDir = "relative/path"
	err := cfg.Validate()
	assert.Error(t, err)
}

func TestValidateRejectsMissingRootDir(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RootDir = "/nonexistent/definitely/not/here"
	err := cfg.Validate()
	assert.Error(t, err)
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RootDir = t.TempDir()
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsZeroPort(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RootDir = t.TempDir()
	cfg.BindAddr = ":0"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsMulticastVersionMismatch(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RootDir = t.TempDir()
	cfg.Multicast.Enabled = true
	cfg.Multicast.MulticastAddr = "224.0.1.1"
	cfg.Multicast.MulticastIPVersion = 6
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsNonMulticastAddress(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RootDir = t.TempDir()
	cfg.Multicast.Enabled = true
	cfg.Multicast.MulticastAddr = "10.0.0.1"
	cfg.Multicast.MulticastIPVersion = 4
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsWriteEnabledWithNoPatterns(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RootDir = t.TempDir()
	cfg.WriteConfig.Enabled = true
	assert.Error(t, cfg.Validate())
}

func TestValidateAcceptsWriteEnabledWithSpecificPattern(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RootDir = t.TempDir()
	cfg.WriteConfig.Enabled = true
	cfg.WriteConfig.AllowedPatterns = []string{"fw/*.bin"}
	assert.NoError(t, cfg.Validate())
}
