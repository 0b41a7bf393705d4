package tftp

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"
)

// Config is the TFTP subsystem's static configuration, decoded from the
// top-level process config by internal/config.
type Config struct {
	RootDir  string `mapstructure:"root_dir" yaml:"root_dir"`
	BindAddr string `mapstructure:"bind_addr" yaml:"bind_addr"`

	WriteConfig WriteConfig       `mapstructure:"write_config" yaml:"write_config"`
	Multicast   MulticastConfig   `mapstructure:"multicast" yaml:"multicast"`
	Performance PerformanceConfig `mapstructure:"performance" yaml:"performance"`
}

// PerformanceConfig holds the tunables named in the wire/perf section:
// default block and window sizes, the buffer pool's pre-warmed size, the
// threshold above which octet reads stream from disk instead of staging
// whole-file, and the audit sampling rate for high-volume events.
type PerformanceConfig struct {
	DefaultBlockSize   int     `mapstructure:"default_block_size" yaml:"default_block_size"`
	DefaultWindowsize  int     `mapstructure:"default_windowsize" yaml:"default_windowsize"`
	BufferPoolSize     int     `mapstructure:"buffer_pool_size" yaml:"buffer_pool_size"`
	StreamingThreshold int64   `mapstructure:"streaming_threshold" yaml:"streaming_threshold"`
	AuditSamplingRate  float64 `mapstructure:"audit_sampling_rate" yaml:"audit_sampling_rate"`
}

// DefaultConfig returns the conventional TFTP defaults: UDP/69, no write
// support, multicast disabled.
func DefaultConfig() Config {
	return Config{
		BindAddr: ":69",
		WriteConfig: WriteConfig{
			Enabled: false,
		},
		Multicast: MulticastConfig{
			Enabled:           false,
			MulticastAddr:     "224.0.1.1",
			MulticastIPVersion: 4,
			MulticastPort:     1758,
			MaxClients:        32,
			MasterTimeout:     30 * time.Second,
			RetransmitTimeout: 2 * time.Second,
		},
		Performance: PerformanceConfig{
			DefaultBlockSize:   512,
			DefaultWindowsize:  1,
			BufferPoolSize:     64,
			StreamingThreshold: 8 << 20,
			AuditSamplingRate:  1.0,
		},
	}
}

// Validate enforces the startup-fails-hard rules: relative root_dir,
// non-existent directory, port 0, a multicast IP version that doesn't
// match the configured multicast address family, and a write policy
// enabled with no (or overly permissive) patterns.
func (c Config) Validate() error {
	if err := validateRootDir(c.RootDir); err != nil {
		return err
	}
	if err := validateBindAddr(c.BindAddr); err != nil {
		return err
	}
	if c.Multicast.Enabled {
		if err := validateMulticastAddr(c.Multicast); err != nil {
			return err
		}
	}
	if _, err := NewWritePolicy(c.WriteConfig); err != nil {
		return err
	}
	return nil
}

func validateRootDir(root string) error {
	if root == "" {
		return fmt.Errorf("tftp: root_dir is required")
	}
	if !filepath.IsAbs(root) {
		return fmt.Errorf("tftp: root_dir %q must be absolute", root)
	}
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("tftp: root_dir %q: %w", root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("tftp: root_dir %q is not a directory", root)
	}
	return nil
}

func validateBindAddr(bindAddr string) error {
	_, portStr, err := net.SplitHostPort(bindAddr)
	if err != nil {
		return fmt.Errorf("tftp: bind_addr %q: %w", bindAddr, err)
	}
	if portStr == "0" {
		return fmt.Errorf("tftp: bind_addr port must not be 0")
	}
	return nil
}

func validateMulticastAddr(mc MulticastConfig) error {
	ip := net.ParseIP(mc.MulticastAddr)
	if ip == nil {
		return fmt.Errorf("tftp: multicast_addr %q is not a valid IP", mc.MulticastAddr)
	}
	isV4 := ip.To4() != nil
	switch mc.MulticastIPVersion {
	case 4:
		if !isV4 {
			return fmt.Errorf("tftp: multicast_ip_version=4 but multicast_addr %q is IPv6", mc.MulticastAddr)
		}
	case 6:
		if isV4 {
			return fmt.Errorf("tftp: multicast_ip_version=6 but multicast_addr %q is IPv4", mc.MulticastAddr)
		}
	default:
		return fmt.Errorf("tftp: multicast_ip_version must be 4 or 6, got %d", mc.MulticastIPVersion)
	}
	if !ip.IsMulticast() {
		return fmt.Errorf("tftp: multicast_addr %q is not a multicast address", mc.MulticastAddr)
	}
	if mc.MulticastPort <= 0 || mc.MulticastPort > 65535 {
		return fmt.Errorf("tftp: multicast_port %d out of range", mc.MulticastPort)
	}
	return nil
}
