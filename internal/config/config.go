// Package config assembles the process-wide configuration: logging,
// metrics, and the TFTP/SFTP subsystem configs, loaded from defaults, a YAML
// file, and environment variables (in that ascending order of precedence),
// the way dittofs's pkg/config loads its own Config.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/pxecore/transferd/internal/logger"
	"github.com/pxecore/transferd/internal/sftp"
	"github.com/pxecore/transferd/internal/tftp"
)

// Config is the transferd process configuration.
//
// Configuration sources, in order of precedence (highest to lowest):
//  1. Environment variables (TRANSFERD_*)
//  2. Configuration file (YAML)
//  3. Default values
//
// Environment variables override only keys that the configuration file
// sets. When no configuration file is found, DefaultConfig is returned and
// the environment is not read.
type Config struct {
	Logging logger.Config `mapstructure:"logging" yaml:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	TFTP TFTPConfig `mapstructure:"tftp" yaml:"tftp"`
	SFTP SFTPConfig `mapstructure:"sftp" yaml:"sftp"`
}

// MetricsConfig configures the Prometheus metrics HTTP endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
}

// TFTPConfig wraps the TFTP subsystem config with an enable switch, since a
// deployment may run only one of the two protocol servers.
type TFTPConfig struct {
	Enabled     bool `mapstructure:"enabled" yaml:"enabled"`
	tftp.Config `mapstructure:",squash" yaml:",inline"`
}

// SFTPConfig wraps the SFTP subsystem config with an enable switch, plus the
// static username-to-UID/GID mappings neither viper nor the SFTP package
// itself needs to know the shape of.
type SFTPConfig struct {
	Enabled     bool `mapstructure:"enabled" yaml:"enabled"`
	sftp.Config `mapstructure:",squash" yaml:",inline"`

	Users    []sftp.UserIdentity `mapstructure:"users" yaml:"users"`
	Fallback sftp.UserIdentity   `mapstructure:"fallback_user" yaml:"fallback_user"`
}

// DefaultConfig returns a Config with both subsystems disabled and
// conservative subsystem defaults, mirroring GetDefaultConfig's role in the
// teacher's config package.
func DefaultConfig() Config {
	return Config{
		Logging: logger.Config{Level: "INFO", Format: "text", Output: "stdout"},
		Metrics: MetricsConfig{Enabled: true, Addr: ":9090"},
		TFTP:    TFTPConfig{Enabled: false, Config: tftp.DefaultConfig()},
		SFTP: SFTPConfig{
			Enabled:  false,
			Config:   sftp.DefaultConfig(),
			Fallback: sftp.UserIdentity{Username: "nobody", UID: 65534, GID: 65534},
		},
	}
}

// Validate enforces that at least one subsystem is enabled and delegates
// the rest to each enabled subsystem's own Validate.
func (c Config) Validate() error {
	if !c.TFTP.Enabled && !c.SFTP.Enabled {
		return fmt.Errorf("config: at least one of tftp.enabled or sftp.enabled must be true")
	}
	if c.TFTP.Enabled {
		if err := c.TFTP.Config.Validate(); err != nil {
			return err
		}
	}
	if c.SFTP.Enabled {
		if err := c.SFTP.Config.Validate(); err != nil {
			return err
		}
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("config: metrics.addr is required when metrics.enabled is true")
	}
	return nil
}

// Load reads configuration from configPath (or the default search path if
// empty), then environment variables, falling back to DefaultConfig for any
// value neither source sets. An environment variable applies only to a key
// present in the file; if no file is found, Load returns DefaultConfig
// without consulting the environment.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if !found {
		return &cfg, nil
	}

	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return &cfg, nil
}

// Save writes cfg to path in YAML, creating parent directories as needed.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: create directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("TRANSFERD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.AddConfigPath(defaultConfigDir())
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("config: read config file: %w", err)
	}
	return true, nil
}

// durationDecodeHook lets the config file express durations as "30s"/"5m"
// strings instead of raw nanosecond integers.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

func defaultConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "transferd")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "transferd")
}

// DefaultConfigPath returns the default configuration file path.
func DefaultConfigPath() string {
	return filepath.Join(defaultConfigDir(), "config.yaml")
}
