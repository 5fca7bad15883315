package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the gateway configuration
type Config struct {
	Service  ServiceConfig  `toml:"service"`
	Backend  BackendConfig  `toml:"backend"`
	Features FeaturesConfig `toml:"features"`
	Logging  LoggingConfig  `toml:"logging"`
	Storage  StorageConfig  `toml:"storage"`

	// Path is the file this config was loaded from. It is handed to spawned
	// backend processes on their command line.
	Path string `toml:"-"`
}

// ServiceConfig contains the XMPP-side settings
type ServiceConfig struct {
	// JID is the gateway's XMPP domain.
	JID string `toml:"jid"`

	// Server and Port locate the upstream XMPP server in component mode, or
	// the bind address in server mode.
	Server string `toml:"server"`
	Port   int    `toml:"port"`

	// ServerMode runs the gateway as a standalone XMPP server instead of an
	// external component.
	ServerMode bool `toml:"server_mode"`

	// Password is the XEP-0114 component handshake secret.
	Password string `toml:"password"`

	// Backend is the path to the backend executable.
	Backend string `toml:"backend"`

	// Cert and CertPassword optionally select a PKCS#12 bundle for TLS.
	Cert         string `toml:"cert"`
	CertPassword string `toml:"cert_password"`

	// JIDEscaping selects XEP-0106 node escaping for legacy names; when
	// false the last @ is rewritten to % instead.
	JIDEscaping bool `toml:"jid_escaping"`
}

// BackendConfig contains the local backend RPC settings
type BackendConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// FeaturesConfig contains optional feature toggles
type FeaturesConfig struct {
	// RawXML enables raw-IQ passthrough.
	RawXML bool `toml:"rawxml"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level   string `toml:"level"`
	File    string `toml:"file"`
	Console bool   `toml:"console"`
}

// StorageConfig contains storage settings
type StorageConfig struct {
	// Database is the sqlite file holding users, buddies and settings.
	Database string `toml:"database"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Server:      "localhost",
			Port:        5347,
			JIDEscaping: true,
		},
		Backend: BackendConfig{
			Host: "localhost",
			Port: 10000,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
		},
		Storage: StorageConfig{
			Database: "transgate.db",
		},
	}
}

// Load reads and validates the configuration file at path
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	cfg.Path = abs

	cfg.Logging.File = expandPath(cfg.Logging.File)
	cfg.Storage.Database = expandPath(cfg.Storage.Database)
	cfg.Service.Cert = expandPath(cfg.Service.Cert)
	cfg.Service.Backend = expandPath(cfg.Service.Backend)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the settings the gateway cannot run without
func (c *Config) Validate() error {
	if c.Service.JID == "" {
		return fmt.Errorf("config: service.jid is required")
	}
	if c.Service.Backend == "" {
		return fmt.Errorf("config: service.backend is required")
	}
	if !c.Service.ServerMode && c.Service.Password == "" {
		return fmt.Errorf("config: service.password is required in component mode")
	}
	if c.Service.Cert != "" {
		if _, err := os.Stat(c.Service.Cert); err != nil {
			return fmt.Errorf("config: service.cert: %w", err)
		}
	}
	return nil
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
