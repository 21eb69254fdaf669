// Package config provides TOML configuration file loading and parsing for the hub.
// The configuration file lives at ~/.autox/config.toml by default, but can be
// overridden with the --config flag. CLI flags always take precedence over file values.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"

	"github.com/gaomanyi/AutoXPlugin/internal/logging"
)

// Config represents the hub configuration file structure.
// Field names use Go camelCase internally but map to snake_case in TOML files
// via struct tags.
type Config struct {
	// Host is the interface the device endpoint binds to.
	// Default: 0.0.0.0 (devices connect over the LAN)
	Host string `toml:"host"`

	// Port is the WebSocket port devices connect to.
	// Default: 9317, the port the AutoX app expects
	Port int `toml:"port"`

	// ControlAddr is where CLI commands reach the hub's local API.
	// Default: 127.0.0.1:<port>
	ControlAddr string `toml:"control_addr"`

	// LogLevel controls logging verbosity: debug, info, warn, error.
	// Default: info
	LogLevel string `toml:"log_level"`

	// LogFormat selects console or json log output.
	// Default: console
	LogFormat string `toml:"log_format"`

	// Debug is reported to devices in the handshake acknowledgement.
	Debug bool `toml:"debug"`

	// AutoStart lets 'autox up' start the hub without --force.
	// Default: false
	AutoStart bool `toml:"auto_start"`

	// MdnsEnabled advertises the hub on the local network as _autox._tcp.
	// Default: false
	MdnsEnabled bool `toml:"mdns_enabled"`

	// QR prints the hub URL as a QR code at startup.
	// Default: false
	QR bool `toml:"qr"`

	// HistoryDB is the SQLite file recording device connections.
	// Default: ~/.autox/history.db. Set to "off" to disable.
	HistoryDB string `toml:"history_db"`

	// HistoryLimit is how many recently connected devices are kept.
	// Default: 20
	HistoryLimit int `toml:"history_limit"`
}

// DefaultDir returns ~/.autox.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".autox"), nil
}

// DefaultConfigPath returns the default config file location: ~/.autox/config.toml.
// Returns an error only if the user's home directory cannot be determined.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// DefaultHistoryPath returns the default history database: ~/.autox/history.db.
func DefaultHistoryPath() (string, error) {
	dir, err := DefaultDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "history.db"), nil
}

// WriteDefault creates a config file with LAN-ready defaults at the given path.
//
// Behavior:
//   - If the file already exists, returns without error (does not overwrite).
//   - Creates the parent directory if it doesn't exist.
//   - Returns an error if the file cannot be written.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content := fmt.Sprintf(`# autox hub configuration

# Devices connect to ws://<this machine's LAN IP>:<port>
host = %q
port = %d

log_level = "info"

# Start serving on 'autox up' without --force
auto_start = true

# Advertise the hub on the LAN and print its URL as a QR code
mdns_enabled = false
qr = true
`, DefaultHost, DefaultPort)

	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Load reads a TOML config file from the given path and returns a Config.
//
// Behavior:
//   - If path is empty, attempts to load from the default location (~/.autox/config.toml).
//     Returns an empty Config without error if the default file doesn't exist.
//   - If path is specified, returns an error if the file doesn't exist.
//   - Returns an error if the file exists but cannot be parsed.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return cfg, nil
		}
		if _, err := os.Stat(defaultPath); os.IsNotExist(err) {
			return cfg, nil
		}
		path = defaultPath
	} else {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return cfg, nil
}

// ApplyDefaults fills every zero-valued field with its default.
func (c *Config) ApplyDefaults() {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.ControlAddr == "" {
		c.ControlAddr = net.JoinHostPort("127.0.0.1", strconv.Itoa(c.Port))
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = logging.FormatConsole
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	if c.HistoryDB == "" {
		if p, err := DefaultHistoryPath(); err == nil {
			c.HistoryDB = p
		}
	}
}

// HistoryEnabled reports whether connection history should be recorded.
func (c *Config) HistoryEnabled() bool {
	return c.HistoryDB != "" && c.HistoryDB != HistoryDisabled
}

// ListenAddr is the host:port the device endpoint binds to.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be between 1 and 65535", c.Port)
	}
	if _, ok := logging.ParseLevel(c.LogLevel); !ok {
		return fmt.Errorf("invalid log_level %q: use debug, info, warn or error", c.LogLevel)
	}
	switch c.LogFormat {
	case "", logging.FormatConsole, logging.FormatJSON:
	default:
		return fmt.Errorf("invalid log_format %q: use console or json", c.LogFormat)
	}
	if c.ControlAddr != "" {
		if _, _, err := net.SplitHostPort(c.ControlAddr); err != nil {
			return fmt.Errorf("invalid control_addr %q: %w", c.ControlAddr, err)
		}
	}
	return nil
}
