package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// TestLoad_AllFields verifies that all config fields are parsed correctly from TOML.
func TestLoad_AllFields(t *testing.T) {
	content := `
host = "192.168.1.10"
port = 9400
control_addr = "127.0.0.1:9401"
log_level = "debug"
log_format = "json"
debug = true
auto_start = true
mdns_enabled = true
qr = true
history_db = "/tmp/autox-history.db"
history_limit = 5
`
	tmpFile := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(tmpFile, []byte(content), 0600); err != nil {
		t.Fatalf("Failed to write temp config: %v", err)
	}

	cfg, err := Load(tmpFile)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Host != "192.168.1.10" {
		t.Errorf("Host = %q, want %q", cfg.Host, "192.168.1.10")
	}
	if cfg.Port != 9400 {
		t.Errorf("Port = %d, want %d", cfg.Port, 9400)
	}
	if cfg.ControlAddr != "127.0.0.1:9401" {
		t.Errorf("ControlAddr = %q", cfg.ControlAddr)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if cfg.LogFormat != "json" {
		t.Errorf("LogFormat = %q, want %q", cfg.LogFormat, "json")
	}
	if !cfg.Debug {
		t.Error("Debug = false, want true")
	}
	if !cfg.AutoStart {
		t.Error("AutoStart = false, want true")
	}
	if !cfg.MdnsEnabled {
		t.Error("MdnsEnabled = false, want true")
	}
	if !cfg.QR {
		t.Error("QR = false, want true")
	}
	if cfg.HistoryDB != "/tmp/autox-history.db" {
		t.Errorf("HistoryDB = %q", cfg.HistoryDB)
	}
	if cfg.HistoryLimit != 5 {
		t.Errorf("HistoryLimit = %d, want 5", cfg.HistoryLimit)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error: %v", err)
	}
}

// TestLoad_PartialConfig verifies that unset fields stay zero until defaults are applied.
func TestLoad_PartialConfig(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(tmpFile, []byte(`port = 9500`), 0600); err != nil {
		t.Fatalf("Failed to write temp config: %v", err)
	}

	cfg, err := Load(tmpFile)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Host != "" || cfg.LogLevel != "" {
		t.Errorf("unset fields should be empty, got host=%q level=%q", cfg.Host, cfg.LogLevel)
	}

	cfg.ApplyDefaults()
	if cfg.Host != DefaultHost {
		t.Errorf("Host = %q, want %q", cfg.Host, DefaultHost)
	}
	if cfg.Port != 9500 {
		t.Errorf("Port = %d, want 9500", cfg.Port)
	}
	if cfg.ControlAddr != "127.0.0.1:9500" {
		t.Errorf("ControlAddr = %q, want 127.0.0.1:9500", cfg.ControlAddr)
	}
	if cfg.HistoryLimit != DefaultHistoryLimit {
		t.Errorf("HistoryLimit = %d", cfg.HistoryLimit)
	}
	if cfg.ListenAddr() != "0.0.0.0:9500" {
		t.Errorf("ListenAddr() = %q", cfg.ListenAddr())
	}
}

// TestLoad_ExplicitPath_NotFound verifies that an explicit missing path is an error.
func TestLoad_ExplicitPath_NotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err == nil {
		t.Fatal("Load() expected error for missing explicit path")
	}
	if !strings.Contains(err.Error(), "config file not found") {
		t.Errorf("unexpected error: %v", err)
	}
}

// TestLoad_EmptyPath_NoDefaultFile verifies that a missing default file is not an error.
func TestLoad_EmptyPath_NoDefaultFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error: %v", err)
	}
	if cfg.Port != 0 {
		t.Errorf("Port = %d, want 0", cfg.Port)
	}
}

// TestLoad_EmptyPath_DefaultFileExists verifies that an empty path loads
// from the default location when the file exists.
func TestLoad_EmptyPath_DefaultFileExists(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	configDir := filepath.Join(tmpHome, ".autox")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(configDir, "config.toml"), []byte(`port = 9777`), 0600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error: %v", err)
	}
	if cfg.Port != 9777 {
		t.Errorf("Port = %d, want 9777", cfg.Port)
	}
}

// TestLoad_InvalidTOML verifies that a parse error is returned for invalid TOML.
func TestLoad_InvalidTOML(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(tmpFile, []byte("host = \"missing quote\n"), 0600); err != nil {
		t.Fatalf("Failed to write temp config: %v", err)
	}

	if _, err := Load(tmpFile); err == nil {
		t.Error("Load() expected error for invalid TOML, got nil")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"port zero", func(c *Config) { c.Port = 0 }, "invalid port"},
		{"port too large", func(c *Config) { c.Port = 70000 }, "invalid port"},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, "invalid log_level"},
		{"bad format", func(c *Config) { c.LogFormat = "xml" }, "invalid log_format"},
		{"bad control addr", func(c *Config) { c.ControlAddr = "nocolon" }, "invalid control_addr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.ApplyDefaults()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestHistoryEnabled(t *testing.T) {
	cfg := &Config{HistoryDB: HistoryDisabled}
	if cfg.HistoryEnabled() {
		t.Error("history_db = off should disable history")
	}
	cfg.HistoryDB = "/tmp/h.db"
	if !cfg.HistoryEnabled() {
		t.Error("history should be enabled with a path")
	}
}

// TestDefaultConfigPath verifies the default config path format.
func TestDefaultConfigPath(t *testing.T) {
	path, err := DefaultConfigPath()
	if err != nil {
		t.Fatalf("DefaultConfigPath() error: %v", err)
	}
	if !strings.HasSuffix(path, filepath.Join(".autox", "config.toml")) {
		t.Errorf("DefaultConfigPath() = %q, want suffix .autox/config.toml", path)
	}
}

// TestWriteDefault_CreatesFile verifies the written file loads and validates.
func TestWriteDefault_CreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault() error: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("config file not created: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("permissions = %o, want 0600", info.Mode().Perm())
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Port != DefaultPort || !cfg.AutoStart || !cfg.QR {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error: %v", err)
	}
}

// TestWriteDefault_NoOverwrite verifies an existing file is left alone.
func TestWriteDefault_NoOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	original := "port = 1234\n"
	if err := os.WriteFile(path, []byte(original), 0600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault() error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if string(data) != original {
		t.Errorf("WriteDefault() overwrote existing file: %q", data)
	}
}
