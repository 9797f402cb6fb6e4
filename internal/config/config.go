// Package config provides configuration loading for brokerd.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (BROKERD_SOCKET, BROKERD_LOG, BROKERD_*)
//  2. YAML config file (<root>/config.yaml)
//  3. Hardcoded defaults
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// AppDirName is the per-user data directory under ~/.config.
const AppDirName = "brokerd"

// Config holds the complete brokerd configuration.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Paths       PathsConfig       `koanf:"paths"`
	Logging     LoggingConfig     `koanf:"logging"`
	HTTP        HTTPConfig        `koanf:"http"`
	Script      ScriptConfig      `koanf:"script"`
	Auth        AuthConfig        `koanf:"auth"`
	Permissions PermissionsConfig `koanf:"permissions"`
}

// ServerConfig holds socket server settings.
type ServerConfig struct {
	Name string `koanf:"name"`
	// SocketPath overrides the default <root>/brokerd.sock endpoint.
	SocketPath      string   `koanf:"socket_path"`
	MaxLineBytes    int      `koanf:"max_line_bytes"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	StartupDelay    Duration `koanf:"startup_delay"`
}

// PathsConfig holds the user-data directory layout.
type PathsConfig struct {
	Root      string `koanf:"root"`
	Manifests string `koanf:"manifests"`
	Auth      string `koanf:"auth"`
	Scripts   string `koanf:"scripts"`
	Logs      string `koanf:"logs"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	// File enables rolling file output under <root>/logs.
	File        bool `koanf:"file"`
	FileMaxMB   int  `koanf:"file_max_mb"`
	FileBackups int  `koanf:"file_backups"`
	FileMaxDays int  `koanf:"file_max_days"`
}

// HTTPConfig holds outbound HTTP client settings for proxy dispatch.
type HTTPConfig struct {
	RequestTimeout Duration `koanf:"request_timeout"`
	ConnectTimeout Duration `koanf:"connect_timeout"`
	// RateLimit caps outbound requests per second per upstream host;
	// zero or negative disables local rate limiting.
	RateLimit float64 `koanf:"rate_limit"`
	RateBurst int     `koanf:"rate_burst"`
}

// ScriptConfig holds script dispatch settings.
type ScriptConfig struct {
	Timeout Duration `koanf:"timeout"`
	// LocalExecTimeout bounds local OS automation subprocess calls.
	LocalExecTimeout Duration `koanf:"local_exec_timeout"`
}

// AuthConfig holds auth broker settings.
type AuthConfig struct {
	RefreshInterval Duration `koanf:"refresh_interval"`
	RefreshWindow   Duration `koanf:"refresh_window"`
	ExpirySkew      Duration `koanf:"expiry_skew"`
	GogPassphrase   Secret   `koanf:"gog_passphrase"`
}

// PermissionsConfig maps method namespaces to OS permission gates.
//
// The exempt list enumerates namespaces that never require an OS permission.
// Keeping it in configuration rather than code makes the bypass set auditable.
type PermissionsConfig struct {
	Gate   map[string]string `koanf:"gate"`
	Exempt []string          `koanf:"exempt"`
}

// Exempted reports whether a namespace bypasses the permission gate.
func (p *PermissionsConfig) Exempted(namespace string) bool {
	for _, ns := range p.Exempt {
		if ns == namespace {
			return true
		}
	}
	return false
}

// Default returns the default configuration rooted under the user's home.
func Default() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	root := filepath.Join(home, ".config", AppDirName)
	return defaultWithRoot(root), nil
}

func defaultWithRoot(root string) *Config {
	return &Config{
		Server: ServerConfig{
			Name:            "brokerd",
			SocketPath:      filepath.Join(root, "brokerd.sock"),
			MaxLineBytes:    4 * 1024 * 1024,
			ShutdownTimeout: Duration(10 * time.Second),
			StartupDelay:    Duration(250 * time.Millisecond),
		},
		Paths: PathsConfig{
			Root:      root,
			Manifests: filepath.Join(root, "manifests"),
			Auth:      filepath.Join(root, "auth"),
			Scripts:   filepath.Join(root, "scripts"),
			Logs:      filepath.Join(root, "logs"),
		},
		Logging: LoggingConfig{
			Level:       "info",
			Format:      "json",
			File:        true,
			FileMaxMB:   20,
			FileBackups: 3,
			FileMaxDays: 14,
		},
		HTTP: HTTPConfig{
			RequestTimeout: Duration(30 * time.Second),
			ConnectTimeout: Duration(10 * time.Second),
			RateLimit:      10,
			RateBurst:      20,
		},
		Script: ScriptConfig{
			Timeout:          Duration(60 * time.Second),
			LocalExecTimeout: Duration(15 * time.Second),
		},
		Auth: AuthConfig{
			RefreshInterval: Duration(60 * time.Second),
			RefreshWindow:   Duration(5 * time.Minute),
			ExpirySkew:      Duration(60 * time.Second),
		},
		Permissions: PermissionsConfig{
			Gate: map[string]string{
				"contacts":  "contacts",
				"calendar":  "calendar",
				"reminders": "reminders",
				"messages":  "full_disk_access",
				"mail":      "automation",
				"photos":    "photos",
				"screen":    "screen_recording",
			},
			Exempt: []string{"auth", "permissions", "config", "server", "log"},
		},
	}
}

// Validate checks the configuration for fatal inconsistencies.
func (c *Config) Validate() error {
	if c.Server.SocketPath == "" {
		return fmt.Errorf("server.socket_path must not be empty")
	}
	if c.Server.MaxLineBytes <= 0 {
		return fmt.Errorf("server.max_line_bytes must be positive, got %d", c.Server.MaxLineBytes)
	}
	if c.Paths.Root == "" {
		return fmt.Errorf("paths.root must not be empty")
	}
	if c.HTTP.RequestTimeout.Duration() <= 0 {
		return fmt.Errorf("http.request_timeout must be positive")
	}
	if c.Script.Timeout.Duration() <= 0 {
		return fmt.Errorf("script.timeout must be positive")
	}
	if c.Auth.RefreshInterval.Duration() <= 0 {
		return fmt.Errorf("auth.refresh_interval must be positive")
	}
	for ns, perm := range c.Permissions.Gate {
		if ns == "" || perm == "" {
			return fmt.Errorf("permissions.gate entries must be non-empty, got %q -> %q", ns, perm)
		}
	}
	return nil
}

// EnsureDirs creates the user-data directory layout with owner-only modes.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.Paths.Root, c.Paths.Manifests, c.Paths.Auth, c.Paths.Scripts, c.Paths.Logs} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
