package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const maxConfigFileSize = 1024 * 1024 // 1MB

// Load loads configuration from <root>/config.yaml overlaid with environment
// variables. A missing config file is not an error; defaults apply.
//
// Environment mapping: variables prefixed BROKERD_ are lowercased and mapped
// onto dotted config keys with the first underscore as the separator, e.g.
//
//	BROKERD_SERVER_SOCKET_PATH -> server.socket_path
//	BROKERD_LOGGING_LEVEL      -> logging.level
//
// Two short-form variables are recognized for operator convenience:
//
//	BROKERD_SOCKET -> server.socket_path
//	BROKERD_LOG    -> logging.level
func Load() (*Config, error) {
	cfg, err := Default()
	if err != nil {
		return nil, err
	}
	return loadInto(cfg, filepath.Join(cfg.Paths.Root, "config.yaml"))
}

// LoadWithRoot loads configuration rooted at the given directory. Used by
// tests and by deployments that relocate the data directory wholesale.
func LoadWithRoot(root string) (*Config, error) {
	cfg := defaultWithRoot(root)
	return loadInto(cfg, filepath.Join(root, "config.yaml"))
}

func loadInto(cfg *Config, configPath string) (*Config, error) {
	k := koanf.New(".")

	if _, err := os.Stat(configPath); err == nil {
		// Open once and validate through the descriptor to avoid a TOCTOU race.
		f, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("open config file: %w", err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("stat config file: %w", err)
		}
		if err := validateConfigFileProperties(info); err != nil {
			return nil, fmt.Errorf("config file validation failed: %w", err)
		}

		content, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("BROKERD_", ".", transformEnvKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Short-form overrides win over everything.
	if v := os.Getenv("BROKERD_SOCKET"); v != "" {
		cfg.Server.SocketPath = v
	}
	if v := os.Getenv("BROKERD_LOG"); v != "" {
		cfg.Logging.Level = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// transformEnvKey maps BROKERD_SECTION_FIELD_NAME to section.field_name.
// The first underscore after the prefix separates the section; the rest of
// the key stays underscored to match koanf tags.
func transformEnvKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, "BROKERD_"))
	// Short forms are handled separately; skip them here.
	if s == "socket" || s == "log" {
		return ""
	}
	parts := strings.SplitN(s, "_", 2)
	if len(parts) == 1 {
		return parts[0]
	}
	return parts[0] + "." + parts[1]
}

// validateConfigFileProperties rejects world-readable or oversized files.
func validateConfigFileProperties(info os.FileInfo) error {
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	if info.Mode().Perm()&0077 != 0 {
		return fmt.Errorf("config file must not be group/world accessible (found %04o, expected 0600)", info.Mode().Perm())
	}
	return nil
}
