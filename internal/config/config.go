// Package config loads the stellar configuration file.
//
// Values are resolved in order: built-in defaults, the YAML file, STELLAR_*
// environment variables, then command-line flags (applied by the caller).
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileName is the name of the configuration file.
const FileName = "config.yaml"

// Environment variables that override file values.
const (
	EnvVaultPath = "STELLAR_VAULT_PATH"
	EnvLogLevel  = "STELLAR_LOG_LEVEL"
	EnvLogFormat = "STELLAR_LOG_FORMAT"
	EnvAudit     = "STELLAR_AUDIT"
)

// Log formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

var (
	// ErrConfigNotFound is returned when an explicitly named file does not exist.
	ErrConfigNotFound = errors.New("config: file not found")

	// ErrConfigInsecure is returned when the file is group or world accessible.
	ErrConfigInsecure = errors.New("config: file has insecure permissions")

	// ErrConfigSymlink is returned when the file is a symlink.
	ErrConfigSymlink = errors.New("config: file is a symlink")

	// ErrConfigNotOwnedByUser is returned when the file belongs to another user.
	ErrConfigNotOwnedByUser = errors.New("config: file not owned by current user")

	// ErrInvalidConfig is returned for values that fail validation.
	ErrInvalidConfig = errors.New("config: invalid value")
)

// Config is the resolved configuration.
type Config struct {
	VaultPath string      `yaml:"vault_path"`
	Log       LogConfig   `yaml:"log"`
	Audit     AuditConfig `yaml:"audit"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// AuditConfig toggles the vault audit log.
type AuditConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		VaultPath: defaultVaultPath(),
		Log: LogConfig{
			Level:  "warn",
			Format: FormatText,
		},
		Audit: AuditConfig{Enabled: true},
	}
}

func defaultVaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stellar"
	}
	return filepath.Join(home, ".stellar")
}

// DefaultPath returns $XDG_CONFIG_HOME/stellar/config.yaml, or the platform
// equivalent.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("config: failed to locate config directory: %w", err)
	}
	return filepath.Join(dir, "stellar", FileName), nil
}

// Load resolves the configuration. An empty path means DefaultPath, which
// may be absent; a named path must exist. Environment overrides are applied
// before validation.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		if !errors.Is(err, ErrConfigNotFound) || explicit {
			return nil, err
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile decodes path over the receiver. The file is opened without
// following symlinks and checked through the open descriptor.
func (c *Config) loadFile(path string) error {
	f, err := openConfigFile(path)
	if err != nil {
		if errors.Is(err, ErrConfigNotFound) || errors.Is(err, ErrConfigSymlink) {
			return err
		}
		return fmt.Errorf("config: failed to open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s is not a regular file", ErrInvalidConfig, path)
	}
	if err := checkFilePermissions(info); err != nil {
		return err
	}
	if err := checkFileOwnership(info); err != nil {
		return err
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(content, c); err != nil {
		return fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides fields from STELLAR_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvVaultPath); ok && v != "" {
		c.VaultPath = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Log.Level = v
	}
	if v, ok := lookup(EnvLogFormat); ok && v != "" {
		c.Log.Format = v
	}
	if v, ok := lookup(EnvAudit); ok && v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q", ErrInvalidConfig, EnvAudit, v)
		}
		c.Audit.Enabled = enabled
	}
	return nil
}

// Validate normalizes and checks the configuration.
func (c *Config) Validate() error {
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))

	switch c.Log.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("%w: log.level %q", ErrInvalidConfig, c.Log.Level)
	}
	switch c.Log.Format {
	case FormatText, FormatJSON:
	default:
		return fmt.Errorf("%w: log.format %q (must be %q or %q)", ErrInvalidConfig, c.Log.Format, FormatText, FormatJSON)
	}

	if c.VaultPath == "" {
		return fmt.Errorf("%w: vault_path is empty", ErrInvalidConfig)
	}
	path, err := expandHome(c.VaultPath)
	if err != nil {
		return err
	}
	c.VaultPath = path
	return nil
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: failed to expand %s: %w", path, err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
