// Package config loads totpctl settings.
//
// Sources, lowest precedence first: built-in defaults, the YAML config file,
// a .env file in the working directory, then TOTPCTL_* environment variables.
// Command-line flags are applied on top by the caller.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// FileName is the config file looked up in the data directory.
const FileName = "config.yaml"

// Keyring backends
const (
	KeyringOS     = "os"
	KeyringMemory = "memory"
)

// Log formats
const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

const (
	appDirName      = "totpctl"
	defaultAppID    = "totpctl"
	defaultVault    = "accounts.bin"
	auditDirName    = "audit"
	dataDirEnv      = "TOTPCTL_DATA_DIR"
	dotEnvFile      = ".env"
	defaultLogLevel = "warn"
)

var (
	// ErrInvalid is returned by Validate.
	ErrInvalid = errors.New("config: invalid configuration")

	// ErrSymlink is returned when the config file is a symbolic link.
	ErrSymlink = errors.New("config: config file is a symlink")

	// ErrNotOwnedByUser is returned when the config file belongs to another user.
	ErrNotOwnedByUser = errors.New("config: config file not owned by current user")
)

// LogConfig controls diagnostic output.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// Config is the resolved configuration.
type Config struct {
	DataDir   string    `yaml:"data_dir" env:"TOTPCTL_DATA_DIR"`
	VaultFile string    `yaml:"vault_file" env:"TOTPCTL_VAULT_FILE"`
	AppID     string    `yaml:"app_id" env:"TOTPCTL_APP_ID"`
	Keyring   string    `yaml:"keyring" env:"TOTPCTL_KEYRING"`
	Audit     bool      `yaml:"audit" env:"TOTPCTL_AUDIT"`
	Log       LogConfig `yaml:"log" envPrefix:"TOTPCTL_LOG_"`

	path     string
	warnings []string
}

// Default returns the built-in configuration.
func Default() (*Config, error) {
	dir, err := defaultDataDir()
	if err != nil {
		return nil, err
	}
	return &Config{
		DataDir:   dir,
		VaultFile: defaultVault,
		AppID:     defaultAppID,
		Keyring:   KeyringOS,
		Audit:     true,
		Log: LogConfig{
			Level:  defaultLogLevel,
			Format: LogFormatText,
		},
	}, nil
}

// Load resolves the configuration. When path is empty the config file is
// looked up in the data directory and may be absent; an explicit path must
// exist.
func Load(path string) (*Config, error) {
	cfg, err := Default()
	if err != nil {
		return nil, err
	}

	// godotenv never overrides variables already set in the environment.
	if err := godotenv.Load(dotEnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: failed to load %s: %w", dotEnvFile, err)
	}

	explicit := path != ""
	if !explicit {
		dir := cfg.DataDir
		if v := os.Getenv(dataDirEnv); v != "" {
			dir = v
		}
		path = filepath.Join(dir, FileName)
	}

	if err := cfg.readFile(path); err != nil {
		switch {
		case !errors.Is(err, os.ErrNotExist):
			return nil, err
		case explicit:
			return nil, fmt.Errorf("config: config file not found: %w", err)
		default:
			path = ""
		}
	}
	cfg.path = path

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	f, err := openConfigFile(path)
	if err != nil {
		return err
	}
	defer f.Close()

	// fstat the open descriptor so the checks apply to what we read.
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("config: failed to stat config file: %w", err)
	}
	if err := checkFileOwnership(info); err != nil {
		return err
	}
	if perm := info.Mode().Perm(); perm&0022 != 0 {
		c.warnings = append(c.warnings, fmt.Sprintf("config file %s is writable by group or others (mode %04o)", path, perm))
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("config: failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(content, c); err != nil {
		return fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	return nil
}

// Validate checks enumerated values and required fields.
func (c *Config) Validate() error {
	var problems []string
	if c.DataDir == "" {
		problems = append(problems, "data_dir must not be empty")
	}
	if c.VaultFile == "" {
		problems = append(problems, "vault_file must not be empty")
	}
	if strings.TrimSpace(c.AppID) == "" {
		problems = append(problems, "app_id must not be empty")
	}
	switch c.Keyring {
	case KeyringOS, KeyringMemory:
	default:
		problems = append(problems, fmt.Sprintf("keyring must be %q or %q, got %q", KeyringOS, KeyringMemory, c.Keyring))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		problems = append(problems, fmt.Sprintf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	switch c.Log.Format {
	case LogFormatText, LogFormatJSON:
	default:
		problems = append(problems, fmt.Sprintf("log.format must be %q or %q, got %q", LogFormatText, LogFormatJSON, c.Log.Format))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// Path returns the config file that was read, or "" when none was found.
func (c *Config) Path() string {
	return c.path
}

// Warnings returns advisory messages collected while loading.
func (c *Config) Warnings() []string {
	return c.warnings
}

// VaultPath returns the encrypted account file location.
func (c *Config) VaultPath() string {
	if filepath.IsAbs(c.VaultFile) {
		return c.VaultFile
	}
	return filepath.Join(c.DataDir, c.VaultFile)
}

// AuditDir returns the audit log directory.
func (c *Config) AuditDir() string {
	return filepath.Join(c.DataDir, auditDirName)
}

func defaultDataDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		home, herr := os.UserHomeDir()
		if herr != nil {
			return "", fmt.Errorf("config: cannot determine data directory: %w", err)
		}
		return filepath.Join(home, "."+appDirName), nil
	}
	return filepath.Join(base, appDirName), nil
}
