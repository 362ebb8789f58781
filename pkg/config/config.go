// Package config loads the node configuration: a JSON file in the config
// directory with environment overrides on top.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkgman/pkg/utils"
)

// File names inside the config directory.
const (
	ConfigFileName      = "config.json"
	PackageListFileName = "PKGLIST.toml"
	KeyringFileName     = "KEYRING.toml"
)

// Defaults.
const (
	DefaultBrokerAddress = "localhost:7400"
	DefaultListenAddress = ":7400"
	DefaultQueryTimeout  = "3s"
	DefaultMaxBlobSize   = "64MiB"
)

type Config struct {
	ConfigDir      string    `json:"config_dir"`
	PackagesDir    string    `json:"packages_dir"`
	DataDir        string    `json:"data_dir"`
	BrokerAddress  string    `json:"broker_address"`
	ListenAddress  string    `json:"listen_address"`
	MetricsAddress string    `json:"metrics_address,omitempty"`
	QueryTimeout   string    `json:"query_timeout"`
	MaxBlobSize    string    `json:"max_blob_size"`
	ServedPackages string    `json:"served_packages"`
	ServedKeyring  string    `json:"served_keyring"`
	TLS            TLSConfig `json:"tls"`
}

// TLSConfig enables TLS on broker connections. With CA set, peers must
// present a certificate signed by it.
type TLSConfig struct {
	Enabled bool   `json:"enabled"`
	CA      string `json:"ca,omitempty"`
	Cert    string `json:"cert,omitempty"`
	Key     string `json:"key,omitempty"`
}

// Default returns the configuration rooted at dir.
func Default(dir string) *Config {
	return &Config{
		ConfigDir:      dir,
		PackagesDir:    filepath.Join(dir, "packages"),
		DataDir:        filepath.Join(dir, "data"),
		BrokerAddress:  DefaultBrokerAddress,
		ListenAddress:  DefaultListenAddress,
		QueryTimeout:   DefaultQueryTimeout,
		MaxBlobSize:    DefaultMaxBlobSize,
		ServedPackages: filepath.Join(dir, "served", PackageListFileName),
		ServedKeyring:  filepath.Join(dir, "served", KeyringFileName),
	}
}

// Load reads the config file at path over the defaults for its directory
// and applies environment overrides. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default(filepath.Dir(path))

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.expandPaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.BrokerAddress = getEnv("PKGMAN_BROKER_ADDRESS", c.BrokerAddress)
	c.ListenAddress = getEnv("PKGMAN_LISTEN_ADDRESS", c.ListenAddress)
	c.MetricsAddress = getEnv("PKGMAN_METRICS_ADDRESS", c.MetricsAddress)
	c.QueryTimeout = getEnv("PKGMAN_QUERY_TIMEOUT", c.QueryTimeout)
	c.PackagesDir = getEnv("PKGMAN_PACKAGES_DIR", c.PackagesDir)
	c.DataDir = getEnv("PKGMAN_DATA_DIR", c.DataDir)
}

func (c *Config) expandPaths() {
	for _, p := range []*string{
		&c.ConfigDir, &c.PackagesDir, &c.DataDir,
		&c.ServedPackages, &c.ServedKeyring,
		&c.TLS.CA, &c.TLS.Cert, &c.TLS.Key,
	} {
		*p = expandPath(*p)
	}
}

// Validate checks the fields that are parsed later.
func (c *Config) Validate() error {
	if c.ConfigDir == "" {
		return fmt.Errorf("config_dir is required")
	}
	if _, err := c.Timeout(); err != nil {
		return err
	}
	if _, err := c.BlobLimit(); err != nil {
		return err
	}
	if c.TLS.Enabled && (c.TLS.Cert == "") != (c.TLS.Key == "") {
		return fmt.Errorf("tls: cert and key must be set together")
	}
	return nil
}

// Timeout is the protocol wait bound.
func (c *Config) Timeout() (time.Duration, error) {
	d, err := time.ParseDuration(c.QueryTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid query_timeout %q: %w", c.QueryTimeout, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("query_timeout must be positive, got %s", d)
	}
	return d, nil
}

// BlobLimit is the largest package the node stores or accepts.
func (c *Config) BlobLimit() (int64, error) {
	n, err := utils.ParseDataSize(c.MaxBlobSize)
	if err != nil {
		return 0, fmt.Errorf("invalid max_blob_size: %w", err)
	}
	return n, nil
}

// PackageListPath is the local package table.
func (c *Config) PackageListPath() string {
	return filepath.Join(c.ConfigDir, PackageListFileName)
}

// KeyringPath is the local keyring.
func (c *Config) KeyringPath() string {
	return filepath.Join(c.ConfigDir, KeyringFileName)
}

// Save writes the config to path with owner-only permissions.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GetConfigDir returns the pkgman configuration directory.
func GetConfigDir() string {
	if dir := os.Getenv("PKGMAN_CONFIG_DIR"); dir != "" {
		return dir
	}
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "pkgman")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pkgman"
	}
	return filepath.Join(home, ".config", "pkgman")
}

// GetConfigPath returns the default config file path.
func GetConfigPath() string {
	return filepath.Join(GetConfigDir(), ConfigFileName)
}

// expandPath expands a leading ~ and environment variables.
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	return os.ExpandEnv(path)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
