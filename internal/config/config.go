// Package config handles loading and managing shardvault configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Backend kinds.
const (
	BackendFile   = "file"
	BackendBridge = "bridge"
)

// Config represents the shardvault configuration.
type Config struct {
	Account AccountConfig `toml:"account"`
	Layout  LayoutConfig  `toml:"layout"`
	Cache   CacheConfig   `toml:"cache"`
	Query   QueryConfig   `toml:"query"`
	Server  ServerConfig  `toml:"server"`

	// Computed paths (not from config file)
	HomeDir string `toml:"-"`
}

// AccountConfig identifies the account to read.
type AccountConfig struct {
	Dir     string `toml:"dir"`     // account directory holding db_storage/
	SelfID  string `toml:"self_id"` // the account's own identifier
	Key     string `toml:"key"`     // hex page key; bridge backend only
	Backend string `toml:"backend"` // "file" or "bridge"

	// SnapshotDir holds the bridge's decrypted snapshots (default: <home>/tmp).
	SnapshotDir string `toml:"snapshot_dir"`
}

// LayoutConfig overrides the default on-disk layout of an account.
type LayoutConfig struct {
	MessageDir   string `toml:"message_dir"`
	ShardPattern string `toml:"shard_pattern"`
	MaxShards    int    `toml:"max_shards"`
	SessionDB    string `toml:"session_db"`
	ContactDB    string `toml:"contact_db"`
}

// CacheConfig tunes the shard catalog and connection cache.
type CacheConfig struct {
	CatalogTTL    time.Duration `toml:"catalog_ttl"`
	IdleTTL       time.Duration `toml:"idle_ttl"`
	SweepInterval time.Duration `toml:"sweep_interval"`
}

// QueryConfig tunes merges and aggregates.
type QueryConfig struct {
	BatchSize        int           `toml:"batch_size"`
	ResolveTimeout   time.Duration `toml:"resolve_timeout"`
	AggregateTimeout time.Duration `toml:"aggregate_timeout"`
	Concurrency      int           `toml:"concurrency"`
}

// ServerConfig holds HTTP API server configuration.
type ServerConfig struct {
	BindAddr  string  `toml:"bind_addr"`  // listen address (default: 127.0.0.1)
	APIPort   int     `toml:"api_port"`   // HTTP server port (default: 8080)
	APIKey    string  `toml:"api_key"`    // API authentication key
	RateLimit float64 `toml:"rate_limit"` // requests per second per client

	// AllowInsecure permits a non-loopback bind address without an API key.
	AllowInsecure bool `toml:"allow_insecure"`

	CORSOrigins     []string `toml:"cors_origins"`
	CORSCredentials bool     `toml:"cors_credentials"`
	CORSMaxAge      int      `toml:"cors_max_age"`
}

// ValidateSecure refuses to expose message content on a non-loopback
// address without an API key unless AllowInsecure is set.
func (s ServerConfig) ValidateSecure() error {
	if s.APIKey != "" || s.AllowInsecure || isLoopback(s.BindAddr) {
		return nil
	}
	return fmt.Errorf("refusing to bind %s without [server] api_key (set allow_insecure = true to override)", s.BindAddr)
}

func isLoopback(addr string) bool {
	if addr == "" || addr == "localhost" {
		return true
	}
	ip := net.ParseIP(addr)
	return ip != nil && ip.IsLoopback()
}

// DefaultHome returns the default shardvault home directory.
// Respects SHARDVAULT_HOME environment variable.
func DefaultHome() string {
	if h := os.Getenv("SHARDVAULT_HOME"); h != "" {
		return expandPath(h)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".shardvault"
	}
	return filepath.Join(home, ".shardvault")
}

// NewDefaultConfig returns a configuration with default values rooted at
// DefaultHome.
func NewDefaultConfig() *Config {
	return newConfig(DefaultHome())
}

func newConfig(homeDir string) *Config {
	return &Config{
		HomeDir: homeDir,
		Account: AccountConfig{
			Backend: BackendFile,
		},
		Cache: CacheConfig{
			CatalogTTL:    30 * time.Second,
			IdleTTL:       5 * time.Minute,
			SweepInterval: time.Minute,
		},
		Query: QueryConfig{
			BatchSize:        500,
			ResolveTimeout:   30 * time.Second,
			AggregateTimeout: 5 * time.Minute,
			Concurrency:      4,
		},
		Server: ServerConfig{
			BindAddr:  "127.0.0.1",
			APIPort:   8080,
			RateLimit: 10,
		},
	}
}

// Load reads the configuration. path is an explicit config file (from
// --config) and must exist; homeDir overrides the home directory (from
// --home). With neither, config.toml under DefaultHome is read if present.
func Load(path, homeDir string) (*Config, error) {
	explicit := path != ""
	switch {
	case homeDir != "":
		homeDir = expandPath(homeDir)
	case explicit:
		homeDir = filepath.Dir(expandPath(path))
	default:
		homeDir = DefaultHome()
	}
	if !explicit {
		path = filepath.Join(homeDir, "config.toml")
	}
	path = expandPath(path)

	cfg := newConfig(homeDir)

	if _, err := os.Stat(path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("stat config: %w", err)
		}
		if explicit {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, withBackslashHint(err))
	}

	cfg.Account.Dir = expandPath(cfg.Account.Dir)
	cfg.Account.SnapshotDir = expandPath(cfg.Account.SnapshotDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports settings that cannot be used.
func (c *Config) Validate() error {
	switch c.Account.Backend {
	case BackendFile, BackendBridge:
	default:
		return fmt.Errorf("account.backend must be %q or %q, got %q", BackendFile, BackendBridge, c.Account.Backend)
	}
	if c.Account.Key != "" && c.Account.Backend != BackendBridge {
		return fmt.Errorf("account.key requires backend = %q", BackendBridge)
	}
	if c.Query.BatchSize < 0 || c.Query.Concurrency < 0 || c.Layout.MaxShards < 0 {
		return errors.New("query.batch_size, query.concurrency and layout.max_shards must not be negative")
	}
	if c.Layout.ShardPattern != "" && strings.Count(c.Layout.ShardPattern, "%d") != 1 {
		return fmt.Errorf("layout.shard_pattern %q must contain exactly one %%d", c.Layout.ShardPattern)
	}
	return nil
}

// ConfigFilePath returns the path of config.toml under the home directory.
func (c *Config) ConfigFilePath() string {
	return filepath.Join(c.HomeDir, "config.toml")
}

// SnapshotDir returns the parent directory for decrypted bridge snapshots.
func (c *Config) SnapshotDir() string {
	if c.Account.SnapshotDir != "" {
		return c.Account.SnapshotDir
	}
	return filepath.Join(c.HomeDir, "tmp")
}

// withBackslashHint adds a hint for the common mistake of writing Windows
// paths with backslashes inside basic TOML strings.
func withBackslashHint(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "invalid escape") || strings.Contains(msg, "hexadecimal digits") {
		return fmt.Errorf("%w (hint: use forward slashes or single quotes for paths containing backslashes)", err)
	}
	return err
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if path == "~" || strings.HasPrefix(path, "~/") || strings.HasPrefix(path, `~\`) {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
