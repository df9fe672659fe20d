package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("SHARDVAULT_HOME", tmpDir)

	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.HomeDir != tmpDir {
		t.Errorf("HomeDir = %q, want %q", cfg.HomeDir, tmpDir)
	}
	if cfg.Account.Backend != BackendFile {
		t.Errorf("Account.Backend = %q, want %q", cfg.Account.Backend, BackendFile)
	}
	if cfg.Query.ResolveTimeout != 30*time.Second {
		t.Errorf("Query.ResolveTimeout = %v, want 30s", cfg.Query.ResolveTimeout)
	}
	if cfg.Query.AggregateTimeout != 5*time.Minute {
		t.Errorf("Query.AggregateTimeout = %v, want 5m", cfg.Query.AggregateTimeout)
	}
	if cfg.Server.APIPort != 8080 {
		t.Errorf("Server.APIPort = %d, want 8080", cfg.Server.APIPort)
	}
	if cfg.Server.BindAddr != "127.0.0.1" {
		t.Errorf("Server.BindAddr = %q, want 127.0.0.1", cfg.Server.BindAddr)
	}
	if got, want := cfg.SnapshotDir(), filepath.Join(tmpDir, "tmp"); got != want {
		t.Errorf("SnapshotDir() = %q, want %q", got, want)
	}
}

func TestLoadWithConfigFile(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("SHARDVAULT_HOME", tmpDir)
	writeConfig(t, tmpDir, `
[account]
dir = "/data/wxid_me"
self_id = "wxid_me"
backend = "bridge"
key = "00112233"

[layout]
shard_pattern = "msg_%d.db"
max_shards = 50

[cache]
idle_ttl = "90s"

[query]
batch_size = 100
aggregate_timeout = "1m"

[server]
api_port = 9090
api_key = "test-secret-key"
`)

	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Account.Dir != "/data/wxid_me" {
		t.Errorf("Account.Dir = %q", cfg.Account.Dir)
	}
	if cfg.Account.SelfID != "wxid_me" || cfg.Account.Backend != BackendBridge || cfg.Account.Key != "00112233" {
		t.Errorf("Account = %+v", cfg.Account)
	}
	if cfg.Layout.ShardPattern != "msg_%d.db" || cfg.Layout.MaxShards != 50 {
		t.Errorf("Layout = %+v", cfg.Layout)
	}
	if cfg.Cache.IdleTTL != 90*time.Second {
		t.Errorf("Cache.IdleTTL = %v, want 90s", cfg.Cache.IdleTTL)
	}
	// Unset keys keep their defaults.
	if cfg.Cache.SweepInterval != time.Minute {
		t.Errorf("Cache.SweepInterval = %v, want 1m", cfg.Cache.SweepInterval)
	}
	if cfg.Query.BatchSize != 100 || cfg.Query.AggregateTimeout != time.Minute {
		t.Errorf("Query = %+v", cfg.Query)
	}
	if cfg.Server.APIPort != 9090 || cfg.Server.APIKey != "test-secret-key" {
		t.Errorf("Server = %+v", cfg.Server)
	}
}

func TestLoadExplicitPathNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.toml", "")
	if err == nil {
		t.Fatal("Load with explicit nonexistent path should return error")
	}
	if got := err.Error(); !strings.Contains(got, "config file not found") {
		t.Errorf("error = %q, want it to contain %q", got, "config file not found")
	}
}

func TestLoadExplicitPathDerivedHomeDir(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := writeConfig(t, tmpDir, "[query]\nconcurrency = 2\n")

	cfg, err := Load(configPath, "")
	if err != nil {
		t.Fatalf("Load(%q) failed: %v", configPath, err)
	}
	if cfg.HomeDir != tmpDir {
		t.Errorf("HomeDir = %q, want %q", cfg.HomeDir, tmpDir)
	}
	if cfg.Query.Concurrency != 2 {
		t.Errorf("Query.Concurrency = %d, want 2", cfg.Query.Concurrency)
	}
}

func TestLoadWithHomeDir(t *testing.T) {
	homeDir := t.TempDir()
	writeConfig(t, homeDir, "[server]\napi_port = 7000\n")

	cfg, err := Load("", homeDir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.HomeDir != homeDir {
		t.Errorf("HomeDir = %q, want %q", cfg.HomeDir, homeDir)
	}
	if cfg.Server.APIPort != 7000 {
		t.Errorf("Server.APIPort = %d, want 7000", cfg.Server.APIPort)
	}
}

func TestLoadWithHomeDirExpandsTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatalf("failed to get user home dir: %v", err)
	}

	cfg, err := Load("", "~/custom-shardvault")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if want := filepath.Join(home, "custom-shardvault"); cfg.HomeDir != want {
		t.Errorf("HomeDir = %q, want %q", cfg.HomeDir, want)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"unknown backend", "[account]\nbackend = \"mmap\"\n", "account.backend"},
		{"key without bridge", "[account]\nkey = \"00\"\n", "account.key"},
		{"negative batch", "[query]\nbatch_size = -1\n", "must not be negative"},
		{"bad pattern", "[layout]\nshard_pattern = \"message.db\"\n", "exactly one %d"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			homeDir := t.TempDir()
			writeConfig(t, homeDir, tt.content)
			_, err := Load("", homeDir)
			if err == nil {
				t.Fatal("Load should fail")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadBackslashErrorHint(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name:    "invalid escape (backslash G)",
			content: "[account]\ndir = \"C:\\Games\\wechat\"\n",
		},
		{
			name:    "unicode escape (backslash U)",
			content: "[account]\ndir = \"C:\\Users\\me\\wechat\"\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			t.Setenv("SHARDVAULT_HOME", tmpDir)
			writeConfig(t, tmpDir, tt.content)

			_, err := Load("", "")
			if err == nil {
				t.Fatal("Load should fail on TOML backslash error")
			}
			errMsg := err.Error()
			if !strings.Contains(errMsg, "hint:") {
				t.Errorf("error should contain hint, got: %s", errMsg)
			}
			if !strings.Contains(errMsg, "forward slashes") {
				t.Errorf("error should mention forward slashes, got: %s", errMsg)
			}
		})
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatalf("failed to get user home dir: %v", err)
	}
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"~", home},
		{"~/data", filepath.Join(home, "data")},
		{"/abs/path", "/abs/path"},
		{"relative/path", "relative/path"},
		{"~user/data", "~user/data"},
	}
	for _, tt := range tests {
		if got := expandPath(tt.in); got != tt.want {
			t.Errorf("expandPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewDefaultConfig(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("SHARDVAULT_HOME", tmpDir)

	cfg := NewDefaultConfig()
	if cfg.HomeDir != tmpDir {
		t.Errorf("HomeDir = %q, want %q", cfg.HomeDir, tmpDir)
	}
	if cfg.Query.BatchSize != 500 {
		t.Errorf("Query.BatchSize = %d, want 500", cfg.Query.BatchSize)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestSecurityValidation(t *testing.T) {
	tests := []struct {
		name      string
		cfg       ServerConfig
		wantError bool
	}{
		{"loopback no key", ServerConfig{BindAddr: "127.0.0.1"}, false},
		{"loopback 127.0.0.2 no key", ServerConfig{BindAddr: "127.0.0.2"}, false},
		{"ipv6 loopback no key", ServerConfig{BindAddr: "::1"}, false},
		{"localhost no key", ServerConfig{BindAddr: "localhost"}, false},
		{"empty addr no key", ServerConfig{BindAddr: ""}, false},
		{"non-loopback with key", ServerConfig{BindAddr: "0.0.0.0", APIKey: "secret"}, false},
		{"non-loopback no key", ServerConfig{BindAddr: "0.0.0.0"}, true},
		{"non-loopback ipv6 no key", ServerConfig{BindAddr: "::"}, true},
		{"non-loopback insecure override", ServerConfig{BindAddr: "0.0.0.0", AllowInsecure: true}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.ValidateSecure()
			if (err != nil) != tt.wantError {
				t.Errorf("ValidateSecure() error = %v, wantError = %v", err, tt.wantError)
			}
		})
	}
}
