package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// validConfig returns a Config that passes validation; tests mutate one field
// at a time.
func validConfig() *Config {
	return &Config{
		Port:           8080,
		LogLevel:       "info",
		OpenAI:         BackendConfig{APIKey: "sk-test"},
		DefaultBackend: "openai",
		Cache:          CacheConfig{Mode: "memory", TTL: 5 * time.Minute},
		Quota:          QuotaConfig{Store: "memory", FreeDaily: 20, ProDaily: 200},
		Failover:       FailoverConfig{MaxAttempts: 3, CallTimeout: 30 * time.Second},
		Usage:          UsageConfig{Sink: "slog"},
		CORSOrigins:    []string{"*"},
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	if err := validConfig().validate(); err != nil {
		t.Fatalf("validate() = %v, want nil", err)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{"no_api_key", func(c *Config) { c.OpenAI.APIKey = "" }, "API key"},
		{"bad_default_backend", func(c *Config) { c.DefaultBackend = "skynet" }, "DEFAULT_BACKEND"},
		{"redis_cache_without_url", func(c *Config) { c.Cache.Mode = "redis" }, "REDIS_URL"},
		{"redis_quota_without_url", func(c *Config) { c.Quota.Store = "redis" }, "REDIS_URL"},
		{"bad_cache_mode", func(c *Config) { c.Cache.Mode = "disk" }, "CACHE_MODE"},
		{"bad_quota_store", func(c *Config) { c.Quota.Store = "etcd" }, "QUOTA_STORE"},
		{"negative_budget", func(c *Config) { c.Quota.FreeDaily = -1 }, "negative"},
		{"bad_usage_sink", func(c *Config) { c.Usage.Sink = "kafka" }, "USAGE_SINK"},
		{"clickhouse_without_dsn", func(c *Config) { c.Usage.Sink = "clickhouse" }, "CLICKHOUSE_DSN"},
		{"bad_log_level", func(c *Config) { c.LogLevel = "verbose" }, "LOG_LEVEL"},
		{"zero_attempts", func(c *Config) { c.Failover.MaxAttempts = 0 }, "MAX_ATTEMPTS"},
		{"zero_timeout", func(c *Config) { c.Failover.CallTimeout = 0 }, "CALL_TIMEOUT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			err := c.validate()
			if err == nil {
				t.Fatal("validate() = nil, want an error")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error %q does not mention %q", err.Error(), tt.wantSub)
			}
		})
	}
}

func TestValidateRedisModesWithURL(t *testing.T) {
	c := validConfig()
	c.Cache.Mode = "redis"
	c.Quota.Store = "redis"
	c.Redis.URL = "redis://localhost:6379"
	if err := c.validate(); err != nil {
		t.Errorf("validate() = %v, want nil", err)
	}
}

func TestAtLeastOneBackendKey(t *testing.T) {
	c := &Config{}
	if c.AtLeastOneBackendKey() {
		t.Error("empty config reports a configured backend")
	}
	c.Groq.APIKey = "gsk-test"
	if !c.AtLeastOneBackendKey() {
		t.Error("groq key not recognised")
	}
}

func TestLoadDotEnv(t *testing.T) {
	t.Run("missing_file_is_fine", func(t *testing.T) {
		if err := loadDotEnv(filepath.Join(t.TempDir(), "absent.env")); err != nil {
			t.Errorf("loadDotEnv(absent) = %v, want nil", err)
		}
	})

	t.Run("directory_is_an_error", func(t *testing.T) {
		if err := loadDotEnv(t.TempDir()); err == nil {
			t.Error("loadDotEnv(dir) = nil, want an error")
		}
	})

	t.Run("loads_variables", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), ".env")
		if err := os.WriteFile(path, []byte("GATEWAY_TEST_ONLY_VAR=hello\n"), 0o600); err != nil {
			t.Fatal(err)
		}
		t.Setenv("GATEWAY_TEST_ONLY_VAR", "") // registers cleanup
		os.Unsetenv("GATEWAY_TEST_ONLY_VAR")

		if err := loadDotEnv(path); err != nil {
			t.Fatalf("loadDotEnv: %v", err)
		}
		if got := os.Getenv("GATEWAY_TEST_ONLY_VAR"); got != "hello" {
			t.Errorf("GATEWAY_TEST_ONLY_VAR = %q, want hello", got)
		}
	})
}
