package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.HTTPAddr != ":8084" {
		t.Errorf("HTTPAddr = %q, want :8084", cfg.HTTPAddr)
	}
	if cfg.DirectoryBackend != DirectorySQLite || cfg.RegistryBackend != RegistrySQLite {
		t.Errorf("default backends = %q/%q, want sqlite/sqlite", cfg.DirectoryBackend, cfg.RegistryBackend)
	}
	if cfg.MaxSessionMinutes != 240 || cfg.MessagesPerMinute != 100 {
		t.Errorf("limits = %d/%d, want 240/100", cfg.MaxSessionMinutes, cfg.MessagesPerMinute)
	}
	if cfg.WSPongTimeout != 60*time.Second {
		t.Errorf("WSPongTimeout = %v, want 60s", cfg.WSPongTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9000")
	t.Setenv("DIRECTORY_BACKEND", DirectoryMemory)
	t.Setenv("REGISTRY_BACKEND", RegistryRedis)
	t.Setenv("REDIS_ADDR", "127.0.0.1:6379")
	t.Setenv("MAX_SESSION_MINUTES", "90")
	t.Setenv("WS_WRITE_TIMEOUT", "5s")

	cfg := Load()

	if cfg.HTTPAddr != ":9000" {
		t.Errorf("HTTPAddr = %q, want :9000", cfg.HTTPAddr)
	}
	if cfg.DirectoryBackend != DirectoryMemory {
		t.Errorf("DirectoryBackend = %q, want memory", cfg.DirectoryBackend)
	}
	if cfg.RegistryBackend != RegistryRedis || cfg.RedisAddr != "127.0.0.1:6379" {
		t.Errorf("registry = %q addr %q, want redis at 127.0.0.1:6379", cfg.RegistryBackend, cfg.RedisAddr)
	}
	if cfg.MaxSessionMinutes != 90 {
		t.Errorf("MaxSessionMinutes = %d, want 90", cfg.MaxSessionMinutes)
	}
	if cfg.WSWriteTimeout != 5*time.Second {
		t.Errorf("WSWriteTimeout = %v, want 5s", cfg.WSWriteTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("MAX_SESSION_MINUTES", "ninety")
	t.Setenv("WS_WRITE_TIMEOUT", "soon")

	cfg := Load()
	if cfg.MaxSessionMinutes != 240 {
		t.Errorf("MaxSessionMinutes = %d, want fallback 240", cfg.MaxSessionMinutes)
	}
	if cfg.WSWriteTimeout != 10*time.Second {
		t.Errorf("WSWriteTimeout = %v, want fallback 10s", cfg.WSWriteTimeout)
	}
}

func TestValidate(t *testing.T) {
	base := Load()

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{"empty jwt secret", func(c *Config) { c.JWTSecret = "" }, "JWT_SECRET"},
		{"unknown directory backend", func(c *Config) { c.DirectoryBackend = "etcd" }, "directory backend"},
		{"unknown registry backend", func(c *Config) { c.RegistryBackend = "etcd" }, "registry backend"},
		{"sqlite without path", func(c *Config) { c.SQLitePath = "" }, "SQLITE_PATH"},
		{"postgres without url", func(c *Config) {
			c.DirectoryBackend = DirectoryPostgres
			c.DatabaseURL = ""
		}, "DATABASE_URL"},
		{"redis without addr", func(c *Config) {
			c.RegistryBackend = RegistryRedis
			c.RedisAddr = ""
		}, "REDIS_ADDR"},
		{"negative session cap", func(c *Config) { c.MaxSessionMinutes = -1 }, "MAX_SESSION_MINUTES"},
		{"zero pong timeout", func(c *Config) { c.WSPongTimeout = 0 }, "timeouts"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.wantSub) {
				t.Errorf("Validate() = %v, want error containing %q", err, tc.wantSub)
			}
		})
	}
}
