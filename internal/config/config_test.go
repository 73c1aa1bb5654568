package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestValidate_ReportsMissingRequired(t *testing.T) {
	c := Config{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidate_MemoryDefaults(t *testing.T) {
	c := Config{
		App:   AppConfig{Env: "local", Port: 8080},
		Video: VideoConfig{APISecret: "secret"},
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.App.Store != "memory" || c.App.Broker != "memory" {
		t.Fatalf("expected memory defaults, got %q/%q", c.App.Store, c.App.Broker)
	}
	if c.Video.TokenTTL != time.Hour {
		t.Fatalf("expected 1h token ttl, got %v", c.Video.TokenTTL)
	}
}

func TestValidate_PostgresLocalDefaultsSSLMode(t *testing.T) {
	c := Config{
		App:   AppConfig{Env: "local", Port: 8080, Store: "postgres"},
		DB:    DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "calls"},
		Video: VideoConfig{APISecret: "secret"},
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" {
		t.Fatalf("expected sslmode disable default, got %q", c.DB.SSLMode)
	}
}

func TestValidate_ProductionRequiresSSLModeAndVideoIdentity(t *testing.T) {
	c := Config{
		App:   AppConfig{Env: "production", Port: 8080, Store: "postgres", Broker: "redis"},
		DB:    DBConfig{Host: "db", Port: 5432, User: "postgres", Name: "calls"},
		Redis: RedisConfig{Host: "redis", Port: 6379},
		Video: VideoConfig{APISecret: "secret"},
	}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error in production without DB_SSLMODE/VIDEO_API_KEY")
	}
}

func TestValidate_RedisBrokerRequiresHost(t *testing.T) {
	c := Config{
		App:   AppConfig{Env: "dev", Port: 8080, Broker: "redis"},
		Video: VideoConfig{APISecret: "secret"},
	}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected REDIS_HOST error")
	}
}

func TestClientValidate_Defaults(t *testing.T) {
	c := ClientConfig{APIBaseURL: "http://localhost:8080/api"}
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.RingTimeout != DefaultRingTimeout || c.JoinAttempts != 3 || c.ReconnectDelay != 3*time.Second {
		t.Fatalf("unexpected defaults: %+v", c)
	}
	if c.CredentialTTL != time.Hour {
		t.Fatalf("expected 1h credential ttl, got %v", c.CredentialTTL)
	}
}

func TestClientValidate_RejectsBadURLs(t *testing.T) {
	c := ClientConfig{APIBaseURL: "ftp://x", PushURL: "http://push"}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected url errors")
	}
}

func TestLoadClient_ReadsEnv(t *testing.T) {
	t.Setenv("CALL_API_BASE_URL", "https://api.example.com")
	t.Setenv("CALL_PUSH_URL", "wss://push.example.com/app/calls")
	t.Setenv("CALL_RING_TIMEOUT", "45s")
	t.Setenv("CALL_JOIN_ATTEMPTS", "5")

	c, err := LoadClient()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.RingTimeout != 45*time.Second || c.JoinAttempts != 5 {
		t.Fatalf("unexpected config: %+v", c)
	}
}

func TestLoadEnvFile(t *testing.T) {
	if err := LoadEnvFile(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing file should be ignored, got %v", err)
	}

	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("CALLS_TEST_ENVFILE_KEY=from-file\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("CALLS_TEST_ENVFILE_KEY", "")
	os.Unsetenv("CALLS_TEST_ENVFILE_KEY")
	if err := LoadEnvFile(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := os.Getenv("CALLS_TEST_ENVFILE_KEY"); got != "from-file" {
		t.Fatalf("expected value from file, got %q", got)
	}
}
