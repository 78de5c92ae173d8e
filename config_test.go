package mktdata

import (
	"errors"
	"strings"
	"testing"

	"golang.org/x/time/rate"
)

var configEnvVars = []string{
	"MKTDATA_HOSTS", "MKTDATA_PORT", "MKTDATA_AUTH", "MKTDATA_APP_NAME",
	"MKTDATA_START_ATTEMPTS", "MKTDATA_AUTO_RESTART", "MKTDATA_RATE_LIMIT",
	"MKTDATA_RECORD_PATH", "S3_BUCKET", "S3_BASE_PATH", "REDIS_ADDR", "METRICS_ADDR",
}

func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, name := range configEnvVars {
		t.Setenv(name, "")
	}
}

func TestConfigDefaults(t *testing.T) {
	clearConfigEnv(t)

	cfg := NewConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if len(cfg.Hosts) != 1 || cfg.Hosts[0] != "localhost" {
		t.Errorf("Expected hosts [localhost], got %v", cfg.Hosts)
	}
	if cfg.Port != 8194 {
		t.Errorf("Expected port 8194, got %d", cfg.Port)
	}
	if cfg.AuthMode != AuthModeLogon {
		t.Errorf("Expected auth mode LOGON, got %s", cfg.AuthMode)
	}
	if cfg.StartAttempts != 2 {
		t.Errorf("Expected 2 start attempts, got %d", cfg.StartAttempts)
	}
	if cfg.AutoRestart {
		t.Error("Expected auto restart off by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Defaults should validate: %v", err)
	}
}

func TestConfigLoadFromEnv(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("MKTDATA_HOSTS", " primary.example.com, ,backup.example.com ")
	t.Setenv("MKTDATA_PORT", "8196")
	t.Setenv("MKTDATA_AUTH", "APPLICATION")
	t.Setenv("MKTDATA_APP_NAME", "blp:test-app")
	t.Setenv("MKTDATA_START_ATTEMPTS", "4")
	t.Setenv("MKTDATA_AUTO_RESTART", "true")
	t.Setenv("MKTDATA_RATE_LIMIT", "2.5")
	t.Setenv("MKTDATA_RECORD_PATH", "captures")
	t.Setenv("S3_BUCKET", "market-captures")
	t.Setenv("S3_BASE_PATH", "prod")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("METRICS_ADDR", ":9102")

	cfg := NewConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if strings.Join(cfg.Hosts, ",") != "primary.example.com,backup.example.com" {
		t.Errorf("Expected cleaned host list, got %v", cfg.Hosts)
	}
	if cfg.Port != 8196 || cfg.StartAttempts != 4 || !cfg.AutoRestart || cfg.RateLimit != 2.5 {
		t.Errorf("Unexpected numeric settings: %+v", cfg)
	}
	if cfg.AuthMode != "APPLICATION" || cfg.AppName != "blp:test-app" {
		t.Errorf("Unexpected auth settings: %s %s", cfg.AuthMode, cfg.AppName)
	}
	if cfg.RecordPath != "captures" || cfg.S3Bucket != "market-captures" || cfg.S3BasePath != "prod" {
		t.Errorf("Unexpected capture settings: %+v", cfg)
	}
	if cfg.RedisAddr != "localhost:6379" || cfg.MetricsAddr != ":9102" {
		t.Errorf("Unexpected service addresses: %s %s", cfg.RedisAddr, cfg.MetricsAddr)
	}

	opts, err := cfg.SessionOptions(nil)
	if err != nil {
		t.Fatalf("SessionOptions: %v", err)
	}
	if !strings.HasSuffix(opts.AuthOptions, "ApplicationName=blp:test-app") {
		t.Errorf("Unexpected auth options %q", opts.AuthOptions)
	}
	if opts.NumStartAttempts != 4 || !opts.AutoRestartOnDisconnection || opts.Port != 8196 {
		t.Errorf("Unexpected session options %+v", opts)
	}
}

func TestConfigLoadFromEnvParseErrors(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{"MKTDATA_PORT", "eighty"},
		{"MKTDATA_START_ATTEMPTS", "two"},
		{"MKTDATA_AUTO_RESTART", "sometimes"},
		{"MKTDATA_RATE_LIMIT", "fast"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearConfigEnv(t)
			t.Setenv(tt.name, tt.value)

			err := NewConfig().LoadFromEnv()
			if err == nil || !strings.Contains(err.Error(), tt.name) {
				t.Errorf("Expected parse error naming %s, got %v", tt.name, err)
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"no hosts", func(c *Config) { c.Hosts = nil }, "at least one host"},
		{"bad port", func(c *Config) { c.Port = 70000 }, "port 70000 out of range"},
		{"no attempts", func(c *Config) { c.StartAttempts = 0 }, "start attempts"},
		{"negative rate", func(c *Config) { c.RateLimit = -1 }, "rate limit"},
		{"app without name", func(c *Config) { c.AuthMode = AuthModeApplication }, "requires an application"},
		{"unknown auth", func(c *Config) { c.AuthMode = "TOKEN" }, "unknown authentication mode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Expected valid config, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestConfigValidateReportsEveryProblem(t *testing.T) {
	cfg := &Config{AuthMode: AuthModeDirSvc}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Expected errors")
	}
	if !errors.Is(err, ErrMissingAuthName) {
		t.Errorf("Expected ErrMissingAuthName in %v", err)
	}
	for _, want := range []string{"host", "port", "start attempts"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Expected %q in %v", want, err)
		}
	}
}

func TestConfigNeedsAuthorization(t *testing.T) {
	for mode, want := range map[string]bool{
		"":            false,
		"NONE":        false,
		"none":        false,
		"LOGON":       true,
		"APPLICATION": true,
		"USER_APP":    true,
	} {
		cfg := &Config{AuthMode: mode}
		if got := cfg.NeedsAuthorization(); got != want {
			t.Errorf("NeedsAuthorization(%q) = %v, want %v", mode, got, want)
		}
	}
}

func TestConfigLimiter(t *testing.T) {
	if l := (&Config{}).Limiter(); l.Limit() != rate.Inf {
		t.Errorf("Expected unlimited limiter, got %v", l.Limit())
	}
	l := (&Config{RateLimit: 0.5}).Limiter()
	if l.Limit() != rate.Limit(0.5) || l.Burst() != 1 {
		t.Errorf("Expected 0.5/s burst 1, got %v burst %d", l.Limit(), l.Burst())
	}
	l = (&Config{RateLimit: 10}).Limiter()
	if l.Burst() != 10 {
		t.Errorf("Expected burst 10, got %d", l.Burst())
	}
}
