package mktdata

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/time/rate"
)

// Config holds the settings shared by the command-line programs. Values
// come from NewConfig defaults, then the environment, then flags.
type Config struct {
	Hosts         []string
	Port          int
	AuthMode      string
	AppName       string
	StartAttempts int
	AutoRestart   bool
	RateLimit     float64
	RecordPath    string
	S3Bucket      string
	S3BasePath    string
	RedisAddr     string
	MetricsAddr   string
}

func NewConfig() *Config {
	return &Config{
		Hosts:         []string{DefaultHost},
		Port:          DefaultPort,
		AuthMode:      AuthModeLogon,
		StartAttempts: DefaultStartAttempts,
	}
}

// LoadFromEnv overrides fields whose environment variables are set.
func (c *Config) LoadFromEnv() error {
	if hosts := strings.TrimSpace(os.Getenv("MKTDATA_HOSTS")); hosts != "" {
		c.Hosts = splitAndClean(hosts)
	}
	if p := strings.TrimSpace(os.Getenv("MKTDATA_PORT")); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return fmt.Errorf("parse MKTDATA_PORT: %w", err)
		}
		c.Port = port
	}
	c.AuthMode = firstNonEmpty(strings.TrimSpace(os.Getenv("MKTDATA_AUTH")), c.AuthMode)
	c.AppName = firstNonEmpty(strings.TrimSpace(os.Getenv("MKTDATA_APP_NAME")), c.AppName)

	if a := strings.TrimSpace(os.Getenv("MKTDATA_START_ATTEMPTS")); a != "" {
		attempts, err := strconv.Atoi(a)
		if err != nil {
			return fmt.Errorf("parse MKTDATA_START_ATTEMPTS: %w", err)
		}
		c.StartAttempts = attempts
	}
	if r := strings.TrimSpace(os.Getenv("MKTDATA_AUTO_RESTART")); r != "" {
		restart, err := strconv.ParseBool(r)
		if err != nil {
			return fmt.Errorf("parse MKTDATA_AUTO_RESTART: %w", err)
		}
		c.AutoRestart = restart
	}
	if r := strings.TrimSpace(os.Getenv("MKTDATA_RATE_LIMIT")); r != "" {
		limit, err := strconv.ParseFloat(r, 64)
		if err != nil {
			return fmt.Errorf("parse MKTDATA_RATE_LIMIT: %w", err)
		}
		c.RateLimit = limit
	}

	c.RecordPath = firstNonEmpty(strings.TrimSpace(os.Getenv("MKTDATA_RECORD_PATH")), c.RecordPath)
	c.S3Bucket = firstNonEmpty(strings.TrimSpace(os.Getenv("S3_BUCKET")), c.S3Bucket)
	c.S3BasePath = firstNonEmpty(strings.TrimSpace(os.Getenv("S3_BASE_PATH")), c.S3BasePath)
	c.RedisAddr = firstNonEmpty(strings.TrimSpace(os.Getenv("REDIS_ADDR")), c.RedisAddr)
	c.MetricsAddr = firstNonEmpty(strings.TrimSpace(os.Getenv("METRICS_ADDR")), c.MetricsAddr)
	return nil
}

// Validate checks the settings before any connection is attempted.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Hosts) == 0 {
		errs = append(errs, errors.New("at least one host is required"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.StartAttempts <= 0 {
		errs = append(errs, fmt.Errorf("start attempts must be positive, got %d", c.StartAttempts))
	}
	if c.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("rate limit must not be negative, got %g", c.RateLimit))
	}
	if _, err := c.AuthOptions(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Config) AuthOptions() (string, error) {
	return AuthOptions(c.AuthMode, c.AppName)
}

// NeedsAuthorization reports whether the auth mode requires the token and
// authorization exchange after the session starts.
func (c *Config) NeedsAuthorization() bool {
	mode := strings.ToUpper(strings.TrimSpace(c.AuthMode))
	return mode != "" && mode != AuthModeNone
}

func (c *Config) SessionOptions(metrics *Metrics) (SessionOptions, error) {
	authOpts, err := c.AuthOptions()
	if err != nil {
		return SessionOptions{}, err
	}
	return SessionOptions{
		Hosts:                      c.Hosts,
		Port:                       c.Port,
		NumStartAttempts:           c.StartAttempts,
		AutoRestartOnDisconnection: c.AutoRestart,
		AuthOptions:                authOpts,
		Metrics:                    metrics,
	}, nil
}

// Limiter returns the dispatcher pacing limiter; zero means unlimited.
func (c *Config) Limiter() *rate.Limiter {
	if c.RateLimit <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := int(c.RateLimit)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(c.RateLimit), burst)
}

func splitAndClean(csv string) []string {
	parts := strings.Split(csv, ",")
	cleaned := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	return cleaned
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
