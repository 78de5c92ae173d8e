// Package cmdutil holds the wiring shared by the example programs: flag
// binding, session start and authorization, recording and metrics.
package cmdutil

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	mktdata "github.com/felixmccuaig/mktdata-go"
)

// envErr holds the environment error seen by Setup until flags are parsed,
// so -h still prints usage.
var envErr error

// Setup configures global logging, loads .env and the environment, and
// returns the config the command's flags will be bound to. An invalid
// environment value is reported when the command runs.
func Setup() *mktdata.Config {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("failed to load .env file")
	}

	cfg := mktdata.NewConfig()
	envErr = cfg.LoadFromEnv()
	return cfg
}

// BindFlags registers the connection flags every example shares. Flag
// defaults are the values already loaded into cfg, so flags override the
// environment. The config is validated before RunE runs; a validation
// error prints usage without connecting. Errors are left to Exit to report.
func BindFlags(cmd *cobra.Command, cfg *mktdata.Config) {
	cmd.SilenceErrors = true
	flags := cmd.Flags()
	flags.StringSliceVar(&cfg.Hosts, "ip", cfg.Hosts, "server name or IP; repeat for failover order")
	flags.IntVar(&cfg.Port, "port", cfg.Port, "server port")
	flags.StringVar(&cfg.AuthMode, "auth", cfg.AuthMode, "authentication option: NONE|LOGON|APPLICATION|DIRSVC|USER_APP")
	flags.StringVar(&cfg.AppName, "name", cfg.AppName, "application name for APPLICATION/USER_APP, property name for DIRSVC")
	flags.IntVar(&cfg.StartAttempts, "attempts", cfg.StartAttempts, "session start attempts")
	flags.BoolVar(&cfg.AutoRestart, "auto-restart", cfg.AutoRestart, "restart the session after a disconnection")
	flags.Float64Var(&cfg.RateLimit, "rate", cfg.RateLimit, "max requests per second, 0 for unlimited")
	flags.StringVar(&cfg.RecordPath, "record", cfg.RecordPath, "directory to record inbound events to")
	flags.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "serve Prometheus metrics on this address")
	verbose := flags.BoolP("verbose", "v", false, "debug logging")

	prev := cmd.PreRunE
	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		if *verbose {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		}
		if envErr != nil {
			return fmt.Errorf("load configuration: %w", envErr)
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		if prev != nil {
			return prev(cmd, args)
		}
		return nil
	}
}

// Client is a started, optionally authorized session plus its taps.
type Client struct {
	Config   *mktdata.Config
	Session  *mktdata.Session
	Identity *mktdata.Identity
	Metrics  *mktdata.Metrics
	Recorder *mktdata.Recorder
	Logger   zerolog.Logger

	metricsSrv *http.Server
}

// Connect starts the session and, unless auth is NONE, authorizes it.
// Every resource acquired is released again on failure.
func Connect(ctx context.Context, cfg *mktdata.Config, logger zerolog.Logger) (c *Client, err error) {
	c = &Client{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = c.Close(context.Background())
			c = nil
		}
	}()

	reg := prometheus.NewRegistry()
	if c.Metrics, err = mktdata.NewMetrics(reg); err != nil {
		return c, err
	}
	if cfg.MetricsAddr != "" {
		c.serveMetrics(reg)
	}

	opts, err := cfg.SessionOptions(c.Metrics)
	if err != nil {
		return c, err
	}
	c.Session = mktdata.NewSession(opts, logger)
	if err := c.Session.Start(ctx); err != nil {
		return c, err
	}

	if cfg.NeedsAuthorization() {
		c.Identity, err = mktdata.NewAuthenticator(c.Session, logger).Authorize(ctx)
		if err != nil {
			return c, err
		}
	}

	if cfg.RecordPath != "" {
		var storage *mktdata.S3Storage
		if cfg.S3Bucket != "" {
			if storage, err = mktdata.NewS3Storage(ctx, cfg.S3Bucket, cfg.S3BasePath); err != nil {
				return c, fmt.Errorf("initialize S3 storage: %w", err)
			}
		}
		files := mktdata.NewFileManager(cfg.RecordPath)
		if c.Recorder, err = mktdata.NewRecorder(files, storage, c.Session.ID(), logger); err != nil {
			return c, err
		}
	}
	return c, nil
}

func (c *Client) serveMetrics(reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	c.metricsSrv = &http.Server{Addr: c.Config.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := c.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.Logger.Error().Err(err).Str("addr", c.Config.MetricsAddr).Msg("metrics server failed")
		}
	}()
	c.Logger.Info().Str("addr", c.Config.MetricsAddr).Msg("serving metrics")
}

func (c *Client) Dispatcher() *mktdata.Dispatcher {
	return mktdata.NewDispatcher(c.Session, c.Config.Limiter(), c.Logger)
}

// Loop returns an event loop over the session with the recorder attached.
func (c *Client) Loop(mode mktdata.Mode, handler mktdata.Handler) *mktdata.EventLoop {
	loop := &mktdata.EventLoop{
		Source:  c.Session,
		Handler: handler,
		Mode:    mode,
		Logger:  c.Logger,
		Metrics: c.Metrics,
	}
	if c.Recorder != nil {
		loop.Observers = append(loop.Observers, c.Recorder)
	}
	return loop
}

// Close stops the session and flushes the recorder. Safe to call twice.
func (c *Client) Close(ctx context.Context) error {
	var errs []error
	if c.Session != nil {
		errs = append(errs, c.Session.Stop())
	}
	if c.Recorder != nil {
		errs = append(errs, c.Recorder.Close(ctx))
	}
	if c.metricsSrv != nil {
		errs = append(errs, c.metricsSrv.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// Exit logs err and exits non-zero. A nil err exits zero.
func Exit(err error) {
	if err == nil {
		os.Exit(0)
	}
	log.Error().Err(err).Bool("fatal", mktdata.IsFatal(err)).Msg("run failed")
	os.Exit(1)
}
