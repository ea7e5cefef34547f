// Package main is the entry point for the masked email relay.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shineum/smtp-mask-relay/internal/config"
	"github.com/shineum/smtp-mask-relay/internal/provider"
	"github.com/shineum/smtp-mask-relay/internal/provider/ses"
	"github.com/shineum/smtp-mask-relay/internal/provider/smtprelay"
	"github.com/shineum/smtp-mask-relay/internal/provider/stdout"
	"github.com/shineum/smtp-mask-relay/internal/relay"
	"github.com/shineum/smtp-mask-relay/internal/smtp"
	"github.com/shineum/smtp-mask-relay/internal/srs"
	"github.com/shineum/smtp-mask-relay/internal/store"
	"github.com/shineum/smtp-mask-relay/internal/store/memory"
	"github.com/shineum/smtp-mask-relay/internal/store/mongo"
	"github.com/shineum/smtp-mask-relay/internal/store/postgres"
	"github.com/shineum/smtp-mask-relay/internal/store/sqlite"
	smtptls "github.com/shineum/smtp-mask-relay/internal/tls"
)

// storeConnectTimeout bounds opening the store at startup.
const storeConnectTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	flag.Parse()

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	setupLogger(cfg.Logging.Level)

	if err := cfg.LoadSRSFile(); err != nil {
		slog.Error("failed to load SRS configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to open store", "driver", cfg.Store.Driver, "error", err)
		os.Exit(1)
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()
		if err := st.Close(closeCtx); err != nil {
			slog.Warn("failed to close store", "error", err)
		}
	}()

	rewriter, err := srs.New(cfg.SRS.Secret, cfg.SRS.SenderDomain)
	if err != nil {
		slog.Error("failed to create SRS rewriter", "error", err)
		os.Exit(1)
	}
	senders := srs.NewReloadable(rewriter)

	if cfg.SRS.File != "" {
		err := config.WatchSRS(ctx, cfg.SRS.File, func(s config.SRSConfig) {
			next, err := srs.New(s.Secret, s.SenderDomain)
			if err != nil {
				slog.Error("rejecting reloaded SRS settings", "error", err)
				return
			}
			senders.Store(next)
		})
		if err != nil {
			slog.Warn("SRS config changes will not be picked up", "file", cfg.SRS.File, "error", err)
		}
	}

	engine := relay.NewEngine(st, st, senders,
		relay.WithLogger(slog.Default()),
		relay.WithQueryTimeout(cfg.Store.QueryTimeout),
	)

	// Load or generate TLS certificates
	tlsConfig, err := smtptls.LoadOrGenerateTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.SMTP.Hostname)
	if err != nil {
		slog.Error("failed to setup TLS", "error", err)
		os.Exit(1)
	}

	tlsMode := "self-signed"
	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		tlsMode = "file"
	}

	// Select email delivery provider
	prov, err := selectProvider(ctx, cfg)
	if err != nil {
		slog.Error("failed to create provider", "provider", cfg.Provider, "error", err)
		os.Exit(1)
	}

	if cfg.Metrics.Listen != "" {
		go serveMetrics(ctx, cfg.Metrics.Listen)
	}

	server := smtp.New(smtp.ServerConfig{
		ListenAddr:     cfg.SMTP.Listen,
		Hostname:       cfg.SMTP.Hostname,
		MaxMessageSize: cfg.SMTP.MaxMessageSize,
		Relay:          engine,
		Provider:       prov,
		TLSConfig:      tlsConfig,
	})

	slog.Info("starting mask-relay",
		"listen", cfg.SMTP.Listen,
		"hostname", cfg.SMTP.Hostname,
		"store", st.Name(),
		"provider", prov.Name(),
		"sender_domain", senders.SenderDomain(),
		"tls_mode", tlsMode,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		slog.Info("received signal, initiating shutdown", "signal", sig)
		cancel()
	}()

	// Start the server (blocks until context is cancelled)
	if err := server.ListenAndServe(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("mask-relay stopped")
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// openStore opens the configured alias and thread backend.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	ctx, cancel := context.WithTimeout(ctx, storeConnectTimeout)
	defer cancel()

	switch cfg.Store.Driver {
	case config.DriverMemory:
		st := memory.New()
		if cfg.Store.AliasFile != "" {
			if err := st.LoadFile(cfg.Store.AliasFile); err != nil {
				return nil, err
			}
		}
		return st, nil

	case config.DriverMongo:
		return mongo.Open(ctx, mongo.Config{
			URI:              cfg.Store.URI,
			Database:         cfg.Store.Database,
			AliasCollection:  cfg.Store.AliasCollection,
			ThreadCollection: cfg.Store.ThreadCollection,
			ConnectTimeout:   storeConnectTimeout,
		})

	case config.DriverPostgres:
		return postgres.Open(ctx, cfg.Store.URI, postgres.PoolConfig{MaxConns: cfg.Store.MaxConns})

	case config.DriverSQLite:
		return sqlite.Open(ctx, cfg.Store.URI)

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// selectProvider chooses the email delivery backend based on configuration.
// With no PROVIDER set, SES is used when configured, else stdout.
func selectProvider(ctx context.Context, cfg *config.Config) (provider.Provider, error) {
	switch cfg.Provider {
	case "ses":
		return newSES(ctx, cfg)

	case "smtp":
		slog.Info("using upstream SMTP provider",
			"host", cfg.Relay.Host,
			"tls", cfg.Relay.TLS,
			"starttls", cfg.Relay.StartTLS,
		)
		return smtprelay.New(smtprelay.Config{
			Host:        cfg.Relay.Host,
			Hostname:    cfg.SMTP.Hostname,
			UseTLS:      cfg.Relay.TLS,
			UseStartTLS: cfg.Relay.StartTLS,
			TLSVerify:   cfg.Relay.TLSVerify,
		})

	case "stdout":
		slog.Info("using stdout provider")
		return stdout.New(), nil

	case "":
		// Auto-detection fallback
		if cfg.SESConfigured() {
			return newSES(ctx, cfg)
		}
		slog.Info("no provider configured, using stdout provider")
		return stdout.New(), nil

	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

func newSES(ctx context.Context, cfg *config.Config) (provider.Provider, error) {
	slog.Info("using AWS SES provider",
		"region", cfg.SES.Region,
		"sender", cfg.SES.Sender,
	)
	return ses.New(ctx, ses.SESProviderConfig{
		Region:           cfg.SES.Region,
		AccessKeyID:      cfg.SES.AccessKeyID,
		SecretAccessKey:  cfg.SES.SecretAccessKey,
		Sender:           cfg.SES.Sender,
		ConfigurationSet: cfg.SES.ConfigurationSet,
	})
}

// serveMetrics exposes Prometheus metrics on addr until ctx is cancelled.
func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("serving metrics", "listen", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("metrics server error", "error", err)
	}
}
