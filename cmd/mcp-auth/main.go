// Command mcp-auth runs the OAuth 2.1 authorization server.
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

	"github.com/joho/godotenv"

	mcpauth "github.com/authagent/mcp-auth"
	"github.com/authagent/mcp-auth/identity"
	"github.com/authagent/mcp-auth/instrumentation"
	"github.com/authagent/mcp-auth/server"
	"github.com/authagent/mcp-auth/storage"
	"github.com/authagent/mcp-auth/storage/memory"
	"github.com/authagent/mcp-auth/storage/postgres"
	"github.com/authagent/mcp-auth/storage/redis"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "mcp-auth:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to YAML config file")
	envFile := flag.String("env-file", "", "path to .env file (optional)")
	flag.Parse()

	// A missing default .env is fine; an explicitly named one is not.
	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			return fmt.Errorf("failed to load env file: %w", err)
		}
	} else {
		_ = godotenv.Load()
	}

	cfg, err := mcpauth.LoadConfig(*configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
		Enabled:        cfg.Observability.Enabled,
		LogClientIPs:   cfg.Observability.LogClientIPs,
	})
	if err != nil {
		return fmt.Errorf("failed to set up instrumentation: %w", err)
	}

	serverCfg, err := cfg.ServerConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	stores, counter, closeStores, err := buildStores(ctx, cfg, serverCfg, inst, logger)
	if err != nil {
		return err
	}
	defer closeStores()

	verifier := identity.NewOTPService(buildSender(cfg, logger), logger)

	auth, err := mcpauth.New(mcpauth.Options{
		ClientStore:       stores.clients,
		ResourceStore:     stores.resources,
		FlowStore:         stores.flows,
		TokenStore:        stores.tokens,
		ConsentStore:      stores.consents,
		Verifier:          verifier,
		Config:            serverCfg,
		Logger:            logger,
		Instrumentation:   inst,
		Counter:           counter,
		AuditEnabled:      cfg.Audit.Enabled,
		RequestsPerSecond: cfg.Rate.RequestsPerSecond,
		Burst:             cfg.Rate.Burst,
	})
	if err != nil {
		return err
	}

	readTimeout, _ := time.ParseDuration(cfg.Server.ReadTimeout)
	writeTimeout, _ := time.ParseDuration(cfg.Server.WriteTimeout)
	shutdownTimeout, _ := time.ParseDuration(cfg.Server.ShutdownTimeout)

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      auth.Routes(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting authorization server",
			"addr", cfg.Server.Addr,
			"issuer", serverCfg.Issuer,
			"storage", cfg.Storage.Backend)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	return auth.Close(shutdownCtx)
}

// storeSet groups the storage interfaces a backend provides.
type storeSet struct {
	clients   storage.ClientStore
	resources storage.ResourceStore
	flows     storage.FlowStore
	tokens    storage.TokenStore
	consents  storage.ConsentStore
}

// buildStores constructs the configured storage backend. The returned
// counter is nil unless the backend offers a shared one.
func buildStores(
	ctx context.Context,
	cfg *mcpauth.FileConfig,
	serverCfg *server.Config,
	inst *instrumentation.Instrumentation,
	logger *slog.Logger,
) (storeSet, storage.Counter, func(), error) {
	switch cfg.Storage.Backend {
	case "memory":
		store := memory.New(logger)
		if err := inst.RegisterStorageSizeCallbacks(
			store.RequestsCount, store.PairsCount, store.ClientsCount); err != nil {
			logger.Warn("failed to register storage gauges", "error", err)
		}
		return fromSingle(store), nil, store.Close, nil

	case "redis":
		requestTTL, codeTTL, pairTTL := flowTTLs(serverCfg)
		store, err := redis.New(ctx, redis.Config{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
			Prefix:   cfg.Storage.Redis.Prefix,
		}, requestTTL, codeTTL, pairTTL, logger)
		if err != nil {
			return storeSet{}, nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return fromSingle(store), store.NewCounter(), func() { _ = store.Close() }, nil

	case "postgres":
		store, err := postgres.New(ctx, cfg.Storage.Postgres.DSN, logger)
		if err != nil {
			return storeSet{}, nil, nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		return fromSingle(store), nil, store.Close, nil
	}
	return storeSet{}, nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
}

// flowTTLs derives the redis key TTLs from the flow config, applying
// the same defaults the flow server would.
func flowTTLs(cfg *server.Config) (request, code, pair time.Duration) {
	seconds := func(v, fallback int64) time.Duration {
		if v == 0 {
			v = fallback
		}
		return time.Duration(v) * time.Second
	}
	return seconds(cfg.AuthorizationRequestTTL, 900),
		seconds(cfg.AuthorizationCodeTTL, 600),
		seconds(cfg.RefreshTokenTTL, 2592000)
}

// fromSingle adapts a backend implementing every store interface.
func fromSingle[T interface {
	storage.ClientStore
	storage.ResourceStore
	storage.FlowStore
	storage.TokenStore
	storage.ConsentStore
}](store T) storeSet {
	return storeSet{
		clients:   store,
		resources: store,
		flows:     store,
		tokens:    store,
		consents:  store,
	}
}

// buildSender picks the OTP delivery mechanism.
func buildSender(cfg *mcpauth.FileConfig, logger *slog.Logger) identity.Sender {
	if cfg.OTP.Sender == "smtp" {
		return identity.NewSMTPSender(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.From,
			cfg.SMTP.Username, cfg.SMTP.Password)
	}
	logger.Warn("verification codes will be written to the log; configure otp.sender=smtp for production")
	return &identity.LogSender{Logf: func(format string, args ...any) {
		logger.Info(fmt.Sprintf(format, args...))
	}}
}

// newLogger builds the process logger from config.
func newLogger(cfg *mcpauth.FileConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Log.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
