package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/p-blackswan/clawd-bridge/internal/api"
	"github.com/p-blackswan/clawd-bridge/internal/bridge"
	"github.com/p-blackswan/clawd-bridge/internal/config"
	"github.com/p-blackswan/clawd-bridge/internal/health"
	"github.com/p-blackswan/clawd-bridge/internal/metrics"
	"github.com/p-blackswan/clawd-bridge/internal/retry"
	"github.com/p-blackswan/clawd-bridge/internal/session"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	flagSet := pflag.NewFlagSet("clawd-bridge", pflag.ContinueOnError)
	envFile := flagSet.String("env-file", ".env", "dotenv file to load before reading the environment")
	showVersion := flagSet.Bool("version", false, "print version and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	if *showVersion {
		fmt.Println("clawd-bridge", version)
		return
	}

	if err := config.LoadEnvFile(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	log.Logger = logger

	// Load config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	if cfg.IsDevelopment() {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		log.Logger = logger
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err == nil {
		zerolog.SetGlobalLevel(level)
	}

	logger.Info().
		Str("version", version).
		Str("environment", cfg.Environment).
		Str("listen_addr", cfg.ListenAddr()).
		Str("gateway", fmt.Sprintf("%s:%d", cfg.ClawdHost, cfg.ClawdPort)).
		Str("session_store", cfg.SessionStore).
		Msg("starting clawd bridge")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Session store
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open session store")
	}
	defer store.Close()
	registry := session.NewRegistry(store, logger)

	// Gateway client
	gwCfg := bridge.DefaultConfig()
	gwCfg.Host = cfg.ClawdHost
	gwCfg.Port = cfg.ClawdPort
	gwCfg.Token = cfg.ClawdToken
	gwCfg.AgentID = cfg.ClawdAgentID
	gwCfg.Locale = cfg.ClawdLocale
	gwCfg.Timeout = cfg.ClawdTimeout
	client := bridge.NewClient(gwCfg, logger)

	// Health checker
	checker := health.NewChecker(logger)
	checker.Register("gateway", health.TCPCheck(client.Addr(), 2*time.Second))
	checker.Register("sessions", health.PingCheck(registry.Ping))

	m := metrics.New()

	server := api.NewServer(api.ServerConfig{
		ListenAddr: cfg.ListenAddr(),
		Token:      cfg.Token,
		ModelName:  cfg.ModelName,
		RateLimit: api.RateLimitConfig{
			RPS:   cfg.RateLimitRPS,
			Burst: cfg.RateLimitBurst,
		},
		CORSOrigins: cfg.CORSOrigins,
	}, client, registry, checker, m, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	// Wait for shutdown signal or a listener failure
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down gracefully")
	case err := <-errCh:
		logger.Error().Err(err).Msg("api server error")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("api server shutdown error")
	}

	logger.Info().Msg("clawd bridge stopped")
}

// openStore opens the configured backend, retrying while it comes up.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (session.Store, error) {
	var store session.Store
	err := retry.Do(ctx, retry.DefaultConfig(), func(ctx context.Context) error {
		s, err := dialStore(cfg, logger)
		if err != nil {
			logger.Warn().Err(err).Str("session_store", cfg.SessionStore).Msg("session store not ready")
			return err
		}
		store = s
		return nil
	})
	return store, err
}

func dialStore(cfg *config.Config, logger zerolog.Logger) (session.Store, error) {
	switch cfg.SessionStore {
	case config.StoreSQLite:
		return session.NewSQLiteStore(cfg.SessionDBPath, logger)
	case config.StoreRedis:
		return session.NewRedisStore(session.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Key:      cfg.RedisKey,
		})
	default:
		return session.NewMemoryStore(), nil
	}
}
