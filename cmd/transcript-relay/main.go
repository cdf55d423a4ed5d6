package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/soferai/transcript-relay/internal/api"
	"github.com/soferai/transcript-relay/internal/config"
	"github.com/soferai/transcript-relay/internal/cookies"
	"github.com/soferai/transcript-relay/internal/localstore"
	"github.com/soferai/transcript-relay/internal/relay"
	"github.com/soferai/transcript-relay/internal/soferapi"
)

var version = "dev"

func main() {
	startTime := time.Now()

	var overrides config.Overrides
	flag.StringVar(&overrides.EnvFile, "env-file", "", "path to .env file (default .env)")
	flag.StringVar(&overrides.HTTPAddr, "http-addr", "", "HTTP listen address")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "log level")
	flag.StringVar(&overrides.CookieDBPath, "cookie-db", "", "path to the browser profile cookie database")
	flag.StringVar(&overrides.StorePath, "store", "", "path to the local state database")
	flag.Parse()

	// Config
	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	// Logger
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Msg("transcript-relay starting")

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Local state store
	storeLog := log.With().Str("component", "localstore").Logger()
	store, err := localstore.Open(cfg.StorePath, storeLog)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open local store")
	}
	defer store.Close()

	// Environment toggle: a persisted choice wins over config
	env := config.NewEnv(cfg)
	if name, ok, err := store.Environment(ctx); err == nil && ok {
		if env.Set(name) {
			log.Info().Str("environment", name).Msg("restored persisted environment")
		}
	}
	log.Info().Str("environment", env.Name()).Str("base_url", env.BaseURL()).Msg("environment configured")

	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, statErr := os.Stat(envFile); statErr == nil {
		if err := config.WatchEnvFile(ctx, envFile, env, log.With().Str("component", "envwatch").Logger()); err != nil {
			log.Warn().Err(err).Msg("env file watcher not started")
		}
	}

	// Browser cookie store + credential resolver
	cookieStore, err := cookies.OpenSQLiteStore(cfg.CookieDBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open cookie store")
	}
	defer cookieStore.Close()

	resolver := cookies.NewResolver(cookieStore, cfg.AuthOrigins, cfg.CookieNames, cfg.CookiePrefix,
		log.With().Str("component", "cookies").Logger())

	// Transcription API client
	client := soferapi.NewClient(soferapi.Options{
		Env:     env,
		Tokens:  resolver,
		Records: store,
		Auth:    store,
		Timeout: cfg.RequestTimeout,
		Log:     log.With().Str("component", "soferapi").Logger(),
	})

	// Push hub + relay
	hub := api.NewHub(log.With().Str("component", "hub").Logger())
	rly := relay.New(relay.Options{
		Client:   client,
		Env:      env,
		Pusher:   hub,
		Interval: cfg.PollInterval,
		Log:      log.With().Str("component", "relay").Logger(),
	})

	// HTTP Server
	httpLog := log.With().Str("component", "http").Logger()
	srv := api.NewServer(cfg, api.Handlers{
		Messages:    api.NewMessagesHandler(rly),
		Environment: api.NewEnvironmentHandler(env, store),
		Health:      api.NewHealthHandler(store, cookieStore, rly, env, version, startTime),
		Hub:         hub,
	}, httpLog)

	// Start HTTP server in background
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// Wait for shutdown signal or server error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	// Graceful shutdown with 10s timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	// All poll timers are cancelled on teardown; nothing survives a restart.
	rly.Shutdown()

	log.Info().Msg("transcript-relay stopped")
}
