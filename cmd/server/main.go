package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/internal/api"
	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/internal/audit"
	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/internal/config"
	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/internal/crypto"
	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/internal/keystore"
	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/internal/oauthflow"
	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/internal/rotation"
	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/internal/storage"
	"github.com/neoiadev63-dev/pierre-mcp-server-sub000/internal/vault"
)

func main() {
	// Configure zerolog
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfgFile := "config.yaml"
	if v := os.Getenv("CREDVAULT_CONFIG"); v != "" {
		cfgFile = v
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.DBUrl == "" {
		log.Fatal().Msg("db_url must be configured (or DATABASE_URL env var)")
	}

	ctx := context.Background()

	store, err := storage.NewPostgresStore(ctx, cfg.DBUrl, cfg.Pool)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer store.Close()

	if err := storage.RunMigrations(cfg.DBUrl, cfg.MigrationsDir); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}
	log.Info().Msg("migrations applied")

	auditor := audit.NewRecorder(store, log.Logger)

	// Start on a throwaway bootstrap key, then swap in the configured key.
	// The swap happens before any data is encrypted, so nothing is ever
	// sealed under the bootstrap key in normal operation.
	bootKey, err := crypto.GenerateMasterKey()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to generate bootstrap key")
	}
	keys, err := keystore.New(bootKey, store, auditor)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create key store")
	}
	crypto.Zero(bootKey)

	masterKey, err := cfg.MasterKey()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid master key")
	}
	if masterKey == nil {
		log.Warn().Msg("no master key configured, generating an ephemeral key; encrypted data will not survive a restart")
		if masterKey, err = crypto.GenerateMasterKey(); err != nil {
			log.Fatal().Err(err).Msg("failed to generate master key")
		}
	}
	if err := keys.ReplaceMasterKey(masterKey); err != nil {
		log.Fatal().Err(err).Msg("failed to install master key")
	}
	crypto.Zero(masterKey)

	v := vault.New(store, keys, auditor)
	flows := oauthflow.NewStateMachine(store, keys, auditor)
	rotator := rotation.New(cfg.Rotation, store, keys, auditor, log.Logger)

	rotCtx, stopRotator := context.WithCancel(ctx)
	go func() {
		if err := rotator.Run(rotCtx); err != nil && rotCtx.Err() == nil {
			log.Error().Err(err).Msg("rotation scheduler stopped")
		}
	}()

	// Sweep expired codes, states, and refresh tokens so the tables do
	// not accumulate dead single-use rows.
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-rotCtx.Done():
				return
			case <-ticker.C:
				if n, err := flows.PurgeExpired(rotCtx); err != nil {
					log.Error().Err(err).Msg("expired token purge failed")
				} else if n > 0 {
					log.Debug().Int64("purged", n).Msg("purged expired oauth artifacts")
				}
			}
		}
	}()

	if cfg.AdminToken == "" {
		log.Warn().Msg("admin_token not configured, management API will reject all requests")
	}

	srv := api.NewServer(v, rotator, auditor, api.Config{
		ListenAddr: cfg.ListenAddr,
		AdminToken: cfg.AdminToken,
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	log.Info().Str("addr", cfg.ListenAddr).Bool("cookie_secure", cfg.CookieSecure()).Msg("server started")
	<-quit

	log.Info().Msg("shutting down...")
	stopRotator()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	log.Info().Msg("server stopped")
}
