package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rcourtman/pulse-entitlements/internal/billing/entitlements"
	"github.com/rcourtman/pulse-entitlements/internal/billing/records"
	billingstripe "github.com/rcourtman/pulse-entitlements/internal/billing/stripe"
	"github.com/rcourtman/pulse-entitlements/internal/logging"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

// Run starts the entitlement HTTP server with graceful shutdown.
func Run(ctx context.Context, version string) error {
	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	initLogging(cfg)

	log.Info().Str("version", version).Msg("Starting Pulse entitlement service")

	store, err := OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	recordStore, err := records.OpenSQLite(cfg.RecordsDir())
	if err != nil {
		return fmt.Errorf("open records store: %w", err)
	}
	defer recordStore.Close()

	deps := &Deps{
		Config:  cfg,
		Store:   store,
		Records: recordStore,
		Stripe:  billingstripe.NewAPIClient(cfg.StripeAPIKey),
		Version: version,
	}
	mux := http.NewServeMux()
	RegisterRoutes(mux, deps)

	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           cfg.TrustedProxies.Middleware(requestID(mux)),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		runEntitlementMetrics(gctx, store, deps.WebhookLimiter, deps.APILimiter)
		return nil
	})
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("Entitlement service listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
		return nil
	})

	err = g.Wait()
	log.Info().Msg("Entitlement service stopped")
	return err
}

// OpenStore opens the configured entitlement store: Postgres when a database
// URL is set, otherwise SQLite under the data directory. Postgres migrations
// are applied before returning.
func OpenStore(ctx context.Context, cfg *Config) (entitlements.Store, error) {
	if cfg.DatabaseURL == "" {
		store, err := entitlements.OpenSQLite(cfg.EntitlementsDir())
		if err != nil {
			return nil, fmt.Errorf("open entitlement store: %w", err)
		}
		log.Info().Str("dir", cfg.EntitlementsDir()).Msg("Using SQLite entitlement store")
		return store, nil
	}

	store, err := entitlements.ConnectPostgres(ctx, entitlements.PostgresConfig{URL: cfg.DatabaseURL})
	if err != nil {
		return nil, fmt.Errorf("connect entitlement database: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate entitlement database: %w", err)
	}
	log.Info().Msg("Using Postgres entitlement store")
	return store, nil
}

func initLogging(cfg *Config) {
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "entitlements",
	})
}
