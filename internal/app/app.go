// Package app wires every core component described in spec §5 into one
// running process: config, infrastructure, the supervision pipeline
// (A-E), the token refresh engine (H) behind the auth gate (I), the
// webhook processor (J), the cleanup reconciler (K), and the HTTP server
// that fronts all of it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/fleetbridge/fleetd/internal/audit"
	"github.com/fleetbridge/fleetd/internal/config"
	"github.com/fleetbridge/fleetd/internal/httpserver"
	"github.com/fleetbridge/fleetd/internal/platform"
	"github.com/fleetbridge/fleetd/internal/store/pgstore"
	"github.com/fleetbridge/fleetd/internal/telemetry"
	"github.com/fleetbridge/fleetd/pkg/authgate"
	"github.com/fleetbridge/fleetd/pkg/credcache"
	"github.com/fleetbridge/fleetd/pkg/logsink"
	"github.com/fleetbridge/fleetd/pkg/oauthprovider"
	"github.com/fleetbridge/fleetd/pkg/portalloc"
	"github.com/fleetbridge/fleetd/pkg/reconciler"
	"github.com/fleetbridge/fleetd/pkg/registry"
	"github.com/fleetbridge/fleetd/pkg/supervisor"
	"github.com/fleetbridge/fleetd/pkg/tokenrefresh"
	"github.com/fleetbridge/fleetd/pkg/webhook"
)

// gateways lists the billing webhook senders this deployment accepts.
// Only one payment processor is wired today; adding a second means adding
// its name here and its WEBHOOK_<NAME>_SECRET env var.
var gateways = []string{"razorpay"}

// Run is the main application entry point: it loads infrastructure,
// assembles every component, serves HTTP, and blocks until ctx is
// cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting fleetd", "listen", cfg.ListenAddr())

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	reg, err := registry.Load(cfg.ServiceRegistryPath)
	if err != nil {
		return fmt.Errorf("loading service registry: %w", err)
	}

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	store := pgstore.New(db)

	// --- Supervision pipeline (components A-E) ---

	ports, err := portalloc.New(cfg.PortRangeLow, cfg.PortRangeHigh)
	if err != nil {
		return fmt.Errorf("building port allocator: %w", err)
	}
	logs := logsink.New("logs")
	sup := supervisor.New(logger, ports, logs, reg, store)

	healthCtx, cancelHealth := context.WithCancel(ctx)
	defer cancelHealth()
	go sup.RunHealthMonitor(healthCtx)

	// --- Audit log writer (async, buffered) ---

	auditWriter := audit.NewWriter(db, logger)
	auditWriter.Start(ctx)
	defer auditWriter.Close()

	// --- OAuth providers + token refresh engine (H) behind the auth gate (I) ---

	providerNames := distinctOAuthProviders(reg)
	credentials := config.OAuthCredentials(providerNames)

	providers := oauthprovider.NewRegistry(
		oauthprovider.NewGeneric("github", "https://github.com/login/oauth/authorize", "https://github.com/login/oauth/access_token"),
		oauthprovider.NewGeneric("notion", "https://api.notion.com/v1/oauth/authorize", "https://api.notion.com/v1/oauth/token"),
		oauthprovider.NewGeneric("dropbox", "https://www.dropbox.com/oauth2/authorize", "https://api.dropboxapi.com/oauth2/token"),
		oauthprovider.NewGeneric("google", "https://accounts.google.com/o/oauth2/v2/auth", "https://oauth2.googleapis.com/token"),
		oauthprovider.NewGeneric("figma", "https://www.figma.com/oauth", "https://www.figma.com/api/oauth/token"),
		oauthprovider.NewSlack(),
	)

	refreshEngine := tokenrefresh.New(credcache.New(), store, providers, auditWriter, logger)
	gate := authgate.New(refreshEngine, store, logger)

	credentialLookup := make(map[string]httpserver.OAuthCredentialLookup, len(credentials))
	for name, cred := range credentials {
		credentialLookup[name] = httpserver.OAuthCredentialLookup{ClientID: cred.ClientID, ClientSecret: cred.ClientSecret}
	}
	oauthHandler := httpserver.NewOAuthHandler(providers, reg, credentialLookup, store, logger, cfg.PublicDomain)

	// --- Webhook processor (J) ---

	webhookSecrets := config.WebhookSecrets(gateways)
	webhookProcessor := webhook.New(store, webhookSecrets, logger).WithRedis(rdb)

	// --- Cleanup reconciler (K) ---

	recon := reconciler.New(store, sup, logger)
	if cfg.ReconcileIntervalSeconds > 0 {
		recon = recon.WithInterval(time.Duration(cfg.ReconcileIntervalSeconds) * time.Second)
	}
	recon = recon.WithRedis(rdb, uuid.NewString())
	reconCtx, cancelRecon := context.WithCancel(ctx)
	defer cancelRecon()
	go recon.Run(reconCtx)

	// --- HTTP server ---

	auditHandler := audit.NewHandler(logger, store)

	srv := httpserver.NewServer(cfg, logger, db, rdb, metricsReg, gate, sup, webhookProcessor, auditHandler, oauthHandler)

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutting down http server", "error", err)
		}
		sup.Shutdown(context.Background(), 30*time.Second)
		return nil
	case err := <-errCh:
		return err
	}
}

// distinctOAuthProviders returns the unique oauth_provider names referenced
// by the enabled service catalog, in the order the registry returns them.
func distinctOAuthProviders(reg *registry.Registry) []string {
	seen := make(map[string]bool)
	var out []string
	for _, svc := range reg.All() {
		if svc.OAuthProvider == "" || seen[svc.OAuthProvider] {
			continue
		}
		seen[svc.OAuthProvider] = true
		out = append(out, svc.OAuthProvider)
	}
	return out
}
