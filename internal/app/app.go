package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"

	"github.com/guardant/guardant/internal/audit"
	"github.com/guardant/guardant/internal/auth"
	"github.com/guardant/guardant/internal/config"
	"github.com/guardant/guardant/internal/httpserver"
	"github.com/guardant/guardant/internal/platform"
	"github.com/guardant/guardant/internal/seed"
	"github.com/guardant/guardant/internal/telemetry"
	"github.com/guardant/guardant/internal/version"
	"github.com/guardant/guardant/pkg/archive"
	"github.com/guardant/guardant/pkg/bus"
	"github.com/guardant/guardant/pkg/controlplane"
	"github.com/guardant/guardant/pkg/dispatcher"
	"github.com/guardant/guardant/pkg/incident"
	"github.com/guardant/guardant/pkg/ingest"
	"github.com/guardant/guardant/pkg/notify"
	"github.com/guardant/guardant/pkg/registry"
	"github.com/guardant/guardant/pkg/service"
)

// Run is the main entry point for every cmd/guardant runtime mode. It reads
// config, connects to infrastructure, and dispatches to the selected mode.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting guardant",
		"mode", cfg.Mode,
		"listen", cfg.ListenAddr(),
	)

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, "guardant", version.Version)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error("shutting down tracer", "error", err)
		}
	}()

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

	if err := platform.RunGlobalMigrations(cfg.DatabaseURL, cfg.MigrationsGlobalDir); err != nil {
		return fmt.Errorf("running global migrations: %w", err)
	}
	logger.Info("global migrations applied")

	if cfg.Mode == "migrate" {
		return nil
	}

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb, metricsReg)
	case "coordinator":
		return runCoordinator(ctx, cfg, logger, db, rdb)
	case "aggregator":
		return runAggregator(ctx, cfg, logger, db, rdb)
	case "seed":
		return seed.Run(ctx, db, cfg.DatabaseURL, cfg.MigrationsNestDir, logger)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

func connectBus(ctx context.Context, cfg *config.Config, logger *slog.Logger) (bus.MessageBus, error) {
	b, err := bus.Dial(ctx, cfg.BrokerURL, logger)
	if err != nil {
		return nil, fmt.Errorf("connecting to broker: %w", err)
	}
	return b, nil
}

// newWorkerRegistry builds the Worker Registry wired to a RabbitMQ
// management-API provisioner, so worker approval issues a broker account
// scoped to that worker alongside the Redis-side registration record.
func newWorkerRegistry(rdb *redis.Client, b bus.MessageBus, logger *slog.Logger, cfg *config.Config) *registry.Registry {
	brokerURL, err := url.Parse(cfg.BrokerURL)
	if err != nil {
		logger.Warn("parsing broker URL for provisioning", "error", err)
		return registry.New(rdb, b, logger, nil, "")
	}
	adminUser := brokerURL.User.Username()
	adminPass, _ := brokerURL.User.Password()
	vhost := brokerURL.Path

	provisioner := registry.NewRabbitMQProvisioner(&http.Client{Timeout: 10 * time.Second}, cfg.BrokerManagementURL, vhost, adminUser, adminPass)

	dialURL := url.URL{Scheme: "amqp", Host: brokerURL.Host, Path: vhost}
	return registry.New(rdb, b, logger, provisioner, dialURL.String())
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry) error {
	// Session manager.
	sessionSecret := cfg.SessionSecret
	if sessionSecret == "" {
		sessionSecret = auth.GenerateDevSecret()
		logger.Info("session: using auto-generated dev secret (set GUARDANT_SESSION_SECRET in production)")
	}
	sessionMaxAge, err := time.ParseDuration(cfg.SessionMaxAge)
	if err != nil {
		return fmt.Errorf("parsing session max age %q: %w", cfg.SessionMaxAge, err)
	}
	sessionMgr, err := auth.NewSessionManager(sessionSecret, sessionMaxAge)
	if err != nil {
		return fmt.Errorf("creating session manager: %w", err)
	}

	// OIDC authenticator (optional — nil if not configured).
	var oidcAuth *auth.OIDCAuthenticator
	var oidcFlow *auth.OIDCFlowHandler
	if cfg.OIDCIssuerURL != "" && cfg.OIDCClientID != "" {
		oidcAuth, err = auth.NewOIDCAuthenticator(ctx, cfg.OIDCIssuerURL, cfg.OIDCClientID)
		if err != nil {
			return fmt.Errorf("initializing OIDC authenticator: %w", err)
		}
		logger.Info("OIDC authentication enabled", "issuer", cfg.OIDCIssuerURL)

		// The Authorization Code flow (login/callback redirects) is only
		// wired up if a client secret and redirect URL are also configured;
		// without them, Bearer-token validation via oidcAuth still works for
		// tokens issued some other way, but this server can't drive its own
		// login redirect.
		if cfg.OIDCClientSecret != "" && cfg.OIDCRedirectURL != "" {
			oauth2Cfg := &oauth2.Config{
				ClientID:     cfg.OIDCClientID,
				ClientSecret: cfg.OIDCClientSecret,
				RedirectURL:  cfg.OIDCRedirectURL,
				Endpoint:     oidcAuth.Endpoint(),
				Scopes:       cfg.OIDCScopes,
			}
			oidcFlow = auth.NewOIDCFlowHandler(oauth2Cfg, oidcAuth, sessionMgr, rdb, logger)
			logger.Info("OIDC login redirect flow enabled", "redirect_url", cfg.OIDCRedirectURL)
		}
	} else {
		logger.Info("OIDC authentication disabled (OIDC_ISSUER_URL not set)")
	}

	b, err := connectBus(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			logger.Error("closing bus", "error", err)
		}
	}()

	// Audit log writer (async, buffered).
	auditWriter := audit.NewWriter(db, logger)
	auditWriter.Start(ctx)
	defer auditWriter.Close()

	reg := newWorkerRegistry(rdb, b, logger, cfg)
	ingestStore := ingest.NewStore(rdb)

	srv := httpserver.NewServer(cfg, logger, db, rdb, metricsReg, sessionMgr, oidcAuth)

	// --- Auth routes (public, pre-authentication) ---
	oidcLoginURL := ""
	if oidcFlow != nil {
		oidcLoginURL = "/auth/oidc/login"
	}
	loginHandler := auth.NewLoginHandler(sessionMgr, db, logger, oidcAuth != nil, oidcLoginURL)
	srv.Router.Post("/auth/login", loginHandler.HandleLogin)
	srv.Router.Get("/auth/config", loginHandler.HandleAuthConfig)
	srv.Router.Get("/auth/me", loginHandler.HandleMe)
	srv.Router.Post("/auth/logout", loginHandler.HandleLogout)
	if oidcFlow != nil {
		srv.Router.Get("/auth/oidc/login", oidcFlow.HandleLogin)
		srv.Router.Get("/auth/oidc/callback", oidcFlow.HandleCallback)
	}

	// --- Public status page + SSE (no auth) ---
	statusHandler := controlplane.NewStatusHandler(db, ingestStore, logger)
	srv.Router.Mount("/status", statusHandler.Routes())

	// Unauthenticated system status (uptime, DB/Redis health).
	srv.Router.Get("/system-status", srv.HandleStatus)

	// --- Worker Agent public surface (register/heartbeat, no auth) ---
	workersHandler := controlplane.NewWorkersHandler(reg, b, logger, auditWriter)
	srv.Router.Mount("/api/v1/workers", workersHandler.PublicRoutes())

	// Compatibility alias: same pending-registrations payload as
	// /api/v1/platform/workers/pending, served at the source system's other
	// historical path.
	srv.Router.Route("/api/v1/workers/registrations", func(r chi.Router) {
		r.Use(auth.Middleware(sessionMgr, oidcAuth, db, logger))
		r.Use(auth.RequireRole(auth.RolePlatformAdmin))
		r.Mount("/", workersHandler.RegistrationsAliasRoutes())
	})

	// --- Platform-admin surface: authenticated, but explicitly not
	// nest-scoped since a platform admin operates across every nest. ---
	platformHandler := controlplane.NewPlatformHandler(db, reg, logger)
	srv.Router.Route("/api/v1/platform", func(r chi.Router) {
		r.Use(auth.Middleware(sessionMgr, oidcAuth, db, logger))
		r.Use(auth.RequireRole(auth.RolePlatformAdmin))
		r.Get("/stats", platformHandler.HandleStats)
		r.Get("/regions", platformHandler.HandleRegions)
		r.Mount("/workers", workersHandler.AdminRoutes())
	})

	// --- Nest-scoped, authenticated domain routes ---
	serviceHandler := service.NewHandler(logger, auditWriter)
	srv.APIRouter.Mount("/services", serviceHandler.Routes())

	incidentHandler := incident.NewHandler(logger, auditWriter)
	srv.APIRouter.Mount("/incidents", incidentHandler.Routes())

	auditHandler := audit.NewHandler(logger)
	srv.APIRouter.Mount("/audit-log", auditHandler.Routes())

	srv.APIRouter.Get("/status", srv.HandleStatus)

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// runCoordinator runs the dispatcher loop: polling due services and
// publishing probe tasks onto the bus for workers to pick up.
func runCoordinator(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client) error {
	b, err := connectBus(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			logger.Error("closing bus", "error", err)
		}
	}()

	reg := newWorkerRegistry(rdb, b, logger, cfg)

	tickInterval, err := time.ParseDuration(cfg.DispatchTickInterval)
	if err != nil {
		return fmt.Errorf("parsing dispatch tick interval %q: %w", cfg.DispatchTickInterval, err)
	}

	d := dispatcher.New(db, rdb, b, reg, logger, tickInterval, cfg.ShardIndex, cfg.ShardCount)
	logger.Info("coordinator started", "shard_index", cfg.ShardIndex, "shard_count", cfg.ShardCount)
	return d.Run(ctx)
}

// runAggregator runs the result-ingest loop: consuming probe results from the
// bus, voting on service status, and opening/closing incidents.
func runAggregator(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client) error {
	b, err := connectBus(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			logger.Error("closing bus", "error", err)
		}
	}()

	slackNotifier := notify.NewSlack(cfg.SlackBotToken, cfg.SlackAlertChannel, logger)
	if slackNotifier.IsEnabled() {
		logger.Info("slack incident notifications enabled", "channel", cfg.SlackAlertChannel)
	} else {
		logger.Info("slack incident notifications disabled (SLACK_BOT_TOKEN not set)")
	}

	var archiver *archive.Reconciler
	if cfg.ArchiveBaseURL != "" {
		archiver = archive.NewReconciler(archive.NewHTTPStore(cfg.ArchiveBaseURL, cfg.ArchiveAPIKey), logger)
		go archiver.Run(ctx)
		logger.Info("long-term archive mirroring enabled", "base_url", cfg.ArchiveBaseURL)
	} else {
		logger.Info("long-term archive mirroring disabled (ARCHIVE_BASE_URL not set)")
	}

	agg, err := ingest.New(db, rdb, b, logger, slackNotifier, archiver)
	if err != nil {
		return fmt.Errorf("creating aggregator: %w", err)
	}

	logger.Info("aggregator started")
	return agg.Run(ctx)
}
