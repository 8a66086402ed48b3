package httpserver

import (
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/guardant/guardant/internal/auth"
	"github.com/guardant/guardant/internal/config"
	"github.com/guardant/guardant/internal/version"
	"github.com/guardant/guardant/pkg/nest"
)

// Server holds the HTTP server dependencies.
type Server struct {
	Router    *chi.Mux
	APIRouter chi.Router // authenticated, nest-scoped /api/v1 sub-router
	Logger    *slog.Logger
	DB        *pgxpool.Pool
	Redis     *redis.Client
	Metrics   *prometheus.Registry
	startedAt time.Time
}

// NewServer creates an HTTP server with middleware and health/metrics endpoints.
// oidcAuth may be nil when OIDC is not configured (JWT auth will be unavailable).
// Domain handlers should be mounted on APIRouter after calling NewServer.
func NewServer(cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry, sessionMgr *auth.SessionManager, oidcAuth *auth.OIDCAuthenticator) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		Logger:    logger,
		DB:        db,
		Redis:     rdb,
		Metrics:   metricsReg,
		startedAt: time.Now(),
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-ID", "X-Nest-Subdomain"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health endpoints (unauthenticated)
	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/readyz", s.handleReadyz)

	// Prometheus metrics (unauthenticated)
	s.Router.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	// Authenticated, nest-scoped API routes.
	s.Router.Route("/api/v1", func(r chi.Router) {
		// 1. Authenticate: session JWT → OIDC JWT → API key → dev header fallback.
		r.Use(auth.Middleware(sessionMgr, oidcAuth, db, logger))

		// 2. Resolve nest and set search_path from the authenticated identity.
		r.Use(nest.Middleware(db, &authContextResolver{}, logger))

		// 3. Require valid authentication on all /api/v1 routes.
		r.Use(auth.RequireAuth)

		// Debug endpoint.
		r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
			n := nest.FromContext(r.Context())
			id := auth.FromContext(r.Context())
			Respond(w, http.StatusOK, map[string]string{
				"nest":    n.Slug,
				"schema":  n.Schema,
				"subject": id.Subject,
				"role":    id.Role,
				"method":  id.Method,
			})
		})

		// Store reference so domain handlers can be mounted externally.
		s.APIRouter = r
	})

	return s
}

// authContextResolver reads the nest subdomain from the auth Identity stored
// in the request context by the auth middleware. This connects
// authentication to nest resolution without creating import cycles.
type authContextResolver struct{}

func (authContextResolver) Resolve(r *http.Request) (string, error) {
	id := auth.FromContext(r.Context())
	if id != nil && id.NestSubdomain != "" {
		return id.NestSubdomain, nil
	}
	return "", fmt.Errorf("no authenticated nest")
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := s.DB.Ping(ctx); err != nil {
		s.Logger.Error("readiness check: database ping failed", "error", err)
		RespondError(w, http.StatusServiceUnavailable, "unavailable", "database not ready")
		return
	}

	if err := s.Redis.Ping(ctx).Err(); err != nil {
		s.Logger.Error("readiness check: redis ping failed", "error", err)
		RespondError(w, http.StatusServiceUnavailable, "unavailable", "redis not ready")
		return
	}

	Respond(w, http.StatusOK, map[string]string{"status": "ready"})
}

// statusResponse is the JSON shape returned by HandleStatus.
type statusResponse struct {
	Status           string  `json:"status"`
	Version          string  `json:"version"`
	CommitSHA        string  `json:"commit_sha"`
	Uptime           string  `json:"uptime"`
	UptimeSeconds    int64   `json:"uptime_seconds"`
	Database         string  `json:"database"`
	DatabaseLatency  float64 `json:"database_latency_ms"`
	Redis            string  `json:"redis"`
	RedisLatency     float64 `json:"redis_latency_ms"`
	LastIncidentAt   *string `json:"last_incident_at"`
}

// HandleStatus returns system health information including DB/Redis connectivity,
// uptime, and the timestamp of the most recently opened incident.
func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uptime := time.Since(s.startedAt)

	resp := statusResponse{
		Version:       version.Version,
		CommitSHA:     version.Commit,
		Uptime:        uptime.Truncate(time.Second).String(),
		UptimeSeconds: int64(uptime.Seconds()),
	}

	dbStart := time.Now()
	if err := s.DB.Ping(ctx); err != nil {
		s.Logger.Error("status check: database ping failed", "error", err)
		resp.Database = "error"
	} else {
		resp.Database = "ok"
	}
	resp.DatabaseLatency = math.Round(float64(time.Since(dbStart).Microseconds())/10) / 100

	redisStart := time.Now()
	if err := s.Redis.Ping(ctx).Err(); err != nil {
		s.Logger.Error("status check: redis ping failed", "error", err)
		resp.Redis = "error"
	} else {
		resp.Redis = "ok"
	}
	resp.RedisLatency = math.Round(float64(time.Since(redisStart).Microseconds())/10) / 100

	if resp.Database == "ok" && resp.Redis == "ok" {
		resp.Status = "ok"
	} else {
		resp.Status = "degraded"
	}

	conn := nest.ConnFromContext(ctx)
	if conn != nil {
		var lastIncident *time.Time
		err := conn.QueryRow(ctx, "SELECT MAX(started_at) FROM incidents").Scan(&lastIncident)
		if err != nil {
			s.Logger.Error("status check: querying last incident", "error", err)
		} else if lastIncident != nil {
			formatted := lastIncident.UTC().Format(time.RFC3339)
			resp.LastIncidentAt = &formatted
		}
	}

	Respond(w, http.StatusOK, resp)
}
