package controlplane

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/guardant/guardant/internal/httpserver"
	"github.com/guardant/guardant/pkg/registry"
)

// PlatformHandler serves platform-wide, cross-nest aggregate views for the
// admin dashboard: nest/service/worker/incident counts and
// the derived live regions view.
type PlatformHandler struct {
	pool     *pgxpool.Pool
	registry *registry.Registry
	logger   *slog.Logger
}

// NewPlatformHandler creates a PlatformHandler.
func NewPlatformHandler(pool *pgxpool.Pool, reg *registry.Registry, logger *slog.Logger) *PlatformHandler {
	return &PlatformHandler{pool: pool, registry: reg, logger: logger}
}

type platformStats struct {
	NestCount     int `json:"nest_count"`
	ActiveNests   int `json:"active_nests"`
	ServiceCount  int `json:"service_count"`
	OpenIncidents int `json:"open_incidents"`
	WorkerCount   int `json:"worker_count"`
	PendingCount  int `json:"pending_workers"`
}

// HandleStats serves GET /platform/stats: a single-page summary an admin
// dashboard home screen renders without walking every nest schema by hand.
func (h *PlatformHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stats := platformStats{}

	if err := h.pool.QueryRow(ctx, "SELECT count(*), count(*) FILTER (WHERE is_active) FROM public.nests").
		Scan(&stats.NestCount, &stats.ActiveNests); err != nil {
		h.logger.Error("counting nests", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to load platform stats")
		return
	}

	schemas, err := h.activeSchemas(ctx)
	if err != nil {
		h.logger.Error("listing nest schemas", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to load platform stats")
		return
	}
	for _, schema := range schemas {
		svc, inc, err := h.schemaCounts(ctx, schema)
		if err != nil {
			h.logger.Warn("counting nest schema stats", "error", err, "schema", schema)
			continue
		}
		stats.ServiceCount += svc
		stats.OpenIncidents += inc
	}

	regs, err := h.registry.List(ctx, "")
	if err != nil {
		h.logger.Error("listing workers for platform stats", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to load platform stats")
		return
	}
	stats.WorkerCount = len(regs)
	for _, reg := range regs {
		if reg.Status == registry.StatusPending {
			stats.PendingCount++
		}
	}

	httpserver.Respond(w, http.StatusOK, stats)
}

func (h *PlatformHandler) activeSchemas(ctx context.Context) ([]string, error) {
	rows, err := h.pool.Query(ctx, "SELECT subdomain FROM public.nests WHERE is_active")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schemas []string
	for rows.Next() {
		var subdomain string
		if err := rows.Scan(&subdomain); err != nil {
			return nil, err
		}
		schemas = append(schemas, "nest_"+subdomain)
	}
	return schemas, rows.Err()
}

// schemaCounts totals one nest's service count and open-incident count.
// Postgres has no catalogue-wide view across dynamically created schemas, so
// this runs per nest rather than as a single aggregate query.
func (h *PlatformHandler) schemaCounts(ctx context.Context, schema string) (services, openIncidents int, err error) {
	conn, err := h.pool.Acquire(ctx)
	if err != nil {
		return 0, 0, err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SELECT set_config('search_path', $1, false)", schema+", public"); err != nil {
		return 0, 0, err
	}

	if err := conn.QueryRow(ctx, "SELECT count(*) FROM services").Scan(&services); err != nil {
		return 0, 0, err
	}
	if err := conn.QueryRow(ctx, "SELECT count(*) FROM incidents WHERE state != 'resolved'").Scan(&openIncidents); err != nil {
		return 0, 0, err
	}
	return services, openIncidents, nil
}

// HandleRegions serves GET /platform/regions: the live regions_view()
// derived from approved workers' heartbeats (pkg/registry.RegionsView).
func (h *PlatformHandler) HandleRegions(w http.ResponseWriter, r *http.Request) {
	views, err := h.registry.RegionsView(r.Context())
	if err != nil {
		h.logger.Error("building regions view", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to load regions")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"regions": views})
}
