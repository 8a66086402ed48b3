package controlplane

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/guardant/guardant/internal/httpserver"
	"github.com/guardant/guardant/pkg/incident"
	"github.com/guardant/guardant/pkg/ingest"
	"github.com/guardant/guardant/pkg/nest"
)

// sseHeartbeatInterval keeps intermediary proxies from closing an idle SSE
// connection.
const sseHeartbeatInterval = 20 * time.Second

// StatusHandler serves the public status page: a cached snapshot over HTTP
// and a live feed over SSE, neither requiring authentication. Reads only
// from pkg/ingest's Redis cache so a status-page hit never touches Postgres
// on the hot path.
type StatusHandler struct {
	pool   *pgxpool.Pool
	store  *ingest.Store
	logger *slog.Logger
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(pool *pgxpool.Pool, store *ingest.Store, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{pool: pool, store: store, logger: logger}
}

// Routes mounts the public status routes under /status.
func (h *StatusHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{subdomain}", h.handleStatus)
	r.Get("/{subdomain}/events", h.handleEvents)
	return r
}

type statusPageResponse struct {
	Subdomain   string                `json:"subdomain"`
	Services    []ingest.StatusEntry  `json:"services"`
	Incidents   []incident.Response   `json:"incidents"`
	LastUpdated time.Time             `json:"last_updated"`
}

func (h *StatusHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	subdomain := chi.URLParam(r, "subdomain")

	schema, nestID, err := h.resolveSchema(r.Context(), subdomain)
	if err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "unknown status page")
		return
	}

	entries, err := h.store.CachedStatus(r.Context(), schema)
	if err != nil {
		h.logger.Error("loading cached status", "error", err, "subdomain", subdomain)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to load status")
		return
	}

	incidents, err := h.openIncidents(r.Context(), schema, nestID)
	if err != nil {
		// Incidents are supplementary to the status grid; log and degrade
		// to an empty list rather than fail the whole page load.
		h.logger.Warn("loading open incidents for status page", "error", err, "subdomain", subdomain)
		incidents = []incident.Response{}
	}

	httpserver.Respond(w, http.StatusOK, statusPageResponse{
		Subdomain:   subdomain,
		Services:    entries,
		Incidents:   incidents,
		LastUpdated: time.Now().UTC(),
	})
}

// openIncidents fetches a nest's non-resolved incidents, scoped to its
// Postgres schema, for inclusion in the public status page.
func (h *StatusHandler) openIncidents(ctx context.Context, schema string, nestID uuid.UUID) ([]incident.Response, error) {
	conn, err := h.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SELECT set_config('search_path', $1, false)", schema+", public"); err != nil {
		return nil, fmt.Errorf("setting search_path: %w", err)
	}

	store := incident.NewStore(conn)
	rows, _, err := store.List(ctx, nestID, true, 50, 0)
	if err != nil {
		return nil, fmt.Errorf("listing open incidents: %w", err)
	}

	out := make([]incident.Response, len(rows))
	for i := range rows {
		out[i] = rows[i].ToResponse()
	}
	return out, nil
}

// handleEvents streams status updates for one nest over Server-Sent Events,
// relaying the Redis pub/sub channel pkg/ingest.Store.PublishStatus writes
// to. A periodic comment line keeps the connection alive through proxies
// that would otherwise time out an idle stream.
func (h *StatusHandler) handleEvents(w http.ResponseWriter, r *http.Request) {
	subdomain := chi.URLParam(r, "subdomain")

	schema, _, err := h.resolveSchema(r.Context(), subdomain)
	if err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "unknown status page")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := h.store.Subscribe(r.Context(), schema)
	defer sub.Close()

	ch := sub.Channel()
	ticker := time.NewTicker(sseHeartbeatInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "event: status\ndata: %s\n\n", msg.Payload); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// resolveSchema looks up an active nest by subdomain, returning its
// Postgres schema name and ID. Returns an error for an unknown or inactive
// subdomain without distinguishing the two, so the public surface never
// leaks whether a given subdomain exists but is deactivated.
func (h *StatusHandler) resolveSchema(ctx context.Context, subdomain string) (string, uuid.UUID, error) {
	var id uuid.UUID
	err := h.pool.QueryRow(ctx,
		"SELECT id FROM public.nests WHERE subdomain = $1 AND is_active", subdomain,
	).Scan(&id)
	if err != nil {
		return "", uuid.Nil, fmt.Errorf("unknown or inactive nest %q", subdomain)
	}
	return nest.SchemaName(subdomain), id, nil
}
