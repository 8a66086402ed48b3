package audit

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/guardant/guardant/internal/httpserver"
	"github.com/guardant/guardant/pkg/nest"
)

// Handler provides HTTP handlers for the audit log API.
type Handler struct {
	logger *slog.Logger
}

// NewHandler creates an audit log Handler.
func NewHandler(logger *slog.Logger) *Handler {
	return &Handler{logger: logger}
}

// Routes returns a chi.Router with audit log routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	return r
}

// logEntry is the JSON shape of a single row read back from audit_log.
type logEntry struct {
	ID         uuid.UUID       `json:"id"`
	UserID     *uuid.UUID      `json:"user_id,omitempty"`
	APIKeyID   *uuid.UUID      `json:"api_key_id,omitempty"`
	Action     string          `json:"action"`
	Resource   string          `json:"resource"`
	ResourceID *uuid.UUID      `json:"resource_id,omitempty"`
	Detail     json.RawMessage `json:"detail,omitempty"`
	IPAddress  *string         `json:"ip_address,omitempty"`
	UserAgent  *string         `json:"user_agent,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	conn := nest.ConnFromContext(r.Context())
	if conn == nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "no nest connection in context")
		return
	}

	var total int
	if err := conn.QueryRow(r.Context(), "SELECT count(*) FROM audit_log").Scan(&total); err != nil {
		h.logger.Error("counting audit log", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to count audit log")
		return
	}

	rows, err := conn.Query(r.Context(),
		`SELECT id, user_id, api_key_id, action, resource, resource_id, detail, ip_address, user_agent, created_at
		 FROM audit_log ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		params.PageSize, params.Offset,
	)
	if err != nil {
		h.logger.Error("listing audit log", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list audit log")
		return
	}
	defer rows.Close()

	entries := make([]logEntry, 0, params.PageSize)
	for rows.Next() {
		var e logEntry
		var ipStr *string
		if err := rows.Scan(&e.ID, &e.UserID, &e.APIKeyID, &e.Action, &e.Resource, &e.ResourceID, &e.Detail, &ipStr, &e.UserAgent, &e.CreatedAt); err != nil {
			h.logger.Error("scanning audit log row", "error", err)
			httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to read audit log")
			return
		}
		if ipStr != nil {
			if addr, err := netip.ParseAddr(*ipStr); err == nil {
				s := addr.String()
				e.IPAddress = &s
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		h.logger.Error("reading audit log rows", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to read audit log")
		return
	}

	page := httpserver.NewOffsetPage(entries, params, total)
	httpserver.Respond(w, http.StatusOK, page)
}
