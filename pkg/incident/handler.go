package incident

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/guardant/guardant/internal/audit"
	"github.com/guardant/guardant/internal/auth"
	"github.com/guardant/guardant/internal/httpserver"
	"github.com/guardant/guardant/pkg/nest"
	"log/slog"
)

// Handler provides HTTP handlers for the incidents API.
type Handler struct {
	logger *slog.Logger
	audit  *audit.Writer
}

// NewHandler creates an incident Handler.
func NewHandler(logger *slog.Logger, auditWriter *audit.Writer) *Handler {
	return &Handler{logger: logger, audit: auditWriter}
}

// Routes returns a chi.Router with all incident routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	r.Post("/", h.handleOpen)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.handleGet)
		r.Post("/updates", h.handleAddUpdate)
	})
	return r
}

func (h *Handler) service(r *http.Request) *Service {
	conn := nest.ConnFromContext(r.Context())
	return NewService(conn, h.logger)
}

func (h *Handler) handleOpen(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	info := nest.FromContext(r.Context())
	if info == nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "no nest in context")
		return
	}

	serviceIDs := make([]uuid.UUID, len(req.AffectedServiceIDs))
	for i, s := range req.AffectedServiceIDs {
		id, err := uuid.Parse(s)
		if err != nil {
			httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid affected_service_id")
			return
		}
		serviceIDs[i] = id
	}

	resp, err := h.service(r).Open(r.Context(), OpenRequest{
		NestID:             info.ID,
		AffectedServiceIDs: serviceIDs,
		Severity:           Severity(req.Severity),
	})
	if err != nil {
		h.logger.Error("opening incident", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to open incident")
		return
	}

	if h.audit != nil {
		detail, _ := json.Marshal(map[string]string{"severity": resp.Severity})
		h.audit.LogFromRequest(r, "open", "incident", resp.ID, detail)
	}

	httpserver.Respond(w, http.StatusCreated, resp)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	params, err := httpserver.ParseOffsetParams(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	info := nest.FromContext(r.Context())
	if info == nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "no nest in context")
		return
	}

	openOnly := r.URL.Query().Get("open") == "true"

	items, total, err := h.service(r).List(r.Context(), info.ID, openOnly, params.PageSize, params.Offset)
	if err != nil {
		h.logger.Error("listing incidents", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list incidents")
		return
	}

	page := httpserver.NewOffsetPage(items, params, total)
	httpserver.Respond(w, http.StatusOK, page)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid incident ID")
		return
	}

	resp, err := h.service(r).Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "incident not found")
			return
		}
		h.logger.Error("getting incident", "error", err, "id", id)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to get incident")
		return
	}

	httpserver.Respond(w, http.StatusOK, resp)
}

func (h *Handler) handleAddUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid incident ID")
		return
	}

	var req UpdateRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	identity := auth.FromContext(r.Context())
	var authorID *uuid.UUID
	if identity != nil {
		authorID = identity.UserID
	}

	resp, err := h.service(r).Advance(r.Context(), id, State(req.State), req.Message, authorID)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "incident not found")
		case errors.Is(err, ErrInvalidTransition):
			httpserver.RespondError(w, http.StatusUnprocessableEntity, "invalid_transition", "cannot move incident to that state")
		default:
			h.logger.Error("advancing incident", "error", err, "id", id)
			httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to update incident")
		}
		return
	}

	if h.audit != nil {
		detail, _ := json.Marshal(map[string]string{"state": req.State, "message": req.Message})
		h.audit.LogFromRequest(r, "update", "incident", id, detail)
	}

	httpserver.Respond(w, http.StatusOK, resp)
}
