package service

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/guardant/guardant/internal/audit"
	"github.com/guardant/guardant/internal/httpserver"
	"github.com/guardant/guardant/pkg/nest"
)

// Handler provides HTTP handlers for the services API.
type Handler struct {
	logger *slog.Logger
	audit  *audit.Writer
}

// NewHandler creates a service Handler.
func NewHandler(logger *slog.Logger, auditWriter *audit.Writer) *Handler {
	return &Handler{logger: logger, audit: auditWriter}
}

// Routes returns a chi.Router with all service routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	r.Post("/", h.handleCreate)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.handleGet)
		r.Put("/", h.handleUpdate)
		r.Delete("/", h.handleDelete)
	})
	return r
}

func (h *Handler) manager(r *http.Request) *Manager {
	conn := nest.ConnFromContext(r.Context())
	return NewManager(conn, h.logger)
}

func (h *Handler) currentNest(r *http.Request) (*nest.Nest, error) {
	info := nest.FromContext(r.Context())
	if info == nil {
		return nil, errors.New("no nest in context")
	}
	return nest.Get(r.Context(), nest.ConnFromContext(r.Context()), info.ID)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	n, err := h.currentNest(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "no nest in context")
		return
	}

	resp, err := h.manager(r).Create(r.Context(), *n, req)
	if err != nil {
		switch {
		case errors.Is(err, ErrQuotaExceeded):
			httpserver.RespondError(w, http.StatusForbidden, "quota_exceeded", "nest has reached its services_limit")
		case errors.Is(err, ErrInvalidConfig):
			httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid service configuration")
		default:
			h.logger.Error("creating service", "error", err)
			httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to create service")
		}
		return
	}

	if h.audit != nil {
		detail, _ := json.Marshal(map[string]string{"name": resp.Name, "type": resp.Type})
		h.audit.LogFromRequest(r, "create", "service", resp.ID, detail)
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

	items, total, err := h.manager(r).List(r.Context(), info.ID, params.PageSize, params.Offset)
	if err != nil {
		h.logger.Error("listing services", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list services")
		return
	}

	page := httpserver.NewOffsetPage(items, params, total)
	httpserver.Respond(w, http.StatusOK, page)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid service ID")
		return
	}

	resp, err := h.manager(r).Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "service not found")
			return
		}
		h.logger.Error("getting service", "error", err, "id", id)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to get service")
		return
	}

	httpserver.Respond(w, http.StatusOK, resp)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid service ID")
		return
	}

	var req UpdateRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	resp, err := h.manager(r).Update(r.Context(), id, req)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "service not found")
		case errors.Is(err, ErrInvalidConfig):
			httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid service configuration")
		default:
			h.logger.Error("updating service", "error", err, "id", id)
			httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to update service")
		}
		return
	}

	if h.audit != nil {
		detail, _ := json.Marshal(map[string]string{"name": resp.Name})
		h.audit.LogFromRequest(r, "update", "service", id, detail)
	}

	httpserver.Respond(w, http.StatusOK, resp)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid service ID")
		return
	}

	if err := h.manager(r).Delete(r.Context(), id); err != nil {
		if errors.Is(err, ErrNotFound) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "service not found")
			return
		}
		h.logger.Error("deleting service", "error", err, "id", id)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to delete service")
		return
	}

	if h.audit != nil {
		h.audit.LogFromRequest(r, "delete", "service", id, nil)
	}

	httpserver.Respond(w, http.StatusNoContent, nil)
}
