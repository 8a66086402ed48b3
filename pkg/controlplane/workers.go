// Package controlplane implements the control plane's worker-facing and
// public HTTP surface: worker registration/approval/
// heartbeat, the admin worker-fleet views, platform-wide stats, and the
// public status page + SSE stream. Grouped separately from pkg/service and
// pkg/incident since these routes aren't nest-scoped — they sit in front of
// pkg/nest's middleware, not behind it.
package controlplane

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/guardant/guardant/internal/audit"
	"github.com/guardant/guardant/internal/httpserver"
	"github.com/guardant/guardant/pkg/bus"
	"github.com/guardant/guardant/pkg/registry"
)

// WorkersHandler serves the Worker Registry's REST surface: public
// registration/heartbeat endpoints a worker calls with no credentials
//, and platform-admin lifecycle routes.
type WorkersHandler struct {
	registry *registry.Registry
	bus      bus.MessageBus
	logger   *slog.Logger
	audit    *audit.Writer
}

// NewWorkersHandler creates a WorkersHandler.
func NewWorkersHandler(reg *registry.Registry, b bus.MessageBus, logger *slog.Logger, auditWriter *audit.Writer) *WorkersHandler {
	return &WorkersHandler{registry: reg, bus: b, logger: logger, audit: auditWriter}
}

// PublicRoutes returns the unauthenticated routes a fresh worker calls
// before it has any credentials: register, poll its own approval status,
// and heartbeat.
func (h *WorkersHandler) PublicRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/register", h.handleRegister)
	r.Get("/{id}", h.handleGetStatus)
	r.Post("/{id}/heartbeat", h.handleHeartbeat)
	return r
}

// RegistrationsAliasRoutes serves the same pending-registrations payload as
// AdminRoutes' "/pending" under the source system's other historical path,
// "/workers/registrations/pending". Expected to be
// mounted behind the same platform-admin auth as AdminRoutes.
func (h *WorkersHandler) RegistrationsAliasRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/pending", h.handlePending)
	return r
}

// AdminRoutes returns the platform-admin worker-fleet management routes,
// expected to be mounted behind auth.RequireRole(auth.RolePlatformAdmin).
func (h *WorkersHandler) AdminRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	r.Get("/pending", h.handlePending)
	r.Get("/leaderboard", h.handleLeaderboard)
	r.Route("/{id}", func(r chi.Router) {
		r.Post("/approve", h.handleApprove)
		r.Post("/reject", h.handleReject)
		r.Post("/suspend", h.handleSuspend)
		r.Post("/resume", h.handleResume)
		r.Post("/change-region", h.handleChangeRegion)
		r.Delete("/", h.handleDelete)
	})
	r.Post("/update", h.handleBroadcast("update_worker"))
	r.Post("/rebuild", h.handleBroadcast("rebuild_worker"))
	return r
}

type registerRequest struct {
	WorkerID     string   `json:"worker_id"`
	OwnerEmail   string   `json:"owner_email"`
	City         string   `json:"city"`
	Country      string   `json:"country"`
	Latitude     float64  `json:"latitude"`
	Longitude    float64  `json:"longitude"`
	Capabilities []string `json:"capabilities"`
}

func (h *WorkersHandler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	if req.WorkerID == "" || req.OwnerEmail == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "worker_id and owner_email are required")
		return
	}

	reg, err := h.registry.Register(r.Context(), registry.Registration{
		WorkerID:     req.WorkerID,
		OwnerEmail:   req.OwnerEmail,
		City:         req.City,
		Country:      req.Country,
		Latitude:     req.Latitude,
		Longitude:    req.Longitude,
		Capabilities: req.Capabilities,
	})
	if err != nil {
		h.logger.Error("registering worker", "error", err, "worker_id", req.WorkerID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to register worker")
		return
	}

	if h.audit != nil {
		detail, _ := json.Marshal(map[string]string{"worker_id": req.WorkerID, "owner_email": req.OwnerEmail})
		h.audit.LogPlatform(r, "register", "worker", uuid.Nil, detail)
	}

	httpserver.Respond(w, http.StatusAccepted, toStatusResponse(reg, registry.Credentials{}))
}

type statusResponse struct {
	Status     string `json:"status"`
	RegionID   string `json:"region_id,omitempty"`
	BrokerUser string `json:"broker_user,omitempty"`
	BrokerPass string `json:"broker_pass,omitempty"`
	AMQPURL    string `json:"amqp_url,omitempty"`
}

func toStatusResponse(reg *registry.Registration, creds registry.Credentials) statusResponse {
	return statusResponse{
		Status:     string(reg.Status),
		RegionID:   reg.RegionID,
		BrokerUser: reg.BrokerUser,
		BrokerPass: creds.Password,
		AMQPURL:    creds.BrokerURL,
	}
}

func (h *WorkersHandler) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "id")
	reg, err := h.registry.Get(r.Context(), workerID)
	if err != nil {
		h.respondRegistryErr(w, err, "getting worker status")
		return
	}
	httpserver.Respond(w, http.StatusOK, toStatusResponse(reg, registry.Credentials{}))
}

type heartbeatRequest struct {
	AvgRTTMs float64 `json:"avg_rtt_ms"`
	Capacity int     `json:"capacity"`
	InFlight int     `json:"in_flight"`
	Degraded bool    `json:"degraded"`
}

func (h *WorkersHandler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "id")
	var req heartbeatRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	if err := h.registry.Heartbeat(r.Context(), registry.Heartbeat{
		WorkerID: workerID,
		AvgRTTMs: req.AvgRTTMs,
		Capacity: req.Capacity,
		InFlight: req.InFlight,
		Degraded: req.Degraded,
	}); err != nil {
		h.logger.Error("recording worker heartbeat", "error", err, "worker_id", workerID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to record heartbeat")
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

func (h *WorkersHandler) handleList(w http.ResponseWriter, r *http.Request) {
	status := registry.Status(r.URL.Query().Get("status"))
	regs, err := h.registry.List(r.Context(), status)
	if err != nil {
		h.logger.Error("listing workers", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list workers")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"workers": regs})
}

// handlePending serves the pending-worker queue. Also mounted at
// /platform/workers/pending as a compatibility alias, since two admin UI
// surfaces evolved to expect it at different paths.
func (h *WorkersHandler) handlePending(w http.ResponseWriter, r *http.Request) {
	regs, err := h.registry.List(r.Context(), registry.StatusPending)
	if err != nil {
		h.logger.Error("listing pending workers", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list pending workers")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"workers": regs})
}

func (h *WorkersHandler) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	regs, err := h.registry.List(r.Context(), registry.StatusApproved)
	if err != nil {
		h.logger.Error("listing workers for leaderboard", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to build leaderboard")
		return
	}

	type entry struct {
		WorkerID string  `json:"worker_id"`
		City     string  `json:"city"`
		Country  string  `json:"country"`
		RegionID string  `json:"region_id"`
		AvgRTTMs float64 `json:"avg_rtt_ms"`
		Active   bool    `json:"active"`
	}
	out := make([]entry, 0, len(regs))
	for _, reg := range regs {
		hb, ok, err := h.registry.GetHeartbeat(r.Context(), reg.WorkerID)
		if err != nil {
			h.logger.Warn("getting heartbeat for leaderboard", "error", err, "worker_id", reg.WorkerID)
			continue
		}
		out = append(out, entry{
			WorkerID: reg.WorkerID,
			City:     reg.City,
			Country:  reg.Country,
			RegionID: reg.RegionID,
			AvgRTTMs: hb.AvgRTTMs,
			Active:   ok,
		})
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"workers": out})
}

type approveRequest struct {
	RegionID string `json:"region_id"`
}

func (h *WorkersHandler) handleApprove(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "id")
	var req approveRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	if req.RegionID == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "region_id is required")
		return
	}

	reg, creds, err := h.registry.Approve(r.Context(), workerID, req.RegionID)
	if err != nil {
		h.respondRegistryErr(w, err, "approving worker")
		return
	}

	if h.audit != nil {
		detail, _ := json.Marshal(map[string]string{"worker_id": workerID, "region_id": req.RegionID})
		h.audit.LogPlatform(r, "approve", "worker", uuid.Nil, detail)
	}

	httpserver.Respond(w, http.StatusOK, toStatusResponse(reg, creds))
}

func (h *WorkersHandler) handleReject(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "id")
	if err := h.registry.Reject(r.Context(), workerID); err != nil {
		h.respondRegistryErr(w, err, "rejecting worker")
		return
	}
	h.logWorkerAction(r, "reject", workerID)
	httpserver.Respond(w, http.StatusNoContent, nil)
}

func (h *WorkersHandler) handleSuspend(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "id")
	if err := h.registry.Suspend(r.Context(), workerID); err != nil {
		h.respondRegistryErr(w, err, "suspending worker")
		return
	}
	h.logWorkerAction(r, "suspend", workerID)
	httpserver.Respond(w, http.StatusNoContent, nil)
}

func (h *WorkersHandler) handleResume(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "id")
	if err := h.registry.Resume(r.Context(), workerID); err != nil {
		h.respondRegistryErr(w, err, "resuming worker")
		return
	}
	h.logWorkerAction(r, "resume", workerID)
	httpserver.Respond(w, http.StatusNoContent, nil)
}

func (h *WorkersHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "id")
	if err := h.registry.Delete(r.Context(), workerID); err != nil {
		h.respondRegistryErr(w, err, "deleting worker")
		return
	}
	h.logWorkerAction(r, "delete", workerID)
	httpserver.Respond(w, http.StatusNoContent, nil)
}

type changeRegionRequest struct {
	RegionID string `json:"region_id"`
}

// handleChangeRegion re-assigns a worker's region and publishes a
// change_region command; the worker exits for supervisor-driven restart
// once it receives the command (pkg/worker/control.go), reconnecting
// against the new region's task queue.
func (h *WorkersHandler) handleChangeRegion(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "id")
	var req changeRegionRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	if req.RegionID == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "region_id is required")
		return
	}

	if _, err := h.registry.ChangeRegion(r.Context(), workerID, req.RegionID); err != nil {
		h.respondRegistryErr(w, err, "changing worker region")
		return
	}

	if h.audit != nil {
		detail, _ := json.Marshal(map[string]string{"worker_id": workerID, "region_id": req.RegionID})
		h.audit.LogPlatform(r, "change_region", "worker", uuid.Nil, detail)
	}

	httpserver.Respond(w, http.StatusNoContent, nil)
}

// handleBroadcast returns a handler that publishes command to every worker,
// for the admin "update all workers" / "rebuild all workers" actions.
func (h *WorkersHandler) handleBroadcast(command string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h.publishCommand(r, command, bus.Broadcast); err != nil {
			h.logger.Error("broadcasting worker command", "error", err, "command", command)
			httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to broadcast command")
			return
		}
		if h.audit != nil {
			h.audit.LogPlatform(r, command, "worker", uuid.Nil, nil)
		}
		httpserver.Respond(w, http.StatusAccepted, map[string]string{"command": command})
	}
}

func (h *WorkersHandler) publishCommand(r *http.Request, command, routingKey string) error {
	payload, err := json.Marshal(map[string]string{"command": command})
	if err != nil {
		return err
	}
	return h.bus.PublishCommand(r.Context(), routingKey, payload)
}

func (h *WorkersHandler) logWorkerAction(r *http.Request, action, workerID string) {
	if h.audit == nil {
		return
	}
	detail, _ := json.Marshal(map[string]string{"worker_id": workerID})
	h.audit.LogPlatform(r, action, "worker", uuid.Nil, detail)
}

func (h *WorkersHandler) respondRegistryErr(w http.ResponseWriter, err error, action string) {
	if errors.Is(err, registry.ErrNotFound) {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "worker not registered")
		return
	}
	h.logger.Error(action, "error", err)
	httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed: "+action)
}
