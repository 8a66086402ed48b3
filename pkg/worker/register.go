package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// ErrPending is returned by PollApproval while a registration is still
// awaiting platform-admin review.
var ErrPending = errors.New("worker registration still pending approval")

// ErrRejected is returned by PollApproval once a platform admin has
// rejected the registration; the worker should exit rather than keep polling.
var ErrRejected = errors.New("worker registration was rejected")

// RegisterRequest is the body of POST /api/v1/workers/register.
type RegisterRequest struct {
	WorkerID     string   `json:"worker_id"`
	OwnerEmail   string   `json:"owner_email"`
	City         string   `json:"city"`
	Country      string   `json:"country"`
	Latitude     float64  `json:"latitude"`
	Longitude    float64  `json:"longitude"`
	Capabilities []string `json:"capabilities"`
}

// ApprovalResult is what a worker learns once its registration is resolved.
type ApprovalResult struct {
	Status     string `json:"status"`
	RegionID   string `json:"region_id"`
	BrokerUser string `json:"broker_user"`
	BrokerPass string `json:"broker_pass,omitempty"` // present exactly once, on the approval response
}

// HeartbeatPayload is the body of POST /api/v1/workers/{id}/heartbeat.
type HeartbeatPayload struct {
	AvgRTTMs float64 `json:"avg_rtt_ms"`
	Capacity int     `json:"capacity"`
	InFlight int     `json:"in_flight"`
	Degraded bool    `json:"degraded"`
}

// Registrar is the worker's HTTP client to the control plane, used for
// registration, approval polling, and heartbeats — the only credential a
// fresh worker has before it's issued broker credentials.
type Registrar struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewRegistrar creates a Registrar against baseURL (the control plane's
// public API root, e.g. "https://api.guardant.example/api/v1").
func NewRegistrar(baseURL string, logger *slog.Logger) *Registrar {
	return &Registrar{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
		logger:  logger,
	}
}

// Register submits (or re-submits, idempotently) this worker's registration.
func (r *Registrar) Register(ctx context.Context, req RegisterRequest) error {
	_, err := r.do(ctx, http.MethodPost, "/workers/register", req, nil)
	return err
}

// PollApproval checks the current state of a pending registration. Returns
// ErrPending while awaiting review, ErrRejected if denied, or the resolved
// ApprovalResult (with one-time credentials, if this call observes the
// approval transition) once approved.
func (r *Registrar) PollApproval(ctx context.Context, workerID string) (*ApprovalResult, error) {
	var result ApprovalResult
	status, err := r.do(ctx, http.MethodGet, "/workers/"+workerID, nil, &result)
	if err != nil {
		return nil, err
	}
	switch result.Status {
	case "pending":
		return nil, ErrPending
	case "rejected":
		return nil, ErrRejected
	case "approved":
		return &result, nil
	default:
		return nil, fmt.Errorf("unexpected registration status %q (http %d)", result.Status, status)
	}
}

// Heartbeat reports liveness and load to the control plane.
func (r *Registrar) Heartbeat(ctx context.Context, workerID string, hb HeartbeatPayload) error {
	_, err := r.do(ctx, http.MethodPost, "/workers/"+workerID+"/heartbeat", hb, nil)
	return err
}

func (r *Registrar) do(ctx context.Context, method, path string, body any, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshalling request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("calling control plane: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return resp.StatusCode, fmt.Errorf("%w: control plane returned %d", errUnauthorized, resp.StatusCode)
	}
	if resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("control plane returned %d for %s %s", resp.StatusCode, method, path)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decoding response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

var errUnauthorized = errors.New("unauthorized")
