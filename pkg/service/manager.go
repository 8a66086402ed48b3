package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/guardant/guardant/internal/platform"
	"github.com/guardant/guardant/pkg/nest"
)

// Manager is the business-logic layer above Store: it enforces the nest's
// subscription quota on create and maps wire-level requests onto the
// domain type.
type Manager struct {
	store  *Store
	logger *slog.Logger
}

// NewManager creates a Manager bound to dbtx.
func NewManager(dbtx platform.DBTX, logger *slog.Logger) *Manager {
	return &Manager{store: NewStore(dbtx), logger: logger}
}

// Create validates req, checks it against n's services_limit, and persists
// the new service.
func (m *Manager) Create(ctx context.Context, n nest.Nest, req CreateRequest) (Response, error) {
	count, err := m.store.CountActive(ctx, n.ID)
	if err != nil {
		return Response{}, err
	}
	if n.Subscription.ServicesLimit > 0 && count >= n.Subscription.ServicesLimit {
		return Response{}, ErrQuotaExceeded
	}

	cfg, err := decodeTypeConfig(req.TypeConfig)
	if err != nil {
		return Response{}, err
	}

	svc := &Service{
		NestID:          n.ID,
		Name:            req.Name,
		Type:            Type(req.Type),
		Target:          req.Target,
		TypeConfig:      cfg,
		IntervalSeconds: req.IntervalSeconds,
		TimeoutMs:       req.TimeoutMs,
		Regions:         req.Regions,
		Strategy:        RegionStrategy(req.Strategy),
		MinRegions:      req.MinRegions,
		IsActive:        true,
	}
	if err := svc.Validate(); err != nil {
		return Response{}, err
	}

	out, err := m.store.Create(ctx, svc)
	if err != nil {
		return Response{}, err
	}
	return out.ToResponse(), nil
}

// Get retrieves a single service.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (Response, error) {
	svc, err := m.store.Get(ctx, id)
	if err != nil {
		return Response{}, err
	}
	return svc.ToResponse(), nil
}

// Update rewrites a service's mutable fields. The quota is only checked on
// create: an already-over-quota nest (e.g. after a downgrade) may still
// edit its existing services.
func (m *Manager) Update(ctx context.Context, id uuid.UUID, req UpdateRequest) (Response, error) {
	existing, err := m.store.Get(ctx, id)
	if err != nil {
		return Response{}, err
	}

	cfg, err := decodeTypeConfig(req.TypeConfig)
	if err != nil {
		return Response{}, err
	}

	existing.Name = req.Name
	existing.Target = req.Target
	existing.TypeConfig = cfg
	existing.IntervalSeconds = req.IntervalSeconds
	existing.TimeoutMs = req.TimeoutMs
	existing.Regions = req.Regions
	existing.Strategy = RegionStrategy(req.Strategy)
	existing.MinRegions = req.MinRegions
	if req.IsActive != nil {
		existing.IsActive = *req.IsActive
	}
	if err := existing.Validate(); err != nil {
		return Response{}, err
	}

	out, err := m.store.Update(ctx, id, existing)
	if err != nil {
		return Response{}, err
	}
	return out.ToResponse(), nil
}

// Delete removes a service.
func (m *Manager) Delete(ctx context.Context, id uuid.UUID) error {
	return m.store.Delete(ctx, id)
}

// List returns a nest's services, paginated.
func (m *Manager) List(ctx context.Context, nestID uuid.UUID, limit, offset int) ([]Response, int, error) {
	services, total, err := m.store.List(ctx, nestID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	out := make([]Response, len(services))
	for i := range services {
		out[i] = services[i].ToResponse()
	}
	return out, total, nil
}

func decodeTypeConfig(raw json.RawMessage) (TypeConfig, error) {
	var cfg TypeConfig
	if len(raw) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return TypeConfig{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return cfg, nil
}
