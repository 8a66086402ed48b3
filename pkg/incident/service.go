package incident

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/guardant/guardant/internal/platform"
)

// Service encapsulates incident business logic: opening incidents, advancing
// their state machine, and recording the resulting timeline.
type Service struct {
	store  *Store
	logger *slog.Logger
}

// NewService creates an incident Service backed by the given database connection.
func NewService(dbtx platform.DBTX, logger *slog.Logger) *Service {
	return &Service{
		store:  NewStore(dbtx),
		logger: logger,
	}
}

// Open creates a new incident in the investigating state and records the
// opening entry in its timeline. Used both by operators (manual open) and
// by the aggregator when a service's evaluations cross the non-up threshold.
func (s *Service) Open(ctx context.Context, req OpenRequest) (Response, error) {
	inc, err := s.store.Create(ctx, req)
	if err != nil {
		return Response{}, fmt.Errorf("opening incident: %w", err)
	}

	if _, err := s.store.AddUpdate(ctx, inc.ID, StateInvestigating, "incident opened", nil); err != nil {
		s.logger.Warn("failed to record incident open in timeline", "error", err, "incident_id", inc.ID)
	}

	return inc.ToResponse(), nil
}

// Get returns an incident along with its full timeline.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Response, error) {
	inc, err := s.store.Get(ctx, id)
	if err != nil {
		return Response{}, fmt.Errorf("getting incident: %w", err)
	}

	updates, err := s.store.ListUpdates(ctx, id)
	if err != nil {
		return Response{}, fmt.Errorf("listing incident updates: %w", err)
	}

	resp := inc.ToResponse()
	resp.Updates = make([]UpdateResponse, 0, len(updates))
	for i := range updates {
		resp.Updates = append(resp.Updates, updates[i].ToUpdateResponse())
	}
	return resp, nil
}

// List returns a paginated list of incidents for a nest, most recent first.
func (s *Service) List(ctx context.Context, nestID uuid.UUID, openOnly bool, limit, offset int) ([]Response, int, error) {
	rows, total, err := s.store.List(ctx, nestID, openOnly, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing incidents: %w", err)
	}

	items := make([]Response, 0, len(rows))
	for i := range rows {
		items = append(items, rows[i].ToResponse())
	}
	return items, total, nil
}

// Advance moves an incident to a new state and appends a timeline entry.
// authorID is nil for system-generated transitions (auto-resolve). Returns
// ErrInvalidTransition if the move would go backwards or mutate a resolved
// incident.
func (s *Service) Advance(ctx context.Context, id uuid.UUID, newState State, message string, authorID *uuid.UUID) (Response, error) {
	inc, err := s.store.Get(ctx, id)
	if err != nil {
		return Response{}, fmt.Errorf("getting incident to advance: %w", err)
	}

	if !CanAdvance(inc.State, newState) {
		return Response{}, ErrInvalidTransition
	}

	if newState != inc.State {
		if _, err := s.store.UpdateState(ctx, id, newState); err != nil {
			return Response{}, fmt.Errorf("advancing incident state: %w", err)
		}
	}

	if _, err := s.store.AddUpdate(ctx, id, newState, message, authorID); err != nil {
		s.logger.Warn("failed to record incident timeline entry", "error", err, "incident_id", id)
	}

	return s.Get(ctx, id)
}

// OpenOrContinue implements the aggregator's candidate→investigating logic
//: after IncrementCounters reports consecutiveNonUp >= 3 and
// no open incident already covers the service, a new incident is opened.
// If one already exists, its non-up streak simply continues — no duplicate
// incident is created.
func (s *Service) OpenOrContinue(ctx context.Context, nestID, serviceID uuid.UUID, severity Severity) (*Response, error) {
	existing, err := s.store.FindOpenForService(ctx, nestID, serviceID)
	if err == nil {
		resp := existing.ToResponse()
		return &resp, nil
	}
	if err != ErrNotFound {
		return nil, fmt.Errorf("checking for existing incident: %w", err)
	}

	resp, err := s.Open(ctx, OpenRequest{
		NestID:             nestID,
		AffectedServiceIDs: []uuid.UUID{serviceID},
		Severity:           severity,
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// MaybeAutoResolve implements the aggregator's auto-advance-to-resolved
// logic: once a service has logged 3 consecutive up evaluations, any open
// incident covering it is resolved automatically.
func (s *Service) MaybeAutoResolve(ctx context.Context, nestID, serviceID uuid.UUID, consecutiveUp int) error {
	if consecutiveUp < 3 {
		return nil
	}

	existing, err := s.store.FindOpenForService(ctx, nestID, serviceID)
	if err == ErrNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("checking for open incident: %w", err)
	}

	_, err = s.Advance(ctx, existing.ID, StateResolved, "service recovered, auto-resolved", nil)
	if err != nil {
		return fmt.Errorf("auto-resolving incident %s: %w", existing.ID, err)
	}
	return nil
}

// IncrementCounters delegates to the store; exposed here so the aggregator
// only depends on Service, not Store, for incident-related bookkeeping.
func (s *Service) IncrementCounters(ctx context.Context, nestID, serviceID uuid.UUID, nonUp bool) (consecutiveNonUp, consecutiveUp int, err error) {
	return s.store.IncrementCounters(ctx, nestID, serviceID, nonUp)
}
