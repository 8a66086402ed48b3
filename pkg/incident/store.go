package incident

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/guardant/guardant/internal/platform"
)

// Store is the PostgreSQL-backed persistence layer for incidents. Queries
// run against whatever connection they're given — a pooled connection
// already scoped to a nest schema by pkg/nest's middleware, or the pool
// itself for background/aggregator use where the caller sets search_path
// explicitly.
type Store struct {
	db platform.DBTX
}

// NewStore creates a Store bound to db.
func NewStore(db platform.DBTX) *Store {
	return &Store{db: db}
}

// Create inserts a new incident row.
func (s *Store) Create(ctx context.Context, req OpenRequest) (*Incident, error) {
	id := uuid.New()
	started := req.StartedAt
	if started.IsZero() {
		started = time.Now().UTC()
	}

	serviceIDs := make([]string, len(req.AffectedServiceIDs))
	for i, sid := range req.AffectedServiceIDs {
		serviceIDs[i] = sid.String()
	}

	inc := &Incident{}
	err := s.db.QueryRow(ctx,
		`INSERT INTO incidents (id, nest_id, affected_service_ids, severity, state, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, nest_id, affected_service_ids, severity, state, started_at, resolved_at, created_at, updated_at`,
		id, req.NestID, serviceIDs, string(req.Severity), string(StateInvestigating), started,
	).Scan(scanArgs(inc)...)
	if err != nil {
		return nil, fmt.Errorf("inserting incident: %w", err)
	}
	return inc, nil
}

// Get retrieves a single incident by ID.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Incident, error) {
	inc := &Incident{}
	err := s.db.QueryRow(ctx,
		`SELECT id, nest_id, affected_service_ids, severity, state, started_at, resolved_at, created_at, updated_at
		 FROM incidents WHERE id = $1`,
		id,
	).Scan(scanArgs(inc)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting incident %s: %w", id, err)
	}
	return inc, nil
}

// GetForUpdate retrieves an incident locked FOR UPDATE, for use inside a
// transaction that advances its state — prevents two concurrent aggregator
// workers racing to auto-advance the same incident.
func (s *Store) GetForUpdate(ctx context.Context, id uuid.UUID) (*Incident, error) {
	inc := &Incident{}
	err := s.db.QueryRow(ctx,
		`SELECT id, nest_id, affected_service_ids, severity, state, started_at, resolved_at, created_at, updated_at
		 FROM incidents WHERE id = $1 FOR UPDATE`,
		id,
	).Scan(scanArgs(inc)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting incident %s for update: %w", id, err)
	}
	return inc, nil
}

// FindOpenForService returns the single open (non-resolved) incident that
// covers serviceID, if one exists. Used by the aggregator to decide whether
// a sustained non-up run should open a new incident or continue an
// existing one.
func (s *Store) FindOpenForService(ctx context.Context, nestID, serviceID uuid.UUID) (*Incident, error) {
	inc := &Incident{}
	err := s.db.QueryRow(ctx,
		`SELECT id, nest_id, affected_service_ids, severity, state, started_at, resolved_at, created_at, updated_at
		 FROM incidents
		 WHERE nest_id = $1 AND state != $2 AND $3 = ANY(affected_service_ids)
		 ORDER BY started_at DESC LIMIT 1`,
		nestID, string(StateResolved), serviceID,
	).Scan(scanArgs(inc)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding open incident for service %s: %w", serviceID, err)
	}
	return inc, nil
}

// UpdateState moves an incident to a new state, stamping resolved_at when
// the new state is Resolved. Callers validate the transition themselves
// via CanAdvance before calling this.
func (s *Store) UpdateState(ctx context.Context, id uuid.UUID, newState State) (*Incident, error) {
	var resolvedAt any
	if newState == StateResolved {
		resolvedAt = time.Now().UTC()
	}

	inc := &Incident{}
	err := s.db.QueryRow(ctx,
		`UPDATE incidents SET state = $2, resolved_at = COALESCE(resolved_at, $3::timestamptz), updated_at = now()
		 WHERE id = $1
		 RETURNING id, nest_id, affected_service_ids, severity, state, started_at, resolved_at, created_at, updated_at`,
		id, string(newState), resolvedAt,
	).Scan(scanArgs(inc)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("updating incident %s state: %w", id, err)
	}
	return inc, nil
}

// List returns incidents for a nest, most recent first, optionally filtered
// to open (non-resolved) incidents only.
func (s *Store) List(ctx context.Context, nestID uuid.UUID, openOnly bool, limit, offset int) ([]Incident, int, error) {
	where := "nest_id = $1"
	if openOnly {
		where += " AND state != 'resolved'"
	}

	var total int
	if err := s.db.QueryRow(ctx, "SELECT count(*) FROM incidents WHERE "+where, nestID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting incidents: %w", err)
	}

	rows, err := s.db.Query(ctx,
		fmt.Sprintf(`SELECT id, nest_id, affected_service_ids, severity, state, started_at, resolved_at, created_at, updated_at
		 FROM incidents WHERE %s ORDER BY started_at DESC LIMIT $2 OFFSET $3`, where),
		nestID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("listing incidents: %w", err)
	}
	defer rows.Close()

	var out []Incident
	for rows.Next() {
		var inc Incident
		if err := rows.Scan(scanArgs(&inc)...); err != nil {
			return nil, 0, fmt.Errorf("scanning incident row: %w", err)
		}
		out = append(out, inc)
	}
	return out, total, rows.Err()
}

// AddUpdate appends a timeline entry.
func (s *Store) AddUpdate(ctx context.Context, incidentID uuid.UUID, state State, message string, authorID *uuid.UUID) (*Update, error) {
	u := &Update{ID: uuid.New(), IncidentID: incidentID, State: state, Message: message, AuthorID: authorID}
	err := s.db.QueryRow(ctx,
		`INSERT INTO incident_updates (id, incident_id, state, message, author_user_id)
		 VALUES ($1, $2, $3, $4, $5) RETURNING created_at`,
		u.ID, u.IncidentID, string(u.State), u.Message, u.AuthorID,
	).Scan(&u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting incident update: %w", err)
	}
	return u, nil
}

// ListUpdates returns an incident's timeline, oldest first.
func (s *Store) ListUpdates(ctx context.Context, incidentID uuid.UUID) ([]Update, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, incident_id, state, message, author_user_id, created_at
		 FROM incident_updates WHERE incident_id = $1 ORDER BY created_at ASC`,
		incidentID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing incident updates: %w", err)
	}
	defer rows.Close()

	var out []Update
	for rows.Next() {
		var u Update
		var state string
		if err := rows.Scan(&u.ID, &u.IncidentID, &state, &u.Message, &u.AuthorID, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning incident update row: %w", err)
		}
		u.State = State(state)
		out = append(out, u)
	}
	return out, rows.Err()
}

// IncrementCounters bumps the consecutive non-up/up evaluation counters
// used by the aggregator's candidate→investigating and auto-resolve logic
//. Returns the updated counters.
func (s *Store) IncrementCounters(ctx context.Context, nestID, serviceID uuid.UUID, nonUp bool) (consecutiveNonUp, consecutiveUp int, err error) {
	if nonUp {
		err = s.db.QueryRow(ctx,
			`INSERT INTO service_status_counters (nest_id, service_id, consecutive_non_up, consecutive_up)
			 VALUES ($1, $2, 1, 0)
			 ON CONFLICT (nest_id, service_id) DO UPDATE
			   SET consecutive_non_up = service_status_counters.consecutive_non_up + 1, consecutive_up = 0
			 RETURNING consecutive_non_up, consecutive_up`,
			nestID, serviceID,
		).Scan(&consecutiveNonUp, &consecutiveUp)
	} else {
		err = s.db.QueryRow(ctx,
			`INSERT INTO service_status_counters (nest_id, service_id, consecutive_non_up, consecutive_up)
			 VALUES ($1, $2, 0, 1)
			 ON CONFLICT (nest_id, service_id) DO UPDATE
			   SET consecutive_up = service_status_counters.consecutive_up + 1, consecutive_non_up = 0
			 RETURNING consecutive_non_up, consecutive_up`,
			nestID, serviceID,
		).Scan(&consecutiveNonUp, &consecutiveUp)
	}
	if err != nil {
		return 0, 0, fmt.Errorf("incrementing status counters: %w", err)
	}
	return consecutiveNonUp, consecutiveUp, nil
}

// scanArgs returns the destination pointers for a full incidents row scan,
// in column order, keeping Create/Get/List/UpdateState in sync.
func scanArgs(inc *Incident) []any {
	return []any{
		&inc.ID, &inc.NestID, &inc.AffectedServiceIDs, &inc.Severity, &inc.State,
		&inc.StartedAt, &inc.ResolvedAt, &inc.CreatedAt, &inc.UpdatedAt,
	}
}
