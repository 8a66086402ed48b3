package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/guardant/guardant/internal/platform"
)

// Store is the PostgreSQL-backed persistence layer for services. Queries
// run against whatever connection they're given — a pooled connection
// already scoped to a nest schema by pkg/nest's middleware, or the pool
// itself for background/dispatcher use where the caller sets search_path
// explicitly.
type Store struct {
	db platform.DBTX
}

// NewStore creates a Store bound to db.
func NewStore(db platform.DBTX) *Store {
	return &Store{db: db}
}

// CountActive returns how many active services a nest currently has, used
// by Service.Create to enforce the subscription's services_limit.
func (s *Store) CountActive(ctx context.Context, nestID uuid.UUID) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `SELECT count(*) FROM services WHERE nest_id = $1`, nestID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting services: %w", err)
	}
	return n, nil
}

// Create inserts a new service row.
func (s *Store) Create(ctx context.Context, svc *Service) (*Service, error) {
	svc.ID = uuid.New()

	cfg, err := json.Marshal(svc.TypeConfig)
	if err != nil {
		return nil, fmt.Errorf("marshalling type_config: %w", err)
	}

	out := &Service{}
	var outCfg []byte
	err = s.db.QueryRow(ctx,
		`INSERT INTO services (id, nest_id, name, type, target, type_config, interval_seconds, timeout_ms, regions, strategy, min_regions, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING id, nest_id, name, type, target, type_config, interval_seconds, timeout_ms, regions, strategy, min_regions, is_active, created_at, updated_at`,
		svc.ID, svc.NestID, svc.Name, string(svc.Type), svc.Target, cfg, svc.IntervalSeconds, svc.TimeoutMs,
		svc.Regions, string(svc.Strategy), svc.MinRegions, svc.IsActive,
	).Scan(scanArgs(out, &outCfg)...)
	if err != nil {
		return nil, fmt.Errorf("inserting service: %w", err)
	}
	if err := json.Unmarshal(outCfg, &out.TypeConfig); err != nil {
		return nil, fmt.Errorf("unmarshalling type_config: %w", err)
	}
	return out, nil
}

// Get retrieves a single service by ID.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Service, error) {
	out := &Service{}
	var cfg []byte
	err := s.db.QueryRow(ctx,
		`SELECT id, nest_id, name, type, target, type_config, interval_seconds, timeout_ms, regions, strategy, min_regions, is_active, created_at, updated_at
		 FROM services WHERE id = $1`,
		id,
	).Scan(scanArgs(out, &cfg)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting service %s: %w", id, err)
	}
	if err := json.Unmarshal(cfg, &out.TypeConfig); err != nil {
		return nil, fmt.Errorf("unmarshalling type_config: %w", err)
	}
	return out, nil
}

// Update rewrites the mutable fields of a service.
func (s *Store) Update(ctx context.Context, id uuid.UUID, svc *Service) (*Service, error) {
	cfg, err := json.Marshal(svc.TypeConfig)
	if err != nil {
		return nil, fmt.Errorf("marshalling type_config: %w", err)
	}

	out := &Service{}
	var outCfg []byte
	err = s.db.QueryRow(ctx,
		`UPDATE services SET name = $2, target = $3, type_config = $4, interval_seconds = $5, timeout_ms = $6,
		   regions = $7, strategy = $8, min_regions = $9, is_active = $10, updated_at = now()
		 WHERE id = $1
		 RETURNING id, nest_id, name, type, target, type_config, interval_seconds, timeout_ms, regions, strategy, min_regions, is_active, created_at, updated_at`,
		id, svc.Name, svc.Target, cfg, svc.IntervalSeconds, svc.TimeoutMs, svc.Regions, string(svc.Strategy), svc.MinRegions, svc.IsActive,
	).Scan(scanArgs(out, &outCfg)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("updating service %s: %w", id, err)
	}
	if err := json.Unmarshal(outCfg, &out.TypeConfig); err != nil {
		return nil, fmt.Errorf("unmarshalling type_config: %w", err)
	}
	return out, nil
}

// Delete removes a service permanently.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM services WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting service %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns services for a nest, most recently created first.
func (s *Store) List(ctx context.Context, nestID uuid.UUID, limit, offset int) ([]Service, int, error) {
	var total int
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM services WHERE nest_id = $1`, nestID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting services: %w", err)
	}

	rows, err := s.db.Query(ctx,
		`SELECT id, nest_id, name, type, target, type_config, interval_seconds, timeout_ms, regions, strategy, min_regions, is_active, created_at, updated_at
		 FROM services WHERE nest_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		nestID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("listing services: %w", err)
	}
	defer rows.Close()

	var out []Service
	for rows.Next() {
		var svc Service
		var cfg []byte
		if err := rows.Scan(scanArgs(&svc, &cfg)...); err != nil {
			return nil, 0, fmt.Errorf("scanning service row: %w", err)
		}
		if err := json.Unmarshal(cfg, &svc.TypeConfig); err != nil {
			return nil, 0, fmt.Errorf("unmarshalling type_config: %w", err)
		}
		out = append(out, svc)
	}
	return out, total, rows.Err()
}

// ListActiveDue returns active services whose next_due_at has passed, for
// the coordinator's scheduling tick.
func (s *Store) ListActiveDue(ctx context.Context, limit int) ([]Service, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, nest_id, name, type, target, type_config, interval_seconds, timeout_ms, regions, strategy, min_regions, is_active, created_at, updated_at
		 FROM services WHERE is_active AND next_due_at <= now() ORDER BY next_due_at ASC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing due services: %w", err)
	}
	defer rows.Close()

	var out []Service
	for rows.Next() {
		var svc Service
		var cfg []byte
		if err := rows.Scan(scanArgs(&svc, &cfg)...); err != nil {
			return nil, fmt.Errorf("scanning service row: %w", err)
		}
		if err := json.Unmarshal(cfg, &svc.TypeConfig); err != nil {
			return nil, fmt.Errorf("unmarshalling type_config: %w", err)
		}
		out = append(out, svc)
	}
	return out, rows.Err()
}

// MarkDispatched advances a service's next_due_at past its interval, so the
// coordinator's next tick won't immediately re-select it.
func (s *Store) MarkDispatched(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.Exec(ctx,
		`UPDATE services SET next_due_at = now() + (interval_seconds * interval '1 second') WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("marking service %s dispatched: %w", id, err)
	}
	return nil
}

// scanArgs returns the destination pointers for a full services row scan,
// in column order. type_config is scanned into the caller-supplied raw
// buffer and unmarshalled separately since Service.TypeConfig isn't a
// pgx-scannable type on its own.
func scanArgs(svc *Service, cfg *[]byte) []any {
	return []any{
		&svc.ID, &svc.NestID, &svc.Name, &svc.Type, &svc.Target, cfg,
		&svc.IntervalSeconds, &svc.TimeoutMs, &svc.Regions, &svc.Strategy, &svc.MinRegions, &svc.IsActive,
		&svc.CreatedAt, &svc.UpdatedAt,
	}
}
