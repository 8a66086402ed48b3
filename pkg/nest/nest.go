// Package nest resolves the tenant ("nest") for a request and scopes the
// database connection to that nest's schema.
package nest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/guardant/guardant/internal/platform"
)

// Tier is a subscription tier, driving service/team limits and dispatch priority.
type Tier string

const (
	TierFree      Tier = "free"
	TierPro       Tier = "pro"
	TierUnlimited Tier = "unlimited"
)

// DispatchPriority returns the Coordinator priority for a tier: lower sorts first.
func (t Tier) DispatchPriority() int {
	switch t {
	case TierFree:
		return 10
	case TierPro:
		return 5
	case TierUnlimited:
		return 1
	default:
		return 10
	}
}

// Subscription bounds what a nest may provision.
type Subscription struct {
	Tier          Tier
	ServicesLimit int
	TeamLimit     int
	ValidUntil    time.Time
}

// Nest is a tenant organization: owns services and users, surfaced publicly
// at its subdomain.
type Nest struct {
	ID           uuid.UUID
	Subdomain    string
	OwnerEmail   string
	Subscription Subscription
	IsActive     bool
	Schema       string
}

// Info is the resolved nest metadata attached to the request context.
// Kept distinct from Nest so handlers that only need identity don't pull in
// the full subscription record on every request.
type Info struct {
	ID     uuid.UUID
	Name   string
	Slug   string
	Schema string
}

// SchemaName returns the PostgreSQL schema name for a nest subdomain.
func SchemaName(subdomain string) string {
	return fmt.Sprintf("nest_%s", subdomain)
}

// Get loads the full nest record, including its subscription, by ID. db may
// be a nest-scoped connection since public is always on its search_path.
func Get(ctx context.Context, db platform.DBTX, id uuid.UUID) (*Nest, error) {
	var n Nest
	err := db.QueryRow(ctx,
		`SELECT id, subdomain, owner_email, tier, services_limit, team_limit, valid_until, is_active
		 FROM public.nests WHERE id = $1`,
		id,
	).Scan(&n.ID, &n.Subdomain, &n.OwnerEmail, &n.Subscription.Tier, &n.Subscription.ServicesLimit,
		&n.Subscription.TeamLimit, &n.Subscription.ValidUntil, &n.IsActive)
	if err != nil {
		return nil, fmt.Errorf("getting nest %s: %w", id, err)
	}
	n.Schema = SchemaName(n.Subdomain)
	return &n, nil
}

type contextKey string

const (
	infoKey contextKey = "nest_info"
	connKey contextKey = "nest_conn"
)

// NewContext stores nest info in the context.
func NewContext(ctx context.Context, info *Info) context.Context {
	return context.WithValue(ctx, infoKey, info)
}

// FromContext extracts the nest info from the context. Returns nil if unset.
func FromContext(ctx context.Context) *Info {
	v, _ := ctx.Value(infoKey).(*Info)
	return v
}

// NewConnContext stores a nest-scoped database connection in the context.
func NewConnContext(ctx context.Context, conn *pgxpool.Conn) context.Context {
	return context.WithValue(ctx, connKey, conn)
}

// ConnFromContext extracts the nest-scoped database connection from the context.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	v, _ := ctx.Value(connKey).(*pgxpool.Conn)
	return v
}
