package nest

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/guardant/guardant/internal/platform"
)

// subdomainPattern restricts nest subdomains to DNS-safe, schema-safe identifiers.
var subdomainPattern = regexp.MustCompile(`^[a-z][a-z0-9-]{1,62}$`)

// Provisioner handles creating and destroying nest schemas.
type Provisioner struct {
	DB            *pgxpool.Pool
	DatabaseURL   string
	MigrationsDir string // path to nest schema template migration files
	Logger        *slog.Logger
}

// Provision creates a new nest: inserts the global record, creates the
// PostgreSQL schema, and runs the nest schema migrations.
func (p *Provisioner) Provision(ctx context.Context, subdomain, ownerEmail string, sub Subscription) (*Nest, error) {
	if !subdomainPattern.MatchString(subdomain) {
		return nil, fmt.Errorf("invalid nest subdomain %q: must match %s", subdomain, subdomainPattern.String())
	}

	var n Nest
	n.Subdomain = subdomain
	n.OwnerEmail = ownerEmail
	n.Subscription = sub
	n.IsActive = true

	err := p.DB.QueryRow(ctx,
		`INSERT INTO public.nests (subdomain, owner_email, tier, services_limit, team_limit, valid_until, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6, true)
		 RETURNING id`,
		subdomain, ownerEmail, sub.Tier, sub.ServicesLimit, sub.TeamLimit, sub.ValidUntil,
	).Scan(&n.ID)
	if err != nil {
		return nil, fmt.Errorf("inserting nest record: %w", err)
	}

	schema := SchemaName(subdomain)
	n.Schema = schema

	if _, err := p.DB.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
		p.cleanup(ctx, n.ID)
		return nil, fmt.Errorf("creating schema %s: %w", schema, err)
	}

	nestURL, err := withSearchPath(p.DatabaseURL, schema)
	if err != nil {
		return nil, fmt.Errorf("building nest database URL: %w", err)
	}

	if err := platform.RunNestMigrations(nestURL, p.MigrationsDir); err != nil {
		_, _ = p.DB.Exec(ctx, fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schema))
		p.cleanup(ctx, n.ID)
		return nil, fmt.Errorf("running nest migrations: %w", err)
	}

	p.Logger.Info("nest provisioned", "nest_id", n.ID, "subdomain", subdomain, "schema", schema)

	return &n, nil
}

// Deactivate soft-deactivates a nest: its services stop being scheduled but
// the record and schema are retained (spec: never hard-delete while
// referenced services exist).
func (p *Provisioner) Deactivate(ctx context.Context, id uuid.UUID) error {
	_, err := p.DB.Exec(ctx, "UPDATE public.nests SET is_active = false WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("deactivating nest %s: %w", id, err)
	}
	p.Logger.Info("nest deactivated", "nest_id", id)
	return nil
}

func (p *Provisioner) cleanup(ctx context.Context, id uuid.UUID) {
	if _, err := p.DB.Exec(ctx, "DELETE FROM public.nests WHERE id = $1", id); err != nil {
		p.Logger.Error("cleaning up failed nest provision", "nest_id", id, "error", err)
	}
}

// withSearchPath appends search_path=<schema> to a PostgreSQL connection URL.
func withSearchPath(databaseURL, schema string) (string, error) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", fmt.Errorf("parsing database URL: %w", err)
	}
	q := u.Query()
	q.Set("search_path", schema)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
