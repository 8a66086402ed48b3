// Package seed provisions a development nest with sample users, services,
// and an incident, for exercising the control plane without a live worker
// fleet.
package seed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/guardant/guardant/internal/auth"
	"github.com/guardant/guardant/pkg/incident"
	"github.com/guardant/guardant/pkg/nest"
	"github.com/guardant/guardant/pkg/service"
	"golang.org/x/crypto/bcrypt"
)

// DevAPIKey is the raw API key seeded for development/testing. It is only
// created by the seed command and must never be used in production.
const DevAPIKey = "gnt_dev_seed_key_do_not_use_in_production"

// devPassword is the password for the seeded nest-admin user.
const devPassword = "devpassword123"

// Run provisions the "acme" development nest and populates it with a sample
// admin user, two services, and an incident. Idempotent: if the nest already
// exists it logs a message and returns nil.
func Run(ctx context.Context, pool *pgxpool.Pool, databaseURL, migrationsDir string, logger *slog.Logger) error {
	var existingID *string
	err := pool.QueryRow(ctx, "SELECT id::text FROM public.nests WHERE subdomain = $1", "acme").Scan(&existingID)
	if err == nil {
		logger.Info("seed: nest 'acme' already exists, skipping")
		return nil
	}

	prov := &nest.Provisioner{
		DB:            pool,
		DatabaseURL:   databaseURL,
		MigrationsDir: migrationsDir,
		Logger:        logger,
	}

	n, err := prov.Provision(ctx, "acme", "owner@acme.example.com", nest.Subscription{
		Tier:          nest.TierPro,
		ServicesLimit: 25,
		TeamLimit:     10,
		ValidUntil:    time.Now().Add(365 * 24 * time.Hour),
	})
	if err != nil {
		return fmt.Errorf("provisioning seed nest: %w", err)
	}
	logger.Info("seed: provisioned nest", "nest_id", n.ID, "subdomain", n.Subdomain)

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SELECT set_config('search_path', $1, false)", n.Schema+", public"); err != nil {
		return fmt.Errorf("setting search_path: %w", err)
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(devPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hashing dev password: %w", err)
	}

	var adminUserID string
	if err := conn.QueryRow(ctx,
		`INSERT INTO users (email, display_name, role, password_hash) VALUES ($1, $2, $3, $4) RETURNING id::text`,
		"admin@acme.example.com", "Acme Admin", "nest_admin", string(passwordHash),
	).Scan(&adminUserID); err != nil {
		return fmt.Errorf("creating seed admin user: %w", err)
	}
	logger.Info("seed: created user", "email", "admin@acme.example.com", "id", adminUserID)

	svcManager := service.NewManager(conn, logger)

	svc1, err := svcManager.Create(ctx, *n, service.CreateRequest{
		Name:            "acme-homepage",
		Type:            "web",
		Target:          "https://acme.example.com",
		IntervalSeconds: 60,
		TimeoutMs:       5000,
		Regions:         []string{"us-east", "eu-west"},
		Strategy:        "failover",
		MinRegions:      1,
	})
	if err != nil {
		return fmt.Errorf("creating seed service acme-homepage: %w", err)
	}
	logger.Info("seed: created service", "service", svc1.Name, "id", svc1.ID)

	svc2, err := svcManager.Create(ctx, *n, service.CreateRequest{
		Name:            "acme-api",
		Type:            "tcp",
		Target:          "api.acme.example.com:443",
		IntervalSeconds: 30,
		TimeoutMs:       3000,
		Regions:         []string{"us-east", "eu-west", "ap-south"},
		Strategy:        "round_robin",
		MinRegions:      2,
	})
	if err != nil {
		return fmt.Errorf("creating seed service acme-api: %w", err)
	}
	logger.Info("seed: created service", "service", svc2.Name, "id", svc2.ID)

	incidentStore := incident.NewStore(conn)
	inc, err := incidentStore.Create(ctx, incident.OpenRequest{
		NestID:             n.ID,
		AffectedServiceIDs: []uuid.UUID{svc2.ID},
		Severity:           incident.SeverityMinor,
		StartedAt:          time.Now(),
	})
	if err != nil {
		return fmt.Errorf("creating seed incident: %w", err)
	}
	if _, err := incidentStore.UpdateState(ctx, inc.ID, incident.StateResolved); err != nil {
		return fmt.Errorf("resolving seed incident: %w", err)
	}
	logger.Info("seed: created and resolved incident", "id", inc.ID)

	apiKeyHash := auth.HashAPIKey(DevAPIKey)
	if _, err := pool.Exec(ctx,
		`INSERT INTO public.api_keys (nest_id, key_hash, key_prefix, role) VALUES ($1, $2, $3, $4)`,
		n.ID, apiKeyHash, DevAPIKey[:12], "nest_admin",
	); err != nil {
		return fmt.Errorf("creating seed API key: %w", err)
	}
	logger.Info("seed: created API key", "prefix", DevAPIKey[:12], "raw_key", DevAPIKey)

	logger.Info("seed: completed successfully",
		"nest", n.Subdomain,
		"users", 1,
		"services", 2,
		"incidents", 1,
	)
	return nil
}
