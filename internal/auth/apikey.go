package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// APIKeyAuthenticator validates API keys against the database.
type APIKeyAuthenticator struct {
	DB *pgxpool.Pool
}

// APIKeyResult holds the resolved identity data from an API key lookup.
type APIKeyResult struct {
	APIKeyID  uuid.UUID
	NestID    uuid.UUID
	KeyPrefix string
	Role      string
}

// Authenticate hashes the raw key, looks it up in public.api_keys, and
// validates expiration.
func (a *APIKeyAuthenticator) Authenticate(ctx context.Context, rawKey string) (*APIKeyResult, error) {
	if rawKey == "" {
		return nil, fmt.Errorf("empty API key")
	}

	hash := HashAPIKey(rawKey)

	var res APIKeyResult
	var expiresAt *time.Time
	err := a.DB.QueryRow(ctx,
		`SELECT id, nest_id, key_prefix, role, expires_at
		 FROM public.api_keys WHERE key_hash = $1`,
		hash,
	).Scan(&res.APIKeyID, &res.NestID, &res.KeyPrefix, &res.Role, &expiresAt)
	if err != nil {
		return nil, fmt.Errorf("looking up API key: %w", err)
	}

	if expiresAt != nil && expiresAt.Before(time.Now()) {
		return nil, fmt.Errorf("API key expired at %s", expiresAt)
	}

	if !IsValidRole(res.Role) {
		res.Role = RoleNestMember
	}

	// Update last_used asynchronously, fire and forget.
	go func() {
		_, _ = a.DB.Exec(context.Background(),
			"UPDATE public.api_keys SET last_used_at = now() WHERE id = $1", res.APIKeyID)
	}()

	return &res, nil
}
