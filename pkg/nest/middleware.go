package nest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Resolver identifies the nest for the current request.
type Resolver interface {
	Resolve(r *http.Request) (subdomain string, err error)
}

// HeaderResolver resolves the nest from the X-Nest-Subdomain header.
// Intended for development and testing; production uses the bearer-token
// resolver wired in internal/auth.
type HeaderResolver struct{}

func (HeaderResolver) Resolve(r *http.Request) (string, error) {
	sub := r.Header.Get("X-Nest-Subdomain")
	if sub == "" {
		return "", fmt.Errorf("missing X-Nest-Subdomain header")
	}
	return sub, nil
}

// Lookup retrieves nest identity by subdomain.
type Lookup interface {
	LookupBySubdomain(ctx context.Context, subdomain string) (id uuid.UUID, name string, err error)
}

// sqlLookup is the default Lookup, querying the global nests table directly.
type sqlLookup struct {
	pool *pgxpool.Pool
}

func (l *sqlLookup) LookupBySubdomain(ctx context.Context, subdomain string) (uuid.UUID, string, error) {
	var id uuid.UUID
	var name string
	err := l.pool.QueryRow(ctx,
		"SELECT id, subdomain FROM public.nests WHERE subdomain = $1 AND is_active",
		subdomain,
	).Scan(&id, &name)
	if err != nil {
		return uuid.Nil, "", err
	}
	return id, name, nil
}

// Middleware resolves the nest, acquires a database connection, sets the
// PostgreSQL search_path to the nest's schema, and stores both the nest
// info and the scoped connection in the request context. The connection is
// released after the downstream handler returns.
func Middleware(pool *pgxpool.Pool, resolver Resolver, logger *slog.Logger) func(http.Handler) http.Handler {
	return MiddlewareWithLookup(pool, &sqlLookup{pool: pool}, resolver, logger)
}

// MiddlewareWithLookup is like Middleware but accepts a custom Lookup, e.g.
// one backed by generated query code instead of raw SQL.
func MiddlewareWithLookup(pool *pgxpool.Pool, lookup Lookup, resolver Resolver, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subdomain, err := resolver.Resolve(r)
			if err != nil {
				respondError(w, http.StatusUnauthorized, "unauthorized", "nest resolution failed")
				return
			}

			nestID, name, err := lookup.LookupBySubdomain(r.Context(), subdomain)
			if err != nil {
				logger.Warn("nest not found", "subdomain", subdomain, "error", err)
				respondError(w, http.StatusUnauthorized, "unauthorized", "unknown nest")
				return
			}

			schema := SchemaName(subdomain)

			conn, err := pool.Acquire(r.Context())
			if err != nil {
				logger.Error("acquiring database connection", "error", err)
				respondError(w, http.StatusServiceUnavailable, "unavailable", "database connection unavailable")
				return
			}
			defer conn.Release()

			searchPath := schema + ", public"
			if _, err := conn.Exec(r.Context(), "SELECT set_config('search_path', $1, false)", searchPath); err != nil {
				logger.Error("setting search_path", "schema", schema, "error", err)
				respondError(w, http.StatusInternalServerError, "internal", "database configuration error")
				return
			}

			info := &Info{
				ID:     nestID,
				Name:   name,
				Slug:   subdomain,
				Schema: schema,
			}

			ctx := NewContext(r.Context(), info)
			ctx = NewConnContext(ctx, conn)

			logger.Debug("nest resolved", "nest_id", nestID, "subdomain", subdomain, "schema", schema)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func respondError(w http.ResponseWriter, status int, errStr, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   errStr,
		"message": message,
	})
}
