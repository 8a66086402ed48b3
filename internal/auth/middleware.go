package auth

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Middleware returns an HTTP middleware that authenticates the caller via
// session JWT, OIDC JWT, API key, or dev header and stores the resulting
// Identity in the request context.
//
// Authentication precedence:
//  1. Authorization: Bearer <jwt>   → session JWT (HMAC) → OIDC validation
//  2. X-API-Key: <raw-key>         → API key hash lookup
//  3. X-Nest-Subdomain: <subdomain> → development-only fallback (no real auth)
//
// If none succeed, the request is rejected with 401.
func Middleware(sessionMgr *SessionManager, oidcAuth *OIDCAuthenticator, pool *pgxpool.Pool, logger *slog.Logger) func(http.Handler) http.Handler {
	apikeyAuth := &APIKeyAuthenticator{DB: pool}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var identity *Identity

			if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
				rawToken := strings.TrimSpace(authHeader[len("Bearer "):])

				if sessionMgr != nil {
					if claims, err := sessionMgr.ValidateToken(rawToken); err == nil {
						userID, _ := uuid.Parse(claims.UserID)
						nestID, _ := uuid.Parse(claims.NestID)
						identity = &Identity{
							Subject:       claims.Subject,
							Email:         claims.Email,
							Role:          claims.Role,
							NestSubdomain: claims.NestSubdomain,
							NestID:        nestID,
							UserID:        &userID,
							Method:        MethodSession,
						}
						logger.Debug("authenticated via session JWT", "sub", claims.Subject, "nest_subdomain", claims.NestSubdomain)
					}
				}

				if identity == nil {
					if oidcAuth == nil {
						logger.Warn("JWT presented but OIDC is not configured")
						respondErr(w, http.StatusUnauthorized, "unauthorized", "invalid token")
						return
					}

					claims, err := oidcAuth.Authenticate(r.Context(), authHeader)
					if err != nil {
						logger.Warn("OIDC authentication failed", "error", err)
						respondErr(w, http.StatusUnauthorized, "unauthorized", "invalid token")
						return
					}

					identity = &Identity{
						Subject: claims.Subject,
						Email:   claims.Email,
						Role:    claims.Role,
						Method:  MethodOIDC,
					}
					logger.Debug("authenticated via OIDC", "sub", claims.Subject, "email", claims.Email)
				}
			}

			if identity == nil {
				if rawKey := r.Header.Get("X-API-Key"); rawKey != "" {
					result, err := apikeyAuth.Authenticate(r.Context(), rawKey)
					if err != nil {
						logger.Warn("API key authentication failed", "error", err)
						respondErr(w, http.StatusUnauthorized, "unauthorized", "invalid API key")
						return
					}

					var subdomain string
					if pool != nil {
						_ = pool.QueryRow(r.Context(), "SELECT subdomain FROM public.nests WHERE id = $1", result.NestID).Scan(&subdomain)
					}

					identity = &Identity{
						Subject:       fmt.Sprintf("apikey:%s", result.KeyPrefix),
						Role:          result.Role,
						NestSubdomain: subdomain,
						NestID:        result.NestID,
						APIKeyID:      &result.APIKeyID,
						Method:        MethodAPIKey,
					}
					logger.Debug("authenticated via API key", "key_prefix", result.KeyPrefix, "nest_subdomain", subdomain)
				}
			}

			if identity == nil {
				if subdomain := r.Header.Get("X-Nest-Subdomain"); subdomain != "" {
					devID := uuid.Nil
					identity = &Identity{
						Subject:       "dev:anonymous",
						Email:         "dev@localhost",
						Role:          RolePlatformAdmin,
						NestSubdomain: subdomain,
						NestID:        devID,
						UserID:        &devID,
						Method:        MethodDev,
					}

					if pool != nil {
						var nestID uuid.UUID
						if err := pool.QueryRow(r.Context(), "SELECT id FROM public.nests WHERE subdomain = $1", subdomain).Scan(&nestID); err == nil {
							identity.NestID = nestID
							schema := "nest_" + subdomain
							var userID uuid.UUID
							var email, displayName string
							err := pool.QueryRow(r.Context(),
								fmt.Sprintf("SELECT id, email, display_name FROM %s.users WHERE role = 'nest_admin' AND is_active = true LIMIT 1", schema),
							).Scan(&userID, &email, &displayName)
							if err == nil {
								identity.UserID = &userID
								identity.Email = email
								identity.Subject = displayName
							}
						}
					}

					logger.Debug("dev-mode authentication", "nest_subdomain", subdomain)
				}
			}

			if identity == nil {
				respondErr(w, http.StatusUnauthorized, "unauthorized", "no valid authentication provided")
				return
			}

			ctx := NewContext(r.Context(), identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func respondErr(w http.ResponseWriter, status int, errStr, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   errStr,
		"message": message,
	})
}
