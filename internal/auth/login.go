package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

// LoginRequest is the JSON body for POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse is the JSON response for a successful login.
type LoginResponse struct {
	Token string   `json:"token"`
	User  UserInfo `json:"user"`
}

// UserInfo is the public user information returned in auth responses.
type UserInfo struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	DisplayName   string `json:"display_name"`
	Role          string `json:"role"`
	NestSubdomain string `json:"nest_subdomain"`
}

// AuthConfigResponse tells the frontend which auth methods are available.
type AuthConfigResponse struct {
	OIDCEnabled  bool   `json:"oidc_enabled"`
	OIDCName     string `json:"oidc_name"`
	OIDCLoginURL string `json:"oidc_login_url,omitempty"`
	LocalEnabled bool   `json:"local_enabled"`
}

// LoginHandler handles local email/password login and auth discovery.
type LoginHandler struct {
	sessionMgr   *SessionManager
	pool         *pgxpool.Pool
	logger       *slog.Logger
	oidcEnabled  bool
	oidcLoginURL string
}

// NewLoginHandler creates a new login handler. oidcLoginURL is included in
// HandleAuthConfig's response when non-empty, so the frontend knows where
// to send the browser for SSO; it's empty when OIDC validates tokens issued
// some other way but this server isn't driving its own login redirect.
func NewLoginHandler(sm *SessionManager, pool *pgxpool.Pool, logger *slog.Logger, oidcEnabled bool, oidcLoginURL string) *LoginHandler {
	return &LoginHandler{sessionMgr: sm, pool: pool, logger: logger, oidcEnabled: oidcEnabled, oidcLoginURL: oidcLoginURL}
}

// HandleLogin authenticates a user with email/password and returns a session JWT.
func (h *LoginHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErr(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	if req.Email == "" || req.Password == "" {
		respondErr(w, http.StatusBadRequest, "bad_request", "email and password are required")
		return
	}

	row, subdomain, nestID, err := h.findUserByEmail(r.Context(), req.Email)
	if err != nil {
		h.logger.Warn("login: user lookup failed", "email", req.Email, "error", err)
		respondErr(w, http.StatusUnauthorized, "unauthorized", "invalid email or password")
		return
	}

	if row.PasswordHash == "" {
		h.logger.Warn("login: user has no password set", "email", req.Email)
		respondErr(w, http.StatusUnauthorized, "unauthorized", "invalid email or password")
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(row.PasswordHash), []byte(req.Password)); err != nil {
		respondErr(w, http.StatusUnauthorized, "unauthorized", "invalid email or password")
		return
	}

	token, err := h.sessionMgr.IssueToken(SessionClaims{
		Subject:       row.DisplayName,
		Email:         row.Email,
		Role:          row.Role,
		NestSubdomain: subdomain,
		NestID:        nestID,
		UserID:        row.ID.String(),
		Method:        MethodSession,
	})
	if err != nil {
		h.logger.Error("login: issuing token", "error", err)
		respondErr(w, http.StatusInternalServerError, "internal", "failed to issue token")
		return
	}

	respondJSON(w, http.StatusOK, LoginResponse{
		Token: token,
		User: UserInfo{
			ID:            row.ID.String(),
			Email:         row.Email,
			DisplayName:   row.DisplayName,
			Role:          row.Role,
			NestSubdomain: subdomain,
		},
	})
}

// HandleAuthConfig returns the available authentication methods.
func (h *LoginHandler) HandleAuthConfig(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, AuthConfigResponse{
		OIDCEnabled:  h.oidcEnabled,
		OIDCName:     "Sign in with SSO",
		OIDCLoginURL: h.oidcLoginURL,
		LocalEnabled: true,
	})
}

// HandleMe returns the current user's info from a session token.
func (h *LoginHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	authHeader := r.Header.Get("Authorization")
	if len(authHeader) < 8 {
		respondErr(w, http.StatusUnauthorized, "unauthorized", "no token provided")
		return
	}

	token := authHeader[7:] // strip "Bearer "
	claims, err := h.sessionMgr.ValidateToken(token)
	if err != nil {
		respondErr(w, http.StatusUnauthorized, "unauthorized", "invalid or expired token")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"id":             claims.UserID,
		"email":          claims.Email,
		"display_name":   claims.Subject,
		"role":           claims.Role,
		"nest_subdomain": claims.NestSubdomain,
	})
}

// HandleLogout is a no-op endpoint for future server-side session revocation.
func (h *LoginHandler) HandleLogout(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// loginRow is the subset of the nest users table needed for local login.
type loginRow struct {
	ID           uuid.UUID
	Email        string
	DisplayName  string
	Role         string
	PasswordHash string
}

// findUserByEmail searches across all nest schemas for a user with the given
// email. Nest subdomains are not known to the client at login time, so the
// global nest directory is walked; this is bounded by the platform's total
// nest count, not request volume.
func (h *LoginHandler) findUserByEmail(ctx context.Context, email string) (*loginRow, string, string, error) {
	rows, err := h.pool.Query(ctx, "SELECT subdomain, id FROM public.nests WHERE is_active")
	if err != nil {
		return nil, "", "", fmt.Errorf("listing nests: %w", err)
	}
	defer rows.Close()

	type nestRef struct {
		subdomain string
		id        uuid.UUID
	}
	var nests []nestRef
	for rows.Next() {
		var n nestRef
		if err := rows.Scan(&n.subdomain, &n.id); err != nil {
			return nil, "", "", fmt.Errorf("scanning nest row: %w", err)
		}
		nests = append(nests, n)
	}

	for _, n := range nests {
		conn, err := h.pool.Acquire(ctx)
		if err != nil {
			return nil, "", "", fmt.Errorf("acquiring connection: %w", err)
		}

		if _, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO nest_%s, public", n.subdomain)); err != nil {
			conn.Release()
			continue
		}

		var row loginRow
		err = conn.QueryRow(ctx,
			"SELECT id, email, display_name, role, password_hash FROM users WHERE email = $1 AND is_active = true",
			email,
		).Scan(&row.ID, &row.Email, &row.DisplayName, &row.Role, &row.PasswordHash)
		conn.Release()

		if err == nil {
			return &row, n.subdomain, n.id.String(), nil
		}
	}

	return nil, "", "", fmt.Errorf("user not found")
}
