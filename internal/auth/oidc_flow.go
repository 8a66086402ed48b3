package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"
)

// OIDCFlowHandler drives the OAuth2 Authorization Code flow for
// platform-admin login. Unlike session/API-key auth, which are scoped to a
// nest, OIDC here authenticates a single platform-wide operator identity —
// there's no tenant to resolve, so a successful callback goes straight from
// verified ID token claims to a session JWT.
type OIDCFlowHandler struct {
	oauth2Cfg  *oauth2.Config
	oidcAuth   *OIDCAuthenticator
	sessionMgr *SessionManager
	redis      *redis.Client
	logger     *slog.Logger
}

// NewOIDCFlowHandler creates a handler for the OIDC Authorization Code flow.
func NewOIDCFlowHandler(oauth2Cfg *oauth2.Config, oidcAuth *OIDCAuthenticator, sm *SessionManager, rdb *redis.Client, logger *slog.Logger) *OIDCFlowHandler {
	return &OIDCFlowHandler{
		oauth2Cfg:  oauth2Cfg,
		oidcAuth:   oidcAuth,
		sessionMgr: sm,
		redis:      rdb,
		logger:     logger,
	}
}

// oidcStateTTL bounds how long a login attempt can sit on the identity
// provider's consent screen before its state token expires.
const oidcStateTTL = 10 * time.Minute

// HandleLogin redirects the caller to the identity provider's consent page.
func (h *OIDCFlowHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	state, err := randomState()
	if err != nil {
		respondErr(w, http.StatusInternalServerError, "internal", "failed to generate state")
		return
	}

	if err := h.redis.Set(r.Context(), "oidc_state:"+state, "1", oidcStateTTL).Err(); err != nil {
		h.logger.Error("oidc: storing state in redis", "error", err)
		respondErr(w, http.StatusInternalServerError, "internal", "failed to store state")
		return
	}

	http.Redirect(w, r, h.oauth2Cfg.AuthCodeURL(state), http.StatusFound)
}

// HandleCallback completes the flow: validates state, exchanges the
// authorization code, verifies the returned ID token, and issues a session
// JWT carrying the platform-admin identity.
func (h *OIDCFlowHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	state := r.URL.Query().Get("state")
	if state == "" {
		respondErr(w, http.StatusBadRequest, "bad_request", "missing state parameter")
		return
	}

	result, err := h.redis.GetDel(ctx, "oidc_state:"+state).Result()
	if err != nil || result == "" {
		respondErr(w, http.StatusBadRequest, "bad_request", "invalid or expired state")
		return
	}

	if errParam := r.URL.Query().Get("error"); errParam != "" {
		desc := r.URL.Query().Get("error_description")
		h.logger.Warn("oidc: identity provider returned error", "error", errParam, "description", desc)
		respondErr(w, http.StatusUnauthorized, "unauthorized", "authentication failed: "+errParam)
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		respondErr(w, http.StatusBadRequest, "bad_request", "missing code parameter")
		return
	}

	oauth2Token, err := h.oauth2Cfg.Exchange(ctx, code)
	if err != nil {
		h.logger.Error("oidc: code exchange failed", "error", err)
		respondErr(w, http.StatusUnauthorized, "unauthorized", "code exchange failed")
		return
	}

	rawIDToken, ok := oauth2Token.Extra("id_token").(string)
	if !ok {
		respondErr(w, http.StatusUnauthorized, "unauthorized", "no id_token in response")
		return
	}

	claims, err := h.oidcAuth.Authenticate(ctx, "Bearer "+rawIDToken)
	if err != nil {
		h.logger.Error("oidc: token verification failed", "error", err)
		respondErr(w, http.StatusUnauthorized, "unauthorized", "invalid id_token")
		return
	}

	token, err := h.sessionMgr.IssueToken(SessionClaims{
		Subject: claims.Subject,
		Email:   claims.Email,
		Role:    claims.Role,
		Method:  "oidc",
	})
	if err != nil {
		h.logger.Error("oidc: issuing session token", "error", err)
		respondErr(w, http.StatusInternalServerError, "internal", "failed to issue token")
		return
	}

	h.logger.Info("oidc: platform-admin login", "sub", claims.Subject, "email", claims.Email)
	http.Redirect(w, r, fmt.Sprintf("%s?token=%s", h.oauth2Cfg.RedirectURL, token), http.StatusFound)
}

func randomState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}
