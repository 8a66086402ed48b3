package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
)

// Roles supported by the RBAC system. PlatformAdmin operates across every
// nest; the rest are scoped to the authenticated nest.
const (
	RolePlatformAdmin = "platform_admin"
	RoleNestAdmin     = "nest_admin"
	RoleNestMember    = "nest_member"
	RoleReadonly      = "readonly"
)

// ValidRoles lists all known roles in descending privilege order.
var ValidRoles = []string{RolePlatformAdmin, RoleNestAdmin, RoleNestMember, RoleReadonly}

// Method describes how the caller was authenticated.
const (
	MethodOIDC    = "oidc"
	MethodSession = "session"
	MethodAPIKey  = "apikey"
	MethodDev     = "dev"
)

// Identity represents the authenticated caller for the current request.
type Identity struct {
	Subject       string     // OIDC sub, session subject, or "apikey:<prefix>"
	Email         string     // caller email (empty for API keys)
	Role          string     // one of the Role* constants
	NestSubdomain string     // resolved nest subdomain; empty for platform_admin callers acting globally
	NestID        uuid.UUID  // resolved nest ID
	UserID        *uuid.UUID // non-nil for session/OIDC-authenticated users
	APIKeyID      *uuid.UUID // non-nil for API key authentication
	Method        string     // one of the Method* constants
}

type ctxKey string

const identityKey ctxKey = "auth_identity"

// NewContext stores the identity in the context.
func NewContext(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// FromContext extracts the identity from the context. Returns nil if unset.
func FromContext(ctx context.Context) *Identity {
	v, _ := ctx.Value(identityKey).(*Identity)
	return v
}

// IsValidRole reports whether role is a recognised RBAC role.
func IsValidRole(role string) bool {
	for _, r := range ValidRoles {
		if r == role {
			return true
		}
	}
	return false
}

// HashAPIKey returns the SHA-256 hex digest of a raw API key. Hashed, not
// bcrypted: API keys are high-entropy random tokens, not user-chosen
// passwords, so a fast deterministic hash is sufficient and allows lookup by
// exact match instead of a linear bcrypt.Compare scan.
func HashAPIKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
