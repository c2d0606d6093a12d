package token

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Variant identifies which of the three token kinds a credential is.
// The audience value alone decides the variant a verifier must expect.
type Variant int

const (
	// VariantIdentity is a general-purpose proof of authentication,
	// not scoped to any tenant.
	VariantIdentity Variant = iota
	// VariantTenantAccess is scoped to one tenant and one target service
	// and carries roles and permissions.
	VariantTenantAccess
	// VariantServiceClient represents a service acting on its own behalf.
	VariantServiceClient
)

func (v Variant) String() string {
	switch v {
	case VariantIdentity:
		return "identity"
	case VariantTenantAccess:
		return "access"
	case VariantServiceClient:
		return "service"
	}
	return "unknown"
}

// Claims are the verified contents of a token.
type Claims struct {
	Variant     Variant
	ID          string
	Subject     string
	Email       string
	Issuer      string
	Audience    string
	TenantID    string
	Roles       []string
	Permissions []string
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// wireClaims is the JWT payload shape shared by all variants. The
// token_type discriminator guards against token confusion between
// variants whose structural claims overlap.
type wireClaims struct {
	Email       string   `json:"email"`
	TokenType   string   `json:"token_type,omitempty"`
	TenantID    string   `json:"tenant_id,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

func (w *wireClaims) audience() string {
	if len(w.Audience) == 0 {
		return ""
	}
	return w.Audience[0]
}
