// Package token signs and verifies the three token kinds and owns the
// signing key material, including rotation.
package token

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/gpgkd906/auth9-sub008/internal/ids"
)

// Verification failure classes.
var (
	ErrMalformed        = errors.New("token: malformed")
	ErrSignatureInvalid = errors.New("token: signature invalid")
	ErrExpired          = errors.New("token: expired")
	ErrClaimsInvalid    = errors.New("token: claims invalid")
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultLeeway     = 60 * time.Second
	defaultMaxRetired = 2
	rsaKeyBits        = 2048
)

// Codec signs and verifies tokens against the current key ring. It is
// purely functional given the ring, which is swapped atomically on
// rotation so concurrent readers never observe a partial update.
type Codec struct {
	issuer      string
	identityAud string
	serviceAud  string
	accessTTL   time.Duration
	leeway      time.Duration
	maxRetired  int
	now         func() time.Time

	ring atomic.Pointer[KeyRing]
}

// Option configures Codec behavior.
type Option func(*Codec) error

// WithIssuer sets the token issuer claim.
func WithIssuer(issuer string) Option {
	return func(c *Codec) error {
		if v := strings.TrimSpace(issuer); v != "" {
			c.issuer = v
		}
		return nil
	}
}

// WithAudiences sets the fixed identity and service-to-service audience values.
func WithAudiences(identity, service string) Option {
	return func(c *Codec) error {
		identity = strings.TrimSpace(identity)
		service = strings.TrimSpace(service)
		if identity == "" || service == "" {
			return errors.New("token: identity and service audiences are required")
		}
		if identity == service {
			return errors.New("token: identity and service audiences must differ")
		}
		c.identityAud = identity
		c.serviceAud = service
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) Option {
	return func(c *Codec) error {
		if ttl > 0 {
			c.accessTTL = ttl
		}
		return nil
	}
}

// WithLeeway bounds the accepted clock skew on iat/exp validation.
func WithLeeway(leeway time.Duration) Option {
	return func(c *Codec) error {
		if leeway < 0 || leeway > time.Minute {
			return errors.New("token: leeway must be between 0 and 60 seconds")
		}
		c.leeway = leeway
		return nil
	}
}

// WithPrivateKeyPEM installs an externally provisioned signing key.
func WithPrivateKeyPEM(pemData, kid string) Option {
	return func(c *Codec) error {
		pemData = strings.TrimSpace(pemData)
		if pemData == "" {
			return nil
		}
		priv, err := parseRSAPrivateKey(pemData)
		if err != nil {
			return fmt.Errorf("token: parse private key: %w", err)
		}
		if strings.TrimSpace(kid) == "" {
			kid = ids.New()
		}
		c.ring.Store(newKeyRing(&SigningKey{Kid: kid, Private: priv}, nil, nil))
		return nil
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(c *Codec) error {
		if fn != nil {
			c.now = fn
		}
		return nil
	}
}

// NewCodec constructs a Codec. When no signing key is provided an
// ephemeral one is generated, so tokens do not survive a restart.
func NewCodec(opts ...Option) (*Codec, error) {
	c := &Codec{
		issuer:      "auth9",
		identityAud: "auth9",
		serviceAud:  "auth9-service",
		accessTTL:   defaultAccessTTL,
		leeway:      defaultLeeway,
		maxRetired:  defaultMaxRetired,
		now:         time.Now,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if c.ring.Load() == nil {
		priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
		if err != nil {
			return nil, fmt.Errorf("token: generate signing key: %w", err)
		}
		c.ring.Store(newKeyRing(&SigningKey{Kid: ids.New(), Private: priv}, nil, nil))
	}
	return c, nil
}

// Rotate generates a fresh signing key, retains the previous public keys
// for verification, and swaps the ring atomically. Returns the new key id.
func (c *Codec) Rotate() (string, error) {
	priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return "", fmt.Errorf("token: generate signing key: %w", err)
	}
	next := &SigningKey{Kid: ids.New(), Private: priv}

	old := c.ring.Load()
	retired := make(map[string]*rsa.PublicKey, c.maxRetired)
	order := []string{old.active.Kid}
	retired[old.active.Kid] = &old.active.Private.PublicKey
	for _, kid := range old.order {
		if len(order) >= c.maxRetired {
			break
		}
		if pub, ok := old.verify[kid]; ok && kid != old.active.Kid {
			retired[kid] = pub
			order = append(order, kid)
		}
	}
	c.ring.Store(newKeyRing(next, retired, order))
	return next.Kid, nil
}

// ActiveKid reports the key id used to sign new tokens.
func (c *Codec) ActiveKid() string {
	return c.ring.Load().ActiveKid()
}

// JWKS renders the current ring's public key set for external verifiers.
func (c *Codec) JWKS() ([]byte, error) {
	return c.ring.Load().MarshalJWKS()
}

// AccessTTL reports the configured access token lifetime.
func (c *Codec) AccessTTL() time.Duration {
	return c.accessTTL
}

// IdentityAudience reports the fixed identity audience value.
func (c *Codec) IdentityAudience() string {
	return c.identityAud
}

// SignIdentity mints an Identity Token for a verified end user.
func (c *Codec) SignIdentity(subject, email string) (string, time.Time, error) {
	return c.sign(wirePayload{
		subject:   subject,
		email:     email,
		audience:  c.identityAud,
		tokenType: "identity",
	})
}

// SignTenantAccess mints a Tenant Access Token whose audience is the
// target service client id.
func (c *Codec) SignTenantAccess(subject, email, tenantID, serviceClientID string, roles, permissions []string) (string, time.Time, error) {
	if strings.TrimSpace(tenantID) == "" {
		return "", time.Time{}, fmt.Errorf("%w: tenant_id is required", ErrClaimsInvalid)
	}
	if strings.TrimSpace(serviceClientID) == "" {
		return "", time.Time{}, fmt.Errorf("%w: audience is required", ErrClaimsInvalid)
	}
	if serviceClientID == c.identityAud || serviceClientID == c.serviceAud {
		return "", time.Time{}, fmt.Errorf("%w: audience collides with a reserved value", ErrClaimsInvalid)
	}
	if roles == nil {
		roles = []string{}
	}
	if permissions == nil {
		permissions = []string{}
	}
	return c.sign(wirePayload{
		subject:     subject,
		email:       email,
		audience:    serviceClientID,
		tokenType:   "access",
		tenantID:    tenantID,
		roles:       roles,
		permissions: permissions,
	})
}

// SignServiceClient mints a Service Client Token; tenantID may be empty.
func (c *Codec) SignServiceClient(serviceID, email, tenantID string) (string, time.Time, error) {
	return c.sign(wirePayload{
		subject:   serviceID,
		email:     email,
		audience:  c.serviceAud,
		tokenType: "service",
		tenantID:  tenantID,
	})
}

type wirePayload struct {
	subject     string
	email       string
	audience    string
	tokenType   string
	tenantID    string
	roles       []string
	permissions []string
}

func (c *Codec) sign(p wirePayload) (string, time.Time, error) {
	if strings.TrimSpace(p.subject) == "" {
		return "", time.Time{}, fmt.Errorf("%w: subject is required", ErrClaimsInvalid)
	}
	if strings.TrimSpace(p.email) == "" {
		return "", time.Time{}, fmt.Errorf("%w: email is required", ErrClaimsInvalid)
	}
	now := c.now().UTC()
	exp := now.Add(c.accessTTL)
	claims := &wireClaims{
		Email:       p.email,
		TokenType:   p.tokenType,
		TenantID:    p.tenantID,
		Roles:       p.roles,
		Permissions: p.permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   p.subject,
			Audience:  jwt.ClaimStrings{p.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}

	ring := c.ring.Load()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = ring.active.Kid
	signed, err := tok.SignedString(ring.active.Private)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token: sign: %w", err)
	}
	return signed, exp, nil
}

// Verify checks signature and temporal validity, then enforces the
// structural requirements of the variant implied by the audience value.
func (c *Codec) Verify(tokenString string) (Claims, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return Claims{}, ErrMalformed
	}
	ring := c.ring.Load()
	parsed, err := jwt.ParseWithClaims(tokenString, &wireClaims{}, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("missing key id")
		}
		pub, ok := ring.VerificationKey(kid)
		if !ok {
			return nil, fmt.Errorf("unknown key id %s", kid)
		}
		return pub, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		return Claims{}, classifyParseError(err)
	}
	wire, ok := parsed.Claims.(*wireClaims)
	if !ok || !parsed.Valid {
		return Claims{}, ErrClaimsInvalid
	}
	return c.toClaims(wire)
}

func classifyParseError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ErrMalformed
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return ErrSignatureInvalid
	default:
		return ErrClaimsInvalid
	}
}

func (c *Codec) toClaims(wire *wireClaims) (Claims, error) {
	aud := wire.audience()
	if aud == "" {
		return Claims{}, fmt.Errorf("%w: audience missing", ErrClaimsInvalid)
	}
	if strings.TrimSpace(wire.Subject) == "" {
		return Claims{}, fmt.Errorf("%w: subject missing", ErrClaimsInvalid)
	}
	if strings.TrimSpace(wire.Email) == "" {
		return Claims{}, fmt.Errorf("%w: email missing", ErrClaimsInvalid)
	}
	if wire.IssuedAt == nil || wire.ExpiresAt == nil {
		return Claims{}, fmt.Errorf("%w: timestamps missing", ErrClaimsInvalid)
	}
	// Expiry is strict; the leeway only tolerates clocks that stamped
	// issued-at slightly ahead of ours.
	now := c.now().UTC()
	if wire.IssuedAt.Time.After(now.Add(c.leeway)) {
		return Claims{}, fmt.Errorf("%w: issued in the future", ErrClaimsInvalid)
	}
	if wire.ExpiresAt.Time.Before(wire.IssuedAt.Time) {
		return Claims{}, fmt.Errorf("%w: expiry precedes issued-at", ErrClaimsInvalid)
	}

	var variant Variant
	switch aud {
	case c.identityAud:
		variant = VariantIdentity
		if wire.TenantID != "" || len(wire.Roles) > 0 || len(wire.Permissions) > 0 {
			return Claims{}, fmt.Errorf("%w: identity token carries tenant claims", ErrClaimsInvalid)
		}
	case c.serviceAud:
		variant = VariantServiceClient
	default:
		variant = VariantTenantAccess
		if strings.TrimSpace(wire.TenantID) == "" {
			return Claims{}, fmt.Errorf("%w: tenant_id missing", ErrClaimsInvalid)
		}
	}
	if wire.TokenType != "" && wire.TokenType != variant.String() {
		return Claims{}, fmt.Errorf("%w: token_type %q does not match audience", ErrClaimsInvalid, wire.TokenType)
	}

	return Claims{
		Variant:     variant,
		ID:          wire.ID,
		Subject:     wire.Subject,
		Email:       wire.Email,
		Issuer:      wire.Issuer,
		Audience:    aud,
		TenantID:    wire.TenantID,
		Roles:       wire.Roles,
		Permissions: wire.Permissions,
		IssuedAt:    wire.IssuedAt.Time,
		ExpiresAt:   wire.ExpiresAt.Time,
	}, nil
}
