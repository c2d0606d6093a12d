// Package exchange implements the token exchange service: trading an
// identity token for a tenant access token scoped to one tenant and one
// service, plus validation, introspection, refresh and revocation of the
// tokens it mints.
package exchange

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gpgkd906/auth9-sub008/internal/ids"
	"github.com/gpgkd906/auth9-sub008/internal/obs"
	"github.com/gpgkd906/auth9-sub008/internal/rbac"
	"github.com/gpgkd906/auth9-sub008/internal/token"
)

// Tenant is the directory view of a tenant needed by the exchange path.
type Tenant struct {
	ID          string
	Slug        string
	Status      string
	OwnerUserID string
}

const TenantStatusActive = "active"

// ServiceAccount is a registered service and its client credentials.
type ServiceAccount struct {
	ID         string
	ClientID   string
	TenantID   string
	Name       string
	SecretHash string
}

// RefreshToken is the stored record behind an opaque refresh token.
// Only the hash of the secret half is kept at rest.
type RefreshToken struct {
	ID              string
	UserID          string
	Email           string
	TenantID        string
	ServiceClientID string
	TokenHash       string
	ExpiresAt       time.Time
	Revoked         bool
	CreatedAt       time.Time
}

// Directory resolves tenants and services from current data. Lookups on
// the mint path must read current rows, not snapshots, so that a service
// moved between tenants mid-exchange is caught.
type Directory interface {
	Tenant(ctx context.Context, tenantID string) (Tenant, error)
	ServiceByClientID(ctx context.Context, clientID string) (ServiceAccount, error)
}

// MembershipStore answers whether a user belongs to a tenant.
type MembershipStore interface {
	Exists(ctx context.Context, userID, tenantID string) (bool, error)
}

// RefreshTokenStore persists opaque refresh tokens. Create must be a
// single atomic write: a cancelled exchange leaves either a complete
// record or none.
type RefreshTokenStore interface {
	Create(ctx context.Context, t *RefreshToken) error
	Find(ctx context.Context, id string) (*RefreshToken, error)
	MarkRevoked(ctx context.Context, id string) error
}

// RoleResolver yields a user's effective roles and permissions within a
// tenant, with role inheritance already expanded.
type RoleResolver interface {
	EffectivePermissions(ctx context.Context, userID, tenantID string) ([]string, error)
	Roles(ctx context.Context, userID, tenantID string) ([]rbac.Role, error)
}

// RevocationList records and answers token revocations. IsRevoked fails
// closed: when the backing store is unreachable it reports revoked.
type RevocationList interface {
	Revoke(ctx context.Context, tokenID string, ttl time.Duration) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// Deps are the collaborators a Service needs.
type Deps struct {
	Codec       *token.Codec
	Directory   Directory
	Memberships MembershipStore
	Refresh     RefreshTokenStore
	Revocations RevocationList
	Roles       RoleResolver
}

// Service orchestrates token exchange and the operations on its output.
type Service struct {
	codec       *token.Codec
	dir         Directory
	members     MembershipStore
	refresh     RefreshTokenStore
	revoked     RevocationList
	roles       RoleResolver
	log         *zap.Logger
	now         func() time.Time
	refreshTTL  time.Duration
	retries     int
	baseBackoff time.Duration
}

// Option customizes a Service.
type Option func(*Service)

// WithLogger replaces the default nop logger.
func WithLogger(l *zap.Logger) Option { return func(s *Service) { s.log = l } }

// WithRefreshTTL sets the lifetime of minted refresh tokens.
func WithRefreshTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.refreshTTL = d
		}
	}
}

// WithRetryBudget bounds retries against transient dependency failures.
func WithRetryBudget(retries int, backoff time.Duration) Option {
	return func(s *Service) {
		if retries >= 0 {
			s.retries = retries
		}
		if backoff > 0 {
			s.baseBackoff = backoff
		}
	}
}

// WithClock overrides the time source. Test hook.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(deps Deps, opts ...Option) (*Service, error) {
	if deps.Codec == nil || deps.Directory == nil || deps.Memberships == nil ||
		deps.Refresh == nil || deps.Revocations == nil || deps.Roles == nil {
		return nil, errors.New("exchange: all dependencies are required")
	}
	s := &Service{
		codec:       deps.Codec,
		dir:         deps.Directory,
		members:     deps.Memberships,
		refresh:     deps.Refresh,
		revoked:     deps.Revocations,
		roles:       deps.Roles,
		log:         zap.NewNop(),
		now:         time.Now,
		refreshTTL:  14 * 24 * time.Hour,
		retries:     2,
		baseBackoff: 50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ExchangeResult is a minted token pair.
type ExchangeResult struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresIn    int64
}

// Validation is the outcome of ValidateToken. A failed validation is a
// result, not an error: Valid is false and Reason carries a coarse cause.
type Validation struct {
	Valid    bool
	UserID   string
	TenantID string
	Reason   string
}

// Introspection reports the full claim set of a live token.
type Introspection struct {
	Active      bool
	TokenID     string
	Subject     string
	Email       string
	TenantID    string
	Variant     string
	Roles       []string
	Permissions []string
	IssuedAt    int64
	ExpiresAt   int64
}

// UserRoles is the resolved RBAC view for a user within a tenant.
type UserRoles struct {
	Roles       []rbac.Role
	Permissions []string
}

// ExchangeToken trades a verified identity token for a tenant access
// token plus an opaque refresh token. The caller must be a member of the
// tenant, and the named service must currently belong to that tenant.
func (s *Service) ExchangeToken(ctx context.Context, identityToken, tenantID, serviceClientID string) (*ExchangeResult, error) {
	if tenantID == "" || serviceClientID == "" {
		return nil, fmt.Errorf("%w: tenant_id and service_client_id are required", ErrInvalidArgument)
	}

	claims, err := s.codec.Verify(identityToken)
	if err != nil {
		obs.ObserveExchange("unauthenticated")
		s.log.Debug("exchange rejected", zap.String("reason", reasonTokenInvalid), zap.Error(err))
		return nil, fmt.Errorf("%w: %s", ErrUnauthenticated, reasonTokenInvalid)
	}
	if claims.Variant != token.VariantIdentity {
		obs.ObserveExchange("unauthenticated")
		s.log.Debug("exchange rejected",
			zap.String("reason", reasonWrongVariant),
			zap.String("variant", claims.Variant.String()))
		return nil, fmt.Errorf("%w: %s", ErrUnauthenticated, reasonWrongVariant)
	}

	member, err := withRetry(ctx, s, func(ctx context.Context) (bool, error) {
		return s.members.Exists(ctx, claims.Subject, tenantID)
	})
	if err != nil {
		obs.ObserveExchange("unavailable")
		return nil, fmt.Errorf("%w: membership lookup: %v", ErrUnavailable, err)
	}
	if !member {
		obs.ObserveExchange("unauthorized")
		s.log.Info("exchange denied",
			zap.String("reason", reasonMembershipAbsent),
			zap.String("user_id", claims.Subject),
			zap.String("tenant_id", tenantID))
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, reasonMembershipAbsent)
	}

	tenant, err := withRetry(ctx, s, func(ctx context.Context) (Tenant, error) {
		return s.dir.Tenant(ctx, tenantID)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			obs.ObserveExchange("unauthorized")
			return nil, fmt.Errorf("%w: tenant %q", ErrNotFound, tenantID)
		}
		obs.ObserveExchange("unavailable")
		return nil, fmt.Errorf("%w: tenant lookup: %v", ErrUnavailable, err)
	}
	if tenant.Status != TenantStatusActive {
		obs.ObserveExchange("unauthorized")
		s.log.Info("exchange denied",
			zap.String("reason", reasonTenantInactive),
			zap.String("tenant_id", tenantID))
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, reasonTenantInactive)
	}

	// Current-data read: service row and its owning tenant in one lookup,
	// rechecked at mint time so a concurrent move is caught here.
	svc, err := withRetry(ctx, s, func(ctx context.Context) (ServiceAccount, error) {
		return s.dir.ServiceByClientID(ctx, serviceClientID)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			obs.ObserveExchange("unauthorized")
			s.log.Info("exchange denied",
				zap.String("reason", reasonServiceUnknown),
				zap.String("service_client_id", serviceClientID))
			return nil, fmt.Errorf("%w: %s", ErrUnauthorized, reasonServiceUnknown)
		}
		obs.ObserveExchange("unavailable")
		return nil, fmt.Errorf("%w: service lookup: %v", ErrUnavailable, err)
	}
	if svc.TenantID != tenantID {
		obs.ObserveExchange("unauthorized")
		s.log.Info("exchange denied",
			zap.String("reason", reasonServiceTenantMismatch),
			zap.String("service_client_id", serviceClientID),
			zap.String("requested_tenant_id", tenantID),
			zap.String("owning_tenant_id", svc.TenantID))
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, reasonServiceTenantMismatch)
	}

	roles, perms, err := s.resolveRoles(ctx, claims.Subject, tenantID)
	if err != nil {
		obs.ObserveExchange("unavailable")
		return nil, err
	}

	access, _, err := s.codec.SignTenantAccess(claims.Subject, claims.Email, tenantID, serviceClientID, roleNames(roles), perms)
	if err != nil {
		obs.ObserveExchange("error")
		return nil, fmt.Errorf("sign access token: %w", err)
	}

	opaque, err := s.mintRefresh(ctx, claims.Subject, claims.Email, tenantID, serviceClientID)
	if err != nil {
		obs.ObserveExchange("unavailable")
		return nil, err
	}

	obs.ObserveExchange("ok")
	s.log.Info("token exchanged",
		zap.String("user_id", claims.Subject),
		zap.String("tenant_id", tenantID),
		zap.String("service_client_id", serviceClientID))
	return &ExchangeResult{
		AccessToken:  access,
		RefreshToken: opaque,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.codec.AccessTTL().Seconds()),
	}, nil
}

// ValidateToken answers whether a tenant access token is currently good:
// well formed, signed, unexpired, of the right variant, and not revoked.
// A revocation store outage reads as invalid.
func (s *Service) ValidateToken(ctx context.Context, accessToken string) (*Validation, error) {
	claims, err := s.codec.Verify(accessToken)
	if err != nil {
		return &Validation{Valid: false, Reason: reasonTokenInvalid}, nil
	}
	if claims.Variant != token.VariantTenantAccess {
		return &Validation{Valid: false, Reason: reasonWrongVariant}, nil
	}
	revoked, err := s.revoked.IsRevoked(ctx, claims.ID)
	if err != nil {
		return &Validation{Valid: false, Reason: reasonRevocationUnavailable}, nil
	}
	if revoked {
		return &Validation{Valid: false, Reason: reasonRevoked}, nil
	}
	return &Validation{Valid: true, UserID: claims.Subject, TenantID: claims.TenantID}, nil
}

// IntrospectToken returns the full claim set of a live token of any
// variant. Dead tokens come back with Active false and nothing else.
func (s *Service) IntrospectToken(ctx context.Context, tokenString string) (*Introspection, error) {
	claims, err := s.codec.Verify(tokenString)
	if err != nil {
		return &Introspection{Active: false}, nil
	}
	revoked, err := s.revoked.IsRevoked(ctx, claims.ID)
	if err != nil || revoked {
		return &Introspection{Active: false}, nil
	}
	return &Introspection{
		Active:      true,
		TokenID:     claims.ID,
		Subject:     claims.Subject,
		Email:       claims.Email,
		TenantID:    claims.TenantID,
		Variant:     claims.Variant.String(),
		Roles:       claims.Roles,
		Permissions: claims.Permissions,
		IssuedAt:    claims.IssuedAt.Unix(),
		ExpiresAt:   claims.ExpiresAt.Unix(),
	}, nil
}

// GetUserRoles resolves the caller-visible role and permission set for a
// user within a tenant.
func (s *Service) GetUserRoles(ctx context.Context, userID, tenantID string) (*UserRoles, error) {
	if userID == "" || tenantID == "" {
		return nil, fmt.Errorf("%w: user_id and tenant_id are required", ErrInvalidArgument)
	}
	roles, perms, err := s.resolveRoles(ctx, userID, tenantID)
	if err != nil {
		return nil, err
	}
	return &UserRoles{Roles: roles, Permissions: perms}, nil
}

// RefreshAccessToken rotates an opaque refresh token into a new token
// pair. The presented token is invalidated whether or not the rotation
// succeeds past the point of lookup; a secret mismatch on a known id is
// treated as reuse and revokes the stored token.
func (s *Service) RefreshAccessToken(ctx context.Context, refreshToken string) (*ExchangeResult, error) {
	id, secret, ok := splitOpaque(refreshToken)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnauthenticated, reasonRefreshInvalid)
	}

	stored, err := withRetry(ctx, s, func(ctx context.Context) (*RefreshToken, error) {
		return s.refresh.Find(ctx, id)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnauthenticated, reasonRefreshInvalid)
		}
		return nil, fmt.Errorf("%w: refresh lookup: %v", ErrUnavailable, err)
	}
	if stored.Revoked || s.now().After(stored.ExpiresAt) {
		return nil, fmt.Errorf("%w: %s", ErrUnauthenticated, reasonRefreshInvalid)
	}
	if subtle.ConstantTimeCompare([]byte(stored.TokenHash), []byte(hashOpaque(secret))) != 1 {
		// Valid id with a wrong secret: someone is replaying a stolen or
		// stale token. Kill the stored one.
		if rerr := s.refresh.MarkRevoked(ctx, id); rerr != nil {
			s.log.Warn("revoke on refresh reuse failed", zap.String("refresh_id", id), zap.Error(rerr))
		}
		s.log.Warn("refresh token reuse detected",
			zap.String("refresh_id", id),
			zap.String("user_id", stored.UserID))
		return nil, fmt.Errorf("%w: %s", ErrUnauthenticated, reasonRefreshReuse)
	}

	// Re-run the exchange checks against current data.
	member, err := withRetry(ctx, s, func(ctx context.Context) (bool, error) {
		return s.members.Exists(ctx, stored.UserID, stored.TenantID)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: membership lookup: %v", ErrUnavailable, err)
	}
	if !member {
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, reasonMembershipAbsent)
	}
	svc, err := withRetry(ctx, s, func(ctx context.Context) (ServiceAccount, error) {
		return s.dir.ServiceByClientID(ctx, stored.ServiceClientID)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnauthorized, reasonServiceUnknown)
		}
		return nil, fmt.Errorf("%w: service lookup: %v", ErrUnavailable, err)
	}
	if svc.TenantID != stored.TenantID {
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, reasonServiceTenantMismatch)
	}

	roles, perms, err := s.resolveRoles(ctx, stored.UserID, stored.TenantID)
	if err != nil {
		return nil, err
	}
	access, _, err := s.codec.SignTenantAccess(stored.UserID, stored.Email, stored.TenantID, stored.ServiceClientID, roleNames(roles), perms)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}
	opaque, err := s.mintRefresh(ctx, stored.UserID, stored.Email, stored.TenantID, stored.ServiceClientID)
	if err != nil {
		return nil, err
	}
	if err := s.refresh.MarkRevoked(ctx, id); err != nil {
		s.log.Warn("retire rotated refresh token failed", zap.String("refresh_id", id), zap.Error(err))
	}
	return &ExchangeResult{
		AccessToken:  access,
		RefreshToken: opaque,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.codec.AccessTTL().Seconds()),
	}, nil
}

// RevokeToken marks a signed token revoked for its remaining lifetime.
// Revoking an already-dead token is a no-op, not an error.
func (s *Service) RevokeToken(ctx context.Context, tokenString string) error {
	claims, err := s.codec.Verify(tokenString)
	if err != nil {
		return nil
	}
	ttl := claims.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	if err := s.revoked.Revoke(ctx, claims.ID, ttl); err != nil {
		return fmt.Errorf("%w: revocation write: %v", ErrUnavailable, err)
	}
	s.log.Info("token revoked", zap.String("token_id", claims.ID), zap.String("user_id", claims.Subject))
	return nil
}

// ServiceClientToken authenticates a service by client credentials and
// mints a service client token bound to its owning tenant.
func (s *Service) ServiceClientToken(ctx context.Context, clientID, clientSecret string) (*ExchangeResult, error) {
	if clientID == "" || clientSecret == "" {
		return nil, fmt.Errorf("%w: client_id and client_secret are required", ErrInvalidArgument)
	}
	svc, err := withRetry(ctx, s, func(ctx context.Context) (ServiceAccount, error) {
		return s.dir.ServiceByClientID(ctx, clientID)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnauthenticated, reasonServiceUnknown)
		}
		return nil, fmt.Errorf("%w: service lookup: %v", ErrUnavailable, err)
	}
	match, err := VerifySecret(svc.SecretHash, clientSecret)
	if err != nil || !match {
		s.log.Info("service credentials rejected",
			zap.String("reason", reasonSecretMismatch),
			zap.String("client_id", clientID))
		return nil, fmt.Errorf("%w: %s", ErrUnauthenticated, reasonSecretMismatch)
	}
	email := fmt.Sprintf("service+%s@auth9.local", svc.ClientID)
	signed, _, err := s.codec.SignServiceClient(svc.ID, email, svc.TenantID)
	if err != nil {
		return nil, fmt.Errorf("sign service token: %w", err)
	}
	s.log.Info("service client token issued",
		zap.String("client_id", clientID),
		zap.String("tenant_id", svc.TenantID))
	return &ExchangeResult{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.codec.AccessTTL().Seconds()),
	}, nil
}

func (s *Service) resolveRoles(ctx context.Context, userID, tenantID string) ([]rbac.Role, []string, error) {
	roles, err := withRetry(ctx, s, func(ctx context.Context) ([]rbac.Role, error) {
		return s.roles.Roles(ctx, userID, tenantID)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: role lookup: %v", ErrUnavailable, err)
	}
	perms, err := withRetry(ctx, s, func(ctx context.Context) ([]string, error) {
		return s.roles.EffectivePermissions(ctx, userID, tenantID)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: permission lookup: %v", ErrUnavailable, err)
	}
	return roles, perms, nil
}

func (s *Service) mintRefresh(ctx context.Context, userID, email, tenantID, serviceClientID string) (string, error) {
	secret, err := newOpaqueSecret()
	if err != nil {
		return "", err
	}
	id := ids.New()
	rec := &RefreshToken{
		ID:              id,
		UserID:          userID,
		Email:           email,
		TenantID:        tenantID,
		ServiceClientID: serviceClientID,
		TokenHash:       hashOpaque(secret),
		ExpiresAt:       s.now().Add(s.refreshTTL),
		CreatedAt:       s.now(),
	}
	if err := s.refresh.Create(ctx, rec); err != nil {
		return "", fmt.Errorf("%w: store refresh token: %v", ErrUnavailable, err)
	}
	return id + "." + secret, nil
}

func splitOpaque(opaque string) (id, secret string, ok bool) {
	id, secret, found := strings.Cut(opaque, ".")
	if !found || id == "" || secret == "" {
		return "", "", false
	}
	return id, secret, true
}

func roleNames(roles []rbac.Role) []string {
	names := make([]string, 0, len(roles))
	for _, r := range roles {
		names = append(names, r.Name)
	}
	return names
}

// withRetry runs fn against a transient dependency, retrying on failure
// within the service's budget. A handful of retries with short backoff;
// context cancellation and ErrNotFound stop immediately.
func withRetry[T any](ctx context.Context, s *Service, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	backoff := s.baseBackoff
	var lastErr error
	for attempt := 0; attempt <= s.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return zero, err
		}
		lastErr = err
	}
	return zero, lastErr
}
