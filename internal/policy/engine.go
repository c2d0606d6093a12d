// Package policy evaluates authorization requests against a caller's
// verified token claims and, for elevated checks, persisted state. The
// engine performs no mutation; denials are reported to the audit sink.
package policy

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/gpgkd906/auth9-sub008/internal/audit"
	"github.com/gpgkd906/auth9-sub008/internal/obs"
	"github.com/gpgkd906/auth9-sub008/internal/token"
)

// Check names carried in decisions and audit events.
const (
	CheckExplicitDeny       = "explicit_deny"
	CheckClaimPermission    = "claim_permission"
	CheckPlatformAdminEmail = "platform_admin_email"
	CheckPlatformAdminRole  = "platform_admin_role"
	CheckTenantOwner        = "tenant_owner"
	CheckSharedTenant       = "shared_tenant"
	CheckDefaultDeny        = "default_deny"
)

// Caller carries the claims the engine evaluates against.
type Caller struct {
	Subject     string
	Email       string
	TenantID    string
	Variant     token.Variant
	Roles       []string
	Permissions []string
}

// CallerFromClaims builds a Caller from verified token claims.
func CallerFromClaims(c token.Claims) Caller {
	return Caller{
		Subject:     c.Subject,
		Email:       c.Email,
		TenantID:    c.TenantID,
		Variant:     c.Variant,
		Roles:       c.Roles,
		Permissions: c.Permissions,
	}
}

// Decision is the outcome of an authorization request. Check names the
// predicate that matched (on Allow) or failed last (on Deny).
type Decision struct {
	Allowed bool
	Check   string
	Reason  string
}

func allow(check string) Decision {
	return Decision{Allowed: true, Check: check}
}

func deny(check, reason string) Decision {
	return Decision{Allowed: false, Check: check, Reason: reason}
}

// StateStore exposes the persisted lookups the elevated fallback actor
// classes need. Every method distinguishes unavailability (non-nil error)
// from a definitive miss, so the engine can fail closed explicitly.
type StateStore interface {
	// TenantOwner returns the user id recorded as owner of the tenant.
	TenantOwner(ctx context.Context, tenantID string) (string, error)
	// IsPlatformTenantAdmin reports whether the user holds an
	// administrative role inside the designated platform tenant.
	IsPlatformTenantAdmin(ctx context.Context, userID string) (bool, error)
	// SharedWithTenant reports whether the resource tenant has an explicit
	// share grant towards the grantee tenant.
	SharedWithTenant(ctx context.Context, resourceTenantID, granteeTenantID string) (bool, error)
}

// Engine evaluates authorization requests. Predicates are an ordered list
// composed with short-circuit evaluation; the default outcome is Deny.
type Engine struct {
	adminEmails map[string]struct{}
	denyRules   map[Action]struct{}
	sink        audit.Sink
	log         *zap.Logger
}

// Option configures the Engine.
type Option func(*Engine)

// WithDenyRule installs an explicit deny for an action. Explicit denies
// short-circuit every allow predicate.
func WithDenyRule(action Action) Option {
	return func(e *Engine) {
		e.denyRules[action] = struct{}{}
	}
}

// NewEngine constructs an Engine with the platform-admin email allow-list.
func NewEngine(adminEmails []string, sink audit.Sink, log *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		adminEmails: make(map[string]struct{}, len(adminEmails)),
		denyRules:   make(map[Action]struct{}),
		sink:        sink,
		log:         log,
	}
	if e.sink == nil {
		e.sink = audit.NopSink{}
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	for _, email := range adminEmails {
		email = strings.TrimSpace(strings.ToLower(email))
		if email != "" {
			e.adminEmails[email] = struct{}{}
		}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Enforce evaluates an authorization request using only the caller's
// current token claims.
func (e *Engine) Enforce(ctx context.Context, caller Caller, action Action, scope Scope) Decision {
	if d, final := e.statelessChecks(caller, action, scope); final {
		if !d.Allowed {
			e.reportDeny(ctx, caller, action, scope, d)
		}
		return d
	}
	d := deny(CheckDefaultDeny, "no predicate matched")
	e.reportDeny(ctx, caller, action, scope, d)
	return d
}

// EnforceWithState additionally consults persisted state for the fallback
// actor classes: platform admin (allow-list or platform-tenant role),
// tenant owner, and shared tenant. Store unavailability fails closed.
func (e *Engine) EnforceWithState(ctx context.Context, store StateStore, caller Caller, action Action, scope Scope) Decision {
	if d, final := e.statelessChecks(caller, action, scope); final {
		if d.Allowed {
			return d
		}
		if d.Check == CheckExplicitDeny {
			e.reportDeny(ctx, caller, action, scope, d)
			return d
		}
	}

	lastCheck := CheckDefaultDeny
	reason := "no predicate matched"

	if store != nil && caller.Variant != token.VariantServiceClient {
		isAdmin, err := store.IsPlatformTenantAdmin(ctx, caller.Subject)
		if err != nil {
			lastCheck = CheckPlatformAdminRole
			reason = "state unavailable"
			e.log.Warn("platform admin lookup failed", zap.Error(err))
		} else if isAdmin {
			return allow(CheckPlatformAdminRole)
		}

		if scope.Kind == ScopeTenant {
			owner, err := store.TenantOwner(ctx, scope.ID)
			if err != nil {
				lastCheck = CheckTenantOwner
				reason = "state unavailable"
				e.log.Warn("tenant owner lookup failed", zap.Error(err))
			} else if owner != "" && owner == caller.Subject {
				return allow(CheckTenantOwner)
			}

			if caller.TenantID != "" && caller.TenantID != scope.ID {
				shared, err := store.SharedWithTenant(ctx, scope.ID, caller.TenantID)
				if err != nil {
					lastCheck = CheckSharedTenant
					reason = "state unavailable"
					e.log.Warn("share grant lookup failed", zap.Error(err))
				} else if shared {
					return allow(CheckSharedTenant)
				}
			}
		}
	}

	d := deny(lastCheck, reason)
	e.reportDeny(ctx, caller, action, scope, d)
	return d
}

// statelessChecks runs the claim-based predicates. The second return value
// reports whether the outcome is final for stateless evaluation (an
// explicit deny or an allow); a (deny, false) means "keep looking".
func (e *Engine) statelessChecks(caller Caller, action Action, scope Scope) (Decision, bool) {
	if _, denied := e.denyRules[action]; denied {
		return deny(CheckExplicitDeny, "action explicitly denied"), true
	}

	if e.claimPermissionMatches(caller, action, scope) {
		return allow(CheckClaimPermission), true
	}

	if caller.Variant != token.VariantServiceClient {
		if _, ok := e.adminEmails[strings.ToLower(caller.Email)]; ok {
			return allow(CheckPlatformAdminEmail), true
		}
	}

	return deny(CheckDefaultDeny, "no predicate matched"), false
}

func (e *Engine) claimPermissionMatches(caller Caller, action Action, scope Scope) bool {
	// Claim permissions are tenant-scoped: a tenant access token may only
	// satisfy checks inside its own tenant, regardless of shared names.
	if scope.Kind == ScopeTenant {
		if caller.TenantID == "" || caller.TenantID != scope.ID {
			return false
		}
	}
	wanted, ok := actionPermissions[action]
	if !ok {
		return false
	}
	for _, have := range caller.Permissions {
		for _, want := range wanted {
			if have == want {
				return true
			}
		}
	}
	return false
}

func (e *Engine) reportDeny(ctx context.Context, caller Caller, action Action, scope Scope, d Decision) {
	obs.ObservePolicyDenial(d.Check)
	e.sink.Record(ctx, audit.Event{
		Actor:  caller.Subject,
		Action: action.String(),
		Scope:  scope.String(),
		Check:  d.Check,
		Reason: d.Reason,
	})
}
