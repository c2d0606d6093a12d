package policy

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/gpgkd906/auth9-sub008/internal/audit"
	"github.com/gpgkd906/auth9-sub008/internal/token"
)

type memState struct {
	owners   map[string]string
	admins   map[string]bool
	shares   map[string]bool // "resource|grantee"
	failWith error
}

func (m *memState) TenantOwner(_ context.Context, tenantID string) (string, error) {
	if m.failWith != nil {
		return "", m.failWith
	}
	return m.owners[tenantID], nil
}

func (m *memState) IsPlatformTenantAdmin(_ context.Context, userID string) (bool, error) {
	if m.failWith != nil {
		return false, m.failWith
	}
	return m.admins[userID], nil
}

func (m *memState) SharedWithTenant(_ context.Context, resourceTenantID, granteeTenantID string) (bool, error) {
	if m.failWith != nil {
		return false, m.failWith
	}
	return m.shares[resourceTenantID+"|"+granteeTenantID], nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (s *recordingSink) Record(_ context.Context, ev audit.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func tenantCaller(sub, tenant string, perms ...string) Caller {
	return Caller{
		Subject:     sub,
		Email:       sub + "@example.com",
		TenantID:    tenant,
		Variant:     token.VariantTenantAccess,
		Permissions: perms,
	}
}

func TestClaimPermissionAllowsInOwnTenant(t *testing.T) {
	e := NewEngine(nil, nil, nil)
	caller := tenantCaller("u1", "t1", "user:read")
	d := e.Enforce(context.Background(), caller, ActionUserRead, TenantScope("t1"))
	if !d.Allowed || d.Check != CheckClaimPermission {
		t.Fatalf("expected claim-permission allow, got %+v", d)
	}
}

func TestClaimPermissionIsTenantIsolated(t *testing.T) {
	e := NewEngine(nil, nil, nil)
	// Same permission code, different tenant: must not cross over.
	caller := tenantCaller("u1", "t1", "user:read")
	d := e.Enforce(context.Background(), caller, ActionUserRead, TenantScope("t2"))
	if d.Allowed {
		t.Fatalf("permission must not apply across tenants: %+v", d)
	}
}

func TestWildcardPermission(t *testing.T) {
	e := NewEngine(nil, nil, nil)
	caller := tenantCaller("u1", "t1", "tenant:*")
	d := e.Enforce(context.Background(), caller, ActionTenantWrite, TenantScope("t1"))
	if !d.Allowed {
		t.Fatalf("wildcard should satisfy tenant.write: %+v", d)
	}
}

func TestExplicitDenyShortCircuits(t *testing.T) {
	e := NewEngine([]string{"root@example.com"}, nil, nil, WithDenyRule(ActionUserDelete))
	caller := Caller{
		Subject:     "root",
		Email:       "root@example.com",
		Variant:     token.VariantIdentity,
		Permissions: []string{"user:*"},
	}
	// Even a platform admin with a matching claim is stopped by the deny rule.
	d := e.EnforceWithState(context.Background(), &memState{admins: map[string]bool{"root": true}},
		caller, ActionUserDelete, UserScope("victim"))
	if d.Allowed || d.Check != CheckExplicitDeny {
		t.Fatalf("expected explicit deny, got %+v", d)
	}
}

func TestPlatformAdminEmailAllows(t *testing.T) {
	e := NewEngine([]string{"Admin@Example.com"}, nil, nil)
	caller := Caller{Subject: "a", Email: "admin@example.com", Variant: token.VariantIdentity}
	d := e.Enforce(context.Background(), caller, ActionSystemConfigWrite, GlobalScope())
	if !d.Allowed || d.Check != CheckPlatformAdminEmail {
		t.Fatalf("expected admin-email allow, got %+v", d)
	}
}

func TestServiceTokenCannotUseAdminEmail(t *testing.T) {
	e := NewEngine([]string{"svc@example.com"}, nil, nil)
	caller := Caller{Subject: "svc", Email: "svc@example.com", Variant: token.VariantServiceClient}
	d := e.Enforce(context.Background(), caller, ActionSystemConfigWrite, GlobalScope())
	if d.Allowed {
		t.Fatalf("service token must not ride the admin email list: %+v", d)
	}
}

func TestPlatformTenantAdminRoleAllows(t *testing.T) {
	e := NewEngine(nil, nil, nil)
	state := &memState{admins: map[string]bool{"u1": true}}
	caller := Caller{Subject: "u1", Email: "u1@example.com", Variant: token.VariantIdentity}
	d := e.EnforceWithState(context.Background(), state, caller, ActionTenantRead, TenantScope("t9"))
	if !d.Allowed || d.Check != CheckPlatformAdminRole {
		t.Fatalf("expected platform-admin-role allow, got %+v", d)
	}
}

func TestTenantOwnerAllows(t *testing.T) {
	e := NewEngine(nil, nil, nil)
	state := &memState{owners: map[string]string{"t1": "u1"}}
	caller := Caller{Subject: "u1", Email: "u1@example.com", Variant: token.VariantIdentity}
	d := e.EnforceWithState(context.Background(), state, caller, ActionTenantWrite, TenantScope("t1"))
	if !d.Allowed || d.Check != CheckTenantOwner {
		t.Fatalf("expected tenant-owner allow, got %+v", d)
	}
}

func TestSharedTenantAllows(t *testing.T) {
	e := NewEngine(nil, nil, nil)
	state := &memState{shares: map[string]bool{"t2|t1": true}}
	caller := tenantCaller("u1", "t1")
	d := e.EnforceWithState(context.Background(), state, caller, ActionTenantRead, TenantScope("t2"))
	if !d.Allowed || d.Check != CheckSharedTenant {
		t.Fatalf("expected shared-tenant allow, got %+v", d)
	}
}

func TestDefaultDenyAndAuditTrail(t *testing.T) {
	sink := &recordingSink{}
	e := NewEngine(nil, sink, nil)
	caller := tenantCaller("u1", "t1")
	d := e.EnforceWithState(context.Background(), &memState{}, caller, ActionAuditRead, TenantScope("t1"))
	if d.Allowed {
		t.Fatalf("expected default deny, got %+v", d)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) != 1 {
		t.Fatalf("expected one audit event, got %d", len(sink.events))
	}
	ev := sink.events[0]
	if ev.Actor != "u1" || ev.Action != "audit.read" {
		t.Fatalf("unexpected audit event: %+v", ev)
	}
}

func TestStateUnavailableFailsClosed(t *testing.T) {
	e := NewEngine(nil, nil, nil)
	state := &memState{failWith: errors.New("connection refused")}
	caller := Caller{Subject: "u1", Email: "u1@example.com", Variant: token.VariantIdentity}
	d := e.EnforceWithState(context.Background(), state, caller, ActionTenantRead, TenantScope("t1"))
	if d.Allowed {
		t.Fatalf("state outage must deny, got %+v", d)
	}
	if d.Reason != "state unavailable" {
		t.Fatalf("expected state-unavailable reason, got %+v", d)
	}
}
