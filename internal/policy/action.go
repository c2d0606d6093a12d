package policy

import "fmt"

// Action is the closed enumeration of operation kinds the engine can
// authorize.
type Action int

const (
	ActionUnknown Action = iota
	ActionTenantRead
	ActionTenantWrite
	ActionSystemConfigRead
	ActionSystemConfigWrite
	ActionUserRead
	ActionUserDelete
	ActionRoleAssign
	ActionServiceRead
	ActionServiceWrite
	ActionAuditRead
)

func (a Action) String() string {
	switch a {
	case ActionTenantRead:
		return "tenant.read"
	case ActionTenantWrite:
		return "tenant.write"
	case ActionSystemConfigRead:
		return "system_config.read"
	case ActionSystemConfigWrite:
		return "system_config.write"
	case ActionUserRead:
		return "user.read"
	case ActionUserDelete:
		return "user.delete"
	case ActionRoleAssign:
		return "role.assign"
	case ActionServiceRead:
		return "service.read"
	case ActionServiceWrite:
		return "service.write"
	case ActionAuditRead:
		return "audit.read"
	}
	return "unknown"
}

// actionPermissions maps each action to the claim permissions that satisfy
// it. A trailing ":*" entry is the wildcard for the whole domain.
var actionPermissions = map[Action][]string{
	ActionTenantRead:        {"tenant:read", "tenant:write", "tenant:*"},
	ActionTenantWrite:       {"tenant:write", "tenant:*"},
	ActionSystemConfigRead:  {"system_config:read", "system_config:write", "system_config:*"},
	ActionSystemConfigWrite: {"system_config:write", "system_config:*"},
	ActionUserRead:          {"user:read", "user:write", "user:*"},
	ActionUserDelete:        {"user:delete", "user:*"},
	ActionRoleAssign:        {"rbac:write", "rbac:*", "role:write"},
	ActionServiceRead:       {"service:read", "service:write", "service:*"},
	ActionServiceWrite:      {"service:write", "service:*"},
	ActionAuditRead:         {"audit:read", "audit:*"},
}

// ScopeKind distinguishes the three resource scope shapes.
type ScopeKind int

const (
	ScopeGlobal ScopeKind = iota
	ScopeTenant
	ScopeUser
)

// Scope identifies the resource an action targets.
type Scope struct {
	Kind ScopeKind
	ID   string
}

// GlobalScope targets no particular resource.
func GlobalScope() Scope { return Scope{Kind: ScopeGlobal} }

// TenantScope targets one tenant.
func TenantScope(id string) Scope { return Scope{Kind: ScopeTenant, ID: id} }

// UserScope targets one user.
func UserScope(id string) Scope { return Scope{Kind: ScopeUser, ID: id} }

func (s Scope) String() string {
	switch s.Kind {
	case ScopeTenant:
		return fmt.Sprintf("tenant:%s", s.ID)
	case ScopeUser:
		return fmt.Sprintf("user:%s", s.ID)
	}
	return "global"
}
