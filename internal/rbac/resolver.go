// Package rbac computes effective role and permission sets for a
// (user, tenant) pair, following parent-role inheritance.
package rbac

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
)

var (
	ErrNotFound = errors.New("rbac: not found")
	// ErrCycle is returned when a role-parent write would make a role its
	// own ancestor. Surfaced as Conflict at the transport boundary.
	ErrCycle        = errors.New("rbac: cyclic role relationship")
	ErrInvalidInput = errors.New("rbac: invalid input")
)

// Role describes one role in a service's role graph.
type Role struct {
	ID        string   `json:"id"`
	ServiceID string   `json:"service_id"`
	Name      string   `json:"name"`
	ParentIDs []string `json:"parent_ids,omitempty"`
}

// Store is the read model for memberships, roles and permissions plus the
// single write path this engine validates (parent links).
type Store interface {
	// RolesForMember returns the roles directly assigned to the membership
	// record for (userID, tenantID). Empty slice when the membership has
	// no roles; ErrNotFound is reserved for storage-level misses.
	RolesForMember(ctx context.Context, userID, tenantID string) ([]Role, error)
	Role(ctx context.Context, roleID string) (Role, error)
	PermissionsForRole(ctx context.Context, roleID string) ([]string, error)
	SetRoleParent(ctx context.Context, roleID, parentID string) error
}

// Resolver walks the role graph.
type Resolver struct {
	store Store
	log   *zap.Logger
}

// NewResolver constructs a Resolver.
func NewResolver(store Store, log *zap.Logger) (*Resolver, error) {
	if store == nil {
		return nil, errors.New("rbac: store is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{store: store, log: log}, nil
}

// EffectivePermissions returns the sorted, de-duplicated permission codes
// granted to the user in the tenant, expanding parent roles. A membership
// without roles yields an empty set, not an error. A cycle encountered at
// read time stops expansion at the repeated node and is logged as an
// integrity warning; it never loops.
func (r *Resolver) EffectivePermissions(ctx context.Context, userID, tenantID string) ([]string, error) {
	roles, err := r.expand(ctx, userID, tenantID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	for _, role := range roles {
		perms, err := r.store.PermissionsForRole(ctx, role.ID)
		if err != nil {
			return nil, err
		}
		for _, p := range perms {
			p = strings.TrimSpace(p)
			if p != "" {
				seen[p] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

// Roles returns the role descriptors effective for the user in the tenant,
// including inherited parents, for introspection and display.
func (r *Resolver) Roles(ctx context.Context, userID, tenantID string) ([]Role, error) {
	return r.expand(ctx, userID, tenantID)
}

func (r *Resolver) expand(ctx context.Context, userID, tenantID string) ([]Role, error) {
	userID = strings.TrimSpace(userID)
	tenantID = strings.TrimSpace(tenantID)
	if userID == "" || tenantID == "" {
		return nil, fmt.Errorf("%w: user_id and tenant_id are required", ErrInvalidInput)
	}

	direct, err := r.store.RolesForMember(ctx, userID, tenantID)
	if err != nil {
		return nil, err
	}

	visited := make(map[string]struct{}, len(direct))
	result := make([]Role, 0, len(direct))
	queue := make([]Role, 0, len(direct))
	for _, role := range direct {
		if _, ok := visited[role.ID]; ok {
			continue
		}
		visited[role.ID] = struct{}{}
		result = append(result, role)
		queue = append(queue, role)
	}

	for len(queue) > 0 {
		role := queue[0]
		queue = queue[1:]
		for _, parentID := range role.ParentIDs {
			if _, ok := visited[parentID]; ok {
				// Already seen: either a diamond or a cycle. Either way,
				// stop expanding here.
				r.log.Warn("role graph revisit during expansion",
					zap.String("role_id", role.ID),
					zap.String("parent_id", parentID),
					zap.String("tenant_id", tenantID))
				continue
			}
			visited[parentID] = struct{}{}
			parent, err := r.store.Role(ctx, parentID)
			if errors.Is(err, ErrNotFound) {
				r.log.Warn("dangling parent role reference",
					zap.String("role_id", role.ID),
					zap.String("parent_id", parentID))
				continue
			}
			if err != nil {
				return nil, err
			}
			result = append(result, parent)
			queue = append(queue, parent)
		}
	}
	return result, nil
}

// SetRoleParent links roleID under parentID after verifying the link keeps
// the graph acyclic. The defense is repeated at read time, but the write
// boundary is where cycles are rejected with ErrCycle.
func (r *Resolver) SetRoleParent(ctx context.Context, roleID, parentID string) error {
	roleID = strings.TrimSpace(roleID)
	parentID = strings.TrimSpace(parentID)
	if roleID == "" || parentID == "" {
		return fmt.Errorf("%w: role_id and parent_id are required", ErrInvalidInput)
	}
	if roleID == parentID {
		return fmt.Errorf("%w: role %s cannot be its own parent", ErrCycle, roleID)
	}

	// Walk ancestors of the prospective parent; reaching roleID means the
	// link would close a loop.
	visited := map[string]struct{}{parentID: {}}
	queue := []string{parentID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		role, err := r.store.Role(ctx, id)
		if errors.Is(err, ErrNotFound) {
			if id == parentID {
				return fmt.Errorf("%w: parent role %s", ErrNotFound, parentID)
			}
			continue
		}
		if err != nil {
			return err
		}
		for _, ancestor := range role.ParentIDs {
			if ancestor == roleID {
				return fmt.Errorf("%w: %s is an ancestor of %s", ErrCycle, roleID, parentID)
			}
			if _, ok := visited[ancestor]; ok {
				continue
			}
			visited[ancestor] = struct{}{}
			queue = append(queue, ancestor)
		}
	}
	return r.store.SetRoleParent(ctx, roleID, parentID)
}
