package pg

import (
	"context"
	"database/sql"
	"errors"

	"github.com/gpgkd906/auth9-sub008/internal/exchange"
	"github.com/gpgkd906/auth9-sub008/internal/policy"
)

const platformAdminRole = "admin"

// PolicyState adapts the store to the policy engine's read model. The
// platform tenant is identified by slug so deployments can rename it
// without a data migration.
type PolicyState struct {
	s            *Store
	platformSlug string
}

var _ policy.StateStore = (*PolicyState)(nil)

func (s *Store) PolicyState(platformSlug string) *PolicyState {
	return &PolicyState{s: s, platformSlug: platformSlug}
}

func (p *PolicyState) TenantOwner(ctx context.Context, tenantID string) (string, error) {
	var owner string
	err := p.s.db.QueryRowContext(ctx, `
		select owner_user_id from tenants where id = $1
	`, tenantID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", exchange.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return owner, nil
}

func (p *PolicyState) IsPlatformTenantAdmin(ctx context.Context, userID string) (bool, error) {
	var one int
	err := p.s.db.QueryRowContext(ctx, `
		select 1
		from role_assignments ra
		join roles r on r.id = ra.role_id
		join tenants t on t.id = ra.tenant_id
		where ra.user_id = $1 and t.slug = $2 and r.name = $3
	`, userID, p.platformSlug, platformAdminRole).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (p *PolicyState) SharedWithTenant(ctx context.Context, resourceTenantID, granteeTenantID string) (bool, error) {
	var one int
	err := p.s.db.QueryRowContext(ctx, `
		select 1
		from tenant_share_grants
		where resource_tenant_id = $1 and grantee_tenant_id = $2
	`, resourceTenantID, granteeTenantID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GrantShare records a directed share of one tenant's resources to another.
func (s *Store) GrantShare(ctx context.Context, resourceTenantID, granteeTenantID, resourceKind string) error {
	_, err := s.db.ExecContext(ctx, `
		insert into tenant_share_grants (resource_tenant_id, grantee_tenant_id, resource_kind)
		values ($1, $2, $3)
		on conflict (resource_tenant_id, grantee_tenant_id, resource_kind) do nothing
	`, resourceTenantID, granteeTenantID, resourceKind)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return exchange.ErrNotFound
		}
		return err
	}
	return nil
}

func (s *Store) RevokeShare(ctx context.Context, resourceTenantID, granteeTenantID, resourceKind string) error {
	_, err := s.db.ExecContext(ctx, `
		delete from tenant_share_grants
		where resource_tenant_id = $1 and grantee_tenant_id = $2 and resource_kind = $3
	`, resourceTenantID, granteeTenantID, resourceKind)
	return err
}
