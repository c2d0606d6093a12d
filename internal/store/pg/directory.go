package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/gpgkd906/auth9-sub008/internal/exchange"
	"github.com/gpgkd906/auth9-sub008/internal/ids"
)

var ErrConflict = errors.New("pg: conflict")

var _ exchange.Directory = (*Store)(nil)

func (s *Store) CreateTenant(ctx context.Context, slug, ownerUserID string) (exchange.Tenant, error) {
	if s.db == nil {
		return exchange.Tenant{}, errors.New("database connection unavailable")
	}
	t := exchange.Tenant{
		ID:          ids.New(),
		Slug:        slug,
		Status:      exchange.TenantStatusActive,
		OwnerUserID: ownerUserID,
	}
	_, err := s.db.ExecContext(ctx, `
		insert into tenants (id, slug, status, owner_user_id)
		values ($1, $2, $3, $4)
	`, t.ID, t.Slug, t.Status, t.OwnerUserID)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return exchange.Tenant{}, ErrConflict
		}
		return exchange.Tenant{}, err
	}
	// The owner is always a member of their own tenant.
	if err := s.AddMember(ctx, ownerUserID, t.ID); err != nil {
		return exchange.Tenant{}, err
	}
	return t, nil
}

func (s *Store) Tenant(ctx context.Context, tenantID string) (exchange.Tenant, error) {
	var t exchange.Tenant
	err := s.db.QueryRowContext(ctx, `
		select id, slug, status, owner_user_id
		from tenants
		where id = $1
	`, tenantID).Scan(&t.ID, &t.Slug, &t.Status, &t.OwnerUserID)
	if errors.Is(err, sql.ErrNoRows) {
		return exchange.Tenant{}, exchange.ErrNotFound
	}
	if err != nil {
		return exchange.Tenant{}, err
	}
	return t, nil
}

func (s *Store) TenantBySlug(ctx context.Context, slug string) (exchange.Tenant, error) {
	var t exchange.Tenant
	err := s.db.QueryRowContext(ctx, `
		select id, slug, status, owner_user_id
		from tenants
		where slug = $1
	`, slug).Scan(&t.ID, &t.Slug, &t.Status, &t.OwnerUserID)
	if errors.Is(err, sql.ErrNoRows) {
		return exchange.Tenant{}, exchange.ErrNotFound
	}
	if err != nil {
		return exchange.Tenant{}, err
	}
	return t, nil
}

func (s *Store) SetTenantStatus(ctx context.Context, tenantID, status string) error {
	res, err := s.db.ExecContext(ctx, `
		update tenants set status = $2 where id = $1
	`, tenantID, status)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return exchange.ErrNotFound
	}
	return nil
}

func (s *Store) CreateService(ctx context.Context, clientID, tenantID, name, secretHash string) (exchange.ServiceAccount, error) {
	svc := exchange.ServiceAccount{
		ID:         ids.New(),
		ClientID:   clientID,
		TenantID:   tenantID,
		Name:       name,
		SecretHash: secretHash,
	}
	_, err := s.db.ExecContext(ctx, `
		insert into services (id, client_id, tenant_id, name, secret_hash)
		values ($1, $2, $3, $4, $5)
	`, svc.ID, svc.ClientID, svc.TenantID, svc.Name, svc.SecretHash)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return exchange.ServiceAccount{}, ErrConflict
			case pgErrForeignKeyViolation:
				return exchange.ServiceAccount{}, fmt.Errorf("%w: tenant %s", exchange.ErrNotFound, tenantID)
			}
		}
		return exchange.ServiceAccount{}, err
	}
	return svc, nil
}

// ServiceByClientID reads the service row and its owning tenant in one
// query against current data; the exchange path relies on this being a
// fresh read, not a cached snapshot.
func (s *Store) ServiceByClientID(ctx context.Context, clientID string) (exchange.ServiceAccount, error) {
	var svc exchange.ServiceAccount
	err := s.db.QueryRowContext(ctx, `
		select id, client_id, tenant_id, name, secret_hash
		from services
		where client_id = $1
	`, clientID).Scan(&svc.ID, &svc.ClientID, &svc.TenantID, &svc.Name, &svc.SecretHash)
	if errors.Is(err, sql.ErrNoRows) {
		return exchange.ServiceAccount{}, exchange.ErrNotFound
	}
	if err != nil {
		return exchange.ServiceAccount{}, err
	}
	return svc, nil
}
