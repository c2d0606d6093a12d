package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/gpgkd906/auth9-sub008/internal/exchange"
)

var _ exchange.MembershipStore = (*Store)(nil)

func (s *Store) AddMember(ctx context.Context, userID, tenantID string) error {
	_, err := s.db.ExecContext(ctx, `
		insert into tenant_memberships (user_id, tenant_id)
		values ($1, $2)
		on conflict (user_id, tenant_id) do nothing
	`, userID, tenantID)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return fmt.Errorf("%w: tenant %s", exchange.ErrNotFound, tenantID)
		}
		return err
	}
	return nil
}

func (s *Store) RemoveMember(ctx context.Context, userID, tenantID string) error {
	_, err := s.db.ExecContext(ctx, `
		delete from tenant_memberships
		where user_id = $1 and tenant_id = $2
	`, userID, tenantID)
	return err
}

func (s *Store) Exists(ctx context.Context, userID, tenantID string) (bool, error) {
	if s.db == nil {
		return false, errors.New("database connection unavailable")
	}
	var one int
	err := s.db.QueryRowContext(ctx, `
		select 1 from tenant_memberships
		where user_id = $1 and tenant_id = $2
	`, userID, tenantID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
