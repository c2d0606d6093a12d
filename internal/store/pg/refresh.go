package pg

import (
	"context"
	"database/sql"
	"errors"

	"github.com/gpgkd906/auth9-sub008/internal/exchange"
)

var _ exchange.RefreshTokenStore = (*Store)(nil)

// Create writes the full refresh token record in one statement so a
// cancelled request can never leave a partial row behind.
func (s *Store) Create(ctx context.Context, t *exchange.RefreshToken) error {
	_, err := s.db.ExecContext(ctx, `
		insert into refresh_tokens
			(id, user_id, email, tenant_id, service_client_id, token_hash, expires_at, revoked)
		values ($1, $2, $3, $4, $5, $6, $7, false)
	`, t.ID, t.UserID, t.Email, t.TenantID, t.ServiceClientID, t.TokenHash, t.ExpiresAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) Find(ctx context.Context, id string) (*exchange.RefreshToken, error) {
	var t exchange.RefreshToken
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, email, tenant_id, service_client_id, token_hash, expires_at, revoked, created_at
		from refresh_tokens
		where id = $1
	`, id).Scan(&t.ID, &t.UserID, &t.Email, &t.TenantID, &t.ServiceClientID,
		&t.TokenHash, &t.ExpiresAt, &t.Revoked, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, exchange.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) MarkRevoked(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		update refresh_tokens set revoked = true where id = $1
	`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return exchange.ErrNotFound
	}
	return nil
}

// RevokeAllForUser revokes every live refresh token the user holds, in
// any tenant. Used when a user is offboarded.
func (s *Store) RevokeAllForUser(ctx context.Context, userID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		update refresh_tokens set revoked = true where user_id = $1 and not revoked
	`, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PurgeExpired deletes refresh tokens past their expiry. Run periodically.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		delete from refresh_tokens where expires_at < now()
	`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
