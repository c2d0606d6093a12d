package pg

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/gpgkd906/auth9-sub008/internal/exchange"
	"github.com/gpgkd906/auth9-sub008/internal/rbac"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(db), mock
}

func TestServiceByClientID(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("select id, client_id, tenant_id, name, secret_hash.*from services").
		WithArgs("svc-a").
		WillReturnRows(sqlmock.NewRows([]string{"id", "client_id", "tenant_id", "name", "secret_hash"}).
			AddRow("sid-a", "svc-a", "t1", "billing", "$argon2id$..."))

	svc, err := store.ServiceByClientID(context.Background(), "svc-a")
	if err != nil {
		t.Fatalf("ServiceByClientID: %v", err)
	}
	if svc.TenantID != "t1" || svc.ID != "sid-a" {
		t.Fatalf("unexpected service: %+v", svc)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestServiceByClientIDNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("select id, client_id, tenant_id, name, secret_hash.*from services").
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	if _, err := store.ServiceByClientID(context.Background(), "ghost"); !errors.Is(err, exchange.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMembershipExists(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("select 1 from tenant_memberships").
		WithArgs("u1", "t1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectQuery("select 1 from tenant_memberships").
		WithArgs("u2", "t1").
		WillReturnError(sql.ErrNoRows)

	ok, err := store.Exists(context.Background(), "u1", "t1")
	if err != nil || !ok {
		t.Fatalf("expected member, got ok=%v err=%v", ok, err)
	}
	ok, err = store.Exists(context.Background(), "u2", "t1")
	if err != nil || ok {
		t.Fatalf("expected non-member, got ok=%v err=%v", ok, err)
	}
}

func TestCreateTenantConflict(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("insert into tenants").
		WithArgs(sqlmock.AnyArg(), "acme", "active", "owner-1").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	if _, err := store.CreateTenant(context.Background(), "acme", "owner-1"); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestCreateTenantAddsOwnerMembership(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("insert into tenants").
		WithArgs(sqlmock.AnyArg(), "acme", "active", "owner-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into tenant_memberships").
		WithArgs("owner-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	tenant, err := store.CreateTenant(context.Background(), "acme", "owner-1")
	if err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}
	if tenant.Status != exchange.TenantStatusActive || tenant.OwnerUserID != "owner-1" {
		t.Fatalf("unexpected tenant: %+v", tenant)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRefreshTokenLifecycle(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectExec("insert into refresh_tokens").
		WithArgs("rt-1", "u1", "u1@example.com", "t1", "svc-a", "hash", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	err := store.Create(context.Background(), &exchange.RefreshToken{
		ID: "rt-1", UserID: "u1", Email: "u1@example.com", TenantID: "t1",
		ServiceClientID: "svc-a", TokenHash: "hash", ExpiresAt: now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	mock.ExpectQuery("select id, user_id, email, tenant_id, service_client_id, token_hash, expires_at, revoked, created_at.*from refresh_tokens").
		WithArgs("rt-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "email", "tenant_id", "service_client_id",
			"token_hash", "expires_at", "revoked", "created_at",
		}).AddRow("rt-1", "u1", "u1@example.com", "t1", "svc-a", "hash", now.Add(time.Hour), false, now))
	found, err := store.Find(context.Background(), "rt-1")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if found.UserID != "u1" || found.Revoked {
		t.Fatalf("unexpected record: %+v", found)
	}

	mock.ExpectExec("update refresh_tokens set revoked = true").
		WithArgs("rt-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := store.MarkRevoked(context.Background(), "rt-1"); err != nil {
		t.Fatalf("MarkRevoked: %v", err)
	}

	mock.ExpectExec("update refresh_tokens set revoked = true").
		WithArgs("ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := store.MarkRevoked(context.Background(), "ghost"); !errors.Is(err, exchange.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRevokeAllForUser(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("update refresh_tokens set revoked = true where user_id = .+ and not revoked").
		WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 3))
	n, err := store.RevokeAllForUser(context.Background(), "u1")
	if err != nil {
		t.Fatalf("RevokeAllForUser: %v", err)
	}
	if n != 3 {
		t.Fatalf("revoked %d rows, want 3", n)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRolesForMemberWithParents(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("select r.id, r.service_id, r.name.*from role_assignments").
		WithArgs("u1", "t1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "service_id", "name"}).
			AddRow("editor", "sid-a", "editor"))
	mock.ExpectQuery("select parent_role_id.*from role_parents").
		WithArgs("editor").
		WillReturnRows(sqlmock.NewRows([]string{"parent_role_id"}).AddRow("viewer"))

	roles, err := store.RolesForMember(context.Background(), "u1", "t1")
	if err != nil {
		t.Fatalf("RolesForMember: %v", err)
	}
	if len(roles) != 1 || roles[0].ID != "editor" {
		t.Fatalf("unexpected roles: %+v", roles)
	}
	if len(roles[0].ParentIDs) != 1 || roles[0].ParentIDs[0] != "viewer" {
		t.Fatalf("parents not populated: %+v", roles[0])
	}
}

func TestRoleNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("select id, service_id, name.*from roles").
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)
	if _, err := store.Role(context.Background(), "ghost"); !errors.Is(err, rbac.ErrNotFound) {
		t.Fatalf("expected rbac.ErrNotFound, got %v", err)
	}
}

func TestPolicyStateIsPlatformTenantAdmin(t *testing.T) {
	store, mock := newMockStore(t)
	state := store.PolicyState("auth9-platform")

	mock.ExpectQuery("select 1.*from role_assignments").
		WithArgs("u1", "auth9-platform", "admin").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	ok, err := state.IsPlatformTenantAdmin(context.Background(), "u1")
	if err != nil || !ok {
		t.Fatalf("expected admin, got ok=%v err=%v", ok, err)
	}

	mock.ExpectQuery("select 1.*from role_assignments").
		WithArgs("u2", "auth9-platform", "admin").
		WillReturnError(sql.ErrNoRows)
	ok, err = state.IsPlatformTenantAdmin(context.Background(), "u2")
	if err != nil || ok {
		t.Fatalf("expected non-admin, got ok=%v err=%v", ok, err)
	}
}

func TestPolicyStateSharedWithTenant(t *testing.T) {
	store, mock := newMockStore(t)
	state := store.PolicyState("auth9-platform")

	mock.ExpectQuery("select 1.*from tenant_share_grants").
		WithArgs("t2", "t1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	ok, err := state.SharedWithTenant(context.Background(), "t2", "t1")
	if err != nil || !ok {
		t.Fatalf("expected share, got ok=%v err=%v", ok, err)
	}
}
