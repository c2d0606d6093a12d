// Package pg is the Postgres persistence layer: tenant and service
// directory, memberships, the role graph, refresh tokens and tenant
// share grants.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

type Store struct {
	db *sql.DB
}

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection. Used by tests.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// EnsureSchema creates the tables this store reads and writes. Idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const schema = `
create table if not exists tenants (
    id            text primary key,
    slug          text not null unique,
    status        text not null default 'active',
    owner_user_id text not null,
    created_at    timestamptz not null default now()
);

create table if not exists services (
    id          text primary key,
    client_id   text not null unique,
    tenant_id   text not null references tenants(id) on delete cascade,
    name        text not null,
    secret_hash text not null,
    created_at  timestamptz not null default now()
);

create table if not exists tenant_memberships (
    user_id    text not null,
    tenant_id  text not null references tenants(id) on delete cascade,
    created_at timestamptz not null default now(),
    primary key (user_id, tenant_id)
);

create table if not exists roles (
    id         text primary key,
    service_id text not null references services(id) on delete cascade,
    name       text not null,
    unique (service_id, name)
);

create table if not exists role_parents (
    role_id        text not null references roles(id) on delete cascade,
    parent_role_id text not null references roles(id) on delete cascade,
    primary key (role_id, parent_role_id)
);

create table if not exists role_permissions (
    role_id         text not null references roles(id) on delete cascade,
    permission_code text not null,
    primary key (role_id, permission_code)
);

create table if not exists role_assignments (
    user_id   text not null,
    tenant_id text not null,
    role_id   text not null references roles(id) on delete cascade,
    primary key (user_id, tenant_id, role_id),
    foreign key (user_id, tenant_id) references tenant_memberships(user_id, tenant_id) on delete cascade
);

create table if not exists refresh_tokens (
    id                text primary key,
    user_id           text not null,
    email             text not null,
    tenant_id         text not null,
    service_client_id text not null,
    token_hash        text not null,
    expires_at        timestamptz not null,
    revoked           boolean not null default false,
    created_at        timestamptz not null default now()
);

create table if not exists tenant_share_grants (
    resource_tenant_id text not null references tenants(id) on delete cascade,
    grantee_tenant_id  text not null references tenants(id) on delete cascade,
    resource_kind      text not null,
    created_at         timestamptz not null default now(),
    primary key (resource_tenant_id, grantee_tenant_id, resource_kind)
);
`

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}
