// Package httpapi exposes the token exchange engine over HTTP.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/gpgkd906/auth9-sub008/internal/config"
	"github.com/gpgkd906/auth9-sub008/internal/exchange"
	"github.com/gpgkd906/auth9-sub008/internal/oauthstate"
	"github.com/gpgkd906/auth9-sub008/internal/obs"
	"github.com/gpgkd906/auth9-sub008/internal/policy"
	"github.com/gpgkd906/auth9-sub008/internal/rbac"
	"github.com/gpgkd906/auth9-sub008/internal/token"
)

// ReadyProbe checks readiness of the backing database.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// AdminStore is the write surface behind the admin endpoints.
type AdminStore interface {
	CreateTenant(ctx context.Context, slug, ownerUserID string) (exchange.Tenant, error)
	SetTenantStatus(ctx context.Context, tenantID, status string) error
	CreateService(ctx context.Context, clientID, tenantID, name, secretHash string) (exchange.ServiceAccount, error)
	AddMember(ctx context.Context, userID, tenantID string) error
	CreateRole(ctx context.Context, serviceID, name string) (rbac.Role, error)
	GrantPermission(ctx context.Context, roleID, permissionCode string) error
	AssignRole(ctx context.Context, userID, tenantID, roleID string) error
	GrantShare(ctx context.Context, resourceTenantID, granteeTenantID, resourceKind string) error
	RevokeAllForUser(ctx context.Context, userID string) (int64, error)
}

// Deps are the collaborators the HTTP layer delegates to.
type Deps struct {
	Log        *zap.Logger
	Exchange   *exchange.Service
	Codec      *token.Codec
	Engine     *policy.Engine
	State      policy.StateStore
	Resolver   *rbac.Resolver
	Admin      AdminStore
	States     *oauthstate.Store
	ReadyProbe ReadyProbe
	RPC        config.RPCConfig
	Version    string
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	log        *zap.Logger
	exchange   *exchange.Service
	codec      *token.Codec
	engine     *policy.Engine
	state      policy.StateStore
	resolver   *rbac.Resolver
	admin      AdminStore
	states     *oauthstate.Store
	readyProbe ReadyProbe
	rpc        config.RPCConfig
	version    string
}

func New(deps Deps) *API {
	a := &API{
		mux:        http.NewServeMux(),
		log:        deps.Log,
		exchange:   deps.Exchange,
		codec:      deps.Codec,
		engine:     deps.Engine,
		state:      deps.State,
		resolver:   deps.Resolver,
		admin:      deps.Admin,
		states:     deps.States,
		readyProbe: deps.ReadyProbe,
		rpc:        deps.RPC,
		version:    deps.Version,
	}
	if a.log == nil {
		a.log = zap.NewNop()
	}

	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.Handle("GET /metrics", obs.Handler())
	a.mux.HandleFunc("GET /.well-known/jwks.json", a.JWKS)

	a.mux.HandleFunc("POST /v1/token/exchange", a.ExchangeToken)
	a.mux.HandleFunc("POST /v1/token/validate", a.ValidateToken)
	a.mux.HandleFunc("POST /v1/token/introspect", a.IntrospectToken)
	a.mux.HandleFunc("POST /v1/token/refresh", a.RefreshToken)
	a.mux.HandleFunc("POST /v1/token/revoke", a.RevokeToken)
	a.mux.HandleFunc("POST /v1/token/service", a.ServiceClientToken)

	a.mux.HandleFunc("POST /v1/oauth/state", a.StoreOAuthState)
	a.mux.HandleFunc("POST /v1/oauth/state/consume", a.ConsumeOAuthState)

	a.mux.HandleFunc("GET /v1/roles", a.GetUserRoles)
	a.mux.HandleFunc("POST /v1/roles/parent", a.SetRoleParent)

	a.mux.HandleFunc("POST /v1/admin/tenants", a.CreateTenant)
	a.mux.HandleFunc("POST /v1/admin/tenants/status", a.SetTenantStatus)
	a.mux.HandleFunc("POST /v1/admin/services", a.CreateService)
	a.mux.HandleFunc("POST /v1/admin/members", a.AddMember)
	a.mux.HandleFunc("POST /v1/admin/roles", a.CreateRole)
	a.mux.HandleFunc("POST /v1/admin/roles/permissions", a.GrantPermission)
	a.mux.HandleFunc("POST /v1/admin/roles/assign", a.AssignRole)
	a.mux.HandleFunc("POST /v1/admin/shares", a.GrantShare)
	a.mux.HandleFunc("POST /v1/admin/users/revoke", a.RevokeUserTokens)
	a.mux.HandleFunc("POST /v1/admin/keys/rotate", a.RotateKey)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	return a
}

// Handler returns the fully wrapped handler chain.
func (a *API) Handler() http.Handler {
	h := a.withRPCAuth(a.mux)
	h = RateLimit(h, 50, 25)
	h = MaxBodyBytes(h, 1<<20)
	h = SecurityHeaders(h)
	h = Logging(a.log, h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "auth9",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) JWKS(w http.ResponseWriter, r *http.Request) {
	body, err := a.codec.JWKS()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "max-age=300")
	_, _ = w.Write(body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
