package httpapi

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/gpgkd906/auth9-sub008/internal/exchange"
	"github.com/gpgkd906/auth9-sub008/internal/policy"
)

func (a *API) ExchangeToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IdentityToken   string `json:"identity_token"`
		TenantID        string `json:"tenant_id"`
		ServiceClientID string `json:"service_client_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := a.exchange.ExchangeToken(r.Context(), req.IdentityToken, req.TenantID, req.ServiceClientID)
	if err != nil {
		respondStatus(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  res.AccessToken,
		"refresh_token": res.RefreshToken,
		"token_type":    res.TokenType,
		"expires_in":    res.ExpiresIn,
	})
}

func (a *API) ValidateToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccessToken string `json:"access_token"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := a.exchange.ValidateToken(r.Context(), req.AccessToken)
	if err != nil {
		respondStatus(w, err)
		return
	}
	out := map[string]any{"valid": res.Valid}
	if res.Valid {
		out["user_id"] = res.UserID
		out["tenant_id"] = res.TenantID
	} else {
		out["reason"] = res.Reason
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) IntrospectToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := a.exchange.IntrospectToken(r.Context(), req.Token)
	if err != nil {
		respondStatus(w, err)
		return
	}
	if !res.Active {
		writeJSON(w, http.StatusOK, map[string]any{"active": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active":      true,
		"jti":         res.TokenID,
		"sub":         res.Subject,
		"email":       res.Email,
		"tenant_id":   res.TenantID,
		"token_type":  res.Variant,
		"roles":       res.Roles,
		"permissions": res.Permissions,
		"iat":         res.IssuedAt,
		"exp":         res.ExpiresAt,
	})
}

func (a *API) RefreshToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := a.exchange.RefreshAccessToken(r.Context(), req.RefreshToken)
	if err != nil {
		respondStatus(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  res.AccessToken,
		"refresh_token": res.RefreshToken,
		"token_type":    res.TokenType,
		"expires_in":    res.ExpiresIn,
	})
}

func (a *API) RevokeToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := a.exchange.RevokeToken(r.Context(), req.Token); err != nil {
		respondStatus(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked": true})
}

func (a *API) ServiceClientToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := a.exchange.ServiceClientToken(r.Context(), req.ClientID, req.ClientSecret)
	if err != nil {
		respondStatus(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": res.AccessToken,
		"token_type":   res.TokenType,
		"expires_in":   res.ExpiresIn,
	})
}

// GetUserRoles answers role queries. The caller presents a bearer token
// and must be authorized to read users in the target tenant; a user may
// always ask about themselves within their own tenant.
func (a *API) GetUserRoles(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	tenantID := r.URL.Query().Get("tenant_id")
	if userID == "" || tenantID == "" {
		respondError(w, http.StatusBadRequest, "user_id and tenant_id are required")
		return
	}
	claims, err := a.codec.Verify(extractBearerToken(r.Header.Get("Authorization")))
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	caller := policy.CallerFromClaims(claims)
	selfQuery := caller.Subject == userID && caller.TenantID == tenantID
	if !selfQuery {
		d := a.engine.EnforceWithState(r.Context(), a.state, caller, policy.ActionUserRead, policy.TenantScope(tenantID))
		if !d.Allowed {
			respondError(w, http.StatusForbidden, "access denied")
			return
		}
	}
	res, err := a.exchange.GetUserRoles(r.Context(), userID, tenantID)
	if err != nil {
		respondStatus(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":     userID,
		"tenant_id":   tenantID,
		"roles":       res.Roles,
		"permissions": res.Permissions,
	})
}

// SetRoleParent links a role under a parent. Cycles are rejected with a
// conflict before anything is written.
func (a *API) SetRoleParent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RoleID   string `json:"role_id"`
		ParentID string `json:"parent_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := a.resolver.SetRoleParent(r.Context(), req.RoleID, req.ParentID); err != nil {
		respondStatus(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"linked": true})
}

func (a *API) CreateTenant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Slug        string `json:"slug"`
		OwnerUserID string `json:"owner_user_id"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Slug == "" || req.OwnerUserID == "" {
		respondError(w, http.StatusBadRequest, "slug and owner_user_id are required")
		return
	}
	t, err := a.admin.CreateTenant(r.Context(), req.Slug, req.OwnerUserID)
	if err != nil {
		respondStatus(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":            t.ID,
		"slug":          t.Slug,
		"status":        t.Status,
		"owner_user_id": t.OwnerUserID,
	})
}

func (a *API) SetTenantStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TenantID string `json:"tenant_id"`
		Status   string `json:"status"`
	}
	if err := decodeJSON(r, &req); err != nil || req.TenantID == "" || req.Status == "" {
		respondError(w, http.StatusBadRequest, "tenant_id and status are required")
		return
	}
	if err := a.admin.SetTenantStatus(r.Context(), req.TenantID, req.Status); err != nil {
		respondStatus(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenant_id": req.TenantID, "status": req.Status})
}

func (a *API) CreateService(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID     string `json:"client_id"`
		TenantID     string `json:"tenant_id"`
		Name         string `json:"name"`
		ClientSecret string `json:"client_secret"`
	}
	if err := decodeJSON(r, &req); err != nil ||
		req.ClientID == "" || req.TenantID == "" || req.ClientSecret == "" {
		respondError(w, http.StatusBadRequest, "client_id, tenant_id and client_secret are required")
		return
	}
	hash, err := exchange.HashSecret(req.ClientSecret)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	svc, err := a.admin.CreateService(r.Context(), req.ClientID, req.TenantID, req.Name, hash)
	if err != nil {
		respondStatus(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":        svc.ID,
		"client_id": svc.ClientID,
		"tenant_id": svc.TenantID,
		"name":      svc.Name,
	})
}

func (a *API) AddMember(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID   string `json:"user_id"`
		TenantID string `json:"tenant_id"`
	}
	if err := decodeJSON(r, &req); err != nil || req.UserID == "" || req.TenantID == "" {
		respondError(w, http.StatusBadRequest, "user_id and tenant_id are required")
		return
	}
	if err := a.admin.AddMember(r.Context(), req.UserID, req.TenantID); err != nil {
		respondStatus(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"user_id": req.UserID, "tenant_id": req.TenantID})
}

func (a *API) CreateRole(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ServiceID string `json:"service_id"`
		Name      string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil || req.ServiceID == "" || req.Name == "" {
		respondError(w, http.StatusBadRequest, "service_id and name are required")
		return
	}
	role, err := a.admin.CreateRole(r.Context(), req.ServiceID, req.Name)
	if err != nil {
		respondStatus(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, role)
}

func (a *API) GrantPermission(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RoleID         string `json:"role_id"`
		PermissionCode string `json:"permission_code"`
	}
	if err := decodeJSON(r, &req); err != nil || req.RoleID == "" || req.PermissionCode == "" {
		respondError(w, http.StatusBadRequest, "role_id and permission_code are required")
		return
	}
	if err := a.admin.GrantPermission(r.Context(), req.RoleID, req.PermissionCode); err != nil {
		respondStatus(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"role_id": req.RoleID, "permission_code": req.PermissionCode})
}

func (a *API) AssignRole(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID   string `json:"user_id"`
		TenantID string `json:"tenant_id"`
		RoleID   string `json:"role_id"`
	}
	if err := decodeJSON(r, &req); err != nil || req.UserID == "" || req.TenantID == "" || req.RoleID == "" {
		respondError(w, http.StatusBadRequest, "user_id, tenant_id and role_id are required")
		return
	}
	if err := a.admin.AssignRole(r.Context(), req.UserID, req.TenantID, req.RoleID); err != nil {
		respondStatus(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"assigned": true})
}

func (a *API) GrantShare(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ResourceTenantID string `json:"resource_tenant_id"`
		GranteeTenantID  string `json:"grantee_tenant_id"`
		ResourceKind     string `json:"resource_kind"`
	}
	if err := decodeJSON(r, &req); err != nil ||
		req.ResourceTenantID == "" || req.GranteeTenantID == "" || req.ResourceKind == "" {
		respondError(w, http.StatusBadRequest, "resource_tenant_id, grantee_tenant_id and resource_kind are required")
		return
	}
	if err := a.admin.GrantShare(r.Context(), req.ResourceTenantID, req.GranteeTenantID, req.ResourceKind); err != nil {
		respondStatus(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"granted": true})
}

// RevokeUserTokens revokes every refresh token a user holds, across all
// tenants. Access tokens already minted still run out their short TTL.
func (a *API) RevokeUserTokens(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := decodeJSON(r, &req); err != nil || req.UserID == "" {
		respondError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	n, err := a.admin.RevokeAllForUser(r.Context(), req.UserID)
	if err != nil {
		respondStatus(w, err)
		return
	}
	a.log.Info("user refresh tokens revoked", zap.String("user_id", req.UserID), zap.Int64("count", n))
	writeJSON(w, http.StatusOK, map[string]any{"user_id": req.UserID, "revoked": n})
}

func (a *API) RotateKey(w http.ResponseWriter, r *http.Request) {
	kid, err := a.codec.Rotate()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	a.log.Info("signing key rotated", zap.String("kid", kid))
	writeJSON(w, http.StatusOK, map[string]any{"kid": kid})
}
