package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"ez4u.app/internal/audit"
	"ez4u.app/internal/auth"
	"ez4u.app/internal/rbac"
)

type addMemberRequest struct {
	UserID string                `json:"user_id"`
	RoleID string                `json:"role_id"`
	Status rbac.MembershipStatus `json:"status"`
}

type updateMemberRequest struct {
	RoleID *string                `json:"role_id"`
	Status *rbac.MembershipStatus `json:"status"`
}

type createRoleRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Permissions []string `json:"permissions"`
}

type updateRolePermissionsRequest struct {
	Permissions []string `json:"permissions"`
}

type identityRequest struct {
	Provider string `json:"provider"`
	Subject  string `json:"subject"`
}

type createUserRequest struct {
	Email       string            `json:"email"`
	DisplayName string            `json:"display_name"`
	Password    string            `json:"password"`
	IsActive    *bool             `json:"is_active"`
	Identities  []identityRequest `json:"identities"`
	TenantID    string            `json:"tenant_id"`
	RoleID      string            `json:"role_id"`
}

type updateUserRequest struct {
	Email       *string `json:"email"`
	DisplayName *string `json:"display_name"`
	IsActive    *bool   `json:"is_active"`
	Password    *string `json:"password"`
}

type grantGlobalRoleRequest struct {
	GlobalRoleID string     `json:"global_role_id"`
	ExpiresAt    *time.Time `json:"expires_at"`
}

// --- permissions & global roles ---

func (a *API) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := a.admin.ListPermissions(r.Context())
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

func (a *API) handleListGlobalRoles(w http.ResponseWriter, r *http.Request) {
	if _, err := a.requireGlobal(r, rbac.PermUserManage); err != nil {
		handleError(w, r, err)
		return
	}
	roles, err := a.admin.ListGlobalRoles(r.Context())
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"global_roles": roles})
}

// --- members ---

func (a *API) handleListMembers(w http.ResponseWriter, r *http.Request) {
	scope, err := requireScoped(r, rbac.PermUserManage)
	if err != nil {
		handleError(w, r, err)
		return
	}
	members, err := a.admin.ListMembers(r.Context(), scope.TenantID())
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": members})
}

func (a *API) handleAddMember(w http.ResponseWriter, r *http.Request) {
	scope, err := requireScoped(r, rbac.PermUserManage)
	if err != nil {
		handleError(w, r, err)
		return
	}
	var req addMemberRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	m, err := a.admin.AddMember(r.Context(), rbac.Membership{
		TenantID: scope.TenantID(),
		UserID:   req.UserID,
		RoleID:   req.RoleID,
		Status:   req.Status,
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	a.audit(r, audit.EventMemberAdded, map[string]any{
		"tenant_id": m.TenantID,
		"member_id": m.UserID,
		"role_id":   m.RoleID,
		"status":    m.Status,
	})
	w.Header().Set("Location", fmt.Sprintf("/v1/tenants/%s/members/%s", m.TenantID, m.UserID))
	writeJSON(w, http.StatusCreated, m)
}

func (a *API) handleUpdateMember(w http.ResponseWriter, r *http.Request) {
	scope, err := requireScoped(r, rbac.PermUserManage)
	if err != nil {
		handleError(w, r, err)
		return
	}
	var req updateMemberRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	userID := mux.Vars(r)["userID"]
	m, err := a.admin.UpdateMember(r.Context(), scope.TenantID(), userID, rbac.MembershipUpdate{
		RoleID: req.RoleID,
		Status: req.Status,
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	a.audit(r, audit.EventMemberUpdated, map[string]any{
		"tenant_id": m.TenantID,
		"member_id": m.UserID,
		"role_id":   m.RoleID,
		"status":    m.Status,
	})
	writeJSON(w, http.StatusOK, m)
}

func (a *API) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	scope, err := requireScoped(r, rbac.PermUserManage)
	if err != nil {
		handleError(w, r, err)
		return
	}
	userID := mux.Vars(r)["userID"]
	if err := a.admin.RemoveMember(r.Context(), scope.TenantID(), userID); err != nil {
		handleError(w, r, err)
		return
	}
	a.audit(r, audit.EventMemberRemoved, map[string]any{
		"tenant_id": scope.TenantID(),
		"member_id": userID,
	})
	w.WriteHeader(http.StatusNoContent)
}

// --- roles ---

func (a *API) handleListRoles(w http.ResponseWriter, r *http.Request) {
	scope, err := scopeFrom(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	roles, err := a.admin.ListRoles(r.Context(), scope.TenantID())
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
}

// handleCreateRole only creates custom roles; system roles come from seeding.
func (a *API) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	scope, err := requireScoped(r, rbac.PermTenantUpdate)
	if err != nil {
		handleError(w, r, err)
		return
	}
	var req createRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := a.admin.CreateRole(r.Context(), rbac.NewRole{
		TenantID:    scope.TenantID(),
		Name:        req.Name,
		Description: req.Description,
		Permissions: req.Permissions,
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	a.audit(r, audit.EventRoleCreated, map[string]any{
		"tenant_id":   role.TenantID,
		"role_id":     role.ID,
		"name":        role.Name,
		"permissions": role.Permissions,
	})
	w.Header().Set("Location", fmt.Sprintf("/v1/tenants/%s/roles/%s", role.TenantID, role.ID))
	writeJSON(w, http.StatusCreated, role)
}

func (a *API) handleSetRolePermissions(w http.ResponseWriter, r *http.Request) {
	scope, err := requireScoped(r, rbac.PermTenantUpdate)
	if err != nil {
		handleError(w, r, err)
		return
	}
	var req updateRolePermissionsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	roleID := mux.Vars(r)["roleID"]
	ctx := r.Context()
	if err := a.admin.SetRolePermissions(ctx, scope.TenantID(), roleID, req.Permissions); err != nil {
		handleError(w, r, err)
		return
	}
	role, err := a.admin.TenantRole(ctx, scope.TenantID(), roleID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	a.audit(r, audit.EventRoleUpdated, map[string]any{
		"tenant_id":   role.TenantID,
		"role_id":     role.ID,
		"permissions": role.Permissions,
	})
	writeJSON(w, http.StatusOK, role)
}

func (a *API) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	scope, err := requireScoped(r, rbac.PermTenantUpdate)
	if err != nil {
		handleError(w, r, err)
		return
	}
	roleID := mux.Vars(r)["roleID"]
	if err := a.admin.DeleteRole(r.Context(), scope.TenantID(), roleID); err != nil {
		handleError(w, r, err)
		return
	}
	a.audit(r, audit.EventRoleDeleted, map[string]any{
		"tenant_id": scope.TenantID(),
		"role_id":   roleID,
	})
	w.WriteHeader(http.StatusNoContent)
}

// --- users (global administration) ---

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	if _, err := a.requireGlobal(r, rbac.PermUserManage); err != nil {
		handleError(w, r, err)
		return
	}
	var tenantID *string
	if v := strings.TrimSpace(r.URL.Query().Get("tenant_id")); v != "" {
		tenantID = &v
	}
	users, err := a.directory.ListUsers(r.Context(), tenantID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	if _, err := a.requireGlobal(r, rbac.PermUserManage); err != nil {
		handleError(w, r, err)
		return
	}
	var req createUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	create := auth.CreateUserRequest{
		Email:       req.Email,
		DisplayName: req.DisplayName,
		Password:    req.Password,
		Inactive:    req.IsActive != nil && !*req.IsActive,
	}
	for _, ident := range req.Identities {
		create.Identities = append(create.Identities, auth.ExternalIdentity{Provider: ident.Provider, Subject: ident.Subject})
	}
	if req.TenantID != "" || req.RoleID != "" {
		create.Membership = &auth.InitialMembership{TenantID: req.TenantID, RoleID: req.RoleID}
	}
	user, err := a.auth.CreateUser(r.Context(), create)
	if err != nil {
		handleError(w, r, err)
		return
	}
	a.audit(r, audit.EventUserCreated, map[string]any{
		"target_user_id": user.ID,
		"email":          user.Email,
		"tenant_id":      req.TenantID,
	})
	w.Header().Set("Location", fmt.Sprintf("/v1/users/%s", user.ID))
	writeJSON(w, http.StatusCreated, user)
}

// handleGetUser lets a user read themselves; anyone else needs global user.manage.
func (a *API) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["userID"]
	if self, _ := auth.UserIDFromContext(r.Context()); self != id {
		if _, err := a.requireGlobal(r, rbac.PermUserManage); err != nil {
			handleError(w, r, err)
			return
		}
	}
	user, err := a.auth.GetUser(r.Context(), id)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	if _, err := a.requireGlobal(r, rbac.PermUserManage); err != nil {
		handleError(w, r, err)
		return
	}
	var req updateUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	id := mux.Vars(r)["userID"]
	ctx := r.Context()
	user, err := a.auth.UpdateUser(ctx, id, auth.UserUpdate{
		Email:       req.Email,
		DisplayName: req.DisplayName,
		IsActive:    req.IsActive,
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	if req.Password != nil {
		if err := a.auth.SetPassword(ctx, id, *req.Password); err != nil {
			handleError(w, r, err)
			return
		}
	}
	a.audit(r, audit.EventUserUpdated, map[string]any{
		"target_user_id":   user.ID,
		"is_active":        user.IsActive,
		"password_changed": req.Password != nil,
	})
	writeJSON(w, http.StatusOK, user)
}

func (a *API) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	if _, err := a.requireGlobal(r, rbac.PermUserManage); err != nil {
		handleError(w, r, err)
		return
	}
	id := mux.Vars(r)["userID"]
	if err := a.auth.DeleteUser(r.Context(), id); err != nil {
		handleError(w, r, err)
		return
	}
	a.audit(r, audit.EventUserDeleted, map[string]any{"target_user_id": id})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleGrantGlobalRole(w http.ResponseWriter, r *http.Request) {
	granter, err := a.requireGlobal(r, rbac.PermUserManage)
	if err != nil {
		handleError(w, r, err)
		return
	}
	var req grantGlobalRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	grant, err := a.admin.GrantGlobalRole(r.Context(), rbac.GlobalGrant{
		UserID:       mux.Vars(r)["userID"],
		GlobalRoleID: req.GlobalRoleID,
		GrantedBy:    &granter,
		ExpiresAt:    req.ExpiresAt,
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	a.audit(r, audit.EventGlobalRoleGrant, map[string]any{
		"target_user_id": grant.UserID,
		"global_role_id": grant.GlobalRoleID,
		"expires_at":     grant.ExpiresAt,
	})
	writeJSON(w, http.StatusCreated, grant)
}

func (a *API) handleRevokeGlobalRole(w http.ResponseWriter, r *http.Request) {
	if _, err := a.requireGlobal(r, rbac.PermUserManage); err != nil {
		handleError(w, r, err)
		return
	}
	vars := mux.Vars(r)
	if err := a.admin.RevokeGlobalRole(r.Context(), vars["userID"], vars["globalRoleID"]); err != nil {
		handleError(w, r, err)
		return
	}
	a.audit(r, audit.EventGlobalRoleRevoke, map[string]any{
		"target_user_id": vars["userID"],
		"global_role_id": vars["globalRoleID"],
	})
	w.WriteHeader(http.StatusNoContent)
}
