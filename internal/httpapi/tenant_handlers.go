package httpapi

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"ez4u.app/internal/audit"
	"ez4u.app/internal/auth"
	"ez4u.app/internal/rbac"
	"ez4u.app/internal/tenancy"
)

type createTenantRequest struct {
	Name     string  `json:"name"`
	Slug     string  `json:"slug"`
	ParentID *string `json:"parent_tenant_id"`
}

type updateTenantRequest struct {
	Name     *string        `json:"name"`
	IsActive *bool          `json:"is_active"`
	ParentID optionalString `json:"parent_tenant_id"`
}

// handleListTenants lists roots, or the children of parent_id, keeping only tenants the
// caller could open a scope in.
func (a *API) handleListTenants(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		unauthorized(w, r)
		return
	}
	var parent *string
	if v := strings.TrimSpace(r.URL.Query().Get("parent_id")); v != "" {
		parent = &v
	}
	tenants, err := a.tenants.List(r.Context(), parent)
	if err != nil {
		handleError(w, r, err)
		return
	}
	ids := make([]string, len(tenants))
	for i, t := range tenants {
		ids[i] = t.ID
	}
	scoped, err := a.enforcer.ScopedTenants(r.Context(), userID, ids)
	if err != nil {
		handleError(w, r, err)
		return
	}
	visible := make(map[string]struct{}, len(scoped))
	for _, id := range scoped {
		visible[id] = struct{}{}
	}
	out := make([]tenancy.Tenant, 0, len(scoped))
	for _, t := range tenants {
		if _, ok := visible[t.ID]; ok {
			out = append(out, t)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenants": out})
}

// handleCreateTenant needs global tenant.create for a root, or tenant.create in the parent.
func (a *API) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req createTenantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	parent := trimmedOrNil(req.ParentID)
	var err error
	if parent == nil {
		_, err = a.requireGlobal(r, rbac.PermTenantCreate)
	} else {
		err = a.requireTenantPermission(r, *parent, rbac.PermTenantCreate)
	}
	if err != nil {
		handleError(w, r, err)
		return
	}
	t, err := a.tenants.Create(r.Context(), tenancy.NewTenant{Name: req.Name, Slug: req.Slug, ParentID: parent})
	if err != nil {
		handleError(w, r, err)
		return
	}
	a.audit(r, audit.EventTenantCreated, map[string]any{
		"tenant_id": t.ID,
		"slug":      t.Slug,
		"parent_id": t.ParentID,
	})
	writeJSON(w, http.StatusCreated, t)
}

func (a *API) handleGetTenant(w http.ResponseWriter, r *http.Request) {
	scope, err := scopeFrom(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	t, err := a.tenants.Get(r.Context(), scope.TenantID())
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// handleUpdateTenant applies name, is_active and, when parent_tenant_id is present, the
// move as a single update. Moving under a parent needs tenant.update there too; making
// the tenant a root needs global tenant.create.
func (a *API) handleUpdateTenant(w http.ResponseWriter, r *http.Request) {
	scope, err := requireScoped(r, rbac.PermTenantUpdate)
	if err != nil {
		handleError(w, r, err)
		return
	}
	var req updateTenantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var newParent *string
	if req.ParentID.Set {
		newParent = trimmedOrNil(req.ParentID.Value)
		if newParent == nil {
			_, err = a.requireGlobal(r, rbac.PermTenantCreate)
		} else {
			err = a.requireTenantPermission(r, *newParent, rbac.PermTenantUpdate)
		}
		if err != nil {
			handleError(w, r, err)
			return
		}
	}

	t, err := a.tenants.Update(r.Context(), scope.TenantID(), tenancy.Update{
		Name:     req.Name,
		IsActive: req.IsActive,
		Move:     req.ParentID.Set,
		ParentID: newParent,
	})
	if err != nil {
		handleError(w, r, err)
		return
	}
	a.audit(r, audit.EventTenantUpdated, map[string]any{
		"tenant_id":  t.ID,
		"name":       req.Name,
		"is_active":  req.IsActive,
		"reparented": req.ParentID.Set,
		"parent_id":  t.ParentID,
	})
	writeJSON(w, http.StatusOK, t)
}

func (a *API) handleDeleteTenant(w http.ResponseWriter, r *http.Request) {
	scope, err := requireScoped(r, rbac.PermTenantDelete)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if err := a.tenants.Delete(r.Context(), scope.TenantID()); err != nil {
		handleError(w, r, err)
		return
	}
	a.audit(r, audit.EventTenantDeleted, map[string]any{"tenant_id": scope.TenantID()})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleTenantChildren(w http.ResponseWriter, r *http.Request) {
	scope, err := scopeFrom(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	children, err := a.tenants.ListChildren(r.Context(), scope.TenantID())
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenants": children})
}

func (a *API) handleTenantAncestors(w http.ResponseWriter, r *http.Request) {
	scope, err := scopeFrom(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	chain, err := a.tenants.Ancestors(r.Context(), scope.TenantID())
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenants": chain})
}

// handleScope reports the caller's decision for a tenant, allowed or not.
func (a *API) handleScope(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		unauthorized(w, r)
		return
	}
	d, err := a.enforcer.AuthorizeScope(r.Context(), userID, mux.Vars(r)["tenantID"])
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func trimmedOrNil(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}
