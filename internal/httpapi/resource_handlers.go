package httpapi

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"ez4u.app/internal/audit"
	"ez4u.app/internal/rbac"
)

func (a *API) handleListResources(w http.ResponseWriter, r *http.Request) {
	scope, err := requireScoped(r, rbac.PermDataView)
	if err != nil {
		handleError(w, r, err)
		return
	}
	items, err := a.resources.List(r.Context(), scope)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"resources": items})
}

func (a *API) handleGetResource(w http.ResponseWriter, r *http.Request) {
	scope, err := requireScoped(r, rbac.PermDataView)
	if err != nil {
		handleError(w, r, err)
		return
	}
	item, err := a.resources.Get(r.Context(), scope, mux.Vars(r)["resourceID"])
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (a *API) handleExportResources(w http.ResponseWriter, r *http.Request) {
	scope, err := scopeFrom(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	out, err := a.resources.Export(r.Context(), scope)
	if err != nil {
		handleError(w, r, err)
		return
	}
	a.audit(r, audit.EventResourceExported, map[string]any{
		"tenant_id": out.TenantID,
		"count":     len(out.Resources),
	})
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s-export.json"`, out.TenantID))
	writeJSON(w, http.StatusOK, out)
}
