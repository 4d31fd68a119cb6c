package rbac

const (
	PermTenantCreate = "tenant.create"
	PermTenantUpdate = "tenant.update"
	PermTenantDelete = "tenant.delete"
	PermUserManage   = "user.manage"
	PermDataView     = "data.view"
	PermDataExport   = "data.export"
)

// BuiltinPermissions is the permission catalog every deployment starts with.
var BuiltinPermissions = []Permission{
	{Name: PermTenantCreate, Category: "tenant_management"},
	{Name: PermTenantUpdate, Category: "tenant_management"},
	{Name: PermTenantDelete, Category: "tenant_management"},
	{Name: PermUserManage, Category: "user_management"},
	{Name: PermDataView, Category: "data_access"},
	{Name: PermDataExport, Category: "data_access"},
}
