// Package store holds what the storage backends share: constraint names that both the
// SQL schema and the in-memory store report in conflict errors.
package store

// Constraint names as declared in the schema migrations.
const (
	UniqueUserEmail       = "uq_user_email"
	UniqueProviderSubject = "uq_provider_subject"
	UniqueTenantSlug      = "uq_tenant_slug"
	UniqueTenantRoleName  = "uq_tenant_role_name"
	UniqueUserTenant      = "uq_user_tenant"
	UniquePermissionName  = "uq_permission_name"
	UniqueGlobalRoleName  = "uq_global_role_name"
	PKUserGlobalRoles     = "pk_user_global_roles"
	FKMembershipRole      = "fk_tenant_members_role"
)
