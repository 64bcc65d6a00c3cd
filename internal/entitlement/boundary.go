package entitlement

import "context"

// Source supplies the current entitlement grants per tenant. Read-only.
type Source interface {
	GrantsForTenant(ctx context.Context, tenantID string) ([]Grant, error)
	GrantsForUser(ctx context.Context, tenantID, userID string) ([]Grant, error)
}

// PolicyStore supplies the expected entitlement sets per role.
type PolicyStore interface {
	TemplatesForTenant(ctx context.Context, tenantID string) (map[string]RoleTemplate, error)
}

// Directory supplies tenants and their users for batch iteration and
// reviewer/manager resolution.
type Directory interface {
	Tenants(ctx context.Context) ([]string, error)
	UsersForTenant(ctx context.Context, tenantID string) ([]User, error)
	Manager(ctx context.Context, tenantID, userID string) (string, error)
}

// AccessLink requests entitlement changes from the external asset/access
// link API. Calls are fire-and-forget from the engine's perspective:
// a failure is recorded as a soft warning, never retried here.
type AccessLink interface {
	RequestRemoval(ctx context.Context, grant Grant) error
}

// NotificationGateway delivers reminder and escalation messages.
type NotificationGateway interface {
	Send(ctx context.Context, n Notification) error
}
