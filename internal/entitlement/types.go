// Package entitlement defines the typed boundary between the governance
// engine and the external systems that feed it: the entitlement source,
// the role policy store, and the tenant directory. The engine never
// mutates grants directly; remediation goes through the access-link API.
package entitlement

import "fmt"

// AccessType is the access level of a grant
type AccessType string

const (
	AccessRead  AccessType = "read"
	AccessWrite AccessType = "write"
	AccessAdmin AccessType = "admin"
)

// Valid reports whether the access type is one of the known levels
func (a AccessType) Valid() bool {
	switch a {
	case AccessRead, AccessWrite, AccessAdmin:
		return true
	}
	return false
}

// ExcessWeight returns the risk weight an excess grant of this level
// contributes to a drift score
func (a AccessType) ExcessWeight() int {
	switch a {
	case AccessAdmin:
		return 3
	case AccessWrite:
		return 2
	default:
		return 1
	}
}

// Grant is an immutable (user, application, access-level) snapshot fact
// supplied by the entitlement source
type Grant struct {
	TenantID   string     `json:"tenant_id"`
	UserID     string     `json:"user_id"`
	AppID      string     `json:"app_id"`
	AccessType AccessType `json:"access_type"`
}

// Key returns the natural key of the grant within its tenant
func (g Grant) Key() string {
	return fmt.Sprintf("%s/%s/%s", g.UserID, g.AppID, g.AccessType)
}

// ExpectedEntitlement is one entry of a role template
type ExpectedEntitlement struct {
	AppID      string     `json:"app_id"`
	AccessType AccessType `json:"access_type"`
	Required   bool       `json:"required"`
}

// RoleTemplate is the policy-administrator-owned expected entitlement
// set for a role within a department
type RoleTemplate struct {
	ID           string                `json:"id"`
	TenantID     string                `json:"tenant_id"`
	Department   string                `json:"department"`
	RoleLevel    string                `json:"role_level"`
	Entitlements []ExpectedEntitlement `json:"entitlements"`
}

// User is a directory record the engine reads for scoping and
// reviewer/manager resolution
type User struct {
	ID             string `json:"id"`
	TenantID       string `json:"tenant_id"`
	RoleTemplateID string `json:"role_template_id"`
	Department     string `json:"department"`
	RiskTier       string `json:"risk_tier"`
	ManagerID      string `json:"manager_id"`
	Email          string `json:"email"`
}

// Notification is the message shape handed to the notification gateway.
// The engine decides when and what; the gateway decides how.
type Notification struct {
	RecipientID string            `json:"recipient_id"`
	TenantID    string            `json:"tenant_id"`
	Kind        string            `json:"kind"` // reminder, escalation
	Subject     string            `json:"subject"`
	Body        string            `json:"body"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}
