// Package campaign implements the access review campaign engine:
// campaign lifecycle, review item generation, decision recording with
// downstream enforcement, reminders, escalations and timeout
// auto-approval.
package campaign

import (
	"time"

	"github.com/openacr/openacr/internal/entitlement"
)

// Campaign types
const (
	TypeQuarterly = "quarterly"
	TypeAdHoc     = "ad-hoc"
)

// Scope types
const (
	ScopeAll        = "all"
	ScopeDepartment = "department"
	ScopeRiskTier   = "risk-tier"
)

// Campaign statuses
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

// Review item decisions
const (
	DecisionPending  = "pending"
	DecisionApproved = "approved"
	DecisionRevoked  = "revoked"
	DecisionDeferred = "deferred"
)

// SystemReviewer marks decisions applied by the timeout auto-approval
const SystemReviewer = "system"

// Campaign is a bounded-time certification exercise
type Campaign struct {
	ID                   string    `json:"id"`
	TenantID             string    `json:"tenant_id"`
	Name                 string    `json:"name"`
	CampaignType         string    `json:"campaign_type"`
	ScopeType            string    `json:"scope_type"`
	ScopeValue           string    `json:"scope_value,omitempty"`
	StartDate            time.Time `json:"start_date"`
	DueDate              time.Time `json:"due_date"`
	Status               string    `json:"status"`
	AutoApproveOnTimeout bool      `json:"auto_approve_on_timeout"`
	TotalItems           int       `json:"total_items"`
	DecidedItems         int       `json:"decided_items"`
	CreatedBy            string    `json:"created_by"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// Item is one reviewable entitlement within a campaign. Items are
// materialized at generation time, one per in-scope grant.
type Item struct {
	ID         string                 `json:"id"`
	CampaignID string                 `json:"campaign_id"`
	TenantID   string                 `json:"tenant_id"`
	UserID     string                 `json:"user_id"`
	AppID      string                 `json:"app_id"`
	AccessType entitlement.AccessType `json:"access_type"`
	Decision   string                 `json:"decision"`
	ReviewerID string                 `json:"reviewer_id,omitempty"`
	DecidedAt  *time.Time             `json:"decided_at,omitempty"`
	Warning    string                 `json:"warning,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

// Escalation is a durable milestone record. The unique (campaign,
// days_overdue) key makes escalation alerts at-most-once per milestone
// even though the operation itself is at-least-once.
type Escalation struct {
	ID          string    `json:"id"`
	CampaignID  string    `json:"campaign_id"`
	TenantID    string    `json:"tenant_id"`
	DaysOverdue int       `json:"days_overdue"`
	Recipients  int       `json:"recipients"`
	CreatedAt   time.Time `json:"created_at"`
}

// ValidType reports whether t is a known campaign type
func ValidType(t string) bool {
	return t == TypeQuarterly || t == TypeAdHoc
}

// ValidScope reports whether s is a known scope type
func ValidScope(s string) bool {
	return s == ScopeAll || s == ScopeDepartment || s == ScopeRiskTier
}

// InScope reports whether a user falls inside a campaign's scope.
// Scope resolution is a pure function of scopeType and scopeValue.
func InScope(scopeType, scopeValue string, user entitlement.User) bool {
	switch scopeType {
	case ScopeAll:
		return true
	case ScopeDepartment:
		return user.Department == scopeValue
	case ScopeRiskTier:
		return user.RiskTier == scopeValue
	default:
		return false
	}
}

// ResolveScope filters a tenant's users down to the campaign's scope
func ResolveScope(scopeType, scopeValue string, users []entitlement.User) []entitlement.User {
	scoped := make([]entitlement.User, 0, len(users))
	for _, u := range users {
		if InScope(scopeType, scopeValue, u) {
			scoped = append(scoped, u)
		}
	}
	return scoped
}

// DecisionAllowed reports whether an item in state current may move to
// next. Pending items take any decision; deferred items may be
// revisited; approved and revoked are terminal.
func DecisionAllowed(current, next string) bool {
	switch next {
	case DecisionApproved, DecisionRevoked:
		return current == DecisionPending || current == DecisionDeferred
	case DecisionDeferred:
		return current == DecisionPending
	default:
		return false
	}
}

// Decided reports whether a decision state counts toward completion.
// Deferred items keep a campaign open.
func Decided(decision string) bool {
	return decision == DecisionApproved || decision == DecisionRevoked
}
