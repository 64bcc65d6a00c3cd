// Package overpriv implements the overprivileged account detector: it
// flags users holding admin access across enough distinct applications
// to warrant review.
package overpriv

import (
	"sort"
	"time"

	"github.com/openacr/openacr/internal/entitlement"
	"github.com/openacr/openacr/internal/risk"
)

// Record statuses
const (
	StatusOpen     = "open"
	StatusResolved = "resolved"
)

// Resolution types
const (
	ResolutionReduced  = "reduced"
	ResolutionAccepted = "accepted"
)

// DefaultAdminThreshold is the minimum number of distinct apps with
// admin access before a user is flagged.
const DefaultAdminThreshold = 3

// Assessment is the outcome of evaluating one user's admin footprint
type Assessment struct {
	TenantID  string     `json:"tenant_id"`
	UserID    string     `json:"user_id"`
	AdminApps []string   `json:"admin_apps"`
	RiskScore int        `json:"risk_score"`
	RiskLevel risk.Level `json:"risk_level"`
}

// Flagged reports whether the user crossed the admin-app threshold
func (a Assessment) Flagged() bool {
	return len(a.AdminApps) > 0
}

// Record is a persisted overprivilege finding. At most one open record
// exists per (tenant, user).
type Record struct {
	ID              string     `json:"id"`
	TenantID        string     `json:"tenant_id"`
	UserID          string     `json:"user_id"`
	AdminApps       []string   `json:"admin_apps"`
	RiskScore       int        `json:"risk_score"`
	RiskLevel       risk.Level `json:"risk_level"`
	Status          string     `json:"status"`
	ResolutionType  string     `json:"resolution_type,omitempty"`
	ResolutionNotes string     `json:"resolution_notes,omitempty"`
	ResolvedBy      string     `json:"resolved_by,omitempty"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	LastChecked     time.Time  `json:"last_checked"`
}

// Assess counts the distinct applications where the user holds admin
// access. Below the threshold the assessment is empty: the user is not
// flagged and no score is assigned. At or above it, each admin app
// contributes 10 points, capped at 100.
func Assess(grants []entitlement.Grant, threshold int) Assessment {
	if threshold <= 0 {
		threshold = DefaultAdminThreshold
	}

	seen := make(map[string]bool)
	for _, g := range grants {
		if g.AccessType == entitlement.AccessAdmin {
			seen[g.AppID] = true
		}
	}
	if len(seen) < threshold {
		return Assessment{}
	}

	apps := make([]string, 0, len(seen))
	for app := range seen {
		apps = append(apps, app)
	}
	sort.Strings(apps)

	score := risk.Clamp(len(apps) * 10)
	return Assessment{
		AdminApps: apps,
		RiskScore: score,
		RiskLevel: risk.LevelForScore(score),
	}
}
