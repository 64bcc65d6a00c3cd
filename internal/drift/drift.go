// Package drift implements the privilege drift detector: it diffs each
// user's actual entitlements against the expected set from their role
// template, scores the divergence, and maintains deduplicated alerts.
package drift

import (
	"fmt"
	"sort"
	"time"

	"github.com/openacr/openacr/internal/entitlement"
	"github.com/openacr/openacr/internal/risk"
)

// Alert statuses
const (
	StatusOpen     = "open"
	StatusResolved = "resolved"
)

// Resolution types
const (
	ResolutionRevoked       = "revoked"
	ResolutionRoleUpdated   = "role_updated"
	ResolutionFalsePositive = "false_positive"
)

// Recommended actions derived from the dominant drift factor
const (
	ActionRevokeExcess    = "Revoke excess access"
	ActionGrantOrReassign = "Grant required access or update role"
)

// ExcessGrant is an entitlement held but not expected by the role template
type ExcessGrant struct {
	AppID      string                 `json:"app_id"`
	AccessType entitlement.AccessType `json:"access_type"`
}

// Result is the outcome of evaluating one user against their role template
type Result struct {
	TenantID          string        `json:"tenant_id"`
	UserID            string        `json:"user_id"`
	RoleTemplateID    string        `json:"role_template_id"`
	ExcessApps        []ExcessGrant `json:"excess_apps"`
	MissingApps       []string      `json:"missing_apps"`
	RiskScore         int           `json:"risk_score"`
	RiskLevel         risk.Level    `json:"risk_level"`
	RiskFactors       []string      `json:"risk_factors"`
	RecommendedAction string        `json:"recommended_action"`
}

// HasDrift reports whether the user diverges from their role template
func (r Result) HasDrift() bool {
	return len(r.ExcessApps) > 0 || len(r.MissingApps) > 0
}

// Alert is a persisted drift finding. At most one open alert exists per
// (tenant, user, role template); re-scans update the open alert's
// evidence instead of duplicating it.
type Alert struct {
	ID                string        `json:"id"`
	TenantID          string        `json:"tenant_id"`
	UserID            string        `json:"user_id"`
	RoleTemplateID    string        `json:"role_template_id"`
	ExcessApps        []ExcessGrant `json:"excess_apps"`
	MissingApps       []string      `json:"missing_apps"`
	RiskScore         int           `json:"risk_score"`
	RiskLevel         risk.Level    `json:"risk_level"`
	RiskFactors       []string      `json:"risk_factors"`
	RecommendedAction string        `json:"recommended_action"`
	Status            string        `json:"status"`
	ResolutionType    string        `json:"resolution_type,omitempty"`
	ResolutionNotes   string        `json:"resolution_notes,omitempty"`
	ResolvedBy        string        `json:"resolved_by,omitempty"`
	ResolvedAt        *time.Time    `json:"resolved_at,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	LastChecked       time.Time     `json:"last_checked"`
}

// accessRank orders access levels for the mismatch check
func accessRank(a entitlement.AccessType) int {
	switch a {
	case entitlement.AccessAdmin:
		return 3
	case entitlement.AccessWrite:
		return 2
	default:
		return 1
	}
}

// Evaluate diffs a user's grants against their role template.
//
// Access-type mismatch policy: an expected application held at any level
// covers the requirement, so it is neither missing nor excess. When the
// held level exceeds the expected level the mismatch is surfaced as a
// risk factor but contributes no score weight; reviewers handle it
// through the certification workflow rather than automated scoring.
func Evaluate(tpl entitlement.RoleTemplate, grants []entitlement.Grant) Result {
	result := Result{
		RoleTemplateID: tpl.ID,
		TenantID:       tpl.TenantID,
		RiskFactors:    []string{},
		ExcessApps:     []ExcessGrant{},
		MissingApps:    []string{},
	}
	if len(grants) > 0 {
		result.UserID = grants[0].UserID
		result.TenantID = grants[0].TenantID
	}

	expected := make(map[string]entitlement.ExpectedEntitlement, len(tpl.Entitlements))
	for _, e := range tpl.Entitlements {
		expected[e.AppID] = e
	}

	held := make(map[string]entitlement.AccessType, len(grants))
	score := 0
	excessWeight := 0

	for _, g := range grants {
		// Keep the highest level held per app for the coverage check
		if prev, ok := held[g.AppID]; !ok || accessRank(g.AccessType) > accessRank(prev) {
			held[g.AppID] = g.AccessType
		}

		exp, ok := expected[g.AppID]
		if !ok {
			w := g.AccessType.ExcessWeight()
			score += w
			excessWeight += w
			result.ExcessApps = append(result.ExcessApps, ExcessGrant{
				AppID:      g.AppID,
				AccessType: g.AccessType,
			})
			result.RiskFactors = append(result.RiskFactors,
				fmt.Sprintf("Unauthorized %s access to %s", g.AccessType, g.AppID))
			continue
		}

		if accessRank(g.AccessType) > accessRank(exp.AccessType) {
			// Covered but over-provisioned: flagged, not scored
			result.RiskFactors = append(result.RiskFactors,
				fmt.Sprintf("Elevated access to %s (%s held, %s expected)", g.AppID, g.AccessType, exp.AccessType))
		}
	}

	missingWeight := 0
	for _, e := range tpl.Entitlements {
		if !e.Required {
			continue
		}
		if _, ok := held[e.AppID]; !ok {
			score += 2
			missingWeight += 2
			result.MissingApps = append(result.MissingApps, e.AppID)
			result.RiskFactors = append(result.RiskFactors,
				fmt.Sprintf("Missing required access to %s", e.AppID))
		}
	}
	sort.Strings(result.MissingApps)

	result.RiskScore = risk.Clamp(score)
	result.RiskLevel = risk.LevelForScore(result.RiskScore)

	switch {
	case excessWeight == 0 && missingWeight == 0:
		result.RecommendedAction = ""
	case excessWeight >= missingWeight:
		result.RecommendedAction = ActionRevokeExcess
	default:
		result.RecommendedAction = ActionGrantOrReassign
	}

	return result
}
