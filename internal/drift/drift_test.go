package drift

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openacr/openacr/internal/entitlement"
	"github.com/openacr/openacr/internal/risk"
)

func template(entitlements ...entitlement.ExpectedEntitlement) entitlement.RoleTemplate {
	return entitlement.RoleTemplate{
		ID:           "tpl-sales",
		TenantID:     "tenant-1",
		Department:   "sales",
		RoleLevel:    "associate",
		Entitlements: entitlements,
	}
}

func grant(userID, appID string, access entitlement.AccessType) entitlement.Grant {
	return entitlement.Grant{TenantID: "tenant-1", UserID: userID, AppID: appID, AccessType: access}
}

func TestEvaluateNoDrift(t *testing.T) {
	tpl := template(
		entitlement.ExpectedEntitlement{AppID: "crm", AccessType: entitlement.AccessWrite, Required: true},
		entitlement.ExpectedEntitlement{AppID: "wiki", AccessType: entitlement.AccessRead, Required: false},
	)
	result := Evaluate(tpl, []entitlement.Grant{
		grant("u1", "crm", entitlement.AccessWrite),
	})

	assert.False(t, result.HasDrift())
	assert.Equal(t, 0, result.RiskScore)
	assert.Equal(t, risk.LevelLow, result.RiskLevel)
	assert.Empty(t, result.RecommendedAction)
}

func TestEvaluateAccessTypeMismatchBoundaryCase(t *testing.T) {
	// User holds CRM at admin where write is required, plus a foreign
	// Payroll admin grant. CRM is covered (present at any level), so only
	// Payroll counts: weight 3, score 3, low.
	tpl := template(
		entitlement.ExpectedEntitlement{AppID: "crm", AccessType: entitlement.AccessWrite, Required: true},
	)
	result := Evaluate(tpl, []entitlement.Grant{
		grant("u1", "crm", entitlement.AccessAdmin),
		grant("u1", "payroll", entitlement.AccessAdmin),
	})

	require.True(t, result.HasDrift())
	assert.Empty(t, result.MissingApps)
	require.Len(t, result.ExcessApps, 1)
	assert.Equal(t, "payroll", result.ExcessApps[0].AppID)
	assert.Equal(t, 3, result.RiskScore)
	assert.Equal(t, risk.LevelLow, result.RiskLevel)

	// The elevated CRM grant is surfaced without score weight
	assert.Contains(t, result.RiskFactors, "Elevated access to crm (admin held, write expected)")
	assert.Contains(t, result.RiskFactors, "Unauthorized admin access to payroll")
	assert.Equal(t, ActionRevokeExcess, result.RecommendedAction)
}

func TestEvaluateMissingRequired(t *testing.T) {
	tpl := template(
		entitlement.ExpectedEntitlement{AppID: "crm", AccessType: entitlement.AccessWrite, Required: true},
		entitlement.ExpectedEntitlement{AppID: "erp", AccessType: entitlement.AccessRead, Required: true},
		entitlement.ExpectedEntitlement{AppID: "wiki", AccessType: entitlement.AccessRead, Required: false},
	)
	result := Evaluate(tpl, nil)

	assert.Equal(t, []string{"crm", "erp"}, result.MissingApps)
	assert.Empty(t, result.ExcessApps)
	// Two missing required entitlements at weight 2 each; optional wiki ignored
	assert.Equal(t, 4, result.RiskScore)
	assert.Equal(t, ActionGrantOrReassign, result.RecommendedAction)
}

func TestEvaluateExcessWeights(t *testing.T) {
	tpl := template()
	result := Evaluate(tpl, []entitlement.Grant{
		grant("u1", "a", entitlement.AccessAdmin),
		grant("u1", "b", entitlement.AccessWrite),
		grant("u1", "c", entitlement.AccessRead),
	})

	assert.Equal(t, 6, result.RiskScore) // 3 + 2 + 1
	assert.Len(t, result.ExcessApps, 3)
}

func TestEvaluateScoreMonotonicInExcessAdmin(t *testing.T) {
	tpl := template(
		entitlement.ExpectedEntitlement{AppID: "crm", AccessType: entitlement.AccessWrite, Required: true},
	)

	var grants []entitlement.Grant
	prev := -1
	for i := 0; i < 40; i++ {
		grants = append(grants, grant("u1", appName(i), entitlement.AccessAdmin))
		result := Evaluate(tpl, grants)
		assert.GreaterOrEqual(t, result.RiskScore, prev,
			"score must be non-decreasing as admin excess grows")
		prev = result.RiskScore
	}
	// 40 excess admin grants exceed the scale and clamp at 100
	assert.Equal(t, 100, prev)
}

func TestEvaluateRiskLevelBands(t *testing.T) {
	tpl := template()

	tests := []struct {
		adminGrants int
		want        risk.Level
	}{
		{1, risk.LevelLow},       // 3
		{8, risk.LevelLow},       // 24
		{9, risk.LevelMedium},    // 27
		{17, risk.LevelHigh},     // 51
		{25, risk.LevelCritical}, // 75
	}

	for _, tt := range tests {
		var grants []entitlement.Grant
		for i := 0; i < tt.adminGrants; i++ {
			grants = append(grants, grant("u1", appName(i), entitlement.AccessAdmin))
		}
		result := Evaluate(tpl, grants)
		assert.Equal(t, tt.want, result.RiskLevel, "%d admin grants", tt.adminGrants)
	}
}

func TestEvaluateDuplicateLevelsSameApp(t *testing.T) {
	// Holding read and admin on the same expected app still covers the
	// requirement once; no phantom missing entry.
	tpl := template(
		entitlement.ExpectedEntitlement{AppID: "crm", AccessType: entitlement.AccessAdmin, Required: true},
	)
	result := Evaluate(tpl, []entitlement.Grant{
		grant("u1", "crm", entitlement.AccessRead),
		grant("u1", "crm", entitlement.AccessAdmin),
	})

	assert.False(t, result.HasDrift())
}

func appName(i int) string {
	return string(rune('a'+i%26)) + string(rune('0'+i/26))
}
