package sod

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openacr/openacr/internal/entitlement"
	"github.com/openacr/openacr/internal/risk"
)

func paymentRule() Rule {
	return Rule{
		ID:       "rule-1",
		TenantID: "t1",
		Name:     "Create and approve payments",
		ConflictSet: []ConflictEntry{
			{AppID: "payments", AccessType: entitlement.AccessWrite},
			{AppID: "approvals", AccessType: entitlement.AccessWrite},
		},
		Severity: risk.LevelHigh,
		IsActive: true,
		Version:  1,
	}
}

func TestEvaluateBothSidesHeld(t *testing.T) {
	grants := []entitlement.Grant{
		{UserID: "u1", AppID: "payments", AccessType: entitlement.AccessWrite},
		{UserID: "u1", AppID: "approvals", AccessType: entitlement.AccessWrite},
		{UserID: "u1", AppID: "wiki", AccessType: entitlement.AccessRead},
	}

	match, ok := Evaluate(paymentRule(), grants)
	require.True(t, ok)
	require.Len(t, match.MatchedGrants, 2)
	assert.Equal(t, "payments", match.MatchedGrants[0].AppID)
	assert.Equal(t, "approvals", match.MatchedGrants[1].AppID)
}

func TestEvaluateOneSideOnly(t *testing.T) {
	grants := []entitlement.Grant{
		{UserID: "u1", AppID: "payments", AccessType: entitlement.AccessWrite},
	}
	_, ok := Evaluate(paymentRule(), grants)
	assert.False(t, ok)
}

func TestEvaluateAccessTypeMustMatch(t *testing.T) {
	grants := []entitlement.Grant{
		{UserID: "u1", AppID: "payments", AccessType: entitlement.AccessRead},
		{UserID: "u1", AppID: "approvals", AccessType: entitlement.AccessWrite},
	}
	_, ok := Evaluate(paymentRule(), grants)
	assert.False(t, ok)
}

func TestEvaluateEmptyAccessTypeMatchesAnyLevel(t *testing.T) {
	rule := paymentRule()
	rule.ConflictSet = []ConflictEntry{
		{AppID: "payments"},
		{AppID: "approvals"},
	}
	grants := []entitlement.Grant{
		{UserID: "u1", AppID: "payments", AccessType: entitlement.AccessRead},
		{UserID: "u1", AppID: "approvals", AccessType: entitlement.AccessAdmin},
	}
	_, ok := Evaluate(rule, grants)
	assert.True(t, ok)
}

func TestEvaluateInactiveRuleNeverMatches(t *testing.T) {
	rule := paymentRule()
	rule.IsActive = false
	grants := []entitlement.Grant{
		{UserID: "u1", AppID: "payments", AccessType: entitlement.AccessWrite},
		{UserID: "u1", AppID: "approvals", AccessType: entitlement.AccessWrite},
	}
	_, ok := Evaluate(rule, grants)
	assert.False(t, ok)
}

func TestEvaluateDegenerateRuleNeverMatches(t *testing.T) {
	rule := paymentRule()
	rule.ConflictSet = rule.ConflictSet[:1]
	grants := []entitlement.Grant{
		{UserID: "u1", AppID: "payments", AccessType: entitlement.AccessWrite},
	}
	_, ok := Evaluate(rule, grants)
	assert.False(t, ok)
}

func TestEvaluateThreeWayConflictSet(t *testing.T) {
	rule := paymentRule()
	rule.ConflictSet = []ConflictEntry{
		{AppID: "payments", AccessType: entitlement.AccessWrite},
		{AppID: "approvals", AccessType: entitlement.AccessWrite},
		{AppID: "ledger", AccessType: entitlement.AccessAdmin},
	}

	grants := []entitlement.Grant{
		{UserID: "u1", AppID: "payments", AccessType: entitlement.AccessWrite},
		{UserID: "u1", AppID: "approvals", AccessType: entitlement.AccessWrite},
	}
	_, ok := Evaluate(rule, grants)
	assert.False(t, ok)

	grants = append(grants, entitlement.Grant{UserID: "u1", AppID: "ledger", AccessType: entitlement.AccessAdmin})
	match, ok := Evaluate(rule, grants)
	require.True(t, ok)
	assert.Len(t, match.MatchedGrants, 3)
}

func TestEvidenceHashStableUnderGrantOrder(t *testing.T) {
	rule := paymentRule()
	a := Match{Rule: rule, MatchedGrants: []entitlement.Grant{
		{AppID: "payments", AccessType: entitlement.AccessWrite},
		{AppID: "approvals", AccessType: entitlement.AccessWrite},
	}}
	b := Match{Rule: rule, MatchedGrants: []entitlement.Grant{
		{AppID: "approvals", AccessType: entitlement.AccessWrite},
		{AppID: "payments", AccessType: entitlement.AccessWrite},
	}}
	assert.Equal(t, a.EvidenceHash(), b.EvidenceHash())
}

func TestEvidenceHashChangesWithRuleVersion(t *testing.T) {
	grants := []entitlement.Grant{
		{AppID: "payments", AccessType: entitlement.AccessWrite},
		{AppID: "approvals", AccessType: entitlement.AccessWrite},
	}
	v1 := Match{Rule: paymentRule(), MatchedGrants: grants}

	bumped := paymentRule()
	bumped.Version = 2
	v2 := Match{Rule: bumped, MatchedGrants: grants}

	assert.NotEqual(t, v1.EvidenceHash(), v2.EvidenceHash())
}

func TestEvidenceHashChangesWithGrants(t *testing.T) {
	rule := paymentRule()
	a := Match{Rule: rule, MatchedGrants: []entitlement.Grant{
		{AppID: "payments", AccessType: entitlement.AccessWrite},
	}}
	b := Match{Rule: rule, MatchedGrants: []entitlement.Grant{
		{AppID: "payments", AccessType: entitlement.AccessAdmin},
	}}
	assert.NotEqual(t, a.EvidenceHash(), b.EvidenceHash())
}
