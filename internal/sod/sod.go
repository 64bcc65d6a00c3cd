// Package sod implements the segregation-of-duties evaluator: a
// configured conflict matrix is checked against each user's grant set,
// and users holding every entitlement in a rule's conflict set get a
// violation.
package sod

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/openacr/openacr/internal/entitlement"
	"github.com/openacr/openacr/internal/risk"
)

// Violation statuses
const (
	StatusOpen       = "open"
	StatusRemediated = "remediated"
	StatusAccepted   = "accepted"
)

// ConflictEntry is one side of a conflict set. An empty AccessType
// matches any access level on the app.
type ConflictEntry struct {
	AppID      string                 `json:"app_id"`
	AccessType entitlement.AccessType `json:"access_type,omitempty"`
}

// Rule is an administrator-owned conflict definition. A user violates
// the rule by holding every entry of the conflict set simultaneously.
type Rule struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenant_id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	ConflictSet []ConflictEntry `json:"conflict_set"`
	Severity    risk.Level      `json:"severity"`
	IsActive    bool            `json:"is_active"`
	Version     int             `json:"version"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Violation is a persisted SoD finding. At most one open violation
// exists per (tenant, user, rule).
type Violation struct {
	ID             string              `json:"id"`
	TenantID       string              `json:"tenant_id"`
	UserID         string              `json:"user_id"`
	RuleID         string              `json:"rule_id"`
	RuleName       string              `json:"rule_name"`
	Severity       risk.Level          `json:"severity"`
	MatchedGrants  []entitlement.Grant `json:"matched_grants"`
	EvidenceHash   string              `json:"evidence_hash"`
	Status         string              `json:"status"`
	ResolutionNote string              `json:"resolution_note,omitempty"`
	ResolvedBy     string              `json:"resolved_by,omitempty"`
	ResolvedAt     *time.Time          `json:"resolved_at,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	LastChecked    time.Time           `json:"last_checked"`
}

// Match is the outcome of evaluating one rule against one user
type Match struct {
	Rule          Rule
	MatchedGrants []entitlement.Grant
}

// EvidenceHash fingerprints a match. An accepted violation with the
// same hash suppresses re-creation; the hash changes when the rule
// version or the matched grant set changes.
func (m Match) EvidenceHash() string {
	keys := make([]string, 0, len(m.MatchedGrants))
	for _, g := range m.MatchedGrants {
		keys = append(keys, fmt.Sprintf("%s/%s", g.AppID, g.AccessType))
	}
	sort.Strings(keys)

	h := sha256.New()
	fmt.Fprintf(h, "%s:%d", m.Rule.ID, m.Rule.Version)
	for _, k := range keys {
		fmt.Fprintf(h, "|%s", k)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Evaluate checks one user's grants against a rule. It returns a match
// only if the user holds every entry of the conflict set; the match
// carries one grant per conflict entry as evidence. Inactive rules and
// rules with fewer than two entries never match.
func Evaluate(rule Rule, grants []entitlement.Grant) (Match, bool) {
	if !rule.IsActive || len(rule.ConflictSet) < 2 {
		return Match{}, false
	}

	matched := make([]entitlement.Grant, 0, len(rule.ConflictSet))
	for _, entry := range rule.ConflictSet {
		grant, ok := findGrant(grants, entry)
		if !ok {
			return Match{}, false
		}
		matched = append(matched, grant)
	}
	return Match{Rule: rule, MatchedGrants: matched}, true
}

func findGrant(grants []entitlement.Grant, entry ConflictEntry) (entitlement.Grant, bool) {
	for _, g := range grants {
		if g.AppID != entry.AppID {
			continue
		}
		if entry.AccessType == "" || g.AccessType == entry.AccessType {
			return g, true
		}
	}
	return entitlement.Grant{}, false
}
