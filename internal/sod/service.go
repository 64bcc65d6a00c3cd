package sod

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/openacr/openacr/internal/common/events"
	"github.com/openacr/openacr/internal/entitlement"
	"github.com/openacr/openacr/internal/metrics"
)

// Summary reports the outcome of one per-tenant evaluation
type Summary struct {
	TenantID          string `json:"tenant_id"`
	RulesEvaluated    int    `json:"rules_evaluated"`
	UsersScanned      int    `json:"users_scanned"`
	ViolationsCreated int    `json:"violations_created"`
	ViolationsUpdated int    `json:"violations_updated"`
	Suppressed        int    `json:"suppressed"`
}

// Evaluator runs the SoD conflict evaluation for a tenant
type Evaluator struct {
	store     *Store
	source    entitlement.Source
	directory entitlement.Directory
	bus       events.Bus
	logger    *zap.Logger
}

// NewEvaluator creates a SoD evaluator
func NewEvaluator(store *Store, source entitlement.Source, directory entitlement.Directory, bus events.Bus, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{
		store:     store,
		source:    source,
		directory: directory,
		bus:       bus,
		logger:    logger.With(zap.String("component", "sod_evaluator")),
	}
}

// ScanTenant checks every active rule against every user's grant set.
// Matched users get an open violation created or refreshed. A match
// whose evidence was previously accepted is suppressed until the rule
// or the matched grants change.
func (e *Evaluator) ScanTenant(ctx context.Context, tenantID string) (Summary, error) {
	start := time.Now()
	summary := Summary{TenantID: tenantID}

	rules, err := e.store.ActiveRules(ctx, tenantID)
	if err != nil {
		metrics.ScansTotal.WithLabelValues("sod", "error").Inc()
		return summary, err
	}
	summary.RulesEvaluated = len(rules)
	if len(rules) == 0 {
		metrics.ScansTotal.WithLabelValues("sod", "success").Inc()
		return summary, nil
	}

	users, err := e.directory.UsersForTenant(ctx, tenantID)
	if err != nil {
		metrics.ScansTotal.WithLabelValues("sod", "error").Inc()
		return summary, fmt.Errorf("failed to load users: %w", err)
	}

	grants, err := e.source.GrantsForTenant(ctx, tenantID)
	if err != nil {
		metrics.ScansTotal.WithLabelValues("sod", "error").Inc()
		return summary, fmt.Errorf("failed to load grants: %w", err)
	}

	grantsByUser := make(map[string][]entitlement.Grant)
	for _, g := range grants {
		grantsByUser[g.UserID] = append(grantsByUser[g.UserID], g)
	}

	for _, user := range users {
		summary.UsersScanned++
		for _, rule := range rules {
			match, ok := Evaluate(rule, grantsByUser[user.ID])
			if !ok {
				continue
			}
			if err := e.record(ctx, tenantID, user.ID, match, &summary); err != nil {
				metrics.ScansTotal.WithLabelValues("sod", "error").Inc()
				return summary, err
			}
		}
	}

	metrics.ScansTotal.WithLabelValues("sod", "success").Inc()
	metrics.ScanDuration.WithLabelValues("sod").Observe(time.Since(start).Seconds())

	e.logger.Info("SoD evaluation completed",
		zap.String("tenant_id", tenantID),
		zap.Int("rules_evaluated", summary.RulesEvaluated),
		zap.Int("users_scanned", summary.UsersScanned),
		zap.Int("violations_created", summary.ViolationsCreated),
		zap.Int("violations_updated", summary.ViolationsUpdated),
		zap.Int("suppressed", summary.Suppressed))

	return summary, nil
}

func (e *Evaluator) record(ctx context.Context, tenantID, userID string, match Match, summary *Summary) error {
	existing, err := e.store.FindOpen(ctx, tenantID, userID, match.Rule.ID)
	if err != nil {
		return err
	}

	if existing != nil {
		if err := e.store.UpdateEvidence(ctx, existing.ID, match); err != nil {
			return err
		}
		metrics.FindingsTotal.WithLabelValues("sod", "updated").Inc()
		summary.ViolationsUpdated++
		return nil
	}

	accepted, err := e.store.HasAcceptedEvidence(ctx, tenantID, userID, match.Rule.ID, match.EvidenceHash())
	if err != nil {
		return err
	}
	if accepted {
		summary.Suppressed++
		return nil
	}

	violation, err := e.store.CreateViolation(ctx, tenantID, userID, match)
	if err != nil {
		return err
	}
	metrics.FindingsTotal.WithLabelValues("sod", "created").Inc()
	summary.ViolationsCreated++

	if e.bus != nil {
		event := events.NewEvent(events.EventSoDViolationCreated, "governance-engine", map[string]interface{}{
			"violation_id": violation.ID,
			"user_id":      violation.UserID,
			"rule_id":      violation.RuleID,
			"severity":     string(violation.Severity),
		}).WithTenant(tenantID)
		e.bus.PublishAsync(ctx, event)
	}

	return nil
}
