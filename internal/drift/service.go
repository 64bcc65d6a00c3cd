package drift

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/openacr/openacr/internal/common/events"
	"github.com/openacr/openacr/internal/entitlement"
	"github.com/openacr/openacr/internal/metrics"
)

// Summary reports the outcome of one per-tenant scan
type Summary struct {
	TenantID      string `json:"tenant_id"`
	UsersScanned  int    `json:"users_scanned"`
	AlertsCreated int    `json:"alerts_created"`
	AlertsUpdated int    `json:"alerts_updated"`
}

// Detector runs the privilege drift scan for a tenant and maintains
// the alert store.
type Detector struct {
	alerts    *Store
	source    entitlement.Source
	policies  entitlement.PolicyStore
	directory entitlement.Directory
	bus       events.Bus
	logger    *zap.Logger
}

// NewDetector creates a drift detector
func NewDetector(alerts *Store, source entitlement.Source, policies entitlement.PolicyStore, directory entitlement.Directory, bus events.Bus, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{
		alerts:    alerts,
		source:    source,
		policies:  policies,
		directory: directory,
		bus:       bus,
		logger:    logger.With(zap.String("component", "drift_detector")),
	}
}

// ScanTenant evaluates every user of a tenant against their role
// template. Users with drift get an open alert created, or their
// existing open alert's evidence refreshed. Alert status is never
// changed here; resolution is an explicit operator action.
func (d *Detector) ScanTenant(ctx context.Context, tenantID string) (Summary, error) {
	start := time.Now()
	summary := Summary{TenantID: tenantID}

	templates, err := d.policies.TemplatesForTenant(ctx, tenantID)
	if err != nil {
		metrics.ScansTotal.WithLabelValues("drift", "error").Inc()
		return summary, fmt.Errorf("failed to load role templates: %w", err)
	}

	users, err := d.directory.UsersForTenant(ctx, tenantID)
	if err != nil {
		metrics.ScansTotal.WithLabelValues("drift", "error").Inc()
		return summary, fmt.Errorf("failed to load users: %w", err)
	}

	grants, err := d.source.GrantsForTenant(ctx, tenantID)
	if err != nil {
		metrics.ScansTotal.WithLabelValues("drift", "error").Inc()
		return summary, fmt.Errorf("failed to load grants: %w", err)
	}

	grantsByUser := make(map[string][]entitlement.Grant)
	for _, g := range grants {
		grantsByUser[g.UserID] = append(grantsByUser[g.UserID], g)
	}

	for _, user := range users {
		tpl, ok := templates[user.RoleTemplateID]
		if !ok {
			// No expected set to compare against; skip rather than
			// flagging every grant as excess.
			d.logger.Warn("User has unknown role template, skipping",
				zap.String("tenant_id", tenantID),
				zap.String("user_id", user.ID),
				zap.String("role_template_id", user.RoleTemplateID))
			continue
		}

		summary.UsersScanned++
		result := Evaluate(tpl, grantsByUser[user.ID])
		result.TenantID = tenantID
		result.UserID = user.ID
		if !result.HasDrift() {
			continue
		}

		created, err := d.record(ctx, result)
		if err != nil {
			metrics.ScansTotal.WithLabelValues("drift", "error").Inc()
			return summary, err
		}
		if created {
			summary.AlertsCreated++
		} else {
			summary.AlertsUpdated++
		}
	}

	metrics.ScansTotal.WithLabelValues("drift", "success").Inc()
	metrics.ScanDuration.WithLabelValues("drift").Observe(time.Since(start).Seconds())

	d.logger.Info("Drift scan completed",
		zap.String("tenant_id", tenantID),
		zap.Int("users_scanned", summary.UsersScanned),
		zap.Int("alerts_created", summary.AlertsCreated),
		zap.Int("alerts_updated", summary.AlertsUpdated))

	return summary, nil
}

// record upserts one drift finding, returning true when a new alert
// was created.
func (d *Detector) record(ctx context.Context, result Result) (bool, error) {
	existing, err := d.alerts.FindOpen(ctx, result.TenantID, result.UserID, result.RoleTemplateID)
	if err != nil {
		return false, fmt.Errorf("failed to look up open drift alert: %w", err)
	}

	if existing != nil {
		if err := d.alerts.UpdateEvidence(ctx, existing.ID, result); err != nil {
			return false, err
		}
		metrics.FindingsTotal.WithLabelValues("drift", "updated").Inc()
		return false, nil
	}

	alert, err := d.alerts.Create(ctx, result)
	if err != nil {
		return false, err
	}
	metrics.FindingsTotal.WithLabelValues("drift", "created").Inc()

	if d.bus != nil {
		event := events.NewEvent(events.EventDriftAlertCreated, "governance-engine", map[string]interface{}{
			"alert_id":   alert.ID,
			"user_id":    alert.UserID,
			"risk_score": alert.RiskScore,
			"risk_level": string(alert.RiskLevel),
		}).WithTenant(alert.TenantID)
		d.bus.PublishAsync(ctx, event)
	}

	return true, nil
}
