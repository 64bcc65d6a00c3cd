package overpriv

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/openacr/openacr/internal/entitlement"
	"github.com/openacr/openacr/internal/metrics"
)

// Summary reports the outcome of one per-tenant scan
type Summary struct {
	TenantID       string `json:"tenant_id"`
	UsersScanned   int    `json:"users_scanned"`
	RecordsCreated int    `json:"records_created"`
	RecordsUpdated int    `json:"records_updated"`
}

// Detector runs the overprivileged account scan for a tenant
type Detector struct {
	records   *Store
	source    entitlement.Source
	directory entitlement.Directory
	threshold int
	logger    *zap.Logger
}

// NewDetector creates an overprivilege detector. threshold is the
// minimum number of distinct admin apps before a user is flagged.
func NewDetector(records *Store, source entitlement.Source, directory entitlement.Directory, threshold int, logger *zap.Logger) *Detector {
	if threshold <= 0 {
		threshold = DefaultAdminThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{
		records:   records,
		source:    source,
		directory: directory,
		threshold: threshold,
		logger:    logger.With(zap.String("component", "overpriv_detector")),
	}
}

// ScanTenant assesses every user of a tenant. Flagged users get an
// open record created, or an existing open record's evidence refreshed.
func (d *Detector) ScanTenant(ctx context.Context, tenantID string) (Summary, error) {
	start := time.Now()
	summary := Summary{TenantID: tenantID}

	users, err := d.directory.UsersForTenant(ctx, tenantID)
	if err != nil {
		metrics.ScansTotal.WithLabelValues("overpriv", "error").Inc()
		return summary, fmt.Errorf("failed to load users: %w", err)
	}

	grants, err := d.source.GrantsForTenant(ctx, tenantID)
	if err != nil {
		metrics.ScansTotal.WithLabelValues("overpriv", "error").Inc()
		return summary, fmt.Errorf("failed to load grants: %w", err)
	}

	grantsByUser := make(map[string][]entitlement.Grant)
	for _, g := range grants {
		grantsByUser[g.UserID] = append(grantsByUser[g.UserID], g)
	}

	for _, user := range users {
		summary.UsersScanned++

		assessment := Assess(grantsByUser[user.ID], d.threshold)
		if !assessment.Flagged() {
			continue
		}
		assessment.TenantID = tenantID
		assessment.UserID = user.ID

		existing, err := d.records.FindOpen(ctx, tenantID, user.ID)
		if err != nil {
			metrics.ScansTotal.WithLabelValues("overpriv", "error").Inc()
			return summary, fmt.Errorf("failed to look up open overprivilege record: %w", err)
		}

		if existing != nil {
			if err := d.records.UpdateEvidence(ctx, existing.ID, assessment); err != nil {
				metrics.ScansTotal.WithLabelValues("overpriv", "error").Inc()
				return summary, err
			}
			metrics.FindingsTotal.WithLabelValues("overpriv", "updated").Inc()
			summary.RecordsUpdated++
			continue
		}

		if _, err := d.records.Create(ctx, assessment); err != nil {
			metrics.ScansTotal.WithLabelValues("overpriv", "error").Inc()
			return summary, err
		}
		metrics.FindingsTotal.WithLabelValues("overpriv", "created").Inc()
		summary.RecordsCreated++
	}

	metrics.ScansTotal.WithLabelValues("overpriv", "success").Inc()
	metrics.ScanDuration.WithLabelValues("overpriv").Observe(time.Since(start).Seconds())

	d.logger.Info("Overprivilege scan completed",
		zap.String("tenant_id", tenantID),
		zap.Int("users_scanned", summary.UsersScanned),
		zap.Int("records_created", summary.RecordsCreated),
		zap.Int("records_updated", summary.RecordsUpdated))

	return summary, nil
}
