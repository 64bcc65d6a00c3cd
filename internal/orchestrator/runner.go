// Package orchestrator owns the four governance timers: quarterly
// campaign creation, the daily detector scan, the weekly
// overprivileged scan and the daily reminder/escalation pass. Tenants
// are processed sequentially within a tick, and one tenant's failure
// never aborts the batch.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openacr/openacr/internal/common/database"
	"github.com/openacr/openacr/internal/entitlement"
	"github.com/openacr/openacr/internal/metrics"
)

// TenantResult is the typed outcome of one tenant's unit of work
// within a tick.
type TenantResult struct {
	TenantID string `json:"tenant_id"`
	Skipped  bool   `json:"skipped,omitempty"`
	Detail   string `json:"detail,omitempty"`
	Error    string `json:"error,omitempty"`
}

// BatchReport aggregates a tick's per-tenant results for operators
type BatchReport struct {
	Job        string         `json:"job"`
	PeriodKey  string         `json:"period_key"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Succeeded  int            `json:"succeeded"`
	Failed     int            `json:"failed"`
	Skipped    int            `json:"skipped"`
	Error      string         `json:"error,omitempty"`
	Tenants    []TenantResult `json:"tenants"`
}

// Ledger persists which (job, tenant, period) combinations already
// ran, replacing wall-clock "did this run yet" arithmetic with an
// idempotent claim.
type Ledger struct {
	db     *database.PostgresDB
	logger *zap.Logger
}

// NewLedger creates a scheduler run ledger
func NewLedger(db *database.PostgresDB, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		db:     db,
		logger: logger.With(zap.String("component", "scheduler_ledger")),
	}
}

// InitSchema initializes the run ledger schema
func (l *Ledger) InitSchema(ctx context.Context) error {
	_, err := l.db.Pool.Exec(ctx,
		`CREATE TABLE IF NOT EXISTS scheduler_runs (
			job VARCHAR(50) NOT NULL,
			tenant_id VARCHAR(255) NOT NULL,
			period VARCHAR(20) NOT NULL,
			ran_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (job, tenant_id, period)
		)`)
	if err != nil {
		return fmt.Errorf("failed to create scheduler_runs: %w", err)
	}
	return nil
}

// Claim marks a (job, tenant, period) as ran. Returns false when the
// period was already claimed, meaning the work is done and the tick
// should skip the tenant.
func (l *Ledger) Claim(ctx context.Context, job, tenantID, period string) (bool, error) {
	tag, err := l.db.Pool.Exec(ctx,
		`INSERT INTO scheduler_runs (job, tenant_id, period, ran_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (job, tenant_id, period) DO NOTHING`,
		job, tenantID, period, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to claim scheduler run: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Release gives a claim back after a failed run so the next tick of
// the same period retries the tenant.
func (l *Ledger) Release(ctx context.Context, job, tenantID, period string) error {
	_, err := l.db.Pool.Exec(ctx,
		`DELETE FROM scheduler_runs WHERE job = $1 AND tenant_id = $2 AND period = $3`,
		job, tenantID, period)
	if err != nil {
		return fmt.Errorf("failed to release scheduler run: %w", err)
	}
	return nil
}

// reportHistory bounds the in-memory run history
const reportHistory = 50

// RunLedger is the claim/release contract the runner needs
type RunLedger interface {
	Claim(ctx context.Context, job, tenantID, period string) (bool, error)
	Release(ctx context.Context, job, tenantID, period string) error
}

// TenantWork is one tenant's unit of work within a tick. The returned
// detail string lands in the batch report.
type TenantWork func(ctx context.Context, tenantID string) (string, error)

// Runner iterates tenants sequentially for a job, isolating per-tenant
// failures and aggregating a BatchReport.
type Runner struct {
	directory entitlement.Directory
	ledger    RunLedger
	logger    *zap.Logger

	mu      sync.Mutex
	reports []BatchReport
}

// NewRunner creates a tenant batch runner
func NewRunner(directory entitlement.Directory, ledger RunLedger, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		directory: directory,
		ledger:    ledger,
		logger:    logger.With(zap.String("component", "orchestrator_runner")),
	}
}

// RunJob executes one tick of a job across all tenants. Each tenant is
// claimed in the run ledger first; an already-claimed period is
// skipped, and a failed tenant releases its claim for the next tick.
func (r *Runner) RunJob(ctx context.Context, job, period string, work TenantWork) BatchReport {
	report := BatchReport{
		Job:       job,
		PeriodKey: period,
		StartedAt: time.Now().UTC(),
	}

	tenants, err := r.directory.Tenants(ctx)
	if err != nil {
		report.Error = err.Error()
		report.FinishedAt = time.Now().UTC()
		metrics.TicksTotal.WithLabelValues(job, "error").Inc()
		r.logger.Error("Tick aborted, tenant listing failed",
			zap.String("job", job),
			zap.String("period", period),
			zap.Error(err))
		r.keep(report)
		return report
	}

	for _, tenantID := range tenants {
		result := r.runTenant(ctx, job, period, tenantID, work)
		report.Tenants = append(report.Tenants, result)
		switch {
		case result.Skipped:
			report.Skipped++
		case result.Error != "":
			report.Failed++
		default:
			report.Succeeded++
		}
	}

	report.FinishedAt = time.Now().UTC()
	outcome := "success"
	if report.Failed > 0 {
		outcome = "partial"
	}
	metrics.TicksTotal.WithLabelValues(job, outcome).Inc()

	r.logger.Info("Tick completed",
		zap.String("job", job),
		zap.String("period", period),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", report.Skipped))

	r.keep(report)
	return report
}

func (r *Runner) runTenant(ctx context.Context, job, period, tenantID string, work TenantWork) TenantResult {
	claimed, err := r.ledger.Claim(ctx, job, tenantID, period)
	if err != nil {
		metrics.TenantFailuresTotal.WithLabelValues(job).Inc()
		return TenantResult{TenantID: tenantID, Error: err.Error()}
	}
	if !claimed {
		return TenantResult{TenantID: tenantID, Skipped: true, Detail: "period already ran"}
	}

	detail, err := work(ctx, tenantID)
	if err != nil {
		metrics.TenantFailuresTotal.WithLabelValues(job).Inc()
		r.logger.Error("Tenant processing failed",
			zap.String("job", job),
			zap.String("period", period),
			zap.String("tenant_id", tenantID),
			zap.Error(err))
		if rerr := r.ledger.Release(ctx, job, tenantID, period); rerr != nil {
			r.logger.Error("Failed to release run claim",
				zap.String("job", job),
				zap.String("tenant_id", tenantID),
				zap.Error(rerr))
		}
		return TenantResult{TenantID: tenantID, Error: err.Error()}
	}

	return TenantResult{TenantID: tenantID, Detail: detail}
}

func (r *Runner) keep(report BatchReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report)
	if len(r.reports) > reportHistory {
		r.reports = r.reports[len(r.reports)-reportHistory:]
	}
}

// Reports returns the retained run history, most recent last
func (r *Runner) Reports() []BatchReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]BatchReport, len(r.reports))
	copy(out, r.reports)
	return out
}
