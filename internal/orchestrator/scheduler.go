package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/openacr/openacr/internal/campaign"
	"github.com/openacr/openacr/internal/common/config"
	apperrors "github.com/openacr/openacr/internal/common/errors"
	"github.com/openacr/openacr/internal/common/events"
	"github.com/openacr/openacr/internal/drift"
	"github.com/openacr/openacr/internal/metrics"
	"github.com/openacr/openacr/internal/overpriv"
	"github.com/openacr/openacr/internal/sod"
)

// Job names used in the run ledger and metrics
const (
	JobQuarterlyCampaigns = "quarterly_campaigns"
	JobDailyScan          = "daily_scan"
	JobOverprivScan       = "overpriv_scan"
	JobCampaignPass       = "campaign_pass"
)

// Scheduler wires the governance jobs onto cron timers. Overlapping
// ticks of the same timer are skipped, never queued, so a slow
// downstream store cannot stack scans of the same tenant and detector.
type Scheduler struct {
	cron      *cron.Cron
	runner    *Runner
	engine    *campaign.Engine
	campaigns *campaign.Store
	drift     *drift.Detector
	overpriv  *overpriv.Detector
	sod       *sod.Evaluator
	bus       events.Bus
	cfg       config.SchedulerConfig
	defaults  config.CampaignDefaults
	logger    *zap.Logger

	mu      sync.Mutex
	running map[string]bool
}

// NewScheduler creates the orchestrator
func NewScheduler(runner *Runner, engine *campaign.Engine, campaigns *campaign.Store,
	driftDetector *drift.Detector, overprivDetector *overpriv.Detector, sodEvaluator *sod.Evaluator,
	bus events.Bus, cfg config.SchedulerConfig, defaults config.CampaignDefaults, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "orchestrator"))

	cronLogger := cronZapLogger{logger: logger}
	return &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(cronLogger),
			cron.SkipIfStillRunning(cronLogger),
		)),
		runner:    runner,
		engine:    engine,
		campaigns: campaigns,
		drift:     driftDetector,
		overpriv:  overprivDetector,
		sod:       sodEvaluator,
		bus:       bus,
		cfg:       cfg,
		defaults:  defaults,
		logger:    logger,
		running:   map[string]bool{},
	}
}

// Start registers the four timers and starts the cron loop. ctx
// cancellation is honored by in-flight ticks; call Stop for shutdown.
func (s *Scheduler) Start(ctx context.Context) error {
	jobs := []struct {
		name string
		spec string
		run  func(context.Context)
	}{
		{JobQuarterlyCampaigns, s.cfg.QuarterlySpec, s.RunQuarterlyCampaigns},
		{JobDailyScan, s.cfg.DriftScanSpec, s.RunDailyScan},
		{JobOverprivScan, s.cfg.OverprivScanSpec, s.RunOverprivScan},
		{JobCampaignPass, s.cfg.CampaignPassSpec, s.RunCampaignPass},
	}

	for _, job := range jobs {
		job := job
		_, err := s.cron.AddFunc(job.spec, func() {
			s.tryRun(ctx, job.name, job.run)
		})
		if err != nil {
			return fmt.Errorf("failed to schedule %s (%q): %w", job.name, job.spec, err)
		}
	}

	s.cron.Start()
	s.logger.Info("Orchestrator started",
		zap.String("quarterly", s.cfg.QuarterlySpec),
		zap.String("daily_scan", s.cfg.DriftScanSpec),
		zap.String("overpriv_scan", s.cfg.OverprivScanSpec),
		zap.String("campaign_pass", s.cfg.CampaignPassSpec))
	return nil
}

// Stop halts the timers and waits for in-flight ticks to finish
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("Orchestrator stopped")
}

// tryRun guards a job against overlapping itself. The cron chain
// already skips overlapping ticks; this guard also covers manual
// triggers racing a scheduled tick, and counts every skip.
func (s *Scheduler) tryRun(ctx context.Context, job string, run func(context.Context)) {
	s.mu.Lock()
	if s.running[job] {
		s.mu.Unlock()
		metrics.TicksTotal.WithLabelValues(job, "skipped").Inc()
		s.logger.Warn("Tick skipped, previous run still in progress", zap.String("job", job))
		return
	}
	s.running[job] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running[job] = false
		s.mu.Unlock()
	}()

	run(ctx)
}

// RunQuarterlyCampaigns creates the scheduled quarterly campaign for
// every tenant that does not have one yet this quarter. The timer
// fires daily; the run ledger's quarter-period claim makes the extra
// ticks no-ops once a tenant's campaign exists, and gives a tenant
// whose creation failed a retry the next day.
func (s *Scheduler) RunQuarterlyCampaigns(ctx context.Context) {
	now := time.Now().UTC()
	period := QuarterPeriod(now)
	duration := s.defaults.QuarterlyDurationDays
	if duration <= 0 {
		duration = 30
	}

	s.runner.RunJob(ctx, JobQuarterlyCampaigns, period, func(ctx context.Context, tenantID string) (string, error) {
		created, err := s.engine.CreateCampaign(ctx, campaign.CreateParams{
			TenantID:             tenantID,
			Name:                 fmt.Sprintf("%s Access Review", strings.Replace(period, "-", " ", 1)),
			CampaignType:         campaign.TypeQuarterly,
			ScopeType:            campaign.ScopeAll,
			StartDate:            now,
			DueDate:              now.AddDate(0, 0, duration),
			AutoApproveOnTimeout: s.defaults.AutoApproveOnTimeout,
			CreatedBy:            campaign.SystemReviewer,
		})
		if err != nil {
			// An active quarterly campaign already covers the tenant.
			// Re-run item generation on it: a crash between row insert
			// and generation leaves an active zero-item campaign, and
			// generation is safe to repeat.
			if apperrors.IsErrorCode(err, apperrors.ErrDuplicateActiveCampaign) {
				existing, ferr := s.campaigns.FindActiveByType(ctx, tenantID, campaign.TypeQuarterly)
				if ferr != nil {
					return "", ferr
				}
				if existing == nil {
					return "", err
				}
				count, gerr := s.engine.GenerateReviewItems(ctx, existing.ID)
				if gerr != nil {
					return "", gerr
				}
				return fmt.Sprintf("campaign %s already active with %d items", existing.ID, count), nil
			}
			return "", err
		}
		return fmt.Sprintf("campaign %s with %d items", created.ID, created.TotalItems), nil
	})
}

// RunDailyScan runs the drift detector and the SoD evaluator for every
// tenant. The two touch disjoint record types, so a half-finished scan
// is safe to retry.
func (s *Scheduler) RunDailyScan(ctx context.Context) {
	period := DayPeriod(time.Now())

	report := s.runner.RunJob(ctx, JobDailyScan, period, func(ctx context.Context, tenantID string) (string, error) {
		driftSummary, err := s.drift.ScanTenant(ctx, tenantID)
		if err != nil {
			return "", fmt.Errorf("drift scan: %w", err)
		}
		sodSummary, err := s.sod.ScanTenant(ctx, tenantID)
		if err != nil {
			return "", fmt.Errorf("sod evaluation: %w", err)
		}
		return fmt.Sprintf("drift: %d created, %d updated; sod: %d created, %d updated",
			driftSummary.AlertsCreated, driftSummary.AlertsUpdated,
			sodSummary.ViolationsCreated, sodSummary.ViolationsUpdated), nil
	})

	s.publishCheckCompleted(ctx, report)
}

// RunOverprivScan runs the overprivileged account detector for every
// tenant.
func (s *Scheduler) RunOverprivScan(ctx context.Context) {
	period := WeekPeriod(time.Now())

	report := s.runner.RunJob(ctx, JobOverprivScan, period, func(ctx context.Context, tenantID string) (string, error) {
		summary, err := s.overpriv.ScanTenant(ctx, tenantID)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d created, %d updated", summary.RecordsCreated, summary.RecordsUpdated), nil
	})

	s.publishCheckCompleted(ctx, report)
}

// RunCampaignPass walks every active campaign: reminders at the 7/3/1
// days-remaining milestones, escalations at 3/7/14 days overdue, and
// the timeout auto-approval once a campaign that opted in is a week
// overdue.
func (s *Scheduler) RunCampaignPass(ctx context.Context) {
	now := time.Now().UTC()
	period := DayPeriod(now)

	s.runner.RunJob(ctx, JobCampaignPass, period, func(ctx context.Context, tenantID string) (string, error) {
		campaigns, err := s.campaigns.ActiveCampaigns(ctx, tenantID)
		if err != nil {
			return "", err
		}

		reminders, escalations, autoApproved := 0, 0, 0
		for _, c := range campaigns {
			remaining := DaysRemaining(now, c.DueDate)
			if ReminderDue(remaining) {
				sent, err := s.engine.SendReminders(ctx, c, remaining)
				if err != nil && !apperrors.IsErrorCode(err, apperrors.ErrNotificationDeliveryFailed) {
					return "", err
				}
				reminders += sent
			}

			overdue := DaysOverdue(now, c.DueDate)
			if overdue == 0 {
				continue
			}

			for _, milestone := range EscalationsDue(overdue) {
				sent, err := s.engine.EscalateOverdueReviews(ctx, c, milestone)
				if err != nil && !apperrors.IsErrorCode(err, apperrors.ErrNotificationDeliveryFailed) {
					return "", err
				}
				// Delivery failure is soft: the milestone stays
				// unclaimed and the next daily pass retries it.
				escalations += sent
			}

			approved := 0
			if AutoApproveDue(overdue) {
				approved, err = s.engine.AutoApprovePendingItems(ctx, c)
				if err != nil {
					return "", err
				}
				autoApproved += approved
			}

			if s.bus != nil {
				event := events.NewEvent(events.EventAccessReviewOverdue, "governance-engine", map[string]interface{}{
					"campaign_id":   c.ID,
					"days_overdue":  overdue,
					"auto_approved": approved > 0,
				}).WithTenant(tenantID)
				s.bus.PublishAsync(ctx, event)
			}
		}

		return fmt.Sprintf("%d campaigns, %d reminders, %d escalations, %d auto-approved",
			len(campaigns), reminders, escalations, autoApproved), nil
	})
}

// publishCheckCompleted announces a finished detector batch
func (s *Scheduler) publishCheckCompleted(ctx context.Context, report BatchReport) {
	if s.bus == nil {
		return
	}
	event := events.NewEvent(events.EventComplianceCheckCompleted, "governance-engine", map[string]interface{}{
		"job":       report.Job,
		"period":    report.PeriodKey,
		"succeeded": report.Succeeded,
		"failed":    report.Failed,
		"skipped":   report.Skipped,
	})
	s.bus.PublishAsync(ctx, event)
}

// cronZapLogger adapts zap to the cron logger contract
type cronZapLogger struct {
	logger *zap.Logger
}

func (c cronZapLogger) Info(msg string, keysAndValues ...interface{}) {
	c.logger.Sugar().Infow(msg, keysAndValues...)
}

func (c cronZapLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
