package campaign

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	apperrors "github.com/openacr/openacr/internal/common/errors"
	"github.com/openacr/openacr/internal/entitlement"
	"github.com/openacr/openacr/internal/metrics"
)

// reminderDedupeTTL keeps the same-calendar-day reminder key alive
// long enough to cover the day plus clock skew.
const reminderDedupeTTL = 48 * time.Hour

// enforcementPendingWarning is surfaced on items whose revocation was
// recorded but whose downstream removal call failed.
const enforcementPendingWarning = "decision recorded, enforcement pending"

// CreateParams configures a new campaign
type CreateParams struct {
	TenantID             string
	Name                 string
	CampaignType         string
	ScopeType            string
	ScopeValue           string
	StartDate            time.Time
	DueDate              time.Time
	AutoApproveOnTimeout bool
	CreatedBy            string
}

// Engine drives the campaign lifecycle
type Engine struct {
	store      *Store
	source     entitlement.Source
	directory  entitlement.Directory
	accessLink entitlement.AccessLink
	notifier   entitlement.NotificationGateway
	redis      *redis.Client
	logger     *zap.Logger
}

// NewEngine creates a campaign engine
func NewEngine(store *Store, source entitlement.Source, directory entitlement.Directory,
	accessLink entitlement.AccessLink, notifier entitlement.NotificationGateway,
	redisClient *redis.Client, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:      store,
		source:     source,
		directory:  directory,
		accessLink: accessLink,
		notifier:   notifier,
		redis:      redisClient,
		logger:     logger.With(zap.String("component", "campaign_engine")),
	}
}

// CreateCampaign creates a campaign and materializes its review items.
// At most one active campaign of a type may exist per tenant; the
// scheduled quarterly trigger relies on this guard for idempotency.
func (e *Engine) CreateCampaign(ctx context.Context, params CreateParams) (*Campaign, error) {
	if !ValidType(params.CampaignType) {
		return nil, apperrors.ValidationError("campaign_type must be quarterly or ad-hoc")
	}
	if !ValidScope(params.ScopeType) {
		return nil, apperrors.ValidationError("scope_type must be all, department or risk-tier")
	}
	if params.ScopeType != ScopeAll && params.ScopeValue == "" {
		return nil, apperrors.ValidationError("scope_value is required for department and risk-tier scopes")
	}
	if !params.DueDate.After(params.StartDate) {
		return nil, apperrors.ValidationError("due_date must be after start_date")
	}

	created, err := e.store.Create(ctx, Campaign{
		TenantID:             params.TenantID,
		Name:                 params.Name,
		CampaignType:         params.CampaignType,
		ScopeType:            params.ScopeType,
		ScopeValue:           params.ScopeValue,
		StartDate:            params.StartDate,
		DueDate:              params.DueDate,
		AutoApproveOnTimeout: params.AutoApproveOnTimeout,
		CreatedBy:            params.CreatedBy,
	})
	if err != nil {
		return nil, err
	}

	count, err := e.GenerateReviewItems(ctx, created.ID)
	if err != nil {
		// Free the one-active-per-type slot; an active zero-item
		// campaign can never complete and would block future
		// campaigns of this type.
		if cerr := e.store.Cancel(ctx, created.ID); cerr != nil {
			e.logger.Error("Failed to cancel campaign after generation failure",
				zap.String("campaign_id", created.ID), zap.Error(cerr))
		}
		return nil, err
	}
	created.TotalItems = count
	return created, nil
}

// GenerateReviewItems enumerates every in-scope grant and materializes
// one pending item per grant. Safe to re-run: existing items are
// skipped, so a crash mid-generation does not duplicate on retry.
func (e *Engine) GenerateReviewItems(ctx context.Context, campaignID string) (int, error) {
	c, err := e.store.Get(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	if c.Status != StatusActive {
		return 0, apperrors.ValidationError("review items can only be generated for an active campaign")
	}

	users, err := e.directory.UsersForTenant(ctx, c.TenantID)
	if err != nil {
		return 0, fmt.Errorf("failed to load users: %w", err)
	}
	scoped := ResolveScope(c.ScopeType, c.ScopeValue, users)

	grants, err := e.source.GrantsForTenant(ctx, c.TenantID)
	if err != nil {
		return 0, fmt.Errorf("failed to load grants: %w", err)
	}
	inScope := make(map[string]bool, len(scoped))
	for _, u := range scoped {
		inScope[u.ID] = true
	}

	items := make([]Item, 0, len(grants))
	for _, g := range grants {
		if !inScope[g.UserID] {
			continue
		}
		items = append(items, Item{
			CampaignID: campaignID,
			TenantID:   c.TenantID,
			UserID:     g.UserID,
			AppID:      g.AppID,
			AccessType: g.AccessType,
		})
	}

	inserted, err := e.store.InsertItems(ctx, items)
	if err != nil {
		return 0, err
	}
	if err := e.store.RefreshProgress(ctx, campaignID); err != nil {
		return 0, err
	}

	e.logger.Info("Review items generated",
		zap.String("campaign_id", campaignID),
		zap.Int("in_scope_grants", len(items)),
		zap.Int("new_items", inserted))

	return len(items), nil
}

// RecordDecision applies a reviewer's decision to an item. Revoked
// decisions additionally request removal downstream; a failure there
// is a soft warning on the item, never a rollback.
func (e *Engine) RecordDecision(ctx context.Context, itemID, decision, reviewerID string) (*Item, error) {
	item, err := e.store.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}

	c, err := e.store.Get(ctx, item.CampaignID)
	if err != nil {
		return nil, err
	}
	if c.Status != StatusActive {
		return nil, apperrors.ValidationError("decisions are only legal while the campaign is active")
	}
	if !DecisionAllowed(item.Decision, decision) {
		if Decided(item.Decision) {
			return nil, apperrors.ConcurrentDecisionConflict(itemID)
		}
		return nil, apperrors.ValidationError(fmt.Sprintf("decision %s not allowed from %s", decision, item.Decision))
	}

	if err := e.store.DecideItem(ctx, itemID, decision, reviewerID); err != nil {
		return nil, err
	}
	metrics.ReviewDecisionsTotal.WithLabelValues(decision).Inc()

	e.logger.Info("Review decision recorded",
		zap.String("item_id", itemID),
		zap.String("campaign_id", item.CampaignID),
		zap.String("decision", decision),
		zap.String("reviewer_id", reviewerID))

	if decision == DecisionRevoked {
		e.enforceRevocation(ctx, item)
	}

	if err := e.store.RefreshProgress(ctx, item.CampaignID); err != nil {
		return nil, err
	}
	if completed, err := e.store.CompleteIfDone(ctx, item.CampaignID); err != nil {
		return nil, err
	} else if completed {
		e.logger.Info("Campaign completed", zap.String("campaign_id", item.CampaignID))
	}

	return e.store.GetItem(ctx, itemID)
}

// enforceRevocation asks the access-link API to remove the grant. The
// recorded decision is the source of truth; a downstream failure only
// marks the item.
func (e *Engine) enforceRevocation(ctx context.Context, item *Item) {
	err := e.accessLink.RequestRemoval(ctx, entitlement.Grant{
		TenantID:   item.TenantID,
		UserID:     item.UserID,
		AppID:      item.AppID,
		AccessType: item.AccessType,
	})
	if err == nil {
		return
	}

	metrics.EnforcementFailuresTotal.Inc()
	e.logger.Warn("Entitlement removal failed, enforcement pending",
		zap.String("item_id", item.ID),
		zap.String("user_id", item.UserID),
		zap.String("app_id", item.AppID),
		zap.Error(err))

	if werr := e.store.SetItemWarning(ctx, item.ID, enforcementPendingWarning); werr != nil {
		e.logger.Error("Failed to record enforcement warning",
			zap.String("item_id", item.ID), zap.Error(werr))
	}
}

// SendReminders notifies the managers of users with pending items.
// Idempotent per calendar day and reminder milestone: a Redis SETNX
// key suppresses re-sends within the same day.
func (e *Engine) SendReminders(ctx context.Context, c Campaign, daysRemaining int) (int, error) {
	set, err := acquireReminderSlot(ctx, e.redis, c.ID, daysRemaining, time.Now().UTC())
	if err != nil {
		// Redis down: skip the send rather than risk a duplicate.
		e.logger.Warn("Reminder dedupe unavailable, skipping send",
			zap.String("campaign_id", c.ID), zap.Error(err))
		return 0, apperrors.NotificationDeliveryFailed("reminder-dedupe", err)
	}
	if !set {
		return 0, nil
	}

	recipients, err := e.pendingReviewers(ctx, c, 1)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, recipient := range recipients {
		n := entitlement.Notification{
			RecipientID: recipient,
			TenantID:    c.TenantID,
			Kind:        "reminder",
			Subject:     fmt.Sprintf("Access review due in %d day(s)", daysRemaining),
			Body:        fmt.Sprintf("Campaign %q has pending review items due %s.", c.Name, c.DueDate.Format("2006-01-02")),
			Metadata: map[string]string{
				"campaign_id":    c.ID,
				"days_remaining": fmt.Sprintf("%d", daysRemaining),
			},
		}
		if err := e.notifier.Send(ctx, n); err != nil {
			metrics.NotificationFailuresTotal.Inc()
			e.logger.Warn("Reminder delivery failed",
				zap.String("campaign_id", c.ID),
				zap.String("recipient", recipient),
				zap.Error(err))
			continue
		}
		sent++
		metrics.RemindersSentTotal.Inc()
	}

	e.logger.Info("Campaign reminders sent",
		zap.String("campaign_id", c.ID),
		zap.Int("days_remaining", daysRemaining),
		zap.Int("sent", sent))

	return sent, nil
}

// EscalateOverdueReviews notifies the manager chain above reviewers
// with pending items. The operation is at-least-once, but the durable
// ledger keys alerts by (campaign, daysOverdue) so a retry never
// re-alerts the same milestone. The ledger row is written only after
// at least one delivery succeeds; a tick where every send fails leaves
// the milestone unclaimed for the next tick.
func (e *Engine) EscalateOverdueReviews(ctx context.Context, c Campaign, daysOverdue int) (int, error) {
	recorded, err := e.store.EscalationRecorded(ctx, c.ID, daysOverdue)
	if err != nil {
		return 0, err
	}
	if recorded {
		return 0, nil
	}

	recipients, err := e.pendingReviewers(ctx, c, 2)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, recipient := range recipients {
		n := entitlement.Notification{
			RecipientID: recipient,
			TenantID:    c.TenantID,
			Kind:        "escalation",
			Subject:     fmt.Sprintf("Access review overdue by %d day(s)", daysOverdue),
			Body:        fmt.Sprintf("Campaign %q is past its due date of %s with pending review items.", c.Name, c.DueDate.Format("2006-01-02")),
			Metadata: map[string]string{
				"campaign_id":  c.ID,
				"days_overdue": fmt.Sprintf("%d", daysOverdue),
			},
		}
		if err := e.notifier.Send(ctx, n); err != nil {
			metrics.NotificationFailuresTotal.Inc()
			e.logger.Warn("Escalation delivery failed",
				zap.String("campaign_id", c.ID),
				zap.String("recipient", recipient),
				zap.Error(err))
			continue
		}
		sent++
		metrics.EscalationsTotal.Inc()
	}

	if sent == 0 && len(recipients) > 0 {
		return 0, apperrors.NotificationDeliveryFailed("escalation", nil)
	}
	if _, err := e.store.RecordEscalation(ctx, c.ID, c.TenantID, daysOverdue, sent); err != nil {
		return sent, err
	}

	e.logger.Info("Overdue reviews escalated",
		zap.String("campaign_id", c.ID),
		zap.Int("days_overdue", daysOverdue),
		zap.Int("sent", sent))

	return sent, nil
}

// acquireReminderSlot claims the once-per-day slot for a campaign and
// reminder milestone. Returns false when today's reminder already went
// out.
func acquireReminderSlot(ctx context.Context, rdb *redis.Client, campaignID string, daysRemaining int, now time.Time) (bool, error) {
	key := fmt.Sprintf("reminders:%s:%d:%s", campaignID, daysRemaining, now.Format("2006-01-02"))
	return rdb.SetNX(ctx, key, "1", reminderDedupeTTL).Result()
}

// pendingReviewers resolves the manager chain above the subjects of a
// campaign's pending items, up to levels hops, deduplicated.
func (e *Engine) pendingReviewers(ctx context.Context, c Campaign, levels int) ([]string, error) {
	subjects, err := e.store.PendingSubjects(ctx, c.ID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	recipients := []string{}
	for _, subject := range subjects {
		current := subject
		for hop := 0; hop < levels; hop++ {
			manager, err := e.directory.Manager(ctx, c.TenantID, current)
			if err != nil {
				return nil, err
			}
			if manager == "" {
				break
			}
			if !seen[manager] {
				seen[manager] = true
				recipients = append(recipients, manager)
			}
			current = manager
		}
	}
	return recipients, nil
}

// AutoApprovePendingItems applies the timeout policy: every remaining
// pending item becomes approved with the system reviewer. Deferred
// items are untouched and keep the campaign open.
func (e *Engine) AutoApprovePendingItems(ctx context.Context, c Campaign) (int, error) {
	if !c.AutoApproveOnTimeout {
		return 0, nil
	}

	approved, err := e.store.AutoApprovePending(ctx, c.ID)
	if err != nil {
		return 0, err
	}
	if approved > 0 {
		metrics.ReviewDecisionsTotal.WithLabelValues(DecisionApproved).Add(float64(approved))
	}

	if err := e.store.RefreshProgress(ctx, c.ID); err != nil {
		return approved, err
	}
	if completed, err := e.store.CompleteIfDone(ctx, c.ID); err != nil {
		return approved, err
	} else if completed {
		e.logger.Info("Campaign completed by timeout policy", zap.String("campaign_id", c.ID))
	}

	if approved > 0 {
		e.logger.Info("Pending items auto-approved",
			zap.String("campaign_id", c.ID),
			zap.Int("approved", approved))
	}
	return approved, nil
}

// CancelCampaign closes a campaign without deciding its items
func (e *Engine) CancelCampaign(ctx context.Context, campaignID, cancelledBy string) error {
	if err := e.store.Cancel(ctx, campaignID); err != nil {
		return err
	}
	e.logger.Info("Campaign cancelled",
		zap.String("campaign_id", campaignID),
		zap.String("cancelled_by", cancelledBy))
	return nil
}
