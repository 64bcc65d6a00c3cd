package campaign

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/openacr/openacr/internal/common/database"
	apperrors "github.com/openacr/openacr/internal/common/errors"
	"github.com/openacr/openacr/internal/entitlement"
)

// Store persists campaigns, review items and the escalation ledger.
// Partial unique indexes back the one-active-campaign-per-type guard
// and generation idempotence.
type Store struct {
	db     *database.PostgresDB
	logger *zap.Logger
}

// NewStore creates a campaign store
func NewStore(db *database.PostgresDB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:     db,
		logger: logger.With(zap.String("component", "campaign_store")),
	}
}

// InitSchema initializes the campaign schema
func (s *Store) InitSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS campaigns (
			id UUID PRIMARY KEY,
			tenant_id VARCHAR(255) NOT NULL,
			name VARCHAR(255) NOT NULL,
			campaign_type VARCHAR(20) NOT NULL CHECK (campaign_type IN ('quarterly', 'ad-hoc')),
			scope_type VARCHAR(20) NOT NULL CHECK (scope_type IN ('all', 'department', 'risk-tier')),
			scope_value VARCHAR(255),
			start_date TIMESTAMPTZ NOT NULL,
			due_date TIMESTAMPTZ NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'completed', 'cancelled')),
			auto_approve_on_timeout BOOLEAN NOT NULL DEFAULT false,
			total_items INTEGER NOT NULL DEFAULT 0,
			decided_items INTEGER NOT NULL DEFAULT 0,
			created_by VARCHAR(255) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE UNIQUE INDEX IF NOT EXISTS idx_campaigns_one_active_per_type
		 ON campaigns(tenant_id, campaign_type) WHERE status = 'active'`,

		`CREATE INDEX IF NOT EXISTS idx_campaigns_tenant_status ON campaigns(tenant_id, status)`,

		`CREATE TABLE IF NOT EXISTS review_items (
			id UUID PRIMARY KEY,
			campaign_id UUID NOT NULL REFERENCES campaigns(id),
			tenant_id VARCHAR(255) NOT NULL,
			user_id VARCHAR(255) NOT NULL,
			app_id VARCHAR(255) NOT NULL,
			access_type VARCHAR(20) NOT NULL,
			decision VARCHAR(20) NOT NULL DEFAULT 'pending' CHECK (decision IN ('pending', 'approved', 'revoked', 'deferred')),
			reviewer_id VARCHAR(255),
			decided_at TIMESTAMPTZ,
			warning TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (campaign_id, user_id, app_id, access_type)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_review_items_campaign_decision ON review_items(campaign_id, decision)`,

		`CREATE TABLE IF NOT EXISTS campaign_escalations (
			id UUID PRIMARY KEY,
			campaign_id UUID NOT NULL REFERENCES campaigns(id),
			tenant_id VARCHAR(255) NOT NULL,
			days_overdue INTEGER NOT NULL,
			recipients INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (campaign_id, days_overdue)
		)`,
	}

	for _, query := range queries {
		if _, err := s.db.Pool.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}
	return nil
}

// Create inserts a new active campaign. The partial unique index turns
// a concurrent duplicate into DuplicateActiveCampaign.
func (s *Store) Create(ctx context.Context, c Campaign) (*Campaign, error) {
	c.ID = uuid.New().String()
	c.Status = StatusActive
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	_, err := s.db.Pool.Exec(ctx,
		`INSERT INTO campaigns (id, tenant_id, name, campaign_type, scope_type, scope_value,
		                        start_date, due_date, status, auto_approve_on_timeout, created_by, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'active', $9, $10, $11, $11)`,
		c.ID, c.TenantID, c.Name, c.CampaignType, c.ScopeType, c.ScopeValue,
		c.StartDate, c.DueDate, c.AutoApproveOnTimeout, c.CreatedBy, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, apperrors.DuplicateActiveCampaign(c.TenantID, c.CampaignType)
		}
		return nil, fmt.Errorf("failed to insert campaign: %w", err)
	}

	s.logger.Info("Campaign created",
		zap.String("campaign_id", c.ID),
		zap.String("tenant_id", c.TenantID),
		zap.String("campaign_type", c.CampaignType),
		zap.String("scope_type", c.ScopeType))

	return &c, nil
}

// FindActiveByType returns the active campaign of a type for a tenant, or nil
func (s *Store) FindActiveByType(ctx context.Context, tenantID, campaignType string) (*Campaign, error) {
	c, err := s.scanCampaign(s.db.Pool.QueryRow(ctx,
		campaignColumns+` FROM campaigns
		 WHERE tenant_id = $1 AND campaign_type = $2 AND status = 'active'`,
		tenantID, campaignType))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// Get retrieves a campaign by ID
func (s *Store) Get(ctx context.Context, campaignID string) (*Campaign, error) {
	c, err := s.scanCampaign(s.db.Pool.QueryRow(ctx,
		campaignColumns+` FROM campaigns WHERE id = $1`, campaignID))
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("campaign")
	}
	return c, err
}

// List returns campaigns for a tenant, optionally filtered by status
func (s *Store) List(ctx context.Context, tenantID, status string, offset, limit int) ([]Campaign, error) {
	query := campaignColumns + ` FROM campaigns WHERE tenant_id = $1`
	args := []interface{}{tenantID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC OFFSET $%d LIMIT $%d`, len(args)+1, len(args)+2)
	args = append(args, offset, limit)

	rows, err := s.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}
	defer rows.Close()

	campaigns := []Campaign{}
	for rows.Next() {
		c, err := s.scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		campaigns = append(campaigns, *c)
	}
	return campaigns, rows.Err()
}

// ActiveCampaigns returns every active campaign for a tenant
func (s *Store) ActiveCampaigns(ctx context.Context, tenantID string) ([]Campaign, error) {
	return s.List(ctx, tenantID, StatusActive, 0, 1000)
}

// InsertItems bulk-inserts review items, skipping grants already
// materialized. Returns the number of new rows, so re-running
// generation after a partial failure is a no-op for existing items.
func (s *Store) InsertItems(ctx context.Context, items []Item) (int, error) {
	inserted := 0
	for _, item := range items {
		tag, err := s.db.Pool.Exec(ctx,
			`INSERT INTO review_items (id, campaign_id, tenant_id, user_id, app_id, access_type, decision, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7)
			 ON CONFLICT (campaign_id, user_id, app_id, access_type) DO NOTHING`,
			uuid.New().String(), item.CampaignID, item.TenantID, item.UserID, item.AppID,
			string(item.AccessType), time.Now().UTC())
		if err != nil {
			return inserted, fmt.Errorf("failed to insert review item: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// GetItem retrieves a review item by ID
func (s *Store) GetItem(ctx context.Context, itemID string) (*Item, error) {
	i, err := s.scanItem(s.db.Pool.QueryRow(ctx,
		itemColumns+` FROM review_items WHERE id = $1`, itemID))
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("review item")
	}
	return i, err
}

// ListItems returns a campaign's items, optionally filtered by decision
func (s *Store) ListItems(ctx context.Context, campaignID, decision string, offset, limit int) ([]Item, error) {
	query := itemColumns + ` FROM review_items WHERE campaign_id = $1`
	args := []interface{}{campaignID}
	if decision != "" {
		query += ` AND decision = $2`
		args = append(args, decision)
	}
	query += fmt.Sprintf(` ORDER BY user_id, app_id OFFSET $%d LIMIT $%d`, len(args)+1, len(args)+2)
	args = append(args, offset, limit)

	rows, err := s.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list review items: %w", err)
	}
	defer rows.Close()

	items := []Item{}
	for rows.Next() {
		i, err := s.scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *i)
	}
	return items, rows.Err()
}

// PendingSubjects returns the distinct user IDs that still have
// pending items in a campaign.
func (s *Store) PendingSubjects(ctx context.Context, campaignID string) ([]string, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT DISTINCT user_id FROM review_items WHERE campaign_id = $1 AND decision = 'pending'`,
		campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending subjects: %w", err)
	}
	defer rows.Close()

	subjects := []string{}
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, err
		}
		subjects = append(subjects, userID)
	}
	return subjects, rows.Err()
}

// DecideItem records a decision on an item still in a decidable state.
// A zero-row update means another reviewer got there first.
func (s *Store) DecideItem(ctx context.Context, itemID, decision, reviewerID string) error {
	tag, err := s.db.Pool.Exec(ctx,
		`UPDATE review_items
		 SET decision = $1, reviewer_id = $2, decided_at = $3, warning = NULL
		 WHERE id = $4 AND decision IN ('pending', 'deferred')`,
		decision, reviewerID, time.Now().UTC(), itemID)
	if err != nil {
		return fmt.Errorf("failed to record decision: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ConcurrentDecisionConflict(itemID)
	}
	return nil
}

// SetItemWarning attaches a soft warning to an item, used when the
// downstream enforcement call fails after the decision is recorded.
func (s *Store) SetItemWarning(ctx context.Context, itemID, warning string) error {
	_, err := s.db.Pool.Exec(ctx,
		`UPDATE review_items SET warning = $1 WHERE id = $2`, warning, itemID)
	if err != nil {
		return fmt.Errorf("failed to set item warning: %w", err)
	}
	return nil
}

// AutoApprovePending approves every remaining pending item with the
// system reviewer. Deferred items are untouched.
func (s *Store) AutoApprovePending(ctx context.Context, campaignID string) (int, error) {
	tag, err := s.db.Pool.Exec(ctx,
		`UPDATE review_items
		 SET decision = 'approved', reviewer_id = $1, decided_at = $2
		 WHERE campaign_id = $3 AND decision = 'pending'`,
		SystemReviewer, time.Now().UTC(), campaignID)
	if err != nil {
		return 0, fmt.Errorf("failed to auto-approve pending items: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// RefreshProgress recomputes the campaign's item counters
func (s *Store) RefreshProgress(ctx context.Context, campaignID string) error {
	_, err := s.db.Pool.Exec(ctx,
		`UPDATE campaigns SET
			total_items = (SELECT COUNT(*) FROM review_items WHERE campaign_id = $1),
			decided_items = (SELECT COUNT(*) FROM review_items WHERE campaign_id = $1 AND decision IN ('approved', 'revoked')),
			updated_at = $2
		 WHERE id = $1`,
		campaignID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to refresh campaign progress: %w", err)
	}
	return nil
}

// CompleteIfDone transitions an active campaign to completed once no
// pending or deferred items remain. Returns true on transition.
func (s *Store) CompleteIfDone(ctx context.Context, campaignID string) (bool, error) {
	tag, err := s.db.Pool.Exec(ctx,
		`UPDATE campaigns SET status = 'completed', updated_at = $2
		 WHERE id = $1 AND status = 'active'
		   AND total_items > 0
		   AND NOT EXISTS (
			SELECT 1 FROM review_items
			WHERE campaign_id = $1 AND decision IN ('pending', 'deferred')
		   )`,
		campaignID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to complete campaign: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Cancel transitions an active campaign to cancelled
func (s *Store) Cancel(ctx context.Context, campaignID string) error {
	tag, err := s.db.Pool.Exec(ctx,
		`UPDATE campaigns SET status = 'cancelled', updated_at = $2
		 WHERE id = $1 AND status = 'active'`,
		campaignID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to cancel campaign: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("active campaign")
	}
	return nil
}

// EscalationRecorded reports whether a milestone is already in the
// ledger for a campaign.
func (s *Store) EscalationRecorded(ctx context.Context, campaignID string, daysOverdue int) (bool, error) {
	var exists bool
	err := s.db.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM campaign_escalations WHERE campaign_id = $1 AND days_overdue = $2)`,
		campaignID, daysOverdue).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check escalation ledger: %w", err)
	}
	return exists, nil
}

// RecordEscalation appends a milestone to the escalation ledger.
// Returns false when the milestone was already recorded.
func (s *Store) RecordEscalation(ctx context.Context, campaignID, tenantID string, daysOverdue, recipients int) (bool, error) {
	tag, err := s.db.Pool.Exec(ctx,
		`INSERT INTO campaign_escalations (id, campaign_id, tenant_id, days_overdue, recipients, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (campaign_id, days_overdue) DO NOTHING`,
		uuid.New().String(), campaignID, tenantID, daysOverdue, recipients, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to record escalation: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListEscalations returns a campaign's escalation ledger
func (s *Store) ListEscalations(ctx context.Context, campaignID string) ([]Escalation, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT id, campaign_id, tenant_id, days_overdue, recipients, created_at
		 FROM campaign_escalations WHERE campaign_id = $1 ORDER BY days_overdue`,
		campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to list escalations: %w", err)
	}
	defer rows.Close()

	escalations := []Escalation{}
	for rows.Next() {
		var e Escalation
		if err := rows.Scan(&e.ID, &e.CampaignID, &e.TenantID, &e.DaysOverdue, &e.Recipients, &e.CreatedAt); err != nil {
			return nil, err
		}
		escalations = append(escalations, e)
	}
	return escalations, rows.Err()
}

const campaignColumns = `SELECT id, tenant_id, name, campaign_type, scope_type, COALESCE(scope_value, ''),
	start_date, due_date, status, auto_approve_on_timeout, total_items, decided_items,
	created_by, created_at, updated_at`

func (s *Store) scanCampaign(row pgx.Row) (*Campaign, error) {
	var c Campaign
	err := row.Scan(&c.ID, &c.TenantID, &c.Name, &c.CampaignType, &c.ScopeType, &c.ScopeValue,
		&c.StartDate, &c.DueDate, &c.Status, &c.AutoApproveOnTimeout, &c.TotalItems, &c.DecidedItems,
		&c.CreatedBy, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

const itemColumns = `SELECT id, campaign_id, tenant_id, user_id, app_id, access_type, decision,
	COALESCE(reviewer_id, ''), decided_at, COALESCE(warning, ''), created_at`

func (s *Store) scanItem(row pgx.Row) (*Item, error) {
	var i Item
	var accessType string
	err := row.Scan(&i.ID, &i.CampaignID, &i.TenantID, &i.UserID, &i.AppID, &accessType, &i.Decision,
		&i.ReviewerID, &i.DecidedAt, &i.Warning, &i.CreatedAt)
	if err != nil {
		return nil, err
	}
	i.AccessType = entitlement.AccessType(accessType)
	return &i, nil
}
