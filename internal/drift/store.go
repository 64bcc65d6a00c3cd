package drift

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/openacr/openacr/internal/common/database"
	apperrors "github.com/openacr/openacr/internal/common/errors"
	"github.com/openacr/openacr/internal/risk"
)

// Store persists drift alerts. A partial unique index enforces the
// dedup invariant: at most one open alert per (tenant, user, role).
type Store struct {
	db     *database.PostgresDB
	logger *zap.Logger
}

// NewStore creates a drift alert store
func NewStore(db *database.PostgresDB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:     db,
		logger: logger.With(zap.String("component", "drift_store")),
	}
}

// InitSchema initializes the drift alert schema
func (s *Store) InitSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS drift_alerts (
			id UUID PRIMARY KEY,
			tenant_id VARCHAR(255) NOT NULL,
			user_id VARCHAR(255) NOT NULL,
			role_template_id VARCHAR(255) NOT NULL,
			excess_apps JSONB NOT NULL DEFAULT '[]',
			missing_apps JSONB NOT NULL DEFAULT '[]',
			risk_score INTEGER NOT NULL,
			risk_level VARCHAR(20) NOT NULL,
			risk_factors JSONB NOT NULL DEFAULT '[]',
			recommended_action TEXT,
			status VARCHAR(20) NOT NULL DEFAULT 'open' CHECK (status IN ('open', 'resolved')),
			resolution_type VARCHAR(50),
			resolution_notes TEXT,
			resolved_by VARCHAR(255),
			resolved_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_checked TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE UNIQUE INDEX IF NOT EXISTS idx_drift_alerts_open_dedup
		 ON drift_alerts(tenant_id, user_id, role_template_id) WHERE status = 'open'`,

		`CREATE INDEX IF NOT EXISTS idx_drift_alerts_tenant_status ON drift_alerts(tenant_id, status)`,
	}

	for _, query := range queries {
		if _, err := s.db.Pool.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}
	return nil
}

// FindOpen returns the open alert for a (tenant, user, role) key, or nil
func (s *Store) FindOpen(ctx context.Context, tenantID, userID, roleTemplateID string) (*Alert, error) {
	alert, err := s.scanOne(s.db.Pool.QueryRow(ctx,
		selectColumns+` FROM drift_alerts
		 WHERE tenant_id = $1 AND user_id = $2 AND role_template_id = $3 AND status = 'open'`,
		tenantID, userID, roleTemplateID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return alert, err
}

// Create inserts a new open alert from a scan result
func (s *Store) Create(ctx context.Context, result Result) (*Alert, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	excessJSON, _ := json.Marshal(result.ExcessApps)
	missingJSON, _ := json.Marshal(result.MissingApps)
	factorsJSON, _ := json.Marshal(result.RiskFactors)

	_, err := s.db.Pool.Exec(ctx,
		`INSERT INTO drift_alerts (id, tenant_id, user_id, role_template_id, excess_apps, missing_apps,
		                           risk_score, risk_level, risk_factors, recommended_action, status, created_at, last_checked)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 'open', $11, $11)`,
		id, result.TenantID, result.UserID, result.RoleTemplateID, excessJSON, missingJSON,
		result.RiskScore, string(result.RiskLevel), factorsJSON, result.RecommendedAction, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert drift alert: %w", err)
	}

	return &Alert{
		ID:                id,
		TenantID:          result.TenantID,
		UserID:            result.UserID,
		RoleTemplateID:    result.RoleTemplateID,
		ExcessApps:        result.ExcessApps,
		MissingApps:       result.MissingApps,
		RiskScore:         result.RiskScore,
		RiskLevel:         result.RiskLevel,
		RiskFactors:       result.RiskFactors,
		RecommendedAction: result.RecommendedAction,
		Status:            StatusOpen,
		CreatedAt:         now,
		LastChecked:       now,
	}, nil
}

// UpdateEvidence refreshes an open alert with the latest scan evidence
func (s *Store) UpdateEvidence(ctx context.Context, alertID string, result Result) error {
	excessJSON, _ := json.Marshal(result.ExcessApps)
	missingJSON, _ := json.Marshal(result.MissingApps)
	factorsJSON, _ := json.Marshal(result.RiskFactors)

	tag, err := s.db.Pool.Exec(ctx,
		`UPDATE drift_alerts
		 SET excess_apps = $1, missing_apps = $2, risk_score = $3, risk_level = $4,
		     risk_factors = $5, recommended_action = $6, last_checked = $7
		 WHERE id = $8 AND status = 'open'`,
		excessJSON, missingJSON, result.RiskScore, string(result.RiskLevel),
		factorsJSON, result.RecommendedAction, time.Now().UTC(), alertID)
	if err != nil {
		return fmt.Errorf("failed to update drift alert evidence: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("drift alert")
	}
	return nil
}

// Resolve transitions an open alert to resolved. This is the only
// mutator of alert status.
func (s *Store) Resolve(ctx context.Context, alertID, resolutionType, notes, resolvedBy string) error {
	switch resolutionType {
	case ResolutionRevoked, ResolutionRoleUpdated, ResolutionFalsePositive:
	default:
		return apperrors.ValidationError(fmt.Sprintf("invalid resolution type: %s", resolutionType))
	}

	tag, err := s.db.Pool.Exec(ctx,
		`UPDATE drift_alerts
		 SET status = 'resolved', resolution_type = $1, resolution_notes = $2,
		     resolved_by = $3, resolved_at = $4
		 WHERE id = $5 AND status = 'open'`,
		resolutionType, notes, resolvedBy, time.Now().UTC(), alertID)
	if err != nil {
		return fmt.Errorf("failed to resolve drift alert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("open drift alert")
	}

	s.logger.Info("Drift alert resolved",
		zap.String("alert_id", alertID),
		zap.String("resolution_type", resolutionType),
		zap.String("resolved_by", resolvedBy))

	return nil
}

// Get retrieves an alert by ID
func (s *Store) Get(ctx context.Context, alertID string) (*Alert, error) {
	alert, err := s.scanOne(s.db.Pool.QueryRow(ctx,
		selectColumns+` FROM drift_alerts WHERE id = $1`, alertID))
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("drift alert")
	}
	return alert, err
}

// List returns alerts for a tenant, optionally filtered by status
func (s *Store) List(ctx context.Context, tenantID, status string, offset, limit int) ([]Alert, error) {
	query := selectColumns + ` FROM drift_alerts WHERE tenant_id = $1`
	args := []interface{}{tenantID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY risk_score DESC, created_at DESC OFFSET $%d LIMIT $%d`, len(args)+1, len(args)+2)
	args = append(args, offset, limit)

	rows, err := s.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list drift alerts: %w", err)
	}
	defer rows.Close()

	alerts := []Alert{}
	for rows.Next() {
		alert, err := s.scanOne(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, *alert)
	}
	return alerts, rows.Err()
}

const selectColumns = `SELECT id, tenant_id, user_id, role_template_id, excess_apps, missing_apps,
	risk_score, risk_level, risk_factors, COALESCE(recommended_action, ''), status,
	COALESCE(resolution_type, ''), COALESCE(resolution_notes, ''), COALESCE(resolved_by, ''),
	resolved_at, created_at, last_checked`

func (s *Store) scanOne(row pgx.Row) (*Alert, error) {
	var a Alert
	var excessJSON, missingJSON, factorsJSON []byte
	var level string

	err := row.Scan(&a.ID, &a.TenantID, &a.UserID, &a.RoleTemplateID, &excessJSON, &missingJSON,
		&a.RiskScore, &level, &factorsJSON, &a.RecommendedAction, &a.Status,
		&a.ResolutionType, &a.ResolutionNotes, &a.ResolvedBy,
		&a.ResolvedAt, &a.CreatedAt, &a.LastChecked)
	if err != nil {
		return nil, err
	}

	a.RiskLevel = risk.Level(level)
	if err := json.Unmarshal(excessJSON, &a.ExcessApps); err != nil {
		return nil, fmt.Errorf("failed to decode excess apps: %w", err)
	}
	if err := json.Unmarshal(missingJSON, &a.MissingApps); err != nil {
		return nil, fmt.Errorf("failed to decode missing apps: %w", err)
	}
	if err := json.Unmarshal(factorsJSON, &a.RiskFactors); err != nil {
		return nil, fmt.Errorf("failed to decode risk factors: %w", err)
	}
	return &a, nil
}
