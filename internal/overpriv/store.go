package overpriv

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

// Store persists overprivilege records with a partial unique index
// keeping at most one open record per (tenant, user).
type Store struct {
	db     *database.PostgresDB
	logger *zap.Logger
}

// NewStore creates an overprivilege record store
func NewStore(db *database.PostgresDB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:     db,
		logger: logger.With(zap.String("component", "overpriv_store")),
	}
}

// InitSchema initializes the overprivilege record schema
func (s *Store) InitSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS overprivilege_records (
			id UUID PRIMARY KEY,
			tenant_id VARCHAR(255) NOT NULL,
			user_id VARCHAR(255) NOT NULL,
			admin_apps JSONB NOT NULL DEFAULT '[]',
			risk_score INTEGER NOT NULL,
			risk_level VARCHAR(20) NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'open' CHECK (status IN ('open', 'resolved')),
			resolution_type VARCHAR(50),
			resolution_notes TEXT,
			resolved_by VARCHAR(255),
			resolved_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_checked TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE UNIQUE INDEX IF NOT EXISTS idx_overpriv_open_dedup
		 ON overprivilege_records(tenant_id, user_id) WHERE status = 'open'`,

		`CREATE INDEX IF NOT EXISTS idx_overpriv_tenant_status ON overprivilege_records(tenant_id, status)`,
	}

	for _, query := range queries {
		if _, err := s.db.Pool.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}
	return nil
}

// FindOpen returns the open record for a (tenant, user), or nil
func (s *Store) FindOpen(ctx context.Context, tenantID, userID string) (*Record, error) {
	record, err := s.scanOne(s.db.Pool.QueryRow(ctx,
		selectColumns+` FROM overprivilege_records
		 WHERE tenant_id = $1 AND user_id = $2 AND status = 'open'`,
		tenantID, userID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return record, err
}

// Create inserts a new open record from an assessment
func (s *Store) Create(ctx context.Context, a Assessment) (*Record, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	appsJSON, _ := json.Marshal(a.AdminApps)

	_, err := s.db.Pool.Exec(ctx,
		`INSERT INTO overprivilege_records (id, tenant_id, user_id, admin_apps, risk_score, risk_level, status, created_at, last_checked)
		 VALUES ($1, $2, $3, $4, $5, $6, 'open', $7, $7)`,
		id, a.TenantID, a.UserID, appsJSON, a.RiskScore, string(a.RiskLevel), now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert overprivilege record: %w", err)
	}

	return &Record{
		ID:          id,
		TenantID:    a.TenantID,
		UserID:      a.UserID,
		AdminApps:   a.AdminApps,
		RiskScore:   a.RiskScore,
		RiskLevel:   a.RiskLevel,
		Status:      StatusOpen,
		CreatedAt:   now,
		LastChecked: now,
	}, nil
}

// UpdateEvidence refreshes an open record with the latest assessment
func (s *Store) UpdateEvidence(ctx context.Context, recordID string, a Assessment) error {
	appsJSON, _ := json.Marshal(a.AdminApps)

	tag, err := s.db.Pool.Exec(ctx,
		`UPDATE overprivilege_records
		 SET admin_apps = $1, risk_score = $2, risk_level = $3, last_checked = $4
		 WHERE id = $5 AND status = 'open'`,
		appsJSON, a.RiskScore, string(a.RiskLevel), time.Now().UTC(), recordID)
	if err != nil {
		return fmt.Errorf("failed to update overprivilege record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("overprivilege record")
	}
	return nil
}

// Resolve transitions an open record to resolved
func (s *Store) Resolve(ctx context.Context, recordID, resolutionType, notes, resolvedBy string) error {
	switch resolutionType {
	case ResolutionReduced, ResolutionAccepted:
	default:
		return apperrors.ValidationError(fmt.Sprintf("invalid resolution type: %s", resolutionType))
	}

	tag, err := s.db.Pool.Exec(ctx,
		`UPDATE overprivilege_records
		 SET status = 'resolved', resolution_type = $1, resolution_notes = $2,
		     resolved_by = $3, resolved_at = $4
		 WHERE id = $5 AND status = 'open'`,
		resolutionType, notes, resolvedBy, time.Now().UTC(), recordID)
	if err != nil {
		return fmt.Errorf("failed to resolve overprivilege record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("open overprivilege record")
	}

	s.logger.Info("Overprivilege record resolved",
		zap.String("record_id", recordID),
		zap.String("resolution_type", resolutionType),
		zap.String("resolved_by", resolvedBy))

	return nil
}

// Get retrieves a record by ID
func (s *Store) Get(ctx context.Context, recordID string) (*Record, error) {
	record, err := s.scanOne(s.db.Pool.QueryRow(ctx,
		selectColumns+` FROM overprivilege_records WHERE id = $1`, recordID))
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("overprivilege record")
	}
	return record, err
}

// List returns records for a tenant, optionally filtered by status
func (s *Store) List(ctx context.Context, tenantID, status string, offset, limit int) ([]Record, error) {
	query := selectColumns + ` FROM overprivilege_records WHERE tenant_id = $1`
	args := []interface{}{tenantID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY risk_score DESC, created_at DESC OFFSET $%d LIMIT $%d`, len(args)+1, len(args)+2)
	args = append(args, offset, limit)

	rows, err := s.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list overprivilege records: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		record, err := s.scanOne(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	return records, rows.Err()
}

const selectColumns = `SELECT id, tenant_id, user_id, admin_apps, risk_score, risk_level, status,
	COALESCE(resolution_type, ''), COALESCE(resolution_notes, ''), COALESCE(resolved_by, ''),
	resolved_at, created_at, last_checked`

func (s *Store) scanOne(row pgx.Row) (*Record, error) {
	var r Record
	var appsJSON []byte
	var level string

	err := row.Scan(&r.ID, &r.TenantID, &r.UserID, &appsJSON, &r.RiskScore, &level, &r.Status,
		&r.ResolutionType, &r.ResolutionNotes, &r.ResolvedBy,
		&r.ResolvedAt, &r.CreatedAt, &r.LastChecked)
	if err != nil {
		return nil, err
	}

	r.RiskLevel = risk.Level(level)
	if err := json.Unmarshal(appsJSON, &r.AdminApps); err != nil {
		return nil, fmt.Errorf("failed to decode admin apps: %w", err)
	}
	return &r, nil
}
