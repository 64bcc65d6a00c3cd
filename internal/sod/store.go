package sod

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

// Store persists SoD rules and violations. A partial unique index keeps
// at most one open violation per (tenant, user, rule).
type Store struct {
	db     *database.PostgresDB
	logger *zap.Logger
}

// NewStore creates a SoD store
func NewStore(db *database.PostgresDB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:     db,
		logger: logger.With(zap.String("component", "sod_store")),
	}
}

// InitSchema initializes the SoD schema
func (s *Store) InitSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS sod_rules (
			id UUID PRIMARY KEY,
			tenant_id VARCHAR(255) NOT NULL,
			name VARCHAR(255) NOT NULL,
			description TEXT,
			conflict_set JSONB NOT NULL,
			severity VARCHAR(20) NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT true,
			version INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_sod_rules_tenant ON sod_rules(tenant_id, is_active)`,

		`CREATE TABLE IF NOT EXISTS sod_violations (
			id UUID PRIMARY KEY,
			tenant_id VARCHAR(255) NOT NULL,
			user_id VARCHAR(255) NOT NULL,
			rule_id UUID NOT NULL REFERENCES sod_rules(id),
			rule_name VARCHAR(255) NOT NULL,
			severity VARCHAR(20) NOT NULL,
			matched_grants JSONB NOT NULL DEFAULT '[]',
			evidence_hash VARCHAR(64) NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'open' CHECK (status IN ('open', 'remediated', 'accepted')),
			resolution_note TEXT,
			resolved_by VARCHAR(255),
			resolved_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_checked TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sod_violations_open_dedup
		 ON sod_violations(tenant_id, user_id, rule_id) WHERE status = 'open'`,

		`CREATE INDEX IF NOT EXISTS idx_sod_violations_tenant_status ON sod_violations(tenant_id, status)`,
	}

	for _, query := range queries {
		if _, err := s.db.Pool.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}
	return nil
}

// CreateRule inserts a new conflict rule
func (s *Store) CreateRule(ctx context.Context, rule Rule) (*Rule, error) {
	rule.ID = uuid.New().String()
	rule.Version = 1
	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	if rule.Severity == "" {
		rule.Severity = risk.LevelMedium
	}

	conflictJSON, err := json.Marshal(rule.ConflictSet)
	if err != nil {
		return nil, fmt.Errorf("failed to encode conflict set: %w", err)
	}

	_, err = s.db.Pool.Exec(ctx,
		`INSERT INTO sod_rules (id, tenant_id, name, description, conflict_set, severity, is_active, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`,
		rule.ID, rule.TenantID, rule.Name, rule.Description, conflictJSON,
		string(rule.Severity), rule.IsActive, rule.Version, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert sod rule: %w", err)
	}

	s.logger.Info("SoD rule created",
		zap.String("rule_id", rule.ID),
		zap.String("tenant_id", rule.TenantID),
		zap.String("name", rule.Name))

	return &rule, nil
}

// UpdateRule replaces a rule's definition and bumps its version, so
// accepted violations against the old version become re-creatable.
func (s *Store) UpdateRule(ctx context.Context, rule Rule) (*Rule, error) {
	conflictJSON, err := json.Marshal(rule.ConflictSet)
	if err != nil {
		return nil, fmt.Errorf("failed to encode conflict set: %w", err)
	}

	row := s.db.Pool.QueryRow(ctx,
		`UPDATE sod_rules
		 SET name = $1, description = $2, conflict_set = $3, severity = $4, is_active = $5,
		     version = version + 1, updated_at = $6
		 WHERE id = $7 AND tenant_id = $8
		 RETURNING version`,
		rule.Name, rule.Description, conflictJSON, string(rule.Severity), rule.IsActive,
		time.Now().UTC(), rule.ID, rule.TenantID)
	if err := row.Scan(&rule.Version); err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperrors.NotFound("sod rule")
		}
		return nil, fmt.Errorf("failed to update sod rule: %w", err)
	}
	return &rule, nil
}

// ActiveRules returns the active rules for a tenant
func (s *Store) ActiveRules(ctx context.Context, tenantID string) ([]Rule, error) {
	return s.queryRules(ctx,
		`SELECT id, tenant_id, name, COALESCE(description, ''), conflict_set, severity, is_active, version, created_at, updated_at
		 FROM sod_rules WHERE tenant_id = $1 AND is_active = true ORDER BY created_at`, tenantID)
}

// ListRules returns all rules for a tenant
func (s *Store) ListRules(ctx context.Context, tenantID string) ([]Rule, error) {
	return s.queryRules(ctx,
		`SELECT id, tenant_id, name, COALESCE(description, ''), conflict_set, severity, is_active, version, created_at, updated_at
		 FROM sod_rules WHERE tenant_id = $1 ORDER BY created_at`, tenantID)
}

func (s *Store) queryRules(ctx context.Context, query string, args ...interface{}) ([]Rule, error) {
	rows, err := s.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sod rules: %w", err)
	}
	defer rows.Close()

	rules := []Rule{}
	for rows.Next() {
		var r Rule
		var conflictJSON []byte
		var severity string
		if err := rows.Scan(&r.ID, &r.TenantID, &r.Name, &r.Description, &conflictJSON,
			&severity, &r.IsActive, &r.Version, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.Severity = risk.Level(severity)
		if err := json.Unmarshal(conflictJSON, &r.ConflictSet); err != nil {
			return nil, fmt.Errorf("failed to decode conflict set: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// FindOpen returns the open violation for a (tenant, user, rule), or nil
func (s *Store) FindOpen(ctx context.Context, tenantID, userID, ruleID string) (*Violation, error) {
	v, err := s.scanViolation(s.db.Pool.QueryRow(ctx,
		violationColumns+` FROM sod_violations
		 WHERE tenant_id = $1 AND user_id = $2 AND rule_id = $3 AND status = 'open'`,
		tenantID, userID, ruleID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return v, err
}

// HasAcceptedEvidence reports whether an accepted violation with this
// evidence hash exists for the (tenant, user, rule) key.
func (s *Store) HasAcceptedEvidence(ctx context.Context, tenantID, userID, ruleID, evidenceHash string) (bool, error) {
	var exists bool
	err := s.db.Pool.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM sod_violations
			WHERE tenant_id = $1 AND user_id = $2 AND rule_id = $3
			  AND status = 'accepted' AND evidence_hash = $4
		 )`, tenantID, userID, ruleID, evidenceHash).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check accepted evidence: %w", err)
	}
	return exists, nil
}

// CreateViolation inserts a new open violation from a match
func (s *Store) CreateViolation(ctx context.Context, tenantID, userID string, m Match) (*Violation, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	grantsJSON, _ := json.Marshal(m.MatchedGrants)

	_, err := s.db.Pool.Exec(ctx,
		`INSERT INTO sod_violations (id, tenant_id, user_id, rule_id, rule_name, severity,
		                             matched_grants, evidence_hash, status, created_at, last_checked)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'open', $9, $9)`,
		id, tenantID, userID, m.Rule.ID, m.Rule.Name, string(m.Rule.Severity),
		grantsJSON, m.EvidenceHash(), now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert sod violation: %w", err)
	}

	return &Violation{
		ID:            id,
		TenantID:      tenantID,
		UserID:        userID,
		RuleID:        m.Rule.ID,
		RuleName:      m.Rule.Name,
		Severity:      m.Rule.Severity,
		MatchedGrants: m.MatchedGrants,
		EvidenceHash:  m.EvidenceHash(),
		Status:        StatusOpen,
		CreatedAt:     now,
		LastChecked:   now,
	}, nil
}

// UpdateEvidence refreshes an open violation with the latest match
func (s *Store) UpdateEvidence(ctx context.Context, violationID string, m Match) error {
	grantsJSON, _ := json.Marshal(m.MatchedGrants)

	tag, err := s.db.Pool.Exec(ctx,
		`UPDATE sod_violations
		 SET rule_name = $1, severity = $2, matched_grants = $3, evidence_hash = $4, last_checked = $5
		 WHERE id = $6 AND status = 'open'`,
		m.Rule.Name, string(m.Rule.Severity), grantsJSON, m.EvidenceHash(),
		time.Now().UTC(), violationID)
	if err != nil {
		return fmt.Errorf("failed to update sod violation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("sod violation")
	}
	return nil
}

// Resolve transitions an open violation to remediated or accepted
func (s *Store) Resolve(ctx context.Context, violationID, status, note, resolvedBy string) error {
	if status != StatusRemediated && status != StatusAccepted {
		return apperrors.ValidationError(fmt.Sprintf("invalid resolution status: %s", status))
	}

	tag, err := s.db.Pool.Exec(ctx,
		`UPDATE sod_violations
		 SET status = $1, resolution_note = $2, resolved_by = $3, resolved_at = $4
		 WHERE id = $5 AND status = 'open'`,
		status, note, resolvedBy, time.Now().UTC(), violationID)
	if err != nil {
		return fmt.Errorf("failed to resolve sod violation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("open sod violation")
	}

	s.logger.Info("SoD violation resolved",
		zap.String("violation_id", violationID),
		zap.String("status", status),
		zap.String("resolved_by", resolvedBy))

	return nil
}

// GetViolation retrieves a violation by ID
func (s *Store) GetViolation(ctx context.Context, violationID string) (*Violation, error) {
	v, err := s.scanViolation(s.db.Pool.QueryRow(ctx,
		violationColumns+` FROM sod_violations WHERE id = $1`, violationID))
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("sod violation")
	}
	return v, err
}

// ListViolations returns violations for a tenant, optionally filtered by status
func (s *Store) ListViolations(ctx context.Context, tenantID, status string, offset, limit int) ([]Violation, error) {
	query := violationColumns + ` FROM sod_violations WHERE tenant_id = $1`
	args := []interface{}{tenantID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC OFFSET $%d LIMIT $%d`, len(args)+1, len(args)+2)
	args = append(args, offset, limit)

	rows, err := s.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sod violations: %w", err)
	}
	defer rows.Close()

	violations := []Violation{}
	for rows.Next() {
		v, err := s.scanViolation(rows)
		if err != nil {
			return nil, err
		}
		violations = append(violations, *v)
	}
	return violations, rows.Err()
}

const violationColumns = `SELECT id, tenant_id, user_id, rule_id, rule_name, severity, matched_grants,
	evidence_hash, status, COALESCE(resolution_note, ''), COALESCE(resolved_by, ''),
	resolved_at, created_at, last_checked`

func (s *Store) scanViolation(row pgx.Row) (*Violation, error) {
	var v Violation
	var grantsJSON []byte
	var severity string

	err := row.Scan(&v.ID, &v.TenantID, &v.UserID, &v.RuleID, &v.RuleName, &severity, &grantsJSON,
		&v.EvidenceHash, &v.Status, &v.ResolutionNote, &v.ResolvedBy,
		&v.ResolvedAt, &v.CreatedAt, &v.LastChecked)
	if err != nil {
		return nil, err
	}

	v.Severity = risk.Level(severity)
	if err := json.Unmarshal(grantsJSON, &v.MatchedGrants); err != nil {
		return nil, fmt.Errorf("failed to decode matched grants: %w", err)
	}
	return &v, nil
}
