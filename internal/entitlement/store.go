package entitlement

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/openacr/openacr/internal/common/database"
	apperrors "github.com/openacr/openacr/internal/common/errors"
)

// Store reads the entitlement snapshot tables maintained by the
// identity-provider sync pipeline. The engine treats these tables as a
// read-only fact base; a read failure aborts the current tenant's scan
// and surfaces as DownstreamUnavailable.
type Store struct {
	db     *database.PostgresDB
	logger *zap.Logger
}

// NewStore creates a snapshot-table backed boundary store
func NewStore(db *database.PostgresDB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:     db,
		logger: logger.With(zap.String("component", "entitlement_store")),
	}
}

// InitSchema creates the snapshot tables if they do not exist. The sync
// pipeline owns the data; the engine only needs the shape.
func (s *Store) InitSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS tenants (
			id VARCHAR(255) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			active BOOLEAN DEFAULT true,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS users (
			id VARCHAR(255) NOT NULL,
			tenant_id VARCHAR(255) NOT NULL,
			role_template_id VARCHAR(255),
			department VARCHAR(255),
			risk_tier VARCHAR(50),
			manager_id VARCHAR(255),
			email VARCHAR(320),
			PRIMARY KEY (tenant_id, id)
		)`,

		`CREATE TABLE IF NOT EXISTS entitlement_grants (
			tenant_id VARCHAR(255) NOT NULL,
			user_id VARCHAR(255) NOT NULL,
			app_id VARCHAR(255) NOT NULL,
			access_type VARCHAR(20) NOT NULL CHECK (access_type IN ('read', 'write', 'admin')),
			synced_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (tenant_id, user_id, app_id, access_type)
		)`,

		`CREATE TABLE IF NOT EXISTS role_templates (
			id VARCHAR(255) NOT NULL,
			tenant_id VARCHAR(255) NOT NULL,
			department VARCHAR(255),
			role_level VARCHAR(100),
			entitlements JSONB NOT NULL DEFAULT '[]',
			PRIMARY KEY (tenant_id, id)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_grants_tenant_user ON entitlement_grants(tenant_id, user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_users_tenant ON users(tenant_id)`,
	}

	for _, query := range queries {
		if _, err := s.db.Pool.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}
	return nil
}

// Tenants returns the IDs of all active tenants
func (s *Store) Tenants(ctx context.Context) ([]string, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT id FROM tenants WHERE active = true ORDER BY id`)
	if err != nil {
		return nil, apperrors.DownstreamUnavailable("tenant-directory", err)
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		tenants = append(tenants, id)
	}
	return tenants, rows.Err()
}

// UsersForTenant returns all directory users for a tenant
func (s *Store) UsersForTenant(ctx context.Context, tenantID string) ([]User, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT id, tenant_id, COALESCE(role_template_id, ''), COALESCE(department, ''),
		        COALESCE(risk_tier, ''), COALESCE(manager_id, ''), COALESCE(email, '')
		 FROM users WHERE tenant_id = $1 ORDER BY id`,
		tenantID)
	if err != nil {
		return nil, apperrors.DownstreamUnavailable("tenant-directory", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.TenantID, &u.RoleTemplateID, &u.Department,
			&u.RiskTier, &u.ManagerID, &u.Email); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// Manager returns the manager ID of a user, empty when the user has none
func (s *Store) Manager(ctx context.Context, tenantID, userID string) (string, error) {
	var managerID string
	err := s.db.Pool.QueryRow(ctx,
		`SELECT COALESCE(manager_id, '') FROM users WHERE tenant_id = $1 AND id = $2`,
		tenantID, userID).Scan(&managerID)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", apperrors.DownstreamUnavailable("tenant-directory", err)
	}
	return managerID, nil
}

// GrantsForTenant returns the full entitlement snapshot for a tenant
func (s *Store) GrantsForTenant(ctx context.Context, tenantID string) ([]Grant, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT tenant_id, user_id, app_id, access_type
		 FROM entitlement_grants WHERE tenant_id = $1
		 ORDER BY user_id, app_id`,
		tenantID)
	if err != nil {
		return nil, apperrors.DownstreamUnavailable("entitlement-source", err)
	}
	defer rows.Close()

	return scanGrants(rows)
}

// GrantsForUser returns a single user's entitlement snapshot
func (s *Store) GrantsForUser(ctx context.Context, tenantID, userID string) ([]Grant, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT tenant_id, user_id, app_id, access_type
		 FROM entitlement_grants WHERE tenant_id = $1 AND user_id = $2
		 ORDER BY app_id`,
		tenantID, userID)
	if err != nil {
		return nil, apperrors.DownstreamUnavailable("entitlement-source", err)
	}
	defer rows.Close()

	return scanGrants(rows)
}

func scanGrants(rows pgx.Rows) ([]Grant, error) {
	var grants []Grant
	for rows.Next() {
		var g Grant
		if err := rows.Scan(&g.TenantID, &g.UserID, &g.AppID, &g.AccessType); err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

// TemplatesForTenant returns the role templates for a tenant keyed by template ID
func (s *Store) TemplatesForTenant(ctx context.Context, tenantID string) (map[string]RoleTemplate, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT id, tenant_id, COALESCE(department, ''), COALESCE(role_level, ''), entitlements
		 FROM role_templates WHERE tenant_id = $1`,
		tenantID)
	if err != nil {
		return nil, apperrors.DownstreamUnavailable("role-policy-store", err)
	}
	defer rows.Close()

	templates := make(map[string]RoleTemplate)
	for rows.Next() {
		var tpl RoleTemplate
		var entitlementsJSON []byte
		if err := rows.Scan(&tpl.ID, &tpl.TenantID, &tpl.Department, &tpl.RoleLevel, &entitlementsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan role template: %w", err)
		}
		if err := json.Unmarshal(entitlementsJSON, &tpl.Entitlements); err != nil {
			s.logger.Warn("Skipping role template with malformed entitlements",
				zap.String("template_id", tpl.ID),
				zap.String("tenant_id", tenantID),
				zap.Error(err))
			continue
		}
		templates[tpl.ID] = tpl
	}
	return templates, rows.Err()
}
