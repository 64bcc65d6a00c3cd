// Package drift integration tests run against a disposable PostgreSQL
// container and are skipped when Docker is unavailable.
package drift

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"

	"github.com/openacr/openacr/internal/common/database"
	apperrors "github.com/openacr/openacr/internal/common/errors"
	"github.com/openacr/openacr/internal/entitlement"
	"github.com/openacr/openacr/internal/risk"
)

func setupTestDB(t *testing.T) (*database.PostgresDB, func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(30 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("Failed to start test container: %v", err)
		return nil, func() {}
	}

	host, err := container.Host(ctx)
	if err != nil {
		container.Terminate(ctx)
		t.Skipf("Failed to get container host: %v", err)
		return nil, func() {}
	}

	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		container.Terminate(ctx)
		t.Skipf("Failed to get container port: %v", err)
		return nil, func() {}
	}

	connString := "postgres://test:test@" + host + ":" + port.Port() + "/testdb?sslmode=disable"

	db, err := database.NewPostgres(connString)
	if err != nil {
		container.Terminate(ctx)
		t.Skipf("Failed to connect to test database: %v", err)
		return nil, func() {}
	}

	cleanup := func() {
		db.Close()
		container.Terminate(ctx)
	}

	return db, cleanup
}

func testResult(score int) Result {
	return Result{
		TenantID:       "tenant1",
		UserID:         "u1",
		RoleTemplateID: "tpl1",
		ExcessApps:     []ExcessGrant{{AppID: "payroll", AccessType: entitlement.AccessAdmin}},
		MissingApps:    []string{},
		RiskScore:      score,
		RiskLevel:      risk.LevelForScore(score),
		RiskFactors:    []string{"Unauthorized admin access to payroll"},
	}
}

// TestStore_OpenAlertDedupe tests that one (tenant, user, role) key
// holds at most one open alert across re-scans
func TestStore_OpenAlertDedupe(t *testing.T) {
	db, cleanup := setupTestDB(t)
	if db == nil {
		return
	}
	defer cleanup()

	store := NewStore(db, zaptest.NewLogger(t))
	ctx := context.Background()
	if err := store.InitSchema(ctx); err != nil {
		t.Fatalf("InitSchema failed: %v", err)
	}

	created, err := store.Create(ctx, testResult(3))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	open, err := store.FindOpen(ctx, "tenant1", "u1", "tpl1")
	if err != nil {
		t.Fatalf("FindOpen failed: %v", err)
	}
	if open == nil || open.ID != created.ID {
		t.Fatal("Expected the created alert to be the open one")
	}

	// A re-scan refreshes the existing alert's evidence in place.
	if err := store.UpdateEvidence(ctx, created.ID, testResult(6)); err != nil {
		t.Fatalf("UpdateEvidence failed: %v", err)
	}

	open, err = store.FindOpen(ctx, "tenant1", "u1", "tpl1")
	if err != nil {
		t.Fatalf("FindOpen failed: %v", err)
	}
	if open.RiskScore != 6 {
		t.Errorf("Expected refreshed score 6, got %d", open.RiskScore)
	}
	if !open.LastChecked.After(created.LastChecked) {
		t.Error("Expected last_checked to move forward on refresh")
	}

	alerts, err := store.List(ctx, "tenant1", StatusOpen, 0, 10)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("Expected exactly one open alert, got %d", len(alerts))
	}
}

// TestStore_ResolveThenRecreate tests that a resolved alert frees up
// the key for a re-occurring condition
func TestStore_ResolveThenRecreate(t *testing.T) {
	db, cleanup := setupTestDB(t)
	if db == nil {
		return
	}
	defer cleanup()

	store := NewStore(db, zaptest.NewLogger(t))
	ctx := context.Background()
	if err := store.InitSchema(ctx); err != nil {
		t.Fatalf("InitSchema failed: %v", err)
	}

	created, err := store.Create(ctx, testResult(3))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := store.Resolve(ctx, created.ID, ResolutionRevoked, "access removed", "admin1"); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	open, err := store.FindOpen(ctx, "tenant1", "u1", "tpl1")
	if err != nil {
		t.Fatalf("FindOpen failed: %v", err)
	}
	if open != nil {
		t.Fatal("Expected no open alert after resolution")
	}

	// Resolving twice is rejected; resolution is single-shot.
	err = store.Resolve(ctx, created.ID, ResolutionRevoked, "", "admin1")
	if !apperrors.IsErrorCode(err, apperrors.ErrNotFound) {
		t.Fatalf("Expected NotFound on double resolve, got %v", err)
	}

	// The condition re-occurring opens a fresh alert.
	recreated, err := store.Create(ctx, testResult(3))
	if err != nil {
		t.Fatalf("Create after resolve failed: %v", err)
	}
	if recreated.ID == created.ID {
		t.Error("Expected a new alert row, not the resolved one")
	}
}

// TestStore_ResolveRejectsUnknownType tests resolution type validation
func TestStore_ResolveRejectsUnknownType(t *testing.T) {
	db, cleanup := setupTestDB(t)
	if db == nil {
		return
	}
	defer cleanup()

	store := NewStore(db, zaptest.NewLogger(t))
	ctx := context.Background()
	if err := store.InitSchema(ctx); err != nil {
		t.Fatalf("InitSchema failed: %v", err)
	}

	created, err := store.Create(ctx, testResult(3))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	err = store.Resolve(ctx, created.ID, "wontfix", "", "admin1")
	if !apperrors.IsErrorCode(err, apperrors.ErrValidation) {
		t.Fatalf("Expected validation error, got %v", err)
	}
}
