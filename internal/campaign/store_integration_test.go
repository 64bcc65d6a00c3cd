// Package campaign integration tests run against a disposable
// PostgreSQL container and are skipped when Docker is unavailable.
package campaign

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"

	"github.com/openacr/openacr/internal/common/database"
	apperrors "github.com/openacr/openacr/internal/common/errors"
)

// setupTestDB creates a test database container
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

func newTestStore(t *testing.T, db *database.PostgresDB) *Store {
	t.Helper()
	store := NewStore(db, zaptest.NewLogger(t))
	if err := store.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema failed: %v", err)
	}
	return store
}

func activeCampaign(tenantID, campaignType string) Campaign {
	now := time.Now().UTC()
	return Campaign{
		TenantID:     tenantID,
		Name:         "Q1 access review",
		CampaignType: campaignType,
		ScopeType:    ScopeAll,
		StartDate:    now,
		DueDate:      now.AddDate(0, 0, 30),
		CreatedBy:    "admin",
	}
}

// TestStore_DuplicateActiveCampaignRejected tests the per-type
// one-active-campaign guard
func TestStore_DuplicateActiveCampaignRejected(t *testing.T) {
	db, cleanup := setupTestDB(t)
	if db == nil {
		return
	}
	defer cleanup()

	store := newTestStore(t, db)
	ctx := context.Background()

	first, err := store.Create(ctx, activeCampaign("tenant1", TypeQuarterly))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	_, err = store.Create(ctx, activeCampaign("tenant1", TypeQuarterly))
	if !apperrors.IsErrorCode(err, apperrors.ErrDuplicateActiveCampaign) {
		t.Fatalf("Expected DuplicateActiveCampaign, got %v", err)
	}

	// A different type for the same tenant is fine.
	if _, err := store.Create(ctx, activeCampaign("tenant1", TypeAdHoc)); err != nil {
		t.Fatalf("Create ad-hoc failed: %v", err)
	}

	// Another tenant is fine.
	if _, err := store.Create(ctx, activeCampaign("tenant2", TypeQuarterly)); err != nil {
		t.Fatalf("Create for tenant2 failed: %v", err)
	}

	// After cancellation the type becomes available again.
	if err := store.Cancel(ctx, first.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if _, err := store.Create(ctx, activeCampaign("tenant1", TypeQuarterly)); err != nil {
		t.Fatalf("Create after cancel failed: %v", err)
	}
}

// TestStore_ItemGenerationIdempotent tests that re-inserting the same
// grants adds no duplicate items
func TestStore_ItemGenerationIdempotent(t *testing.T) {
	db, cleanup := setupTestDB(t)
	if db == nil {
		return
	}
	defer cleanup()

	store := newTestStore(t, db)
	ctx := context.Background()

	c, err := store.Create(ctx, activeCampaign("tenant1", TypeQuarterly))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	items := []Item{
		{CampaignID: c.ID, TenantID: "tenant1", UserID: "u1", AppID: "crm", AccessType: "write"},
		{CampaignID: c.ID, TenantID: "tenant1", UserID: "u1", AppID: "erp", AccessType: "read"},
		{CampaignID: c.ID, TenantID: "tenant1", UserID: "u2", AppID: "crm", AccessType: "admin"},
	}

	inserted, err := store.InsertItems(ctx, items)
	if err != nil {
		t.Fatalf("InsertItems failed: %v", err)
	}
	if inserted != 3 {
		t.Errorf("Expected 3 inserted, got %d", inserted)
	}

	inserted, err = store.InsertItems(ctx, items)
	if err != nil {
		t.Fatalf("Second InsertItems failed: %v", err)
	}
	if inserted != 0 {
		t.Errorf("Expected 0 inserted on retry, got %d", inserted)
	}

	listed, err := store.ListItems(ctx, c.ID, "", 0, 100)
	if err != nil {
		t.Fatalf("ListItems failed: %v", err)
	}
	if len(listed) != 3 {
		t.Errorf("Expected 3 items, got %d", len(listed))
	}
}

// TestStore_DecisionConflict tests that a decided item rejects a
// second decision
func TestStore_DecisionConflict(t *testing.T) {
	db, cleanup := setupTestDB(t)
	if db == nil {
		return
	}
	defer cleanup()

	store := newTestStore(t, db)
	ctx := context.Background()

	c, err := store.Create(ctx, activeCampaign("tenant1", TypeQuarterly))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := store.InsertItems(ctx, []Item{
		{CampaignID: c.ID, TenantID: "tenant1", UserID: "u1", AppID: "crm", AccessType: "write"},
	}); err != nil {
		t.Fatalf("InsertItems failed: %v", err)
	}

	items, err := store.ListItems(ctx, c.ID, "", 0, 10)
	if err != nil {
		t.Fatalf("ListItems failed: %v", err)
	}
	itemID := items[0].ID

	if err := store.DecideItem(ctx, itemID, DecisionApproved, "reviewer1"); err != nil {
		t.Fatalf("DecideItem failed: %v", err)
	}

	err = store.DecideItem(ctx, itemID, DecisionRevoked, "reviewer2")
	if !apperrors.IsErrorCode(err, apperrors.ErrConcurrentDecisionConflict) {
		t.Fatalf("Expected ConcurrentDecisionConflict, got %v", err)
	}

	got, err := store.GetItem(ctx, itemID)
	if err != nil {
		t.Fatalf("GetItem failed: %v", err)
	}
	if got.Decision != DecisionApproved || got.ReviewerID != "reviewer1" {
		t.Errorf("First decision must win, got %s by %s", got.Decision, got.ReviewerID)
	}
}

// TestStore_AutoApproveLeavesDeferred tests the timeout policy against
// a mixed item set
func TestStore_AutoApproveLeavesDeferred(t *testing.T) {
	db, cleanup := setupTestDB(t)
	if db == nil {
		return
	}
	defer cleanup()

	store := newTestStore(t, db)
	ctx := context.Background()

	c, err := store.Create(ctx, activeCampaign("tenant1", TypeQuarterly))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := store.InsertItems(ctx, []Item{
		{CampaignID: c.ID, TenantID: "tenant1", UserID: "u1", AppID: "crm", AccessType: "write"},
		{CampaignID: c.ID, TenantID: "tenant1", UserID: "u2", AppID: "erp", AccessType: "read"},
		{CampaignID: c.ID, TenantID: "tenant1", UserID: "u3", AppID: "vpn", AccessType: "admin"},
	}); err != nil {
		t.Fatalf("InsertItems failed: %v", err)
	}

	items, err := store.ListItems(ctx, c.ID, "", 0, 10)
	if err != nil {
		t.Fatalf("ListItems failed: %v", err)
	}
	if err := store.DecideItem(ctx, items[0].ID, DecisionDeferred, "reviewer1"); err != nil {
		t.Fatalf("DecideItem failed: %v", err)
	}

	approved, err := store.AutoApprovePending(ctx, c.ID)
	if err != nil {
		t.Fatalf("AutoApprovePending failed: %v", err)
	}
	if approved != 2 {
		t.Errorf("Expected 2 auto-approved, got %d", approved)
	}

	deferred, err := store.ListItems(ctx, c.ID, DecisionDeferred, 0, 10)
	if err != nil {
		t.Fatalf("ListItems failed: %v", err)
	}
	if len(deferred) != 1 {
		t.Fatalf("Expected 1 deferred item untouched, got %d", len(deferred))
	}

	approvedItems, err := store.ListItems(ctx, c.ID, DecisionApproved, 0, 10)
	if err != nil {
		t.Fatalf("ListItems failed: %v", err)
	}
	for _, item := range approvedItems {
		if item.ReviewerID != SystemReviewer {
			t.Errorf("Expected system reviewer, got %s", item.ReviewerID)
		}
	}

	// Deferred item keeps the campaign open.
	completed, err := store.CompleteIfDone(ctx, c.ID)
	if err != nil {
		t.Fatalf("CompleteIfDone failed: %v", err)
	}
	if completed {
		t.Error("Campaign must stay open while deferred items remain")
	}

	if err := store.DecideItem(ctx, deferred[0].ID, DecisionRevoked, "reviewer1"); err != nil {
		t.Fatalf("DecideItem failed: %v", err)
	}
	completed, err = store.CompleteIfDone(ctx, c.ID)
	if err != nil {
		t.Fatalf("CompleteIfDone failed: %v", err)
	}
	if !completed {
		t.Error("Campaign must complete once every item is decided")
	}
}

// TestStore_EscalationMilestoneDedupe tests the (campaign, daysOverdue)
// ledger key
func TestStore_EscalationMilestoneDedupe(t *testing.T) {
	db, cleanup := setupTestDB(t)
	if db == nil {
		return
	}
	defer cleanup()

	store := newTestStore(t, db)
	ctx := context.Background()

	c, err := store.Create(ctx, activeCampaign("tenant1", TypeQuarterly))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	created, err := store.RecordEscalation(ctx, c.ID, "tenant1", 3, 2)
	if err != nil {
		t.Fatalf("RecordEscalation failed: %v", err)
	}
	if !created {
		t.Error("Expected first milestone to be recorded")
	}

	created, err = store.RecordEscalation(ctx, c.ID, "tenant1", 3, 2)
	if err != nil {
		t.Fatalf("RecordEscalation retry failed: %v", err)
	}
	if created {
		t.Error("Expected milestone retry to be deduplicated")
	}

	created, err = store.RecordEscalation(ctx, c.ID, "tenant1", 7, 2)
	if err != nil {
		t.Fatalf("RecordEscalation failed: %v", err)
	}
	if !created {
		t.Error("Expected next milestone to be recorded")
	}

	ledger, err := store.ListEscalations(ctx, c.ID)
	if err != nil {
		t.Fatalf("ListEscalations failed: %v", err)
	}
	if len(ledger) != 2 {
		t.Errorf("Expected 2 ledger entries, got %d", len(ledger))
	}
}
