// Quarterly campaign tick tests run against a disposable PostgreSQL
// container and are skipped when Docker is unavailable.
package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"

	"github.com/openacr/openacr/internal/campaign"
	"github.com/openacr/openacr/internal/common/config"
	"github.com/openacr/openacr/internal/common/database"
	apperrors "github.com/openacr/openacr/internal/common/errors"
	"github.com/openacr/openacr/internal/entitlement"
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

// flakySource fails its first N GrantsForTenant calls, then heals.
type flakySource struct {
	grants   []entitlement.Grant
	failures int
	calls    int
}

func (f *flakySource) GrantsForTenant(ctx context.Context, tenantID string) ([]entitlement.Grant, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, apperrors.DownstreamUnavailable("entitlement-source", nil)
	}
	return f.grants, nil
}

func (f *flakySource) GrantsForUser(ctx context.Context, tenantID, userID string) ([]entitlement.Grant, error) {
	return nil, nil
}

type nopAccessLink struct{}

func (nopAccessLink) RequestRemoval(ctx context.Context, grant entitlement.Grant) error { return nil }

type nopNotifier struct{}

func (nopNotifier) Send(ctx context.Context, n entitlement.Notification) error { return nil }

func quarterlyFixture(t *testing.T, db *database.PostgresDB, source *flakySource) (*Scheduler, *Runner, *campaign.Store) {
	t.Helper()
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	store := campaign.NewStore(db, logger)
	if err := store.InitSchema(ctx); err != nil {
		t.Fatalf("InitSchema failed: %v", err)
	}
	ledger := NewLedger(db, logger)
	if err := ledger.InitSchema(ctx); err != nil {
		t.Fatalf("InitSchema failed: %v", err)
	}

	directory := &fakeDirectory{
		tenants: []string{"tenant1"},
		users:   []entitlement.User{{ID: "u1"}, {ID: "u2"}},
	}
	engine := campaign.NewEngine(store, source, directory, nopAccessLink{}, nopNotifier{}, nil, logger)
	runner := NewRunner(directory, ledger, logger)
	scheduler := NewScheduler(runner, engine, store, nil, nil, nil, nil,
		config.SchedulerConfig{}, config.CampaignDefaults{QuarterlyDurationDays: 30}, logger)

	return scheduler, runner, store
}

func lastReport(t *testing.T, runner *Runner) BatchReport {
	t.Helper()
	reports := runner.Reports()
	if len(reports) == 0 {
		t.Fatal("expected at least one batch report")
	}
	return reports[len(reports)-1]
}

// TestQuarterlyTick_GenerationFailureRetriesNextTick covers the
// recovery path: the first tick fails while loading grants, which must
// not leave an active zero-item campaign occupying the per-type slot.
// The next tick of the same quarter retries and succeeds, and a third
// tick is a no-op.
func TestQuarterlyTick_GenerationFailureRetriesNextTick(t *testing.T) {
	db, cleanup := setupTestDB(t)
	if db == nil {
		return
	}
	defer cleanup()

	ctx := context.Background()
	source := &flakySource{
		failures: 1,
		grants: []entitlement.Grant{
			{TenantID: "tenant1", UserID: "u1", AppID: "crm", AccessType: "write"},
			{TenantID: "tenant1", UserID: "u2", AppID: "erp", AccessType: "admin"},
		},
	}
	scheduler, runner, store := quarterlyFixture(t, db, source)

	scheduler.RunQuarterlyCampaigns(ctx)
	if report := lastReport(t, runner); report.Failed != 1 {
		t.Fatalf("Expected 1 failed tenant, got %+v", report)
	}

	// The failed creation must not hold the one-active-per-type slot.
	existing, err := store.FindActiveByType(ctx, "tenant1", campaign.TypeQuarterly)
	if err != nil {
		t.Fatalf("FindActiveByType failed: %v", err)
	}
	if existing != nil {
		t.Fatalf("Expected no active quarterly campaign after failed generation, got %s", existing.ID)
	}

	// Same quarter, next tick: the released claim retries the tenant.
	scheduler.RunQuarterlyCampaigns(ctx)
	if report := lastReport(t, runner); report.Succeeded != 1 {
		t.Fatalf("Expected retry to succeed, got %+v", report)
	}

	existing, err = store.FindActiveByType(ctx, "tenant1", campaign.TypeQuarterly)
	if err != nil {
		t.Fatalf("FindActiveByType failed: %v", err)
	}
	if existing == nil {
		t.Fatal("Expected an active quarterly campaign after retry")
	}
	if existing.TotalItems != 2 {
		t.Errorf("Expected 2 review items, got %d", existing.TotalItems)
	}

	// Third tick of the same quarter: the claim holds, nothing runs.
	scheduler.RunQuarterlyCampaigns(ctx)
	if report := lastReport(t, runner); report.Skipped != 1 {
		t.Fatalf("Expected tenant to be skipped once the quarter ran, got %+v", report)
	}
}

// TestQuarterlyTick_HealsZeroItemCampaign covers a crash between the
// campaign insert and item generation: the tick finds the existing
// active campaign and re-runs generation instead of reporting success
// with an empty campaign.
func TestQuarterlyTick_HealsZeroItemCampaign(t *testing.T) {
	db, cleanup := setupTestDB(t)
	if db == nil {
		return
	}
	defer cleanup()

	ctx := context.Background()
	source := &flakySource{
		grants: []entitlement.Grant{
			{TenantID: "tenant1", UserID: "u1", AppID: "crm", AccessType: "write"},
			{TenantID: "tenant1", UserID: "u2", AppID: "erp", AccessType: "admin"},
		},
	}
	scheduler, runner, store := quarterlyFixture(t, db, source)

	// An active quarterly campaign with no items, as a crash mid-create
	// would leave behind.
	now := time.Now().UTC()
	orphan, err := store.Create(ctx, campaign.Campaign{
		TenantID:     "tenant1",
		Name:         "Q3 Access Review",
		CampaignType: campaign.TypeQuarterly,
		ScopeType:    campaign.ScopeAll,
		StartDate:    now,
		DueDate:      now.AddDate(0, 0, 30),
		CreatedBy:    campaign.SystemReviewer,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	scheduler.RunQuarterlyCampaigns(ctx)
	report := lastReport(t, runner)
	if report.Succeeded != 1 {
		t.Fatalf("Expected tick to succeed against the existing campaign, got %+v", report)
	}

	healed, err := store.Get(ctx, orphan.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if healed.TotalItems != 2 {
		t.Errorf("Expected generation to backfill 2 items, got %d", healed.TotalItems)
	}

	items, err := store.ListItems(ctx, orphan.ID, "", 0, 10)
	if err != nil {
		t.Fatalf("ListItems failed: %v", err)
	}
	if len(items) != 2 {
		t.Errorf("Expected 2 review items, got %d", len(items))
	}
}
