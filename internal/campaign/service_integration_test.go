package campaign

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	apperrors "github.com/openacr/openacr/internal/common/errors"
	"github.com/openacr/openacr/internal/entitlement"
)

type stubSource struct {
	grants []entitlement.Grant
	err    error
}

func (s *stubSource) GrantsForTenant(ctx context.Context, tenantID string) ([]entitlement.Grant, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.grants, nil
}

func (s *stubSource) GrantsForUser(ctx context.Context, tenantID, userID string) ([]entitlement.Grant, error) {
	return nil, nil
}

type stubDirectory struct {
	users    []entitlement.User
	managers map[string]string
}

func (d *stubDirectory) Tenants(ctx context.Context) ([]string, error) {
	return []string{"tenant1"}, nil
}

func (d *stubDirectory) UsersForTenant(ctx context.Context, tenantID string) ([]entitlement.User, error) {
	return d.users, nil
}

func (d *stubDirectory) Manager(ctx context.Context, tenantID, userID string) (string, error) {
	return d.managers[userID], nil
}

type stubAccessLink struct{}

func (stubAccessLink) RequestRemoval(ctx context.Context, grant entitlement.Grant) error {
	return nil
}

// flakyNotifier fails its first N sends, then delivers.
type flakyNotifier struct {
	failures int
	calls    int
	sent     []entitlement.Notification
}

func (f *flakyNotifier) Send(ctx context.Context, n entitlement.Notification) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("gateway timeout")
	}
	f.sent = append(f.sent, n)
	return nil
}

// TestEngine_CreateCampaignFreesSlotOnGenerationFailure tests that a
// failed item generation does not leave an active zero-item campaign
// holding the one-active-per-type slot.
func TestEngine_CreateCampaignFreesSlotOnGenerationFailure(t *testing.T) {
	db, cleanup := setupTestDB(t)
	if db == nil {
		return
	}
	defer cleanup()

	store := newTestStore(t, db)
	ctx := context.Background()

	source := &stubSource{err: apperrors.DownstreamUnavailable("entitlement-source", nil)}
	directory := &stubDirectory{users: []entitlement.User{{ID: "u1"}, {ID: "u2"}}}
	engine := NewEngine(store, source, directory, stubAccessLink{}, &flakyNotifier{}, nil, zaptest.NewLogger(t))

	now := time.Now().UTC()
	params := CreateParams{
		TenantID:     "tenant1",
		Name:         "Q3 Access Review",
		CampaignType: TypeQuarterly,
		ScopeType:    ScopeAll,
		StartDate:    now,
		DueDate:      now.AddDate(0, 0, 30),
		CreatedBy:    "admin",
	}

	_, err := engine.CreateCampaign(ctx, params)
	if !apperrors.IsErrorCode(err, apperrors.ErrDownstreamUnavailable) {
		t.Fatalf("Expected DownstreamUnavailable, got %v", err)
	}

	active, err := store.FindActiveByType(ctx, "tenant1", TypeQuarterly)
	if err != nil {
		t.Fatalf("FindActiveByType failed: %v", err)
	}
	if active != nil {
		t.Fatalf("Failed creation must not hold the active slot, found %s", active.ID)
	}

	// Once the source recovers, the same params succeed.
	source.err = nil
	source.grants = []entitlement.Grant{
		{TenantID: "tenant1", UserID: "u1", AppID: "crm", AccessType: "write"},
		{TenantID: "tenant1", UserID: "u2", AppID: "erp", AccessType: "admin"},
	}

	created, err := engine.CreateCampaign(ctx, params)
	if err != nil {
		t.Fatalf("CreateCampaign retry failed: %v", err)
	}
	if created.TotalItems != 2 {
		t.Errorf("Expected 2 review items, got %d", created.TotalItems)
	}
}

// TestEngine_EscalationLedgerWrittenAfterDelivery tests that a tick
// where every escalation send fails leaves the milestone unclaimed, so
// the next tick retries instead of silently burning it.
func TestEngine_EscalationLedgerWrittenAfterDelivery(t *testing.T) {
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

	directory := &stubDirectory{managers: map[string]string{"u1": "m1"}}
	notifier := &flakyNotifier{failures: 1}
	engine := NewEngine(store, &stubSource{}, directory, stubAccessLink{}, notifier, nil, zaptest.NewLogger(t))

	// Every delivery fails: no ledger row, soft error.
	sent, err := engine.EscalateOverdueReviews(ctx, *c, 3)
	if !apperrors.IsErrorCode(err, apperrors.ErrNotificationDeliveryFailed) {
		t.Fatalf("Expected NotificationDeliveryFailed, got %v", err)
	}
	if sent != 0 {
		t.Errorf("Expected 0 sent, got %d", sent)
	}
	recorded, err := store.EscalationRecorded(ctx, c.ID, 3)
	if err != nil {
		t.Fatalf("EscalationRecorded failed: %v", err)
	}
	if recorded {
		t.Fatal("Milestone must stay unclaimed when no delivery succeeded")
	}

	// Next tick: delivery works and the milestone is claimed.
	sent, err = engine.EscalateOverdueReviews(ctx, *c, 3)
	if err != nil {
		t.Fatalf("EscalateOverdueReviews retry failed: %v", err)
	}
	if sent != 1 {
		t.Errorf("Expected 1 sent on retry, got %d", sent)
	}
	ledger, err := store.ListEscalations(ctx, c.ID)
	if err != nil {
		t.Fatalf("ListEscalations failed: %v", err)
	}
	if len(ledger) != 1 || ledger[0].DaysOverdue != 3 {
		t.Fatalf("Expected one ledger entry for day 3, got %+v", ledger)
	}

	// Claimed milestone: no further sends.
	sent, err = engine.EscalateOverdueReviews(ctx, *c, 3)
	if err != nil {
		t.Fatalf("EscalateOverdueReviews failed: %v", err)
	}
	if sent != 0 || notifier.calls != 2 {
		t.Errorf("Expected claimed milestone to skip sending, sent=%d calls=%d", sent, notifier.calls)
	}
}
