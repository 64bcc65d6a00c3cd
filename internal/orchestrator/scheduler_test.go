package orchestrator

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"github.com/openacr/openacr/internal/common/config"
)

func testScheduler(t *testing.T) *Scheduler {
	t.Helper()
	cfg := config.SchedulerConfig{
		QuarterlySpec:    "0 1 * * *",
		DriftScanSpec:    "0 2 * * *",
		OverprivScanSpec: "0 3 * * 1",
		CampaignPassSpec: "0 9 * * *",
	}
	return NewScheduler(nil, nil, nil, nil, nil, nil, nil, cfg, config.CampaignDefaults{}, zaptest.NewLogger(t))
}

func TestTryRunSkipsOverlappingTick(t *testing.T) {
	s := testScheduler(t)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.tryRun(ctx, JobDailyScan, func(context.Context) {
			close(started)
			<-release
		})
	}()
	<-started

	// Second tick of the same job while the first is in flight: skipped.
	ran := false
	s.tryRun(ctx, JobDailyScan, func(context.Context) { ran = true })
	assert.False(t, ran)

	// A different job is independent.
	otherRan := false
	s.tryRun(ctx, JobOverprivScan, func(context.Context) { otherRan = true })
	assert.True(t, otherRan)

	close(release)
	wg.Wait()

	// After the first tick finishes, the job runs again.
	ran = false
	s.tryRun(ctx, JobDailyScan, func(context.Context) { ran = true })
	assert.True(t, ran)
}

func TestSchedulerCronSpecsParse(t *testing.T) {
	s := testScheduler(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start validates every configured spec against the cron parser.
	assert.NoError(t, s.Start(ctx))
	s.Stop()
}
