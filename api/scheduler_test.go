package api

import (
	"context"
	"testing"
	"time"

	"github.com/warp/credit-engine/credit"
	"github.com/warp/credit-engine/store/sqlite"
)

func newSchedulerFixture(t *testing.T) (*credit.Engine, *SweepScheduler) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	engine, err := credit.NewEngine(store, nil)
	if err != nil {
		t.Fatalf("Failed to build engine: %v", err)
	}
	return engine, NewSweepScheduler(engine)
}

func TestSweepScheduler_RunNow(t *testing.T) {
	engine, scheduler := newSchedulerFixture(t)
	ctx := context.Background()

	expiry := time.Now().UTC().Add(-time.Hour)
	_, err := engine.Allocate(ctx, credit.AllocationRequest{
		UserID:     "user-1",
		CreditType: credit.TypeBonus,
		Amount:     30,
		SourceType: credit.SourceManual,
		ExpiresAt:  &expiry,
	})
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}

	scheduler.RunNow()

	summary, err := engine.GetBalance(ctx, "user-1", 0)
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if summary.Total != 0 {
		t.Errorf("Expected expired credits swept, balance is %d", summary.Total)
	}
}

func TestSweepScheduler_StartStop(t *testing.T) {
	_, scheduler := newSchedulerFixture(t)
	scheduler.CheckInterval = 10 * time.Millisecond

	scheduler.Start()
	time.Sleep(30 * time.Millisecond)
	scheduler.Stop()

	// Stop again is safe.
	scheduler.Stop()
}

func TestSweepScheduler_DisabledDoesNotStart(t *testing.T) {
	_, scheduler := newSchedulerFixture(t)
	scheduler.Enabled = false

	scheduler.Start()
	scheduler.Stop()
}
