/*
scheduler.go - Automated expiration sweep scheduler

PURPOSE:
  Periodically runs the expiration sweep so allocations whose window
  elapsed are retired without waiting for a manual trigger.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Each run is idempotent; already-retired allocations are skipped
  - Partial progress persists across runs

CONFIGURATION:
  - CheckInterval: How often to sweep (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewSweepScheduler(engine)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerSweep endpoint (manual sweep)
  - credit/sweeper.go: Sweep implementation
*/
package api

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/warp/credit-engine/credit"
)

// SweepScheduler runs the expiration sweep on a fixed interval.
type SweepScheduler struct {
	Engine        *credit.Engine
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewSweepScheduler creates a new scheduler.
func NewSweepScheduler(engine *credit.Engine) *SweepScheduler {
	return &SweepScheduler{
		Engine:        engine,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		stop:          make(chan bool),
	}
}

// Start begins the scheduler.
func (ss *SweepScheduler) Start() {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if !ss.Enabled {
		log.Println("[Scheduler] Disabled, not starting")
		return
	}

	ss.ticker = time.NewTicker(ss.CheckInterval)
	ss.wg.Add(1)

	go ss.run()

	log.Printf("[Scheduler] Started with check interval: %v", ss.CheckInterval)
}

// Stop stops the scheduler.
func (ss *SweepScheduler) Stop() {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if ss.ticker != nil {
		ss.ticker.Stop()
		ss.ticker = nil
		close(ss.stop)
		ss.wg.Wait()
		log.Println("[Scheduler] Stopped")
	}
}

func (ss *SweepScheduler) run() {
	defer ss.wg.Done()

	// Run immediately on start
	ss.sweep()

	for {
		select {
		case <-ss.ticker.C:
			ss.sweep()
		case <-ss.stop:
			return
		}
	}
}

func (ss *SweepScheduler) sweep() {
	ctx := context.Background()
	now := time.Now().UTC()

	result, err := ss.Engine.Sweep(ctx, now)
	if err != nil {
		log.Printf("[Scheduler] Sweep error: %v", err)
		return
	}
	if result.ProcessedCount > 0 {
		log.Printf("[Scheduler] Sweep retired %d credits across %d allocations (%d accounts)",
			result.TotalExpired, result.ProcessedCount, result.AccountsAffected)
	}
}

// RunNow triggers an immediate sweep (for testing/admin).
func (ss *SweepScheduler) RunNow() {
	ss.sweep()
}
