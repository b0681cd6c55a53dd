// Package jobs holds periodic background workers.
package jobs

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/storyloom/backend/internal/notifications"
)

// Jobs survive in pending or generating only while a process goroutine is
// driving them. After a crash or restart nothing will ever touch them again,
// so anything without a status write for this long is dead.
const defaultStuckAfter = 30 * time.Minute

// ReaperStore is the slice of the store the reaper needs.
type ReaperStore interface {
	FailStuckJobs(ctx context.Context, cutoff time.Time, errorDetail string) ([]string, error)
}

// StuckJobReaper periodically fails orphaned audiobook jobs so clients polling
// them see a terminal state instead of a job frozen mid-generation.
type StuckJobReaper struct {
	store      ReaperStore
	discord    *notifications.Discord
	logger     *log.Logger
	interval   time.Duration
	stuckAfter time.Duration
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

// NewStuckJobReaper creates a reaper. interval defaults to 5 minutes,
// stuckAfter to 30 minutes.
func NewStuckJobReaper(s ReaperStore, discord *notifications.Discord, logger *log.Logger, interval, stuckAfter time.Duration) *StuckJobReaper {
	if interval == 0 {
		interval = 5 * time.Minute
	}
	if stuckAfter == 0 {
		stuckAfter = defaultStuckAfter
	}
	return &StuckJobReaper{
		store:      s,
		discord:    discord,
		logger:     logger,
		interval:   interval,
		stuckAfter: stuckAfter,
		stopCh:     make(chan struct{}),
	}
}

// Start begins the background loop.
func (r *StuckJobReaper) Start() {
	r.wg.Add(1)
	go r.run()
	r.logger.Printf("StuckJobReaper: started (interval=%v, stuckAfter=%v)", r.interval, r.stuckAfter)
}

// Stop gracefully stops the background loop.
func (r *StuckJobReaper) Stop() {
	close(r.stopCh)
	r.wg.Wait()
	r.logger.Println("StuckJobReaper: stopped")
}

func (r *StuckJobReaper) run() {
	defer r.wg.Done()

	// Run immediately on start: a restart is exactly when orphans exist.
	r.reap()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.reap()
		case <-r.stopCh:
			return
		}
	}
}

func (r *StuckJobReaper) reap() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := time.Now().Add(-r.stuckAfter)
	detail := fmt.Sprintf("job interrupted: no progress for %v", r.stuckAfter)

	ids, err := r.store.FailStuckJobs(ctx, cutoff, detail)
	if err != nil {
		r.logger.Printf("StuckJobReaper: failed to reap: %v", err)
		sentry.CaptureException(err)
		return
	}
	if len(ids) == 0 {
		return
	}

	r.logger.Printf("StuckJobReaper: failed %d stuck jobs: %v", len(ids), ids)
	for _, id := range ids {
		r.discord.NotifyJobFailed(ctx, id, "unknown", detail)
	}
}
