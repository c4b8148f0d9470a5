package outreach

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Scheduler runs cycles back to back with a pause between them. A cycle
// always runs to its own end before the next one starts.
type Scheduler struct {
	orch          *Orchestrator
	maxCandidates int
	logger        *slog.Logger
}

func NewScheduler(o *Orchestrator, maxCandidates int) *Scheduler {
	return &Scheduler{orch: o, maxCandidates: maxCandidates, logger: slog.Default()}
}

// Run starts a cycle, waits interval after it finishes, and repeats until
// ctx is cancelled. It returns nil on cancellation and the error of the
// first cycle that failed to persist its results.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Hour
	}
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		sum, err := s.orch.Run(ctx, s.maxCandidates)
		if err != nil {
			if errors.Is(err, ErrPersistence) {
				return err
			}
			s.logger.Error("cycle failed", "error", err)
		} else {
			s.logger.Info("cycle summary",
				"cycle_id", sum.CycleID,
				"candidates", sum.Candidates,
				"audits", sum.Audits,
				"attempts", sum.Attempts,
				"successes", sum.Successes,
				"stopped", sum.Stopped,
				"next_in", interval,
			)
		}
		timer.Reset(interval)
	}
}
