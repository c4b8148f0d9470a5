package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Sweeper abandons cases that have sat in one state longer than the case
// timeout. It never moves a case forward.
type Sweeper struct {
	machine  *Machine
	timeout  time.Duration
	interval time.Duration
	logger   *slog.Logger
}

func NewSweeper(m *Machine, timeout, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{machine: m, timeout: timeout, interval: interval, logger: slog.Default()}
}

// Run sweeps once per interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.RunOnce(ctx); err != nil {
			s.logger.Error("case sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce abandons every idle non-terminal case and returns how many it
// abandoned. Cases that move concurrently are skipped.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	if s.timeout <= 0 {
		return 0, nil
	}
	cutoff := s.machine.now().UTC().Add(-s.timeout)
	terminal := make([]string, 0, 2)
	for _, st := range TerminalStates() {
		terminal = append(terminal, string(st))
	}
	cases, err := s.machine.store.ListCasesIdleSince(cutoff, terminal)
	if err != nil {
		return 0, fmt.Errorf("listing idle cases: %w", err)
	}

	n := 0
	for _, c := range cases {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		idle := s.machine.now().Sub(c.UpdatedAt).Round(time.Minute)
		_, err := s.machine.Advance(ctx, c.ID, State(c.State), Abandoned, Payload{
			Reason: "timeout",
			Detail: map[string]any{"idle": idle.String()},
		})
		if errors.Is(err, ErrStateConflict) {
			continue
		}
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
