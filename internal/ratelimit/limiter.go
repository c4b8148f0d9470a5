// Package ratelimit enforces the daily and per-cycle caps on audits and
// outreach, and the per-host politeness delay.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/rankzen/internal/storage"
)

// ErrCapReached is returned by RecordOutreach when the daily outreach cap
// has already been used up.
var ErrCapReached = errors.New("daily cap reached")

const dateLayout = "2006-01-02"

// casAttempts bounds the optimistic retry loop when counters are contended.
const casAttempts = 16

// CounterStore persists the daily counters.
type CounterStore interface {
	GetDailyCounters(date string) (storage.DailyCounters, error)
	CompareAndSwapCounters(prev, next storage.DailyCounters) (bool, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Caps are the configured limits. A cap of zero allows nothing.
type Caps struct {
	DailyAudits    int
	DailyOutreach  int
	AuditsPerCycle int
}

// Limiter is the only component that mutates the daily counters. Every
// increment is a compare-and-swap on the value it read, so concurrent
// writers can never push a counter past its cap.
type Limiter struct {
	store CounterStore
	caps  Caps
	clock Clock
}

func New(store CounterStore, caps Caps) *Limiter {
	return NewWithClock(store, caps, realClock{})
}

// NewWithClock creates a Limiter with a custom clock (for testing).
func NewWithClock(store CounterStore, caps Caps, clock Clock) *Limiter {
	return &Limiter{store: store, caps: caps, clock: clock}
}

// Caps returns the configured limits.
func (l *Limiter) Caps() Caps { return l.caps }

func (l *Limiter) today() string {
	return l.clock.Now().UTC().Format(dateLayout)
}

// Today returns the counters for the current UTC day.
func (l *Limiter) Today(ctx context.Context) (storage.DailyCounters, error) {
	if err := ctx.Err(); err != nil {
		return storage.DailyCounters{}, err
	}
	c, err := l.store.GetDailyCounters(l.today())
	if err != nil {
		return storage.DailyCounters{}, fmt.Errorf("reading daily counters: %w", err)
	}
	return c, nil
}

// AuditsAvailable reports whether today's audit cap still has room.
func (l *Limiter) AuditsAvailable(ctx context.Context) (bool, error) {
	c, err := l.Today(ctx)
	if err != nil {
		return false, err
	}
	return c.AuditsDone < l.caps.DailyAudits, nil
}

// AcquireAudit reserves one audit from today's budget. It returns false
// without error when the cap is reached.
func (l *Limiter) AcquireAudit(ctx context.Context) (bool, error) {
	return l.increment(ctx, func(c storage.DailyCounters) (storage.DailyCounters, bool) {
		if c.AuditsDone >= l.caps.DailyAudits {
			return c, false
		}
		c.AuditsDone++
		return c, true
	})
}

// OutreachAvailable reports whether today's outreach cap still has room.
func (l *Limiter) OutreachAvailable(ctx context.Context) (bool, error) {
	c, err := l.Today(ctx)
	if err != nil {
		return false, err
	}
	return c.OutreachDone < l.caps.DailyOutreach, nil
}

// RecordOutreach counts one successful outreach. If the cap was reached by
// another writer in the meantime it returns ErrCapReached and leaves the
// counter unchanged.
func (l *Limiter) RecordOutreach(ctx context.Context) error {
	ok, err := l.increment(ctx, func(c storage.DailyCounters) (storage.DailyCounters, bool) {
		if c.OutreachDone >= l.caps.DailyOutreach {
			return c, false
		}
		c.OutreachDone++
		return c, true
	})
	if err != nil {
		return err
	}
	if !ok {
		return ErrCapReached
	}
	return nil
}

func (l *Limiter) increment(ctx context.Context, bump func(storage.DailyCounters) (storage.DailyCounters, bool)) (bool, error) {
	date := l.today()
	for range casAttempts {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		prev, err := l.store.GetDailyCounters(date)
		if err != nil {
			return false, fmt.Errorf("reading daily counters: %w", err)
		}
		next, ok := bump(prev)
		if !ok {
			return false, nil
		}
		swapped, err := l.store.CompareAndSwapCounters(prev, next)
		if err != nil {
			return false, fmt.Errorf("updating daily counters: %w", err)
		}
		if swapped {
			return true, nil
		}
	}
	return false, fmt.Errorf("daily counters for %s: gave up after %d contended updates", date, casAttempts)
}

// CycleBudget tracks the audits spent within one cycle. It is not shared
// between cycles.
type CycleBudget struct {
	limit int
	used  int
}

// BeginCycle returns a fresh per-cycle audit budget.
func (l *Limiter) BeginCycle() *CycleBudget {
	return &CycleBudget{limit: l.caps.AuditsPerCycle}
}

// Exhausted reports whether the cycle has used all of its audits.
func (b *CycleBudget) Exhausted() bool { return b.used >= b.limit }

// Spend records one audit against the cycle.
func (b *CycleBudget) Spend() { b.used++ }

// Used returns the number of audits spent so far.
func (b *CycleBudget) Used() int { return b.used }
