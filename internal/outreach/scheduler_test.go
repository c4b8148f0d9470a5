package outreach

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/rankzen/internal/audit"
	"github.com/kalambet/rankzen/internal/report"
	"github.com/kalambet/rankzen/internal/submit"
)

func TestScheduler_RunsCyclesUntilCancelled(t *testing.T) {
	h := newHarness(t, defaultCaps())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var audits atomic.Int32
	aud := &mockAuditor{auditFn: func(_ context.Context, url string) (audit.Result, error) {
		if audits.Add(1) == 3 {
			cancel()
		}
		return audit.Result{URL: url, FinalURL: url, Score: 95}, nil
	}}
	o := h.orchestrator(&sliceSource{urls: []string{"https://a.example.com"}}, aud, outcomeSubmitter(submit.Success))

	done := make(chan error, 1)
	go func() { done <- NewScheduler(o, 0).Run(ctx, 5*time.Millisecond) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v, want nil on cancellation", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop after cancellation")
	}
	if n := audits.Load(); n != 3 {
		t.Errorf("ran %d cycles, want 3", n)
	}
}

func TestScheduler_StopsOnPersistenceFailure(t *testing.T) {
	h := newHarness(t, defaultCaps())
	boom := errors.New("database is locked")
	o := New(Deps{
		Source:    &sliceSource{urls: []string{"https://a.example.com"}},
		Blacklist: h.blacklist,
		Limiter:   h.limiter,
		Auditor:   scoreAuditor(40),
		Composer:  report.New(report.Options{}),
		Submitter: outcomeSubmitter(submit.Success),
		Cases:     h.machine,
		Store:     failingStore{Store: h.store, err: boom},
		Activity:  h.activity,
	}, DefaultPolicy())

	err := NewScheduler(o, 0).Run(context.Background(), time.Millisecond)
	if !errors.Is(err, ErrPersistence) || !errors.Is(err, boom) {
		t.Fatalf("Run = %v, want a persistence failure wrapping %v", err, boom)
	}
}
