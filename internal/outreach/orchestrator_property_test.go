package outreach

import (
	"context"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/kalambet/rankzen/internal/audit"
	"github.com/kalambet/rankzen/internal/blacklist"
	"github.com/kalambet/rankzen/internal/ratelimit"
	"github.com/kalambet/rankzen/internal/site"
	"github.com/kalambet/rankzen/internal/submit"
)

var submitOutcomes = []submit.Outcome{
	submit.Success, submit.FormNotFound, submit.CaptchaBlocked, submit.RateLimitedByTarget, submit.Error,
}

// TestCyclesRespectCapsAndBlacklist runs a few cycles over a random site pool
// with random caps, scores and submission outcomes, then checks that no cap
// was exceeded and that no blacklisted site was ever contacted again.
func TestCyclesRespectCapsAndBlacklist(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 40
	properties := gopter.NewProperties(parameters)

	properties.Property("caps hold and blacklisted sites are never contacted", prop.ForAll(
		func(dailyAudits, dailyOutreach, perCycle, pool int, seed int64) bool {
			h := newHarness(t, ratelimit.Caps{DailyAudits: dailyAudits, DailyOutreach: dailyOutreach, AuditsPerCycle: perCycle})
			ctx := context.Background()
			rng := rand.New(rand.NewPCG(uint64(seed), uint64(seed)>>1))

			urls := make([]string, pool)
			for i := range urls {
				urls[i] = fmt.Sprintf("https://site%d.example.com", i)
				if rng.IntN(4) == 0 {
					h.blacklist.Add(ctx, site.Identity(urls[i]), blacklist.ReasonManual)
				}
			}

			aud := scoreAuditor(0)
			aud.auditFn = func(_ context.Context, url string) (audit.Result, error) {
				return audit.Result{URL: url, FinalURL: url, Score: rng.IntN(101)}, nil
			}

			contacted := make(map[string]bool)
			violated := false
			sub := &mockSubmitter{}
			sub.submitFn = func(url string) submit.Result {
				id, _ := site.Normalize(url)
				if listed, _ := h.blacklist.Contains(ctx, id); listed {
					violated = true
				}
				o := submitOutcomes[rng.IntN(len(submitOutcomes))]
				if o == submit.Success {
					if contacted[url] {
						violated = true
					}
					contacted[url] = true
				}
				return submit.Result{Outcome: o}
			}

			o := h.orchestrator(&sliceSource{urls: urls}, aud, sub)
			audits := 0
			for range 3 {
				sum, err := o.Run(ctx, 0)
				if err != nil {
					return false
				}
				if sum.Audits > perCycle {
					return false
				}
				audits += sum.Audits
			}

			counters, err := h.limiter.Today(ctx)
			if err != nil {
				return false
			}
			return !violated &&
				counters.AuditsDone <= dailyAudits &&
				counters.OutreachDone <= dailyOutreach &&
				len(contacted) <= dailyOutreach &&
				audits <= dailyAudits
		},
		gen.IntRange(0, 12),
		gen.IntRange(0, 4),
		gen.IntRange(0, 6),
		gen.IntRange(1, 10),
		gen.Int64(),
	))

	properties.TestingRun(t)
}
