package ratelimit

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// Politeness spaces out requests to the same host. Each host gets its own
// token bucket with a burst of one.
type Politeness struct {
	mu       sync.Mutex
	limit    rate.Limit
	limiters map[string]*rate.Limiter
}

// NewPoliteness allows qps requests per second to any single host.
// A qps <= 0 falls back to 2.
func NewPoliteness(qps float64) *Politeness {
	if qps <= 0 {
		qps = 2
	}
	return &Politeness{
		limit:    rate.Limit(qps),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Wait blocks until a request to host is allowed or ctx is done.
func (p *Politeness) Wait(ctx context.Context, host string) error {
	return p.limiter(host).Wait(ctx)
}

func (p *Politeness) limiter(host string) *rate.Limiter {
	host = strings.ToLower(host)
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[host]
	if !ok {
		l = rate.NewLimiter(p.limit, 1)
		p.limiters[host] = l
	}
	return l
}
