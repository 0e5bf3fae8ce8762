package quota

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Pacer spaces out requests per API key so bursts of queries do not trip the
// provider's per-second limits.
type Pacer struct {
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
}

// NewPacer creates a pacer allowing perSecond requests per key. A
// non-positive rate disables pacing.
func NewPacer(perSecond float64, burst int) *Pacer {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst <= 0 {
		burst = 1
	}
	return &Pacer{
		limit:    limit,
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Wait blocks until key may issue another request or ctx is done.
func (p *Pacer) Wait(ctx context.Context, key string) error {
	return p.get(key).Wait(ctx)
}

// Allow reports whether key may issue a request right now.
func (p *Pacer) Allow(key string) bool {
	return p.get(key).Allow()
}

func (p *Pacer) get(key string) *rate.Limiter {
	p.mu.RLock()
	limiter, exists := p.limiters[key]
	p.mu.RUnlock()

	if exists {
		return limiter
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check after acquiring write lock
	if limiter, exists := p.limiters[key]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(p.limit, p.burst)
	p.limiters[key] = limiter
	return limiter
}
