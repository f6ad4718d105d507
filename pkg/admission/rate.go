package admission

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimit applies an in-process token bucket per actor.
type RateLimit struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	credits  map[string]int // released tokens, spent before the bucket
	limit    rate.Limit
	burst    int
}

// NewRateLimit allows perSecond actions per actor with the given burst.
func NewRateLimit(perSecond float64, burst int) *RateLimit {
	return &RateLimit{
		limiters: make(map[string]*rate.Limiter),
		credits:  make(map[string]int),
		limit:    rate.Limit(perSecond),
		burst:    max(burst, 1),
	}
}

func (*RateLimit) Name() string { return "rate_limit" }

func (r *RateLimit) limiter(actor string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[actor]
	if !ok {
		l = rate.NewLimiter(r.limit, r.burst)
		r.limiters[actor] = l
	}
	return l
}

func (r *RateLimit) Admit(_ context.Context, req Request) (Decision, error) {
	if r.spendCredit(req.Actor) {
		return Allow(r.Name()), nil
	}
	if !r.limiter(req.Actor).Allow() {
		return Deny(r.Name(), "rate limit exceeded for %q", req.Actor), nil
	}
	return Allow(r.Name()), nil
}

// Release credits the actor one token, capped at the burst size.
func (r *RateLimit) Release(_ context.Context, req Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.credits[req.Actor] < r.burst {
		r.credits[req.Actor]++
	}
	return nil
}

func (r *RateLimit) spendCredit(actor string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.credits[actor] == 0 {
		return false
	}
	r.credits[actor]--
	if r.credits[actor] == 0 {
		delete(r.credits, actor)
	}
	return true
}
