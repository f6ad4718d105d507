package admission

import (
	"context"
	"sync"
	"time"
)

// Usage tracks an actor's consumption for the current UTC day.
type Usage struct {
	Actor       string    `json:"actor"`
	DailyUsed   int64     `json:"daily_used"`
	LastUpdated time.Time `json:"last_updated"`
}

// UsageStorage persists quota usage.
type UsageStorage interface {
	Get(ctx context.Context, actor string) (*Usage, error)
	Set(ctx context.Context, u *Usage) error
}

// MemoryUsageStorage keeps usage in a map.
type MemoryUsageStorage struct {
	mu    sync.RWMutex
	usage map[string]*Usage
}

func NewMemoryUsageStorage() *MemoryUsageStorage {
	return &MemoryUsageStorage{usage: make(map[string]*Usage)}
}

func (s *MemoryUsageStorage) Get(_ context.Context, actor string) (*Usage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.usage[actor]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryUsageStorage) Set(_ context.Context, u *Usage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *u
	s.usage[u.Actor] = &cp
	return nil
}

// Quota limits the number of admitted actions per actor per UTC day.
type Quota struct {
	DailyLimit int64

	mu      sync.Mutex
	storage UsageStorage
	clock   func() time.Time
}

// NewQuota creates a quota policy. A nil storage uses memory.
func NewQuota(limit int64, storage UsageStorage) *Quota {
	if storage == nil {
		storage = NewMemoryUsageStorage()
	}
	return &Quota{DailyLimit: limit, storage: storage, clock: time.Now}
}

// WithClock overrides clock for testing.
func (q *Quota) WithClock(clock func() time.Time) *Quota {
	q.clock = clock
	return q
}

func (*Quota) Name() string { return "daily_quota" }

// Admit consumes one unit when allowed.
func (q *Quota) Admit(ctx context.Context, req Request) (Decision, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	actor := req.Actor
	if actor == "" {
		actor = "anonymous"
	}
	u, err := q.storage.Get(ctx, actor)
	if err != nil {
		return Decision{}, err
	}
	now := q.clock().UTC()
	if u == nil {
		u = &Usage{Actor: actor, LastUpdated: now}
	}
	if !sameDay(u.LastUpdated, now) {
		u.DailyUsed = 0
	}
	if u.DailyUsed+1 > q.DailyLimit {
		return Deny(q.Name(), "daily quota exceeded for %s: %d of %d used", actor, u.DailyUsed, q.DailyLimit), nil
	}

	u.DailyUsed++
	u.LastUpdated = now
	if err := q.storage.Set(ctx, u); err != nil {
		return Decision{}, err
	}
	return Allow(q.Name()), nil
}

// Release returns one unit to the actor's current day.
func (q *Quota) Release(ctx context.Context, req Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	actor := req.Actor
	if actor == "" {
		actor = "anonymous"
	}
	u, err := q.storage.Get(ctx, actor)
	if err != nil || u == nil {
		return err
	}
	if u.DailyUsed == 0 || !sameDay(u.LastUpdated, q.clock().UTC()) {
		return nil
	}
	u.DailyUsed--
	return q.storage.Set(ctx, u)
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
