package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Blackthor84/WorkVouch-sub006/pkg/errorir"
)

func noSleep(records *[]time.Duration) Sleeper {
	return func(ctx context.Context, d time.Duration) error {
		*records = append(*records, d)
		return ctx.Err()
	}
}

func TestBackoffSchedule(t *testing.T) {
	policy := Policy{BaseMs: 100, MaxMs: 30000, MaxJitterMs: 0, MaxAttempts: 5}

	got := Schedule("persist:main#1", policy)
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond}
	if len(got) != len(want) {
		t.Fatalf("schedule len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("attempt %d delay = %v, want %v", i, got[i], want[i])
		}
	}

	capped := Backoff("k", 40, Policy{BaseMs: 100, MaxMs: 1000})
	if capped != time.Second {
		t.Errorf("capped delay = %v, want 1s", capped)
	}
}

func TestJitterIsDeterministic(t *testing.T) {
	policy := Policy{BaseMs: 10, MaxMs: 1000, MaxJitterMs: 50}
	a := Backoff("task-1", 2, policy)
	b := Backoff("task-1", 2, policy)
	if a != b {
		t.Fatalf("jitter not deterministic: %v vs %v", a, b)
	}
	if a < 40*time.Millisecond || a >= 90*time.Millisecond {
		t.Errorf("delay %v outside [40ms, 90ms)", a)
	}
}

func TestDoRetriesRetryable(t *testing.T) {
	var slept []time.Duration
	calls := 0
	res := Do(context.Background(), Policy{BaseMs: 1, MaxAttempts: 4}, "k", noSleep(&slept), func(context.Context, int) error {
		calls++
		if calls < 3 {
			return errorir.Persistence(errors.New("db busy"), "append")
		}
		return nil
	})
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.Attempts != 3 || len(slept) != 2 {
		t.Errorf("attempts = %d, sleeps = %d; want 3, 2", res.Attempts, len(slept))
	}
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	var slept []time.Duration
	res := Do(context.Background(), Policy{BaseMs: 1, MaxAttempts: 5}, "k", noSleep(&slept), func(context.Context, int) error {
		return errorir.InvalidDelta("bad weight")
	})
	if res.Attempts != 1 || len(slept) != 0 {
		t.Errorf("attempts = %d, sleeps = %d; want 1, 0", res.Attempts, len(slept))
	}
	if !errors.Is(res.Err, errorir.ErrInvalidDelta) {
		t.Errorf("err = %v, want InvalidDelta", res.Err)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	var slept []time.Duration
	res := Do(context.Background(), Policy{BaseMs: 1, MaxAttempts: 3}, "k", noSleep(&slept), func(context.Context, int) error {
		return errorir.Conflict("busy")
	})
	if res.Attempts != 3 || res.Err == nil {
		t.Errorf("attempts = %d, err = %v; want 3 and an error", res.Attempts, res.Err)
	}
}

func TestDoHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := Do(ctx, DefaultPolicy(), "k", nil, func(context.Context, int) error {
		t.Fatal("fn must not run after cancellation")
		return nil
	})
	if !errors.Is(res.Err, context.Canceled) || res.Attempts != 0 {
		t.Errorf("got %+v, want canceled with 0 attempts", res)
	}
}
