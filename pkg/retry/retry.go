// Package retry runs operations with deterministic exponential backoff.
package retry

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/Blackthor84/WorkVouch-sub006/pkg/errorir"
)

// Policy bounds the retry schedule.
type Policy struct {
	BaseMs      int64 `json:"base_ms" yaml:"base_ms"`
	MaxMs       int64 `json:"max_ms" yaml:"max_ms"`
	MaxJitterMs int64 `json:"max_jitter_ms" yaml:"max_jitter_ms"`
	MaxAttempts int   `json:"max_attempts" yaml:"max_attempts"`
}

// DefaultPolicy is used for persistence and post-commit tasks.
func DefaultPolicy() Policy {
	return Policy{BaseMs: 20, MaxMs: 1000, MaxJitterMs: 10, MaxAttempts: 4}
}

// Backoff returns the delay before attempt (0-based) of the operation identified
// by key. Jitter is derived from key and attempt, so the schedule is reproducible.
func Backoff(key string, attempt int, policy Policy) time.Duration {
	factor := int64(1)
	if attempt > 0 {
		if attempt > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << attempt
		}
	}

	delay := policy.BaseMs * factor
	if policy.MaxMs > 0 && delay > policy.MaxMs {
		delay = policy.MaxMs
	}
	return time.Duration(delay+jitter(key, attempt, policy)) * time.Millisecond
}

func jitter(key string, attempt int, policy Policy) int64 {
	if policy.MaxJitterMs <= 0 {
		return 0
	}
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", key, attempt)))
	basis := binary.BigEndian.Uint64(hash[:8])
	return int64(basis % uint64(policy.MaxJitterMs)) //nolint:gosec // MaxJitterMs is positive
}

// Schedule lists the delays Do would wait between attempts.
func Schedule(key string, policy Policy) []time.Duration {
	if policy.MaxAttempts <= 1 {
		return nil
	}
	out := make([]time.Duration, policy.MaxAttempts-1)
	for i := range out {
		out[i] = Backoff(key, i, policy)
	}
	return out
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the real-time Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Result describes how an operation finished.
type Result struct {
	Attempts int
	Err      error
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempts are
// exhausted or ctx is done. Retryability follows errorir.IsRetryable.
func Do(ctx context.Context, policy Policy, key string, sleep Sleeper, fn func(ctx context.Context, attempt int) error) Result {
	if sleep == nil {
		sleep = Sleep
	}
	attempts := max(policy.MaxAttempts, 1)

	var err error
	for i := 0; i < attempts; i++ {
		if cerr := ctx.Err(); cerr != nil {
			if err == nil {
				err = cerr
			}
			return Result{Attempts: i, Err: err}
		}
		err = fn(ctx, i)
		if err == nil {
			return Result{Attempts: i + 1}
		}
		if !errorir.IsRetryable(err) || i == attempts-1 {
			return Result{Attempts: i + 1, Err: err}
		}
		if serr := sleep(ctx, Backoff(key, i, policy)); serr != nil {
			return Result{Attempts: i + 1, Err: err}
		}
	}
	return Result{Attempts: attempts, Err: err}
}
