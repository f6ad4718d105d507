package simulation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blackthor84/WorkVouch-sub006/pkg/abuse"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/admission"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/engine"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/errorir"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/evidence"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/retry"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/scoring"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/store"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/timeline"
)

var (
	t0    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock = func() time.Time { return t0 }
)

func noSleep(context.Context, time.Duration) error { return nil }

func newTimeline(id string) *timeline.Timeline {
	return timeline.New(id, engine.Baseline(scoring.DefaultRules(), t0.UnixMilli())).WithClock(clock)
}

func peer(id, reviewer string, w float64) evidence.Review {
	return evidence.Review{ID: id, Source: evidence.SourcePeer, ReviewerID: reviewer, Weight: w, Timestamp: t0.UnixMilli()}
}

func addReviews(rs ...evidence.Review) Request {
	return Request{Type: engine.ActionEvidenceUpdate, Delta: engine.Delta{AddedReviews: rs}, Actor: "tester"}
}

// flakyLog fails the first n appends.
type flakyLog struct {
	*store.MemoryLog
	failures atomic.Int32
	calls    atomic.Int32
}

func newFlakyLog(n int32) *flakyLog {
	l := &flakyLog{MemoryLog: store.NewMemoryLog()}
	l.failures.Store(n)
	return l
}

func (f *flakyLog) Append(ctx context.Context, rec store.Record) (uint64, error) {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return 0, errors.New("connection reset")
	}
	return f.MemoryLog.Append(ctx, rec)
}

func TestExecuteCommitsAndPersists(t *testing.T) {
	log := store.NewMemoryLog()
	exec := New(WithStore(log), WithClock(clock))
	tl := newTimeline("main")

	res, err := exec.Execute(context.Background(), tl, addReviews(peer("r1", "alice", 2)))
	require.NoError(t, err)

	a := res.Action
	assert.Equal(t, uint64(1), a.Seq)
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, engine.ActionEvidenceUpdate, a.Delta.Metadata.ActionType)
	assert.Equal(t, "tester", a.Delta.Metadata.Actor)
	assert.Equal(t, t0.UnixMilli(), a.Delta.Timestamp, "missing timestamp is filled from the clock")
	assert.Greater(t, a.After.Outputs.TrustScore, a.Before.Outputs.TrustScore)
	assert.True(t, res.Admission.Allowed)

	assert.Equal(t, 1, tl.Len())
	assert.Equal(t, a.After, tl.Current())

	recs, err := log.Read(context.Background(), store.TimelineStream("main"))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, RecordKind, recs[0].Kind)
	assert.Equal(t, uint64(1), recs[0].Seq)
}

func TestExecuteRejectsInvalidRequests(t *testing.T) {
	exec := New()
	tl := newTimeline("main")
	ctx := context.Background()

	cases := map[string]Request{
		"missing type": {Delta: engine.Delta{}},
		"unknown type": {Type: "promote"},
		"type mismatch": {
			Type:  engine.ActionEvidenceUpdate,
			Delta: engine.Delta{Metadata: &engine.Metadata{ActionType: engine.ActionBulkDelta}},
		},
		"bad weight": addReviews(peer("r1", "alice", 42)),
		"decision without verdict": {
			Type: engine.ActionDecisionTrainer,
		},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := exec.Execute(ctx, tl, req)
			require.Error(t, err)
			assert.Equal(t, errorir.KindInvalidDelta, errorir.KindOf(err))
			assert.Equal(t, 0, tl.Len())
		})
	}
}

func TestExecuteAcceptsStaleTimestamp(t *testing.T) {
	exec := New()
	tl := newTimeline("main")
	req := addReviews(peer("r1", "alice", 1))
	req.Delta.Timestamp = t0.UnixMilli() - 1

	res, err := exec.Execute(context.Background(), tl, req)
	require.NoError(t, err)
	assert.Equal(t, 1, tl.Len())
	assert.Equal(t, t0.UnixMilli()-1, res.Action.Delta.Timestamp, "the delta is recorded as sent")
	assert.Equal(t, t0.UnixMilli(), res.Action.After.Timestamp)
}

func TestAdmissionDeniedLeavesTimelineUntouched(t *testing.T) {
	log := store.NewMemoryLog()
	exec := New(WithStore(log), WithAdmission(admission.NewChain(admission.MaxEvidence{Limit: 1})))
	tl := newTimeline("main")
	ctx := context.Background()

	_, err := exec.Execute(ctx, tl, addReviews(peer("r1", "alice", 1)))
	require.NoError(t, err)

	res, err := exec.Execute(ctx, tl, addReviews(peer("r2", "bob", 1)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errorir.ErrAdmissionDenied))
	assert.False(t, res.Admission.Allowed)
	assert.Equal(t, "max_evidence", res.Admission.Policy)
	assert.Equal(t, 1, tl.Len())

	recs, _ := log.Read(ctx, store.TimelineStream("main"))
	assert.Len(t, recs, 1)
}

func TestPersistenceRetriedWithoutReapplying(t *testing.T) {
	log := newFlakyLog(2)
	exec := New(WithStore(log), WithSleeper(noSleep), WithRetry(retry.Policy{BaseMs: 1, MaxAttempts: 4}))
	tl := newTimeline("main")

	res, err := exec.Execute(context.Background(), tl, addReviews(peer("r1", "alice", 1)))
	require.NoError(t, err)
	assert.Equal(t, int32(3), log.calls.Load())
	assert.Equal(t, uint64(1), res.Action.Seq)
	require.NoError(t, tl.Verify())
}

func TestPersistenceFailureAppendsNothing(t *testing.T) {
	log := newFlakyLog(100)
	exec := New(WithStore(log), WithSleeper(noSleep), WithRetry(retry.Policy{BaseMs: 1, MaxAttempts: 3}))
	tl := newTimeline("main")
	before := tl.Current()

	_, err := exec.Execute(context.Background(), tl, addReviews(peer("r1", "alice", 1)))
	require.Error(t, err)
	assert.Equal(t, errorir.KindPersistenceFailure, errorir.KindOf(err))
	assert.Equal(t, int32(3), log.calls.Load())
	assert.Equal(t, 0, tl.Len())
	assert.Equal(t, before, tl.Current())
}

func TestFailedActionsDoNotConsumeQuota(t *testing.T) {
	ctx := context.Background()
	log := newFlakyLog(3)
	chain := admission.NewChain(admission.NewQuota(2, nil).WithClock(clock))
	exec := New(WithStore(log), WithClock(clock), WithSleeper(noSleep),
		WithRetry(retry.Policy{BaseMs: 1, MaxAttempts: 3}),
		WithAdmission(chain))
	tl := newTimeline("main")

	// Rejected by the applier's checks before admission is consulted.
	misconfigured := New(WithThresholdOverride(150), WithAdmission(chain))
	_, err := misconfigured.Execute(ctx, tl, addReviews(peer("r0", "alice", 1)))
	require.ErrorIs(t, err, errorir.ErrInvalidDelta)

	_, err = exec.Execute(ctx, tl, addReviews(peer("r1", "alice", 1)))
	require.Error(t, err)
	require.Equal(t, errorir.KindPersistenceFailure, errorir.KindOf(err))
	require.Equal(t, 0, tl.Len())

	for _, id := range []string{"r2", "r3"} {
		res, err := exec.Execute(ctx, tl, addReviews(peer(id, "bob", 1)))
		require.NoError(t, err, "quota still has room after two failed actions")
		assert.True(t, res.Admission.Allowed)
	}
	assert.Equal(t, 2, tl.Len())

	_, err = exec.Execute(ctx, tl, addReviews(peer("r4", "carol", 1)))
	require.ErrorIs(t, err, errorir.ErrAdmissionDenied)
	assert.Equal(t, 2, tl.Len())
}

func TestConcurrentExecutesAreSerialized(t *testing.T) {
	const n = 20
	log := store.NewMemoryLog()
	exec := New(WithStore(log), WithClock(clock))
	tl := newTimeline("main")

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := addReviews(peer(fmt.Sprintf("r%02d", i), fmt.Sprintf("reviewer-%d", i), float64(i%7-3)))
			if i%4 == 3 {
				// The final threshold depends on commit order.
				req = Request{Type: engine.ActionThreshold, Delta: engine.Delta{ThresholdOverride: engine.Threshold(float64(40 + i))}}
			}
			_, err := exec.Execute(context.Background(), tl, req)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, n, tl.Len())
	assert.Len(t, tl.Current().Evidence, n-n/4)
	require.NoError(t, tl.Verify())

	// Folding the committed deltas in order reproduces the current snapshot.
	cfg := engine.Config{Rules: scoring.DefaultRules()}
	want := tl.Base()
	var seq uint64
	for a := range tl.History() {
		seq++
		assert.Equal(t, seq, a.Seq)
		assert.Equal(t, want, a.Before, "action #%d starts from the previous result", a.Seq)
		var err error
		want, err = engine.Apply(want, a.Delta, cfg)
		require.NoError(t, err)
	}
	wantFP, err := want.Fingerprint()
	require.NoError(t, err)
	gotFP, err := tl.Current().Fingerprint()
	require.NoError(t, err)
	assert.Equal(t, wantFP, gotFP)

	recs, err := log.Read(context.Background(), store.TimelineStream("main"))
	require.NoError(t, err)
	assert.Len(t, recs, n)
}

func TestAbuseSignalsAreRecorded(t *testing.T) {
	exec := New(WithDetector(abuse.NewDetector(abuse.DefaultConfig())))
	tl := newTimeline("main")
	synth := func(id string) evidence.Review {
		return evidence.Review{ID: id, Source: evidence.SourceSynthetic, ReviewerID: "bot-" + id, Weight: 3, Timestamp: t0.UnixMilli()}
	}

	res, err := exec.Execute(context.Background(), tl, addReviews(synth("s1"), synth("s2"), synth("s3")))
	require.NoError(t, err)
	assert.Contains(t, abuse.Types(res.Action.Signals), abuse.SignalSyntheticShare)
}

func TestThresholdOverrideWinsOverDelta(t *testing.T) {
	exec := New(WithThresholdOverride(0))
	tl := newTimeline("main")

	res, err := exec.Execute(context.Background(), tl, Request{
		Type:  engine.ActionThreshold,
		Delta: engine.Delta{ThresholdOverride: engine.Threshold(75)},
	})
	require.NoError(t, err)
	assert.Equal(t, 0.0, res.Action.After.Threshold)
	assert.Equal(t, engine.DecisionHire, res.Action.After.Recommendation())
}

func TestPostCommitTaskOutcomes(t *testing.T) {
	var flaky atomic.Int32
	exec := New(
		WithSleeper(noSleep),
		WithClock(clock),
		WithRetry(retry.Policy{BaseMs: 1, MaxAttempts: 3}),
		WithTasks(
			Task{Name: "notify", Run: func(context.Context, timeline.Action) error { return nil }},
			Task{Name: "index", Run: func(context.Context, timeline.Action) error {
				if flaky.Add(1) < 2 {
					return errors.New("timeout")
				}
				return nil
			}},
			Task{Name: "export", Run: func(context.Context, timeline.Action) error {
				return errorir.InvalidState("consumer rejected payload")
			}},
			Task{Name: "webhook", Run: func(context.Context, timeline.Action) error {
				return errorir.Conflict("busy")
			}},
		),
	)
	tl := newTimeline("main")

	res, err := exec.Execute(context.Background(), tl, addReviews(peer("r1", "alice", 1)))
	require.NoError(t, err, "task failures never fail the commit")
	require.Len(t, res.Tasks, 4)

	assert.Equal(t, TaskResult{Task: "notify", Outcome: TaskSucceeded, Attempts: 1}, res.Tasks[0])
	assert.Equal(t, TaskRetried, res.Tasks[1].Outcome)
	assert.Equal(t, 2, res.Tasks[1].Attempts)
	assert.Equal(t, TaskDeadLettered, res.Tasks[2].Outcome)
	assert.Equal(t, 1, res.Tasks[2].Attempts, "non-retryable errors are not retried")
	assert.Equal(t, TaskDeadLettered, res.Tasks[3].Outcome)
	assert.Equal(t, 3, res.Tasks[3].Attempts)

	dead := exec.DeadLetters()
	require.Len(t, dead, 2)
	assert.Equal(t, "export", dead[0].Task)
	assert.Equal(t, res.Action.ID, dead[0].ActionID)
	assert.Equal(t, t0, dead[0].At)
	assert.Equal(t, 1, tl.Len())
}

func TestRestoreFromStore(t *testing.T) {
	ctx := context.Background()
	log := store.NewMemoryLog()
	exec := New(WithStore(log))
	tl := newTimeline("main")

	for i := 0; i < 5; i++ {
		_, err := exec.Execute(ctx, tl, addReviews(peer(fmt.Sprintf("r%d", i), "alice", float64(i)-2)))
		require.NoError(t, err)
	}

	restored, err := Restore(ctx, log, "main", tl.Base())
	require.NoError(t, err)
	assert.Equal(t, tl.Len(), restored.Len())
	assert.Equal(t, tl.HeadHash(), restored.HeadHash())
	assert.Equal(t, tl.Current().Outputs, restored.Current().Outputs)

	empty, err := Restore(ctx, log, "other", tl.Base())
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Len())
}
