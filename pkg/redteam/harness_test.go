package redteam

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blackthor84/WorkVouch-sub006/pkg/abuse"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/admission"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/engine"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/errorir"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/evidence"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/scoring"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/simulation"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/store"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/timeline"
)

var (
	t0    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock = func() time.Time { return t0 }
)

func newTimeline(id string) *timeline.Timeline {
	return timeline.New(id, engine.Baseline(scoring.DefaultRules(), t0.UnixMilli())).WithClock(clock)
}

func TestScenariosAreDetected(t *testing.T) {
	expect := map[string]abuse.SignalType{
		RingInflation:     abuse.SignalReviewerConcentration,
		Retaliation:       abuse.SignalRetaliation,
		ImpersonationSpam: abuse.SignalImpersonation,
		Sybil:             abuse.SignalSybilBurst,
		Collusion:         abuse.SignalCoordinatedBurst,
	}
	for _, sc := range Scenarios() {
		t.Run(sc.Name, func(t *testing.T) {
			h := NewHarness(simulation.New(), WithSeed(42), WithClock(clock))
			tl := newTimeline("victim")

			out, err := h.Run(context.Background(), sc.Name, tl)
			require.NoError(t, err)
			assert.True(t, out.Detected)
			assert.Greater(t, out.DetectionLatency, 0)
			assert.LessOrEqual(t, out.DetectionLatency, out.Steps)
			assert.Greater(t, out.SignalsRaised, 0)
			assert.GreaterOrEqual(t, out.ScoreDamageBeforeContainment, 0.0)
			assert.False(t, out.Aborted)
			assert.Equal(t, out.Steps, tl.Len())
			if want, ok := expect[sc.Name]; ok {
				assert.Contains(t, out.SignalTypes, want)
			}
		})
	}
}

func TestRingInflationContainedBeforeItEnds(t *testing.T) {
	h := NewHarness(simulation.New(), WithSeed(7))
	out, err := h.Run(context.Background(), RingInflation, newTimeline("ring"))
	require.NoError(t, err)
	require.True(t, out.Detected)
	assert.Less(t, out.DetectionLatency, out.Steps)
	assert.Greater(t, out.ScoreDamageBeforeContainment, 0.0, "ring raised trust before it was flagged")
}

func TestStandingSignalsDoNotCountAsDetection(t *testing.T) {
	ctx := context.Background()
	cfg := abuse.DefaultConfig()
	cfg.DebtHigh = 5
	exec := simulation.New(simulation.WithDetector(abuse.NewDetector(cfg)), simulation.WithClock(clock))

	clean, err := NewHarness(exec, WithSeed(7), WithClock(clock)).Run(ctx, RingInflation, newTimeline("clean"))
	require.NoError(t, err)
	require.True(t, clean.Detected)
	assert.Empty(t, clean.StandingSignals)

	// An override before the scenario leaves trust debt above the limit.
	tl := newTimeline("indebted")
	res, err := exec.Execute(ctx, tl, simulation.Request{
		Type:  engine.ActionDecisionTrainer,
		Delta: engine.Delta{Metadata: &engine.Metadata{Decision: engine.DecisionHire}},
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.Action.Signals)
	require.Equal(t, abuse.SignalTrustDebtHigh, res.Action.Signals[0].Type)

	out, err := NewHarness(exec, WithSeed(7), WithClock(clock)).Run(ctx, RingInflation, tl)
	require.NoError(t, err)
	assert.Equal(t, []abuse.SignalType{abuse.SignalTrustDebtHigh}, out.StandingSignals)
	assert.NotContains(t, out.SignalTypes, abuse.SignalTrustDebtHigh)
	assert.True(t, out.Detected)
	assert.Equal(t, clean.DetectionLatency, out.DetectionLatency, "debt from before the run is not a detection")
	assert.Equal(t, clean.SignalTypes, out.SignalTypes)
}

func TestRunIsSeeded(t *testing.T) {
	ctx := context.Background()
	play := func(seed uint64) (Outcome, *timeline.Timeline) {
		tl := newTimeline("seeded")
		out, err := NewHarness(simulation.New(), WithSeed(seed)).Run(ctx, Sybil, tl)
		require.NoError(t, err)
		return out, tl
	}

	a, tla := play(99)
	b, tlb := play(99)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, a.DetectionLatency, b.DetectionLatency)
	assert.Equal(t, a.ScoreDamageBeforeContainment, b.ScoreDamageBeforeContainment)
	assert.Equal(t, tla.Current().Outputs, tlb.Current().Outputs)

	_, tlc := play(100)
	assert.NotEqual(t, tla.Current().Evidence, tlc.Current().Evidence)
}

func TestStepsAreReproducible(t *testing.T) {
	sc, err := Lookup(Collusion)
	require.NoError(t, err)
	a := sc.Steps(rand.New(rand.NewPCG(1, 2)), 1000)
	b := sc.Steps(rand.New(rand.NewPCG(1, 2)), 1000)
	assert.Equal(t, a, b)

	last := int64(1000)
	for _, req := range a {
		assert.GreaterOrEqual(t, req.Delta.Timestamp, last)
		last = req.Delta.Timestamp
		for _, r := range req.Delta.AddedReviews {
			assert.NoError(t, evidence.Validate(r))
			assert.LessOrEqual(t, r.Timestamp, req.Delta.Timestamp)
		}
	}
}

func TestUnknownScenario(t *testing.T) {
	_, err := NewHarness(simulation.New()).Run(context.Background(), "phishing", newTimeline("x"))
	assert.True(t, errors.Is(err, errorir.ErrNotFound))
	assert.Len(t, Names(), 6)
}

func TestCancelledRunIsAbortedAndPersisted(t *testing.T) {
	log := store.NewMemoryLog()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	h := NewHarness(simulation.New(), WithStore(log))
	tl := newTimeline("cancelled")
	out, err := h.Run(ctx, RingInflation, tl)
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, out.Aborted)
	assert.Equal(t, 0, out.Steps)
	assert.Equal(t, 0, tl.Len())

	stored, err := h.Outcomes(context.Background(), "cancelled")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.True(t, stored[0].Aborted)
	assert.Equal(t, out.ID, stored[0].ID)
}

func TestCancellationIsObservedBetweenSteps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	commits := 0
	exec := simulation.New(simulation.WithTasks(simulation.Task{
		Name: "stop-after-two",
		Run: func(context.Context, timeline.Action) error {
			commits++
			if commits == 2 {
				cancel()
			}
			return nil
		},
	}))
	tl := newTimeline("interrupted")
	out, err := NewHarness(exec).Run(ctx, RingInflation, tl)
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, out.Aborted)
	assert.Equal(t, 2, out.Steps, "the step in flight completes")
	assert.Equal(t, 2, tl.Len())
}

func TestTimeoutAborts(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	out, err := NewHarness(simulation.New()).Run(ctx, Oscillation, newTimeline("slow"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, out.Aborted)
}

func TestAdmissionDenialEndsRun(t *testing.T) {
	log := store.NewMemoryLog()
	exec := simulation.New(simulation.WithAdmission(admission.NewChain(admission.MaxEvidence{Limit: 3})))
	h := NewHarness(exec, WithStore(log))

	out, err := h.Run(context.Background(), RingInflation, newTimeline("capped"))
	require.NoError(t, err)
	assert.True(t, out.Denied)
	assert.Equal(t, 3, out.Steps)
	assert.NotEmpty(t, out.Error)

	recs, err := log.Read(context.Background(), store.RedTeamStream("capped"))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, RecordKind, recs[0].Kind)
}

func TestRunAllUsesForks(t *testing.T) {
	ctx := context.Background()
	exec := simulation.New()
	base := newTimeline("base")
	for i, id := range []string{"b1", "b2", "b3"} {
		_, err := exec.Execute(ctx, base, simulation.Request{
			Type: engine.ActionEvidenceUpdate,
			Delta: engine.Delta{
				AddedReviews: []evidence.Review{{ID: id, Source: evidence.SourceSupervisor, ReviewerID: "boss", Weight: 5, Timestamp: t0.UnixMilli()}},
				Timestamp:    t0.UnixMilli() + int64(i),
			},
		})
		require.NoError(t, err)
	}
	head := base.HeadHash()

	log := store.NewMemoryLog()
	outcomes, err := NewHarness(exec, WithStore(log)).RunAll(ctx, base, 3)
	require.NoError(t, err)
	require.Len(t, outcomes, len(Scenarios()))

	seen := map[string]bool{}
	for i, out := range outcomes {
		assert.Equal(t, Scenarios()[i].Name, out.Scenario)
		assert.False(t, seen[out.TimelineID])
		seen[out.TimelineID] = true
		assert.Greater(t, out.Steps, 0)
	}
	assert.Equal(t, 3, base.Len())
	assert.Equal(t, head, base.HeadHash())

	streams, err := log.Streams(ctx, "redteam/")
	require.NoError(t, err)
	assert.Len(t, streams, len(Scenarios()))
}
