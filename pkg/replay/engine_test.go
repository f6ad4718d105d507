package replay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blackthor84/WorkVouch-sub006/pkg/archive"
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
	day   = int64(86_400_000)
)

func registry(t *testing.T) *scoring.Registry {
	t.Helper()
	tuned := scoring.DefaultRules()
	tuned.Version = "1.1.0"
	tuned.Steepness = 0.5
	reg, err := scoring.NewRegistry(scoring.DefaultRules(), tuned)
	require.NoError(t, err)
	return reg
}

var sources = []evidence.Source{evidence.SourceSupervisor, evidence.SourcePeer, evidence.SourceExternal, evidence.SourceSynthetic}

// history builds a timeline of n varied actions through the executor.
func history(t *testing.T, n int, opts ...simulation.Option) *timeline.Timeline {
	t.Helper()
	base := t0.UnixMilli()
	tl := timeline.New("main", engine.Baseline(scoring.DefaultRules(), base)).WithClock(clock)
	exec := simulation.New(opts...)
	ctx := context.Background()

	for i := 0; i < n; i++ {
		ts := base + int64(i+1)*day
		var req simulation.Request
		switch {
		case i%11 == 10:
			req = simulation.Request{Type: engine.ActionDebtReset}
		case i%7 == 6:
			req = simulation.Request{Type: engine.ActionThreshold, Delta: engine.Delta{ThresholdOverride: engine.Threshold(float64(40 + i%30))}}
		case i%5 == 4:
			decision := engine.DecisionHire
			if i%2 == 0 {
				decision = engine.DecisionReject
			}
			req = simulation.Request{
				Type:  engine.ActionDecisionTrainer,
				Delta: engine.Delta{Metadata: &engine.Metadata{ActionType: engine.ActionDecisionTrainer, Decision: decision}},
			}
		case i%6 == 5 && i > 0:
			req = simulation.Request{
				Type:  engine.ActionEvidenceUpdate,
				Delta: engine.Delta{RemovedReviewIDs: []string{fmt.Sprintf("r%03d", i-3)}},
			}
		default:
			req = simulation.Request{
				Type: engine.ActionEvidenceUpdate,
				Delta: engine.Delta{AddedReviews: []evidence.Review{{
					ID:         fmt.Sprintf("r%03d", i),
					Source:     sources[i%len(sources)],
					ReviewerID: fmt.Sprintf("reviewer-%d", i%4),
					Weight:     float64(i%9) - 3.5,
					Timestamp:  ts - day/2,
				}}},
			}
		}
		req.Delta.Timestamp = ts
		req.Rationale = fmt.Sprintf("step %d", i)
		_, err := exec.Execute(ctx, tl, req)
		require.NoError(t, err, "step %d", i)
	}
	return tl
}

func TestReplayIsDeterministic(t *testing.T) {
	for _, n := range []int{0, 5, 50} {
		t.Run(fmt.Sprintf("%d actions", n), func(t *testing.T) {
			ctx := context.Background()
			tl := history(t, n)
			head := tl.HeadHash()

			eng := NewEngine(registry(t), WithClock(clock))
			c, err := eng.CreateSnapshot(ctx, tl)
			require.NoError(t, err)
			require.Len(t, c.Entries, n)

			s, err := eng.CreateReplaySession(ctx, c.ID, "")
			require.NoError(t, err)
			assert.Equal(t, StatusDraft, s.Status)
			assert.Equal(t, "1.0.0", s.RuleVersion)

			s, err = eng.Run(ctx, s.ID)
			require.NoError(t, err)
			assert.Equal(t, StatusCompleted, s.Status)
			assert.Nil(t, s.Divergence)
			assert.Equal(t, tl.Current().Outputs, s.Final)

			_, events, err := eng.GetSession(s.ID)
			require.NoError(t, err)
			require.Len(t, events, n)
			i := 0
			for a := range tl.History() {
				assert.Equal(t, a.Before.Outputs.TrustScore, events[i].TrustBefore)
				assert.Equal(t, a.After.Outputs, events[i].OutputsAfter)
				i++
			}

			assert.Equal(t, n, tl.Len(), "source timeline untouched")
			assert.Equal(t, head, tl.HeadHash())
		})
	}
}

func TestReplayHonoursCallerThresholdOverride(t *testing.T) {
	ctx := context.Background()
	tl := history(t, 12, simulation.WithThresholdOverride(95))

	eng := NewEngine(registry(t))
	c, err := eng.CreateSnapshot(ctx, tl)
	require.NoError(t, err)
	s, err := eng.CreateReplaySession(ctx, c.ID, "")
	require.NoError(t, err)
	s, err = eng.Run(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, tl.Current().Outputs, s.Final)
}

func TestDivergenceIsRecorded(t *testing.T) {
	ctx := context.Background()
	tl := history(t, 5)
	eng := NewEngine(registry(t))

	c, err := eng.CreateSnapshot(ctx, tl)
	require.NoError(t, err)

	tampered := c
	tampered.Entries = append([]Entry(nil), c.Entries...)
	tampered.Entries[2].After.TrustScore += 0.5
	imported, err := eng.ImportCapture(ctx, tampered)
	require.NoError(t, err)
	assert.NotEqual(t, c.ID, imported.ID)

	s, err := eng.CreateReplaySession(ctx, imported.ID, "")
	require.NoError(t, err)
	s, err = eng.Run(ctx, s.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errorir.ErrReplayDivergence))
	assert.Equal(t, StatusCompleted, s.Status)
	require.NotNil(t, s.Divergence)
	assert.Equal(t, uint64(3), s.Divergence.Seq)
	assert.Equal(t, 5, s.Events, "replay continues past the divergence")
}

func TestAddEventOrdering(t *testing.T) {
	ctx := context.Background()
	tl := history(t, 3)
	eng := NewEngine(registry(t))
	c, err := eng.CreateSnapshot(ctx, tl)
	require.NoError(t, err)
	s, err := eng.CreateReplaySession(ctx, c.ID, "")
	require.NoError(t, err)

	_, err = eng.AddEvent(ctx, s.ID, c.Entries[1])
	assert.Equal(t, errorir.KindInvalidState, errorir.KindOf(err))

	ev, err := eng.AddEvent(ctx, s.ID, c.Entries[0])
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ev.Seq)

	got, _, err := eng.GetSession(s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)

	_, err = eng.Run(ctx, s.ID)
	require.NoError(t, err)

	_, err = eng.AddEvent(ctx, s.ID, c.Entries[2])
	assert.Equal(t, errorir.KindInvalidState, errorir.KindOf(err))

	_, _, err = eng.GetSession("missing")
	assert.True(t, errors.Is(err, errorir.ErrNotFound))
}

func TestCompareAcrossRuleVersions(t *testing.T) {
	ctx := context.Background()
	tl := history(t, 8)
	eng := NewEngine(registry(t))
	c, err := eng.CreateSnapshot(ctx, tl)
	require.NoError(t, err)

	a, err := eng.CreateReplaySession(ctx, c.ID, "1.0.0")
	require.NoError(t, err)
	b, err := eng.CreateReplaySession(ctx, c.ID, "1.1.0")
	require.NoError(t, err)
	_, err = eng.Run(ctx, a.ID)
	require.NoError(t, err)
	_, err = eng.Run(ctx, b.ID)
	require.NoError(t, err, "a different rule version is never a divergence")

	cmp, err := eng.Compare(a.ID, b.ID)
	require.NoError(t, err)
	assert.Len(t, cmp.Events, 8)
	assert.Equal(t, "1.1.0", cmp.VersionB)
	assert.Greater(t, cmp.MaxAbs, 0.0)

	_, err = eng.CreateReplaySession(ctx, c.ID, "9.9.9")
	assert.True(t, errors.Is(err, errorir.ErrNotFound))

	other, err := eng.CreateSnapshot(ctx, history(t, 2))
	require.NoError(t, err)
	o, err := eng.CreateReplaySession(ctx, other.ID, "")
	require.NoError(t, err)
	_, err = eng.Compare(a.ID, o.ID)
	assert.Equal(t, errorir.KindInvalidState, errorir.KindOf(err))
}

func TestCapturesPersistAndArchive(t *testing.T) {
	ctx := context.Background()
	log := store.NewMemoryLog()
	blobs := archive.NewMemoryStore()
	tl := history(t, 4)

	eng := NewEngine(registry(t), WithStore(log), WithArchive(blobs), WithClock(clock))
	c, err := eng.CreateSnapshot(ctx, tl)
	require.NoError(t, err)
	assert.Len(t, blobs.Digests(), 1)

	again, err := eng.CreateSnapshot(ctx, tl)
	require.NoError(t, err)
	assert.Equal(t, c.ID, again.ID, "captures are content addressed")

	fresh := NewEngine(registry(t), WithStore(log))
	loaded, err := fresh.Capture(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.HeadHash, loaded.HeadHash)
	assert.Len(t, loaded.Entries, 4)

	s, err := fresh.CreateReplaySession(ctx, c.ID, "")
	require.NoError(t, err)
	_, err = fresh.Run(ctx, s.ID)
	require.NoError(t, err)

	recs, err := log.Read(ctx, store.ReplayStream(s.ID))
	require.NoError(t, err)
	require.Len(t, recs, 6) // draft session, 4 events, completed session
	assert.Equal(t, KindSession, recs[0].Kind)
	assert.Equal(t, KindEvent, recs[1].Kind)
	assert.Equal(t, KindSession, recs[5].Kind)
}

func TestSessionsRunInParallel(t *testing.T) {
	ctx := context.Background()
	tl := history(t, 20)
	eng := NewEngine(registry(t))
	c, err := eng.CreateSnapshot(ctx, tl)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			version := "1.0.0"
			if i%2 == 1 {
				version = "1.1.0"
			}
			s, err := eng.CreateReplaySession(ctx, c.ID, version)
			if err != nil {
				errs <- err
				return
			}
			_, err = eng.Run(ctx, s.ID)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Len(t, eng.Sessions(), 8)
}
