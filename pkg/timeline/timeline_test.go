package timeline

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blackthor84/WorkVouch-sub006/pkg/engine"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/errorir"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/evidence"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/scoring"
)

const t0 = int64(1_700_000_000_000)

var fixed = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func newTimeline(id string) *Timeline {
	return New(id, engine.Baseline(scoring.DefaultRules(), t0)).WithClock(func() time.Time { return fixed })
}

// commitStep applies a one-review delta at the head of tl and appends it.
func commitStep(tl *Timeline, i int) (Action, error) {
	var out Action
	err := tl.Commit(func(cur engine.Snapshot, head uint64) error {
		d := engine.Delta{
			AddedReviews: []evidence.Review{{
				ID: fmt.Sprintf("%s-%d", tl.ID(), i), Source: evidence.SourcePeer, ReviewerID: fmt.Sprintf("u%d", i), Weight: float64(i%5) - 1, Timestamp: t0,
			}},
			Metadata:  &engine.Metadata{ActionType: engine.ActionEvidenceUpdate},
			Timestamp: cur.Timestamp + 1,
		}
		after, err := engine.Apply(cur, d, engine.Config{})
		if err != nil {
			return err
		}
		out, err = tl.Append(head, Action{
			ID: fmt.Sprintf("a%d", i), Type: engine.ActionEvidenceUpdate, Delta: d, Before: cur, After: after,
		})
		return err
	})
	return out, err
}

func step(t *testing.T, tl *Timeline, i int) Action {
	t.Helper()
	a, err := commitStep(tl, i)
	require.NoError(t, err)
	return a
}

func TestAppendAssignsSequenceAndChain(t *testing.T) {
	tl := newTimeline("main")
	assert.Equal(t, uint64(0), tl.Head())
	assert.Equal(t, genesis, tl.HeadHash())

	a1 := step(t, tl, 1)
	a2 := step(t, tl, 2)

	assert.Equal(t, uint64(1), a1.Seq)
	assert.Equal(t, uint64(2), a2.Seq)
	assert.Equal(t, genesis, a1.PrevHash)
	assert.Equal(t, a1.Hash, a2.PrevHash)
	assert.Equal(t, fixed, a1.CommittedAt)
	assert.Equal(t, a2.After, tl.Current())
	require.NoError(t, tl.Verify())
}

func TestAppendConflict(t *testing.T) {
	tl := newTimeline("main")
	step(t, tl, 1)

	_, err := tl.Append(0, Action{ID: "stale"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errorir.ErrConcurrentWriteConflict)
	assert.True(t, errorir.IsRetryable(err))
	assert.Equal(t, 1, tl.Len())

	_, err = tl.Prepare(5, Action{ID: "ahead"})
	assert.ErrorIs(t, err, errorir.ErrConcurrentWriteConflict)
}

func TestHistoryIsLazyAndRestartable(t *testing.T) {
	tl := newTimeline("main")
	for i := 1; i <= 4; i++ {
		step(t, tl, i)
	}

	var first []uint64
	for a := range tl.History() {
		first = append(first, a.Seq)
		if a.Seq == 2 {
			break
		}
	}
	assert.Equal(t, []uint64{1, 2}, first)

	var all []uint64
	for a := range tl.History() {
		all = append(all, a.Seq)
	}
	assert.Equal(t, []uint64{1, 2, 3, 4}, all)

	assert.Len(t, tl.Recent(2), 2)
	assert.Equal(t, uint64(3), tl.Recent(2)[0].Seq)
	assert.Len(t, tl.Recent(10), 4)
}

func TestHistoryDoesNotBlockWriters(t *testing.T) {
	tl := newTimeline("main")
	step(t, tl, 1)

	for range tl.History() {
		// Committing while iterating must not deadlock.
		step(t, tl, 2)
	}
	assert.Equal(t, 2, tl.Len())
}

func TestForkIsolation(t *testing.T) {
	tl := newTimeline("main")
	for i := 1; i <= 5; i++ {
		step(t, tl, i)
	}
	a5, err := tl.At(5)
	require.NoError(t, err)
	beforeHead := tl.HeadHash()
	beforeCurrent := tl.Current()

	fork, err := tl.Fork("what-if", a5.ID)
	require.NoError(t, err)
	for i := 6; i <= 8; i++ {
		step(t, fork, i)
	}

	assert.Equal(t, 5, tl.Len())
	assert.Equal(t, beforeHead, tl.HeadHash())
	assert.Equal(t, beforeCurrent, tl.Current())
	assert.Equal(t, 8, fork.Len())

	parent, at := fork.Parent()
	assert.Equal(t, "main", parent)
	assert.Equal(t, uint64(5), at)
	require.NoError(t, fork.Verify())

	// The original can still grow independently of the fork.
	step(t, tl, 9)
	assert.Equal(t, 8, fork.Len())

	early, err := tl.Fork("from-base", "")
	require.NoError(t, err)
	assert.Zero(t, early.Len())
	assert.Equal(t, tl.Base(), early.Current())

	_, err = tl.Fork("missing", "nope")
	assert.ErrorIs(t, err, errorir.ErrNotFound)
}

func TestConcurrentCommitsSerialize(t *testing.T) {
	tl := newTimeline("main")
	const n = 20

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 1; i <= n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := commitStep(tl, i); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Equal(t, n, tl.Len())
	seen := map[string]bool{}
	for a := range tl.History() {
		fp, err := a.Before.Fingerprint()
		require.NoError(t, err)
		assert.False(t, seen[fp], "two actions share a before snapshot")
		seen[fp] = true
	}
	require.NoError(t, tl.Verify())
}

func TestLoadRoundTrip(t *testing.T) {
	tl := newTimeline("main")
	for i := 1; i <= 3; i++ {
		step(t, tl, i)
	}

	raw, err := json.Marshal(tl.Actions())
	require.NoError(t, err)
	var decoded []Action
	require.NoError(t, json.Unmarshal(raw, &decoded))

	loaded, err := Load("main", tl.Base(), decoded)
	require.NoError(t, err)
	assert.Equal(t, tl.HeadHash(), loaded.HeadHash())

	decoded[1].Rationale = "tampered"
	_, err = Load("main", tl.Base(), decoded)
	assert.ErrorIs(t, err, errorir.ErrInvalidState)
}

func TestLookup(t *testing.T) {
	tl := newTimeline("main")
	a := step(t, tl, 1)

	got, err := tl.Action(a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.Hash, got.Hash)

	_, err = tl.At(0)
	assert.ErrorIs(t, err, errorir.ErrNotFound)
	_, err = tl.Action("zzz")
	assert.ErrorIs(t, err, errorir.ErrNotFound)
}
