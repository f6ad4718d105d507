package workforce

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blackthor84/WorkVouch-sub006/pkg/evidence"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/metrics"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/scoring"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/simulation"
)

const start = int64(1_700_000_000_000)

func TestGeneratorIsSeeded(t *testing.T) {
	a, err := NewGenerator(Config{Seed: 5, Start: start})
	require.NoError(t, err)
	b, err := NewGenerator(Config{Seed: 5, Start: start})
	require.NoError(t, err)
	c, err := NewGenerator(Config{Seed: 6, Start: start})
	require.NoError(t, err)

	assert.Equal(t, a.Profiles(20), b.Profiles(20))
	assert.NotEqual(t, a.Profiles(20), c.Profiles(20))
	assert.Equal(t, a.Profiles(20)[7], a.Profile(7), "profiles depend only on seed and index")
}

func TestProfilesAreValid(t *testing.T) {
	g, err := NewGenerator(Config{Seed: 11, Start: start, SpanDays: 90})
	require.NoError(t, err)
	for _, p := range g.Profiles(100) {
		require.NotEmpty(t, p.Reviews, p.ID)
		require.NoError(t, evidence.ValidateAll(p.Reviews), p.ID)
		last := start
		for _, r := range p.Reviews {
			assert.GreaterOrEqual(t, r.Timestamp, last)
			assert.Less(t, r.Timestamp, start+90*dayMs)
			last = r.Timestamp
		}
		assert.Len(t, p.Requests(), len(p.Reviews))
	}
}

func TestMixSelectsArchetypes(t *testing.T) {
	g, err := NewGenerator(Config{Seed: 3, Start: start, Mix: map[Archetype]float64{Sparse: 1}})
	require.NoError(t, err)
	for _, p := range g.Profiles(30) {
		assert.Equal(t, Sparse, p.Archetype)
		assert.LessOrEqual(t, len(p.Reviews), 3)
	}

	_, err = NewGenerator(Config{Mix: map[Archetype]float64{"wizard": 1}})
	assert.Error(t, err)
	_, err = NewGenerator(Config{Mix: map[Archetype]float64{Risky: 0}})
	assert.Error(t, err)
	_, err = NewGenerator(Config{Mix: map[Archetype]float64{Risky: -1}})
	assert.Error(t, err)
}

func TestPopulateAndAggregate(t *testing.T) {
	ctx := context.Background()
	g, err := NewGenerator(Config{Seed: 21, Start: start})
	require.NoError(t, err)
	profiles := g.Profiles(40)

	tls, err := Populate(ctx, simulation.New(), scoring.DefaultRules(), start, profiles, 8)
	require.NoError(t, err)
	require.Len(t, tls, 40)
	for i, tl := range tls {
		assert.Equal(t, profiles[i].ID, tl.ID())
		assert.Equal(t, len(profiles[i].Reviews), tl.Len())
		require.NoError(t, tl.Verify())
	}

	r, err := metrics.AggregateTimelines(ctx, tls, 4)
	require.NoError(t, err)
	assert.Equal(t, 40, r.Count)
	total := 0
	for _, n := range r.TrustHistogram {
		total += n
	}
	assert.Equal(t, 40, total)
	assert.GreaterOrEqual(t, r.Trust.Min, 0.0)
	assert.LessOrEqual(t, r.Trust.Max, 100.0)
}

func TestPopulateHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	g, err := NewGenerator(Config{Seed: 1, Start: start})
	require.NoError(t, err)
	_, err = Populate(ctx, simulation.New(), scoring.DefaultRules(), start, g.Profiles(3), 1)
	assert.ErrorIs(t, err, context.Canceled)
}
