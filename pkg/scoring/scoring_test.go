package scoring

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blackthor84/WorkVouch-sub006/pkg/evidence"
)

const now = int64(1_700_000_000_000)

func TestEmptyEvidenceIsNeutral(t *testing.T) {
	b := Compute(nil, now, DefaultRules())

	assert.Equal(t, Neutral, b.Trust)
	assert.Zero(t, b.Confidence)
	assert.InDelta(t, 80.0, b.Fragility, 1e-9)
	assert.Zero(t, b.SyntheticShare)
}

func TestSupervisorOutweighsPeerOutweighsSynthetic(t *testing.T) {
	rules := DefaultRules()
	score := func(src evidence.Source, w float64) float64 {
		return Compute([]evidence.Review{{ID: "r1", Source: src, Weight: w, Timestamp: now}}, now, rules).Trust
	}

	assert.Greater(t, score(evidence.SourceSupervisor, 5), score(evidence.SourcePeer, 5))
	assert.Greater(t, score(evidence.SourcePeer, 5), score(evidence.SourceSynthetic, 5))
	// Adverse synthetic evidence hurts as much as adverse peer evidence, never less.
	assert.LessOrEqual(t, score(evidence.SourceSynthetic, -5), score(evidence.SourcePeer, -5))
}

func TestAdverseKindsNeverRaiseTrust(t *testing.T) {
	rules := DefaultRules()
	base := Compute(nil, now, rules).Trust
	for _, kind := range []evidence.Kind{evidence.KindDispute, evidence.KindFraudSignal} {
		for _, w := range []float64{-10, -3, 0, 3, 10} {
			rv := evidence.Review{ID: "x", Source: evidence.SourceExternal, Kind: kind, Weight: w, Timestamp: now}
			b := Compute([]evidence.Review{rv}, now, rules)
			assert.LessOrEqual(t, b.Trust, base, "%s weight %v", kind, w)
		}
	}

	positive := []evidence.Review{{ID: "p", Source: evidence.SourcePeer, ReviewerID: "p-1", Weight: 6, Timestamp: now}}
	withFraud := append(evidence.Clone(positive),
		evidence.Review{ID: "f", Source: evidence.SourceExternal, ReviewerID: "ext", Kind: evidence.KindFraudSignal, Weight: 10, Timestamp: now})
	assert.Less(t, Compute(withFraud, now, rules).Trust, Compute(positive, now, rules).Trust)
}

func TestRecencyDecay(t *testing.T) {
	rules := DefaultRules()
	half := int64(rules.HalfLifeDays) * dayMs

	assert.Equal(t, 1.0, Decay(0, rules.halfLifeMs()))
	assert.Equal(t, 1.0, Decay(-5000, rules.halfLifeMs()))
	assert.InDelta(t, 0.5, Decay(half, rules.halfLifeMs()), 1e-12)

	fresh := Compute([]evidence.Review{{ID: "a", Source: evidence.SourcePeer, Weight: 4, Timestamp: now}}, now, rules)
	stale := Compute([]evidence.Review{{ID: "a", Source: evidence.SourcePeer, Weight: 4, Timestamp: now - 2*half}}, now, rules)
	assert.Greater(t, fresh.Trust, stale.Trust)
	assert.Greater(t, fresh.Confidence, stale.Confidence)
}

func TestReviewerSaturation(t *testing.T) {
	rules := DefaultRules()
	same := []evidence.Review{
		{ID: "a", Source: evidence.SourcePeer, ReviewerID: "mallory", Weight: 5, Timestamp: now},
		{ID: "b", Source: evidence.SourcePeer, ReviewerID: "Mallory", Weight: 5, Timestamp: now},
		{ID: "c", Source: evidence.SourcePeer, ReviewerID: "MALLORY", Weight: 5, Timestamp: now},
	}
	distinct := []evidence.Review{
		{ID: "a", Source: evidence.SourcePeer, ReviewerID: "ann", Weight: 5, Timestamp: now},
		{ID: "b", Source: evidence.SourcePeer, ReviewerID: "ben", Weight: 5, Timestamp: now},
		{ID: "c", Source: evidence.SourcePeer, ReviewerID: "cal", Weight: 5, Timestamp: now},
	}

	bs := Compute(same, now, rules)
	bd := Compute(distinct, now, rules)
	assert.Less(t, bs.Trust, bd.Trust)
	assert.InDelta(t, 1/math.Sqrt(3), bs.Contributions[0].Saturation, 1e-12)
}

func TestScoresStayBounded(t *testing.T) {
	rules := DefaultRules()
	var rs []evidence.Review
	for i := 0; i < 200; i++ {
		rs = append(rs, evidence.Review{
			ID:         string(rune('A'+i%26)) + string(rune('a'+i/26)),
			Source:     evidence.SourceSupervisor,
			Kind:       evidence.KindVerification,
			ReviewerID: string(rune('a' + i%26)),
			Weight:     10,
			Timestamp:  now,
		})
	}
	evidence.SortByID(rs)
	b := Compute(rs, now, rules)
	for _, v := range []float64{b.Trust, b.Confidence, b.Fragility} {
		assert.False(t, math.IsNaN(v))
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 100.0)
	}
	assert.InDelta(t, 100.0, b.Trust, 1e-6)

	assert.InDelta(t, 100.0, Risk(0, 100, 100, 1, rules), 1e-9)
	assert.Equal(t, 0.0, Risk(100, 0, 0, 0, rules))
	assert.Equal(t, 0.0, Clamp(math.NaN()))
}

func TestDebtIncrementAndRecommend(t *testing.T) {
	rules := DefaultRules()
	assert.Equal(t, "hire", Recommend(60, 60))
	assert.Equal(t, "reject", Recommend(59.9, 60))
	assert.InDelta(t, 15.0, DebtIncrement(40, 60, rules), 1e-12)
}

func TestRulesValidate(t *testing.T) {
	require.NoError(t, DefaultRules().Validate())

	bad := DefaultRules()
	bad.Sources.Synthetic = 2
	assert.ErrorContains(t, bad.Validate(), "synthetic multiplier")

	bad = DefaultRules()
	bad.Sources.Synthetic = bad.Sources.Peer
	assert.ErrorContains(t, bad.Validate(), "synthetic multiplier")

	bad = DefaultRules()
	bad.Sources.Supervisor = 0.5
	bad.Sources.Synthetic = 1.0
	assert.ErrorContains(t, bad.Validate(), "synthetic multiplier")

	bad = DefaultRules()
	bad.Sources.Supervisor = 0.5
	assert.ErrorContains(t, bad.Validate(), "peer multiplier")

	bad = DefaultRules()
	bad.Sources.Supervisor = bad.Sources.Peer
	assert.ErrorContains(t, bad.Validate(), "peer multiplier")

	bad = DefaultRules()
	bad.Sources.External = 1.2
	assert.ErrorContains(t, bad.Validate(), "external multiplier")

	bad = DefaultRules()
	bad.Version = "one"
	assert.Error(t, bad.Validate())

	bad = DefaultRules()
	bad.Risk.Debt = 0.5
	assert.ErrorContains(t, bad.Validate(), "risk weights")

	bad = DefaultRules()
	bad.Steepness = 0
	assert.ErrorContains(t, bad.Validate(), "steepness")
}

func TestRegistryResolve(t *testing.T) {
	v11 := DefaultRules()
	v11.Version = "1.1.0"
	v11.Steepness = 0.4
	v2 := DefaultRules()
	v2.Version = "2.0.0"
	v2.Steepness = 0.5

	reg, err := NewRegistry(DefaultRules(), v11, v2)
	require.NoError(t, err)

	assert.Equal(t, []string{"2.0.0", "1.1.0", "1.0.0"}, reg.Versions())
	assert.Equal(t, "2.0.0", reg.Latest().Version)

	r, err := reg.Resolve("^1.0")
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", r.Version)

	r, err = reg.Get("v1.0.0")
	require.NoError(t, err)
	assert.Equal(t, DefaultVersion, r.Version)

	_, err = reg.Resolve(">= 3")
	assert.Error(t, err)
	assert.Error(t, reg.Register(v11))
}
