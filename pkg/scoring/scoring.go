// Package scoring implements the pure score functions behind every snapshot.
//
// All functions are deterministic: given the same evidence (in canonical ID
// order), the same reference time and the same Rules they return bit-identical
// results. Nothing here reads a clock.
package scoring

import (
	"math"
	"slices"

	"github.com/Blackthor84/WorkVouch-sub006/pkg/evidence"
)

// Neutral is the trust score of an empty evidence set.
const Neutral = 50.0

// Contribution explains how one review moved the trust sum.
type Contribution struct {
	ReviewID   string  `json:"review_id"`
	Source     string  `json:"source"`
	Multiplier float64 `json:"multiplier"`
	Decay      float64 `json:"decay"`
	Saturation float64 `json:"saturation"`
	Value      float64 `json:"value"`
}

// Breakdown holds the evidence-derived scores and the terms that produced them.
type Breakdown struct {
	Trust          float64        `json:"trust"`
	Confidence     float64        `json:"confidence"`
	Fragility      float64        `json:"fragility"`
	SyntheticShare float64        `json:"synthetic_share"`
	Sum            float64        `json:"sum"`
	Contributions  []Contribution `json:"contributions,omitempty"`
}

// Compute scores reviews as of now (unix millis). reviews must already be in
// canonical ID order; the summation order is part of the determinism contract.
func Compute(reviews []evidence.Review, now int64, r Rules) Breakdown {
	n := len(reviews)
	if n == 0 {
		return Breakdown{
			Trust:      Neutral,
			Confidence: 0,
			Fragility:  Clamp(100 * (r.Fragility.Sparsity + r.Fragility.Gap + r.Fragility.ThinSupport)),
		}
	}

	perReviewer := make(map[string]int, n)
	for _, rv := range reviews {
		perReviewer[rv.Reviewer()]++
	}

	contribs := make([]Contribution, n)
	var (
		sum, absSum, negSum, posSum float64
		recencySum                  float64
		synthetic                   int
		sources                     = make(map[evidence.Source]struct{}, 4)
	)
	for i, rv := range reviews {
		decay := Decay(now-rv.Timestamp, r.halfLifeMs())
		sat := 1 / math.Sqrt(float64(perReviewer[rv.Reviewer()]))
		w := rv.SignedWeight()
		mult := r.sourceMultiplier(rv.Source, w) * r.kindMultiplier(rv.EffectiveKind())
		v := w * mult * decay * sat

		contribs[i] = Contribution{
			ReviewID:   rv.ID,
			Source:     string(rv.Source),
			Multiplier: mult,
			Decay:      decay,
			Saturation: sat,
			Value:      v,
		}
		sum += v
		absSum += math.Abs(v)
		if v < 0 {
			negSum += -v
		} else {
			posSum += v
		}
		recencySum += decay
		if rv.IsSynthetic() {
			synthetic++
		} else {
			sources[rv.Source] = struct{}{}
		}
	}

	trust := Clamp(100 * logistic(r.Steepness*sum))

	volume := 1 - math.Exp(-float64(n)/r.VolumeScale)
	meanRecency := recencySum / float64(n)
	spread := math.Min(1, float64(span(reviews))/r.halfLifeMs())
	diversity := float64(len(sources)) / 3
	confidence := Clamp(100 * volume * (0.5*meanRecency + 0.25*spread + 0.25*diversity))

	sparsity := math.Max(0, 1-float64(n)/r.SparsityTarget)
	gap := math.Min(1, float64(largestGap(reviews, now))/r.gapHorizonMs())
	negConc := 0.0
	if absSum > 0 {
		negConc = negSum / absSum
	}
	thin := 1.0
	if posSum > 0 {
		thin = 0
		for _, c := range contribs {
			if c.Value > 0 {
				share := c.Value / posSum
				thin += share * share
			}
		}
	}
	fw := r.Fragility
	fragility := Clamp(100 * (fw.Sparsity*sparsity + fw.Gap*gap + fw.NegativeConcentration*negConc + fw.ThinSupport*thin))

	return Breakdown{
		Trust:          trust,
		Confidence:     confidence,
		Fragility:      fragility,
		SyntheticShare: float64(synthetic) / float64(n),
		Sum:            sum,
		Contributions:  contribs,
	}
}

// Risk blends distrust, fragility, trust debt and synthetic share.
func Risk(trust, fragility, debt, syntheticShare float64, r Rules) float64 {
	w := r.Risk
	return Clamp(w.Distrust*(100-trust) + w.Fragility*fragility + w.Debt*debt + w.Synthetic*100*syntheticShare)
}

// DebtIncrement is the trust debt accrued by a decision that contradicts the
// recommendation at the given threshold.
func DebtIncrement(trust, threshold float64, r Rules) float64 {
	return r.DebtBase + r.DebtSlope*math.Abs(trust-threshold)
}

// Recommend returns the decision implied by trust at threshold.
func Recommend(trust, threshold float64) string {
	if trust >= threshold {
		return "hire"
	}
	return "reject"
}

// Decay returns the half-life weight for an item of the given age.
// Future-dated items (negative age) are not boosted.
func Decay(ageMs int64, halfLifeMs float64) float64 {
	if ageMs <= 0 || halfLifeMs <= 0 {
		return 1
	}
	return math.Pow(0.5, float64(ageMs)/halfLifeMs)
}

// Clamp bounds v to [0,100] and maps NaN to 0.
func Clamp(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}

func logistic(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func span(reviews []evidence.Review) int64 {
	lo, hi := reviews[0].Timestamp, reviews[0].Timestamp
	for _, rv := range reviews[1:] {
		lo = min(lo, rv.Timestamp)
		hi = max(hi, rv.Timestamp)
	}
	return hi - lo
}

// largestGap is the longest silence between consecutive items, including the
// time since the newest item.
func largestGap(reviews []evidence.Review, now int64) int64 {
	ts := make([]int64, len(reviews))
	for i, rv := range reviews {
		ts[i] = rv.Timestamp
	}
	slices.Sort(ts)
	var g int64
	for i := 1; i < len(ts); i++ {
		g = max(g, ts[i]-ts[i-1])
	}
	return max(g, now-ts[len(ts)-1])
}
