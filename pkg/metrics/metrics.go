// Package metrics summarises populations of snapshots. It only reads.
package metrics

import (
	"context"
	"math"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/Blackthor84/WorkVouch-sub006/pkg/engine"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/timeline"
)

// DebtFlagThreshold is the trust debt above which a snapshot is flagged.
const DebtFlagThreshold = 50.0

// Buckets is the number of trust histogram buckets, each 10 points wide.
// The last bucket includes 100.
const Buckets = 10

// Summary describes one score across a population.
type Summary struct {
	Mean float64 `json:"mean"`
	P50  float64 `json:"p50"`
	P90  float64 `json:"p90"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
}

// Report is the aggregate over a set of snapshots.
type Report struct {
	Count      int     `json:"count"`
	Trust      Summary `json:"trust"`
	Confidence Summary `json:"confidence"`
	Fragility  Summary `json:"fragility"`
	Debt       Summary `json:"debt"`
	Risk       Summary `json:"risk"`

	TrustHistogram     [Buckets]int   `json:"trust_histogram"`
	MeanSyntheticShare float64        `json:"mean_synthetic_share"`
	DebtFlagged        int            `json:"debt_flagged"`
	BelowThreshold     int            `json:"below_threshold"`
	Recommendations    map[string]int `json:"recommendations"`
}

// Aggregate computes a Report. An empty input yields a zero report.
func Aggregate(snapshots []engine.Snapshot) Report {
	r := Report{Count: len(snapshots), Recommendations: map[string]int{}}
	if len(snapshots) == 0 {
		return r
	}

	n := len(snapshots)
	trust := make([]float64, n)
	confidence := make([]float64, n)
	fragility := make([]float64, n)
	debt := make([]float64, n)
	risk := make([]float64, n)
	synthetic := 0.0

	for i, s := range snapshots {
		o := s.Outputs
		trust[i] = o.TrustScore
		confidence[i] = o.ConfidenceScore
		fragility[i] = o.FragilityScore
		debt[i] = o.TrustDebt
		risk[i] = o.RiskScore
		synthetic += s.SyntheticShare

		r.TrustHistogram[bucket(o.TrustScore)]++
		if o.TrustDebt > DebtFlagThreshold {
			r.DebtFlagged++
		}
		if o.TrustScore < s.Threshold {
			r.BelowThreshold++
		}
		r.Recommendations[s.Recommendation()]++
	}

	r.Trust = summarize(trust)
	r.Confidence = summarize(confidence)
	r.Fragility = summarize(fragility)
	r.Debt = summarize(debt)
	r.Risk = summarize(risk)
	r.MeanSyntheticShare = synthetic / float64(n)
	return r
}

// AggregateTimelines reads the current snapshot of every timeline, at most
// workers at a time, and aggregates them.
func AggregateTimelines(ctx context.Context, tls []*timeline.Timeline, workers int) (Report, error) {
	snapshots := make([]engine.Snapshot, len(tls))
	g, gctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}
	for i, tl := range tls {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			snapshots[i] = tl.Current()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, err
	}
	return Aggregate(snapshots), nil
}

func bucket(trust float64) int {
	b := int(trust / (100 / Buckets))
	return max(0, min(Buckets-1, b))
}

func summarize(values []float64) Summary {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	sum := 0.0
	for _, v := range sorted {
		sum += v
	}
	return Summary{
		Mean: sum / float64(len(sorted)),
		P50:  percentile(sorted, 0.5),
		P90:  percentile(sorted, 0.9),
		Min:  sorted[0],
		Max:  sorted[len(sorted)-1],
	}
}

// percentile uses the nearest-rank method on sorted input.
func percentile(sorted []float64, p float64) float64 {
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	idx = max(0, min(len(sorted)-1, idx))
	return sorted[idx]
}
