// Package workforce generates seeded synthetic worker profiles and plays
// their evidence histories into timelines.
//
// Every profile is derived from (seed, index) alone, so the same seed yields
// the same population regardless of how many goroutines generate it.
package workforce

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/Blackthor84/WorkVouch-sub006/pkg/engine"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/evidence"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/scoring"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/simulation"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/timeline"
)

const dayMs = int64(86_400_000)

// Archetype is the behavioural template a profile is drawn from.
type Archetype string

const (
	Reliable       Archetype = "reliable"
	Average        Archetype = "average"
	Risky          Archetype = "risky"
	Sparse         Archetype = "sparse"
	SyntheticHeavy Archetype = "synthetic_heavy"
)

type template struct {
	minReviews, maxReviews int
	meanWeight, spread     float64
	synthetic              float64 // probability an item is synthetic
	supervisor             float64 // probability an item comes from a supervisor
	disputes               float64 // probability an item is a dispute
}

var templates = map[Archetype]template{
	Reliable:       {minReviews: 8, maxReviews: 20, meanWeight: 6, spread: 2, synthetic: 0.02, supervisor: 0.35, disputes: 0.02},
	Average:        {minReviews: 5, maxReviews: 14, meanWeight: 2, spread: 4, synthetic: 0.05, supervisor: 0.25, disputes: 0.08},
	Risky:          {minReviews: 5, maxReviews: 14, meanWeight: -3, spread: 4, synthetic: 0.05, supervisor: 0.2, disputes: 0.25},
	Sparse:         {minReviews: 1, maxReviews: 3, meanWeight: 3, spread: 3, synthetic: 0.05, supervisor: 0.3, disputes: 0.05},
	SyntheticHeavy: {minReviews: 6, maxReviews: 15, meanWeight: 5, spread: 2, synthetic: 0.6, supervisor: 0.1, disputes: 0.02},
}

// Archetypes lists archetypes in a stable order.
func Archetypes() []Archetype {
	return []Archetype{Reliable, Average, Risky, Sparse, SyntheticHeavy}
}

// Config controls generation.
type Config struct {
	Seed uint64
	// Start is the earliest evidence timestamp (unix ms).
	Start int64
	// SpanDays is the period over which a profile's evidence is spread.
	SpanDays int
	// Mix weights archetypes. Empty means uniform.
	Mix map[Archetype]float64
}

// Profile is one synthetic worker.
type Profile struct {
	ID        string            `json:"id"`
	Archetype Archetype         `json:"archetype"`
	Reviews   []evidence.Review `json:"reviews"`
}

// Generator produces profiles. It holds no mutable state.
type Generator struct {
	cfg   Config
	kinds []Archetype
	cum   []float64
}

// NewGenerator validates cfg and returns a generator.
func NewGenerator(cfg Config) (*Generator, error) {
	if cfg.SpanDays <= 0 {
		cfg.SpanDays = 365
	}
	if cfg.Start < 0 {
		return nil, fmt.Errorf("workforce: start %d is negative", cfg.Start)
	}
	g := &Generator{cfg: cfg}
	total := 0.0
	for _, a := range Archetypes() {
		w := 1.0
		if len(cfg.Mix) > 0 {
			w = cfg.Mix[a]
		}
		if w < 0 {
			return nil, fmt.Errorf("workforce: negative weight %v for %s", w, a)
		}
		if w == 0 {
			continue
		}
		total += w
		g.kinds = append(g.kinds, a)
		g.cum = append(g.cum, total)
	}
	for a := range cfg.Mix {
		if _, ok := templates[a]; !ok {
			return nil, fmt.Errorf("workforce: unknown archetype %q", a)
		}
	}
	if total == 0 {
		return nil, fmt.Errorf("workforce: archetype mix has no positive weight")
	}
	for i := range g.cum {
		g.cum[i] /= total
	}
	return g, nil
}

func (g *Generator) rng(i int) *rand.Rand {
	return rand.New(rand.NewPCG(g.cfg.Seed, uint64(i)))
}

// Profile returns the i-th profile of the population.
func (g *Generator) Profile(i int) Profile {
	rng := g.rng(i)
	pick := rng.Float64()
	arch := g.kinds[len(g.kinds)-1]
	for j, c := range g.cum {
		if pick < c {
			arch = g.kinds[j]
			break
		}
	}
	t := templates[arch]

	p := Profile{ID: fmt.Sprintf("worker-%05d", i), Archetype: arch}
	n := t.minReviews + rng.IntN(t.maxReviews-t.minReviews+1)
	span := int64(g.cfg.SpanDays) * dayMs
	for k := 0; k < n; k++ {
		r := evidence.Review{
			ID:         fmt.Sprintf("%s-r%03d", p.ID, k),
			Source:     evidence.SourcePeer,
			ReviewerID: fmt.Sprintf("colleague-%03d", rng.IntN(60)),
			Weight:     clampWeight(t.meanWeight + rng.NormFloat64()*t.spread),
			Timestamp:  g.cfg.Start + rng.Int64N(span),
		}
		switch u := rng.Float64(); {
		case u < t.synthetic:
			r.Source = evidence.SourceSynthetic
			r.ReviewerID = ""
		case u < t.synthetic+t.supervisor:
			r.Source = evidence.SourceSupervisor
			r.ReviewerID = fmt.Sprintf("manager-%02d", rng.IntN(12))
		case rng.Float64() < 0.2:
			r.Source = evidence.SourceExternal
		}
		if rng.Float64() < t.disputes {
			r.Kind = evidence.KindDispute
			r.Weight = -abs(r.Weight)
		}
		p.Reviews = append(p.Reviews, r)
	}
	sort.Slice(p.Reviews, func(a, b int) bool {
		if p.Reviews[a].Timestamp == p.Reviews[b].Timestamp {
			return p.Reviews[a].ID < p.Reviews[b].ID
		}
		return p.Reviews[a].Timestamp < p.Reviews[b].Timestamp
	})
	return p
}

// Profiles returns profiles 0..n-1.
func (g *Generator) Profiles(n int) []Profile {
	out := make([]Profile, n)
	for i := range out {
		out[i] = g.Profile(i)
	}
	return out
}

// Requests turns a profile's history into chronological evidence updates,
// one per review.
func (p Profile) Requests() []simulation.Request {
	out := make([]simulation.Request, len(p.Reviews))
	for i, r := range p.Reviews {
		out[i] = simulation.Request{
			Type:      engine.ActionEvidenceUpdate,
			Actor:     "workforce",
			Rationale: fmt.Sprintf("%s evidence %d", p.Archetype, i+1),
			Delta:     engine.Delta{AddedReviews: []evidence.Review{r}, Timestamp: r.Timestamp},
		}
	}
	return out
}

// Populate plays each profile into its own timeline through exec, at most
// workers profiles at a time. Timelines start at a baseline under rules.
func Populate(ctx context.Context, exec *simulation.Executor, rules scoring.Rules, start int64, profiles []Profile, workers int) ([]*timeline.Timeline, error) {
	tls := make([]*timeline.Timeline, len(profiles))
	g, gctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}
	for i, p := range profiles {
		g.Go(func() error {
			tl := timeline.New(p.ID, engine.Baseline(rules, start))
			for _, req := range p.Requests() {
				if err := gctx.Err(); err != nil {
					return err
				}
				if _, err := exec.Execute(gctx, tl, req); err != nil {
					return fmt.Errorf("populate %s: %w", p.ID, err)
				}
			}
			tls[i] = tl
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return tls, nil
}

func clampWeight(w float64) float64 {
	// two decimals keep generated fixtures readable
	w = float64(int(w*100)) / 100
	return max(evidence.MinWeight, min(evidence.MaxWeight, w))
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
