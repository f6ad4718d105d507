// Package redteam drives adversarial delta sequences through the simulation
// executor and measures whether and how fast abuse detectors contain them.
package redteam

import (
	"fmt"
	"math/rand/v2"

	"github.com/Blackthor84/WorkVouch-sub006/pkg/engine"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/errorir"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/evidence"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/simulation"
)

// Scenario names.
const (
	RingInflation     = "ring_inflation"
	Retaliation       = "retaliation"
	Oscillation       = "oscillation"
	ImpersonationSpam = "impersonation_spam"
	Sybil             = "sybil"
	Collusion         = "collusion"
)

const (
	second = int64(1_000)
	hour   = int64(3_600_000)
)

// Scenario is one adversarial pattern. Steps builds its request sequence from
// a seeded source, starting no earlier than start (unix ms).
type Scenario struct {
	Name        string
	Description string
	Steps       func(rng *rand.Rand, start int64) []simulation.Request
}

// Scenarios returns every built-in scenario in a stable order.
func Scenarios() []Scenario {
	return []Scenario{
		ringInflation(),
		retaliation(),
		oscillation(),
		impersonationSpam(),
		sybil(),
		collusion(),
	}
}

// Lookup returns the scenario called name.
func Lookup(name string) (Scenario, error) {
	for _, s := range Scenarios() {
		if s.Name == name {
			return s, nil
		}
	}
	return Scenario{}, errorir.NotFound("red-team scenario %q not found", name)
}

// Names lists the built-in scenario names.
func Names() []string {
	all := Scenarios()
	out := make([]string, len(all))
	for i, s := range all {
		out[i] = s.Name
	}
	return out
}

// builder accumulates requests with unique evidence IDs and rising timestamps.
type builder struct {
	rng    *rand.Rand
	prefix string
	ts     int64
	n      int
	reqs   []simulation.Request
}

func newBuilder(rng *rand.Rand, scenario string, start int64) *builder {
	return &builder{
		rng:    rng,
		prefix: fmt.Sprintf("rt-%s-%04x", scenario, rng.Uint32()&0xffff),
		ts:     start,
	}
}

func (b *builder) review(src evidence.Source, reviewer string, weight float64, at int64) evidence.Review {
	b.n++
	return evidence.Review{
		ID:         fmt.Sprintf("%s-%03d", b.prefix, b.n),
		Source:     src,
		ReviewerID: reviewer,
		Weight:     max(evidence.MinWeight, min(evidence.MaxWeight, weight)),
		Timestamp:  at,
	}
}

// step advances the clock by gap and appends one evidence update.
func (b *builder) step(gap int64, rationale string, reviews ...evidence.Review) {
	b.ts += gap
	b.reqs = append(b.reqs, simulation.Request{
		Type:      engine.ActionEvidenceUpdate,
		Actor:     "redteam",
		Rationale: rationale,
		Delta:     engine.Delta{AddedReviews: reviews, Timestamp: b.ts},
	})
}

// between returns a value in [lo, hi).
func (b *builder) between(lo, hi float64) float64 {
	return lo + b.rng.Float64()*(hi-lo)
}

func ringInflation() Scenario {
	return Scenario{
		Name:        RingInflation,
		Description: "a closed ring of three peers repeatedly vouches for the subject",
		Steps: func(rng *rand.Rand, start int64) []simulation.Request {
			b := newBuilder(rng, RingInflation, start)
			ring := []string{"ring-alpha", "ring-beta", "ring-gamma"}
			for i := 0; i < 10; i++ {
				b.step(hour, fmt.Sprintf("ring vouch %d", i+1),
					b.review(evidence.SourcePeer, ring[i%len(ring)], b.between(6, 9), b.ts+hour-10*second))
			}
			return b.reqs
		},
	}
}

func retaliation() Scenario {
	return Scenario{
		Name:        Retaliation,
		Description: "former positive reviewers turn hostile in a burst",
		Steps: func(rng *rand.Rand, start int64) []simulation.Request {
			b := newBuilder(rng, Retaliation, start)
			crew := []string{"mgr-north", "mgr-south", "mgr-east"}
			for i, r := range crew {
				b.step(24*hour, fmt.Sprintf("positive review %d", i+1),
					b.review(evidence.SourcePeer, r, b.between(4, 7), b.ts+23*hour))
			}
			for i := 0; i < 4; i++ {
				r := crew[i%len(crew)]
				b.step(hour, fmt.Sprintf("adverse review %d", i+1),
					b.review(evidence.SourcePeer, r, -b.between(8, 10), b.ts+hour-second))
			}
			return b.reqs
		},
	}
}

func oscillation() Scenario {
	return Scenario{
		Name:        Oscillation,
		Description: "alternating strong praise and strong complaints to whipsaw the score",
		Steps: func(rng *rand.Rand, start int64) []simulation.Request {
			b := newBuilder(rng, Oscillation, start)
			for i := 0; i < 8; i++ {
				w := b.between(8, 10)
				if i%2 == 1 {
					w = -w
				}
				// a small pool keeps the sybil detector from firing first
				reviewer := fmt.Sprintf("swing-%d", i%2)
				b.step(6*hour, fmt.Sprintf("swing %d", i+1),
					b.review(evidence.SourceSupervisor, reviewer, w, b.ts+6*hour-second),
					b.review(evidence.SourceExternal, reviewer+"-ext", w, b.ts+6*hour-second))
			}
			return b.reqs
		},
	}
}

func impersonationSpam() Scenario {
	return Scenario{
		Name:        ImpersonationSpam,
		Description: "supervisor claims from look-alike spellings of one identity",
		Steps: func(rng *rand.Rand, start int64) []simulation.Request {
			b := newBuilder(rng, ImpersonationSpam, start)
			spellings := []string{"dana.whitlock", "Dana.Whitlock", "DANA.WHITLOCK", " dana.Whitlock", "Dana.WHITLOCK "}
			for i := 0; i < 6; i++ {
				b.step(2*hour, fmt.Sprintf("supervisor claim %d", i+1),
					b.review(evidence.SourceSupervisor, spellings[i%len(spellings)], b.between(7, 10), b.ts+2*hour-second))
			}
			return b.reqs
		},
	}
}

func sybil() Scenario {
	return Scenario{
		Name:        Sybil,
		Description: "a wave of never-seen single-use reviewers within one day",
		Steps: func(rng *rand.Rand, start int64) []simulation.Request {
			b := newBuilder(rng, Sybil, start)
			for i := 0; i < 4; i++ {
				var reviews []evidence.Review
				for j := 0; j < 2; j++ {
					reviewer := fmt.Sprintf("acct-%08x", rng.Uint32())
					reviews = append(reviews, b.review(evidence.SourcePeer, reviewer, b.between(5, 8), b.ts+2*hour-int64(j+1)*second))
				}
				b.step(2*hour, fmt.Sprintf("fresh accounts %d", i+1), reviews...)
			}
			return b.reqs
		},
	}
}

func collusion() Scenario {
	return Scenario{
		Name:        Collusion,
		Description: "several reviewers post the identical score within seconds",
		Steps: func(rng *rand.Rand, start int64) []simulation.Request {
			b := newBuilder(rng, Collusion, start)
			// one shared weight, rounded so every copy is identical
			w := float64(int(b.between(6, 9)*10)) / 10
			pool := []string{"coll-1", "coll-2", "coll-3", "coll-4", "coll-5", "coll-6"}
			for i := 0; i < 3; i++ {
				b.step(10*second, fmt.Sprintf("coordinated post %d", i+1),
					b.review(evidence.SourcePeer, pool[2*i], w, b.ts+10*second-2*second),
					b.review(evidence.SourceExternal, pool[2*i+1], w, b.ts+10*second-second))
			}
			return b.reqs
		},
	}
}
