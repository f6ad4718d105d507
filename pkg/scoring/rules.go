package scoring

import (
	"fmt"
	"math"

	"github.com/Masterminds/semver/v3"

	"github.com/Blackthor84/WorkVouch-sub006/pkg/evidence"
)

const dayMs = int64(24 * 60 * 60 * 1000)

// SourceMultipliers weights evidence by provenance.
type SourceMultipliers struct {
	Supervisor float64 `json:"supervisor" yaml:"supervisor"`
	Peer       float64 `json:"peer" yaml:"peer"`
	External   float64 `json:"external" yaml:"external"`
	Synthetic  float64 `json:"synthetic" yaml:"synthetic"`
}

// KindMultipliers weights evidence by what it asserts.
type KindMultipliers struct {
	Review       float64 `json:"review" yaml:"review"`
	Verification float64 `json:"verification" yaml:"verification"`
	Dispute      float64 `json:"dispute" yaml:"dispute"`
	FraudSignal  float64 `json:"fraud_signal" yaml:"fraud_signal"`
}

// FragilityWeights blend the fragility components. They should sum to 1.
type FragilityWeights struct {
	Sparsity              float64 `json:"sparsity" yaml:"sparsity"`
	Gap                   float64 `json:"gap" yaml:"gap"`
	NegativeConcentration float64 `json:"negative_concentration" yaml:"negative_concentration"`
	ThinSupport           float64 `json:"thin_support" yaml:"thin_support"`
}

// RiskWeights blend the risk components. They should sum to 1.
type RiskWeights struct {
	Distrust  float64 `json:"distrust" yaml:"distrust"`
	Fragility float64 `json:"fragility" yaml:"fragility"`
	Debt      float64 `json:"debt" yaml:"debt"`
	Synthetic float64 `json:"synthetic" yaml:"synthetic"`
}

// Rules is one versioned set of scoring coefficients. A Rules value is treated
// as immutable once registered.
type Rules struct {
	Version          string            `json:"version" yaml:"version"`
	Description      string            `json:"description,omitempty" yaml:"description,omitempty"`
	Steepness        float64           `json:"steepness" yaml:"steepness"`
	HalfLifeDays     float64           `json:"half_life_days" yaml:"half_life_days"`
	VolumeScale      float64           `json:"volume_scale" yaml:"volume_scale"`
	SparsityTarget   float64           `json:"sparsity_target" yaml:"sparsity_target"`
	GapHorizonDays   float64           `json:"gap_horizon_days" yaml:"gap_horizon_days"`
	DefaultThreshold float64           `json:"default_threshold" yaml:"default_threshold"`
	DebtBase         float64           `json:"debt_base" yaml:"debt_base"`
	DebtSlope        float64           `json:"debt_slope" yaml:"debt_slope"`
	Sources          SourceMultipliers `json:"sources" yaml:"sources"`
	Kinds            KindMultipliers   `json:"kinds" yaml:"kinds"`
	Fragility        FragilityWeights  `json:"fragility" yaml:"fragility"`
	Risk             RiskWeights       `json:"risk" yaml:"risk"`
}

// DefaultVersion is the rule version used when none is configured.
const DefaultVersion = "1.0.0"

// DefaultRules returns the baseline coefficients.
func DefaultRules() Rules {
	return Rules{
		Version:          DefaultVersion,
		Description:      "baseline logistic trust model",
		Steepness:        0.35,
		HalfLifeDays:     180,
		VolumeScale:      8,
		SparsityTarget:   10,
		GapHorizonDays:   365,
		DefaultThreshold: 60,
		DebtBase:         5,
		DebtSlope:        0.5,
		Sources: SourceMultipliers{
			Supervisor: 1.5,
			Peer:       1.0,
			External:   0.8,
			Synthetic:  0.4,
		},
		Kinds: KindMultipliers{
			Review:       1.0,
			Verification: 1.2,
			Dispute:      1.0,
			FraudSignal:  1.5,
		},
		Fragility: FragilityWeights{
			Sparsity:              0.35,
			Gap:                   0.2,
			NegativeConcentration: 0.2,
			ThinSupport:           0.25,
		},
		Risk: RiskWeights{
			Distrust:  0.45,
			Fragility: 0.25,
			Debt:      0.15,
			Synthetic: 0.15,
		},
	}
}

// Validate checks that the coefficients keep every score finite and bounded.
func (r Rules) Validate() error {
	if _, err := semver.NewVersion(r.Version); err != nil {
		return fmt.Errorf("rules version %q: %w", r.Version, err)
	}
	positive := map[string]float64{
		"steepness":       r.Steepness,
		"half_life_days":  r.HalfLifeDays,
		"volume_scale":    r.VolumeScale,
		"sparsity_target": r.SparsityTarget,
		"gap_horizon":     r.GapHorizonDays,
	}
	for name, v := range positive {
		if !(v > 0) || math.IsInf(v, 0) {
			return fmt.Errorf("rules %s: %s must be positive and finite, got %v", r.Version, name, v)
		}
	}
	if r.DefaultThreshold < 0 || r.DefaultThreshold > 100 {
		return fmt.Errorf("rules %s: default_threshold %v outside [0,100]", r.Version, r.DefaultThreshold)
	}
	if r.DebtBase < 0 || r.DebtSlope < 0 {
		return fmt.Errorf("rules %s: debt coefficients must be non-negative", r.Version)
	}
	s := r.Sources
	for _, m := range []float64{s.Synthetic, s.External, s.Peer, s.Supervisor} {
		if m < 0 || math.IsNaN(m) || math.IsInf(m, 0) {
			return fmt.Errorf("rules %s: source multipliers must be non-negative and finite", r.Version)
		}
	}
	if !(s.Synthetic < s.Peer) {
		return fmt.Errorf("rules %s: synthetic multiplier %v must be below peer %v", r.Version, s.Synthetic, s.Peer)
	}
	if !(s.Peer < s.Supervisor) {
		return fmt.Errorf("rules %s: peer multiplier %v must be below supervisor %v", r.Version, s.Peer, s.Supervisor)
	}
	if !(s.Synthetic < s.External && s.External < s.Peer) {
		return fmt.Errorf("rules %s: external multiplier %v must lie between synthetic %v and peer %v",
			r.Version, s.External, s.Synthetic, s.Peer)
	}
	k := r.Kinds
	for _, m := range []float64{k.Review, k.Verification, k.Dispute, k.FraudSignal} {
		if m < 0 || math.IsNaN(m) || math.IsInf(m, 0) {
			return fmt.Errorf("rules %s: kind multipliers must be non-negative and finite", r.Version)
		}
	}
	f := r.Fragility
	if err := checkBlend(r.Version, "fragility", f.Sparsity, f.Gap, f.NegativeConcentration, f.ThinSupport); err != nil {
		return err
	}
	w := r.Risk
	return checkBlend(r.Version, "risk", w.Distrust, w.Fragility, w.Debt, w.Synthetic)
}

func checkBlend(version, name string, ws ...float64) error {
	sum := 0.0
	for _, w := range ws {
		if w < 0 || math.IsNaN(w) {
			return fmt.Errorf("rules %s: %s weights must be non-negative", version, name)
		}
		sum += w
	}
	if math.Abs(sum-1) > 1e-9 {
		return fmt.Errorf("rules %s: %s weights sum to %v, want 1", version, name, sum)
	}
	return nil
}

func (r Rules) halfLifeMs() float64 { return r.HalfLifeDays * float64(dayMs) }

func (r Rules) gapHorizonMs() float64 { return r.GapHorizonDays * float64(dayMs) }

// sourceMultiplier returns the provenance weight for a contribution of the given sign.
// Adverse synthetic evidence counts at the peer multiplier so that synthetic input
// can never lift a score above what identical peer input would produce.
func (r Rules) sourceMultiplier(src evidence.Source, weight float64) float64 {
	switch src {
	case evidence.SourceSupervisor:
		return r.Sources.Supervisor
	case evidence.SourcePeer:
		return r.Sources.Peer
	case evidence.SourceExternal:
		return r.Sources.External
	case evidence.SourceSynthetic:
		if weight < 0 {
			return r.Sources.Peer
		}
		return r.Sources.Synthetic
	default:
		return 0
	}
}

func (r Rules) kindMultiplier(k evidence.Kind) float64 {
	switch k {
	case evidence.KindVerification:
		return r.Kinds.Verification
	case evidence.KindDispute:
		return r.Kinds.Dispute
	case evidence.KindFraudSignal:
		return r.Kinds.FraudSignal
	default:
		return r.Kinds.Review
	}
}
