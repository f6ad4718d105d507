// Package abuse raises fraud and manipulation signals from committed deltas.
//
// Detectors are deterministic functions of a window of recent observations plus
// the candidate observation. They never block a commit; signals are attached to
// the committed action for downstream review.
package abuse

import (
	"fmt"

	"github.com/Blackthor84/WorkVouch-sub006/pkg/engine"
)

// SignalType classifies a raised signal.
type SignalType string

const (
	SignalSyntheticShare        SignalType = "synthetic_share"        // synthetic evidence dominates
	SignalReviewerConcentration SignalType = "reviewer_concentration" // small closed group vouching repeatedly
	SignalOscillation           SignalType = "oscillation"            // trust flips direction repeatedly
	SignalRetaliation           SignalType = "retaliation"            // adverse burst or reviewer flip
	SignalImpersonation         SignalType = "impersonation"          // look-alike identity or supervisor spam
	SignalSybilBurst            SignalType = "sybil_burst"            // many fresh single-use reviewers
	SignalCoordinatedBurst      SignalType = "coordinated_burst"      // identical reviews landing together
	SignalTrustDebtHigh         SignalType = "trust_debt_high"        // accumulated overrides
)

// Severity grades a signal.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Signal is one detector finding. Data holds the transparent inputs that
// triggered it.
type Signal struct {
	Type        SignalType         `json:"type"`
	Severity    Severity           `json:"severity"`
	Description string             `json:"description"`
	Data        map[string]float64 `json:"data,omitempty"`
}

func (s Signal) String() string {
	return fmt.Sprintf("%s(%s): %s", s.Type, s.Severity, s.Description)
}

// Observation is one delta with the snapshots around it.
type Observation struct {
	Delta  engine.Delta
	Before engine.Snapshot
	After  engine.Snapshot
}

// Config holds the detector thresholds.
type Config struct {
	// Window is how many prior observations detectors consider.
	Window int `json:"window" yaml:"window"`

	MaxSyntheticShare float64 `json:"max_synthetic_share" yaml:"max_synthetic_share"`

	RingMinReviews     int     `json:"ring_min_reviews" yaml:"ring_min_reviews"`
	RingMaxReviewers   int     `json:"ring_max_reviewers" yaml:"ring_max_reviewers"`
	RingMinRepeatRatio float64 `json:"ring_min_repeat_ratio" yaml:"ring_min_repeat_ratio"`

	OscillationMinFlips int     `json:"oscillation_min_flips" yaml:"oscillation_min_flips"`
	OscillationMinMove  float64 `json:"oscillation_min_move" yaml:"oscillation_min_move"`

	RetaliationMinAdverse int     `json:"retaliation_min_adverse" yaml:"retaliation_min_adverse"`
	RetaliationMinDrop    float64 `json:"retaliation_min_drop" yaml:"retaliation_min_drop"`

	SupervisorSpamMin int `json:"supervisor_spam_min" yaml:"supervisor_spam_min"`

	SybilMinReviewers int   `json:"sybil_min_reviewers" yaml:"sybil_min_reviewers"`
	SybilSpanMs       int64 `json:"sybil_span_ms" yaml:"sybil_span_ms"`

	CollusionMinReviews int   `json:"collusion_min_reviews" yaml:"collusion_min_reviews"`
	CollusionSpreadMs   int64 `json:"collusion_spread_ms" yaml:"collusion_spread_ms"`

	DebtHigh float64 `json:"debt_high" yaml:"debt_high"`
}

// DefaultConfig returns the standard detector thresholds.
func DefaultConfig() Config {
	return Config{
		Window:                10,
		MaxSyntheticShare:     0.3,
		RingMinReviews:        6,
		RingMaxReviewers:      4,
		RingMinRepeatRatio:    1.5,
		OscillationMinFlips:   3,
		OscillationMinMove:    1,
		RetaliationMinAdverse: 3,
		RetaliationMinDrop:    15,
		SupervisorSpamMin:     5,
		SybilMinReviewers:     5,
		SybilSpanMs:           86_400_000,
		CollusionMinReviews:   4,
		CollusionSpreadMs:     60_000,
		DebtHigh:              50,
	}
}
