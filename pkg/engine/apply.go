package engine

import (
	"github.com/Blackthor84/WorkVouch-sub006/pkg/errorir"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/evidence"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/scoring"
)

// Config carries caller-supplied parameters for one Apply call.
type Config struct {
	// ThresholdOverride, when set, takes precedence over the delta's own override.
	ThresholdOverride *float64
	// Rules selects the scoring coefficients. The zero value means DefaultRules.
	Rules scoring.Rules
}

func (c Config) rules() scoring.Rules {
	if c.Rules.Version == "" {
		return scoring.DefaultRules()
	}
	return c.Rules
}

// Baseline returns the empty-evidence snapshot for rules at the given time.
func Baseline(rules scoring.Rules, timestamp int64) Snapshot {
	if rules.Version == "" {
		rules = scoring.DefaultRules()
	}
	b := scoring.Compute(nil, timestamp, rules)
	s := Snapshot{
		Timestamp:   timestamp,
		Evidence:    []evidence.Review{},
		Threshold:   rules.DefaultThreshold,
		RuleVersion: rules.Version,
		Outputs: Outputs{
			TrustScore:      b.Trust,
			ConfidenceScore: b.Confidence,
			FragilityScore:  b.Fragility,
		},
	}
	s.Outputs.RiskScore = scoring.Risk(b.Trust, b.Fragility, 0, 0, rules)
	return s
}

// Check reports the error Apply would return for delta under cfg, without
// scoring anything. A nil result means Apply succeeds for any base.
func Check(delta Delta, cfg Config) error {
	if err := delta.Validate(); err != nil {
		return err
	}
	if cfg.ThresholdOverride != nil {
		if err := checkThreshold(*cfg.ThresholdOverride); err != nil {
			return err
		}
	}
	if err := cfg.rules().Validate(); err != nil {
		return errorir.Wrap(errorir.KindInvalidState, err, "invalid rules")
	}
	return nil
}

// Apply derives the snapshot that results from applying delta to base.
//
// Apply is pure: it performs no I/O and reads no clock except delta.Timestamp.
// Removing an unknown review ID is a no-op. When the same ID is added twice in
// one delta the later entry wins. A delta stamped before base is scored at
// base's timestamp; the snapshot clock never moves backwards.
func Apply(base Snapshot, delta Delta, cfg Config) (Snapshot, error) {
	if err := Check(delta, cfg); err != nil {
		return Snapshot{}, err
	}
	now := max(base.Timestamp, delta.Timestamp)
	rules := cfg.rules()

	merged := mergeEvidence(base.Evidence, delta)
	b := scoring.Compute(merged, now, rules)

	threshold := base.Threshold
	switch {
	case cfg.ThresholdOverride != nil:
		threshold = *cfg.ThresholdOverride
	case delta.ThresholdOverride != nil:
		threshold = *delta.ThresholdOverride
	}

	debt := base.Outputs.TrustDebt
	if m := delta.Metadata; m != nil {
		switch {
		case m.ActionType == ActionDebtReset:
			debt = 0
		case m.ActionType.IsDecision() && m.Decision != scoring.Recommend(b.Trust, threshold):
			debt += scoring.DebtIncrement(b.Trust, threshold, rules)
		}
	}
	debt = scoring.Clamp(debt)

	return Snapshot{
		Timestamp:      now,
		Evidence:       merged,
		Threshold:      threshold,
		RuleVersion:    rules.Version,
		SyntheticShare: b.SyntheticShare,
		Outputs: Outputs{
			TrustScore:      b.Trust,
			ConfidenceScore: b.Confidence,
			FragilityScore:  b.Fragility,
			TrustDebt:       debt,
			RiskScore:       scoring.Risk(b.Trust, b.Fragility, debt, b.SyntheticShare, rules),
		},
	}, nil
}

// Rescore recomputes outputs of s under rules without changing its evidence,
// threshold or debt.
func Rescore(s Snapshot, rules scoring.Rules) Snapshot {
	b := scoring.Compute(s.Evidence, s.Timestamp, rules)
	out := s.Clone()
	out.RuleVersion = rules.Version
	out.SyntheticShare = b.SyntheticShare
	out.Outputs.TrustScore = b.Trust
	out.Outputs.ConfidenceScore = b.Confidence
	out.Outputs.FragilityScore = b.Fragility
	out.Outputs.RiskScore = scoring.Risk(b.Trust, b.Fragility, s.Outputs.TrustDebt, b.SyntheticShare, rules)
	return out
}

func mergeEvidence(base []evidence.Review, d Delta) []evidence.Review {
	removed := make(map[string]struct{}, len(d.RemovedReviewIDs))
	for _, id := range d.RemovedReviewIDs {
		removed[id] = struct{}{}
	}
	byID := make(map[string]evidence.Review, len(base)+len(d.AddedReviews))
	for _, r := range base {
		if _, gone := removed[r.ID]; !gone {
			byID[r.ID] = r
		}
	}
	for _, r := range d.AddedReviews {
		byID[r.ID] = r
	}
	out := make([]evidence.Review, 0, len(byID))
	for _, r := range byID {
		out = append(out, r)
	}
	evidence.SortByID(out)
	return out
}
