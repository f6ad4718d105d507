// Package engine holds the snapshot state model and the pure delta applier.
package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"

	"github.com/gowebpki/jcs"

	"github.com/Blackthor84/WorkVouch-sub006/pkg/errorir"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/evidence"
)

// ActionType names what a delta is for. Each type has a closed metadata shape.
type ActionType string

const (
	ActionEvidenceUpdate  ActionType = "evidence_update"
	ActionDecisionTrainer ActionType = "decision_trainer_apply"
	ActionGroupHiring     ActionType = "group_hiring_apply"
	ActionBulkDelta       ActionType = "bulk_delta"
	ActionThreshold       ActionType = "threshold_override"
	ActionDebtReset       ActionType = "debt_reset"
	ActionReplayMarker    ActionType = "replay_marker"
	ActionRedTeam         ActionType = "red_team"
)

// ActionTypes lists every known action type.
var ActionTypes = []ActionType{
	ActionEvidenceUpdate,
	ActionDecisionTrainer,
	ActionGroupHiring,
	ActionBulkDelta,
	ActionThreshold,
	ActionDebtReset,
	ActionReplayMarker,
	ActionRedTeam,
}

// Valid reports whether t is a known action type.
func (t ActionType) Valid() bool {
	for _, k := range ActionTypes {
		if k == t {
			return true
		}
	}
	return false
}

// IsDecision reports whether the action records a forced hiring decision.
func (t ActionType) IsDecision() bool {
	return t == ActionDecisionTrainer || t == ActionGroupHiring
}

// Decision values.
const (
	DecisionHire   = "hire"
	DecisionReject = "reject"
)

// Metadata describes the provenance of a delta.
type Metadata struct {
	ActionType ActionType `json:"action_type"`
	Actor      string     `json:"actor,omitempty"`
	Notes      string     `json:"notes,omitempty"`
	Decision   string     `json:"decision,omitempty"`
	GroupID    string     `json:"group_id,omitempty"`
}

// Delta is a diff request against a base snapshot.
type Delta struct {
	AddedReviews      []evidence.Review `json:"added_reviews,omitempty"`
	RemovedReviewIDs  []string          `json:"removed_review_ids,omitempty"`
	ThresholdOverride *float64          `json:"threshold_override,omitempty"`
	Metadata          *Metadata         `json:"metadata,omitempty"`
	Timestamp         int64             `json:"timestamp"`
}

// Threshold returns a pointer to v, for building deltas with an override.
func Threshold(v float64) *float64 { return &v }

// IsEmpty reports whether the delta changes neither evidence nor threshold.
func (d Delta) IsEmpty() bool {
	return len(d.AddedReviews) == 0 && len(d.RemovedReviewIDs) == 0 && d.ThresholdOverride == nil
}

// Clone returns a deep copy of d.
func (d Delta) Clone() Delta {
	out := d
	out.AddedReviews = evidence.Clone(d.AddedReviews)
	if d.RemovedReviewIDs != nil {
		out.RemovedReviewIDs = append([]string(nil), d.RemovedReviewIDs...)
	}
	if d.ThresholdOverride != nil {
		out.ThresholdOverride = Threshold(*d.ThresholdOverride)
	}
	if d.Metadata != nil {
		m := *d.Metadata
		out.Metadata = &m
	}
	return out
}

// Validate checks delta shape, evidence and per-type metadata. Every failure is
// an InvalidDelta error.
func (d Delta) Validate() error {
	if d.Timestamp < 0 {
		return errorir.InvalidDelta("timestamp %d is negative", d.Timestamp)
	}
	if err := evidence.ValidateAll(d.AddedReviews); err != nil {
		return errorir.Wrap(errorir.KindInvalidDelta, err, "invalid evidence")
	}
	for _, id := range d.RemovedReviewIDs {
		if id == "" {
			return errorir.InvalidDelta("removed review id is empty")
		}
	}
	if d.ThresholdOverride != nil {
		if err := checkThreshold(*d.ThresholdOverride); err != nil {
			return err
		}
	}
	if d.Metadata != nil {
		return d.Metadata.validate(d)
	}
	return nil
}

func (m Metadata) validate(d Delta) error {
	if !m.ActionType.Valid() {
		return errorir.InvalidDelta("unknown action type %q", m.ActionType)
	}
	hasEvidence := len(d.AddedReviews) > 0 || len(d.RemovedReviewIDs) > 0

	switch m.ActionType {
	case ActionDecisionTrainer:
		if err := checkDecision(m.Decision); err != nil {
			return err
		}
		if m.GroupID != "" {
			return errorir.InvalidDelta("%s does not accept group_id", m.ActionType)
		}
	case ActionGroupHiring:
		if err := checkDecision(m.Decision); err != nil {
			return err
		}
		if m.GroupID == "" {
			return errorir.InvalidDelta("%s requires group_id", m.ActionType)
		}
	default:
		if m.Decision != "" || m.GroupID != "" {
			return errorir.InvalidDelta("%s does not accept decision or group_id", m.ActionType)
		}
	}

	switch m.ActionType {
	case ActionThreshold:
		if d.ThresholdOverride == nil {
			return errorir.InvalidDelta("%s requires threshold_override", m.ActionType)
		}
	case ActionDebtReset:
		if hasEvidence {
			return errorir.InvalidDelta("%s must not change evidence", m.ActionType)
		}
	case ActionReplayMarker:
		if !d.IsEmpty() {
			return errorir.InvalidDelta("%s must be an empty delta", m.ActionType)
		}
	}
	return nil
}

func checkDecision(decision string) error {
	if decision != DecisionHire && decision != DecisionReject {
		return errorir.InvalidDelta("decision must be %q or %q, got %q", DecisionHire, DecisionReject, decision)
	}
	return nil
}

func checkThreshold(v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 || v > 100 {
		return errorir.InvalidDelta("threshold %v outside [0,100]", v)
	}
	return nil
}

// Outputs are the derived scores of a snapshot. All lie in [0,100].
type Outputs struct {
	TrustScore      float64 `json:"trust_score"`
	ConfidenceScore float64 `json:"confidence_score"`
	FragilityScore  float64 `json:"fragility_score"`
	TrustDebt       float64 `json:"trust_debt"`
	RiskScore       float64 `json:"risk_score"`
}

// Snapshot is the complete scoring state at a point in time. Evidence is kept
// deduplicated and sorted by ID.
type Snapshot struct {
	Timestamp      int64             `json:"timestamp"`
	Evidence       []evidence.Review `json:"evidence"`
	Outputs        Outputs           `json:"outputs"`
	Threshold      float64           `json:"threshold"`
	RuleVersion    string            `json:"rule_version"`
	SyntheticShare float64           `json:"synthetic_share"`
}

// Clone returns a deep copy of s.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Evidence = evidence.Clone(s.Evidence)
	return out
}

// Recommendation is the decision implied by the snapshot's trust and threshold.
func (s Snapshot) Recommendation() string {
	if s.Outputs.TrustScore >= s.Threshold {
		return DecisionHire
	}
	return DecisionReject
}

// Canonical returns the RFC 8785 canonical JSON encoding of s.
func (s Snapshot) Canonical() ([]byte, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return jcs.Transform(raw)
}

// Fingerprint returns the hex SHA-256 of the canonical encoding.
func (s Snapshot) Fingerprint() (string, error) {
	b, err := s.Canonical()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
