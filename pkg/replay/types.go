// Package replay re-derives timeline outputs from captured deltas.
//
//   - A capture is a self-contained, content-addressed copy of a timeline
//   - Sessions re-apply entries in strict sequence order under one rule version
//   - Under the capture's own rule version every trust value must match the
//     original exactly; a mismatch is a divergence
//   - Replay never touches the source timeline
package replay

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/Blackthor84/WorkVouch-sub006/pkg/engine"
)

// Entry is one captured action.
type Entry struct {
	Seq       uint64            `json:"seq"`
	Type      engine.ActionType `json:"type"`
	Delta     engine.Delta      `json:"delta"`
	Rationale string            `json:"rationale,omitempty"`
	Actor     string            `json:"actor,omitempty"`
	// Threshold in effect after the original action, including caller overrides.
	Threshold float64        `json:"threshold"`
	Before    engine.Outputs `json:"before"`
	After     engine.Outputs `json:"after"`
}

// Capture is a deep copy of a timeline at a point in time. ID is the digest of
// its canonical encoding without ID and CreatedAt.
type Capture struct {
	ID          string          `json:"id"`
	TimelineID  string          `json:"timeline_id"`
	RuleVersion string          `json:"rule_version"`
	Base        engine.Snapshot `json:"base"`
	Entries     []Entry         `json:"entries"`
	HeadHash    string          `json:"head_hash"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Digest computes the content address of c.
func (c Capture) Digest() (string, error) {
	body := struct {
		TimelineID  string          `json:"timeline_id"`
		RuleVersion string          `json:"rule_version"`
		Base        engine.Snapshot `json:"base"`
		Entries     []Entry         `json:"entries"`
		HeadHash    string          `json:"head_hash"`
	}{c.TimelineID, c.RuleVersion, c.Base, c.Entries, c.HeadHash}

	raw, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal capture: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize capture: %w", err)
	}
	sum := sha256.Sum256(canon)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// Status is the lifecycle state of a session.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
)

// Divergence describes the first event whose trust differed from the capture.
type Divergence struct {
	Seq            uint64  `json:"seq"`
	ExpectedBefore float64 `json:"expected_before"`
	ActualBefore   float64 `json:"actual_before"`
	ExpectedAfter  float64 `json:"expected_after"`
	ActualAfter    float64 `json:"actual_after"`
}

func (d Divergence) String() string {
	return fmt.Sprintf("#%d: trust before %v (want %v), after %v (want %v)",
		d.Seq, d.ActualBefore, d.ExpectedBefore, d.ActualAfter, d.ExpectedAfter)
}

// Session is one re-derivation of a capture under a rule version.
type Session struct {
	ID          string         `json:"id"`
	CaptureID   string         `json:"capture_id"`
	TimelineID  string         `json:"timeline_id"`
	RuleVersion string         `json:"rule_version"`
	Status      Status         `json:"status"`
	Divergence  *Divergence    `json:"divergence,omitempty"`
	Events      int            `json:"events"`
	Final       engine.Outputs `json:"final"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Event is the replayed counterpart of a captured entry.
type Event struct {
	SessionID    string            `json:"session_id"`
	Seq          uint64            `json:"seq"`
	Type         engine.ActionType `json:"type"`
	RuleVersion  string            `json:"rule_version"`
	TrustBefore  float64           `json:"trust_before"`
	TrustAfter   float64           `json:"trust_after"`
	OutputsAfter engine.Outputs    `json:"outputs_after"`
}

// Comparison lines up two sessions of the same capture.
type Comparison struct {
	CaptureID string       `json:"capture_id"`
	A         string       `json:"a"`
	B         string       `json:"b"`
	VersionA  string       `json:"version_a"`
	VersionB  string       `json:"version_b"`
	Events    []EventDelta `json:"events"`
	MaxAbs    float64      `json:"max_abs_delta"`
}

// EventDelta is the trust difference at one sequence number (B minus A).
type EventDelta struct {
	Seq    uint64  `json:"seq"`
	TrustA float64 `json:"trust_a"`
	TrustB float64 `json:"trust_b"`
	Delta  float64 `json:"delta"`
}
