// Package admission decides whether a simulation action may run at all.
// Admission runs before the delta applier; a denial leaves the timeline untouched.
// Policies that consume capacity may implement Releaser so that an admitted action
// which fails to commit is not charged.
// Enforcement is fail-closed: a policy error is a denial.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Blackthor84/WorkVouch-sub006/pkg/engine"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/errorir"
)

// Request describes the action being admitted.
type Request struct {
	TimelineID string
	Actor      string
	Type       engine.ActionType
	Delta      engine.Delta
	Current    engine.Snapshot
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool     `json:"allowed"`
	Policy  string   `json:"policy,omitempty"`
	Reason  string   `json:"reason"`
	Receipt *Receipt `json:"receipt,omitempty"`
}

// Receipt records an admission decision.
type Receipt struct {
	ID         string    `json:"id"`
	TimelineID string    `json:"timeline_id"`
	Actor      string    `json:"actor"`
	Action     string    `json:"action"` // "allowed" or "denied"
	Policy     string    `json:"policy,omitempty"`
	Reason     string    `json:"reason"`
	Timestamp  time.Time `json:"timestamp"`
}

// Policy is one admission rule.
type Policy interface {
	Name() string
	Admit(ctx context.Context, req Request) (Decision, error)
}

// Releaser is implemented by policies that consume capacity on Admit. Release
// returns the capacity taken by an allowed request whose action was never committed.
type Releaser interface {
	Release(ctx context.Context, req Request) error
}

// Allow returns an allowing decision.
func Allow(policy string) Decision {
	return Decision{Allowed: true, Policy: policy, Reason: "within limits"}
}

// Deny returns a denying decision.
func Deny(policy, format string, args ...any) Decision {
	return Decision{Allowed: false, Policy: policy, Reason: fmt.Sprintf(format, args...)}
}

// Chain evaluates policies in order and stops at the first denial.
type Chain struct {
	policies []Policy
	clock    func() time.Time
	logger   *slog.Logger
}

// NewChain creates a chain over policies. An empty chain admits everything.
func NewChain(policies ...Policy) *Chain {
	return &Chain{
		policies: policies,
		clock:    time.Now,
		logger:   slog.Default().With("component", "admission"),
	}
}

// WithClock overrides clock for testing.
func (c *Chain) WithClock(clock func() time.Time) *Chain {
	c.clock = clock
	return c
}

// WithLogger sets the logger.
func (c *Chain) WithLogger(l *slog.Logger) *Chain {
	c.logger = l.With("component", "admission")
	return c
}

// Len returns the number of policies.
func (c *Chain) Len() int { return len(c.policies) }

// Admit runs every policy. A denial or policy error yields an AdmissionDenied
// error alongside the denying decision.
func (c *Chain) Admit(ctx context.Context, req Request) (Decision, error) {
	for i, p := range c.policies {
		d, err := p.Admit(ctx, req)
		if err != nil || !d.Allowed {
			// Earlier policies admitted and may have consumed capacity.
			_ = c.release(ctx, req, c.policies[:i])
		}
		if err != nil {
			c.logger.WarnContext(ctx, "admission policy failed, denying",
				"policy", p.Name(), "timeline_id", req.TimelineID, "actor", req.Actor, "error", err)
			d = Deny(p.Name(), "policy error: %v", err)
			d.Receipt = c.receipt(req, d)
			return d, errorir.Wrap(errorir.KindAdmissionDenied, err, "policy %s failed", p.Name())
		}
		if !d.Allowed {
			if d.Policy == "" {
				d.Policy = p.Name()
			}
			d.Receipt = c.receipt(req, d)
			c.logger.InfoContext(ctx, "admission denied",
				"policy", d.Policy, "timeline_id", req.TimelineID, "actor", req.Actor, "reason", d.Reason)
			return d, errorir.AdmissionDenied("%s: %s", d.Policy, d.Reason)
		}
	}
	d := Allow("chain")
	d.Receipt = c.receipt(req, d)
	return d, nil
}

// Release hands back capacity consumed by a request the chain admitted. Every
// releasing policy is called; their errors are joined.
func (c *Chain) Release(ctx context.Context, req Request) error {
	return c.release(ctx, req, c.policies)
}

func (c *Chain) release(ctx context.Context, req Request, policies []Policy) error {
	var errs []error
	for _, p := range policies {
		r, ok := p.(Releaser)
		if !ok {
			continue
		}
		if err := r.Release(ctx, req); err != nil {
			c.logger.WarnContext(ctx, "admission release failed",
				"policy", p.Name(), "timeline_id", req.TimelineID, "actor", req.Actor, "error", err)
			errs = append(errs, fmt.Errorf("release %s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (c *Chain) receipt(req Request, d Decision) *Receipt {
	action := "denied"
	if d.Allowed {
		action = "allowed"
	}
	return &Receipt{
		ID:         uuid.New().String(),
		TimelineID: req.TimelineID,
		Actor:      req.Actor,
		Action:     action,
		Policy:     d.Policy,
		Reason:     d.Reason,
		Timestamp:  c.clock().UTC(),
	}
}

// MaxEvidence caps the size of the evidence set after the delta.
type MaxEvidence struct {
	Limit int
}

func (MaxEvidence) Name() string { return "max_evidence" }

func (m MaxEvidence) Admit(_ context.Context, req Request) (Decision, error) {
	ids := make(map[string]struct{}, len(req.Current.Evidence)+len(req.Delta.AddedReviews))
	for _, r := range req.Current.Evidence {
		ids[r.ID] = struct{}{}
	}
	for _, id := range req.Delta.RemovedReviewIDs {
		delete(ids, id)
	}
	for _, r := range req.Delta.AddedReviews {
		ids[r.ID] = struct{}{}
	}
	if len(ids) > m.Limit {
		return Deny(m.Name(), "evidence volume %d exceeds limit %d", len(ids), m.Limit), nil
	}
	return Allow(m.Name()), nil
}
