// Package simulation runs actions against a timeline.
//
// Execute is the only path that creates timeline actions. Inside the
// timeline's single-writer section it admits, applies, inspects, persists and
// appends; post-commit tasks run afterwards with observed outcomes.
package simulation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Blackthor84/WorkVouch-sub006/pkg/abuse"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/admission"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/engine"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/errorir"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/observability"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/retry"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/scoring"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/store"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/timeline"
)

// RecordKind is the store record kind for committed actions.
const RecordKind = "action"

// Request is one simulation step.
type Request struct {
	Type      engine.ActionType `json:"type"`
	Delta     engine.Delta      `json:"delta"`
	Rationale string            `json:"rationale,omitempty"`
	Actor     string            `json:"actor,omitempty"`
}

// Result describes a committed action and what happened after it.
type Result struct {
	Action    timeline.Action    `json:"action"`
	Admission admission.Decision `json:"admission"`
	Tasks     []TaskResult       `json:"tasks,omitempty"`
}

// Admitter decides whether an action may proceed. *admission.Chain implements it.
// An Admitter that also implements admission.Releaser gets its capacity back
// when an admitted action fails to commit.
type Admitter interface {
	Admit(ctx context.Context, req admission.Request) (admission.Decision, error)
}

// Executor runs simulation requests. It is safe for concurrent use across and
// within timelines.
type Executor struct {
	rules     scoring.Rules
	override  *float64
	admitter  Admitter
	detector  *abuse.Detector
	log       store.Log
	policy    retry.Policy
	sleep     retry.Sleeper
	tasks     []Task
	obs       *observability.Provider
	logger    *slog.Logger
	clock     func() time.Time
	deadMu    sync.Mutex
	dead      []DeadLetter
	maxLetter int
}

// Option configures an Executor.
type Option func(*Executor)

// WithRules selects the scoring rules applied to every action.
func WithRules(r scoring.Rules) Option { return func(e *Executor) { e.rules = r } }

// WithThresholdOverride sets a caller what-if threshold that wins over delta overrides.
func WithThresholdOverride(v float64) Option {
	return func(e *Executor) { e.override = engine.Threshold(v) }
}

// WithAdmission sets the admission collaborator.
func WithAdmission(a Admitter) Option { return func(e *Executor) { e.admitter = a } }

// WithDetector sets the abuse detector.
func WithDetector(d *abuse.Detector) Option { return func(e *Executor) { e.detector = d } }

// WithStore persists committed actions to log.
func WithStore(log store.Log) Option { return func(e *Executor) { e.log = log } }

// WithRetry sets the retry policy for persistence and tasks.
func WithRetry(p retry.Policy) Option { return func(e *Executor) { e.policy = p } }

// WithSleeper replaces the backoff sleeper.
func WithSleeper(s retry.Sleeper) Option { return func(e *Executor) { e.sleep = s } }

// WithTasks registers post-commit tasks, run in order after every commit.
func WithTasks(tasks ...Task) Option {
	return func(e *Executor) { e.tasks = append(e.tasks, tasks...) }
}

// WithObservability records spans and instruments through p.
func WithObservability(p *observability.Provider) Option { return func(e *Executor) { e.obs = p } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(e *Executor) { e.logger = l } }

// WithClock overrides the clock used to fill missing delta timestamps.
func WithClock(clock func() time.Time) Option { return func(e *Executor) { e.clock = clock } }

// New creates an executor. Without options it admits everything, uses the
// default rules and detector, and does not persist.
func New(opts ...Option) *Executor {
	e := &Executor{
		rules:     scoring.DefaultRules(),
		admitter:  admission.NewChain(),
		detector:  abuse.NewDetector(abuse.DefaultConfig()),
		policy:    retry.DefaultPolicy(),
		sleep:     retry.Sleep,
		logger:    slog.Default(),
		clock:     time.Now,
		maxLetter: 1000,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "simulation")
	return e
}

// Rules returns the rules the executor applies.
func (e *Executor) Rules() scoring.Rules { return e.rules }

func (e *Executor) instruments() *observability.Instruments {
	if e.obs == nil {
		return nil
	}
	return e.obs.Instruments()
}

// Execute validates, admits, applies, inspects, persists and appends one action.
//
// Failures leave the timeline unchanged:
//   - InvalidDelta: malformed request or delta
//   - AdmissionDenied: an admission policy refused or failed
//   - PersistenceFailure: the store rejected the action after retries
//   - ConcurrentWriteConflict: the head moved underneath a direct Append
func (e *Executor) Execute(ctx context.Context, tl *timeline.Timeline, req Request) (res Result, err error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if tl == nil {
		return Result{}, errorir.InvalidState("timeline is nil")
	}

	if e.obs != nil {
		var finish func(error)
		ctx, finish = e.obs.TrackOperation(ctx, "simulation.execute",
			observability.ActionOperation(tl.ID(), string(req.Type))...)
		defer func() { finish(err) }()
	}
	defer func() {
		e.instruments().RecordAction(ctx, tl.ID(), string(req.Type), outcome(err))
	}()

	req, err = normalize(req)
	if err != nil {
		return Result{}, err
	}
	if err := req.Delta.Validate(); err != nil {
		return Result{}, err
	}

	var (
		committed timeline.Action
		decision  admission.Decision
	)
	err = tl.Commit(func(cur engine.Snapshot, head uint64) (cerr error) {
		delta := req.Delta
		if delta.Timestamp == 0 {
			delta.Timestamp = max(cur.Timestamp, e.clock().UnixMilli())
		}
		cfg := engine.Config{ThresholdOverride: e.override, Rules: e.rules}
		// Input errors surface before admission so they never consume quota.
		if aerr := engine.Check(delta, cfg); aerr != nil {
			return aerr
		}

		areq := admission.Request{
			TimelineID: tl.ID(),
			Actor:      req.Actor,
			Type:       req.Type,
			Delta:      delta,
			Current:    cur,
		}
		var aerr error
		decision, aerr = e.admitter.Admit(ctx, areq)
		if aerr != nil {
			if errorir.KindOf(aerr) != errorir.KindAdmissionDenied {
				aerr = errorir.Wrap(errorir.KindAdmissionDenied, aerr, "admission failed")
			}
			return aerr
		}
		if !decision.Allowed {
			return errorir.AdmissionDenied("%s: %s", decision.Policy, decision.Reason)
		}
		defer func() {
			if cerr != nil {
				e.release(ctx, areq)
			}
		}()

		after, aerr := engine.Apply(cur, delta, cfg)
		if aerr != nil {
			return aerr
		}

		cand := abuse.Observation{Delta: delta, Before: cur, After: after}
		prior := tl.Recent(e.detector.Window())
		obs := make([]abuse.Observation, len(prior))
		for i, a := range prior {
			obs[i] = a.Observation()
		}
		signals := e.detector.Inspect(obs, cand)

		action, aerr := tl.Prepare(head, timeline.Action{
			ID:        uuid.NewString(),
			Type:      req.Type,
			Delta:     delta,
			Before:    cur,
			After:     after,
			Rationale: req.Rationale,
			Actor:     req.Actor,
			Signals:   signals,
		})
		if aerr != nil {
			return aerr
		}

		if aerr := e.persist(ctx, tl.ID(), action); aerr != nil {
			return aerr
		}

		committed, aerr = tl.Append(head, action)
		return aerr
	})
	if err != nil {
		e.logger.WarnContext(ctx, "action rejected",
			"timeline_id", tl.ID(), "type", req.Type, "actor", req.Actor,
			"kind", errorir.KindOf(err), "error", err)
		return Result{Admission: decision}, err
	}

	in := e.instruments()
	in.RecordTrust(ctx, tl.ID(), committed.After.Outputs.TrustScore)
	for _, s := range committed.Signals {
		in.RecordSignal(ctx, string(s.Type), string(s.Severity))
		e.logger.InfoContext(ctx, "abuse signal raised",
			"timeline_id", tl.ID(), "action_seq", committed.Seq,
			"signal", s.Type, "severity", s.Severity, "description", s.Description)
	}
	e.logger.DebugContext(ctx, "action committed",
		"timeline_id", tl.ID(), "action_seq", committed.Seq, "action_id", committed.ID,
		"type", committed.Type, "trust", committed.After.Outputs.TrustScore)

	return Result{
		Action:    committed,
		Admission: decision,
		Tasks:     e.runTasks(ctx, tl.ID(), committed),
	}, nil
}

// StandingSignals returns what the detector reports for tl's current window when
// nothing new is added: signals carried by history rather than by the next action.
func (e *Executor) StandingSignals(tl *timeline.Timeline) []abuse.Signal {
	cur := tl.Current()
	prior := tl.Recent(e.detector.Window())
	obs := make([]abuse.Observation, len(prior))
	for i, a := range prior {
		obs[i] = a.Observation()
	}
	return e.detector.Inspect(obs, abuse.Observation{
		Delta:  engine.Delta{Timestamp: cur.Timestamp},
		Before: cur,
		After:  cur,
	})
}

// release returns admission capacity for an action that was admitted but not
// committed.
func (e *Executor) release(ctx context.Context, req admission.Request) {
	r, ok := e.admitter.(admission.Releaser)
	if !ok {
		return
	}
	if err := r.Release(context.WithoutCancel(ctx), req); err != nil {
		e.logger.WarnContext(ctx, "admission release failed",
			"timeline_id", req.TimelineID, "actor", req.Actor, "error", err)
	}
}

// normalize fills metadata from the request type and checks they agree.
func normalize(req Request) (Request, error) {
	req.Delta = req.Delta.Clone()
	m := req.Delta.Metadata
	if m == nil {
		m = &engine.Metadata{}
		req.Delta.Metadata = m
	}
	switch {
	case req.Type == "" && m.ActionType == "":
		return req, errorir.InvalidDelta("action type is required")
	case req.Type == "":
		req.Type = m.ActionType
	case m.ActionType == "":
		m.ActionType = req.Type
	case m.ActionType != req.Type:
		return req, errorir.InvalidDelta("request type %q does not match metadata type %q", req.Type, m.ActionType)
	}
	if !req.Type.Valid() {
		return req, errorir.InvalidDelta("unknown action type %q", req.Type)
	}
	switch {
	case m.Actor == "":
		m.Actor = req.Actor
	case req.Actor == "":
		req.Actor = m.Actor
	}
	return req, nil
}

// persist writes the prepared action. The applier is not re-run on retry.
func (e *Executor) persist(ctx context.Context, timelineID string, a timeline.Action) error {
	if e.log == nil {
		return nil
	}
	rec, err := store.NewRecord(store.TimelineStream(timelineID), a.Seq, RecordKind, a)
	if err != nil {
		return errorir.Wrap(errorir.KindInternal, err, "encode action")
	}

	key := fmt.Sprintf("persist:%s#%d", timelineID, a.Seq)
	res := retry.Do(ctx, e.policy, key, e.sleep, func(ctx context.Context, attempt int) error {
		_, err := e.log.Append(ctx, rec)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, store.ErrDuplicate) && attempt > 0:
			// An earlier attempt landed before its acknowledgement was lost.
			return nil
		case errors.Is(err, store.ErrDuplicate):
			return errorir.Wrap(errorir.KindPersistenceFailure, err, "action #%d already persisted", a.Seq).
				WithClassification(errorir.ClassificationNonRetryable)
		default:
			return errorir.Persistence(err, "append action #%d", a.Seq)
		}
	})
	if res.Err != nil {
		e.logger.ErrorContext(ctx, "failed to persist action",
			"timeline_id", timelineID, "action_seq", a.Seq, "attempts", res.Attempts, "error", res.Err)
		if errorir.KindOf(res.Err) == errorir.KindPersistenceFailure {
			return res.Err
		}
		return errorir.Persistence(res.Err, "append action #%d", a.Seq)
	}
	if res.Attempts > 1 {
		e.logger.InfoContext(ctx, "action persisted after retry",
			"timeline_id", timelineID, "action_seq", a.Seq, "attempts", res.Attempts)
	}
	return nil
}

func outcome(err error) string {
	if err == nil {
		return "committed"
	}
	switch errorir.KindOf(err) {
	case errorir.KindInvalidDelta:
		return "invalid"
	case errorir.KindAdmissionDenied:
		return "denied"
	case errorir.KindPersistenceFailure:
		return "persistence_failed"
	case errorir.KindConcurrentWriteConflict:
		return "conflict"
	default:
		return "failed"
	}
}
