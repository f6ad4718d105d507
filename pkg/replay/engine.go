package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Blackthor84/WorkVouch-sub006/pkg/archive"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/engine"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/errorir"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/observability"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/retry"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/scoring"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/store"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/timeline"
)

// Record kinds written to the store.
const (
	KindCapture = "capture"
	KindSession = "session"
	KindEvent   = "event"
)

type sessionState struct {
	mu      sync.Mutex
	s       Session
	events  []Event
	current engine.Snapshot
	rules   scoring.Rules
	capture Capture
}

// Engine manages captures and replay sessions. Sessions run independently;
// events within a session are serialized.
type Engine struct {
	registry *scoring.Registry
	log      store.Log
	archive  archive.Store
	obs      *observability.Provider
	logger   *slog.Logger
	clock    func() time.Time
	policy   retry.Policy

	mu       sync.RWMutex
	captures map[string]Capture
	sessions map[string]*sessionState
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore persists captures, sessions and events.
func WithStore(log store.Log) Option { return func(e *Engine) { e.log = log } }

// WithArchive exports captures to blob storage.
func WithArchive(a archive.Store) Option { return func(e *Engine) { e.archive = a } }

// WithObservability records spans and divergence counts.
func WithObservability(p *observability.Provider) Option { return func(e *Engine) { e.obs = p } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithClock overrides the clock for testing.
func WithClock(clock func() time.Time) Option { return func(e *Engine) { e.clock = clock } }

// NewEngine creates a replay engine resolving rule versions from registry.
func NewEngine(registry *scoring.Registry, opts ...Option) *Engine {
	e := &Engine{
		registry: registry,
		logger:   slog.Default(),
		clock:    time.Now,
		policy:   retry.DefaultPolicy(),
		captures: make(map[string]Capture),
		sessions: make(map[string]*sessionState),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "replay")
	return e
}

func (e *Engine) instruments() *observability.Instruments {
	if e.obs == nil {
		return nil
	}
	return e.obs.Instruments()
}

// CreateSnapshot captures tl as it stands. The timeline is only read.
func (e *Engine) CreateSnapshot(ctx context.Context, tl *timeline.Timeline) (Capture, error) {
	if err := ctx.Err(); err != nil {
		return Capture{}, err
	}
	base := tl.Base()
	c := Capture{
		TimelineID:  tl.ID(),
		RuleVersion: base.RuleVersion,
		Base:        base.Clone(),
		Entries:     make([]Entry, 0, tl.Len()),
		CreatedAt:   e.clock().UTC(),
	}
	for a := range tl.History() {
		if err := ctx.Err(); err != nil {
			return Capture{}, err
		}
		c.Entries = append(c.Entries, Entry{
			Seq:       a.Seq,
			Type:      a.Type,
			Delta:     a.Delta.Clone(),
			Rationale: a.Rationale,
			Actor:     a.Actor,
			Threshold: a.After.Threshold,
			Before:    a.Before.Outputs,
			After:     a.After.Outputs,
		})
		c.HeadHash = a.Hash
		c.RuleVersion = a.After.RuleVersion
	}
	return e.ImportCapture(ctx, c)
}

// ImportCapture registers an externally supplied capture, for example one read
// back from the archive. Its ID is recomputed from content.
func (e *Engine) ImportCapture(ctx context.Context, c Capture) (Capture, error) {
	for i, en := range c.Entries {
		if en.Seq != uint64(i+1) {
			return Capture{}, errorir.InvalidState("capture entry %d has seq %d", i+1, en.Seq)
		}
	}
	id, err := c.Digest()
	if err != nil {
		return Capture{}, errorir.Wrap(errorir.KindInternal, err, "digest capture")
	}
	c.ID = id
	if c.CreatedAt.IsZero() {
		c.CreatedAt = e.clock().UTC()
	}

	if err := e.persist(ctx, store.CaptureStream(id), 1, KindCapture, c); err != nil {
		return Capture{}, err
	}
	if e.archive != nil {
		raw, err := json.Marshal(c)
		if err != nil {
			return Capture{}, errorir.Wrap(errorir.KindInternal, err, "encode capture")
		}
		digest, err := e.archive.Put(ctx, raw)
		if err != nil {
			return Capture{}, errorir.Persistence(err, "archive capture %s", id)
		}
		e.logger.InfoContext(ctx, "capture archived", "capture_id", id, "blob", digest)
	}

	e.mu.Lock()
	e.captures[id] = c
	e.mu.Unlock()

	e.logger.InfoContext(ctx, "capture created",
		"capture_id", id, "timeline_id", c.TimelineID, "entries", len(c.Entries), "rule_version", c.RuleVersion)
	return c, nil
}

// Capture returns a capture by ID, loading it from the store when needed.
func (e *Engine) Capture(ctx context.Context, id string) (Capture, error) {
	e.mu.RLock()
	c, ok := e.captures[id]
	e.mu.RUnlock()
	if ok {
		return c, nil
	}
	if e.log == nil {
		return Capture{}, errorir.NotFound("capture %s not found", id)
	}
	recs, err := e.log.Read(ctx, store.CaptureStream(id))
	if err != nil {
		return Capture{}, errorir.Persistence(err, "read capture %s", id)
	}
	for _, rec := range recs {
		if rec.Kind != KindCapture {
			continue
		}
		if err := rec.Decode(&c); err != nil {
			return Capture{}, errorir.Wrap(errorir.KindInvalidState, err, "decode capture %s", id)
		}
		e.mu.Lock()
		e.captures[id] = c
		e.mu.Unlock()
		return c, nil
	}
	return Capture{}, errorir.NotFound("capture %s not found", id)
}

// CreateReplaySession opens a draft session over a capture. An empty
// ruleVersion uses the capture's own.
func (e *Engine) CreateReplaySession(ctx context.Context, captureID, ruleVersion string) (Session, error) {
	c, err := e.Capture(ctx, captureID)
	if err != nil {
		return Session{}, err
	}
	if ruleVersion == "" {
		ruleVersion = c.RuleVersion
	}
	rules, err := e.registry.Get(ruleVersion)
	if err != nil {
		return Session{}, errorir.Wrap(errorir.KindNotFound, err, "rule version %s", ruleVersion)
	}

	base := c.Base.Clone()
	if rules.Version != c.Base.RuleVersion {
		base = engine.Rescore(base, rules)
	}

	st := &sessionState{
		s: Session{
			ID:          uuid.NewString(),
			CaptureID:   c.ID,
			TimelineID:  c.TimelineID,
			RuleVersion: rules.Version,
			Status:      StatusDraft,
			Final:       base.Outputs,
			CreatedAt:   e.clock().UTC(),
		},
		events:  make([]Event, 0, len(c.Entries)),
		current: base,
		rules:   rules,
		capture: c,
	}
	if err := e.persist(ctx, store.ReplayStream(st.s.ID), 0, KindSession, st.s); err != nil {
		return Session{}, err
	}

	e.mu.Lock()
	e.sessions[st.s.ID] = st
	e.mu.Unlock()
	return st.s, nil
}

func (e *Engine) session(id string) (*sessionState, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.sessions[id]
	if !ok {
		return nil, errorir.NotFound("replay session %s not found", id)
	}
	return st, nil
}

// AddEvent re-applies one entry. Entries must arrive in sequence order.
// A trust mismatch under the capture's own rule version is recorded on the
// session and returned as ReplayDivergence alongside the event.
func (e *Engine) AddEvent(ctx context.Context, sessionID string, en Entry) (Event, error) {
	st, err := e.session(sessionID)
	if err != nil {
		return Event{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return e.addEventLocked(ctx, st, en)
}

func (e *Engine) addEventLocked(ctx context.Context, st *sessionState, en Entry) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	if st.s.Status == StatusCompleted {
		return Event{}, errorir.InvalidState("replay session %s is completed", st.s.ID)
	}
	if want := uint64(len(st.events)) + 1; en.Seq != want {
		return Event{}, errorir.InvalidState("replay session %s: got entry #%d, want #%d", st.s.ID, en.Seq, want)
	}

	before := st.current
	after, err := engine.Apply(before, en.Delta, engine.Config{
		ThresholdOverride: engine.Threshold(en.Threshold),
		Rules:             st.rules,
	})
	if err != nil {
		return Event{}, err
	}

	ev := Event{
		SessionID:    st.s.ID,
		Seq:          en.Seq,
		Type:         en.Type,
		RuleVersion:  st.rules.Version,
		TrustBefore:  before.Outputs.TrustScore,
		TrustAfter:   after.Outputs.TrustScore,
		OutputsAfter: after.Outputs,
	}
	if err := e.persist(ctx, store.ReplayStream(st.s.ID), 0, KindEvent, ev); err != nil {
		return Event{}, err
	}

	st.events = append(st.events, ev)
	st.current = after
	st.s.Status = StatusRunning
	st.s.Events = len(st.events)
	st.s.Final = after.Outputs

	if st.rules.Version == st.capture.RuleVersion &&
		(ev.TrustBefore != en.Before.TrustScore || ev.TrustAfter != en.After.TrustScore) {
		d := Divergence{
			Seq:            en.Seq,
			ExpectedBefore: en.Before.TrustScore,
			ActualBefore:   ev.TrustBefore,
			ExpectedAfter:  en.After.TrustScore,
			ActualAfter:    ev.TrustAfter,
		}
		if st.s.Divergence == nil {
			st.s.Divergence = &d
			e.instruments().RecordDivergence(ctx, st.rules.Version)
			e.logger.WarnContext(ctx, "replay diverged",
				"session_id", st.s.ID, "capture_id", st.s.CaptureID, "seq", d.Seq, "detail", d.String())
		}
		return ev, errorir.Divergence("session %s diverged at %s", st.s.ID, d)
	}
	return ev, nil
}

// Run feeds every remaining capture entry into the session and completes it.
// All entries are replayed even after a divergence; the first divergence is
// returned as the error.
func (e *Engine) Run(ctx context.Context, sessionID string) (s Session, err error) {
	st, err := e.session(sessionID)
	if err != nil {
		return Session{}, err
	}
	if e.obs != nil {
		var finish func(error)
		ctx, finish = e.obs.TrackOperation(ctx, "replay.run", observability.ReplayOperation(sessionID, st.rules.Version)...)
		defer func() { finish(err) }()
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.s.Status == StatusCompleted {
		return st.s, errorir.InvalidState("replay session %s is completed", sessionID)
	}

	var diverged error
	remaining := st.capture.Entries[min(len(st.events), len(st.capture.Entries)):]
	for _, en := range remaining {
		if _, err := e.addEventLocked(ctx, st, en); err != nil {
			if errorir.KindOf(err) != errorir.KindReplayDivergence {
				return st.s, err
			}
			if diverged == nil {
				diverged = err
			}
		}
	}

	now := e.clock().UTC()
	st.s.Status = StatusCompleted
	st.s.CompletedAt = &now
	if err := e.persist(ctx, store.ReplayStream(sessionID), 0, KindSession, st.s); err != nil {
		return st.s, err
	}
	e.logger.InfoContext(ctx, "replay completed",
		"session_id", sessionID, "capture_id", st.s.CaptureID, "rule_version", st.s.RuleVersion,
		"events", len(st.events), "diverged", st.s.Divergence != nil)
	return st.s, diverged
}

// GetSession returns a session and a copy of its events.
func (e *Engine) GetSession(id string) (Session, []Event, error) {
	st, err := e.session(id)
	if err != nil {
		return Session{}, nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	events := make([]Event, len(st.events))
	copy(events, st.events)
	return st.s, events, nil
}

// Sessions lists known sessions ordered by creation time.
func (e *Engine) Sessions() []Session {
	e.mu.RLock()
	states := make([]*sessionState, 0, len(e.sessions))
	for _, st := range e.sessions {
		states = append(states, st)
	}
	e.mu.RUnlock()

	out := make([]Session, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		out = append(out, st.s)
		st.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Compare lines up the trust trajectories of two sessions over the same capture.
func (e *Engine) Compare(a, b string) (Comparison, error) {
	sa, ea, err := e.GetSession(a)
	if err != nil {
		return Comparison{}, err
	}
	sb, eb, err := e.GetSession(b)
	if err != nil {
		return Comparison{}, err
	}
	if sa.CaptureID != sb.CaptureID {
		return Comparison{}, errorir.InvalidState("sessions %s and %s replay different captures", a, b)
	}

	n := min(len(ea), len(eb))
	cmp := Comparison{
		CaptureID: sa.CaptureID,
		A:         a,
		B:         b,
		VersionA:  sa.RuleVersion,
		VersionB:  sb.RuleVersion,
		Events:    make([]EventDelta, n),
	}
	for i := 0; i < n; i++ {
		d := eb[i].TrustAfter - ea[i].TrustAfter
		cmp.Events[i] = EventDelta{Seq: ea[i].Seq, TrustA: ea[i].TrustAfter, TrustB: eb[i].TrustAfter, Delta: d}
		cmp.MaxAbs = math.Max(cmp.MaxAbs, math.Abs(d))
	}
	return cmp, nil
}

// persist appends v to stream with retries. seq 0 lets the store assign one;
// a duplicate explicit seq means the content is already stored.
func (e *Engine) persist(ctx context.Context, stream string, seq uint64, kind string, v any) error {
	if e.log == nil {
		return nil
	}
	rec, err := store.NewRecord(stream, seq, kind, v)
	if err != nil {
		return errorir.Wrap(errorir.KindInternal, err, "encode %s", kind)
	}
	res := retry.Do(ctx, e.policy, fmt.Sprintf("%s:%s", stream, kind), nil, func(ctx context.Context, _ int) error {
		_, err := e.log.Append(ctx, rec)
		if seq != 0 && errors.Is(err, store.ErrDuplicate) {
			return nil
		}
		return err
	})
	if res.Err != nil {
		return errorir.Persistence(res.Err, "persist %s to %s", kind, stream)
	}
	return nil
}
