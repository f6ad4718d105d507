package redteam

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"math"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Blackthor84/WorkVouch-sub006/pkg/abuse"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/errorir"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/observability"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/retry"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/simulation"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/store"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/timeline"
)

// RecordKind is the store record kind for outcomes.
const RecordKind = "redteam_outcome"

// Outcome is the measured result of one scenario run.
type Outcome struct {
	ID         string `json:"id"`
	Scenario   string `json:"scenario"`
	TimelineID string `json:"timeline_id"`
	Seed       uint64 `json:"seed"`

	Detected bool `json:"detected"`
	// DetectionLatency is the 1-based step at which the first signal was
	// raised, or 0 when nothing was detected.
	DetectionLatency int `json:"detection_latency"`
	// ScoreDamageBeforeContainment is the absolute trust movement from the
	// scenario start to detection, or to the last step when undetected.
	ScoreDamageBeforeContainment float64            `json:"score_damage_before_containment"`
	SignalsRaised                int                `json:"signals_raised"`
	SignalTypes                  []abuse.SignalType `json:"signal_types,omitempty"`
	// StandingSignals were already raised on the timeline before the first
	// step. They are excluded from detection and from the counts above.
	StandingSignals []abuse.SignalType `json:"standing_signals,omitempty"`
	Steps           int                `json:"steps"`
	Denied          bool               `json:"denied"`
	Aborted         bool               `json:"aborted"`
	Error           string             `json:"error,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Harness runs scenarios through an Executor.
type Harness struct {
	exec   *simulation.Executor
	log    store.Log
	seed   uint64
	policy retry.Policy
	obs    *observability.Provider
	logger *slog.Logger
	clock  func() time.Time
}

// Option configures a Harness.
type Option func(*Harness)

// WithStore persists every outcome.
func WithStore(log store.Log) Option { return func(h *Harness) { h.log = log } }

// WithSeed fixes the scenario random source.
func WithSeed(seed uint64) Option { return func(h *Harness) { h.seed = seed } }

// WithObservability records a span per scenario run.
func WithObservability(p *observability.Provider) Option { return func(h *Harness) { h.obs = p } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(h *Harness) { h.logger = l } }

// WithClock overrides the clock used for outcome timestamps.
func WithClock(clock func() time.Time) Option { return func(h *Harness) { h.clock = clock } }

// NewHarness creates a harness driving exec.
func NewHarness(exec *simulation.Executor, opts ...Option) *Harness {
	h := &Harness{
		exec:   exec,
		seed:   1,
		policy: retry.DefaultPolicy(),
		logger: slog.Default(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "redteam")
	return h
}

func seedFor(name string) uint64 {
	f := fnv.New64a()
	_, _ = f.Write([]byte(name))
	return f.Sum64()
}

// Run plays scenario name against tl. Cancellation of ctx is observed between
// steps; a step in flight always completes. The outcome is persisted whether or
// not the run succeeded. An admission denial ends the run without error.
func (h *Harness) Run(ctx context.Context, name string, tl *timeline.Timeline) (out Outcome, err error) {
	sc, err := Lookup(name)
	if err != nil {
		return Outcome{}, err
	}
	if h.obs != nil {
		var finish func(error)
		ctx, finish = h.obs.TrackOperation(ctx, "redteam.run", observability.ScenarioOperation(tl.ID(), name)...)
		defer func() { finish(err) }()
	}

	out = Outcome{
		ID:         uuid.NewString(),
		Scenario:   name,
		TimelineID: tl.ID(),
		Seed:       h.seed,
		StartedAt:  h.clock().UTC(),
	}
	rng := rand.New(rand.NewPCG(h.seed, seedFor(name)))
	start := tl.Current()
	reqs := sc.Steps(rng, start.Timestamp)

	standing := map[abuse.SignalType]struct{}{}
	for _, s := range h.exec.StandingSignals(tl) {
		if _, dup := standing[s.Type]; !dup {
			out.StandingSignals = append(out.StandingSignals, s.Type)
		}
		standing[s.Type] = struct{}{}
	}
	sort.Slice(out.StandingSignals, func(i, j int) bool { return out.StandingSignals[i] < out.StandingSignals[j] })

	runErr := h.play(ctx, tl, reqs, start.Outputs.TrustScore, standing, &out)
	out.FinishedAt = h.clock().UTC()

	// Persist even when ctx is done.
	if perr := h.persist(context.WithoutCancel(ctx), out); perr != nil {
		return out, errors.Join(runErr, perr)
	}

	h.logger.InfoContext(ctx, "scenario finished",
		"scenario", name, "timeline_id", tl.ID(), "detected", out.Detected,
		"latency", out.DetectionLatency, "damage", out.ScoreDamageBeforeContainment,
		"steps", out.Steps, "aborted", out.Aborted)
	return out, runErr
}

func (h *Harness) play(ctx context.Context, tl *timeline.Timeline, reqs []simulation.Request, trust0 float64,
	standing map[abuse.SignalType]struct{}, out *Outcome) error {
	stepCtx := context.WithoutCancel(ctx)
	seen := map[abuse.SignalType]struct{}{}
	last := trust0
	defer func() {
		out.SignalTypes = make([]abuse.SignalType, 0, len(seen))
		for t := range seen {
			out.SignalTypes = append(out.SignalTypes, t)
		}
		sort.Slice(out.SignalTypes, func(i, j int) bool { return out.SignalTypes[i] < out.SignalTypes[j] })
		if !out.Detected {
			out.ScoreDamageBeforeContainment = math.Abs(last - trust0)
		}
	}()

	for _, req := range reqs {
		if err := ctx.Err(); err != nil {
			out.Aborted = true
			out.Error = err.Error()
			return err
		}
		res, err := h.exec.Execute(stepCtx, tl, req)
		if err != nil {
			if errorir.KindOf(err) == errorir.KindAdmissionDenied {
				out.Denied = true
				out.Error = err.Error()
				return nil
			}
			out.Error = err.Error()
			return err
		}
		out.Steps++
		last = res.Action.After.Outputs.TrustScore
		raised := 0
		for _, s := range res.Action.Signals {
			if _, old := standing[s.Type]; old {
				continue
			}
			seen[s.Type] = struct{}{}
			raised++
		}
		out.SignalsRaised += raised
		if raised > 0 && !out.Detected {
			out.Detected = true
			out.DetectionLatency = out.Steps
			out.ScoreDamageBeforeContainment = math.Abs(last - trust0)
		}
	}
	return nil
}

func (h *Harness) persist(ctx context.Context, out Outcome) error {
	if h.log == nil {
		return nil
	}
	rec, err := store.NewRecord(store.RedTeamStream(out.TimelineID), 0, RecordKind, out)
	if err != nil {
		return errorir.Wrap(errorir.KindInternal, err, "encode outcome")
	}
	res := retry.Do(ctx, h.policy, "redteam:"+out.ID, nil, func(ctx context.Context, _ int) error {
		_, err := h.log.Append(ctx, rec)
		return err
	})
	if res.Err != nil {
		return errorir.Persistence(res.Err, "persist outcome %s", out.ID)
	}
	return nil
}

// Outcomes reads the persisted outcomes for a timeline.
func (h *Harness) Outcomes(ctx context.Context, timelineID string) ([]Outcome, error) {
	if h.log == nil {
		return nil, nil
	}
	recs, err := h.log.Read(ctx, store.RedTeamStream(timelineID))
	if err != nil {
		return nil, errorir.Persistence(err, "read outcomes for %s", timelineID)
	}
	out := make([]Outcome, 0, len(recs))
	for _, rec := range recs {
		if rec.Kind != RecordKind {
			continue
		}
		var o Outcome
		if err := rec.Decode(&o); err != nil {
			return nil, errorir.Wrap(errorir.KindInvalidState, err, "decode outcome")
		}
		out = append(out, o)
	}
	return out, nil
}

// RunAll plays every scenario on its own fork of base, at most workers at a
// time. base is never modified. Every scenario runs even when another fails;
// the first error is returned alongside all outcomes.
func (h *Harness) RunAll(ctx context.Context, base *timeline.Timeline, workers int) ([]Outcome, error) {
	at := ""
	if recent := base.Recent(1); len(recent) == 1 {
		at = recent[0].ID
	}
	scenarios := Scenarios()
	outcomes := make([]Outcome, len(scenarios))

	var g errgroup.Group
	if workers > 0 {
		g.SetLimit(workers)
	}
	for i, sc := range scenarios {
		g.Go(func() error {
			fork, err := base.Fork(base.ID()+"/"+sc.Name, at)
			if err != nil {
				return err
			}
			outcomes[i], err = h.Run(ctx, sc.Name, fork)
			return err
		})
	}
	return outcomes, g.Wait()
}
