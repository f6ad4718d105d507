package observability

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/Blackthor84/WorkVouch-sub006/pkg/errorir"
)

// Engine semantic convention attributes.
var (
	AttrTimelineID = attribute.Key("trustsim.timeline.id")
	AttrActionType = attribute.Key("trustsim.action.type")
	AttrActionSeq  = attribute.Key("trustsim.action.seq")
	AttrOutcome    = attribute.Key("trustsim.outcome")
	AttrErrorKind  = attribute.Key("trustsim.error.kind")

	AttrSignalType     = attribute.Key("trustsim.signal.type")
	AttrSignalSeverity = attribute.Key("trustsim.signal.severity")

	AttrTaskName = attribute.Key("trustsim.task.name")

	AttrSessionID   = attribute.Key("trustsim.replay.session_id")
	AttrRuleVersion = attribute.Key("trustsim.rules.version")
	AttrScenario    = attribute.Key("trustsim.redteam.scenario")
)

// ActionOperation creates attributes for an executed action.
func ActionOperation(timelineID, actionType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTimelineID.String(timelineID),
		AttrActionType.String(actionType),
	}
}

// ReplayOperation creates attributes for replay work.
func ReplayOperation(sessionID, ruleVersion string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrSessionID.String(sessionID),
		AttrRuleVersion.String(ruleVersion),
	}
}

// ScenarioOperation creates attributes for a red-team scenario run.
func ScenarioOperation(timelineID, scenario string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTimelineID.String(timelineID),
		AttrScenario.String(scenario),
	}
}

func errorKind(err error) string {
	var e *errorir.Error
	if errors.As(err, &e) {
		return string(e.Kind)
	}
	return string(errorir.KindInternal)
}

// Instruments are the engine counters and histograms. A nil *Instruments is
// valid and records nothing.
type Instruments struct {
	actions     metric.Int64Counter
	signals     metric.Int64Counter
	tasks       metric.Int64Counter
	divergences metric.Int64Counter
	trust       metric.Float64Histogram
}

// NewInstruments registers the engine instruments on m.
func NewInstruments(m metric.Meter) (*Instruments, error) {
	var (
		in  Instruments
		err error
	)
	if in.actions, err = m.Int64Counter("trustsim.actions.total",
		metric.WithDescription("Simulation actions by type and outcome"),
		metric.WithUnit("{action}"),
	); err != nil {
		return nil, err
	}
	if in.signals, err = m.Int64Counter("trustsim.signals.total",
		metric.WithDescription("Abuse signals raised"),
		metric.WithUnit("{signal}"),
	); err != nil {
		return nil, err
	}
	if in.tasks, err = m.Int64Counter("trustsim.tasks.total",
		metric.WithDescription("Post-commit task outcomes"),
		metric.WithUnit("{task}"),
	); err != nil {
		return nil, err
	}
	if in.divergences, err = m.Int64Counter("trustsim.replay.divergences.total",
		metric.WithDescription("Replay sessions that diverged from the capture"),
		metric.WithUnit("{session}"),
	); err != nil {
		return nil, err
	}
	if in.trust, err = m.Float64Histogram("trustsim.trust.score",
		metric.WithDescription("Trust score after each committed action"),
		metric.WithUnit("1"),
		metric.WithExplicitBucketBoundaries(10, 20, 30, 40, 50, 60, 70, 80, 90, 100),
	); err != nil {
		return nil, err
	}
	return &in, nil
}

// RecordAction counts an executed action with its outcome ("committed",
// "denied", "invalid", "persistence_failed", ...).
func (in *Instruments) RecordAction(ctx context.Context, timelineID, actionType, outcome string) {
	if in == nil {
		return
	}
	in.actions.Add(ctx, 1, metric.WithAttributes(
		AttrTimelineID.String(timelineID),
		AttrActionType.String(actionType),
		AttrOutcome.String(outcome),
	))
}

// RecordTrust records the post-action trust score.
func (in *Instruments) RecordTrust(ctx context.Context, timelineID string, trust float64) {
	if in == nil {
		return
	}
	in.trust.Record(ctx, trust, metric.WithAttributes(AttrTimelineID.String(timelineID)))
}

// RecordSignal counts a raised abuse signal.
func (in *Instruments) RecordSignal(ctx context.Context, signalType, severity string) {
	if in == nil {
		return
	}
	in.signals.Add(ctx, 1, metric.WithAttributes(
		AttrSignalType.String(signalType),
		AttrSignalSeverity.String(severity),
	))
}

// RecordTask counts a post-commit task outcome.
func (in *Instruments) RecordTask(ctx context.Context, task, outcome string) {
	if in == nil {
		return
	}
	in.tasks.Add(ctx, 1, metric.WithAttributes(
		AttrTaskName.String(task),
		AttrOutcome.String(outcome),
	))
}

// RecordDivergence counts a diverged replay session.
func (in *Instruments) RecordDivergence(ctx context.Context, ruleVersion string) {
	if in == nil {
		return
	}
	in.divergences.Add(ctx, 1, metric.WithAttributes(AttrRuleVersion.String(ruleVersion)))
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}
