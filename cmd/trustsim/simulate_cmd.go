package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/Blackthor84/WorkVouch-sub006/pkg/abuse"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/engine"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/errorir"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/ingest"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/simulation"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/timeline"
)

type simulateReport struct {
	TimelineID  string          `json:"timeline_id"`
	RuleVersion string          `json:"rule_version"`
	Applied     []appliedAction `json:"applied"`
	Denied      []deniedRequest `json:"denied,omitempty"`
	Final       engine.Outputs  `json:"final"`
	Threshold   float64         `json:"threshold"`
	Head        uint64          `json:"head"`
	HeadHash    string          `json:"head_hash"`
	Signals     []abuse.Signal  `json:"signals,omitempty"`
}

type appliedAction struct {
	Seq     uint64             `json:"seq"`
	Type    engine.ActionType  `json:"type"`
	Trust   float64            `json:"trust"`
	Risk    float64            `json:"risk"`
	Signals []abuse.SignalType `json:"signals,omitempty"`
}

type deniedRequest struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// timelineFlags are shared by commands that load a stored timeline.
type timelineFlags struct {
	id    string
	rules string
	start int64
}

func (f *timelineFlags) register(cmd *flag.FlagSet, defaultID string) {
	cmd.StringVar(&f.id, "timeline", defaultID, "Timeline ID")
	cmd.StringVar(&f.rules, "rules", "", "Rule version or semver constraint (default: latest)")
	cmd.Int64Var(&f.start, "start", 0, "Baseline timestamp in unix ms; must match across runs on one timeline")
}

// load restores the timeline from the store, or starts it at a baseline.
func (f *timelineFlags) load(ctx context.Context, rt *runtime) (*timeline.Timeline, error) {
	rules, err := rt.rules(f.rules)
	if err != nil {
		return nil, err
	}
	return simulation.Restore(ctx, rt.log, f.id, engine.Baseline(rules, f.start))
}

func runSimulateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("simulate", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		tf         timelineFlags
		requests   string
		threshold  string
		jsonOutput bool
	)
	tf.register(cmd, "main")
	cmd.StringVar(&requests, "requests", "", "Path to a JSON array of requests, or - for stdin (REQUIRED)")
	cmd.StringVar(&threshold, "threshold", "", "Threshold override applied to every action (0-100)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output results as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if requests == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --requests is required")
		return 2
	}

	var opts []simulation.Option
	if threshold != "" {
		v, err := strconv.ParseFloat(threshold, 64)
		if err != nil || v < 0 || v > 100 {
			_, _ = fmt.Fprintf(stderr, "Error: --threshold must be a number in [0,100], got %q\n", threshold)
			return 2
		}
		opts = append(opts, simulation.WithThresholdOverride(v))
	}

	ctx := context.Background()
	rt, err := setup(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer rt.Close(ctx)

	reqs, err := readRequests(requests)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	tl, err := tf.load(ctx, rt)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: load timeline: %v\n", err)
		return 1
	}
	rules, err := rt.rules(tf.rules)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	exec := rt.executor(rules, opts...)

	report := simulateReport{TimelineID: tl.ID(), RuleVersion: rules.Version}
	for i, req := range reqs {
		res, err := exec.Execute(ctx, tl, req)
		if errorir.KindOf(err) == errorir.KindAdmissionDenied {
			report.Denied = append(report.Denied, deniedRequest{Index: i, Error: err.Error()})
			continue
		}
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: request %d: %v\n", i, err)
			return 1
		}
		a := res.Action
		report.Applied = append(report.Applied, appliedAction{
			Seq:     a.Seq,
			Type:    a.Type,
			Trust:   a.After.Outputs.TrustScore,
			Risk:    a.After.Outputs.RiskScore,
			Signals: abuse.Types(a.Signals),
		})
		report.Signals = append(report.Signals, a.Signals...)
	}

	cur := tl.Current()
	report.Final = cur.Outputs
	report.Threshold = cur.Threshold
	report.Head = tl.Head()
	report.HeadHash = tl.HeadHash()

	if jsonOutput {
		if err := writeJSON(stdout, report); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}

	_, _ = fmt.Fprintf(stdout, "%sTimeline %s%s (rules %s)\n", ColorBold, report.TimelineID, ColorReset, report.RuleVersion)
	for _, a := range report.Applied {
		_, _ = fmt.Fprintf(stdout, "  #%-4d %-24s trust=%6.2f risk=%6.2f %v\n", a.Seq, a.Type, a.Trust, a.Risk, a.Signals)
	}
	for _, d := range report.Denied {
		_, _ = fmt.Fprintf(stdout, "  denied request %d: %s\n", d.Index, d.Error)
	}
	_, _ = fmt.Fprintf(stdout, "Final: trust=%.2f confidence=%.2f fragility=%.2f debt=%.2f risk=%.2f threshold=%.2f -> %s\n",
		cur.Outputs.TrustScore, cur.Outputs.ConfidenceScore, cur.Outputs.FragilityScore, cur.Outputs.TrustDebt,
		cur.Outputs.RiskScore, cur.Threshold, cur.Recommendation())
	return 0
}

func readRequests(path string) ([]simulation.Request, error) {
	dec, err := ingest.NewDecoder()
	if err != nil {
		return nil, err
	}
	if path == "-" {
		return dec.DecodeAll(os.Stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return dec.DecodeAll(f)
}
