package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/Blackthor84/WorkVouch-sub006/pkg/admission"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/metrics"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/simulation"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/workforce"
)

var defaultWorkforceStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

type workforceReport struct {
	Seed        uint64         `json:"seed"`
	RuleVersion string         `json:"rule_version"`
	Profiles    int            `json:"profiles"`
	Metrics     metrics.Report `json:"metrics"`
}

func runWorkforceCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("workforce", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		count      int
		seed       uint64
		start      int64
		spanDays   int
		mix        string
		rulesFlag  string
		workers    int
		persist    bool
		jsonOutput bool
	)
	cmd.IntVar(&count, "count", 100, "Number of synthetic workers")
	cmd.Uint64Var(&seed, "seed", 0, "Random seed (default: TRUSTSIM_SEED)")
	cmd.Int64Var(&start, "start", defaultWorkforceStart, "Earliest evidence timestamp in unix ms")
	cmd.IntVar(&spanDays, "span-days", 365, "Days over which each worker's evidence is spread")
	cmd.StringVar(&mix, "mix", "", "Archetype weights, e.g. reliable=3,risky=1 (default: uniform)")
	cmd.StringVar(&rulesFlag, "rules", "", "Rule version or semver constraint (default: latest)")
	cmd.IntVar(&workers, "workers", 8, "Concurrent workers while populating timelines")
	cmd.BoolVar(&persist, "persist", false, "Persist generated timelines and apply admission policies")
	cmd.BoolVar(&jsonOutput, "json", false, "Output results as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if count < 0 {
		_, _ = fmt.Fprintln(stderr, "Error: --count must not be negative")
		return 2
	}
	weights, err := parseMix(mix)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: --mix: %v\n", err)
		return 2
	}

	ctx := context.Background()
	rt, err := setup(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer rt.Close(ctx)

	if seed == 0 {
		seed = rt.cfg.Seed
	}
	rules, err := rt.rules(rulesFlag)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	gen, err := workforce.NewGenerator(workforce.Config{Seed: seed, Start: start, SpanDays: spanDays, Mix: weights})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	var opts []simulation.Option
	if !persist {
		opts = append(opts, simulation.WithStore(nil), simulation.WithAdmission(admission.NewChain()))
	}
	exec := rt.executor(rules, opts...)

	tls, err := workforce.Populate(ctx, exec, rules, start, gen.Profiles(count), workers)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	rep, err := metrics.AggregateTimelines(ctx, tls, workers)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	out := workforceReport{Seed: seed, RuleVersion: rules.Version, Profiles: count, Metrics: rep}
	if jsonOutput {
		if err := writeJSON(stdout, out); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}

	_, _ = fmt.Fprintf(stdout, "%sWorkforce%s %d workers, seed=%d, rules %s\n", ColorBold, ColorReset, count, seed, rules.Version)
	printSummary(stdout, "trust", rep.Trust)
	printSummary(stdout, "confidence", rep.Confidence)
	printSummary(stdout, "fragility", rep.Fragility)
	printSummary(stdout, "debt", rep.Debt)
	printSummary(stdout, "risk", rep.Risk)
	_, _ = fmt.Fprintf(stdout, "  histogram   %v\n", rep.TrustHistogram)
	_, _ = fmt.Fprintf(stdout, "  below threshold=%d debt flagged=%d synthetic share=%.3f\n",
		rep.BelowThreshold, rep.DebtFlagged, rep.MeanSyntheticShare)
	return 0
}

func printSummary(w io.Writer, name string, s metrics.Summary) {
	_, _ = fmt.Fprintf(w, "  %-11s mean=%6.2f p50=%6.2f p90=%6.2f min=%6.2f max=%6.2f\n", name, s.Mean, s.P50, s.P90, s.Min, s.Max)
}

func parseMix(s string) (map[workforce.Archetype]float64, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	out := map[workforce.Archetype]float64{}
	for _, part := range strings.Split(s, ",") {
		name, weight, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return nil, fmt.Errorf("expected archetype=weight, got %q", part)
		}
		w, err := strconv.ParseFloat(weight, 64)
		if err != nil {
			return nil, fmt.Errorf("weight for %s: %w", name, err)
		}
		out[workforce.Archetype(strings.TrimSpace(name))] = w
	}
	return out, nil
}
