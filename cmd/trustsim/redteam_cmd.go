package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/Blackthor84/WorkVouch-sub006/pkg/redteam"
)

func runRedTeamCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("redteam", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		tf         timelineFlags
		scenario   string
		all        bool
		list       bool
		seed       uint64
		workers    int
		jsonOutput bool
	)
	tf.register(cmd, "redteam")
	cmd.StringVar(&scenario, "scenario", "", "Scenario to run against the timeline")
	cmd.BoolVar(&all, "all", false, "Run every scenario, each on its own fork of the timeline")
	cmd.BoolVar(&list, "list", false, "List scenarios and exit")
	cmd.Uint64Var(&seed, "seed", 0, "Random seed (default: TRUSTSIM_SEED)")
	cmd.IntVar(&workers, "workers", 0, "Concurrent scenarios with --all (0 = unlimited)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output results as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if list {
		for _, sc := range redteam.Scenarios() {
			printCommand(stdout, sc.Name, sc.Description)
		}
		return 0
	}
	if (scenario == "") == !all {
		_, _ = fmt.Fprintln(stderr, "Error: exactly one of --scenario or --all is required")
		return 2
	}
	if scenario != "" {
		if _, err := redteam.Lookup(scenario); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
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
	rules, err := rt.rules(tf.rules)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	tl, err := tf.load(ctx, rt)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: load timeline: %v\n", err)
		return 1
	}

	h := redteam.NewHarness(rt.executor(rules),
		redteam.WithStore(rt.log),
		redteam.WithSeed(seed),
		redteam.WithObservability(rt.obs),
		redteam.WithLogger(rt.logger),
	)

	runCtx, cancel := context.WithTimeout(ctx, rt.cfg.RedTeamTimeout)
	defer cancel()

	var outcomes []redteam.Outcome
	if all {
		outcomes, err = h.RunAll(runCtx, tl, workers)
	} else {
		var out redteam.Outcome
		out, err = h.Run(runCtx, scenario, tl)
		outcomes = []redteam.Outcome{out}
	}

	if jsonOutput {
		if werr := writeJSON(stdout, outcomes); werr != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", werr)
			return 1
		}
	} else {
		_, _ = fmt.Fprintf(stdout, "%sRed team%s seed=%d timeline=%s\n", ColorBold, ColorReset, seed, tl.ID())
		for _, o := range outcomes {
			verdict := "UNDETECTED"
			switch {
			case o.Aborted:
				verdict = "ABORTED"
			case o.Denied:
				verdict = "DENIED"
			case o.Detected:
				verdict = fmt.Sprintf("detected at step %d", o.DetectionLatency)
			}
			_, _ = fmt.Fprintf(stdout, "  %-20s %-22s damage=%6.2f signals=%-3d %v\n",
				o.Scenario, verdict, o.ScoreDamageBeforeContainment, o.SignalsRaised, o.SignalTypes)
		}
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
