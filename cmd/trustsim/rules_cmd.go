package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/Blackthor84/WorkVouch-sub006/pkg/scoring"
)

func runRulesCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("rules", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		resolve    string
		jsonOutput bool
	)
	cmd.StringVar(&resolve, "resolve", "", "Print the rule version selected by a semver constraint")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the rule versions as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	rt, err := setup(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer rt.Close(ctx)

	if resolve != "" {
		r, err := rt.registry.Resolve(resolve)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintln(stdout, r.Version)
		return 0
	}

	versions := rt.registry.Versions()
	if jsonOutput {
		all := make([]scoring.Rules, 0, len(versions))
		for _, v := range versions {
			r, err := rt.registry.Get(v)
			if err != nil {
				_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
				return 1
			}
			all = append(all, r)
		}
		if err := writeJSON(stdout, all); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}
	for _, v := range versions {
		r, _ := rt.registry.Get(v)
		printCommand(stdout, v, r.Description)
	}
	return 0
}
