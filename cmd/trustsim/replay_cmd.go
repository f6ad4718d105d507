package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/Blackthor84/WorkVouch-sub006/pkg/errorir"
	"github.com/Blackthor84/WorkVouch-sub006/pkg/replay"
)

type replayReport struct {
	CaptureID   string              `json:"capture_id"`
	TimelineID  string              `json:"timeline_id"`
	Entries     int                 `json:"entries"`
	Sessions    []replay.Session    `json:"sessions"`
	Comparisons []replay.Comparison `json:"comparisons,omitempty"`
}

// runReplayCmd captures a stored timeline and re-derives it under one or
// more rule versions. Exit code 1 means at least one session diverged.
func runReplayCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("replay", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		tf         timelineFlags
		versions   string
		jsonOutput bool
	)
	tf.register(cmd, "main")
	cmd.StringVar(&versions, "versions", "", "Comma-separated rule versions to replay under (default: capture version)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output results as JSON")

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

	tl, err := tf.load(ctx, rt)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: load timeline: %v\n", err)
		return 1
	}
	if tl.Len() == 0 {
		_, _ = fmt.Fprintf(stderr, "Error: timeline %s has no actions\n", tl.ID())
		return 1
	}

	eng := replay.NewEngine(rt.registry,
		replay.WithStore(rt.log),
		replay.WithArchive(rt.archive),
		replay.WithObservability(rt.obs),
		replay.WithLogger(rt.logger),
	)
	capture, err := eng.CreateSnapshot(ctx, tl)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: capture: %v\n", err)
		return 1
	}

	report := replayReport{CaptureID: capture.ID, TimelineID: capture.TimelineID, Entries: len(capture.Entries)}
	diverged := false
	for _, v := range splitVersions(versions, capture.RuleVersion) {
		s, err := eng.CreateReplaySession(ctx, capture.ID, v)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: session %s: %v\n", v, err)
			return 1
		}
		s, err = eng.Run(ctx, s.ID)
		switch {
		case errors.Is(err, errorir.ErrReplayDivergence):
			diverged = true
		case err != nil:
			_, _ = fmt.Fprintf(stderr, "Error: replay %s: %v\n", v, err)
			return 1
		}
		report.Sessions = append(report.Sessions, s)
	}
	for _, s := range report.Sessions[1:] {
		cmp, err := eng.Compare(report.Sessions[0].ID, s.ID)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: compare: %v\n", err)
			return 1
		}
		report.Comparisons = append(report.Comparisons, cmp)
	}

	if jsonOutput {
		if err := writeJSON(stdout, report); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	} else {
		_, _ = fmt.Fprintf(stdout, "%sCapture %s%s (%s, %d entries)\n", ColorBold, report.CaptureID, ColorReset, report.TimelineID, report.Entries)
		for _, s := range report.Sessions {
			status := string(s.Status)
			if s.Divergence != nil {
				status = "DIVERGED " + s.Divergence.String()
			}
			_, _ = fmt.Fprintf(stdout, "  rules %-10s events=%-4d trust=%6.2f %s\n", s.RuleVersion, s.Events, s.Final.TrustScore, status)
		}
		for _, c := range report.Comparisons {
			_, _ = fmt.Fprintf(stdout, "  %s vs %s: max |delta trust| = %.4f\n", c.VersionA, c.VersionB, c.MaxAbs)
		}
	}
	if diverged {
		return 1
	}
	return 0
}

func splitVersions(s, fallback string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		out = append(out, fallback)
	}
	return out
}
