package main

import (
	"fmt"
	"io"
	"os"

	_ "github.com/lib/pq" // Postgres Driver
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "0.3.0"

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "simulate", "sim":
		return runSimulateCmd(args[2:], stdout, stderr)
	case "replay":
		return runReplayCmd(args[2:], stdout, stderr)
	case "redteam", "red-team":
		return runRedTeamCmd(args[2:], stdout, stderr)
	case "workforce":
		return runWorkforceCmd(args[2:], stdout, stderr)
	case "rules":
		return runRulesCmd(args[2:], stdout, stderr)
	case "version", "--version":
		_, _ = fmt.Fprintf(stdout, "trustsim %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI Colors
const (
	ColorReset = "\033[0m"
	ColorBold  = "\033[1m"
	ColorBlue  = "\033[34m"
	ColorCyan  = "\033[36m"
	ColorGreen = "\033[32m"
	ColorGray  = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sTrustSim %s%s\n", ColorBold+ColorBlue, version, ColorReset)
	fmt.Fprintf(w, "%sEvidence in, trust out. Every step replayable.%s\n", ColorGray, ColorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "  trustsim <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "SIMULATION")
	printCommand(w, "simulate", "Apply a batch of JSON requests to a timeline (--requests)")
	printCommand(w, "workforce", "Generate synthetic workers and report metrics (--count, --seed)")

	printSection(w, "VERIFICATION")
	printCommand(w, "replay", "Capture a timeline and replay it under rule versions (--timeline)")
	printCommand(w, "redteam", "Run adversarial scenarios (--scenario, --all)")

	printSection(w, "UTILITIES")
	printCommand(w, "rules", "List registered rule versions")
	printCommand(w, "version", "Print version")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sConfiguration is read from TRUSTSIM_* environment variables.%s\n", ColorGray, ColorReset)
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-12s%s %s\n", ColorGreen, name, ColorReset, desc)
}
