package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/mattjoyce/simrig/internal/config"
	"github.com/mattjoyce/simrig/internal/log"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	// Bare flags select the default invocation: simrig --tool icarus --lint.
	if len(cliArgs) == 0 || (strings.HasPrefix(cliArgs[0], "-") && !isHelpToken(cliArgs[0]) && cliArgs[0] != "--version") {
		return runSimulate(cliArgs)
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	if cmd == "--version" {
		return runVersion(args)
	}

	switch cmd {
	// --- NOUNS ---
	case "test":
		if hasHelpFlag(args) {
			printTestHelp()
			return 0
		}
		return runTest(args)
	case "check":
		if hasHelpFlag(args) {
			printCheckHelp()
			return 0
		}
		return runCheck(args)
	case "history":
		if hasHelpFlag(args) {
			printHistoryHelp()
			return 0
		}
		return runHistory(args)
	case "inspect":
		if hasHelpFlag(args) {
			printInspectHelp()
			return 0
		}
		return runInspect(args)
	case "doctor":
		if hasHelpFlag(args) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(args)
	case "config":
		return runConfigNoun(args)
	case "version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: simrig version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("simrig %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}

	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	resolvedCommit := strings.TrimSpace(gitCommit)
	if resolvedCommit == "" || resolvedCommit == "unknown" {
		resolvedCommit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if resolvedCommit != "" {
		info.Commit = shortenCommit(resolvedCommit)
	}

	resolvedBuildTime := strings.TrimSpace(buildDate)
	if resolvedBuildTime == "" || resolvedBuildTime == "unknown" {
		resolvedBuildTime = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalizedBuildTime, ok := normalizeBuildTimeUTC(resolvedBuildTime); ok {
		info.BuildTime = normalizedBuildTime
	}

	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}

	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}

	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

// loadConfigForTool loads the project named by configPath, or the
// discovered one. With no project file anywhere the shipped defaults are
// used against the working directory.
func loadConfigForTool(configPath string) (*config.Config, error) {
	if configPath == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			return config.ForDir(".")
		}
		configPath = discovered
	}
	return config.Load(configPath)
}

// setupLogging initializes the global logger from cfg; level overrides the
// project setting when non-empty.
func setupLogging(cfg *config.Config, level string) {
	if level == "" {
		level = cfg.Service.LogLevel
	}
	log.Setup(level, cfg.Service.LogFormat)
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func printUsage() {
	fmt.Print(`simrig - HDL simulation orchestrator for icarus, questa and verilator

Usage:
  simrig [--tool NAME] [--lint | --build | --clean | --view] [flags]
  simrig <noun> [action] [flags]

Default invocation (runs the testbench unless a task flag is given):
  --tool NAME       Backend: icarus, questa or verilator (default from project)
  --lint            Lint the sources
  --build           Build without running
  --clean           Remove the workspace directories
  --view            Open the waveform viewer
  --gui             Run questa interactively
  --tb NAME         Testbench from the project file
  --config PATH     Project file or directory (default: ./simrig.yaml)
  --tui             Show live stage progress
  --no-history      Do not record the run
  --log-level LVL   debug, info, warn or error

Nouns:
  test              Run every testbench concurrently
  check             Run one compiled artifact and classify its output
  history           List recorded runs
  inspect           Show a recorded run
  doctor            Validate the project and toolchain
  config            Manage the project file (lock, check, show, get, set)
  version           Show version information
  help              Show this message

Exit status is the failing tool's exit code, 1 when the output reports a
failure, else 0.
`)
}

func printTestHelp() {
	fmt.Println("Usage: simrig test [--tool NAME] [--lint | --build] [--tb A,B] [--parallel N] [--config PATH] [--tui] [--no-history]")
	fmt.Println("Runs testbenches concurrently, each in its own workspace directory.")
}

func printCheckHelp() {
	fmt.Println("Usage: simrig check [--timeout DURATION] <artifact> [args...]")
	fmt.Println("Runs a compiled simulation and classifies its output.")
}

func printHistoryHelp() {
	fmt.Println("Usage: simrig history [--tb NAME] [--tool NAME] [--limit N] [--json] [--prune DURATION] [--config PATH]")
}

func printInspectHelp() {
	fmt.Println("Usage: simrig inspect [--json] [--config PATH] <run-id>")
	fmt.Println("The run id may be a unique prefix.")
}
