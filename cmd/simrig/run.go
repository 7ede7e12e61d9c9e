package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattjoyce/simrig/internal/config"
	"github.com/mattjoyce/simrig/internal/engine"
	"github.com/mattjoyce/simrig/internal/events"
	"github.com/mattjoyce/simrig/internal/harness"
	"github.com/mattjoyce/simrig/internal/history"
	"github.com/mattjoyce/simrig/internal/log"
	"github.com/mattjoyce/simrig/internal/runner"
	"github.com/mattjoyce/simrig/internal/sim"
	"github.com/mattjoyce/simrig/internal/storage"
	"github.com/mattjoyce/simrig/internal/tui"
)

// eventCapacity bounds the in-process event backlog.
const eventCapacity = 256

// runSimulate is the default invocation: one task on one backend.
func runSimulate(args []string) int {
	var (
		toolName, tbName, configPath, logLevel string
		lint, build, clean, view, gui          bool
		useTUI, noHistory                      bool
	)

	fs := flag.NewFlagSet("simrig", flag.ContinueOnError)
	fs.StringVar(&toolName, "tool", "", "Backend: icarus, questa or verilator")
	fs.BoolVar(&lint, "lint", false, "Lint the sources")
	fs.BoolVar(&build, "build", false, "Build without running")
	fs.BoolVar(&clean, "clean", false, "Remove the workspace directories")
	fs.BoolVar(&view, "view", false, "Open the waveform viewer")
	fs.BoolVar(&gui, "gui", false, "Run questa interactively")
	fs.StringVar(&tbName, "tb", "", "Testbench name")
	fs.StringVar(&configPath, "config", "", "Project file or directory")
	fs.BoolVar(&useTUI, "tui", false, "Show live stage progress")
	fs.BoolVar(&noHistory, "no-history", false, "Do not record the run")
	fs.StringVar(&logLevel, "log-level", "", "Log level override")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "Unexpected argument: %s\n", fs.Arg(0))
		return 1
	}

	task, err := selectTask(lint, build, clean, view)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}
	setupLogging(cfg, logLevel)

	backend, err := selectBackend(cfg, toolName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	tb, err := selectTestBench(cfg, tbName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	log.WithBackend(string(backend)).Debug("invocation resolved",
		"task", string(task),
		"testbench", tb.Name,
		"project", cfg.RootFile,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rec, closeHistory := openRecorder(ctx, cfg, noHistory)
	defer closeHistory()

	// Tool output is streamed live unless the progress view owns the terminal.
	r := runner.New(runner.Options{
		Timeout: cfg.Timeouts.Stage,
		Grace:   cfg.Timeouts.Grace,
		Stdout:  liveWriter(useTUI, os.Stdout),
		Stderr:  liveWriter(useTUI, os.Stderr),
	})

	hub := events.NewHub(eventCapacity)
	eng, err := engine.FromConfig(cfg, r, hub, rec)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	req := engine.Request{Backend: backend, Task: task, TestBench: tb, GUI: gui}
	var res engine.Result
	invoke := func(ctx context.Context) error {
		var invokeErr error
		res, invokeErr = eng.Invoke(ctx, req)
		return invokeErr
	}
	if useTUI {
		err = tui.Run(ctx, hub, os.Stdout, invoke)
	} else {
		err = invoke(ctx)
	}

	theme := tui.NewDefaultTheme()
	if task == sim.TaskClean && err == nil {
		fmt.Printf("Removed %d %s under %s\n", res.Cleanup.DeletedDirs, plural(res.Cleanup.DeletedDirs, "directory", "directories"), res.Layout.Root)
		return 0
	}
	fmt.Println(tui.VerdictLine(theme, tb.Name, backend, task, res.Verdict, res.ExitCode))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	if res.RunID != "" && rec != nil {
		log.WithRun(res.RunID).Debug("run recorded", "exit_code", res.ExitCode)
	}
	return res.ExitCode
}

// runTest runs a suite over the project's testbenches.
func runTest(args []string) int {
	var (
		toolName, tbList, configPath, logLevel string
		lint, build, useTUI, noHistory         bool
		parallel                               int
	)

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.StringVar(&toolName, "tool", "", "Backend: icarus, questa or verilator")
	fs.BoolVar(&lint, "lint", false, "Lint instead of run")
	fs.BoolVar(&build, "build", false, "Build instead of run")
	fs.StringVar(&tbList, "tb", "", "Comma-separated testbench names (default: all)")
	fs.IntVar(&parallel, "parallel", 0, "Concurrent testbenches (default from project)")
	fs.StringVar(&configPath, "config", "", "Project file or directory")
	fs.BoolVar(&useTUI, "tui", false, "Show live stage progress")
	fs.BoolVar(&noHistory, "no-history", false, "Do not record the runs")
	fs.StringVar(&logLevel, "log-level", "", "Log level override")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	task, err := selectTask(lint, build, false, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}
	setupLogging(cfg, logLevel)
	if parallel > 0 {
		cfg.Harness.Parallelism = parallel
	}

	backend, err := selectBackend(cfg, toolName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	tbs, err := selectTestBenches(cfg, tbList)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rec, closeHistory := openRecorder(ctx, cfg, noHistory)
	defer closeHistory()

	// Concurrent tool output is only kept in the captured results.
	r := runner.New(runner.Options{
		Timeout: cfg.Timeouts.Stage,
		Grace:   cfg.Timeouts.Grace,
	})
	hub := events.NewHub(eventCapacity)
	suite, err := harness.SuiteFromConfig(cfg, r, hub, rec)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	var report harness.Report
	work := func(ctx context.Context) error {
		var runErr error
		report, runErr = suite.Run(ctx, backend, task, tbs)
		return runErr
	}
	if useTUI {
		err = tui.Run(ctx, hub, os.Stdout, work)
	} else {
		err = work(ctx)
	}
	if err != nil && len(report.Outcomes) == 0 {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	lines := make([]tui.SuiteLine, 0, len(report.Outcomes))
	for _, o := range report.Outcomes {
		lines = append(lines, tui.SuiteLine{
			Name:     o.TestBench.Name,
			Verdict:  o.Result.Verdict,
			ExitCode: o.Result.ExitCode,
			Err:      o.Err,
		})
	}
	tui.PrintSummary(os.Stdout, tui.NewDefaultTheme(), backend, task, lines)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if report.ExitCode == 0 {
			return 1
		}
	}
	return report.ExitCode
}

// runCheck runs one compiled artifact under the result classifier.
func runCheck(args []string) int {
	var timeout time.Duration

	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.DurationVar(&timeout, "timeout", 0, "Limit on the artifact's run time")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: simrig check [--timeout DURATION] <artifact> [args...]")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := runner.New(runner.Options{Timeout: timeout, Stdout: os.Stdout, Stderr: os.Stderr})
	res, err := harness.Check(ctx, r, fs.Arg(0), fs.Args()[1:]...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return res.ExitCode
	}

	if res.Verdict.Passed() {
		fmt.Println("PASS")
	} else {
		fmt.Printf("FAIL (%s)\n", res.Verdict.Reason)
	}
	return res.ExitCode
}

func selectTask(lint, build, clean, view bool) (sim.Task, error) {
	task := sim.TaskRun
	n := 0
	for _, c := range []struct {
		set  bool
		task sim.Task
	}{
		{lint, sim.TaskLint},
		{build, sim.TaskBuild},
		{clean, sim.TaskClean},
		{view, sim.TaskViewWaveform},
	} {
		if c.set {
			task = c.task
			n++
		}
	}
	if n > 1 {
		return "", fmt.Errorf("use only one of --lint, --build, --clean or --view")
	}
	return task, nil
}

func selectBackend(cfg *config.Config, toolName string) (sim.Backend, error) {
	if toolName == "" {
		toolName = cfg.DefaultTool
	}
	return sim.ParseBackend(toolName)
}

// selectTestBench resolves --tb. Without it the first declared testbench is
// used, or none at all when the project relies on file lists.
func selectTestBench(cfg *config.Config, name string) (sim.TestBench, error) {
	if name == "" {
		if len(cfg.TestBenches) > 0 {
			return cfg.TestBenches[0], nil
		}
		return sim.TestBench{}, nil
	}
	tb, ok := cfg.TestBench(name)
	if !ok {
		return sim.TestBench{}, fmt.Errorf("testbench %q not found in project", name)
	}
	return tb, nil
}

func selectTestBenches(cfg *config.Config, list string) ([]sim.TestBench, error) {
	if strings.TrimSpace(list) == "" {
		if len(cfg.TestBenches) == 0 {
			return nil, fmt.Errorf("project declares no testbenches")
		}
		return cfg.TestBenches, nil
	}
	var out []sim.TestBench
	for _, name := range strings.Split(list, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		tb, ok := cfg.TestBench(name)
		if !ok {
			return nil, fmt.Errorf("testbench %q not found in project", name)
		}
		out = append(out, tb)
	}
	return out, nil
}

// openRecorder opens run history. History is best effort: a store that
// cannot be opened is logged and the run goes unrecorded.
func openRecorder(ctx context.Context, cfg *config.Config, disabled bool) (engine.Recorder, func()) {
	if disabled || !cfg.History.IsEnabled() {
		return nil, func() {}
	}
	store, closeStore, err := openHistoryStore(ctx, cfg)
	if err != nil {
		log.Warn("run history unavailable", "path", cfg.History.Path, "error", err)
		return nil, func() {}
	}
	return store, closeStore
}

func openHistoryStore(ctx context.Context, cfg *config.Config) (*history.Store, func(), error) {
	db, err := storage.OpenSQLite(ctx, cfg.History.Path)
	if err != nil {
		return nil, nil, err
	}
	return history.New(db), func() { _ = db.Close() }, nil
}

func liveWriter(useTUI bool, w io.Writer) io.Writer {
	if useTUI {
		return nil
	}
	return w
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
