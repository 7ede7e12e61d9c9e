// Package engine runs one simulation invocation end to end: it resolves the
// workspace layout, holds the layout lock, prepares or cleans the workspace,
// composes and executes the tool pipeline, classifies the result and records
// it in run history.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/mattjoyce/simrig/internal/classify"
	"github.com/mattjoyce/simrig/internal/compose"
	"github.com/mattjoyce/simrig/internal/config"
	"github.com/mattjoyce/simrig/internal/events"
	"github.com/mattjoyce/simrig/internal/history"
	"github.com/mattjoyce/simrig/internal/lock"
	"github.com/mattjoyce/simrig/internal/log"
	"github.com/mattjoyce/simrig/internal/pipeline"
	"github.com/mattjoyce/simrig/internal/runner"
	"github.com/mattjoyce/simrig/internal/sim"
	"github.com/mattjoyce/simrig/internal/waveform"
	"github.com/mattjoyce/simrig/internal/workspace"
)

// Recorder persists runs. *history.Store implements it.
type Recorder interface {
	Begin(ctx context.Context, req history.BeginRequest) (string, error)
	Complete(ctx context.Context, runID string, run sim.Run, verdict sim.Verdict, exitCode int, runErr error) error
}

var _ Recorder = (*history.Store)(nil)

// Request is one invocation.
type Request struct {
	Backend   sim.Backend
	Task      sim.Task
	TestBench sim.TestBench
	// GUI opens the commercial simulator interactively on Run.
	GUI bool
}

// Result is what the caller sees after an invocation.
type Result struct {
	RunID    string
	Run      sim.Run
	Verdict  sim.Verdict
	ExitCode int
	Layout   workspace.Layout
	Cleanup  workspace.CleanupReport
}

// Options wires an Engine.
type Options struct {
	Workspace workspace.Manager
	Composer  compose.Composer
	Runner    runner.Runner
	// Hub receives run and stage events. Optional.
	Hub *events.Hub
	// Recorder stores run history. Optional.
	Recorder Recorder
	// Lock serializes invocations per layout.
	Lock    bool
	LockDir string
}

// Engine executes invocations.
type Engine struct {
	opts   Options
	logger *slog.Logger
}

// New creates an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Workspace == nil {
		return nil, fmt.Errorf("workspace manager is required")
	}
	if opts.Runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if opts.Lock && opts.LockDir == "" {
		opts.LockDir = lock.DefaultDir()
	}
	return &Engine{
		opts:   opts,
		logger: log.WithComponent("engine"),
	}, nil
}

// FromConfig builds the workspace manager and composer from cfg.
func FromConfig(cfg *config.Config, r runner.Runner, hub *events.Hub, rec Recorder) (*Engine, error) {
	mgr, err := workspace.NewFSManager(workspace.Options{
		Root:      cfg.Workspace.Root,
		SimDir:    cfg.Workspace.SimDir,
		ModelDir:  cfg.Workspace.ModelDir,
		LibDir:    cfg.Workspace.LibDir,
		Namespace: cfg.Workspace.Namespace,
	})
	if err != nil {
		return nil, &sim.ConfigurationError{Msg: err.Error()}
	}
	return New(Options{
		Workspace: mgr,
		Composer:  compose.New(cfg.Tools, cfg.BaseDir),
		Runner:    r,
		Hub:       hub,
		Recorder:  rec,
		Lock:      cfg.Workspace.LockEnabled(),
	})
}

// Invoke runs req. A failing stage yields a *sim.ProcessFailure alongside a
// populated Result; a FAIL verdict from output alone is not an error.
func (e *Engine) Invoke(ctx context.Context, req Request) (Result, error) {
	res := Result{ExitCode: 1}

	if _, err := sim.ParseBackend(string(req.Backend)); err != nil {
		return res, err
	}
	if req.Task != sim.TaskClean && !compose.Supported(req.Backend, req.Task) {
		return res, sim.Unsupported(req.Backend, req.Task, "")
	}

	layout, err := e.opts.Workspace.Layout(req.TestBench)
	if err != nil {
		return res, &sim.ConfigurationError{Backend: req.Backend, Task: req.Task, Msg: err.Error()}
	}
	res.Layout = layout

	if e.opts.Lock {
		l, err := lock.Acquire(e.opts.LockDir, layout.Root)
		if err != nil {
			return res, err
		}
		defer func() { _ = l.Release() }()
	}

	runID, recorded := e.begin(ctx, req, layout)
	res.RunID = runID
	ctx = pipeline.WithRunID(ctx, res.RunID)
	logger := e.logger.With(
		"run_id", res.RunID,
		"backend", string(req.Backend),
		"task", string(req.Task),
		"testbench", req.TestBench.Name,
	)

	e.publish(events.RunStarted, req, res)
	logger.Info("invocation started", "layout", layout.Root)

	runErr := e.dispatch(ctx, req, layout, &res)

	if recorded {
		e.complete(ctx, res, runErr)
	}
	e.publish(events.RunFinished, req, res)
	if runErr != nil {
		logger.Warn("invocation failed", "exit_code", res.ExitCode, "error", runErr)
	} else {
		logger.Info("invocation finished", "verdict", res.Verdict.String(), "exit_code", res.ExitCode)
	}
	return res, runErr
}

func (e *Engine) dispatch(ctx context.Context, req Request, layout workspace.Layout, res *Result) error {
	switch req.Task {
	case sim.TaskClean:
		report, err := e.opts.Workspace.Clean(ctx, layout)
		res.Cleanup = report
		if err != nil {
			return err
		}
		res.Run = sim.Run{Backend: req.Backend, Task: req.Task}
		res.Verdict = sim.Verdict{Outcome: sim.Pass}
		res.ExitCode = 0
		return nil

	case sim.TaskViewWaveform:
		viewer := waveform.New(e.composer(req), e.opts.Runner)
		run, err := viewer.View(ctx, req.Backend, req.TestBench, layout)
		res.Run = run
		return e.settle(run, res, err)
	}

	if req.Task == sim.TaskBuild || req.Task == sim.TaskRun {
		if err := e.opts.Workspace.Ensure(ctx, layout); err != nil {
			return fmt.Errorf("prepare workspace: %w", err)
		}
	}

	specs, err := e.composer(req).Compose(req.Backend, req.Task, req.TestBench, layout)
	if err != nil {
		return err
	}
	if len(specs) == 0 {
		return &sim.ConfigurationError{Backend: req.Backend, Task: req.Task, Msg: "no commands composed"}
	}

	run := pipeline.New(e.opts.Runner, e.opts.Hub).Execute(ctx, specs)
	run.Backend = req.Backend
	run.Task = req.Task
	res.Run = run

	var pf error
	if f := sim.FailureFrom(run); f != nil {
		pf = f
	}
	return e.settle(run, res, pf)
}

// settle fills the verdict and exit code from run and err.
func (e *Engine) settle(run sim.Run, res *Result, err error) error {
	if _, ok := run.Terminal(); ok {
		res.Verdict = classify.Classify(run)
	}

	switch {
	case err != nil:
		var pf *sim.ProcessFailure
		if errors.As(err, &pf) && pf.ExitCode != 0 {
			res.ExitCode = pf.ExitCode
		} else {
			res.ExitCode = 1
		}
		if res.Verdict.Outcome == "" {
			reason := sim.ReasonNonzeroExit
			if errors.Is(err, sim.ErrMissingArtifact) {
				reason = sim.ReasonMissingArtifact
			}
			res.Verdict = sim.Verdict{Outcome: sim.Fail, Reason: reason}
		}
		return err
	case !res.Verdict.Passed():
		res.ExitCode = 1
	default:
		res.ExitCode = 0
	}
	return nil
}

func (e *Engine) composer(req Request) compose.Composer {
	c := e.opts.Composer
	c.GUI = req.GUI
	return c
}

// begin records the run start. Unrecorded runs still get an ID so their
// events can be told apart.
func (e *Engine) begin(ctx context.Context, req Request, layout workspace.Layout) (string, bool) {
	if e.opts.Recorder == nil {
		return uuid.NewString(), false
	}
	digest, err := history.InputDigest(req.TestBench.Sources)
	if err != nil {
		e.logger.Warn("could not digest testbench sources", "error", err)
	}
	id, err := e.opts.Recorder.Begin(ctx, history.BeginRequest{
		Backend:     string(req.Backend),
		Task:        string(req.Task),
		TestBench:   req.TestBench.Name,
		LayoutRoot:  layout.Root,
		InputDigest: digest,
	})
	if err != nil {
		e.logger.Warn("failed to record run start", "error", err)
		return uuid.NewString(), false
	}
	return id, true
}

func (e *Engine) complete(ctx context.Context, res Result, runErr error) {
	// Record even when the invocation was cancelled.
	ctx = context.WithoutCancel(ctx)
	if err := e.opts.Recorder.Complete(ctx, res.RunID, res.Run, res.Verdict, res.ExitCode, runErr); err != nil {
		e.logger.Warn("failed to record run completion", "run_id", res.RunID, "error", err)
	}
}

func (e *Engine) publish(eventType string, req Request, res Result) {
	if e.opts.Hub == nil {
		return
	}
	payload := events.RunPayload{
		RunID:     res.RunID,
		Backend:   string(req.Backend),
		Task:      string(req.Task),
		TestBench: req.TestBench.Name,
	}
	if eventType == events.RunFinished {
		payload.Verdict = res.Verdict.String()
		payload.ExitCode = res.ExitCode
	}
	e.opts.Hub.Publish(eventType, payload)
}
