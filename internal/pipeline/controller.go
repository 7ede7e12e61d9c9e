// Package pipeline executes an ordered list of CommandSpecs strictly in
// sequence, stopping at the first stage that fails.
package pipeline

import (
	"context"
	"log/slog"
	"os"

	"github.com/mattjoyce/simrig/internal/events"
	"github.com/mattjoyce/simrig/internal/log"
	"github.com/mattjoyce/simrig/internal/runner"
	"github.com/mattjoyce/simrig/internal/sim"
)

type runIDKey struct{}

// WithRunID tags ctx so stage events carry the run identifier.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

func runIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

// Controller feeds CommandSpecs to a Runner one at a time.
type Controller struct {
	runner runner.Runner
	hub    *events.Hub
	logger *slog.Logger
}

// New creates a Controller. hub may be nil.
func New(r runner.Runner, hub *events.Hub) *Controller {
	return &Controller{
		runner: r,
		hub:    hub,
		logger: log.WithComponent("pipeline"),
	}
}

// Execute runs specs in order. A stage fails when its process exits
// non-zero, cannot be started, or leaves a declared artifact missing; no
// later stage runs after a failure. The returned Run lists every stage that
// executed, ending with the failing one if any.
func (c *Controller) Execute(ctx context.Context, specs []sim.CommandSpec) sim.Run {
	runID := runIDFrom(ctx)
	logger := c.logger
	if runID != "" {
		logger = logger.With("run_id", runID)
	}

	var run sim.Run
	for i, spec := range specs {
		payload := events.StagePayload{
			RunID:   runID,
			Stage:   spec.Stage,
			Index:   i + 1,
			Total:   len(specs),
			Command: spec.String(),
		}
		c.publish(events.StageStarted, payload)
		logger.Info("stage started", "stage", spec.Stage, "index", i+1, "total", len(specs))

		res := c.runner.Run(ctx, spec)
		outcome := sim.StageOutcome{
			Stage:    spec.Stage,
			Command:  spec.String(),
			Status:   sim.StageSuccess,
			ExitCode: res.ExitCode,
			Stdout:   res.Stdout,
			Stderr:   res.Stderr,
			Duration: res.Duration,
		}

		switch {
		case res.Err != nil:
			outcome.Status = sim.StageFailure
			outcome.Err = res.Err.Error()
			if outcome.ExitCode == 0 {
				outcome.ExitCode = runner.SpawnFailedExitCode
			}
		case res.ExitCode != 0:
			outcome.Status = sim.StageFailure
		default:
			outcome.Missing = missingArtifacts(spec.Produces)
			if len(outcome.Missing) > 0 {
				outcome.Status = sim.StageFailure
			}
		}

		run.Stages = append(run.Stages, outcome)
		run.Stdout = outcome.Stdout
		run.ExitCode = outcome.ExitCode

		payload.Status = string(outcome.Status)
		payload.ExitCode = outcome.ExitCode
		payload.DurationMS = outcome.Duration.Milliseconds()
		c.publish(events.StageFinished, payload)

		if outcome.Status == sim.StageFailure {
			logger.Warn("stage failed",
				"stage", spec.Stage,
				"exit_code", outcome.ExitCode,
				"missing", outcome.Missing,
				"error", outcome.Err,
			)
			break
		}
		logger.Info("stage finished", "stage", spec.Stage, "duration", outcome.Duration)
	}

	return run
}

func (c *Controller) publish(eventType string, payload events.StagePayload) {
	if c.hub != nil {
		c.hub.Publish(eventType, payload)
	}
}

func missingArtifacts(paths []string) []string {
	var missing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			missing = append(missing, p)
		}
	}
	return missing
}
