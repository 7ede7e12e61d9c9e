// Package waveform opens a backend's waveform file in its viewer.
package waveform

import (
	"context"
	"log/slog"
	"os"

	"github.com/mattjoyce/simrig/internal/compose"
	"github.com/mattjoyce/simrig/internal/log"
	"github.com/mattjoyce/simrig/internal/pipeline"
	"github.com/mattjoyce/simrig/internal/runner"
	"github.com/mattjoyce/simrig/internal/sim"
	"github.com/mattjoyce/simrig/internal/workspace"
)

// Viewer launches waveform viewers.
type Viewer struct {
	composer compose.Composer
	runner   runner.Runner
	logger   *slog.Logger
}

// New creates a Viewer.
func New(c compose.Composer, r runner.Runner) *Viewer {
	return &Viewer{
		composer: c,
		runner:   r,
		logger:   log.WithComponent("waveform"),
	}
}

// View opens the waveform tb left in l. When the waveform file does not exist
// no process is spawned and a *sim.MissingArtifactError is returned.
func (v *Viewer) View(ctx context.Context, b sim.Backend, tb sim.TestBench, l workspace.Layout) (sim.Run, error) {
	path, ok := compose.WaveformPath(b, tb, l)
	if !ok {
		return sim.Run{}, sim.Unsupported(b, sim.TaskViewWaveform, "backend has no persisted waveform format")
	}

	if _, err := os.Stat(path); err != nil {
		v.logger.Warn("waveform not found", "path", path, "backend", string(b))
		return sim.Run{}, &sim.MissingArtifactError{
			Path: path,
			Hint: "run the build/run task first to produce it",
		}
	}

	specs, err := v.composer.Compose(b, sim.TaskViewWaveform, tb, l)
	if err != nil {
		return sim.Run{}, err
	}

	v.logger.Info("opening waveform", "path", path, "backend", string(b))
	run := pipeline.New(v.runner, nil).Execute(ctx, specs)
	run.Backend = b
	run.Task = sim.TaskViewWaveform
	if pf := sim.FailureFrom(run); pf != nil {
		return run, pf
	}
	return run, nil
}
