package waveform

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/mattjoyce/simrig/internal/compose"
	"github.com/mattjoyce/simrig/internal/config"
	"github.com/mattjoyce/simrig/internal/runner"
	"github.com/mattjoyce/simrig/internal/runner/mocks"
	"github.com/mattjoyce/simrig/internal/sim"
	"github.com/mattjoyce/simrig/internal/workspace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (workspace.Layout, compose.Composer) {
	t.Helper()
	root := t.TempDir()
	l := workspace.Layout{
		Root:     root,
		SimDir:   filepath.Join(root, "sim"),
		ModelDir: filepath.Join(root, "obj_dir"),
		LibDir:   filepath.Join(root, "work"),
	}
	return l, compose.New(config.Defaults().Tools, root)
}

var tb = sim.TestBench{Name: "led_tb", Top: "tb", Sources: []string{"led.sv"}}

func TestViewMissingWaveformDoesNotSpawn(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	l, c := setup(t)
	// Any call on the mock fails the test.
	mockRunner := mocks.NewMockRunner(ctrl)

	for _, b := range []sim.Backend{sim.CommercialSim, sim.CompiledSim} {
		_, err := New(c, mockRunner).View(context.Background(), b, tb, l)
		require.Error(t, err)
		assert.ErrorIs(t, err, sim.ErrMissingArtifact)

		var missing *sim.MissingArtifactError
		require.ErrorAs(t, err, &missing)
		assert.Contains(t, missing.Error(), "build/run")
	}
}

func TestViewUnsupportedBackend(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	l, c := setup(t)
	_, err := New(c, mocks.NewMockRunner(ctrl)).View(context.Background(), sim.EventDrivenSim, tb, l)
	assert.ErrorIs(t, err, sim.ErrConfiguration)
}

func TestViewSpawnsViewer(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	l, c := setup(t)
	require.NoError(t, os.MkdirAll(l.SimDir, 0o755))
	require.NoError(t, os.WriteFile(l.WaveDB(), []byte("wlf"), 0o644))

	mockRunner := mocks.NewMockRunner(ctrl)
	mockRunner.EXPECT().Run(gomock.Any(), sim.CommandSpec{
		Stage: compose.StageView,
		Argv:  []string{"vsim", "-view", l.WaveDB()},
		Dir:   l.Root,
	}).Return(runner.Result{})

	run, err := New(c, mockRunner).View(context.Background(), sim.CommercialSim, tb, l)
	require.NoError(t, err)
	assert.Equal(t, sim.TaskViewWaveform, run.Task)
	require.Len(t, run.Stages, 1)
}

func TestViewViewerFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	l, c := setup(t)
	require.NoError(t, os.MkdirAll(l.SimDir, 0o755))
	require.NoError(t, os.WriteFile(l.Trace("tb"), []byte("$date"), 0o644))

	mockRunner := mocks.NewMockRunner(ctrl)
	mockRunner.EXPECT().Run(gomock.Any(), gomock.Any()).Return(runner.Result{ExitCode: 1})

	_, err := New(c, mockRunner).View(context.Background(), sim.CompiledSim, tb, l)
	assert.ErrorIs(t, err, sim.ErrProcessFailure)
}
