package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/mattjoyce/simrig/internal/events"
	"github.com/mattjoyce/simrig/internal/runner"
	"github.com/mattjoyce/simrig/internal/runner/mocks"
	"github.com/mattjoyce/simrig/internal/sim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func threeStages() []sim.CommandSpec {
	return []sim.CommandSpec{
		{Stage: "generate", Argv: []string{"verilator"}},
		{Stage: "compile", Argv: []string{"make"}},
		{Stage: "execute", Argv: []string{"obj_dir/Vtb"}},
	}
}

func TestExecuteRunsAllStagesInOrder(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockRunner := mocks.NewMockRunner(ctrl)
	specs := threeStages()
	gomock.InOrder(
		mockRunner.EXPECT().Run(gomock.Any(), specs[0]).Return(runner.Result{}),
		mockRunner.EXPECT().Run(gomock.Any(), specs[1]).Return(runner.Result{}),
		mockRunner.EXPECT().Run(gomock.Any(), specs[2]).Return(runner.Result{Stdout: "PASS\n"}),
	)

	run := New(mockRunner, nil).Execute(context.Background(), specs)

	require.Len(t, run.Stages, 3)
	for i, st := range run.Stages {
		assert.Equal(t, specs[i].Stage, st.Stage)
		assert.Equal(t, sim.StageSuccess, st.Status)
	}
	assert.Equal(t, "PASS\n", run.Stdout)
	assert.Equal(t, 0, run.ExitCode)
	assert.False(t, run.Failed())
}

func TestExecuteStopsAtFirstFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockRunner := mocks.NewMockRunner(ctrl)
	specs := threeStages()
	gomock.InOrder(
		mockRunner.EXPECT().Run(gomock.Any(), specs[0]).Return(runner.Result{}),
		mockRunner.EXPECT().Run(gomock.Any(), specs[1]).Return(runner.Result{ExitCode: 2, Stderr: "make: *** Error 1"}),
	)
	// No expectation for the execute stage: calling it fails the test.

	run := New(mockRunner, nil).Execute(context.Background(), specs)

	require.Len(t, run.Stages, 2)
	assert.Equal(t, sim.StageSuccess, run.Stages[0].Status)
	assert.Equal(t, sim.StageFailure, run.Stages[1].Status)
	assert.Equal(t, 2, run.ExitCode)
	assert.True(t, run.Failed())

	pf := sim.FailureFrom(run)
	require.NotNil(t, pf)
	assert.Equal(t, "compile", pf.Stage)
	assert.Equal(t, "make: *** Error 1", pf.Stderr)
}

func TestExecuteFailsOnFirstStage(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockRunner := mocks.NewMockRunner(ctrl)
	specs := threeStages()
	mockRunner.EXPECT().Run(gomock.Any(), specs[0]).Return(runner.Result{ExitCode: 1})

	run := New(mockRunner, nil).Execute(context.Background(), specs)

	require.Len(t, run.Stages, 1)
	assert.Equal(t, sim.StageFailure, run.Stages[0].Status)
}

func TestExecuteSpawnErrorIsFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockRunner := mocks.NewMockRunner(ctrl)
	specs := threeStages()
	mockRunner.EXPECT().Run(gomock.Any(), specs[0]).Return(runner.Result{Err: errors.New("exec: not found")})

	run := New(mockRunner, nil).Execute(context.Background(), specs)

	require.Len(t, run.Stages, 1)
	assert.Equal(t, sim.StageFailure, run.Stages[0].Status)
	assert.Equal(t, runner.SpawnFailedExitCode, run.ExitCode)
	assert.Equal(t, "exec: not found", run.Stages[0].Err)
}

func TestExecuteMissingArtifactStopsPipeline(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	dir := t.TempDir()
	present := filepath.Join(dir, "Vtb.mk")
	require.NoError(t, os.WriteFile(present, nil, 0o644))
	absent := filepath.Join(dir, "Vtb")

	specs := threeStages()
	specs[0].Produces = []string{present}
	specs[1].Produces = []string{absent}

	mockRunner := mocks.NewMockRunner(ctrl)
	gomock.InOrder(
		mockRunner.EXPECT().Run(gomock.Any(), specs[0]).Return(runner.Result{}),
		mockRunner.EXPECT().Run(gomock.Any(), specs[1]).Return(runner.Result{}),
	)

	run := New(mockRunner, nil).Execute(context.Background(), specs)

	require.Len(t, run.Stages, 2)
	assert.Equal(t, sim.StageFailure, run.Stages[1].Status)
	assert.Equal(t, []string{absent}, run.Stages[1].Missing)
	assert.Equal(t, 0, run.ExitCode)
}

func TestExecuteEmptySpecs(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	run := New(mocks.NewMockRunner(ctrl), nil).Execute(context.Background(), nil)
	assert.Empty(t, run.Stages)
	_, ok := run.Terminal()
	assert.False(t, ok)
}

func TestExecutePublishesStageEvents(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mockRunner := mocks.NewMockRunner(ctrl)
	specs := threeStages()[:2]
	mockRunner.EXPECT().Run(gomock.Any(), gomock.Any()).Return(runner.Result{}).Times(2)

	hub := events.NewHub(16)
	ctx := WithRunID(context.Background(), "run-1")
	New(mockRunner, hub).Execute(ctx, specs)

	snap := hub.SnapshotSince(0)
	require.Len(t, snap, 4)
	assert.Equal(t, events.StageStarted, snap[0].Type)
	assert.Equal(t, events.StageFinished, snap[1].Type)
	assert.Equal(t, events.StageStarted, snap[2].Type)
	assert.Equal(t, events.StageFinished, snap[3].Type)

	var p events.StagePayload
	require.NoError(t, snap[3].Decode(&p))
	assert.Equal(t, "run-1", p.RunID)
	assert.Equal(t, "compile", p.Stage)
	assert.Equal(t, 2, p.Index)
	assert.Equal(t, 2, p.Total)
	assert.Equal(t, string(sim.StageSuccess), p.Status)
}
