package classify

import (
	"testing"

	"github.com/mattjoyce/simrig/internal/sim"
	"github.com/stretchr/testify/assert"
)

func TestOutput(t *testing.T) {
	tests := []struct {
		name     string
		exitCode int
		stdout   string
		want     sim.Verdict
	}{
		{
			name:   "clean pass",
			stdout: "All tests PASSED\n",
			want:   sim.Verdict{Outcome: sim.Pass},
		},
		{
			name:   "fail token with zero exit",
			stdout: "Test 3 FAIL: expected 1 got 0\n",
			want:   sim.Verdict{Outcome: sim.Fail, Reason: sim.ReasonFailKeyword},
		},
		{
			name:     "non-zero exit wins over output",
			exitCode: 1,
			stdout:   "PASS\n",
			want:     sim.Verdict{Outcome: sim.Fail, Reason: sim.ReasonNonzeroExit},
		},
		{
			name:     "non-zero exit with fail token",
			exitCode: 3,
			stdout:   "FAIL\n",
			want:     sim.Verdict{Outcome: sim.Fail, Reason: sim.ReasonNonzeroExit},
		},
		{
			name: "silent run passes",
			want: sim.Verdict{Outcome: sim.Pass},
		},
		{
			name:   "lowercase fail is not the token",
			stdout: "failure counters reset\n",
			want:   sim.Verdict{Outcome: sim.Pass},
		},
		{
			name:   "token inside a word still counts",
			stdout: "FAILED\n",
			want:   sim.Verdict{Outcome: sim.Fail, Reason: sim.ReasonFailKeyword},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Output(tt.exitCode, tt.stdout))
		})
	}
}

func TestClassifyUsesTerminalStageOnly(t *testing.T) {
	run := sim.Run{Stages: []sim.StageOutcome{
		{Stage: "compile", Status: sim.StageSuccess, Stdout: "warning: FAIL macro redefined\n"},
		{Stage: "execute", Status: sim.StageSuccess, Stdout: "done\n"},
	}}
	assert.Equal(t, sim.Verdict{Outcome: sim.Pass}, Classify(run))
}

func TestClassifyFailedStage(t *testing.T) {
	run := sim.Run{Stages: []sim.StageOutcome{
		{Stage: "generate", Status: sim.StageSuccess},
		{Stage: "compile", Status: sim.StageFailure, ExitCode: 2},
	}}
	v := Classify(run)
	assert.False(t, v.Passed())
	assert.Equal(t, sim.ReasonNonzeroExit, v.Reason)
}

func TestClassifyMissingArtifact(t *testing.T) {
	run := sim.Run{Stages: []sim.StageOutcome{
		{Stage: "compile", Status: sim.StageFailure, Missing: []string{"/w/sim/sim.out"}},
	}}
	assert.Equal(t, sim.Verdict{Outcome: sim.Fail, Reason: sim.ReasonMissingArtifact}, Classify(run))
}

func TestClassifyEmptyRun(t *testing.T) {
	assert.Equal(t, sim.Fail, Classify(sim.Run{}).Outcome)
}

func TestClassifyFailureWithoutExitCode(t *testing.T) {
	run := sim.Run{Stages: []sim.StageOutcome{{Stage: "execute", Status: sim.StageFailure, Err: "terminated"}}}
	assert.Equal(t, sim.Verdict{Outcome: sim.Fail, Reason: sim.ReasonNonzeroExit}, Classify(run))
}
