// Package harness exposes the simulation result contract to test runners:
// a single compiled artifact can be checked on its own, and a suite of
// testbenches can be run concurrently over disjoint workspace layouts.
package harness

import (
	"context"
	"fmt"

	"github.com/mattjoyce/simrig/internal/classify"
	"github.com/mattjoyce/simrig/internal/runner"
	"github.com/mattjoyce/simrig/internal/sim"
)

// StageCheck names the single stage of a harness check.
const StageCheck = "check"

// CheckResult is the outcome of running one artifact.
type CheckResult struct {
	Command  string
	ExitCode int
	Stdout   string
	Verdict  sim.Verdict
}

// Check runs artifact with args, captures stdout and classifies it. An
// artifact that cannot be started is reported as a *sim.ProcessFailure.
func Check(ctx context.Context, r runner.Runner, artifact string, args ...string) (CheckResult, error) {
	if artifact == "" {
		return CheckResult{ExitCode: 1}, &sim.ConfigurationError{Msg: "artifact is empty"}
	}

	spec := sim.CommandSpec{
		Stage: StageCheck,
		Argv:  append([]string{artifact}, args...),
	}
	res := r.Run(ctx, spec)

	out := CheckResult{
		Command:  spec.String(),
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
	}
	if res.Err != nil {
		if out.ExitCode == 0 {
			out.ExitCode = runner.SpawnFailedExitCode
		}
		out.Verdict = sim.Verdict{Outcome: sim.Fail, Reason: sim.ReasonNonzeroExit}
		return out, &sim.ProcessFailure{
			Stage:    StageCheck,
			Command:  out.Command,
			ExitCode: out.ExitCode,
			Output:   res.Stdout,
			Stderr:   fmt.Sprintf("%s%v", res.Stderr, res.Err),
		}
	}

	out.Verdict = classify.Output(res.ExitCode, res.Stdout)
	if !out.Verdict.Passed() && out.ExitCode == 0 {
		out.ExitCode = 1
	}
	return out, nil
}
