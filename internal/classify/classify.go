// Package classify derives a Pass/Fail verdict from a finished run.
//
// Only the terminal stage is inspected. A run fails when that stage exited
// non-zero, left a declared artifact missing, or printed the literal token
// FAIL (case-sensitive) on stdout. The absence of a PASS token never makes a
// run fail.
package classify

import (
	"strings"

	"github.com/mattjoyce/simrig/internal/sim"
)

// FailToken is the output marker that forces a Fail verdict.
const FailToken = "FAIL"

// Classify evaluates the terminal stage of run. A run with no stages fails
// as a non-zero exit.
func Classify(run sim.Run) sim.Verdict {
	t, ok := run.Terminal()
	if !ok {
		return sim.Verdict{Outcome: sim.Fail, Reason: sim.ReasonNonzeroExit}
	}
	if t.ExitCode == 0 && len(t.Missing) > 0 {
		return sim.Verdict{Outcome: sim.Fail, Reason: sim.ReasonMissingArtifact}
	}
	if t.Status == sim.StageFailure && t.ExitCode == 0 {
		// A failed stage never passes.
		return sim.Verdict{Outcome: sim.Fail, Reason: sim.ReasonNonzeroExit}
	}
	return Output(t.ExitCode, t.Stdout)
}

// Output classifies a bare exit code and stdout. It is the contract the
// harness applies to compiled test artifacts.
func Output(exitCode int, stdout string) sim.Verdict {
	if exitCode != 0 {
		return sim.Verdict{Outcome: sim.Fail, Reason: sim.ReasonNonzeroExit}
	}
	if strings.Contains(stdout, FailToken) {
		return sim.Verdict{Outcome: sim.Fail, Reason: sim.ReasonFailKeyword}
	}
	return sim.Verdict{Outcome: sim.Pass}
}
