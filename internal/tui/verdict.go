package tui

import (
	"fmt"
	"io"

	"github.com/mattjoyce/simrig/internal/sim"
)

// VerdictLine renders one coloured result line, e.g.
// "PASS  led_tb (verilator/run)".
func VerdictLine(theme Theme, name string, backend sim.Backend, task sim.Task, v sim.Verdict, exitCode int) string {
	if name == "" {
		name = "<file lists>"
	}
	label := fmt.Sprintf("%s (%s/%s)", name, backend, task)
	if v.Passed() {
		return theme.StatusOK.Render("PASS") + "  " + label
	}
	outcome := string(v.Outcome)
	if outcome == "" {
		outcome = string(sim.Fail)
	}
	detail := fmt.Sprintf(" exit %d", exitCode)
	if v.Reason != sim.ReasonNone {
		detail = fmt.Sprintf(" %s, exit %d", v.Reason, exitCode)
	}
	return theme.StatusFailed.Render(outcome) + "  " + label + theme.Dim.Render(detail)
}

// SuiteLine is one testbench in a suite summary.
type SuiteLine struct {
	Name     string
	Verdict  sim.Verdict
	ExitCode int
	Err      error
}

// PrintSummary writes one verdict line per testbench and a totals line.
func PrintSummary(w io.Writer, theme Theme, backend sim.Backend, task sim.Task, lines []SuiteLine) {
	passed := 0
	for _, l := range lines {
		fmt.Fprintln(w, VerdictLine(theme, l.Name, backend, task, l.Verdict, l.ExitCode))
		if l.Err != nil {
			fmt.Fprintln(w, theme.Dim.Render("      "+l.Err.Error()))
		}
		if l.Verdict.Passed() {
			passed++
		}
	}
	summary := fmt.Sprintf("%d/%d testbenches passed", passed, len(lines))
	if passed == len(lines) {
		fmt.Fprintln(w, theme.StatusOK.Render(summary))
		return
	}
	fmt.Fprintln(w, theme.StatusFailed.Render(summary))
}
