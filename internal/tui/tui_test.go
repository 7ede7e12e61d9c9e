package tui

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattjoyce/simrig/internal/events"
	"github.com/mattjoyce/simrig/internal/sim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func publishRun(hub *events.Hub, runID, tb string, failCompile bool) {
	hub.Publish(events.RunStarted, events.RunPayload{RunID: runID, Backend: "verilator", Task: "run", TestBench: tb})
	hub.Publish(events.StageStarted, events.StagePayload{RunID: runID, Stage: "generate", Index: 1, Total: 3, Command: "verilator --cc"})
	hub.Publish(events.StageFinished, events.StagePayload{RunID: runID, Stage: "generate", Index: 1, Total: 3, Status: "success", DurationMS: 1200})
	hub.Publish(events.StageStarted, events.StagePayload{RunID: runID, Stage: "compile", Index: 2, Total: 3, Command: "make -C obj_dir"})
	if failCompile {
		hub.Publish(events.StageFinished, events.StagePayload{RunID: runID, Stage: "compile", Index: 2, Total: 3, Status: "failure", ExitCode: 2})
		hub.Publish(events.RunFinished, events.RunPayload{RunID: runID, Backend: "verilator", Task: "run", TestBench: tb, Verdict: "FAIL (nonzero-exit)", ExitCode: 2})
	}
}

func feed(t *testing.T, m Model, hub *events.Hub) Model {
	t.Helper()
	for _, ev := range hub.SnapshotSince(0) {
		next, _ := m.Update(eventMsg(ev))
		m = next.(Model)
	}
	return m
}

func TestModelTracksStages(t *testing.T) {
	hub := events.NewHub(32)
	publishRun(hub, "run-1", "led_tb", false)

	m := feed(t, NewMonitor(nil), hub)

	require.Len(t, m.runs, 1)
	run := m.runs[0]
	assert.Equal(t, "led_tb", run.TestBench)
	assert.False(t, run.Finished)
	require.Len(t, run.Stages, 2)
	assert.Equal(t, "success", run.Stages[0].Status)
	assert.Equal(t, "running", run.Stages[1].Status)

	view := m.View()
	assert.Contains(t, view, "led_tb")
	assert.Contains(t, view, "1/3 generate")
	assert.Contains(t, view, "1.2s")
	assert.Contains(t, view, "make -C obj_dir")
}

func TestModelSeparatesConcurrentRuns(t *testing.T) {
	hub := events.NewHub(64)
	publishRun(hub, "run-a", "alu_tb", false)
	publishRun(hub, "run-b", "uart_tb", true)

	m := feed(t, NewMonitor(nil), hub)

	require.Len(t, m.runs, 2)
	assert.Len(t, m.byID["run-a"].Stages, 2)
	b := m.byID["run-b"]
	assert.True(t, b.Finished)
	assert.Equal(t, 2, b.ExitCode)
	assert.Equal(t, "failure", b.Stages[1].Status)

	view := m.View()
	assert.Contains(t, view, "FAIL (nonzero-exit) [exit 2]")
	assert.Contains(t, view, "exit 2")
}

func TestModelQuitsWhenSubscriptionCloses(t *testing.T) {
	m := NewMonitor(nil)
	next, cmd := m.Update(closedMsg{})
	require.NotNil(t, cmd)
	assert.True(t, next.(Model).done)
	assert.Equal(t, tea.Quit(), cmd())
}

func TestRunReturnsWorkError(t *testing.T) {
	hub := events.NewHub(32)
	var out bytes.Buffer
	wantErr := errors.New("compile failed")

	err := Run(context.Background(), hub, &out, func(ctx context.Context) error {
		publishRun(hub, "run-1", "led_tb", true)
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)
}

func TestModelReplaysDroppedEvents(t *testing.T) {
	hub := events.NewHub(32)
	publishRun(hub, "run-1", "led_tb", true)
	all := hub.SnapshotSince(0)
	require.Len(t, all, 6)

	m := NewMonitor(nil)
	m.replay = hub.SnapshotSince
	// Only the first and last events reach the subscriber.
	for _, ev := range []events.Event{all[0], all[5]} {
		next, _ := m.Update(eventMsg(ev))
		m = next.(Model)
	}

	require.Len(t, m.runs, 1)
	run := m.runs[0]
	assert.True(t, run.Finished)
	require.Len(t, run.Stages, 2)
	assert.Equal(t, "success", run.Stages[0].Status)
	assert.Equal(t, "failure", run.Stages[1].Status)
	assert.Equal(t, all[5].ID, m.lastID)

	// Redelivered events are ignored.
	next, _ := m.Update(eventMsg(all[2]))
	assert.Equal(t, "failure", next.(Model).runs[0].Stages[1].Status)
}

func TestLogProgramError(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	logProgramError(logger, nil)
	logProgramError(logger, tea.ErrProgramKilled)
	assert.Empty(t, buf.String())

	logProgramError(logger, errors.New("open /dev/tty: no such device"))
	assert.Contains(t, buf.String(), "progress view stopped")
	assert.Contains(t, buf.String(), "/dev/tty")
}

func TestVerdictLine(t *testing.T) {
	theme := NewDefaultTheme()

	pass := VerdictLine(theme, "led_tb", sim.CompiledSim, sim.TaskRun, sim.Verdict{Outcome: sim.Pass}, 0)
	assert.Contains(t, pass, "PASS")
	assert.Contains(t, pass, "led_tb (verilator/run)")

	fail := VerdictLine(theme, "", sim.EventDrivenSim, sim.TaskRun,
		sim.Verdict{Outcome: sim.Fail, Reason: sim.ReasonFailKeyword}, 1)
	assert.Contains(t, fail, "FAIL")
	assert.Contains(t, fail, "<file lists> (icarus/run)")
	assert.Contains(t, fail, "fail-keyword-detected, exit 1")
}

func TestPrintSummary(t *testing.T) {
	var out bytes.Buffer
	PrintSummary(&out, NewDefaultTheme(), sim.CompiledSim, sim.TaskRun, []SuiteLine{
		{Name: "alu_tb", Verdict: sim.Verdict{Outcome: sim.Pass}},
		{Name: "uart_tb", Verdict: sim.Verdict{Outcome: sim.Fail, Reason: sim.ReasonNonzeroExit}, ExitCode: 2, Err: errors.New(`stage "compile" failed`)},
	})

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], "alu_tb")
	assert.Contains(t, lines[2], `stage "compile" failed`)
	assert.Contains(t, lines[3], "1/2 testbenches passed")
}
