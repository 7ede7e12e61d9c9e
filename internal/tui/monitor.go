package tui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattjoyce/simrig/internal/events"
	"github.com/mattjoyce/simrig/internal/log"
)

// --- Types ---

type stageNode struct {
	Name     string
	Index    int
	Total    int
	Command  string
	Status   string
	ExitCode int
	Duration time.Duration
}

type runNode struct {
	ID        string
	Backend   string
	Task      string
	TestBench string
	Verdict   string
	ExitCode  int
	Finished  bool
	Stages    []*stageNode
}

// Model is the bubbletea model for live run progress.
type Model struct {
	width int

	runs  []*runNode
	byID  map[string]*runNode
	done  bool
	theme Theme

	spinner   spinner.Model
	hubEvents <-chan events.Event

	// lastID is the newest event applied. replay fetches buffered events
	// after an ID when the subscription dropped some.
	lastID int64
	replay func(afterID int64) []events.Event
}

type eventMsg events.Event
type closedMsg struct{}

// --- Init ---

// NewMonitor creates a Model reading from ch until it is closed.
func NewMonitor(ch <-chan events.Event) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	theme := NewDefaultTheme()
	sp.Style = theme.StatusRunning

	return Model{
		byID:      make(map[string]*runNode),
		theme:     theme,
		spinner:   sp,
		hubEvents: ch,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.receiveNextEvent())
}

// --- Update ---

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case eventMsg:
		ev := events.Event(msg)
		m.catchUp(ev.ID)
		m.apply(ev)
		return m, m.receiveNextEvent()

	case closedMsg:
		m.done = true
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// catchUp applies buffered events older than next that never reached the
// subscription. Publish drops events for a full subscriber.
func (m *Model) catchUp(next int64) {
	if m.replay == nil || next <= m.lastID+1 {
		return
	}
	for _, ev := range m.replay(m.lastID) {
		if ev.ID >= next {
			break
		}
		m.apply(ev)
	}
}

func (m *Model) apply(e events.Event) {
	if e.ID != 0 && e.ID <= m.lastID {
		return
	}
	m.handleEvent(e)
	if e.ID > m.lastID {
		m.lastID = e.ID
	}
}

func (m *Model) handleEvent(e events.Event) {
	switch e.Type {
	case events.RunStarted, events.RunFinished:
		var p events.RunPayload
		if err := e.Decode(&p); err != nil {
			return
		}
		run := m.run(p.RunID)
		run.Backend = p.Backend
		run.Task = p.Task
		run.TestBench = p.TestBench
		if e.Type == events.RunFinished {
			run.Finished = true
			run.Verdict = p.Verdict
			run.ExitCode = p.ExitCode
		}

	case events.StageStarted, events.StageFinished:
		var p events.StagePayload
		if err := e.Decode(&p); err != nil {
			return
		}
		run := m.run(p.RunID)
		st := run.stage(p.Index)
		st.Name = p.Stage
		st.Total = p.Total
		st.Command = p.Command
		if e.Type == events.StageStarted {
			st.Status = "running"
			return
		}
		st.Status = p.Status
		st.ExitCode = p.ExitCode
		st.Duration = time.Duration(p.DurationMS) * time.Millisecond
	}
}

func (m *Model) run(id string) *runNode {
	if r, ok := m.byID[id]; ok {
		return r
	}
	r := &runNode{ID: id}
	m.byID[id] = r
	m.runs = append(m.runs, r)
	return r
}

func (r *runNode) stage(index int) *stageNode {
	for _, s := range r.Stages {
		if s.Index == index {
			return s
		}
	}
	s := &stageNode{Index: index}
	r.Stages = append(r.Stages, s)
	return s
}

// --- View ---

func (m Model) View() string {
	if len(m.runs) == 0 {
		if m.done {
			return ""
		}
		return m.spinner.View() + " waiting for simulation...\n"
	}

	blocks := make([]string, 0, len(m.runs))
	for _, r := range m.runs {
		blocks = append(blocks, m.renderRun(r))
	}
	return lipgloss.JoinVertical(lipgloss.Left, blocks...) + "\n"
}

func (m Model) renderRun(r *runNode) string {
	name := r.TestBench
	if name == "" {
		name = "<file lists>"
	}
	title := m.theme.Title.Render(name) + " " + m.theme.Dim.Render(fmt.Sprintf("%s/%s", r.Backend, r.Task))
	if r.Finished {
		title += "  " + m.renderVerdict(r.Verdict, r.ExitCode)
	}

	lines := []string{title}
	for _, s := range r.Stages {
		lines = append(lines, m.renderStage(s))
	}

	style := m.theme.Border
	if m.width > 4 {
		style = style.Width(m.width - 4)
	}
	return style.Render(strings.Join(lines, "\n"))
}

func (m Model) renderStage(s *stageNode) string {
	symbol := m.theme.StatusQueued.Render("○")
	switch s.Status {
	case "running":
		symbol = m.spinner.View()
	case "success":
		symbol = m.theme.StatusOK.Render("●")
	case "failure":
		symbol = m.theme.StatusFailed.Render("✗")
	}

	line := fmt.Sprintf("%s %d/%d %-9s", symbol, s.Index, s.Total, s.Name)
	switch s.Status {
	case "success":
		line += m.theme.Dim.Render(" " + s.Duration.String())
	case "failure":
		line += m.theme.StatusFailed.Render(fmt.Sprintf(" exit %d", s.ExitCode))
	case "running":
		line += m.theme.Dim.Render(" " + truncate(s.Command, 60))
	}
	return line
}

func (m Model) renderVerdict(verdict string, exitCode int) string {
	if strings.HasPrefix(verdict, "PASS") {
		return m.theme.StatusOK.Render(verdict)
	}
	return m.theme.StatusFailed.Render(fmt.Sprintf("%s [exit %d]", verdict, exitCode))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// --- Commands ---

func (m Model) receiveNextEvent() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.hubEvents
		if !ok {
			return closedMsg{}
		}
		return eventMsg(ev)
	}
}

// Run shows live progress for work, which publishes on hub. The view closes
// once work returns; work's error is returned.
func Run(ctx context.Context, hub *events.Hub, out io.Writer, work func(context.Context) error) error {
	ch, unsubscribe := hub.Subscribe()

	m := NewMonitor(ch)
	m.replay = hub.SnapshotSince
	p := tea.NewProgram(m,
		tea.WithContext(ctx),
		tea.WithOutput(out),
		tea.WithInput(nil),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- work(ctx)
		// Closing the subscription ends the program after the
		// buffered events are drawn.
		unsubscribe()
	}()

	_, err := p.Run()
	logProgramError(log.WithComponent("tui"), err)
	return <-errCh
}

// logProgramError reports a view that failed on its own; cancellation is
// not a failure.
func logProgramError(logger *slog.Logger, err error) {
	if err == nil || errors.Is(err, tea.ErrProgramKilled) {
		return
	}
	logger.Warn("progress view stopped", "error", err)
}
