// Package inspect renders a recorded simulation run for humans and tools.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattjoyce/simrig/internal/history"
	"github.com/mattjoyce/simrig/internal/sim"
	"github.com/mattjoyce/simrig/internal/workspace"
)

// RunSource loads recorded runs. *history.Store implements it.
type RunSource interface {
	Get(ctx context.Context, idOrPrefix string) (*history.Record, error)
}

// outputTail is how much stage output the text report shows.
const outputTail = 20

// Report is the structured JSON representation of a run report.
type Report struct {
	RunID       string     `json:"run_id"`
	Backend     string     `json:"backend"`
	Task        string     `json:"task"`
	TestBench   string     `json:"testbench"`
	Status      string     `json:"status"`
	Verdict     string     `json:"verdict,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	ExitCode    int        `json:"exit_code"`
	InputDigest string     `json:"input_digest,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	LayoutRoot  string     `json:"layout_root"`
	Artifacts   []string   `json:"artifacts"`
	Stages      []Step     `json:"stages"`
}

// Step is one stage of the run.
type Step struct {
	Seq        int      `json:"seq"`
	Stage      string   `json:"stage"`
	Command    string   `json:"command"`
	Status     string   `json:"status"`
	ExitCode   int      `json:"exit_code"`
	DurationMS int64    `json:"duration_ms"`
	Missing    []string `json:"missing,omitempty"`
	Error      string   `json:"error,omitempty"`
	Stdout     string   `json:"stdout,omitempty"`
	Stderr     string   `json:"stderr,omitempty"`
}

// BuildReport renders a terminal-friendly report for a run. ws, when set,
// lists the artifacts currently present in the run's layout.
func BuildReport(ctx context.Context, src RunSource, ws workspace.Manager, runID string) (string, error) {
	report, err := gatherReportData(ctx, src, ws, runID)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Run Report\n")
	fmt.Fprintf(&out, "Run ID      : %s\n", report.RunID)
	fmt.Fprintf(&out, "Backend     : %s\n", report.Backend)
	fmt.Fprintf(&out, "Task        : %s\n", report.Task)
	fmt.Fprintf(&out, "Testbench   : %s\n", renderUnset(report.TestBench, "<none>"))
	fmt.Fprintf(&out, "Status      : %s\n", report.Status)
	fmt.Fprintf(&out, "Verdict     : %s\n", renderVerdict(report.Verdict, report.Reason))
	fmt.Fprintf(&out, "Exit code   : %d\n", report.ExitCode)
	fmt.Fprintf(&out, "Started     : %s\n", report.CreatedAt.Format(time.RFC3339))
	if report.CompletedAt != nil {
		fmt.Fprintf(&out, "Duration    : %s\n", report.CompletedAt.Sub(report.CreatedAt).Round(time.Millisecond))
	}
	if report.InputDigest != "" {
		fmt.Fprintf(&out, "Inputs      : blake3:%s\n", report.InputDigest)
	}
	if report.LastError != "" {
		fmt.Fprintf(&out, "Error       : %s\n", report.LastError)
	}
	fmt.Fprintf(&out, "Layout      : %s\n", report.LayoutRoot)
	if len(report.Artifacts) == 0 {
		fmt.Fprintf(&out, "Artifacts   : <none>\n")
	} else {
		fmt.Fprintf(&out, "Artifacts   :\n")
		for _, artifact := range report.Artifacts {
			fmt.Fprintf(&out, "  - %s\n", artifact)
		}
	}
	fmt.Fprintf(&out, "\n")

	for _, step := range report.Stages {
		fmt.Fprintf(&out, "[%d] %s (%s, exit %d, %dms)\n", step.Seq, step.Stage, step.Status, step.ExitCode, step.DurationMS)
		fmt.Fprintf(&out, "    command : %s\n", step.Command)
		if len(step.Missing) > 0 {
			fmt.Fprintf(&out, "    missing : %s\n", strings.Join(step.Missing, ", "))
		}
		if step.Error != "" {
			fmt.Fprintf(&out, "    error   : %s\n", step.Error)
		}
		writeTail(&out, "stdout", step.Stdout)
		writeTail(&out, "stderr", step.Stderr)
		fmt.Fprintf(&out, "\n")
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable JSON run report.
func BuildJSONReport(ctx context.Context, src RunSource, ws workspace.Manager, runID string) (string, error) {
	report, err := gatherReportData(ctx, src, ws, runID)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gatherReportData(ctx context.Context, src RunSource, ws workspace.Manager, runID string) (*Report, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, fmt.Errorf("run_id is required")
	}

	rec, err := src.Get(ctx, runID)
	if err != nil {
		return nil, err
	}

	report := &Report{
		RunID:       rec.ID,
		Backend:     rec.Backend,
		Task:        rec.Task,
		TestBench:   rec.TestBench,
		Status:      string(rec.Status),
		Verdict:     rec.Verdict,
		Reason:      rec.Reason,
		ExitCode:    rec.ExitCode,
		InputDigest: rec.InputDigest,
		CreatedAt:   rec.CreatedAt,
		CompletedAt: rec.CompletedAt,
		LayoutRoot:  rec.LayoutRoot,
		Artifacts:   make([]string, 0),
		Stages:      make([]Step, 0, len(rec.Stages)),
	}
	if rec.LastError != nil {
		report.LastError = *rec.LastError
	}

	if ws != nil && rec.LayoutRoot != "" {
		artifacts, err := artifactsFor(ctx, ws, rec)
		if err != nil {
			return nil, fmt.Errorf("list artifacts: %w", err)
		}
		report.Artifacts = artifacts
	}

	for _, st := range rec.Stages {
		report.Stages = append(report.Stages, Step{
			Seq:        st.Seq,
			Stage:      st.Stage,
			Command:    st.Command,
			Status:     st.Status,
			ExitCode:   st.ExitCode,
			DurationMS: st.Duration.Milliseconds(),
			Missing:    st.Missing,
			Error:      st.LastError,
			Stdout:     st.Stdout,
			Stderr:     st.Stderr,
		})
	}

	return report, nil
}

func writeTail(out *strings.Builder, label, text string) {
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return
	}
	lines := strings.Split(text, "\n")
	if len(lines) > outputTail {
		fmt.Fprintf(out, "    %s  : (last %d of %d lines)\n", label, outputTail, len(lines))
		lines = lines[len(lines)-outputTail:]
	} else {
		fmt.Fprintf(out, "    %s  :\n", label)
	}
	for _, line := range lines {
		fmt.Fprintf(out, "      %s\n", line)
	}
}

// artifactsFor lists files in the recorded layout. The manager supplies the
// directory names; the root comes from the record so namespaced suite runs
// resolve to their own layout.
func artifactsFor(ctx context.Context, ws workspace.Manager, rec *history.Record) ([]string, error) {
	l, err := ws.Layout(sim.TestBench{Name: rec.TestBench})
	if err != nil {
		return nil, err
	}
	rebased := workspace.Layout{Root: rec.LayoutRoot}
	for src, dst := range map[string]*string{l.SimDir: &rebased.SimDir, l.ModelDir: &rebased.ModelDir, l.LibDir: &rebased.LibDir} {
		rel, err := filepath.Rel(l.Root, src)
		if err != nil {
			return nil, err
		}
		*dst = filepath.Join(rec.LayoutRoot, rel)
	}
	artifacts, err := ws.Artifacts(ctx, rebased)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		out = append(out, filepath.ToSlash(a))
	}
	return out, nil
}

func renderVerdict(verdict, reason string) string {
	if verdict == "" {
		return "<none>"
	}
	if reason == "" {
		return verdict
	}
	return verdict + " (" + reason + ")"
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
