// Package sim defines the vocabulary shared by every stage of a simulation
// invocation: backends, tasks, testbench descriptors, command specs, stage
// outcomes and verdicts.
package sim

import (
	"fmt"
	"strings"
	"time"
)

// Backend selects one family of external simulation tools.
type Backend string

const (
	// EventDrivenSim is the open-source event-driven simulator (Icarus Verilog).
	EventDrivenSim Backend = "icarus"
	// CommercialSim is the commercial simulator/GUI suite (Questa).
	CommercialSim Backend = "questa"
	// CompiledSim is the cycle-accurate compiled simulator (Verilator).
	CompiledSim Backend = "verilator"
)

// Backends lists every known backend in a stable order.
func Backends() []Backend {
	return []Backend{EventDrivenSim, CommercialSim, CompiledSim}
}

// ParseBackend maps a tool name to a Backend.
func ParseBackend(name string) (Backend, error) {
	b := Backend(strings.ToLower(strings.TrimSpace(name)))
	switch b {
	case EventDrivenSim, CommercialSim, CompiledSim:
		return b, nil
	}
	return "", &ConfigurationError{Msg: fmt.Sprintf("unknown tool %q (expected one of icarus, questa, verilator)", name)}
}

// Task is the operation requested for a backend.
type Task string

const (
	TaskLint         Task = "lint"
	TaskBuild        Task = "build"
	TaskRun          Task = "run"
	TaskClean        Task = "clean"
	TaskViewWaveform Task = "view"
)

// Tasks lists every known task in a stable order.
func Tasks() []Task {
	return []Task{TaskLint, TaskBuild, TaskRun, TaskClean, TaskViewWaveform}
}

// TestBench describes the HDL inputs of one simulation. The core never reads
// the files it names.
type TestBench struct {
	Name        string   `yaml:"name" json:"name"`
	Top         string   `yaml:"top" json:"top"`
	Sources     []string `yaml:"sources" json:"sources"`
	IncludeDirs []string `yaml:"include_dirs,omitempty" json:"include_dirs,omitempty"`
}

// TopModule returns the entry design unit, defaulting to the testbench name.
func (tb TestBench) TopModule() string {
	if tb.Top != "" {
		return tb.Top
	}
	return tb.Name
}

// CommandSpec is one fully determined external process invocation.
type CommandSpec struct {
	// Stage names the invocation within its pipeline (e.g. "generate").
	Stage string
	Argv  []string
	Dir   string
	// Produces lists artifacts the stage must leave behind on success.
	Produces []string
}

// String renders the argv for logs and reports.
func (c CommandSpec) String() string {
	return strings.Join(c.Argv, " ")
}

// StageStatus is the outcome of a single stage.
type StageStatus string

const (
	StageSuccess StageStatus = "success"
	StageFailure StageStatus = "failure"
)

// StageOutcome records what happened when one CommandSpec executed.
type StageOutcome struct {
	Stage    string
	Command  string
	Status   StageStatus
	ExitCode int
	Stdout   string
	Stderr   string
	// Missing lists declared artifacts absent after a zero exit.
	Missing  []string
	Err      string
	Duration time.Duration
}

// Run is the result of executing one or more CommandSpecs.
type Run struct {
	Backend  Backend
	Task     Task
	Stdout   string
	ExitCode int
	Stages   []StageOutcome
}

// Terminal returns the last stage that executed, if any.
func (r Run) Terminal() (StageOutcome, bool) {
	if len(r.Stages) == 0 {
		return StageOutcome{}, false
	}
	return r.Stages[len(r.Stages)-1], true
}

// Failed reports whether any stage failed.
func (r Run) Failed() bool {
	t, ok := r.Terminal()
	return ok && t.Status == StageFailure
}

// Outcome is the Pass/Fail half of a Verdict.
type Outcome string

const (
	Pass Outcome = "PASS"
	Fail Outcome = "FAIL"
)

// Reason explains a Fail verdict.
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonNonzeroExit     Reason = "nonzero-exit"
	ReasonFailKeyword     Reason = "fail-keyword-detected"
	ReasonMissingArtifact Reason = "missing-required-artifact"
)

// Verdict is the classified result of a Run.
type Verdict struct {
	Outcome Outcome
	Reason  Reason
}

// Passed reports whether the verdict is Pass.
func (v Verdict) Passed() bool { return v.Outcome == Pass }

func (v Verdict) String() string {
	if v.Reason == ReasonNone {
		return string(v.Outcome)
	}
	return fmt.Sprintf("%s (%s)", v.Outcome, v.Reason)
}
