// Package compose turns a (backend, task, testbench, layout) request into the
// ordered external tool invocations that carry it out. It never touches the
// filesystem or spawns anything.
package compose

import (
	"fmt"
	"os"
	"strings"

	"github.com/mattjoyce/simrig/internal/config"
	"github.com/mattjoyce/simrig/internal/sim"
	"github.com/mattjoyce/simrig/internal/workspace"
)

// Stage names used in CommandSpecs.
const (
	StageLint     = "lint"
	StageLibrary  = "library"
	StageGenerate = "generate"
	StageCompile  = "compile"
	StageExecute  = "execute"
	StageSimulate = "simulate"
	StageView     = "view"
)

// DefaultQuestaTop is the design unit vsim elaborates when the testbench
// names none.
const DefaultQuestaTop = "testbench"

// Composer builds CommandSpecs from tool settings.
type Composer struct {
	Tools config.ToolsConfig
	// ProjectDir is the working directory for tools that resolve file list
	// entries relative to the project.
	ProjectDir string
	// GUI opens the commercial simulator interactively instead of in batch.
	GUI bool
}

// New returns a Composer for tools rooted at projectDir.
func New(tools config.ToolsConfig, projectDir string) Composer {
	return Composer{Tools: tools, ProjectDir: projectDir}
}

// Supported reports whether backend b implements task t through external
// tools. Clean is handled by the workspace and is never composed.
func Supported(b sim.Backend, t sim.Task) bool {
	switch t {
	case sim.TaskLint, sim.TaskBuild, sim.TaskRun:
		return b == sim.EventDrivenSim || b == sim.CommercialSim || b == sim.CompiledSim
	case sim.TaskViewWaveform:
		return b == sim.CommercialSim || b == sim.CompiledSim
	default:
		return false
	}
}

// WaveformPath returns where backend b leaves the waveform for tb. The
// event-driven backend has no persisted waveform format.
func WaveformPath(b sim.Backend, tb sim.TestBench, l workspace.Layout) (string, bool) {
	switch b {
	case sim.CommercialSim:
		return l.WaveDB(), true
	case sim.CompiledSim:
		return l.Trace(tb.TopModule()), true
	default:
		return "", false
	}
}

// Compose returns the ordered CommandSpecs for task t on backend b. The
// result is non-empty for every supported pair; unsupported pairs return a
// *sim.ConfigurationError.
func (c Composer) Compose(b sim.Backend, t sim.Task, tb sim.TestBench, l workspace.Layout) ([]sim.CommandSpec, error) {
	if !Supported(b, t) {
		detail := ""
		switch t {
		case sim.TaskClean:
			detail = "clean removes workspace directories and runs no tool"
		case sim.TaskViewWaveform:
			detail = "backend has no persisted waveform format"
		}
		return nil, sim.Unsupported(b, t, detail)
	}
	switch b {
	case sim.EventDrivenSim:
		return c.icarus(t, tb, l)
	case sim.CommercialSim:
		return c.questa(t, tb, l)
	case sim.CompiledSim:
		return c.verilator(t, tb, l)
	}
	return nil, sim.Unsupported(b, t, "")
}

func (c Composer) icarus(t sim.Task, tb sim.TestBench, l workspace.Layout) ([]sim.CommandSpec, error) {
	ic := c.Tools.Icarus

	switch t {
	case sim.TaskLint:
		argv := []string{ic.Compiler, "-t", "null", "-Wall", "-o", os.DevNull}
		inputs, err := inputArgs(sim.EventDrivenSim, t, "-c", ic.LintFileList, tb)
		if err != nil {
			return nil, err
		}
		argv = append(argv, includeArgs(tb)...)
		argv = append(argv, inputs...)
		return []sim.CommandSpec{{Stage: StageLint, Argv: argv, Dir: c.ProjectDir}}, nil

	default:
		image := l.SimImage()
		argv := []string{ic.Compiler, "-o", image}
		if tb.Top != "" {
			argv = append(argv, "-s", tb.Top)
		}
		inputs, err := inputArgs(sim.EventDrivenSim, t, "-c", ic.SimFileList, tb)
		if err != nil {
			return nil, err
		}
		argv = append(argv, includeArgs(tb)...)
		argv = append(argv, inputs...)

		return []sim.CommandSpec{
			{Stage: StageCompile, Argv: argv, Dir: c.ProjectDir, Produces: []string{image}},
			{Stage: StageExecute, Argv: []string{ic.Runtime, image}, Dir: c.ProjectDir},
		}, nil
	}
}

func (c Composer) questa(t sim.Task, tb sim.TestBench, l workspace.Layout) ([]sim.CommandSpec, error) {
	q := c.Tools.Questa

	switch t {
	case sim.TaskLint:
		if q.LintMode == "native" {
			argv := []string{q.Vlog, "-lint", "-work", l.LibDir}
			inputs, err := inputArgs(sim.CommercialSim, t, "-f", q.LintFileList, tb)
			if err != nil {
				return nil, err
			}
			argv = append(argv, includeArgs(tb)...)
			argv = append(argv, inputs...)
			return []sim.CommandSpec{
				c.questaLibrary(l),
				{Stage: StageLint, Argv: argv, Dir: c.ProjectDir},
			}, nil
		}
		if q.LintDo == "" {
			return nil, &sim.ConfigurationError{Backend: sim.CommercialSim, Task: t, Msg: "tools.questa.lint_do is not set"}
		}
		return []sim.CommandSpec{{
			Stage: StageLint,
			Argv:  []string{q.Vsim, "-c", "-do", q.LintDo},
			Dir:   c.ProjectDir,
		}}, nil

	case sim.TaskBuild:
		argv := []string{q.Vlog, "-work", l.LibDir}
		inputs, err := inputArgs(sim.CommercialSim, t, "-f", q.SimFileList, tb)
		if err != nil {
			return nil, err
		}
		argv = append(argv, includeArgs(tb)...)
		argv = append(argv, inputs...)
		return []sim.CommandSpec{
			c.questaLibrary(l),
			{Stage: StageCompile, Argv: argv, Dir: c.ProjectDir},
		}, nil

	case sim.TaskRun:
		if q.SimDo == "" {
			return nil, &sim.ConfigurationError{Backend: sim.CommercialSim, Task: t, Msg: "tools.questa.sim_do is not set"}
		}
		mode := "-c"
		if c.GUI {
			mode = "-gui"
		}
		argv := []string{q.Vsim}
		if q.VoptArgs != "" {
			argv = append(argv, "-voptargs="+q.VoptArgs)
		}
		argv = append(argv,
			"-wlf", l.WaveDB(),
			mode,
			"-lib", l.LibDir,
			"work."+questaTop(tb),
			"-do", q.SimDo,
			"-l", l.Transcript(),
		)
		return []sim.CommandSpec{{Stage: StageSimulate, Argv: argv, Dir: c.ProjectDir}}, nil

	default:
		return []sim.CommandSpec{{
			Stage: StageView,
			Argv:  []string{q.Vsim, "-view", l.WaveDB()},
			Dir:   c.ProjectDir,
		}}, nil
	}
}

func questaTop(tb sim.TestBench) string {
	if top := strings.TrimSpace(tb.TopModule()); top != "" {
		return top
	}
	return DefaultQuestaTop
}

// questaLibrary maps the design library into the layout. vlib is a no-op
// for an existing library.
func (c Composer) questaLibrary(l workspace.Layout) sim.CommandSpec {
	return sim.CommandSpec{
		Stage:    StageLibrary,
		Argv:     []string{c.Tools.Questa.Vlib, l.LibDir},
		Dir:      c.ProjectDir,
		Produces: []string{l.LibDir},
	}
}

func (c Composer) verilator(t sim.Task, tb sim.TestBench, l workspace.Layout) ([]sim.CommandSpec, error) {
	v := c.Tools.Verilator
	top := strings.TrimSpace(tb.TopModule())
	if top == "" {
		return nil, &sim.ConfigurationError{
			Backend: sim.CompiledSim,
			Task:    t,
			Msg:     "testbench has no name or top module; verilator needs one for --top-module",
		}
	}

	if t == sim.TaskViewWaveform {
		return []sim.CommandSpec{{
			Stage: StageView,
			Argv:  []string{v.Viewer, l.Trace(top)},
			Dir:   l.SimDir,
		}}, nil
	}

	if len(tb.Sources) == 0 {
		return nil, &sim.ConfigurationError{
			Backend: sim.CompiledSim,
			Task:    t,
			Msg:     fmt.Sprintf("testbench %q lists no sources", tb.Name),
		}
	}

	if t == sim.TaskLint {
		argv := []string{v.Binary, "--lint-only", "-Wall"}
		argv = append(argv, includeArgs(tb)...)
		argv = append(argv, "--top-module", top)
		argv = append(argv, tb.Sources...)
		return []sim.CommandSpec{{Stage: StageLint, Argv: argv, Dir: c.ProjectDir}}, nil
	}

	if v.Driver == "" {
		return nil, &sim.ConfigurationError{Backend: sim.CompiledSim, Task: t, Msg: "tools.verilator.driver is not set"}
	}

	makefile := l.ModelMakefile(top)
	executable := l.ModelExecutable(top)

	gen := append([]string{v.Binary}, v.Flags...)
	gen = append(gen, "--Mdir", l.ModelDir, "--top-module", top)
	gen = append(gen, includeArgs(tb)...)
	gen = append(gen, tb.Sources...)
	gen = append(gen, "--exe", v.Driver)

	return []sim.CommandSpec{
		{Stage: StageGenerate, Argv: gen, Dir: c.ProjectDir, Produces: []string{makefile}},
		{
			Stage:    StageCompile,
			Argv:     []string{v.Make, "-C", l.ModelDir, "-f", "V" + top + ".mk", "-j", "1"},
			Dir:      c.ProjectDir,
			Produces: []string{executable},
		},
		{Stage: StageExecute, Argv: []string{executable}, Dir: l.SimDir},
	}, nil
}

// inputArgs selects the HDL inputs: explicit testbench sources win over the
// backend's file list.
func inputArgs(b sim.Backend, t sim.Task, flag, fileList string, tb sim.TestBench) ([]string, error) {
	if len(tb.Sources) > 0 {
		return append([]string(nil), tb.Sources...), nil
	}
	if fileList == "" {
		return nil, &sim.ConfigurationError{
			Backend: b,
			Task:    t,
			Msg:     fmt.Sprintf("testbench %q lists no sources and no file list is configured", tb.Name),
		}
	}
	return []string{flag, fileList}, nil
}

func includeArgs(tb sim.TestBench) []string {
	out := make([]string, 0, len(tb.IncludeDirs))
	for _, dir := range tb.IncludeDirs {
		out = append(out, "-I"+dir)
	}
	return out
}
