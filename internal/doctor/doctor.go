// Package doctor validates a simrig project: tools, project files and
// testbench declarations.
package doctor

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/mattjoyce/simrig/internal/config"
	"github.com/mattjoyce/simrig/internal/sim"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded project.
type Doctor struct {
	cfg      *config.Config
	lookPath func(string) (string, error)
}

// New creates a Doctor for cfg. Tool binaries are resolved with
// exec.LookPath.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg, lookPath: exec.LookPath}
}

// Validate runs all checks and returns a result. Problems with the default
// tool are errors; problems with the other backends are warnings.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	def := d.validateDefaultTool(r)
	d.validateHistory(r)
	for _, b := range sim.Backends() {
		d.validateBackend(r, b, b == def)
	}
	d.validateTestBenches(r, def)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// report files an error for the default backend and a warning otherwise.
func (d *Doctor) report(r *Result, primary bool, category, field, msg string) {
	if primary {
		d.addError(r, category, field, msg)
		return
	}
	d.addWarning(r, category, field, msg)
}

func (d *Doctor) validateDefaultTool(r *Result) sim.Backend {
	b, err := sim.ParseBackend(d.cfg.DefaultTool)
	if err != nil {
		d.addError(r, "service", "default_tool", err.Error())
		return ""
	}
	return b
}

func (d *Doctor) validateHistory(r *Result) {
	if d.cfg.History.IsEnabled() && strings.TrimSpace(d.cfg.History.Path) == "" {
		d.addError(r, "history", "history.path", "history.path is required when history is enabled")
	}
}

// validateBackend checks that the tools of b resolve and that the project
// files they consume exist.
func (d *Doctor) validateBackend(r *Result, b sim.Backend, primary bool) {
	tools := d.cfg.Tools
	needFileLists := d.needsFileLists()

	switch b {
	case sim.EventDrivenSim:
		d.checkBinary(r, primary, "tools.icarus.compiler", tools.Icarus.Compiler)
		d.checkBinary(r, primary, "tools.icarus.runtime", tools.Icarus.Runtime)
		if needFileLists {
			d.checkFile(r, primary, "tools.icarus.lint_filelist", tools.Icarus.LintFileList)
			d.checkFile(r, primary, "tools.icarus.sim_filelist", tools.Icarus.SimFileList)
		}

	case sim.CommercialSim:
		d.checkBinary(r, primary, "tools.questa.vsim", tools.Questa.Vsim)
		d.checkBinary(r, primary, "tools.questa.vlog", tools.Questa.Vlog)
		d.checkBinary(r, primary, "tools.questa.vlib", tools.Questa.Vlib)
		if tools.Questa.LintMode == "do" {
			d.checkFile(r, primary, "tools.questa.lint_do", tools.Questa.LintDo)
		} else if needFileLists {
			d.checkFile(r, primary, "tools.questa.lint_filelist", tools.Questa.LintFileList)
		}
		d.checkFile(r, primary, "tools.questa.sim_do", tools.Questa.SimDo)
		if needFileLists {
			d.checkFile(r, primary, "tools.questa.sim_filelist", tools.Questa.SimFileList)
		}

	case sim.CompiledSim:
		d.checkBinary(r, primary, "tools.verilator.binary", tools.Verilator.Binary)
		d.checkBinary(r, primary, "tools.verilator.make", tools.Verilator.Make)
		d.checkFile(r, primary, "tools.verilator.driver", tools.Verilator.Driver)
		if tools.Verilator.Viewer != "" {
			if _, err := d.lookPath(tools.Verilator.Viewer); err != nil {
				d.addWarning(r, "tools", "tools.verilator.viewer",
					fmt.Sprintf("waveform viewer %q not found; view will fail", tools.Verilator.Viewer))
			}
		}
	}
}

// needsFileLists reports whether some testbench relies on the backend file
// lists instead of explicit sources.
func (d *Doctor) needsFileLists() bool {
	if len(d.cfg.TestBenches) == 0 {
		return true
	}
	for _, tb := range d.cfg.TestBenches {
		if len(tb.Sources) == 0 {
			return true
		}
	}
	return false
}

func (d *Doctor) checkBinary(r *Result, primary bool, field, bin string) {
	if strings.TrimSpace(bin) == "" {
		d.report(r, primary, "tools", field, "tool binary is not set")
		return
	}
	if _, err := d.lookPath(bin); err != nil {
		d.report(r, primary, "tools", field, fmt.Sprintf("tool %q not found on PATH", bin))
	}
}

func (d *Doctor) checkFile(r *Result, primary bool, field, path string) {
	if strings.TrimSpace(path) == "" {
		d.report(r, primary, "files", field, "path is not set")
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		d.report(r, primary, "files", field, fmt.Sprintf("%s does not exist", path))
		return
	}
	if info.IsDir() {
		d.report(r, primary, "files", field, fmt.Sprintf("%s is a directory", path))
	}
}

// validateTestBenches checks names, sources and include directories.
func (d *Doctor) validateTestBenches(r *Result, def sim.Backend) {
	if len(d.cfg.TestBenches) == 0 {
		d.addWarning(r, "testbenches", "testbenches", "no testbenches declared; the file lists drive every run")
		return
	}

	seen := make(map[string]int)
	for i, tb := range d.cfg.TestBenches {
		field := fmt.Sprintf("testbenches[%d]", i)

		if strings.TrimSpace(tb.Name) == "" {
			d.addError(r, "testbenches", field+".name", "testbench name is required")
		} else if prev, ok := seen[tb.Name]; ok {
			d.addError(r, "testbenches", field+".name",
				fmt.Sprintf("testbench %q duplicates testbenches[%d]", tb.Name, prev))
		} else {
			seen[tb.Name] = i
		}

		if def == sim.CompiledSim && len(tb.Sources) == 0 {
			d.addError(r, "testbenches", field+".sources",
				fmt.Sprintf("testbench %q lists no sources; verilator needs explicit sources", tb.Name))
		}
		for j, src := range tb.Sources {
			if _, err := os.Stat(src); err != nil {
				d.addError(r, "testbenches", fmt.Sprintf("%s.sources[%d]", field, j),
					fmt.Sprintf("source %s does not exist", src))
			}
		}
		for j, dir := range tb.IncludeDirs {
			if info, err := os.Stat(dir); err != nil || !info.IsDir() {
				d.addWarning(r, "testbenches", fmt.Sprintf("%s.include_dirs[%d]", field, j),
					fmt.Sprintf("include directory %s does not exist", dir))
			}
		}
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Project valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Project valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Project invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
