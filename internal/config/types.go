package config

import (
	"time"

	"github.com/mattjoyce/simrig/internal/sim"
)

// Config represents a complete simrig project file.
type Config struct {
	Include     []string        `yaml:"include,omitempty"`
	Service     ServiceConfig   `yaml:"service"`
	DefaultTool string          `yaml:"default_tool"`
	Workspace   WorkspaceConfig `yaml:"workspace"`
	History     HistoryConfig   `yaml:"history"`
	Tools       ToolsConfig     `yaml:"tools"`
	Timeouts    TimeoutsConfig  `yaml:"timeouts"`
	Harness     HarnessConfig   `yaml:"harness"`
	TestBenches []sim.TestBench `yaml:"testbenches"`

	// BaseDir is the directory of the root project file. Relative paths in
	// the project are resolved against it.
	BaseDir string `yaml:"-"`
	// RootFile is the absolute path of the root project file.
	RootFile string `yaml:"-"`
	// SourceFiles lists every file that contributed to this config.
	SourceFiles []string `yaml:"-"`
}

// ServiceConfig defines logging settings.
type ServiceConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// WorkspaceConfig defines where build artifacts live.
type WorkspaceConfig struct {
	Root     string `yaml:"root"`
	SimDir   string `yaml:"sim_dir"`
	ModelDir string `yaml:"model_dir"`
	LibDir   string `yaml:"lib_dir"`
	// Namespace gives each testbench its own directories under Root.
	Namespace bool `yaml:"namespace"`
	// Lock serializes invocations against one layout. Defaults to true.
	Lock *bool `yaml:"lock,omitempty"`
}

// LockEnabled reports whether the layout lock is on.
func (w WorkspaceConfig) LockEnabled() bool {
	return w.Lock == nil || *w.Lock
}

// HistoryConfig defines run history storage.
type HistoryConfig struct {
	Enabled *bool  `yaml:"enabled,omitempty"`
	Path    string `yaml:"path"`
}

// IsEnabled reports whether runs are recorded. Defaults to true.
func (h HistoryConfig) IsEnabled() bool {
	return h.Enabled == nil || *h.Enabled
}

// ToolsConfig holds per-backend tool settings.
type ToolsConfig struct {
	Icarus    IcarusConfig    `yaml:"icarus"`
	Questa    QuestaConfig    `yaml:"questa"`
	Verilator VerilatorConfig `yaml:"verilator"`
}

// IcarusConfig configures the event-driven simulator.
type IcarusConfig struct {
	Compiler     string `yaml:"compiler"`
	Runtime      string `yaml:"runtime"`
	LintFileList string `yaml:"lint_filelist"`
	SimFileList  string `yaml:"sim_filelist"`
}

// QuestaConfig configures the commercial simulator suite.
type QuestaConfig struct {
	Vsim         string `yaml:"vsim"`
	Vlog         string `yaml:"vlog"`
	Vlib         string `yaml:"vlib"`
	LintDo       string `yaml:"lint_do"`
	SimDo        string `yaml:"sim_do"`
	LintFileList string `yaml:"lint_filelist"`
	SimFileList  string `yaml:"sim_filelist"`
	// LintMode is "do" (run lint_do in vsim) or "native" (vlog -lint).
	LintMode string `yaml:"lint_mode"`
	VoptArgs string `yaml:"vopt_args"`
}

// VerilatorConfig configures the compiled simulator.
type VerilatorConfig struct {
	Binary string   `yaml:"binary"`
	Make   string   `yaml:"make"`
	Driver string   `yaml:"driver"`
	Flags  []string `yaml:"flags,omitempty"`
	Viewer string   `yaml:"viewer"`
}

// TimeoutsConfig bounds external tool execution.
type TimeoutsConfig struct {
	// Stage limits a single tool invocation. Zero means no limit.
	Stage time.Duration `yaml:"stage"`
	// Grace is the wait between SIGTERM and SIGKILL on cancellation.
	Grace time.Duration `yaml:"grace"`
}

// HarnessConfig controls suite execution.
type HarnessConfig struct {
	Parallelism int `yaml:"parallelism"`
}

// TestBench returns the testbench named name.
func (c *Config) TestBench(name string) (sim.TestBench, bool) {
	for _, tb := range c.TestBenches {
		if tb.Name == name {
			return tb, true
		}
	}
	return sim.TestBench{}, false
}

// Defaults returns a Config with the tool defaults simrig ships with.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			LogLevel:  "info",
			LogFormat: "json",
		},
		DefaultTool: string(sim.CommercialSim),
		Workspace: WorkspaceConfig{
			Root:     ".",
			SimDir:   "sim",
			ModelDir: "obj_dir",
			LibDir:   "work",
		},
		History: HistoryConfig{
			Path: ".simrig/history.db",
		},
		Tools: ToolsConfig{
			Icarus: IcarusConfig{
				Compiler:     "iverilog",
				Runtime:      "vvp",
				LintFileList: "lint_filelist.txt",
				SimFileList:  "sim_filelist.txt",
			},
			Questa: QuestaConfig{
				Vsim:         "vsim",
				Vlog:         "vlog",
				Vlib:         "vlib",
				LintDo:       "lint.do",
				SimDo:        "sim.do",
				LintFileList: "lint_filelist.txt",
				SimFileList:  "sim_filelist.txt",
				LintMode:     "do",
				VoptArgs:     "+acc",
			},
			Verilator: VerilatorConfig{
				Binary: "verilator",
				Make:   "make",
				Driver: "sim_main.cpp",
				Flags:  []string{"-Wall", "--cc", "--timing", "--Wno-fatal", "--trace"},
				Viewer: "gtkwave",
			},
		},
		Timeouts: TimeoutsConfig{
			Grace: 5 * time.Second,
		},
		Harness: HarnessConfig{
			Parallelism: 4,
		},
	}
}
