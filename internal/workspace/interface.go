package workspace

import (
	"context"
	"path/filepath"

	"github.com/mattjoyce/simrig/internal/sim"
)

// Layout names the directories a backend's tools need across the
// lint/build/run/view/clean lifecycle. All paths are absolute.
type Layout struct {
	// Root contains the owned directories. It is owned (and removed by Clean)
	// only when the layout is namespaced per testbench.
	Root     string
	SimDir   string
	ModelDir string
	LibDir   string
	OwnsRoot bool
}

// Dirs returns the owned directories in creation order.
func (l Layout) Dirs() []string {
	return []string{l.SimDir, l.ModelDir, l.LibDir}
}

// Transcript is the simulator transcript log inside SimDir.
func (l Layout) Transcript() string { return filepath.Join(l.SimDir, "transcript.log") }

// WaveDB is the commercial simulator's waveform database inside SimDir.
func (l Layout) WaveDB() string { return filepath.Join(l.SimDir, "waves.wlf") }

// SimImage is the event-driven simulator's compiled bytecode inside SimDir.
func (l Layout) SimImage() string { return filepath.Join(l.SimDir, "sim.out") }

// ModelMakefile is the build description generated for top inside ModelDir.
func (l Layout) ModelMakefile(top string) string { return filepath.Join(l.ModelDir, "V"+top+".mk") }

// ModelExecutable is the native executable compiled for top inside ModelDir.
func (l Layout) ModelExecutable(top string) string { return filepath.Join(l.ModelDir, "V"+top) }

// Trace is the VCD trace the compiled model writes for top inside SimDir.
func (l Layout) Trace(top string) string { return filepath.Join(l.SimDir, top+".vcd") }

// CleanupReport summarizes a Clean call.
type CleanupReport struct {
	DeletedDirs int
}

// Manager governs the artifact workspace lifecycle.
type Manager interface {
	// Layout resolves the layout for tb. With namespacing enabled every
	// testbench gets a disjoint layout.
	Layout(tb sim.TestBench) (Layout, error)

	// Ensure creates any missing directory of l. Existing content is kept.
	Ensure(ctx context.Context, l Layout) error

	// Clean removes every directory l owns. Missing targets are skipped.
	Clean(ctx context.Context, l Layout) (CleanupReport, error)

	// Artifacts lists regular files currently inside l, relative to l.Root.
	Artifacts(ctx context.Context, l Layout) ([]string, error)
}
