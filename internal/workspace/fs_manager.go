package workspace

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mattjoyce/simrig/internal/sim"
)

// Options configures a filesystem-backed Manager.
type Options struct {
	Root     string
	SimDir   string
	ModelDir string
	LibDir   string
	// Namespace places each testbench's directories under Root/<name>.
	Namespace bool
}

// DefaultOptions mirrors the directory names the simulators use by default.
func DefaultOptions(root string) Options {
	return Options{
		Root:     root,
		SimDir:   "sim",
		ModelDir: "obj_dir",
		LibDir:   "work",
	}
}

// fsWorkspaceManager manages layout directories on local disk.
type fsWorkspaceManager struct {
	opts Options
}

var _ Manager = (*fsWorkspaceManager)(nil)

// NewFSManager creates a filesystem-backed workspace manager rooted at opts.Root.
func NewFSManager(opts Options) (*fsWorkspaceManager, error) {
	trimmed := strings.TrimSpace(opts.Root)
	if trimmed == "" {
		return nil, fmt.Errorf("workspace root is empty")
	}
	root, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	opts.Root = root

	for field, name := range map[string]string{"sim_dir": opts.SimDir, "model_dir": opts.ModelDir, "lib_dir": opts.LibDir} {
		if err := validateDirName(name); err != nil {
			return nil, fmt.Errorf("workspace %s: %w", field, err)
		}
	}
	if opts.SimDir == opts.ModelDir || opts.SimDir == opts.LibDir || opts.ModelDir == opts.LibDir {
		return nil, fmt.Errorf("workspace sim_dir, model_dir and lib_dir must be distinct")
	}

	return &fsWorkspaceManager{opts: opts}, nil
}

// Layout resolves the directories for tb.
func (m *fsWorkspaceManager) Layout(tb sim.TestBench) (Layout, error) {
	root := m.opts.Root
	if m.opts.Namespace {
		if err := validateName(tb.Name); err != nil {
			return Layout{}, err
		}
		// <root>/sim and friends belong to the shared layout.
		switch tb.Name {
		case m.opts.SimDir, m.opts.ModelDir, m.opts.LibDir:
			return Layout{}, fmt.Errorf("testbench name %q collides with a workspace directory name", tb.Name)
		}
		root = filepath.Join(root, tb.Name)
	}

	return Layout{
		Root:     root,
		SimDir:   filepath.Join(root, m.opts.SimDir),
		ModelDir: filepath.Join(root, m.opts.ModelDir),
		LibDir:   filepath.Join(root, m.opts.LibDir),
		OwnsRoot: m.opts.Namespace,
	}, nil
}

// Ensure creates the layout directories that are missing.
func (m *fsWorkspaceManager) Ensure(ctx context.Context, l Layout) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkLayout(l); err != nil {
		return err
	}

	for _, dir := range l.Dirs() {
		info, err := os.Stat(dir)
		if err == nil {
			if !info.IsDir() {
				return fmt.Errorf("workspace path %q exists and is not a directory", dir)
			}
			continue
		}
		if !os.IsNotExist(err) {
			return fmt.Errorf("stat workspace directory %q: %w", dir, err)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create workspace directory %q: %w", dir, err)
		}
	}
	return nil
}

// Clean removes the layout directories. Calling it on an absent workspace is
// a no-op.
func (m *fsWorkspaceManager) Clean(ctx context.Context, l Layout) (CleanupReport, error) {
	if err := ctx.Err(); err != nil {
		return CleanupReport{}, err
	}
	if err := checkLayout(l); err != nil {
		return CleanupReport{}, err
	}

	report := CleanupReport{}
	targets := l.Dirs()
	if l.OwnsRoot {
		targets = append(targets, l.Root)
	}

	for _, dir := range targets {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if _, err := os.Lstat(dir); os.IsNotExist(err) {
			continue
		} else if err != nil {
			return report, fmt.Errorf("stat workspace directory %q: %w", dir, err)
		}
		if err := os.RemoveAll(dir); err != nil {
			return report, fmt.Errorf("remove workspace directory %q: %w", dir, err)
		}
		report.DeletedDirs++
	}

	return report, nil
}

// Artifacts lists regular files under the layout directories.
func (m *fsWorkspaceManager) Artifacts(ctx context.Context, l Layout) ([]string, error) {
	var out []string
	for _, dir := range l.Dirs() {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				if os.IsNotExist(walkErr) {
					return filepath.SkipDir
				}
				return walkErr
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if !d.Type().IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(l.Root, path)
			if err != nil {
				return fmt.Errorf("resolve relative path: %w", err)
			}
			out = append(out, rel)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("list artifacts in %q: %w", dir, err)
		}
	}
	sort.Strings(out)
	return out, nil
}

// checkLayout rejects layouts whose owned directories could escape Root.
func checkLayout(l Layout) error {
	if l.Root == "" || !filepath.IsAbs(l.Root) {
		return fmt.Errorf("workspace layout root %q must be an absolute path", l.Root)
	}
	for _, dir := range l.Dirs() {
		rel, err := filepath.Rel(l.Root, dir)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			return fmt.Errorf("workspace directory %q is not inside root %q", dir, l.Root)
		}
	}
	return nil
}

func validateName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return fmt.Errorf("testbench name is empty")
	}
	if trimmed == "." || trimmed == ".." {
		return fmt.Errorf("testbench name %q is invalid", name)
	}
	if strings.Contains(trimmed, "/") || strings.Contains(trimmed, `\`) {
		return fmt.Errorf("testbench name %q must not contain path separators", name)
	}
	if filepath.Clean(trimmed) != trimmed {
		return fmt.Errorf("testbench name %q is invalid", name)
	}
	return nil
}

func validateDirName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("directory name is empty")
	}
	if filepath.IsAbs(name) {
		return fmt.Errorf("directory %q must be relative to the workspace root", name)
	}
	clean := filepath.Clean(name)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return fmt.Errorf("directory %q escapes the workspace root", name)
	}
	return nil
}
