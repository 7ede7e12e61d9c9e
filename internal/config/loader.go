package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/mattjoyce/simrig/internal/sim"
	"gopkg.in/yaml.v3"
)

// DefaultFileName is the project file looked up in a directory.
const DefaultFileName = "simrig.yaml"

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses a project file. configPath may name the file or a
// directory containing simrig.yaml. Files listed under include are merged in
// order; later files override scalar settings and append testbenches.
func Load(configPath string) (*Config, error) {
	return load(configPath, true)
}

// LoadUnverified is Load without the checksum check. config lock uses it to
// re-authorize edited files.
func LoadUnverified(configPath string) (*Config, error) {
	return load(configPath, false)
}

func load(configPath string, verify bool) (*Config, error) {
	absPath, err := resolveConfigFile(configPath)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	visited := make(map[string]bool)
	if err := mergeFile(cfg, absPath, visited); err != nil {
		return nil, err
	}

	cfg.RootFile = absPath
	cfg.BaseDir = filepath.Dir(absPath)
	for path := range visited {
		cfg.SourceFiles = append(cfg.SourceFiles, path)
	}
	sort.Strings(cfg.SourceFiles)

	cfg = applyConfigDefaults(cfg)

	if verify {
		if err := verifyAllConfigHashes(cfg.SourceFiles); err != nil {
			return nil, err
		}
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	resolvePaths(cfg)
	return cfg, nil
}

// ForDir returns the shipped defaults resolved against dir, for projects
// that rely on file lists alone and carry no simrig.yaml.
func ForDir(dir string) (*Config, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project directory %q: %w", dir, err)
	}
	cfg := Defaults()
	cfg.BaseDir = abs
	resolvePaths(cfg)
	return cfg, nil
}

// DiscoverConfigPath finds the project file by checking standard locations.
// Priority order: $SIMRIG_CONFIG, ./simrig.yaml, ~/.config/simrig/simrig.yaml
func DiscoverConfigPath() (string, error) {
	if p := os.Getenv("SIMRIG_CONFIG"); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	if _, err := os.Stat(DefaultFileName); err == nil {
		return DefaultFileName, nil
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfig := filepath.Join(homeDir, ".config", "simrig", DefaultFileName)
		if _, err := os.Stat(userConfig); err == nil {
			return userConfig, nil
		}
	}

	return "", fmt.Errorf("no config found (checked: $SIMRIG_CONFIG, ./%s, ~/.config/simrig/%s)", DefaultFileName, DefaultFileName)
}

func resolveConfigFile(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	if info.IsDir() {
		absPath = filepath.Join(absPath, DefaultFileName)
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but %s not found: %s", DefaultFileName, absPath)
		}
	}
	return absPath, nil
}

// mergeFile decodes path on top of cfg and then merges its includes.
// visited tracks loaded files to prevent cycles.
func mergeFile(cfg *Config, path string, visited map[string]bool) error {
	if visited[path] {
		return fmt.Errorf("circular include detected: %s", path)
	}
	visited[path] = true

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	// Decoding onto the existing value keeps settings the file does not
	// mention. Testbenches and includes are collected per file instead.
	prevBenches := cfg.TestBenches
	cfg.TestBenches = nil
	cfg.Include = nil

	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), cfg); err != nil {
		return fmt.Errorf("failed to parse YAML in %s: %w", path, err)
	}

	includes := cfg.Include
	cfg.TestBenches = append(prevBenches, cfg.TestBenches...)
	cfg.Include = nil

	baseDir := filepath.Dir(path)
	for i, includePath := range includes {
		includePath = interpolateEnv(includePath)
		resolved := includePath
		if !filepath.IsAbs(resolved) {
			resolved = filepath.Join(baseDir, includePath)
		}

		if _, err := os.Stat(resolved); err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("include[%d]: file not found: %s\n"+
					"Referenced from: %s\n"+
					"Hint: Check the path is correct and the file exists", i, resolved, path)
			}
			return fmt.Errorf("include[%d]: failed to access file %s: %w", i, resolved, err)
		}

		if err := mergeFile(cfg, filepath.Clean(resolved), visited); err != nil {
			return fmt.Errorf("include[%d] (%s): %w", i, includePath, err)
		}
	}
	return nil
}

func verifyAllConfigHashes(paths []string) error {
	// Group paths by directory to avoid loading the same checksums file multiple times
	dirToFiles := make(map[string][]string)
	for _, path := range paths {
		dir := filepath.Dir(path)
		dirToFiles[dir] = append(dirToFiles[dir], path)
	}

	for dir, files := range dirToFiles {
		checksums, err := LoadChecksums(dir)
		if err != nil {
			// If .checksums is missing, we skip verification for this directory.
			continue
		}

		for _, path := range files {
			basename := filepath.Base(path)
			expectedHash, ok := checksums.Hashes[basename]
			if !ok {
				return fmt.Errorf("config file %s has no hash in checksums at %s\n"+
					"Run: simrig config lock --config %s", basename, dir, dir)
			}

			if err := VerifyFileHash(path, expectedHash); err != nil {
				return fmt.Errorf("config verification failed for %s: %w\n"+
					"If you edited this file intentionally, run: simrig config lock --config %s", path, err, dir)
			}
		}
	}

	return nil
}

// applyConfigDefaults merges default values into config where not explicitly set.
func applyConfigDefaults(cfg *Config) *Config {
	d := Defaults()

	setDefault(&cfg.Service.LogLevel, d.Service.LogLevel)
	setDefault(&cfg.Service.LogFormat, d.Service.LogFormat)
	setDefault(&cfg.DefaultTool, d.DefaultTool)

	setDefault(&cfg.Workspace.Root, d.Workspace.Root)
	setDefault(&cfg.Workspace.SimDir, d.Workspace.SimDir)
	setDefault(&cfg.Workspace.ModelDir, d.Workspace.ModelDir)
	setDefault(&cfg.Workspace.LibDir, d.Workspace.LibDir)
	setDefault(&cfg.History.Path, d.History.Path)

	ic, dic := &cfg.Tools.Icarus, d.Tools.Icarus
	setDefault(&ic.Compiler, dic.Compiler)
	setDefault(&ic.Runtime, dic.Runtime)
	setDefault(&ic.LintFileList, dic.LintFileList)
	setDefault(&ic.SimFileList, dic.SimFileList)

	q, dq := &cfg.Tools.Questa, d.Tools.Questa
	setDefault(&q.Vsim, dq.Vsim)
	setDefault(&q.Vlog, dq.Vlog)
	setDefault(&q.Vlib, dq.Vlib)
	setDefault(&q.LintDo, dq.LintDo)
	setDefault(&q.SimDo, dq.SimDo)
	setDefault(&q.LintFileList, dq.LintFileList)
	setDefault(&q.SimFileList, dq.SimFileList)
	setDefault(&q.LintMode, dq.LintMode)
	setDefault(&q.VoptArgs, dq.VoptArgs)

	v, dv := &cfg.Tools.Verilator, d.Tools.Verilator
	setDefault(&v.Binary, dv.Binary)
	setDefault(&v.Make, dv.Make)
	setDefault(&v.Driver, dv.Driver)
	setDefault(&v.Viewer, dv.Viewer)
	if v.Flags == nil {
		v.Flags = dv.Flags
	}

	if cfg.Timeouts.Grace == 0 {
		cfg.Timeouts.Grace = d.Timeouts.Grace
	}
	if cfg.Harness.Parallelism == 0 {
		cfg.Harness.Parallelism = d.Harness.Parallelism
	}

	return cfg
}

func setDefault(field *string, value string) {
	if strings.TrimSpace(*field) == "" {
		*field = value
	}
}

// resolvePaths makes every project-relative path absolute against BaseDir.
// Tool names without a path separator are left for $PATH lookup.
func resolvePaths(cfg *Config) {
	abs := func(p *string) {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(cfg.BaseDir, *p)
		}
	}
	tool := func(p *string) {
		if strings.ContainsRune(*p, filepath.Separator) {
			abs(p)
		}
	}

	abs(&cfg.Workspace.Root)
	abs(&cfg.History.Path)

	tool(&cfg.Tools.Icarus.Compiler)
	tool(&cfg.Tools.Icarus.Runtime)
	abs(&cfg.Tools.Icarus.LintFileList)
	abs(&cfg.Tools.Icarus.SimFileList)

	tool(&cfg.Tools.Questa.Vsim)
	tool(&cfg.Tools.Questa.Vlog)
	tool(&cfg.Tools.Questa.Vlib)
	abs(&cfg.Tools.Questa.LintDo)
	abs(&cfg.Tools.Questa.SimDo)
	abs(&cfg.Tools.Questa.LintFileList)
	abs(&cfg.Tools.Questa.SimFileList)

	tool(&cfg.Tools.Verilator.Binary)
	tool(&cfg.Tools.Verilator.Make)
	tool(&cfg.Tools.Verilator.Viewer)
	abs(&cfg.Tools.Verilator.Driver)

	for i := range cfg.TestBenches {
		tb := &cfg.TestBenches[i]
		for j := range tb.Sources {
			abs(&tb.Sources[j])
		}
		for j := range tb.IncludeDirs {
			abs(&tb.IncludeDirs[j])
		}
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if f := strings.ToLower(cfg.Service.LogFormat); f != "json" && f != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	if _, err := sim.ParseBackend(cfg.DefaultTool); err != nil {
		return fmt.Errorf("default_tool: %w", err)
	}

	if m := cfg.Tools.Questa.LintMode; m != "do" && m != "native" {
		return fmt.Errorf("tools.questa.lint_mode must be do or native (got %q)", m)
	}

	if cfg.Timeouts.Stage < 0 {
		return fmt.Errorf("timeouts.stage must not be negative")
	}
	if cfg.Timeouts.Grace < 0 {
		return fmt.Errorf("timeouts.grace must not be negative")
	}
	if cfg.Harness.Parallelism < 1 {
		return fmt.Errorf("harness.parallelism must be at least 1")
	}

	seen := make(map[string]bool)
	for i, tb := range cfg.TestBenches {
		name := strings.TrimSpace(tb.Name)
		if name == "" {
			return fmt.Errorf("testbenches[%d]: name is required", i)
		}
		if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
			return fmt.Errorf("testbenches[%d]: name %q must be a plain identifier", i, tb.Name)
		}
		if seen[name] {
			return fmt.Errorf("testbenches[%d]: duplicate name %q", i, tb.Name)
		}
		seen[name] = true
	}

	for _, s := range unresolvedStrings(cfg) {
		if matches := envVarPattern.FindStringSubmatch(s); len(matches) > 1 {
			return fmt.Errorf("environment variable ${%s} is not set", matches[1])
		}
	}

	return nil
}

// unresolvedStrings returns path-like settings that still carry ${VAR}.
func unresolvedStrings(cfg *Config) []string {
	t := cfg.Tools
	out := []string{
		cfg.Workspace.Root, cfg.History.Path,
		t.Icarus.Compiler, t.Icarus.Runtime, t.Icarus.LintFileList, t.Icarus.SimFileList,
		t.Questa.Vsim, t.Questa.Vlog, t.Questa.Vlib, t.Questa.LintDo, t.Questa.SimDo, t.Questa.LintFileList, t.Questa.SimFileList,
		t.Verilator.Binary, t.Verilator.Make, t.Verilator.Driver, t.Verilator.Viewer,
	}
	for _, tb := range cfg.TestBenches {
		out = append(out, tb.Sources...)
		out = append(out, tb.IncludeDirs...)
	}
	var unresolved []string
	for _, s := range out {
		if envVarPattern.MatchString(s) {
			unresolved = append(unresolved, s)
		}
	}
	return unresolved
}
