package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/simrig/internal/config"
	"github.com/mattjoyce/simrig/internal/doctor"
	"gopkg.in/yaml.v3"
)

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}

	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "lock":
		if hasHelpFlag(actionArgs) {
			printConfigLockHelp()
			return 0
		}
		return runConfigLock(actionArgs)
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	case "show":
		if hasHelpFlag(actionArgs) {
			printConfigShowHelp()
			return 0
		}
		return runConfigShow(actionArgs)
	case "get":
		if hasHelpFlag(actionArgs) {
			printConfigGetHelp()
			return 0
		}
		return runConfigGet(actionArgs)
	case "set":
		if hasHelpFlag(actionArgs) {
			printConfigSetHelp()
			return 0
		}
		return runConfigSet(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

// runConfigLock writes a .checksums manifest next to every project file.
func runConfigLock(args []string) int {
	var configPath string
	var verbose, verboseShort, dryRun bool

	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Project file or directory")
	fs.BoolVar(&verbose, "verbose", false, "Verbose output")
	fs.BoolVar(&verboseShort, "v", false, "Verbose output")
	fs.BoolVar(&dryRun, "dry-run", false, "Dry run")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	isVerbose := verbose || verboseShort

	target, err := resolveConfigTarget(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}
	// Locking re-authorizes edited files, so the old manifest is not checked.
	cfg, err := config.LoadUnverified(target)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	reports, err := config.LockSourceFiles(cfg, dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config: %v\n", err)
		return 1
	}

	files := 0
	for _, report := range reports {
		if isVerbose {
			fmt.Printf("Processing directory: %s\n", report.ConfigDir)
		}
		for _, file := range report.Files {
			if !file.Exists {
				continue
			}
			files++
			if isVerbose {
				fmt.Printf("  HASH %s: %s\n", file.Filename, file.Hash)
			}
		}
		if isVerbose {
			if dryRun {
				fmt.Printf("  DRY-RUN .checksums: %s (not written)\n", report.ChecksumPath)
			} else {
				fmt.Printf("  WROTE .checksums: %s\n", report.ChecksumPath)
			}
		}
	}

	if dryRun {
		fmt.Printf("Dry run completed: %d file(s) in %d %s would be locked\n", files, len(reports), plural(len(reports), "directory", "directories"))
		return 0
	}
	fmt.Printf("Locked %d file(s) in %d %s\n", files, len(reports), plural(len(reports), "directory", "directories"))
	return 0
}

// runConfigCheck validates the project and toolchain. It backs both
// "simrig doctor" and "simrig config check".
func runConfigCheck(args []string) int {
	var configPath string
	var strict, jsonOut bool
	var format string

	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Project file or directory")
	fs.BoolVar(&strict, "strict", false, "Treat warnings as errors")
	fs.StringVar(&format, "format", "human", "Output format (human, json)")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if jsonOut {
		format = "json"
	}

	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}

	result := doctor.New(cfg).Validate()

	switch format {
	case "json":
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(out)
	default:
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return 1
	}
	if strict && len(result.Warnings) > 0 {
		return 2
	}
	return 0
}

func runConfigShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Project file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	var result any = cfg
	if fs.NArg() > 0 {
		res, err := cfg.GetPath(fs.Arg(0))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		result = res
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(data))
	} else {
		data, _ := yaml.Marshal(result)
		fmt.Print(string(data))
	}
	return 0
}

func runConfigGet(args []string) int {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	configPath := fs.String("config", "", "Project file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")

	// The path may come before the flags: simrig config get tools.icarus.compiler --json
	var path string
	var remainingArgs []string
	for _, arg := range args {
		if !strings.HasPrefix(arg, "-") && path == "" && !followsValueFlag(remainingArgs) {
			path = arg
		} else {
			remainingArgs = append(remainingArgs, arg)
		}
	}
	if err := fs.Parse(remainingArgs); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	if path == "" {
		fmt.Fprintln(os.Stderr, "Usage: simrig config get <path> [--json]")
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	val, err := cfg.GetPath(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(val, "", "  ")
		fmt.Println(string(data))
	} else {
		fmt.Printf("%v\n", val)
	}
	return 0
}

func runConfigSet(args []string) int {
	var configPath string
	var dryRun, apply bool

	fs := flag.NewFlagSet("set", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Project file or directory")
	fs.BoolVar(&dryRun, "dry-run", false, "Preview changes")
	fs.BoolVar(&apply, "apply", false, "Apply changes")

	var kvPair string
	var remainingArgs []string
	for _, arg := range args {
		if !strings.HasPrefix(arg, "-") && strings.Contains(arg, "=") && kvPair == "" {
			kvPair = arg
		} else {
			remainingArgs = append(remainingArgs, arg)
		}
	}

	if err := fs.Parse(remainingArgs); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if kvPair == "" {
		fmt.Fprintln(os.Stderr, "Usage: simrig config set <path>=<value> [--dry-run | --apply]")
		return 1
	}

	if !dryRun && !apply {
		fmt.Fprintln(os.Stderr, "Error: either --dry-run or --apply must be specified for 'config set'.")
		return 1
	}

	parts := strings.SplitN(kvPair, "=", 2)
	path, value := parts[0], parts[1]

	target, err := resolveConfigTarget(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}
	cfg, err := config.LoadUnverified(target)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	if dryRun {
		if err := cfg.SetPath(path, value, false); err != nil {
			fmt.Fprintf(os.Stderr, "Dry-run validation failed: %v\n", err)
			return 1
		}
		fmt.Printf("Dry-run: would set %q to %q\n", path, value)
		return 0
	}

	if err := cfg.SetPath(path, value, true); err != nil {
		fmt.Fprintf(os.Stderr, "Apply failed: %v\n", err)
		return 1
	}
	fmt.Printf("Successfully set %q to %q\n", path, value)
	fmt.Println("Run 'simrig config lock' to refresh checksums.")

	// The file itself already reloaded cleanly; toolchain findings are advisory.
	validation, err := validateConfigAtPath(target)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Validation failed to run: %v\n", err)
		return 1
	}
	printValidationSummary(validation)
	return 0
}

// resolveConfigTarget returns the absolute project file for configPath or
// the discovered one. Commands that edit the project need a real file.
func resolveConfigTarget(configPath string) (string, error) {
	target := configPath
	if target == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			return "", err
		}
		target = discovered
	}

	absTarget, err := filepath.Abs(target)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(absTarget)
	if err != nil {
		return "", fmt.Errorf("config target not found: %w", err)
	}
	if info.IsDir() {
		absTarget = filepath.Join(absTarget, config.DefaultFileName)
		if _, err := os.Stat(absTarget); err != nil {
			return "", errors.New(config.DefaultFileName + " not found in " + filepath.Dir(absTarget))
		}
	}
	return absTarget, nil
}

func validateConfigAtPath(configPath string) (*doctor.Result, error) {
	cfg, err := config.LoadUnverified(configPath)
	if err != nil {
		return nil, err
	}
	return doctor.New(cfg).Validate(), nil
}

func printValidationSummary(result *doctor.Result) {
	if result == nil {
		return
	}
	printIssues := func(label string, issues []doctor.Issue) {
		for _, issue := range issues {
			if issue.Field != "" {
				fmt.Printf("  %s [%s] %s: %s\n", label, issue.Category, issue.Field, issue.Message)
			} else {
				fmt.Printf("  %s [%s] %s\n", label, issue.Category, issue.Message)
			}
		}
	}

	if !result.Valid {
		fmt.Printf("Validation: failed (%d error(s), %d warning(s))\n", len(result.Errors), len(result.Warnings))
		printIssues("ERROR", result.Errors)
		printIssues("WARN ", result.Warnings)
		return
	}

	if len(result.Warnings) == 0 {
		fmt.Println("Validation: ✓ All checks passed")
		return
	}
	fmt.Printf("Validation: ✓ passed with %d warning(s)\n", len(result.Warnings))
	printIssues("WARN ", result.Warnings)
}

// followsValueFlag reports whether the next argument is the value of the
// last flag in args.
func followsValueFlag(args []string) bool {
	if len(args) == 0 {
		return false
	}
	last := args[len(args)-1]
	return last == "--config" || last == "-config"
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: simrig config <action> [flags]")
	fmt.Fprintln(w, "Actions: lock, check, show, get, set")
}

func printConfigLockHelp() {
	fmt.Println("Usage: simrig config lock [--config PATH] [--dry-run] [-v]")
	fmt.Println("Writes .checksums manifests for the project file and its includes.")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: simrig doctor [--config PATH] [--json] [--strict]")
	fmt.Println("Validates the project file, referenced files and tool binaries.")
}

func printConfigShowHelp() {
	fmt.Println("Usage: simrig config show [--config PATH] [--json] [path]")
}

func printConfigGetHelp() {
	fmt.Println("Usage: simrig config get <path> [--config PATH] [--json]")
	fmt.Println("Paths use dots (tools.icarus.compiler) or entities (testbench:led_tb).")
}

func printConfigSetHelp() {
	fmt.Println("Usage: simrig config set <path>=<value> [--config PATH] [--dry-run | --apply]")
}
