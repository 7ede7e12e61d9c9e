package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mattjoyce/simrig/internal/config"
	"github.com/mattjoyce/simrig/internal/history"
	"github.com/mattjoyce/simrig/internal/inspect"
	"github.com/mattjoyce/simrig/internal/workspace"
)

type historyEntry struct {
	ID        string    `json:"id"`
	Backend   string    `json:"backend"`
	Task      string    `json:"task"`
	TestBench string    `json:"testbench"`
	Status    string    `json:"status"`
	Verdict   string    `json:"verdict,omitempty"`
	ExitCode  int       `json:"exit_code"`
	CreatedAt time.Time `json:"created_at"`
}

func runHistory(args []string) int {
	var (
		configPath, tbName, toolName string
		limit                        int
		jsonOut                      bool
		prune                        time.Duration
	)

	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Project file or directory")
	fs.StringVar(&tbName, "tb", "", "Only runs of this testbench")
	fs.StringVar(&toolName, "tool", "", "Only runs on this backend")
	fs.IntVar(&limit, "limit", 20, "Maximum number of runs")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	fs.DurationVar(&prune, "prune", 0, "Delete runs older than this (e.g. 720h)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, store, closeStore, code := openHistoryForTool(configPath)
	if store == nil {
		return code
	}
	defer closeStore()
	ctx := context.Background()

	if prune > 0 {
		cutoff := time.Now().Add(-prune)
		n, err := store.Prune(ctx, cutoff)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Prune failed: %v\n", err)
			return 1
		}
		fmt.Printf("Pruned %d run(s) older than %s from %s\n", n, cutoff.UTC().Format(time.RFC3339), cfg.History.Path)
		return 0
	}

	records, err := store.List(ctx, history.ListFilter{TestBench: tbName, Backend: toolName, Limit: limit})
	if err != nil {
		fmt.Fprintf(os.Stderr, "List failed: %v\n", err)
		return 1
	}

	entries := make([]historyEntry, 0, len(records))
	for _, r := range records {
		entries = append(entries, historyEntry{
			ID:        r.ID,
			Backend:   r.Backend,
			Task:      r.Task,
			TestBench: r.TestBench,
			Status:    string(r.Status),
			Verdict:   r.Verdict,
			ExitCode:  r.ExitCode,
			CreatedAt: r.CreatedAt,
		})
	}

	if jsonOut {
		data, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	if len(entries) == 0 {
		fmt.Println("No runs recorded.")
		return 0
	}
	fmt.Printf("%-8s  %-20s  %-9s  %-5s  %-16s  %-20s  %s\n", "RUN", "STARTED", "BACKEND", "TASK", "TESTBENCH", "VERDICT", "EXIT")
	for _, e := range entries {
		tb := e.TestBench
		if tb == "" {
			tb = "-"
		}
		verdict := e.Verdict
		if verdict == "" {
			verdict = e.Status
		}
		fmt.Printf("%-8s  %-20s  %-9s  %-5s  %-16s  %-20s  %d\n",
			shortID(e.ID), e.CreatedAt.Local().Format("2006-01-02 15:04:05"), e.Backend, e.Task, tb, verdict, e.ExitCode)
	}
	return 0
}

func runInspect(args []string) int {
	// Flags may follow the run id: simrig inspect <id> --json
	var configPath string
	var jsonOut bool

	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Project file or directory")
	fs.BoolVar(&jsonOut, "json", false, "Output report in JSON")

	var runID string
	var remainingArgs []string
	for _, arg := range args {
		if !strings.HasPrefix(arg, "-") && runID == "" {
			runID = arg
		} else {
			remainingArgs = append(remainingArgs, arg)
		}
	}

	if err := fs.Parse(remainingArgs); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if runID == "" {
		fmt.Fprintln(os.Stderr, "Usage: simrig inspect <run-id> [--config PATH] [--json]")
		return 1
	}

	cfg, store, closeStore, code := openHistoryForTool(configPath)
	if store == nil {
		return code
	}
	defer closeStore()

	ws, err := workspace.NewFSManager(workspace.Options{
		Root:      cfg.Workspace.Root,
		SimDir:    cfg.Workspace.SimDir,
		ModelDir:  cfg.Workspace.ModelDir,
		LibDir:    cfg.Workspace.LibDir,
		Namespace: cfg.Workspace.Namespace,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Workspace error: %v\n", err)
		return 1
	}

	var report string
	if jsonOut {
		report, err = inspect.BuildJSONReport(context.Background(), store, ws, runID)
	} else {
		report, err = inspect.BuildReport(context.Background(), store, ws, runID)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Inspect failed: %v\n", err)
		return 1
	}

	fmt.Print(report)
	if jsonOut {
		fmt.Println()
	}
	return 0
}

// openHistoryForTool loads the project and opens its run history. On
// failure the store is nil and code is the exit status to return.
func openHistoryForTool(configPath string) (*config.Config, *history.Store, func(), int) {
	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return nil, nil, nil, 1
	}
	setupLogging(cfg, "")
	if !cfg.History.IsEnabled() {
		fmt.Fprintln(os.Stderr, "Run history is disabled (history.enabled: false)")
		return cfg, nil, nil, 1
	}
	if _, err := os.Stat(cfg.History.Path); err != nil {
		fmt.Fprintf(os.Stderr, "No run history at %s\n", cfg.History.Path)
		return cfg, nil, nil, 1
	}
	store, closeStore, err := openHistoryStore(context.Background(), cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return cfg, nil, nil, 1
	}
	return cfg, store, closeStore, 0
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
