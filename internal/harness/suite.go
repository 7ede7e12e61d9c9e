package harness

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mattjoyce/simrig/internal/config"
	"github.com/mattjoyce/simrig/internal/engine"
	"github.com/mattjoyce/simrig/internal/events"
	"github.com/mattjoyce/simrig/internal/log"
	"github.com/mattjoyce/simrig/internal/runner"
	"github.com/mattjoyce/simrig/internal/sim"
	"golang.org/x/sync/errgroup"
)

// Invoker runs one invocation. *engine.Engine implements it.
type Invoker interface {
	Invoke(ctx context.Context, req engine.Request) (engine.Result, error)
}

var _ Invoker = (*engine.Engine)(nil)

// Outcome is the result of one testbench in a suite.
type Outcome struct {
	TestBench sim.TestBench
	Result    engine.Result
	Err       error
}

// Report aggregates a suite run. Outcomes follow declaration order.
type Report struct {
	Outcomes []Outcome
	// ExitCode is the first non-zero testbench exit code in declaration
	// order, else 0.
	ExitCode int
}

// Passed counts passing testbenches.
func (r Report) Passed() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Err == nil && o.Result.Verdict.Passed() {
			n++
		}
	}
	return n
}

// Suite runs many testbenches concurrently.
type Suite struct {
	invoker     Invoker
	parallelism int
	logger      *slog.Logger
}

// NewSuite creates a Suite running at most parallelism testbenches at once.
// The invoker must give every testbench its own layout.
func NewSuite(inv Invoker, parallelism int) *Suite {
	if parallelism < 1 {
		parallelism = 1
	}
	return &Suite{
		invoker:     inv,
		parallelism: parallelism,
		logger:      log.WithComponent("harness"),
	}
}

// SuiteFromConfig builds a Suite whose engine namespaces the workspace per
// testbench.
func SuiteFromConfig(cfg *config.Config, r runner.Runner, hub *events.Hub, rec engine.Recorder) (*Suite, error) {
	scoped := *cfg
	scoped.Workspace.Namespace = true
	e, err := engine.FromConfig(&scoped, r, hub, rec)
	if err != nil {
		return nil, err
	}
	return NewSuite(e, cfg.Harness.Parallelism), nil
}

// Run invokes task on backend for every testbench. A failing testbench does
// not stop the others; cancelling ctx does.
func (s *Suite) Run(ctx context.Context, backend sim.Backend, task sim.Task, tbs []sim.TestBench) (Report, error) {
	seen := make(map[string]bool, len(tbs))
	for _, tb := range tbs {
		if seen[tb.Name] {
			return Report{ExitCode: 1}, &sim.ConfigurationError{
				Backend: backend,
				Task:    task,
				Msg:     fmt.Sprintf("duplicate testbench %q in suite", tb.Name),
			}
		}
		seen[tb.Name] = true
	}

	outcomes := make([]Outcome, len(tbs))
	var g errgroup.Group
	g.SetLimit(s.parallelism)

	for i, tb := range tbs {
		g.Go(func() error {
			outcomes[i].TestBench = tb
			if err := ctx.Err(); err != nil {
				outcomes[i].Err = err
				outcomes[i].Result.ExitCode = 1
				return nil
			}
			res, err := s.invoker.Invoke(ctx, engine.Request{
				Backend:   backend,
				Task:      task,
				TestBench: tb,
			})
			outcomes[i].Result = res
			outcomes[i].Err = err
			s.logger.Info("testbench finished",
				"testbench", tb.Name,
				"verdict", res.Verdict.String(),
				"exit_code", res.ExitCode,
			)
			return nil
		})
	}
	_ = g.Wait()

	report := Report{Outcomes: outcomes}
	for _, o := range outcomes {
		if o.Result.ExitCode != 0 {
			report.ExitCode = o.Result.ExitCode
			break
		}
	}
	return report, ctx.Err()
}
