package history

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/mattjoyce/simrig/internal/sim"
	"github.com/mattjoyce/simrig/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openStore(t)

	id, err := s.Begin(ctx, BeginRequest{
		Backend:     "verilator",
		Task:        "run",
		TestBench:   "led_tb",
		LayoutRoot:  "/proj",
		InputDigest: "abc123",
	})
	require.NoError(t, err)

	running, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, running.Status)
	assert.Nil(t, running.CompletedAt)

	run := sim.Run{Stages: []sim.StageOutcome{
		{Stage: "generate", Command: "verilator --cc", Status: sim.StageSuccess, Duration: 1500 * time.Millisecond},
		{Stage: "compile", Command: "make -C obj_dir", Status: sim.StageFailure, ExitCode: 2, Stderr: "make: *** Error 2"},
	}}
	verdict := sim.Verdict{Outcome: sim.Fail, Reason: sim.ReasonNonzeroExit}
	require.NoError(t, s.Complete(ctx, id, run, verdict, 2, nil))

	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, rec.Status)
	assert.Equal(t, "FAIL", rec.Verdict)
	assert.Equal(t, "nonzero-exit", rec.Reason)
	assert.Equal(t, 2, rec.ExitCode)
	assert.Equal(t, "abc123", rec.InputDigest)
	assert.NotNil(t, rec.CompletedAt)
	assert.Nil(t, rec.LastError)

	require.Len(t, rec.Stages, 2)
	assert.Equal(t, 1, rec.Stages[0].Seq)
	assert.Equal(t, "generate", rec.Stages[0].Stage)
	assert.Equal(t, 1500*time.Millisecond, rec.Stages[0].Duration)
	assert.Equal(t, "failure", rec.Stages[1].Status)
	assert.Equal(t, "make: *** Error 2", rec.Stages[1].Stderr)
}

func TestStoreCompleteWithError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openStore(t)

	id, err := s.Begin(ctx, BeginRequest{Backend: "questa", Task: "view", TestBench: "tb"})
	require.NoError(t, err)

	runErr := &sim.MissingArtifactError{Path: "/proj/sim/waves.wlf"}
	require.NoError(t, s.Complete(ctx, id, sim.Run{}, sim.Verdict{}, 1, runErr))

	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusError, rec.Status)
	assert.Empty(t, rec.Verdict)
	require.NotNil(t, rec.LastError)
	assert.Contains(t, *rec.LastError, "waves.wlf")
	assert.Empty(t, rec.Stages)
}

func TestStoreStoresMissingArtifactsAndCapsOutput(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openStore(t)

	id, err := s.Begin(ctx, BeginRequest{Backend: "icarus", Task: "run", TestBench: "tb"})
	require.NoError(t, err)

	big := strings.Repeat("x", maxOutputBytes+100)
	run := sim.Run{Stages: []sim.StageOutcome{{
		Stage:   "compile",
		Status:  sim.StageFailure,
		Stdout:  big,
		Missing: []string{"/proj/sim/sim.out"},
	}}}
	require.NoError(t, s.Complete(ctx, id, run, sim.Verdict{Outcome: sim.Fail, Reason: sim.ReasonMissingArtifact}, 0, nil))

	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Len(t, rec.Stages, 1)
	assert.Len(t, rec.Stages[0].Stdout, maxOutputBytes)
	assert.Equal(t, []string{"/proj/sim/sim.out"}, rec.Stages[0].Missing)
}

func TestStoreTruncatesOnRuneBoundary(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openStore(t)

	id, err := s.Begin(ctx, BeginRequest{Backend: "icarus", Task: "run", TestBench: "tb"})
	require.NoError(t, err)

	// A three-byte rune straddles the cap.
	out := strings.Repeat("x", maxOutputBytes-1) + "\u2713" + "tail"
	run := sim.Run{Stages: []sim.StageOutcome{{Stage: "execute", Status: sim.StageSuccess, Stdout: out}}}
	require.NoError(t, s.Complete(ctx, id, run, sim.Verdict{Outcome: sim.Pass}, 0, nil))

	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	got := rec.Stages[0].Stdout
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("x", maxOutputBytes-1), got)
}

func TestStoreConcurrentRuns(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openStore(t)

	const workers, perWorker = 8, 10
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		tb := fmt.Sprintf("tb%d", w)
		g.Go(func() error {
			for i := 0; i < perWorker; i++ {
				id, err := s.Begin(ctx, BeginRequest{Backend: "icarus", Task: "run", TestBench: tb})
				if err != nil {
					return err
				}
				run := sim.Run{Stages: []sim.StageOutcome{
					{Stage: "compile", Status: sim.StageSuccess},
					{Stage: "execute", Status: sim.StageSuccess, Stdout: "PASS"},
				}}
				if err := s.Complete(ctx, id, run, sim.Verdict{Outcome: sim.Pass}, 0, nil); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	recs, err := s.List(ctx, ListFilter{Limit: workers * perWorker * 2})
	require.NoError(t, err)
	require.Len(t, recs, workers*perWorker)
	for _, r := range recs {
		assert.Equal(t, StatusFinished, r.Status, r.ID)
	}
}

func TestStoreGetByPrefix(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openStore(t)

	id, err := s.Begin(ctx, BeginRequest{Backend: "icarus", Task: "lint", TestBench: "tb"})
	require.NoError(t, err)

	rec, err := s.Get(ctx, id[:8])
	require.NoError(t, err)
	assert.Equal(t, id, rec.ID)

	_, err = s.Get(ctx, "does-not-exist")
	assert.True(t, IsNotFound(err))
}

func TestStoreGetAmbiguousPrefix(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openStore(t)

	for i := 0; i < 2; i++ {
		_, err := s.Begin(ctx, BeginRequest{Backend: "icarus", Task: "lint", TestBench: "tb"})
		require.NoError(t, err)
	}

	// A bare wildcard prefix matches every run.
	_, err := s.Get(ctx, "%")
	assert.True(t, errors.Is(err, ErrAmbiguousRun))
}

func TestStoreCompleteUnknownRun(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	err := s.Complete(context.Background(), "missing", sim.Run{}, sim.Verdict{Outcome: sim.Pass}, 0, nil)
	assert.True(t, IsNotFound(err))
}

func TestStoreListAndPrune(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openStore(t)

	var ids []string
	for _, tb := range []string{"tb_a", "tb_b", "tb_a"} {
		id, err := s.Begin(ctx, BeginRequest{Backend: "icarus", Task: "run", TestBench: tb})
		require.NoError(t, err)
		ids = append(ids, id)
		time.Sleep(2 * time.Millisecond)
	}

	all, err := s.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, ids[2], all[0].ID, "newest first")

	onlyA, err := s.List(ctx, ListFilter{TestBench: "tb_a"})
	require.NoError(t, err)
	assert.Len(t, onlyA, 2)

	limited, err := s.List(ctx, ListFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	none, err := s.List(ctx, ListFilter{Backend: "questa"})
	require.NoError(t, err)
	assert.Empty(t, none)

	n, err := s.Prune(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	all, err = s.List(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestBeginValidates(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	_, err := s.Begin(context.Background(), BeginRequest{Task: "run"})
	assert.Error(t, err)
	_, err = s.Begin(context.Background(), BeginRequest{Backend: "icarus"})
	assert.Error(t, err)
}

func TestInputDigest(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.sv")
	b := filepath.Join(dir, "b.sv")
	require.NoError(t, os.WriteFile(a, []byte("module a; endmodule\n"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("module b; endmodule\n"), 0o644))

	d1, err := InputDigest([]string{a, b})
	require.NoError(t, err)
	d2, err := InputDigest([]string{b, a})
	require.NoError(t, err)
	assert.Equal(t, d1, d2, "order independent")
	assert.Len(t, d1, 64)

	require.NoError(t, os.WriteFile(b, []byte("module b2; endmodule\n"), 0o644))
	d3, err := InputDigest([]string{a, b})
	require.NoError(t, err)
	assert.NotEqual(t, d1, d3)

	empty, err := InputDigest(nil)
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = InputDigest([]string{filepath.Join(dir, "missing.sv")})
	assert.Error(t, err)
}
