package history

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a recorded run.
type Status string

const (
	// StatusRunning marks a run that has started and not yet completed.
	StatusRunning Status = "running"
	// StatusFinished marks a run that reached a verdict.
	StatusFinished Status = "finished"
	// StatusError marks a run that stopped before a verdict (configuration
	// errors, missing waveforms, cancellation).
	StatusError Status = "error"
)

// Record is one persisted invocation.
type Record struct {
	ID          string
	Backend     string
	Task        string
	TestBench   string
	LayoutRoot  string
	Status      Status
	Verdict     string
	Reason      string
	ExitCode    int
	InputDigest string
	LastError   *string
	CreatedAt   time.Time
	CompletedAt *time.Time
	Stages      []Stage
}

// Stage is one persisted stage outcome.
type Stage struct {
	Seq       int
	Stage     string
	Command   string
	Status    string
	ExitCode  int
	Stdout    string
	Stderr    string
	Missing   []string
	LastError string
	Duration  time.Duration
}

// BeginRequest describes a run about to execute.
type BeginRequest struct {
	Backend     string
	Task        string
	TestBench   string
	LayoutRoot  string
	InputDigest string
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	TestBench string
	Backend   string
	Limit     int
}

var (
	ErrRunNotFound  = errors.New("run not found")
	ErrAmbiguousRun = errors.New("run id prefix matches more than one run")
)
