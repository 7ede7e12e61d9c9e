package sim

import (
	"errors"
	"fmt"
)

var (
	ErrConfiguration   = errors.New("configuration error")
	ErrProcessFailure  = errors.New("process failure")
	ErrMissingArtifact = errors.New("missing artifact")
)

// ConfigurationError reports an unsupported backend/task combination or an
// unusable project setting. It is fatal and never retried.
type ConfigurationError struct {
	Backend Backend
	Task    Task
	Msg     string
}

func (e *ConfigurationError) Error() string {
	switch {
	case e.Msg != "":
		return e.Msg
	case e.Backend != "" && e.Task != "":
		return fmt.Sprintf("task %q is not supported by backend %q", e.Task, e.Backend)
	default:
		return "configuration error"
	}
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// Unsupported builds the ConfigurationError for a backend/task pair.
func Unsupported(b Backend, t Task, detail string) *ConfigurationError {
	msg := fmt.Sprintf("task %q is not supported by backend %q", t, b)
	if detail != "" {
		msg += ": " + detail
	}
	return &ConfigurationError{Backend: b, Task: t, Msg: msg}
}

// ProcessFailure reports an external tool that exited non-zero, could not be
// started, or did not produce its declared artifacts.
type ProcessFailure struct {
	Stage    string
	Command  string
	ExitCode int
	Output   string
	Stderr   string
	Missing  []string
}

func (e *ProcessFailure) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("stage %q exited %d but did not produce %v", e.Stage, e.ExitCode, e.Missing)
	}
	return fmt.Sprintf("stage %q failed with exit code %d: %s", e.Stage, e.ExitCode, e.Command)
}

func (e *ProcessFailure) Is(target error) bool { return target == ErrProcessFailure }

// FailureFrom converts the terminal outcome of a failed run into a
// ProcessFailure. It returns nil when the run did not fail.
func FailureFrom(r Run) *ProcessFailure {
	t, ok := r.Terminal()
	if !ok || t.Status != StageFailure {
		return nil
	}
	return &ProcessFailure{
		Stage:    t.Stage,
		Command:  t.Command,
		ExitCode: t.ExitCode,
		Output:   t.Stdout,
		Stderr:   t.Stderr,
		Missing:  t.Missing,
	}
}

// MissingArtifactError reports an absent precondition file or directory.
type MissingArtifactError struct {
	Path string
	Hint string
}

func (e *MissingArtifactError) Error() string {
	if e.Hint == "" {
		return fmt.Sprintf("required artifact %s does not exist", e.Path)
	}
	return fmt.Sprintf("required artifact %s does not exist; %s", e.Path, e.Hint)
}

func (e *MissingArtifactError) Is(target error) bool { return target == ErrMissingArtifact }
