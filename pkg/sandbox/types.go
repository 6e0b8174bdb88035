package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

var (
	// ErrNotFound is returned when the command cannot be resolved to an executable
	ErrNotFound = errors.New("command not found")

	// ErrAlreadyRunning is returned when a live process is already registered under the name
	ErrAlreadyRunning = errors.New("process already running")
)

// StartError describes a failed launch
type StartError struct {
	Name    string
	Command string
	Err     error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("start %s (%s): %v", e.Name, e.Command, e.Err)
}

func (e *StartError) Unwrap() error {
	return e.Err
}

// IsolationLevel selects how strictly a child is separated from the runner
type IsolationLevel int

const (
	// IsolationNone runs the child in the runner's process group
	IsolationNone IsolationLevel = iota
	// IsolationProcessGroup gives the child its own process group so the whole tree can be signalled
	IsolationProcessGroup
	// IsolationLimited adds best-effort resource limits on top of a process group
	IsolationLimited
)

// String returns the string representation of the isolation level
func (level IsolationLevel) String() string {
	switch level {
	case IsolationNone:
		return "none"
	case IsolationProcessGroup:
		return "process_group"
	case IsolationLimited:
		return "limited"
	default:
		return "unknown"
	}
}

// ParseIsolationLevel parses the manifest spelling of an isolation level.
// An empty string selects IsolationProcessGroup.
func ParseIsolationLevel(s string) (IsolationLevel, error) {
	switch s {
	case "none":
		return IsolationNone, nil
	case "", "process_group":
		return IsolationProcessGroup, nil
	case "limited":
		return IsolationLimited, nil
	default:
		return IsolationNone, fmt.Errorf("invalid isolation level: %q (must be none, process_group, or limited)", s)
	}
}

// ResourceLimits are applied per process; zero means unlimited
type ResourceLimits struct {
	MaxMemoryBytes uint64
	MaxCPUSeconds  uint64
	MaxOpenFiles   uint64
}

// IsZero reports whether no limit is set
func (l ResourceLimits) IsZero() bool {
	return l.MaxMemoryBytes == 0 && l.MaxCPUSeconds == 0 && l.MaxOpenFiles == 0
}

// StartSpec describes a single launch
type StartSpec struct {
	Name      string
	Command   string
	Args      []string
	Dir       string
	Env       map[string]string
	Isolation IsolationLevel
	Limits    ResourceLimits

	// Stdout and Stderr default to the runner's own streams
	Stdout io.Writer
	Stderr io.Writer
}

// ProcessHandle is a live or exited child process.
//
// Alive is a non-blocking poll; Done delivers the same information as a
// channel for backends that get structured exit notification.
type ProcessHandle interface {
	Name() string
	PID() int
	StartedAt() time.Time

	// Alive reports whether the process is still running
	Alive() bool

	// ExitCode returns the exit code once the process has exited.
	// Processes killed by a signal report 128+signal.
	ExitCode() (code int, exited bool)

	// Done is closed when the process exits
	Done() <-chan struct{}

	// Stop terminates the process: graceful signal, wait up to grace, then force kill.
	// Returns true only when the process is confirmed gone.
	Stop(ctx context.Context, grace time.Duration) (bool, error)
}

// Runner launches and stops named processes
type Runner interface {
	Start(ctx context.Context, spec StartSpec) (ProcessHandle, error)
	Stop(ctx context.Context, name string, grace time.Duration) (bool, error)
}
