package procmgr

import (
	"context"
	"errors"
	"time"

	"github.com/chango112595-cell/Aurora-x-sub008/pkg/sandbox"
)

var (
	// ErrAlreadyRegistered is returned by Register for a duplicate service name
	ErrAlreadyRegistered = errors.New("service already registered")

	// ErrNotRegistered is returned for operations on an unknown service
	ErrNotRegistered = errors.New("service not registered")

	// ErrAlreadyStarted is returned by a second call to Start
	ErrAlreadyStarted = errors.New("supervisor already started")

	// ErrStopped is returned once the supervisor has been stopped
	ErrStopped = errors.New("supervisor stopped")
)

// ServiceStatus is the lifecycle state of a supervised service
type ServiceStatus int

const (
	// StatusStarting - first launch in progress
	StatusStarting ServiceStatus = iota
	// StatusRunning - process is alive
	StatusRunning
	// StatusCrashed - process exited, or a launch failed
	StatusCrashed
	// StatusRestarting - relaunch after a crash in progress
	StatusRestarting
	// StatusStopped - terminal, reached only through an explicit stop
	StatusStopped
)

// String returns the string representation of a ServiceStatus
func (s ServiceStatus) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusCrashed:
		return "crashed"
	case StatusRestarting:
		return "restarting"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// MarshalText lets the status serialize as its name
func (s ServiceStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StartFunc launches one instance of a service. It is called for the first
// start and again for every restart.
type StartFunc func(ctx context.Context) (sandbox.ProcessHandle, error)

// ServiceOption configures a registered service
type ServiceOption func(*service)

// WithRestartOnCrash sets the restart policy (default true)
func WithRestartOnCrash(enabled bool) ServiceOption {
	return func(s *service) {
		s.restartOnCrash = enabled
	}
}

// WithGracePeriod sets how long Stop waits before force killing the service
func WithGracePeriod(d time.Duration) ServiceOption {
	return func(s *service) {
		s.gracePeriod = d
	}
}

// ServiceHandle is a point-in-time snapshot of one service.
// PID is only set while Status is StatusRunning.
type ServiceHandle struct {
	Name           string        `json:"name"`
	PID            int           `json:"pid,omitempty"`
	StartTime      time.Time     `json:"start_time,omitempty"`
	Status         ServiceStatus `json:"status"`
	RestartCount   int           `json:"restart_count"`
	RestartOnCrash bool          `json:"restart_on_crash"`
	LastExitCode   *int          `json:"last_exit_code,omitempty"`
	LastError      string        `json:"last_error,omitempty"`
	NextRestartAt  time.Time     `json:"next_restart_at,omitempty"`
}

// service is the supervisor-owned record behind a ServiceHandle
type service struct {
	name           string
	start          StartFunc
	restartOnCrash bool
	gracePeriod    time.Duration

	status    ServiceStatus
	handle    sandbox.ProcessHandle
	startTime time.Time

	restartCount     int
	consecutiveFails int
	lastExitCode     *int
	lastError        error
	nextRestartAt    time.Time
}

func (s *service) snapshot() ServiceHandle {
	h := ServiceHandle{
		Name:           s.name,
		StartTime:      s.startTime,
		Status:         s.status,
		RestartCount:   s.restartCount,
		RestartOnCrash: s.restartOnCrash,
		NextRestartAt:  s.nextRestartAt,
	}
	if s.status == StatusRunning && s.handle != nil {
		h.PID = s.handle.PID()
	}
	if s.lastExitCode != nil {
		code := *s.lastExitCode
		h.LastExitCode = &code
	}
	if s.lastError != nil {
		h.LastError = s.lastError.Error()
	}
	return h
}

// HealthCheck summarizes the supervisor
type HealthCheck struct {
	TotalServices   int `json:"total_services"`
	RunningServices int `json:"running_services"`
	CrashedServices int `json:"crashed_services"`
	StoppedServices int `json:"stopped_services"`
	PendingRestarts int `json:"pending_restarts"`
	TotalRestarts   int `json:"total_restarts"`
}

// Healthy is true when every service that is not stopped is running
func (h HealthCheck) Healthy() bool {
	return h.RunningServices+h.StoppedServices == h.TotalServices
}
