package procmgr

import (
	"time"
)

// MetricsCollector defines the interface for collecting supervisor metrics
type MetricsCollector interface {
	// ServiceStateTransition records a state transition for a service
	ServiceStateTransition(name string, fromState, toState ServiceStatus)

	// ServiceCrash records an observed process exit
	ServiceCrash(name string, exitCode int)

	// ServiceRestart records a successful restart
	ServiceRestart(name string)

	// ServiceStartFailure records a failed launch or relaunch
	ServiceStartFailure(name string)

	// RestartBackoff records the delay before the next restart attempt
	RestartBackoff(name string, delay time.Duration)

	// WatchIteration records the duration of one watch loop pass
	WatchIteration(duration time.Duration)

	// RunningServices records the number of running services
	RunningServices(count int)
}

// noopMetricsCollector is a no-op implementation of MetricsCollector
type noopMetricsCollector struct{}

func (n *noopMetricsCollector) ServiceStateTransition(name string, fromState, toState ServiceStatus) {
}
func (n *noopMetricsCollector) ServiceCrash(name string, exitCode int)          {}
func (n *noopMetricsCollector) ServiceRestart(name string)                      {}
func (n *noopMetricsCollector) ServiceStartFailure(name string)                 {}
func (n *noopMetricsCollector) RestartBackoff(name string, delay time.Duration) {}
func (n *noopMetricsCollector) WatchIteration(duration time.Duration)           {}
func (n *noopMetricsCollector) RunningServices(count int)                       {}

// NewNoopMetricsCollector creates a no-op metrics collector
func NewNoopMetricsCollector() MetricsCollector {
	return &noopMetricsCollector{}
}
