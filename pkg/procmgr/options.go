package procmgr

import (
	"log/slog"
	"time"
)

// Option configures the Supervisor
type Option func(*Supervisor)

// WithCheckInterval sets the watch loop interval
func WithCheckInterval(d time.Duration) Option {
	return func(s *Supervisor) {
		s.checkInterval = d
	}
}

// WithMaxRestartBackoff caps the delay between failed restart attempts
func WithMaxRestartBackoff(d time.Duration) Option {
	return func(s *Supervisor) {
		s.maxRestartBackoff = d
	}
}

// WithShutdownTimeout bounds Stop before remaining services are force killed
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		s.shutdownTimeout = d
	}
}

// WithMetricsCollector sets the metrics collector
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(s *Supervisor) {
		s.metrics = mc
	}
}

// WithEventPublisher sets where lifecycle events are reported
func WithEventPublisher(p EventPublisher) Option {
	return func(s *Supervisor) {
		s.events = p
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) {
		s.logger = logger
	}
}
