package procmgr

import "context"

// Lifecycle event types reported by the Supervisor
const (
	EventStarting   = "starting"
	EventRunning    = "running"
	EventCrashed    = "crashed"
	EventRestarting = "restarting"
	EventStopped    = "stopped"
	EventStartFail  = "start_failed"
)

// EventPublisher receives service lifecycle events.
//
// metadata always carries "service"; crash events add "exit_code" and
// "restart_count", failures add "error".
type EventPublisher interface {
	ReportLifecycleEvent(ctx context.Context, eventType, message string, metadata map[string]string) error
}

// NoopEventPublisher discards events
type NoopEventPublisher struct{}

// ReportLifecycleEvent does nothing
func (NoopEventPublisher) ReportLifecycleEvent(ctx context.Context, eventType, message string, metadata map[string]string) error {
	return nil
}
