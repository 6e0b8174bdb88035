package launcher

import (
	"context"
	"errors"
)

// EventPublisher receives lifecycle events for plugins: starting, running,
// crashed, restarting, stopped and start_failed.
//
// procmgr declares the same method set, so one implementation serves both.
type EventPublisher interface {
	// ReportLifecycleEvent delivers one event. metadata carries details such
	// as service, exit_code and error.
	ReportLifecycleEvent(ctx context.Context, eventType, message string, metadata map[string]string) error
}

// NoopEventPublisher is a no-op implementation for standalone mode
type NoopEventPublisher struct{}

// ReportLifecycleEvent does nothing
func (n *NoopEventPublisher) ReportLifecycleEvent(ctx context.Context, eventType, message string, metadata map[string]string) error {
	return nil
}

// MultiPublisher fans an event out to several publishers. Every publisher is
// called even when an earlier one fails.
type MultiPublisher []EventPublisher

// ReportLifecycleEvent forwards to each publisher and joins the errors
func (m MultiPublisher) ReportLifecycleEvent(ctx context.Context, eventType, message string, metadata map[string]string) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.ReportLifecycleEvent(ctx, eventType, message, metadata); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
