package procmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/chango112595-cell/Aurora-x-sub008/pkg/sandbox"
)

// Supervisor owns the service registry: it starts every registered service,
// polls liveness on a fixed interval and restarts services that exit.
//
// Register, the watch loop and Stop are serialized by one registry lock.
// Status reads take the read side and always see a consistent snapshot.
type Supervisor struct {
	mu       sync.RWMutex
	services map[string]*service
	order    []string

	checkInterval     time.Duration
	maxRestartBackoff time.Duration
	shutdownTimeout   time.Duration
	defaultGrace      time.Duration

	restarts RestartQueue
	metrics  MetricsCollector
	events   EventPublisher
	logger   *slog.Logger

	started  bool
	stopped  bool
	runCtx   context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}
}

type lifecycleEvent struct {
	eventType string
	message   string
	metadata  map[string]string
}

// NewSupervisor creates a supervisor
func NewSupervisor(opts ...Option) *Supervisor {
	s := &Supervisor{
		services:          make(map[string]*service),
		checkInterval:     2 * time.Second,
		maxRestartBackoff: 60 * time.Second,
		shutdownTimeout:   30 * time.Second,
		defaultGrace:      10 * time.Second,
		restarts:          NewRestartQueue(),
		metrics:           NewNoopMetricsCollector(),
		events:            NoopEventPublisher{},
		logger:            slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "supervisor")

	return s
}

// Register adds a service. Registering a name twice is an error.
// Services registered after Start are launched immediately.
func (s *Supervisor) Register(name string, start StartFunc, opts ...ServiceOption) error {
	if name == "" {
		return errors.New("service name is required")
	}
	if start == nil {
		return fmt.Errorf("service %s: start function is required", name)
	}

	svc := &service{
		name:           name,
		start:          start,
		restartOnCrash: true,
		gracePeriod:    s.defaultGrace,
		status:         StatusStarting,
	}
	for _, opt := range opts {
		opt(svc)
	}

	var events []lifecycleEvent

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if _, exists := s.services[name]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, name)
	}
	s.services[name] = svc
	s.order = append(s.order, name)
	if s.started {
		s.launch(s.runCtx, svc, &events)
	}
	s.mu.Unlock()

	s.logger.Info("service registered", "service", name, "restart_on_crash", svc.restartOnCrash)
	s.publish(events)
	return nil
}

// Start launches every registered service once and begins the watch loop.
// The loop runs until Stop; ctx only bounds this call.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var events []lifecycleEvent

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.runCtx, s.cancel = context.WithCancel(context.Background())
	s.loopDone = make(chan struct{})

	for _, name := range s.order {
		s.launch(s.runCtx, s.services[name], &events)
	}
	count := len(s.order)
	s.mu.Unlock()

	s.publish(events)
	go s.watchLoop()

	s.logger.Info("supervisor started", "services", count, "check_interval", s.checkInterval)
	return nil
}

// Stop ends the watch loop and terminates every service in reverse
// registration order. It blocks until all services are confirmed gone or the
// shutdown timeout elapses; services still alive then are force killed.
//
// Callers must not invoke Stop concurrently. A second call returns nil.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	wasStarted := s.started
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	if wasStarted {
		<-s.loopDone
	}

	s.logger.Info("supervisor stopping")

	stopCtx, cancel := context.WithTimeout(ctx, s.shutdownTimeout)
	defer cancel()

	type stopTarget struct {
		name   string
		handle sandbox.ProcessHandle
		grace  time.Duration
	}

	s.mu.RLock()
	targets := make([]stopTarget, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		svc := s.services[s.order[i]]
		if svc.handle != nil && svc.handle.Alive() {
			targets = append(targets, stopTarget{name: svc.name, handle: svc.handle, grace: svc.gracePeriod})
		}
	}
	s.mu.RUnlock()

	var errs []error
	for _, target := range targets {
		stopped, err := target.handle.Stop(stopCtx, target.grace)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("stop %s: %w", target.name, err))
		case !stopped:
			errs = append(errs, fmt.Errorf("stop %s: process still running", target.name))
		}
	}

	var events []lifecycleEvent
	s.mu.Lock()
	for i := len(s.order) - 1; i >= 0; i-- {
		svc := s.services[s.order[i]]
		s.restarts.Remove(svc.name)
		svc.nextRestartAt = time.Time{}
		if svc.status != StatusStopped {
			s.transition(svc, StatusStopped)
			events = append(events, lifecycleEvent{
				eventType: EventStopped,
				message:   fmt.Sprintf("service %s stopped", svc.name),
				metadata:  map[string]string{"service": svc.name},
			})
		}
	}
	s.mu.Unlock()

	s.metrics.RunningServices(0)
	s.publish(events)

	if err := errors.Join(errs...); err != nil {
		s.logger.Error("supervisor stopped with errors", "error", err)
		return err
	}
	s.logger.Info("supervisor stopped")
	return nil
}

// StopService permanently stops one service. It will not be restarted.
func (s *Supervisor) StopService(ctx context.Context, name string) error {
	s.mu.Lock()
	svc, ok := s.services[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	if svc.status == StatusStopped {
		s.mu.Unlock()
		return nil
	}
	handle := svc.handle
	grace := svc.gracePeriod
	s.restarts.Remove(name)
	svc.nextRestartAt = time.Time{}
	s.transition(svc, StatusStopped)
	s.mu.Unlock()

	var stopErr error
	if handle != nil && handle.Alive() {
		stopped, err := handle.Stop(ctx, grace)
		if err == nil && !stopped {
			err = errors.New("process still running")
		}
		if err != nil {
			stopErr = fmt.Errorf("stop %s: %w", name, err)
		}
	}

	s.publish([]lifecycleEvent{{
		eventType: EventStopped,
		message:   fmt.Sprintf("service %s stopped", name),
		metadata:  map[string]string{"service": name},
	}})
	return stopErr
}

// Services returns snapshots of every service in registration order
func (s *Supervisor) Services() []ServiceHandle {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ServiceHandle, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.services[name].snapshot())
	}
	return out
}

// Service returns a snapshot of one service
func (s *Supervisor) Service(name string) (ServiceHandle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	svc, ok := s.services[name]
	if !ok {
		return ServiceHandle{}, false
	}
	return svc.snapshot(), true
}

// Health returns aggregate counts over all services
func (s *Supervisor) Health() HealthCheck {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var health HealthCheck
	for _, svc := range s.services {
		health.TotalServices++
		health.TotalRestarts += svc.restartCount
		switch svc.status {
		case StatusRunning:
			health.RunningServices++
		case StatusCrashed:
			health.CrashedServices++
		case StatusStopped:
			health.StoppedServices++
		}
	}
	health.PendingRestarts = s.restarts.Len()
	return health
}

// watchLoop runs one check per tick. A tick that arrives while a check is
// still running is dropped, so checks never overlap.
func (s *Supervisor) watchLoop() {
	defer close(s.loopDone)

	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.runCtx.Done():
			return
		case <-ticker.C:
			s.checkOnce()
		}
	}
}

// checkOnce polls every running service, handles exits, then retries
// crashed services whose backoff has elapsed
func (s *Supervisor) checkOnce() {
	began := time.Now()
	var events []lifecycleEvent

	s.mu.Lock()
	if s.runCtx.Err() != nil {
		s.mu.Unlock()
		return
	}

	for _, name := range s.order {
		svc := s.services[name]
		if svc.status != StatusRunning || svc.handle.Alive() {
			continue
		}

		code, _ := svc.handle.ExitCode()
		svc.lastExitCode = &code
		pid := svc.handle.PID()
		s.transition(svc, StatusCrashed)
		s.metrics.ServiceCrash(name, code)

		s.logger.Warn("service exited",
			"service", name,
			"pid", pid,
			"exit_code", code,
			"restart_count", svc.restartCount,
			"restart_on_crash", svc.restartOnCrash)
		events = append(events, lifecycleEvent{
			eventType: EventCrashed,
			message:   fmt.Sprintf("service %s exited with code %d", name, code),
			metadata: map[string]string{
				"service":       name,
				"pid":           strconv.Itoa(pid),
				"exit_code":     strconv.Itoa(code),
				"restart_count": strconv.Itoa(svc.restartCount),
			},
		})

		if svc.restartOnCrash {
			s.restart(s.runCtx, svc, &events)
		}
	}

	for {
		name, ok := s.restarts.Dequeue()
		if !ok {
			break
		}
		svc, exists := s.services[name]
		if !exists || svc.status != StatusCrashed {
			continue
		}
		s.restart(s.runCtx, svc, &events)
	}

	running := 0
	for _, svc := range s.services {
		if svc.status == StatusRunning {
			running++
		}
	}
	s.mu.Unlock()

	s.metrics.RunningServices(running)
	s.metrics.WatchIteration(time.Since(began))
	s.publish(events)
}

// launch performs the first start of svc. Caller holds s.mu.
func (s *Supervisor) launch(ctx context.Context, svc *service, events *[]lifecycleEvent) {
	s.transition(svc, StatusStarting)
	*events = append(*events, lifecycleEvent{
		eventType: EventStarting,
		message:   fmt.Sprintf("starting service %s", svc.name),
		metadata:  map[string]string{"service": svc.name},
	})

	handle, err := svc.start(ctx)
	if err != nil {
		s.startFailed(svc, err, events)
		return
	}
	s.running(svc, handle, events)
}

// restart relaunches a crashed svc. Caller holds s.mu.
func (s *Supervisor) restart(ctx context.Context, svc *service, events *[]lifecycleEvent) {
	s.transition(svc, StatusRestarting)
	*events = append(*events, lifecycleEvent{
		eventType: EventRestarting,
		message:   fmt.Sprintf("restarting service %s", svc.name),
		metadata: map[string]string{
			"service":       svc.name,
			"restart_count": strconv.Itoa(svc.restartCount),
		},
	})

	handle, err := svc.start(ctx)
	if err != nil {
		s.startFailed(svc, err, events)
		return
	}

	svc.restartCount++
	s.metrics.ServiceRestart(svc.name)
	s.running(svc, handle, events)
}

func (s *Supervisor) running(svc *service, handle sandbox.ProcessHandle, events *[]lifecycleEvent) {
	svc.handle = handle
	svc.startTime = handle.StartedAt()
	svc.lastError = nil
	svc.consecutiveFails = 0
	svc.nextRestartAt = time.Time{}
	s.transition(svc, StatusRunning)

	s.logger.Info("service running",
		"service", svc.name,
		"pid", handle.PID(),
		"restart_count", svc.restartCount)
	*events = append(*events, lifecycleEvent{
		eventType: EventRunning,
		message:   fmt.Sprintf("service %s running", svc.name),
		metadata: map[string]string{
			"service":       svc.name,
			"pid":           strconv.Itoa(handle.PID()),
			"restart_count": strconv.Itoa(svc.restartCount),
		},
	})
}

func (s *Supervisor) startFailed(svc *service, err error, events *[]lifecycleEvent) {
	svc.lastError = err
	svc.consecutiveFails++
	s.transition(svc, StatusCrashed)
	s.metrics.ServiceStartFailure(svc.name)

	meta := map[string]string{
		"service": svc.name,
		"error":   err.Error(),
	}

	if svc.restartOnCrash {
		delay := ExponentialBackoff(svc.consecutiveFails-1, s.checkInterval, s.maxRestartBackoff)
		// Ticks land at whole intervals; eligibility half an interval early
		// puts the retry on the tick nearest delay instead of one tick late
		svc.nextRestartAt = s.restarts.Schedule(svc.name, delay-s.checkInterval/2)
		s.metrics.RestartBackoff(svc.name, delay)
		meta["retry_in"] = delay.String()
	}

	s.logger.Error("service failed to start",
		"service", svc.name,
		"error", err,
		"attempt", svc.consecutiveFails,
		"next_restart_at", svc.nextRestartAt)
	*events = append(*events, lifecycleEvent{
		eventType: EventStartFail,
		message:   fmt.Sprintf("service %s failed to start: %v", svc.name, err),
		metadata:  meta,
	})
}

func (s *Supervisor) transition(svc *service, to ServiceStatus) {
	from := svc.status
	if from == to {
		return
	}
	svc.status = to
	s.metrics.ServiceStateTransition(svc.name, from, to)
	s.logger.Debug("service state transition", "service", svc.name, "from", from.String(), "to", to.String())
}

func (s *Supervisor) publish(events []lifecycleEvent) {
	for _, ev := range events {
		if err := s.events.ReportLifecycleEvent(context.Background(), ev.eventType, ev.message, ev.metadata); err != nil {
			s.logger.Debug("lifecycle event not delivered", "event", ev.eventType, "error", err)
		}
	}
}
