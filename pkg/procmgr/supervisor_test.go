package procmgr

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/chango112595-cell/Aurora-x-sub008/pkg/sandbox"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// stopLog records the order in which fake handles are stopped
type stopLog struct {
	mu    sync.Mutex
	names []string
}

func (l *stopLog) add(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.names = append(l.names, name)
}

func (l *stopLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.names...)
}

// fakeHandle is a ProcessHandle whose exit is driven by the test
type fakeHandle struct {
	name    string
	pid     int
	started time.Time
	log     *stopLog
	done    chan struct{}

	mu     sync.Mutex
	exited bool
	code   int
}

func newFakeHandle(name string, pid int, log *stopLog) *fakeHandle {
	return &fakeHandle{name: name, pid: pid, started: time.Now(), log: log, done: make(chan struct{})}
}

func (h *fakeHandle) exit(code int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exited {
		return
	}
	h.exited = true
	h.code = code
	close(h.done)
}

func (h *fakeHandle) Name() string          { return h.name }
func (h *fakeHandle) PID() int              { return h.pid }
func (h *fakeHandle) StartedAt() time.Time  { return h.started }
func (h *fakeHandle) Done() <-chan struct{} { return h.done }

func (h *fakeHandle) Alive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.exited
}

func (h *fakeHandle) ExitCode() (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.code, h.exited
}

func (h *fakeHandle) Stop(ctx context.Context, grace time.Duration) (bool, error) {
	if h.log != nil {
		h.log.add(h.name)
	}
	h.exit(143)
	return true, nil
}

// fakeLauncher hands out fake handles and can be told to fail
type fakeLauncher struct {
	name string
	log  *stopLog

	mu       sync.Mutex
	starts   int
	failNext int
	handles  []*fakeHandle
}

func (l *fakeLauncher) start(ctx context.Context) (sandbox.ProcessHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.starts++
	if l.failNext > 0 {
		l.failNext--
		return nil, errors.New("launch failed")
	}
	h := newFakeHandle(l.name, 1000+l.starts, l.log)
	l.handles = append(l.handles, h)
	return h, nil
}

func (l *fakeLauncher) current() *fakeHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handles[len(l.handles)-1]
}

func (l *fakeLauncher) startCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.starts
}

// recordingPublisher keeps every lifecycle event
type recordingPublisher struct {
	mu     sync.Mutex
	events []string
	meta   []map[string]string
}

func (p *recordingPublisher) ReportLifecycleEvent(ctx context.Context, eventType, message string, metadata map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, eventType)
	p.meta = append(p.meta, metadata)
	return nil
}

func (p *recordingPublisher) find(eventType string) (map[string]string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, ev := range p.events {
		if ev == eventType {
			return p.meta[i], true
		}
	}
	return nil, false
}

func newTestSupervisor(opts ...Option) *Supervisor {
	base := []Option{
		WithCheckInterval(20 * time.Millisecond),
		WithMaxRestartBackoff(100 * time.Millisecond),
		WithShutdownTimeout(2 * time.Second),
	}
	return NewSupervisor(append(base, opts...)...)
}

func TestSupervisor_RegisterDuplicate(t *testing.T) {
	sup := newTestSupervisor()
	l := &fakeLauncher{name: "svc"}

	require.NoError(t, sup.Register("svc", l.start))
	err := sup.Register("svc", l.start)
	assert.ErrorIs(t, err, ErrAlreadyRegistered)

	assert.Error(t, sup.Register("", l.start))
	assert.Error(t, sup.Register("nil-start", nil))
}

func TestSupervisor_StartLaunchesEveryService(t *testing.T) {
	sup := newTestSupervisor()
	ctx := context.Background()

	launchers := map[string]*fakeLauncher{}
	for _, name := range []string{"alpha", "bravo", "charlie"} {
		l := &fakeLauncher{name: name}
		launchers[name] = l
		require.NoError(t, sup.Register(name, l.start))
	}

	require.NoError(t, sup.Start(ctx))
	defer sup.Stop(ctx)

	assert.ErrorIs(t, sup.Start(ctx), ErrAlreadyStarted)

	services := sup.Services()
	require.Len(t, services, 3)
	for i, name := range []string{"alpha", "bravo", "charlie"} {
		assert.Equal(t, name, services[i].Name, "snapshots keep registration order")
		assert.Equal(t, StatusRunning, services[i].Status)
		assert.Equal(t, launchers[name].current().PID(), services[i].PID)
		assert.Equal(t, 0, services[i].RestartCount)
		assert.Equal(t, 1, launchers[name].startCount())
	}
}

func TestSupervisor_RestartsCrashedService(t *testing.T) {
	events := &recordingPublisher{}
	metrics := NewPrometheusMetricsCollector("test")
	sup := newTestSupervisor(WithEventPublisher(events), WithMetricsCollector(metrics))
	ctx := context.Background()

	l := &fakeLauncher{name: "worker"}
	require.NoError(t, sup.Register("worker", l.start))
	require.NoError(t, sup.Start(ctx))
	defer sup.Stop(ctx)

	first := l.current()
	first.exit(1)

	require.Eventually(t, func() bool {
		h, _ := sup.Service("worker")
		return h.Status == StatusRunning && h.RestartCount == 1
	}, time.Second, 5*time.Millisecond)

	h, ok := sup.Service("worker")
	require.True(t, ok)
	require.NotNil(t, h.LastExitCode)
	assert.Equal(t, 1, *h.LastExitCode)
	assert.NotEqual(t, first.PID(), h.PID)
	assert.Equal(t, 2, l.startCount())

	meta, ok := events.find(EventCrashed)
	require.True(t, ok, "crash must be reported")
	assert.Equal(t, "worker", meta["service"])
	assert.Equal(t, "1", meta["exit_code"])

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.restarts.WithLabelValues("worker")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.crashes.WithLabelValues("worker", "1")))

	// A second crash increments the count by exactly one more.
	l.current().exit(2)
	require.Eventually(t, func() bool {
		h, _ := sup.Service("worker")
		return h.Status == StatusRunning && h.RestartCount == 2
	}, time.Second, 5*time.Millisecond)
}

func TestSupervisor_NoRestartWhenPolicyDisabled(t *testing.T) {
	sup := newTestSupervisor()
	ctx := context.Background()

	l := &fakeLauncher{name: "oneshot"}
	require.NoError(t, sup.Register("oneshot", l.start, WithRestartOnCrash(false)))
	require.NoError(t, sup.Start(ctx))
	defer sup.Stop(ctx)

	l.current().exit(0)

	require.Eventually(t, func() bool {
		h, _ := sup.Service("oneshot")
		return h.Status == StatusCrashed
	}, time.Second, 5*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	h, _ := sup.Service("oneshot")
	assert.Equal(t, StatusCrashed, h.Status)
	assert.Equal(t, 0, h.PID, "pid is only reported while running")
	assert.Equal(t, 1, l.startCount())
}

func TestSupervisor_RetriesFailedStartWithBackoff(t *testing.T) {
	events := &recordingPublisher{}
	sup := newTestSupervisor(WithEventPublisher(events))
	ctx := context.Background()

	l := &fakeLauncher{name: "flaky", failNext: 2}
	require.NoError(t, sup.Register("flaky", l.start))
	require.NoError(t, sup.Start(ctx))
	defer sup.Stop(ctx)

	h, _ := sup.Service("flaky")
	assert.Equal(t, StatusCrashed, h.Status)
	assert.Equal(t, "launch failed", h.LastError)
	assert.False(t, h.NextRestartAt.IsZero())

	require.Eventually(t, func() bool {
		h, _ := sup.Service("flaky")
		return h.Status == StatusRunning
	}, 2*time.Second, 5*time.Millisecond)

	h, _ = sup.Service("flaky")
	assert.Equal(t, 3, l.startCount())
	assert.Equal(t, 1, h.RestartCount)
	assert.Empty(t, h.LastError)
	assert.True(t, h.NextRestartAt.IsZero())

	_, ok := events.find(EventStartFail)
	assert.True(t, ok)
}

func TestSupervisor_FailedStartRetriesOnNearestTick(t *testing.T) {
	interval := time.Second
	sup := NewSupervisor(WithCheckInterval(interval), WithMaxRestartBackoff(time.Minute))
	clock := time.Unix(1_700_000_000, 0)
	q := sup.restarts.(*restartQueue)
	q.now = func() time.Time { return clock }

	l := &fakeLauncher{name: "flaky", failNext: 5}
	require.NoError(t, sup.Register("flaky", l.start))

	for attempt := 1; attempt <= 3; attempt++ {
		sup.mu.Lock()
		svc := sup.services["flaky"]
		var events []lifecycleEvent
		sup.startFailed(svc, errors.New("launch failed"), &events)
		sup.mu.Unlock()

		require.Len(t, events, 1)
		delay, err := time.ParseDuration(events[0].metadata["retry_in"])
		require.NoError(t, err)
		tick := delay.Round(interval)
		failedAt := clock

		clock = failedAt.Add(tick - interval)
		_, ok := q.Dequeue()
		assert.False(t, ok, "attempt %d: not ready a tick before %s", attempt, tick)

		// ticks drift slightly past whole intervals
		clock = failedAt.Add(tick + time.Millisecond)
		name, ok := q.Dequeue()
		require.True(t, ok, "attempt %d: ready on the tick at %s for backoff %s", attempt, tick, delay)
		assert.Equal(t, "flaky", name)
	}
}

func TestSupervisor_StopInReverseOrder(t *testing.T) {
	events := &recordingPublisher{}
	sup := newTestSupervisor(WithEventPublisher(events))
	ctx := context.Background()
	log := &stopLog{}

	for _, name := range []string{"first", "second", "third"} {
		l := &fakeLauncher{name: name, log: log}
		require.NoError(t, sup.Register(name, l.start))
	}
	require.NoError(t, sup.Start(ctx))

	require.NoError(t, sup.Stop(ctx))
	assert.Equal(t, []string{"third", "second", "first"}, log.get())

	for _, h := range sup.Services() {
		assert.Equal(t, StatusStopped, h.Status)
		assert.Equal(t, 0, h.PID)
	}
	_, ok := events.find(EventStopped)
	assert.True(t, ok)

	assert.NoError(t, sup.Stop(ctx), "second stop is a no-op")
	assert.ErrorIs(t, sup.Register("late", (&fakeLauncher{name: "late"}).start), ErrStopped)
	assert.ErrorIs(t, sup.Start(ctx), ErrStopped)
}

func TestSupervisor_StopWithoutStart(t *testing.T) {
	sup := newTestSupervisor()
	l := &fakeLauncher{name: "idle"}
	require.NoError(t, sup.Register("idle", l.start))

	require.NoError(t, sup.Stop(context.Background()))
	assert.Equal(t, 0, l.startCount())
}

func TestSupervisor_StopServiceIsTerminal(t *testing.T) {
	sup := newTestSupervisor()
	ctx := context.Background()

	l := &fakeLauncher{name: "api"}
	require.NoError(t, sup.Register("api", l.start))
	require.NoError(t, sup.Start(ctx))
	defer sup.Stop(ctx)

	require.NoError(t, sup.StopService(ctx, "api"))
	assert.False(t, l.current().Alive())

	time.Sleep(100 * time.Millisecond)
	h, _ := sup.Service("api")
	assert.Equal(t, StatusStopped, h.Status)
	assert.Equal(t, 1, l.startCount(), "stopped services are never restarted")

	assert.ErrorIs(t, sup.StopService(ctx, "missing"), ErrNotRegistered)
	assert.NoError(t, sup.StopService(ctx, "api"))
}

func TestSupervisor_RegisterAfterStart(t *testing.T) {
	sup := newTestSupervisor()
	ctx := context.Background()
	require.NoError(t, sup.Start(ctx))
	defer sup.Stop(ctx)

	l := &fakeLauncher{name: "late"}
	require.NoError(t, sup.Register("late", l.start))

	h, ok := sup.Service("late")
	require.True(t, ok)
	assert.Equal(t, StatusRunning, h.Status)
	assert.Equal(t, 1, l.startCount())
}

func TestSupervisor_Health(t *testing.T) {
	sup := newTestSupervisor()
	ctx := context.Background()

	ok := &fakeLauncher{name: "ok"}
	broken := &fakeLauncher{name: "broken", failNext: 1000}
	require.NoError(t, sup.Register("ok", ok.start))
	require.NoError(t, sup.Register("broken", broken.start))
	require.NoError(t, sup.Start(ctx))
	defer sup.Stop(ctx)

	health := sup.Health()
	assert.Equal(t, 2, health.TotalServices)
	assert.Equal(t, 1, health.RunningServices)
	assert.Equal(t, 1, health.CrashedServices)
	assert.Equal(t, 1, health.PendingRestarts)
	assert.False(t, health.Healthy())
}

func TestSupervisor_ConcurrentSnapshotsDuringRestarts(t *testing.T) {
	sup := newTestSupervisor()
	ctx := context.Background()

	l := &fakeLauncher{name: "busy"}
	require.NoError(t, sup.Register("busy", l.start))
	require.NoError(t, sup.Start(ctx))
	defer sup.Stop(ctx)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				for _, h := range sup.Services() {
					if h.Status != StatusRunning {
						assert.Equal(t, 0, h.PID)
					}
				}
			}
		}()
	}

	for i := 1; i <= 3; i++ {
		l.current().exit(1)
		want := i
		require.Eventually(t, func() bool {
			h, _ := sup.Service("busy")
			return h.Status == StatusRunning && h.RestartCount == want
		}, time.Second, 5*time.Millisecond)
	}

	close(stop)
	wg.Wait()
}
