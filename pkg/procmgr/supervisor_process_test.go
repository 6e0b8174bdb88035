//go:build !windows

package procmgr

import (
	"context"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chango112595-cell/Aurora-x-sub008/pkg/sandbox"
)

// Three real processes; one is killed from outside and must come back
// within two watch intervals with restart_count 1.
func TestSupervisor_RestartsExternallyKilledProcess(t *testing.T) {
	interval := 200 * time.Millisecond
	runner := sandbox.NewProcessRunner(sandbox.WithPIDDir(filepath.Join(t.TempDir(), "pids")))
	events := &recordingPublisher{}
	sup := NewSupervisor(
		WithCheckInterval(interval),
		WithShutdownTimeout(5*time.Second),
		WithEventPublisher(events),
	)
	ctx := context.Background()

	for _, name := range []string{"svc-a", "svc-b", "svc-c"} {
		name := name
		require.NoError(t, sup.Register(name, func(ctx context.Context) (sandbox.ProcessHandle, error) {
			return runner.Start(ctx, sandbox.StartSpec{
				Name:      name,
				Command:   "sleep",
				Args:      []string{"60"},
				Isolation: sandbox.IsolationProcessGroup,
			})
		}, WithGracePeriod(time.Second)))
	}

	require.NoError(t, sup.Start(ctx))
	defer func() {
		require.NoError(t, sup.Stop(ctx))
	}()

	victim, ok := sup.Service("svc-b")
	require.True(t, ok)
	require.Equal(t, StatusRunning, victim.Status)
	require.NotZero(t, victim.PID)

	killedAt := time.Now()
	require.NoError(t, syscall.Kill(victim.PID, syscall.SIGKILL))

	require.Eventually(t, func() bool {
		h, _ := sup.Service("svc-b")
		return h.Status == StatusRunning && h.RestartCount == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.LessOrEqual(t, time.Since(killedAt), 2*interval+300*time.Millisecond)

	h, _ := sup.Service("svc-b")
	assert.NotEqual(t, victim.PID, h.PID)
	require.NotNil(t, h.LastExitCode)
	assert.Equal(t, 128+int(syscall.SIGKILL), *h.LastExitCode)

	meta, ok := events.find(EventCrashed)
	require.True(t, ok)
	assert.Equal(t, "svc-b", meta["service"])

	for _, name := range []string{"svc-a", "svc-c"} {
		h, _ := sup.Service(name)
		assert.Equal(t, StatusRunning, h.Status)
		assert.Equal(t, 0, h.RestartCount)
	}
}
