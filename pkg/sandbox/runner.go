package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// ProcessRunner starts commands as OS child processes and tracks them by name
type ProcessRunner struct {
	mu    sync.Mutex
	procs map[string]*process

	pids     PIDDir
	killWait time.Duration
	logger   *slog.Logger
}

// RunnerOption configures a ProcessRunner
type RunnerOption func(*ProcessRunner)

// WithPIDDir sets the directory for <name>.pid files
func WithPIDDir(dir string) RunnerOption {
	return func(r *ProcessRunner) {
		r.pids = NewPIDDir(dir)
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) RunnerOption {
	return func(r *ProcessRunner) {
		r.logger = logger
	}
}

// WithKillWait sets how long to wait for a process to die after SIGKILL
func WithKillWait(d time.Duration) RunnerOption {
	return func(r *ProcessRunner) {
		r.killWait = d
	}
}

// NewProcessRunner creates a runner
func NewProcessRunner(opts ...RunnerOption) *ProcessRunner {
	r := &ProcessRunner{
		procs:    make(map[string]*process),
		killWait: 5 * time.Second,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "sandbox")
	return r
}

// PIDs returns the runner's PID directory
func (r *ProcessRunner) PIDs() PIDDir {
	return r.pids
}

// Start launches spec and returns without waiting for the process.
// A process that exits straight away is not an error; its handle reports the exit code.
func (r *ProcessRunner) Start(ctx context.Context, spec StartSpec) (ProcessHandle, error) {
	if spec.Name == "" {
		return nil, &StartError{Command: spec.Command, Err: errors.New("name is required")}
	}
	if err := ctx.Err(); err != nil {
		return nil, &StartError{Name: spec.Name, Command: spec.Command, Err: err}
	}

	path, err := resolveCommand(spec.Command, spec.Dir)
	if err != nil {
		return nil, &StartError{Name: spec.Name, Command: spec.Command, Err: err}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.procs[spec.Name]; ok && existing.Alive() {
		return nil, &StartError{Name: spec.Name, Command: spec.Command, Err: ErrAlreadyRunning}
	}

	cmd := exec.Command(path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = mergeEnv(os.Environ(), spec.Env)
	cmd.Stdout = spec.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = spec.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	configureProcess(cmd, spec.Isolation)

	if err := cmd.Start(); err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, exec.ErrNotFound) {
			err = fmt.Errorf("%w: %v", ErrNotFound, err)
		}
		return nil, &StartError{Name: spec.Name, Command: spec.Command, Err: err}
	}

	p := &process{
		runner:    r,
		name:      spec.Name,
		cmd:       cmd,
		group:     spec.Isolation >= IsolationProcessGroup,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	go p.wait()

	pid := cmd.Process.Pid
	if spec.Isolation == IsolationLimited && !spec.Limits.IsZero() {
		// Applied after fork, so the child may briefly run unconstrained.
		if err := applyLimits(pid, spec.Limits); err != nil {
			r.logger.Warn("resource limits not applied", "name", spec.Name, "pid", pid, "error", err)
		}
	}
	if err := r.pids.Write(spec.Name, pid); err != nil {
		r.logger.Warn("pid file not written", "name", spec.Name, "pid", pid, "error", err)
	}

	r.procs[spec.Name] = p
	r.logger.Info("process started",
		"name", spec.Name,
		"pid", pid,
		"command", path,
		"isolation", spec.Isolation.String())

	return p, nil
}

// Get returns the most recent handle started under name
func (r *ProcessRunner) Get(name string) (ProcessHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.procs[name]
	if !ok {
		return nil, false
	}
	return p, true
}

// Stop terminates the named process. Processes not started by this runner
// are located through their PID file.
func (r *ProcessRunner) Stop(ctx context.Context, name string, grace time.Duration) (bool, error) {
	r.mu.Lock()
	p, ok := r.procs[name]
	r.mu.Unlock()

	if ok {
		return r.stopProcess(ctx, p, grace)
	}
	return r.stopByPIDFile(ctx, name, grace)
}

func (r *ProcessRunner) stopProcess(ctx context.Context, p *process, grace time.Duration) (bool, error) {
	if !p.Alive() {
		r.forget(p)
		return true, nil
	}

	log := r.logger.With("name", p.name, "pid", p.PID())
	log.Info("stopping process", "grace_period", grace)

	if err := terminate(p, false); err != nil && p.Alive() {
		log.Warn("graceful signal failed", "error", err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-p.done:
		r.forget(p)
		log.Info("process exited gracefully")
		return true, nil
	case <-timer.C:
		log.Warn("process did not exit within grace period, force killing")
	case <-ctx.Done():
		log.Warn("stop cancelled, force killing", "error", ctx.Err())
	}

	if err := terminate(p, true); err != nil && p.Alive() {
		log.Error("force kill failed", "error", err)
	}

	select {
	case <-p.done:
		r.forget(p)
		log.Info("process killed")
		return true, nil
	case <-time.After(r.killWait):
		return false, fmt.Errorf("process %s (pid %d) did not exit after SIGKILL", p.name, p.PID())
	}
}

func (r *ProcessRunner) stopByPIDFile(ctx context.Context, name string, grace time.Duration) (bool, error) {
	pid, ok, err := r.pids.Read(name)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	if !pidAlive(pid) {
		return true, r.pids.Remove(name)
	}

	log := r.logger.With("name", name, "pid", pid)
	log.Info("stopping untracked process from pid file", "grace_period", grace)

	if err := signalPID(pid, false); err != nil {
		log.Warn("graceful signal failed", "error", err)
	}
	if waitGone(ctx, pid, grace) {
		return true, r.pids.Remove(name)
	}

	if err := signalPID(pid, true); err != nil {
		log.Warn("force kill failed", "error", err)
	}
	if waitGone(context.Background(), pid, r.killWait) {
		return true, r.pids.Remove(name)
	}
	return false, fmt.Errorf("process %s (pid %d) did not exit after SIGKILL", name, pid)
}

// forget drops p from the table if it is still the current entry for its name
func (r *ProcessRunner) forget(p *process) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.procs[p.name] != p {
		return
	}
	delete(r.procs, p.name)
	if err := r.pids.Remove(p.name); err != nil {
		r.logger.Warn("pid file not removed", "name", p.name, "error", err)
	}
}

func waitGone(ctx context.Context, pid int, d time.Duration) bool {
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if !pidAlive(pid) {
			return true
		}
		select {
		case <-ctx.Done():
			return !pidAlive(pid)
		case <-deadline.C:
			return !pidAlive(pid)
		case <-ticker.C:
		}
	}
}

// process implements ProcessHandle for an exec.Cmd child
type process struct {
	runner    *ProcessRunner
	name      string
	cmd       *exec.Cmd
	group     bool
	startedAt time.Time
	done      chan struct{}

	mu       sync.Mutex
	exited   bool
	exitCode int
}

func (p *process) wait() {
	_ = p.cmd.Wait()
	code := exitCode(p.cmd.ProcessState)

	p.mu.Lock()
	p.exited = true
	p.exitCode = code
	p.mu.Unlock()
	close(p.done)

	p.runner.logger.Debug("process exited", "name", p.name, "pid", p.cmd.Process.Pid, "exit_code", code)
}

func (p *process) Name() string          { return p.name }
func (p *process) PID() int              { return p.cmd.Process.Pid }
func (p *process) StartedAt() time.Time  { return p.startedAt }
func (p *process) Done() <-chan struct{} { return p.done }

func (p *process) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.exited
}

func (p *process) ExitCode() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, p.exited
}

func (p *process) Stop(ctx context.Context, grace time.Duration) (bool, error) {
	return p.runner.stopProcess(ctx, p, grace)
}

// resolveCommand maps a bare name through PATH and a path relative to dir to an absolute path
func resolveCommand(command, dir string) (string, error) {
	if command == "" {
		return "", fmt.Errorf("%w: empty command", ErrNotFound)
	}

	if !strings.ContainsRune(command, filepath.Separator) && !strings.ContainsRune(command, '/') {
		path, err := exec.LookPath(command)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrNotFound, err)
		}
		return path, nil
	}

	path := command
	if !filepath.IsAbs(path) && dir != "" {
		path = filepath.Join(dir, path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, abs)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", ErrNotFound, abs)
	}
	return abs, nil
}

// mergeEnv overrides base KEY=VALUE entries with overrides, appending new keys in sorted order
func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}

	env := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := overrides[key]; ok {
			continue
		}
		env = append(env, kv)
	}

	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return env
}

var _ Runner = (*ProcessRunner)(nil)
