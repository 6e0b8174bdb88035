package launcher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"

	"github.com/chango112595-cell/Aurora-x-sub008/pkg/procmgr"
	"github.com/chango112595-cell/Aurora-x-sub008/pkg/sandbox"
)

// Environment variables every plugin process receives
const (
	EnvServiceName = "AURORA_SERVICE_NAME"
	EnvPluginDir   = "AURORA_PLUGIN_DIR"
)

// Loader turns manifests into running processes through a sandbox.Runner.
type Loader struct {
	runner sandbox.Runner
	stdout io.Writer
	stderr io.Writer
	logger *slog.Logger
}

// LoaderOption configures a Loader
type LoaderOption func(*Loader)

// WithLoaderLogger sets the loader logger
func WithLoaderLogger(logger *slog.Logger) LoaderOption {
	return func(l *Loader) {
		l.logger = logger
	}
}

// WithOutput redirects plugin stdout and stderr
func WithOutput(stdout, stderr io.Writer) LoaderOption {
	return func(l *Loader) {
		l.stdout = stdout
		l.stderr = stderr
	}
}

// NewLoader creates a loader backed by runner.
func NewLoader(runner sandbox.Runner, opts ...LoaderOption) *Loader {
	l := &Loader{
		runner: runner,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "plugin-loader")
	return l
}

// Launch starts the manifest's entry point. extraArgs follow the manifest args.
func (l *Loader) Launch(ctx context.Context, manifest *Manifest, extraArgs ...string) (sandbox.ProcessHandle, error) {
	entry := manifest.EntryPath()

	info, err := os.Stat(entry)
	if err != nil || info.IsDir() {
		return nil, ErrEntryNotFound(manifest.Name, entry)
	}

	spec := sandbox.StartSpec{
		Name:      manifest.Name,
		Dir:       manifest.Dir(),
		Env:       l.environment(manifest),
		Isolation: manifest.IsolationLevel(),
		Limits:    manifest.Limits(),
		Stdout:    l.stdout,
		Stderr:    l.stderr,
	}

	args := make([]string, 0, len(manifest.Args)+len(extraArgs)+1)
	if manifest.Interpreter != "" {
		spec.Command = manifest.Interpreter
		args = append(args, entry)
	} else {
		if info.Mode().Perm()&0o111 == 0 {
			return nil, ErrEntryNotRunnable(manifest.Name, entry)
		}
		spec.Command = entry
	}
	args = append(args, manifest.Args...)
	spec.Args = append(args, extraArgs...)

	handle, err := l.runner.Start(ctx, spec)
	if err != nil {
		return nil, ErrProcessStartFailed(manifest.Name, err).
			WithContext("command", spec.Command)
	}

	l.logger.Info("plugin launched",
		"plugin", manifest.Name,
		"pid", handle.PID(),
		"entry_point", manifest.EntryPoint)
	return handle, nil
}

func (l *Loader) environment(manifest *Manifest) map[string]string {
	env := make(map[string]string, len(manifest.Env)+2)
	for k, v := range manifest.Env {
		env[k] = v
	}
	env[EnvServiceName] = manifest.Name
	env[EnvPluginDir] = manifest.Dir()
	return env
}

// StartFunc returns a supervisor start function that re-reads the manifest
// from disk on every start, so edits take effect at the next restart.
func (l *Loader) StartFunc(manifest *Manifest, extraArgs ...string) procmgr.StartFunc {
	dir := manifest.Dir()
	name := manifest.Name
	return func(ctx context.Context) (sandbox.ProcessHandle, error) {
		current, err := LoadManifest(dir)
		if err != nil {
			return nil, err
		}
		// The supervisor keys the service by its registered name
		current.Name = name
		return l.Launch(ctx, current, extraArgs...)
	}
}

// RegisterAll registers every manifest with sup using its restart policy
// and grace period. Duplicates are reported but do not stop the others.
func (l *Loader) RegisterAll(sup *procmgr.Supervisor, manifests []*Manifest) error {
	var errs []error
	for _, m := range manifests {
		opts := []procmgr.ServiceOption{procmgr.WithRestartOnCrash(m.ShouldRestart())}
		if grace := m.Grace(); grace > 0 {
			opts = append(opts, procmgr.WithGracePeriod(grace))
		}
		if err := sup.Register(m.Name, l.StartFunc(m), opts...); err != nil {
			l.logger.Warn("plugin not registered", "plugin", m.Name, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
