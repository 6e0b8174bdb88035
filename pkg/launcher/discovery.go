package launcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultWatchDebounce coalesces bursts of manifest writes into one reload.
const DefaultWatchDebounce = 500 * time.Millisecond

// Registry maintains the plugins discovered under one root directory.
type Registry struct {
	mu        sync.RWMutex
	plugins   map[string]*Manifest // plugin name -> manifest
	directory string               // plugins root
	debounce  time.Duration
	logger    *slog.Logger
}

// RegistryOption configures a Registry
type RegistryOption func(*Registry)

// WithRegistryLogger sets the registry logger
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithWatchDebounce sets the quiet period Watch waits before reloading
func WithWatchDebounce(d time.Duration) RegistryOption {
	return func(r *Registry) {
		r.debounce = d
	}
}

// NewRegistry creates a registry for directory.
func NewRegistry(directory string, opts ...RegistryOption) *Registry {
	r := &Registry{
		plugins:   make(map[string]*Manifest),
		directory: directory,
		debounce:  DefaultWatchDebounce,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "plugin-registry")
	return r
}

// Directory returns the plugins root
func (r *Registry) Directory() string {
	return r.directory
}

// Discover scans <root>/*/module.json. Plugins with bad manifests are logged
// and skipped; they never abort discovery of the others.
func (r *Registry) Discover() error {
	r.logger.Debug("discovering plugins", "directory", r.directory)

	entries, err := os.ReadDir(r.directory)
	if err != nil {
		return fmt.Errorf("read plugins directory %s: %w", r.directory, err)
	}

	found := make(map[string]*Manifest)
	failed := 0

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		pluginDir := filepath.Join(r.directory, entry.Name())
		if _, err := manifestPath(pluginDir); err != nil {
			r.logger.Debug("directory has no manifest, skipping", "plugin_dir", pluginDir)
			continue
		}

		manifest, err := LoadManifest(pluginDir)
		if err != nil {
			r.logger.Warn("skipping plugin with invalid manifest",
				"plugin_dir", pluginDir,
				"error", err)
			failed++
			continue
		}

		if existing, dup := found[manifest.Name]; dup {
			r.logger.Warn("duplicate plugin name, keeping first",
				"plugin", manifest.Name,
				"kept", existing.Dir(),
				"skipped", manifest.Dir())
			failed++
			continue
		}

		found[manifest.Name] = manifest
		r.logger.Debug("discovered plugin",
			"plugin", manifest.Name,
			"version", manifest.Version,
			"entry_point", manifest.EntryPoint)
	}

	r.mu.Lock()
	r.plugins = found
	r.mu.Unlock()

	r.logger.Info("plugin discovery complete", "discovered", len(found), "failed", failed)
	return nil
}

// Get returns a manifest by name
func (r *Registry) Get(name string) (*Manifest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	manifest, ok := r.plugins[name]
	return manifest, ok
}

// Lookup is Get with a PLUGIN_NOT_FOUND error for unknown names
func (r *Registry) Lookup(name string) (*Manifest, error) {
	if m, ok := r.Get(name); ok {
		return m, nil
	}
	return nil, ErrPluginNotFound(name, r.directory)
}

// List returns all registered plugins sorted by name
func (r *Registry) List() []*Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()

	plugins := make([]*Manifest, 0, len(r.plugins))
	for _, manifest := range r.plugins {
		plugins = append(plugins, manifest)
	}
	sort.Slice(plugins, func(i, j int) bool {
		return plugins[i].Name < plugins[j].Name
	})

	return plugins
}

// Count returns the number of registered plugins
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.plugins)
}

// Reload re-discovers all plugins. The previous set stays visible until the
// new scan completes.
func (r *Registry) Reload() error {
	return r.Discover()
}

// Watch reloads the registry whenever a manifest under the root changes and
// calls onChange with the new plugin list. It blocks until ctx is done.
func (r *Registry) Watch(ctx context.Context, onChange func([]*Manifest)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(r.directory); err != nil {
		return fmt.Errorf("watch %s: %w", r.directory, err)
	}
	r.watchPluginDirs(watcher)

	timer := time.NewTimer(r.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if !r.relevant(event) {
				continue
			}

			// New plugin directories need their own watch
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := watcher.Add(event.Name); err != nil {
						r.logger.Warn("failed to watch plugin directory", "path", event.Name, "error", err)
					}
				}
			}

			r.logger.Debug("plugins directory changed", "path", event.Name, "op", event.Op.String())
			timer.Reset(r.debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			r.logger.Warn("watcher error", "error", err)

		case <-timer.C:
			if err := r.Reload(); err != nil {
				r.logger.Error("plugin reload failed", "error", err)
				continue
			}
			if onChange != nil {
				onChange(r.List())
			}
		}
	}
}

func (r *Registry) watchPluginDirs(watcher *fsnotify.Watcher) {
	entries, err := os.ReadDir(r.directory)
	if err != nil {
		r.logger.Warn("failed to list plugin directories", "error", err)
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(r.directory, entry.Name())
		if err := watcher.Add(path); err != nil {
			r.logger.Warn("failed to watch plugin directory", "path", path, "error", err)
		}
	}
}

// relevant reports whether an event can change the discovered set: manifest
// files, or whole plugin directories appearing and disappearing.
func (r *Registry) relevant(event fsnotify.Event) bool {
	if filepath.Dir(event.Name) == filepath.Clean(r.directory) {
		return true
	}
	base := filepath.Base(event.Name)
	if base == ManifestFileName {
		return true
	}
	for _, name := range manifestFallbacks {
		if base == name {
			return true
		}
	}
	return false
}
