package launcher

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chango112595-cell/Aurora-x-sub008/pkg/sandbox"
)

// ManifestFileName is the manifest every plugin directory must carry.
const ManifestFileName = "module.json"

// manifestFallbacks are tried in order when module.json is absent.
var manifestFallbacks = []string{"module.yaml", "module.yml"}

// Manifest defines how to launch a plugin process.
//
// JSON is a subset of YAML, so module.json and module.yaml share one decoder.
type Manifest struct {
	// Name of the plugin. Defaults to the plugin directory name.
	Name string `yaml:"name" json:"name"`

	// EntryPoint is the executable or script, relative to the plugin directory
	EntryPoint string `yaml:"entry_point" json:"entry_point"`

	// Entry is accepted as an alias for EntryPoint
	Entry string `yaml:"entry" json:"-"`

	// Args are passed to the entry point before any launch-time extras
	Args []string `yaml:"args" json:"args,omitempty"`

	// Env overrides the parent environment
	Env map[string]string `yaml:"env" json:"env,omitempty"`

	// Interpreter runs the entry point (e.g. "python3") when set
	Interpreter string `yaml:"interpreter" json:"interpreter,omitempty"`

	// RestartOnCrash defaults to true when omitted
	RestartOnCrash *bool `yaml:"restart_on_crash" json:"restart_on_crash,omitempty"`

	// GracePeriod between SIGTERM and SIGKILL, e.g. "5s"
	GracePeriod string `yaml:"grace_period" json:"grace_period,omitempty"`

	// Isolation is one of none, process_group, limited
	Isolation string `yaml:"isolation" json:"isolation,omitempty"`

	Resources ResourceConfig `yaml:"resources" json:"resources"`

	Description string `yaml:"description" json:"description,omitempty"`
	Version     string `yaml:"version" json:"version,omitempty"`

	// Internal: absolute plugin directory (populated during load)
	dir string
}

// ResourceConfig declares best-effort process limits.
type ResourceConfig struct {
	MaxMemoryMB   uint64 `yaml:"max_memory_mb" json:"max_memory_mb,omitempty"`
	MaxCPUSeconds uint64 `yaml:"max_cpu_seconds" json:"max_cpu_seconds,omitempty"`
	MaxOpenFiles  uint64 `yaml:"max_open_files" json:"max_open_files,omitempty"`
}

// LoadManifest reads and validates the manifest in pluginDir.
func LoadManifest(pluginDir string) (*Manifest, error) {
	absDir, err := filepath.Abs(pluginDir)
	if err != nil {
		return nil, ErrInvalidManifest(pluginDir, err)
	}

	path, err := manifestPath(absDir)
	if err != nil {
		return nil, ErrInvalidManifest(pluginDir, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ErrInvalidManifest(pluginDir, fmt.Errorf("read manifest: %w", err))
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, ErrInvalidManifest(pluginDir, fmt.Errorf("parse manifest: %w", err)).
			WithContext("manifest", path)
	}

	manifest.dir = absDir
	if manifest.EntryPoint == "" {
		manifest.EntryPoint = manifest.Entry
	}
	if manifest.Name == "" {
		manifest.Name = filepath.Base(absDir)
	}

	if err := manifest.Validate(); err != nil {
		return nil, ErrInvalidManifest(pluginDir, err).WithContext("manifest", path)
	}

	return &manifest, nil
}

func manifestPath(dir string) (string, error) {
	candidates := append([]string{ManifestFileName}, manifestFallbacks...)
	for _, name := range candidates {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no %s in %s", ManifestFileName, dir)
}

// Validate checks required fields. A missing entry point is never defaulted.
func (m *Manifest) Validate() error {
	if m.EntryPoint == "" {
		return errors.New("entry_point is required")
	}
	if filepath.IsAbs(m.EntryPoint) {
		return fmt.Errorf("entry_point must be relative to the plugin directory: %s", m.EntryPoint)
	}
	if _, err := sandbox.ParseIsolationLevel(m.Isolation); err != nil {
		return err
	}
	if m.GracePeriod != "" {
		d, err := time.ParseDuration(m.GracePeriod)
		if err != nil {
			return fmt.Errorf("invalid grace_period %q: %w", m.GracePeriod, err)
		}
		if d < 0 {
			return fmt.Errorf("grace_period must not be negative: %s", m.GracePeriod)
		}
	}
	return nil
}

// Dir returns the absolute plugin directory.
func (m *Manifest) Dir() string {
	return m.dir
}

// EntryPath resolves the entry point against the plugin directory.
func (m *Manifest) EntryPath() string {
	return filepath.Join(m.dir, filepath.FromSlash(m.EntryPoint))
}

// ShouldRestart reports the restart_on_crash policy.
func (m *Manifest) ShouldRestart() bool {
	return m.RestartOnCrash == nil || *m.RestartOnCrash
}

// Grace returns the parsed grace period, or zero when unset.
func (m *Manifest) Grace() time.Duration {
	d, _ := time.ParseDuration(m.GracePeriod)
	return d
}

// IsolationLevel returns the parsed isolation level. A manifest that sets
// resources without naming a level gets IsolationLimited.
func (m *Manifest) IsolationLevel() sandbox.IsolationLevel {
	if m.Isolation == "" && !m.Limits().IsZero() {
		return sandbox.IsolationLimited
	}
	level, _ := sandbox.ParseIsolationLevel(m.Isolation)
	return level
}

// Limits converts the resources block into sandbox limits.
func (m *Manifest) Limits() sandbox.ResourceLimits {
	return sandbox.ResourceLimits{
		MaxMemoryBytes: m.Resources.MaxMemoryMB * 1024 * 1024,
		MaxCPUSeconds:  m.Resources.MaxCPUSeconds,
		MaxOpenFiles:   m.Resources.MaxOpenFiles,
	}
}
