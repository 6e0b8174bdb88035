package launcher

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// ErrorCode classifies launcher failures
type ErrorCode string

const (
	ErrorCodePluginNotFound     ErrorCode = "PLUGIN_NOT_FOUND"
	ErrorCodeInvalidManifest    ErrorCode = "INVALID_MANIFEST"
	ErrorCodeEntryNotFound      ErrorCode = "ENTRY_NOT_FOUND"
	ErrorCodeEntryNotRunnable   ErrorCode = "ENTRY_NOT_RUNNABLE"
	ErrorCodeProcessStartFailed ErrorCode = "PROCESS_START_FAILED"
)

// LauncherError is a plugin configuration or start failure. It carries
// enough detail (plugin, paths, a fix to try) to act on without the logs.
type LauncherError struct {
	Code       ErrorCode
	Plugin     string
	Message    string
	Context    map[string]string
	Cause      error
	Suggestion string
}

// Error renders "[CODE] plugin: message (k=v, ...): cause"
func (e *LauncherError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] ", e.Code)
	if e.Plugin != "" {
		b.WriteString(e.Plugin)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, len(keys))
		for i, k := range keys {
			pairs[i] = k + "=" + e.Context[k]
		}
		fmt.Fprintf(&b, " (%s)", strings.Join(pairs, ", "))
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *LauncherError) Unwrap() error {
	return e.Cause
}

func newError(code ErrorCode, plugin, message string) *LauncherError {
	return &LauncherError{Code: code, Plugin: plugin, Message: message, Context: map[string]string{}}
}

// WithContext records one detail
func (e *LauncherError) WithContext(key, value string) *LauncherError {
	if e.Context == nil {
		e.Context = map[string]string{}
	}
	e.Context[key] = value
	return e
}

// ErrPluginNotFound reports a name missing from the registry
func ErrPluginNotFound(plugin, pluginsDir string) *LauncherError {
	e := newError(ErrorCodePluginNotFound, plugin, "not found in registry").
		WithContext("plugins_dir", pluginsDir)
	e.Suggestion = fmt.Sprintf("check that %s exists", filepath.Join(pluginsDir, plugin, ManifestFileName))
	return e
}

// ErrInvalidManifest reports a manifest that cannot be read or validated.
// The plugin is named after its directory.
func ErrInvalidManifest(pluginDir string, cause error) *LauncherError {
	e := newError(ErrorCodeInvalidManifest, filepath.Base(pluginDir), "invalid manifest").
		WithContext("plugin_dir", pluginDir)
	e.Cause = cause
	e.Suggestion = ManifestFileName + " must be valid JSON or YAML and set entry_point"
	return e
}

// ErrEntryNotFound reports an entry point that does not resolve to a file
func ErrEntryNotFound(plugin, entryPath string) *LauncherError {
	e := newError(ErrorCodeEntryNotFound, plugin, "entry point not found").
		WithContext("entry_path", entryPath)
	e.Suggestion = "entry_point is relative to the plugin directory"
	return e
}

// ErrEntryNotRunnable reports an entry with no execute bit and no interpreter
func ErrEntryNotRunnable(plugin, entryPath string) *LauncherError {
	e := newError(ErrorCodeEntryNotRunnable, plugin, "entry point is not executable").
		WithContext("entry_path", entryPath)
	e.Suggestion = fmt.Sprintf("chmod +x %s, or set interpreter in the manifest", entryPath)
	return e
}

// ErrProcessStartFailed wraps a sandbox start failure
func ErrProcessStartFailed(plugin string, cause error) *LauncherError {
	e := newError(ErrorCodeProcessStartFailed, plugin, "process failed to start")
	e.Cause = cause
	e.Suggestion = "check that the interpreter is installed and the plugin's environment is complete"
	return e
}

// CodeOf returns the LauncherError code in err's chain, or ""
func CodeOf(err error) ErrorCode {
	var lerr *LauncherError
	if errors.As(err, &lerr) {
		return lerr.Code
	}
	return ""
}

// SuggestionOf returns the suggested fix carried by err, or ""
func SuggestionOf(err error) string {
	var lerr *LauncherError
	if errors.As(err, &lerr) {
		return lerr.Suggestion
	}
	return ""
}
