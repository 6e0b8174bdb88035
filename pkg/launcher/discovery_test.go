package launcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRegistry_Discover(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "beta", `{"entry_point": "run.sh"}`)
	writePlugin(t, root, "alpha", `{"name": "alpha", "entry_point": "main.py", "interpreter": "python3"}`)
	writePlugin(t, root, "broken", `{"name": "broken"}`)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "README"), []byte("not a plugin"), 0o644))

	registry := NewRegistry(root)
	require.NoError(t, registry.Discover())

	assert.Equal(t, 2, registry.Count())

	names := make([]string, 0)
	for _, m := range registry.List() {
		names = append(names, m.Name)
	}
	assert.Equal(t, []string{"alpha", "beta"}, names)

	m, ok := registry.Get("alpha")
	require.True(t, ok)
	assert.Equal(t, "python3", m.Interpreter)

	_, ok = registry.Get("broken")
	assert.False(t, ok, "invalid manifests are skipped, never defaulted")
}

func TestRegistry_DuplicateNames(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "a", `{"name": "same", "entry_point": "one.sh"}`)
	writePlugin(t, root, "b", `{"name": "same", "entry_point": "two.sh"}`)

	registry := NewRegistry(root)
	require.NoError(t, registry.Discover())

	require.Equal(t, 1, registry.Count())
	m, _ := registry.Get("same")
	assert.Equal(t, "one.sh", m.EntryPoint)
}

func TestRegistry_MissingRoot(t *testing.T) {
	registry := NewRegistry(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, registry.Discover())
	assert.Equal(t, 0, registry.Count())
}

func TestRegistry_Reload(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "one", `{"entry_point": "run.sh"}`)

	registry := NewRegistry(root)
	require.NoError(t, registry.Discover())
	require.Equal(t, 1, registry.Count())

	writePlugin(t, root, "two", `{"entry_point": "run.sh"}`)
	require.NoError(t, os.RemoveAll(filepath.Join(root, "one")))

	require.NoError(t, registry.Reload())
	_, ok := registry.Get("one")
	assert.False(t, ok)
	_, ok = registry.Get("two")
	assert.True(t, ok)

	m, err := registry.Lookup("two")
	require.NoError(t, err)
	assert.Equal(t, "two", m.Name)
	_, err = registry.Lookup("one")
	assert.Equal(t, ErrorCodePluginNotFound, CodeOf(err))
}

func TestRegistry_Watch(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "one", `{"entry_point": "run.sh"}`)

	registry := NewRegistry(root, WithWatchDebounce(20*time.Millisecond))
	require.NoError(t, registry.Discover())

	ctx, cancel := context.WithCancel(context.Background())
	changes := make(chan []*Manifest, 16)
	done := make(chan error, 1)
	go func() {
		done <- registry.Watch(ctx, func(m []*Manifest) {
			select {
			case changes <- m:
			default:
			}
		})
	}()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	manifest := filepath.Join(root, "two", ManifestFileName)
	require.NoError(t, os.MkdirAll(filepath.Dir(manifest), 0o755))

	// Rewriting until the reload lands covers the window before Watch has
	// registered its first watch.
	require.Eventually(t, func() bool {
		_ = os.WriteFile(manifest, []byte(`{"entry_point": "run.sh"}`), 0o644)
		_, ok := registry.Get("two")
		return ok
	}, 5*time.Second, 50*time.Millisecond)

	select {
	case m := <-changes:
		assert.NotEmpty(t, m)
	case <-time.After(5 * time.Second):
		t.Fatal("onChange was not called")
	}
}
