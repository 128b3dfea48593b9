package watch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// awaitEvent drains the watcher stream until an event matches, or fails.
func awaitEvent(t *testing.T, w *Watcher, match func(Event) bool) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-w.Events():
			require.True(t, ok, "event stream closed unexpectedly")
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for filesystem event")
		}
	}
}

func TestWatcher_DetectsMarkdownLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping filesystem watch test in short mode")
	}

	root := t.TempDir()
	w, err := NewWatcher(root, nil)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	path := filepath.Join(root, "guide.md")
	require.NoError(t, os.WriteFile(path, []byte("# Guide\n"), 0o644))
	ev := awaitEvent(t, w, func(e Event) bool { return e.Kind == Create })
	assert.Equal(t, "guide.md", ev.Path)

	require.NoError(t, os.WriteFile(path, []byte("# Guide\n\nmore\n"), 0o644))
	awaitEvent(t, w, func(e Event) bool { return e.Kind == Modify && e.Path == "guide.md" })

	require.NoError(t, os.Remove(path))
	awaitEvent(t, w, func(e Event) bool { return e.Kind == Delete && e.Path == "guide.md" })
}

func TestWatcher_IgnoresNonMarkdown(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping filesystem watch test in short mode")
	}

	root := t.TempDir()
	w, err := NewWatcher(root, nil)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	require.NoError(t, os.WriteFile(filepath.Join(root, "data.json"), []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "real.md"), []byte("# hi\n"), 0o644))

	ev := awaitEvent(t, w, func(e Event) bool { return e.Kind == Create })
	assert.Equal(t, "real.md", ev.Path, "json file must not produce an event")
}

func TestWatcher_WatchesNewSubdirectories(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping filesystem watch test in short mode")
	}

	root := t.TempDir()
	w, err := NewWatcher(root, nil)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	sub := filepath.Join(root, "guides")
	require.NoError(t, os.Mkdir(sub, 0o755))
	// Give the watcher a beat to register the new directory.
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(sub, "setup.md"), []byte("# Setup\n"), 0o644))
	ev := awaitEvent(t, w, func(e Event) bool { return e.Kind == Create && e.Path != "" })
	assert.Equal(t, "guides/setup.md", ev.Path)
}

func TestWatcher_RenameSurfacesAsDeleteAndCreate(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping filesystem watch test in short mode")
	}

	root := t.TempDir()
	old := filepath.Join(root, "old.md")
	require.NoError(t, os.WriteFile(old, []byte("# Doc\n"), 0o644))

	w, err := NewWatcher(root, nil)
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	require.NoError(t, os.Rename(old, filepath.Join(root, "new.md")))

	var sawDelete, sawCreate bool
	deadline := time.After(5 * time.Second)
	for !(sawDelete && sawCreate) {
		select {
		case ev := <-w.Events():
			if ev.Kind == Delete && ev.Path == "old.md" {
				sawDelete = true
			}
			if ev.Kind == Create && ev.Path == "new.md" {
				sawCreate = true
			}
		case <-deadline:
			t.Fatalf("rename events incomplete: delete=%v create=%v", sawDelete, sawCreate)
		}
	}
}

func TestWatcher_RejectsMissingRoot(t *testing.T) {
	_, err := NewWatcher(filepath.Join(t.TempDir(), "absent"), nil)
	assert.Error(t, err)
}

func TestWatcher_CloseClosesEventStream(t *testing.T) {
	w, err := NewWatcher(t.TempDir(), nil)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	select {
	case _, ok := <-w.Events():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("event stream did not close")
	}
}
