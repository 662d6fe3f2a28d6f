package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/prereq/internal/fingerprint"
)

func write(t *testing.T, p, s string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(s), 0o644))
}

func TestNewWatchesInputDirs(t *testing.T) {
	dir := t.TempDir()
	write(t, filepath.Join(dir, "src", "a.txt"), "a")
	write(t, filepath.Join(dir, "tree", "x", "y.py"), "y")
	c := fingerprint.New(filepath.Join(dir, "cache"))

	w, err := New(c, []Step{
		{Name: "txt", Files: []string{filepath.Join(dir, "src", "*.txt")}},
		{Name: "py", Files: []string{filepath.Join(dir, "tree", "**", "*.py")}},
	})
	require.NoError(t, err)
	defer func() { _ = w.fsw.Close() }()

	paths := w.Paths()
	assert.Contains(t, paths, filepath.Join(dir, "src"))
	assert.Contains(t, paths, filepath.Join(dir, "tree"))
	assert.Contains(t, paths, filepath.Join(dir, "tree", "x"))
}

func TestNewRequiresSteps(t *testing.T) {
	_, err := New(fingerprint.New(t.TempDir()), nil)
	assert.Error(t, err)
}

func TestRunOnceSkipsUnchanged(t *testing.T) {
	dir := t.TempDir()
	write(t, filepath.Join(dir, "in.txt"), "x")
	var n atomic.Int32
	w, err := New(fingerprint.New(filepath.Join(dir, "cache")), []Step{{
		Name:   "build",
		Files:  []string{filepath.Join(dir, "*.txt")},
		Action: func(context.Context) error { n.Add(1); return nil },
	}})
	require.NoError(t, err)
	defer func() { _ = w.fsw.Close() }()

	assert.Equal(t, []string{"build"}, w.RunOnce(context.Background()))
	assert.Empty(t, w.RunOnce(context.Background()))
	assert.EqualValues(t, 1, n.Load())
}

func TestRunReactsToChanges(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "src", "in.txt")
	write(t, in, "one")
	runs := make(chan struct{}, 10)
	cache := fingerprint.New(filepath.Join(dir, "cache"))
	files := []string{filepath.Join(dir, "src", "*.txt")}
	w, err := New(cache, []Step{{
		Name:   "build",
		Files:  files,
		Action: func(context.Context) error { runs <- struct{}{}; return nil },
	}}, WithDebounce(50*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case <-runs:
	case <-time.After(2 * time.Second):
		t.Fatal("initial pass did not run the step")
	}
	// the digest is stored after the action returns; change the input only then
	require.Eventually(t, func() bool {
		_, ok, err := cache.Lookup(files)
		return err == nil && ok
	}, 2*time.Second, 10*time.Millisecond, "initial fingerprint not stored")

	write(t, in, "two")
	select {
	case <-runs:
	case <-time.After(5 * time.Second):
		t.Fatal("change did not re-run the step")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
