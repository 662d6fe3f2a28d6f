// Package watch re-runs fingerprint-guarded steps whenever their inputs change.
package watch

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/loykin/prereq/internal/fingerprint"
)

// DefaultDebounce coalesces bursts of file events (editors, installers) into one pass.
const DefaultDebounce = 300 * time.Millisecond

// Step is a guarded action and the inputs it depends on.
type Step struct {
	Name    string
	Message string
	Files   []string
	Dirs    []string
	Action  fingerprint.Action
}

// Watcher drives a set of steps from filesystem notifications.
type Watcher struct {
	cache    *fingerprint.Cache
	steps    []Step
	debounce time.Duration
	log      *slog.Logger
	fsw      *fsnotify.Watcher
	ignore   string
	roots    []string
}

type Option func(*Watcher)

func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// New registers watches on every directory the steps read from.
func New(cache *fingerprint.Cache, steps []Step, opts ...Option) (*Watcher, error) {
	if len(steps) == 0 {
		return nil, errors.New("watch: no steps")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		cache:    cache,
		steps:    steps,
		debounce: DefaultDebounce,
		log:      slog.Default(),
		fsw:      fsw,
	}
	if abs, err := filepath.Abs(cache.Dir()); err == nil {
		w.ignore = abs
	}
	for _, o := range opts {
		o(w)
	}
	for _, s := range steps {
		for _, p := range s.Files {
			base, rest := doublestar.SplitPattern(filepath.ToSlash(p))
			w.add(filepath.FromSlash(base), strings.Contains(rest, "**"))
		}
		for _, d := range s.Dirs {
			w.add(d, false)
		}
	}
	if len(w.roots) == 0 {
		_ = fsw.Close()
		return nil, errors.New("watch: no existing input directories")
	}
	return w, nil
}

// add watches dir, and its subdirectories when recursive. Missing paths are skipped.
func (w *Watcher) add(dir string, recursive bool) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return
	}
	if !recursive {
		w.watchOne(abs)
		return
	}
	_ = filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if w.ignored(p) {
				return filepath.SkipDir
			}
			w.watchOne(p)
		}
		return nil
	})
}

func (w *Watcher) watchOne(p string) {
	for _, r := range w.roots {
		if r == p {
			return
		}
	}
	if err := w.fsw.Add(p); err != nil {
		w.log.Warn("watch failed", slog.String("path", p), slog.Any("error", err))
		return
	}
	w.roots = append(w.roots, p)
}

func (w *Watcher) ignored(p string) bool {
	return w.ignore != "" && (p == w.ignore || strings.HasPrefix(p, w.ignore+string(filepath.Separator)))
}

// Paths returns the watched directories.
func (w *Watcher) Paths() []string { return append([]string(nil), w.roots...) }

// RunOnce passes every step through the cache and returns the names of the
// steps whose action ran. Action failures are logged and do not stop the pass.
func (w *Watcher) RunOnce(ctx context.Context) []string {
	var ran []string
	for _, s := range w.steps {
		did, err := w.cache.WhenChanged(ctx, s.Message, s.Files, s.Dirs, s.Action)
		if err != nil {
			w.log.Error("step failed", slog.String("step", s.Name), slog.Any("error", err))
		}
		if did {
			ran = append(ran, s.Name)
		}
	}
	return ran
}

// Run performs an initial pass, then one pass per debounced burst of events
// until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() { _ = w.fsw.Close() }()

	w.RunOnce(ctx)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			abs, _ := filepath.Abs(ev.Name)
			if w.ignored(abs) {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(abs); err == nil && info.IsDir() && w.underRecursiveRoot(abs) {
					w.add(abs, true)
				}
			}
			w.log.Debug("input changed", slog.String("path", ev.Name), slog.String("op", ev.Op.String()))
			timer.Reset(w.debounce)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watch error", slog.Any("error", err))
		case <-timer.C:
			if ran := w.RunOnce(ctx); len(ran) > 0 {
				w.log.Info("steps re-ran", slog.Any("steps", ran))
			}
		}
	}
}

func (w *Watcher) underRecursiveRoot(p string) bool {
	for _, s := range w.steps {
		for _, pat := range s.Files {
			base, rest := doublestar.SplitPattern(filepath.ToSlash(pat))
			if !strings.Contains(rest, "**") {
				continue
			}
			if b, err := filepath.Abs(filepath.FromSlash(base)); err == nil && strings.HasPrefix(p, b+string(filepath.Separator)) {
				return true
			}
		}
	}
	return false
}
