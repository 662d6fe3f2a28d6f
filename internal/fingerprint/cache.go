package fingerprint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/loykin/prereq/internal/history"
	"github.com/loykin/prereq/internal/metrics"
)

// DefaultDir is the cache directory used when none is configured.
const DefaultDir = ".prereqs_cache"

// Ext is appended to every cache key to form the cache file name.
const Ext = ".md5"

// ErrNoFiles is returned when a step declares no file patterns; the cache key
// is derived from the first pattern so at least one is required.
var ErrNoFiles = errors.New("fingerprint: at least one file pattern is required")

var nonWord = regexp.MustCompile(`\W+`)

// Record is a persisted fingerprint for one cache key.
type Record struct {
	CacheKey string `json:"cache_key"`
	Digest   string `json:"digest"`
}

// CacheKey derives a file-system safe key from a glob pattern: every run of
// non-word characters becomes a single dash and trailing dashes are dropped.
func CacheKey(pattern string) string {
	return strings.TrimRight(nonWord.ReplaceAllString(pattern, "-"), "-")
}

// Action is the work guarded by WhenChanged.
type Action func(ctx context.Context) error

// Cache stores one digest file per cache key under a directory.
// There is no locking: callers sharing a directory and key may interleave.
type Cache struct {
	dir   string
	log   *slog.Logger
	sinks []history.Sink
	runID string
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger used for notices.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.log = l
		}
	}
}

// WithHistory attaches history sinks; runID tags every emitted event.
func WithHistory(runID string, sinks ...history.Sink) Option {
	return func(c *Cache) {
		c.runID = runID
		c.sinks = append(c.sinks, sinks...)
	}
}

// New returns a Cache rooted at dir (DefaultDir when empty).
func New(dir string, opts ...Option) *Cache {
	if dir == "" {
		dir = DefaultDir
	}
	c := &Cache{dir: dir, log: slog.Default()}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Dir returns the cache directory.
func (c *Cache) Dir() string { return c.dir }

// Path returns the cache file backing the given file patterns.
func (c *Cache) Path(files []string) (string, error) {
	if len(files) == 0 {
		return "", ErrNoFiles
	}
	return filepath.Join(c.dir, CacheKey(files[0])) + Ext, nil
}

// Lookup reads the stored record for files. ok is false when nothing is cached yet.
func (c *Cache) Lookup(files []string) (rec Record, ok bool, err error) {
	p, err := c.Path(files)
	if err != nil {
		return Record{}, false, err
	}
	b, err := os.ReadFile(p) // #nosec G304 -- path derived from sanitized key
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}
	return Record{CacheKey: CacheKey(files[0]), Digest: string(b)}, true, nil
}

// Forget removes the cached digest so the next WhenChanged runs its action.
func (c *Cache) Forget(files []string) error {
	p, err := c.Path(files)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Store overwrites the cached digest for files.
func (c *Cache) Store(files []string, digest string) error {
	p, err := c.Path(files)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(c.dir, 0o750); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	return os.WriteFile(p, []byte(digest), 0o600)
}

// WhenChanged runs action when the fingerprint of files and dirs differs from
// the cached one, or when nothing is cached. After a successful action the
// fingerprint is recomputed, since the action may itself touch its inputs, and
// written back. When nothing changed and message is non-empty, message is
// logged. The returned bool reports whether action ran.
func (c *Cache) WhenChanged(ctx context.Context, message string, files, dirs []string, action Action) (bool, error) {
	if len(files) == 0 {
		return false, ErrNoFiles
	}
	key := CacheKey(files[0])

	prev, cached, err := c.Lookup(files)
	if err != nil {
		return false, fmt.Errorf("read cache %s: %w", key, err)
	}
	if cached {
		digest, err := c.compute(key, files, dirs)
		if err != nil {
			return false, err
		}
		if digest == prev.Digest {
			if message != "" {
				c.log.Info(message, slog.String("step", key))
			}
			metrics.IncStepSkip(key)
			c.emit(ctx, history.EventStepSkip, key, digest, nil)
			return false, nil
		}
	}

	if err := action(ctx); err != nil {
		c.emit(ctx, history.EventStepRun, key, "", err)
		return true, fmt.Errorf("step %s: %w", key, err)
	}
	metrics.IncStepRun(key)

	digest, err := c.compute(key, files, dirs)
	if err != nil {
		return true, err
	}
	if err := c.Store(files, digest); err != nil {
		return true, fmt.Errorf("write cache %s: %w", key, err)
	}
	c.emit(ctx, history.EventStepRun, key, digest, nil)
	return true, nil
}

func (c *Cache) compute(key string, files, dirs []string) (string, error) {
	start := time.Now()
	d, err := Compute(files, dirs)
	metrics.ObserveFingerprint(key, time.Since(start).Seconds())
	if err != nil {
		return "", fmt.Errorf("fingerprint %s: %w", key, err)
	}
	return d, nil
}

func (c *Cache) emit(ctx context.Context, t history.EventType, key, digest string, err error) {
	if len(c.sinks) == 0 {
		return
	}
	rec := history.Record{RunID: c.runID, Name: key, Digest: digest}
	if err != nil {
		rec.Error = err.Error()
	}
	history.Broadcast(ctx, c.log, c.sinks, history.Event{Type: t, OccurredAt: time.Now().UTC(), Record: rec})
}
