// Package prereq keeps local development prerequisites current: steps guarded
// by input fingerprints run only when their inputs changed, and background
// services are supervised for the lifetime of the calling process.
package prereq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/prereq/internal/config"
	"github.com/loykin/prereq/internal/env"
	"github.com/loykin/prereq/internal/fingerprint"
	"github.com/loykin/prereq/internal/history"
	"github.com/loykin/prereq/internal/history/factory"
	"github.com/loykin/prereq/internal/metrics"
	"github.com/loykin/prereq/internal/server"
	"github.com/loykin/prereq/internal/supervisor"
	"github.com/loykin/prereq/internal/watch"
)

// Re-export core types for external consumers.

type Config = config.Config

type StepConfig = config.StepConfig

type ServiceConfig = config.ServiceConfig

type Spec = supervisor.Spec

type ManagedProcess = supervisor.ManagedProcess

type Phase = supervisor.Phase

type Status = supervisor.Status

type Step = watch.Step

type Action = fingerprint.Action

type HistorySink = history.Sink

// ErrNoFiles is returned when a step names no input files.
var ErrNoFiles = fingerprint.ErrNoFiles

// ComputeFingerprint digests the contents of every file matching files plus
// the entry listing of every directory in dirs.
func ComputeFingerprint(files, dirs []string) (string, error) {
	return fingerprint.Compute(files, dirs)
}

// WhenChanged runs action unless the fingerprint of files and dirs matches the
// one stored in the default cache directory.
func WhenChanged(ctx context.Context, message string, files, dirs []string, action Action) (bool, error) {
	return fingerprint.New(fingerprint.DefaultDir).WhenChanged(ctx, message, files, dirs, action)
}

// LoadConfig reads a TOML configuration file. An empty path yields defaults.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// App wires configuration, cache, supervisor and history together.
type App struct {
	Config     *Config
	Log        *slog.Logger
	Cache      *fingerprint.Cache
	Supervisor *supervisor.Supervisor
	RunID      string

	env   *env.Env
	sinks []history.Sink
}

// NewApp builds an App from cfg. Callers must Close it.
func NewApp(cfg *Config) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	log := cfg.Log.NewSlogger()
	e, err := cfg.BuildEnv()
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Log: log, RunID: history.NewRunID(), env: e}
	if cfg.History.Enabled {
		sink, err := factory.NewSinkFromDSN(cfg.History.DSN)
		if err != nil {
			return nil, fmt.Errorf("history sink: %w", err)
		}
		a.sinks = append(a.sinks, sink)
	}
	a.Cache = fingerprint.New(cfg.CacheDir,
		fingerprint.WithLogger(log),
		fingerprint.WithHistory(a.RunID, a.sinks...))
	a.Supervisor = supervisor.New(
		supervisor.WithTimeout(cfg.ShutdownTimeout),
		supervisor.WithEnv(e),
		supervisor.WithLogger(log),
		supervisor.WithHistory(a.RunID, a.sinks...))
	return a, nil
}

// Steps converts the configured steps into runnable ones.
func (a *App) Steps() []Step {
	out := make([]Step, 0, len(a.Config.Steps))
	for _, s := range a.Config.Steps {
		out = append(out, Step{
			Name:    s.Name,
			Message: s.Message,
			Files:   s.Files,
			Dirs:    s.Dirs,
			Action:  a.CommandAction(s.Command, s.WorkDir),
		})
	}
	return out
}

// CommandAction returns an Action running args with inherited stdio and the
// configured environment.
func (a *App) CommandAction(args []string, dir string) Action {
	return func(ctx context.Context) error {
		if len(args) == 0 {
			return supervisor.ErrNoCommand
		}
		cmd := exec.CommandContext(ctx, args[0], args[1:]...) // #nosec G204
		cmd.Dir = dir
		cmd.Env = a.env.Merge(nil)
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		return cmd.Run()
	}
}

// RunSteps runs the named steps, or every configured step when names is empty.
// It stops at the first failure.
func (a *App) RunSteps(ctx context.Context, names ...string) error {
	steps := a.Steps()
	if len(names) > 0 {
		byName := make(map[string]Step, len(steps))
		for _, s := range steps {
			byName[s.Name] = s
		}
		sel := make([]Step, 0, len(names))
		for _, n := range names {
			s, ok := byName[n]
			if !ok {
				return fmt.Errorf("unknown step %q", n)
			}
			sel = append(sel, s)
		}
		steps = sel
	}
	for _, s := range steps {
		if _, err := a.Cache.WhenChanged(ctx, s.Message, s.Files, s.Dirs, s.Action); err != nil {
			return fmt.Errorf("step %s: %w", s.Name, err)
		}
	}
	return nil
}

// StartServices spawns every configured service. Skipped singletons are not errors.
func (a *App) StartServices(ctx context.Context) error {
	for _, s := range a.Config.Services {
		if _, err := a.Supervisor.Spawn(ctx, a.Config.SupervisorSpec(s)); err != nil {
			return fmt.Errorf("service %s: %w", s.Name, err)
		}
	}
	return nil
}

// Handler returns the HTTP API for this App.
func (a *App) Handler(withMetrics bool) http.Handler {
	opts := []server.Option{server.WithSteps(a.Steps())}
	if withMetrics {
		opts = append(opts, server.WithMetrics())
	}
	return server.NewRouter(a.Supervisor, a.Cache, a.Config.Server.BasePath, opts...).Handler()
}

// Close tears down every managed process group and releases history sinks.
func (a *App) Close(ctx context.Context) error {
	err := a.Supervisor.Shutdown(ctx)
	return errors.Join(err, factory.Close(a.sinks))
}

// Metrics helpers

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// NewMetricsServer starts an HTTP server on addr exposing /metrics using the default registry.
func NewMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return server.NewServer(addr, mux)
}

// NewHTTPServer starts the API server for a on addr.
func NewHTTPServer(addr string, a *App, withMetrics bool) *http.Server {
	return server.NewServer(addr, a.Handler(withMetrics))
}

// DefaultShutdownTimeout is the wait before escalating interrupt to terminate and terminate to kill.
const DefaultShutdownTimeout time.Duration = supervisor.DefaultShutdownTimeout
