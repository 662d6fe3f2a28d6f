package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loykin/prereq"
	"github.com/loykin/prereq/internal/config"
	"github.com/loykin/prereq/internal/logger"
	"github.com/loykin/prereq/internal/settings"
	"github.com/loykin/prereq/internal/supervisor"
	"github.com/loykin/prereq/internal/testrun"
	"github.com/loykin/prereq/internal/watch"
	"github.com/loykin/prereq/internal/which"
)

type command struct {
	global *GlobalFlags
}

// loadConfig reads --config and applies global flag overrides.
func (c command) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(c.global.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	if c.global.CacheDir != "" {
		cfg.CacheDir = c.global.CacheDir
	}
	if c.global.LogLevel != "" {
		cfg.Log.Slog.Level = c.global.LogLevel
	}
	return cfg, nil
}

func (c command) app() (*prereq.App, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	return prereq.NewApp(cfg)
}

// withSignals returns a context cancelled on SIGINT or SIGTERM.
func withSignals(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

// closeApp shuts the app down on a fresh context so a cancelled caller
// context does not cut the shutdown short.
func closeApp(app *prereq.App, err error) error {
	return errors.Join(err, app.Close(context.Background()))
}

func (c command) Fingerprint(out io.Writer, files, dirs []string) error {
	if len(files) == 0 {
		return prereq.ErrNoFiles
	}
	d, err := prereq.ComputeFingerprint(files, dirs)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(out, d)
	return nil
}

func (c command) WhenChanged(ctx context.Context, out io.Writer, f WhenChangedFlags, args []string) error {
	app, err := c.app()
	if err != nil {
		return err
	}
	ctx, stop := withSignals(ctx)
	defer stop()
	ran, err := app.Cache.WhenChanged(ctx, f.Message, f.Files, f.Dirs, app.CommandAction(args, ""))
	if err == nil && !ran && f.Message == "" {
		_, _ = fmt.Fprintln(out, "unchanged, skipped")
	}
	return closeApp(app, err)
}

func (c command) Run(ctx context.Context, names []string) error {
	app, err := c.app()
	if err != nil {
		return err
	}
	ctx, stop := withSignals(ctx)
	defer stop()
	return closeApp(app, app.RunSteps(ctx, names...))
}

func (c command) Forget(names, files []string) error {
	app, err := c.app()
	if err != nil {
		return err
	}
	if len(names) == 0 && len(files) == 0 {
		return closeApp(app, errors.New("name a step or pass --files"))
	}
	var errs []error
	for _, n := range names {
		s, ok := app.Config.Step(n)
		if !ok {
			errs = append(errs, fmt.Errorf("unknown step %q", n))
			continue
		}
		errs = append(errs, app.Cache.Forget(s.Files))
	}
	if len(files) > 0 {
		errs = append(errs, app.Cache.Forget(files))
	}
	return closeApp(app, errors.Join(errs...))
}

func (c command) Spawn(ctx context.Context, out io.Writer, f SpawnFlags, args []string) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	if f.Timeout > 0 {
		cfg.ShutdownTimeout = f.Timeout
	}
	app, err := prereq.NewApp(cfg)
	if err != nil {
		return err
	}
	ctx, stop := withSignals(ctx)
	defer stop()

	mp, err := app.Supervisor.Spawn(ctx, supervisor.Spec{
		Name:      f.Name,
		Args:      args,
		WorkDir:   f.WorkDir,
		Env:       f.Env,
		Log:       cfg.Log.File.Merge(logger.FileConfig{Dir: f.LogDir}),
		Singleton: f.Singleton,
	})
	if err != nil {
		return closeApp(app, err)
	}
	if mp == nil {
		_, _ = fmt.Fprintln(out, "already running, skipping")
		return closeApp(app, nil)
	}
	_, _ = fmt.Fprintf(out, "%s started (pid %d)\n", mp.Name, mp.PID)

	select {
	case <-mp.Done():
		return closeApp(app, mp.ExitErr())
	case <-ctx.Done():
		return closeApp(app, nil)
	}
}

func (c command) Serve(ctx context.Context, f ServeFlags) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	app, err := prereq.NewApp(cfg)
	if err != nil {
		return err
	}
	ctx, stop := withSignals(ctx)
	defer stop()

	var servers []*http.Server
	if cfg.Metrics.Enabled {
		if err := prereq.RegisterMetricsDefault(); err != nil {
			app.Log.Warn("failed to register metrics", "error", err)
		}
		if cfg.Metrics.Listen != "" && (!cfg.Server.Enabled || cfg.Metrics.Listen != cfg.Server.Listen) {
			servers = append(servers, prereq.NewMetricsServer(cfg.Metrics.Listen))
			app.Log.Info("serving metrics", "listen", cfg.Metrics.Listen)
		}
	}
	if cfg.Server.Enabled {
		servers = append(servers, prereq.NewHTTPServer(cfg.Server.Listen, app, cfg.Metrics.Enabled))
		app.Log.Info("serving API", "listen", cfg.Server.Listen, "base_path", cfg.Server.BasePath)
	}
	defer func() {
		for _, s := range servers {
			_ = s.Close()
		}
	}()

	if !f.NoSteps {
		if err := app.RunSteps(ctx); err != nil {
			return closeApp(app, err)
		}
	}
	if !f.NoServices {
		if err := app.StartServices(ctx); err != nil {
			return closeApp(app, err)
		}
	}
	<-ctx.Done()
	app.Log.Info("shutting down")
	return closeApp(app, nil)
}

func (c command) Watch(ctx context.Context, f WatchFlags) error {
	app, err := c.app()
	if err != nil {
		return err
	}
	w, err := watch.New(app.Cache, app.Steps(), watch.WithDebounce(f.Debounce), watch.WithLogger(app.Log))
	if err != nil {
		return closeApp(app, err)
	}
	ctx, stop := withSignals(ctx)
	defer stop()
	app.Log.Info("watching", "paths", len(w.Paths()))
	return closeApp(app, w.Run(ctx))
}

func (c command) Which(out io.Writer, f WhichFlags, candidates []string) error {
	p, err := which.Resolve(f.EnvVar, candidates...)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(out, p)
	return nil
}

func (c command) Envs(out io.Writer, f EnvsFlags, system string) error {
	names, err := settings.Environments(f.Root, system)
	if err != nil {
		return err
	}
	for _, n := range names {
		_, _ = fmt.Fprintln(out, n)
	}
	return nil
}

// Test runs every script and the trailing command, then reports the tally.
// --fail-fast, when given explicitly, wins over tests_fail_fast/TESTS_FAIL_FAST.
func (c command) Test(ctx context.Context, failFastSet bool, f TestFlags, args []string) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	if len(f.Scripts) == 0 && len(args) == 0 {
		return errors.New("nothing to run: pass --script or a command")
	}
	failFast := cfg.TestsFailFast
	if failFastSet {
		failFast = f.FailFast
	}
	e, err := cfg.BuildEnv()
	if err != nil {
		return err
	}
	if f.Report != "" {
		dir := settings.ReportDir(cfg.ReportDir, f.Report)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("report dir: %w", err)
		}
		e.Set("REPORT_DIR", dir)
	}
	ctx, stop := withSignals(ctx)
	defer stop()

	r := testrun.Runner{FailFast: failFast, Dir: f.Dir, Env: e.Merge(nil), Log: cfg.Log.NewSlogger()}
	var res testrun.Result
	start := time.Now()
	for _, s := range f.Scripts {
		if err := r.RunScript(ctx, &res, s); err != nil {
			return err
		}
	}
	if len(args) > 0 {
		if err := r.Run(ctx, &res, args...); err != nil {
			return err
		}
	}
	r.Log.Info("tests finished", "commands", len(res.Runs), "failed", res.Failed(), "elapsed", time.Since(start).Round(time.Millisecond))
	return res.Err()
}
