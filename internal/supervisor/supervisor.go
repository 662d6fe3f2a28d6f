// Package supervisor starts background processes in their own process group
// and tears every group down when the owner exits, escalating from interrupt
// to terminate to kill.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/loykin/prereq/internal/env"
	"github.com/loykin/prereq/internal/history"
	"github.com/loykin/prereq/internal/logger"
	"github.com/loykin/prereq/internal/metrics"
	"github.com/loykin/prereq/internal/proctable"
)

// DefaultShutdownTimeout bounds the interrupt and terminate phases.
const DefaultShutdownTimeout = 5 * time.Second

// Spec describes a process to spawn.
type Spec struct {
	Name      string
	Args      []string
	WorkDir   string
	Env       []string
	Log       logger.FileConfig
	Singleton bool
}

// groupOps are the platform primitives used by the shutdown escalation.
type groupOps struct {
	signal  func(pgid int, sig Signal) error
	getpgid func(pid int) (int, error)
	alive   func(pgid int) bool
}

var systemOps = groupOps{signal: signalGroup, getpgid: processGroupID, alive: groupAlive}

type hook struct {
	mp    *ManagedProcess
	once  sync.Once
	phase Phase
	err   error
}

// Supervisor owns managed processes and their shutdown hooks.
type Supervisor struct {
	mu      sync.Mutex
	hooks   []*hook
	pending int

	timeout time.Duration
	lister  proctable.Lister
	env     *env.Env
	log     *slog.Logger
	sinks   []history.Sink
	runID   string
	ops     groupOps
	self    int32
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithTimeout sets the per-phase wait for interrupt and terminate.
func WithTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithLister replaces the process table used for singleton checks.
func WithLister(l proctable.Lister) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.lister = l
		}
	}
}

// WithEnv sets the environment base merged into every child.
func WithEnv(e *env.Env) Option {
	return func(s *Supervisor) {
		if e != nil {
			s.env = e
		}
	}
}

// WithLogger sets the logger for spawn, skip and shutdown events.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.log = l
		}
	}
}

// WithHistory emits spawn, skip and shutdown events to sinks.
func WithHistory(runID string, sinks ...history.Sink) Option {
	return func(s *Supervisor) {
		s.runID = runID
		s.sinks = append(s.sinks, sinks...)
	}
}

// New returns a Supervisor. Callers must invoke Shutdown before exiting.
func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		timeout: DefaultShutdownTimeout,
		lister:  proctable.System{},
		env:     env.New(),
		log:     slog.Default(),
		ops:     systemOps,
		self:    int32(os.Getpid()), // #nosec G115
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Timeout returns the per-phase escalation timeout.
func (s *Supervisor) Timeout() time.Duration { return s.timeout }

// SpawnManaged starts args in a new process group and registers its shutdown hook.
func (s *Supervisor) SpawnManaged(ctx context.Context, args ...string) (*ManagedProcess, error) {
	return s.Spawn(ctx, Spec{Args: args})
}

// SpawnSingleton is SpawnManaged unless a process with the same command line is
// already running; then it logs and returns (nil, nil).
func (s *Supervisor) SpawnSingleton(ctx context.Context, args ...string) (*ManagedProcess, error) {
	return s.Spawn(ctx, Spec{Args: args, Singleton: true})
}

// Spawn starts spec. A skipped singleton yields (nil, nil).
func (s *Supervisor) Spawn(ctx context.Context, spec Spec) (*ManagedProcess, error) {
	if len(spec.Args) == 0 || spec.Args[0] == "" {
		return nil, ErrNoCommand
	}
	name := spec.Name
	if name == "" {
		name = filepath.Base(spec.Args[0])
	}
	sig := Signature(spec.Args)

	if spec.Singleton {
		running, pid, err := s.running(ctx, sig)
		if err != nil {
			return nil, fmt.Errorf("singleton check %q: %w", sig, err)
		}
		if running {
			s.log.Info("already running, skipping", slog.String("name", name), slog.String("command", sig), slog.Int("pid", pid))
			metrics.IncSingletonSkip(name)
			s.emit(ctx, history.EventSkip, history.Record{Name: name, PID: pid})
			return nil, nil
		}
	}

	cmd := exec.Command(spec.Args[0], spec.Args[1:]...) // #nosec G204
	cmd.Dir = spec.WorkDir
	cmd.Env = s.env.Merge(spec.Env)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	configureSysProcAttr(cmd)

	var closers []io.Closer
	if spec.Log.Enabled() {
		outW, errW, err := spec.Log.Writers(name)
		if err != nil {
			return nil, fmt.Errorf("log writers for %s: %w", name, err)
		}
		if outW != nil {
			cmd.Stdout = outW
			closers = append(closers, outW)
		}
		if errW != nil {
			cmd.Stderr = errW
			closers = append(closers, errW)
		}
	}

	if err := cmd.Start(); err != nil {
		for _, c := range closers {
			_ = c.Close()
		}
		return nil, fmt.Errorf("spawn %q: %w", sig, err)
	}

	mp := newManagedProcess(name, cmd.Process.Pid, spec.Args)
	mp.closers = closers
	go s.reap(cmd, mp)

	s.mu.Lock()
	s.hooks = append(s.hooks, &hook{mp: mp})
	s.pending++
	n := s.pending
	s.mu.Unlock()

	metrics.IncSpawn(name)
	metrics.SetManaged(n)
	s.log.Info("spawned", slog.String("name", name), slog.String("command", sig), slog.Int("pid", mp.PID))
	s.emit(ctx, history.EventSpawn, history.Record{Name: name, PID: mp.PID})
	return mp, nil
}

func (s *Supervisor) reap(cmd *exec.Cmd, mp *ManagedProcess) {
	err := cmd.Wait()
	mp.finish(err)
	s.log.Debug("process exited", slog.String("name", mp.Name), slog.Int("pid", mp.PID), slog.Any("error", err))
}

// running reports whether sig is already served by a live managed process or
// by any process on the host other than this one.
func (s *Supervisor) running(ctx context.Context, sig string) (bool, int, error) {
	s.mu.Lock()
	for _, h := range s.hooks {
		if !h.mp.exited() && h.mp.Signature() == sig {
			pid := h.mp.PID
			s.mu.Unlock()
			return true, pid, nil
		}
	}
	s.mu.Unlock()

	found, err := proctable.Find(ctx, s.lister, sig, s.self)
	if err != nil {
		return false, 0, err
	}
	if len(found) > 0 {
		return true, int(found[0].PID), nil
	}
	return false, 0, nil
}

// List returns the status of every process spawned by s, in spawn order.
func (s *Supervisor) List() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.hooks))
	for _, h := range s.hooks {
		out = append(out, h.mp.Snapshot())
	}
	return out
}

// Stop runs mp's shutdown hook now. Later calls and Shutdown will not repeat it.
func (s *Supervisor) Stop(ctx context.Context, mp *ManagedProcess) (Phase, error) {
	s.mu.Lock()
	var target *hook
	for _, h := range s.hooks {
		if h.mp == mp {
			target = h
			break
		}
	}
	s.mu.Unlock()
	if target == nil {
		return PhaseNone, fmt.Errorf("process %d is not managed by this supervisor", mp.PID)
	}
	s.run(ctx, target)
	return target.phase, target.err
}

// Shutdown runs all pending hooks, most recently spawned first.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	hooks := make([]*hook, len(s.hooks))
	copy(hooks, s.hooks)
	s.mu.Unlock()

	var errs []error
	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		s.run(ctx, h)
		if h.err != nil {
			errs = append(errs, fmt.Errorf("%s (pid %d): %w", h.mp.Name, h.mp.PID, h.err))
		}
	}
	return errors.Join(errs...)
}

func (s *Supervisor) run(ctx context.Context, h *hook) {
	h.once.Do(func() {
		h.phase, h.err = s.terminate(h.mp)
		h.mp.setPhase(h.phase)

		s.mu.Lock()
		s.pending--
		n := s.pending
		s.mu.Unlock()

		metrics.IncShutdownPhase(string(h.phase))
		metrics.SetManaged(n)
		rec := history.Record{Name: h.mp.Name, PID: h.mp.PID, Phase: string(h.phase)}
		if h.err != nil {
			rec.Error = h.err.Error()
			s.log.Error("shutdown failed", slog.String("name", h.mp.Name), slog.Int("pid", h.mp.PID), slog.Any("error", h.err))
		} else {
			s.log.Info("stopped", slog.String("name", h.mp.Name), slog.Int("pid", h.mp.PID), slog.String("phase", string(h.phase)))
		}
		s.emit(ctx, history.EventShutdown, rec)
	})
}

// terminate signals mp's process group interrupt, terminate, then kill. A
// phase ends the escalation only once the leader is reaped and the group is
// empty; descendants that ignore a signal keep the escalation going. After
// kill the leader is awaited without bound and the group for one more timeout.
func (s *Supervisor) terminate(mp *ManagedProcess) (Phase, error) {
	if mp.exited() && !s.ops.alive(mp.PGID) {
		return PhaseNone, nil
	}

	pgid, err := s.ops.getpgid(mp.PID)
	if err != nil || pgid <= 0 {
		s.log.Debug("getpgid failed, using spawn pgid", slog.Int("pid", mp.PID), slog.Int("pgid", mp.PGID), slog.Any("error", err))
		pgid = mp.PGID
	}

	steps := []struct {
		sig   Signal
		phase Phase
	}{
		{SignalInterrupt, PhaseInterrupt},
		{SignalTerminate, PhaseTerminate},
		{SignalKill, PhaseKill},
	}
	last := PhaseNone
	for _, st := range steps {
		if err := s.ops.signal(pgid, st.sig); err != nil {
			// the group vanished between the liveness check and the signal
			if mp.exited() && !s.ops.alive(pgid) {
				return last, nil
			}
			return st.phase, &SignalError{PGID: pgid, Signal: st.sig, Err: err}
		}
		last = st.phase
		if st.sig == SignalKill {
			<-mp.done
			if !s.awaitGroup(mp, pgid, s.timeout) {
				s.log.Warn("process group still present after kill", slog.String("name", mp.Name), slog.Int("pgid", pgid))
			}
			return st.phase, nil
		}
		if s.awaitGroup(mp, pgid, s.timeout) {
			return st.phase, nil
		}
		s.log.Warn("process group still running, escalating",
			slog.String("name", mp.Name), slog.Int("pgid", pgid), slog.String("after", st.sig.String()))
	}
	return last, nil
}

// groupPollInterval is how often an emptied leader's group is re-checked.
const groupPollInterval = 20 * time.Millisecond

// awaitGroup waits up to d for mp's leader to be reaped and then for pgid to
// have no members left. It reports whether both happened in time.
func (s *Supervisor) awaitGroup(mp *ManagedProcess, pgid int, d time.Duration) bool {
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	select {
	case <-mp.done:
	case <-deadline.C:
		return false
	}
	tick := time.NewTicker(groupPollInterval)
	defer tick.Stop()
	for s.ops.alive(pgid) {
		select {
		case <-tick.C:
		case <-deadline.C:
			return !s.ops.alive(pgid)
		}
	}
	return true
}

func (s *Supervisor) emit(ctx context.Context, t history.EventType, rec history.Record) {
	if len(s.sinks) == 0 {
		return
	}
	rec.RunID = s.runID
	history.Broadcast(ctx, s.log, s.sinks, history.Event{Type: t, OccurredAt: time.Now().UTC(), Record: rec})
}
