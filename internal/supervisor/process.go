package supervisor

import (
	"io"
	"strings"
	"sync"
	"time"
)

// Signal is a platform-neutral shutdown request.
type Signal int

const (
	SignalInterrupt Signal = iota + 1
	SignalTerminate
	SignalKill
)

func (s Signal) String() string {
	switch s {
	case SignalInterrupt:
		return "interrupt"
	case SignalTerminate:
		return "terminate"
	case SignalKill:
		return "kill"
	}
	return "unknown"
}

// Phase names the escalation step that ended a process group.
type Phase string

const (
	PhaseNone      Phase = "none" // already gone, nothing sent
	PhaseInterrupt Phase = "interrupt"
	PhaseTerminate Phase = "terminate"
	PhaseKill      Phase = "kill"
)

// ManagedProcess is a child started by a Supervisor. The leader is reaped in
// the background; Done is closed once that happened.
type ManagedProcess struct {
	Name      string
	PID       int
	PGID      int
	Args      []string
	StartedAt time.Time

	done    chan struct{}
	mu      sync.Mutex
	exitErr error
	phase   Phase
	closers []io.Closer
}

func newManagedProcess(name string, pid int, args []string) *ManagedProcess {
	return &ManagedProcess{
		Name:      name,
		PID:       pid,
		PGID:      pid,
		Args:      append([]string(nil), args...),
		StartedAt: time.Now(),
		done:      make(chan struct{}),
	}
}

// Done is closed after the leader process has been reaped.
func (p *ManagedProcess) Done() <-chan struct{} { return p.done }

// ExitErr is the leader's wait error; nil while running or after a clean exit.
func (p *ManagedProcess) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Signature is the argv joined by single spaces, matched against command lines
// of running processes for singleton checks.
func (p *ManagedProcess) Signature() string { return Signature(p.Args) }

// Signature joins argv the way singleton matching expects.
func Signature(args []string) string { return strings.Join(args, " ") }

func (p *ManagedProcess) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// finish records the wait result and releases log writers. Called once by the reaper.
func (p *ManagedProcess) finish(err error) {
	p.mu.Lock()
	p.exitErr = err
	cs := p.closers
	p.closers = nil
	p.mu.Unlock()
	for _, c := range cs {
		_ = c.Close()
	}
	close(p.done)
}

func (p *ManagedProcess) setPhase(ph Phase) {
	p.mu.Lock()
	p.phase = ph
	p.mu.Unlock()
}

// Status is a point-in-time view of a managed process.
type Status struct {
	Name      string    `json:"name"`
	PID       int       `json:"pid"`
	PGID      int       `json:"pgid"`
	Command   string    `json:"command"`
	StartedAt time.Time `json:"started_at"`
	Running   bool      `json:"running"`
	ExitErr   string    `json:"exit_error,omitempty"`
	Phase     Phase     `json:"shutdown_phase,omitempty"`
}

// Snapshot returns the current status.
func (p *ManagedProcess) Snapshot() Status {
	st := Status{
		Name:      p.Name,
		PID:       p.PID,
		PGID:      p.PGID,
		Command:   p.Signature(),
		StartedAt: p.StartedAt,
		Running:   !p.exited(),
	}
	p.mu.Lock()
	if p.exitErr != nil {
		st.ExitErr = p.exitErr.Error()
	}
	st.Phase = p.phase
	p.mu.Unlock()
	return st
}
