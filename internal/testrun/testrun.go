// Package testrun runs test commands and keeps the failure tally that decides
// the final exit status.
package testrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// ErrTestFailed is returned by Run in fail-fast mode.
var ErrTestFailed = errors.New("test command failed")

// Outcome records one test command.
type Outcome struct {
	Command  string        `json:"command"`
	Err      error         `json:"-"`
	Duration time.Duration `json:"duration"`
}

// Failed reports whether the command exited unsuccessfully.
func (o Outcome) Failed() bool { return o.Err != nil }

// Result accumulates outcomes across commands. Safe for concurrent use.
type Result struct {
	mu   sync.Mutex
	Runs []Outcome
}

func (r *Result) add(o Outcome) {
	r.mu.Lock()
	r.Runs = append(r.Runs, o)
	r.mu.Unlock()
}

// Failed counts failed commands.
func (r *Result) Failed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, o := range r.Runs {
		if o.Failed() {
			n++
		}
	}
	return n
}

// Err returns "N tests failed!" when any command failed.
func (r *Result) Err() error {
	if n := r.Failed(); n > 0 {
		return fmt.Errorf("%d tests failed!", n)
	}
	return nil
}

// Runner executes test commands with inherited stdio.
type Runner struct {
	FailFast bool
	Dir      string
	Env      []string
	Log      *slog.Logger
}

// Run executes args and records the outcome in res. Without FailFast a failure
// is only recorded; with it, ErrTestFailed is returned at once.
func (r Runner) Run(ctx context.Context, res *Result, args ...string) error {
	if len(args) == 0 {
		return errors.New("no test command given")
	}
	log := r.Log
	if log == nil {
		log = slog.Default()
	}
	cmdline := strings.Join(args, " ")
	cmd := exec.CommandContext(ctx, args[0], args[1:]...) // #nosec G204
	cmd.Dir = r.Dir
	if len(r.Env) > 0 {
		cmd.Env = r.Env
	}
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	start := time.Now()
	err := cmd.Run()
	res.add(Outcome{Command: cmdline, Err: err, Duration: time.Since(start)})
	if err == nil {
		return nil
	}
	log.Error("test command failed", slog.String("command", cmdline), slog.Any("error", err))
	if r.FailFast {
		return fmt.Errorf("%w: %s: %v", ErrTestFailed, cmdline, err)
	}
	return nil
}

// RunScript runs script through the platform shell.
func (r Runner) RunScript(ctx context.Context, res *Result, script string) error {
	if strings.TrimSpace(script) == "" {
		return errors.New("empty test script")
	}
	return r.Run(ctx, res, ShellArgs(script)...)
}
