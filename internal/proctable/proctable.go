// Package proctable snapshots the live process table so callers can tell
// whether a command is already running somewhere on the host.
package proctable

import (
	"context"
	"strings"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Proc is one entry of a process table snapshot.
type Proc struct {
	PID     int32  `json:"pid"`
	Cmdline string `json:"cmdline"`
}

// Lister returns a snapshot of running processes.
// Implementations must be safe for concurrent use.
type Lister interface {
	List(ctx context.Context) ([]Proc, error)
}

// System lists processes of the local host via gopsutil.
type System struct{}

// List returns every process whose command line could be read. Processes that
// exit mid-scan or deny access are skipped.
func (System) List(ctx context.Context) ([]Proc, error) {
	ps, err := gopsproc.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Proc, 0, len(ps))
	for _, p := range ps {
		cl, err := p.CmdlineWithContext(ctx)
		if err != nil || cl == "" {
			continue
		}
		out = append(out, Proc{PID: p.Pid, Cmdline: cl})
	}
	return out, nil
}

// Static is a fixed snapshot, handy for embedding and tests.
type Static []Proc

func (s Static) List(context.Context) ([]Proc, error) { return s, nil }

// MatchCmdline returns the processes whose full command line contains needle,
// ignoring any pid listed in exclude.
func MatchCmdline(procs []Proc, needle string, exclude ...int32) []Proc {
	if needle == "" {
		return nil
	}
	var out []Proc
next:
	for _, p := range procs {
		for _, x := range exclude {
			if p.PID == x {
				continue next
			}
		}
		if strings.Contains(p.Cmdline, needle) {
			out = append(out, p)
		}
	}
	return out
}

// Find lists processes via l and returns those matching needle.
func Find(ctx context.Context, l Lister, needle string, exclude ...int32) ([]Proc, error) {
	procs, err := l.List(ctx)
	if err != nil {
		return nil, err
	}
	return MatchCmdline(procs, needle, exclude...), nil
}
