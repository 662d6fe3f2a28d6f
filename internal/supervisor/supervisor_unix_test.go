//go:build !windows

package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loykin/prereq/internal/env"
	"github.com/loykin/prereq/internal/logger"
	"github.com/loykin/prereq/internal/proctable"
)

func waitDone(t *testing.T, mp *ManagedProcess, d time.Duration) {
	t.Helper()
	select {
	case <-mp.Done():
	case <-time.After(d):
		t.Fatalf("process %d not reaped within %s", mp.PID, d)
	}
}

func TestSpawnManagedUsesOwnProcessGroup(t *testing.T) {
	s := New(WithTimeout(2 * time.Second))
	mp, err := s.SpawnManaged(context.Background(), "sleep", "30")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer func() { _ = s.Shutdown(context.Background()) }()

	if pgid, err := processGroupID(mp.PID); err != nil || pgid != mp.PID {
		t.Fatalf("pgid = %d (%v), want %d", pgid, err, mp.PID)
	}
	if pgid, _ := processGroupID(os.Getpid()); pgid == mp.PID {
		t.Fatal("child shares the test's process group")
	}
	if st := s.List(); len(st) != 1 || !st[0].Running || st[0].Command != "sleep 30" {
		t.Fatalf("list = %+v", st)
	}
}

func TestShutdownInterruptsSleep(t *testing.T) {
	s := New(WithTimeout(2 * time.Second))
	mp, err := s.SpawnManaged(context.Background(), "sleep", "30")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	waitDone(t, mp, time.Second)
	if got := mp.Snapshot().Phase; got != PhaseInterrupt {
		t.Fatalf("phase = %s, want interrupt", got)
	}
	if groupAlive(mp.PGID) {
		t.Fatal("group still alive after shutdown")
	}
}

func TestShutdownEscalatesWhenInterruptIgnored(t *testing.T) {
	s := New(WithTimeout(200 * time.Millisecond))
	mp, err := s.SpawnManaged(context.Background(), "sh", "-c", `trap "" INT; sleep 30`)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	// let the shell install its trap
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	phase, err := s.Stop(context.Background(), mp)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if phase != PhaseTerminate {
		t.Fatalf("phase = %s, want terminate", phase)
	}
	if time.Since(start) < 200*time.Millisecond {
		t.Fatal("terminate sent before the interrupt timeout elapsed")
	}
}

func TestShutdownReapsDescendants(t *testing.T) {
	s := New(WithTimeout(time.Second))
	mp, err := s.SpawnManaged(context.Background(), "sh", "-c", "sleep 30 & sleep 30 & wait")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for groupAlive(mp.PGID) {
		if time.Now().After(deadline) {
			t.Fatal("descendants survived group shutdown")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestStopEscalatesPastExitedLeader(t *testing.T) {
	s := New(WithTimeout(300 * time.Millisecond))
	// background jobs of a non-interactive shell ignore SIGINT, the shell does not
	mp, err := s.SpawnManaged(context.Background(), "sh", "-c", "sleep 7 & wait")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	phase, err := s.Stop(context.Background(), mp)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if phase != PhaseTerminate {
		t.Fatalf("phase = %s, want terminate", phase)
	}
	if groupAlive(mp.PGID) {
		t.Fatal("background job outlived the stop")
	}
}

func TestSpawnSingletonTwiceStartsOne(t *testing.T) {
	s := New(WithTimeout(time.Second))
	defer func() { _ = s.Shutdown(context.Background()) }()

	first, err := s.SpawnSingleton(context.Background(), "sleep", "31.5")
	if err != nil || first == nil {
		t.Fatalf("first: %v %v", first, err)
	}
	second, err := s.SpawnSingleton(context.Background(), "sleep", "31.5")
	if err != nil || second != nil {
		t.Fatalf("second: %v %v, want skip", second, err)
	}

	procs, err := proctable.Find(context.Background(), proctable.System{}, "sleep 31.5", int32(os.Getpid()))
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(procs) != 1 {
		t.Fatalf("running copies = %d, want 1", len(procs))
	}
}

func TestSingletonSeesForeignProcess(t *testing.T) {
	other := New(WithTimeout(time.Second))
	defer func() { _ = other.Shutdown(context.Background()) }()
	if _, err := other.SpawnManaged(context.Background(), "sleep", "32.25"); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	s := New()
	mp, err := s.SpawnSingleton(context.Background(), "sleep", "32.25")
	if err != nil || mp != nil {
		t.Fatalf("mp=%v err=%v, want skip via process table", mp, err)
	}
}

func TestSpawnWritesLogsAndEnv(t *testing.T) {
	dir := t.TempDir()
	e := env.Empty()
	e.Set("GREETING", "hello")
	s := New(WithEnv(e))
	mp, err := s.Spawn(context.Background(), Spec{
		Name: "greeter",
		Args: []string{"/bin/sh", "-c", `echo "$GREETING $TARGET"; echo oops >&2`},
		Env:  []string{"TARGET=world"},
		Log:  logger.FileConfig{Dir: dir},
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	waitDone(t, mp, 5*time.Second)
	if mp.ExitErr() != nil {
		t.Fatalf("exit: %v", mp.ExitErr())
	}

	out, err := os.ReadFile(filepath.Join(dir, "greeter.stdout.log"))
	if err != nil || strings.TrimSpace(string(out)) != "hello world" {
		t.Fatalf("stdout = %q (%v)", out, err)
	}
	errOut, err := os.ReadFile(filepath.Join(dir, "greeter.stderr.log"))
	if err != nil || !strings.Contains(string(errOut), "oops") {
		t.Fatalf("stderr = %q (%v)", errOut, err)
	}

	phase, err := s.Stop(context.Background(), mp)
	if err != nil || phase != PhaseNone {
		t.Fatalf("stop exited process: %s %v", phase, err)
	}
}

func TestSpawnMissingBinary(t *testing.T) {
	s := New()
	if _, err := s.SpawnManaged(context.Background(), "/nonexistent/prereq-binary"); err == nil {
		t.Fatal("expected start error")
	}
	if len(s.List()) != 0 {
		t.Fatal("failed spawn must not register a hook")
	}
}
