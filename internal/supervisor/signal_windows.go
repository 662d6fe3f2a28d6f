//go:build windows

package supervisor

import (
	"errors"
	"os"
	"os/exec"
	"strconv"
	"syscall"
)

// Windows has no POSIX process groups. The three phases map onto taskkill:
// a tree-wide close request, a forced tree kill, then TerminateProcess on the root.
func signalGroup(pgid int, sig Signal) error {
	pid := strconv.Itoa(pgid)
	switch sig {
	case SignalInterrupt:
		// #nosec G204
		return exec.Command("taskkill", "/T", "/PID", pid).Run()
	case SignalTerminate:
		// #nosec G204
		return exec.Command("taskkill", "/T", "/F", "/PID", pid).Run()
	default:
		p, err := os.FindProcess(pgid)
		if err != nil {
			return err
		}
		_ = exec.Command("taskkill", "/T", "/F", "/PID", pid).Run() // #nosec G204
		if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return err
		}
		return nil
	}
}

// processGroupID returns pid: with CREATE_NEW_PROCESS_GROUP the root is the group.
func processGroupID(pid int) (int, error) { return pid, nil }

func groupAlive(pgid int) bool {
	if pgid <= 0 {
		return false
	}
	h, err := syscall.OpenProcess(syscall.PROCESS_QUERY_INFORMATION, false, uint32(pgid))
	if err != nil {
		return false
	}
	_ = syscall.CloseHandle(h)
	return true
}
