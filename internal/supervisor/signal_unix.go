//go:build !windows

package supervisor

import (
	"errors"
	"syscall"
)

func signalGroup(pgid int, sig Signal) error {
	var s syscall.Signal
	switch sig {
	case SignalInterrupt:
		s = syscall.SIGINT
	case SignalTerminate:
		s = syscall.SIGTERM
	default:
		s = syscall.SIGKILL
	}
	return syscall.Kill(-pgid, s)
}

func processGroupID(pid int) (int, error) {
	return syscall.Getpgid(pid)
}

// groupAlive reports whether any process is left in the group (or EPERM).
func groupAlive(pgid int) bool {
	if pgid <= 0 {
		return false
	}
	err := syscall.Kill(-pgid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
