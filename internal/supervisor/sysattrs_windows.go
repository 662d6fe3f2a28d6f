//go:build windows

package supervisor

import (
	"os/exec"
	"syscall"
)

// CREATE_NEW_PROCESS_GROUP lets taskkill /T address the child and its descendants.
const createNewProcessGroup = 0x00000200

func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: createNewProcessGroup}
}
