//go:build !windows

package supervise

import (
	"os/exec"
	"syscall"
)

// detachProc severs the child from the caller's session and process group,
// so signals to the caller never reach the relay.
func detachProc(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}
}
