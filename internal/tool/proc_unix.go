//go:build !windows

package tool

import (
	"errors"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcessGroup starts the child in its own process group so the whole
// tree can be signalled at once.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// interrupt asks the process group to stop.
func interrupt(pid int) error {
	if pid <= 0 {
		return nil
	}
	return ignoreGone(unix.Kill(-pid, unix.SIGTERM))
}

// terminate force-kills the process group, then the process itself.
func terminate(pid int, _ string) error {
	if pid <= 0 {
		return nil
	}
	errGroup := ignoreGone(unix.Kill(-pid, unix.SIGKILL))
	errProc := ignoreGone(unix.Kill(pid, unix.SIGKILL))
	return errors.Join(errGroup, errProc)
}

func ignoreGone(err error) error {
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}
