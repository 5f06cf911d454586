//go:build windows

package tool

import (
	"fmt"
	"os/exec"
	"strconv"
	"syscall"

	"golang.org/x/sys/windows"
)

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: windows.CREATE_NEW_PROCESS_GROUP}
}

// interrupt asks the process tree to close.
func interrupt(pid int) error {
	if pid <= 0 {
		return nil
	}
	return exec.Command("taskkill", "/T", "/PID", strconv.Itoa(pid)).Run()
}

// terminate force-kills the process tree, matching on both the pid and the
// image name so a recycled pid is not hit.
func terminate(pid int, image string) error {
	if pid <= 0 {
		return nil
	}
	args := []string{"/F", "/T", "/FI", fmt.Sprintf("PID eq %d", pid)}
	if image != "" {
		args = append(args, "/IM", image)
	}
	return exec.Command("taskkill", args...).Run()
}
