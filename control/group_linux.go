//go:build linux

package control

import (
	"os/exec"
	"syscall"
)

// configureGroup places the worker in its own process group, which its
// descendants inherit, and arranges for the kernel to deliver SIGKILL to
// the worker if the controller dies. Both capabilities are available on
// Linux.
func configureGroup(cmd *exec.Cmd) (GroupCaps, func(pid int) procGroup, *GroupCapabilityWarning) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	return GroupCaps{DieWithController: true, KillDescendants: true},
		func(pid int) procGroup { return pgidGroup(pid) },
		nil
}

type pgidGroup int

func (g pgidGroup) Terminate() error {
	err := syscall.Kill(-int(g), syscall.SIGKILL)
	if err == syscall.ESRCH {
		return nil
	}
	return err
}
