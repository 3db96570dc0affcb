//go:build unix && !linux

package control

import (
	"os/exec"
	"syscall"
)

// configureGroup places the worker in its own process group for descendant
// termination. Without a parent-death signal there is no kernel-enforced
// controller-death cascade on this host; the launch finalizer and the
// explicit Exit path remain.
func configureGroup(cmd *exec.Cmd) (GroupCaps, func(pid int) procGroup, *GroupCapabilityWarning) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return GroupCaps{KillDescendants: true},
		func(pid int) procGroup { return pgidGroup(pid) },
		&GroupCapabilityWarning{Detail: "host cannot terminate the worker on controller death; rely on explicit Exit"}
}

type pgidGroup int

func (g pgidGroup) Terminate() error {
	err := syscall.Kill(-int(g), syscall.SIGKILL)
	if err == syscall.ESRCH {
		return nil
	}
	return err
}
