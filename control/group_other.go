//go:build !unix

package control

import "os/exec"

// configureGroup on hosts without process-group support: neither the
// controller-death cascade nor descendant termination is available, and
// the caller is warned of the reduced guarantees.
func configureGroup(cmd *exec.Cmd) (GroupCaps, func(pid int) procGroup, *GroupCapabilityWarning) {
	return GroupCaps{},
		func(pid int) procGroup { return noopGroup{} },
		&GroupCapabilityWarning{Detail: "host provides no process-group termination; worker descendants cannot be killed as a group"}
}
