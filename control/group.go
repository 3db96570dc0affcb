package control

// GroupCaps is the capability-negotiation result for worker process
// grouping. Hosts that cannot provide a guarantee report it here instead
// of degrading silently; Launch additionally emits a
// GroupCapabilityWarning.
type GroupCaps struct {
	// DieWithController: the worker is terminated when the controller
	// process dies, even abnormally.
	DieWithController bool

	// KillDescendants: the worker's own descendants can be
	// force-terminated as a group.
	KillDescendants bool
}

// procGroup force-terminates the worker's descendant group.
type procGroup interface {
	Terminate() error
}

type noopGroup struct{}

func (noopGroup) Terminate() error { return nil }
