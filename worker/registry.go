package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/scriptlink/scriptlink/wire"
)

// Call describes one invocation arriving over the channel.
type Call struct {
	Name string
	Args []wire.Value

	// OnMain is true when the call was dispatched on the worker's primary
	// goroutine rather than inside the notification read loop.
	OnMain bool
}

// HandlerFunc services one named function. A returned *ScriptError crosses
// the channel with its fields intact; any other error is reported as a
// generic failure.
type HandlerFunc func(ctx context.Context, call *Call) (wire.Value, error)

// ScriptError is a structured failure raised by a handler, mirroring an
// exception thrown inside a hosted script. Line is reported in
// preamble-inclusive terms; the controller remaps it.
type ScriptError struct {
	Message string
	What    string
	Extra   string
	File    string
	Line    int
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("script error: message=%q what=%q extra=%q file=%q line=%d",
		e.Message, e.What, e.Extra, e.File, e.Line)
}

type entry struct {
	fn       HandlerFunc
	mainOnly bool
}

// Registry holds the functions a worker exposes to its controller.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

func NewRegistry() *Registry {
	return &Registry{entries: map[string]entry{}}
}

// Register exposes fn under name. Re-registering a name replaces it.
func (r *Registry) Register(name string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = entry{fn: fn}
}

// RegisterMainOnly exposes fn under name and requires it to run on the
// worker's primary goroutine. Invoking it through a background call shape
// fails with the main-thread violation code.
func (r *Registry) RegisterMainOnly(name string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = entry{fn: fn, mainOnly: true}
}

func (r *Registry) lookup(name string) (entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}
