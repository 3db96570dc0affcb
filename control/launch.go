package control

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sync/atomic"
	"time"
)

// workerProc couples a channel to the worker process it spawned: liveness
// polling, force-kill, and the descendant process group.
type workerProc struct {
	cmd   *exec.Cmd
	group procGroup
	caps  GroupCaps

	exitTimeout            time.Duration
	killDescendantsOnClose bool

	exitCh chan struct{}
	code   atomic.Int32
	gone   atomic.Bool
}

func (p *workerProc) poll() (int, bool) {
	return int(p.code.Load()), p.gone.Load()
}

func (p *workerProc) kill() {
	if p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}
}

func (p *workerProc) terminateDescendants() error {
	if p.group == nil {
		return nil
	}
	return p.group.Terminate()
}

// Launch spawns a worker process with its three standard streams
// redirected onto the channel, binds it into a process group per the
// host's capabilities, performs the handshake, and returns the ready
// channel. The context bounds launch and handshake only; a worker that
// exits before acknowledging initialization fails fast.
func Launch(ctx context.Context, command string, args []string, opts ...Option) (*Channel, error) {
	o := buildOptions(opts)

	cmd := exec.Command(command, args...)
	if len(o.env) > 0 {
		cmd.Env = append(os.Environ(), o.env...)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("piping worker input: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("piping result stream: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("piping diagnostic stream: %w", err)
	}

	caps, groupFor, groupWarning := configureGroup(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting worker: %w", err)
	}

	p := &workerProc{
		cmd:                    cmd,
		caps:                   caps,
		group:                  groupFor(cmd.Process.Pid),
		exitTimeout:            o.exitTimeout,
		killDescendantsOnClose: o.killDescendantsOnClose,
		exitCh:                 make(chan struct{}),
	}
	go func() {
		cmd.Wait()
		p.code.Store(int32(cmd.ProcessState.ExitCode()))
		p.gone.Store(true)
		close(p.exitCh)
	}()

	type result struct {
		ch  *Channel
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		ch, err := newChannel(stdin, stdout, stderr, o, p)
		resCh <- result{ch: ch, err: err}
	}()

	var ch *Channel
	select {
	case r := <-resCh:
		if r.err != nil {
			p.kill()
			return nil, fmt.Errorf("launching worker: %w", r.err)
		}
		ch = r.ch
	case <-ctx.Done():
		p.kill()
		return nil, fmt.Errorf("launching worker: %w", ctx.Err())
	}

	if groupWarning != nil {
		ch.warn(groupWarning)
	}

	// Best-effort shutdown if the controller drops the channel without
	// closing it. The process group still backstops abnormal controller
	// death where the host supports it.
	runtime.SetFinalizer(ch, func(c *Channel) { go c.Close() })

	return ch, nil
}

// Pid is the worker's process id, or 0 for channels wired over existing
// streams.
func (c *Channel) Pid() int {
	if c.proc == nil || c.proc.cmd.Process == nil {
		return 0
	}
	return c.proc.cmd.Process.Pid
}

// GroupCapabilities reports the process-group guarantees negotiated at
// launch.
func (c *Channel) GroupCapabilities() GroupCaps {
	if c.proc == nil {
		return GroupCaps{}
	}
	return c.proc.caps
}
