package control

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scriptlink/scriptlink/wire"
)

const (
	defaultRetryInterval = 10 * time.Millisecond
	defaultNotifyTimeout = 30 * time.Second
	defaultExitTimeout   = 5 * time.Second
)

// Channel is one controller<->worker protocol session. Multiple goroutines
// may share a Channel; its lock admits one call in flight at a time, and
// ordering across goroutines follows lock acquisition, not call-site
// order. All operations block until the full response is framed; the only
// mid-flight escape is the worker exiting.
type Channel struct {
	log  *zap.SugaredLogger
	warn func(Warning)

	mu  sync.Mutex
	tr  *transport
	seq uint64

	token  string
	handle int64
	marsh  *marshaller

	exited   bool
	exitCode int

	// Set when the channel owns a spawned worker process; nil for channels
	// wired over existing streams.
	proc *workerProc
}

type Option func(o *options)

type options struct {
	logger                 *zap.Logger
	warn                   func(Warning)
	script                 string
	scriptFile             string
	workingDir             string
	preambleLines          int
	retryEvery             time.Duration
	retryFor               time.Duration
	exitTimeout            time.Duration
	notifier               Notifier
	live                   liveness
	env                    []string
	killDescendantsOnClose bool
}

// WithLogger attaches a logger to the channel.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithWarnHandler installs the sink for non-fatal warnings (precision
// loss, incomplete failure records, reduced group capabilities). The
// default logs them.
func WithWarnHandler(fn func(Warning)) Option {
	return func(o *options) { o.warn = fn }
}

// WithScript supplies the script text sent to the worker during the
// handshake.
func WithScript(script string) Option {
	return func(o *options) { o.script = script }
}

// WithScriptFile records the path the script came from, used for reported
// failure locations.
func WithScriptFile(path string) Option {
	return func(o *options) { o.scriptFile = path }
}

// WithWorkingDir fixes the worker's working directory at launch time.
func WithWorkingDir(dir string) Option {
	return func(o *options) { o.workingDir = dir }
}

// WithPreambleLines tells the channel how many lines were prepended to the
// user's script, so failure line numbers can be remapped.
func WithPreambleLines(n int) Option {
	return func(o *options) { o.preambleLines = n }
}

// WithNotifyRetryInterval sets the sleep between rejected-notification
// retries.
func WithNotifyRetryInterval(d time.Duration) Option {
	return func(o *options) { o.retryEvery = d }
}

// WithNotifyTimeout bounds the total time spent retrying a rejected
// notification. Zero retries forever.
func WithNotifyTimeout(d time.Duration) Option {
	return func(o *options) { o.retryFor = d }
}

// WithExitTimeout sets how long Exit waits for a graceful shutdown before
// force-terminating, when the caller's context has no earlier deadline.
func WithExitTimeout(d time.Duration) Option {
	return func(o *options) { o.exitTimeout = d }
}

// WithNotifier overrides the notification primitive.
func WithNotifier(n Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithLiveness supplies the worker liveness poll for channels wired over
// existing streams.
func WithLiveness(fn func() (code int, exited bool)) Option {
	return func(o *options) { o.live = fn }
}

// WithEnv appends environment variables to a launched worker.
func WithEnv(env []string) Option {
	return func(o *options) { o.env = env }
}

// WithKillDescendantsOnClose makes Close (and the best-effort finalizer)
// tear down the worker's descendant group too.
func WithKillDescendantsOnClose(kill bool) Option {
	return func(o *options) { o.killDescendantsOnClose = kill }
}

func buildOptions(opts []Option) *options {
	o := &options{
		retryEvery:  defaultRetryInterval,
		retryFor:    defaultNotifyTimeout,
		exitTimeout: defaultExitTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return o
}

// New wires a channel over existing streams: data is the worker's input,
// out and diag its result and diagnostic streams. It performs the
// handshake and blocks until the worker acknowledges initialization. Most
// callers want Launch instead.
func New(data io.Writer, out, diag io.Reader, opts ...Option) (*Channel, error) {
	return newChannel(data, out, diag, buildOptions(opts), nil)
}

func newChannel(data io.Writer, out, diag io.Reader, o *options, proc *workerProc) (*Channel, error) {
	log := o.logger.Named("control").Sugar()

	c := &Channel{
		log:   log,
		token: uuid.NewString(),
		proc:  proc,
	}
	c.warn = o.warn
	if c.warn == nil {
		c.warn = func(w Warning) { log.Warnf("%s", w) }
	}

	live := o.live
	if live == nil && proc != nil {
		live = proc.poll
	}
	if live == nil {
		live = func() (int, bool) { return 0, false }
	}

	notifier := o.notifier
	if notifier == nil {
		notifier = &streamNotifier{w: data}
	}

	c.tr = &transport{
		log:        log.Named("transport"),
		data:       data,
		out:        bufio.NewReaderSize(out, wire.MaxTransferUnit),
		diag:       bufio.NewReaderSize(diag, wire.MaxTransferUnit),
		notify:     notifier,
		live:       live,
		retryEvery: o.retryEvery,
		retryFor:   o.retryFor,
	}
	c.marsh = &marshaller{
		log:           log,
		warn:          c.warn,
		preambleLines: o.preambleLines,
		scriptFile:    o.scriptFile,
	}

	if err := c.handshake(o); err != nil {
		return nil, err
	}
	return c, nil
}

// handshake writes the structured channel configuration and the script
// text, then blocks for the worker's handle and its initialization
// acknowledgement. A worker that exits first surfaces as ExitError rather
// than a hang.
func (c *Channel) handshake(o *options) error {
	hs := wire.NewHandshake(c.token, o.workingDir, len(o.script), o.preambleLines)
	line, err := json.Marshal(hs)
	if err != nil {
		return fmt.Errorf("encoding handshake: %w", err)
	}
	line = append(line, '\n')
	if _, err := c.tr.data.Write(line); err != nil {
		return fmt.Errorf("writing handshake: %w", err)
	}
	if len(o.script) > 0 {
		if _, err := io.WriteString(c.tr.data, o.script); err != nil {
			return fmt.Errorf("writing script text: %w", err)
		}
	}

	diag, out, err := c.tr.receive(c.token, c.nextSeqLocked)
	if err != nil {
		return fmt.Errorf("reading worker handle: %w", err)
	}
	if err := c.marsh.interpret(diag); err != nil {
		return fmt.Errorf("worker rejected handshake: %w", err)
	}
	handle, err := strconv.ParseInt(strings.TrimPrefix(out, "0x"), 16, 64)
	if err != nil {
		return fmt.Errorf("parsing worker handle %q: %w", out, err)
	}
	c.handle = handle

	diag, out, err = c.tr.receive(c.token, c.nextSeqLocked)
	if err != nil {
		return fmt.Errorf("reading initialization acknowledgement: %w", err)
	}
	if err := c.marsh.interpret(diag); err != nil {
		return fmt.Errorf("worker failed to initialize: %w", err)
	}
	if out != "Initialized" {
		return fmt.Errorf("unexpected initialization acknowledgement %q", out)
	}
	c.log.Debugw("channel ready", "Handle", c.handle, "Token", c.token)
	return nil
}

// Handle is the identifier the worker reported during the handshake.
func (c *Channel) Handle() int64 { return c.handle }

// nextSeqLocked must be called with c.mu held (or before the channel is
// shared).
func (c *Channel) nextSeqLocked() uint64 {
	c.seq++
	return c.seq
}

// call runs one call-class round trip under the channel lock.
func (c *Channel) call(kind wire.MsgKind, name string, needResult bool, args []wire.Value) (string, error) {
	payload, err := c.encodePayload(append([]wire.Value{wire.Text(name), wire.Bool(needResult)}, args...))
	if err != nil {
		return "", err
	}
	diag, out, err := c.roundTrip(kind, payload)
	if err != nil {
		return "", err
	}
	if err := c.marsh.interpret(diag); err != nil {
		return "", err
	}
	return out, nil
}

func (c *Channel) roundTrip(kind wire.MsgKind, payload []byte) (diag, out string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exited {
		return "", "", &ExitError{Code: c.exitCode}
	}
	if err := c.tr.send(kind, payload, c.token, c.nextSeqLocked()); err != nil {
		return "", "", c.noteExitLocked(err)
	}
	diag, out, err = c.tr.receive(c.token, c.nextSeqLocked)
	if err != nil {
		return "", "", c.noteExitLocked(err)
	}
	return diag, out, nil
}

func (c *Channel) noteExitLocked(err error) error {
	if ee, ok := err.(*ExitError); ok {
		c.exited = true
		c.exitCode = ee.Code
	}
	return err
}

func (c *Channel) encodePayload(vals []wire.Value) ([]byte, error) {
	parts := make([]string, len(vals))
	for i, v := range vals {
		s, trunc, err := wire.Encode(v)
		if err != nil {
			return nil, err
		}
		if trunc != nil {
			c.warn(&LossOfPrecisionWarning{Value: trunc.Value, Text: trunc.Text})
		}
		parts[i] = s
	}
	return []byte(strings.Join(parts, string(wire.Separator))), nil
}

// Call invokes name for its side effects on a background-eligible path.
func (c *Channel) Call(name string, args ...wire.Value) error {
	_, err := c.call(wire.MsgCall, name, false, args)
	return err
}

// CallMain is Call on the worker's primary execution path, for functions
// that are rejected inside a synchronous notification handler.
func (c *Channel) CallMain(name string, args ...wire.Value) error {
	_, err := c.call(wire.MsgCallMain, name, false, args)
	return err
}

// FuncRaw invokes name and returns the result's exact text, bypassing type
// inference.
func (c *Channel) FuncRaw(name string, args ...wire.Value) (string, error) {
	return c.call(wire.MsgCall, name, true, args)
}

// FuncRawMain is FuncRaw on the worker's primary execution path.
func (c *Channel) FuncRawMain(name string, args ...wire.Value) (string, error) {
	return c.call(wire.MsgCallMain, name, true, args)
}

// Func invokes name and coerces the result the way the worker runtime's
// dynamic typing would. Numeric-looking text comes back numeric; use
// FuncRaw when the exact text matters.
func (c *Channel) Func(name string, args ...wire.Value) (wire.Value, error) {
	out, err := c.FuncRaw(name, args...)
	if err != nil {
		return wire.Value{}, err
	}
	return wire.Coerce(out), nil
}

// FuncMain is Func on the worker's primary execution path.
func (c *Channel) FuncMain(name string, args ...wire.Value) (wire.Value, error) {
	out, err := c.FuncRawMain(name, args...)
	if err != nil {
		return wire.Value{}, err
	}
	return wire.Coerce(out), nil
}

// GetRaw reads a worker global as exact text. A name the worker has never
// seen reads as empty text.
func (c *Channel) GetRaw(name string) (string, error) {
	payload, err := c.encodePayload([]wire.Value{wire.Text(name)})
	if err != nil {
		return "", err
	}
	diag, out, err := c.roundTrip(wire.MsgGet, payload)
	if err != nil {
		return "", err
	}
	if err := c.marsh.interpret(diag); err != nil {
		return "", err
	}
	return out, nil
}

// Get reads a worker global with type coercion.
func (c *Channel) Get(name string) (wire.Value, error) {
	out, err := c.GetRaw(name)
	if err != nil {
		return wire.Value{}, err
	}
	return wire.Coerce(out), nil
}

// Set writes a worker global. It takes the channel lock for ordering
// relative to other calls but does not wait for a response; none is
// produced.
func (c *Channel) Set(name string, val wire.Value) error {
	payload, err := c.encodePayload([]wire.Value{wire.Text(name), val})
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exited {
		return &ExitError{Code: c.exitCode}
	}
	if err := c.tr.send(wire.MsgSet, payload, c.token, c.nextSeqLocked()); err != nil {
		return c.noteExitLocked(err)
	}
	return nil
}

// Poll reports the worker's exit code and whether it has exited, without
// blocking.
func (c *Channel) Poll() (code int, exited bool) {
	c.mu.Lock()
	if c.exited {
		code, exited = c.exitCode, true
		c.mu.Unlock()
		return code, exited
	}
	c.mu.Unlock()
	return c.tr.live()
}

// Exit asks the worker to shut down and returns its observed exit code.
// This is the expected shutdown path: a graceful-exit notification, a
// bounded wait (the context deadline, or the configured exit timeout),
// then force-termination. When killDescendants is set the worker's
// descendant group is force-terminated regardless of which path was taken.
// In-flight and subsequent operations fail with ExitError carrying the
// same code.
func (c *Channel) Exit(ctx context.Context, killDescendants bool) (int, error) {
	c.mu.Lock()
	alreadyExited := c.exited
	if !alreadyExited {
		// Exit is set-shaped: notify and release, no response follows.
		if err := c.tr.send(wire.MsgExit, nil, c.token, c.nextSeqLocked()); err != nil {
			if _, ok := err.(*ExitError); !ok {
				c.mu.Unlock()
				return 0, err
			}
			c.noteExitLocked(err)
		}
	}
	exitTimeout := defaultExitTimeout
	if c.proc != nil {
		exitTimeout = c.proc.exitTimeout
	}
	c.mu.Unlock()

	defer func() {
		if killDescendants && c.proc != nil {
			if err := c.proc.terminateDescendants(); err != nil {
				c.log.Warnf("terminating descendant group: %s", err)
			}
		}
	}()

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, exitTimeout)
		defer cancel()
	}
	code, err := c.waitExit(ctx)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.exited = true
	c.exitCode = code
	c.mu.Unlock()
	c.log.Debugw("worker exited", "Code", code)
	return code, nil
}

// waitExit blocks until the worker is observed gone, force-terminating it
// when the context expires first.
func (c *Channel) waitExit(ctx context.Context) (int, error) {
	forced := false
	for {
		if code, exited := c.tr.live(); exited {
			return code, nil
		}
		select {
		case <-ctx.Done():
			if c.proc == nil {
				return 0, fmt.Errorf("worker did not exit: %w", ctx.Err())
			}
			if forced {
				return 0, fmt.Errorf("worker did not exit after force-termination: %w", ctx.Err())
			}
			c.log.Debug("graceful exit timed out, force-terminating worker")
			c.proc.kill()
			forced = true
			// One more grace period for the kill to land.
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(context.Background(), defaultExitTimeout)
			defer cancel()
		case <-time.After(c.tr.retryEvery):
		}
	}
}

// Close shuts the worker down with the default timeout, for defer sites
// and the launch finalizer. The exit code is discarded.
func (c *Channel) Close() error {
	kill := false
	if c.proc != nil {
		kill = c.proc.killDescendantsOnClose
	}
	_, err := c.Exit(context.Background(), kill)
	return err
}
