package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/scriptlink/scriptlink/wire"
)

// Worker services channel notifications for one controller. Its input
// stream carries data and notify frames; results go to the out stream and
// failures/warnings to the diag stream, both chunked.
type Worker struct {
	log *zap.SugaredLogger
	reg *Registry

	in   *bufio.Reader
	resp *responder

	token        string
	scriptLoader func(script string) error

	globalsMu sync.Mutex
	globals   map[string]wire.Value

	mainJobs chan func()
	loopErr  error
}

type Option func(w *Worker)

// WithLogger attaches a logger. The default is a nop logger: the worker's
// stderr is the diagnostic stream, so logs must go elsewhere.
func WithLogger(l *zap.Logger) Option {
	return func(w *Worker) {
		w.log = l.Named("worker").Sugar()
	}
}

// WithStreams overrides the standard streams, for embedding a worker
// in-process or in tests.
func WithStreams(in io.Reader, out, diag io.Writer) Option {
	return func(w *Worker) {
		w.in = bufio.NewReaderSize(in, wire.MaxTransferUnit)
		w.resp = newResponder(out, diag)
	}
}

// WithScriptLoader installs the hook that receives the handshake's script
// text. Script execution semantics are the loader's business; the worker
// only ferries the text.
func WithScriptLoader(fn func(script string) error) Option {
	return func(w *Worker) {
		w.scriptLoader = fn
	}
}

func New(reg *Registry, opts ...Option) *Worker {
	w := &Worker{
		log:      zap.NewNop().Sugar(),
		reg:      reg,
		in:       bufio.NewReaderSize(os.Stdin, wire.MaxTransferUnit),
		resp:     newResponder(os.Stdout, os.Stderr),
		globals:  map[string]wire.Value{},
		mainJobs: make(chan func()),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Serve runs the worker until an exit notification arrives or the input
// stream reaches EOF. The calling goroutine becomes the primary execution
// path: calls dispatched with the call-on-main kind run here, everything
// else runs inline on the notification read loop.
func (w *Worker) Serve(ctx context.Context) error {
	if err := w.handshake(); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}

	if err := w.resp.respond(fmt.Sprintf("0x%x", os.Getpid()), ""); err != nil {
		return fmt.Errorf("responding handle: %w", err)
	}

	if ent, ok := w.reg.lookup("AutoExec"); ok {
		if _, err := ent.fn(ctx, &Call{Name: "AutoExec", OnMain: true}); err != nil {
			w.log.Warnf("AutoExec failed: %s", err)
		}
	}

	if err := w.resp.respond("Initialized", ""); err != nil {
		return fmt.Errorf("responding initialized: %w", err)
	}

	go w.readLoop(ctx)

	for job := range w.mainJobs {
		job()
	}
	return w.loopErr
}

func (w *Worker) handshake() error {
	line, err := w.in.ReadString('\n')
	if err != nil {
		return fmt.Errorf("reading handshake line: %w", err)
	}
	var hs wire.Handshake
	if err := json.Unmarshal([]byte(line), &hs); err != nil {
		return fmt.Errorf("parsing handshake: %w", err)
	}
	if err := hs.Validate(); err != nil {
		return err
	}
	w.token = hs.Token

	script := make([]byte, hs.ScriptLen)
	if _, err := io.ReadFull(w.in, script); err != nil {
		return fmt.Errorf("reading script text: %w", err)
	}
	if hs.WorkingDir != "" {
		if err := os.Chdir(hs.WorkingDir); err != nil {
			return fmt.Errorf("applying working directory: %w", err)
		}
	}
	if w.scriptLoader != nil {
		if err := w.scriptLoader(string(script)); err != nil {
			return fmt.Errorf("loading script: %w", err)
		}
	}
	w.log.Debugw("handshake complete", "Token", hs.Token, "ScriptLen", hs.ScriptLen)
	return nil
}

// readLoop parses frames off the input stream. It is the worker's
// "notification handler" context: calls executed here must not require the
// primary goroutine.
func (w *Worker) readLoop(ctx context.Context) {
	defer close(w.mainJobs)

	var pending string
	for {
		line, err := w.in.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				w.loopErr = fmt.Errorf("reading input stream: %w", err)
			}
			return
		}
		line = strings.TrimSuffix(line, "\n")

		switch {
		case strings.HasPrefix(line, wire.DataFrameWord+" "):
			n, err := strconv.Atoi(line[len(wire.DataFrameWord)+1:])
			if err != nil || n < 0 {
				w.loopErr = fmt.Errorf("malformed data frame %q", line)
				return
			}
			buf := make([]byte, n)
			if _, err := io.ReadFull(w.in, buf); err != nil {
				w.loopErr = fmt.Errorf("reading data frame payload: %w", err)
				return
			}
			pending = string(buf)

		case strings.HasPrefix(line, wire.NotifyFrameWord+" "):
			var code uint16
			var token string
			var seq uint64
			if _, err := fmt.Sscanf(line[len(wire.NotifyFrameWord)+1:], "%d %s %d", &code, &token, &seq); err != nil {
				w.loopErr = fmt.Errorf("malformed notify frame %q", line)
				return
			}
			if token != w.token {
				w.respondDiag(wire.TagUnexpectedSender, w.token, token)
				pending = ""
				continue
			}
			if exit := w.dispatch(ctx, wire.MsgKind(code), pending, seq); exit {
				return
			}
			pending = ""

		default:
			w.loopErr = fmt.Errorf("unrecognized input frame %q", line)
			return
		}
	}
}

// dispatch services one notification. The returned bool reports an exit
// request.
func (w *Worker) dispatch(ctx context.Context, kind wire.MsgKind, payload string, seq uint64) bool {
	w.log.Debugw("dispatching", "Kind", kind.String(), "Seq", seq)
	switch kind {
	case wire.MsgGet:
		vals, err := decodeArgs(payload)
		if err != nil || len(vals) < 1 {
			w.respondDiag(wire.TagError, fmt.Sprintf("malformed get payload: %v", err))
			return false
		}
		w.globalsMu.Lock()
		v := w.globals[vals[0].Text()]
		w.globalsMu.Unlock()
		w.respondOut(v.WireText())

	case wire.MsgSet:
		// Sets produce no response; the controller does not wait for one.
		vals, err := decodeArgs(payload)
		if err != nil || len(vals) < 2 {
			w.log.Warnf("dropping malformed set payload: %v", err)
			return false
		}
		w.globalsMu.Lock()
		w.globals[vals[0].Text()] = vals[1]
		w.globalsMu.Unlock()

	case wire.MsgCall:
		w.invoke(ctx, payload, false)

	case wire.MsgCallMain:
		// Queue for the primary goroutine and return immediately; the
		// response is produced when the job runs. The controller is blocked
		// on the response streams either way.
		p := payload
		w.mainJobs <- func() { w.invoke(ctx, p, true) }

	case wire.MsgContinue:
		if err := w.resp.more(); err != nil {
			w.log.Warnf("writing continuation chunk: %s", err)
		}

	case wire.MsgExit:
		return true

	default:
		w.respondDiag(wire.TagError, fmt.Sprintf("unknown message kind 0x%x", uint16(kind)))
	}
	return false
}

func (w *Worker) invoke(ctx context.Context, payload string, onMain bool) {
	vals, err := decodeArgs(payload)
	if err != nil || len(vals) < 2 {
		w.respondDiag(wire.TagError, fmt.Sprintf("malformed call payload: %v", err))
		return
	}
	name := vals[0].Text()
	needResult := vals[1].Kind() == wire.KindBool && vals[1].Bool()

	ent, ok := w.reg.lookup(name)
	if !ok {
		w.respondDiag(wire.TagFuncNotFound, name)
		return
	}
	if ent.mainOnly && !onMain {
		// Same shape a real user failure takes; the controller translates
		// this code into its dedicated main-thread failure.
		w.respondDiag(wire.TagUserException,
			wire.MainThreadViolationCode, "call to "+name, "", "", "0")
		return
	}

	result, err := safeCall(ctx, ent.fn, &Call{Name: name, Args: vals[2:], OnMain: onMain})
	if err != nil {
		if se, ok := err.(*ScriptError); ok {
			w.respondDiag(wire.TagUserException,
				se.Message, se.What, se.Extra, se.File, strconv.Itoa(se.Line))
			return
		}
		if pe, ok := err.(*panicError); ok {
			// A panic carries no structured fields; the controller flags the
			// incomplete record with a caught-non-exception warning.
			w.respondDiag(wire.TagUserException, pe.msg)
			return
		}
		w.respondDiag(wire.TagError, err.Error())
		return
	}

	text := ""
	if needResult {
		text = result.WireText()
		if strings.IndexByte(text, 0) >= 0 || strings.IndexByte(text, wire.Separator) >= 0 {
			w.respondDiag(wire.TagUnsupportedValue,
				fmt.Sprintf("result of %s contains a reserved byte", name))
			return
		}
	}
	w.respondOut(text)
}

type panicError struct {
	msg string
}

func (e *panicError) Error() string { return "handler panic: " + e.msg }

func safeCall(ctx context.Context, fn HandlerFunc, call *Call) (v wire.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{msg: fmt.Sprint(r)}
		}
	}()
	return fn(ctx, call)
}

func (w *Worker) respondOut(text string) {
	if err := w.resp.respond(text, ""); err != nil {
		w.log.Warnf("writing response: %s", err)
	}
}

func (w *Worker) respondDiag(tag string, fields ...string) {
	sep := string(wire.Separator)
	if err := w.resp.respond("", tag+sep+strings.Join(fields, sep)); err != nil {
		w.log.Warnf("writing diagnostic response: %s", err)
	}
}

func decodeArgs(payload string) ([]wire.Value, error) {
	if payload == "" {
		return nil, nil
	}
	parts := strings.Split(payload, string(wire.Separator))
	vals := make([]wire.Value, len(parts))
	for i, p := range parts {
		v, err := wire.DecodeTagged(p)
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}
	return vals, nil
}
