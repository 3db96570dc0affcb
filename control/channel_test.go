package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/scriptlink/scriptlink/wire"
	"github.com/scriptlink/scriptlink/worker"
)

// startChannel wires a channel to an in-process worker over pipes, so the
// full protocol runs without spawning a process. Liveness comes from the
// serve goroutine's completion.
func startChannel(t *testing.T, reg *worker.Registry, opts ...Option) *Channel {
	t.Helper()

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	diagR, diagW := io.Pipe()

	var exited atomic.Bool
	w := worker.New(reg, worker.WithStreams(inR, outW, diagW))
	done := make(chan error, 1)
	go func() {
		err := w.Serve(context.Background())
		exited.Store(true)
		outW.Close()
		diagW.Close()
		inR.Close()
		done <- err
	}()

	opts = append(opts,
		WithLiveness(func() (int, bool) { return 0, exited.Load() }),
		WithNotifyRetryInterval(time.Millisecond),
	)
	ch, err := New(inW, outR, diagR, opts...)
	require.NoError(t, err)

	t.Cleanup(func() {
		inW.Close()
		outR.Close()
		diagR.Close()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("worker did not stop")
		}
	})
	return ch
}

func echoRegistry() *worker.Registry {
	reg := worker.NewRegistry()
	reg.Register("Echo", func(ctx context.Context, call *worker.Call) (wire.Value, error) {
		if len(call.Args) == 0 {
			return wire.Value{}, nil
		}
		return call.Args[0], nil
	})
	return reg
}

type warnCollector struct {
	mu   sync.Mutex
	list []Warning
}

func (c *warnCollector) add(w Warning) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.list = append(c.list, w)
}

func (c *warnCollector) all() []Warning {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Warning(nil), c.list...)
}

func TestHandshakeReportsHandle(t *testing.T) {
	ch := startChannel(t, echoRegistry())
	// the in-process worker reports its own pid as the handle
	assert.Equal(t, int64(os.Getpid()), ch.Handle())
}

func TestAutoExecRunsBeforeInitialized(t *testing.T) {
	reg := echoRegistry()
	var ran atomic.Bool
	reg.Register("AutoExec", func(ctx context.Context, call *worker.Call) (wire.Value, error) {
		ran.Store(true)
		return wire.Value{}, nil
	})
	startChannel(t, reg)
	assert.True(t, ran.Load())
}

func TestFuncCoercesResults(t *testing.T) {
	ch := startChannel(t, echoRegistry())

	for _, c := range []struct {
		name string
		arg  wire.Value
		want wire.Value
	}{
		{name: "text", arg: wire.Text("hello"), want: wire.Text("hello")},
		{name: "int", arg: wire.Int(42), want: wire.Int(42)},
		{name: "negative int", arg: wire.Int(-7), want: wire.Int(-7)},
		{name: "float", arg: wire.Float(1.5), want: wire.Float(1.5)},
		{name: "bool collapses to int", arg: wire.Bool(true), want: wire.Int(1)},
		{name: "false collapses to int", arg: wire.Bool(false), want: wire.Int(0)},
		{name: "hex text comes back int", arg: wire.Text("0x1A"), want: wire.Int(26)},
		{name: "empty text", arg: wire.Text(""), want: wire.Text("")},
	} {
		t.Run(c.name, func(t *testing.T) {
			got, err := ch.Func("Echo", c.arg)
			require.NoError(t, err)
			assert.True(t, c.want.Equal(got), "want %s, got %s", c.want, got)
		})
	}
}

func TestFuncRawPreservesText(t *testing.T) {
	ch := startChannel(t, echoRegistry())

	raw, err := ch.FuncRaw("Echo", wire.Text("007"))
	require.NoError(t, err)
	assert.Equal(t, "007", raw)

	// the inferring variant strips the leading zeros
	v, err := ch.Func("Echo", wire.Text("007"))
	require.NoError(t, err)
	assert.True(t, wire.Int(7).Equal(v))
}

func TestFuncNotFoundOnEveryCallShape(t *testing.T) {
	ch := startChannel(t, echoRegistry())

	calls := []struct {
		name string
		do   func() error
	}{
		{name: "Call", do: func() error { return ch.Call("Nope") }},
		{name: "CallMain", do: func() error { return ch.CallMain("Nope") }},
		{name: "Func", do: func() error { _, err := ch.Func("Nope"); return err }},
		{name: "FuncMain", do: func() error { _, err := ch.FuncMain("Nope"); return err }},
		{name: "FuncRaw", do: func() error { _, err := ch.FuncRaw("Nope"); return err }},
		{name: "FuncRawMain", do: func() error { _, err := ch.FuncRawMain("Nope"); return err }},
	}
	for _, c := range calls {
		t.Run(c.name, func(t *testing.T) {
			var nf *FuncNotFoundError
			err := c.do()
			require.ErrorAs(t, err, &nf)
			assert.Equal(t, "Nope", nf.Name)
		})
	}
}

func TestMainOnlyFunctions(t *testing.T) {
	reg := echoRegistry()
	reg.RegisterMainOnly("Clipboard", func(ctx context.Context, call *worker.Call) (wire.Value, error) {
		return wire.Text("on main"), nil
	})
	ch := startChannel(t, reg)

	// the background shape is rejected with the translated failure
	err := ch.Call("Clipboard")
	var mt *MainThreadRequiredError
	require.ErrorAs(t, err, &mt)
	require.NotNil(t, mt.Cause)
	assert.Contains(t, mt.Cause.Message, "0x8001010D")
	assert.Contains(t, mt.Cause.What, "Clipboard")

	// the main shape runs it
	got, err := ch.FuncMain("Clipboard")
	require.NoError(t, err)
	assert.True(t, wire.Text("on main").Equal(got))
}

func TestUserErrorLineRemap(t *testing.T) {
	reg := echoRegistry()
	reg.Register("Boom", func(ctx context.Context, call *worker.Call) (wire.Value, error) {
		return wire.Value{}, &worker.ScriptError{
			Message: "boom",
			What:    "Boom",
			Extra:   "extra detail",
			File:    "generated.script",
			Line:    12,
		}
	})
	ch := startChannel(t, reg,
		WithPreambleLines(3),
		WithScriptFile("pong.script"),
	)

	err := ch.Call("Boom")
	var ue *UserError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, "boom", ue.Message)
	assert.Equal(t, "Boom", ue.What)
	assert.Equal(t, "extra detail", ue.Extra)
	assert.Equal(t, "pong.script", ue.File)
	assert.Equal(t, 9, ue.Line)
}

func TestPanicSurfacesAsIncompleteUserError(t *testing.T) {
	reg := echoRegistry()
	reg.Register("Panic", func(ctx context.Context, call *worker.Call) (wire.Value, error) {
		panic("kaboom")
	})
	warns := &warnCollector{}
	ch := startChannel(t, reg, WithWarnHandler(warns.add))

	err := ch.Call("Panic")
	var ue *UserError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, "kaboom", ue.Message)
	assert.Zero(t, ue.Line)

	// the record arrived with fields missing, which the channel flags
	// instead of trusting
	var caught *CaughtNonExceptionWarning
	found := false
	for _, w := range warns.all() {
		if errors.As(w, &caught) {
			found = true
		}
	}
	require.True(t, found, "expected a CaughtNonExceptionWarning, got %v", warns.all())
	assert.Contains(t, caught.Fields, "kaboom")
}

func TestGetSetGlobals(t *testing.T) {
	ch := startChannel(t, echoRegistry())

	require.NoError(t, ch.Set("counter", wire.Int(7)))
	v, err := ch.Get("counter")
	require.NoError(t, err)
	assert.True(t, wire.Int(7).Equal(v))

	require.NoError(t, ch.Set("flag", wire.Bool(true)))
	raw, err := ch.GetRaw("flag")
	require.NoError(t, err)
	assert.Equal(t, "1", raw)

	require.NoError(t, ch.Set("name", wire.Text("alice")))
	v, err = ch.Get("name")
	require.NoError(t, err)
	assert.True(t, wire.Text("alice").Equal(v))

	// a global the worker has never seen reads as empty text
	v, err = ch.Get("neverSet")
	require.NoError(t, err)
	assert.Equal(t, wire.KindText, v.Kind())
	assert.Empty(t, v.Text())
}

func TestLargeResultsAreChunked(t *testing.T) {
	ch := startChannel(t, echoRegistry())

	big := strings.Repeat("a long line of result text\n", 2000)
	require.Greater(t, len(big), 10*wire.ChunkPayload)

	got, err := ch.FuncRaw("Echo", wire.Text(big))
	require.NoError(t, err)
	assert.Equal(t, big, got)
}

func TestReservedBytesRejectedBeforeSend(t *testing.T) {
	ch := startChannel(t, echoRegistry())

	_, err := ch.Func("Echo", wire.Text("a\x03b"))
	var uv *wire.UnsupportedValueError
	require.ErrorAs(t, err, &uv)

	// the failure happened before anything hit the wire; the channel is
	// still usable
	got, err := ch.Func("Echo", wire.Text("still fine"))
	require.NoError(t, err)
	assert.True(t, wire.Text("still fine").Equal(got))
}

func TestFloatTruncationWarns(t *testing.T) {
	warns := &warnCollector{}
	ch := startChannel(t, echoRegistry(), WithWarnHandler(warns.add))

	got, err := ch.Func("Echo", wire.Float(1.0/3.0))
	require.NoError(t, err)
	assert.True(t, wire.Float(0.333333).Equal(got))

	var lp *LossOfPrecisionWarning
	found := false
	for _, w := range warns.all() {
		if errors.As(w, &lp) {
			found = true
		}
	}
	require.True(t, found)
	assert.Equal(t, "0.333333", lp.Text)
}

func TestConcurrentCallers(t *testing.T) {
	ch := startChannel(t, echoRegistry())

	var eg errgroup.Group
	for g := 0; g < 8; g++ {
		g := g
		eg.Go(func() error {
			for i := 0; i < 25; i++ {
				size := wire.MaxTransferUnit / 3
				if i%2 == 1 {
					size = wire.MaxTransferUnit * 3
				}
				payload := fmt.Sprintf("g%d-i%d-", g, i) + strings.Repeat("p", size)
				var got string
				var err error
				if i%3 == 0 {
					got, err = ch.FuncRawMain("Echo", wire.Text(payload))
				} else {
					got, err = ch.FuncRaw("Echo", wire.Text(payload))
				}
				if err != nil {
					return err
				}
				if got != payload {
					return fmt.Errorf("goroutine %d iteration %d: response does not match request", g, i)
				}
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())
}

func TestExit(t *testing.T) {
	ch := startChannel(t, echoRegistry())

	code, err := ch.Exit(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	code, exited := ch.Poll()
	assert.True(t, exited)
	assert.Equal(t, 0, code)

	// every operation after exit fails with the same code
	var ee *ExitError
	err = ch.Call("Echo", wire.Text("late"))
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, 0, ee.Code)
	err = ch.Set("late", wire.Int(1))
	require.ErrorAs(t, err, &ee)

	// exiting twice is fine
	code, err = ch.Exit(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}
