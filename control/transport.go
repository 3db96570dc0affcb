package control

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/scriptlink/scriptlink/wire"
)

// ErrNotifyRejected is returned by a Notifier when the worker could not
// accept the notification right now (e.g. it is in an uninterruptible
// state). The transport retries these.
var ErrNotifyRejected = errors.New("notification rejected")

// Notifier delivers a notify frame to the worker. The stdin-pipe notifier
// never rejects, but other transports can, and the retry loop is shared.
type Notifier interface {
	Notify(kind wire.MsgKind, token string, seq uint64) error
}

type streamNotifier struct {
	w io.Writer
}

func (n *streamNotifier) Notify(kind wire.MsgKind, token string, seq uint64) error {
	_, err := fmt.Fprintf(n.w, "%s %d %s %d\n", wire.NotifyFrameWord, uint16(kind), token, seq)
	return err
}

// liveness reports the worker's exit code and whether it has exited. It is
// polled opportunistically inside every blocking wait.
type liveness func() (code int, exited bool)

var (
	endSuffix  = []byte(wire.EndMarker + "\n")
	moreSuffix = []byte(wire.MoreMarker + "\n")
)

type transport struct {
	log    *zap.SugaredLogger
	data   io.Writer
	out    *bufio.Reader
	diag   *bufio.Reader
	notify Notifier
	live   liveness

	retryEvery time.Duration
	retryFor   time.Duration
}

// send bulk-copies the payload, then notifies the worker, retrying
// rejected notifications until the worker accepts, exits, or the retry
// budget runs out.
func (t *transport) send(kind wire.MsgKind, payload []byte, token string, seq uint64) error {
	if payload != nil {
		if _, err := fmt.Fprintf(t.data, "%s %d\n", wire.DataFrameWord, len(payload)); err != nil {
			return t.writeErr(err)
		}
		if _, err := t.data.Write(payload); err != nil {
			return t.writeErr(err)
		}
	}

	var deadline time.Time
	if t.retryFor > 0 {
		deadline = time.Now().Add(t.retryFor)
	}
	for {
		err := t.notify.Notify(kind, token, seq)
		if err == nil {
			return nil
		}
		if code, exited := t.live(); exited {
			return &ExitError{Code: code}
		}
		if !errors.Is(err, ErrNotifyRejected) {
			return fmt.Errorf("notifying worker of %s: %w", kind, err)
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return fmt.Errorf("notifying worker of %s: gave up after %s: %w", kind, t.retryFor, err)
		}
		t.log.Debugf("notification %s rejected, retrying in %s", kind, t.retryEvery)
		time.Sleep(t.retryEvery)
	}
}

// receive assembles one complete response: per round it reads a frame from
// the result stream then the diagnostic stream, and requests a
// continuation until both streams end in the same round.
func (t *transport) receive(token string, nextSeq func() uint64) (diag, out string, err error) {
	var outBuf, diagBuf bytes.Buffer
	for {
		outChunk, outEnd, err := t.readFrame(t.out)
		if err != nil {
			return "", "", err
		}
		diagChunk, diagEnd, err := t.readFrame(t.diag)
		if err != nil {
			return "", "", err
		}
		outBuf.WriteString(outChunk)
		diagBuf.WriteString(diagChunk)

		if outEnd && diagEnd {
			return diagBuf.String(), outBuf.String(), nil
		}
		if err := t.send(wire.MsgContinue, nil, token, nextSeq()); err != nil {
			return "", "", err
		}
	}
}

// readFrame reads lines until the buffer ends with a marker. The end
// marker is checked first: a frame ending in three separators also ends in
// two.
func (t *transport) readFrame(r *bufio.Reader) (string, bool, error) {
	var buf []byte
	for {
		line, err := r.ReadString('\n')
		buf = append(buf, line...)
		if err != nil {
			return "", false, t.readErr(err)
		}
		if bytes.HasSuffix(buf, endSuffix) {
			return string(buf[:len(buf)-len(endSuffix)]), true, nil
		}
		if bytes.HasSuffix(buf, moreSuffix) {
			return string(buf[:len(buf)-len(moreSuffix)]), false, nil
		}
	}
}

func (t *transport) writeErr(err error) error {
	if code, exited := t.live(); exited {
		return &ExitError{Code: code}
	}
	return fmt.Errorf("writing payload: %w", err)
}

// readErr converts a stream error into ExitError when the worker is gone.
// The exit may not have been reaped yet when the pipe breaks, so give the
// wait a moment to observe it.
func (t *transport) readErr(err error) error {
	for i := 0; i < 100; i++ {
		if code, exited := t.live(); exited {
			return &ExitError{Code: code}
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("reading response stream: %w", err)
}
