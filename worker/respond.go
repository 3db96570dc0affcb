package worker

import (
	"bufio"
	"io"
	"sync"

	"github.com/scriptlink/scriptlink/wire"
)

// responder owns the worker's two response streams. A response replaces the
// pending text of both streams and writes the first chunk of each; every
// CONTINUE notification writes the next chunk of each. Both streams are
// written every round, empty or not, because the controller cannot peek a
// stream and would otherwise block reading the other.
//
// more() is called from the notification read loop while respond() may be
// running on the primary goroutine, so all state is mutex-guarded.
type responder struct {
	mu   sync.Mutex
	out  *stream
	diag *stream
}

type stream struct {
	w    *bufio.Writer
	pend []byte
	off  int
}

func newResponder(out, diag io.Writer) *responder {
	return &responder{
		out:  &stream{w: bufio.NewWriterSize(out, wire.MaxTransferUnit)},
		diag: &stream{w: bufio.NewWriterSize(diag, wire.MaxTransferUnit)},
	}
}

// respond installs a fresh response on both streams and writes the first
// chunk of each.
func (r *responder) respond(outText, diagText string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out.pend, r.out.off = []byte(outText), 0
	r.diag.pend, r.diag.off = []byte(diagText), 0
	return r.round()
}

// more writes the next chunk of both streams. A stream that has already
// ended re-emits an empty chunk with the end marker, keeping the rounds in
// lockstep.
func (r *responder) more() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.round()
}

func (r *responder) round() error {
	if err := r.out.writeChunk(); err != nil {
		return err
	}
	return r.diag.writeChunk()
}

func (s *stream) writeChunk() error {
	remaining := s.pend[s.off:]
	n := len(remaining)
	end := n <= wire.ChunkPayload
	if !end {
		n = wire.ChunkPayload
		// A chunk must not end on the separator byte or the marker suffix
		// becomes ambiguous at the boundary.
		for n > 1 && remaining[n-1] == wire.Separator {
			n--
		}
	}
	if _, err := s.w.Write(remaining[:n]); err != nil {
		return err
	}
	marker := wire.MoreMarker
	if end {
		marker = wire.EndMarker
	}
	if _, err := s.w.WriteString(marker); err != nil {
		return err
	}
	if err := s.w.WriteByte('\n'); err != nil {
		return err
	}
	s.off += n
	return s.w.Flush()
}
