// Package iopipe implements the framed pipe (spec C2): single-reader,
// single-writer async frame I/O over a duplex byte stream, wrapping the
// frame codec around whatever transport opened the stream.
package iopipe

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/opennetty/opennetty-core/internal/frame"
	"github.com/opennetty/opennetty-core/internal/opnerr"
)

type readChunk struct {
	data []byte
	err  error
}

// Pipe wraps a read-half and write-half of a duplex stream and exposes
// whole-frame I/O. At most one ReadFrame and one WriteFrame may be
// outstanding at a time; a second concurrent call fails fast rather than
// queuing.
type Pipe struct {
	r      io.Reader
	w      io.Writer
	closer io.Closer
	owned  bool

	buf    []byte
	chunks chan readChunk
	closed atomic.Bool

	readBusy  atomic.Bool
	writeBusy atomic.Bool

	logger *slog.Logger
}

// New wraps r/w in a framed Pipe. If owned is true, Close closes closer;
// otherwise the caller retains the underlying stream's lifetime and
// Close is a no-op — this is the "pipe does not own an external stream"
// distinction from spec.md §4.2.
func New(r io.Reader, w io.Writer, closer io.Closer, owned bool, logger *slog.Logger) *Pipe {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipe{r: r, w: w, closer: closer, owned: owned, chunks: make(chan readChunk, 1), logger: logger}
	go p.pump()
	return p
}

// pump is the sole goroutine that calls Read on the underlying stream,
// so ReadFrame's cancellation never has to race a blocking syscall: it
// only ever waits on a channel.
func (p *Pipe) pump() {
	buf := make([]byte, 4096)
	for {
		n, err := p.r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			p.chunks <- readChunk{data: chunk}
		}
		if err != nil {
			p.chunks <- readChunk{err: err}
			return
		}
	}
}

// ReadFrame returns the next complete frame, io.EOF at a clean end of
// stream, or ctx.Err() if ctx is cancelled before a full frame arrives.
// Cancellation never discards bytes already read into the internal
// buffer; the next ReadFrame call picks up where this one left off.
func (p *Pipe) ReadFrame(ctx context.Context) (frame.Frame, error) {
	if !p.readBusy.CompareAndSwap(false, true) {
		return frame.Frame{}, opnerr.New(opnerr.ConcurrentReadAttempted, "read_frame")
	}
	defer p.readBusy.Store(false)

	for {
		if len(p.buf) > 0 {
			fr, consumed, serr := frame.Scan(p.buf)
			if serr == nil {
				p.buf = p.buf[consumed:]
				return fr, nil
			}
			if isDefinitivelyMalformed(serr) {
				// A bad byte already in the buffer can never become
				// valid no matter how many more bytes arrive. Surface
				// the error now rather than waiting for EOF, and
				// advance past the offending field to the next '*' so
				// the following ReadFrame resyncs instead of re-scanning
				// the same bad offset forever.
				p.logger.Debug("discarding malformed frame and resyncing", "err", serr)
				p.buf = resync(p.buf)
				return frame.Frame{}, serr
			}
			if p.closed.Load() {
				p.logger.Debug("discarding malformed trailing bytes at end of stream", "len", len(p.buf))
				p.buf = nil
				return frame.Frame{}, serr
			}
			// Scan failed only because the buffer doesn't yet hold a
			// complete frame (no '*' yet, or no terminator yet);
			// fall through and wait for more bytes.
		}

		select {
		case <-ctx.Done():
			return frame.Frame{}, ctx.Err()
		case chunk := <-p.chunks:
			if chunk.err != nil {
				p.closed.Store(true)
				if chunk.err == io.EOF && len(p.buf) == 0 {
					return frame.Frame{}, io.EOF
				}
				continue
			}
			p.buf = append(p.buf, chunk.data...)
		}
	}
}

// WriteFrame emits fr's bytes. A write that has started runs to
// completion even if ctx is cancelled mid-write — the contract is
// atomic-frame-write, never a partial frame on the wire.
func (p *Pipe) WriteFrame(ctx context.Context, fr frame.Frame) error {
	if !p.writeBusy.CompareAndSwap(false, true) {
		return opnerr.New(opnerr.ConcurrentWriteAttempted, "write_frame")
	}
	defer p.writeBusy.Store(false)

	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := p.w.Write(fr.Bytes()); err != nil {
		return opnerr.Wrap(opnerr.ObjectDisposed, "write_frame", err)
	}
	return nil
}

// IsDefinitivelyMalformed reports whether err is a ReadFrame failure
// that more buffered bytes could never resolve — a byte outside
// '0'-'9' or an embedded "##" — as opposed to simply not having a
// complete frame buffered yet (frame.FrameMalformed's "no terminator"/
// "no frame start" cases, which genuinely can be fixed by the next
// chunk, or a pipe-level/EOF error). A caller looping on ReadFrame (the
// session read loop) uses this to decide whether an error is a codec
// error to log-and-continue past, per spec.md §7, or a terminal one.
func IsDefinitivelyMalformed(err error) bool {
	return isDefinitivelyMalformed(err)
}

func isDefinitivelyMalformed(serr error) bool {
	return opnerr.Is(serr, opnerr.NonDigitParameter) || opnerr.Is(serr, opnerr.FrameContainsForbiddenDoubleHash)
}

// resync drops a malformed frame attempt from buf, returning the tail
// starting at the next '*' after the one Scan failed on (or nil if no
// further '*' appears in the buffered bytes).
func resync(buf []byte) []byte {
	first := bytes.IndexByte(buf, '*')
	if first < 0 {
		return nil
	}
	next := bytes.IndexByte(buf[first+1:], '*')
	if next < 0 {
		return nil
	}
	return buf[first+1+next:]
}

// Close releases the underlying stream when the pipe owns it.
func (p *Pipe) Close() error {
	if p.owned && p.closer != nil {
		return p.closer.Close()
	}
	return nil
}
