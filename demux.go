package ffrtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// DefaultPendingLimit caps the bytes a Demuxer holds before its frame size
// is known.
const DefaultPendingLimit = 64 << 20

// FrameHandler receives one complete frame. The slice is only valid for the
// duration of the call.
type FrameHandler func(frame []byte) error

// Demuxer slices a byte stream into fixed-size frames.
//
// The frame size may be unknown when the first bytes arrive; up to the
// pending limit they are buffered until SetFrameSize is called. Handler
// calls are serialized and happen in stream order.
type Demuxer struct {
	handler FrameHandler

	mu      sync.Mutex
	size    int
	pending int
	buf    []byte
	frames int64
	err    error
}

// NewDemuxer creates a Demuxer whose frame size is not yet known.
func NewDemuxer(handler FrameHandler) *Demuxer {
	return &Demuxer{handler: handler, pending: DefaultPendingLimit}
}

// SetPendingLimit changes how many bytes may be buffered before the frame
// size is known. A write past the limit fails with ErrBufferOverflow.
func (d *Demuxer) SetPendingLimit(n int) {
	d.mu.Lock()
	d.pending = n
	d.mu.Unlock()
}

// SetFrameSize fixes the frame size and flushes any complete frames already
// buffered. It may be called once.
func (d *Demuxer) SetFrameSize(size int) error {
	if size <= 0 {
		return fmt.Errorf("invalid frame size %d", size)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.size != 0 {
		return fmt.Errorf("frame size already set to %d", d.size)
	}
	d.size = size
	if d.err != nil {
		return d.err
	}
	return d.drain()
}

// FrameSize returns the frame size, or 0 while it is unknown.
func (d *Demuxer) FrameSize() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.size
}

// Write implements io.Writer. It accepts any chunking of the stream.
func (d *Demuxer) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.err != nil {
		return 0, d.err
	}
	if d.size == 0 && len(d.buf)+len(p) > d.pending {
		d.err = fmt.Errorf("%w: %d bytes pending before the frame size is known", ErrBufferOverflow, len(d.buf)+len(p))
		d.buf = nil
		return 0, d.err
	}
	d.buf = append(d.buf, p...)
	if d.size == 0 {
		return len(p), nil
	}
	if err := d.drain(); err != nil {
		return 0, err
	}
	return len(p), nil
}

// drain emits every complete frame in buf. Caller holds mu.
func (d *Demuxer) drain() error {
	off := 0
	for len(d.buf)-off >= d.size {
		if err := d.handler(d.buf[off : off+d.size]); err != nil {
			d.err = fmt.Errorf("%w: frame %d: %w", ErrSinkPushFailed, d.frames, err)
			d.buf = nil
			return d.err
		}
		off += d.size
		d.frames++
	}
	if off > 0 {
		n := copy(d.buf, d.buf[off:])
		d.buf = d.buf[:n]
	}
	return nil
}

// Frames returns the number of frames emitted so far.
func (d *Demuxer) Frames() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frames
}

// Buffered returns the number of bytes waiting for a complete frame.
func (d *Demuxer) Buffered() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buf)
}

// Err returns the handler failure that stopped the demuxer, if any.
func (d *Demuxer) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Close ends the stream. It returns ErrFrameAlignment if a partial frame is
// still buffered.
func (d *Demuxer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.err != nil {
		return d.err
	}
	if n := len(d.buf); n > 0 {
		d.buf = nil
		return fmt.Errorf("%w: %d bytes discarded", ErrFrameAlignment, n)
	}
	return nil
}

// FrameSizeFunc resolves a frame size, blocking until it is known.
type FrameSizeFunc func(ctx context.Context) (int, error)

// Demux pumps r into a new Demuxer. Nothing is read from r until size
// resolves, so an unread socket fills its kernel buffer and the writer
// blocks. When r ends, Demux returns the result of Demuxer.Close;
// otherwise it returns the size failure, handler failure or read error.
// Callers close r to unblock a pending read after ctx ends.
func Demux(ctx context.Context, r io.Reader, size FrameSizeFunc, handler FrameHandler) (*Demuxer, error) {
	d := NewDemuxer(handler)

	n, err := size(ctx)
	if err != nil {
		return d, err
	}
	if err := d.SetFrameSize(n); err != nil {
		return d, err
	}
	if err := ctx.Err(); err != nil {
		return d, err
	}

	copyErr := make(chan error, 1)
	go func() {
		_, err := io.Copy(d, r)
		copyErr <- err
	}()

	select {
	case err := <-copyErr:
		if err != nil {
			if errors.Is(err, ErrSinkPushFailed) {
				return d, err
			}
			return d, fmt.Errorf("%w: %w", ErrTransportClosed, err)
		}
		return d, d.Close()
	case <-ctx.Done():
		return d, ctx.Err()
	}
}
