package ffrtc

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/transport/v3/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type frameRecorder struct {
	frames [][]byte
	failAt int // fail on this frame index when > 0
}

func (r *frameRecorder) handle(frame []byte) error {
	if r.failAt > 0 && len(r.frames) == r.failAt {
		return errors.New("sink full")
	}
	r.frames = append(r.frames, append([]byte(nil), frame...))
	return nil
}

func patternStream(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 7)
	}
	return b
}

func TestDemuxer_ArbitraryChunking(t *testing.T) {
	const frameSize = 37
	stream := patternStream(frameSize*25 + 11)

	chunkings := map[string]func(int) int{
		"bytewise":   func(int) int { return 1 },
		"frame":      func(int) int { return frameSize },
		"two frames": func(int) int { return 2*frameSize + 3 },
		"random":     func(int) int { return rand.Intn(100) + 1 },
		"whole":      func(n int) int { return n },
	}

	for name, next := range chunkings {
		t.Run(name, func(t *testing.T) {
			rec := &frameRecorder{}
			d := NewDemuxer(rec.handle)
			require.NoError(t, d.SetFrameSize(frameSize))

			for rest := stream; len(rest) > 0; {
				n := next(len(rest))
				if n > len(rest) {
					n = len(rest)
				}
				written, err := d.Write(rest[:n])
				require.NoError(t, err)
				require.Equal(t, n, written)
				rest = rest[n:]
			}

			require.Len(t, rec.frames, 25)
			for i, f := range rec.frames {
				assert.Len(t, f, frameSize)
				assert.Equal(t, stream[i*frameSize:(i+1)*frameSize], f, "frame %d", i)
			}
			assert.Equal(t, int64(25), d.Frames())
			assert.Equal(t, 11, d.Buffered())

			err := d.Close()
			assert.ErrorIs(t, err, ErrFrameAlignment)
		})
	}
}

func TestDemuxer_UnknownSizeBuffers(t *testing.T) {
	rec := &frameRecorder{}
	d := NewDemuxer(rec.handle)

	stream := patternStream(100)
	_, err := d.Write(stream[:45])
	require.NoError(t, err)
	assert.Empty(t, rec.frames)
	assert.Equal(t, 45, d.Buffered())

	require.NoError(t, d.SetFrameSize(20))
	assert.Len(t, rec.frames, 2)
	assert.Equal(t, 5, d.Buffered())

	_, err = d.Write(stream[45:])
	require.NoError(t, err)
	assert.Len(t, rec.frames, 5)
	assert.NoError(t, d.Close())

	assert.Error(t, d.SetFrameSize(10), "size is fixed once")
	assert.Error(t, NewDemuxer(rec.handle).SetFrameSize(0))
}

func TestDemuxer_HandlerFailureIsSticky(t *testing.T) {
	rec := &frameRecorder{failAt: 2}
	d := NewDemuxer(rec.handle)
	require.NoError(t, d.SetFrameSize(4))

	_, err := d.Write(patternStream(16))
	assert.ErrorIs(t, err, ErrSinkPushFailed)
	assert.Len(t, rec.frames, 2)

	_, err = d.Write(patternStream(4))
	assert.ErrorIs(t, err, ErrSinkPushFailed)
	assert.ErrorIs(t, d.Err(), ErrSinkPushFailed)
	assert.Len(t, rec.frames, 2)
}

// slowReader hands out data in small pieces to exercise partial reads.
type slowReader struct {
	data  []byte
	chunk int
}

func (r *slowReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := r.chunk
	if n > len(p) {
		n = len(p)
	}
	if n > len(r.data) {
		n = len(r.data)
	}
	copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}

// countingReader counts the bytes handed out by r.
type countingReader struct {
	r io.Reader
	n atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}

// endlessReader never ends.
type endlessReader struct{}

func (endlessReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

func TestDemux_DefersReadsUntilSizeIsKnown(t *testing.T) {
	lim := test.TimeOut(5 * time.Second)
	defer lim.Stop()

	stream := patternStream(30 * 12)
	release := make(chan struct{})
	size := func(ctx context.Context) (int, error) {
		select {
		case <-release:
			return 30, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	r := &countingReader{r: &slowReader{data: stream, chunk: 7}}
	rec := &frameRecorder{}
	result := make(chan error, 1)
	var d *Demuxer
	go func() {
		var err error
		d, err = Demux(context.Background(), r, size, rec.handle)
		result <- err
	}()

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, r.n.Load(), "nothing is read while the size is pending")
	close(release)

	require.NoError(t, <-result)
	assert.Len(t, rec.frames, 12)
	assert.Equal(t, int64(12), d.Frames())
	assert.Equal(t, int64(len(stream)), r.n.Load())
	assert.Equal(t, stream[11*30:], rec.frames[11])
}

func TestDemux_EndlessStreamWhileSizePending(t *testing.T) {
	lim := test.TimeOut(5 * time.Second)
	defer lim.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	size := func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}

	r := &countingReader{r: endlessReader{}}
	d, err := Demux(ctx, r, size, (&frameRecorder{}).handle)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, r.n.Load())
	assert.Zero(t, d.Buffered())
}

func TestDemuxer_PendingLimit(t *testing.T) {
	rec := &frameRecorder{}
	d := NewDemuxer(rec.handle)
	d.SetPendingLimit(10)

	_, err := d.Write(patternStream(8))
	require.NoError(t, err)

	_, err = d.Write(patternStream(3))
	assert.ErrorIs(t, err, ErrBufferOverflow)
	assert.ErrorIs(t, d.Err(), ErrBufferOverflow)
	assert.Zero(t, d.Buffered())

	assert.ErrorIs(t, d.SetFrameSize(4), ErrBufferOverflow)
	assert.Empty(t, rec.frames)

	// The limit only applies until the size is known.
	d = NewDemuxer(rec.handle)
	d.SetPendingLimit(10)
	require.NoError(t, d.SetFrameSize(64))
	_, err = d.Write(patternStream(50))
	assert.NoError(t, err)
	assert.Equal(t, 50, d.Buffered())
}

func TestDemux_Errors(t *testing.T) {
	fixed := func(n int) FrameSizeFunc {
		return func(context.Context) (int, error) { return n, nil }
	}

	t.Run("alignment", func(t *testing.T) {
		rec := &frameRecorder{}
		_, err := Demux(context.Background(), bytes.NewReader(patternStream(25)), fixed(10), rec.handle)
		assert.ErrorIs(t, err, ErrFrameAlignment)
		assert.Len(t, rec.frames, 2)
	})

	t.Run("size failure", func(t *testing.T) {
		want := errors.New("no parameters")
		size := func(context.Context) (int, error) { return 0, want }
		pr, pw := io.Pipe()
		defer pw.Close()
		_, err := Demux(context.Background(), pr, size, (&frameRecorder{}).handle)
		assert.ErrorIs(t, err, want)
	})

	t.Run("sink failure", func(t *testing.T) {
		rec := &frameRecorder{failAt: 1}
		_, err := Demux(context.Background(), bytes.NewReader(patternStream(40)), fixed(10), rec.handle)
		assert.ErrorIs(t, err, ErrSinkPushFailed)
		assert.Len(t, rec.frames, 1)
	})

	t.Run("read failure", func(t *testing.T) {
		pr, pw := io.Pipe()
		pw.CloseWithError(errors.New("connection reset"))
		_, err := Demux(context.Background(), pr, fixed(10), (&frameRecorder{}).handle)
		assert.ErrorIs(t, err, ErrTransportClosed)
	})

	t.Run("context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		pr, pw := io.Pipe()
		defer pw.Close()
		cancel()
		_, err := Demux(ctx, pr, fixed(10), (&frameRecorder{}).handle)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
