package ffrtc

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// DiagnosticSource identifies one of the transcoder's text streams.
type DiagnosticSource int

const (
	DiagnosticStdout DiagnosticSource = iota
	DiagnosticStderr
	diagnosticSourceCount
)

func (s DiagnosticSource) String() string {
	switch s {
	case DiagnosticStdout:
		return "stdout"
	case DiagnosticStderr:
		return "stderr"
	default:
		return "unknown"
	}
}

var (
	resolutionPattern = regexp.MustCompile(`([0-9]{2,5})x([0-9]{2,5})`)
	sampleRatePattern = regexp.MustCompile(`(?i)([0-9]+) Hz`)
	channelsPattern   = regexp.MustCompile(`\b(stereo|mono)\b`)
)

// maxDiagnosticText bounds the text accumulated per source while the audio
// format is still unknown.
const maxDiagnosticText = 64 << 10

// promise is a single-resolution future.
type promise[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

func newPromise[T any]() *promise[T] {
	return &promise[T]{done: make(chan struct{})}
}

// resolve settles the promise; it reports whether this call won.
func (p *promise[T]) resolve(v T) bool {
	won := false
	p.once.Do(func() {
		p.value = v
		won = true
		close(p.done)
	})
	return won
}

func (p *promise[T]) reject(err error) bool {
	won := false
	p.once.Do(func() {
		p.err = err
		won = true
		close(p.done)
	})
	return won
}

func (p *promise[T]) settled() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *promise[T]) wait(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Discovery extracts stream parameters from transcoder diagnostic text.
//
// Feed may be called concurrently from the stdout and stderr readers. The
// first match from either source settles each result; later matches are
// ignored.
type Discovery struct {
	video *promise[VideoParams]
	audio *promise[AudioParams]

	mu     sync.Mutex
	text   [diagnosticSourceCount]strings.Builder
	closed [diagnosticSourceCount]bool
}

// NewDiscovery creates an unresolved Discovery.
func NewDiscovery() *Discovery {
	return &Discovery{
		video: newPromise[VideoParams](),
		audio: newPromise[AudioParams](),
	}
}

// Feed inspects one line of diagnostic text from src.
func (d *Discovery) Feed(src DiagnosticSource, line string) {
	if src < 0 || src >= diagnosticSourceCount {
		return
	}

	if !d.video.settled() {
		if m := resolutionPattern.FindStringSubmatch(line); m != nil {
			w, _ := strconv.Atoi(m[1])
			h, _ := strconv.Atoi(m[2])
			d.video.resolve(VideoParams{Width: w, Height: h})
		}
	}

	if d.audio.settled() {
		return
	}

	d.mu.Lock()
	buf := &d.text[src]
	buf.WriteString(line)
	buf.WriteByte('\n')
	if buf.Len() > maxDiagnosticText {
		kept := buf.String()[buf.Len()-maxDiagnosticText:]
		buf.Reset()
		buf.WriteString(kept)
	}
	text := buf.String()
	d.mu.Unlock()

	rate := sampleRatePattern.FindStringSubmatch(text)
	layout := channelsPattern.FindStringSubmatch(text)
	if rate == nil || layout == nil {
		return
	}
	sampleRate, err := strconv.Atoi(rate[1])
	if err != nil || sampleRate <= 0 {
		return
	}
	channels := 2
	if layout[1] == "mono" {
		channels = 1
	}
	if d.audio.resolve(AudioParams{SampleRate: sampleRate, Channels: channels, BitsPerSample: 16}) {
		d.mu.Lock()
		for i := range d.text {
			d.text[i].Reset()
		}
		d.mu.Unlock()
	}
}

// CloseSource marks src as ended. Once both sources have ended, any
// unresolved result fails with ErrParameterDiscoveryFailed.
func (d *Discovery) CloseSource(src DiagnosticSource) {
	if src < 0 || src >= diagnosticSourceCount {
		return
	}
	d.mu.Lock()
	d.closed[src] = true
	all := true
	for _, c := range d.closed {
		all = all && c
	}
	d.mu.Unlock()

	if all {
		d.Fail(errors.New("diagnostic streams closed"))
	}
}

// Fail rejects any unresolved result with cause.
func (d *Discovery) Fail(cause error) {
	err := fmt.Errorf("%w: %w", ErrParameterDiscoveryFailed, cause)
	d.video.reject(err)
	d.audio.reject(err)
}

// Video waits for the video resolution.
func (d *Discovery) Video(ctx context.Context) (VideoParams, error) {
	return d.video.wait(ctx)
}

// Audio waits for the audio format.
func (d *Discovery) Audio(ctx context.Context) (AudioParams, error) {
	return d.audio.wait(ctx)
}

// Parameters waits for both results.
func (d *Discovery) Parameters(ctx context.Context) (MediaParameters, error) {
	v, err := d.Video(ctx)
	if err != nil {
		return MediaParameters{}, err
	}
	a, err := d.Audio(ctx)
	if err != nil {
		return MediaParameters{}, err
	}
	return MediaParameters{Video: v, Audio: a}, nil
}

// Resolved reports whether both results have settled successfully.
func (d *Discovery) Resolved() bool {
	return d.video.settled() && d.video.err == nil &&
		d.audio.settled() && d.audio.err == nil
}
