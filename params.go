package ffrtc

import "fmt"

// VideoParams describes the raw video elementary stream.
type VideoParams struct {
	Width  int
	Height int
}

// FrameSize returns the size in bytes of one yuv420p picture.
func (p VideoParams) FrameSize() int {
	return I420Size(p.Width, p.Height)
}

func (p VideoParams) String() string {
	return fmt.Sprintf("%dx%d", p.Width, p.Height)
}

// AudioParams describes the raw audio elementary stream.
type AudioParams struct {
	SampleRate    int
	Channels      int // 1 or 2
	BitsPerSample int
}

// SamplesPerFrame returns the per-channel sample count of one 10ms block.
func (p AudioParams) SamplesPerFrame() int {
	return p.SampleRate / 100
}

// FrameSize returns the size in bytes of one 10ms block.
func (p AudioParams) FrameSize() int {
	return p.SamplesPerFrame() * p.Channels * p.BitsPerSample / 8
}

func (p AudioParams) String() string {
	layout := "stereo"
	if p.Channels == 1 {
		layout = "mono"
	}
	return fmt.Sprintf("%d Hz %s s%d", p.SampleRate, layout, p.BitsPerSample)
}

// MediaParameters is the resolved description of both elementary streams.
// It is immutable once discovery completes.
type MediaParameters struct {
	Video VideoParams
	Audio AudioParams
}
