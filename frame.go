// Core frame and sample types used across the ffrtc package.
package ffrtc

import (
	"encoding/binary"
	"fmt"
)

// PixelFormat represents video pixel formats.
type PixelFormat int

const (
	PixelFormatI420 PixelFormat = iota // YUV 4:2:0 planar (Y + U + V)
)

func (p PixelFormat) String() string {
	switch p {
	case PixelFormatI420:
		return "I420"
	default:
		return "Unknown"
	}
}

// PlaneCount returns the number of planes for this pixel format.
func (p PixelFormat) PlaneCount() int {
	switch p {
	case PixelFormatI420:
		return 3 // Y, U, V
	default:
		return 0
	}
}

// VideoFrame represents a raw video frame.
// The Data slices may alias the demuxer's buffer; callers must Clone the
// frame to keep it beyond the sink call that delivered it.
type VideoFrame struct {
	Data      [][]byte    // Plane data (Y, U, V)
	Stride    []int       // Stride for each plane in bytes
	Width     int         // Frame width in pixels
	Height    int         // Frame height in pixels
	Format    PixelFormat // Pixel format
	Timestamp int64       // Arrival timestamp in nanoseconds
}

// NewI420Frame slices a contiguous yuv420p buffer into its three planes
// without copying.
func NewI420Frame(buf []byte, width, height int) (*VideoFrame, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid frame dimensions %dx%d", width, height)
	}
	if want := I420Size(width, height); len(buf) != want {
		return nil, fmt.Errorf("i420 %dx%d needs %d bytes, got %d", width, height, want, len(buf))
	}

	cw, ch := chromaWidth(width), chromaHeight(height)
	ySize := width * height
	uvSize := cw * ch

	return &VideoFrame{
		Data: [][]byte{
			buf[:ySize:ySize],
			buf[ySize : ySize+uvSize : ySize+uvSize],
			buf[ySize+uvSize:],
		},
		Stride: []int{width, cw, cw},
		Width:  width,
		Height: height,
		Format: PixelFormatI420,
	}, nil
}

// Clone creates a deep copy of the video frame.
func (f *VideoFrame) Clone() *VideoFrame {
	clone := &VideoFrame{
		Data:      make([][]byte, len(f.Data)),
		Stride:    make([]int, len(f.Stride)),
		Width:     f.Width,
		Height:    f.Height,
		Format:    f.Format,
		Timestamp: f.Timestamp,
	}
	copy(clone.Stride, f.Stride)
	for i, plane := range f.Data {
		if plane != nil {
			clone.Data[i] = make([]byte, len(plane))
			copy(clone.Data[i], plane)
		}
	}
	return clone
}

// I420Size returns the total buffer size of a yuv420p frame.
// Chroma planes round up for odd dimensions, matching ffmpeg's layout; for
// even dimensions this is width*height*3/2.
func I420Size(width, height int) int {
	return width*height + 2*chromaWidth(width)*chromaHeight(height)
}

func chromaWidth(width int) int   { return (width + 1) / 2 }
func chromaHeight(height int) int { return (height + 1) / 2 }

// AudioSamples represents one block of raw, interleaved S16LE audio.
type AudioSamples struct {
	Data          []byte // Interleaved little-endian sample data
	SampleRate    int    // Sample rate (e.g., 48000)
	Channels      int    // Number of channels (1 = mono, 2 = stereo)
	BitsPerSample int    // Always 16 for frames produced by the bridge
	SampleCount   int    // Number of samples (per channel)
	Timestamp     int64  // Arrival timestamp in nanoseconds
}

// NewS16Samples wraps an interleaved S16LE block without copying.
func NewS16Samples(buf []byte, sampleRate, channels int) (*AudioSamples, error) {
	if channels <= 0 || sampleRate <= 0 {
		return nil, fmt.Errorf("invalid audio format %d Hz, %d channels", sampleRate, channels)
	}
	if len(buf)%(2*channels) != 0 {
		return nil, fmt.Errorf("%d bytes is not a whole number of %d-channel s16 samples", len(buf), channels)
	}
	return &AudioSamples{
		Data:          buf,
		SampleRate:    sampleRate,
		Channels:      channels,
		BitsPerSample: 16,
		SampleCount:   len(buf) / (2 * channels),
	}, nil
}

// Samples decodes Data into interleaved int16 samples.
func (s *AudioSamples) Samples() []int16 {
	out := make([]int16, len(s.Data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(s.Data[i*2:]))
	}
	return out
}

// Duration returns the block duration in nanoseconds.
func (s *AudioSamples) Duration() int64 {
	if s.SampleRate <= 0 {
		return 0
	}
	return int64(s.SampleCount) * 1e9 / int64(s.SampleRate)
}

// Clone creates a deep copy of the audio samples.
func (s *AudioSamples) Clone() *AudioSamples {
	clone := &AudioSamples{
		SampleRate:    s.SampleRate,
		Channels:      s.Channels,
		BitsPerSample: s.BitsPerSample,
		SampleCount:   s.SampleCount,
		Timestamp:     s.Timestamp,
	}
	if s.Data != nil {
		clone.Data = make([]byte, len(s.Data))
		copy(clone.Data, s.Data)
	}
	return clone
}

// FrameType indicates whether a frame is a keyframe or delta frame.
type FrameType int

const (
	FrameTypeUnknown FrameType = iota
	FrameTypeKey               // I-frame, can be decoded independently
	FrameTypeDelta             // P/B-frame, requires previous frames
)

func (f FrameType) String() string {
	switch f {
	case FrameTypeKey:
		return "Key"
	case FrameTypeDelta:
		return "Delta"
	default:
		return "Unknown"
	}
}

// EncodedFrame holds encoded video data.
// The Data slice is owned by the encoder and valid until the next Encode() call.
type EncodedFrame struct {
	Data      []byte    // Encoded bitstream data
	FrameType FrameType // Key or delta frame
}

// IsKeyframe returns true if this is a keyframe.
func (f *EncodedFrame) IsKeyframe() bool {
	return f.FrameType == FrameTypeKey
}

// EncodedAudio holds encoded audio data.
type EncodedAudio struct {
	Data     []byte // Encoded data (e.g., Opus packets)
	Duration uint32 // Duration in samples at the codec clock rate
}
