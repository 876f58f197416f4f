package ffrtc

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPixelFormat_String(t *testing.T) {
	tests := []struct {
		format PixelFormat
		want   string
	}{
		{PixelFormatI420, "I420"},
		{PixelFormat(99), "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.format.String(); got != tt.want {
				t.Errorf("PixelFormat.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestI420Size(t *testing.T) {
	tests := []struct {
		width, height int
		want          int
	}{
		{1920, 1080, 3110400},
		{1280, 720, 1382400},
		{640, 480, 460800},
		{2, 2, 6},
		{3, 3, 9 + 2*2*2},
		{5, 4, 20 + 2*3*2},
	}

	for _, tt := range tests {
		if got := I420Size(tt.width, tt.height); got != tt.want {
			t.Errorf("I420Size(%d, %d) = %d, want %d", tt.width, tt.height, got, tt.want)
		}
	}
}

func TestNewI420Frame(t *testing.T) {
	buf := make([]byte, I420Size(4, 2))
	for i := range buf {
		buf[i] = byte(i)
	}

	f, err := NewI420Frame(buf, 4, 2)
	require.NoError(t, err)
	assert.Equal(t, PixelFormatI420, f.Format)
	assert.Equal(t, []int{4, 2, 2}, f.Stride)
	assert.Equal(t, buf[:8], f.Data[0])
	assert.Equal(t, buf[8:10], f.Data[1])
	assert.Equal(t, buf[10:12], f.Data[2])

	_, err = NewI420Frame(buf[:len(buf)-1], 4, 2)
	assert.Error(t, err)
	_, err = NewI420Frame(buf, 0, 2)
	assert.Error(t, err)
}

func TestVideoFrame_Clone(t *testing.T) {
	buf := make([]byte, I420Size(2, 2))
	f, err := NewI420Frame(buf, 2, 2)
	require.NoError(t, err)
	f.Timestamp = 42

	clone := f.Clone()
	buf[0] = 0xff
	assert.Equal(t, byte(0), clone.Data[0][0])
	assert.Equal(t, int64(42), clone.Timestamp)
	assert.Equal(t, f.Stride, clone.Stride)
}

func TestNewS16Samples(t *testing.T) {
	buf := make([]byte, 480*2*2)
	binary.LittleEndian.PutUint16(buf[0:], uint16(0x1234))
	neg := int16(-2)
	binary.LittleEndian.PutUint16(buf[2:], uint16(neg))

	s, err := NewS16Samples(buf, 48000, 2)
	require.NoError(t, err)
	assert.Equal(t, 480, s.SampleCount)
	assert.Equal(t, 16, s.BitsPerSample)
	assert.Equal(t, int64(10_000_000), s.Duration())

	pcm := s.Samples()
	require.Len(t, pcm, 960)
	assert.Equal(t, int16(0x1234), pcm[0])
	assert.Equal(t, int16(-2), pcm[1])

	_, err = NewS16Samples(buf[:3], 48000, 2)
	assert.Error(t, err)
	_, err = NewS16Samples(buf, 48000, 0)
	assert.Error(t, err)
}

func TestEncodedFrame_IsKeyframe(t *testing.T) {
	assert.True(t, (&EncodedFrame{FrameType: FrameTypeKey}).IsKeyframe())
	assert.False(t, (&EncodedFrame{FrameType: FrameTypeDelta}).IsKeyframe())
	assert.Equal(t, "Key", FrameTypeKey.String())
	assert.Equal(t, "Delta", FrameTypeDelta.String())
	assert.Equal(t, "Unknown", FrameTypeUnknown.String())
}

func TestMediaParameters_FrameSize(t *testing.T) {
	tests := []struct {
		name   string
		params MediaParameters
		video  int
		audio  int
	}{
		{
			name:   "1080p stereo 48k",
			params: MediaParameters{VideoParams{1920, 1080}, AudioParams{48000, 2, 16}},
			video:  3110400,
			audio:  1920,
		},
		{
			name:   "720p mono 44.1k",
			params: MediaParameters{VideoParams{1280, 720}, AudioParams{44100, 1, 16}},
			video:  1382400,
			audio:  882,
		},
		{
			name:   "odd rate truncates",
			params: MediaParameters{VideoParams{640, 480}, AudioParams{22050, 2, 16}},
			video:  460800,
			audio:  220 * 2 * 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.video, tt.params.Video.FrameSize())
			assert.Equal(t, tt.audio, tt.params.Audio.FrameSize())
		})
	}

	assert.Equal(t, "1920x1080", VideoParams{1920, 1080}.String())
	assert.Equal(t, "48000 Hz mono s16", AudioParams{48000, 1, 16}.String())
}
