package ffrtc

import (
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVideoCodec(t *testing.T) {
	tests := []struct {
		codec VideoCodec
		name  string
		mime  string
		pt    uint8
	}{
		{VideoCodecVP8, "VP8", webrtc.MimeTypeVP8, 96},
		{VideoCodecVP9, "VP9", webrtc.MimeTypeVP9, 98},
		{VideoCodecUnknown, "Unknown", "", 96},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.name, tt.codec.String())
			assert.Equal(t, tt.mime, tt.codec.MimeType())
			assert.Equal(t, tt.pt, tt.codec.DefaultPayloadType())
			assert.Equal(t, uint32(90000), tt.codec.ClockRate())
		})
	}

	assert.Equal(t, "profile-id=0", VideoCodecVP9.Capability().SDPFmtpLine)
	assert.Empty(t, VideoCodecVP8.Capability().SDPFmtpLine)
	assert.NotEmpty(t, VideoCodecVP8.Capability().RTCPFeedback)
}

func TestParseVideoCodec(t *testing.T) {
	for _, name := range []string{"vp8", "VP8"} {
		c, ok := ParseVideoCodec(name)
		assert.True(t, ok)
		assert.Equal(t, VideoCodecVP8, c)
	}
	c, ok := ParseVideoCodec("vp9")
	assert.True(t, ok)
	assert.Equal(t, VideoCodecVP9, c)

	_, ok = ParseVideoCodec("h264")
	assert.False(t, ok)
}

func TestAudioCodec(t *testing.T) {
	assert.Equal(t, "Opus", AudioCodecOpus.String())
	assert.Equal(t, webrtc.MimeTypeOpus, AudioCodecOpus.MimeType())
	assert.Equal(t, uint32(48000), AudioCodecOpus.ClockRate())

	capability := AudioCodecOpus.Capability()
	assert.Equal(t, uint16(2), capability.Channels)
	assert.Contains(t, capability.SDPFmtpLine, "useinbandfec=1")

	assert.Equal(t, "audio", OpusApplicationAudio.String())
	assert.Equal(t, "unknown", OpusApplication(0).String())
}

func TestEncoderRegistry(t *testing.T) {
	const codec = VideoCodec(100)
	wedged := errors.New("wedged")

	_, err := NewVideoEncoder(VideoEncoderConfig{Codec: codec})
	assert.ErrorIs(t, err, ErrCodecNotSupported)

	RegisterVideoEncoder(codec, func(VideoEncoderConfig) (VideoEncoder, error) { return nil, wedged })
	t.Cleanup(func() {
		globalEncoderRegistry.mu.Lock()
		delete(globalEncoderRegistry.video, codec)
		globalEncoderRegistry.mu.Unlock()
	})

	_, err = NewVideoEncoder(VideoEncoderConfig{Codec: codec})
	assert.ErrorIs(t, err, wedged)
	assert.Contains(t, VideoEncoderCodecs(), codec)

	enc, err := DefaultEncoders.NewAudioEncoder(AudioEncoderConfig{Codec: AudioCodecUnknown})
	assert.Nil(t, enc)
	assert.ErrorIs(t, err, ErrCodecNotSupported)
}

func TestDefaultEncoderConfigs(t *testing.T) {
	v := DefaultVideoEncoderConfig(VideoCodecVP8, 1280, 720)
	assert.Equal(t, 1280, v.Width)
	assert.Equal(t, 720, v.Height)
	assert.Equal(t, 30, v.FPS)
	assert.Positive(t, v.BitrateBps)

	a := DefaultAudioEncoderConfig(AudioCodecOpus)
	require.Equal(t, 48000, a.SampleRate)
	assert.Equal(t, 2, a.Channels)
	assert.True(t, a.FEC)
}
