//go:build (darwin || linux) && !novpx

package ffrtc

import (
	"errors"
	"testing"
)

// createTestFrame creates a gradient I420 frame with the given dimensions.
func createTestFrame(width, height int) *VideoFrame {
	buf := make([]byte, I420Size(width, height))
	frame, err := NewI420Frame(buf, width, height)
	if err != nil {
		panic(err)
	}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			frame.Data[0][y*frame.Stride[0]+x] = byte((x + y) % 256)
		}
	}
	for i := range frame.Data[1] {
		frame.Data[1][i] = 128
		frame.Data[2][i] = 128
	}
	return frame
}

func TestVP8Encoder(t *testing.T) {
	if !IsVP8Available() {
		t.Skip("libvpx wrapper not available")
	}

	enc, err := NewVP8Encoder(DefaultVideoEncoderConfig(VideoCodecVP8, 320, 240))
	if err != nil {
		t.Fatalf("Failed to create VP8 encoder: %v", err)
	}
	defer enc.Close()

	if enc.Codec() != VideoCodecVP8 {
		t.Errorf("Codec = %v, want VP8", enc.Codec())
	}
	if enc.Config().Width != 320 || enc.Config().Height != 240 {
		t.Errorf("Config dimensions = %dx%d, want 320x240", enc.Config().Width, enc.Config().Height)
	}

	frame := createTestFrame(320, 240)
	encoded, err := enc.Encode(frame)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if encoded == nil {
		t.Fatal("Encode returned nil frame")
	}
	if encoded.FrameType != FrameTypeKey {
		t.Errorf("First frame type = %v, want Key", encoded.FrameType)
	}
	if len(encoded.Data) == 0 {
		t.Error("Encoded data is empty")
	}

	// Later frames are deltas until a keyframe is requested.
	for i := 0; i < 5; i++ {
		if _, err := enc.Encode(frame); err != nil {
			t.Fatalf("Encode %d failed: %v", i, err)
		}
	}
	enc.RequestKeyframe()
	encoded, err = enc.Encode(frame)
	if err != nil {
		t.Fatalf("Encode after keyframe request failed: %v", err)
	}
	if encoded != nil && encoded.FrameType != FrameTypeKey {
		t.Errorf("Frame after RequestKeyframe = %v, want Key", encoded.FrameType)
	}

	if err := enc.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if _, err := enc.Encode(frame); !errors.Is(err, ErrClosed) {
		t.Errorf("Encode after Close = %v, want ErrClosed", err)
	}
}

func TestVPXEncoder_Registry(t *testing.T) {
	if !IsVP8Available() {
		t.Skip("libvpx wrapper not available")
	}

	enc, err := NewVideoEncoder(DefaultVideoEncoderConfig(VideoCodecVP8, 160, 120))
	if err != nil {
		t.Fatalf("NewVideoEncoder failed: %v", err)
	}
	defer enc.Close()
	if enc.Codec() != VideoCodecVP8 {
		t.Errorf("Codec = %v, want VP8", enc.Codec())
	}
}

func TestVPXEncoder_InvalidDimensions(t *testing.T) {
	if !IsVP8Available() {
		t.Skip("libvpx wrapper not available")
	}
	if _, err := NewVP8Encoder(VideoEncoderConfig{Width: 0, Height: 240}); err == nil {
		t.Error("expected an error for zero width")
	}
}
