package ffrtc

import (
	"fmt"
	"io"
	"sort"
	"sync"
)

// VideoEncoderConfig configures a video encoder.
type VideoEncoderConfig struct {
	Codec VideoCodec // VP8 or VP9

	Width      int // Frame width
	Height     int // Frame height
	FPS        int // Nominal framerate, used for rate control
	BitrateBps int // Target bitrate in bits per second
	Threads    int // Encoder threads (0 = auto)
}

// DefaultVideoEncoderConfig returns a default encoder configuration.
func DefaultVideoEncoderConfig(codec VideoCodec, width, height int) VideoEncoderConfig {
	return VideoEncoderConfig{
		Codec:      codec,
		Width:      width,
		Height:     height,
		FPS:        30,
		BitrateBps: 1500000, // 1.5 Mbps
		Threads:    0,       // Auto
	}
}

// VideoEncoder encodes raw video frames to a compressed bitstream.
type VideoEncoder interface {
	io.Closer

	// Encode encodes a video frame.
	// Returns nil if the encoder is buffering and no output is ready.
	// The returned EncodedFrame data is valid until the next Encode() call.
	Encode(frame *VideoFrame) (*EncodedFrame, error)

	// RequestKeyframe forces the next frame to be a keyframe.
	RequestKeyframe()

	// Codec returns the codec type.
	Codec() VideoCodec
}

// AudioEncoderConfig configures an audio encoder.
type AudioEncoderConfig struct {
	Codec AudioCodec // Opus

	SampleRate  int             // 8000, 12000, 16000, 24000 or 48000
	Channels    int             // 1 or 2
	BitrateBps  int             // Target bitrate in bps
	FEC         bool            // Inband forward error correction
	PacketLoss  int             // Expected packet loss percentage, tunes FEC
	Application OpusApplication // Encoder tuning
}

// DefaultAudioEncoderConfig returns a default audio encoder configuration.
func DefaultAudioEncoderConfig(codec AudioCodec) AudioEncoderConfig {
	return AudioEncoderConfig{
		Codec:       codec,
		SampleRate:  48000,
		Channels:    2,
		BitrateBps:  64000,
		FEC:         true,
		PacketLoss:  10,
		Application: OpusApplicationAudio,
	}
}

// AudioEncoder encodes raw audio samples to a compressed bitstream.
type AudioEncoder interface {
	io.Closer

	// Encode encodes one block of samples. The block must be a frame size
	// the codec accepts (10ms or 20ms for the live sources).
	Encode(samples *AudioSamples) (*EncodedAudio, error)

	// Codec returns the codec type.
	Codec() AudioCodec
}

// EncoderFactory creates encoders for the live media sources.
type EncoderFactory interface {
	NewVideoEncoder(config VideoEncoderConfig) (VideoEncoder, error)
	NewAudioEncoder(config AudioEncoderConfig) (AudioEncoder, error)
}

// DefaultEncoders is the EncoderFactory backed by the codec registry.
var DefaultEncoders EncoderFactory = registryEncoders{}

type registryEncoders struct{}

func (registryEncoders) NewVideoEncoder(config VideoEncoderConfig) (VideoEncoder, error) {
	return NewVideoEncoder(config)
}

func (registryEncoders) NewAudioEncoder(config AudioEncoderConfig) (AudioEncoder, error) {
	return NewAudioEncoder(config)
}

// --- Registry ---

type videoEncoderFactory func(VideoEncoderConfig) (VideoEncoder, error)
type audioEncoderFactory func(AudioEncoderConfig) (AudioEncoder, error)

type encoderRegistry struct {
	mu    sync.RWMutex
	video map[VideoCodec]videoEncoderFactory
	audio map[AudioCodec]audioEncoderFactory
}

var globalEncoderRegistry = &encoderRegistry{
	video: make(map[VideoCodec]videoEncoderFactory),
	audio: make(map[AudioCodec]audioEncoderFactory),
}

// RegisterVideoEncoder installs the constructor used for codec, replacing
// any previous one.
func RegisterVideoEncoder(codec VideoCodec, factory func(VideoEncoderConfig) (VideoEncoder, error)) {
	globalEncoderRegistry.mu.Lock()
	defer globalEncoderRegistry.mu.Unlock()
	globalEncoderRegistry.video[codec] = factory
}

// RegisterAudioEncoder installs the constructor used for codec, replacing
// any previous one.
func RegisterAudioEncoder(codec AudioCodec, factory func(AudioEncoderConfig) (AudioEncoder, error)) {
	globalEncoderRegistry.mu.Lock()
	defer globalEncoderRegistry.mu.Unlock()
	globalEncoderRegistry.audio[codec] = factory
}

// NewVideoEncoder creates a video encoder from the registry.
func NewVideoEncoder(config VideoEncoderConfig) (VideoEncoder, error) {
	globalEncoderRegistry.mu.RLock()
	factory := globalEncoderRegistry.video[config.Codec]
	globalEncoderRegistry.mu.RUnlock()

	if factory == nil {
		return nil, fmt.Errorf("%w: no encoder for %s", ErrCodecNotSupported, config.Codec)
	}
	return factory(config)
}

// NewAudioEncoder creates an audio encoder from the registry.
func NewAudioEncoder(config AudioEncoderConfig) (AudioEncoder, error) {
	globalEncoderRegistry.mu.RLock()
	factory := globalEncoderRegistry.audio[config.Codec]
	globalEncoderRegistry.mu.RUnlock()

	if factory == nil {
		return nil, fmt.Errorf("%w: no encoder for %s", ErrCodecNotSupported, config.Codec)
	}
	return factory(config)
}

// VideoEncoderCodecs returns the video codecs with a registered encoder.
func VideoEncoderCodecs() []VideoCodec {
	globalEncoderRegistry.mu.RLock()
	defer globalEncoderRegistry.mu.RUnlock()

	codecs := make([]VideoCodec, 0, len(globalEncoderRegistry.video))
	for c := range globalEncoderRegistry.video {
		codecs = append(codecs, c)
	}
	sort.Slice(codecs, func(i, j int) bool { return codecs[i] < codecs[j] })
	return codecs
}

// AudioEncoderCodecs returns the audio codecs with a registered encoder.
func AudioEncoderCodecs() []AudioCodec {
	globalEncoderRegistry.mu.RLock()
	defer globalEncoderRegistry.mu.RUnlock()

	codecs := make([]AudioCodec, 0, len(globalEncoderRegistry.audio))
	for c := range globalEncoderRegistry.audio {
		codecs = append(codecs, c)
	}
	sort.Slice(codecs, func(i, j int) bool { return codecs[i] < codecs[j] })
	return codecs
}
