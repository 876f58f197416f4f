//go:build (darwin || linux) && !noopus

// Opus encoding via libstream_opus, a thin primitive-only wrapper around
// libopus, loaded at runtime with purego.

package ffrtc

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

var (
	streamOpusOnce    sync.Once
	streamOpusHandle  uintptr
	streamOpusInitErr error
)

// libstream_opus function pointers
var (
	streamOpusEncoderCreate        func(sampleRate, channels, application int32) uint64
	streamOpusEncoderEncode        func(encoder uint64, pcm uintptr, frameSize int32, outData uintptr, outCapacity int32) int32
	streamOpusEncoderSetBitrate    func(encoder uint64, bitrate int32) int32
	streamOpusEncoderSetFEC        func(encoder uint64, enabled int32) int32
	streamOpusEncoderSetPacketLoss func(encoder uint64, percentage int32) int32
	streamOpusEncoderDestroy       func(encoder uint64)

	streamOpusGetError   func() uintptr
	streamOpusGetVersion func() uintptr
)

const (
	streamOpusOK = 0

	// Largest packet libopus produces per frame.
	opusMaxPacket = 4000
)

func loadStreamOpus() error {
	streamOpusOnce.Do(func() {
		handle, err := dlopenFirst("libstream_opus", sharedLibPaths("libstream_opus", "STREAM_OPUS_LIB_PATH"))
		if err != nil {
			streamOpusInitErr = err
			return
		}
		streamOpusHandle = handle

		purego.RegisterLibFunc(&streamOpusEncoderCreate, handle, "stream_opus_encoder_create")
		purego.RegisterLibFunc(&streamOpusEncoderEncode, handle, "stream_opus_encoder_encode")
		purego.RegisterLibFunc(&streamOpusEncoderSetBitrate, handle, "stream_opus_encoder_set_bitrate")
		purego.RegisterLibFunc(&streamOpusEncoderSetFEC, handle, "stream_opus_encoder_set_fec")
		purego.RegisterLibFunc(&streamOpusEncoderSetPacketLoss, handle, "stream_opus_encoder_set_packet_loss")
		purego.RegisterLibFunc(&streamOpusEncoderDestroy, handle, "stream_opus_encoder_destroy")
		purego.RegisterLibFunc(&streamOpusGetError, handle, "stream_opus_get_error")
		purego.RegisterLibFunc(&streamOpusGetVersion, handle, "stream_opus_get_version")
	})
	return streamOpusInitErr
}

// IsOpusAvailable checks if libstream_opus is available.
func IsOpusAvailable() bool {
	return loadStreamOpus() == nil
}

// GetOpusVersion returns the libopus version string.
func GetOpusVersion() string {
	if !IsOpusAvailable() {
		return ""
	}
	return goStringFromPtr(streamOpusGetVersion())
}

func getOpusError() string {
	ptr := streamOpusGetError()
	if ptr == 0 {
		return "unknown error"
	}
	return goStringFromPtr(ptr)
}

// OpusEncoder implements AudioEncoder for Opus.
type OpusEncoder struct {
	config AudioEncoderConfig

	handle    uint64
	outputBuf []byte
	pcmBuf    []int16
	mu        sync.Mutex
}

// NewOpusEncoder creates a new Opus encoder.
func NewOpusEncoder(config AudioEncoderConfig) (*OpusEncoder, error) {
	if err := loadStreamOpus(); err != nil {
		return nil, fmt.Errorf("%w: Opus encoder not available: %w", ErrCodecNotSupported, err)
	}

	if config.SampleRate <= 0 {
		config.SampleRate = 48000
	}
	if !isOpusRate(config.SampleRate) {
		return nil, fmt.Errorf("%w: Opus cannot encode %d Hz", ErrCodecNotSupported, config.SampleRate)
	}
	if config.Channels <= 0 {
		config.Channels = 1
	}
	if config.Channels > 2 {
		return nil, fmt.Errorf("Opus supports max 2 channels, got %d", config.Channels)
	}
	if config.Application == 0 {
		config.Application = OpusApplicationAudio
	}
	config.Codec = AudioCodecOpus

	handle := streamOpusEncoderCreate(int32(config.SampleRate), int32(config.Channels), int32(config.Application))
	if handle == 0 {
		return nil, fmt.Errorf("failed to create Opus encoder: %s", getOpusError())
	}

	if config.BitrateBps > 0 {
		streamOpusEncoderSetBitrate(handle, int32(config.BitrateBps))
	}
	if config.FEC {
		streamOpusEncoderSetFEC(handle, 1)
		if config.PacketLoss > 0 {
			streamOpusEncoderSetPacketLoss(handle, int32(config.PacketLoss))
		}
	}

	enc := &OpusEncoder{
		config:    config,
		handle:    handle,
		outputBuf: make([]byte, opusMaxPacket),
	}
	runtime.SetFinalizer(enc, (*OpusEncoder).Close)
	return enc, nil
}

// Encode implements AudioEncoder.
func (e *OpusEncoder) Encode(samples *AudioSamples) (*EncodedAudio, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handle == 0 {
		return nil, ErrClosed
	}
	if samples.SampleRate != e.config.SampleRate || samples.Channels != e.config.Channels {
		return nil, fmt.Errorf("samples %d Hz/%d ch do not match encoder %d Hz/%d ch",
			samples.SampleRate, samples.Channels, e.config.SampleRate, e.config.Channels)
	}

	numSamples := len(samples.Data) / 2
	if numSamples == 0 {
		return nil, fmt.Errorf("empty audio samples")
	}

	if cap(e.pcmBuf) < numSamples {
		e.pcmBuf = make([]int16, numSamples)
	}
	e.pcmBuf = e.pcmBuf[:numSamples]
	for i := range e.pcmBuf {
		e.pcmBuf[i] = int16(uint16(samples.Data[i*2]) | uint16(samples.Data[i*2+1])<<8)
	}

	frameSize := numSamples / e.config.Channels
	result := streamOpusEncoderEncode(
		e.handle,
		uintptr(unsafe.Pointer(&e.pcmBuf[0])),
		int32(frameSize),
		uintptr(unsafe.Pointer(&e.outputBuf[0])),
		int32(len(e.outputBuf)),
	)
	if result < 0 {
		return nil, fmt.Errorf("encode failed: %s", getOpusError())
	}

	data := make([]byte, result)
	copy(data, e.outputBuf[:result])

	return &EncodedAudio{
		Data:     data,
		Duration: uint32(frameSize * 48000 / e.config.SampleRate),
	}, nil
}

// SetBitrate sets the encoder bitrate.
func (e *OpusEncoder) SetBitrate(bitrateBps int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handle == 0 {
		return ErrClosed
	}
	if streamOpusEncoderSetBitrate(e.handle, int32(bitrateBps)) != streamOpusOK {
		return fmt.Errorf("failed to set bitrate: %s", getOpusError())
	}
	e.config.BitrateBps = bitrateBps
	return nil
}

// Codec implements AudioEncoder.
func (e *OpusEncoder) Codec() AudioCodec {
	return AudioCodecOpus
}

// Config returns the encoder configuration.
func (e *OpusEncoder) Config() AudioEncoderConfig {
	return e.config
}

// Close implements AudioEncoder.
func (e *OpusEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handle != 0 {
		streamOpusEncoderDestroy(e.handle)
		e.handle = 0
	}
	return nil
}

// Register Opus encoder
func init() {
	RegisterAudioEncoder(AudioCodecOpus, func(config AudioEncoderConfig) (AudioEncoder, error) {
		return NewOpusEncoder(config)
	})
}
