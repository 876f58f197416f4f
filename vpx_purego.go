//go:build (darwin || linux) && !novpx

// VP8/VP9 encoding via libmedia_vpx, a thin primitive-only wrapper around
// libvpx, loaded at runtime with purego.
//
// Library locations checked (in order):
//   - MEDIA_VPX_LIB_PATH environment variable
//   - STREAM_SDK_LIB_PATH environment variable
//   - next to the executable, then build/ under the module root
//   - System library paths

package ffrtc

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/ebitengine/purego"
)

var (
	mediaVPXOnce    sync.Once
	mediaVPXHandle  uintptr
	mediaVPXInitErr error
)

// libmedia_vpx function pointers
var (
	mediaVPXEncoderCreate        func(codec, width, height, fps, bitrateKbps, threads int32) uint64
	mediaVPXEncoderEncode        func(encoder uint64, yPlane, uPlane, vPlane uintptr, yStride, uvStride, forceKeyframe int32, outData uintptr, outCapacity int32, outFrameType, outPts uintptr) int32
	mediaVPXEncoderMaxOutputSize func(encoder uint64) int32
	mediaVPXEncoderRequestKF     func(encoder uint64)
	mediaVPXEncoderDestroy       func(encoder uint64)

	mediaVPXGetError       func() uintptr
	mediaVPXCodecAvailable func(codec int32) int32
)

// Constants from media_vpx.h
const (
	mediaVPXCodecVP8 = 0
	mediaVPXCodecVP9 = 1

	mediaVPXFrameKey = 0
)

func loadMediaVPX() error {
	mediaVPXOnce.Do(func() {
		handle, err := dlopenFirst("libmedia_vpx", sharedLibPaths("libmedia_vpx", "MEDIA_VPX_LIB_PATH"))
		if err != nil {
			mediaVPXInitErr = err
			return
		}
		mediaVPXHandle = handle

		purego.RegisterLibFunc(&mediaVPXEncoderCreate, handle, "media_vpx_encoder_create")
		purego.RegisterLibFunc(&mediaVPXEncoderEncode, handle, "media_vpx_encoder_encode")
		purego.RegisterLibFunc(&mediaVPXEncoderMaxOutputSize, handle, "media_vpx_encoder_max_output_size")
		purego.RegisterLibFunc(&mediaVPXEncoderRequestKF, handle, "media_vpx_encoder_request_keyframe")
		purego.RegisterLibFunc(&mediaVPXEncoderDestroy, handle, "media_vpx_encoder_destroy")
		purego.RegisterLibFunc(&mediaVPXGetError, handle, "media_vpx_get_error")
		purego.RegisterLibFunc(&mediaVPXCodecAvailable, handle, "media_vpx_codec_available")
	})
	return mediaVPXInitErr
}

// IsVP8Available checks if the VP8 encoder can be created.
func IsVP8Available() bool {
	return loadMediaVPX() == nil && mediaVPXCodecAvailable(mediaVPXCodecVP8) != 0
}

// IsVP9Available checks if the VP9 encoder can be created.
func IsVP9Available() bool {
	return loadMediaVPX() == nil && mediaVPXCodecAvailable(mediaVPXCodecVP9) != 0
}

func getVPXError() string {
	ptr := mediaVPXGetError()
	if ptr == 0 {
		return "unknown error"
	}
	return goStringFromPtr(ptr)
}

// VPXEncoder implements VideoEncoder using libmedia_vpx.
type VPXEncoder struct {
	config VideoEncoderConfig
	codec  VideoCodec

	handle    uint64
	outputBuf []byte

	keyframeReq atomic.Bool
	mu          sync.Mutex
}

// NewVP8Encoder creates a new VP8 encoder.
func NewVP8Encoder(config VideoEncoderConfig) (*VPXEncoder, error) {
	return newVPXEncoder(config, VideoCodecVP8)
}

// NewVP9Encoder creates a new VP9 encoder.
func NewVP9Encoder(config VideoEncoderConfig) (*VPXEncoder, error) {
	return newVPXEncoder(config, VideoCodecVP9)
}

func newVPXEncoder(config VideoEncoderConfig, codec VideoCodec) (*VPXEncoder, error) {
	if err := loadMediaVPX(); err != nil {
		return nil, fmt.Errorf("%w: %s encoder not available: %w", ErrCodecNotSupported, codec, err)
	}

	var codecType int32
	switch codec {
	case VideoCodecVP8:
		codecType = mediaVPXCodecVP8
	case VideoCodecVP9:
		codecType = mediaVPXCodecVP9
	default:
		return nil, fmt.Errorf("%w: %s", ErrCodecNotSupported, codec)
	}
	if config.Width <= 0 || config.Height <= 0 {
		return nil, fmt.Errorf("invalid encoder dimensions %dx%d", config.Width, config.Height)
	}

	threads := config.Threads
	if threads <= 0 {
		threads = 4
	}
	bitrateKbps := config.BitrateBps / 1000
	if bitrateKbps <= 0 {
		bitrateKbps = 1000
	}
	fps := config.FPS
	if fps <= 0 {
		fps = 30
	}

	handle := mediaVPXEncoderCreate(
		codecType,
		int32(config.Width),
		int32(config.Height),
		int32(fps),
		int32(bitrateKbps),
		int32(threads),
	)
	if handle == 0 {
		return nil, fmt.Errorf("failed to create %s encoder: %s", codec, getVPXError())
	}

	maxOutput := mediaVPXEncoderMaxOutputSize(handle)
	if maxOutput <= 0 {
		maxOutput = int32(I420Size(config.Width, config.Height))
	}

	config.Codec = codec
	enc := &VPXEncoder{
		config:    config,
		codec:     codec,
		handle:    handle,
		outputBuf: make([]byte, maxOutput),
	}
	enc.keyframeReq.Store(true)
	runtime.SetFinalizer(enc, (*VPXEncoder).Close)

	return enc, nil
}

// Encode implements VideoEncoder.
func (e *VPXEncoder) Encode(frame *VideoFrame) (*EncodedFrame, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handle == 0 {
		return nil, ErrClosed
	}
	if frame.Width != e.config.Width || frame.Height != e.config.Height {
		return nil, fmt.Errorf("frame %dx%d does not match encoder %dx%d",
			frame.Width, frame.Height, e.config.Width, e.config.Height)
	}
	if len(frame.Data) < 3 || len(frame.Data[0]) == 0 || len(frame.Data[1]) == 0 || len(frame.Data[2]) == 0 {
		return nil, fmt.Errorf("frame is not I420")
	}

	forceKeyframe := int32(0)
	if e.keyframeReq.Swap(false) {
		forceKeyframe = 1
	}

	var frameType int32
	var pts int64
	result := mediaVPXEncoderEncode(
		e.handle,
		uintptr(unsafe.Pointer(&frame.Data[0][0])),
		uintptr(unsafe.Pointer(&frame.Data[1][0])),
		uintptr(unsafe.Pointer(&frame.Data[2][0])),
		int32(frame.Stride[0]),
		int32(frame.Stride[1]),
		forceKeyframe,
		uintptr(unsafe.Pointer(&e.outputBuf[0])),
		int32(len(e.outputBuf)),
		uintptr(unsafe.Pointer(&frameType)),
		uintptr(unsafe.Pointer(&pts)),
	)
	runtime.KeepAlive(frame)

	if result < 0 {
		return nil, fmt.Errorf("encode failed: %s", getVPXError())
	}
	if result == 0 {
		return nil, nil
	}

	ft := FrameTypeDelta
	if frameType == mediaVPXFrameKey {
		ft = FrameTypeKey
	}
	return &EncodedFrame{Data: e.outputBuf[:result], FrameType: ft}, nil
}

// RequestKeyframe implements VideoEncoder.
func (e *VPXEncoder) RequestKeyframe() {
	e.keyframeReq.Store(true)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handle != 0 {
		mediaVPXEncoderRequestKF(e.handle)
	}
}

// Codec implements VideoEncoder.
func (e *VPXEncoder) Codec() VideoCodec {
	return e.codec
}

// Config returns the encoder configuration.
func (e *VPXEncoder) Config() VideoEncoderConfig {
	return e.config
}

// Close implements VideoEncoder.
func (e *VPXEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handle != 0 {
		mediaVPXEncoderDestroy(e.handle)
		e.handle = 0
	}
	return nil
}

// Register VP8/VP9 encoders (libvpx)
func init() {
	RegisterVideoEncoder(VideoCodecVP8, func(config VideoEncoderConfig) (VideoEncoder, error) {
		return NewVP8Encoder(config)
	})
	RegisterVideoEncoder(VideoCodecVP9, func(config VideoEncoderConfig) (VideoEncoder, error) {
		return NewVP9Encoder(config)
	})
}
