package ffrtc

import "errors"

// Failure kinds. Errors returned by this package wrap one or more of these;
// match them with errors.Is.
var (
	// ErrParameterDiscoveryFailed is returned when the transcoder's diagnostic
	// streams end, or the process exits, before stream parameters are found.
	ErrParameterDiscoveryFailed = errors.New("parameter discovery failed")

	// ErrFrameAlignment reports bytes left over when a stream ends mid-frame.
	// No short frame is ever emitted.
	ErrFrameAlignment = errors.New("stream ended mid-frame")

	// ErrSinkPushFailed is returned when a downstream sink rejects a frame.
	ErrSinkPushFailed = errors.New("sink push failed")

	// ErrNegotiationFailed is returned when the remote answer is missing,
	// malformed or rejected.
	ErrNegotiationFailed = errors.New("negotiation failed")

	// ErrPeerConnectionFailed is reported when the peer connection or its ICE
	// transport enters the failed state.
	ErrPeerConnectionFailed = errors.New("peer connection failed")

	// ErrTransportClosed is returned when the signaling channel or a media
	// socket closes unexpectedly.
	ErrTransportClosed = errors.New("transport closed")

	// ErrBufferOverflow is returned when a demuxer is handed more data than
	// it may hold before its frame size is known.
	ErrBufferOverflow = errors.New("pending buffer overflow")

	// ErrTimeout is returned when a bounded wait expires.
	ErrTimeout = errors.New("timed out")

	// ErrInvalidMessage is returned when a signaling frame does not decode.
	ErrInvalidMessage = errors.New("invalid signaling message")

	// ErrClosed is returned by operations on a closed object.
	ErrClosed = errors.New("closed")

	ErrBufferTooSmall    = errors.New("buffer too small")
	ErrCodecNotSupported = errors.New("codec not supported")
)
