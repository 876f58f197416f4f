// Package ffrtc bridges an RTSP source to WebRTC peers through an external
// ffmpeg process that emits raw, uncompressed elementary streams.
//
// Key pieces include:
//   - Discovery: stream parameters scraped from transcoder diagnostics
//   - Demuxer: fixed-size raw frame slicing over an arbitrary byte stream
//   - AVSource: transcoder lifecycle, loopback sockets and live media sinks
//   - Session: per-viewer offer/answer/ICE state machine over a Channel
//
// # Architecture
//
//	RTSP URL -> ffmpeg -> tcp (yuv420p) -> Demuxer -> LiveVideoSource -> VideoEncoder -> Packetizer -> LocalTrack
//	                   -> tcp (s16le)   -> Demuxer -> LiveAudioSource -> AudioEncoder -> Packetizer -> LocalTrack
//	Session: Channel <-> offer/answer/candidates <-> PeerConnection(LocalTrack...)
//
// # Native Libraries
//
// The default encoders load libmedia_vpx and libstream_opus at runtime with
// purego. Set STREAM_SDK_LIB_PATH to the directory containing them, or
// inject an EncoderFactory of your own through LiveVideoConfig and
// LiveAudioConfig.
//
// # Build Tags
//
// Optional tags disable features:
//   - novpx, noopus: disable specific codecs
package ffrtc
