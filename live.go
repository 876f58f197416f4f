package ffrtc

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/logging"
)

// VideoSink accepts raw video frames one at a time. The frame is only valid
// for the duration of the call.
type VideoSink interface {
	WriteVideoFrame(frame *VideoFrame) error
}

// AudioSink accepts raw audio blocks one at a time. The block is only valid
// for the duration of the call.
type AudioSink interface {
	WriteAudioSamples(samples *AudioSamples) error
}

// LiveVideoConfig configures a LiveVideoSource.
type LiveVideoConfig struct {
	Codec      VideoCodec // VP8 (default) or VP9
	BitrateBps int
	FPS        int // Nominal rate; the first frame's RTP duration
	MTU        int

	TrackID  string
	StreamID string

	Encoders      EncoderFactory // Defaults to DefaultEncoders
	LoggerFactory logging.LoggerFactory
}

// DefaultLiveVideoConfig returns a VP8 configuration at 1.5 Mbps.
func DefaultLiveVideoConfig() LiveVideoConfig {
	return LiveVideoConfig{
		Codec:      VideoCodecVP8,
		BitrateBps: 1500000,
		FPS:        30,
		MTU:        DefaultMTU,
		TrackID:    "video",
		StreamID:   "ffrtc",
	}
}

// LiveVideoSource encodes raw frames and writes them as RTP to its track.
//
// The encoder is created on the first frame, sized to that frame. RTP
// timestamps follow the frames' arrival times.
type LiveVideoSource struct {
	config     LiveVideoConfig
	track      *LocalTrack
	packetizer *Packetizer
	log        logging.LeveledLogger

	mu      sync.Mutex
	encoder VideoEncoder
	lastTS  int64
	closed  bool

	frames     atomic.Uint64
	keyframes  atomic.Uint64
	bytes      atomic.Uint64
	keyframeRq atomic.Bool
}

// NewLiveVideoSource creates a video sink bound to a new LocalTrack.
func NewLiveVideoSource(config LiveVideoConfig) (*LiveVideoSource, error) {
	def := DefaultLiveVideoConfig()
	if config.Codec == VideoCodecUnknown {
		config.Codec = def.Codec
	}
	if config.BitrateBps <= 0 {
		config.BitrateBps = def.BitrateBps
	}
	if config.FPS <= 0 {
		config.FPS = def.FPS
	}
	if config.TrackID == "" {
		config.TrackID = def.TrackID
	}
	if config.StreamID == "" {
		config.StreamID = def.StreamID
	}
	if config.Encoders == nil {
		config.Encoders = DefaultEncoders
	}
	if config.LoggerFactory == nil {
		config.LoggerFactory = logging.NewDefaultLoggerFactory()
	}

	packetizer, err := NewVideoPacketizer(config.Codec, config.MTU)
	if err != nil {
		return nil, err
	}

	s := &LiveVideoSource{
		config:     config,
		track:      NewLocalTrack(config.Codec.Capability(), config.TrackID, config.StreamID),
		packetizer: packetizer,
		log:        config.LoggerFactory.NewLogger("ffrtc-video"),
	}
	// A new receiver cannot decode until the next keyframe.
	s.track.OnBind(s.RequestKeyframe)
	return s, nil
}

// Track returns the track carrying the encoded video.
func (s *LiveVideoSource) Track() *LocalTrack {
	return s.track
}

// WriteVideoFrame implements VideoSink.
func (s *LiveVideoSource) WriteVideoFrame(frame *VideoFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.encoder == nil {
		cfg := DefaultVideoEncoderConfig(s.config.Codec, frame.Width, frame.Height)
		cfg.BitrateBps = s.config.BitrateBps
		cfg.FPS = s.config.FPS
		enc, err := s.config.Encoders.NewVideoEncoder(cfg)
		if err != nil {
			return fmt.Errorf("create %s encoder: %w", s.config.Codec, err)
		}
		s.encoder = enc
		s.log.Infof("%s encoder %dx%d @ %d bps", s.config.Codec, frame.Width, frame.Height, cfg.BitrateBps)
	}

	ts := frame.Timestamp
	if ts == 0 {
		ts = time.Now().UnixNano()
	}
	if s.lastTS != 0 && ts > s.lastTS {
		s.packetizer.Advance(uint32((ts - s.lastTS) * int64(s.packetizer.ClockRate()) / int64(time.Second)))
	} else if s.lastTS != 0 {
		s.packetizer.Advance(s.packetizer.ClockRate() / uint32(s.config.FPS))
	}
	s.lastTS = ts

	if s.keyframeRq.Swap(false) {
		s.encoder.RequestKeyframe()
	}

	encoded, err := s.encoder.Encode(frame)
	if err != nil {
		return fmt.Errorf("encode video: %w", err)
	}
	if encoded == nil || len(encoded.Data) == 0 {
		return nil
	}

	for _, pkt := range s.packetizer.Packetize(encoded.Data, 0) {
		if err := s.track.WriteRTP(pkt); err != nil {
			return fmt.Errorf("write video rtp: %w", err)
		}
	}

	s.frames.Add(1)
	s.bytes.Add(uint64(len(encoded.Data)))
	if encoded.IsKeyframe() {
		s.keyframes.Add(1)
	}
	return nil
}

// RequestKeyframe asks the encoder for a keyframe on the next frame.
func (s *LiveVideoSource) RequestKeyframe() {
	s.keyframeRq.Store(true)
}

// Stats returns the number of encoded frames, keyframes and bytes.
func (s *LiveVideoSource) Stats() (frames, keyframes, bytes uint64) {
	return s.frames.Load(), s.keyframes.Load(), s.bytes.Load()
}

// Close releases the encoder. Later writes fail with ErrClosed.
func (s *LiveVideoSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.encoder != nil {
		return s.encoder.Close()
	}
	return nil
}

// LiveAudioConfig configures a LiveAudioSource.
type LiveAudioConfig struct {
	BitrateBps int
	MTU        int

	TrackID  string
	StreamID string

	Encoders      EncoderFactory // Defaults to DefaultEncoders
	LoggerFactory logging.LoggerFactory
}

// DefaultLiveAudioConfig returns an Opus configuration at 64 kbps.
func DefaultLiveAudioConfig() LiveAudioConfig {
	return LiveAudioConfig{
		BitrateBps: 64000,
		MTU:        DefaultMTU,
		TrackID:    "audio",
		StreamID:   "ffrtc",
	}
}

// opusFrameMs is the Opus frame duration fed to the encoder.
const opusFrameMs = 10

// LiveAudioSource encodes raw blocks to Opus and writes them as RTP to its
// track. Rates Opus cannot take are resampled to 48 kHz.
type LiveAudioSource struct {
	config     LiveAudioConfig
	track      *LocalTrack
	packetizer *Packetizer
	log        logging.LeveledLogger

	mu        sync.Mutex
	encoder   AudioEncoder
	srcRate   int
	encRate   int
	channels  int
	resampler *linearResampler
	pending   []int16
	frameBuf  []byte
	closed    bool

	blocks  atomic.Uint64
	packets atomic.Uint64
	bytes   atomic.Uint64
}

// NewLiveAudioSource creates an audio sink bound to a new LocalTrack.
func NewLiveAudioSource(config LiveAudioConfig) (*LiveAudioSource, error) {
	def := DefaultLiveAudioConfig()
	if config.BitrateBps <= 0 {
		config.BitrateBps = def.BitrateBps
	}
	if config.TrackID == "" {
		config.TrackID = def.TrackID
	}
	if config.StreamID == "" {
		config.StreamID = def.StreamID
	}
	if config.Encoders == nil {
		config.Encoders = DefaultEncoders
	}
	if config.LoggerFactory == nil {
		config.LoggerFactory = logging.NewDefaultLoggerFactory()
	}

	packetizer, err := NewAudioPacketizer(AudioCodecOpus, config.MTU)
	if err != nil {
		return nil, err
	}

	return &LiveAudioSource{
		config:     config,
		track:      NewLocalTrack(AudioCodecOpus.Capability(), config.TrackID, config.StreamID),
		packetizer: packetizer,
		log:        config.LoggerFactory.NewLogger("ffrtc-audio"),
	}, nil
}

// Track returns the track carrying the encoded audio.
func (s *LiveAudioSource) Track() *LocalTrack {
	return s.track
}

func (s *LiveAudioSource) open(samples *AudioSamples) error {
	rate := samples.SampleRate
	if !isOpusRate(rate) {
		s.resampler = newLinearResampler(rate, 48000, samples.Channels)
		s.log.Infof("resampling %d Hz to 48000 Hz", rate)
		rate = 48000
	}

	cfg := DefaultAudioEncoderConfig(AudioCodecOpus)
	cfg.SampleRate = rate
	cfg.Channels = samples.Channels
	cfg.BitrateBps = s.config.BitrateBps
	enc, err := s.config.Encoders.NewAudioEncoder(cfg)
	if err != nil {
		return fmt.Errorf("create opus encoder: %w", err)
	}
	s.encoder = enc
	s.srcRate = samples.SampleRate
	s.encRate = rate
	s.channels = samples.Channels
	s.log.Infof("opus encoder %d Hz, %d channels @ %d bps", rate, samples.Channels, cfg.BitrateBps)
	return nil
}

// WriteAudioSamples implements AudioSink.
func (s *LiveAudioSource) WriteAudioSamples(samples *AudioSamples) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if samples.BitsPerSample != 0 && samples.BitsPerSample != 16 {
		return fmt.Errorf("unsupported sample width %d bits", samples.BitsPerSample)
	}
	if s.encoder == nil {
		if err := s.open(samples); err != nil {
			return err
		}
	}
	if samples.SampleRate != s.srcRate || samples.Channels != s.channels {
		return fmt.Errorf("audio format changed to %d Hz/%d ch", samples.SampleRate, samples.Channels)
	}
	s.blocks.Add(1)

	in := samples.Samples()
	if s.resampler != nil {
		s.pending = s.resampler.Process(s.pending, in)
	} else {
		s.pending = append(s.pending, in...)
	}

	frame := s.encRate * opusFrameMs / 1000 * s.channels
	for len(s.pending) >= frame {
		if err := s.encodeFrame(s.pending[:frame]); err != nil {
			return err
		}
		n := copy(s.pending, s.pending[frame:])
		s.pending = s.pending[:n]
	}
	return nil
}

func (s *LiveAudioSource) encodeFrame(pcm []int16) error {
	if cap(s.frameBuf) < len(pcm)*2 {
		s.frameBuf = make([]byte, len(pcm)*2)
	}
	buf := s.frameBuf[:len(pcm)*2]
	for i, v := range pcm {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}

	encoded, err := s.encoder.Encode(&AudioSamples{
		Data:          buf,
		SampleRate:    s.encRate,
		Channels:      s.channels,
		BitsPerSample: 16,
		SampleCount:   len(pcm) / s.channels,
	})
	if err != nil {
		return fmt.Errorf("encode audio: %w", err)
	}
	if encoded == nil || len(encoded.Data) == 0 {
		return nil
	}

	duration := encoded.Duration
	if duration == 0 {
		duration = uint32(48000 * opusFrameMs / 1000)
	}
	for _, pkt := range s.packetizer.Packetize(encoded.Data, duration) {
		if err := s.track.WriteRTP(pkt); err != nil {
			return fmt.Errorf("write audio rtp: %w", err)
		}
		s.packets.Add(1)
	}
	s.bytes.Add(uint64(len(encoded.Data)))
	return nil
}

// Stats returns the number of raw blocks received, RTP packets written and
// encoded bytes.
func (s *LiveAudioSource) Stats() (blocks, packets, bytes uint64) {
	return s.blocks.Load(), s.packets.Load(), s.bytes.Load()
}

// Close releases the encoder. Later writes fail with ErrClosed.
func (s *LiveAudioSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.encoder != nil {
		return s.encoder.Close()
	}
	return nil
}

// isOpusRate reports whether libopus accepts rate as input.
func isOpusRate(rate int) bool {
	switch rate {
	case 8000, 12000, 16000, 24000, 48000:
		return true
	default:
		return false
	}
}
