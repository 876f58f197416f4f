package ffrtc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
	"golang.org/x/sync/errgroup"
)

// DefaultDiscoveryTimeout bounds the wait for stream parameters.
const DefaultDiscoveryTimeout = 15 * time.Second

// SourceConfig configures an AVSource.
type SourceConfig struct {
	URL string // RTSP URL handed to the transcoder

	// ListenHost is the loopback address the media listeners bind to.
	ListenHost string

	Transcoder TranscoderConfig
	Launcher   Launcher // Defaults to an ExecLauncher for Transcoder.Path

	// DiscoveryTimeout bounds parameter discovery. Zero uses
	// DefaultDiscoveryTimeout; a negative value waits indefinitely.
	DiscoveryTimeout time.Duration

	// VideoSink and AudioSink receive the demuxed frames. When nil, a
	// LiveVideoSource and LiveAudioSource are created from Video and Audio.
	VideoSink VideoSink
	AudioSink AudioSink
	Video     LiveVideoConfig
	Audio     LiveAudioConfig

	LoggerFactory logging.LoggerFactory
	Metrics       *Metrics
}

// SourceStats reports ingestion counters.
type SourceStats struct {
	VideoFrames uint64
	AudioFrames uint64
	VideoBytes  uint64
	AudioBytes  uint64
}

// AVSource runs one transcoder and feeds its raw video and audio into the
// configured sinks.
type AVSource struct {
	config    SourceConfig
	log       logging.LeveledLogger
	discovery *Discovery
	proc      Process
	started   time.Time

	video     VideoSink
	audio     AudioSink
	ownsSinks bool

	videoLn net.Listener
	audioLn net.Listener

	cancel  context.CancelFunc
	closing atomic.Bool
	done    chan struct{}
	err     error

	killOnce  sync.Once
	killErr   error
	closeOnce sync.Once
	closeErr  error

	videoFrames atomic.Uint64
	audioFrames atomic.Uint64
	videoBytes  atomic.Uint64
	audioBytes  atomic.Uint64
}

// OpenAVSource opens the media listeners, launches the transcoder and
// starts ingestion. It returns once the process is running; discovery and
// demuxing continue in the background until Done is closed.
func OpenAVSource(ctx context.Context, config SourceConfig) (*AVSource, error) {
	if config.URL == "" {
		return nil, errors.New("source url is required")
	}
	if config.ListenHost == "" {
		config.ListenHost = "127.0.0.1"
	}
	if config.DiscoveryTimeout == 0 {
		config.DiscoveryTimeout = DefaultDiscoveryTimeout
	}
	if config.LoggerFactory == nil {
		config.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	config.Transcoder = config.Transcoder.withDefaults()
	if config.Launcher == nil {
		config.Launcher = &ExecLauncher{Path: config.Transcoder.Path, LoggerFactory: config.LoggerFactory}
	}

	s := &AVSource{
		config:    config,
		log:       config.LoggerFactory.NewLogger("ffrtc-source"),
		discovery: NewDiscovery(),
		video:     config.VideoSink,
		audio:     config.AudioSink,
		done:      make(chan struct{}),
	}

	if err := s.openSinks(); err != nil {
		return nil, err
	}

	var err error
	if s.videoLn, err = listen(config.ListenHost); err != nil {
		s.closeSinks()
		return nil, fmt.Errorf("listen video: %w", err)
	}
	if s.audioLn, err = listen(config.ListenHost); err != nil {
		s.videoLn.Close()
		s.closeSinks()
		return nil, fmt.Errorf("listen audio: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	args := config.Transcoder.Args(config.URL, s.audioLn.Addr().String(), s.videoLn.Addr().String())
	s.started = time.Now()
	proc, err := config.Launcher.Launch(runCtx, args, s.onDiagnostic)
	if err != nil {
		cancel()
		s.videoLn.Close()
		s.audioLn.Close()
		s.closeSinks()
		s.log.Errorf("transcoder error: %v", err)
		return nil, fmt.Errorf("launch transcoder: %w", err)
	}
	s.proc = proc
	config.Metrics.transcoderStarted()
	s.log.Infof("transcoding %s (pid %d), video on %s, audio on %s",
		config.URL, proc.Pid(), s.videoLn.Addr(), s.audioLn.Addr())

	// The caller's context bounds the source's lifetime.
	stop := context.AfterFunc(ctx, func() { s.Close() })

	go func() {
		defer stop()
		s.run(runCtx)
	}()
	return s, nil
}

func listen(host string) (net.Listener, error) {
	return net.Listen("tcp", net.JoinHostPort(host, "0"))
}

func (s *AVSource) openSinks() error {
	if s.video != nil && s.audio != nil {
		return nil
	}
	s.ownsSinks = true
	if s.video == nil {
		vc := s.config.Video
		if vc.LoggerFactory == nil {
			vc.LoggerFactory = s.config.LoggerFactory
		}
		v, err := NewLiveVideoSource(vc)
		if err != nil {
			return err
		}
		s.video = v
	}
	if s.audio == nil {
		ac := s.config.Audio
		if ac.LoggerFactory == nil {
			ac.LoggerFactory = s.config.LoggerFactory
		}
		a, err := NewLiveAudioSource(ac)
		if err != nil {
			s.closeSinks()
			return err
		}
		s.audio = a
	}
	return nil
}

func (s *AVSource) closeSinks() error {
	if !s.ownsSinks {
		return nil
	}
	var result *multierror.Error
	if v, ok := s.video.(*LiveVideoSource); ok {
		if err := v.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close video sink: %w", err))
		}
	}
	if a, ok := s.audio.(*LiveAudioSource); ok {
		if err := a.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close audio sink: %w", err))
		}
	}
	return result.ErrorOrNil()
}

func (s *AVSource) onDiagnostic(src DiagnosticSource, line string, eof bool) {
	if eof {
		s.discovery.CloseSource(src)
		return
	}
	s.discovery.Feed(src, line)
}

func (s *AVSource) run(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)

	var media sync.WaitGroup
	media.Add(2)
	mediaDone := make(chan struct{})
	go func() {
		media.Wait()
		close(mediaDone)
	}()

	g.Go(s.discover(gctx))
	g.Go(func() error {
		defer media.Done()
		return s.pump(gctx, "video", s.videoLn, s.videoFrameSize, s.handleVideo)
	})
	g.Go(func() error {
		defer media.Done()
		return s.pump(gctx, "audio", s.audioLn, s.audioFrameSize, s.handleAudio)
	})
	g.Go(func() error {
		return s.watch(gctx, mediaDone)
	})

	err := g.Wait()
	s.kill()
	s.videoLn.Close()
	s.audioLn.Close()

	reason := "exited"
	switch {
	case s.closing.Load():
		err = nil
		reason = "closed"
	case errors.Is(err, ErrSinkPushFailed):
		reason = "sink_failed"
	case errors.Is(err, ErrParameterDiscoveryFailed):
		reason = "discovery_failed"
	}
	s.config.Metrics.transcoderExited(reason)

	if err != nil {
		s.log.Errorf("source failed: %v", err)
	} else {
		s.log.Infof("source stopped")
	}
	s.err = err
	close(s.done)
}

// kill stops the transcoder. Only the first call reaches the process.
func (s *AVSource) kill() error {
	s.killOnce.Do(func() {
		s.killErr = s.proc.Kill()
	})
	return s.killErr
}

func (s *AVSource) discover(ctx context.Context) func() error {
	return func() error {
		wait := ctx
		if t := s.config.DiscoveryTimeout; t > 0 {
			var cancel context.CancelFunc
			wait, cancel = context.WithTimeout(ctx, t)
			defer cancel()
		}

		params, err := s.discovery.Parameters(wait)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				err = fmt.Errorf("%w: %w after %s", ErrParameterDiscoveryFailed, ErrTimeout, s.config.DiscoveryTimeout)
				s.discovery.Fail(ErrTimeout)
			}
			return err
		}

		elapsed := time.Since(s.started)
		s.config.Metrics.discovered(elapsed)
		s.log.Infof("discovered video %s (%d bytes/frame), audio %s (%d bytes/frame) in %s",
			params.Video, params.Video.FrameSize(), params.Audio, params.Audio.FrameSize(), elapsed)
		return nil
	}
}

func (s *AVSource) videoFrameSize(ctx context.Context) (int, error) {
	p, err := s.discovery.Video(ctx)
	if err != nil {
		return 0, err
	}
	return p.FrameSize(), nil
}

func (s *AVSource) audioFrameSize(ctx context.Context) (int, error) {
	p, err := s.discovery.Audio(ctx)
	if err != nil {
		return 0, err
	}
	if p.FrameSize() <= 0 {
		return 0, fmt.Errorf("%w: unusable audio format %s", ErrParameterDiscoveryFailed, p)
	}
	return p.FrameSize(), nil
}

// pump accepts the single connection on ln and demuxes it until EOF.
func (s *AVSource) pump(ctx context.Context, kind string, ln net.Listener, size FrameSizeFunc, handler func(context.Context) FrameHandler) error {
	conn, err := acceptOne(ctx, ln)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: accept %s: %w", ErrTransportClosed, kind, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	s.log.Debugf("%s connected from %s", kind, conn.RemoteAddr())

	d, err := Demux(ctx, conn, size, handler(ctx))
	if err != nil {
		if errors.Is(err, ErrFrameAlignment) {
			s.log.Warnf("%s stream ended after %d frames: %v", kind, d.Frames(), err)
			return nil
		}
		if errors.Is(err, ErrSinkPushFailed) {
			s.kill()
		}
		if ctx.Err() != nil && !errors.Is(err, ErrSinkPushFailed) {
			return ctx.Err()
		}
		return fmt.Errorf("%s: %w", kind, err)
	}
	s.log.Infof("%s stream ended after %d frames", kind, d.Frames())
	return nil
}

// acceptOne accepts exactly one connection and closes the listener.
func acceptOne(ctx context.Context, ln net.Listener) (net.Conn, error) {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	conn, err := ln.Accept()
	ln.Close()
	return conn, err
}

func (s *AVSource) handleVideo(ctx context.Context) FrameHandler {
	var params VideoParams
	return func(frame []byte) error {
		if params.Width == 0 {
			p, err := s.discovery.Video(ctx)
			if err != nil {
				return err
			}
			params = p
		}
		vf, err := NewI420Frame(frame, params.Width, params.Height)
		if err != nil {
			return err
		}
		vf.Timestamp = time.Now().UnixNano()
		if err := s.video.WriteVideoFrame(vf); err != nil {
			return err
		}
		s.videoFrames.Add(1)
		s.videoBytes.Add(uint64(len(frame)))
		s.config.Metrics.frame("video", len(frame))
		return nil
	}
}

func (s *AVSource) handleAudio(ctx context.Context) FrameHandler {
	var params AudioParams
	return func(frame []byte) error {
		if params.SampleRate == 0 {
			p, err := s.discovery.Audio(ctx)
			if err != nil {
				return err
			}
			params = p
		}
		samples, err := NewS16Samples(frame, params.SampleRate, params.Channels)
		if err != nil {
			return err
		}
		samples.Timestamp = time.Now().UnixNano()
		if err := s.audio.WriteAudioSamples(samples); err != nil {
			return err
		}
		s.audioFrames.Add(1)
		s.audioBytes.Add(uint64(len(frame)))
		s.config.Metrics.frame("audio", len(frame))
		return nil
	}
}

// watch turns a transcoder exit into the source's result.
func (s *AVSource) watch(ctx context.Context, mediaDone <-chan struct{}) error {
	select {
	case <-s.proc.Done():
	case <-ctx.Done():
		return nil
	}
	if s.closing.Load() {
		return nil
	}

	exitErr := s.proc.Err()
	status := "status 0"
	if exitErr != nil {
		status = exitErr.Error()
	}

	if !s.discovery.Resolved() {
		cause := fmt.Errorf("transcoder exited (%s)", status)
		s.discovery.Fail(cause)
		return fmt.Errorf("%w: %w", ErrParameterDiscoveryFailed, cause)
	}

	// Let both streams drain to EOF before reporting.
	s.videoLn.Close()
	s.audioLn.Close()
	select {
	case <-mediaDone:
	case <-ctx.Done():
		return nil
	}
	return fmt.Errorf("%w: transcoder exited (%s)", ErrTransportClosed, status)
}

// VideoSink returns the sink receiving video frames.
func (s *AVSource) VideoSink() VideoSink { return s.video }

// AudioSink returns the sink receiving audio blocks.
func (s *AVSource) AudioSink() AudioSink { return s.audio }

// Process returns the transcoder process.
func (s *AVSource) Process() Process { return s.proc }

// Discovery returns the parameter discovery fed by the transcoder.
func (s *AVSource) Discovery() *Discovery { return s.discovery }

// Parameters waits for the discovered stream parameters.
func (s *AVSource) Parameters(ctx context.Context) (MediaParameters, error) {
	return s.discovery.Parameters(ctx)
}

// Tracks returns the outgoing tracks of sinks that carry one.
func (s *AVSource) Tracks() []webrtc.TrackLocal {
	type tracked interface{ Track() *LocalTrack }

	var tracks []webrtc.TrackLocal
	if t, ok := s.video.(tracked); ok {
		tracks = append(tracks, t.Track())
	}
	if t, ok := s.audio.(tracked); ok {
		tracks = append(tracks, t.Track())
	}
	return tracks
}

// RequestKeyframe forwards a keyframe request to the video sink.
func (s *AVSource) RequestKeyframe() {
	if k, ok := s.video.(interface{ RequestKeyframe() }); ok {
		k.RequestKeyframe()
	}
}

// Stats returns ingestion counters.
func (s *AVSource) Stats() SourceStats {
	return SourceStats{
		VideoFrames: s.videoFrames.Load(),
		AudioFrames: s.audioFrames.Load(),
		VideoBytes:  s.videoBytes.Load(),
		AudioBytes:  s.audioBytes.Load(),
	}
}

// Done is closed once ingestion has stopped and the transcoder is killed.
func (s *AVSource) Done() <-chan struct{} { return s.done }

// Err returns why ingestion stopped, once Done is closed. It is nil after
// Close.
func (s *AVSource) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Close kills the transcoder, closes the sockets and releases the sinks it
// created. It is safe to call more than once.
func (s *AVSource) Close() error {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		s.cancel()

		var result *multierror.Error
		if err := s.kill(); err != nil {
			result = multierror.Append(result, fmt.Errorf("kill transcoder: %w", err))
		}
		<-s.done
		if err := s.closeSinks(); err != nil {
			result = multierror.Append(result, err)
		}
		s.closeErr = result.ErrorOrNil()
	})
	return s.closeErr
}
