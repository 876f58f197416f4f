package ffrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/looplab/fsm"
	"github.com/pion/logging"
	"github.com/pion/rtcp"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

// SessionState is the signaling state of a Session.
type SessionState string

const (
	SessionCreated      SessionState = "created"
	SessionNegotiating  SessionState = "negotiating"
	SessionConnected    SessionState = "connected"
	SessionDisconnected SessionState = "disconnected"
	SessionFailed       SessionState = "failed"
	SessionClosed       SessionState = "closed"
)

const (
	eventNegotiate  = "negotiate"
	eventConnect    = "connect"
	eventDisconnect = "disconnect"
	eventFail       = "fail"
	eventClose      = "close"
)

// DefaultNegotiationTimeout bounds the wait for the remote answer.
const DefaultNegotiationTimeout = 30 * time.Second

// MediaSource is what a Session sends: its tracks, plus the lifecycle of
// whatever feeds them. *AVSource implements it.
type MediaSource interface {
	Tracks() []webrtc.TrackLocal
	RequestKeyframe()
	Done() <-chan struct{}
	Err() error
	Close() error
}

// SessionConfig configures a Session.
type SessionConfig struct {
	Source  MediaSource
	Channel Channel // Owned by the session once NewSession is called

	// SharedSource keeps Source running when the session fails or closes.
	// By default the session owns Source and closes it exactly once on
	// teardown. Set it only when several sessions feed from one source.
	SharedSource bool

	PeerConnectionFactory PeerConnectionFactory // Defaults to NewPeerConnectionFactory
	Configuration         webrtc.Configuration  // ICE servers and policies

	// NegotiationTimeout bounds the wait for the answer. Zero uses
	// DefaultNegotiationTimeout; a negative value waits indefinitely.
	NegotiationTimeout time.Duration

	// OnStateChange observes every transition, in order, from a dedicated
	// goroutine. It may call Close.
	OnStateChange func(from, to SessionState)

	LoggerFactory logging.LoggerFactory
	Metrics       *Metrics
}

type stateChange struct {
	from, to SessionState
}

// Session is one viewer: a peer connection sending the source's tracks and
// the offer/answer/candidate exchange that sets it up.
type Session struct {
	id     string
	config SessionConfig
	log    logging.LeveledLogger
	pc     PeerConnection

	fsmMu sync.Mutex
	fsm   *fsm.FSM

	handlerMu sync.Mutex
	handler   func(from, to SessionState)
	changes   *messageQueue[stateChange]

	inbound  *messageQueue[Message]
	outbound *messageQueue[Message]

	// Local candidates are held until the offer is queued.
	gateMu    sync.Mutex
	offerSent bool
	held      []Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	errMu sync.Mutex
	err   error

	closing     atomic.Bool
	failOnce    sync.Once
	releaseOnce sync.Once
	releaseErr  error
	closeOnce   sync.Once
	closeErr    error
	done        chan struct{}
}

// NewSession creates the peer connection, sends the offer and waits for
// the answer. Negotiation failures are returned after the session has torn
// down; on success the session keeps relaying candidates in the background
// until it fails or is closed.
func NewSession(ctx context.Context, config SessionConfig) (*Session, error) {
	if config.Source == nil {
		return nil, errors.New("session source is required")
	}
	if config.Channel == nil {
		return nil, errors.New("session channel is required")
	}
	if config.NegotiationTimeout == 0 {
		config.NegotiationTimeout = DefaultNegotiationTimeout
	}
	if config.LoggerFactory == nil {
		config.LoggerFactory = logging.NewDefaultLoggerFactory()
	}

	s := &Session{
		id:       uuid.NewString(),
		config:   config,
		log:      config.LoggerFactory.NewLogger("ffrtc-session"),
		handler:  config.OnStateChange,
		changes:  newMessageQueue[stateChange](),
		inbound:  newMessageQueue[Message](),
		outbound: newMessageQueue[Message](),
		done:     make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.initStateMachine()
	config.Metrics.sessionOpened()
	go s.notifyLoop()

	if err := s.negotiate(ctx); err != nil {
		s.fail(err)
		<-s.done
		return nil, err
	}
	return s, nil
}

func (s *Session) initStateMachine() {
	live := []string{
		string(SessionCreated), string(SessionNegotiating),
		string(SessionConnected), string(SessionDisconnected),
	}
	s.fsm = fsm.NewFSM(
		string(SessionCreated),
		fsm.Events{
			{Name: eventNegotiate, Src: []string{string(SessionCreated)}, Dst: string(SessionNegotiating)},
			{Name: eventConnect, Src: []string{string(SessionNegotiating), string(SessionDisconnected)}, Dst: string(SessionConnected)},
			{Name: eventDisconnect, Src: []string{string(SessionConnected)}, Dst: string(SessionDisconnected)},
			{Name: eventFail, Src: live, Dst: string(SessionFailed)},
			{Name: eventClose, Src: append(live, string(SessionFailed)), Dst: string(SessionClosed)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.log.Infof("session %s: %s -> %s", s.id, e.Src, e.Dst)
			},
		},
	)
}

// event fires a transition. Transitions not allowed from the current
// state are ignored.
func (s *Session) event(name string) bool {
	s.fsmMu.Lock()
	from := SessionState(s.fsm.Current())
	err := s.fsm.Event(context.Background(), name)
	to := SessionState(s.fsm.Current())
	s.fsmMu.Unlock()

	if err != nil {
		s.log.Debugf("session %s: %s ignored in %s", s.id, name, from)
		return false
	}
	s.config.Metrics.transition(from, to)
	s.changes.push(stateChange{from: from, to: to})
	if to == SessionClosed {
		s.changes.close(ErrClosed)
	}
	return true
}

func (s *Session) notifyLoop() {
	for {
		c, err := s.changes.pop(context.Background())
		if err != nil {
			return
		}
		s.handlerMu.Lock()
		fn := s.handler
		s.handlerMu.Unlock()
		if fn != nil {
			fn(c.from, c.to)
		}
	}
}

func (s *Session) negotiate(ctx context.Context) error {
	s.event(eventNegotiate)

	factory := s.config.PeerConnectionFactory
	if factory == nil {
		f, err := NewPeerConnectionFactory(APIConfig{LoggerFactory: s.config.LoggerFactory})
		if err != nil {
			return fmt.Errorf("%w: %w", ErrNegotiationFailed, err)
		}
		factory = f
	}
	pc, err := factory.NewPeerConnection(s.config.Configuration)
	if err != nil {
		return fmt.Errorf("%w: create peer connection: %w", ErrNegotiationFailed, err)
	}
	s.pc = pc

	for _, track := range s.config.Source.Tracks() {
		tr, err := pc.AddTransceiverFromTrack(track, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendonly,
		})
		if err != nil {
			return fmt.Errorf("%w: add %s track: %w", ErrNegotiationFailed, track.Kind(), err)
		}
		if tr != nil && tr.Sender() != nil {
			s.spawn(func() { s.readRTCP(tr.Sender(), track.Kind() == webrtc.RTPCodecTypeVideo) })
		}
	}

	pc.OnICECandidate(s.onLocalCandidate)
	pc.OnConnectionStateChange(s.onConnectionState)
	pc.OnICEConnectionStateChange(s.onICEConnectionState)

	s.spawn(s.receiveLoop)
	s.spawn(s.sendLoop)
	s.spawn(s.watchSource)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("%w: create offer: %w", ErrNegotiationFailed, err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("%w: set local description: %w", ErrNegotiationFailed, err)
	}
	started := time.Now()
	s.sendOffer(offer)

	answer, early, err := s.awaitAnswer(ctx)
	if err != nil {
		return err
	}

	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(answer.SDP)); err != nil {
		return fmt.Errorf("%w: malformed answer: %w", ErrNegotiationFailed, err)
	}
	if len(parsed.MediaDescriptions) == 0 {
		return fmt.Errorf("%w: answer has no media sections", ErrNegotiationFailed)
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}); err != nil {
		return fmt.Errorf("%w: set remote description: %w", ErrNegotiationFailed, err)
	}
	s.config.Metrics.negotiated(time.Since(started))
	s.log.Infof("session %s: answer applied after %s", s.id, time.Since(started))

	for _, m := range early {
		s.applyCandidate(m)
	}
	s.spawn(s.candidateLoop)
	return nil
}

// awaitAnswer waits for the answer. Candidates that arrive first are
// returned for the caller to apply once the remote description is set.
func (s *Session) awaitAnswer(ctx context.Context) (Message, []Message, error) {
	wait, cancel := context.WithCancel(ctx)
	defer cancel()
	if t := s.config.NegotiationTimeout; t > 0 {
		wait, cancel = context.WithTimeout(wait, t)
		defer cancel()
	}
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	var early []Message
	for {
		m, err := s.inbound.pop(wait)
		if err != nil {
			switch {
			case s.ctx.Err() != nil && s.Err() != nil:
				return Message{}, nil, fmt.Errorf("%w: %w", ErrNegotiationFailed, s.Err())
			case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
				return Message{}, nil, fmt.Errorf("%w: %w: no answer within %s", ErrNegotiationFailed, ErrTimeout, s.config.NegotiationTimeout)
			case errors.Is(err, ErrTransportClosed):
				return Message{}, nil, fmt.Errorf("%w: %w", ErrNegotiationFailed, err)
			default:
				return Message{}, nil, fmt.Errorf("%w: waiting for answer: %w", ErrNegotiationFailed, err)
			}
		}

		switch m.Type {
		case MessageTypeAnswer:
			return m, early, nil
		case MessageTypeCandidate:
			early = append(early, m)
		default:
			return Message{}, nil, fmt.Errorf("%w: expected answer, got %s", ErrNegotiationFailed, m.Type)
		}
	}
}

func (s *Session) sendOffer(offer webrtc.SessionDescription) {
	s.gateMu.Lock()
	defer s.gateMu.Unlock()

	s.outbound.push(DescriptionMessage(offer))
	for _, m := range s.held {
		s.outbound.push(m)
	}
	s.held = nil
	s.offerSent = true
}

func (s *Session) onLocalCandidate(c *webrtc.ICECandidate) {
	m := CandidateMessage(nil)
	if c != nil {
		ci := c.ToJSON()
		m = CandidateMessage(&ci)
	}
	s.config.Metrics.candidate("local")

	s.gateMu.Lock()
	defer s.gateMu.Unlock()
	if !s.offerSent {
		s.held = append(s.held, m)
		return
	}
	s.outbound.push(m)
}

func (s *Session) applyCandidate(m Message) {
	if m.Candidate == nil {
		s.log.Debugf("session %s: remote end of candidates", s.id)
		return
	}
	s.config.Metrics.candidate("remote")
	if err := s.pc.AddICECandidate(*m.Candidate); err != nil {
		s.log.Warnf("session %s: add candidate %q: %v", s.id, m.Candidate.Candidate, err)
	}
}

func (s *Session) spawn(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// receiveLoop moves every inbound message into the queue as it arrives.
func (s *Session) receiveLoop() {
	for {
		m, err := s.config.Channel.Receive(s.ctx)
		if err != nil {
			if !errors.Is(err, ErrTransportClosed) && s.ctx.Err() == nil {
				err = fmt.Errorf("%w: %w", ErrTransportClosed, err)
			}
			s.inbound.close(err)
			return
		}
		s.inbound.push(m)
	}
}

func (s *Session) sendLoop() {
	for {
		m, err := s.outbound.pop(s.ctx)
		if err != nil {
			return
		}
		if err := s.config.Channel.Send(s.ctx, m); err != nil {
			if s.ctx.Err() == nil {
				s.fail(fmt.Errorf("%w: send %s: %w", ErrTransportClosed, m.Type, err))
			}
			return
		}
	}
}

func (s *Session) candidateLoop() {
	for {
		m, err := s.inbound.pop(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				s.fail(fmt.Errorf("signaling channel: %w", err))
			}
			return
		}
		switch m.Type {
		case MessageTypeCandidate:
			s.applyCandidate(m)
		default:
			s.log.Warnf("session %s: ignoring %s after negotiation", s.id, m)
		}
	}
}

func (s *Session) watchSource() {
	select {
	case <-s.config.Source.Done():
		err := s.config.Source.Err()
		if err == nil {
			err = errors.New("source stopped")
		}
		s.fail(fmt.Errorf("source: %w", err))
	case <-s.ctx.Done():
	}
}

func (s *Session) readRTCP(sender *webrtc.RTPSender, video bool) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		if !video {
			continue
		}
		for _, p := range pkts {
			switch p.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				s.config.Source.RequestKeyframe()
			}
		}
	}
}

func (s *Session) onConnectionState(state webrtc.PeerConnectionState) {
	s.log.Debugf("session %s: peer connection %s", s.id, state)
	switch state {
	case webrtc.PeerConnectionStateConnected:
		s.event(eventConnect)
	case webrtc.PeerConnectionStateDisconnected:
		s.event(eventDisconnect)
	case webrtc.PeerConnectionStateFailed:
		s.fail(fmt.Errorf("%w: connection state failed", ErrPeerConnectionFailed))
	case webrtc.PeerConnectionStateClosed:
		if !s.closing.Load() {
			s.fail(fmt.Errorf("%w: peer connection closed", ErrPeerConnectionFailed))
		}
	}
}

func (s *Session) onICEConnectionState(state webrtc.ICEConnectionState) {
	s.log.Debugf("session %s: ice %s", s.id, state)
	if state == webrtc.ICEConnectionStateFailed {
		s.fail(fmt.Errorf("%w: ice connection state failed", ErrPeerConnectionFailed))
	}
}

// fail records cause, moves to failed, releases the source and tears the
// session down. Only the first call has an effect.
func (s *Session) fail(cause error) {
	if s.closing.Load() {
		return
	}
	s.failOnce.Do(func() {
		s.errMu.Lock()
		s.err = cause
		s.errMu.Unlock()

		s.log.Errorf("session %s failed: %v", s.id, cause)
		s.event(eventFail)
		s.release()
		go s.teardown()
	})
}

func (s *Session) release() {
	if s.config.SharedSource {
		return
	}
	s.releaseOnce.Do(func() {
		s.releaseErr = s.config.Source.Close()
	})
}

func (s *Session) teardown() {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		s.cancel()

		var result *multierror.Error
		if s.pc != nil {
			if err := s.pc.Close(); err != nil {
				result = multierror.Append(result, fmt.Errorf("close peer connection: %w", err))
			}
		}
		if err := s.config.Channel.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close channel: %w", err))
		}
		s.outbound.close(ErrClosed)
		s.wg.Wait()

		s.release()
		if s.releaseErr != nil {
			result = multierror.Append(result, fmt.Errorf("release source: %w", s.releaseErr))
		}

		s.event(eventClose)
		s.config.Metrics.sessionClosed()
		s.closeErr = result.ErrorOrNil()
		close(s.done)
	})
}

// Close tears the session down and waits for it. It is idempotent and
// returns the aggregated release errors.
func (s *Session) Close() error {
	s.closing.Store(true)
	s.teardown()
	<-s.done
	return s.closeErr
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// State returns the current state.
func (s *Session) State() SessionState {
	s.fsmMu.Lock()
	defer s.fsmMu.Unlock()
	return SessionState(s.fsm.Current())
}

// Err returns the failure cause, or nil if the session has not failed.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Done is closed once the session has reached closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// OnStateChange replaces the state observer.
func (s *Session) OnStateChange(fn func(from, to SessionState)) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.handler = fn
}
