package ffrtc

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

// PeerConnection is the subset of *webrtc.PeerConnection a Session drives.
type PeerConnection interface {
	AddTransceiverFromTrack(track webrtc.TrackLocal, init ...webrtc.RTPTransceiverInit) (*webrtc.RTPTransceiver, error)
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	OnICEConnectionStateChange(f func(webrtc.ICEConnectionState))
	Close() error
}

var _ PeerConnection = (*webrtc.PeerConnection)(nil)

// PeerConnectionFactory creates the peer connection for each session.
type PeerConnectionFactory interface {
	NewPeerConnection(config webrtc.Configuration) (PeerConnection, error)
}

// PeerConnectionFactoryFunc adapts a function to PeerConnectionFactory.
type PeerConnectionFactoryFunc func(config webrtc.Configuration) (PeerConnection, error)

// NewPeerConnection implements PeerConnectionFactory.
func (f PeerConnectionFactoryFunc) NewPeerConnection(config webrtc.Configuration) (PeerConnection, error) {
	return f(config)
}

// APIConfig configures the pion API behind NewPeerConnectionFactory.
type APIConfig struct {
	LoggerFactory logging.LoggerFactory

	// SettingEngine, when set, adjusts the setting engine before the API
	// is built (port ranges, NAT 1:1 IPs, network types).
	SettingEngine func(*webrtc.SettingEngine)
}

type pionFactory struct {
	api *webrtc.API
}

// NewPeerConnectionFactory builds a pion API with the default codecs and
// interceptors (NACK, RTCP reports, TWCC).
func NewPeerConnectionFactory(config APIConfig) (PeerConnectionFactory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	if config.LoggerFactory != nil {
		se.LoggerFactory = config.LoggerFactory
	}
	if config.SettingEngine != nil {
		config.SettingEngine(&se)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)
	return &pionFactory{api: api}, nil
}

func (f *pionFactory) NewPeerConnection(config webrtc.Configuration) (PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(config)
	if err != nil {
		return nil, err
	}
	return pc, nil
}
