package ffrtc

import (
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// Re-export pion's RTPCodecType for convenience
type RTPCodecType = webrtc.RTPCodecType

const (
	RTPCodecTypeAudio = webrtc.RTPCodecTypeAudio
	RTPCodecTypeVideo = webrtc.RTPCodecTypeVideo
)

type trackBinding struct {
	id          string
	ssrc        uint32
	payloadType uint8
	writer      webrtc.TrackLocalWriter
}

// LocalTrack implements pion's webrtc.TrackLocal interface.
// Every packet written is sent to every bound peer connection in write
// order, with the SSRC and payload type each connection negotiated.
type LocalTrack struct {
	id       string
	streamID string
	kind     RTPCodecType
	codec    webrtc.RTPCodecCapability

	bindMu   sync.RWMutex
	bindings []trackBinding
	onBind   func()
}

// NewLocalTrack creates a new LocalTrack that implements webrtc.TrackLocal.
func NewLocalTrack(codec webrtc.RTPCodecCapability, id, streamID string) *LocalTrack {
	kind := RTPCodecTypeVideo
	if strings.HasPrefix(strings.ToLower(codec.MimeType), "audio/") {
		kind = RTPCodecTypeAudio
	}
	return &LocalTrack{
		id:       id,
		streamID: streamID,
		kind:     kind,
		codec:    codec,
	}
}

func (t *LocalTrack) ID() string         { return t.id }
func (t *LocalTrack) StreamID() string   { return t.streamID }
func (t *LocalTrack) RID() string        { return "" }
func (t *LocalTrack) Kind() RTPCodecType { return t.kind }

// Codec returns the codec capability.
func (t *LocalTrack) Codec() webrtc.RTPCodecCapability {
	return t.codec
}

// OnBind sets a callback run after each new binding, e.g. to request a
// keyframe for the new receiver.
func (t *LocalTrack) OnBind(fn func()) {
	t.bindMu.Lock()
	defer t.bindMu.Unlock()
	t.onBind = fn
}

// Bind implements webrtc.TrackLocal.
func (t *LocalTrack) Bind(ctx webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	var codec webrtc.RTPCodecParameters
	found := false
	for _, p := range ctx.CodecParameters() {
		if strings.EqualFold(p.MimeType, t.codec.MimeType) {
			codec = p
			found = true
			break
		}
	}
	if !found {
		return webrtc.RTPCodecParameters{}, webrtc.ErrUnsupportedCodec
	}

	t.bindMu.Lock()
	t.bindings = append(t.bindings, trackBinding{
		id:          ctx.ID(),
		ssrc:        uint32(ctx.SSRC()),
		payloadType: uint8(codec.PayloadType),
		writer:      ctx.WriteStream(),
	})
	fn := t.onBind
	t.bindMu.Unlock()

	if fn != nil {
		fn()
	}
	return codec, nil
}

// Unbind implements webrtc.TrackLocal.
func (t *LocalTrack) Unbind(ctx webrtc.TrackLocalContext) error {
	t.bindMu.Lock()
	defer t.bindMu.Unlock()

	for i, b := range t.bindings {
		if b.id == ctx.ID() {
			t.bindings = append(t.bindings[:i], t.bindings[i+1:]...)
			return nil
		}
	}
	return errors.New("track binding not found")
}

// Bindings returns the number of bound peer connections.
func (t *LocalTrack) Bindings() int {
	t.bindMu.RLock()
	defer t.bindMu.RUnlock()
	return len(t.bindings)
}

// WriteRTP writes an RTP packet to all bound contexts. A binding whose
// transport has closed is skipped.
func (t *LocalTrack) WriteRTP(p *rtp.Packet) error {
	t.bindMu.RLock()
	defer t.bindMu.RUnlock()

	var result *multierror.Error
	for _, b := range t.bindings {
		header := p.Header
		header.SSRC = b.ssrc
		header.PayloadType = b.payloadType
		if _, err := b.writer.WriteRTP(&header, p.Payload); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Write writes raw RTP bytes to all bound contexts.
func (t *LocalTrack) Write(b []byte) (int, error) {
	var p rtp.Packet
	if err := p.Unmarshal(b); err != nil {
		return 0, err
	}
	return len(b), t.WriteRTP(&p)
}

// Verify LocalTrack implements webrtc.TrackLocal
var _ webrtc.TrackLocal = (*LocalTrack)(nil)
