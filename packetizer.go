package ffrtc

import (
	"fmt"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
)

// DefaultMTU is the RTP packet size budget, header included.
const DefaultMTU = 1200

// Packetizer splits encoded frames into RTP packets with pion's payloaders.
// SSRC and payload type are placeholders; LocalTrack rewrites both for each
// bound peer connection.
type Packetizer struct {
	mu         sync.Mutex
	packetizer rtp.Packetizer
	clockRate  uint32
	mime       string
}

// NewVideoPacketizer creates a packetizer for a video codec.
func NewVideoPacketizer(codec VideoCodec, mtu int) (*Packetizer, error) {
	var payloader rtp.Payloader
	switch codec {
	case VideoCodecVP8:
		payloader = &codecs.VP8Payloader{EnablePictureID: true}
	case VideoCodecVP9:
		payloader = &codecs.VP9Payloader{}
	default:
		return nil, fmt.Errorf("%w: no payloader for %s", ErrCodecNotSupported, codec)
	}
	return newPacketizer(payloader, codec.DefaultPayloadType(), codec.ClockRate(), codec.MimeType(), mtu), nil
}

// NewAudioPacketizer creates a packetizer for an audio codec.
func NewAudioPacketizer(codec AudioCodec, mtu int) (*Packetizer, error) {
	if codec != AudioCodecOpus {
		return nil, fmt.Errorf("%w: no payloader for %s", ErrCodecNotSupported, codec)
	}
	return newPacketizer(&codecs.OpusPayloader{}, codec.DefaultPayloadType(), codec.ClockRate(), codec.MimeType(), mtu), nil
}

func newPacketizer(payloader rtp.Payloader, pt uint8, clockRate uint32, mime string, mtu int) *Packetizer {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	return &Packetizer{
		packetizer: rtp.NewPacketizer(uint16(mtu), pt, 0, payloader, rtp.NewRandomSequencer(), clockRate),
		clockRate:  clockRate,
		mime:       mime,
	}
}

// Packetize converts one encoded frame into RTP packets. samples is the
// frame duration in clock-rate units and advances the RTP timestamp after
// the frame. The last packet of a frame carries the marker bit.
func (p *Packetizer) Packetize(payload []byte, samples uint32) []*rtp.Packet {
	if len(payload) == 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.packetizer.Packetize(payload, samples)
}

// Advance moves the RTP timestamp forward without emitting packets.
func (p *Packetizer) Advance(samples uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.packetizer.SkipSamples(samples)
}

// ClockRate returns the RTP clock rate.
func (p *Packetizer) ClockRate() uint32 {
	return p.clockRate
}

// MimeType returns the MIME type of the payload format.
func (p *Packetizer) MimeType() string {
	return p.mime
}
