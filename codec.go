package ffrtc

import "github.com/pion/webrtc/v4"

// VideoCodec identifies the video codec type.
type VideoCodec int

const (
	VideoCodecUnknown VideoCodec = iota
	VideoCodecVP8
	VideoCodecVP9
)

func (c VideoCodec) String() string {
	switch c {
	case VideoCodecVP8:
		return "VP8"
	case VideoCodecVP9:
		return "VP9"
	default:
		return "Unknown"
	}
}

// MimeType returns the MIME type for this codec.
func (c VideoCodec) MimeType() string {
	switch c {
	case VideoCodecVP8:
		return webrtc.MimeTypeVP8
	case VideoCodecVP9:
		return webrtc.MimeTypeVP9
	default:
		return ""
	}
}

// ClockRate returns the RTP clock rate for this codec.
func (c VideoCodec) ClockRate() uint32 {
	return 90000
}

// DefaultPayloadType returns a typical payload type for this codec.
// The bound payload type comes from negotiation.
func (c VideoCodec) DefaultPayloadType() uint8 {
	switch c {
	case VideoCodecVP9:
		return 98
	default:
		return 96
	}
}

// Capability returns the codec capability advertised for a track.
func (c VideoCodec) Capability() webrtc.RTPCodecCapability {
	capability := webrtc.RTPCodecCapability{
		MimeType:  c.MimeType(),
		ClockRate: c.ClockRate(),
		RTCPFeedback: []webrtc.RTCPFeedback{
			{Type: "goog-remb"},
			{Type: "ccm", Parameter: "fir"},
			{Type: "nack"},
			{Type: "nack", Parameter: "pli"},
		},
	}
	if c == VideoCodecVP9 {
		capability.SDPFmtpLine = "profile-id=0"
	}
	return capability
}

// ParseVideoCodec maps a codec name ("vp8", "VP9") to a VideoCodec.
func ParseVideoCodec(name string) (VideoCodec, bool) {
	switch name {
	case "vp8", "VP8":
		return VideoCodecVP8, true
	case "vp9", "VP9":
		return VideoCodecVP9, true
	default:
		return VideoCodecUnknown, false
	}
}

// AudioCodec identifies the audio codec type.
type AudioCodec int

const (
	AudioCodecUnknown AudioCodec = iota
	AudioCodecOpus
)

func (c AudioCodec) String() string {
	switch c {
	case AudioCodecOpus:
		return "Opus"
	default:
		return "Unknown"
	}
}

// MimeType returns the MIME type for this codec.
func (c AudioCodec) MimeType() string {
	switch c {
	case AudioCodecOpus:
		return webrtc.MimeTypeOpus
	default:
		return ""
	}
}

// ClockRate returns the RTP clock rate for this codec.
func (c AudioCodec) ClockRate() uint32 {
	return 48000
}

// DefaultPayloadType returns a typical payload type for this codec.
func (c AudioCodec) DefaultPayloadType() uint8 {
	return 111
}

// Capability returns the codec capability advertised for a track.
func (c AudioCodec) Capability() webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{
		MimeType:    c.MimeType(),
		ClockRate:   c.ClockRate(),
		Channels:    2,
		SDPFmtpLine: "minptime=10;useinbandfec=1",
	}
}

// OpusApplication selects the Opus encoder tuning.
type OpusApplication int

const (
	OpusApplicationVOIP     OpusApplication = 2048
	OpusApplicationAudio    OpusApplication = 2049
	OpusApplicationLowDelay OpusApplication = 2051
)

func (a OpusApplication) String() string {
	switch a {
	case OpusApplicationVOIP:
		return "voip"
	case OpusApplicationAudio:
		return "audio"
	case OpusApplicationLowDelay:
		return "lowdelay"
	default:
		return "unknown"
	}
}
