package ffrtc

import (
	"io"
	"sync"
	"testing"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	mu      sync.Mutex
	headers []rtp.Header
	err     error
}

func (w *recordingWriter) WriteRTP(header *rtp.Header, payload []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return 0, w.err
	}
	w.headers = append(w.headers, *header)
	return len(payload), nil
}

func (w *recordingWriter) Write(b []byte) (int, error) {
	var p rtp.Packet
	if err := p.Unmarshal(b); err != nil {
		return 0, err
	}
	return w.WriteRTP(&p.Header, p.Payload)
}

func (w *recordingWriter) written() []rtp.Header {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]rtp.Header(nil), w.headers...)
}

// fakeTrackContext stands in for the context pion passes to Bind.
type fakeTrackContext struct {
	webrtc.TrackLocalContext

	id     string
	ssrc   webrtc.SSRC
	codecs []webrtc.RTPCodecParameters
	writer webrtc.TrackLocalWriter
}

func (c *fakeTrackContext) ID() string                                   { return c.id }
func (c *fakeTrackContext) SSRC() webrtc.SSRC                            { return c.ssrc }
func (c *fakeTrackContext) CodecParameters() []webrtc.RTPCodecParameters { return c.codecs }
func (c *fakeTrackContext) WriteStream() webrtc.TrackLocalWriter         { return c.writer }

func vp8Parameters(pt webrtc.PayloadType) []webrtc.RTPCodecParameters {
	return []webrtc.RTPCodecParameters{
		{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: "video/vp8", ClockRate: 90000}, PayloadType: pt},
	}
}

func TestLocalTrack_Identity(t *testing.T) {
	video := NewLocalTrack(VideoCodecVP8.Capability(), "video", "ffrtc")
	assert.Equal(t, "video", video.ID())
	assert.Equal(t, "ffrtc", video.StreamID())
	assert.Equal(t, "", video.RID())
	assert.Equal(t, webrtc.RTPCodecTypeVideo, video.Kind())
	assert.Equal(t, webrtc.MimeTypeVP8, video.Codec().MimeType)

	audio := NewLocalTrack(AudioCodecOpus.Capability(), "audio", "ffrtc")
	assert.Equal(t, webrtc.RTPCodecTypeAudio, audio.Kind())
}

func TestLocalTrack_FansOutPerBinding(t *testing.T) {
	track := NewLocalTrack(VideoCodecVP8.Capability(), "video", "ffrtc")
	binds := 0
	track.OnBind(func() { binds++ })

	w1, w2 := &recordingWriter{}, &recordingWriter{}
	c1 := &fakeTrackContext{id: "a", ssrc: 1111, codecs: vp8Parameters(96), writer: w1}
	c2 := &fakeTrackContext{id: "b", ssrc: 2222, codecs: vp8Parameters(120), writer: w2}

	codec, err := track.Bind(c1)
	require.NoError(t, err)
	assert.Equal(t, webrtc.PayloadType(96), codec.PayloadType)
	_, err = track.Bind(c2)
	require.NoError(t, err)
	assert.Equal(t, 2, binds)
	assert.Equal(t, 2, track.Bindings())

	for seq := uint16(1); seq <= 3; seq++ {
		require.NoError(t, track.WriteRTP(&rtp.Packet{
			Header:  rtp.Header{Version: 2, SequenceNumber: seq, PayloadType: 1, SSRC: 9},
			Payload: []byte{byte(seq)},
		}))
	}

	for _, tc := range []struct {
		w    *recordingWriter
		ssrc uint32
		pt   uint8
	}{{w1, 1111, 96}, {w2, 2222, 120}} {
		got := tc.w.written()
		require.Len(t, got, 3)
		for i, h := range got {
			assert.Equal(t, uint16(i+1), h.SequenceNumber, "write order")
			assert.Equal(t, tc.ssrc, h.SSRC)
			assert.Equal(t, tc.pt, h.PayloadType)
		}
	}

	require.NoError(t, track.Unbind(c1))
	assert.Equal(t, 1, track.Bindings())
	assert.Error(t, track.Unbind(c1))
}

func TestLocalTrack_BindRejectsOtherCodecs(t *testing.T) {
	track := NewLocalTrack(AudioCodecOpus.Capability(), "audio", "ffrtc")
	_, err := track.Bind(&fakeTrackContext{id: "a", codecs: vp8Parameters(96), writer: &recordingWriter{}})
	assert.ErrorIs(t, err, webrtc.ErrUnsupportedCodec)
	assert.Equal(t, 0, track.Bindings())
}

func TestLocalTrack_WriteSkipsClosedBindings(t *testing.T) {
	track := NewLocalTrack(VideoCodecVP8.Capability(), "video", "ffrtc")
	closed := &recordingWriter{err: io.ErrClosedPipe}
	live := &recordingWriter{}
	_, err := track.Bind(&fakeTrackContext{id: "closed", codecs: vp8Parameters(96), writer: closed})
	require.NoError(t, err)
	_, err = track.Bind(&fakeTrackContext{id: "live", codecs: vp8Parameters(96), writer: live})
	require.NoError(t, err)

	pkt := &rtp.Packet{Header: rtp.Header{Version: 2}, Payload: []byte{1}}
	require.NoError(t, track.WriteRTP(pkt))
	assert.Len(t, live.written(), 1)

	closed.err = io.ErrUnexpectedEOF
	assert.ErrorIs(t, track.WriteRTP(pkt), io.ErrUnexpectedEOF)
	assert.Len(t, live.written(), 2)

	raw, err := pkt.Marshal()
	require.NoError(t, err)
	closed.err = nil
	n, err := track.Write(raw)
	require.NoError(t, err)
	assert.Equal(t, len(raw), n)
	assert.Len(t, closed.written(), 1)
}
