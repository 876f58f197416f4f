package ffrtc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/transport/v3/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelPipe(t *testing.T) {
	a, b := ChannelPipe()
	ctx := context.Background()

	require.NoError(t, a.Send(ctx, OfferMessage("v=0")))
	require.NoError(t, a.Send(ctx, CandidateMessage(nil)))

	m, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, MessageTypeOffer, m.Type)
	m, err = b.Receive(ctx)
	require.NoError(t, err)
	assert.True(t, m.IsEndOfCandidates())

	require.NoError(t, b.Close())
	assert.ErrorIs(t, a.Send(ctx, AnswerMessage("v=0")), ErrTransportClosed)
	_, err = a.Receive(ctx)
	assert.ErrorIs(t, err, ErrTransportClosed)
}

func newWebSocketPair(t *testing.T) (client, server *WebSocketChannel) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	accepted := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepted <- conn
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	client = NewWebSocketChannel(conn, nil)
	server = NewWebSocketChannel(<-accepted, nil)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func TestWebSocketChannel_RoundTrip(t *testing.T) {
	lim := test.TimeOut(10 * time.Second)
	defer lim.Stop()

	client, server := newWebSocketPair(t)
	ctx := context.Background()

	sent := []Message{
		OfferMessage("v=0\r\n"),
		CandidateMessage(&testCandidateA),
		CandidateMessage(nil),
	}
	for _, m := range sent {
		require.NoError(t, server.Send(ctx, m))
	}
	for _, want := range sent {
		got, err := client.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestWebSocketChannel_DropsUndecodableFrames(t *testing.T) {
	lim := test.TimeOut(10 * time.Second)
	defer lim.Stop()

	client, server := newWebSocketPair(t)

	server.writeMu.Lock()
	require.NoError(t, server.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bye"}`)))
	require.NoError(t, server.conn.WriteMessage(websocket.TextMessage, []byte(`null`)))
	server.writeMu.Unlock()

	m, err := client.Receive(context.Background())
	require.NoError(t, err)
	assert.True(t, m.IsEndOfCandidates())
}

func TestWebSocketChannel_PeerClose(t *testing.T) {
	lim := test.TimeOut(10 * time.Second)
	defer lim.Stop()

	client, server := newWebSocketPair(t)
	require.NoError(t, server.Close())

	_, err := client.Receive(context.Background())
	assert.ErrorIs(t, err, ErrTransportClosed)
	assert.ErrorIs(t, server.Send(context.Background(), AnswerMessage("v=0")), ErrTransportClosed)
}
