package ffrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"
)

// Channel is a duplex signaling transport. Messages are delivered in send
// order in each direction.
type Channel interface {
	Send(ctx context.Context, m Message) error
	Receive(ctx context.Context) (Message, error)
	Close() error
}

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsMaxMessage = 1 << 20
)

// WebSocketChannel carries one JSON message per text frame over a gorilla
// websocket connection. A reader goroutine pumps every inbound frame into
// an unbounded queue as soon as it arrives.
type WebSocketChannel struct {
	conn *websocket.Conn
	log  logging.LeveledLogger

	inbound *messageQueue[Message]

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

// NewWebSocketChannel starts reading from conn. The channel owns conn.
func NewWebSocketChannel(conn *websocket.Conn, loggerFactory logging.LoggerFactory) *WebSocketChannel {
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	c := &WebSocketChannel{
		conn:    conn,
		log:     loggerFactory.NewLogger("ffrtc-signal"),
		inbound: newMessageQueue[Message](),
		done:    make(chan struct{}),
	}

	conn.SetReadLimit(wsMaxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	go c.readLoop()
	go c.pingLoop()
	return c
}

func (c *WebSocketChannel) readLoop() {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debugf("websocket closed: %v", err)
			} else {
				select {
				case <-c.done:
				default:
					c.log.Warnf("websocket read: %v", err)
				}
			}
			c.inbound.close(fmt.Errorf("%w: %w", ErrTransportClosed, err))
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))

		m, err := DecodeMessage(data)
		if err != nil {
			c.log.Warnf("dropping signaling frame: %v", err)
			continue
		}
		c.log.Tracef("received %s", m)
		c.inbound.push(m)
	}
}

func (c *WebSocketChannel) pingLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// Send implements Channel.
func (c *WebSocketChannel) Send(ctx context.Context, m Message) error {
	data, err := EncodeMessage(m)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return fmt.Errorf("%w: channel closed", ErrTransportClosed)
	default:
	}

	deadline := time.Now().Add(wsWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %w", ErrTransportClosed, err)
	}
	c.log.Tracef("sent %s", m)
	return nil
}

// Receive implements Channel.
func (c *WebSocketChannel) Receive(ctx context.Context) (Message, error) {
	return c.inbound.pop(ctx)
}

// Close sends a close frame and closes the connection.
func (c *WebSocketChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		werr := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.writeMu.Unlock()

		err = c.conn.Close()
		if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
			c.log.Debugf("close frame: %v", werr)
		}
		c.inbound.close(fmt.Errorf("%w: channel closed", ErrTransportClosed))
	})
	return err
}

// pipeChannel is one end of an in-memory Channel pair.
type pipeChannel struct {
	in   *messageQueue[Message]
	out  *messageQueue[Message]
	once sync.Once
}

// ChannelPipe returns two connected in-memory channels: messages sent on
// one are received on the other, in order. Closing either end closes both
// directions.
func ChannelPipe() (Channel, Channel) {
	ab := newMessageQueue[Message]()
	ba := newMessageQueue[Message]()
	return &pipeChannel{in: ba, out: ab}, &pipeChannel{in: ab, out: ba}
}

func (p *pipeChannel) Send(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !p.out.push(m) {
		return fmt.Errorf("%w: pipe closed", ErrTransportClosed)
	}
	return nil
}

func (p *pipeChannel) Receive(ctx context.Context) (Message, error) {
	return p.in.pop(ctx)
}

func (p *pipeChannel) Close() error {
	p.once.Do(func() {
		err := fmt.Errorf("%w: pipe closed", ErrTransportClosed)
		p.in.close(err)
		p.out.close(err)
	})
	return nil
}
