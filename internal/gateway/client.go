package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/driftlab/chatrelay/internal/broadcast"
	"github.com/driftlab/chatrelay/internal/bus"
	"github.com/driftlab/chatrelay/internal/pipeline"
	"github.com/driftlab/chatrelay/pkg/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Client is one WebSocket subscriber. Events are queued on a bounded send
// channel; a client that cannot keep up has events dropped rather than
// stalling the broadcasters.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan protocol.EventFrame

	closeOnce sync.Once
	closed    chan struct{}
}

// NewClient wraps an upgraded connection.
func NewClient(conn *websocket.Conn, buffer int) *Client {
	if buffer <= 0 {
		buffer = 64
	}
	return &Client{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan protocol.EventFrame, buffer),
		closed: make(chan struct{}),
	}
}

// SendEvent queues an event for delivery, dropping it if the client's send
// buffer is full.
func (c *Client) SendEvent(event protocol.EventFrame) {
	select {
	case c.send <- event:
	case <-c.closed:
	default:
		slog.Debug("client.event_dropped", "id", c.id, "event", event.Event)
	}
}

// Close tears the connection down. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

// Run pumps broadcaster events to the connection until ctx is done or the
// peer disconnects. chatKey selects the message stream for one channel; when
// empty only channel-list events are streamed.
func (c *Client) Run(ctx context.Context, msgCast *broadcast.Broadcaster[bus.ChatMessage],
	chanCast *broadcast.Broadcaster[bus.ChannelEvent], chatKey string) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	chanSub := chanCast.Subscribe(ctx, pipeline.TopicChannelList)
	defer chanSub.Close()

	var msgEvents <-chan bus.ChatMessage
	if chatKey != "" {
		msgSub := msgCast.Subscribe(ctx, chatKey)
		defer msgSub.Close()
		msgEvents = msgSub.Events()
	}

	go c.readPump(cancel)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case msg, ok := <-msgEvents:
			if !ok {
				return
			}
			if err := c.write(*protocol.NewEvent(protocol.EventMessage, msg)); err != nil {
				return
			}
		case ev, ok := <-chanSub.Events():
			if !ok {
				return
			}
			if err := c.write(*protocol.NewEvent(protocol.EventChannel, ev)); err != nil {
				return
			}
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(frame protocol.EventFrame) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(frame)
}

// readPump drains and discards client frames so pings/pongs and close frames
// are processed.
func (c *Client) readPump(cancel context.CancelFunc) {
	defer cancel()
	c.conn.SetReadLimit(1 << 16)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
