package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cmux/cmux/internal/common/logger"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB

	// Outbound queue depth per client; overflow drops the client.
	sendQueueSize = 256

	// Frames buffered per channel while its replay is in progress.
	replayBufferSize = 1024
)

// Frame is one server-to-client message: the channel it belongs to plus the
// payload as a single-element args array.
type Frame struct {
	Channel string            `json:"channel"`
	Args    []json.RawMessage `json:"args"`
}

// ErrorFrame is sent before a slow or misbehaving client is disconnected.
type ErrorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// subscribeRequest is the first (and only) kind of client frame.
type subscribeRequest struct {
	Type        string `json:"type"`
	Channel     string `json:"channel"`
	WorkspaceID string `json:"workspaceId,omitempty"`
}

// subscription tracks one client channel. While a replay runs, live frames
// buffer in pending; they flush once the replay catches up.
type subscription struct {
	replaying bool
	pending   [][]byte
	dropped   bool
}

// Client is a single WebSocket connection.
type Client struct {
	ID     string
	conn   *websocket.Conn
	hub    *Hub
	logger *logger.Logger

	send  chan []byte
	fatal chan []byte

	mu            sync.Mutex
	subscriptions map[string]*subscription
	closed        bool
}

// NewClient wraps an upgraded connection.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:            id,
		conn:          conn,
		hub:           hub,
		send:          make(chan []byte, sendQueueSize),
		fatal:         make(chan []byte, 1),
		subscriptions: map[string]*subscription{},
		logger:        log.WithFields(zap.String("client_id", id)),
	}
}

// ReadPump pumps subscribe frames from the connection until it closes.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", zap.Error(err))
			}
			break
		}

		var req subscribeRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.sendErrorFrame("invalid subscribe frame")
			continue
		}
		if req.Type != "subscribe" {
			c.sendErrorFrame("unsupported frame type: " + req.Type)
			continue
		}
		c.hub.HandleSubscribe(c, req.Channel, req.WorkspaceID)
	}
}

// beginReplay registers the channel in replaying state. Returns false when
// the client was already subscribed.
func (c *Client) beginReplay(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subscriptions[channel]; ok {
		return false
	}
	c.subscriptions[channel] = &subscription{replaying: true}
	return true
}

// finishReplay flushes frames buffered during the replay and switches the
// channel live. A replay-buffer overflow drops the client rather than
// silently losing events.
func (c *Client) finishReplay(channel string) {
	c.mu.Lock()
	sub, ok := c.subscriptions[channel]
	if !ok {
		c.mu.Unlock()
		return
	}
	pending := sub.pending
	dropped := sub.dropped
	sub.pending = nil
	sub.replaying = false
	c.mu.Unlock()

	if dropped {
		c.Drop("subscription buffer overflow during replay")
		return
	}
	for _, frame := range pending {
		c.enqueue(frame)
	}
}

// deliver routes one live frame to the client: buffered during replay,
// queued directly once live.
func (c *Client) deliver(channel string, frame []byte) {
	c.mu.Lock()
	sub, ok := c.subscriptions[channel]
	if !ok {
		c.mu.Unlock()
		return
	}
	if sub.replaying {
		if len(sub.pending) >= replayBufferSize {
			sub.dropped = true
		} else {
			sub.pending = append(sub.pending, frame)
		}
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.enqueue(frame)
}

// enqueue queues a frame for the write pump; overflow drops the client.
func (c *Client) enqueue(frame []byte) {
	select {
	case c.send <- frame:
	default:
		c.Drop("send queue overflow")
	}
}

// Drop sends a final error frame and tears down the connection. Producers
// never block on a slow consumer; the consumer loses its socket instead.
func (c *Client) Drop(reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.logger.Warn("dropping client", zap.String("reason", reason))
	data, err := json.Marshal(ErrorFrame{Type: "error", Error: reason})
	if err == nil {
		select {
		case c.fatal <- data:
		default:
		}
	}
	c.hub.Unregister(c)
}

func (c *Client) sendErrorFrame(message string) {
	data, err := json.Marshal(ErrorFrame{Type: "error", Error: message})
	if err != nil {
		return
	}
	c.enqueue(data)
}

// channels returns the client's subscribed channels.
func (c *Client) channels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subscriptions))
	for ch := range c.subscriptions {
		out = append(out, ch)
	}
	return out
}

// WritePump drains the send queue onto the socket, preferring a pending
// fatal frame so the drop reason reaches the peer before close.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.fatal:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.TextMessage, frame)
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
