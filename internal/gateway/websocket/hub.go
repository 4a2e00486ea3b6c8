// Package websocket is the streaming half of the client transport: clients
// subscribe to workspace chat channels or the global metadata channel and
// receive a full replay followed by live events.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/cmux/cmux/internal/common/logger"
	"github.com/cmux/cmux/internal/events/bus"
	"github.com/cmux/cmux/internal/session"
	"github.com/cmux/cmux/internal/workspace"
	"github.com/cmux/cmux/pkg/chat"
)

// Hub fans bus events out to WebSocket clients by wire channel.
type Hub struct {
	bus      bus.EventBus
	sessions *session.Manager
	store    *workspace.ConfigStore
	logger   *logger.Logger

	mu          sync.RWMutex
	clients     map[*Client]bool
	subscribers map[string]map[*Client]bool

	busSubs []bus.Subscription
}

// NewHub wires the hub to the event bus and the replay sources.
func NewHub(eventBus bus.EventBus, sessions *session.Manager, store *workspace.ConfigStore, log *logger.Logger) *Hub {
	if log == nil {
		log = logger.Default()
	}
	return &Hub{
		bus:         eventBus,
		sessions:    sessions,
		store:       store,
		logger:      log.WithFields(zap.String("component", "ws_hub")),
		clients:     map[*Client]bool{},
		subscribers: map[string]map[*Client]bool{},
	}
}

// Start attaches the hub to the bus subjects it fans out.
func (h *Hub) Start(ctx context.Context) error {
	chatSub, err := h.bus.Subscribe(bus.SubjectWorkspaceChatAll, h.onBusEvent)
	if err != nil {
		return err
	}
	h.busSubs = append(h.busSubs, chatSub)

	metaSub, err := h.bus.Subscribe(bus.SubjectWorkspaceMetadata, h.onBusEvent)
	if err != nil {
		return err
	}
	h.busSubs = append(h.busSubs, metaSub)
	return nil
}

// Stop detaches from the bus and closes every client.
func (h *Hub) Stop() {
	for _, sub := range h.busSubs {
		_ = sub.Unsubscribe()
	}
	h.busSubs = nil

	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.Drop("server shutting down")
	}
}

func (h *Hub) onBusEvent(_ context.Context, ev *bus.Event) error {
	h.route(ev.Channel, ev.Payload)
	return nil
}

// route delivers one payload to every subscriber of the wire channel.
func (h *Hub) route(channel string, payload json.RawMessage) {
	frame, err := json.Marshal(Frame{Channel: channel, Args: []json.RawMessage{payload}})
	if err != nil {
		h.logger.Error("failed to marshal frame", zap.Error(err))
		return
	}

	h.mu.RLock()
	subs := make([]*Client, 0, len(h.subscribers[channel]))
	for c := range h.subscribers[channel] {
		subs = append(subs, c)
	}
	h.mu.RUnlock()

	for _, c := range subs {
		c.deliver(channel, frame)
	}
}

// Register adds a connected client.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
	h.logger.Debug("client registered", zap.String("client_id", c.ID))
}

// Unregister removes the client and all its channel subscriptions.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	for _, channel := range c.channels() {
		if subs, ok := h.subscribers[channel]; ok {
			delete(subs, c)
			if len(subs) == 0 {
				delete(h.subscribers, channel)
			}
		}
	}
	h.mu.Unlock()
	h.logger.Debug("client unregistered", zap.String("client_id", c.ID))
}

// HandleSubscribe processes a subscribe frame: the client is attached to
// the channel, history replays onto its socket, and live events buffered
// during the replay flush afterwards.
func (h *Hub) HandleSubscribe(c *Client, channel, workspaceID string) {
	switch channel {
	case "workspace:chat":
		if workspaceID == "" {
			c.sendErrorFrame("workspaceId is required for workspace:chat")
			return
		}
		wire := bus.BuildChatChannel(workspaceID)
		if !h.attach(c, wire) {
			return
		}
		go h.replayChat(c, wire, workspaceID)

	case "workspace:metadata":
		if !h.attach(c, bus.ChannelWorkspaceMetadata) {
			return
		}
		go h.replayMetadata(c)

	default:
		c.sendErrorFrame("unknown channel: " + channel)
	}
}

// attach registers the subscription in replaying state.
func (h *Hub) attach(c *Client, channel string) bool {
	if !c.beginReplay(channel) {
		c.sendErrorFrame("already subscribed to " + channel)
		return false
	}
	h.mu.Lock()
	if _, ok := h.subscribers[channel]; !ok {
		h.subscribers[channel] = map[*Client]bool{}
	}
	h.subscribers[channel][c] = true
	h.mu.Unlock()
	return true
}

// replayChat streams the committed history, the staged partial, and the
// caught-up sentinel before the channel goes live.
func (h *Hub) replayChat(c *Client, wire, workspaceID string) {
	sess, err := h.sessions.Session(workspaceID)
	if err != nil {
		c.sendErrorFrame("unknown workspace: " + workspaceID)
		c.finishReplay(wire)
		return
	}

	err = sess.ReplayHistory(func(ev *chat.StreamEvent) error {
		return h.writeReplayFrame(c, wire, ev)
	})
	if err != nil {
		h.logger.Warn("history replay failed",
			zap.String("workspace_id", workspaceID),
			zap.Error(err))
	}
	c.finishReplay(wire)
}

// replayMetadata sends the current workspace registry as metadata events.
func (h *Hub) replayMetadata(c *Client) {
	workspaces, err := h.store.GetAllWorkspaceMetadata()
	if err != nil {
		h.logger.Warn("metadata replay failed", zap.Error(err))
		c.finishReplay(bus.ChannelWorkspaceMetadata)
		return
	}
	for i := range workspaces {
		ws := workspaces[i]
		payload := workspace.MetadataEvent{WorkspaceID: ws.ID, Metadata: &ws}
		if err := h.writeReplayFrame(c, bus.ChannelWorkspaceMetadata, payload); err != nil {
			break
		}
	}
	c.finishReplay(bus.ChannelWorkspaceMetadata)
}

func (h *Hub) writeReplayFrame(c *Client, channel string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(Frame{Channel: channel, Args: []json.RawMessage{raw}})
	if err != nil {
		return err
	}
	c.enqueue(frame)
	return nil
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
