package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/avrbridge/internal/engine"
	"github.com/nerrad567/avrbridge/internal/infrastructure/config"
	"github.com/nerrad567/avrbridge/internal/infrastructure/logging"
)

// Message types of the websocket protocol.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"
)

// Event channels.
const (
	ChannelPropertyChanged = "property.changed"
	ChannelStatusUpdated   = "status.updated"
	ChannelLineSent        = "line.sent"
	ChannelLineReceived    = "line.received"
)

const outboxSize = 256

var channels = map[string]bool{
	ChannelPropertyChanged: true,
	ChannelStatusUpdated:   true,
	ChannelLineSent:        true,
	ChannelLineReceived:    true,
}

// WSMessage is the envelope for every frame in either direction.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload lists channels for subscribe and unsubscribe.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
}

// LineEvent is the payload of line.sent and line.received.
type LineEvent struct {
	Line string `json:"line"`
}

// StatusEvent is the payload of status.updated.
type StatusEvent struct {
	Values engine.Snapshot `json:"values"`
}

// Hub fans engine events out to websocket subscribers.
type Hub struct {
	cfg    config.WebSocketConfig
	logger *logging.Logger

	mu     sync.RWMutex
	engine *engine.Engine
	subs   map[*subscriber]struct{}
}

// NewHub returns an empty hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{cfg: cfg, logger: logger, subs: make(map[*subscriber]struct{})}
}

// Attach forwards eng's hooks to the matching channels. Broadcast only
// queues, so it is safe to call from engine listeners.
func (h *Hub) Attach(eng *engine.Engine) {
	h.mu.Lock()
	h.engine = eng
	h.mu.Unlock()

	eng.OnChange(func(c engine.Change) { h.Broadcast(ChannelPropertyChanged, c) })
	eng.OnSnapshot(func(s engine.Snapshot) { h.Broadcast(ChannelStatusUpdated, StatusEvent{Values: s}) })
	eng.OnLineSent(func(line string) { h.Broadcast(ChannelLineSent, LineEvent{Line: line}) })
	eng.OnLineReceived(func(line string) { h.Broadcast(ChannelLineReceived, LineEvent{Line: line}) })
}

// Run waits for ctx and then disconnects every subscriber.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[*subscriber]struct{})
	h.mu.Unlock()

	for s := range subs {
		s.shutdown()
	}
}

// Broadcast queues an event for every subscriber of channel. Subscribers
// with a full outbox miss the event.
func (h *Hub) Broadcast(channel string, payload any) {
	frame, err := event(channel, payload)
	if err != nil {
		h.logger.Error("encoding websocket event", "channel", channel, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		if s.wants(channel) {
			s.offer(frame)
		}
	}
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) add(s *subscriber) {
	h.mu.Lock()
	h.subs[s] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", n)
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	delete(h.subs, s)
	n := len(h.subs)
	h.mu.Unlock()
	s.shutdown()
	h.logger.Debug("websocket client disconnected", "clients", n)
}

func (h *Hub) snapshot() engine.Snapshot {
	h.mu.RLock()
	eng := h.engine
	h.mu.RUnlock()
	if eng == nil {
		return nil
	}
	return eng.Snapshot()
}

func event(channel string, payload any) ([]byte, error) {
	return json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	})
}

// Origins are checked by the CORS middleware before the upgrade.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	sub := &subscriber{
		hub:      s.hub,
		conn:     conn,
		outbox:   make(chan []byte, outboxSize),
		closed:   make(chan struct{}),
		channels: make(map[string]bool),
	}
	s.hub.add(sub)

	ping, pong := keepalive(s.wsCfg)
	go sub.writeLoop(ping, pong)
	go sub.readLoop(s.wsCfg.MaxMessageSize, ping+pong)
}

func keepalive(cfg config.WebSocketConfig) (ping, pong time.Duration) {
	ping, pong = 30*time.Second, 10*time.Second
	if cfg.PingInterval > 0 {
		ping = time.Duration(cfg.PingInterval) * time.Second
	}
	if cfg.PongTimeout > 0 {
		pong = time.Duration(cfg.PongTimeout) * time.Second
	}
	return ping, pong
}

// subscriber is one websocket connection. readLoop owns reads, writeLoop
// owns data writes, and shutdown may run from either or from the hub.
type subscriber struct {
	hub    *Hub
	conn   *websocket.Conn
	outbox chan []byte

	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.RWMutex
	channels map[string]bool
}

func (s *subscriber) shutdown() {
	s.closeOnce.Do(func() {
		close(s.closed)
		//nolint:errcheck // peer may already be gone
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
		s.conn.Close()
	})
}

func (s *subscriber) offer(frame []byte) {
	select {
	case <-s.closed:
	case s.outbox <- frame:
	default:
	}
}

func (s *subscriber) wants(channel string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.channels[channel]
}

func (s *subscriber) readLoop(limit int, idle time.Duration) {
	defer s.hub.remove(s)

	if limit > 0 {
		s.conn.SetReadLimit(int64(limit))
	}
	extend := func(string) error { return s.conn.SetReadDeadline(time.Now().Add(idle)) }
	extend("") //nolint:errcheck // a failed deadline surfaces as a read error
	s.conn.SetPongHandler(extend)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.hub.logger.Warn("websocket read failed", "error", err)
			}
			return
		}
		extend("") //nolint:errcheck // as above
		s.handle(data)
	}
}

func (s *subscriber) writeLoop(ping, pong time.Duration) {
	ticker := time.NewTicker(ping)
	defer ticker.Stop()

	for {
		var (
			kind  = websocket.TextMessage
			frame []byte
		)
		select {
		case <-s.closed:
			return
		case frame = <-s.outbox:
		case <-ticker.C:
			kind = websocket.PingMessage
		}

		s.conn.SetWriteDeadline(time.Now().Add(pong)) //nolint:errcheck // write reports it
		if err := s.conn.WriteMessage(kind, frame); err != nil {
			s.hub.remove(s)
			return
		}
	}
}

func (s *subscriber) handle(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.reply("", WSTypeError, errorBody("invalid JSON message"))
		return
	}

	switch msg.Type {
	case WSTypeSubscribe:
		s.subscribe(msg)
	case WSTypeUnsubscribe:
		s.unsubscribe(msg)
	case WSTypePing:
		s.reply(msg.ID, WSTypePong, nil)
	default:
		s.reply(msg.ID, WSTypeError, errorBody("unknown message type: "+msg.Type))
	}
}

// subscribe adds channels. Joining status.updated delivers the current
// snapshot straight away so the client need not wait for a change.
func (s *subscriber) subscribe(msg WSMessage) {
	names, ok := channelList(msg.Payload)
	if !ok {
		s.reply(msg.ID, WSTypeError, errorBody("invalid subscribe payload"))
		return
	}
	for _, name := range names {
		if !channels[name] {
			s.reply(msg.ID, WSTypeError, errorBody("unknown channel: "+name))
			return
		}
	}

	s.mu.Lock()
	hadStatus := s.channels[ChannelStatusUpdated]
	for _, name := range names {
		s.channels[name] = true
	}
	joinedStatus := !hadStatus && s.channels[ChannelStatusUpdated]
	s.mu.Unlock()

	s.reply(msg.ID, WSTypeResponse, map[string]any{"subscribed": names})

	if joinedStatus {
		if snap := s.hub.snapshot(); snap != nil {
			if frame, err := event(ChannelStatusUpdated, StatusEvent{Values: snap}); err == nil {
				s.offer(frame)
			}
		}
	}
}

func (s *subscriber) unsubscribe(msg WSMessage) {
	names, ok := channelList(msg.Payload)
	if !ok {
		s.reply(msg.ID, WSTypeError, errorBody("invalid unsubscribe payload"))
		return
	}

	s.mu.Lock()
	for _, name := range names {
		delete(s.channels, name)
	}
	s.mu.Unlock()

	s.reply(msg.ID, WSTypeResponse, map[string]any{"unsubscribed": names})
}

func (s *subscriber) reply(id, kind string, payload any) {
	frame, err := json.Marshal(WSMessage{
		Type:      kind,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	})
	if err == nil {
		s.offer(frame)
	}
}

func errorBody(message string) map[string]string {
	return map[string]string{"message": message}
}

// channelList re-decodes a generic payload as WSSubscribePayload.
func channelList(payload any) ([]string, bool) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, false
	}
	var p WSSubscribePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, false
	}
	return p.Channels, true
}
