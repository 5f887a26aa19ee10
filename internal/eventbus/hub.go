// Package eventbus is the C6 Event Bus & API: a single authenticated HTTP
// endpoint exposing resource CRUD plus a duplex event stream. The Hub/Client
// pattern — register/unregister channels, a per-client buffered send
// channel, a readPump/writePump goroutine pair — mirrors
// ODSapper-CLIAIMONITOR's internal/server/hub.go, generalized from its
// fixed dashboard-message set to this repo's closed server event-type set
// and to a readPump that actually dispatches inbound frames instead of
// discarding them.
package eventbus

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ServerEventType is the closed set of event types the server may emit on
// the duplex stream (spec.md §4.6).
type ServerEventType string

const (
	EventChatStream           ServerEventType = "chat.stream"
	EventChatComplete         ServerEventType = "chat.complete"
	EventChatToolCall         ServerEventType = "chat.tool_call"
	EventChatError            ServerEventType = "chat.error"
	EventChatHandoff          ServerEventType = "chat.handoff"
	EventChatHandoffComplete  ServerEventType = "chat.handoff_complete"
	EventChatTranscription    ServerEventType = "chat.transcription"
	EventChatAudio            ServerEventType = "chat.audio"
	EventWorkspaceAction      ServerEventType = "workspace.action"
	EventPresence             ServerEventType = "presence"
	EventCardAssigned         ServerEventType = "card.assigned"
	EventCardStatus           ServerEventType = "card.status"
	EventAgentLog             ServerEventType = "agent.log"
	EventAgentSpawned         ServerEventType = "agent.spawned"
	EventAgentCompleted       ServerEventType = "agent.completed"
	EventAgentFailed          ServerEventType = "agent.failed"
	EventSystemHeartbeat      ServerEventType = "system.heartbeat"
	EventSystemSynthesizer    ServerEventType = "system.synthesizer"
	EventVerificationStarted ServerEventType = "verification.started"
	EventVerificationPassed  ServerEventType = "verification.passed"
	EventVerificationFailed  ServerEventType = "verification.failed"
	EventCampaignReport       ServerEventType = "campaign.report"
	EventPing                 ServerEventType = "ping"
	EventPong                 ServerEventType = "pong"
)

// auditBypassed are event types too high-volume to record individually in
// the audit log.
var auditBypassed = map[ServerEventType]bool{EventAgentLog: true}

// ServerEvent is one frame the server sends on the duplex stream.
type ServerEvent struct {
	Type      ServerEventType        `json:"type"`
	CardID    string                 `json:"cardId,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// ClientFrame is one frame a client sends on the duplex stream.
type ClientFrame struct {
	Type    string          `json:"type"` // chat, voice, subscribe, ping, pong
	Payload json.RawMessage `json:"payload,omitempty"`
}

const (
	writeWait      = 10 * time.Second
	pingInterval   = 30 * time.Second
	pongWait       = pingInterval + 10*time.Second
	maxFrameBytes  = 1 << 20 // 1 MiB, spec.md §6
	sendBufferSize = 256
)

// Client is one connected duplex-stream peer.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger *slog.Logger

	// onFrame handles an inbound chat/voice/subscribe frame; nil is a no-op.
	onFrame func(*Client, ClientFrame)
}

// Hub fans ServerEvents out to every registered Client and records each one
// (except agent.log) to the audit log.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*Client]bool
	register chan *Client
	unregister chan *Client
	broadcast  chan ServerEvent

	auditor func(eventType, cardID, details string)
	logger  *slog.Logger
}

// NewHub constructs a Hub. auditor may be nil to skip audit recording.
func NewHub(logger *slog.Logger, auditor func(eventType, cardID, details string)) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan ServerEvent, sendBufferSize),
		auditor:    auditor,
		logger:     logger,
	}
}

// Run blocks, servicing register/unregister/broadcast until ctx-style
// shutdown is driven by closing done.
func (h *Hub) Run(done <-chan struct{}) {
	for {
		select {
		case <-done:
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
			}
			h.clients = make(map[*Client]bool)
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case evt := <-h.broadcast:
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- data:
				default:
					close(c.send)
					delete(h.clients, c)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Publish emits a server event to every connected client and records it in
// the audit log unless its type is audit-bypassed.
func (h *Hub) Publish(eventType ServerEventType, cardID string, data map[string]interface{}) {
	h.broadcast <- ServerEvent{Type: eventType, CardID: cardID, Data: data, Timestamp: time.Now()}
	if h.auditor != nil && !auditBypassed[eventType] {
		h.auditor(string(eventType), cardID, summarizeData(data))
	}
}

// PublishCardEvent satisfies orchestrator.EventSink — eventType is mapped
// onto the closed ServerEventType set unchanged (orchestrator already emits
// spelling matching the closed set: agent.spawned, agent.log, etc).
func (h *Hub) PublishCardEvent(eventType, cardID string, payload map[string]interface{}) {
	h.Publish(ServerEventType(eventType), cardID, payload)
}

// ClientCount returns the number of connected duplex peers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func summarizeData(data map[string]interface{}) string {
	b, err := json.Marshal(data)
	if err != nil {
		return ""
	}
	if len(b) > 500 {
		return string(b[:500])
	}
	return string(b)
}

// NewClient wraps an upgraded websocket connection and registers it with
// the hub, starting its read/write pumps. onFrame may be nil.
func NewClient(hub *Hub, conn *websocket.Conn, onFrame func(*Client, ClientFrame)) *Client {
	c := &Client{hub: hub, conn: conn, send: make(chan []byte, sendBufferSize), logger: hub.logger, onFrame: onFrame}
	conn.SetReadLimit(maxFrameBytes)
	hub.register <- c
	go c.writePump()
	go c.readPump()
	return c
}

// readPump consumes inbound frames until the connection errors or closes,
// dispatching each to onFrame. pong frames reset the read deadline.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame ClientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		switch frame.Type {
		case "pong":
			continue
		case "ping":
			c.send <- mustMarshal(ServerEvent{Type: EventPong, Timestamp: time.Now()})
		default:
			if c.onFrame != nil {
				c.onFrame(c, frame)
			}
		}
	}
}

// writePump drains send and forwards frames to the connection, emitting a
// ping every pingInterval.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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

func mustMarshal(v interface{}) []byte {
	b, _ := json.Marshal(v)
	return b
}
