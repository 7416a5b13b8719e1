// Package wsfanout is the concrete websocket fan-out sink: it satisfies
// internal/session's EventSink interface and re-broadcasts routed
// transcription events to every connected client (the UI shell / browser
// extension consumers spec.md §6 treats as external collaborators).
package wsfanout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rbright/sotto-core/internal/coreerr"
	"github.com/rbright/sotto-core/internal/protocol"
)

// Port range and fallback-on-conflict behavior grounded on
// original_source/src-tauri/src/websocket.rs and its
// tests/unit/websocket/test_websocket_server.rs (ut_6_1_1/6_1_2/6_1_3).
const (
	portRangeStart = 9001
	portRangeEnd   = 9100

	clientSendBuffer = 32
	writeTimeout     = 5 * time.Second
)

// MessageType tags the outbound envelope, matching the Chrome-extension
// wire shape in websocket.rs's WebSocketMessage enum.
type MessageType string

const (
	TypeConnected     MessageType = "connected"
	TypeTranscription MessageType = "transcription"
	TypeControl       MessageType = "control"
	TypeError         MessageType = "error"
)

// Message is the envelope broadcast to every connected client. Fields are
// camelCase to match the original extension wire format; unused fields are
// omitted rather than emitted as null, preserving the same
// backward-compatibility contract protocol.Message uses on the sidecar
// side.
type Message struct {
	Type MessageType `json:"type"`

	SessionID string `json:"sessionId,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`

	Text             string   `json:"text,omitempty"`
	IsPartial        *bool    `json:"isPartial,omitempty"`
	Confidence       *float64 `json:"confidence,omitempty"`
	Language         *string  `json:"language,omitempty"`
	ProcessingTimeMs *int64   `json:"processingTimeMs,omitempty"`

	EventType string          `json:"eventType,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`

	ErrorMessage string `json:"message,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub owns the websocket listener and the set of connected clients.
type Hub struct {
	log *slog.Logger

	mu        sync.Mutex
	sessionID string
	clients   map[*client]struct{}
	listener  net.Listener
	server    *http.Server
	port      int
}

// New constructs an idle Hub. Call Start to bind a port and begin
// accepting connections.
func New(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{log: logger, clients: make(map[*client]struct{})}
}

// SetSession records the session id stamped on the "connected" greeting
// sent to newly-joined clients. Safe to call at any time, including while
// no session is active (sessionID "" then).
func (h *Hub) SetSession(sessionID string) {
	h.mu.Lock()
	h.sessionID = sessionID
	h.mu.Unlock()
}

// Start binds the first free port in [9001, 9100] and begins serving
// websocket upgrades at "/". Idempotent: Start while already listening
// returns the existing port.
func (h *Hub) Start(context.Context) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener != nil {
		return h.port, nil
	}

	var lastErr error
	for port := portRangeStart; port <= portRangeEnd; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			lastErr = err
			continue
		}

		mux := http.NewServeMux()
		mux.HandleFunc("/", h.handleUpgrade)
		srv := &http.Server{Handler: mux}

		h.listener = ln
		h.server = srv
		h.port = port

		go func() {
			if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
				h.log.Warn("websocket server stopped", "err", err)
			}
		}()
		return port, nil
	}
	return 0, coreerr.Wrap(coreerr.Resource, fmt.Sprintf("no free port in %d-%d", portRangeStart, portRangeEnd), lastErr)
}

// Stop closes every connected client and shuts the listener down.
// Idempotent; safe to call on a Hub that was never Started.
func (h *Hub) Stop(ctx context.Context) error {
	h.mu.Lock()
	srv := h.server
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*client]struct{})
	h.listener = nil
	h.server = nil
	h.port = 0
	h.mu.Unlock()

	for _, c := range clients {
		close(c.send)
		_ = c.conn.Close()
	}

	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return coreerr.Wrap(coreerr.TransientIO, "websocket server shutdown", err)
	}
	return nil
}

func (h *Hub) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "err", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientSendBuffer)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	sessionID := h.sessionID
	h.mu.Unlock()

	go h.writeLoop(c)
	go h.readLoop(c)

	h.enqueue(c, Message{
		Type:      TypeConnected,
		SessionID: sessionID,
		MessageID: uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
	})
}

// readLoop only exists to detect client disconnects; this hub never
// accepts inbound commands from websocket clients.
func (h *Hub) readLoop(c *client) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.removeClient(c)
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	defer c.conn.Close()
	for payload := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			h.removeClient(c)
			return
		}
	}
}

func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		h.mu.Unlock()
		// send is only ever closed here or in Stop, and removeClient and
		// Stop both hold h.mu while deciding, so this cannot double-close.
		close(c.send)
		return
	}
	h.mu.Unlock()
}

// enqueue drops the message rather than block a slow client — a
// disconnected or backed-up websocket peer must never apply back-pressure
// to the session's event-dispatch task.
func (h *Hub) enqueue(c *client, msg Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		h.log.Warn("marshal websocket message failed", "err", err)
		return
	}
	select {
	case c.send <- payload:
	default:
		h.log.Warn("dropping websocket message to slow client")
	}
}

// Broadcast fans msg out to every currently-connected client.
func (h *Hub) Broadcast(msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return coreerr.Wrap(coreerr.Internal, "marshal websocket message", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			h.log.Warn("dropping websocket message to slow client")
		}
	}
	return nil
}

// textPayload mirrors session.textPayload's wire shape (duplicated rather
// than imported, since internal/session must not depend on this package).
type textPayload struct {
	Text             string   `json:"text"`
	Confidence       *float64 `json:"confidence,omitempty"`
	Language         *string  `json:"language,omitempty"`
	ProcessingTimeMs *int64   `json:"processing_time_ms,omitempty"`
}

// Publish implements session.EventSink: it translates a routed
// protocol.Message into the extension wire shape and broadcasts it.
// Session already applies the event-routing table (speech boundaries
// never reach here; only partial/final text, model_change, and error do),
// so Publish only needs to pick the right envelope.
func (h *Hub) Publish(msg protocol.Message) error {
	switch {
	case msg.Type == protocol.TypeError:
		return h.Broadcast(Message{
			Type:         TypeError,
			MessageID:    uuid.NewString(),
			Timestamp:    time.Now().UnixMilli(),
			ErrorMessage: msg.ErrorMessage,
		})

	case msg.EventType == protocol.EventPartialText || msg.EventType == protocol.EventFinalText:
		var payload textPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			return coreerr.Wrap(coreerr.Internal, "unmarshal transcription payload", err)
		}
		isPartial := msg.EventType == protocol.EventPartialText
		return h.Broadcast(Message{
			Type:             TypeTranscription,
			MessageID:        uuid.NewString(),
			Timestamp:        time.Now().UnixMilli(),
			Text:             payload.Text,
			IsPartial:        &isPartial,
			Confidence:       payload.Confidence,
			Language:         payload.Language,
			ProcessingTimeMs: payload.ProcessingTimeMs,
		})

	default:
		return h.Broadcast(Message{
			Type:      TypeControl,
			MessageID: uuid.NewString(),
			Timestamp: time.Now().UnixMilli(),
			EventType: msg.EventType,
			Data:      msg.Data,
		})
	}
}
