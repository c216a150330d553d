// Package dashboard implements the dashboard WebSocket fan-out described
// in spec.md §6: server push of call lifecycle events to any number of
// connected operator consoles, plus a client-initiated stats pull.
//
// Built on github.com/coder/websocket, the same library
// internal/switchws uses for the telephony media leg — one registered
// accept-loop-per-connection shape, reused here for a fan-out hub instead
// of a single bound session.
package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/lokutor-ai/callbridge/internal/calltypes"
	"github.com/lokutor-ai/callbridge/internal/logging"
	"github.com/lokutor-ai/callbridge/internal/registry"
)

// Message is the server->client envelope (spec.md §6: "{type, data,
// timestamp}").
type Message struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

type client struct {
	send chan Message
}

// Hub fans lifecycle events, and stats snapshots when asked for, out to
// every connected dashboard client.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}

	stats *registry.Registry
	log   logging.Logger
}

func NewHub(stats *registry.Registry, log logging.Logger) *Hub {
	if log == nil {
		log = logging.NoOpLogger{}
	}
	return &Hub{
		clients: make(map[*client]struct{}),
		stats:   stats,
		log:     log,
	}
}

// Notify fans one lifecycle event out to every connected client
// (call_started, call_ended, call_state_changed). Implements
// callsession.Notifier so a Hub can be wired directly as one branch of a
// Session's notifier, the same way internal/webhook.Dispatcher is.
func (h *Hub) Notify(event calltypes.EventType, callID string, data interface{}) {
	msgType := dashboardType(event)
	if msgType == "" {
		return
	}
	payload := map[string]interface{}{"call_id": callID}
	if m, ok := data.(map[string]string); ok {
		for k, v := range m {
			payload[k] = v
		}
	}
	h.publish(Message{Type: msgType, Data: payload, Timestamp: time.Now().UTC()})
}

func dashboardType(event calltypes.EventType) string {
	switch event {
	case calltypes.EventCallStarted:
		return "call_started"
	case calltypes.EventCallEnded, calltypes.EventCallFailed:
		return "call_ended"
	case calltypes.EventCallStateChanged:
		return "call_state_changed"
	default:
		return ""
	}
}

func (h *Hub) publish(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.log.Warn("dashboard: client send queue saturated, dropping event")
		}
	}
}

// PublishStats pushes a stats_updated frame immediately, useful for a
// periodic ticker in cmd/agentd.
func (h *Hub) PublishStats() {
	h.publish(Message{Type: "stats_updated", Data: h.stats.Snapshot(), Timestamp: time.Now().UTC()})
}

// ServeHTTP upgrades to a WebSocket and pumps broadcast messages to the
// new client until it disconnects, handling the two client->server
// message types spec.md §6 names (ping, get_stats).
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Error("dashboard: accept failed", "err", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	c := &client{send: make(chan Message, 32)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go h.readLoop(ctx, conn, c, cancel)

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.send:
			if err := wsjson.Write(ctx, conn, msg); err != nil {
				return
			}
		}
	}
}

func (h *Hub) readLoop(ctx context.Context, conn *websocket.Conn, c *client, cancel context.CancelFunc) {
	defer cancel()
	for {
		var raw json.RawMessage
		if err := wsjson.Read(ctx, conn, &raw); err != nil {
			return
		}
		var in struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &in); err != nil {
			continue
		}
		switch in.Type {
		case "ping":
			select {
			case c.send <- Message{Type: "pong", Timestamp: time.Now().UTC()}:
			default:
			}
		case "get_stats":
			select {
			case c.send <- Message{Type: "stats_updated", Data: h.stats.Snapshot(), Timestamp: time.Now().UTC()}:
			default:
			}
		}
	}
}
