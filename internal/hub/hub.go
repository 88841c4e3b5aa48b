// Package hub fans match-price and portfolio updates out to subscribed
// websocket clients. Subscriptions are scoped: match-scoped updates go
// to every subscriber of that match, user-scoped updates go only to that
// user's own connections.
package hub

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/crickx/trading-engine/internal/metrics"
)

// ErrUnauthorized is returned when a portfolio subscription arrives
// without a verified user id from the auth layer.
var ErrUnauthorized = errors.New("hub: unauthorized portfolio subscription")

// Message is a JSON update pushed to subscribers.
type Message struct {
	Type      string      `json:"type"`
	MatchID   string      `json:"match_id,omitempty"`
	UserID    string      `json:"user_id,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// subscriber is one live websocket connection with its interest tags.
type subscriber struct {
	id      string
	conn    *websocket.Conn
	matchID string
	userID  string
	send    chan []byte
}

// Hub maintains the registry of active subscribers keyed by connection
// id. Pushes are fire-and-forget: a slow or dead subscriber is dropped,
// never waited on.
type Hub struct {
	mu         sync.RWMutex
	subs       map[string]*subscriber
	register   chan *subscriber
	unregister chan string
	done       chan struct{}
}

// New creates a hub. Call Run in a goroutine before broadcasting.
func New() *Hub {
	return &Hub{
		subs:       make(map[string]*subscriber),
		register:   make(chan *subscriber),
		unregister: make(chan string, 64),
		done:       make(chan struct{}),
	}
}

// Run drives the hub's registration loop. Must be called in a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case sub := <-h.register:
			h.mu.Lock()
			h.subs[sub.id] = sub
			total := len(h.subs)
			h.mu.Unlock()
			metrics.SubscriberCount.Set(float64(total))
			slog.Info("subscriber connected", "id", sub.id, "match", sub.matchID, "user", sub.userID, "total", total)

		case id := <-h.unregister:
			h.mu.Lock()
			if sub, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(sub.send)
				sub.conn.Close()
			}
			total := len(h.subs)
			h.mu.Unlock()
			metrics.SubscriberCount.Set(float64(total))

		case <-h.done:
			h.mu.Lock()
			for id, sub := range h.subs {
				delete(h.subs, id)
				close(sub.send)
				sub.conn.Close()
			}
			h.mu.Unlock()
			return
		}
	}
}

// Close tears down all connections and stops the Run loop.
func (h *Hub) Close() {
	close(h.done)
}

// BroadcastMatch pushes a match-scoped update to every subscriber of the
// match.
func (h *Hub) BroadcastMatch(matchID string, msg Message) {
	msg.MatchID = matchID
	h.push(func(s *subscriber) bool { return s.matchID == matchID }, msg)
}

// BroadcastUser pushes a user-scoped update only to that user's
// connections.
func (h *Hub) BroadcastUser(userID string, msg Message) {
	msg.UserID = userID
	h.push(func(s *subscriber) bool { return s.userID == userID }, msg)
}

// push marshals once and hands the message to every matching
// subscriber's send buffer. Full buffers drop the message so ledger
// mutation never blocks on a slow consumer.
func (h *Hub) push(match func(*subscriber) bool, msg Message) {
	msg.Timestamp = time.Now().UTC()
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if !match(sub) {
			continue
		}
		select {
		case sub.send <- data:
			metrics.UpdatesPushed.WithLabelValues(msg.Type).Inc()
		default:
			metrics.UpdatesDropped.Inc()
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // origin enforcement happens at the edge proxy
	},
}

// HandleWS handles websocket upgrade requests at GET /api/v1/ws.
//
// Scope comes from the query string (?match_id=...) and, for portfolio
// updates, from the verified user id the auth collaborator placed in the
// X-User-ID header. Requesting a portfolio subscription without a
// verified id is rejected with 401.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	matchID := r.URL.Query().Get("match_id")
	wantPortfolio := r.URL.Query().Get("portfolio") == "true"
	userID := r.Header.Get("X-User-ID")

	if wantPortfolio && userID == "" {
		slog.Warn("portfolio subscription rejected", "err", ErrUnauthorized)
		http.Error(w, ErrUnauthorized.Error(), http.StatusUnauthorized)
		return
	}
	if !wantPortfolio {
		userID = ""
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	sub := &subscriber{
		id:      uuid.New().String(),
		conn:    conn,
		matchID: matchID,
		userID:  userID,
		send:    make(chan []byte, 64),
	}
	h.register <- sub

	go h.writePump(sub)
	go h.readPump(sub)
}

// writePump drains the subscriber's send buffer and keeps the
// connection alive through proxies with periodic pings.
func (h *Hub) writePump(sub *subscriber) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-sub.send:
			if !ok {
				return
			}
			sub.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := sub.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.unregister <- sub.id
				return
			}
		case <-ticker.C:
			sub.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.unregister <- sub.id
				return
			}
		}
	}
}

// readPump detects disconnects; inbound frames are ignored.
func (h *Hub) readPump(sub *subscriber) {
	defer func() { h.unregister <- sub.id }()

	sub.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	sub.conn.SetPongHandler(func(string) error {
		sub.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}
