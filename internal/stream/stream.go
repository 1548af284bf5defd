// Package stream pushes relayed outbox messages to websocket subscribers.
package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/ksred/klear-trader/internal/outbox"
	"github.com/rs/zerolog/log"
)

const (
	sendBuffer = 64
	writeWait  = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Event is the frame sent to subscribers
type Event struct {
	ID          string          `json:"id"`
	EventType   string          `json:"event_type"`
	AggregateID string          `json:"aggregate_id"`
	Payload     json.RawMessage `json:"payload"`
	OccurredAt  time.Time       `json:"occurred_at"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub fans messages out to connected clients. A client whose buffer is full
// is disconnected rather than waited on.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

// Publish implements outbox.Publisher. It never fails on subscriber problems.
func (h *Hub) Publish(_ context.Context, msg outbox.Message) error {
	payload := json.RawMessage(msg.Payload)
	if !json.Valid(payload) {
		payload, _ = json.Marshal(msg.Payload)
	}
	frame, err := json.Marshal(Event{
		ID:          msg.ID,
		EventType:   msg.EventType,
		AggregateID: msg.AggregateID,
		Payload:     payload,
		OccurredAt:  msg.OccurredAt,
	})
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- frame:
		default:
			log.Warn().Str("remote", c.conn.RemoteAddr().String()).Msg("stream client too slow, disconnecting")
			delete(h.clients, c)
			c.close()
		}
	}
	return nil
}

// Clients returns the number of connected subscribers
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
}

// Handler upgrades the request and streams every published message
func (h *Hub) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn().Err(err).Msg("stream upgrade failed")
			return
		}
		cl := &client{conn: conn, send: make(chan []byte, sendBuffer)}
		h.register(cl)
		log.Debug().Str("remote", conn.RemoteAddr().String()).Msg("stream client connected")

		go cl.writeLoop()
		// reads only detect the close
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		h.unregister(cl)
		log.Debug().Str("remote", conn.RemoteAddr().String()).Msg("stream client disconnected")
	}
}

func (c *client) writeLoop() {
	defer c.conn.Close()
	for frame := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
