package live

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"dispatchline/internal/engine/auth"
)

const (
	defaultSendBuffer   = 64
	defaultWriteTimeout = 10 * time.Second
	defaultPingInterval = 30 * time.Second
	maxInboundMessage   = 4096
)

// Conn is one websocket client. Frames are written by a single goroutine in
// the order they were queued.
type Conn struct {
	ID   string
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newConn(ws *websocket.Conn, buffer int) *Conn {
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}
	return &Conn{ID: uuid.NewString(), ws: ws, send: make(chan []byte, buffer), done: make(chan struct{})}
}

// Send queues frame; it never blocks and drops the frame when the buffer is full.
func (c *Conn) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Conn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// Handler upgrades authenticated requests to live connections.
type Handler struct {
	Registry     Registry
	Authenticate func(r *http.Request) (auth.Principal, error)
	Upgrader     websocket.Upgrader
	Logger       zerolog.Logger
	SendBuffer   int
	WriteTimeout time.Duration
	PingInterval time.Duration
}

// Token extracts the bearer credential of a live request: the Authorization
// header, or the token query parameter for browsers that cannot set headers.
func Token(r *http.Request) string {
	if authz := strings.TrimSpace(r.Header.Get("Authorization")); authz != "" {
		parts := strings.Fields(authz)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return parts[1]
		}
		return ""
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

type readyFrame struct {
	Event string  `json:"event"`
	Data  Session `json:"data"`
	TS    string  `json:"ts"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p, err := h.Authenticate(r)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"code":"invalid_credentials","message":"invalid credentials"}}`))
		return
	}
	ws, err := h.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := newConn(ws, h.SendBuffer)
	session := h.Registry.Register(c.ID, p.ActorID, p.Role, c)
	log := h.Logger.With().Str("conn_id", c.ID).Int64("actor_id", p.ActorID).Str("role", string(p.Role)).Logger()
	log.Info().Strs("rooms", session.Rooms).Msg("live session opened")

	ready, _ := json.Marshal(readyFrame{Event: "session:ready", Data: session, TS: time.Now().UTC().Format(time.RFC3339Nano)})
	c.Send(ready)

	go h.writePump(c)
	h.readPump(c)
	h.Registry.Unregister(c.ID)
	c.close()
	log.Info().Msg("live session closed")
}

// readPump discards inbound messages and returns when the peer goes away.
func (h *Handler) readPump(c *Conn) {
	ping := h.pingInterval()
	c.ws.SetReadLimit(maxInboundMessage)
	_ = c.ws.SetReadDeadline(time.Now().Add(2 * ping))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(2 * ping))
	})
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(2 * ping))
	}
}

func (h *Handler) writePump(c *Conn) {
	ticker := time.NewTicker(h.pingInterval())
	defer ticker.Stop()
	timeout := h.WriteTimeout
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(timeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(timeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

func (h *Handler) pingInterval() time.Duration {
	if h.PingInterval > 0 {
		return h.PingInterval
	}
	return defaultPingInterval
}
