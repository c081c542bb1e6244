// Package ws streams control-plane events to websocket clients.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/controlplane/internal/domain"
	"github.com/alanyoungcy/controlplane/internal/fanout"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum size of an incoming message.
	maxMessageSize = 4096
)

// Encoding selects the frame format sent to a client.
type Encoding string

const (
	EncodingJSON  Encoding = "json"
	EncodingProto Encoding = "proto"
)

// Config tunes the hub.
type Config struct {
	// AllowedOrigins restricts browser origins. Empty allows any.
	AllowedOrigins []string
	PingPeriod     time.Duration
	PongWait       time.Duration
}

// Hub bridges fan-out subscriptions to websocket connections. Each client
// owns one broker subscription; a client too slow to keep up is pruned by
// the broker and its connection closed.
type Hub struct {
	broker   *fanout.Broker
	upgrader websocket.Upgrader
	cfg      Config
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

// NewHub creates a Hub over broker.
func NewHub(broker *fanout.Broker, cfg Config, logger *slog.Logger) *Hub {
	if cfg.PongWait <= 0 {
		cfg.PongWait = pongWait
	}
	if cfg.PingPeriod <= 0 || cfg.PingPeriod >= cfg.PongWait {
		cfg.PingPeriod = (cfg.PongWait * 9) / 10
	}
	h := &Hub{
		broker:  broker,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "ws")),
		clients: make(map[*client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range h.cfg.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// Run blocks until ctx is done, then closes every connected client.
func (h *Hub) Run(ctx context.Context) error {
	<-ctx.Done()
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.cancel()
	}
	return ctx.Err()
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// HandleWS upgrades the request and streams events until either side goes
// away. Query parameters:
//
//	after_seq  replay retained events after this sequence number
//	encoding   "json" (text frames, default) or "proto" (binary frames)
//
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	caller, err := domain.Authorize(r.Context(), domain.CapReadOnly)
	if err != nil {
		http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
		return
	}

	var afterSeq uint64
	if v := r.URL.Query().Get("after_seq"); v != "" {
		afterSeq, err = strconv.ParseUint(v, 10, 64)
		if err != nil {
			http.Error(w, `{"error":"after_seq must be a non-negative integer"}`, http.StatusBadRequest)
			return
		}
	}
	enc := Encoding(strings.ToLower(r.URL.Query().Get("encoding")))
	switch enc {
	case "":
		enc = EncodingJSON
	case EncodingJSON, EncodingProto:
	default:
		http.Error(w, `{"error":"encoding must be json or proto"}`, http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WarnContext(r.Context(), "ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	// The request context ends when the handler returns, so the stream
	// gets its own lifetime.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	c := &client{
		hub:      h,
		conn:     conn,
		encoding: enc,
		callerID: caller.ID,
		cancel:   cancel,
	}
	if !h.add(c) {
		cancel()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}

	sub := h.broker.Subscribe(ctx, fanout.SubscribeOpts{AfterSeq: afterSeq})
	h.logger.Info("ws: client connected",
		slog.String("caller", caller.ID),
		slog.String("encoding", string(enc)),
		slog.Uint64("after_seq", afterSeq),
		slog.Int("total_clients", h.Clients()),
	)

	go c.readPump()
	go c.writePump(ctx, sub)
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		h.logger.Info("ws: client disconnected",
			slog.String("caller", c.callerID),
			slog.Int("total_clients", n),
		)
	}
}

// client represents a single websocket connection.
type client struct {
	hub      *Hub
	conn     *websocket.Conn
	encoding Encoding
	callerID string
	cancel   context.CancelFunc
}

// readPump drains incoming frames so pongs and close frames are processed.
// Clients have nothing to say on this stream beyond keepalives.
func (c *client) readPump() {
	defer c.cancel()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close error",
					slog.String("caller", c.callerID),
					slog.String("error", err.Error()),
				)
			}
			return
		}
	}
}

// writePump forwards subscription events to the connection and sends
// periodic pings. It owns the connection and closes it on exit.
func (c *client) writePump(ctx context.Context, sub *fanout.Subscription) {
	ticker := time.NewTicker(c.hub.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		sub.Close()
		c.cancel()
		c.conn.Close()
		c.hub.remove(c)
	}()

	for {
		select {
		case <-ctx.Done():
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return

		case ev, ok := <-sub.Events():
			if !ok {
				// Without a cancelled ctx the broker pruned us: the client fell behind.
				code, text := websocket.CloseTryAgainLater, "subscriber too slow"
				if ctx.Err() != nil {
					code, text = websocket.CloseNormalClosure, ""
				}
				c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
				return
			}
			if err := c.write(ev); err != nil {
				c.hub.logger.Warn("ws: write failed",
					slog.String("caller", c.callerID),
					slog.String("error", err.Error()),
				)
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

func (c *client) write(ev domain.Event) error {
	var (
		frame []byte
		kind  int
		err   error
	)
	if c.encoding == EncodingProto {
		frame, err = fanout.MarshalEventProto(ev)
		kind = websocket.BinaryMessage
	} else {
		frame, err = fanout.MarshalEvent(ev)
		kind = websocket.TextMessage
	}
	if err != nil {
		return err
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(kind, frame)
}
