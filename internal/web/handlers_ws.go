package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"chronoclock/internal/device"
)

const (
	// eventQueue absorbs a burst of device events while the hub goroutine
	// is busy; the loop never waits on it.
	eventQueue = 32
	// clientQueue holds the replayed state of every event type plus a few
	// live updates. A page that falls this far behind is dropped.
	clientQueue = 8

	wsWriteTimeout = 5 * time.Second
	// Status pages stay open for days; pings find clients that vanished
	// without a close frame.
	wsPingInterval = 30 * time.Second
)

// WSHub fans device events out to status pages. It keeps the latest
// event of each type and replays them, oldest type first, to every page
// that connects.
type WSHub struct {
	clients map[*wsClient]struct{}
	latest  map[string][]byte
	order   []string
	mu      sync.RWMutex
	logger  *slog.Logger

	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan device.Event

	done     chan struct{}
	stopOnce sync.Once
}

type wsClient struct {
	conn    *websocket.Conn
	send    chan []byte
	evicted atomic.Bool
}

// NewWSHub creates an idle hub; call Run to start it.
func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]struct{}),
		latest:     make(map[string][]byte),
		logger:     logger,
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan device.Event, eventQueue),
		done:       make(chan struct{}),
	}
}

// Run owns the client set until Stop.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for c := range h.clients {
				h.drop(c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			for _, typ := range h.order {
				if !h.deliver(c, h.latest[typ]) {
					break
				}
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("status page connected", "pages", total)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				h.drop(c)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("status page disconnected", "pages", total)

		case ev := <-h.broadcast:
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("encode event", "type", ev.Type, "err", err)
				continue
			}
			h.mu.Lock()
			if _, seen := h.latest[ev.Type]; !seen {
				h.order = append(h.order, ev.Type)
			}
			h.latest[ev.Type] = data
			for c := range h.clients {
				h.deliver(c, data)
			}
			h.mu.Unlock()
		}
	}
}

// deliver queues data for c, evicting c when its queue is full. Called
// with h.mu held.
func (h *WSHub) deliver(c *wsClient, data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		c.evicted.Store(true)
		h.drop(c)
		h.logger.Warn("status page fell behind, dropped", "queue", cap(c.send))
		return false
	}
}

// drop removes c and ends its write pump. Called with h.mu held.
func (h *WSHub) drop(c *wsClient) {
	delete(h.clients, c)
	close(c.send)
}

// Stop shuts the hub down. Safe to call more than once.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

// Broadcast queues ev for every page. It never blocks, because the
// device loop calls it; events beyond eventQueue are dropped.
func (h *WSHub) Broadcast(ev device.Event) {
	select {
	case h.broadcast <- ev:
	default:
		h.logger.Warn("event queue full, dropping", "type", ev.Type, "seq", ev.Seq)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Warn("ws accept", "err", err)
		return
	}

	c := &wsClient{conn: conn, send: make(chan []byte, clientQueue)}
	select {
	case s.wsHub.register <- c:
	case <-s.wsHub.done:
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}

	// Pages never send anything; CloseRead discards input and cancels
	// closed when the page goes away.
	closed := conn.CloseRead(context.Background())
	go s.wsWritePump(c)

	select {
	case <-closed.Done():
		select {
		case s.wsHub.unregister <- c:
		case <-s.wsHub.done:
		}
	case <-s.wsHub.done:
		conn.Close(websocket.StatusGoingAway, "shutting down")
	}
}

func (s *Server) wsWritePump(c *wsClient) {
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				if c.evicted.Load() {
					c.conn.Close(websocket.StatusPolicyViolation, "too slow")
				} else {
					c.conn.Close(websocket.StatusNormalClosure, "")
				}
				return
			}
			if err := s.wsWrite(c, msg); err != nil {
				s.logger.Debug("ws write", "err", err)
				return
			}
		case <-ping.C:
			ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
			err := c.conn.Ping(ctx)
			cancel()
			if err != nil {
				s.logger.Debug("ws ping", "err", err)
				c.conn.Close(websocket.StatusGoingAway, "ping timeout")
				return
			}
		}
	}
}

func (s *Server) wsWrite(c *wsClient, msg []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, msg)
}
