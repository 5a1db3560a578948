package gateway

import (
	"context"
	"log"
	"sync"
	"time"

	"candle-replay/internal/indicator"
	"candle-replay/internal/markethours"
	"candle-replay/internal/metrics"
	"candle-replay/internal/session"
	"candle-replay/internal/store"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
)

// Hub tracks live WebSocket clients and owns the dependencies every new
// session needs. Sessions are strictly per-connection; the hub never routes
// playback traffic between clients, it only fans out the stats broadcast.
type Hub struct {
	store    store.BarStore
	registry *indicator.Registry
	clk      clock.Clock
	cfg      session.Config
	mets     *metrics.Metrics
	cal      *markethours.Calendar

	mu      sync.Mutex
	clients map[*Client]bool
	start   time.Time
}

// NewHub wires the shared dependencies. mets and cal may be nil.
func NewHub(st store.BarStore, reg *indicator.Registry, clk clock.Clock, cfg session.Config, mets *metrics.Metrics, cal *markethours.Calendar) *Hub {
	return &Hub{
		store:    st,
		registry: reg,
		clk:      clk,
		cfg:      cfg,
		mets:     mets,
		cal:      cal,
		clients:  make(map[*Client]bool),
		start:    time.Now(),
	}
}

// HandleWS adopts an upgraded connection: it creates the client and its
// session and starts both pumps. Returns once the pumps are running.
func (h *Hub) HandleWS(conn *websocket.Conn) {
	c := &Client{
		conn: conn,
		send: make(chan []byte, 256),
		hub:  h,
		mets: h.mets,
	}
	c.session = session.New(h.cfg, h.clk, h.store, h.registry, c)

	h.mu.Lock()
	h.clients[c] = true
	n := len(h.clients)
	h.mu.Unlock()

	if h.mets != nil {
		h.mets.SessionsActive.Inc()
	}
	log.Printf("[gateway] ws client connected (%d active)", n)

	go c.writePump()
	go c.readPump()
}

// RemoveClient tears down a client after its read pump exits. Safe to call
// more than once. The session is closed first: Close takes the session mutex,
// so it waits out any tick mid-batch before the send channel goes away.
func (h *Hub) RemoveClient(c *Client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	h.mu.Unlock()

	c.session.Close()
	c.closeSend()
	if h.mets != nil {
		h.mets.SessionsActive.Dec()
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Uptime reports how long the hub has been serving.
func (h *Hub) Uptime() time.Duration {
	return time.Since(h.start)
}

// StartStatsBroadcast pushes a STATS message to every client every interval
// until ctx is cancelled.
func (h *Hub) StartStatsBroadcast(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.broadcastStats()
		}
	}
}

func (h *Hub) broadcastStats() {
	now := time.Now()
	msg := StatsMsg{
		Type:      "STATS",
		Sessions:  h.ClientCount(),
		UptimeSec: int64(h.Uptime().Seconds()),
		TS:        now.UTC().Format(time.RFC3339),
	}
	if h.cal != nil {
		msg.MarketOpen = h.cal.IsOpen(now)
		msg.MarketStatus = h.cal.Status(now)
	}

	h.mu.Lock()
	targets := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		c.enqueue(msg)
	}
}
