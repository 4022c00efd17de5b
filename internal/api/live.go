package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/shrimp-sorter/internal/monitoring"
	"github.com/banshee-data/shrimp-sorter/internal/telemetry"
	"github.com/banshee-data/shrimp-sorter/internal/timeutil"
)

var liveLogf = monitoring.Prefixed("live")

const (
	// DefaultLiveInterval caps snapshot pushes to roughly five per second.
	DefaultLiveInterval = 200 * time.Millisecond

	liveSendBuffer = 16
	livePongWait   = 60 * time.Second
	livePingPeriod = (livePongWait * 9) / 10
	liveWriteWait  = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// LiveMessage is the envelope pushed to websocket viewers.
type LiveMessage struct {
	Type string      `json:"type"` // "snapshot" or "dispatch"
	Data interface{} `json:"data"`
}

type liveClient struct {
	conn *websocket.Conn
	send chan []byte
}

// LiveHub is a telemetry sink that broadcasts snapshots and dispatches to
// connected websocket viewers. Slow viewers lose messages rather than
// blocking the pipeline.
type LiveHub struct {
	mu       sync.RWMutex
	clients  map[*liveClient]struct{}
	interval time.Duration
	clock    timeutil.Clock
	lastSent time.Time
	dropped  uint64
}

// NewLiveHub creates a hub. A zero interval selects DefaultLiveInterval.
func NewLiveHub(interval time.Duration, clock timeutil.Clock) *LiveHub {
	if interval <= 0 {
		interval = DefaultLiveInterval
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &LiveHub{
		clients:  make(map[*liveClient]struct{}),
		interval: interval,
		clock:    clock,
	}
}

// Clients returns the number of connected viewers.
func (h *LiveHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many messages were discarded for slow viewers.
func (h *LiveHub) Dropped() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

// OnObjectFinalized pushes every dispatch immediately.
func (h *LiveHub) OnObjectFinalized(ev telemetry.ObjectFinalized) error {
	return h.broadcast(LiveMessage{Type: "dispatch", Data: ev})
}

// OnSnapshot pushes at most one snapshot per interval.
func (h *LiveHub) OnSnapshot(snap telemetry.Snapshot) error {
	now := h.clock.Now()
	h.mu.Lock()
	if len(h.clients) == 0 || (!h.lastSent.IsZero() && now.Sub(h.lastSent) < h.interval) {
		h.mu.Unlock()
		return nil
	}
	h.lastSent = now
	h.mu.Unlock()
	return h.broadcast(LiveMessage{Type: "snapshot", Data: snap})
}

func (h *LiveHub) broadcast(msg LiveMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.clients) == 0 {
		return nil
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			h.dropped++
		}
	}
	return nil
}

// Close disconnects every viewer.
func (h *LiveHub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
	return nil
}

func (h *LiveHub) register(c *liveClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	liveLogf("viewer connected (%d total)", n)
}

func (h *LiveHub) unregister(c *liveClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	liveLogf("viewer disconnected (%d total)", n)
}

// ServeHTTP upgrades the request and streams messages until the viewer
// goes away.
func (h *LiveHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		liveLogf("websocket upgrade error: %v", err)
		return
	}
	c := &liveClient{conn: conn, send: make(chan []byte, liveSendBuffer)}
	ping := h.clock.NewTicker(livePingPeriod)
	h.register(c)

	go c.writeLoop(ping)

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(livePongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(livePongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.unregister(c)
}

func (c *liveClient) writeLoop(ticker timeutil.Ticker) {
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C():
			c.conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
