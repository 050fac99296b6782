package feed

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// HubMetrics is the subset of metrics.MetricsWrapper the hub reports to.
type HubMetrics interface {
	ClientsSet(n int)
	BroadcastInc()
}

type nopHubMetrics struct{}

func (nopHubMetrics) ClientsSet(int) {}
func (nopHubMetrics) BroadcastInc()  {}

const hubWriteTimeout = 5 * time.Second

// Hub fans ticks out to every connected /ws/spy subscriber. A subscriber
// whose write fails is dropped.
type Hub struct {
	upgrader         websocket.Upgrader
	clients          map[*websocket.Conn]bool
	clientsMu        sync.Mutex
	broadcastChannel chan []byte
	stopChannel      chan struct{}
	ping             time.Duration
	metrics          HubMetrics
	wg               sync.WaitGroup
	isRunning        bool
	mu               sync.Mutex
}

// NewHub returns a stopped hub. ping is the keep-alive interval; zero
// disables server pings.
func NewHub(ping time.Duration, m HubMetrics) *Hub {
	if m == nil {
		m = nopHubMetrics{}
	}
	return &Hub{
		upgrader:         websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		clients:          make(map[*websocket.Conn]bool),
		broadcastChannel: make(chan []byte, 100),
		ping:             ping,
		metrics:          m,
	}
}

// Start launches the broadcaster and pinger. A stopped hub can be started
// again.
func (h *Hub) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.isRunning {
		return fmt.Errorf("feed hub is already running")
	}

	h.stopChannel = make(chan struct{})
	h.wg.Add(1)
	go h.clientBroadcaster(h.stopChannel)
	if h.ping > 0 {
		h.wg.Add(1)
		go h.pinger(h.stopChannel)
	}

	h.isRunning = true
	log.Info().Dur("ping", h.ping).Msg("Feed hub started")
	return nil
}

// Stop disconnects every subscriber and waits for the hub goroutines.
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.isRunning {
		return
	}

	close(h.stopChannel)
	h.wg.Wait()

	h.clientsMu.Lock()
	for client := range h.clients {
		_ = client.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		client.Close()
	}
	h.clients = make(map[*websocket.Conn]bool)
	h.clientsMu.Unlock()
	h.metrics.ClientsSet(0)

	h.isRunning = false
	log.Info().Msg("Feed hub stopped")
}

// Publish queues t for broadcast. The tick is dropped when the queue is full.
func (h *Hub) Publish(t Tick) {
	data, err := json.Marshal(t)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal tick for broadcast")
		return
	}
	select {
	case h.broadcastChannel <- data:
	default:
		log.Debug().Msg("Feed hub queue full, dropping tick")
	}
}

// Clients returns the number of connected subscribers.
func (h *Hub) Clients() int {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and holds the subscription until the
// peer goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	running := h.isRunning
	h.mu.Unlock()
	if !running {
		http.Error(w, "live feed unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Feed upgrade failed")
		return
	}

	h.clientsMu.Lock()
	h.clients[conn] = true
	n := len(h.clients)
	h.clientsMu.Unlock()
	h.metrics.ClientsSet(n)
	log.Info().Str("remote", r.RemoteAddr).Int("clients", n).Msg("Feed subscriber connected")

	// Reading drives the control handlers and notices the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.remove(conn)
	log.Info().Str("remote", r.RemoteAddr).Msg("Feed subscriber disconnected")
}

func (h *Hub) snapshot() []*websocket.Conn {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	out := make([]*websocket.Conn, 0, len(h.clients))
	for client := range h.clients {
		out = append(out, client)
	}
	return out
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.clientsMu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
	n := len(h.clients)
	h.clientsMu.Unlock()
	h.metrics.ClientsSet(n)
}

func (h *Hub) clientBroadcaster(stop <-chan struct{}) {
	defer h.wg.Done()
	for {
		select {
		case data := <-h.broadcastChannel:
			h.broadcastToClients(data)
		case <-stop:
			return
		}
	}
}

func (h *Hub) broadcastToClients(data []byte) {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()

	h.metrics.BroadcastInc()
	for client := range h.clients {
		_ = client.SetWriteDeadline(time.Now().Add(hubWriteTimeout))
		if err := client.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Warn().Err(err).Msg("Failed to send tick to feed subscriber")
			client.Close()
			delete(h.clients, client)
		}
	}
	h.metrics.ClientsSet(len(h.clients))
}

// pinger writes pings outside clientsMu; WriteControl may run concurrently
// with the broadcaster's writes.
func (h *Hub) pinger(stop <-chan struct{}) {
	defer h.wg.Done()
	ticker := time.NewTicker(h.ping)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, client := range h.snapshot() {
				if err := client.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(hubWriteTimeout)); err != nil {
					log.Debug().Err(err).Msg("Feed ping failed")
				}
			}
		case <-stop:
			return
		}
	}
}
