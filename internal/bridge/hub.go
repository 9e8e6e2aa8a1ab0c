package bridge

import (
	"context"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"footprintd/internal/aggregate"
	"footprintd/internal/fixed"
	"footprintd/internal/model"
)

// Store is the persistence surface the control plane queries; satisfied by
// the sqlite store.
type Store interface {
	QueryCandles(symbol string, tf int, startMs, endMs int64) ([]model.Candle, error)
	QueryTicks(symbol string, startMs, endMs int64) ([]model.Tick, error)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub manages control-plane clients and fans live updates out to them.
type Hub struct {
	Store     Store
	Engine    *aggregate.Engine
	PriceStep fixed.Price

	// Status reports per-symbol pipeline state and storage health.
	Status func() ([]SymbolStatus, bool)
	// GetRetention / SetRetention expose the retention window in days.
	// SetRetention clamps and returns the effective value.
	GetRetention func() int
	SetRetention func(days int) int

	mu      sync.RWMutex
	clients map[*Client]bool
}

// NewHub creates an empty hub; wire the dependency fields before serving.
func NewHub() *Hub {
	return &Hub{clients: make(map[*Client]bool)}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWS upgrades the connection and registers the client.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[bridge] upgrade: %v", err)
		return
	}

	client := &Client{
		conn: conn,
		send: make(chan []byte, 256),
		hub:  h,
		subs: make(map[string]bool),
	}

	h.mu.Lock()
	h.clients[client] = true
	count := len(h.clients)
	h.mu.Unlock()
	log.Printf("[bridge] client connected (%d total)", count)

	go client.writePump()
	go client.readPump()
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Run consumes pipeline events and broadcasts JSON updates to subscribed
// clients. Blocks until ctx is cancelled or events is closed.
func (h *Hub) Run(ctx context.Context, events <-chan model.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case model.EventCandle:
				h.broadcast(ev.Candle.Key(), candleUpdate(ev.Candle, ev.Final))
			case model.EventTick:
				h.broadcastSymbol(ev.Tick.Symbol, tickUpdate(ev.Tick))
			}
		}
	}
}

// BroadcastStatus pushes an unsolicited status update to every client, used
// when a symbol's connection state changes.
func (h *Hub) BroadcastStatus() {
	if h.Status == nil {
		return
	}
	symbols, storageOK := h.Status()
	payload := statusResponse("", symbols, h.ClientCount(), storageOK)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.enqueue(payload)
	}
}

// broadcast delivers to clients subscribed to exactly this (symbol, tf). A
// full send buffer drops the update for that client only.
func (h *Hub) broadcast(key string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.subscribedTo(key) {
			continue
		}
		select {
		case c.send <- payload:
		default:
		}
	}
}

// broadcastSymbol delivers to clients with any subscription on the symbol.
func (h *Hub) broadcastSymbol(symbol string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.subscribedToSymbol(symbol) {
			continue
		}
		select {
		case c.send <- payload:
		default:
		}
	}
}
