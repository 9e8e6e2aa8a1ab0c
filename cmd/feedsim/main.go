// cmd/feedsim — simulated exchange for local development.
//
// Serves a Binance-shaped aggTrade websocket stream plus the REST aggTrades
// endpoint backed by the same generated trade log, so footprintd can run its
// full bootstrap (history fetch + live merge) without touching production.
//
// Point footprintd at it with:
//
//	BINANCE_REST_URL=http://localhost:9001
//	BINANCE_STREAM_URL=ws://localhost:9001/ws
//
// Config (env vars):
//
//	FEEDSIM_ADDR         — listen address (default ":9001")
//	FEEDSIM_SYMBOLS      — comma-separated symbols (default "BTCUSDT")
//	FEEDSIM_INTERVAL_MS  — trade interval milliseconds (default "100")
//	FEEDSIM_SEED_MINUTES — minutes of history pre-generated at startup (default "10")
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// aggTradeMsg mirrors the Binance aggTrade payload, for both the stream and
// the REST response.
type aggTradeMsg struct {
	Event        string `json:"e,omitempty"` // "aggTrade" on the stream, absent on REST
	EventTime    int64  `json:"E,omitempty"`
	Symbol       string `json:"s,omitempty"`
	AggTradeID   int64  `json:"a"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	FirstTradeID int64  `json:"f"`
	LastTradeID  int64  `json:"l"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

// market holds one symbol's simulation state and trade log.
type market struct {
	mu     sync.RWMutex
	symbol string
	price  float64
	nextID int64
	trades []aggTradeMsg
}

func (m *market) generate(at time.Time) aggTradeMsg {
	m.mu.Lock()
	defer m.mu.Unlock()

	// ±0.1% random walk.
	m.price *= 1 + (rand.Float64()*0.2-0.1)/100
	t := aggTradeMsg{
		Symbol:       m.symbol,
		AggTradeID:   m.nextID,
		Price:        strconv.FormatFloat(m.price, 'f', 2, 64),
		Quantity:     strconv.FormatFloat(rand.Float64()*2+0.001, 'f', 6, 64),
		FirstTradeID: m.nextID,
		LastTradeID:  m.nextID,
		TradeTime:    at.UnixMilli(),
		IsBuyerMaker: rand.Intn(2) == 0,
	}
	m.nextID++
	m.trades = append(m.trades, t)
	return t
}

// query serves the REST view of the trade log with Binance pagination rules:
// fromId wins over the time window, limit caps the page.
func (m *market) query(fromID, startMs, endMs int64, limit int) []aggTradeMsg {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []aggTradeMsg
	for _, t := range m.trades {
		if fromID > 0 {
			if t.AggTradeID < fromID {
				continue
			}
		} else {
			if startMs > 0 && t.TradeTime < startMs {
				continue
			}
			if endMs > 0 && t.TradeTime > endMs {
				continue
			}
		}
		out = append(out, t)
		if len(out) >= limit {
			break
		}
	}
	return out
}

// hub fans stream frames out to connected clients per symbol.
type hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]clientSub
}

type clientSub struct {
	symbol string
	send   chan []byte
}

func newHub() *hub {
	return &hub{clients: make(map[*websocket.Conn]clientSub)}
}

func (h *hub) register(conn *websocket.Conn, symbol string) chan []byte {
	ch := make(chan []byte, 256)
	h.mu.Lock()
	h.clients[conn] = clientSub{symbol: symbol, send: ch}
	h.mu.Unlock()
	return ch
}

func (h *hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if sub, ok := h.clients[conn]; ok {
		close(sub.send)
		delete(h.clients, conn)
	}
	h.mu.Unlock()
}

func (h *hub) broadcast(symbol string, msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.clients {
		if sub.symbol != symbol {
			continue
		}
		select {
		case sub.send <- msg:
		default: // slow client — drop
		}
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// wsHandler serves /ws/{symbol}@aggTrade, matching the Binance stream path
// shape the daemon dials.
func wsHandler(h *hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stream := strings.TrimPrefix(r.URL.Path, "/ws/")
		symbol := strings.ToUpper(strings.TrimSuffix(stream, "@aggTrade"))
		if symbol == "" || symbol == strings.ToUpper(stream) && !strings.HasSuffix(stream, "@aggTrade") {
			http.Error(w, "unknown stream", http.StatusNotFound)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[feedsim] upgrade error: %v", err)
			return
		}
		log.Printf("[feedsim] stream client connected: %s %s", r.RemoteAddr, stream)

		ch := h.register(conn, symbol)
		defer func() {
			h.unregister(conn)
			conn.Close()
			log.Printf("[feedsim] stream client disconnected: %s", r.RemoteAddr)
		}()

		// Reply to pings so client heartbeats see a live peer.
		conn.SetPingHandler(func(appData string) error {
			return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
		})
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for msg := range ch {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// aggTradesHandler serves GET /api/v3/aggTrades.
func aggTradesHandler(markets map[string]*market) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		m, ok := markets[strings.ToUpper(q.Get("symbol"))]
		if !ok {
			http.Error(w, `{"code":-1121,"msg":"Invalid symbol."}`, http.StatusBadRequest)
			return
		}
		fromID, _ := strconv.ParseInt(q.Get("fromId"), 10, 64)
		startMs, _ := strconv.ParseInt(q.Get("startTime"), 10, 64)
		endMs, _ := strconv.ParseInt(q.Get("endTime"), 10, 64)
		limit, _ := strconv.Atoi(q.Get("limit"))
		if limit <= 0 || limit > 1000 {
			limit = 500
		}

		trades := m.query(fromID, startMs, endMs, limit)
		if trades == nil {
			trades = []aggTradeMsg{}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(trades)
	}
}

func runGenerator(h *hub, markets map[string]*market, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for now := range ticker.C {
		for _, m := range markets {
			t := m.generate(now)
			t.Event = "aggTrade"
			t.EventTime = now.UnixMilli()
			b, err := json.Marshal(t)
			if err != nil {
				continue
			}
			h.broadcast(m.symbol, b)
		}
	}
}

// seedHistory pre-fills each market's trade log so getHistory and bootstrap
// have something to fetch immediately.
func seedHistory(markets map[string]*market, minutes int, interval time.Duration) {
	steps := int(time.Duration(minutes) * time.Minute / interval)
	start := time.Now().Add(-time.Duration(minutes) * time.Minute)
	for i := 0; i < steps; i++ {
		at := start.Add(time.Duration(i) * interval)
		for _, m := range markets {
			m.generate(at)
		}
	}
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[feedsim] starting simulated exchange...")

	addr := envOrDefault("FEEDSIM_ADDR", ":9001")
	symbolsEnv := envOrDefault("FEEDSIM_SYMBOLS", "BTCUSDT")
	intervalMs := envIntOrDefault("FEEDSIM_INTERVAL_MS", 100)
	seedMinutes := envIntOrDefault("FEEDSIM_SEED_MINUTES", 10)
	interval := time.Duration(intervalMs) * time.Millisecond

	startPrices := map[string]float64{
		"BTCUSDT": 65000,
		"ETHUSDT": 3200,
		"SOLUSDT": 140,
	}

	markets := make(map[string]*market)
	for _, s := range strings.Split(symbolsEnv, ",") {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		price := startPrices[s]
		if price == 0 {
			price = 100
		}
		markets[s] = &market{symbol: s, price: price, nextID: 1}
	}
	if len(markets) == 0 {
		log.Fatalf("[feedsim] no symbols configured via FEEDSIM_SYMBOLS")
	}

	seedHistory(markets, seedMinutes, interval)
	log.Printf("[feedsim] seeded %d minutes of history for %d symbols", seedMinutes, len(markets))

	h := newHub()
	go runGenerator(h, markets, interval)

	http.HandleFunc("/ws/", wsHandler(h))
	http.HandleFunc("/api/v3/aggTrades", aggTradesHandler(markets))
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, `{"status":"ok","service":"feedsim"}`)
	})

	log.Printf("[feedsim] listening on %s (stream: ws://localhost%s/ws/<symbol>@aggTrade)", addr, addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatalf("[feedsim] server error: %v", err)
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
