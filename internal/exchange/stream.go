package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"footprintd/internal/fixed"
	"footprintd/internal/model"
)

const (
	// DefaultStreamURL is the Binance spot combined-stream base.
	DefaultStreamURL = "wss://stream.binance.com:9443/ws"

	pongWait     = 60 * time.Second
	pingInterval = 20 * time.Second
	writeWait    = 10 * time.Second
)

// EventKind discriminates stream events.
type EventKind uint8

const (
	EventTrade EventKind = iota
	EventConnected
	EventDisconnected
)

// StreamEvent is one live-stream occurrence: a trade, or a connection state
// transition the bootstrap coordinator needs to see inline with the trades.
type StreamEvent struct {
	Kind EventKind
	Tick model.Tick
}

// Stream maintains a websocket subscription to one symbol's aggregated trade
// stream, reconnecting forever with jittered exponential backoff. Events are
// delivered in order on Events(); the send blocks rather than drops, so
// downstream pace bounds ingest.
type Stream struct {
	symbol  string
	baseURL string
	events  chan StreamEvent

	// OnReconnect is called before each redial attempt after the first
	// connect (optional, set externally).
	OnReconnect func()
}

// NewStream creates a stream for symbol. baseURL overrides the production
// endpoint; empty keeps the default.
func NewStream(symbol, baseURL string) *Stream {
	if baseURL == "" {
		baseURL = DefaultStreamURL
	}
	return &Stream{
		symbol:  symbol,
		baseURL: baseURL,
		events:  make(chan StreamEvent, 256),
	}
}

// Events returns the ordered event channel. Closed when Run exits.
func (s *Stream) Events() <-chan StreamEvent { return s.events }

// Run connects and pumps events until ctx is cancelled. Reconnects are
// unbounded: live connectivity is the process's reason to exist, so it keeps
// trying while flagging the outage via EventDisconnected.
func (s *Stream) Run(ctx context.Context) {
	defer close(s.events)

	url := fmt.Sprintf("%s/%s@aggTrade", s.baseURL, strings.ToLower(s.symbol))
	bo := &backoff.Backoff{Min: time.Second, Max: time.Minute, Factor: 2, Jitter: true}
	first := true

	for {
		if ctx.Err() != nil {
			return
		}
		if !first {
			if s.OnReconnect != nil {
				s.OnReconnect()
			}
			wait := bo.Duration()
			log.Printf("[stream] %s reconnecting in %s", s.symbol, wait)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
		first = false

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			log.Printf("[stream] %s dial: %v", s.symbol, err)
			if !s.emit(ctx, StreamEvent{Kind: EventDisconnected}) {
				return
			}
			continue
		}

		bo.Reset()
		if !s.emit(ctx, StreamEvent{Kind: EventConnected}) {
			conn.Close()
			return
		}

		s.pump(ctx, conn)
		conn.Close()

		if !s.emit(ctx, StreamEvent{Kind: EventDisconnected}) {
			return
		}
	}
}

// pump reads frames until the connection breaks or ctx is cancelled. A
// heartbeat goroutine pings every pingInterval; a missed pong lets the read
// deadline expire and breaks the read loop.
func (s *Stream) pump(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("[stream] %s read: %v", s.symbol, err)
			}
			return
		}
		tick, err := parseAggTrade(s.symbol, raw)
		if err != nil {
			// Malformed frame: drop it, keep the connection.
			log.Printf("[stream] %s drop frame: %v", s.symbol, err)
			continue
		}
		if tick == nil {
			continue // non-trade event
		}
		if !s.emit(ctx, StreamEvent{Kind: EventTrade, Tick: *tick}) {
			return
		}
	}
}

// emit blocks until the event is accepted or ctx is cancelled. Returns false
// on cancellation.
func (s *Stream) emit(ctx context.Context, ev StreamEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// wsAggTrade is the Binance aggTrade stream payload.
type wsAggTrade struct {
	Event        string `json:"e"`
	EventTime    int64  `json:"E"`
	AggTradeID   int64  `json:"a"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

// parseAggTrade decodes one stream frame. Returns (nil, nil) for frames that
// are valid JSON but not aggTrade events (subscription acks, other streams).
func parseAggTrade(symbol string, raw []byte) (*model.Tick, error) {
	var msg wsAggTrade
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if msg.Event != "aggTrade" {
		return nil, nil
	}
	price, err := fixed.PriceFromString(msg.Price)
	if err != nil {
		return nil, fmt.Errorf("%w: price %q: %v", ErrProtocol, msg.Price, err)
	}
	qty, err := fixed.QtyFromString(msg.Quantity)
	if err != nil {
		return nil, fmt.Errorf("%w: qty %q: %v", ErrProtocol, msg.Quantity, err)
	}
	return &model.Tick{
		Symbol:  symbol,
		TradeID: msg.AggTradeID,
		Time:    msg.TradeTime,
		Price:   price,
		Qty:     qty,
		Side:    model.SideFromBuyerMaker(msg.IsBuyerMaker),
	}, nil
}
