package bridge

import (
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"footprintd/internal/aggregate"
	"footprintd/internal/model"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	maxMsgSize = 4096
)

// Client is one control-plane websocket peer.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	subMu sync.RWMutex
	subs  map[string]bool // key = "symbol:tf"
}

func subKey(symbol string, tf int) string {
	c := model.Candle{Symbol: symbol, Timeframe: tf}
	return c.Key()
}

func (c *Client) subscribedTo(key string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return c.subs[key]
}

func (c *Client) subscribedToSymbol(symbol string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	prefix := symbol + ":"
	for key := range c.subs {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

func (c *Client) enqueue(payload []byte) {
	select {
	case c.send <- payload:
	default:
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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

func (c *Client) readPump() {
	defer func() {
		c.hub.removeClient(c)
		c.conn.Close()
		log.Println("[bridge] client disconnected")
	}()

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		in, err := ParseInbound(raw)
		if err != nil {
			c.enqueue(errorResponse("", err.Error()))
			continue
		}
		c.handle(in)
	}
}

// handle dispatches one parsed request. The type switch covers every Inbound
// implementation; ParseInbound rejects anything else.
func (c *Client) handle(in Inbound) {
	switch msg := in.(type) {
	case *SubscribeMsg:
		c.handleSubscribe(msg)
	case *UnsubscribeMsg:
		c.handleUnsubscribe(msg)
	case *GetHistoryMsg:
		c.handleGetHistory(msg)
	case *GetTicksMsg:
		c.handleGetTicks(msg)
	case *GetFootprintMsg:
		c.handleGetFootprint(msg)
	case *SetConfigMsg:
		c.handleSetConfig(msg)
	case *GetStatusMsg:
		c.handleGetStatus(msg)
	default:
		c.enqueue(errorResponse("", "unhandled message"))
	}
}

func (c *Client) handleSubscribe(msg *SubscribeMsg) {
	if msg.Symbol == "" || msg.TF <= 0 {
		c.enqueue(errorResponse(msg.ReqID, "symbol and tf are required"))
		return
	}
	c.subMu.Lock()
	c.subs[subKey(msg.Symbol, msg.TF)] = true
	c.subMu.Unlock()
	log.Printf("[bridge] subscribe %s tf=%d", msg.Symbol, msg.TF)

	c.enqueue(subscribedResponse(msg.ReqID, msg.Symbol, msg.TF))

	// Seed the subscription with the recent in-memory window so the client
	// has chart context before the first live update.
	if c.hub.Engine != nil {
		for _, candle := range c.hub.Engine.History(msg.Symbol, msg.TF, 500) {
			c.enqueue(candleUpdate(candle, candle.Closed))
		}
	}
}

func (c *Client) handleUnsubscribe(msg *UnsubscribeMsg) {
	c.subMu.Lock()
	delete(c.subs, subKey(msg.Symbol, msg.TF))
	c.subMu.Unlock()
	log.Printf("[bridge] unsubscribe %s tf=%d", msg.Symbol, msg.TF)
}

func (c *Client) handleGetHistory(msg *GetHistoryMsg) {
	if msg.Symbol == "" || msg.TF <= 0 {
		c.enqueue(errorResponse(msg.ReqID, "symbol and tf are required"))
		return
	}
	start, end := msg.StartMs, msg.EndMs
	if start == 0 && end == 0 {
		days := msg.Days
		if days <= 0 {
			days = 1
		}
		if c.hub.GetRetention != nil {
			if max := c.hub.GetRetention(); days > max {
				days = max
			}
		}
		end = time.Now().UnixMilli()
		start = end - int64(days)*24*3600*1000
	}
	if end <= start {
		c.enqueue(errorResponse(msg.ReqID, "end_ms must be after start_ms"))
		return
	}

	candles, err := c.hub.Store.QueryCandles(msg.Symbol, msg.TF, start, end)
	if err != nil {
		log.Printf("[bridge] history query: %v", err)
		c.enqueue(errorResponse(msg.ReqID, "history query failed"))
		return
	}
	c.enqueue(historyResponse(msg.ReqID, msg.Symbol, msg.TF, candles))
}

func (c *Client) handleGetTicks(msg *GetTicksMsg) {
	if msg.Symbol == "" {
		c.enqueue(errorResponse(msg.ReqID, "symbol is required"))
		return
	}
	if msg.EndMs <= msg.StartMs {
		c.enqueue(errorResponse(msg.ReqID, "end_ms must be after start_ms"))
		return
	}

	ticks, err := c.hub.Store.QueryTicks(msg.Symbol, msg.StartMs, msg.EndMs)
	if err != nil {
		log.Printf("[bridge] ticks query: %v", err)
		c.enqueue(errorResponse(msg.ReqID, "ticks query failed"))
		return
	}
	c.enqueue(ticksResponse(msg.ReqID, msg.Symbol, ticks))
}

func (c *Client) handleGetFootprint(msg *GetFootprintMsg) {
	if msg.Symbol == "" || msg.TF <= 0 {
		c.enqueue(errorResponse(msg.ReqID, "symbol and tf are required"))
		return
	}

	// In-memory window first: it covers the forming candle and recent
	// closes. Older candles are rebuilt from stored ticks.
	if c.hub.Engine != nil {
		if candle, ok := c.hub.Engine.FootprintAt(msg.Symbol, msg.TF, msg.CandleTime); ok {
			c.enqueue(footprintResponse(msg.ReqID, candle))
			return
		}
	}

	ticks, err := c.hub.Store.QueryTicks(msg.Symbol, msg.CandleTime, msg.CandleTime+int64(msg.TF)*1000)
	if err != nil {
		log.Printf("[bridge] footprint query: %v", err)
		c.enqueue(errorResponse(msg.ReqID, "footprint query failed"))
		return
	}
	if len(ticks) == 0 {
		c.enqueue(errorResponse(msg.ReqID, "no data for requested candle"))
		return
	}
	candles := aggregate.FromTicks(ticks, msg.TF, c.hub.PriceStep)
	c.enqueue(footprintResponse(msg.ReqID, candles[0]))
}

func (c *Client) handleSetConfig(msg *SetConfigMsg) {
	if c.hub.SetRetention == nil {
		c.enqueue(errorResponse(msg.ReqID, "config changes not supported"))
		return
	}
	effective := c.hub.SetRetention(msg.Days)
	log.Printf("[bridge] retention set to %d days", effective)
	c.enqueue(configResponse(msg.ReqID, effective))
}

func (c *Client) handleGetStatus(msg *GetStatusMsg) {
	var symbols []SymbolStatus
	storageOK := true
	if c.hub.Status != nil {
		symbols, storageOK = c.hub.Status()
	}
	c.enqueue(statusResponse(msg.ReqID, symbols, c.hub.ClientCount(), storageOK))
}
