// Package wire implements the binary data-plane protocol: a fixed
// little-endian header followed by a fixed-size fixed-point payload. The
// header layout and field order are a compatibility contract shared with
// non-Go consumers; unknown message types are skipped by readers, never
// fatal.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"footprintd/internal/fixed"
	"footprintd/internal/model"
)

// Magic spells "GLRD" when the u32 is read little-endian.
const (
	Magic   uint32 = 0x474C5244
	Version uint8  = 1

	// HeaderSize is the fixed header length:
	// [magic u32][version u8][type u8][flags u8][reserved u8]
	// [payloadSize u32][timestamp u64][sequence u64]
	HeaderSize = 28
)

// MsgType discriminates payloads.
type MsgType uint8

const (
	MsgUnknown   MsgType = 0
	MsgCandle    MsgType = 1
	MsgTrade     MsgType = 2
	MsgOrderBook MsgType = 3
)

// Header flags.
const (
	FlagNone  uint8 = 0x00
	FlagFinal uint8 = 0x04 // candle is closed
)

// Fixed payload sizes.
const (
	candleSize    = 69 // 8+8 + 4*8 + 8+8 + 4 + 1
	tradeSize     = 41 // 8 + 3*8 + 8 + 1
	bookHeadSize  = 12 // lastUpdateId u64 + bidsCount u16 + asksCount u16
	bookEntrySize = 16 // price i64 + qty i64
)

// Decode error kinds. Each failure mode is distinct so consumers can tell a
// truncated frame from a foreign protocol.
var (
	ErrShort     = errors.New("wire: frame shorter than header")
	ErrBadMagic  = errors.New("wire: bad magic")
	ErrVersion   = errors.New("wire: unsupported version")
	ErrTruncated = errors.New("wire: truncated payload")
)

// BookLevel is one order book side entry in fixed-point.
type BookLevel struct {
	Price fixed.Price
	Qty   fixed.Qty
}

// OrderBook is a depth snapshot for encoding.
type OrderBook struct {
	LastUpdateID uint64
	Bids         []BookLevel
	Asks         []BookLevel
}

// Encoder frames messages with a monotonic sequence number. Safe for
// concurrent use.
type Encoder struct {
	seq atomic.Uint64
}

// NewEncoder creates an Encoder starting at sequence 1.
func NewEncoder() *Encoder { return &Encoder{} }

func (e *Encoder) frame(t MsgType, flags uint8, payloadSize int) []byte {
	buf := make([]byte, HeaderSize+payloadSize)
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	buf[4] = Version
	buf[5] = uint8(t)
	buf[6] = flags
	buf[7] = 0
	binary.LittleEndian.PutUint32(buf[8:12], uint32(payloadSize))
	binary.LittleEndian.PutUint64(buf[12:20], uint64(time.Now().UnixMilli()))
	binary.LittleEndian.PutUint64(buf[20:28], e.seq.Add(1))
	return buf
}

// EncodeCandle frames one candle. Closed candles carry FlagFinal.
func (e *Encoder) EncodeCandle(c model.Candle) []byte {
	flags := FlagNone
	if c.Closed {
		flags = FlagFinal
	}
	buf := e.frame(MsgCandle, flags, candleSize)
	p := buf[HeaderSize:]
	binary.LittleEndian.PutUint64(p[0:8], uint64(c.StartTime))
	binary.LittleEndian.PutUint64(p[8:16], uint64(c.EndTime))
	binary.LittleEndian.PutUint64(p[16:24], uint64(c.Open))
	binary.LittleEndian.PutUint64(p[24:32], uint64(c.High))
	binary.LittleEndian.PutUint64(p[32:40], uint64(c.Low))
	binary.LittleEndian.PutUint64(p[40:48], uint64(c.Close))
	binary.LittleEndian.PutUint64(p[48:56], uint64(c.Volume))
	binary.LittleEndian.PutUint64(p[56:64], uint64(fixed.Notional(c.Close, c.Volume)))
	binary.LittleEndian.PutUint32(p[64:68], c.TradeCount)
	if c.Closed {
		p[68] = 1
	}
	return buf
}

// EncodeTrade frames one tick.
func (e *Encoder) EncodeTrade(t model.Tick) []byte {
	buf := e.frame(MsgTrade, FlagNone, tradeSize)
	p := buf[HeaderSize:]
	binary.LittleEndian.PutUint64(p[0:8], uint64(t.TradeID))
	binary.LittleEndian.PutUint64(p[8:16], uint64(t.Price))
	binary.LittleEndian.PutUint64(p[16:24], uint64(t.Qty))
	binary.LittleEndian.PutUint64(p[24:32], uint64(fixed.Notional(t.Price, t.Qty)))
	binary.LittleEndian.PutUint64(p[32:40], uint64(t.Time))
	p[40] = uint8(t.Side)
	return buf
}

// EncodeOrderBook frames a depth snapshot.
func (e *Encoder) EncodeOrderBook(ob OrderBook) []byte {
	size := bookHeadSize + (len(ob.Bids)+len(ob.Asks))*bookEntrySize
	buf := e.frame(MsgOrderBook, FlagNone, size)
	p := buf[HeaderSize:]
	binary.LittleEndian.PutUint64(p[0:8], ob.LastUpdateID)
	binary.LittleEndian.PutUint16(p[8:10], uint16(len(ob.Bids)))
	binary.LittleEndian.PutUint16(p[10:12], uint16(len(ob.Asks)))
	off := bookHeadSize
	for _, lv := range ob.Bids {
		binary.LittleEndian.PutUint64(p[off:off+8], uint64(lv.Price))
		binary.LittleEndian.PutUint64(p[off+8:off+16], uint64(lv.Qty))
		off += bookEntrySize
	}
	for _, lv := range ob.Asks {
		binary.LittleEndian.PutUint64(p[off:off+8], uint64(lv.Price))
		binary.LittleEndian.PutUint64(p[off+8:off+16], uint64(lv.Qty))
		off += bookEntrySize
	}
	return buf
}

// ParsedMessage is a decoded frame. Payload aliases the input slice.
type ParsedMessage struct {
	Type      MsgType
	Flags     uint8
	Timestamp uint64
	Sequence  uint64
	Payload   []byte
}

// Decode validates the header and splits off the payload. Unknown types
// decode successfully; the caller decides whether to skip them.
func Decode(data []byte) (ParsedMessage, error) {
	if len(data) < HeaderSize {
		return ParsedMessage{}, fmt.Errorf("%w: %d bytes", ErrShort, len(data))
	}
	if binary.LittleEndian.Uint32(data[0:4]) != Magic {
		return ParsedMessage{}, ErrBadMagic
	}
	if data[4] != Version {
		return ParsedMessage{}, fmt.Errorf("%w: %d", ErrVersion, data[4])
	}
	payloadSize := binary.LittleEndian.Uint32(data[8:12])
	if len(data) < HeaderSize+int(payloadSize) {
		return ParsedMessage{}, fmt.Errorf("%w: want %d, have %d",
			ErrTruncated, payloadSize, len(data)-HeaderSize)
	}
	return ParsedMessage{
		Type:      MsgType(data[5]),
		Flags:     data[6],
		Timestamp: binary.LittleEndian.Uint64(data[12:20]),
		Sequence:  binary.LittleEndian.Uint64(data[20:28]),
		Payload:   data[HeaderSize : HeaderSize+payloadSize],
	}, nil
}

// DecodeCandle extracts a candle payload. Symbol and timeframe are not on the
// wire; the stream context supplies them.
func DecodeCandle(payload []byte) (model.Candle, error) {
	if len(payload) < candleSize {
		return model.Candle{}, fmt.Errorf("%w: candle payload %d bytes", ErrTruncated, len(payload))
	}
	c := model.Candle{
		StartTime:  int64(binary.LittleEndian.Uint64(payload[0:8])),
		EndTime:    int64(binary.LittleEndian.Uint64(payload[8:16])),
		Open:       fixed.Price(binary.LittleEndian.Uint64(payload[16:24])),
		High:       fixed.Price(binary.LittleEndian.Uint64(payload[24:32])),
		Low:        fixed.Price(binary.LittleEndian.Uint64(payload[32:40])),
		Close:      fixed.Price(binary.LittleEndian.Uint64(payload[40:48])),
		Volume:     fixed.Qty(binary.LittleEndian.Uint64(payload[48:56])),
		TradeCount: binary.LittleEndian.Uint32(payload[64:68]),
		Closed:     payload[68] == 1,
	}
	return c, nil
}

// DecodeTrade extracts a trade payload.
func DecodeTrade(payload []byte) (model.Tick, error) {
	if len(payload) < tradeSize {
		return model.Tick{}, fmt.Errorf("%w: trade payload %d bytes", ErrTruncated, len(payload))
	}
	return model.Tick{
		TradeID: int64(binary.LittleEndian.Uint64(payload[0:8])),
		Price:   fixed.Price(binary.LittleEndian.Uint64(payload[8:16])),
		Qty:     fixed.Qty(binary.LittleEndian.Uint64(payload[16:24])),
		Time:    int64(binary.LittleEndian.Uint64(payload[32:40])),
		Side:    model.Side(payload[40]),
	}, nil
}

// DecodeOrderBook extracts a depth snapshot payload.
func DecodeOrderBook(payload []byte) (OrderBook, error) {
	if len(payload) < bookHeadSize {
		return OrderBook{}, fmt.Errorf("%w: book payload %d bytes", ErrTruncated, len(payload))
	}
	ob := OrderBook{LastUpdateID: binary.LittleEndian.Uint64(payload[0:8])}
	nBids := int(binary.LittleEndian.Uint16(payload[8:10]))
	nAsks := int(binary.LittleEndian.Uint16(payload[10:12]))
	want := bookHeadSize + (nBids+nAsks)*bookEntrySize
	if len(payload) < want {
		return OrderBook{}, fmt.Errorf("%w: book payload %d bytes, want %d", ErrTruncated, len(payload), want)
	}
	off := bookHeadSize
	readLevel := func() BookLevel {
		lv := BookLevel{
			Price: fixed.Price(binary.LittleEndian.Uint64(payload[off : off+8])),
			Qty:   fixed.Qty(binary.LittleEndian.Uint64(payload[off+8 : off+16])),
		}
		off += bookEntrySize
		return lv
	}
	for i := 0; i < nBids; i++ {
		ob.Bids = append(ob.Bids, readLevel())
	}
	for i := 0; i < nAsks; i++ {
		ob.Asks = append(ob.Asks, readLevel())
	}
	return ob, nil
}
