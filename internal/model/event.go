package model

// EventType discriminates pipeline events.
type EventType uint8

const (
	EventTick EventType = iota
	EventCandle
)

// Event is one pipeline output: either a raw tick or a candle update. Candle
// events carry a deep-copied snapshot; Final marks a bucket rollover (the
// candle is closed and will never change again).
type Event struct {
	Type   EventType
	Tick   Tick
	Candle Candle
	Final  bool
}

// TickEvent wraps a tick for the fan-out bus.
func TickEvent(t Tick) Event {
	return Event{Type: EventTick, Tick: t}
}

// CandleEvent wraps a candle snapshot for the fan-out bus.
func CandleEvent(c Candle, final bool) Event {
	return Event{Type: EventCandle, Candle: c, Final: final}
}
