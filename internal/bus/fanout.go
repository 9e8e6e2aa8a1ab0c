// Package bus broadcasts pipeline events from a single input channel to N
// subscriber channels. A full subscriber channel drops the event for that
// subscriber only, so a slow store or bridge cannot stall the hot path.
package bus

import (
	"context"
	"log"
	"sync"

	"footprintd/internal/model"
)

// FanOut replicates events to every subscriber.
type FanOut struct {
	mu      sync.RWMutex
	outputs []chan model.Event
	bufSize int

	// OnDrop is called when an event is dropped for a subscriber.
	OnDrop func(subscriberIdx int)
}

// New creates a FanOut with the given buffer size for subscriber channels.
func New(outputBufferSize int) *FanOut {
	return &FanOut{bufSize: outputBufferSize}
}

// Subscribe creates and returns a new output channel. Must be called before
// Run starts delivering.
func (f *FanOut) Subscribe() <-chan model.Event {
	ch := make(chan model.Event, f.bufSize)
	f.mu.Lock()
	f.outputs = append(f.outputs, ch)
	f.mu.Unlock()
	return ch
}

// Run reads from input and fans out to all subscribers. Blocks until ctx is
// cancelled or input is closed; subscriber channels are closed on exit.
func (f *FanOut) Run(ctx context.Context, input <-chan model.Event) {
	defer func() {
		f.mu.RLock()
		for _, ch := range f.outputs {
			close(ch)
		}
		f.mu.RUnlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-input:
			if !ok {
				return
			}
			f.mu.RLock()
			for i, ch := range f.outputs {
				select {
				case ch <- ev:
				default:
					if f.OnDrop != nil {
						f.OnDrop(i)
					} else {
						log.Printf("[bus] output channel %d full, dropping event", i)
					}
				}
			}
			f.mu.RUnlock()
		}
	}
}

// ChannelStat reports (length, capacity) for a subscriber channel.
type ChannelStat struct {
	Len int
	Cap int
}

// ChannelStats returns saturation stats for each subscriber channel.
func (f *FanOut) ChannelStats() []ChannelStat {
	f.mu.RLock()
	defer f.mu.RUnlock()
	stats := make([]ChannelStat, len(f.outputs))
	for i, ch := range f.outputs {
		stats[i] = ChannelStat{Len: len(ch), Cap: cap(ch)}
	}
	return stats
}
