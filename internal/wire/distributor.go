package wire

import (
	"log"
	"sync"
)

// Distributor fans encoded frames out to attached consumers. Each consumer
// owns a buffered channel; a consumer that cannot keep up loses frames (and
// only that consumer does), the publisher never blocks.
type Distributor struct {
	mu        sync.RWMutex
	consumers map[int]chan []byte
	nextID    int
	bufSize   int

	// OnDrop is called with the consumer ID for each dropped frame
	// (optional, set externally).
	OnDrop func(id int)
}

// NewDistributor creates a Distributor with the given per-consumer buffer.
func NewDistributor(bufSize int) *Distributor {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &Distributor{consumers: make(map[int]chan []byte), bufSize: bufSize}
}

// Attach registers a consumer and returns its ID and frame channel. The
// channel is closed by Detach.
func (d *Distributor) Attach() (int, <-chan []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextID
	d.nextID++
	ch := make(chan []byte, d.bufSize)
	d.consumers[id] = ch
	return id, ch
}

// Detach removes a consumer and closes its channel. Safe to call once per ID.
func (d *Distributor) Detach(id int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch, ok := d.consumers[id]; ok {
		delete(d.consumers, id)
		close(ch)
	}
}

// Publish delivers one frame to every consumer, dropping per slow consumer.
func (d *Distributor) Publish(frame []byte) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for id, ch := range d.consumers {
		select {
		case ch <- frame:
		default:
			if d.OnDrop != nil {
				d.OnDrop(id)
			} else {
				log.Printf("[wire] consumer %d full, dropping frame", id)
			}
		}
	}
}

// Consumers returns the number of attached consumers.
func (d *Distributor) Consumers() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.consumers)
}
