// Package bus is the in-process event bus that connects the call state machine,
// the media controller and whatever renders them.
package bus

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Event is anything published on the bus. Kind is used for logging only;
// subscribers switch on the concrete type.
type Event interface {
	Kind() string
}

const DefaultBuffer = 64

// Bus fans every published event out to all current subscribers.
// Publish never blocks: a subscriber whose buffer is full misses the event.
type Bus struct {
	log *slog.Logger

	mu        sync.RWMutex
	listeners map[chan Event]struct{}
	closed    bool

	dropped atomic.Int64
}

func New(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		log:       log.With("component", "bus"),
		listeners: make(map[chan Event]struct{}),
	}
}

// Subscribe returns a channel receiving every event published from now on.
// cancel closes the channel and is safe to call more than once.
func (b *Bus) Subscribe(buf int) (<-chan Event, func()) {
	if buf <= 0 {
		buf = DefaultBuffer
	}
	ch := make(chan Event, buf)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.listeners[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.listeners[ch]; ok {
			delete(b.listeners, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

func (b *Bus) Publish(ev Event) {
	if ev == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.listeners {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
			b.log.Warn("subscriber buffer full, event dropped", "kind", ev.Kind())
		}
	}
}

// Dropped reports how many deliveries were skipped because of full buffers.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Close closes every subscriber channel. Publishing after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.listeners {
		close(ch)
	}
	b.listeners = map[chan Event]struct{}{}
}
