package events

import (
	"sync"
	"sync/atomic"
)

const defaultSubscriberBuffer = 64

// Bus is a process-wide broadcast for traces and warnings.
// Publishing never blocks: events for a subscriber whose buffer is full are dropped,
// and events published with no subscribers are discarded.
type Bus struct {
	mutex    sync.RWMutex
	nextID   int
	traces   map[int]chan Trace
	warnings map[int]chan string
	buffer   int
	dropped  atomic.Uint64
}

// NewBus creates a broadcast bus with the given per-subscriber buffer size
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Bus{
		traces:   make(map[int]chan Trace),
		warnings: make(map[int]chan string),
		buffer:   buffer,
	}
}

// SubscribeTraces registers a trace subscriber. The returned func unsubscribes
// and closes the channel.
func (b *Bus) SubscribeTraces() (<-chan Trace, func()) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Trace, b.buffer)
	b.traces[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mutex.Lock()
			defer b.mutex.Unlock()
			delete(b.traces, id)
			close(ch)
		})
	}
}

// SubscribeWarnings registers a warning subscriber
func (b *Bus) SubscribeWarnings() (<-chan string, func()) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan string, b.buffer)
	b.warnings[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mutex.Lock()
			defer b.mutex.Unlock()
			delete(b.warnings, id)
			close(ch)
		})
	}
}

// Trace publishes to all trace subscribers
func (b *Bus) Trace(t Trace) {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	for _, ch := range b.traces {
		select {
		case ch <- t:
		default:
			b.dropped.Add(1)
		}
	}
}

// Warning publishes to all warning subscribers
func (b *Bus) Warning(message string) {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	for _, ch := range b.warnings {
		select {
		case ch <- message:
		default:
			b.dropped.Add(1)
		}
	}
}

// GetStats returns statistics about the bus
func (b *Bus) GetStats() map[string]interface{} {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	return map[string]interface{}{
		"traceSubscribers":   len(b.traces),
		"warningSubscribers": len(b.warnings),
		"dropped":            b.dropped.Load(),
	}
}
