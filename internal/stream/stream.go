// Package stream fans completion events out to in-process subscribers
// (stats tracker, SSE clients). Publish never blocks: slow subscribers drop.
package stream

import (
	"context"
	"sync"

	"stratasync.io/internal/syncq"
)

const subscriberBuffer = 64

// Bus fan-outs completion events to all active subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan syncq.CompletionEvent
	next int
}

// New initialises an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]chan syncq.CompletionEvent)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (b *Bus) Subscribe(ctx context.Context) <-chan syncq.CompletionEvent {
	ch := make(chan syncq.CompletionEvent, subscriberBuffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		close(ch)
		b.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (b *Bus) Publish(event syncq.CompletionEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
			// Drop when subscriber is slow to avoid blocking the queue.
		}
	}
}

// SyncCompleted implements syncq.Observer so the bus can be injected straight
// into the queue.
func (b *Bus) SyncCompleted(event syncq.CompletionEvent) {
	b.Publish(event)
}

var _ syncq.Observer = (*Bus)(nil)
