package lightning

import (
	"context"
	"sync"
)

// Bus fan-outs settlement events to all active subscribers (websocket
// clients and anything else that cares). It only forwards: grant creation
// is driven by ConfirmPayment, because the stream carries no reader
// identity.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan InvoiceEvent
	next int
}

// NewBus initialises an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan InvoiceEvent)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed and removed when the provided context ends.
func (b *Bus) Subscribe(ctx context.Context) <-chan InvoiceEvent {
	ch := make(chan InvoiceEvent, 16)

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
func (b *Bus) Publish(evt InvoiceEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// Subscribers reports the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
