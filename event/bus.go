package event

import (
	"context"
	"fmt"
	"sync"
)

// InMemoryBus is a thread-safe in-process event bus.
type InMemoryBus struct {
	mu       sync.RWMutex
	handlers []handlerEntry
	history  []TaskEvent
	maxHist  int
	counter  int
}

type handlerEntry struct {
	id      int
	handler Handler
}

// NewInMemoryBus creates an InMemoryBus with a 1000-event history cap.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{maxHist: 1000}
}

// Publish delivers ev to every subscriber. Handlers run outside the lock
// so a slow subscriber cannot deadlock a concurrent Subscribe.
func (b *InMemoryBus) Publish(ctx context.Context, ev TaskEvent) error {
	b.mu.Lock()
	b.history = append(b.history, ev)
	if len(b.history) > b.maxHist {
		b.history = b.history[len(b.history)-b.maxHist:]
	}
	targets := make([]Handler, 0, len(b.handlers))
	for _, e := range b.handlers {
		targets = append(targets, e.handler)
	}
	b.mu.Unlock()

	var errs []error
	for _, h := range targets {
		if err := h(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("publish: %d handler error(s): %v", len(errs), errs[0])
	}
	return nil
}

// Subscribe registers a handler for all task events.
// The returned function unsubscribes the handler.
func (b *InMemoryBus) Subscribe(handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.counter++
	id := b.counter
	b.handlers = append(b.handlers, handlerEntry{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		filtered := b.handlers[:0]
		for _, e := range b.handlers {
			if e.id != id {
				filtered = append(filtered, e)
			}
		}
		b.handlers = filtered
	}
}

// History returns the most recent limit events for userID in
// chronological order.
func (b *InMemoryBus) History(userID string, limit int) ([]TaskEvent, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []TaskEvent
	for i := len(b.history) - 1; i >= 0; i-- {
		ev := b.history[i]
		if ev.UserID == userID {
			result = append(result, ev)
			if limit > 0 && len(result) >= limit {
				break
			}
		}
	}
	// Reverse to chronological order
	for l, r := 0, len(result)-1; l < r; l, r = l+1, r-1 {
		result[l], result[r] = result[r], result[l]
	}
	return result, nil
}
