package bridge

import (
	"context"
	"fmt"
	"sync"
)

// concurrencyLimiter caps in-flight requests per provider. A provider with
// no configured limit is unrestricted.
type concurrencyLimiter struct {
	mu    sync.RWMutex
	slots map[string]chan struct{}
}

func newConcurrencyLimiter(limits map[string]int) *concurrencyLimiter {
	l := &concurrencyLimiter{
		slots: make(map[string]chan struct{}),
	}
	for provider, limit := range limits {
		if limit > 0 {
			l.slots[provider] = make(chan struct{}, limit)
		}
	}
	return l
}

// acquire blocks until a slot is free for the provider or the context ends.
func (l *concurrencyLimiter) acquire(ctx context.Context, provider string) error {
	l.mu.RLock()
	slot, limited := l.slots[provider]
	l.mu.RUnlock()

	if !limited {
		return nil
	}

	select {
	case slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %s concurrency slot: %w", provider, ctx.Err())
	}
}

// release frees a slot previously acquired for the provider.
func (l *concurrencyLimiter) release(provider string) {
	l.mu.RLock()
	slot, limited := l.slots[provider]
	l.mu.RUnlock()

	if !limited {
		return
	}

	select {
	case <-slot:
	default:
		// Release without matching acquire is a programming error; do not block.
	}
}

// inFlight reports the current number of held slots for a provider.
func (l *concurrencyLimiter) inFlight(provider string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if slot, ok := l.slots[provider]; ok {
		return len(slot)
	}
	return 0
}
