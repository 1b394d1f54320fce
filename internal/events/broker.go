// Package events fans guard events out to live subscribers (API event
// streams) and to the audit stores.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/agentsh/crashguard/pkg/types"
)

// Broker routes events by scope id. Subscribing to the empty scope id
// receives every event.
type Broker struct {
	mu      sync.RWMutex
	subs    map[string]map[chan types.Event]struct{} // scopeID -> subscribers
	dropped atomic.Int64
	logger  *slog.Logger
}

func NewBroker(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		subs:   make(map[string]map[chan types.Event]struct{}),
		logger: logger,
	}
}

func (b *Broker) Subscribe(scopeID string, buf int) chan types.Event {
	if buf <= 0 {
		buf = 100
	}
	ch := make(chan types.Event, buf)

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[scopeID]; !ok {
		b.subs[scopeID] = make(map[chan types.Event]struct{})
	}
	b.subs[scopeID][ch] = struct{}{}
	return ch
}

func (b *Broker) Unsubscribe(scopeID string, ch chan types.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.subs[scopeID]; ok {
		delete(m, ch)
		if len(m) == 0 {
			delete(b.subs, scopeID)
		}
	}
	close(ch)
}

func (b *Broker) Publish(ev types.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	b.deliver(b.subs[ev.ScopeID], ev)
	if ev.ScopeID != "" {
		b.deliver(b.subs[""], ev)
	}
}

func (b *Broker) deliver(m map[chan types.Event]struct{}, ev types.Event) {
	for ch := range m {
		select {
		case ch <- ev:
		default:
			// Drop on slow subscriber, log occasionally.
			count := b.dropped.Add(1)
			if count == 1 || count%100 == 0 {
				b.logger.Warn("dropped event for slow subscriber",
					"scope", ev.ScopeID, "type", ev.Type, "total_dropped", count)
			}
		}
	}
}

// DroppedCount returns the total number of events dropped due to slow
// subscribers.
func (b *Broker) DroppedCount() int64 {
	return b.dropped.Load()
}
