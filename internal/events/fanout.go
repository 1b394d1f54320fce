package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agentsh/crashguard/internal/metrics"
	"github.com/agentsh/crashguard/internal/store"
	"github.com/agentsh/crashguard/pkg/types"
)

// Fanout is the sink the guard engine publishes into: it stamps each event
// with an id and timestamp, counts it, forwards it to live subscribers, and
// appends it to the audit store. Store failures are logged and dropped;
// audit is best effort and must never block the crash path.
type Fanout struct {
	broker  *Broker
	store   store.EventStore
	metrics *metrics.Collector
	logger  *slog.Logger
}

func NewFanout(broker *Broker, st store.EventStore, m *metrics.Collector, logger *slog.Logger) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{broker: broker, store: st, metrics: m, logger: logger}
}

func (f *Fanout) Publish(ev types.Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	f.metrics.IncEvent(ev.Type)
	if f.broker != nil {
		f.broker.Publish(ev)
	}
	if f.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := f.store.AppendEvent(ctx, ev); err != nil {
			f.logger.Error("append audit event", "type", ev.Type, "error", err)
		}
	}
}
