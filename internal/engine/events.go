package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/shipsec/shipsec/internal/store"
)

// EventBus appends run events to the durable log and fans them out to live
// subscribers. Subscribers that fall behind are dropped rather than allowed
// to block the engine.
type EventBus struct {
	store  *store.Store
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]map[chan store.RunEvent]struct{}
}

func NewEventBus(s *store.Store, logger *slog.Logger) *EventBus {
	return &EventBus{store: s, logger: logger, subs: map[string]map[chan store.RunEvent]struct{}{}}
}

// Emit persists one event and delivers it to the run's subscribers.
func (b *EventBus) Emit(ctx context.Context, runID, nodeID, kind string, data map[string]any) {
	var raw []byte
	if data != nil {
		raw, _ = json.Marshal(data)
	}
	ev := store.RunEvent{RunID: runID, NodeID: nodeID, Kind: kind, DataJSON: raw}
	if err := b.store.AppendEvent(ctx, &ev); err != nil {
		b.logger.Error("append run event", "run", runID, "kind", kind, "err", err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[runID] {
		select {
		case ch <- ev:
		default:
			// Slow subscriber; it will catch up from the store by seq.
		}
	}
}

// Subscribe returns a channel of live events for a run and an unsubscribe
// function. Events already persisted are fetched separately via EventsSince.
func (b *EventBus) Subscribe(runID string) (<-chan store.RunEvent, func()) {
	ch := make(chan store.RunEvent, 64)
	b.mu.Lock()
	if b.subs[runID] == nil {
		b.subs[runID] = map[chan store.RunEvent]struct{}{}
	}
	b.subs[runID][ch] = struct{}{}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if set := b.subs[runID]; set != nil {
			delete(set, ch)
			if len(set) == 0 {
				delete(b.subs, runID)
			}
		}
	}
}
