package core

import (
	"sync"
	"time"
)

// BatchConfig configures Batch: events sharing a key accumulate until
// either MaxSize is reached or MaxAge elapses since the first event in
// the group, whichever comes first.
type BatchConfig struct {
	KeyFn   func(Event) string
	MaxSize int
	MaxAge  time.Duration
	Source  string
}

type batchGroup struct {
	items []Event
	timer *time.Timer
}

// Batch groups events sharing a key and, as a Middleware, swallows each
// individual event (returns ok=false) while republishing a single
// EventSystem summary event onto bus once the group flushes. The
// summary's Data carries "batch_key" and "events".
func Batch(bus *EventBus, cfg BatchConfig) Middleware {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 50
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = time.Second
	}
	if cfg.Source == "" {
		cfg.Source = "event_bus.batch"
	}

	var mu sync.Mutex
	groups := map[string]*batchGroup{}

	flush := func(key string) {
		mu.Lock()
		g, ok := groups[key]
		if ok {
			delete(groups, key)
		}
		mu.Unlock()
		if !ok || len(g.items) == 0 {
			return
		}
		bus.Publish(NewEvent(EventSystem, g.items[0].Priority, cfg.Source, map[string]any{
			"batch_key": key,
			"events":    g.items,
			"count":     len(g.items),
		}))
	}

	return func(ev Event) (Event, bool) {
		key := cfg.KeyFn(ev)
		mu.Lock()
		g, ok := groups[key]
		if !ok {
			g = &batchGroup{}
			groups[key] = g
			g.timer = time.AfterFunc(cfg.MaxAge, func() { flush(key) })
		}
		g.items = append(g.items, ev)
		full := len(g.items) >= cfg.MaxSize
		if full && g.timer != nil {
			g.timer.Stop()
		}
		mu.Unlock()
		if full {
			flush(key)
		}
		return Event{}, false
	}
}

// AggregateConfig configures Aggregate: events sharing a key are
// collected for Window and combined by Combine into one summary event
// published onto bus.
type AggregateConfig struct {
	KeyFn   func(Event) string
	Window  time.Duration
	Combine func(key string, events []Event) Event
}

type aggregateGroup struct {
	items []Event
	timer *time.Timer
}

// Aggregate combines events sharing a key into one summary event over a
// fixed time window, swallowing the originals the same way Batch does.
func Aggregate(bus *EventBus, cfg AggregateConfig) Middleware {
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	if cfg.Combine == nil {
		cfg.Combine = func(key string, events []Event) Event {
			prio := PriorityLow
			for _, e := range events {
				if e.Priority > prio {
					prio = e.Priority
				}
			}
			return NewEvent(EventSystem, prio, "event_bus.aggregate", map[string]any{
				"aggregate_key": key,
				"events":        events,
				"count":         len(events),
			})
		}
	}

	var mu sync.Mutex
	groups := map[string]*aggregateGroup{}

	flush := func(key string) {
		mu.Lock()
		g, ok := groups[key]
		if ok {
			delete(groups, key)
		}
		mu.Unlock()
		if !ok || len(g.items) == 0 {
			return
		}
		bus.Publish(cfg.Combine(key, g.items))
	}

	return func(ev Event) (Event, bool) {
		key := cfg.KeyFn(ev)
		mu.Lock()
		g, ok := groups[key]
		if !ok {
			g = &aggregateGroup{}
			groups[key] = g
			g.timer = time.AfterFunc(cfg.Window, func() { flush(key) })
		}
		g.items = append(g.items, ev)
		mu.Unlock()
		return Event{}, false
	}
}
