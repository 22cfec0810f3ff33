package core

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// elevatedItem is one entry in the priority deque. Ordering is by seq
// only: elevated (High+) events are strictly FIFO within their class,
// never reordered by the finer priority value, so the heap's "priority"
// is purely arrival order.
type elevatedItem struct {
	ev  Event
	seq uint64
}

type elevatedQueue []elevatedItem

func (q elevatedQueue) Len() int            { return len(q) }
func (q elevatedQueue) Less(i, j int) bool  { return q[i].seq < q[j].seq }
func (q elevatedQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *elevatedQueue) Push(x any)         { *q = append(*q, x.(elevatedItem)) }
func (q *elevatedQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	*q = old[:n-1]
	return it
}

// Middleware transforms or drops an event before it reaches subscribers.
// Returning ok=false drops the event.
type Middleware func(Event) (Event, bool)

// Filter is a global post-middleware gate; any rejecting filter stops
// delivery entirely.
type Filter func(Event) bool

// Subscription is a live registration returned by Subscribe; Cancel
// stops further delivery to it.
type Subscription struct {
	id    string
	bus   *EventBus
	async bool
}

// Cancel unregisters the subscription. Idempotent.
func (s Subscription) Cancel() { s.bus.unsubscribe(s.id) }

type subscriber struct {
	id        string
	kinds     map[EventKind]bool
	predicate func(Event) bool
	handler   func(Event)
	sync      bool
	queue     chan Event // async subscribers only
}

func (s *subscriber) accepts(ev Event) bool {
	if len(s.kinds) > 0 && !s.kinds[ev.Kind] {
		return false
	}
	if s.predicate != nil && !s.predicate(ev) {
		return false
	}
	return true
}

// EventBusConfig sizes the bus's bounded resources.
type EventBusConfig struct {
	NormalQueueSize int
	WorkerPoolSize  int
	Metrics         *Metrics
}

// EventBus is the central typed publish/subscribe dispatcher: a bounded
// FIFO for Normal-and-below, an unbounded FIFO deque for
// High-and-above, middleware and filters applied in publish order, and a
// worker-pool-bounded path for synchronous subscribers. The sync
// subscribers of one event run concurrently on the pool, and the
// dispatcher loop waits for all of them to return before it takes the
// next event.
type EventBus struct {
	cfg EventBusConfig

	normalCh chan Event

	mu      sync.Mutex
	elevated elevatedQueue
	seq      uint64
	notify   chan struct{}

	subMu sync.RWMutex
	subs  map[string]*subscriber

	middlewareMu sync.RWMutex
	middleware   []Middleware
	filters      []Filter

	workerPoolSize int

	published atomic.Uint64
	processed atomic.Uint64
	failed    atomic.Uint64

	cancel context.CancelFunc
	done   chan struct{}
}

// NewEventBus constructs a bus and starts its dispatcher loop. Stop must
// be called to release resources.
func NewEventBus(cfg EventBusConfig) *EventBus {
	if cfg.NormalQueueSize <= 0 {
		cfg.NormalQueueSize = 1024
	}
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = 8
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &EventBus{
		cfg:            cfg,
		normalCh:       make(chan Event, cfg.NormalQueueSize),
		notify:         make(chan struct{}, 1),
		subs:           map[string]*subscriber{},
		workerPoolSize: cfg.WorkerPoolSize,
		cancel:         cancel,
		done:           make(chan struct{}),
	}
	heap.Init(&b.elevated)
	go b.loop(ctx)
	return b
}

// Stop halts the dispatcher loop. Already-queued events are dropped.
func (b *EventBus) Stop() {
	b.cancel()
	<-b.done
}

// Use appends middleware to the chain, applied in registration order to
// every published event before filters and subscriber delivery.
func (b *EventBus) Use(m Middleware) {
	b.middlewareMu.Lock()
	defer b.middlewareMu.Unlock()
	b.middleware = append(b.middleware, m)
}

// AddFilter appends a global filter, applied after middleware.
func (b *EventBus) AddFilter(f Filter) {
	b.middlewareMu.Lock()
	defer b.middlewareMu.Unlock()
	b.filters = append(b.filters, f)
}

// Subscribe registers a handler for the given kinds (empty means all
// kinds) with an optional predicate. sync subscribers run on the bounded
// worker pool inline with dispatch; async subscribers get their own
// buffered queue and goroutine, preserving per-subscriber order.
func (b *EventBus) Subscribe(kinds []EventKind, predicate func(Event) bool, sync bool, handler func(Event)) Subscription {
	km := make(map[EventKind]bool, len(kinds))
	for _, k := range kinds {
		km[k] = true
	}
	s := &subscriber{id: uuid.NewString(), kinds: km, predicate: predicate, handler: handler, sync: sync}
	if !sync {
		s.queue = make(chan Event, 256)
		go func() {
			for ev := range s.queue {
				b.deliverOne(s, ev)
			}
		}()
	}
	b.subMu.Lock()
	b.subs[s.id] = s
	b.subMu.Unlock()
	return Subscription{id: s.id, bus: b, async: !sync}
}

func (b *EventBus) unsubscribe(id string) {
	b.subMu.Lock()
	s, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.subMu.Unlock()
	if ok && s.queue != nil {
		close(s.queue)
	}
}

// Publish enqueues ev, routing it to the elevated deque or the bounded
// FIFO queue by priority class. Publish never blocks on the elevated
// path; on the bounded path it blocks if the queue is full, applying
// natural backpressure to publishers.
func (b *EventBus) Publish(ev Event) {
	b.published.Add(1)
	if ev.Priority.isElevated() {
		b.mu.Lock()
		b.seq++
		heap.Push(&b.elevated, elevatedItem{ev: ev, seq: b.seq})
		b.mu.Unlock()
		select {
		case b.notify <- struct{}{}:
		default:
		}
		return
	}
	b.normalCh <- ev
}

// loop drains the elevated deque fully before taking exactly one item
// from the bounded FIFO queue, then repeats.
func (b *EventBus) loop(ctx context.Context) {
	defer close(b.done)
	for {
		for {
			ev, ok := b.popElevated()
			if !ok {
				break
			}
			b.dispatch(ev)
		}
		select {
		case <-ctx.Done():
			return
		case ev := <-b.normalCh:
			b.dispatch(ev)
		case <-b.notify:
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (b *EventBus) popElevated() (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.elevated.Len() == 0 {
		return Event{}, false
	}
	item := heap.Pop(&b.elevated).(elevatedItem)
	return item.ev, true
}

// dispatch runs ev through middleware and filters, then fans it out to
// every matching subscriber concurrently, never letting a subscriber
// panic escape into the dispatcher.
func (b *EventBus) dispatch(ev Event) {
	start := time.Now()
	final, keep := b.applyMiddleware(ev)
	if !keep {
		b.processed.Add(1)
		b.observe(ev.Kind, "dropped", time.Since(start))
		return
	}
	b.subMu.RLock()
	targets := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		if s.accepts(final) {
			targets = append(targets, s)
		}
	}
	b.subMu.RUnlock()

	var g errgroup.Group
	g.SetLimit(b.workerPoolSize)
	for _, s := range targets {
		s := s
		if !s.sync {
			select {
			case s.queue <- final:
			default:
				b.failed.Add(1)
			}
			continue
		}
		g.Go(func() error {
			b.deliverOne(s, final)
			return nil
		})
	}
	_ = g.Wait()
	b.processed.Add(1)
	b.observe(ev.Kind, "delivered", time.Since(start))
}

func (b *EventBus) deliverOne(s *subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.failed.Add(1)
			packageLogger.WithField("subscriber", s.id).Warnf("event subscriber panicked: %v", r)
		}
	}()
	s.handler(ev)
}

func (b *EventBus) applyMiddleware(ev Event) (Event, bool) {
	b.middlewareMu.RLock()
	defer b.middlewareMu.RUnlock()
	cur := ev
	for _, mw := range b.middleware {
		var ok bool
		cur, ok = mw(cur)
		if !ok {
			return Event{}, false
		}
	}
	for _, f := range b.filters {
		if !f(cur) {
			return Event{}, false
		}
	}
	return cur, true
}

func (b *EventBus) observe(kind EventKind, outcome string, d time.Duration) {
	if b.cfg.Metrics == nil {
		return
	}
	b.cfg.Metrics.busEvents.WithLabelValues(string(kind), outcome).Inc()
	b.cfg.Metrics.busDuration.Observe(d.Seconds())
}

// Stats returns the bus's published/processed/failed counters and
// derived success rate.
type BusStats struct {
	Published   uint64
	Processed   uint64
	Failed      uint64
	SuccessRate float64
}

func (b *EventBus) Stats() BusStats {
	pub := b.published.Load()
	proc := b.processed.Load()
	fail := b.failed.Load()
	rate := 1.0
	if proc > 0 {
		rate = float64(proc-fail) / float64(proc)
	}
	return BusStats{Published: pub, Processed: proc, Failed: fail, SuccessRate: rate}
}

// waitForQueueEmpty blocks, up to ctx's deadline, until both queues are
// observed empty. Used by the facade's graceful-shutdown sequence.
func (b *EventBus) waitForQueueEmpty(ctx context.Context) error {
	for {
		b.mu.Lock()
		empty := b.elevated.Len() == 0 && len(b.normalCh) == 0
		b.mu.Unlock()
		if empty {
			return nil
		}
		select {
		case <-ctx.Done():
			return WrapError(ErrDeadlineExceeded, "wait for event queue empty", ctx.Err())
		case <-time.After(5 * time.Millisecond):
		}
	}
}
