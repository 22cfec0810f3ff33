package core

import (
	"context"
	"strconv"
	"sync"
)

// SubscriptionTransport is the narrow seam the subscription engine needs
// from the connection layer: send a subscribe/unsubscribe request and
// block until the transport acknowledges. Concrete wiring lives in the
// facade; this file only shapes the state machine and cache.
type SubscriptionTransport interface {
	SendSubscribe(ctx context.Context, table string) error
	SendUnsubscribe(ctx context.Context, table string) error
}

type tableCache struct {
	mu   sync.RWMutex
	rows map[string]TableRow
}

func newTableCache() *tableCache { return &tableCache{rows: map[string]TableRow{}} }

func (c *tableCache) upsert(row TableRow) (old TableRow, existed bool) {
	id, _ := row["id"].(string)
	c.mu.Lock()
	defer c.mu.Unlock()
	old, existed = c.rows[id]
	c.rows[id] = row
	return old, existed
}

func (c *tableCache) delete(id string) (TableRow, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	row, ok := c.rows[id]
	if ok {
		delete(c.rows, id)
	}
	return row, ok
}

func (c *tableCache) all() []TableRow {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]TableRow, 0, len(c.rows))
	for _, r := range c.rows {
		out = append(out, r)
	}
	return out
}

func (c *tableCache) get(id string) (TableRow, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.rows[id]
	return r, ok
}

func (c *tableCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rows = map[string]TableRow{}
}

type tableSub struct {
	mu    sync.Mutex
	state SubscriptionState
	cache *tableCache
}

// SubscriptionEngine is the per-table state machine and row cache:
// subscribe/unsubscribe lifecycle, insert/update/delete/initial delta
// routing, and a linear-scan spatial query.
type SubscriptionEngine struct {
	transport SubscriptionTransport
	bus       *EventBus

	mu     sync.Mutex
	tables map[string]*tableSub
}

// NewSubscriptionEngine builds an engine that sends subscribe requests
// through transport and publishes lifecycle/delta events on bus.
func NewSubscriptionEngine(transport SubscriptionTransport, bus *EventBus) *SubscriptionEngine {
	return &SubscriptionEngine{transport: transport, bus: bus, tables: map[string]*tableSub{}}
}

func (e *SubscriptionEngine) entry(table string) *tableSub {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tables[table]
	if !ok {
		t = &tableSub{state: SubInactive, cache: newTableCache()}
		e.tables[table] = t
	}
	return t
}

func (e *SubscriptionEngine) transition(table string, t *tableSub, next SubscriptionState) {
	t.mu.Lock()
	prev := t.state
	t.state = next
	t.mu.Unlock()
	if prev == next {
		return
	}
	e.publish(EventSubscription, map[string]any{
		"table": table, "from": string(prev), "to": string(next),
	})
}

func (e *SubscriptionEngine) publish(kind EventKind, data map[string]any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(NewEvent(kind, PriorityNormal, "subscription_engine", data))
}

// State reports table's current lifecycle state (Inactive if never
// subscribed).
func (e *SubscriptionEngine) State(table string) SubscriptionState {
	t := e.entry(table)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Subscribe sends a subscribe request for table and suspends until the
// transport acknowledges, transitioning Inactive -> Subscribing. Active
// is reached separately, when the initial snapshot arrives (HandleInitial).
func (e *SubscriptionEngine) Subscribe(ctx context.Context, table string) error {
	t := e.entry(table)
	e.transition(table, t, SubSubscribing)
	if err := e.transport.SendSubscribe(ctx, table); err != nil {
		e.transition(table, t, SubFailed)
		return WrapError(ErrServerUnavailable, "subscribe "+table, err)
	}
	return nil
}

// Unsubscribe sends an unsubscribe request and suspends until
// acknowledged, transitioning Active -> Unsubscribing -> Inactive. The
// per-table cache is left untouched by unsubscription itself (only
// ClearCache or a delete delta removes rows).
func (e *SubscriptionEngine) Unsubscribe(ctx context.Context, table string) error {
	t := e.entry(table)
	e.transition(table, t, SubUnsubscribing)
	if err := e.transport.SendUnsubscribe(ctx, table); err != nil {
		e.transition(table, t, SubFailed)
		return WrapError(ErrServerUnavailable, "unsubscribe "+table, err)
	}
	e.transition(table, t, SubInactive)
	return nil
}

// HandleInitial applies a subscription's initial snapshot: bulk insert,
// suppressing per-row insert events, and transitions Subscribing ->
// Active. An empty snapshot is normal, not a stuck subscription: the
// table still activates and later deltas populate the cache.
func (e *SubscriptionEngine) HandleInitial(table string, rows []TableRow) {
	t := e.entry(table)
	for _, row := range rows {
		t.cache.upsert(row)
	}
	// Owner references are checked after the whole snapshot lands, so a
	// row may name a player that appears later in the same batch.
	for _, row := range rows {
		e.checkOwner(table, row)
	}
	e.transition(table, t, SubActive)
	e.publish(EventGameState, map[string]any{
		"kind": "initial_data_received", "table": table, "rows": rows, "count": len(rows),
	})
}

// HandleInsert upserts row into table's cache and emits TableInsert. A
// row whose primary key already exists is treated as an update.
func (e *SubscriptionEngine) HandleInsert(table string, row TableRow) {
	t := e.entry(table)
	old, existed := t.cache.upsert(row)
	e.checkOwner(table, row)
	if existed {
		e.publish(EventGameState, map[string]any{"kind": "table_update", "table": table, "old": old, "new": row})
		return
	}
	e.publish(EventGameState, map[string]any{"kind": "table_insert", "table": table, "row": row})
}

// checkOwner verifies that a row's owner_id, when set, names a player
// already in the player cache — by that player's row id or its numeric
// player_id. A dangling owner is logged but the row is cached anyway;
// the server is authoritative and the reference may resolve once the
// player table catches up.
func (e *SubscriptionEngine) checkOwner(table string, row TableRow) {
	owner, ok := row.OptionalString("owner_id")
	if !ok || owner == "" {
		return
	}
	players := e.entry(tablePlayer).cache
	if _, ok := players.get(owner); ok {
		return
	}
	for _, p := range players.all() {
		if pid, ok := p.OptionalInt("player_id"); ok && strconv.FormatInt(pid, 10) == owner {
			return
		}
	}
	packageLogger.WithFields(map[string]any{
		"table": table, "row": row.idHint(), "owner_id": owner,
	}).Warn("row owner does not match any cached player, caching anyway")
}

// HandleUpdate upserts newRow and emits TableUpdate.
func (e *SubscriptionEngine) HandleUpdate(table string, newRow TableRow) {
	t := e.entry(table)
	old, _ := t.cache.upsert(newRow)
	e.publish(EventGameState, map[string]any{"kind": "table_update", "table": table, "old": old, "new": newRow})
}

// HandleDelete removes row's primary key from table's cache and emits
// TableDelete.
func (e *SubscriptionEngine) HandleDelete(table string, row TableRow) {
	t := e.entry(table)
	id, _ := row["id"].(string)
	removed, ok := t.cache.delete(id)
	if !ok {
		removed = row
	}
	e.publish(EventGameState, map[string]any{"kind": "table_delete", "table": table, "row": removed})
}

// GetAll returns a snapshot of every cached row for table. It never
// blocks on I/O: a short-held read lock over the in-memory cache only.
func (e *SubscriptionEngine) GetAll(table string) []TableRow {
	return e.entry(table).cache.all()
}

// Get returns the cached row for table/id, if present.
func (e *SubscriptionEngine) Get(table, id string) (TableRow, bool) {
	return e.entry(table).cache.get(id)
}

// GetEntitiesNear returns every row within radius of center, by the
// "position" field. Deliberately a linear scan: cache sizes here don't
// justify a spatial index.
func (e *SubscriptionEngine) GetEntitiesNear(table string, center Vector, radius float64) []TableRow {
	rows := e.entry(table).cache.all()
	out := make([]TableRow, 0, len(rows))
	for _, row := range rows {
		pos, ok := row.OptionalVector("position")
		if !ok {
			continue
		}
		if pos.Distance(center) <= radius {
			out = append(out, row)
		}
	}
	return out
}

// Tables returns the names of every table ever subscribed to, regardless
// of current state, for callers that need to unsubscribe everything
// (e.g. the facade's ordered shutdown).
func (e *SubscriptionEngine) Tables() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.tables))
	for name := range e.tables {
		out = append(out, name)
	}
	return out
}

// ClearCache removes all rows from table's cache, or from every table if
// table is empty. Subscriptions themselves are untouched.
func (e *SubscriptionEngine) ClearCache(table string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if table == "" {
		for _, t := range e.tables {
			t.cache.clear()
		}
		return
	}
	if t, ok := e.tables[table]; ok {
		t.cache.clear()
	}
}
