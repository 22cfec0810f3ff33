package core

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

type fakeSubTransport struct {
	mu           sync.Mutex
	subscribed   []string
	unsubscribed []string
	failWith     error
}

func (f *fakeSubTransport) SendSubscribe(ctx context.Context, table string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.subscribed = append(f.subscribed, table)
	return nil
}

func (f *fakeSubTransport) SendUnsubscribe(ctx context.Context, table string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.unsubscribed = append(f.unsubscribed, table)
	return nil
}

func rowWithID(id string, x, y float64) TableRow {
	return TableRow{"id": id, "position": map[string]any{"x": x, "y": y}, "mass": 1.0, "kind": "food"}
}

func TestSubscribeTransitionsToSubscribing(t *testing.T) {
	e := NewSubscriptionEngine(&fakeSubTransport{}, nil)
	if st := e.State("player"); st != SubInactive {
		t.Fatalf("initial state = %s", st)
	}
	if err := e.Subscribe(context.Background(), "player"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if st := e.State("player"); st != SubSubscribing {
		t.Errorf("state after subscribe = %s, want %s (Active waits for the snapshot)", st, SubSubscribing)
	}
}

func TestSubscribeFailureTransitionsToFailed(t *testing.T) {
	e := NewSubscriptionEngine(&fakeSubTransport{failWith: errors.New("refused")}, nil)
	if err := e.Subscribe(context.Background(), "player"); err == nil {
		t.Fatalf("transport failure must surface")
	}
	if st := e.State("player"); st != SubFailed {
		t.Errorf("state = %s, want %s", st, SubFailed)
	}
}

// An empty initial snapshot still reaches Active, and later deltas
// populate the cache with no re-subscription.
func TestEmptyInitialSnapshotStillActivates(t *testing.T) {
	e := NewSubscriptionEngine(&fakeSubTransport{}, nil)
	_ = e.Subscribe(context.Background(), "player")
	e.HandleInitial("player", nil)

	if st := e.State("player"); st != SubActive {
		t.Fatalf("empty snapshot must still activate, state = %s", st)
	}
	if rows := e.GetAll("player"); len(rows) != 0 {
		t.Fatalf("cache should be empty, has %d rows", len(rows))
	}

	e.HandleInsert("player", rowWithID("p1", 0, 0))
	rows := e.GetAll("player")
	if len(rows) != 1 || rows[0]["id"] != "p1" {
		t.Errorf("post-snapshot delta must populate the cache, got %v", rows)
	}
}

func TestInitialSnapshotBulkInsert(t *testing.T) {
	e := NewSubscriptionEngine(&fakeSubTransport{}, nil)
	_ = e.Subscribe(context.Background(), "entity")
	e.HandleInitial("entity", []TableRow{rowWithID("e1", 0, 0), rowWithID("e2", 1, 1)})

	if len(e.GetAll("entity")) != 2 {
		t.Errorf("snapshot rows missing from cache")
	}
	if st := e.State("entity"); st != SubActive {
		t.Errorf("state = %s", st)
	}
}

func TestDuplicateInsertIsUpdate(t *testing.T) {
	bus := NewEventBus(EventBusConfig{})
	defer bus.Stop()
	var mu sync.Mutex
	var kinds []string
	bus.Subscribe([]EventKind{EventGameState}, nil, true, func(ev Event) {
		mu.Lock()
		kinds = append(kinds, ev.Data["kind"].(string))
		mu.Unlock()
	})

	e := NewSubscriptionEngine(&fakeSubTransport{}, bus)
	e.HandleInsert("entity", rowWithID("e1", 0, 0))
	e.HandleInsert("entity", rowWithID("e1", 5, 5))

	drain(t, bus)
	rows := e.GetAll("entity")
	if len(rows) != 1 {
		t.Fatalf("duplicate primary key must not duplicate the row, cache has %d", len(rows))
	}
	pos, _ := rows[0].OptionalVector("position")
	if pos != (Vector{X: 5, Y: 5}) {
		t.Errorf("second insert must win, position = %+v", pos)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(kinds) != 2 || kinds[0] != "table_insert" || kinds[1] != "table_update" {
		t.Errorf("event kinds = %v, want insert then update", kinds)
	}
}

func TestDeleteRemovesRow(t *testing.T) {
	e := NewSubscriptionEngine(&fakeSubTransport{}, nil)
	e.HandleInsert("entity", rowWithID("e1", 0, 0))
	e.HandleDelete("entity", rowWithID("e1", 0, 0))
	if len(e.GetAll("entity")) != 0 {
		t.Errorf("deleted row still cached")
	}
}

// Inserts plus updates minus deletes equals the cache at a quiescent
// instant.
func TestCacheMatchesDeltaHistory(t *testing.T) {
	e := NewSubscriptionEngine(&fakeSubTransport{}, nil)
	live := map[string]bool{}
	for i := 0; i < 50; i++ {
		id := string(rune('a' + i%10))
		switch i % 3 {
		case 0, 1:
			e.HandleInsert("entity", rowWithID(id, float64(i), 0))
			live[id] = true
		case 2:
			e.HandleDelete("entity", rowWithID(id, 0, 0))
			delete(live, id)
		}
	}
	rows := e.GetAll("entity")
	if len(rows) != len(live) {
		t.Fatalf("cache has %d rows, delta history implies %d", len(rows), len(live))
	}
	for _, row := range rows {
		if !live[row["id"].(string)] {
			t.Errorf("row %v should have been deleted", row["id"])
		}
	}
}

func TestInsertChecksOwnerAgainstPlayerCache(t *testing.T) {
	var buf bytes.Buffer
	old := packageLogger
	l := logrus.New()
	l.SetOutput(&buf)
	SetLogger(l)
	defer SetLogger(old)

	e := NewSubscriptionEngine(&fakeSubTransport{}, nil)
	player := rowWithID("p1", 0, 0)
	player["player_id"] = float64(7)
	e.HandleInsert("player", player)

	owned := rowWithID("e1", 1, 1)
	owned["owner_id"] = "p1"
	e.HandleInsert("entity", owned)
	byPlayerID := rowWithID("e2", 2, 2)
	byPlayerID["owner_id"] = "7"
	e.HandleInsert("entity", byPlayerID)
	if buf.Len() != 0 {
		t.Fatalf("valid owners must not be logged as violations: %s", buf.String())
	}

	orphan := rowWithID("e3", 3, 3)
	orphan["owner_id"] = "ghost"
	e.HandleInsert("entity", orphan)
	if !strings.Contains(buf.String(), "owner") {
		t.Errorf("dangling owner must be logged")
	}
	if _, ok := e.Get("entity", "e3"); !ok {
		t.Errorf("violating row must still be cached")
	}
}

func TestInitialSnapshotOwnerCheckToleratesInBatchOrder(t *testing.T) {
	var buf bytes.Buffer
	old := packageLogger
	l := logrus.New()
	l.SetOutput(&buf)
	SetLogger(l)
	defer SetLogger(old)

	e := NewSubscriptionEngine(&fakeSubTransport{}, nil)
	// The owned row precedes its owner within the same snapshot; the
	// check runs after the whole batch lands, so no violation.
	owned := rowWithID("p2", 1, 1)
	owned["player_id"] = float64(2)
	owned["owner_id"] = "p1"
	owner := rowWithID("p1", 0, 0)
	owner["player_id"] = float64(1)
	e.HandleInitial("player", []TableRow{owned, owner})

	if strings.Contains(buf.String(), "owner") {
		t.Errorf("in-batch forward reference must not be a violation: %s", buf.String())
	}
}

func TestGetEntitiesNear(t *testing.T) {
	e := NewSubscriptionEngine(&fakeSubTransport{}, nil)
	e.HandleInsert("entity", rowWithID("near", 1, 1))
	e.HandleInsert("entity", rowWithID("far", 100, 100))
	e.HandleInsert("entity", TableRow{"id": "no-pos", "mass": 1.0})

	got := e.GetEntitiesNear("entity", Vector{X: 0, Y: 0}, 5)
	if len(got) != 1 || got[0]["id"] != "near" {
		t.Errorf("GetEntitiesNear = %v, want just the near row", got)
	}
}

func TestClearCacheLeavesSubscriptionsAlone(t *testing.T) {
	e := NewSubscriptionEngine(&fakeSubTransport{}, nil)
	_ = e.Subscribe(context.Background(), "entity")
	e.HandleInitial("entity", []TableRow{rowWithID("e1", 0, 0)})
	_ = e.Subscribe(context.Background(), "player")
	e.HandleInitial("player", []TableRow{rowWithID("p1", 0, 0)})

	e.ClearCache("entity")
	if len(e.GetAll("entity")) != 0 {
		t.Errorf("entity cache not cleared")
	}
	if len(e.GetAll("player")) != 1 {
		t.Errorf("player cache should be untouched")
	}
	if st := e.State("entity"); st != SubActive {
		t.Errorf("clearing the cache must not disturb the subscription, state = %s", st)
	}

	e.ClearCache("")
	if len(e.GetAll("player")) != 0 {
		t.Errorf("empty table name must clear every cache")
	}
}

func TestUnsubscribeLifecycle(t *testing.T) {
	ft := &fakeSubTransport{}
	e := NewSubscriptionEngine(ft, nil)
	_ = e.Subscribe(context.Background(), "entity")
	e.HandleInitial("entity", nil)
	if err := e.Unsubscribe(context.Background(), "entity"); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if st := e.State("entity"); st != SubInactive {
		t.Errorf("state after unsubscribe = %s, want %s", st, SubInactive)
	}
	if len(ft.unsubscribed) != 1 {
		t.Errorf("unsubscribe never reached the transport")
	}
}

func TestSubscriptionStateChangesPublished(t *testing.T) {
	bus := NewEventBus(EventBusConfig{})
	defer bus.Stop()
	transitions := make(chan string, 8)
	bus.Subscribe([]EventKind{EventSubscription}, nil, true, func(ev Event) {
		transitions <- ev.Data["to"].(string)
	})

	e := NewSubscriptionEngine(&fakeSubTransport{}, bus)
	_ = e.Subscribe(context.Background(), "entity")
	e.HandleInitial("entity", nil)

	want := []string{string(SubSubscribing), string(SubActive)}
	for _, w := range want {
		select {
		case got := <-transitions:
			if got != w {
				t.Fatalf("transition = %s, want %s", got, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("missing %s transition event", w)
		}
	}
}
