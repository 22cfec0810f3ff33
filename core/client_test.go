package core

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// fakeGameServer services the client's side of a memConn, speaking the
// same envelope framing the facade does: handshake with a challenge,
// subscribe acks with initial snapshots, reducer responses, and pushed
// deltas.
type fakeGameServer struct {
	t    *testing.T
	conn *memConn
	stop chan struct{}

	initial map[string][]TableRow // per-table snapshot, wire-shaped

	claimedPub ed25519.PublicKey
	challenge  []byte
}

func startFakeGameServer(t *testing.T, conn *memConn, initial map[string][]TableRow) *fakeGameServer {
	s := &fakeGameServer{t: t, conn: conn, stop: make(chan struct{}), initial: initial, challenge: []byte("prove-it")}
	go s.loop()
	t.Cleanup(func() { close(s.stop) })
	return s
}

func (s *fakeGameServer) reply(env wireEnvelope) {
	blob, err := json.Marshal(env)
	if err != nil {
		s.t.Errorf("server marshal: %v", err)
		return
	}
	select {
	case s.conn.in <- blob:
	case <-s.stop:
	}
}

func (s *fakeGameServer) loop() {
	for {
		select {
		case frame := <-s.conn.out:
			env, err := decodeEnvelope(frame)
			if err != nil {
				s.t.Errorf("server decode: %v", err)
				continue
			}
			s.handle(env)
		case <-s.stop:
			return
		}
	}
}

func (s *fakeGameServer) handle(env wireEnvelope) {
	switch env.Kind {
	case wireAuthClaim:
		pub, err := base64.StdEncoding.DecodeString(env.PublicKey)
		if err != nil {
			s.reply(wireEnvelope{Kind: wireError, Error: "bad public key"})
			return
		}
		s.claimedPub = ed25519.PublicKey(pub)
		s.reply(wireEnvelope{Kind: wireAuthChallenge, Challenge: base64.StdEncoding.EncodeToString(s.challenge)})
	case wireAuthChallenge: // the client's challenge response
		sig, err := base64.StdEncoding.DecodeString(env.Signature)
		if err != nil || !ed25519.Verify(s.claimedPub, s.challenge, sig) {
			s.reply(wireEnvelope{Kind: wireError, Error: "challenge signature invalid"})
			return
		}
		s.reply(wireEnvelope{Kind: wireAuthToken, Token: &Token{
			Scheme: "bearer", Bearer: "server-issued", IssuedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
		}})
	case wireSubscribe:
		s.reply(wireEnvelope{Kind: wireSubscribeAck, Table: env.Table})
		s.reply(wireEnvelope{Kind: wireInitialData, Table: env.Table, TypeName: env.Table, Rows: s.initial[env.Table]})
	case wireUnsubscribe:
		s.reply(wireEnvelope{Kind: wireSubscribeAck, Table: env.Table})
	case wireReducerCall:
		s.reply(wireEnvelope{Kind: wireReducerResponse, RequestID: env.RequestID, Success: true, Payload: map[string]any{"ok": true}})
	}
}

// pushDelta sends an unsolicited table delta, the way a live server
// streams changes.
func (s *fakeGameServer) pushDelta(table string, delta deltaKind, row TableRow) {
	s.reply(wireEnvelope{Kind: wireTableDelta, Table: table, TypeName: table, Delta: delta, Row: row})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func playerWireRow(id string, playerID int, name string, vx float64) TableRow {
	return TableRow{
		"id":        id,
		"position":  map[string]any{"x": 1.0, "y": 2.0},
		"velocity":  map[string]any{"x": vx, "y": 0.0},
		"mass":      10.0,
		"kind":      "player",
		"player_id": float64(playerID),
		"name":      name,
	}
}

func newTestClient(t *testing.T, initial map[string][]TableRow) (*Client, *fakeGameServer) {
	t.Helper()
	tr := &memTransport{}
	c, err := New(Config{
		Dialect:   DialectB, // identity dialect: wire rows are canonical
		Addr:      "test:3000",
		Transport: tr,
		Retry:     RetryConfig{Strategy: RetryFixed, MaxAttempts: 2, BaseDelay: time.Millisecond},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	srv := startFakeGameServer(t, tr.conns[0], initial)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	})
	return c, srv
}

func TestClientAuthenticateStoresToken(t *testing.T) {
	c, _ := newTestClient(t, nil)
	id, _ := NewIdentity("alice")

	tok, err := c.Authenticate(context.Background(), id)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if tok.Bearer != "server-issued" {
		t.Errorf("token = %+v", tok)
	}
	if tok.IdentityID != id.IdentityID {
		t.Errorf("token must be keyed by identity id")
	}
	stored, err := c.Tokens().Current(id.IdentityID)
	if err != nil || stored.Bearer != "server-issued" {
		t.Errorf("stored token = %+v, %v", stored, err)
	}
}

// An empty snapshot still activates the subscription, and a later
// insert delta shows up in the typed accessor.
func TestClientEmptySnapshotThenInsert(t *testing.T) {
	c, srv := newTestClient(t, map[string][]TableRow{"player": nil})

	if err := c.Subscribe(context.Background(), "player"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	waitFor(t, "subscription active", func() bool { return c.Subscriptions().State("player") == SubActive })

	if players := c.GetAllPlayers(); len(players) != 0 {
		t.Fatalf("cache should start empty, has %d", len(players))
	}

	srv.pushDelta("player", deltaInsert, playerWireRow("e1", 7, "P1", 0))
	waitFor(t, "insert delta applied", func() bool { return len(c.GetAllPlayers()) == 1 })

	p := c.GetAllPlayers()[0]
	if p.PlayerID != 7 || p.Name != "P1" {
		t.Errorf("player = %+v", p)
	}
}

func TestClientInitialSnapshotDelivered(t *testing.T) {
	c, _ := newTestClient(t, map[string][]TableRow{
		"player": {playerWireRow("e1", 1, "A", 0), playerWireRow("e2", 2, "B", 0)},
	})
	if err := c.Subscribe(context.Background(), "player"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	waitFor(t, "snapshot applied", func() bool { return len(c.GetAllPlayers()) == 2 })
}

// Joining and steering updates the cached player's velocity through the
// delta stream.
func TestClientMovementFlow(t *testing.T) {
	c, srv := newTestClient(t, map[string][]TableRow{"player": nil})
	if err := c.Subscribe(context.Background(), "player"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	waitFor(t, "subscription active", func() bool { return c.Subscriptions().State("player") == SubActive })

	if res, err := c.JoinGame(context.Background(), "P1"); err != nil || !res.Success {
		t.Fatalf("JoinGame = %+v, %v", res, err)
	}
	srv.pushDelta("player", deltaInsert, playerWireRow("e1", 1, "P1", 0))
	waitFor(t, "player joined", func() bool { return len(c.GetAllPlayers()) == 1 })

	if res, err := c.UpdatePlayerInput(context.Background(), Vector{X: 1, Y: 0}); err != nil || !res.Success {
		t.Fatalf("UpdatePlayerInput = %+v, %v", res, err)
	}
	srv.pushDelta("player", deltaUpdate, playerWireRow("e1", 1, "P1", 3.5))
	waitFor(t, "velocity update applied", func() bool {
		players := c.GetAllPlayers()
		return len(players) == 1 && players[0].Velocity != nil && players[0].Velocity.X > 0
	})
}

func TestClientReducerRoundTrip(t *testing.T) {
	c, _ := newTestClient(t, nil)
	res, err := c.CallReducer(context.Background(), "ping", map[string]any{"n": 1}, time.Second)
	if err != nil {
		t.Fatalf("CallReducer: %v", err)
	}
	if !res.Success {
		t.Errorf("result = %+v", res)
	}
}

func TestClientShutdownIsOrderedAndIdempotent(t *testing.T) {
	c, _ := newTestClient(t, map[string][]TableRow{"player": nil})
	if err := c.Subscribe(context.Background(), "player"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	waitFor(t, "subscription active", func() bool { return c.Subscriptions().State("player") == SubActive })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if st := c.Subscriptions().State("player"); st != SubInactive {
		t.Errorf("shutdown must unsubscribe active tables, state = %s", st)
	}
	// Second shutdown is a no-op.
	if err := c.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
}

func TestClientWritesErrorReports(t *testing.T) {
	reportDir := filepath.Join(t.TempDir(), "error_reports")
	tr := &memTransport{}
	c, err := New(Config{
		Dialect:        DialectB,
		Addr:           "test:3000",
		Transport:      tr,
		Retry:          RetryConfig{Strategy: RetryFixed, MaxAttempts: 1, BaseDelay: time.Millisecond},
		ErrorReports:   true,
		ErrorReportDir: reportDir,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	srv := startFakeGameServer(t, tr.conns[0], nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	})

	srv.reply(wireEnvelope{Kind: wireError, Error: "server exploded"})

	waitFor(t, "error report file", func() bool {
		entries, err := os.ReadDir(reportDir)
		return err == nil && len(entries) > 0
	})
	entries, _ := os.ReadDir(reportDir)
	blob, err := os.ReadFile(filepath.Join(reportDir, entries[0].Name()))
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	var report ErrorReport
	if err := json.Unmarshal(blob, &report); err != nil {
		t.Fatalf("report is not valid JSON: %v", err)
	}
	if report.Message != "server exploded" {
		t.Errorf("report message = %q", report.Message)
	}
	if reports := c.ErrorReporter().Reports(); len(reports) == 0 {
		t.Errorf("in-memory report buffer empty")
	}
}

func TestClientRejectsUnknownDialect(t *testing.T) {
	if _, err := New(Config{Dialect: "Q"}); err == nil {
		t.Fatalf("unknown dialect must fail construction")
	}
}
