package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Config parameterizes New. Every duration/size field has a sane default
// applied by New when left zero.
type Config struct {
	Dialect  DialectName
	Addr     string
	UseSSL   bool
	Format   Format

	Pool  ConnPoolConfig
	Retry RetryConfig

	RefreshAhead time.Duration
	Refresh      RefreshFunc

	EventBus EventBusConfig

	Registerer *prometheus.Registry

	DebugAddr string

	// ErrorReports enables JSON diagnostic files for every error event,
	// written under ErrorReportDir (default "error_reports" beneath the
	// working directory).
	ErrorReports   bool
	ErrorReportDir string

	// Transport overrides the wire transport. Nil selects the shipped
	// websocket transport; tests and embedders supply their own.
	Transport Transport

	Logger *logrus.Logger
}

func (c Config) withDefaults() Config {
	if c.Dialect == "" {
		c.Dialect = DialectA
	}
	if c.Addr == "" {
		c.Addr = "localhost:3000"
	}
	if c.Pool.MaxSize == 0 {
		c.Pool.MaxSize = 1
	}
	if c.RefreshAhead == 0 {
		c.RefreshAhead = 300 * time.Second
	}
	return c
}

// Client is the unified facade: connection pool, serialization
// pipeline, subscriptions, reducer dispatch, identity/token management
// and the event bus behind one object. It holds no mutable state beyond
// what its components hold, and no component holds a back-reference to
// Client: the connection publishes inbound events onto the bus, Client
// subscribes, so ownership stays one-way.
type Client struct {
	cfg      Config
	adapter  Adapter
	pipeline *Pipeline
	metrics  *Metrics

	pool  *ConnPool
	scope *ConnScope
	wire  *connWire

	bus        *EventBus
	tokens     *TokenManager
	subs       *SubscriptionEngine
	dispatcher *ReducerDispatcher
	recovery   *RecoveryManager
	debugSrv   *DebugServer
	reporter   *ErrorReporter

	identity *Identity

	authMu   sync.Mutex
	authResp chan wireEnvelope

	recvCancel context.CancelFunc
	recvDone   chan struct{}

	shutdownOnce sync.Once
}

// New builds every component and wires them together, but does not
// connect — call Connect to dial.
func New(cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	if cfg.Logger != nil {
		SetLogger(cfg.Logger)
	}
	adapter, err := AdapterFor(cfg.Dialect)
	if err != nil {
		return nil, err
	}
	metrics := NewMetrics(cfg.Registerer)
	pipeline := NewPipeline(adapter, PipelineConfig{Format: cfg.Format, Metrics: metrics})
	bus := NewEventBus(cfg.EventBus)

	transport := cfg.Transport
	if transport == nil {
		transport = WSTransport{UseSSL: cfg.UseSSL}
	}
	pool := NewConnPool(transport, cfg.Addr, cfg.Retry, bus, cfg.Pool)

	c := &Client{
		cfg: cfg, adapter: adapter, pipeline: pipeline, metrics: metrics,
		pool: pool, bus: bus, authResp: make(chan wireEnvelope, 1),
	}
	c.tokens = NewTokenManager(cfg.Refresh, cfg.RefreshAhead)
	c.subs = NewSubscriptionEngine(c, bus)
	c.dispatcher = NewReducerDispatcher(c, bus, metrics, 5*time.Second)
	c.recovery = NewRecoveryManager(DefaultRetryConfig(), CircuitBreakerConfig{})

	if cfg.DebugAddr != "" {
		c.debugSrv = NewDebugServer(c, cfg.DebugAddr)
	}
	if cfg.ErrorReports {
		reporter, err := NewErrorReporter(cfg.ErrorReportDir, true, 100)
		if err != nil {
			bus.Stop()
			return nil, err
		}
		c.reporter = reporter
		// Async subscriber: report writing hits the disk and must never
		// stall event dispatch.
		bus.Subscribe([]EventKind{EventError}, nil, false, func(ev Event) {
			msg, _ := ev.Data["error"].(string)
			if msg == "" {
				msg = "unspecified error event"
			}
			_, _ = reporter.Capture(errors.New(msg), map[string]any{
				"source":         ev.Source,
				"event_id":       ev.ID,
				"correlation_id": ev.CorrelationID,
			})
		})
	}
	return c, nil
}

// ErrorReporter returns the client's diagnostic report writer, nil
// unless Config.ErrorReports is set.
func (c *Client) ErrorReporter() *ErrorReporter { return c.reporter }

// Bus exposes the event bus for handler registration.
func (c *Client) Bus() *EventBus { return c.bus }

// Subscriptions exposes the subscription engine's typed accessors.
func (c *Client) Subscriptions() *SubscriptionEngine { return c.subs }

// Dispatcher exposes the reducer dispatcher directly for callers who want
// the raw Call/CallStrict/CallSafe surface.
func (c *Client) Dispatcher() *ReducerDispatcher { return c.dispatcher }

// Recovery exposes the recovery manager so callers can register fallback
// handlers and named strategies for their own wrapped operations.
func (c *Client) Recovery() *RecoveryManager { return c.recovery }

// Tokens exposes the token manager for state inspection and logout.
func (c *Client) Tokens() *TokenManager { return c.tokens }

// Connect leases a connection from the pool and starts the inbound
// receive loop. Safe to call once; Shutdown is the only valid teardown.
func (c *Client) Connect(ctx context.Context) error {
	scope, err := c.pool.AcquireScope(ctx)
	if err != nil {
		return err
	}
	c.scope = scope
	c.wire = &connWire{send: scope.Send}

	recvCtx, cancel := context.WithCancel(context.Background())
	c.recvCancel = cancel
	c.recvDone = make(chan struct{})
	go c.receiveLoop(recvCtx)

	if c.debugSrv != nil {
		c.debugSrv.Start()
	}
	return nil
}

// SendReducerCall implements ReducerTransport by sending a reducer-call
// envelope over the live connection. args are JSON-marshalled into the
// envelope as they are; they do not pass through the pipeline.
func (c *Client) SendReducerCall(ctx context.Context, requestID, name string, args any) error {
	return c.wire.SendReducerCall(ctx, requestID, name, args)
}

// SendSubscribe implements SubscriptionTransport.
func (c *Client) SendSubscribe(ctx context.Context, table string) error {
	return c.wire.SendSubscribe(ctx, table)
}

// SendUnsubscribe implements SubscriptionTransport.
func (c *Client) SendUnsubscribe(ctx context.Context, table string) error {
	return c.wire.SendUnsubscribe(ctx, table)
}

// Authenticate runs the signed claim/challenge handshake for identity
// and stores the resulting token, keyed by identity id.
func (c *Client) Authenticate(ctx context.Context, identity *Identity) (Token, error) {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	c.identity = identity
	aw := &authWire{ctx: ctx, wire: c.wire, responses: c.authResp}
	result, err := Handshake(identity, aw)
	if err != nil {
		return Token{}, err
	}
	result.Token.IdentityID = identity.IdentityID
	c.tokens.Set(result.Token)
	identity.Touch()
	c.bus.Publish(NewEvent(EventAuthentication, PriorityNormal, "client", map[string]any{
		"identity_id": identity.IdentityID,
	}))
	return result.Token, nil
}

// Subscribe suspends until table's subscribe request is acknowledged.
func (c *Client) Subscribe(ctx context.Context, table string) error {
	return c.subs.Subscribe(ctx, table)
}

// Unsubscribe suspends until table's unsubscribe request is acknowledged.
func (c *Client) Unsubscribe(ctx context.Context, table string) error {
	return c.subs.Unsubscribe(ctx, table)
}

// CallReducer invokes name through the dispatcher's default (non-raising)
// path.
func (c *Client) CallReducer(ctx context.Context, name string, args any, timeout time.Duration) (ReducerResult, error) {
	return c.dispatcher.Call(ctx, name, args, timeout)
}

//---------------------------------------------------------------------
// Typed cache accessors. Non-suspending: short read lock only.
//---------------------------------------------------------------------

const (
	tablePlayer = "player"
	tableEntity = "entity"
	tableCircle = "circle"
)

// GetAllPlayers converts every cached player row to a typed Player,
// logging (not failing) any row that fails conversion.
func (c *Client) GetAllPlayers() []Player {
	rows := c.subs.GetAll(tablePlayer)
	out := make([]Player, 0, len(rows))
	for _, row := range rows {
		p, err := PlayerFromRow(row)
		if err != nil {
			packageLogger.WithError(err).Warn("dropping malformed player row")
			continue
		}
		out = append(out, p)
	}
	return out
}

// GetAllEntities converts every cached entity row to a typed Entity.
func (c *Client) GetAllEntities() []Entity {
	rows := c.subs.GetAll(tableEntity)
	out := make([]Entity, 0, len(rows))
	for _, row := range rows {
		e, err := EntityFromRow(row)
		if err != nil {
			packageLogger.WithError(err).Warn("dropping malformed entity row")
			continue
		}
		out = append(out, e)
	}
	return out
}

// GetAllCircles converts every cached circle row to a typed Circle.
func (c *Client) GetAllCircles() []Circle {
	rows := c.subs.GetAll(tableCircle)
	out := make([]Circle, 0, len(rows))
	for _, row := range rows {
		cir, err := CircleFromRow(row)
		if err != nil {
			packageLogger.WithError(err).Warn("dropping malformed circle row")
			continue
		}
		out = append(out, cir)
	}
	return out
}

// GetEntitiesNear returns every cached entity row within radius of
// center. Linear scan, not indexed.
func (c *Client) GetEntitiesNear(center Vector, radius float64) []TableRow {
	return c.subs.GetEntitiesNear(tableEntity, center, radius)
}

//---------------------------------------------------------------------
// Movement/split convenience wrappers over the dispatcher.
//---------------------------------------------------------------------

// UpdatePlayerInput calls the update_player_input reducer with a
// direction vector.
func (c *Client) UpdatePlayerInput(ctx context.Context, direction Vector) (ReducerResult, error) {
	return c.dispatcher.Call(ctx, "update_player_input", map[string]any{
		"direction": map[string]any{"x": direction.X, "y": direction.Y},
	}, 0)
}

// Split calls the player_split reducer.
func (c *Client) Split(ctx context.Context) (ReducerResult, error) {
	return c.dispatcher.Call(ctx, "player_split", map[string]any{}, 0)
}

// JoinGame calls the join_game reducer with the player's chosen name.
func (c *Client) JoinGame(ctx context.Context, name string) (ReducerResult, error) {
	return c.dispatcher.Call(ctx, "join_game", map[string]any{"name": name}, 0)
}

// LeaveGame calls the leave_game reducer, used during Shutdown's ordered
// teardown.
func (c *Client) LeaveGame(ctx context.Context) (ReducerResult, error) {
	return c.dispatcher.Call(ctx, "leave_game", map[string]any{}, 5*time.Second)
}

//---------------------------------------------------------------------
// Inbound receive loop: decode -> adapt -> validate -> demultiplex.
//---------------------------------------------------------------------

func (c *Client) receiveLoop(ctx context.Context) {
	defer close(c.recvDone)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		frame, err := c.scope.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.bus.Publish(NewEvent(EventError, PriorityHigh, "client.receive_loop", map[string]any{"error": err.Error()}))
			continue
		}
		c.handleFrame(frame)
	}
}

func (c *Client) handleFrame(frame []byte) {
	env, err := decodeEnvelope(frame)
	if err != nil {
		c.bus.Publish(NewEvent(EventError, PriorityHigh, "client.decode", map[string]any{"error": err.Error()}))
		return
	}
	switch env.Kind {
	case wireAuthChallenge, wireAuthToken:
		select {
		case c.authResp <- env:
		default:
		}
	case wireSubscribeAck:
		// Acknowledgement alone carries no further state transition;
		// Active is reached on InitialData.
	case wireInitialData:
		rows, rerr := c.decodeRows(env.Rows, env.TypeName)
		if rerr != nil {
			c.bus.Publish(NewEvent(EventError, PriorityHigh, "client.decode_initial", map[string]any{"error": rerr.Error()}))
			return
		}
		c.subs.HandleInitial(env.Table, rows)
	case wireTableDelta:
		c.handleDelta(env)
	case wireReducerResponse:
		var serverErr error
		if env.Error != "" {
			serverErr = NewError(ErrGameState, env.Error)
		}
		c.dispatcher.HandleResponse(env.RequestID, env.Success, env.Payload, serverErr)
	case wireError:
		c.bus.Publish(NewEvent(EventError, PriorityNormal, "client.server_error", map[string]any{"error": env.Error}))
	case wireHeartbeat:
		// no-op; presence alone keeps the connection alive.
	}
}

func (c *Client) handleDelta(env wireEnvelope) {
	row, err := c.pipeline.DecodeInbound(mustMarshal(env.Row), env.TypeName)
	if err != nil {
		c.bus.Publish(NewEvent(EventError, PriorityHigh, "client.decode_delta", map[string]any{"error": err.Error()}))
		return
	}
	switch env.Delta {
	case deltaInsert:
		c.subs.HandleInsert(env.Table, row)
	case deltaUpdate:
		c.subs.HandleUpdate(env.Table, row)
	case deltaDelete:
		c.subs.HandleDelete(env.Table, row)
	}
}

func (c *Client) decodeRows(rows []TableRow, typeName string) ([]TableRow, error) {
	out := make([]TableRow, 0, len(rows))
	for _, row := range rows {
		decoded, err := c.pipeline.DecodeInbound(mustMarshal(row), typeName)
		if err != nil {
			return nil, err
		}
		out = append(out, decoded)
	}
	return out, nil
}

//---------------------------------------------------------------------
// Shutdown: ordered teardown.
//---------------------------------------------------------------------

// Shutdown tears the client down in a fixed order: leave game ->
// unsubscribe all -> close dispatcher (cancel pending) -> close
// connection -> shut down token manager -> shut down event bus.
func (c *Client) Shutdown(ctx context.Context) error {
	var firstErr error
	c.shutdownOnce.Do(func() {
		if c.scope != nil {
			if _, err := c.LeaveGame(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
			for _, table := range c.subs.Tables() {
				if c.subs.State(table) == SubActive {
					if err := c.Unsubscribe(ctx, table); err != nil && firstErr == nil {
						firstErr = err
					}
				}
			}
		}
		for _, req := range c.dispatcher.Pending() {
			_ = c.dispatcher.Cancel(req.RequestID)
		}
		if c.recvCancel != nil {
			c.recvCancel()
			<-c.recvDone
		}
		if c.scope != nil {
			c.scope.Release()
		}
		c.pool.Close()
		if c.identity != nil {
			c.tokens.Clear(c.identity.IdentityID)
		}
		if c.debugSrv != nil {
			_ = c.debugSrv.Stop(ctx)
		}
		c.bus.Stop()
	})
	return firstErr
}
