package core

import (
	"context"
	"sync"
	"time"
)

// ConnectionManager owns exactly one underlying RawConn's lifecycle:
// dial, reconnect-with-backoff, and idempotent teardown. Every state
// transition is serialized by a single mutex, a single in-flight flag
// collapses concurrent Connect callers onto one attempt, and Disconnect
// closes the live connection at once. Disconnect does not wait for Send
// or Receive calls already in flight.
//
// ConnectionManager does not expose conn get/put; callers send/receive
// through it directly, or lease it via a ConnPool scope.
type ConnectionManager struct {
	transport Transport
	addr      string
	retry     *RetryManager

	mu    sync.Mutex
	state ConnectionState
	conn  RawConn

	// connecting is non-nil while a connect attempt (initial or
	// reconnect) is in flight; additional callers await its close
	// instead of starting a second attempt.
	connecting chan struct{}
	connErr    error

	bus *EventBus

	closed bool
}

// NewConnectionManager builds a manager for addr, dialed through
// transport, retried per retry on failure.
func NewConnectionManager(transport Transport, addr string, retry *RetryManager, bus *EventBus) *ConnectionManager {
	if retry == nil {
		retry = NewRetryManager(RetryConfig{Strategy: RetryExponential, MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2})
	}
	return &ConnectionManager{transport: transport, addr: addr, retry: retry, state: ConnDisconnected, bus: bus}
}

// State returns the manager's current lifecycle state.
func (c *ConnectionManager) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *ConnectionManager) publish(kind EventKind, data map[string]any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(NewEvent(kind, PriorityNormal, "connection_manager", data))
}

// Connect dials the transport if not already connected, retrying per the
// configured RetryManager. Concurrent callers share the outcome of a
// single in-flight attempt.
func (c *ConnectionManager) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == ConnConnected {
		c.mu.Unlock()
		return nil
	}
	if c.connecting != nil {
		ch := c.connecting
		c.mu.Unlock()
		select {
		case <-ch:
			return c.lastConnectErr()
		case <-ctx.Done():
			return WrapError(ErrDeadlineExceeded, "connect cancelled while awaiting in-flight attempt", ctx.Err())
		}
	}
	ch := make(chan struct{})
	c.connecting = ch
	c.state = ConnConnecting
	c.mu.Unlock()
	c.publish(EventConnection, map[string]any{"state": string(ConnConnecting)})

	err := c.retry.Do(ctx, func(ctx context.Context) error {
		conn, dialErr := c.transport.Dial(ctx, c.addr)
		if dialErr != nil {
			return WrapError(ErrConnectionLost, "dial", dialErr)
		}
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		return nil
	})

	c.mu.Lock()
	if err != nil {
		c.state = ConnFailed
		c.connErr = err
	} else {
		c.state = ConnConnected
		c.connErr = nil
	}
	c.connecting = nil
	c.mu.Unlock()
	close(ch)

	if err != nil {
		c.publish(EventConnection, map[string]any{"state": string(ConnFailed), "error": err.Error()})
		return err
	}
	c.publish(EventConnection, map[string]any{"state": string(ConnConnected)})
	return nil
}

func (c *ConnectionManager) lastConnectErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connErr
}

// Reconnect transitions through Reconnecting -> Connecting* -> Connected,
// closing any live connection first.
func (c *ConnectionManager) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.state = ConnReconnecting
	c.mu.Unlock()
	c.publish(EventConnection, map[string]any{"state": string(ConnReconnecting)})
	return c.Connect(ctx)
}

// Send writes frame on the live connection. If the manager is mid
// reconnect, Send blocks up to ctx's deadline; an expiring deadline
// fails fast with a retryable transport error.
func (c *ConnectionManager) Send(ctx context.Context, frame []byte) error {
	conn, err := c.awaitConnected(ctx)
	if err != nil {
		return err
	}
	if sendErr := conn.Send(ctx, frame); sendErr != nil {
		return WrapError(ErrConnectionLost, "send", sendErr)
	}
	return nil
}

// Receive reads the next frame from the live connection, with the same
// blocking-on-reconnect semantics as Send.
func (c *ConnectionManager) Receive(ctx context.Context) ([]byte, error) {
	conn, err := c.awaitConnected(ctx)
	if err != nil {
		return nil, err
	}
	frame, recvErr := conn.Receive(ctx)
	if recvErr != nil {
		return nil, WrapError(ErrConnectionLost, "receive", recvErr)
	}
	return frame, nil
}

func (c *ConnectionManager) awaitConnected(ctx context.Context) (RawConn, error) {
	c.mu.Lock()
	if c.state == ConnConnected && c.conn != nil {
		conn := c.conn
		c.mu.Unlock()
		return conn, nil
	}
	if c.connecting == nil {
		c.mu.Unlock()
		return nil, NewError(ErrConnectionLost, "not connected")
	}
	ch := c.connecting
	c.mu.Unlock()
	select {
	case <-ch:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.state == ConnConnected && c.conn != nil {
			return c.conn, nil
		}
		return nil, NewError(ErrConnectionLost, "connect attempt did not succeed")
	case <-ctx.Done():
		return nil, WrapError(ErrTimeout, "waiting for connection", ctx.Err())
	}
}

// Disconnect tears the connection down. Idempotent: calling it twice, or
// on a manager that never connected, is a no-op.
func (c *ConnectionManager) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.state = ConnDisconnected
	c.mu.Unlock()
	c.publish(EventConnection, map[string]any{"state": string(ConnDisconnected)})
	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil {
		return WrapError(ErrConnectionLost, "close", err)
	}
	return nil
}
