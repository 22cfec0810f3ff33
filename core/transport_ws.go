package core

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// WSTransport is the one concrete Transport this module ships: a
// message-framed websocket, since the wire carries discrete typed
// messages rather than a raw byte stream. Alternative transports plug in
// through the Transport interface.
type WSTransport struct {
	UseSSL          bool
	HandshakeTimeout time.Duration
	Subprotocols    []string
}

// Dial opens a websocket connection to addr ("host:port"), scheme chosen
// by UseSSL.
func (t WSTransport) Dial(ctx context.Context, addr string) (RawConn, error) {
	scheme := "ws"
	if t.UseSSL {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: addr, Path: "/"}
	dialer := websocket.Dialer{
		HandshakeTimeout: t.HandshakeTimeout,
		Subprotocols:     t.Subprotocols,
	}
	if dialer.HandshakeTimeout == 0 {
		dialer.HandshakeTimeout = 10 * time.Second
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", u.String(), err)
	}
	return &wsConn{conn: conn}, nil
}

// wsConn adapts *websocket.Conn to RawConn. gorilla/websocket's API is
// not itself context-aware; deadlines are set from ctx on each call, the
// closest a deadline-based API gets to cancellable reads and writes.
type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Send(ctx context.Context, frame []byte) error {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(dl)
	} else {
		_ = c.conn.SetWriteDeadline(time.Time{})
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return err
	}
	return nil
}

func (c *wsConn) Receive(ctx context.Context) ([]byte, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(dl)
	} else {
		_ = c.conn.SetReadDeadline(time.Time{})
	}
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
