package core

import "context"

// Transport dials a raw connection to addr. The wire protocol itself is
// pluggable; Transport is the seam a concrete implementation fills in,
// and transport_ws.go ships the default.
type Transport interface {
	Dial(ctx context.Context, addr string) (RawConn, error)
}

// RawConn is a single framed, bidirectional message stream.
type RawConn interface {
	Send(ctx context.Context, frame []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}
