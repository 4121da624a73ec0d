// Package transport defines the connection abstraction the gateway core
// consumes: deliver a raw message on a connection, notice that a connection
// closed, and send a raw message to a connection.
package transport

import "context"

// Conn is one persistent client or worker connection.
type Conn interface {
	// ID is unique among live connections.
	ID() string
	// Send writes one framed message.
	Send(ctx context.Context, data []byte) error
	// Header returns a header captured when the connection was established.
	Header(name string) string
	Close() error
}

// Handler receives the events of one endpoint.
type Handler interface {
	// HandleMessage is called once per inbound message, possibly concurrently
	// for the same connection.
	HandleMessage(ctx context.Context, conn Conn, data []byte)
	// HandleClose is called exactly once after the connection is closed.
	HandleClose(conn Conn)
}
