package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
)

// ErrClosed is returned by Send on a closed connection.
var ErrClosed = errors.New("transport: connection closed")

// MemConn is an in-process Conn. Sent messages are delivered on Outbox.
type MemConn struct {
	id      string
	headers http.Header
	Outbox  chan []byte

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewMemConn creates a MemConn with a buffered outbox.
func NewMemConn(id string, headers map[string]string) *MemConn {
	h := make(http.Header, len(headers))
	for k, v := range headers {
		h.Set(k, v)
	}
	return &MemConn{id: id, headers: h, Outbox: make(chan []byte, 64), done: make(chan struct{})}
}

// ID returns the connection id.
func (c *MemConn) ID() string { return c.id }

// Header returns a header given at construction.
func (c *MemConn) Header(name string) string { return c.headers.Get(name) }

// Send queues data on the outbox.
func (c *MemConn) Send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()
	select {
	case c.Outbox <- data:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close marks the connection closed. It is safe to call more than once.
func (c *MemConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

// Done is closed when the connection is closed.
func (c *MemConn) Done() <-chan struct{} { return c.done }
