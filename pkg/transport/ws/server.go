// Package ws serves gateway endpoints over WebSocket. Each text frame is one
// message; messages are handed to a transport.Handler on their own goroutine.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/morezero/action-gateway/pkg/envelope"
	"github.com/morezero/action-gateway/pkg/metrics"
	"github.com/morezero/action-gateway/pkg/transport"
)

const logPrefix = "ws:server"

// WebSocket timeouts.
const (
	writeWait             = 10 * time.Second
	pongWait              = 60 * time.Second
	pingPeriod            = (pongWait * 9) / 10
	defaultMaxMessageSize = 1 << 20
	sendBuffer            = 256
)

// RateLimitedMessage is the envelope message sent when a connection exceeds its rate.
const RateLimitedMessage = "RATE_LIMITED"

// Options configures one WebSocket endpoint.
type Options struct {
	// Endpoint labels connection metrics and logs ("client", "daemon").
	Endpoint string
	Handler  transport.Handler
	// RateLimit is messages per second per connection; zero disables limiting.
	RateLimit float64
	RateBurst int
	// MaxMessageSize bounds inbound frames; zero uses 1 MiB.
	MaxMessageSize int64
	Metrics        *metrics.Metrics
}

// Server upgrades HTTP requests and runs one connection per upgrade.
type Server struct {
	opts     Options
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[string]*Conn
	closed bool
	wg     sync.WaitGroup
}

// NewServer creates a WebSocket endpoint.
func NewServer(opts Options) *Server {
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = defaultMaxMessageSize
	}
	if opts.RateLimit > 0 && opts.RateBurst <= 0 {
		opts.RateBurst = 1
	}
	return &Server{
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect from arbitrary origins; authorization is per action.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[string]*Conn),
	}
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - %s upgrade failed: %v", logPrefix, s.opts.Endpoint, err))
		return
	}

	c := newConn(wsConn, r.Header.Clone())
	if s.opts.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(s.opts.RateLimit), s.opts.RateBurst)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		wsConn.Close()
		return
	}
	s.conns[c.id] = c
	s.wg.Add(1)
	s.mu.Unlock()

	s.opts.Metrics.ConnectionDelta(s.opts.Endpoint, 1)
	slog.Debug(fmt.Sprintf("%s - %s connection %s opened from %s", logPrefix, s.opts.Endpoint, c.id, r.RemoteAddr))

	go c.writePump()
	s.readPump(c)
}

// Count returns the number of live connections.
func (s *Server) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close closes every live connection and waits for their close handlers.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	s.wg.Wait()
}

// readPump reads frames until the connection fails, then runs the close path once.
func (s *Server) readPump(c *Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	var inflight sync.WaitGroup
	defer func() {
		cancel()
		c.Close()
		inflight.Wait()
		s.mu.Lock()
		delete(s.conns, c.id)
		s.mu.Unlock()
		s.opts.Handler.HandleClose(c)
		s.opts.Metrics.ConnectionDelta(s.opts.Endpoint, -1)
		slog.Debug(fmt.Sprintf("%s - %s connection %s closed", logPrefix, s.opts.Endpoint, c.id))
		s.wg.Done()
	}()

	c.ws.SetReadLimit(s.opts.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Warn(fmt.Sprintf("%s - %s read error on %s: %v", logPrefix, s.opts.Endpoint, c.id, err))
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))

		if c.limiter != nil && !c.limiter.Allow() {
			s.rejectRateLimited(ctx, c, message)
			continue
		}

		inflight.Add(1)
		go func(data []byte) {
			defer inflight.Done()
			s.opts.Handler.HandleMessage(ctx, c, data)
		}(message)
	}
}

// rejectRateLimited answers a dropped message, echoing its tag when it has one.
func (s *Server) rejectRateLimited(ctx context.Context, c *Conn, message []byte) {
	var probe struct {
		Tag string `json:"tag"`
	}
	_ = json.Unmarshal(message, &probe)
	resp := envelope.Fail(envelope.StatusServiceUnavailable, RateLimitedMessage, probe.Tag)
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := c.Send(ctx, data); err != nil {
		slog.Debug(fmt.Sprintf("%s - rate limit reply on %s failed: %v", logPrefix, c.id, err))
	}
}
