// Package gateway connects transports to the core: client messages go to the
// dispatcher, worker messages go to the worker registry and the RPC bridge,
// and closed worker connections take their actions with them.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/morezero/action-gateway/pkg/action"
	"github.com/morezero/action-gateway/pkg/commsutil"
	"github.com/morezero/action-gateway/pkg/daemon"
	"github.com/morezero/action-gateway/pkg/envelope"
	"github.com/morezero/action-gateway/pkg/transport"
)

const logPrefix = "gateway:router"

// AuthorizationHeader is copied from the connection into each request that does not carry one.
const AuthorizationHeader = "Authorization"

// sendTimeout bounds writing one response to a connection.
const sendTimeout = 10 * time.Second

// Dispatcher runs one request through the gateway.
type Dispatcher interface {
	Dispatch(ctx context.Context, surface action.Visibility, req *envelope.Request) *envelope.Response
}

// ClientRouterDeps holds dependencies for the client router.
type ClientRouterDeps struct {
	Dispatcher Dispatcher
	// Surface is the visibility surface of the endpoint. Defaults to public.
	Surface action.Visibility
	// Timeout bounds each request; zero means no deadline.
	Timeout time.Duration
}

// ClientRouter handles the client endpoint. It implements transport.Handler.
type ClientRouter struct {
	dispatcher Dispatcher
	surface    action.Visibility
	timeout    time.Duration
}

var _ transport.Handler = (*ClientRouter)(nil)

// NewClientRouter creates a client router.
func NewClientRouter(deps ClientRouterDeps) *ClientRouter {
	surface := deps.Surface
	if surface == "" {
		surface = action.VisibilityPublic
	}
	return &ClientRouter{dispatcher: deps.Dispatcher, surface: surface, timeout: deps.Timeout}
}

// HandleMessage decodes one request envelope, dispatches it and sends the response.
func (r *ClientRouter) HandleMessage(ctx context.Context, conn transport.Conn, data []byte) {
	var req envelope.Request
	if err := commsutil.DecodePayload(data, &req); err != nil {
		slog.Debug(fmt.Sprintf("%s - undecodable client message on %s: %v", logPrefix, conn.ID(), err))
		send(ctx, conn, envelope.Fail(envelope.StatusBadRequest, "invalid request payload", ""))
		return
	}
	if v := conn.Header(AuthorizationHeader); v != "" {
		req.SetHeader(AuthorizationHeader, v)
	}

	reqCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	send(ctx, conn, r.dispatcher.Dispatch(reqCtx, r.surface, &req))
}

// HandleClose has nothing to release for client connections.
func (r *ClientRouter) HandleClose(conn transport.Conn) {
	slog.Debug(fmt.Sprintf("%s - client connection %s closed", logPrefix, conn.ID()))
}

// HandshakeAck is the data of the envelope acknowledging a worker handshake.
type HandshakeAck struct {
	Name        string   `json:"name"`
	ConnID      string   `json:"conn_id"`
	Collections []string `json:"collections"`
	Functions   int      `json:"functions"`
}

// WorkerRouter handles the worker endpoint. It implements transport.Handler.
type WorkerRouter struct {
	workers *daemon.Registry
	bridge  *daemon.Bridge
}

var _ transport.Handler = (*WorkerRouter)(nil)

// NewWorkerRouter creates a worker router.
func NewWorkerRouter(workers *daemon.Registry, bridge *daemon.Bridge) *WorkerRouter {
	return &WorkerRouter{workers: workers, bridge: bridge}
}

// HandleMessage routes a handshake to the worker registry and a reply to the bridge.
func (r *WorkerRouter) HandleMessage(ctx context.Context, conn transport.Conn, data []byte) {
	hs, reply, err := daemon.ParseMessage(data)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - invalid worker message on %s: %v", logPrefix, conn.ID(), err))
		send(ctx, conn, envelope.FromError(err, ""))
		return
	}

	if hs != nil {
		r.handshake(ctx, conn, hs)
		return
	}
	if !r.bridge.Deliver(conn, reply) {
		slog.Warn(fmt.Sprintf("%s - dropped reply with unknown tag %s on %s", logPrefix, reply.Tag, conn.ID()))
	}
}

func (r *WorkerRouter) handshake(ctx context.Context, conn transport.Conn, hs *daemon.Handshake) {
	w, err := r.workers.Handshake(ctx, conn, hs)
	if err != nil {
		send(ctx, conn, envelope.FromError(err, ""))
		if envelope.StatusFromError(err) == envelope.StatusUnauthorized {
			conn.Close()
		}
		return
	}
	send(ctx, conn, envelope.OK("", &HandshakeAck{
		Name:        w.Name,
		ConnID:      conn.ID(),
		Collections: w.Collections,
		Functions:   w.Functions,
	}))
}

// HandleClose unregisters the workers bound to conn and fails their pending calls.
func (r *WorkerRouter) HandleClose(conn transport.Conn) {
	removed := r.workers.HandleClose(context.Background(), conn)
	if len(removed) > 0 {
		slog.Info(fmt.Sprintf("%s - worker connection %s closed, removed %v", logPrefix, conn.ID(), removed))
	}
}

func send(ctx context.Context, conn transport.Conn, resp *envelope.Response) {
	data, err := commsutil.EncodePayload(resp)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - failed to encode response for %s: %v", logPrefix, conn.ID(), err))
		data, _ = commsutil.EncodePayload(envelope.Fail(envelope.StatusInternalServerError, "", resp.Tag))
	}
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if err := conn.Send(sendCtx, data); err != nil {
		slog.Debug(fmt.Sprintf("%s - send to %s failed: %v", logPrefix, conn.ID(), err))
	}
}
