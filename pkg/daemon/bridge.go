package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/morezero/action-gateway/pkg/action"
	"github.com/morezero/action-gateway/pkg/commsutil"
	"github.com/morezero/action-gateway/pkg/envelope"
	"github.com/morezero/action-gateway/pkg/metrics"
	"github.com/morezero/action-gateway/pkg/transport"
)

const bridgeLogPrefix = "daemon:bridge"

// DefaultCallTimeout bounds a forwarded call when no timeout is configured.
const DefaultCallTimeout = 30 * time.Second

// ConnResolver finds the live connection of a worker.
type ConnResolver interface {
	WorkerConn(name string) (transport.Conn, bool)
}

type outcome struct {
	resp *envelope.Response
	err  error
}

// pendingCall awaits one worker reply. Whoever removes it from the pending
// table is the only party allowed to resolve it.
type pendingCall struct {
	tag     string
	worker  string
	connID  string
	action  string
	started time.Time
	done    chan outcome
}

// Bridge forwards calls to workers and matches their replies by tag.
type Bridge struct {
	mu      sync.Mutex
	pending map[string]*pendingCall
	timeout time.Duration
	workers ConnResolver
	metrics *metrics.Metrics
	newTag  func() string
}

// BridgeDeps holds dependencies for the bridge.
type BridgeDeps struct {
	Timeout time.Duration
	Metrics *metrics.Metrics
}

// NewBridge creates a bridge. It is usable once a Registry has been built on it.
func NewBridge(deps BridgeDeps) *Bridge {
	timeout := deps.Timeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Bridge{
		pending: make(map[string]*pendingCall),
		timeout: timeout,
		metrics: deps.Metrics,
		newTag:  uuid.NewString,
	}
}

// Call forwards one call to the worker bound to remote and waits for its
// reply, the call deadline, ctx cancellation, or the worker disconnecting.
// Disconnects yield UPSTREAM_UNAVAILABLE and deadlines TIMEOUT.
func (b *Bridge) Call(ctx context.Context, remote *action.Remote, collectionID, callerID string, data map[string]any) (*envelope.Response, error) {
	if b.workers == nil {
		return nil, fmt.Errorf("%s - bridge has no worker registry", bridgeLogPrefix)
	}
	conn, ok := b.workers.WorkerConn(remote.Worker)
	if !ok || conn.ID() != remote.ConnID {
		b.metrics.ObserveRemoteCall(remote.Worker, "unavailable")
		return nil, envelope.NewError(envelope.StatusUpstreamUnavailable, "worker %s is not connected", remote.Worker)
	}

	payload := make(map[string]any, len(data)+1)
	for k, v := range data {
		payload[k] = v
	}
	payload[CallerIDKey] = callerID

	pc := &pendingCall{
		tag:     b.newTag(),
		worker:  remote.Worker,
		connID:  conn.ID(),
		action:  remote.Function,
		started: time.Now(),
		done:    make(chan outcome, 1),
	}
	msg, err := commsutil.EncodePayload(outboundCall{Tag: pc.tag, Collection: collectionID, Action: remote.Function, Data: payload})
	if err != nil {
		return nil, fmt.Errorf("%s - failed to encode call to %s: %w", bridgeLogPrefix, remote.Worker, err)
	}

	b.mu.Lock()
	b.pending[pc.tag] = pc
	b.mu.Unlock()
	b.metrics.PendingDelta(1)

	if err := conn.Send(ctx, msg); err != nil {
		if b.take(pc.tag) != nil {
			slog.Warn(fmt.Sprintf("%s - failed to send %s to %s: %v", bridgeLogPrefix, remote.Function, remote.Worker, err))
			b.metrics.ObserveRemoteCall(remote.Worker, "unavailable")
			return nil, envelope.NewError(envelope.StatusUpstreamUnavailable, "worker %s is unavailable", remote.Worker)
		}
		return b.settled(pc)
	}
	slog.Debug(fmt.Sprintf("%s - Forwarded %s to %s (tag=%s)", bridgeLogPrefix, remote.Function, remote.Worker, pc.tag))

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case out := <-pc.done:
		return out.resp, out.err
	case <-timer.C:
		if b.take(pc.tag) != nil {
			slog.Warn(fmt.Sprintf("%s - call %s on %s timed out after %s (tag=%s)", bridgeLogPrefix, remote.Function, remote.Worker, b.timeout, pc.tag))
			b.metrics.ObserveRemoteCall(remote.Worker, "timeout")
			return nil, envelope.NewError(envelope.StatusTimeout, "worker %s did not reply within %s", remote.Worker, b.timeout)
		}
		return b.settled(pc)
	case <-ctx.Done():
		if b.take(pc.tag) != nil {
			b.metrics.ObserveRemoteCall(remote.Worker, "canceled")
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, envelope.NewError(envelope.StatusTimeout, "request deadline exceeded waiting for %s", remote.Worker)
			}
			return nil, ctx.Err()
		}
		return b.settled(pc)
	}
}

// settled returns the outcome of a call that another party already resolved.
func (b *Bridge) settled(pc *pendingCall) (*envelope.Response, error) {
	out := <-pc.done
	return out.resp, out.err
}

// Deliver resolves the pending call matching reply.Tag if it was forwarded
// on conn. It reports whether a call was resolved; unknown, expired and
// duplicate tags are dropped.
func (b *Bridge) Deliver(conn transport.Conn, reply *Reply) bool {
	b.mu.Lock()
	pc, ok := b.pending[reply.Tag]
	if !ok || pc.connID != conn.ID() {
		b.mu.Unlock()
		slog.Warn(fmt.Sprintf("%s - dropping reply with unknown tag %q from %s", bridgeLogPrefix, reply.Tag, conn.ID()))
		return false
	}
	delete(b.pending, reply.Tag)
	b.mu.Unlock()
	b.metrics.PendingDelta(-1)

	b.metrics.ObserveRemoteCall(pc.worker, "ok")
	slog.Debug(fmt.Sprintf("%s - Reply for %s from %s after %s", bridgeLogPrefix, pc.action, pc.worker, time.Since(pc.started)))
	pc.done <- outcome{resp: reply.Response}
	return true
}

// FailConn resolves every call pending on connID with UPSTREAM_UNAVAILABLE
// and returns how many were failed.
func (b *Bridge) FailConn(connID string) int {
	b.mu.Lock()
	var failed []*pendingCall
	for tag, pc := range b.pending {
		if pc.connID == connID {
			failed = append(failed, pc)
			delete(b.pending, tag)
		}
	}
	b.mu.Unlock()

	for _, pc := range failed {
		b.metrics.PendingDelta(-1)
		b.metrics.ObserveRemoteCall(pc.worker, "disconnected")
		pc.done <- outcome{err: envelope.NewError(envelope.StatusUpstreamUnavailable, "worker %s disconnected", pc.worker)}
	}
	if len(failed) > 0 {
		slog.Warn(fmt.Sprintf("%s - failed %d pending calls on closed connection %s", bridgeLogPrefix, len(failed), connID))
	}
	return len(failed)
}

// Pending returns the number of calls awaiting a reply.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Bridge) take(tag string) *pendingCall {
	b.mu.Lock()
	pc, ok := b.pending[tag]
	if ok {
		delete(b.pending, tag)
	}
	b.mu.Unlock()
	if ok {
		b.metrics.PendingDelta(-1)
	}
	return pc
}
