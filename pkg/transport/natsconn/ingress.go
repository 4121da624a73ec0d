// Package natsconn serves client requests arriving over NATS request/reply.
// Requests on the base subject name the action in the body; requests on
// "<subject>.<collection>.<action>" address it by subject.
package natsconn

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/action-gateway/pkg/action"
	"github.com/morezero/action-gateway/pkg/commsutil"
	"github.com/morezero/action-gateway/pkg/envelope"
)

const logPrefix = "natsconn:ingress"

// AuthorizationHeader is the NATS message header carrying the client credential.
const AuthorizationHeader = "Authorization"

// Dispatcher runs one request through the gateway.
type Dispatcher interface {
	Dispatch(ctx context.Context, surface action.Visibility, req *envelope.Request) *envelope.Response
}

// IngressOpts configures the NATS ingress.
type IngressOpts struct {
	Subject string
	Queue   string
	// Timeout bounds each request; zero means no deadline.
	Timeout time.Duration
	// Surface is the visibility surface requests are dispatched on. Defaults to internal.
	Surface action.Visibility
}

// Ingress subscribes to the gateway subjects and answers each request.
type Ingress struct {
	nc         *comms.Conn
	opts       IngressOpts
	dispatcher Dispatcher

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	subs   []*comms.Subscription
}

// NewIngress creates an ingress; call Start to subscribe.
func NewIngress(nc *comms.Conn, opts IngressOpts, dispatcher Dispatcher) *Ingress {
	if opts.Subject == "" {
		opts.Subject = commsutil.SubjectGateway
	}
	if opts.Queue == "" {
		opts.Queue = commsutil.QueueGateway
	}
	if opts.Surface == "" {
		opts.Surface = action.VisibilityInternal
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Ingress{nc: nc, opts: opts, dispatcher: dispatcher, ctx: ctx, cancel: cancel}
}

// Start subscribes to the base subject and the per-action wildcard in the queue group.
func (i *Ingress) Start() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	for _, subject := range []string{i.opts.Subject, i.opts.Subject + ".*.*"} {
		sub, err := i.nc.QueueSubscribe(subject, i.opts.Queue, i.handle)
		if err != nil {
			for _, s := range i.subs {
				s.Unsubscribe()
			}
			i.subs = nil
			return fmt.Errorf("%s - failed to subscribe to %s: %w", logPrefix, subject, err)
		}
		i.subs = append(i.subs, sub)
		slog.Info(fmt.Sprintf("%s - Subscribed to %s (queue %s)", logPrefix, subject, i.opts.Queue))
	}
	return nil
}

// Stop unsubscribes and cancels in-flight requests.
func (i *Ingress) Stop() {
	i.mu.Lock()
	subs := i.subs
	i.subs = nil
	i.mu.Unlock()

	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil {
			slog.Warn(fmt.Sprintf("%s - unsubscribe %s: %v", logPrefix, s.Subject, err))
		}
	}
	i.cancel()
}

func (i *Ingress) handle(msg *comms.Msg) {
	// The NATS client delivers messages of one subscription serially.
	go i.serve(msg)
}

func (i *Ingress) serve(msg *comms.Msg) {
	var req envelope.Request
	if err := commsutil.DecodePayload(msg.Data, &req); err != nil {
		slog.Debug(fmt.Sprintf("%s - failed to decode request on %s: %v", logPrefix, msg.Subject, err))
		i.respond(msg, envelope.Fail(envelope.StatusBadRequest, "invalid request payload", ""))
		return
	}

	if collectionID, actionID, ok := i.addressed(msg.Subject); ok {
		req.CollectionID = collectionID
		req.ActionID = actionID
	}
	if msg.Header != nil {
		if v := msg.Header.Get(AuthorizationHeader); v != "" {
			req.SetHeader(AuthorizationHeader, v)
		}
	}

	ctx := i.ctx
	if i.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.opts.Timeout)
		defer cancel()
	}

	i.respond(msg, i.dispatcher.Dispatch(ctx, i.opts.Surface, &req))
}

// addressed extracts collection and action from a per-action subject.
func (i *Ingress) addressed(subject string) (collectionID, actionID string, ok bool) {
	rest, found := strings.CutPrefix(subject, i.opts.Subject+".")
	if !found {
		return "", "", false
	}
	collectionID, actionID, ok = strings.Cut(rest, ".")
	if !ok || collectionID == "" || actionID == "" {
		return "", "", false
	}
	return collectionID, actionID, true
}

func (i *Ingress) respond(msg *comms.Msg, resp *envelope.Response) {
	if msg.Reply == "" {
		return
	}
	data, err := commsutil.EncodePayload(resp)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - failed to encode response: %v", logPrefix, err))
		return
	}
	if err := msg.Respond(data); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to respond on %s: %v", logPrefix, msg.Reply, err))
	}
}
