// Package dispatcher runs one request through the gate chain: lookup,
// disabled check, authorization, parameter validation, invocation and
// response normalization. Exactly one response envelope is produced per request.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/morezero/action-gateway/pkg/action"
	"github.com/morezero/action-gateway/pkg/envelope"
	"github.com/morezero/action-gateway/pkg/metrics"
	"github.com/morezero/action-gateway/pkg/params"
)

const logPrefix = "dispatcher:dispatch"

// Authorizer decides whether a request may invoke an action.
type Authorizer interface {
	IsPermitted(req *envelope.Request, required int, act *action.Action) bool
}

// RemoteInvoker forwards a call to the worker bound to an action.
type RemoteInvoker interface {
	Call(ctx context.Context, remote *action.Remote, collectionID, callerID string, data map[string]any) (*envelope.Response, error)
}

// Dispatcher routes requests to local handlers or workers.
type Dispatcher struct {
	actions *action.Registry
	auth    Authorizer
	remote  RemoteInvoker
	metrics *metrics.Metrics
}

// Deps holds dependencies for the dispatcher.
type Deps struct {
	Actions *action.Registry
	Auth    Authorizer
	Remote  RemoteInvoker
	Metrics *metrics.Metrics
}

// NewDispatcher creates a new Dispatcher.
func NewDispatcher(deps Deps) *Dispatcher {
	return &Dispatcher{actions: deps.Actions, auth: deps.Auth, remote: deps.Remote, metrics: deps.Metrics}
}

// Dispatch resolves and runs the action addressed by req as seen from the
// given ingress surface. It never returns nil.
func (d *Dispatcher) Dispatch(ctx context.Context, surface action.Visibility, req *envelope.Request) *envelope.Response {
	start := time.Now()
	if req == nil || req.ActionID == "" {
		tag := ""
		if req != nil {
			tag = req.Tag
		}
		return envelope.Fail(envelope.StatusBadRequest, "action_id is required", tag)
	}
	slog.Debug(fmt.Sprintf("%s - collection=%s action=%s tag=%s", logPrefix, req.CollectionID, req.ActionID, req.Tag))

	act, ok := d.lookup(surface, req)
	if !ok {
		resp := envelope.Fail(envelope.StatusNotFound, fmt.Sprintf("unknown action %s", describe(req)), req.Tag)
		d.metrics.ObserveDispatch(metrics.UnknownCollection, resp.Status.Name, false, time.Since(start))
		return resp
	}

	resp := d.run(ctx, act, req)
	d.metrics.ObserveDispatch(act.CollectionID, resp.Status.Name, act.IsRemote(), time.Since(start))
	return resp
}

func (d *Dispatcher) lookup(surface action.Visibility, req *envelope.Request) (*action.Action, bool) {
	act, ok := d.actions.Lookup(req.CollectionID, req.ActionID)
	if !ok {
		return nil, false
	}
	c, ok := d.actions.Collection(act.CollectionID)
	if !ok || !c.Visibility.VisibleOn(surface) {
		return nil, false
	}
	return act, true
}

func (d *Dispatcher) run(ctx context.Context, act *action.Action, req *envelope.Request) *envelope.Response {
	if act.Disabled {
		return envelope.Fail(envelope.StatusServiceUnavailable, fmt.Sprintf("%s is disabled", act.Key()), req.Tag)
	}

	if d.auth == nil {
		if act.Permission != 0 {
			slog.Error(fmt.Sprintf("%s - no authorizer configured, refusing %s", logPrefix, act.Key()))
			return envelope.Fail(envelope.StatusUnauthorized, "", req.Tag)
		}
	} else if !d.auth.IsPermitted(req, act.Permission, act) {
		return envelope.Fail(envelope.StatusUnauthorized, "", req.Tag)
	}

	args, err := params.Validate(req.Parameters, act.Parameters)
	if err != nil {
		return envelope.Fail(envelope.StatusBadRequest, err.Error(), req.Tag)
	}

	resp := d.invoke(ctx, act, req, args)
	return normalize(act, resp, req.Tag)
}

func (d *Dispatcher) invoke(ctx context.Context, act *action.Action, req *envelope.Request, args params.Args) *envelope.Response {
	named := params.Named(act.Parameters, args)

	if act.IsRemote() {
		if d.remote == nil {
			slog.Error(fmt.Sprintf("%s - %s is remote but no invoker is configured", logPrefix, act.Key()))
			return nil
		}
		callerID := ""
		if req.Auth != nil {
			callerID = req.Auth.Subject
		}
		resp, err := d.remote.Call(ctx, act.Remote, act.CollectionID, callerID, named)
		if err != nil {
			return d.failure(act, err)
		}
		return resp
	}

	result, err := d.callHandler(ctx, act, &action.Call{Request: req, Args: args, Named: named, Auth: req.Auth})
	if err != nil {
		return d.failure(act, err)
	}

	switch r := result.(type) {
	case action.Immediate:
		return r.Reply
	case *action.Immediate:
		if r == nil {
			return nil
		}
		return r.Reply
	case action.Deferred:
		return d.await(ctx, act, r)
	case *action.Deferred:
		if r == nil {
			return nil
		}
		return d.await(ctx, act, *r)
	case nil:
		return nil
	default:
		slog.Error(fmt.Sprintf("%s - %s returned unsupported result type %T", logPrefix, act.Key(), result))
		return nil
	}
}

// callHandler runs a local handler, turning a panic into an error.
func (d *Dispatcher) callHandler(ctx context.Context, act *action.Action, call *action.Call) (result action.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error(fmt.Sprintf("%s - handler %s panicked: %v\n%s", logPrefix, act.Key(), r, debug.Stack()))
			result, err = nil, fmt.Errorf("handler %s panicked: %v", act.Key(), r)
		}
	}()
	return act.Handler(ctx, call)
}

func (d *Dispatcher) await(ctx context.Context, act *action.Action, r action.Deferred) (resp *envelope.Response) {
	if r.Wait == nil {
		return nil
	}
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error(fmt.Sprintf("%s - deferred result of %s panicked: %v\n%s", logPrefix, act.Key(), rec, debug.Stack()))
			resp = envelope.Fail(envelope.StatusInternalServerError, "", "")
		}
	}()
	out, err := r.Wait(ctx)
	if err != nil {
		return d.failure(act, err)
	}
	return out
}

// failure maps an invocation error to a response. Domain errors keep their
// status; anything else is logged in full and surfaced as a generic 500.
func (d *Dispatcher) failure(act *action.Action, err error) *envelope.Response {
	var domainErr *envelope.Error
	switch {
	case errors.As(err, &domainErr) && domainErr.Status.Valid() && domainErr.Status != envelope.StatusInternalServerError:
		slog.Debug(fmt.Sprintf("%s - %s failed: %v", logPrefix, act.Key(), err))
		return envelope.FromError(err, "")
	case errors.Is(err, context.DeadlineExceeded):
		slog.Warn(fmt.Sprintf("%s - %s exceeded its deadline", logPrefix, act.Key()))
		return envelope.Fail(envelope.StatusTimeout, "request deadline exceeded", "")
	case errors.Is(err, context.Canceled):
		slog.Debug(fmt.Sprintf("%s - %s cancelled by caller", logPrefix, act.Key()))
		return envelope.Fail(envelope.StatusServiceUnavailable, "request cancelled", "")
	default:
		slog.Error(fmt.Sprintf("%s - invocation of %s failed: %v", logPrefix, act.Key(), err))
		return envelope.Fail(envelope.StatusInternalServerError, "", "")
	}
}

// normalize wraps a handler reply into the canonical envelope carrying the
// request tag. An absent or malformed reply is a handler contract violation.
func normalize(act *action.Action, resp *envelope.Response, tag string) *envelope.Response {
	if resp == nil {
		slog.Error(fmt.Sprintf("%s - %s produced no result", logPrefix, act.Key()))
		return envelope.Fail(envelope.StatusInternalServerError, "", tag)
	}
	status := resp.StatusOf()
	if !status.Valid() {
		slog.Error(fmt.Sprintf("%s - %s produced invalid status %d/%q", logPrefix, act.Key(), resp.Status.Code, resp.Status.Name))
		return envelope.Fail(envelope.StatusInternalServerError, "", tag)
	}
	if status == envelope.StatusInternalServerError {
		return envelope.Fail(status, "", tag)
	}
	return envelope.Build(status, resp.Status.Message, tag, resp.Data)
}

func describe(req *envelope.Request) string {
	if req.CollectionID == "" {
		return req.ActionID
	}
	return action.Qualify(req.CollectionID, req.ActionID)
}
