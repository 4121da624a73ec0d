package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/morezero/action-gateway/pkg/action"
	"github.com/morezero/action-gateway/pkg/auth"
	"github.com/morezero/action-gateway/pkg/envelope"
	"github.com/morezero/action-gateway/pkg/metrics"
	"github.com/morezero/action-gateway/pkg/params"
)

const secret = "dispatcher-test-secret"

type harness struct {
	actions *action.Registry
	tokens  *auth.TokenService
	remote  *stubInvoker
	d       *Dispatcher
}

type stubInvoker struct {
	callerID string
	data     map[string]any
	resp     *envelope.Response
	err      error
}

func (s *stubInvoker) Call(_ context.Context, _ *action.Remote, _ string, callerID string, data map[string]any) (*envelope.Response, error) {
	s.callerID = callerID
	s.data = data
	return s.resp, s.err
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	tokens, err := auth.NewTokenService(secret, "action-gateway")
	if err != nil {
		t.Fatalf("dispatcher:dispatcher_test - NewTokenService failed: %v", err)
	}
	groups := auth.NewGroupTable(map[string][]int{"g1": {5}})
	h := &harness{
		actions: action.NewRegistry(action.RegistryDeps{}),
		tokens:  tokens,
		remote:  &stubInvoker{},
	}
	h.d = NewDispatcher(Deps{
		Actions: h.actions,
		Auth:    auth.NewAuthenticator(tokens, groups),
		Remote:  h.remote,
	})
	return h
}

func (h *harness) register(t *testing.T, c *action.Collection) {
	t.Helper()
	if err := h.actions.Register(context.Background(), c); err != nil {
		t.Fatalf("dispatcher:dispatcher_test - Register %s failed: %v", c.ID, err)
	}
}

func (h *harness) token(t *testing.T, groups ...string) string {
	t.Helper()
	tok, err := h.tokens.IssueAccess("user-1", groups, time.Hour)
	if err != nil {
		t.Fatalf("dispatcher:dispatcher_test - IssueAccess failed: %v", err)
	}
	return "Bearer " + tok
}

func echoCollection(disabled bool) *action.Collection {
	return &action.Collection{ID: "demo", Actions: []*action.Action{{
		ID:         "echo",
		Permission: 5,
		Disabled:   disabled,
		Parameters: []params.Spec{params.Required("msg", params.TypeString)},
		Handler: func(_ context.Context, call *action.Call) (action.Result, error) {
			return action.Reply(call.Args[0]), nil
		},
	}}}
}

func handlerCollection(id string, h action.HandlerFunc, specs ...params.Spec) *action.Collection {
	return &action.Collection{ID: id, Actions: []*action.Action{{ID: "run", Parameters: specs, Handler: h}}}
}

func request(action string, parameters map[string]any, authz string) *envelope.Request {
	req := &envelope.Request{ActionID: action, Parameters: parameters, Tag: "t-1"}
	if authz != "" {
		req.SetHeader(auth.AuthorizationHeader, authz)
	}
	return req
}

func TestDispatch_EchoPermitted(t *testing.T) {
	h := newHarness(t)
	h.register(t, echoCollection(false))

	resp := h.d.Dispatch(context.Background(), action.VisibilityPublic, request("echo", map[string]any{"msg": "hi"}, h.token(t, "g1")))
	if resp.StatusOf() != envelope.StatusOK {
		t.Fatalf("dispatcher:dispatcher_test - status = %s, want OK", resp.Status.Name)
	}
	if resp.Data != "hi" {
		t.Errorf("dispatcher:dispatcher_test - data = %v, want hi", resp.Data)
	}
	if resp.Tag != "t-1" {
		t.Errorf("dispatcher:dispatcher_test - tag = %q, want t-1", resp.Tag)
	}
	if resp.Status.Message != "" {
		t.Errorf("dispatcher:dispatcher_test - success must not carry a message, got %q", resp.Status.Message)
	}
}

func TestDispatch_GateOrder(t *testing.T) {
	tests := []struct {
		name       string
		disabled   bool
		authz      func(h *harness, t *testing.T) string
		parameters map[string]any
		want       envelope.Status
		wantMsg    string
	}{
		{
			name:       "disabled precedes auth and params",
			disabled:   true,
			parameters: map[string]any{"msg": 42},
			want:       envelope.StatusServiceUnavailable,
		},
		{
			name:       "disabled even with valid call",
			disabled:   true,
			authz:      func(h *harness, t *testing.T) string { return h.token(t, "g1") },
			parameters: map[string]any{"msg": "hi"},
			want:       envelope.StatusServiceUnavailable,
		},
		{
			name:       "auth precedes params",
			parameters: map[string]any{"msg": 42},
			want:       envelope.StatusUnauthorized,
		},
		{
			name:       "wrong group",
			authz:      func(h *harness, t *testing.T) string { return h.token(t, "g2") },
			parameters: map[string]any{"msg": "hi"},
			want:       envelope.StatusUnauthorized,
		},
		{
			name:       "params after auth",
			authz:      func(h *harness, t *testing.T) string { return h.token(t, "g1") },
			parameters: map[string]any{"msg": 42},
			want:       envelope.StatusBadRequest,
			wantMsg:    "msg",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.register(t, echoCollection(tt.disabled))
			authz := ""
			if tt.authz != nil {
				authz = tt.authz(h, t)
			}
			resp := h.d.Dispatch(context.Background(), action.VisibilityPublic, request("echo", tt.parameters, authz))
			if got := resp.StatusOf(); got != tt.want {
				t.Fatalf("dispatcher:dispatcher_test - status = %s, want %s", got, tt.want)
			}
			if tt.wantMsg != "" && !strings.Contains(resp.Status.Message, tt.wantMsg) {
				t.Errorf("dispatcher:dispatcher_test - message %q should mention %q", resp.Status.Message, tt.wantMsg)
			}
			if tt.want == envelope.StatusUnauthorized && resp.Status.Message != "" {
				t.Errorf("dispatcher:dispatcher_test - UNAUTHORIZED must not explain itself, got %q", resp.Status.Message)
			}
			if resp.Data != nil {
				t.Errorf("dispatcher:dispatcher_test - failure must not carry data, got %v", resp.Data)
			}
		})
	}
}

func TestDispatch_MissingUUIDParameter(t *testing.T) {
	h := newHarness(t)
	h.register(t, handlerCollection("users", func(context.Context, *action.Call) (action.Result, error) {
		return action.Reply("found"), nil
	}, params.Required("user_id", params.TypeUUID)))

	resp := h.d.Dispatch(context.Background(), action.VisibilityPublic, &envelope.Request{CollectionID: "users", ActionID: "run"})
	if resp.StatusOf() != envelope.StatusBadRequest {
		t.Fatalf("dispatcher:dispatcher_test - status = %s, want BAD_REQUEST", resp.Status.Name)
	}
	if !strings.Contains(resp.Status.Message, "user_id") {
		t.Errorf("dispatcher:dispatcher_test - message %q should mention user_id", resp.Status.Message)
	}
}

func TestDispatch_FailFastReportsFirstParameter(t *testing.T) {
	h := newHarness(t)
	h.register(t, handlerCollection("p", func(context.Context, *action.Call) (action.Result, error) {
		return action.Reply(nil), nil
	}, params.Required("p1", params.TypeString), params.Required("p2", params.TypeInteger)))

	for i := 0; i < 20; i++ {
		resp := h.d.Dispatch(context.Background(), action.VisibilityPublic, &envelope.Request{
			CollectionID: "p", ActionID: "run", Parameters: map[string]any{"p2": "wrong"},
		})
		if !strings.Contains(resp.Status.Message, "p1") || strings.Contains(resp.Status.Message, "p2") {
			t.Fatalf("dispatcher:dispatcher_test - message %q should name p1 only", resp.Status.Message)
		}
	}
}

func TestDispatch_NotFound(t *testing.T) {
	h := newHarness(t)
	h.register(t, echoCollection(false))

	tests := []struct {
		name string
		req  *envelope.Request
	}{
		{"unknown action", &envelope.Request{ActionID: "missing"}},
		{"unknown collection", &envelope.Request{CollectionID: "nope", ActionID: "echo"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := h.d.Dispatch(context.Background(), action.VisibilityPublic, tt.req)
			if resp.StatusOf() != envelope.StatusNotFound {
				t.Errorf("dispatcher:dispatcher_test - status = %s, want NOT_FOUND", resp.Status.Name)
			}
		})
	}
}

func TestDispatch_MissingActionID(t *testing.T) {
	h := newHarness(t)
	for _, req := range []*envelope.Request{nil, {Tag: "x"}} {
		resp := h.d.Dispatch(context.Background(), action.VisibilityPublic, req)
		if resp.StatusOf() != envelope.StatusBadRequest {
			t.Errorf("dispatcher:dispatcher_test - status = %s, want BAD_REQUEST", resp.Status.Name)
		}
	}
}

func TestDispatch_Visibility(t *testing.T) {
	h := newHarness(t)
	c := handlerCollection("ops", func(context.Context, *action.Call) (action.Result, error) {
		return action.Reply("flushed"), nil
	})
	c.Visibility = action.VisibilityInternal
	h.register(t, c)

	req := &envelope.Request{CollectionID: "ops", ActionID: "run"}
	if resp := h.d.Dispatch(context.Background(), action.VisibilityPublic, req); resp.StatusOf() != envelope.StatusNotFound {
		t.Errorf("dispatcher:dispatcher_test - internal collection from public surface = %s, want NOT_FOUND", resp.Status.Name)
	}
	if resp := h.d.Dispatch(context.Background(), action.VisibilityInternal, req); resp.StatusOf() != envelope.StatusOK {
		t.Errorf("dispatcher:dispatcher_test - internal collection from internal surface = %s, want OK", resp.Status.Name)
	}
}

func TestDispatch_HandlerContractViolations(t *testing.T) {
	tests := []struct {
		name    string
		handler action.HandlerFunc
		want    envelope.Status
		wantMsg string
	}{
		{
			name:    "nil result",
			handler: func(context.Context, *action.Call) (action.Result, error) { return nil, nil },
			want:    envelope.StatusInternalServerError,
		},
		{
			name: "immediate without reply",
			handler: func(context.Context, *action.Call) (action.Result, error) {
				return action.Immediate{}, nil
			},
			want: envelope.StatusInternalServerError,
		},
		{
			name: "deferred without wait",
			handler: func(context.Context, *action.Call) (action.Result, error) {
				return action.Deferred{}, nil
			},
			want: envelope.StatusInternalServerError,
		},
		{
			name: "deferred yielding nothing",
			handler: func(context.Context, *action.Call) (action.Result, error) {
				return action.Defer(func(context.Context) (*envelope.Response, error) { return nil, nil }), nil
			},
			want: envelope.StatusInternalServerError,
		},
		{
			name: "panic",
			handler: func(context.Context, *action.Call) (action.Result, error) {
				panic("boom")
			},
			want: envelope.StatusInternalServerError,
		},
		{
			name: "unexpected error",
			handler: func(context.Context, *action.Call) (action.Result, error) {
				return nil, errors.New("pq: relation \"users\" does not exist")
			},
			want: envelope.StatusInternalServerError,
		},
		{
			name: "invalid status",
			handler: func(context.Context, *action.Call) (action.Result, error) {
				return action.Immediate{Reply: &envelope.Response{Status: envelope.StatusBody{Code: 299, Name: "ALMOST_OK"}}}, nil
			},
			want: envelope.StatusInternalServerError,
		},
		{
			name: "domain error keeps status",
			handler: func(context.Context, *action.Call) (action.Result, error) {
				return nil, envelope.NewError(envelope.StatusForbidden, "not your device")
			},
			want:    envelope.StatusForbidden,
			wantMsg: "not your device",
		},
		{
			name: "failure result",
			handler: func(context.Context, *action.Call) (action.Result, error) {
				return action.Failure(envelope.StatusAlreadyExists, "name taken"), nil
			},
			want:    envelope.StatusAlreadyExists,
			wantMsg: "name taken",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.register(t, handlerCollection("x", tt.handler))
			resp := h.d.Dispatch(context.Background(), action.VisibilityPublic, &envelope.Request{CollectionID: "x", ActionID: "run", Tag: "t-9"})
			if got := resp.StatusOf(); got != tt.want {
				t.Fatalf("dispatcher:dispatcher_test - status = %s, want %s", got, tt.want)
			}
			if resp.Status.Message != tt.wantMsg {
				t.Errorf("dispatcher:dispatcher_test - message = %q, want %q", resp.Status.Message, tt.wantMsg)
			}
			if resp.Tag != "t-9" {
				t.Errorf("dispatcher:dispatcher_test - tag = %q, want t-9", resp.Tag)
			}
		})
	}
}

func TestDispatch_DeferredResult(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	h.register(t, handlerCollection("slow", func(context.Context, *action.Call) (action.Result, error) {
		return action.Defer(func(ctx context.Context) (*envelope.Response, error) {
			select {
			case <-release:
				return envelope.OK("ignored-tag", map[string]any{"rows": 3}), nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}), nil
	}))

	done := make(chan *envelope.Response, 1)
	go func() {
		done <- h.d.Dispatch(context.Background(), action.VisibilityPublic, &envelope.Request{CollectionID: "slow", ActionID: "run", Tag: "t-2"})
	}()

	select {
	case <-done:
		t.Fatal("dispatcher:dispatcher_test - deferred result resolved before completion")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)

	resp := <-done
	if resp.StatusOf() != envelope.StatusOK || resp.Tag != "t-2" {
		t.Errorf("dispatcher:dispatcher_test - resp = %+v", resp)
	}
}

func TestDispatch_DeferredDeadline(t *testing.T) {
	h := newHarness(t)
	h.register(t, handlerCollection("slow", func(context.Context, *action.Call) (action.Result, error) {
		return action.Defer(func(ctx context.Context) (*envelope.Response, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}), nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	resp := h.d.Dispatch(ctx, action.VisibilityPublic, &envelope.Request{CollectionID: "slow", ActionID: "run"})
	if resp.StatusOf() != envelope.StatusTimeout {
		t.Errorf("dispatcher:dispatcher_test - status = %s, want TIMEOUT", resp.Status.Name)
	}
}

func TestDispatch_Remote(t *testing.T) {
	h := newHarness(t)
	h.register(t, &action.Collection{ID: "billing", Owner: "billing", Actions: []*action.Action{{
		ID:         "charge",
		Permission: 5,
		Parameters: []params.Spec{params.Required("amount", params.TypeInteger), params.Optional("note", params.TypeString)},
		Remote:     &action.Remote{Worker: "billing", ConnID: "c1", Function: "charge"},
	}}})

	h.remote.resp = envelope.OK("worker-tag", "charged")
	resp := h.d.Dispatch(context.Background(), action.VisibilityPublic, &envelope.Request{
		ActionID: "charge", Parameters: map[string]any{"amount": float64(12)}, Tag: "client-tag",
		Headers: map[string]string{"authorization": h.token(t, "g1")},
	})
	if resp.StatusOf() != envelope.StatusOK || resp.Data != "charged" {
		t.Fatalf("dispatcher:dispatcher_test - resp = %+v", resp)
	}
	if resp.Tag != "client-tag" {
		t.Errorf("dispatcher:dispatcher_test - tag = %q, want client-tag", resp.Tag)
	}
	if h.remote.callerID != "user-1" {
		t.Errorf("dispatcher:dispatcher_test - callerID = %q, want user-1", h.remote.callerID)
	}
	if h.remote.data["amount"] != int64(12) {
		t.Errorf("dispatcher:dispatcher_test - amount = %#v, want int64(12)", h.remote.data["amount"])
	}
	if _, ok := h.remote.data["note"]; ok {
		t.Error("dispatcher:dispatcher_test - absent optional parameter must not be forwarded")
	}

	h.remote.resp, h.remote.err = nil, envelope.NewError(envelope.StatusUpstreamUnavailable, "worker billing disconnected")
	resp = h.d.Dispatch(context.Background(), action.VisibilityPublic, &envelope.Request{
		ActionID: "charge", Parameters: map[string]any{"amount": 1}, Headers: map[string]string{"Authorization": h.token(t, "g1")},
	})
	if resp.StatusOf() != envelope.StatusUpstreamUnavailable {
		t.Errorf("dispatcher:dispatcher_test - status = %s, want UPSTREAM_UNAVAILABLE", resp.Status.Name)
	}
}

func TestDispatch_NoAuthorizerRefusesProtectedActions(t *testing.T) {
	actions := action.NewRegistry(action.RegistryDeps{})
	_ = actions.Register(context.Background(), echoCollection(false))
	d := NewDispatcher(Deps{Actions: actions})
	resp := d.Dispatch(context.Background(), action.VisibilityPublic, &envelope.Request{ActionID: "echo", Parameters: map[string]any{"msg": "hi"}})
	if resp.StatusOf() != envelope.StatusUnauthorized {
		t.Errorf("dispatcher:dispatcher_test - status = %s, want UNAUTHORIZED", resp.Status.Name)
	}
}

func TestDispatch_UnknownCollectionsShareOneSeries(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	h := newHarness(t)
	h.d = NewDispatcher(Deps{Actions: h.actions, Remote: h.remote, Metrics: m})
	h.register(t, handlerCollection("known", func(context.Context, *action.Call) (action.Result, error) {
		return action.Reply("ok"), nil
	}))

	for i := 0; i < 200; i++ {
		req := &envelope.Request{CollectionID: fmt.Sprintf("junk-%d", i), ActionID: "run"}
		if resp := h.d.Dispatch(context.Background(), action.VisibilityPublic, req); resp.StatusOf() != envelope.StatusNotFound {
			t.Fatalf("dispatcher:dispatcher_test - status = %s, want NOT_FOUND", resp.Status.Name)
		}
	}
	if n := testutil.CollectAndCount(m.Dispatches); n != 1 {
		t.Fatalf("dispatcher:dispatcher_test - dispatch series = %d, want 1", n)
	}
	if v := testutil.ToFloat64(m.Dispatches.WithLabelValues(metrics.UnknownCollection, "NOT_FOUND")); v != 200 {
		t.Errorf("dispatcher:dispatcher_test - unknown NOT_FOUND count = %v, want 200", v)
	}

	h.d.Dispatch(context.Background(), action.VisibilityPublic, &envelope.Request{CollectionID: "known", ActionID: "run"})
	if v := testutil.ToFloat64(m.Dispatches.WithLabelValues("known", "OK")); v != 1 {
		t.Errorf("dispatcher:dispatcher_test - known OK count = %v, want 1", v)
	}
}

func TestDispatch_CallerCancellation(t *testing.T) {
	h := newHarness(t)
	h.register(t, handlerCollection("wait", func(context.Context, *action.Call) (action.Result, error) {
		return action.Defer(func(ctx context.Context) (*envelope.Response, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}), nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	resp := h.d.Dispatch(ctx, action.VisibilityPublic, &envelope.Request{CollectionID: "wait", ActionID: "run", Tag: "t-9"})
	if resp.StatusOf() != envelope.StatusServiceUnavailable {
		t.Errorf("dispatcher:dispatcher_test - status = %s, want SERVICE_UNAVAILABLE", resp.Status.Name)
	}
	if resp.Tag != "t-9" {
		t.Errorf("dispatcher:dispatcher_test - tag = %q, want t-9", resp.Tag)
	}
}
