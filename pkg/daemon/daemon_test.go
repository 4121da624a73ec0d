package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/morezero/action-gateway/pkg/action"
	"github.com/morezero/action-gateway/pkg/envelope"
	"github.com/morezero/action-gateway/pkg/events"
	"github.com/morezero/action-gateway/pkg/metrics"
	"github.com/morezero/action-gateway/pkg/params"
	"github.com/morezero/action-gateway/pkg/semver"
	"github.com/morezero/action-gateway/pkg/transport"
)

type fixture struct {
	actions *action.Registry
	bridge  *Bridge
	workers *Registry
}

func newFixture(t *testing.T, timeout time.Duration, mutate func(*RegistryDeps)) *fixture {
	t.Helper()
	actions := action.NewRegistry(action.RegistryDeps{})
	bridge := NewBridge(BridgeDeps{Timeout: timeout})
	deps := RegistryDeps{Actions: actions, Bridge: bridge}
	if mutate != nil {
		mutate(&deps)
	}
	return &fixture{actions: actions, bridge: bridge, workers: NewRegistry(deps)}
}

func billingHandshake() *Handshake {
	return &Handshake{
		Name: "billing",
		Functions: []Function{
			{ID: "charge", Description: "charge a card", Permission: 3, Parameters: []params.Spec{
				params.Required("amount", params.TypeInteger),
			}},
			{ID: "refund"},
		},
	}
}

func statusOf(err error) envelope.Status {
	return envelope.StatusFromError(err)
}

func readCall(t *testing.T, conn *transport.MemConn) outboundCall {
	t.Helper()
	select {
	case data := <-conn.Outbox:
		var call outboundCall
		if err := json.Unmarshal(data, &call); err != nil {
			t.Fatalf("daemon:daemon_test - worker got malformed call: %v", err)
		}
		return call
	case <-time.After(5 * time.Second):
		t.Fatal("daemon:daemon_test - worker never received the call")
	}
	return outboundCall{}
}

type callResult struct {
	resp *envelope.Response
	err  error
}

func callAsync(f *fixture, collection, id string) chan callResult {
	out := make(chan callResult, 1)
	a, ok := f.actions.Lookup(collection, id)
	if !ok {
		out <- callResult{err: envelope.NewError(envelope.StatusNotFound, "%s/%s", collection, id)}
		return out
	}
	go func() {
		resp, err := f.bridge.Call(context.Background(), a.Remote, a.CollectionID, "user-1", map[string]any{"amount": int64(5)})
		out <- callResult{resp, err}
	}()
	return out
}

func TestHandshake_RegistersRemoteActions(t *testing.T) {
	f := newFixture(t, time.Second, nil)
	conn := transport.NewMemConn("c1", nil)

	w, err := f.workers.Handshake(context.Background(), conn, billingHandshake())
	if err != nil {
		t.Fatalf("daemon:daemon_test - Handshake failed: %v", err)
	}
	if w.Functions != 2 || len(w.Collections) != 1 || w.Collections[0] != "billing" {
		t.Errorf("daemon:daemon_test - worker = %+v", w)
	}

	a, ok := f.actions.Lookup("billing", "charge")
	if !ok {
		t.Fatal("daemon:daemon_test - billing/charge not registered")
	}
	if !a.IsRemote() || a.Remote.ConnID != "c1" || a.Remote.Worker != "billing" {
		t.Errorf("daemon:daemon_test - remote binding = %+v", a.Remote)
	}
	if a.Permission != 3 || len(a.Parameters) != 1 {
		t.Errorf("daemon:daemon_test - action metadata lost: %+v", a)
	}
	c, _ := f.actions.Collection("billing")
	if c.Owner != "billing" {
		t.Errorf("daemon:daemon_test - collection owner = %q, want billing", c.Owner)
	}

	infos := f.workers.Workers()
	if len(infos) != 1 || infos[0].ConnID != "c1" {
		t.Errorf("daemon:daemon_test - Workers() = %+v", infos)
	}
}

func TestHandshake_ExtraCollections(t *testing.T) {
	f := newFixture(t, time.Second, nil)
	conn := transport.NewMemConn("c1", nil)
	hs := &Handshake{
		Name: "devices",
		Collections: []CollectionManifest{
			{ID: "device", Functions: []Function{{ID: "create"}, {ID: "delete"}}},
			{ID: "device-admin", Visibility: "internal", Functions: []Function{{ID: "purge"}}},
		},
	}
	w, err := f.workers.Handshake(context.Background(), conn, hs)
	if err != nil {
		t.Fatalf("daemon:daemon_test - Handshake failed: %v", err)
	}
	if len(w.Collections) != 2 {
		t.Fatalf("daemon:daemon_test - collections = %v, want 2 (no implicit worker collection)", w.Collections)
	}
	if _, ok := f.actions.Collection("devices"); ok {
		t.Error("daemon:daemon_test - empty default collection should not be registered")
	}
	c, _ := f.actions.Collection("device-admin")
	if c.Visibility != action.VisibilityInternal {
		t.Errorf("daemon:daemon_test - visibility = %s, want internal", c.Visibility)
	}

	f.workers.HandleClose(context.Background(), conn)
	if n, _ := f.actions.Len(); n != 0 {
		t.Errorf("daemon:daemon_test - %d collections left after disconnect", n)
	}
}

func TestHandshake_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*RegistryDeps)
		hs     *Handshake
		want   envelope.Status
	}{
		{
			name: "invalid name",
			hs:   &Handshake{Name: "9lives"},
			want: envelope.StatusBadRequest,
		},
		{
			name: "wrong seeded token",
			mutate: func(d *RegistryDeps) {
				d.Seeded = map[string]string{"billing": "s3cret"}
			},
			hs:   &Handshake{Name: "billing", Token: "guess"},
			want: envelope.StatusUnauthorized,
		},
		{
			name:   "unknown worker when known required",
			mutate: func(d *RegistryDeps) { d.RequireKnown = true },
			hs:     &Handshake{Name: "billing"},
			want:   envelope.StatusUnauthorized,
		},
		{
			name: "unsupported protocol",
			mutate: func(d *RegistryDeps) {
				p, _ := semver.NewProtocolChecker(">=1.0.0, <2.0.0")
				d.Protocol = p
			},
			hs:   &Handshake{Name: "billing", ProtocolVersion: "2.1.0"},
			want: envelope.StatusBadRequest,
		},
		{
			name: "invalid parameter schema",
			hs: &Handshake{Name: "billing", Functions: []Function{{
				ID: "charge", Parameters: []params.Spec{{Key: "amount", Type: "money"}},
			}}},
			want: envelope.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, time.Second, tt.mutate)
			_, err := f.workers.Handshake(context.Background(), transport.NewMemConn("c1", nil), tt.hs)
			if err == nil {
				t.Fatal("daemon:daemon_test - expected handshake to fail")
			}
			if got := statusOf(err); got != tt.want {
				t.Errorf("daemon:daemon_test - status = %s, want %s", got, tt.want)
			}
			if len(f.workers.Workers()) != 0 {
				t.Error("daemon:daemon_test - rejected worker must not be recorded")
			}
		})
	}
}

func TestHandshake_SeededTokenAccepted(t *testing.T) {
	f := newFixture(t, time.Second, func(d *RegistryDeps) { d.RequireKnown = true })
	f.workers.Seed("billing", "s3cret")

	hs := billingHandshake()
	hs.Token = "s3cret"
	if _, err := f.workers.Handshake(context.Background(), transport.NewMemConn("c1", nil), hs); err != nil {
		t.Fatalf("daemon:daemon_test - seeded worker rejected: %v", err)
	}
	if names := f.workers.Seeded(); len(names) != 1 || names[0] != "billing" {
		t.Errorf("daemon:daemon_test - Seeded() = %v", names)
	}
}

func TestHandshake_NameTakenOnOtherConnection(t *testing.T) {
	f := newFixture(t, time.Second, nil)
	ctx := context.Background()
	if _, err := f.workers.Handshake(ctx, transport.NewMemConn("c1", nil), billingHandshake()); err != nil {
		t.Fatalf("daemon:daemon_test - first handshake failed: %v", err)
	}
	_, err := f.workers.Handshake(ctx, transport.NewMemConn("c2", nil), billingHandshake())
	if got := statusOf(err); got != envelope.StatusAlreadyExists {
		t.Errorf("daemon:daemon_test - status = %s, want ALREADY_EXISTS", got)
	}
}

func TestHandshake_CollidesWithLocalCollection(t *testing.T) {
	f := newFixture(t, time.Second, nil)
	ctx := context.Background()
	local := &action.Collection{ID: "billing", Actions: []*action.Action{{
		ID: "status",
		Handler: func(context.Context, *action.Call) (action.Result, error) {
			return action.Reply("up"), nil
		},
	}}}
	if err := f.actions.Register(ctx, local); err != nil {
		t.Fatalf("daemon:daemon_test - Register failed: %v", err)
	}
	_, err := f.workers.Handshake(ctx, transport.NewMemConn("c1", nil), billingHandshake())
	if got := statusOf(err); got != envelope.StatusConflict {
		t.Errorf("daemon:daemon_test - status = %s, want CONFLICT", got)
	}
	if a, _ := f.actions.Lookup("billing", "status"); a == nil || a.IsRemote() {
		t.Error("daemon:daemon_test - local collection must survive the rejected handshake")
	}
}

func TestHandshake_RepeatedOnSameConnectionReplacesManifest(t *testing.T) {
	f := newFixture(t, time.Second, nil)
	ctx := context.Background()
	conn := transport.NewMemConn("c1", nil)
	if _, err := f.workers.Handshake(ctx, conn, billingHandshake()); err != nil {
		t.Fatalf("daemon:daemon_test - first handshake failed: %v", err)
	}
	if _, err := f.workers.Handshake(ctx, conn, &Handshake{Name: "billing", Functions: []Function{{ID: "invoice"}}}); err != nil {
		t.Fatalf("daemon:daemon_test - second handshake failed: %v", err)
	}
	if _, ok := f.actions.Lookup("billing", "charge"); ok {
		t.Error("daemon:daemon_test - old function should be gone")
	}
	if _, ok := f.actions.Lookup("billing", "invoice"); !ok {
		t.Error("daemon:daemon_test - new function should be registered")
	}
}

func TestHandshake_FailedRepeatKeepsPreviousManifest(t *testing.T) {
	f := newFixture(t, time.Second, nil)
	ctx := context.Background()
	conn := transport.NewMemConn("c1", nil)
	if _, err := f.workers.Handshake(ctx, conn, billingHandshake()); err != nil {
		t.Fatalf("daemon:daemon_test - first handshake failed: %v", err)
	}
	_ = f.actions.Register(ctx, &action.Collection{ID: "audit", Actions: []*action.Action{{
		ID: "log",
		Handler: func(context.Context, *action.Call) (action.Result, error) {
			return action.Reply(nil), nil
		},
	}}})

	_, err := f.workers.Handshake(ctx, conn, &Handshake{
		Name:        "billing",
		Functions:   []Function{{ID: "invoice"}},
		Collections: []CollectionManifest{{ID: "audit", Functions: []Function{{ID: "trail"}}}},
	})
	if got := statusOf(err); got != envelope.StatusConflict {
		t.Fatalf("daemon:daemon_test - status = %s, want CONFLICT", got)
	}
	if _, ok := f.actions.Lookup("billing", "charge"); !ok {
		t.Error("daemon:daemon_test - previous manifest should still be served")
	}
	if _, ok := f.actions.Lookup("billing", "invoice"); ok {
		t.Error("daemon:daemon_test - rejected manifest must not be registered")
	}
	if len(f.workers.Workers()) != 1 {
		t.Error("daemon:daemon_test - worker should stay connected")
	}
}

func TestHandshake_PublishesOutsideRegistryLock(t *testing.T) {
	var workers *Registry
	seen := make(chan int, 4)
	pub := events.NewCallbackPublisher(func(_ context.Context, e *events.CollectionChangedEvent) error {
		// Re-entering the worker registry from a publisher must not block.
		seen <- len(workers.Workers())
		return nil
	})
	actions := action.NewRegistry(action.RegistryDeps{Publisher: pub})
	workers = NewRegistry(RegistryDeps{Actions: actions, Bridge: NewBridge(BridgeDeps{Timeout: time.Second})})
	conn := transport.NewMemConn("c1", nil)

	done := make(chan error, 1)
	go func() {
		_, err := workers.Handshake(context.Background(), conn, billingHandshake())
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("daemon:daemon_test - Handshake failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon:daemon_test - Handshake blocked while publishing")
	}
	if n := <-seen; n != 1 {
		t.Errorf("daemon:daemon_test - publisher saw %d workers, want 1", n)
	}

	go func() {
		workers.HandleClose(context.Background(), conn)
		done <- nil
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("daemon:daemon_test - HandleClose blocked while publishing")
	}
	if n := <-seen; n != 0 {
		t.Errorf("daemon:daemon_test - publisher saw %d workers after close, want 0", n)
	}
}

func TestHandshake_UpdatesCollectionsGauge(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	actions := action.NewRegistry(action.RegistryDeps{Metrics: m})
	workers := NewRegistry(RegistryDeps{Actions: actions, Bridge: NewBridge(BridgeDeps{Timeout: time.Second}), Metrics: m})
	conn := transport.NewMemConn("c1", nil)

	if _, err := workers.Handshake(context.Background(), conn, billingHandshake()); err != nil {
		t.Fatalf("daemon:daemon_test - Handshake failed: %v", err)
	}
	if v := testutil.ToFloat64(m.Collections); v != 1 {
		t.Errorf("daemon:daemon_test - collections = %v, want 1", v)
	}
	workers.HandleClose(context.Background(), conn)
	if v := testutil.ToFloat64(m.Collections); v != 0 {
		t.Errorf("daemon:daemon_test - collections after close = %v, want 0", v)
	}
}

func TestBridge_CallRoundTrip(t *testing.T) {
	f := newFixture(t, 5*time.Second, nil)
	conn := transport.NewMemConn("c1", nil)
	if _, err := f.workers.Handshake(context.Background(), conn, billingHandshake()); err != nil {
		t.Fatalf("daemon:daemon_test - Handshake failed: %v", err)
	}

	result := callAsync(f, "billing", "charge")
	call := readCall(t, conn)
	if call.Action != "charge" || call.Collection != "billing" {
		t.Errorf("daemon:daemon_test - call = %+v", call)
	}
	if call.Data[CallerIDKey] != "user-1" {
		t.Errorf("daemon:daemon_test - caller_id = %v, want user-1", call.Data[CallerIDKey])
	}
	if call.Data["amount"] != float64(5) {
		t.Errorf("daemon:daemon_test - amount = %v, want 5", call.Data["amount"])
	}

	if !f.bridge.Deliver(conn, &Reply{Tag: call.Tag, Response: envelope.OK("", "charged")}) {
		t.Fatal("daemon:daemon_test - Deliver did not match the pending call")
	}
	got := <-result
	if got.err != nil {
		t.Fatalf("daemon:daemon_test - Call failed: %v", got.err)
	}
	if got.resp.Data != "charged" {
		t.Errorf("daemon:daemon_test - data = %v, want charged", got.resp.Data)
	}
	if f.bridge.Deliver(conn, &Reply{Tag: call.Tag, Response: envelope.OK("", "again")}) {
		t.Error("daemon:daemon_test - a reply tag must be consumed at most once")
	}
	if f.bridge.Pending() != 0 {
		t.Errorf("daemon:daemon_test - %d calls still pending", f.bridge.Pending())
	}
}

func TestBridge_ConcurrentCallsMatchedByTag(t *testing.T) {
	f := newFixture(t, 5*time.Second, nil)
	conn := transport.NewMemConn("c1", nil)
	if _, err := f.workers.Handshake(context.Background(), conn, billingHandshake()); err != nil {
		t.Fatalf("daemon:daemon_test - Handshake failed: %v", err)
	}

	const n = 8
	a, _ := f.actions.Lookup("billing", "charge")
	var wg sync.WaitGroup
	results := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := f.bridge.Call(context.Background(), a.Remote, "billing", "user-1", map[string]any{"amount": int64(i)})
			if err != nil {
				t.Errorf("daemon:daemon_test - call %d failed: %v", i, err)
				return
			}
			results[i] = resp.Data.(string)
		}(i)
	}

	calls := make([]outboundCall, 0, n)
	for i := 0; i < n; i++ {
		calls = append(calls, readCall(t, conn))
	}
	// Reply in reverse arrival order.
	for i := len(calls) - 1; i >= 0; i-- {
		amount := int(calls[i].Data["amount"].(float64))
		f.bridge.Deliver(conn, &Reply{Tag: calls[i].Tag, Response: envelope.OK("", string(rune('a'+amount)))})
	}
	wg.Wait()

	for i, got := range results {
		if want := string(rune('a' + i)); got != want {
			t.Errorf("daemon:daemon_test - call %d got %q, want %q", i, got, want)
		}
	}
}

func TestBridge_DisconnectFailsPendingAndUnregisters(t *testing.T) {
	f := newFixture(t, 5*time.Second, nil)
	ctx := context.Background()
	conn := transport.NewMemConn("c1", nil)
	if _, err := f.workers.Handshake(ctx, conn, billingHandshake()); err != nil {
		t.Fatalf("daemon:daemon_test - Handshake failed: %v", err)
	}

	first := callAsync(f, "billing", "charge")
	second := callAsync(f, "billing", "refund")
	readCall(t, conn)
	readCall(t, conn)

	removed := f.workers.HandleClose(ctx, conn)
	if len(removed) != 1 || removed[0] != "billing" {
		t.Errorf("daemon:daemon_test - removed = %v, want [billing]", removed)
	}

	for _, ch := range []chan callResult{first, second} {
		select {
		case got := <-ch:
			if s := statusOf(got.err); s != envelope.StatusUpstreamUnavailable {
				t.Errorf("daemon:daemon_test - status = %s, want UPSTREAM_UNAVAILABLE", s)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("daemon:daemon_test - pending call was not failed on disconnect")
		}
	}

	if _, ok := f.actions.Lookup("billing", "charge"); ok {
		t.Error("daemon:daemon_test - billing/charge should be unreachable after disconnect")
	}
	if f.bridge.Pending() != 0 {
		t.Errorf("daemon:daemon_test - %d calls still pending", f.bridge.Pending())
	}
	if len(f.workers.Workers()) != 0 {
		t.Error("daemon:daemon_test - worker should be removed")
	}
	if f.bridge.FailConn("c1") != 0 {
		t.Error("daemon:daemon_test - pending calls must fail exactly once")
	}
}

func TestBridge_Timeout(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond, nil)
	conn := transport.NewMemConn("c1", nil)
	if _, err := f.workers.Handshake(context.Background(), conn, billingHandshake()); err != nil {
		t.Fatalf("daemon:daemon_test - Handshake failed: %v", err)
	}

	result := callAsync(f, "billing", "charge")
	call := readCall(t, conn)

	got := <-result
	if s := statusOf(got.err); s != envelope.StatusTimeout {
		t.Fatalf("daemon:daemon_test - status = %s, want TIMEOUT", s)
	}
	if f.bridge.Pending() != 0 {
		t.Errorf("daemon:daemon_test - timed out call was not evicted")
	}
	if f.bridge.Deliver(conn, &Reply{Tag: call.Tag, Response: envelope.OK("", "late")}) {
		t.Error("daemon:daemon_test - late reply must be dropped")
	}
}

func TestBridge_ContextCancel(t *testing.T) {
	f := newFixture(t, 5*time.Second, nil)
	conn := transport.NewMemConn("c1", nil)
	if _, err := f.workers.Handshake(context.Background(), conn, billingHandshake()); err != nil {
		t.Fatalf("daemon:daemon_test - Handshake failed: %v", err)
	}
	a, _ := f.actions.Lookup("billing", "charge")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.bridge.Call(ctx, a.Remote, "billing", "", nil)
		done <- err
	}()
	readCall(t, conn)
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("daemon:daemon_test - err = %v, want context.Canceled", err)
	}
	if f.bridge.Pending() != 0 {
		t.Error("daemon:daemon_test - canceled call was not evicted")
	}
}

func TestBridge_ReplyFromOtherConnectionIgnored(t *testing.T) {
	f := newFixture(t, 5*time.Second, nil)
	conn := transport.NewMemConn("c1", nil)
	if _, err := f.workers.Handshake(context.Background(), conn, billingHandshake()); err != nil {
		t.Fatalf("daemon:daemon_test - Handshake failed: %v", err)
	}

	result := callAsync(f, "billing", "charge")
	call := readCall(t, conn)

	if f.bridge.Deliver(transport.NewMemConn("intruder", nil), &Reply{Tag: call.Tag, Response: envelope.OK("", "spoofed")}) {
		t.Fatal("daemon:daemon_test - reply from another connection must not resolve the call")
	}
	f.bridge.Deliver(conn, &Reply{Tag: call.Tag, Response: envelope.OK("", "real")})
	if got := <-result; got.resp == nil || got.resp.Data != "real" {
		t.Errorf("daemon:daemon_test - got %+v, want real reply", got)
	}
}

func TestBridge_StaleBinding(t *testing.T) {
	f := newFixture(t, time.Second, nil)
	_, err := f.bridge.Call(context.Background(), &action.Remote{Worker: "ghost", ConnID: "c9", Function: "x"}, "ghost", "", nil)
	if s := statusOf(err); s != envelope.StatusUpstreamUnavailable {
		t.Errorf("daemon:daemon_test - status = %s, want UPSTREAM_UNAVAILABLE", s)
	}
}

func TestBridge_SendFailure(t *testing.T) {
	f := newFixture(t, time.Second, nil)
	conn := transport.NewMemConn("c1", nil)
	if _, err := f.workers.Handshake(context.Background(), conn, billingHandshake()); err != nil {
		t.Fatalf("daemon:daemon_test - Handshake failed: %v", err)
	}
	_ = conn.Close()

	got := <-callAsync(f, "billing", "charge")
	if s := statusOf(got.err); s != envelope.StatusUpstreamUnavailable {
		t.Errorf("daemon:daemon_test - status = %s, want UPSTREAM_UNAVAILABLE", s)
	}
	if f.bridge.Pending() != 0 {
		t.Error("daemon:daemon_test - unsent call was not evicted")
	}
}

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name          string
		data          string
		wantHandshake bool
		wantStatus    envelope.Status
		wantErr       bool
	}{
		{name: "handshake", data: `{"name":"billing","functions":[{"id":"charge"}]}`, wantHandshake: true},
		{name: "reply without status", data: `{"tag":"t1","data":{"ok":true}}`, wantStatus: envelope.StatusOK},
		{name: "reply by name", data: `{"tag":"t1","status":{"code":403,"name":"FORBIDDEN","message":"nope"}}`, wantStatus: envelope.StatusForbidden},
		{name: "reply by code", data: `{"tag":"t1","status":{"code":404}}`, wantStatus: envelope.StatusNotFound},
		{name: "unknown status", data: `{"tag":"t1","status":{"code":299,"name":"WEIRD"}}`, wantStatus: envelope.StatusInternalServerError},
		{name: "neither", data: `{"data":1}`, wantErr: true},
		{name: "garbage", data: `not json`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hs, reply, err := ParseMessage([]byte(tt.data))
			if tt.wantErr {
				if err == nil {
					t.Fatal("daemon:daemon_test - expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("daemon:daemon_test - ParseMessage failed: %v", err)
			}
			if tt.wantHandshake {
				if hs == nil || hs.Name != "billing" || len(hs.Functions) != 1 {
					t.Errorf("daemon:daemon_test - handshake = %+v", hs)
				}
				return
			}
			if reply == nil || reply.Tag != "t1" {
				t.Fatalf("daemon:daemon_test - reply = %+v", reply)
			}
			if got := reply.Response.StatusOf(); got != tt.wantStatus {
				t.Errorf("daemon:daemon_test - status = %s, want %s", got, tt.wantStatus)
			}
		})
	}
}

func TestParseMessage_ReplyKeepsIntegerPrecision(t *testing.T) {
	_, reply, err := ParseMessage([]byte(`{"tag":"t1","data":{"id":9007199254740993,"items":[18446744073709551615]}}`))
	if err != nil {
		t.Fatalf("daemon:daemon_test - ParseMessage failed: %v", err)
	}
	data, ok := reply.Response.Data.(map[string]any)
	if !ok {
		t.Fatalf("daemon:daemon_test - data = %#v, want an object", reply.Response.Data)
	}
	if id, _ := data["id"].(json.Number); id.String() != "9007199254740993" {
		t.Errorf("daemon:daemon_test - id = %#v, want 9007199254740993", data["id"])
	}

	out, err := json.Marshal(reply.Response.Data)
	if err != nil {
		t.Fatalf("daemon:daemon_test - Marshal failed: %v", err)
	}
	if want := `{"id":9007199254740993,"items":[18446744073709551615]}`; string(out) != want {
		t.Errorf("daemon:daemon_test - re-encoded data = %s, want %s", out, want)
	}
}
