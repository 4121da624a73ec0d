package daemon

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/morezero/action-gateway/pkg/action"
	"github.com/morezero/action-gateway/pkg/envelope"
	"github.com/morezero/action-gateway/pkg/events"
	"github.com/morezero/action-gateway/pkg/metrics"
	"github.com/morezero/action-gateway/pkg/semver"
	"github.com/morezero/action-gateway/pkg/transport"
)

const logPrefix = "daemon:registry"

// Registry tracks connected workers and keeps their functions merged into
// the action registry.
type Registry struct {
	mu      sync.Mutex
	workers map[string]*Worker
	byConn  map[string][]string
	seeded  map[string]string

	actions      *action.Registry
	bridge       *Bridge
	protocol     *semver.ProtocolChecker
	requireKnown bool
	metrics      *metrics.Metrics
}

// RegistryDeps holds dependencies for the worker registry.
type RegistryDeps struct {
	Actions *action.Registry
	Bridge  *Bridge
	// Protocol restricts accepted protocol versions; nil accepts any.
	Protocol *semver.ProtocolChecker
	// RequireKnown rejects workers that were not pre-seeded.
	RequireKnown bool
	// Seeded maps pre-registered worker names to their shared tokens.
	Seeded  map[string]string
	Metrics *metrics.Metrics
}

// NewRegistry creates a worker registry and binds the bridge to it.
func NewRegistry(deps RegistryDeps) *Registry {
	r := &Registry{
		workers:      make(map[string]*Worker),
		byConn:       make(map[string][]string),
		seeded:       make(map[string]string, len(deps.Seeded)),
		actions:      deps.Actions,
		bridge:       deps.Bridge,
		protocol:     deps.Protocol,
		requireKnown: deps.RequireKnown,
		metrics:      deps.Metrics,
	}
	for name, token := range deps.Seeded {
		r.seeded[name] = token
	}
	if r.bridge != nil {
		r.bridge.workers = r
	}
	return r
}

// Seed pre-registers a worker name with its shared token.
func (r *Registry) Seed(name, token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seeded[name] = token
	slog.Info(fmt.Sprintf("%s - Pre-seeded worker %s", logPrefix, name))
}

// Seeded returns the pre-seeded worker names, sorted.
func (r *Registry) Seeded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.seeded))
	for name := range r.seeded {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WorkerConn returns the connection a worker is bound to.
func (r *Registry) WorkerConn(name string) (transport.Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[name]
	if !ok {
		return nil, false
	}
	return w.Conn, true
}

// Workers lists connected workers sorted by name.
func (r *Registry) Workers() []WorkerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]WorkerInfo, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Handshake binds a worker to conn and registers its functions as remote
// actions. A repeated handshake on the same connection replaces the
// worker's previous manifest.
func (r *Registry) Handshake(ctx context.Context, conn transport.Conn, hs *Handshake) (*Worker, error) {
	name := strings.TrimSpace(hs.Name)
	if !semver.ValidateName(name) {
		return nil, envelope.NewError(envelope.StatusBadRequest, "invalid worker name %q", hs.Name)
	}
	if r.protocol != nil {
		if err := r.protocol.Accepts(hs.ProtocolVersion); err != nil {
			return nil, envelope.NewError(envelope.StatusBadRequest, "worker %s: %v", name, err)
		}
	}

	w, evs, err := r.bind(conn, name, hs)
	if err != nil {
		return nil, err
	}
	r.actions.Publish(ctx, evs)
	slog.Info(fmt.Sprintf("%s - Worker %s registered on %s (%d collections, %d functions)", logPrefix, name, conn.ID(), len(w.Collections), w.Functions))
	return w, nil
}

// bind authenticates the worker and swaps its manifest into the action
// registry under r.mu. Change events are returned for publishing after the
// lock is released.
func (r *Registry) bind(conn transport.Conn, name string, hs *Handshake) (*Worker, []*events.CollectionChangedEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.authenticate(name, hs.Token); err != nil {
		slog.Warn(fmt.Sprintf("%s - rejected handshake from %s on %s: %v", logPrefix, name, conn.ID(), err))
		return nil, nil, err
	}

	existing, exists := r.workers[name]
	if exists && existing.Conn.ID() != conn.ID() {
		return nil, nil, envelope.NewError(envelope.StatusAlreadyExists, "worker %s is already connected", name)
	}

	collections, err := buildCollections(name, conn.ID(), hs)
	if err != nil {
		return nil, nil, err
	}

	var previous []string
	if exists {
		previous = existing.Collections
	}
	evs, err := r.actions.Swap(collections, previous...)
	if err != nil {
		return nil, nil, err
	}

	registered := make([]string, 0, len(collections))
	functions := 0
	for _, c := range collections {
		registered = append(registered, c.ID)
		functions += len(c.Actions)
	}

	w := &Worker{
		Name:            name,
		Conn:            conn,
		ProtocolVersion: hs.ProtocolVersion,
		Collections:     registered,
		Functions:       functions,
		ConnectedAt:     time.Now().UTC(),
	}
	if exists {
		w.ConnectedAt = existing.ConnectedAt
	} else {
		r.byConn[conn.ID()] = append(r.byConn[conn.ID()], name)
	}
	r.workers[name] = w
	r.metrics.SetWorkers(len(r.workers))
	return w, evs, nil
}

// HandleClose removes every worker bound to conn together with the actions
// they owned, then fails the calls still waiting on conn. It returns the
// names of the removed workers.
func (r *Registry) HandleClose(ctx context.Context, conn transport.Conn) []string {
	r.mu.Lock()
	names := r.byConn[conn.ID()]
	delete(r.byConn, conn.ID())
	out := make([]string, 0, len(names))
	var owned []string
	for _, name := range names {
		if w, ok := r.workers[name]; ok && w.Conn.ID() == conn.ID() {
			delete(r.workers, name)
			owned = append(owned, w.Collections...)
			out = append(out, name)
		}
	}
	evs, _ := r.actions.Swap(nil, owned...)
	r.metrics.SetWorkers(len(r.workers))
	r.mu.Unlock()

	r.actions.Publish(ctx, evs)
	for _, name := range out {
		slog.Info(fmt.Sprintf("%s - Worker %s disconnected from %s", logPrefix, name, conn.ID()))
	}
	if r.bridge != nil {
		r.bridge.FailConn(conn.ID())
	}
	return out
}

// authenticate checks the shared token of pre-seeded workers. Callers hold r.mu.
func (r *Registry) authenticate(name, token string) error {
	want, known := r.seeded[name]
	if !known {
		if r.requireKnown {
			return envelope.NewError(envelope.StatusUnauthorized, "unknown worker")
		}
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(want), []byte(token)) != 1 {
		return envelope.NewError(envelope.StatusUnauthorized, "invalid worker token")
	}
	return nil
}

func buildCollections(name, connID string, hs *Handshake) ([]*action.Collection, error) {
	manifests := make([]CollectionManifest, 0, len(hs.Collections)+1)
	if len(hs.Functions) > 0 || len(hs.Collections) == 0 {
		manifests = append(manifests, CollectionManifest{ID: name, Description: hs.Description, Functions: hs.Functions})
	}
	manifests = append(manifests, hs.Collections...)

	out := make([]*action.Collection, 0, len(manifests))
	for _, m := range manifests {
		if !semver.ValidateName(m.ID) {
			return nil, envelope.NewError(envelope.StatusBadRequest, "worker %s declares invalid collection %q", name, m.ID)
		}
		visibility, err := action.ParseVisibility(m.Visibility)
		if err != nil {
			return nil, envelope.NewError(envelope.StatusBadRequest, "worker %s collection %s: %v", name, m.ID, err)
		}
		c := &action.Collection{
			ID:          m.ID,
			Description: m.Description,
			Visibility:  visibility,
			Disabled:    m.Disabled,
			Owner:       name,
			Actions:     make([]*action.Action, 0, len(m.Functions)),
		}
		for _, fn := range m.Functions {
			c.Actions = append(c.Actions, &action.Action{
				ID:          fn.ID,
				Description: fn.Description,
				Permission:  fn.Permission,
				Disabled:    fn.Disabled,
				Parameters:  fn.Parameters,
				Remote:      &action.Remote{Worker: name, ConnID: connID, Function: fn.ID},
			})
		}
		out = append(out, c)
	}
	return out, nil
}
