package action

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/morezero/action-gateway/pkg/envelope"
	"github.com/morezero/action-gateway/pkg/events"
	"github.com/morezero/action-gateway/pkg/metrics"
)

const logPrefix = "action:registry"

// snapshot is an immutable view of the registry. Readers load it atomically
// and never observe a half-applied mutation.
type snapshot struct {
	order []string
	// declared keeps collections as registered; collections holds the same
	// collections with effective disabled flags.
	declared    map[string]*Collection
	collections map[string]*Collection
	qualified   map[string]*Action
	index       map[string]*Action
	listing     []byte
}

// Registry holds collections and the flattened action tables. Reads are
// lock-free; mutations are serialized and publish a fresh snapshot.
type Registry struct {
	mu        sync.Mutex
	snap      atomic.Pointer[snapshot]
	policy    ConflictPolicy
	overrides map[string]bool
	publisher events.EventPublisher
	metrics   *metrics.Metrics
}

// RegistryDeps holds dependencies for the registry.
type RegistryDeps struct {
	Policy    ConflictPolicy
	Publisher events.EventPublisher
	// Disabled lists qualified action keys ("collection/action") disabled at startup.
	Disabled []string
	// Overrides maps qualified action keys to a persisted disabled flag. Applied after Disabled.
	Overrides map[string]bool
	Metrics   *metrics.Metrics
}

// NewRegistry creates an empty registry.
func NewRegistry(deps RegistryDeps) *Registry {
	policy := deps.Policy
	if policy == "" {
		policy = ConflictReject
	}
	publisher := deps.Publisher
	if publisher == nil {
		publisher = &events.NoOpPublisher{}
	}
	r := &Registry{
		policy:    policy,
		overrides: make(map[string]bool, len(deps.Disabled)),
		publisher: publisher,
		metrics:   deps.Metrics,
	}
	for _, key := range deps.Disabled {
		r.overrides[key] = true
	}
	for key, disabled := range deps.Overrides {
		r.overrides[key] = disabled
	}
	r.snap.Store(r.build(nil, nil))
	r.metrics.SetCollections(0)
	return r
}

// Policy returns the conflict policy in effect.
func (r *Registry) Policy() ConflictPolicy {
	return r.policy
}

// Register inserts a collection. It fails with CONFLICT if the collection id
// is taken or, under the reject policy, if one of its action ids is already
// indexed by another collection.
func (r *Registry) Register(ctx context.Context, c *Collection) error {
	evs, err := r.Swap([]*Collection{c})
	if err != nil {
		return err
	}
	r.Publish(ctx, evs)
	return nil
}

// Unregister removes a collection and its actions. It is a no-op if the id is
// unknown and reports whether anything was removed.
func (r *Registry) Unregister(ctx context.Context, collectionID string) bool {
	evs, _ := r.Swap(nil, collectionID)
	r.Publish(ctx, evs)
	return len(evs) > 0
}

// Swap removes the collections named in remove and inserts add as a single
// mutation: either all of it is applied or none of it is. Unknown ids in
// remove are ignored. The change events are returned unpublished so callers
// holding their own locks can publish them after releasing those locks.
func (r *Registry) Swap(add []*Collection, remove ...string) ([]*events.CollectionChangedEvent, error) {
	for _, c := range add {
		if c == nil {
			return nil, envelope.NewError(envelope.StatusBadRequest, "collection is nil")
		}
		if err := c.validate(); err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.snap.Load()

	dropped := make(map[string]*Collection, len(remove))
	for _, id := range remove {
		if c, ok := cur.collections[id]; ok {
			dropped[id] = c
		}
	}

	collections := make(map[string]*Collection, len(cur.declared)+len(add))
	order := make([]string, 0, len(cur.order)+len(add))
	taken := make(map[string]string)
	for _, id := range cur.order {
		if _, gone := dropped[id]; gone {
			continue
		}
		collections[id] = cur.declared[id]
		order = append(order, id)
		for _, a := range cur.declared[id].Actions {
			taken[a.ID] = id
		}
	}

	added := make([]*Collection, 0, len(add))
	for _, c := range add {
		if _, exists := collections[c.ID]; exists {
			return nil, envelope.NewError(envelope.StatusConflict, "collection %q is already registered", c.ID)
		}
		if r.policy == ConflictReject {
			for _, a := range c.Actions {
				if other, ok := taken[a.ID]; ok {
					return nil, envelope.NewError(envelope.StatusConflict, "action %q is already provided by collection %q", a.ID, other)
				}
			}
		}
		owned := cloneCollection(c)
		collections[owned.ID] = owned
		order = append(order, owned.ID)
		for _, a := range owned.Actions {
			taken[a.ID] = owned.ID
		}
		added = append(added, owned)
	}

	if len(dropped) == 0 && len(added) == 0 {
		return nil, nil
	}
	r.snap.Store(r.build(order, collections))
	r.metrics.SetCollections(len(collections))

	evs := make([]*events.CollectionChangedEvent, 0, len(dropped)+len(added))
	for _, id := range remove {
		c, ok := dropped[id]
		if !ok {
			continue
		}
		delete(dropped, id)
		slog.Info(fmt.Sprintf("%s - Unregistered collection %s", logPrefix, id))
		evs = append(evs, events.NewCollectionChangedEvent(id, events.ChangeUnregistered, c.Owner, c.ActionIDs()))
	}
	for _, c := range added {
		slog.Info(fmt.Sprintf("%s - Registered collection %s (%d actions, owner=%q)", logPrefix, c.ID, len(c.Actions), c.Owner))
		evs = append(evs, events.NewCollectionChangedEvent(c.ID, events.ChangeRegistered, c.Owner, c.ActionIDs()))
	}
	return evs, nil
}

// Publish delivers change events returned by Swap. Publish failures are logged.
func (r *Registry) Publish(ctx context.Context, evs []*events.CollectionChangedEvent) {
	for _, event := range evs {
		r.publish(ctx, event)
	}
}

// Lookup resolves an action. An empty collectionID searches the unqualified
// index built according to the conflict policy.
func (r *Registry) Lookup(collectionID, actionID string) (*Action, bool) {
	s := r.snap.Load()
	if collectionID == "" {
		a, ok := s.index[actionID]
		return a, ok
	}
	a, ok := s.qualified[Qualify(collectionID, actionID)]
	return a, ok
}

// Collection returns a registered collection by id.
func (r *Registry) Collection(id string) (*Collection, bool) {
	c, ok := r.snap.Load().collections[id]
	return c, ok
}

// Collections returns the collections visible on surface in registration order.
func (r *Registry) Collections(surface Visibility) []*Collection {
	s := r.snap.Load()
	out := make([]*Collection, 0, len(s.order))
	for _, id := range s.order {
		c := s.collections[id]
		if c.Visibility.VisibleOn(surface) {
			out = append(out, c)
		}
	}
	return out
}

// Len returns the number of registered collections and actions.
func (r *Registry) Len() (collections, actions int) {
	s := r.snap.Load()
	return len(s.collections), len(s.qualified)
}

// Listing returns the introspection document, regenerated on every mutation.
func (r *Registry) Listing() []byte {
	return r.snap.Load().listing
}

// SetDisabled records a disabled override for a qualified action key. The
// override also applies to actions registered later under the same key.
// It reports whether a currently registered action was affected.
func (r *Registry) SetDisabled(ctx context.Context, collectionID, actionID string, disabled bool) bool {
	key := Qualify(collectionID, actionID)

	r.mu.Lock()
	r.overrides[key] = disabled
	cur := r.snap.Load()
	_, present := cur.qualified[key]
	r.snap.Store(r.build(cur.order, cur.declared))
	r.mu.Unlock()

	change := events.ChangeEnabled
	if disabled {
		change = events.ChangeDisabled
	}
	slog.Info(fmt.Sprintf("%s - Action %s %s (registered=%t)", logPrefix, key, change, present))
	owner := ""
	if c, ok := cur.collections[collectionID]; ok {
		owner = c.Owner
	}
	r.publish(ctx, events.NewCollectionChangedEvent(collectionID, change, owner, []string{actionID}))
	return present
}

// DisabledKeys returns the qualified keys currently overridden to disabled, sorted.
func (r *Registry) DisabledKeys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.overrides))
	for key, disabled := range r.overrides {
		if disabled {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

func (r *Registry) publish(ctx context.Context, event *events.CollectionChangedEvent) {
	if err := r.publisher.PublishChanged(ctx, event); err != nil {
		slog.Warn(fmt.Sprintf("%s - Failed to publish %s event for %s: %v", logPrefix, event.Change, event.Collection, err))
	}
}

// build derives the lookup tables and listing from the ordered collections.
// Callers hold r.mu.
func (r *Registry) build(order []string, collections map[string]*Collection) *snapshot {
	s := &snapshot{
		order:       order,
		declared:    collections,
		collections: make(map[string]*Collection, len(collections)),
		qualified:   make(map[string]*Action),
		index:       make(map[string]*Action),
	}
	owners := make(map[string]int)
	for _, id := range order {
		src := collections[id]
		c := *src
		c.Actions = make([]*Action, 0, len(src.Actions))
		for _, a := range src.Actions {
			eff := *a
			eff.Disabled = a.Disabled || src.Disabled
			if v, ok := r.overrides[Qualify(src.ID, a.ID)]; ok {
				eff.Disabled = v
			}
			c.Actions = append(c.Actions, &eff)
			s.qualified[eff.Key()] = &eff
			s.index[eff.ID] = &eff
			owners[eff.ID]++
		}
		s.collections[id] = &c
	}
	s.applyPolicy(r.policy, owners)
	s.listing = renderListing(s)
	return s
}

// applyPolicy adjusts the unqualified index. Under reject and overwrite the
// later registration already won in build; under namespace shared ids are dropped.
func (s *snapshot) applyPolicy(policy ConflictPolicy, owners map[string]int) {
	if policy != ConflictNamespace {
		return
	}
	for id, n := range owners {
		if n > 1 {
			delete(s.index, id)
		}
	}
}

func cloneCollection(c *Collection) *Collection {
	out := *c
	if out.Visibility == "" {
		out.Visibility = VisibilityPublic
	}
	out.Actions = make([]*Action, 0, len(c.Actions))
	for _, a := range c.Actions {
		cp := *a
		cp.CollectionID = c.ID
		cp.Parameters = append(cp.Parameters[:0:0], a.Parameters...)
		if a.Remote != nil {
			remote := *a.Remote
			cp.Remote = &remote
		}
		out.Actions = append(out.Actions, &cp)
	}
	return &out
}
