// Package action holds named collections of actions and the lookup table the
// dispatcher resolves requests against.
package action

import (
	"context"
	"fmt"
	"strings"

	"github.com/morezero/action-gateway/pkg/envelope"
	"github.com/morezero/action-gateway/pkg/params"
)

// Visibility selects which ingress surfaces a collection is exposed on.
type Visibility string

// Visibility values. Public collections are reachable from client-facing
// transports, internal ones from service transports, and all from both.
const (
	VisibilityPublic   Visibility = "public"
	VisibilityInternal Visibility = "internal"
	VisibilityAll      Visibility = "all"
)

// ParseVisibility parses a visibility name; empty means public.
func ParseVisibility(s string) (Visibility, error) {
	switch v := Visibility(strings.ToLower(strings.TrimSpace(s))); v {
	case "":
		return VisibilityPublic, nil
	case VisibilityPublic, VisibilityInternal, VisibilityAll:
		return v, nil
	}
	return "", fmt.Errorf("unknown visibility %q", s)
}

// VisibleOn reports whether a collection with visibility v is reachable
// from the given surface.
func (v Visibility) VisibleOn(surface Visibility) bool {
	if v == "" {
		v = VisibilityPublic
	}
	return surface == VisibilityAll || v == VisibilityAll || v == surface
}

// Call carries everything a local handler receives.
type Call struct {
	Request *envelope.Request
	// Args are the validated arguments in declaration order.
	Args params.Args
	// Named holds the validated arguments keyed by parameter key.
	Named map[string]any
	// Auth is set when the action required a permission and the credential verified.
	Auth *envelope.AuthContext
}

// HandlerFunc is a locally bound action implementation. Returning an error is
// the equivalent of an invocation exception; *envelope.Error values keep their
// status, anything else becomes INTERNAL_SERVER_ERROR.
type HandlerFunc func(ctx context.Context, call *Call) (Result, error)

// Remote binds an action to a function exposed by a connected worker.
type Remote struct {
	Worker   string
	ConnID   string
	Function string
}

// Action is one callable unit of work.
type Action struct {
	CollectionID string
	ID           string
	Description  string
	// Permission is the permission code required to invoke the action; 0 is public.
	Permission int
	Disabled   bool
	Parameters []params.Spec
	Handler    HandlerFunc
	Remote     *Remote
}

// Key returns the collection-qualified action name.
func (a *Action) Key() string {
	if a == nil {
		return "<nil>"
	}
	return Qualify(a.CollectionID, a.ID)
}

// IsRemote reports whether the action is served by a worker.
func (a *Action) IsRemote() bool {
	return a != nil && a.Remote != nil
}

// Qualify joins a collection and action id into a lookup key.
func Qualify(collectionID, actionID string) string {
	return collectionID + "/" + actionID
}

// Collection is a named group of actions.
type Collection struct {
	ID          string
	Description string
	Visibility  Visibility
	Disabled    bool
	// Owner is the worker name for remote collections, empty for local ones.
	Owner   string
	Actions []*Action
}

// ActionIDs returns the ids of the collection's actions in declaration order.
func (c *Collection) ActionIDs() []string {
	ids := make([]string, 0, len(c.Actions))
	for _, a := range c.Actions {
		ids = append(ids, a.ID)
	}
	return ids
}

func (c *Collection) validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return envelope.NewError(envelope.StatusBadRequest, "collection id is empty")
	}
	if _, err := ParseVisibility(string(c.Visibility)); err != nil {
		return envelope.NewError(envelope.StatusBadRequest, "collection %q: %v", c.ID, err)
	}
	seen := make(map[string]bool, len(c.Actions))
	for _, a := range c.Actions {
		if a == nil || strings.TrimSpace(a.ID) == "" {
			return envelope.NewError(envelope.StatusBadRequest, "collection %q has an action without id", c.ID)
		}
		if seen[a.ID] {
			return envelope.NewError(envelope.StatusAlreadyExists, "action %q declared twice in collection %q", a.ID, c.ID)
		}
		seen[a.ID] = true
		if a.Permission < 0 {
			return envelope.NewError(envelope.StatusBadRequest, "action %s has negative permission %d", Qualify(c.ID, a.ID), a.Permission)
		}
		if a.Handler == nil && a.Remote == nil {
			return envelope.NewError(envelope.StatusBadRequest, "action %s has no handler", Qualify(c.ID, a.ID))
		}
		if err := params.CheckSpecs(a.Parameters); err != nil {
			return envelope.NewError(envelope.StatusBadRequest, "action %s: %v", Qualify(c.ID, a.ID), err)
		}
	}
	return nil
}
