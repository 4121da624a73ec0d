package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/morezero/action-gateway/pkg/action"
	"github.com/morezero/action-gateway/pkg/daemon"
	"github.com/morezero/action-gateway/pkg/db"
	"github.com/morezero/action-gateway/pkg/envelope"
	"github.com/morezero/action-gateway/pkg/params"
)

const builtinLogPrefix = "gateway:builtin"

// CollectionID is the id of the built-in management collection.
const CollectionID = "gateway"

// DefaultAdminPermission guards the management actions unless configured otherwise.
const DefaultAdminPermission = 1

// DisabledStore persists disable overrides.
type DisabledStore interface {
	SetActionDisabled(ctx context.Context, params db.SetActionDisabledParams) (*db.DisabledAction, error)
}

// BuiltinDeps holds dependencies for the management collection.
type BuiltinDeps struct {
	Actions *action.Registry
	Workers *daemon.Registry
	// Store persists disable overrides; nil keeps them in memory only.
	Store           DisabledStore
	AdminPermission int
}

// ToggleResult is the data returned by gateway/disable and gateway/enable.
type ToggleResult struct {
	CollectionID string `json:"collection_id"`
	ActionID     string `json:"action_id"`
	Disabled     bool   `json:"disabled"`
	// Registered reports whether the action is currently registered.
	Registered bool `json:"registered"`
	Persisted  bool `json:"persisted"`
}

var toggleParams = []params.Spec{
	params.Required("collection_id", params.TypeString),
	params.Required("action_id", params.TypeString),
	params.Optional("reason", params.TypeString),
}

// BuiltinCollection builds the management collection served by the gateway itself.
func BuiltinCollection(deps BuiltinDeps) *action.Collection {
	perm := deps.AdminPermission
	if perm <= 0 {
		perm = DefaultAdminPermission
	}
	return &action.Collection{
		ID:          CollectionID,
		Description: "Gateway introspection and management",
		Visibility:  action.VisibilityAll,
		Actions: []*action.Action{
			{
				ID:          "collections",
				Description: "List every collection, action and parameter schema",
				Handler: func(ctx context.Context, call *action.Call) (action.Result, error) {
					return action.Reply(json.RawMessage(deps.Actions.Listing())), nil
				},
			},
			{
				ID:          "daemons",
				Description: "List connected workers",
				Permission:  perm,
				Handler: func(ctx context.Context, call *action.Call) (action.Result, error) {
					if deps.Workers == nil {
						return action.Reply([]daemon.WorkerInfo{}), nil
					}
					return action.Reply(deps.Workers.Workers()), nil
				},
			},
			{
				ID:          "disabled",
				Description: "List the action keys currently overridden to disabled",
				Permission:  perm,
				Handler: func(ctx context.Context, call *action.Call) (action.Result, error) {
					return action.Reply(deps.Actions.DisabledKeys()), nil
				},
			},
			{
				ID:          "disable",
				Description: "Disable an action; applies to later registrations too",
				Permission:  perm,
				Parameters:  toggleParams,
				Handler:     toggle(deps, true),
			},
			{
				ID:          "enable",
				Description: "Enable an action, overriding a declared disabled flag",
				Permission:  perm,
				Parameters:  toggleParams,
				Handler:     toggle(deps, false),
			},
		},
	}
}

func toggle(deps BuiltinDeps, disabled bool) action.HandlerFunc {
	return func(ctx context.Context, call *action.Call) (action.Result, error) {
		collectionID, _ := call.Named["collection_id"].(string)
		actionID, _ := call.Named["action_id"].(string)
		if collectionID == "" || actionID == "" {
			return nil, envelope.NewError(envelope.StatusBadRequest, "collection_id and action_id must not be empty")
		}
		if collectionID == CollectionID {
			return nil, envelope.NewError(envelope.StatusForbidden, "built-in actions cannot be toggled")
		}
		var reason *string
		if r, ok := call.Named["reason"].(string); ok && r != "" {
			reason = &r
		}
		by := ""
		if call.Auth != nil {
			by = call.Auth.Subject
		}

		apply := func(persisted bool) *envelope.Response {
			registered := deps.Actions.SetDisabled(ctx, collectionID, actionID, disabled)
			return envelope.OK("", &ToggleResult{
				CollectionID: collectionID,
				ActionID:     actionID,
				Disabled:     disabled,
				Registered:   registered,
				Persisted:    persisted,
			})
		}

		if deps.Store == nil {
			return action.Immediate{Reply: apply(false)}, nil
		}

		return action.Defer(func(ctx context.Context) (*envelope.Response, error) {
			_, err := deps.Store.SetActionDisabled(ctx, db.SetActionDisabledParams{
				CollectionID: collectionID,
				ActionID:     actionID,
				Disabled:     disabled,
				Reason:       reason,
				ModifiedBy:   by,
			})
			if err != nil {
				return nil, fmt.Errorf("%s - persist %s: %w", builtinLogPrefix, action.Qualify(collectionID, actionID), err)
			}
			slog.Info(fmt.Sprintf("%s - %s disabled=%t by %q", builtinLogPrefix, action.Qualify(collectionID, actionID), disabled, by))
			return apply(true), nil
		}), nil
	}
}
