package db

import "time"

// DisabledAction is a row in the disabled_actions table. A row with Disabled
// false records an explicit enable that overrides a declared disabled flag.
type DisabledAction struct {
	CollectionID string    `json:"collection_id"`
	ActionID     string    `json:"action_id"`
	Disabled     bool      `json:"disabled"`
	Reason       *string   `json:"reason,omitempty"`
	Modified     time.Time `json:"modified"`
	ModifiedBy   string    `json:"modified_by"`
}

// Key returns the qualified "collection/action" key.
func (d DisabledAction) Key() string {
	return d.CollectionID + "/" + d.ActionID
}

// PermissionGroup is a row in the permission_groups table.
type PermissionGroup struct {
	ID          string    `json:"id"`
	Description *string   `json:"description,omitempty"`
	Permissions []int     `json:"permissions"`
	Modified    time.Time `json:"modified"`
	ModifiedBy  string    `json:"modified_by"`
}
