// Package events defines collection change events and the publishers that
// deliver them.
package events

import "time"

// Change kinds.
const (
	ChangeRegistered   = "registered"
	ChangeUnregistered = "unregistered"
	ChangeDisabled     = "disabled"
	ChangeEnabled      = "enabled"
)

// CollectionChangedEvent is emitted when a collection enters or leaves the
// action registry, or when one of its actions is toggled.
type CollectionChangedEvent struct {
	Collection string   `json:"collection"`
	Change     string   `json:"change"`
	Owner      string   `json:"owner,omitempty"`
	Actions    []string `json:"actions"`
	Timestamp  string   `json:"timestamp"`
}

// NewCollectionChangedEvent fills in the timestamp.
func NewCollectionChangedEvent(collection, change, owner string, actions []string) *CollectionChangedEvent {
	if actions == nil {
		actions = []string{}
	}
	return &CollectionChangedEvent{
		Collection: collection,
		Change:     change,
		Owner:      owner,
		Actions:    actions,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
}
