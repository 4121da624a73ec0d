package action

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/morezero/action-gateway/pkg/params"
)

// ActionInfo describes one action in the introspection listing.
type ActionInfo struct {
	ID          string        `json:"id"`
	Description string        `json:"description,omitempty"`
	Permission  int           `json:"permission"`
	Disabled    bool          `json:"disabled"`
	Remote      bool          `json:"remote"`
	Parameters  []params.Spec `json:"parameters"`
}

// CollectionInfo describes one collection in the introspection listing.
type CollectionInfo struct {
	ID          string       `json:"id"`
	Description string       `json:"description,omitempty"`
	Visibility  Visibility   `json:"visibility"`
	Disabled    bool         `json:"disabled"`
	Owner       string       `json:"owner,omitempty"`
	Actions     []ActionInfo `json:"actions"`
}

// Describe converts a collection to its listing form.
func Describe(c *Collection) CollectionInfo {
	info := CollectionInfo{
		ID:          c.ID,
		Description: c.Description,
		Visibility:  c.Visibility,
		Disabled:    c.Disabled,
		Owner:       c.Owner,
		Actions:     make([]ActionInfo, 0, len(c.Actions)),
	}
	for _, a := range c.Actions {
		specs := a.Parameters
		if specs == nil {
			specs = []params.Spec{}
		}
		info.Actions = append(info.Actions, ActionInfo{
			ID:          a.ID,
			Description: a.Description,
			Permission:  a.Permission,
			Disabled:    a.Disabled,
			Remote:      a.IsRemote(),
			Parameters:  specs,
		})
	}
	return info
}

// DescribeAll converts collections to their listing form.
func DescribeAll(collections []*Collection) []CollectionInfo {
	out := make([]CollectionInfo, 0, len(collections))
	for _, c := range collections {
		out = append(out, Describe(c))
	}
	return out
}

func renderListing(s *snapshot) []byte {
	collections := make([]*Collection, 0, len(s.order))
	for _, id := range s.order {
		collections = append(collections, s.collections[id])
	}
	data, err := json.Marshal(map[string]any{"collections": DescribeAll(collections)})
	if err != nil {
		slog.Error(fmt.Sprintf("%s - failed to render listing: %v", logPrefix, err))
		return []byte(`{"collections":[]}`)
	}
	return data
}
