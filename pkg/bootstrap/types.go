// Package bootstrap loads the gateway seed file: permission groups, pre-seeded
// workers and disabled actions.
package bootstrap

import (
	"fmt"
	"sort"
	"strings"
)

// GroupSeed is a permission group entry in the seed file.
type GroupSeed struct {
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Permissions []int  `json:"permissions" yaml:"permissions"`
}

// DaemonSeed is a pre-seeded worker. The worker must present Token in its handshake.
type DaemonSeed struct {
	Token       string `json:"token" yaml:"token"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// BootstrapConfig is the root seed configuration.
type BootstrapConfig struct {
	Name         string                `json:"name" yaml:"name"`
	Version      string                `json:"version" yaml:"version"`
	Description  string                `json:"description,omitempty" yaml:"description,omitempty"`
	Groups       map[string]GroupSeed  `json:"groups,omitempty" yaml:"groups,omitempty"`
	Daemons      map[string]DaemonSeed `json:"daemons,omitempty" yaml:"daemons,omitempty"`
	Disabled     []string              `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	ChangeEvents ChangeEventSubjects   `json:"changeEventSubjects" yaml:"changeEventSubjects"`
}

// ChangeEventSubjects defines event subject patterns.
type ChangeEventSubjects struct {
	Global  string `json:"global" yaml:"global"`
	Pattern string `json:"pattern" yaml:"pattern"`
}

// GroupPermissions returns groups as id -> permission codes.
func (c *BootstrapConfig) GroupPermissions() map[string][]int {
	out := make(map[string][]int, len(c.Groups))
	for id, g := range c.Groups {
		perms := make([]int, len(g.Permissions))
		copy(perms, g.Permissions)
		out[id] = perms
	}
	return out
}

// DaemonTokens returns pre-seeded workers as name -> token.
func (c *BootstrapConfig) DaemonTokens() map[string]string {
	out := make(map[string]string, len(c.Daemons))
	for name, d := range c.Daemons {
		out[NormalizeDaemonName(name)] = d.Token
	}
	return out
}

// DisabledKeys returns the disabled entries as sorted "collection/action" keys.
func (c *BootstrapConfig) DisabledKeys() []string {
	keys := make([]string, 0, len(c.Disabled))
	for _, k := range c.Disabled {
		keys = append(keys, strings.TrimSpace(k))
	}
	sort.Strings(keys)
	return keys
}

// Validate checks the seed file for malformed entries.
func (c *BootstrapConfig) Validate() error {
	for id, g := range c.Groups {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("%s - group id must not be empty", logPrefix)
		}
		for _, p := range g.Permissions {
			if p < 0 {
				return fmt.Errorf("%s - group %s: permission %d must not be negative", logPrefix, id, p)
			}
		}
	}
	for name, d := range c.Daemons {
		if NormalizeDaemonName(name) == "" {
			return fmt.Errorf("%s - daemon name must not be empty", logPrefix)
		}
		if d.Token == "" {
			return fmt.Errorf("%s - daemon %s: token must not be empty", logPrefix, name)
		}
	}
	for _, k := range c.Disabled {
		if _, _, ok := SplitKey(k); !ok {
			return fmt.Errorf("%s - disabled entry %q must be collection/action", logPrefix, k)
		}
	}
	return nil
}

// SplitKey splits "collection/action" into its parts.
func SplitKey(key string) (collectionID, actionID string, ok bool) {
	parts := strings.SplitN(strings.TrimSpace(key), "/", 2)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
