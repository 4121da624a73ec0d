package bootstrap

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const logPrefix = "bootstrap:loader"

// EnvBootstrapFile names the environment variable consulted for the seed file path.
const EnvBootstrapFile = "BOOTSTRAP_FILE"

// LoadBootstrapConfig loads the seed file. It tries paths in order: first any
// paths passed in, then BOOTSTRAP_FILE, then defaults. Unreadable files are
// skipped; a file that exists but does not parse or validate is an error.
func LoadBootstrapConfig(paths ...string) (*BootstrapConfig, error) {
	all := make([]string, 0, len(paths)+5)
	for _, p := range paths {
		if p != "" {
			all = append(all, p)
		}
	}
	if envPath := os.Getenv(EnvBootstrapFile); envPath != "" {
		all = append(all, envPath)
	}
	all = append(all, "config/bootstrap.yaml", "config/bootstrap.json", "bootstrap.yaml", "bootstrap.json")

	for _, p := range all {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}

		cfg, err := ParseBootstrapConfig(p, data)
		if err != nil {
			return nil, err
		}

		slog.Info(fmt.Sprintf("%s - Loaded bootstrap config from %s", logPrefix, p))
		return cfg, nil
	}

	slog.Info(fmt.Sprintf("%s - Using default bootstrap config", logPrefix))
	return GetDefaultBootstrapConfig(), nil
}

// ParseBootstrapConfig decodes seed data. Files ending in .yaml or .yml are
// YAML; anything else is JSON.
func ParseBootstrapConfig(path string, data []byte) (*BootstrapConfig, error) {
	var cfg BootstrapConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("%s - failed to parse %s: %w", logPrefix, path, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("%s - failed to parse %s: %w", logPrefix, path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s - invalid %s: %w", logPrefix, path, err)
	}
	return &cfg, nil
}

// GetDefaultBootstrapConfig returns the fallback seed: a single admin group
// holding the default management permission.
func GetDefaultBootstrapConfig() *BootstrapConfig {
	return &BootstrapConfig{
		Name:        "action-gateway-bootstrap",
		Version:     "1.0.0",
		Description: "Default gateway seed",
		Groups: map[string]GroupSeed{
			"admin": {Description: "Gateway administrators", Permissions: []int{1}},
		},
		ChangeEvents: ChangeEventSubjects{
			Global:  "gateway.changed",
			Pattern: "gateway.changed.{collection}",
		},
	}
}

// MergeBootstrapConfigs merges an override config into a base config. Groups
// and daemons are replaced per key; disabled entries are unioned.
func MergeBootstrapConfigs(base, override *BootstrapConfig) *BootstrapConfig {
	merged := *base

	merged.Groups = make(map[string]GroupSeed, len(base.Groups)+len(override.Groups))
	for id, g := range base.Groups {
		merged.Groups[id] = g
	}
	for id, g := range override.Groups {
		merged.Groups[id] = g
	}

	merged.Daemons = make(map[string]DaemonSeed, len(base.Daemons)+len(override.Daemons))
	for name, d := range base.Daemons {
		merged.Daemons[name] = d
	}
	for name, d := range override.Daemons {
		merged.Daemons[name] = d
	}

	seen := make(map[string]bool, len(base.Disabled)+len(override.Disabled))
	merged.Disabled = nil
	for _, list := range [][]string{base.Disabled, override.Disabled} {
		for _, k := range list {
			if !seen[k] {
				seen[k] = true
				merged.Disabled = append(merged.Disabled, k)
			}
		}
	}

	if override.ChangeEvents.Global != "" {
		merged.ChangeEvents.Global = override.ChangeEvents.Global
	}
	if override.ChangeEvents.Pattern != "" {
		merged.ChangeEvents.Pattern = override.ChangeEvents.Pattern
	}

	return &merged
}
