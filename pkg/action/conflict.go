package action

import (
	"fmt"
	"strings"
)

// ConflictPolicy decides what happens when two collections declare actions
// with the same id. It only affects lookups that omit the collection id;
// qualified lookups are always unambiguous.
type ConflictPolicy string

// Conflict policies.
const (
	// ConflictReject refuses a registration whose action ids are already indexed.
	ConflictReject ConflictPolicy = "reject"
	// ConflictOverwrite lets the latest registration own the unqualified id.
	ConflictOverwrite ConflictPolicy = "overwrite"
	// ConflictNamespace indexes only ids unique across all collections; shared
	// ids must be addressed with their collection id.
	ConflictNamespace ConflictPolicy = "namespace"
)

// ParseConflictPolicy parses a policy name; empty means reject.
func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	switch p := ConflictPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return ConflictReject, nil
	case ConflictReject, ConflictOverwrite, ConflictNamespace:
		return p, nil
	}
	return "", fmt.Errorf("unknown conflict policy %q (want reject, overwrite or namespace)", s)
}
