// Package semver checks worker protocol versions and validates worker and
// collection names presented during the handshake.
package semver

import (
	"fmt"
	"regexp"
	"strings"

	masterminds "github.com/Masterminds/semver/v3"
)

const logPrefix = "semver:protocol"

// DefaultProtocolVersion is assumed for workers that do not announce one.
const DefaultProtocolVersion = "1.0.0"

var (
	majorOnlyRegex = regexp.MustCompile(`^\d+$`)
	nameRegex      = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9._-]*$`)
)

// ProtocolChecker accepts worker protocol versions satisfying a constraint.
type ProtocolChecker struct {
	raw        string
	constraint *masterminds.Constraints
}

// NewProtocolChecker parses a constraint such as ">=1.0.0, <2.0.0" or "1".
// A major-only constraint accepts every version of that major.
func NewProtocolChecker(constraint string) (*ProtocolChecker, error) {
	raw := strings.TrimSpace(constraint)
	expr := raw
	if IsMajorOnly(raw) {
		expr = "~" + raw
	}
	c, err := masterminds.NewConstraint(expr)
	if err != nil {
		return nil, fmt.Errorf("%s - invalid protocol constraint %q: %w", logPrefix, constraint, err)
	}
	return &ProtocolChecker{raw: raw, constraint: c}, nil
}

// String returns the constraint as configured.
func (p *ProtocolChecker) String() string {
	return p.raw
}

// Accepts reports whether version satisfies the constraint. An empty version
// is treated as DefaultProtocolVersion.
func (p *ProtocolChecker) Accepts(version string) error {
	if strings.TrimSpace(version) == "" {
		version = DefaultProtocolVersion
	}
	v, err := masterminds.NewVersion(version)
	if err != nil {
		return fmt.Errorf("invalid protocol version %q", version)
	}
	if !p.constraint.Check(v) {
		return fmt.Errorf("protocol version %s does not satisfy %s", v, p.raw)
	}
	return nil
}

// IsMajorOnly checks if a range is a major-only specifier (e.g., "3").
func IsMajorOnly(rangeStr string) bool {
	return majorOnlyRegex.MatchString(rangeStr)
}

// SatisfiesRange checks if a version string satisfies a range.
func SatisfiesRange(version, rangeStr string) bool {
	p, err := NewProtocolChecker(rangeStr)
	if err != nil {
		return false
	}
	if _, err := masterminds.NewVersion(version); err != nil {
		return false
	}
	return p.Accepts(version) == nil
}

// ValidateName validates a worker or collection name (letters, digits, dots,
// hyphens, underscores; must start with a letter).
func ValidateName(name string) bool {
	return nameRegex.MatchString(name)
}
