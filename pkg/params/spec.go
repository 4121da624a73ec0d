// Package params type-checks request payloads against declared parameter
// schemas and extracts positional arguments for action handlers.
package params

import (
	"fmt"
	"strings"
)

// Type is the declared shape of a parameter.
type Type string

// Supported parameter types.
const (
	TypeString  Type = "string"
	TypeInteger Type = "integer"
	TypeNumber  Type = "number"
	TypeBoolean Type = "boolean"
	TypeUUID    Type = "uuid"
	TypeObject  Type = "object"
	TypeArray   Type = "array"
	TypeAny     Type = "any"
)

var knownTypes = map[Type]bool{
	TypeString: true, TypeInteger: true, TypeNumber: true, TypeBoolean: true,
	TypeUUID: true, TypeObject: true, TypeArray: true, TypeAny: true,
}

// Spec declares one parameter. Parameters is only used for object-typed specs.
type Spec struct {
	Key        string `json:"key" yaml:"key"`
	Type       Type   `json:"type" yaml:"type"`
	Optional   bool   `json:"optional,omitempty" yaml:"optional,omitempty"`
	Parameters []Spec `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// Required is shorthand for a non-optional spec.
func Required(key string, t Type, nested ...Spec) Spec {
	return Spec{Key: key, Type: t, Parameters: nested}
}

// Optional is shorthand for an optional spec.
func Optional(key string, t Type, nested ...Spec) Spec {
	return Spec{Key: key, Type: t, Optional: true, Parameters: nested}
}

// CheckSpecs rejects schemas that could never validate: empty or duplicate
// keys, unknown types, and nested parameters on non-object types.
func CheckSpecs(specs []Spec) error {
	return checkSpecs(specs, "")
}

func checkSpecs(specs []Spec, prefix string) error {
	seen := make(map[string]bool, len(specs))
	for _, s := range specs {
		key := strings.TrimSpace(s.Key)
		if key == "" {
			return fmt.Errorf("parameter at %q has an empty key", strings.TrimSuffix(prefix, "."))
		}
		if seen[key] {
			return fmt.Errorf("duplicate parameter %q", prefix+key)
		}
		seen[key] = true
		if !knownTypes[s.Type] {
			return fmt.Errorf("parameter %q has unknown type %q", prefix+key, s.Type)
		}
		if len(s.Parameters) > 0 {
			if s.Type != TypeObject {
				return fmt.Errorf("parameter %q declares nested parameters but is of type %s", prefix+key, s.Type)
			}
			if err := checkSpecs(s.Parameters, prefix+key+"."); err != nil {
				return err
			}
		}
	}
	return nil
}
