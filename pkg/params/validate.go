package params

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/google/uuid"
)

// ViolationKind classifies a validation failure.
type ViolationKind string

// Violation kinds.
const (
	MissingParameter ViolationKind = "MISSING_PARAMETER"
	TypeMismatch     ViolationKind = "TYPE_MISMATCH"
)

// Violation is the first rule broken by a payload. Key is the deepest
// offending key; Path is its dotted location from the payload root.
type Violation struct {
	Kind     ViolationKind
	Key      string
	Path     string
	Expected Type
	Actual   string
}

func (v *Violation) Error() string {
	where := v.Key
	if v.Path != "" && v.Path != v.Key {
		where = fmt.Sprintf("%s (at %s)", v.Key, v.Path)
	}
	if v.Kind == MissingParameter {
		return fmt.Sprintf("%s: %s", v.Kind, where)
	}
	return fmt.Sprintf("%s: %s expected %s, got %s", v.Kind, where, v.Expected, v.Actual)
}

type absent struct{}

func (absent) String() string { return "<absent>" }

// Absent is the value placed in Args for optional parameters the payload omitted.
var Absent any = absent{}

// IsAbsent reports whether v is the Absent sentinel.
func IsAbsent(v any) bool {
	_, ok := v.(absent)
	return ok
}

// Args are validated arguments in declaration order.
type Args []any

// Validate checks payload against specs in declaration order and stops at the
// first violation. Optional keys missing from the payload become Absent; a JSON
// null counts as missing.
func Validate(payload map[string]any, specs []Spec) (Args, error) {
	args := make(Args, 0, len(specs))
	for _, s := range specs {
		v, err := extract(payload, s, "")
		if err != nil {
			return nil, err
		}
		args = append(args, v)
	}
	return args, nil
}

// Named rebuilds a key/value map from validated args, skipping absent values.
func Named(specs []Spec, args Args) map[string]any {
	out := make(map[string]any, len(specs))
	for i, s := range specs {
		if i >= len(args) || IsAbsent(args[i]) {
			continue
		}
		out[s.Key] = args[i]
	}
	return out
}

func extract(payload map[string]any, s Spec, prefix string) (any, error) {
	path := prefix + s.Key
	raw, ok := payload[s.Key]
	if !ok || raw == nil {
		if s.Optional {
			return Absent, nil
		}
		return nil, &Violation{Kind: MissingParameter, Key: s.Key, Path: path, Expected: s.Type}
	}

	mismatch := func() error {
		return &Violation{Kind: TypeMismatch, Key: s.Key, Path: path, Expected: s.Type, Actual: typeName(raw)}
	}

	switch s.Type {
	case TypeAny:
		return raw, nil
	case TypeString:
		if str, ok := raw.(string); ok {
			return str, nil
		}
		return nil, mismatch()
	case TypeBoolean:
		if b, ok := raw.(bool); ok {
			return b, nil
		}
		return nil, mismatch()
	case TypeInteger:
		if i, ok := asInteger(raw); ok {
			return i, nil
		}
		return nil, mismatch()
	case TypeNumber:
		if f, ok := asNumber(raw); ok {
			return f, nil
		}
		return nil, mismatch()
	case TypeUUID:
		str, ok := raw.(string)
		if !ok {
			return nil, mismatch()
		}
		id, err := uuid.Parse(str)
		if err != nil {
			return nil, mismatch()
		}
		return id, nil
	case TypeArray:
		if arr, ok := raw.([]any); ok {
			return arr, nil
		}
		return nil, mismatch()
	case TypeObject:
		obj, ok := raw.(map[string]any)
		if !ok {
			return nil, mismatch()
		}
		if len(s.Parameters) == 0 {
			return obj, nil
		}
		nested := make(map[string]any, len(s.Parameters))
		for _, child := range s.Parameters {
			v, err := extract(obj, child, path+".")
			if err != nil {
				return nil, err
			}
			if !IsAbsent(v) {
				nested[child.Key] = v
			}
		}
		return nested, nil
	}
	return nil, mismatch()
}

func asInteger(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) || n > math.MaxInt64 || n < math.MinInt64 {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func typeName(v any) string {
	switch n := v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case int, int32, int64:
		return "integer"
	case float64:
		if n == math.Trunc(n) {
			return "integer"
		}
		return "number"
	case json.Number:
		if _, err := n.Int64(); err == nil {
			return "integer"
		}
		return "number"
	case float32:
		return "number"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	}
	return fmt.Sprintf("%T", v)
}
