package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// Condition operators.
const (
	OpEq    = "="
	OpNe    = "!="
	OpLt    = "<"
	OpLe    = "<="
	OpGt    = ">"
	OpGe    = ">="
	OpIn    = "in"
	OpNotIn = "not in"
	OpLike  = "like"
)

// Condition is one term of a Domain. Field is an attribute name of the
// searched collection; for many2many attributes, OpIn and OpEq match any
// linked id.
type Condition struct {
	Field string `json:"field" yaml:"field"`
	Op    string `json:"op" yaml:"op"`
	Value any    `json:"value" yaml:"value"`
}

// Domain is a conjunction of conditions. An empty domain matches
// everything.
type Domain []Condition

// Cond builds a Condition.
func Cond(field, op string, value any) Condition {
	return Condition{Field: field, Op: op, Value: value}
}

// Fields returns the distinct field names the domain refers to.
func (d Domain) Fields() []string {
	seen := make(map[string]bool, len(d))
	var out []string
	for _, c := range d {
		if !seen[c.Field] {
			seen[c.Field] = true
			out = append(out, c.Field)
		}
	}
	return out
}

// Validate checks operators and value shapes.
func (d Domain) Validate() error {
	for _, c := range d {
		switch c.Op {
		case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe, OpLike:
		case OpIn, OpNotIn:
			if _, err := asSlice(c.Value); err != nil {
				return fmt.Errorf("condition on %s: %w", c.Field, err)
			}
		default:
			return fmt.Errorf("condition on %s: unknown operator %q", c.Field, c.Op)
		}
	}
	return nil
}

// Match evaluates the domain against one entity. get returns the
// persisted-format value of a field; for many2many fields it returns the
// linked ids as []int64.
func (d Domain) Match(get func(field string) (any, error)) (bool, error) {
	for _, c := range d {
		v, err := get(c.Field)
		if err != nil {
			return false, err
		}
		ok, err := c.match(v)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (c Condition) match(v any) (bool, error) {
	if ids, ok := v.([]int64); ok {
		return c.matchMany(ids)
	}
	switch c.Op {
	case OpEq:
		return equalValues(v, c.Value), nil
	case OpNe:
		return !equalValues(v, c.Value), nil
	case OpIn, OpNotIn:
		items, err := asSlice(c.Value)
		if err != nil {
			return false, err
		}
		found := false
		for _, it := range items {
			if equalValues(v, it) {
				found = true
				break
			}
		}
		return found == (c.Op == OpIn), nil
	case OpLike:
		s, err := cast.ToStringE(v)
		if err != nil || v == nil {
			return false, nil
		}
		pattern, err := cast.ToStringE(c.Value)
		if err != nil {
			return false, err
		}
		return strings.Contains(strings.ToLower(s), strings.ToLower(pattern)), nil
	case OpLt, OpLe, OpGt, OpGe:
		if v == nil || c.Value == nil {
			return false, nil
		}
		cmp, err := compareValues(v, c.Value)
		if err != nil {
			return false, err
		}
		switch c.Op {
		case OpLt:
			return cmp < 0, nil
		case OpLe:
			return cmp <= 0, nil
		case OpGt:
			return cmp > 0, nil
		default:
			return cmp >= 0, nil
		}
	}
	return false, fmt.Errorf("unknown operator %q", c.Op)
}

func (c Condition) matchMany(ids []int64) (bool, error) {
	var wanted []any
	switch c.Op {
	case OpEq, OpNe:
		if c.Value == nil {
			return (len(ids) == 0) == (c.Op == OpEq), nil
		}
		wanted = []any{c.Value}
	case OpIn, OpNotIn:
		items, err := asSlice(c.Value)
		if err != nil {
			return false, err
		}
		wanted = items
	default:
		return false, fmt.Errorf("operator %q not supported on relations", c.Op)
	}
	hit := false
	for _, id := range ids {
		for _, w := range wanted {
			if equalValues(id, w) {
				hit = true
			}
		}
	}
	positive := c.Op == OpEq || c.Op == OpIn
	return hit == positive, nil
}

func asSlice(v any) ([]any, error) {
	switch s := v.(type) {
	case []any:
		return s, nil
	case []int64:
		out := make([]any, len(s))
		for i, x := range s {
			out[i] = x
		}
		return out, nil
	case []int:
		out := make([]any, len(s))
		for i, x := range s {
			out[i] = int64(x)
		}
		return out, nil
	case []string:
		out := make([]any, len(s))
		for i, x := range s {
			out[i] = x
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected a list, got %T", v)
}

// equalValues compares persisted-format values, treating all numeric types
// and booleans stored as integers as comparable.
func equalValues(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if isNumeric(a) && isNumeric(b) {
		fa, errA := cast.ToFloat64E(a)
		fb, errB := cast.ToFloat64E(b)
		return errA == nil && errB == nil && fa == fb
	}
	if ba, ok := a.([]byte); ok {
		bb, ok := b.([]byte)
		return ok && string(ba) == string(bb)
	}
	return cast.ToString(a) == cast.ToString(b)
}

func compareValues(a, b any) (int, error) {
	if isNumeric(a) && isNumeric(b) {
		fa := cast.ToFloat64(a)
		fb := cast.ToFloat64(b)
		switch {
		case fa < fb:
			return -1, nil
		case fa > fb:
			return 1, nil
		}
		return 0, nil
	}
	if ta, ok := a.(time.Time); ok {
		tb, err := cast.ToTimeE(b)
		if err != nil {
			return 0, err
		}
		return ta.Compare(tb), nil
	}
	return strings.Compare(cast.ToString(a), cast.ToString(b)), nil
}

func isNumeric(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, bool:
		return true
	}
	return false
}
