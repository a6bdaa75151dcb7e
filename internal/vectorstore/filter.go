package vectorstore

import (
	"errors"
	"fmt"
	"sort"
)

// ErrInvalidFilter indicates an unparseable filter expression.
var ErrInvalidFilter = errors.New("invalid filter expression")

// Filter is a closed metadata predicate: either a field-equality leaf or
// an $and combinator over sub-filters. Exactly one of Eq and And is set.
type Filter struct {
	Eq  *EqCondition
	And []*Filter
}

// EqCondition matches a payload field against a value.
type EqCondition struct {
	Field string
	Value any
}

// Eq builds a field-equality leaf.
func Eq(field string, value any) *Filter {
	return &Filter{Eq: &EqCondition{Field: field, Value: value}}
}

// And combines sub-filters; all must match.
func And(filters ...*Filter) *Filter {
	return &Filter{And: filters}
}

// Matches evaluates the filter against a payload. A nil filter matches
// everything.
func (f *Filter) Matches(payload map[string]any) bool {
	if f == nil {
		return true
	}
	if f.Eq != nil {
		got, ok := payload[f.Eq.Field]
		return ok && looseEqual(got, f.Eq.Value)
	}
	for _, sub := range f.And {
		if !sub.Matches(payload) {
			return false
		}
	}
	return true
}

// Leaves returns every equality leaf in evaluation order. Useful for
// backends that take flat field→value maps.
func (f *Filter) Leaves() []EqCondition {
	if f == nil {
		return nil
	}
	if f.Eq != nil {
		return []EqCondition{*f.Eq}
	}
	var leaves []EqCondition
	for _, sub := range f.And {
		leaves = append(leaves, sub.Leaves()...)
	}
	return leaves
}

// looseEqual compares payload values across the numeric widths that JSON
// round-trips introduce (int stored, float64 restored).
func looseEqual(a, b any) bool {
	if a == b {
		return true
	}
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	return aok && bok && af == bf
}

func asFloat(v any) (float64, bool) {
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
	default:
		return 0, false
	}
}

// ParseFilter converts the caller-facing map form into the closed tree.
// Plain keys are equality leaves; the "$and" key holds a list of nested
// filter maps. Multiple keys in one map combine as an implicit $and with
// deterministic (sorted) order.
//
//	{"category": "science"}                      → Eq(category, science)
//	{"$and": [{"a": 1}, {"b": 2}]}               → And(Eq(a,1), Eq(b,2))
//	{"category": "science", "year": 2024}        → And(Eq(...), Eq(...))
func ParseFilter(raw map[string]any) (*Filter, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var filters []*Filter
	for _, key := range keys {
		value := raw[key]
		if key == "$and" {
			list, ok := value.([]any)
			if !ok {
				// Also accept the typed form callers build directly.
				typed, tok := value.([]map[string]any)
				if !tok {
					return nil, fmt.Errorf("%w: $and must hold a list of filters", ErrInvalidFilter)
				}
				for _, m := range typed {
					list = append(list, any(m))
				}
			}
			for _, item := range list {
				m, ok := item.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("%w: $and element must be a filter object", ErrInvalidFilter)
				}
				sub, err := ParseFilter(m)
				if err != nil {
					return nil, err
				}
				if sub != nil {
					filters = append(filters, sub)
				}
			}
			continue
		}
		if len(key) > 0 && key[0] == '$' {
			return nil, fmt.Errorf("%w: unsupported operator %q", ErrInvalidFilter, key)
		}
		switch value.(type) {
		case map[string]any, []any:
			return nil, fmt.Errorf("%w: field %q must compare against a scalar", ErrInvalidFilter, key)
		}
		filters = append(filters, Eq(key, value))
	}

	if len(filters) == 1 {
		return filters[0], nil
	}
	return And(filters...), nil
}
