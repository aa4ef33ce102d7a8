package catalog

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/spf13/cast"
)

// Operator is the closed set of comparison operators a Condition may use.
type Operator string

const (
	OpEquals    Operator = "equals"
	OpNotEquals Operator = "not_equals"
	OpIn        Operator = "in"
	OpContains  Operator = "contains"
	OpRegex     Operator = "regex"
)

// Valid reports whether the operator is supported.
func (o Operator) Valid() bool {
	switch o {
	case OpEquals, OpNotEquals, OpIn, OpContains, OpRegex:
		return true
	}
	return false
}

// Condition is a single predicate evaluated against request attributes.
type Condition struct {
	Field    string   `json:"field" yaml:"field"`
	Operator Operator `json:"operator" yaml:"operator"`
	Value    any      `json:"value" yaml:"value"`
}

func (c Condition) String() string {
	return fmt.Sprintf("%s %s %v", c.Field, c.Operator, c.Value)
}

// Validate checks the condition is well formed, compiling regex values.
func (c Condition) Validate() error {
	if strings.TrimSpace(c.Field) == "" {
		return fmt.Errorf("condition field required")
	}
	if !c.Operator.Valid() {
		return fmt.Errorf("unsupported condition operator %q", c.Operator)
	}
	if c.Operator == OpRegex {
		if _, err := compilePattern(cast.ToString(c.Value)); err != nil {
			return fmt.Errorf("condition %s: %w", c.Field, err)
		}
	}
	return nil
}

// Attributes is the request context a condition is evaluated against.
// Dotted fields ("resource.owner") descend into nested maps.
type Attributes map[string]any

// Lookup resolves a possibly dotted field.
func (a Attributes) Lookup(field string) (any, bool) {
	if a == nil {
		return nil, false
	}
	if v, ok := a[field]; ok {
		return v, true
	}
	parts := strings.Split(field, ".")
	var current any = map[string]any(a)
	for _, part := range parts {
		m, err := cast.ToStringMapE(current)
		if err != nil {
			return nil, false
		}
		next, ok := m[part]
		if !ok {
			return nil, false
		}
		current = next
	}
	return current, true
}

// Evaluate applies the condition. A missing field never satisfies a condition.
func (c Condition) Evaluate(attrs Attributes) (bool, error) {
	actual, ok := attrs.Lookup(c.Field)
	if !ok {
		return false, nil
	}
	switch c.Operator {
	case OpEquals:
		return equalValues(actual, c.Value), nil
	case OpNotEquals:
		return !equalValues(actual, c.Value), nil
	case OpIn:
		for _, candidate := range toSlice(c.Value) {
			if equalValues(actual, candidate) {
				return true, nil
			}
		}
		return false, nil
	case OpContains:
		if isList(actual) {
			for _, item := range toSlice(actual) {
				if equalValues(item, c.Value) {
					return true, nil
				}
			}
			return false, nil
		}
		return strings.Contains(cast.ToString(actual), cast.ToString(c.Value)), nil
	case OpRegex:
		re, err := compilePattern(cast.ToString(c.Value))
		if err != nil {
			return false, err
		}
		return re.MatchString(cast.ToString(actual)), nil
	}
	return false, fmt.Errorf("unsupported condition operator %q", c.Operator)
}

// EvaluateAll requires every condition to hold. An empty list is satisfied.
// The returned slice describes the conditions that failed.
func EvaluateAll(conditions []Condition, attrs Attributes) (bool, []string, error) {
	var failed []string
	for _, cond := range conditions {
		ok, err := cond.Evaluate(attrs)
		if err != nil {
			return false, append(failed, cond.String()), err
		}
		if !ok {
			failed = append(failed, cond.String())
		}
	}
	return len(failed) == 0, failed, nil
}

func equalValues(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	return cast.ToString(a) == cast.ToString(b) && cast.ToString(a) != ""
}

func isList(v any) bool {
	if v == nil {
		return false
	}
	kind := reflect.TypeOf(v).Kind()
	return kind == reflect.Slice || kind == reflect.Array
}

func toSlice(v any) []any {
	if !isList(v) {
		if s, ok := v.(string); ok && strings.Contains(s, ",") {
			parts := strings.Split(s, ",")
			out := make([]any, 0, len(parts))
			for _, p := range parts {
				out = append(out, strings.TrimSpace(p))
			}
			return out
		}
		return []any{v}
	}
	rv := reflect.ValueOf(v)
	out := make([]any, 0, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		out = append(out, rv.Index(i).Interface())
	}
	return out
}

var patternCache sync.Map

func compilePattern(pattern string) (*regexp.Regexp, error) {
	if cached, ok := patternCache.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	patternCache.Store(pattern, re)
	return re, nil
}
