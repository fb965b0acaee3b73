package conditions

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/rendis/stepflow/pkg/schema"
)

// Kind is the closed set of condition comparators.
type Kind string

const (
	KindEquals    Kind = "equals"
	KindContains  Kind = "contains"
	KindRegex     Kind = "regex"
	KindThreshold Kind = "threshold"
	KindAssert    Kind = "assert"
)

// operands are the rendered inputs of one comparison.
type operands struct {
	value     any
	compareTo any
	extra     map[string]any
	data      func() map[string]any // render tree, built lazily for assert
}

// comparator computes a condition result from its operands.
type comparator func(ctx context.Context, op operands) (bool, error)

// --- equals ---

func compareEquals(_ context.Context, op operands) (bool, error) {
	return looseEqual(op.value, op.compareTo), nil
}

// looseEqual compares after number normalization. A string and a number are
// equal when the string parses to the same number.
func looseEqual(a, b any) bool {
	na, aNum := toNumber(a)
	nb, bNum := toNumber(b)
	if aNum && bNum {
		return na == nb
	}
	_, aStr := a.(string)
	_, bStr := b.(string)
	if (aStr && bNum) || (bStr && aNum) {
		sa, errA := parseNumber(a)
		sb, errB := parseNumber(b)
		return errA == nil && errB == nil && sa == sb
	}
	return reflect.DeepEqual(normalizeJSON(a), normalizeJSON(b))
}

// --- contains ---

func compareContains(_ context.Context, op operands) (bool, error) {
	switch container := op.value.(type) {
	case nil:
		return false, nil
	case string:
		return strings.Contains(container, fmt.Sprintf("%v", op.compareTo)), nil
	case []any:
		for _, item := range container {
			if looseEqual(item, op.compareTo) {
				return true, nil
			}
		}
		return false, nil
	case map[string]any:
		key, ok := op.compareTo.(string)
		if !ok {
			return false, nil
		}
		_, found := container[key]
		return found, nil
	}

	rv := reflect.ValueOf(op.value)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		for i := range rv.Len() {
			if looseEqual(rv.Index(i).Interface(), op.compareTo) {
				return true, nil
			}
		}
		return false, nil
	}
	return false, schema.NewErrorf(schema.ErrCodeConfig,
		"contains: value must be string, list or map, got %T", op.value)
}

// --- regex ---

func compareRegex(_ context.Context, op operands) (bool, error) {
	pattern, ok := op.compareTo.(string)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeConfig,
			"regex: compare_to must be a pattern string, got %T", op.compareTo)
	}
	if flag, _ := op.extra["ignore_case"].(bool); flag {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeConfig, "regex: invalid pattern %q: %s", pattern, err).WithCause(err)
	}
	if op.value == nil {
		return false, nil
	}
	s, ok := op.value.(string)
	if !ok {
		s = fmt.Sprintf("%v", op.value)
	}
	return re.MatchString(s), nil
}

// --- threshold ---

// compareThreshold reports whether value crosses compare_to. compare_type is
// one of gt (default), gte, lt, lte, eq. Values may carry a trailing "%".
func compareThreshold(_ context.Context, op operands) (bool, error) {
	value, err := parseNumber(op.value)
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeRender, "threshold: value: %s", err).WithCause(err)
	}
	limit, err := parseNumber(op.compareTo)
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeConfig, "threshold: compare_to: %s", err).WithCause(err)
	}

	compareType, _ := op.extra["compare_type"].(string)
	switch strings.ToLower(compareType) {
	case "", "gt":
		return value > limit, nil
	case "gte":
		return value >= limit, nil
	case "lt":
		return value < limit, nil
	case "lte":
		return value <= limit, nil
	case "eq":
		return value == limit, nil
	default:
		return false, schema.NewErrorf(schema.ErrCodeConfig, "threshold: unknown compare_type %q", compareType)
	}
}

// --- helpers ---

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
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

func parseNumber(v any) (float64, error) {
	if n, ok := toNumber(v); ok {
		return n, nil
	}
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "%")
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("%q is not a number", v)
	}
	return f, nil
}

// normalizeJSON converts Go numeric types to float64 so reflect.DeepEqual works
// across decoded and literal values.
func normalizeJSON(v any) any {
	if n, ok := toNumber(v); ok {
		return n
	}
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeJSON(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeJSON(item)
		}
		return out
	default:
		return v
	}
}
