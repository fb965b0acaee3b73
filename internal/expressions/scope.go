package expressions

import (
	"encoding/json"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/rendis/stepflow/pkg/schema"
)

// ForeachScope holds the scoped variables for a single foreach iteration.
// It is passed by value into every render call of that iteration instead of
// being stored on the ExecutionContext, so iterations never observe each
// other's item.
type ForeachScope struct {
	Item  any // current iteration value
	Index int // current iteration index (0-based)
}

// reservedNamespaces are the top-level keys of the render data tree.
var reservedNamespaces = map[string]bool{
	"steps":    true,
	"inputs":   true,
	"workflow": true,
	"foreach":  true,
	"secrets":  true,
}

// splitPath turns "steps.a.results.items[0].name" into
// [steps a results items 0 name].
func splitPath(path string) []string {
	path = strings.ReplaceAll(path, "[", ".")
	path = strings.ReplaceAll(path, "]", "")
	return strings.Split(path, ".")
}

// lookup navigates root along path. found is false when a segment is absent;
// err is set when the path itself is malformed or traverses a scalar.
func lookup(root any, path string) (value any, found bool, err error) {
	segments := splitPath(path)
	current := root

	for i, seg := range segments {
		if seg == "" {
			return nil, false, schema.NewErrorf(schema.ErrCodeRender,
				"empty segment in path %q at position %d", path, i).
				WithDetails(map[string]any{"path": path})
		}

		switch v := current.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				return nil, false, nil
			}
			current = val
		case []any:
			idx, convErr := strconv.Atoi(seg)
			if convErr != nil || idx < 0 || idx >= len(v) {
				return nil, false, nil
			}
			current = v[idx]
		case nil:
			return nil, false, nil
		default:
			next, ok, reflErr := reflectStep(current, seg, path)
			if reflErr != nil {
				return nil, false, reflErr
			}
			if !ok {
				return nil, false, nil
			}
			current = next
		}
	}

	return current, true, nil
}

// reflectStep handles typed maps and slices returned by providers.
func reflectStep(current any, seg, path string) (any, bool, error) {
	rv := reflect.ValueOf(current)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		val := rv.MapIndex(reflect.ValueOf(seg).Convert(rv.Type().Key()))
		if !val.IsValid() {
			return nil, false, nil
		}
		return val.Interface(), true, nil
	case reflect.Slice, reflect.Array:
		idx, err := strconv.Atoi(seg)
		if err != nil || idx < 0 || idx >= rv.Len() {
			return nil, false, nil
		}
		return rv.Index(idx).Interface(), true, nil
	}
	return nil, false, schema.NewErrorf(schema.ErrCodeRender,
		"cannot traverse into non-object at %q in %q (type: %T)", seg, path, current).
		WithDetails(map[string]any{"path": path})
}

// AsList converts a rendered foreach iterable into a []any.
func AsList(v any) ([]any, bool) {
	switch val := v.(type) {
	case nil:
		return nil, true
	case []any:
		return val, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// --- Deep copy utilities ---

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively deep-copies a value.
// Handles maps, slices, and primitives (which are inherently immutable).
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}

// mapKeys returns sorted keys from a map[string]any.
func mapKeys(m map[string]any) []string {
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
