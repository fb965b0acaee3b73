package expressions

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/itchyny/gojq"
	"github.com/rendis/stepflow/pkg/schema"
)

// GoJQEngine evaluates the jq filters used in `{{ path | jq: <program> }}`
// tokens. Compiled *gojq.Code objects are cached and reused across goroutines.
type GoJQEngine struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewGoJQEngine creates a new GoJQ expression engine.
func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{
		cache: make(map[string]*gojq.Code),
	}
}

// Name returns the engine identifier.
func (e *GoJQEngine) Name() string {
	return "jq"
}

// Evaluate runs a jq program with data as the input object.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	return e.Apply(ctx, expression, data)
}

// Apply runs a jq program against an arbitrary input value. Zero outputs give
// nil, one output is returned as-is and several are collected into []any.
func (e *GoJQEngine) Apply(ctx context.Context, program string, input any) (any, error) {
	if program == "" {
		return nil, schema.NewError(schema.ErrCodeRender, "empty jq program")
	}

	code, err := e.getOrCompile(program)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, normalizeForJQ(input))

	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeRender,
				"jq evaluation failed for %q: %s", program, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"program": program})
		}
		results = append(results, val)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

func (e *GoJQEngine) getOrCompile(program string) (*gojq.Code, error) {
	e.mu.RLock()
	if code, ok := e.cache[program]; ok {
		e.mu.RUnlock()
		return code, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if code, ok := e.cache[program]; ok {
		return code, nil
	}

	query, err := gojq.Parse(program)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeRender,
			"jq parse error in %q: %s", program, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"program": program})
	}

	code, err := gojq.Compile(query,
		// no $ENV inside templates
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeRender,
			"jq compile error in %q: %s", program, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"program": program})
	}

	e.cache[program] = code
	return code, nil
}

// normalizeForJQ converts Go values into the types gojq accepts. Numbers become
// float64; typed maps, slices and structs returned by providers go through a
// JSON round-trip.
func normalizeForJQ(v any) any {
	switch val := v.(type) {
	case nil, string, bool, float64:
		return v
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[k] = normalizeForJQ(v)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, v := range val {
			out[i] = normalizeForJQ(v)
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case float32:
		return float64(val)
	case json.RawMessage:
		var decoded any
		if err := json.Unmarshal(val, &decoded); err != nil {
			return string(val)
		}
		return decoded
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return v
		}
		var decoded any
		if err := json.Unmarshal(b, &decoded); err != nil {
			return v
		}
		return decoded
	}
}

var _ Engine = (*GoJQEngine)(nil)
