package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rendis/stepflow/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// JSONSchemaValidator implements Validator. Compiled schemas are cached by
// their source text. It is safe for concurrent use.
type JSONSchemaValidator struct {
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a validator with an empty cache.
func NewJSONSchemaValidator() *JSONSchemaValidator {
	return &JSONSchemaValidator{cache: make(map[string]*jsonschema.Schema)}
}

// Validate checks doc against schemaJSON. The error return is reserved for an
// unusable schema; violations are reported in the result as CONFIG_ERROR issues.
func (v *JSONSchemaValidator) Validate(doc any, schemaJSON []byte) (*schema.ValidationResult, error) {
	result := &schema.ValidationResult{}
	if len(schemaJSON) == 0 {
		return result, nil
	}

	compiled, err := v.getOrCompile(schemaJSON)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeConfig, "invalid JSON schema").WithCause(err)
	}

	// Convert doc to a JSON-compatible value (json.Number for numbers).
	value, err := toJSONValue(doc)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeConfig, "document is not JSON-serializable").WithCause(err)
	}

	if err := compiled.Validate(value); err != nil {
		verr, ok := err.(*jsonschema.ValidationError)
		if !ok {
			result.AddError("/", schema.ErrCodeConfig, err.Error())
			return result, nil
		}
		collectViolations(verr, result)
	}
	return result, nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each schema gets a unique URL to avoid collisions in the compiler.
	url := fmt.Sprintf("stepflow://schema/%d", len(v.cache))

	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON so that numbers become
// json.Number, as the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// collectViolations walks a ValidationError tree and records its leaves.
func collectViolations(verr *jsonschema.ValidationError, result *schema.ValidationResult) {
	if len(verr.Causes) == 0 {
		loc := "/" + strings.Join(verr.InstanceLocation, "/")
		result.AddError(loc, schema.ErrCodeConfig, fmt.Sprintf("%s: %s", loc, verr.Error()))
		return
	}
	for _, cause := range verr.Causes {
		collectViolations(cause, result)
	}
}

var _ Validator = (*JSONSchemaValidator)(nil)
