package validation

import "github.com/rendis/stepflow/pkg/schema"

// Validator checks configuration documents against JSON Schema Draft 2020-12.
type Validator interface {
	// Validate returns every violation of doc against schemaJSON.
	Validate(doc any, schemaJSON []byte) (*schema.ValidationResult, error)
}
