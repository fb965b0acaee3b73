package expressions

import "context"

// Engine evaluates expressions against a render data tree.
// Two implementations: CEL (assert conditions) and GoJQ (template filters).
// Boolean gates use the restricted GateEvaluator instead.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
