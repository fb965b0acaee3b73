// Package conditions evaluates the named conditions attached to a step and
// records every result into the run's ExecutionContext.
package conditions

import (
	"context"
	"maps"
	"slices"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/pkg/schema"
)

// Engine evaluates condition lists. It is stateless between calls and safe for
// concurrent use.
type Engine struct {
	renderer *expressions.Renderer
	cel      *expressions.CELEngine
	table    map[Kind]comparator
}

// NewEngine wires the comparator table. cel may be nil, in which case assert
// conditions fail with CONFIG_ERROR.
func NewEngine(renderer *expressions.Renderer, cel *expressions.CELEngine) *Engine {
	e := &Engine{renderer: renderer, cel: cel}
	e.table = map[Kind]comparator{
		KindEquals:    compareEquals,
		KindContains:  compareContains,
		KindRegex:     compareRegex,
		KindThreshold: compareThreshold,
		KindAssert:    e.compareAssert,
	}
	return e
}

// Kinds lists the supported condition types.
func (e *Engine) Kinds() []string {
	kinds := make([]string, 0, len(e.table))
	for k := range e.table {
		kinds = append(kinds, string(k))
	}
	slices.Sort(kinds)
	return kinds
}

// Validate checks names and types without evaluating anything.
func (e *Engine) Validate(stepID string, cfgs []schema.ConditionConfig) error {
	for i, cfg := range cfgs {
		if cfg.Name == "" {
			return schema.NewErrorf(schema.ErrCodeConfig, "condition #%d must have a name", i).
				WithStep(stepID)
		}
		if _, ok := e.table[Kind(cfg.Type)]; !ok {
			return schema.NewErrorf(schema.ErrCodeConfig, "condition %q: unknown type %q", cfg.Name, cfg.Type).
				WithStep(stepID).
				WithDetails(map[string]any{"available": e.Kinds()})
		}
	}
	return nil
}

// Evaluate validates every condition first, then evaluates them in order and
// records each result into ec. The first evaluation error stops the list;
// results recorded before it stay in the context.
func (e *Engine) Evaluate(ctx context.Context, stepID string, cfgs []schema.ConditionConfig,
	ec *expressions.ExecutionContext, scope *expressions.ForeachScope) ([]expressions.ConditionResult, error) {
	if err := e.Validate(stepID, cfgs); err != nil {
		return nil, err
	}

	results := make([]expressions.ConditionResult, 0, len(cfgs))
	for _, cfg := range cfgs {
		res, err := e.evaluateOne(ctx, cfg, ec, scope)
		if err != nil {
			if fe, ok := err.(*schema.FlowError); ok && fe.StepID == "" {
				fe.WithStep(stepID)
			}
			return results, err
		}
		ec.SetConditionResult(stepID, res)
		results = append(results, res)
	}
	return results, nil
}

func (e *Engine) evaluateOne(ctx context.Context, cfg schema.ConditionConfig,
	ec *expressions.ExecutionContext, scope *expressions.ForeachScope) (expressions.ConditionResult, error) {
	kind := Kind(cfg.Type)

	value, err := e.renderer.RenderValue(ctx, cfg.Value, ec, scope)
	if err != nil {
		return expressions.ConditionResult{}, err
	}

	// An assert's compare_to is a CEL program, never a template.
	compareTo := cfg.CompareTo
	if kind != KindAssert {
		compareTo, err = e.renderer.RenderValue(ctx, cfg.CompareTo, ec, scope)
		if err != nil {
			return expressions.ConditionResult{}, err
		}
	}

	result, err := e.table[kind](ctx, operands{
		value:     value,
		compareTo: compareTo,
		extra:     cfg.Extra,
		data:      func() map[string]any { return ec.Data(scope) },
	})
	if err != nil {
		return expressions.ConditionResult{}, err
	}

	return expressions.ConditionResult{
		Name:         cfg.Name,
		Type:         cfg.Type,
		Alias:        cfg.AliasOrName(),
		CompareValue: value,
		CompareTo:    compareTo,
		Result:       result,
		Extra:        maps.Clone(cfg.Extra),
	}, nil
}

// compareAssert evaluates compare_to as CEL over value and the render tree.
// The condition is met when the assertion does NOT hold.
func (e *Engine) compareAssert(ctx context.Context, op operands) (bool, error) {
	if e.cel == nil {
		return false, schema.NewError(schema.ErrCodeConfig, "assert: no CEL engine configured")
	}
	program, ok := op.compareTo.(string)
	if !ok || program == "" {
		return false, schema.NewErrorf(schema.ErrCodeConfig,
			"assert: compare_to must be a CEL expression, got %T", op.compareTo)
	}

	data := op.data()
	data["value"] = op.value
	holds, err := e.cel.EvaluateBool(ctx, program, data)
	if err != nil {
		return false, err
	}
	return !holds, nil
}
