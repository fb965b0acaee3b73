package engine

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/stepflow/internal/conditions"
	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/providers"
	"github.com/rendis/stepflow/internal/throttle"
	"github.com/rendis/stepflow/pkg/schema"
)

// tracerName is the instrumentation scope name for step tracing.
const tracerName = "github.com/rendis/stepflow/internal/engine"

// Step is one configured step or action bound to a built provider.
type Step struct {
	Config   schema.StepConfig
	Kind     schema.StepKind
	Provider providers.Provider
}

// ItemOutcome is the result of one iteration. Index is -1 for steps without
// foreach.
type ItemOutcome struct {
	Index  int               `json:"index"`
	Status schema.ItemStatus `json:"status"`
	Err    error             `json:"-"`
}

// StepResult summarizes a step execution. Ran is the OR of every iteration
// that dispatched its provider successfully.
type StepResult struct {
	StepID string        `json:"step_id"`
	Ran    bool          `json:"ran"`
	Items  []ItemOutcome `json:"items"`
}

// Failed returns the indexes of the iterations that failed.
func (r *StepResult) Failed() []int {
	var idx []int
	for _, it := range r.Items {
		if it.Status == schema.ItemStatusFailed {
			idx = append(idx, it.Index)
		}
	}
	return idx
}

// StepExecutorConfig holds the collaborators of a StepExecutor.
type StepExecutorConfig struct {
	Renderer        *expressions.Renderer
	Conditions      *conditions.Engine
	Throttles       *throttle.Engine
	Pool            *WorkerPool
	DispatchTimeout time.Duration // 0 = no deadline
	Logger          *slog.Logger
	Tracer          trace.Tracer
}

// StepExecutor decides whether a step runs, dispatches it and folds the result
// back into the ExecutionContext. One executor serves many runs; all per-run
// state lives in the ExecutionContext passed to Execute.
type StepExecutor struct {
	renderer   *expressions.Renderer
	conditions *conditions.Engine
	throttles  *throttle.Engine
	pool       *WorkerPool
	timeout    time.Duration
	logger     *slog.Logger
	tracer     trace.Tracer
}

// NewStepExecutor fills unset collaborators with defaults.
func NewStepExecutor(cfg StepExecutorConfig) *StepExecutor {
	if cfg.Renderer == nil {
		cfg.Renderer = expressions.NewRenderer()
	}
	if cfg.Conditions == nil {
		// CEL is optional; without it assert conditions fail with CONFIG_ERROR.
		cel, _ := expressions.NewCELEngine()
		cfg.Conditions = conditions.NewEngine(cfg.Renderer, cel)
	}
	if cfg.Throttles == nil {
		cfg.Throttles = throttle.NewEngine()
	}
	if cfg.Pool == nil {
		cfg.Pool = NewWorkerPool(DefaultPoolSize)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(tracerName)
	}
	return &StepExecutor{
		renderer:   cfg.Renderer,
		conditions: cfg.Conditions,
		throttles:  cfg.Throttles,
		pool:       cfg.Pool,
		timeout:    cfg.DispatchTimeout,
		logger:     cfg.Logger,
		tracer:     cfg.Tracer,
	}
}

// ExecutorStats is a point-in-time view of dispatch and throttle state.
type ExecutorStats struct {
	Pool      PoolMetrics      `json:"dispatch_pool"`
	Throttles []map[string]any `json:"throttles"`
}

// Stats snapshots the dispatch pool counters and every throttle instance.
func (e *StepExecutor) Stats() ExecutorStats {
	return ExecutorStats{Pool: e.pool.Metrics(), Throttles: e.throttles.Stats()}
}

// Execute runs a step against ec. Without foreach a failure is returned as a
// STEP_FAILED error. With foreach every item is attempted in order; item
// failures are recorded in Items and returned together after the last item.
func (e *StepExecutor) Execute(ctx context.Context, step Step, ec *expressions.ExecutionContext) (*StepResult, error) {
	cfg := step.Config
	ctx = logging.WithStepID(ctx, cfg.Name)
	res := &StepResult{StepID: cfg.Name}

	if step.Provider == nil {
		return res, e.fail(ctx, step, schema.NewErrorf(schema.ErrCodeConfig, "%s %q has no provider", kindOf(step), cfg.Name))
	}
	if err := e.conditions.Validate(cfg.Name, cfg.Condition); err != nil {
		return res, e.fail(ctx, step, err)
	}

	if cfg.Foreach == "" {
		status, err := e.runSingle(ctx, step, ec, nil)
		res.Items = []ItemOutcome{{Index: -1, Status: status, Err: err}}
		res.Ran = status == schema.ItemStatusRan
		if err != nil {
			return res, e.fail(ctx, step, err)
		}
		return res, nil
	}

	rendered, err := e.renderer.Render(ctx, cfg.Foreach, ec, nil)
	if err != nil {
		return res, e.fail(ctx, step, err)
	}
	items, ok := expressions.AsList(rendered)
	if !ok {
		return res, e.fail(ctx, step, schema.NewErrorf(schema.ErrCodeRender,
			"foreach %q must resolve to a list, got %T", cfg.Foreach, rendered))
	}

	var errs []error
	for i, item := range items {
		scope := &expressions.ForeachScope{Item: item, Index: i}
		status, err := e.runSingle(ctx, step, ec, scope)
		res.Items = append(res.Items, ItemOutcome{Index: i, Status: status, Err: err})
		if status == schema.ItemStatusRan {
			res.Ran = true
		}
		if err != nil {
			e.logFailure(ctx, step, err, slog.Int("index", i))
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return res, schema.NewErrorf(schema.ErrCodeStepFailed, "%s %q: %d of %d items failed",
			kindOf(step), cfg.Name, len(errs), len(items)).
			WithStep(cfg.Name).
			WithCause(errors.Join(errs...)).
			WithDetails(map[string]any{"provider": step.Provider.ID(), "failed_items": res.Failed()})
	}
	return res, nil
}

// runSingle walks conditions, gate, throttle and dispatch for one iteration.
func (e *StepExecutor) runSingle(ctx context.Context, step Step, ec *expressions.ExecutionContext,
	scope *expressions.ForeachScope) (status schema.ItemStatus, err error) {
	cfg := step.Config

	attrs := []attribute.KeyValue{
		attribute.String("stepflow.step.id", cfg.Name),
		attribute.String("stepflow.step.kind", string(kindOf(step))),
		attribute.String("stepflow.provider.type", step.Provider.Type()),
		attribute.String("stepflow.execution.id", ec.Run().ExecutionID),
	}
	if scope != nil {
		attrs = append(attrs, attribute.Int("stepflow.foreach.index", scope.Index))
	}
	ctx, span := e.tracer.Start(ctx, "stepflow.step.execute",
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer func() {
		span.SetAttributes(attribute.String("stepflow.step.status", string(status)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	results, err := e.conditions.Evaluate(ctx, cfg.Name, cfg.Condition, ec, scope)
	if err != nil {
		return schema.ItemStatusFailed, err
	}

	gate, met, rendered := andOfAliases(results)
	if cfg.If != "" {
		gate = cfg.If
		met, rendered, err = e.renderer.RenderGate(ctx, gate, ec, scope)
		if err != nil {
			return schema.ItemStatusFailed, err
		}
	}
	if !met {
		e.logger.InfoContext(ctx, "step evaluated not to run",
			"step", cfg.Name, "reason", gate+" evaluated to false", "rendered", rendered)
		return schema.ItemStatusSkipped, nil
	}
	e.logger.InfoContext(ctx, "step evaluated to run", "step", cfg.Name)

	run := ec.Run()
	key := throttle.Key{WorkflowID: run.WorkflowID, Action: cfg.Name}
	throttled, err := e.throttles.IsThrottled(key, run.ExecutionID, cfg.Throttle)
	if err != nil {
		return schema.ItemStatusFailed, err
	}
	if throttled {
		e.logger.InfoContext(ctx, "step is throttled", "step", cfg.Name, "throttle", cfg.Throttle.Type)
		return schema.ItemStatusThrottled, nil
	}

	params, err := e.renderer.RenderMapping(ctx, cfg.Provider.With, ec, scope)
	if err != nil {
		return schema.ItemStatusFailed, err
	}
	if err := e.dispatch(ctx, step, params, ec, scope); err != nil {
		return schema.ItemStatusFailed, err
	}
	return schema.ItemStatusRan, nil
}

// dispatch calls query for steps and notify for actions, honoring the
// provider's declared mode for that operation.
func (e *StepExecutor) dispatch(ctx context.Context, step Step, params map[string]any,
	ec *expressions.ExecutionContext, scope *expressions.ForeachScope) error {
	op := providers.OpNotify
	if kindOf(step) == schema.StepKindStep {
		op = providers.OpQuery
	}
	p := step.Provider

	var out any
	call := func(ctx context.Context) error {
		if op == providers.OpQuery {
			var err error
			out, err = p.Query(ctx, params)
			return err
		}
		return p.Notify(ctx, params)
	}

	mode := p.Dispatch(op)
	e.logger.DebugContext(ctx, "dispatching provider",
		"step", step.Config.Name, "provider", p.ID(), "operation", string(op), "mode", mode.String())

	var err error
	if mode == providers.Async {
		err = e.pool.Await(ctx, e.timeout, call)
	} else {
		err = e.pool.Call(ctx, e.timeout, call)
	}
	if err != nil {
		if schema.CodeOf(err) == "" {
			err = schema.NewErrorf(schema.ErrCodeProviderFailure, "provider %q %s: %s", p.ID(), op, err).WithCause(err)
		}
		return err
	}

	if op == providers.OpQuery {
		ec.SetStepResult(step.Config.Name, out, scope)
	}
	recorded := maps.Clone(params)
	if recorded == nil {
		recorded = map[string]any{}
	}
	maps.Copy(recorded, p.Expose())
	ec.SetStepProviderParameters(step.Config.Name, recorded)
	return nil
}

// fail wraps err as the step-level failure and logs it.
func (e *StepExecutor) fail(ctx context.Context, step Step, err error) error {
	e.logFailure(ctx, step, err)

	details := map[string]any{"cause_code": schema.CodeOf(err)}
	if step.Provider != nil {
		details["provider"] = step.Provider.ID()
	}
	return schema.NewErrorf(schema.ErrCodeStepFailed, "%s %q failed: %s", kindOf(step), step.Config.Name, err).
		WithStep(step.Config.Name).
		WithCause(err).
		WithDetails(details)
}

func (e *StepExecutor) logFailure(ctx context.Context, step Step, err error, extra ...any) {
	args := []any{"step", step.Config.Name, "code", schema.CodeOf(err), "error", err}
	if step.Provider != nil {
		args = append(args, "provider", step.Provider.ID())
	}
	e.logger.ErrorContext(ctx, "step failed", append(args, extra...)...)
}

// andOfAliases is the implicit gate: the AND of every recorded result. It also
// returns the "{{ a }} and {{ b }}" text and its rendered form for skip logs.
// No conditions means the step runs.
func andOfAliases(results []expressions.ConditionResult) (gate string, met bool, rendered string) {
	parts := make([]string, 0, len(results))
	values := make([]string, 0, len(results))
	met = true
	for _, r := range results {
		parts = append(parts, "{{ "+r.Alias+" }}")
		values = append(values, strconv.FormatBool(r.Result))
		met = met && r.Result
	}
	return strings.Join(parts, " and "), met, strings.Join(values, " and ")
}

func kindOf(step Step) schema.StepKind {
	if step.Kind == "" {
		return schema.StepKindStep
	}
	return step.Kind
}
