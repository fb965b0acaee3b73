package engine

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/providers"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// RunRequest asks for one execution of a stored workflow.
type RunRequest struct {
	WorkflowID  string
	TriggeredBy string         // schema.Trigger*; defaults to manual
	Inputs      map[string]any // overlays the definition's inputs
}

// RunResult is the settled execution plus per-step outcomes. Err is the
// failure that settled the execution as failed, nil on success.
type RunResult struct {
	Execution *store.WorkflowExecution `json:"execution"`
	Steps     []*StepResult            `json:"steps"`
	Err       error                    `json:"-"`
}

// RunnerConfig holds the collaborators of a Runner.
type RunnerConfig struct {
	Store     store.Store
	Providers *providers.Registry
	Steps     *StepExecutor
	Renderer  *expressions.Renderer // renders provider authentication
	Collector *logging.Collector    // nil = executions get no captured logs
	Logger    *slog.Logger
}

// Runner executes stored workflows: steps first, then actions.
// A failing step aborts the run since later steps read its data. A failing
// action is recorded and the remaining actions still run.
type Runner struct {
	store     store.Store
	providers *providers.Registry
	steps     *StepExecutor
	renderer  *expressions.Renderer
	collector *logging.Collector
	logger    *slog.Logger
}

// NewRunner creates a Runner. Store is required.
func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Renderer == nil {
		cfg.Renderer = expressions.NewRenderer()
	}
	if cfg.Steps == nil {
		cfg.Steps = NewStepExecutor(StepExecutorConfig{Renderer: cfg.Renderer, Logger: cfg.Logger})
	}
	if cfg.Providers == nil {
		cfg.Providers = providers.NewDefaultRegistry(providers.Deps{Logger: cfg.Logger})
	}
	return &Runner{
		store:     cfg.Store,
		providers: cfg.Providers,
		steps:     cfg.Steps,
		renderer:  cfg.Renderer,
		collector: cfg.Collector,
		logger:    cfg.Logger,
	}
}

// RegisterRequest stores a new workflow from raw definition text.
type RegisterRequest struct {
	TenantID      string
	Name          string // defaults to the definition id
	Description   string
	CreatedBy     string
	Interval      int // seconds; 0 = run on demand only
	RawDefinition string
}

// Register decodes the definition once so malformed YAML is rejected before it
// is stored, then persists the workflow under a new id.
func (r *Runner) Register(ctx context.Context, req RegisterRequest) (*store.Workflow, error) {
	def, err := schema.DecodeDefinition([]byte(req.RawDefinition))
	if err != nil {
		return nil, err
	}
	name := req.Name
	if name == "" {
		name = def.ID
	}
	desc := req.Description
	if desc == "" {
		desc = def.Description
	}

	wf := &store.Workflow{
		ID:            uuid.New().String(),
		TenantID:      req.TenantID,
		Name:          name,
		Description:   desc,
		CreatedBy:     req.CreatedBy,
		Interval:      req.Interval,
		RawDefinition: req.RawDefinition,
	}
	if err := r.store.CreateWorkflow(ctx, wf); err != nil {
		return nil, err
	}
	r.logger.InfoContext(ctx, "workflow registered",
		"workflow_id", wf.ID, "name", wf.Name, "tenant_id", wf.TenantID, "interval", wf.Interval)
	return wf, nil
}

// Run creates an execution of req.WorkflowID, runs it to completion and
// persists its outcome. The returned error is reserved for failures to create
// or settle the execution; workflow failures are reported in RunResult.
func (r *Runner) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	wf, err := r.store.GetWorkflow(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}
	if wf.Deleted {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q is deleted", wf.ID)
	}

	trigger := req.TriggeredBy
	if trigger == "" {
		trigger = schema.TriggerManual
	}
	exec := &store.WorkflowExecution{
		ID:          uuid.New().String(),
		WorkflowID:  wf.ID,
		TenantID:    wf.TenantID,
		Started:     time.Now().UTC(),
		TriggeredBy: trigger,
		Status:      schema.ExecutionStatusRunning,
	}
	if err := r.store.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}

	ctx = logging.WithRun(ctx, wf.ID, exec.ID, wf.TenantID)
	if r.collector != nil {
		r.collector.Begin(exec.ID)
	}
	r.logger.InfoContext(ctx, "workflow execution started",
		"execution_number", exec.ExecutionNumber, "triggered_by", trigger)

	steps, runErr := r.execute(ctx, wf, exec, req.Inputs)

	status := schema.ExecutionStatusSuccess
	if runErr != nil {
		status = schema.ExecutionStatusFailed
		r.logger.ErrorContext(ctx, "workflow execution failed", "error", runErr)
	} else {
		r.logger.InfoContext(ctx, "workflow execution finished")
	}

	if err := r.settle(ctx, exec, status, runErr); err != nil {
		return nil, err
	}
	return &RunResult{Execution: exec, Steps: steps, Err: runErr}, nil
}

// Stats reports the dispatch pool and throttle state shared by every run.
func (r *Runner) Stats() ExecutorStats {
	return r.steps.Stats()
}

func (r *Runner) execute(ctx context.Context, wf *store.Workflow, exec *store.WorkflowExecution,
	inputs map[string]any) ([]*StepResult, error) {
	def, err := schema.DecodeDefinition([]byte(wf.RawDefinition))
	if err != nil {
		return nil, err
	}

	merged := maps.Clone(def.Inputs)
	if merged == nil {
		merged = map[string]any{}
	}
	maps.Copy(merged, inputs)
	ec := expressions.NewExecutionContext(expressions.RunInfo{
		WorkflowID:  wf.ID,
		ExecutionID: exec.ID,
		TenantID:    wf.TenantID,
	}, merged)

	built, err := r.buildProviders(ctx, def, ec)
	defer r.dispose(ctx, built)
	if err != nil {
		return nil, err
	}

	var results []*StepResult
	for _, cfg := range def.Steps {
		res, err := r.steps.Execute(ctx, Step{Config: cfg, Kind: schema.StepKindStep, Provider: built[bindingKey(cfg.Provider)]}, ec)
		results = append(results, res)
		if err != nil {
			return results, err
		}
	}

	var actionErrs []error
	for _, cfg := range def.Actions {
		res, err := r.steps.Execute(ctx, Step{Config: cfg, Kind: schema.StepKindAction, Provider: built[bindingKey(cfg.Provider)]}, ec)
		results = append(results, res)
		if err != nil {
			actionErrs = append(actionErrs, err)
		}
	}
	return results, errors.Join(actionErrs...)
}

// buildProviders builds one provider per distinct binding. Authentication
// values are rendered first so they can reference {{ secrets.KEY }}.
func (r *Runner) buildProviders(ctx context.Context, def *schema.Definition,
	ec *expressions.ExecutionContext) (map[string]providers.Provider, error) {
	built := make(map[string]providers.Provider)

	bindings := make([]schema.ProviderBinding, 0, len(def.Steps)+len(def.Actions))
	for _, s := range def.Steps {
		bindings = append(bindings, s.Provider)
	}
	for _, a := range def.Actions {
		bindings = append(bindings, a.Provider)
	}

	for _, b := range bindings {
		key := bindingKey(b)
		if _, ok := built[key]; ok {
			continue
		}

		cfg := providers.Config{ID: b.Type}
		if b.Config != "" {
			pc, ok := def.Providers[b.Config]
			if !ok {
				return built, schema.NewErrorf(schema.ErrCodeConfig, "provider config %q is not defined", b.Config)
			}
			auth, err := r.renderer.RenderMapping(ctx, pc.Authentication, ec, nil)
			if err != nil {
				return built, err
			}
			cfg = providers.Config{ID: b.Config, Description: pc.Description, Authentication: auth}
		}

		p, err := r.providers.New(b.Type, cfg)
		if err != nil {
			return built, err
		}
		built[key] = p
	}
	return built, nil
}

func (r *Runner) dispose(ctx context.Context, built map[string]providers.Provider) {
	for _, p := range built {
		if err := p.Dispose(); err != nil {
			r.logger.WarnContext(ctx, "provider dispose failed", "provider", p.ID(), "error", err)
		}
	}
}

// settle persists the terminal state, captured logs and duration.
func (r *Runner) settle(ctx context.Context, exec *store.WorkflowExecution, status schema.ExecutionStatus, runErr error) error {
	elapsed := store.ElapsedMillis(exec.Started)
	update := store.ExecutionUpdate{Status: &status, ExecutionTime: &elapsed}

	if runErr != nil {
		text := store.TruncateError(runErr.Error())
		update.Error = &text
		exec.Error = text
	}

	if r.collector != nil {
		entries := r.collector.Drain(exec.ID)
		text := logging.FormatEntries(entries)
		update.Logs = &text
		exec.Logs = text

		rows := make([]store.ExecutionLog, 0, len(entries))
		for _, e := range entries {
			rows = append(rows, store.ExecutionLog{ExecutionID: exec.ID, Timestamp: e.Time, Message: e.Message})
		}
		// Settle even when the log rows cannot be written.
		if err := r.store.AppendExecutionLogs(ctx, exec.ID, rows); err != nil {
			r.logger.WarnContext(ctx, "persist execution logs failed", "error", err)
		}
	}

	if err := r.store.UpdateExecution(ctx, exec.ID, update); err != nil {
		return err
	}
	exec.Status = status
	exec.ExecutionTime = &elapsed
	return nil
}

func bindingKey(b schema.ProviderBinding) string {
	return b.Type + "\x00" + b.Config
}
