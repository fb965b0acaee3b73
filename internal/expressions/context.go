package expressions

import (
	"sort"
	"sync"

	"github.com/rendis/stepflow/pkg/schema"
)

// RunInfo identifies the workflow run an ExecutionContext belongs to.
type RunInfo struct {
	WorkflowID  string
	ExecutionID string
	TenantID    string
}

// ConditionResult is one recorded condition evaluation.
type ConditionResult struct {
	StepID       string         `json:"step_id"`
	Name         string         `json:"name"`
	Type         string         `json:"type"`
	Alias        string         `json:"alias"`
	CompareValue any            `json:"compare_value"`
	CompareTo    any            `json:"compare_to"`
	Result       bool           `json:"result"`
	Extra        map[string]any `json:"extra,omitempty"`
}

// stepRecord is what the context keeps per step id.
type stepRecord struct {
	results    any
	hasResults bool
	params     map[string]any
	foreach    *ForeachScope
}

// ExecutionContext is the mutable state of one workflow run: step results,
// rendered provider parameters and condition results. It is created per run
// and never shared between runs.
//
// Step results are deep-copied on insert; a later SetStepResult for the same
// step replaces the previous value.
type ExecutionContext struct {
	mu         sync.RWMutex
	run        RunInfo
	inputs     map[string]any
	steps      map[string]*stepRecord
	conditions map[string]map[string]ConditionResult // step ID -> condition name -> result
	aliases    map[string]bool
}

// NewExecutionContext creates an empty context for one run.
// inputs are deep-copied to prevent external mutation.
func NewExecutionContext(run RunInfo, inputs map[string]any) *ExecutionContext {
	return &ExecutionContext{
		run:        run,
		inputs:     deepCopyMap(inputs),
		steps:      make(map[string]*stepRecord),
		conditions: make(map[string]map[string]ConditionResult),
		aliases:    make(map[string]bool),
	}
}

// Run returns the run identifiers.
func (c *ExecutionContext) Run() RunInfo {
	return c.run
}

func (c *ExecutionContext) record(stepID string) *stepRecord {
	rec, ok := c.steps[stepID]
	if !ok {
		rec = &stepRecord{}
		c.steps[stepID] = rec
	}
	return rec
}

// SetStepResult stores a step's output. scope is the foreach iteration that
// produced it, or nil.
func (c *ExecutionContext) SetStepResult(stepID string, value any, scope *ForeachScope) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec := c.record(stepID)
	rec.results = deepCopyAny(value)
	rec.hasResults = true
	if scope != nil {
		s := ForeachScope{Item: deepCopyAny(scope.Item), Index: scope.Index}
		rec.foreach = &s
	} else {
		rec.foreach = nil
	}
}

// SetStepProviderParameters records the rendered parameters a provider was called with.
func (c *ExecutionContext) SetStepProviderParameters(stepID string, params map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record(stepID).params = deepCopyMap(params)
}

// SetConditionResult records one condition evaluation under its step and alias.
func (c *ExecutionContext) SetConditionResult(stepID string, result ConditionResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	result.StepID = stepID
	if result.Alias == "" {
		result.Alias = result.Name
	}
	result.CompareValue = deepCopyAny(result.CompareValue)
	result.CompareTo = deepCopyAny(result.CompareTo)

	byName, ok := c.conditions[stepID]
	if !ok {
		byName = make(map[string]ConditionResult)
		c.conditions[stepID] = byName
	}
	byName[result.Name] = result
	c.aliases[result.Alias] = result.Result
}

// StepResult returns the last stored result of a step.
func (c *ExecutionContext) StepResult(stepID string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.steps[stepID]
	if !ok || !rec.hasResults {
		return nil, false
	}
	return deepCopyAny(rec.results), true
}

// StepProviderParameters returns the recorded provider parameters of a step.
func (c *ExecutionContext) StepProviderParameters(stepID string) (map[string]any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.steps[stepID]
	if !ok || rec.params == nil {
		return nil, false
	}
	return deepCopyMap(rec.params), true
}

// ConditionResults returns a step's recorded conditions sorted by name.
func (c *ExecutionContext) ConditionResults(stepID string) []ConditionResult {
	c.mu.RLock()
	defer c.mu.RUnlock()

	byName := c.conditions[stepID]
	out := make([]ConditionResult, 0, len(byName))
	for _, r := range byName {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Data builds a snapshot of the render tree. Condition aliases are exposed at
// the top level; reserved namespaces always win over an alias of the same name.
func (c *ExecutionContext) Data(scope *ForeachScope) map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data := make(map[string]any, len(c.aliases)+5)
	for alias, result := range c.aliases {
		if !reservedNamespaces[alias] {
			data[alias] = result
		}
	}

	steps := make(map[string]any, len(c.steps))
	for id, rec := range c.steps {
		entry := map[string]any{}
		if rec.hasResults {
			entry["results"] = deepCopyAny(rec.results)
		}
		if rec.params != nil {
			entry["provider_parameters"] = deepCopyMap(rec.params)
		}
		if rec.foreach != nil {
			entry["foreach"] = map[string]any{"item": deepCopyAny(rec.foreach.Item), "index": rec.foreach.Index}
		}
		steps[id] = entry
	}
	for id, byName := range c.conditions {
		entry, ok := steps[id].(map[string]any)
		if !ok {
			entry = map[string]any{}
			steps[id] = entry
		}
		conds := make(map[string]any, len(byName))
		for name, r := range byName {
			conds[name] = map[string]any{
				"type":          r.Type,
				"alias":         r.Alias,
				"compare_value": deepCopyAny(r.CompareValue),
				"compare_to":    deepCopyAny(r.CompareTo),
				"result":        r.Result,
			}
		}
		entry["conditions"] = conds
	}

	data["steps"] = steps
	data["inputs"] = deepCopyMap(c.inputs)
	data["workflow"] = map[string]any{
		"id":           c.run.WorkflowID,
		"execution_id": c.run.ExecutionID,
		"tenant_id":    c.run.TenantID,
	}
	if scope != nil {
		item := deepCopyAny(scope.Item)
		data["foreach"] = map[string]any{"value": item, "item": item, "index": scope.Index}
	}
	return data
}

// Get resolves a dotted path (with optional [n] indices) against the render
// tree. A first segment that is neither a namespace nor an alias is looked up
// in the workflow inputs.
func (c *ExecutionContext) Get(path string, scope *ForeachScope) (any, error) {
	val, found, err := c.resolve(path, scope)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, schema.NewErrorf(schema.ErrCodeRender, "path %q not found", path).
			WithDetails(map[string]any{"path": path})
	}
	return val, nil
}

func (c *ExecutionContext) resolve(path string, scope *ForeachScope) (any, bool, error) {
	data := c.Data(scope)
	head := splitPath(path)[0]
	if _, ok := data[head]; !ok {
		return lookup(data["inputs"], path)
	}
	return lookup(data, path)
}
