// Package throttle decides whether an action is currently rate-limited.
//
// Policy state lives in memory and is shared by every run that goes through the
// same Engine. There is one policy instance per (workflow, action, type,
// config) and each instance is guarded by its own mutex, so concurrent runs
// never race an increment.
package throttle

import (
	"cmp"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// Key scopes throttle state to one action of one workflow.
type Key struct {
	WorkflowID string
	Action     string
}

// entry is a policy plus the lock serializing it.
type entry struct {
	mu     sync.Mutex
	key    Key
	policy policy
}

// Engine manages policy instances.
type Engine struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an Engine with no policies.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// IsThrottled reports whether the action under key may not run now. A nil
// config is never throttled. When the action is not throttled the execution is
// counted.
func (e *Engine) IsThrottled(key Key, runID string, cfg *schema.ThrottleConfig) (bool, error) {
	if cfg == nil || cfg.Type == "" {
		return false, nil
	}

	ent, err := e.getOrCreate(key, cfg)
	if err != nil {
		return false, err
	}

	ent.mu.Lock()
	defer ent.mu.Unlock()
	return ent.policy.check(runID, e.now()), nil
}

// Stats returns diagnostic state for every policy instance, ordered by
// workflow then action.
func (e *Engine) Stats() []map[string]any {
	e.mu.Lock()
	ents := make([]*entry, 0, len(e.entries))
	for _, ent := range e.entries {
		ents = append(ents, ent)
	}
	e.mu.Unlock()

	slices.SortFunc(ents, func(a, b *entry) int {
		return cmp.Or(cmp.Compare(a.key.WorkflowID, b.key.WorkflowID), cmp.Compare(a.key.Action, b.key.Action))
	})

	now := e.now()
	out := make([]map[string]any, 0, len(ents))
	for _, ent := range ents {
		ent.mu.Lock()
		s := ent.policy.stats(now)
		ent.mu.Unlock()
		s["workflow_id"] = ent.key.WorkflowID
		s["action"] = ent.key.Action
		out = append(out, s)
	}
	return out
}

func (e *Engine) getOrCreate(key Key, cfg *schema.ThrottleConfig) (*entry, error) {
	newPolicy, ok := factories[Kind(cfg.Type)]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "unknown throttle type %q", cfg.Type).
			WithDetails(map[string]any{"action": key.Action})
	}

	// encoding/json sorts map keys, which makes the config canonical.
	canonical, err := json.Marshal(cfg.With)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "throttle config for %q: %s", key.Action, err).WithCause(err)
	}
	id := key.WorkflowID + "\x00" + key.Action + "\x00" + cfg.Type + "\x00" + string(canonical)

	e.mu.Lock()
	defer e.mu.Unlock()

	if ent, ok := e.entries[id]; ok {
		return ent, nil
	}
	p, err := newPolicy(cfg.With)
	if err != nil {
		return nil, err
	}
	ent := &entry{key: key, policy: p}
	e.entries[id] = ent
	return ent, nil
}
