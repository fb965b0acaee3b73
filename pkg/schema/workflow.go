package schema

import (
	"gopkg.in/yaml.v3"
)

// Definition is the decoded form of a workflow's raw YAML text.
// Steps run first and store their results; actions run afterwards and only notify.
type Definition struct {
	ID          string                    `yaml:"id" json:"id"`
	Description string                    `yaml:"description,omitempty" json:"description,omitempty"`
	Providers   map[string]ProviderConfig `yaml:"providers,omitempty" json:"providers,omitempty"`
	Inputs      map[string]any            `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Steps       []StepConfig              `yaml:"steps,omitempty" json:"steps,omitempty"`
	Actions     []StepConfig              `yaml:"actions,omitempty" json:"actions,omitempty"`
}

// DefinitionEnvelope accepts both a bare definition and one nested under "workflow:".
type DefinitionEnvelope struct {
	Workflow *Definition `yaml:"workflow"`
}

// StepKind distinguishes data-producing steps from side-effecting actions.
type StepKind string

const (
	StepKindStep   StepKind = "step"
	StepKindAction StepKind = "action"
)

// StepConfig describes one step or action. Unknown keys are ignored.
type StepConfig struct {
	Name      string            `yaml:"name" json:"name"`
	Condition []ConditionConfig `yaml:"condition,omitempty" json:"condition,omitempty"`
	If        string            `yaml:"if,omitempty" json:"if,omitempty"`
	Foreach   string            `yaml:"foreach,omitempty" json:"foreach,omitempty"`
	Throttle  *ThrottleConfig   `yaml:"throttle,omitempty" json:"throttle,omitempty"`
	Provider  ProviderBinding   `yaml:"provider" json:"provider"`
}

// ProviderBinding binds a step to a provider type, a named provider config, and
// the parameter templates passed to the provider operation.
type ProviderBinding struct {
	Type   string         `yaml:"type" json:"type"`
	Config string         `yaml:"config,omitempty" json:"config,omitempty"`
	With   map[string]any `yaml:"with,omitempty" json:"with,omitempty"`
}

// ProviderConfig is a named provider configuration. Authentication values may
// contain templates (e.g. secrets references).
type ProviderConfig struct {
	Description    string         `yaml:"description,omitempty" json:"description,omitempty"`
	Authentication map[string]any `yaml:"authentication,omitempty" json:"authentication,omitempty"`
}

// ConditionConfig is a single named condition. Comparator-specific keys
// (compare_type, ignore_case, ...) land in Extra.
type ConditionConfig struct {
	Name      string         `yaml:"name" json:"name"`
	Type      string         `yaml:"type" json:"type"`
	Alias     string         `yaml:"alias,omitempty" json:"alias,omitempty"`
	Value     any            `yaml:"value,omitempty" json:"value,omitempty"`
	CompareTo any            `yaml:"compare_to,omitempty" json:"compare_to,omitempty"`
	Extra     map[string]any `yaml:",inline" json:"extra,omitempty"`
}

// AliasOrName returns the alias used to reference the condition result.
func (c ConditionConfig) AliasOrName() string {
	if c.Alias != "" {
		return c.Alias
	}
	return c.Name
}

// ThrottleConfig selects a throttle policy by type and configures it.
type ThrottleConfig struct {
	Type string         `yaml:"type" json:"type"`
	With map[string]any `yaml:"with,omitempty" json:"with,omitempty"`
}

// DecodeDefinition decodes raw workflow YAML. It does not validate the result.
func DecodeDefinition(raw []byte) (*Definition, error) {
	var env DefinitionEnvelope
	if err := yaml.Unmarshal(raw, &env); err != nil {
		return nil, NewErrorf(ErrCodeConfig, "decode workflow definition: %s", err.Error()).WithCause(err)
	}
	if env.Workflow != nil {
		return env.Workflow, nil
	}

	var def Definition
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return nil, NewErrorf(ErrCodeConfig, "decode workflow definition: %s", err.Error()).WithCause(err)
	}
	return &def, nil
}
