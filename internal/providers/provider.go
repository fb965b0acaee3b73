// Package providers defines the capability a step is bound to and the
// registry that builds configured provider instances by type.
package providers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/rendis/stepflow/pkg/schema"
)

// Operation is a provider entry point.
type Operation string

const (
	// OpQuery fetches data; used by steps.
	OpQuery Operation = "query"
	// OpNotify performs a side effect; used by actions.
	OpNotify Operation = "notify"
)

// DispatchMode is the declared execution nature of an operation.
type DispatchMode int

const (
	// Sync operations are called directly on the run goroutine.
	Sync DispatchMode = iota
	// Async operations are handed to the dispatch pool and awaited.
	Async
)

func (m DispatchMode) String() string {
	if m == Async {
		return "async"
	}
	return "sync"
}

// Config is a named provider configuration after its templates were rendered.
type Config struct {
	ID             string
	Description    string
	Authentication map[string]any
}

// Provider is an external capability a step or action is bound to.
type Provider interface {
	ID() string
	Type() string
	ValidateConfig() error
	Dispatch(op Operation) DispatchMode
	Query(ctx context.Context, params map[string]any) (any, error)
	Notify(ctx context.Context, params map[string]any) error
	// Expose returns metadata merged into the recorded provider parameters.
	Expose() map[string]any
	Dispose() error
}

// Info describes a registered provider type.
type Info struct {
	Type        string          `json:"type"`
	Description string          `json:"description,omitempty"`
	AuthSchema  json.RawMessage `json:"auth_schema,omitempty"`
	Operations  []Operation     `json:"operations"`
}

// Deps are shared collaborators handed to every factory.
type Deps struct {
	Logger     *slog.Logger
	HTTPClient *http.Client
}

// Factory builds a provider instance from its configuration.
type Factory func(cfg Config, deps Deps) (Provider, error)

// Base carries the identity of a provider and answers every optional method.
// Embed it and override what the provider supports.
type Base struct {
	id      string
	typ     string
	Auth    map[string]any
	Logger  *slog.Logger
	exposed map[string]any
}

// NewBase creates a Base for the given config and type.
func NewBase(typ string, cfg Config, logger *slog.Logger) Base {
	if logger == nil {
		logger = slog.Default()
	}
	return Base{
		id:     cfg.ID,
		typ:    typ,
		Auth:   cfg.Authentication,
		Logger: logger.With("provider", cfg.ID, "provider_type", typ),
	}
}

func (b *Base) ID() string   { return b.id }
func (b *Base) Type() string { return b.typ }

func (b *Base) ValidateConfig() error { return nil }

func (b *Base) Dispatch(Operation) DispatchMode { return Sync }

func (b *Base) Query(context.Context, map[string]any) (any, error) {
	return nil, schema.NewErrorf(schema.ErrCodeProviderUnavailable, "provider %q (%s) does not support query", b.id, b.typ)
}

func (b *Base) Notify(context.Context, map[string]any) error {
	return schema.NewErrorf(schema.ErrCodeProviderUnavailable, "provider %q (%s) does not support notify", b.id, b.typ)
}

// SetExposed replaces the metadata returned by Expose.
func (b *Base) SetExposed(m map[string]any) { b.exposed = m }

func (b *Base) Expose() map[string]any { return b.exposed }

func (b *Base) Dispose() error { return nil }
