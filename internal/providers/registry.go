package providers

import (
	"sort"
	"sync"

	"github.com/rendis/stepflow/internal/validation"
	"github.com/rendis/stepflow/pkg/schema"
)

type registration struct {
	info    Info
	factory Factory
}

// Registry is a thread-safe set of provider factories keyed by type.
type Registry struct {
	mu        sync.RWMutex
	types     map[string]registration
	deps      Deps
	validator validation.Validator
}

// NewRegistry creates an empty Registry. deps are passed to every factory.
func NewRegistry(deps Deps) *Registry {
	return &Registry{
		types:     make(map[string]registration),
		deps:      deps,
		validator: validation.NewJSONSchemaValidator(),
	}
}

// NewDefaultRegistry creates a Registry with the built-in providers.
func NewDefaultRegistry(deps Deps) *Registry {
	r := NewRegistry(deps)
	// Built-in types never collide.
	_ = r.Register(jiraInfo, newJira)
	_ = r.Register(webhookInfo, newWebhook)
	_ = r.Register(consoleInfo, newConsole)
	return r
}

// Register adds a provider type. Returns error on duplicate type.
func (r *Registry) Register(info Info, factory Factory) error {
	if info.Type == "" {
		return schema.NewError(schema.ErrCodeValidation, "provider type is empty")
	}
	if factory == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "provider %q has no factory", info.Type)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.types[info.Type]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "provider type %q already registered", info.Type)
	}
	r.types[info.Type] = registration{info: info, factory: factory}
	return nil
}

// New builds a provider of the given type. The authentication block is checked
// against the type's schema before the factory runs, and ValidateConfig after.
func (r *Registry) New(typ string, cfg Config) (Provider, error) {
	r.mu.RLock()
	reg, ok := r.types[typ]
	r.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeProviderUnavailable, "provider type %q not registered", typ)
	}

	if err := r.validateAuth(reg.info, cfg); err != nil {
		return nil, err
	}

	p, err := reg.factory(cfg, r.deps)
	if err != nil {
		return nil, err
	}
	if err := p.ValidateConfig(); err != nil {
		_ = p.Dispose()
		if schema.CodeOf(err) == "" {
			return nil, schema.NewErrorf(schema.ErrCodeConfig, "provider %q: %s", cfg.ID, err).WithCause(err)
		}
		return nil, err
	}
	return p, nil
}

func (r *Registry) validateAuth(info Info, cfg Config) error {
	if len(info.AuthSchema) == 0 {
		return nil
	}
	auth := cfg.Authentication
	if auth == nil {
		auth = map[string]any{}
	}
	res, err := r.validator.Validate(auth, info.AuthSchema)
	if err != nil {
		return err
	}
	if !res.Valid() {
		return schema.NewErrorf(schema.ErrCodeConfig, "provider %q: invalid authentication for type %q", cfg.ID, info.Type).
			WithDetails(map[string]any{"issues": res.Errors})
	}
	return nil
}

// Has checks if a provider type is registered.
func (r *Registry) Has(typ string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[typ]
	return ok
}

// List returns every registered type, sorted.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.types))
	for _, reg := range r.types {
		infos = append(infos, reg.info)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Type < infos[j].Type
	})
	return infos
}
