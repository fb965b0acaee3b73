package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/observability"
	"github.com/rendis/stepflow/internal/providers"
	"github.com/rendis/stepflow/internal/secrets"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// app is the wired object graph shared by every command.
type app struct {
	cfg       Config
	logger    *slog.Logger
	store     *store.LibSQLStore
	vault     secrets.Vault // nil without vault_passphrase
	pool      *engine.WorkerPool
	providers *providers.Registry
	runner    *engine.Runner
	shutdown  func(context.Context) error // flushes spans
}

func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return lvl, schema.NewErrorf(schema.ErrCodeConfig, "invalid log_level %q", s)
	}
	return lvl, nil
}

// newLogger builds the handler chain: the collector captures per-execution
// records, the correlation handler stamps run ids on what reaches the sink.
func newLogger(cfg Config, w io.Writer) (*slog.Logger, *logging.Collector) {
	lvl, _ := parseLevel(cfg.LogLevel)
	opts := &slog.HandlerOptions{Level: lvl}

	var sink slog.Handler
	if cfg.LogFormat == "json" {
		sink = slog.NewJSONHandler(w, opts)
	} else {
		sink = slog.NewTextHandler(w, opts)
	}
	collector := logging.NewCollector(logging.NewCorrelationHandler(sink))
	return slog.New(collector), collector
}

func newApp(ctx context.Context, cfg Config, logOut io.Writer) (*app, error) {
	logger, collector := newLogger(cfg, logOut)

	st, err := store.NewLibSQLStore(cfg.dbURI())
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}

	shutdown, err := observability.InitTracing(ctx, observability.TracingConfig{
		Output:      cfg.TraceOutput,
		SampleRatio: cfg.TraceSampleRatio,
	}, "stepflow", version)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, store: st, shutdown: shutdown}

	// validate already rejected unknown policies.
	policy, _ := expressions.ParseMissingPolicy(cfg.MissingPath)
	rendererOpts := []expressions.RendererOption{expressions.WithMissingPolicy(policy)}
	if cfg.VaultPassphrase != "" {
		vault, err := secrets.NewAESVault(st, secrets.VaultConfig{
			Passphrase: cfg.VaultPassphrase,
			Salt:       []byte(cfg.VaultSalt),
		})
		if err != nil {
			_ = shutdown(ctx)
			_ = st.Close()
			return nil, err
		}
		a.vault = vault
		rendererOpts = append(rendererOpts, expressions.WithVault(vault))
	}
	renderer := expressions.NewRenderer(rendererOpts...)

	a.pool = engine.NewWorkerPool(cfg.DispatchPoolSize)
	a.providers = providers.NewDefaultRegistry(providers.Deps{
		Logger:     logger,
		HTTPClient: &http.Client{Timeout: cfg.DispatchTimeout},
	})
	steps := engine.NewStepExecutor(engine.StepExecutorConfig{
		Renderer:        renderer,
		Pool:            a.pool,
		DispatchTimeout: cfg.DispatchTimeout,
		Logger:          logger,
	})
	a.runner = engine.NewRunner(engine.RunnerConfig{
		Store:     st,
		Providers: a.providers,
		Steps:     steps,
		Renderer:  renderer,
		Collector: collector,
		Logger:    logger,
	})
	return a, nil
}

func (a *app) Close() error {
	a.pool.Shutdown()
	return errors.Join(a.shutdown(context.Background()), a.store.Close())
}

func (a *app) requireVault() (secrets.Vault, error) {
	if a.vault == nil {
		return nil, schema.NewError(schema.ErrCodeVault, "vault is not configured: set vault_passphrase and vault_salt")
	}
	return a.vault, nil
}
