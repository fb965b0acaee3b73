package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/scheduler"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/mcp"
	"github.com/rendis/stepflow/pkg/schema"
)

// withApp wires the app for one command and closes it afterwards.
func (c *cli) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, c.cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func newRunCmd(c *cli) *cobra.Command {
	var (
		tenant    string
		createdBy string
		interval  int
		inputs    []string
	)
	cmd := &cobra.Command{
		Use:   "run <file.yaml>",
		Short: "Register a workflow file and run it once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return schema.NewErrorf(schema.ErrCodeConfig, "read workflow file: %s", err).WithCause(err)
			}
			overlay, err := parseInputs(inputs)
			if err != nil {
				return err
			}

			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				wf, err := a.runner.Register(ctx, engine.RegisterRequest{
					TenantID:      tenant,
					CreatedBy:     createdBy,
					Interval:      interval,
					RawDefinition: string(raw),
				})
				if err != nil {
					return err
				}
				res, err := a.runner.Run(ctx, engine.RunRequest{WorkflowID: wf.ID, Inputs: overlay})
				if err != nil {
					return err
				}
				if err := printRunResult(cmd.OutOrStdout(), res); err != nil {
					return err
				}
				if res.Err != nil {
					return errRunFailed
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "default", "tenant that owns the workflow")
	cmd.Flags().StringVar(&createdBy, "created-by", "cli", "recorded as the workflow author")
	cmd.Flags().IntVar(&interval, "interval", 0, "also schedule the workflow every N seconds under serve")
	cmd.Flags().StringArrayVar(&inputs, "input", nil, "input override as key=value (value parsed as YAML)")
	return cmd
}

// parseInputs turns key=value pairs into typed values: "limit=10" is an int,
// "tags=[a, b]" a list.
func parseInputs(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		key, raw, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid --input %q, want key=value", p)
		}
		var val any
		if err := yaml.Unmarshal([]byte(raw), &val); err != nil {
			val = raw
		}
		out[key] = val
	}
	return out, nil
}

func printRunResult(w io.Writer, res *engine.RunResult) error {
	out := map[string]any{
		"execution": res.Execution,
		"steps":     res.Steps,
	}
	if res.Err != nil {
		out["error"] = map[string]any{"code": schema.CodeOf(res.Err), "message": res.Err.Error()}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func newServeCmd(c *cli) *cobra.Command {
	var withMCP bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run scheduled workflows and serve MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				defer func() {
					stats := a.runner.Stats()
					a.logger.Info("dispatch stats",
						"completed", stats.Pool.Completed,
						"failed", stats.Pool.Failed,
						"panics", stats.Pool.Panics,
						"throttles", len(stats.Throttles))
				}()

				sched := scheduler.NewScheduler(a.store, a.runner, a.logger, scheduler.WithTick(c.cfg.SchedulerTick))
				if err := sched.Start(ctx); err != nil {
					return err
				}
				defer sched.Stop()

				if !withMCP {
					<-ctx.Done()
					return nil
				}
				srv := mcp.NewStepflowServer(mcp.StepflowServerDeps{
					Runner:    a.runner,
					Store:     a.store,
					Providers: a.providers,
					Version:   version,
					Logger:    a.logger,
				})
				a.logger.Info("mcp server listening on stdio")
				if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&withMCP, "mcp", true, "serve MCP tools on stdin/stdout")
	return cmd
}

func newWorkflowsCmd(c *cli) *cobra.Command {
	var (
		tenant  string
		deleted bool
	)
	cmd := &cobra.Command{
		Use:   "workflows",
		Short: "List stored workflows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				wfs, err := a.store.ListWorkflows(ctx, store.WorkflowFilter{TenantID: tenant, IncludeDeleted: deleted})
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tTENANT\tINTERVAL\tCREATED")
				for _, wf := range wfs {
					name := wf.Name
					if wf.Deleted {
						name += " (deleted)"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", wf.ID, name, wf.TenantID,
						formatInterval(wf.Interval), wf.CreatedAt.Format(time.RFC3339))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "only workflows of this tenant")
	cmd.Flags().BoolVar(&deleted, "deleted", false, "include deleted workflows")
	return cmd
}

func newExecutionsCmd(c *cli) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "executions <workflow-id>",
		Short: "List executions of a workflow, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				execs, err := a.store.ListExecutions(ctx, store.ExecutionFilter{WorkflowID: args[0], Limit: limit})
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "#\tID\tSTATUS\tTRIGGER\tSTARTED\tDURATION\tERROR")
				for _, e := range execs {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n", e.ExecutionNumber, e.ID, e.Status, e.TriggeredBy,
						e.Started.Format(time.RFC3339), formatDuration(e.ExecutionTime), firstLine(e.Error))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of executions")
	return cmd
}

func newLogsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "logs <execution-id>",
		Short: "Print the captured log lines of an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd, func(ctx context.Context, a *app) error {
				if _, err := a.store.GetExecution(ctx, args[0]); err != nil {
					return err
				}
				logs, err := a.store.ListExecutionLogs(ctx, args[0])
				if err != nil {
					return err
				}
				for _, l := range logs {
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", l.Timestamp.UTC().Format(time.RFC3339), l.Message)
				}
				return nil
			})
		},
	}
}

func newSecretCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage vault secrets referenced as {{ secrets.KEY }}",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "set <key> <value>",
			Short: "Store or rotate a secret",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.withApp(cmd, func(ctx context.Context, a *app) error {
					vault, err := a.requireVault()
					if err != nil {
						return err
					}
					return vault.Store(ctx, args[0], []byte(args[1]))
				})
			},
		},
		&cobra.Command{
			Use:   "delete <key>",
			Short: "Delete a secret",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.withApp(cmd, func(ctx context.Context, a *app) error {
					vault, err := a.requireVault()
					if err != nil {
						return err
					}
					return vault.Delete(ctx, args[0])
				})
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List secret keys",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.withApp(cmd, func(ctx context.Context, a *app) error {
					vault, err := a.requireVault()
					if err != nil {
						return err
					}
					keys, err := vault.List(ctx)
					if err != nil {
						return err
					}
					for _, k := range keys {
						fmt.Fprintln(cmd.OutOrStdout(), k)
					}
					return nil
				})
			},
		},
	)
	return cmd
}

func formatInterval(seconds int) string {
	if seconds <= 0 {
		return "-"
	}
	return (time.Duration(seconds) * time.Second).String()
}

func formatDuration(ms *int64) string {
	if ms == nil {
		return "-"
	}
	return (time.Duration(*ms) * time.Millisecond).String()
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
