package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/pkg/schema"
)

func isolateHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	return home
}

func TestLoadConfig_Defaults(t *testing.T) {
	home := isolateHome(t)

	cfg, err := loadConfig(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".stepflow", "stepflow.db"), cfg.DBPath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, "error", cfg.MissingPath)
	assert.Equal(t, engine.DefaultPoolSize, cfg.DispatchPoolSize)
	assert.Equal(t, 30*time.Second, cfg.DispatchTimeout)
	assert.Equal(t, 10*time.Second, cfg.SchedulerTick)
	assert.Empty(t, cfg.TraceOutput)
	assert.Equal(t, 1.0, cfg.TraceSampleRatio)
}

func TestLoadConfig_FileThenEnv(t *testing.T) {
	home := isolateHome(t)
	dir := filepath.Join(home, ".stepflow")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.yaml"), []byte(`
db_path: /var/lib/stepflow/stepflow.db
log_level: debug
dispatch_timeout: 5s
missing_path: "null"
`), 0o600))
	t.Setenv("STEPFLOW_LOG_LEVEL", "warn")
	t.Setenv("STEPFLOW_DISPATCH_POOL_SIZE", "4")

	cfg, err := loadConfig(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/stepflow/stepflow.db", cfg.DBPath)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 4, cfg.DispatchPoolSize)
	assert.Equal(t, 5*time.Second, cfg.DispatchTimeout)
	assert.Equal(t, "null", cfg.MissingPath)
	assert.Equal(t, "file:/var/lib/stepflow/stepflow.db", cfg.dbURI())
}

func TestLoadConfig_Errors(t *testing.T) {
	isolateHome(t)

	_, err := loadConfig(viper.New(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Equal(t, schema.ErrCodeConfig, schema.CodeOf(err), "an explicit settings file must exist")

	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad missing policy", map[string]string{"STEPFLOW_MISSING_PATH": "ignore"}},
		{"bad level", map[string]string{"STEPFLOW_LOG_LEVEL": "loud"}},
		{"bad format", map[string]string{"STEPFLOW_LOG_FORMAT": "xml"}},
		{"zero pool", map[string]string{"STEPFLOW_DISPATCH_POOL_SIZE": "0"}},
		{"passphrase without salt", map[string]string{"STEPFLOW_VAULT_PASSPHRASE": "hunter2"}},
		{"zero sample ratio", map[string]string{"STEPFLOW_TRACE_SAMPLE_RATIO": "0"}},
		{"sample ratio above one", map[string]string{"STEPFLOW_TRACE_SAMPLE_RATIO": "1.5"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := loadConfig(viper.New(), "")
			assert.Equal(t, schema.ErrCodeConfig, schema.CodeOf(err))
		})
	}
}

func TestParseInputs(t *testing.T) {
	got, err := parseInputs([]string{"limit=10", "env=prod", "tags=[a, b]", "ratio=0.5", "empty="})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"limit": 10,
		"env":   "prod",
		"tags":  []any{"a", "b"},
		"ratio": 0.5,
		"empty": nil,
	}, got)

	_, err = parseInputs([]string{"novalue"})
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	got, err = parseInputs(nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}

const diskWatch = `
id: disk-watch
inputs:
  disk: 40
actions:
  - name: warn
    condition:
      - name: disk-high
        type: threshold
        value: "{{ disk }}"
        compare_to: 90
    provider:
      type: console
      with:
        message: "disk at {{ disk }}%"
        level: warn
`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestRunCommand_EndToEnd(t *testing.T) {
	isolateHome(t)
	dir := t.TempDir()
	db := filepath.Join(dir, "stepflow.db")
	file := filepath.Join(dir, "disk.yaml")
	require.NoError(t, os.WriteFile(file, []byte(diskWatch), 0o600))

	out, err := execute(t, "--db-path", db, "run", file, "--input", "disk=95")
	require.NoError(t, err)

	var res struct {
		Execution struct {
			ID              string `json:"id"`
			WorkflowID      string `json:"workflow_id"`
			Status          string `json:"status"`
			ExecutionNumber int64  `json:"execution_number"`
		} `json:"execution"`
		Steps []struct {
			StepID string `json:"step_id"`
			Ran    bool   `json:"ran"`
		} `json:"steps"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "success", res.Execution.Status)
	assert.Equal(t, int64(1), res.Execution.ExecutionNumber)
	require.Len(t, res.Steps, 1)
	assert.True(t, res.Steps[0].Ran)

	logs, err := execute(t, "--db-path", db, "logs", res.Execution.ID)
	require.NoError(t, err)
	assert.Contains(t, logs, "disk at 95%")

	list, err := execute(t, "--db-path", db, "executions", res.Execution.WorkflowID)
	require.NoError(t, err)
	assert.Contains(t, list, res.Execution.ID)
	assert.Contains(t, list, "manual")

	wfs, err := execute(t, "--db-path", db, "workflows")
	require.NoError(t, err)
	assert.Contains(t, wfs, "disk-watch")
}

func TestRunCommand_ExportsStepSpans(t *testing.T) {
	isolateHome(t)
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	dir := t.TempDir()
	spans := filepath.Join(dir, "spans.jsonl")
	file := filepath.Join(dir, "disk.yaml")
	require.NoError(t, os.WriteFile(file, []byte(diskWatch), 0o600))
	t.Setenv("STEPFLOW_TRACE_OUTPUT", spans)

	_, err := execute(t, "--db-path", filepath.Join(dir, "stepflow.db"), "run", file, "--input", "disk=95")
	require.NoError(t, err)

	data, err := os.ReadFile(spans)
	require.NoError(t, err)
	assert.Contains(t, string(data), "stepflow.step.execute")
	assert.Contains(t, string(data), "warn", "the step id is a span attribute")
}

func TestRunCommand_FailedRunExitsNonZero(t *testing.T) {
	isolateHome(t)
	dir := t.TempDir()
	file := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
id: broken
actions:
  - name: shout
    provider:
      type: console
      with:
        level: warn
`), 0o600))

	out, err := execute(t, "--db-path", filepath.Join(dir, "stepflow.db"), "run", file)
	assert.ErrorIs(t, err, errRunFailed)
	assert.Contains(t, out, `"status": "failed"`)
	assert.Contains(t, out, schema.ErrCodeStepFailed)
}

func TestSecretCommandRequiresVault(t *testing.T) {
	isolateHome(t)
	_, err := execute(t, "--db-path", filepath.Join(t.TempDir(), "stepflow.db"), "secret", "list")
	assert.Equal(t, schema.ErrCodeVault, schema.CodeOf(err))
}

func TestSecretCommands(t *testing.T) {
	isolateHome(t)
	t.Setenv("STEPFLOW_VAULT_PASSPHRASE", "correct horse")
	t.Setenv("STEPFLOW_VAULT_SALT", "battery staple")
	db := filepath.Join(t.TempDir(), "stepflow.db")

	_, err := execute(t, "--db-path", db, "secret", "set", "PAGER_TOKEN", "s3cr3t")
	require.NoError(t, err)

	out, err := execute(t, "--db-path", db, "secret", "list")
	require.NoError(t, err)
	assert.Equal(t, "PAGER_TOKEN\n", out)

	_, err = execute(t, "--db-path", db, "secret", "delete", "PAGER_TOKEN")
	require.NoError(t, err)
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "dev\n", out)
}
