package main

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/scheduler"
	"github.com/rendis/stepflow/pkg/schema"
)

// Config holds all stepflow configuration.
// Priority: flags > STEPFLOW_* env vars > settings.yaml > defaults.
type Config struct {
	DBPath           string        `mapstructure:"db_path"`
	LogLevel         string        `mapstructure:"log_level"`
	LogFormat        string        `mapstructure:"log_format"`
	MissingPath      string        `mapstructure:"missing_path"`
	DispatchPoolSize int           `mapstructure:"dispatch_pool_size"`
	DispatchTimeout  time.Duration `mapstructure:"dispatch_timeout"`
	SchedulerTick    time.Duration `mapstructure:"scheduler_tick"`
	VaultPassphrase  string        `mapstructure:"vault_passphrase"`
	VaultSalt        string        `mapstructure:"vault_salt"`
	TraceOutput      string        `mapstructure:"trace_output"`
	TraceSampleRatio float64       `mapstructure:"trace_sample_ratio"`
}

func stepflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stepflow"
	}
	return filepath.Join(home, ".stepflow")
}

func settingsPath() string {
	return filepath.Join(stepflowDir(), "settings.yaml")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db_path", filepath.Join(stepflowDir(), "stepflow.db"))
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("missing_path", "error")
	v.SetDefault("dispatch_pool_size", engine.DefaultPoolSize)
	v.SetDefault("dispatch_timeout", 30*time.Second)
	v.SetDefault("scheduler_tick", scheduler.DefaultTick)
	v.SetDefault("vault_passphrase", "")
	v.SetDefault("vault_salt", "")
	v.SetDefault("trace_output", "")
	v.SetDefault("trace_sample_ratio", 1.0)
}

// loadConfig layers defaults, the settings file (ignored if missing unless it
// was named explicitly) and STEPFLOW_* env vars.
func loadConfig(v *viper.Viper, file string) (Config, error) {
	setDefaults(v)

	explicit := file != ""
	if !explicit {
		file = settingsPath()
	}
	v.SetConfigFile(file)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var pathErr *os.PathError
		if explicit || !errors.As(err, &pathErr) {
			return Config{}, schema.NewErrorf(schema.ErrCodeConfig, "read settings %s: %s", file, err).WithCause(err)
		}
	}

	v.SetEnvPrefix("STEPFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, schema.NewErrorf(schema.ErrCodeConfig, "decode settings: %s", err).WithCause(err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.DBPath == "" {
		return schema.NewError(schema.ErrCodeConfig, "db_path must not be empty")
	}
	if c.DispatchPoolSize < 1 {
		return schema.NewErrorf(schema.ErrCodeConfig, "dispatch_pool_size must be positive, got %d", c.DispatchPoolSize)
	}
	if c.DispatchTimeout < 0 {
		return schema.NewError(schema.ErrCodeConfig, "dispatch_timeout must not be negative")
	}
	if _, err := expressions.ParseMissingPolicy(c.MissingPath); err != nil {
		return err
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return schema.NewErrorf(schema.ErrCodeConfig, "log_format must be text or json, got %q", c.LogFormat)
	}
	if c.TraceSampleRatio <= 0 || c.TraceSampleRatio > 1 {
		return schema.NewErrorf(schema.ErrCodeConfig, "trace_sample_ratio must be in (0, 1], got %v", c.TraceSampleRatio)
	}
	if c.VaultPassphrase != "" && c.VaultSalt == "" {
		return schema.NewError(schema.ErrCodeConfig, "vault_salt is required with vault_passphrase")
	}
	return nil
}

// dbURI turns db_path into a libsql file URI.
func (c Config) dbURI() string {
	if strings.HasPrefix(c.DBPath, "file:") {
		return c.DBPath
	}
	return "file:" + c.DBPath
}
