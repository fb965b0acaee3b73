package providers

import (
	"context"
	"log/slog"
	"strings"
)

var consoleInfo = Info{
	Type:        "console",
	Description: "Writes the notification message to the log.",
	Operations:  []Operation{OpNotify},
}

// Console logs notifications. Useful for dry runs.
type Console struct {
	Base
}

func newConsole(cfg Config, deps Deps) (Provider, error) {
	return &Console{Base: NewBase(consoleInfo.Type, cfg, deps.Logger)}, nil
}

// Notify logs params["message"] at params["level"] (info by default).
func (c *Console) Notify(ctx context.Context, params map[string]any) error {
	message, err := requiredString(params, "console", "message")
	if err != nil {
		return err
	}
	level := slog.LevelInfo
	switch strings.ToLower(stringParam(params, "level", "info")) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	c.Logger.Log(ctx, level, message)
	return nil
}
