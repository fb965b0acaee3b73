package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCollector(buf *bytes.Buffer) (*Collector, *slog.Logger) {
	c := NewCollector(NewCorrelationHandler(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
	return c, slog.New(c)
}

func TestCollector_CapturesOnlyOpenExecutions(t *testing.T) {
	var buf bytes.Buffer
	c, logger := newTestCollector(&buf)

	c.Begin("exec-1")
	logger.InfoContext(WithExecutionID(context.Background(), "exec-1"), "step ran", "step", "fetch")
	logger.InfoContext(WithExecutionID(context.Background(), "exec-2"), "other run")
	logger.Info("no execution")

	entries := c.Drain("exec-1")
	require.Len(t, entries, 1)
	assert.Equal(t, "step ran step=fetch", entries[0].Message)
	assert.Equal(t, slog.LevelInfo, entries[0].Level)

	// every record still reaches the inner handler
	assert.Equal(t, 3, strings.Count(buf.String(), "\n"))

	assert.Empty(t, c.Drain("exec-1"), "drain closes the execution")
}

func TestCollector_DerivedHandlersShareState(t *testing.T) {
	var buf bytes.Buffer
	c, logger := newTestCollector(&buf)
	c.Begin("exec-1")

	ctx := WithExecutionID(context.Background(), "exec-1")
	logger.With("component", "runner").InfoContext(ctx, "started")
	logger.WithGroup("provider").InfoContext(ctx, "called", "type", "jira")
	logger.DebugContext(ctx, "filtered by level")

	entries := c.Drain("exec-1")
	require.Len(t, entries, 2)
	assert.Equal(t, "started component=runner", entries[0].Message)
	assert.Equal(t, "called provider.type=jira", entries[1].Message)
}

func TestFormatEntries(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	out := FormatEntries([]Entry{
		{Time: ts, Level: slog.LevelInfo, Message: "a"},
		{Time: ts, Level: slog.LevelError, Message: "b"},
	})
	assert.Equal(t, "2026-03-01T12:00:00Z INFO a\n2026-03-01T12:00:00Z ERROR b\n", out)
}
