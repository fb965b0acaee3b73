package logging

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
)

// Entry is one captured log line of an execution.
type Entry struct {
	Time    time.Time
	Level   slog.Level
	Message string
}

// collectorState is shared by every handler derived from one Collector.
type collectorState struct {
	mu      sync.Mutex
	entries map[string][]Entry // execution ID -> captured lines
}

// Collector is an slog.Handler that forwards every record to inner and, for
// executions opened with Begin, also keeps a copy keyed by the execution ID
// found on the record's context. The runner persists those copies as the
// execution's log rows.
type Collector struct {
	inner  slog.Handler
	attrs  []slog.Attr
	prefix string
	state  *collectorState
}

// NewCollector wraps inner.
func NewCollector(inner slog.Handler) *Collector {
	return &Collector{
		inner: inner,
		state: &collectorState{entries: make(map[string][]Entry)},
	}
}

// Begin starts capturing records for executionID.
func (c *Collector) Begin(executionID string) {
	c.state.mu.Lock()
	defer c.state.mu.Unlock()
	if _, ok := c.state.entries[executionID]; !ok {
		c.state.entries[executionID] = []Entry{}
	}
}

// Drain stops capturing for executionID and returns what was captured.
func (c *Collector) Drain(executionID string) []Entry {
	c.state.mu.Lock()
	defer c.state.mu.Unlock()
	entries := c.state.entries[executionID]
	delete(c.state.entries, executionID)
	return entries
}

func (c *Collector) Enabled(ctx context.Context, level slog.Level) bool {
	return c.inner.Enabled(ctx, level)
}

func (c *Collector) Handle(ctx context.Context, r slog.Record) error {
	if id := ExecutionID(ctx); id != "" {
		c.capture(id, r)
	}
	return c.inner.Handle(ctx, r)
}

func (c *Collector) capture(executionID string, r slog.Record) {
	c.state.mu.Lock()
	defer c.state.mu.Unlock()

	entries, ok := c.state.entries[executionID]
	if !ok {
		return
	}
	c.state.entries[executionID] = append(entries, Entry{
		Time:    r.Time,
		Level:   r.Level,
		Message: c.format(r),
	})
}

// format renders "message key=value ..." with handler attrs first.
func (c *Collector) format(r slog.Record) string {
	var sb strings.Builder
	sb.WriteString(r.Message)
	write := func(a slog.Attr) bool {
		if a.Equal(slog.Attr{}) {
			return true
		}
		fmt.Fprintf(&sb, " %s%s=%v", c.prefix, a.Key, a.Value.Resolve())
		return true
	}
	for _, a := range c.attrs {
		fmt.Fprintf(&sb, " %s=%v", a.Key, a.Value.Resolve())
	}
	r.Attrs(write)
	return sb.String()
}

func (c *Collector) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *c
	next.inner = c.inner.WithAttrs(attrs)
	next.attrs = slices.Clone(c.attrs)
	for _, a := range attrs {
		next.attrs = append(next.attrs, slog.Attr{Key: c.prefix + a.Key, Value: a.Value})
	}
	return &next
}

func (c *Collector) WithGroup(name string) slog.Handler {
	next := *c
	next.inner = c.inner.WithGroup(name)
	next.prefix = c.prefix + name + "."
	return &next
}

// FormatEntries joins entries into the aggregated log text of an execution.
func FormatEntries(entries []Entry) string {
	var sb strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&sb, "%s %s %s\n", e.Time.UTC().Format(time.RFC3339Nano), e.Level, e.Message)
	}
	return sb.String()
}
