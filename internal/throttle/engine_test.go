package throttle

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
}

var notify = Key{WorkflowID: "wf-1", Action: "notify"}

func windowCfg(maxCalls, window any) *schema.ThrottleConfig {
	return &schema.ThrottleConfig{Type: "fixed_window", With: map[string]any{"max": maxCalls, "window": window}}
}

func TestIsThrottled_NoPolicy(t *testing.T) {
	e := NewEngine()
	for range 3 {
		throttled, err := e.IsThrottled(notify, "run-1", nil)
		require.NoError(t, err)
		assert.False(t, throttled)
	}
}

func TestFixedWindow_SecondCallInWindowIsThrottled(t *testing.T) {
	clock := newClock()
	e := NewEngine(WithClock(clock.Now))
	cfg := windowCfg(1, "1h")

	throttled, err := e.IsThrottled(notify, "run-1", cfg)
	require.NoError(t, err)
	assert.False(t, throttled)

	clock.Advance(10 * time.Minute)
	throttled, err = e.IsThrottled(notify, "run-2", cfg)
	require.NoError(t, err)
	assert.True(t, throttled)

	clock.Advance(time.Hour)
	throttled, err = e.IsThrottled(notify, "run-3", cfg)
	require.NoError(t, err)
	assert.False(t, throttled, "window elapsed")
}

func TestFixedWindow_MaxAndNumericWindow(t *testing.T) {
	clock := newClock()
	e := NewEngine(WithClock(clock.Now))
	cfg := windowCfg(3, 60)

	var got []bool
	for range 4 {
		throttled, err := e.IsThrottled(notify, "run", cfg)
		require.NoError(t, err)
		got = append(got, throttled)
	}
	assert.Equal(t, []bool{false, false, false, true}, got)

	clock.Advance(61 * time.Second)
	throttled, err := e.IsThrottled(notify, "run", cfg)
	require.NoError(t, err)
	assert.False(t, throttled)
}

func TestFixedWindow_InstancesAreKeyed(t *testing.T) {
	e := NewEngine(WithClock(newClock().Now))

	_, err := e.IsThrottled(notify, "r", windowCfg(1, "1h"))
	require.NoError(t, err)

	// different action, same config
	throttled, err := e.IsThrottled(Key{WorkflowID: "wf-1", Action: "page"}, "r", windowCfg(1, "1h"))
	require.NoError(t, err)
	assert.False(t, throttled)

	// same action, different config
	throttled, err = e.IsThrottled(notify, "r", windowCfg(2, "1h"))
	require.NoError(t, err)
	assert.False(t, throttled)

	// same action, equal config built as a new map
	throttled, err = e.IsThrottled(notify, "r", windowCfg(1, "1h"))
	require.NoError(t, err)
	assert.True(t, throttled)

	stats := e.Stats()
	require.Len(t, stats, 3)
	assert.Equal(t, "notify", stats[0]["action"])
	assert.Equal(t, "notify", stats[1]["action"])
	assert.Equal(t, "page", stats[2]["action"])
	assert.Equal(t, "wf-1", stats[2]["workflow_id"])
}

func TestFixedWindow_WorkflowsDoNotShareState(t *testing.T) {
	e := NewEngine(WithClock(newClock().Now))
	cfg := windowCfg(1, "1h")

	throttled, err := e.IsThrottled(Key{WorkflowID: "wf-a", Action: "notify"}, "exec-a", cfg)
	require.NoError(t, err)
	assert.False(t, throttled)

	throttled, err = e.IsThrottled(Key{WorkflowID: "wf-b", Action: "notify"}, "exec-b", cfg)
	require.NoError(t, err)
	assert.False(t, throttled, "same step name in another workflow has its own window")

	throttled, err = e.IsThrottled(Key{WorkflowID: "wf-a", Action: "notify"}, "exec-c", cfg)
	require.NoError(t, err)
	assert.True(t, throttled)
}

func TestRate_TokenBucket(t *testing.T) {
	clock := newClock()
	e := NewEngine(WithClock(clock.Now))
	cfg := &schema.ThrottleConfig{Type: "rate", With: map[string]any{"limit": 2, "per": "1m", "burst": 2}}

	var got []bool
	for range 3 {
		throttled, err := e.IsThrottled(notify, "run", cfg)
		require.NoError(t, err)
		got = append(got, throttled)
	}
	assert.Equal(t, []bool{false, false, true}, got, "burst of two, then empty")

	// one token every 30s
	clock.Advance(31 * time.Second)
	throttled, err := e.IsThrottled(notify, "run", cfg)
	require.NoError(t, err)
	assert.False(t, throttled)

	throttled, err = e.IsThrottled(notify, "run", cfg)
	require.NoError(t, err)
	assert.True(t, throttled)

	stats := e.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, "rate", stats[0]["type"])
	assert.Equal(t, 2, stats[0]["burst"])
}

func TestRate_DefaultsToOneToken(t *testing.T) {
	clock := newClock()
	e := NewEngine(WithClock(clock.Now))
	cfg := &schema.ThrottleConfig{Type: "rate", With: map[string]any{"per": 3600}}

	throttled, err := e.IsThrottled(notify, "run", cfg)
	require.NoError(t, err)
	assert.False(t, throttled)

	clock.Advance(59 * time.Minute)
	throttled, err = e.IsThrottled(notify, "run", cfg)
	require.NoError(t, err)
	assert.True(t, throttled)

	clock.Advance(2 * time.Minute)
	throttled, err = e.IsThrottled(notify, "run", cfg)
	require.NoError(t, err)
	assert.False(t, throttled)
}

func TestOnePerRun(t *testing.T) {
	e := NewEngine()
	cfg := &schema.ThrottleConfig{Type: "one_per_run"}

	throttled, err := e.IsThrottled(notify, "run-1", cfg)
	require.NoError(t, err)
	assert.False(t, throttled)

	throttled, err = e.IsThrottled(notify, "run-1", cfg)
	require.NoError(t, err)
	assert.True(t, throttled)

	throttled, err = e.IsThrottled(notify, "run-2", cfg)
	require.NoError(t, err)
	assert.False(t, throttled)
}

func TestIsThrottled_ConfigErrors(t *testing.T) {
	e := NewEngine()

	tests := []struct {
		name string
		cfg  *schema.ThrottleConfig
	}{
		{"unknown type", &schema.ThrottleConfig{Type: "leaky_bucket"}},
		{"missing window", &schema.ThrottleConfig{Type: "fixed_window", With: map[string]any{"max": 1}}},
		{"bad window", windowCfg(1, "soon")},
		{"zero max", windowCfg(0, "1h")},
		{"fractional max", windowCfg(1.5, "1h")},
		{"rate without per", &schema.ThrottleConfig{Type: "rate", With: map[string]any{"limit": 5}}},
		{"rate zero burst", &schema.ThrottleConfig{Type: "rate", With: map[string]any{"per": "1m", "burst": 0}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.IsThrottled(notify, "run", tt.cfg)
			require.Error(t, err)
			assert.Equal(t, schema.ErrCodeConfig, schema.CodeOf(err))
		})
	}
}

func TestFixedWindow_ConcurrentCallsNeverExceedMax(t *testing.T) {
	e := NewEngine(WithClock(newClock().Now))
	cfg := windowCfg(10, "1h")

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			throttled, err := e.IsThrottled(notify, "run", cfg)
			if err == nil && !throttled {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), allowed.Load())
}
