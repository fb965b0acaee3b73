package throttle

import (
	"fmt"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/rendis/stepflow/pkg/schema"
)

// Kind is the closed set of throttle policies.
type Kind string

const (
	// KindFixedWindow allows at most `max` executions per `window`.
	KindFixedWindow Kind = "fixed_window"
	// KindOnePerRun allows one execution per run id.
	KindOnePerRun Kind = "one_per_run"
	// KindRate is a token bucket refilled with `limit` tokens every `per`,
	// holding at most `burst`.
	KindRate Kind = "rate"
)

// policy is one stateful throttle instance. check reports whether the call is
// throttled and records the execution when it is not. Callers serialize access.
type policy interface {
	check(runID string, now time.Time) bool
	stats(now time.Time) map[string]any
}

type factory func(with map[string]any) (policy, error)

var factories = map[Kind]factory{
	KindFixedWindow: newFixedWindow,
	KindOnePerRun:   newOnePerRun,
	KindRate:        newTokenBucket,
}

// --- fixed_window ---

type fixedWindow struct {
	max         int
	window      time.Duration
	windowStart time.Time
	count       int
}

func newFixedWindow(with map[string]any) (policy, error) {
	maxCalls := 1
	if raw, ok := with["max"]; ok {
		n, err := toInt(raw)
		if err != nil || n < 1 {
			return nil, schema.NewErrorf(schema.ErrCodeConfig, "fixed_window: max must be a positive integer, got %v", raw)
		}
		maxCalls = n
	}

	raw, ok := with["window"]
	if !ok {
		return nil, schema.NewError(schema.ErrCodeConfig, "fixed_window: window is required")
	}
	window, err := toDuration(raw)
	if err != nil || window <= 0 {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "fixed_window: invalid window %v", raw)
	}
	return &fixedWindow{max: maxCalls, window: window}, nil
}

func (f *fixedWindow) check(_ string, now time.Time) bool {
	if f.windowStart.IsZero() || now.Sub(f.windowStart) >= f.window {
		f.windowStart = now
		f.count = 0
	}
	if f.count >= f.max {
		return true
	}
	f.count++
	return false
}

func (f *fixedWindow) stats(time.Time) map[string]any {
	return map[string]any{
		"type":         string(KindFixedWindow),
		"max":          f.max,
		"window":       f.window.String(),
		"count":        f.count,
		"window_start": f.windowStart,
	}
}

// --- one_per_run ---

type onePerRun struct {
	seen map[string]struct{}
}

func newOnePerRun(map[string]any) (policy, error) {
	return &onePerRun{seen: make(map[string]struct{})}, nil
}

func (o *onePerRun) check(runID string, _ time.Time) bool {
	if _, ok := o.seen[runID]; ok {
		return true
	}
	o.seen[runID] = struct{}{}
	return false
}

func (o *onePerRun) stats(time.Time) map[string]any {
	return map[string]any{"type": string(KindOnePerRun), "runs": len(o.seen)}
}

// --- rate ---

type tokenBucket struct {
	limiter *rate.Limiter
	limit   int
	per     time.Duration
}

func newTokenBucket(with map[string]any) (policy, error) {
	limit := 1
	if raw, ok := with["limit"]; ok {
		n, err := toInt(raw)
		if err != nil || n < 1 {
			return nil, schema.NewErrorf(schema.ErrCodeConfig, "rate: limit must be a positive integer, got %v", raw)
		}
		limit = n
	}

	raw, ok := with["per"]
	if !ok {
		return nil, schema.NewError(schema.ErrCodeConfig, "rate: per is required")
	}
	per, err := toDuration(raw)
	if err != nil || per <= 0 {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "rate: invalid per %v", raw)
	}

	burst := 1
	if raw, ok := with["burst"]; ok {
		n, err := toInt(raw)
		if err != nil || n < 1 {
			return nil, schema.NewErrorf(schema.ErrCodeConfig, "rate: burst must be a positive integer, got %v", raw)
		}
		burst = n
	}

	return &tokenBucket{
		limiter: rate.NewLimiter(rate.Every(per/time.Duration(limit)), burst),
		limit:   limit,
		per:     per,
	}, nil
}

func (b *tokenBucket) check(_ string, now time.Time) bool {
	return !b.limiter.AllowN(now, 1)
}

func (b *tokenBucket) stats(now time.Time) map[string]any {
	return map[string]any{
		"type":   string(KindRate),
		"limit":  b.limit,
		"per":    b.per.String(),
		"burst":  b.limiter.Burst(),
		"tokens": b.limiter.TokensAt(now),
	}
}

// --- helpers ---

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("%v is not an integer", n)
		}
		return int(n), nil
	case string:
		return strconv.Atoi(n)
	}
	return 0, fmt.Errorf("unsupported type %T", v)
}

// toDuration accepts Go duration strings ("90s", "1h") or a number of seconds.
func toDuration(v any) (time.Duration, error) {
	if s, ok := v.(string); ok {
		if d, err := time.ParseDuration(s); err == nil {
			return d, nil
		}
	}
	secs, err := toInt(v)
	if err != nil {
		return 0, err
	}
	return time.Duration(secs) * time.Second, nil
}
