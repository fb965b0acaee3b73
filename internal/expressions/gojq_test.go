package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/rendis/stepflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGoJQEngine(t *testing.T) {
	e := NewGoJQEngine()
	assert.NotNil(t, e)
	assert.Equal(t, "jq", e.Name())
}

func TestGoJQ_SelectField(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), ".name", map[string]any{"name": "stepflow"})
	require.NoError(t, err)
	assert.Equal(t, "stepflow", out)
}

func TestGoJQ_NullResult(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), ".missing", map[string]any{"name": "stepflow"})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGoJQ_ApplyToList(t *testing.T) {
	e := NewGoJQEngine()
	issues := []any{
		map[string]any{"key": "A-1", "status": "open"},
		map[string]any{"key": "A-2", "status": "done"},
		map[string]any{"key": "A-3", "status": "open"},
	}

	out, err := e.Apply(context.Background(), `[.[] | select(.status == "open") | .key]`, issues)
	require.NoError(t, err)
	assert.Equal(t, []any{"A-1", "A-3"}, out)

	out, err = e.Apply(context.Background(), `length`, issues)
	require.NoError(t, err)
	assert.Equal(t, 3, out)
}

func TestGoJQ_MultipleOutputs(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Apply(context.Background(), `.[]`, []any{1.0, 2.0})
	require.NoError(t, err)
	assert.Equal(t, []any{1.0, 2.0}, out)

	out, err = e.Apply(context.Background(), `empty`, nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGoJQ_NormalizesGoTypes(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Apply(context.Background(), `.count + 1`, map[string]any{"count": int64(5)})
	require.NoError(t, err)
	assert.Equal(t, 6.0, out)

	type issue struct {
		Key string `json:"key"`
	}
	out, err = e.Apply(context.Background(), `.[0].key`, []issue{{Key: "A-9"}})
	require.NoError(t, err)
	assert.Equal(t, "A-9", out)
}

func TestGoJQ_Errors(t *testing.T) {
	e := NewGoJQEngine()
	ctx := context.Background()

	_, err := e.Apply(ctx, "", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeRender, schema.CodeOf(err))

	_, err = e.Apply(ctx, ".[[[", nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeRender, schema.CodeOf(err))

	_, err = e.Apply(ctx, `.a + 1`, map[string]any{"a": "text"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jq evaluation failed")
}

func TestGoJQ_Sandbox_NoEnvAccess(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Apply(context.Background(), `$ENV.HOME`, nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGoJQ_Caching(t *testing.T) {
	e := NewGoJQEngine()
	data := map[string]any{"x": 1.0}

	for range 3 {
		_, err := e.Evaluate(context.Background(), `.x`, data)
		require.NoError(t, err)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	assert.Len(t, e.cache, 1)
}

func TestGoJQ_Concurrent(t *testing.T) {
	e := NewGoJQEngine()

	var wg sync.WaitGroup
	errs := make([]error, 100)
	results := make([]any, 100)

	for i := range 100 {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx], errs[idx] = e.Apply(context.Background(), `.val + 1`, map[string]any{"val": idx})
		}(i)
	}
	wg.Wait()

	for i := range 100 {
		assert.NoError(t, errs[i], "goroutine %d", i)
		assert.Equal(t, float64(i)+1, results[i], "goroutine %d", i)
	}
}
