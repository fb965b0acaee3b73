package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/rendis/stepflow/internal/secrets"
	"github.com/rendis/stepflow/pkg/schema"
)

// MissingPolicy decides what an unresolvable path renders to.
type MissingPolicy int

const (
	// MissingError fails the render with RENDER_ERROR.
	MissingError MissingPolicy = iota
	// MissingNull renders nil for a whole-template token, "" inside text and
	// nil inside a gate.
	MissingNull
)

// ParseMissingPolicy maps a configuration value to a MissingPolicy.
func ParseMissingPolicy(s string) (MissingPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "error":
		return MissingError, nil
	case "null":
		return MissingNull, nil
	default:
		return MissingError, schema.NewErrorf(schema.ErrCodeConfig,
			"unknown missing-path policy %q (want error or null)", s)
	}
}

const (
	tokenOpen  = "{{"
	tokenClose = "}}"
	jqPrefix   = "jq:"
)

var validPath = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_\-]*(\.[A-Za-z0-9_\-]+|\[[0-9]+\])*$`)

// Renderer resolves `{{ path }}` tokens against an ExecutionContext.
// A token may pipe its value through a jq program: `{{ path | jq: .items | length }}`.
type Renderer struct {
	vault   secrets.Vault
	jq      *GoJQEngine
	gate    *GateEvaluator
	missing MissingPolicy
}

// RendererOption configures a Renderer.
type RendererOption func(*Renderer)

// WithVault enables the secrets namespace.
func WithVault(v secrets.Vault) RendererOption {
	return func(r *Renderer) { r.vault = v }
}

// WithMissingPolicy sets the unresolvable-path policy.
func WithMissingPolicy(p MissingPolicy) RendererOption {
	return func(r *Renderer) { r.missing = p }
}

// NewRenderer creates a Renderer. The default missing policy is MissingError.
func NewRenderer(opts ...RendererOption) *Renderer {
	r := &Renderer{
		jq:   NewGoJQEngine(),
		gate: NewGateEvaluator(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// token is one `{{ ... }}` occurrence inside a template.
type token struct {
	start, end int // byte offsets of "{{" and one past "}}"
	path       string
	filter     string
}

// scan locates every token in tpl.
func scan(tpl string) ([]token, error) {
	var tokens []token
	i := 0
	for {
		idx := strings.Index(tpl[i:], tokenOpen)
		if idx == -1 {
			return tokens, nil
		}
		start := i + idx
		inner := start + len(tokenOpen)

		end := strings.Index(tpl[inner:], tokenClose)
		if end == -1 {
			return nil, schema.NewErrorf(schema.ErrCodeRender, "unclosed {{ in template %q", tpl).
				WithDetails(map[string]any{"template": tpl})
		}
		end += inner

		body := tpl[inner:end]
		if strings.Contains(body, tokenOpen) {
			return nil, schema.NewErrorf(schema.ErrCodeRender, "nested {{ in template %q", tpl).
				WithDetails(map[string]any{"template": tpl})
		}

		tok, err := parseToken(body, tpl)
		if err != nil {
			return nil, err
		}
		tok.start = start
		tok.end = end + len(tokenClose)
		tokens = append(tokens, tok)
		i = tok.end
	}
}

func parseToken(body, tpl string) (token, error) {
	path, filter, hasFilter := strings.Cut(body, "|")
	path = strings.TrimSpace(path)
	if path == "" {
		return token{}, schema.NewErrorf(schema.ErrCodeRender, "empty reference in template %q", tpl).
			WithDetails(map[string]any{"template": tpl})
	}
	if !validPath.MatchString(path) {
		return token{}, schema.NewErrorf(schema.ErrCodeRender, "invalid reference %q in template %q", path, tpl).
			WithDetails(map[string]any{"template": tpl, "path": path})
	}

	tok := token{path: path}
	if hasFilter {
		filter = strings.TrimSpace(filter)
		if !strings.HasPrefix(filter, jqPrefix) {
			return token{}, schema.NewErrorf(schema.ErrCodeRender, "unsupported filter %q in template %q", filter, tpl).
				WithDetails(map[string]any{"template": tpl})
		}
		tok.filter = strings.TrimSpace(strings.TrimPrefix(filter, jqPrefix))
		if tok.filter == "" {
			return token{}, schema.NewErrorf(schema.ErrCodeRender, "empty jq program in template %q", tpl).
				WithDetails(map[string]any{"template": tpl})
		}
	}
	return tok, nil
}

// Render resolves a template string. Text without tokens is returned as-is.
// A template that is exactly one token returns the typed value; otherwise every
// token is replaced by its string form.
func (r *Renderer) Render(ctx context.Context, tpl string, ec *ExecutionContext, scope *ForeachScope) (any, error) {
	tokens, err := scan(tpl)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return tpl, nil
	}

	if len(tokens) == 1 && tokens[0].start == 0 && tokens[0].end == len(tpl) {
		val, _, err := r.resolve(ctx, tokens[0], ec, scope)
		return val, err
	}

	var sb strings.Builder
	last := 0
	for _, tok := range tokens {
		sb.WriteString(tpl[last:tok.start])
		val, _, err := r.resolve(ctx, tok, ec, scope)
		if err != nil {
			return nil, err
		}
		sb.WriteString(stringify(val))
		last = tok.end
	}
	sb.WriteString(tpl[last:])
	return sb.String(), nil
}

// RenderValue renders strings and recurses into maps and slices. Other values
// pass through unchanged.
func (r *Renderer) RenderValue(ctx context.Context, v any, ec *ExecutionContext, scope *ForeachScope) (any, error) {
	switch val := v.(type) {
	case string:
		return r.Render(ctx, val, ec, scope)
	case map[string]any:
		return r.RenderMapping(ctx, val, ec, scope)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			rendered, err := r.RenderValue(ctx, item, ec, scope)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return v, nil
	}
}

// RenderMapping renders every value of m recursively. Keys are not rendered.
func (r *Renderer) RenderMapping(ctx context.Context, m map[string]any, ec *ExecutionContext, scope *ForeachScope) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		rendered, err := r.RenderValue(ctx, v, ec, scope)
		if err != nil {
			return nil, err
		}
		out[k] = rendered
	}
	return out, nil
}

// RenderGate interpolates expression with every value emitted as a literal and
// evaluates the result. The rendered text is returned for logging.
func (r *Renderer) RenderGate(ctx context.Context, expression string, ec *ExecutionContext, scope *ForeachScope) (bool, string, error) {
	tokens, err := scan(expression)
	if err != nil {
		return false, "", err
	}

	var sb strings.Builder
	last := 0
	for _, tok := range tokens {
		sb.WriteString(expression[last:tok.start])
		val, _, err := r.resolve(ctx, tok, ec, scope)
		if err != nil {
			return false, "", err
		}
		sb.WriteString(literal(val))
		last = tok.end
	}
	sb.WriteString(expression[last:])
	rendered := strings.TrimSpace(sb.String())

	if rendered == "" {
		return false, rendered, schema.NewError(schema.ErrCodeRender, "empty gate expression")
	}
	ok, err := r.gate.Evaluate(rendered)
	return ok, rendered, err
}

// resolve returns the value of one token. found is false only when the path
// was missing and the null policy replaced it.
func (r *Renderer) resolve(ctx context.Context, tok token, ec *ExecutionContext, scope *ForeachScope) (any, bool, error) {
	var (
		val   any
		found bool
		err   error
	)
	if key, ok := strings.CutPrefix(tok.path, "secrets."); ok {
		val, found, err = r.secret(ctx, key)
	} else {
		val, found, err = ec.resolve(tok.path, scope)
	}
	if err != nil {
		return nil, false, err
	}
	if !found {
		if r.missing == MissingError {
			return nil, false, r.missingErr(tok.path, ec, scope)
		}
		val = nil
	}

	if tok.filter != "" {
		val, err = r.jq.Apply(ctx, tok.filter, val)
		if err != nil {
			return nil, false, err
		}
	}
	return val, found, nil
}

func (r *Renderer) secret(ctx context.Context, key string) (any, bool, error) {
	if r.vault == nil {
		return nil, false, schema.NewErrorf(schema.ErrCodeRender,
			"cannot resolve secret %q: no vault configured", key)
	}
	val, err := r.vault.Resolve(ctx, key)
	if err != nil {
		if schema.HasCode(err, schema.ErrCodeNotFound) {
			return nil, false, nil
		}
		return nil, false, schema.NewErrorf(schema.ErrCodeRender,
			"failed to resolve secret %q: %s", key, err.Error()).WithCause(err)
	}
	return string(val), true, nil
}

func (r *Renderer) missingErr(path string, ec *ExecutionContext, scope *ForeachScope) error {
	available := mapKeys(ec.Data(scope))
	return schema.NewErrorf(schema.ErrCodeRender,
		"%q not found; available: [%s]", path, strings.Join(available, ", ")).
		WithDetails(map[string]any{"path": path, "available": available})
}

// stringify is the form a value takes when embedded in text.
func stringify(val any) string {
	switch v := val.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.RawMessage:
		return string(v)
	case map[string]any, []any:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// literal is the form a value takes inside a gate expression.
func literal(val any) string {
	switch v := val.(type) {
	case nil:
		return "nil"
	case string:
		return strconv.Quote(v)
	case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%v", v)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 32)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return strconv.Quote(fmt.Sprintf("%v", v))
		}
		return string(b)
	}
}
