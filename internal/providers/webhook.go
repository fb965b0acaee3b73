package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/rendis/stepflow/pkg/schema"
)

const webhookAuthSchema = `{
  "type": "object",
  "properties": {
    "bearer_token": {"type": "string"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}}
  },
  "additionalProperties": false
}`

var webhookInfo = Info{
	Type:        "webhook",
	Description: "Calls an HTTP endpoint: POST on notify, GET on query.",
	AuthSchema:  json.RawMessage(webhookAuthSchema),
	Operations:  []Operation{OpQuery, OpNotify},
}

// Webhook calls arbitrary HTTP endpoints. Both operations are async and go
// through the dispatch pool.
type Webhook struct {
	Base
	client *http.Client

	mu         sync.Mutex
	lastStatus int
}

func newWebhook(cfg Config, deps Deps) (Provider, error) {
	return &Webhook{
		Base:   NewBase(webhookInfo.Type, cfg, deps.Logger),
		client: httpClient(deps),
	}, nil
}

func (w *Webhook) Dispatch(Operation) DispatchMode { return Async }

// Query performs GET url and returns the decoded body.
func (w *Webhook) Query(ctx context.Context, params map[string]any) (any, error) {
	body, err := w.do(ctx, http.MethodGet, params, false)
	if err != nil {
		return nil, err
	}
	return body, nil
}

// Notify sends body to url, POST unless method says otherwise.
func (w *Webhook) Notify(ctx context.Context, params map[string]any) error {
	method := strings.ToUpper(stringParam(params, "method", http.MethodPost))
	_, err := w.do(ctx, method, params, true)
	return err
}

// Expose reports the status code of the last call.
func (w *Webhook) Expose() map[string]any {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lastStatus == 0 {
		return nil
	}
	return map[string]any{"status_code": w.lastStatus}
}

func (w *Webhook) do(ctx context.Context, method string, params map[string]any, withBody bool) (any, error) {
	rawURL, err := requiredString(params, "webhook", "url")
	if err != nil {
		return nil, err
	}
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "webhook: invalid url %q", rawURL)
	}

	var reader *bytes.Reader
	if raw, ok := params["body"]; ok && withBody && raw != nil {
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeRender, "webhook: failed to marshal body as JSON").WithCause(err)
		}
		reader = bytes.NewReader(b)
	}

	var req *http.Request
	if reader != nil {
		req, err = http.NewRequestWithContext(ctx, method, rawURL, reader)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, rawURL, nil)
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "webhook: failed to create request").WithCause(err)
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range mapParam(w.Auth, "headers") {
		req.Header.Set(k, fmt.Sprintf("%v", v))
	}
	for k, v := range mapParam(params, "headers") {
		req.Header.Set(k, fmt.Sprintf("%v", v))
	}
	if token := stringParam(w.Auth, "bearer_token", ""); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeProviderFailure, "webhook: request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	w.mu.Lock()
	w.lastStatus = resp.StatusCode
	w.mu.Unlock()

	body, text, err := decodeBody(resp)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeProviderFailure, "webhook: failed to read response body").WithCause(err)
	}
	if resp.StatusCode >= 400 {
		return nil, statusError("webhook", resp, text)
	}
	return body, nil
}
