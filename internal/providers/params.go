package providers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

// Param helpers used by all provider files.

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	switch s := v.(type) {
	case string:
		return s
	case int, int64, float64, json.Number:
		return fmt.Sprintf("%v", s)
	default:
		return defaultVal
	}
}

func requiredString(m map[string]any, providerType, key string) (string, error) {
	s := stringParam(m, key, "")
	if s == "" {
		return "", schema.NewErrorf(schema.ErrCodeConfig, "%s: missing required param '%s'", providerType, key)
	}
	return s, nil
}

func mapParam(m map[string]any, key string) map[string]any {
	v, ok := m[key].(map[string]any)
	if !ok {
		return nil
	}
	return v
}

func httpClient(deps Deps) *http.Client {
	if deps.HTTPClient != nil {
		return deps.HTTPClient
	}
	return &http.Client{Timeout: defaultHTTPTimeout}
}

// decodeBody reads a size-limited response body. JSON content is decoded,
// anything else is returned as a string.
func decodeBody(resp *http.Response) (any, string, error) {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, defaultMaxResponseBody))
	if err != nil {
		return nil, "", err
	}
	if len(raw) == 0 {
		return nil, "", nil
	}
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		var body any
		if err := json.Unmarshal(raw, &body); err == nil {
			return body, string(raw), nil
		}
	}
	return string(raw), string(raw), nil
}

// statusError classifies a non-2xx response as a provider failure.
func statusError(providerType string, resp *http.Response, text string) error {
	if len(text) > 512 {
		text = text[:512]
	}
	return schema.NewErrorf(schema.ErrCodeProviderFailure, "%s: server returned %d", providerType, resp.StatusCode).
		WithDetails(map[string]any{"status_code": resp.StatusCode, "body": text})
}
