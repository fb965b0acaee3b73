package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/rendis/stepflow/pkg/schema"
)

const jiraAuthSchema = `{
  "type": "object",
  "properties": {
    "api_token": {"type": "string", "minLength": 1}
  },
  "required": ["api_token"]
}`

var jiraInfo = Info{
	Type:        "jira",
	Description: "Counts the issues of a Jira board.",
	AuthSchema:  json.RawMessage(jiraAuthSchema),
	Operations:  []Operation{OpQuery},
}

// Jira queries the Jira agile API.
type Jira struct {
	Base
	client *http.Client
}

func newJira(cfg Config, deps Deps) (Provider, error) {
	return &Jira{
		Base:   NewBase(jiraInfo.Type, cfg, deps.Logger),
		client: httpClient(deps),
	}, nil
}

func (j *Jira) ValidateConfig() error {
	if stringParam(j.Auth, "api_token", "") == "" {
		return schema.NewErrorf(schema.ErrCodeConfig, "jira %q: api_token is required", j.ID())
	}
	return nil
}

// Query fetches the issues of board_id on host, authenticating as email.
// It returns {"number_of_issues": total}.
func (j *Jira) Query(ctx context.Context, params map[string]any) (any, error) {
	host, err := requiredString(params, "jira", "host")
	if err != nil {
		return nil, err
	}
	boardID, err := requiredString(params, "jira", "board_id")
	if err != nil {
		return nil, err
	}
	email := stringParam(params, "email", "")

	reqURL := fmt.Sprintf("https://%s/rest/agile/1.0/board/%s/issue", host, url.PathEscape(boardID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "jira: invalid request url %q", reqURL).WithCause(err)
	}
	req.SetBasicAuth(email, stringParam(j.Auth, "api_token", ""))
	req.Header.Set("Accept", "application/json")

	j.Logger.DebugContext(ctx, "fetching data from jira", "host", host, "board_id", boardID)
	resp, err := j.client.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeProviderFailure, "jira: request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	body, text, err := decodeBody(resp)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeProviderFailure, "jira: failed to read response body").WithCause(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError("jira", resp, text)
	}

	page, ok := body.(map[string]any)
	if !ok {
		return nil, schema.NewError(schema.ErrCodeProviderFailure, "jira: response is not a JSON object")
	}
	total, ok := page["total"]
	if !ok {
		return nil, schema.NewError(schema.ErrCodeProviderFailure, "jira: response has no 'total'")
	}
	j.Logger.DebugContext(ctx, "fetched data from jira", "total", total)
	return map[string]any{"number_of_issues": total}, nil
}
