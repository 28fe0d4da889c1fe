package skill

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/stepwise-ai/stepwise/engine/guard"
)

// HTTPSkill performs HTTP requests on behalf of a step.
//
// Inside a guarded run the skill consults the active guard before
// dialing; blocked targets fail with the guard's error and land in the
// violation ledger. Unguarded runs call out freely.
//
// Inputs:
//   - url: target URL (required)
//   - method: "GET" or "POST" (default "GET")
//   - headers: optional map of header values
//   - body: optional request body for POST
//
// Output:
//   - status_code: response status
//   - body: response body as string
type HTTPSkill struct {
	client *http.Client
}

// NewHTTPSkill creates the "http_request" skill with a default client.
func NewHTTPSkill() *HTTPSkill {
	return &HTTPSkill{client: &http.Client{}}
}

// Name returns "http_request".
func (h *HTTPSkill) Name() string { return "http_request" }

// Invoke executes the request described by the inputs.
func (h *HTTPSkill) Invoke(ctx context.Context, inv Invocation) (Result, error) {
	urlStr, ok := inv.Inputs["url"].(string)
	if !ok || urlStr == "" {
		return Result{}, Errorf("invalid_input", "url parameter required")
	}

	if g := guard.From(ctx); g != nil {
		if err := g.Check(guard.CallNetwork, urlStr); err != nil {
			return Result{}, err
		}
	}

	method := http.MethodGet
	if m, ok := inv.Inputs["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}
	if method != http.MethodGet && method != http.MethodPost {
		return Result{}, Errorf("invalid_input", "unsupported HTTP method %s", method)
	}

	var body io.Reader
	if bodyStr, ok := inv.Inputs["body"].(string); ok && bodyStr != "" {
		body = bytes.NewBufferString(bodyStr)
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, body)
	if err != nil {
		return Result{}, Errorf("invalid_input", "failed to build request: %v", err)
	}
	if headers, ok := inv.Inputs["headers"].(map[string]any); ok {
		for key, value := range headers {
			if valueStr, ok := value.(string); ok {
				req.Header.Set(key, valueStr)
			}
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return Result{}, RetryableErrorf("upstream_unavailable", "request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, RetryableErrorf("upstream_unavailable", "failed to read response: %v", err)
	}
	if resp.StatusCode >= 500 {
		return Result{}, RetryableErrorf("upstream_unavailable", "server returned %d", resp.StatusCode)
	}

	return Result{Output: map[string]any{
		"status_code": resp.StatusCode,
		"body":        string(respBody),
	}}, nil
}
