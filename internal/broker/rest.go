package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultTimeout = 7 * time.Second

// restClient is the shared JSON-over-HTTP plumbing used by every adapter.
// Route tables, headers, and auth semantics stay in the adapter; this only
// handles the request cycle and classifies transport-level failures as
// TransientError.
type restClient struct {
	base  string
	http  *http.Client
	debug bool
}

func newRestClient(base string, timeout time.Duration) *restClient {
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return &restClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

// doJSON performs one request and decodes a JSON object response.
// Returns the decoded body (nil if not a JSON object), the raw bytes, and
// the HTTP status. Network errors, timeouts, HTTP 429 and 5xx come back as
// TransientError; 4xx interpretation is the caller's job.
func (c *restClient) doJSON(ctx context.Context, method, path string, headers http.Header, params url.Values, body any) (map[string]any, []byte, int, error) {
	reqURL := c.base + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, nil, 0, fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, rd)
	if err != nil {
		return nil, nil, 0, err
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("Content-Type") == "" && body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}

	if c.debug {
		log.Printf("[broker] %s %s", method, reqURL)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, 0, &TransientError{Cause: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, resp.StatusCode, &TransientError{Cause: err}
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, raw, resp.StatusCode, &TransientError{
			Cause: fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode),
		}
	}

	var out map[string]any
	if len(raw) > 0 && json.Valid(raw) {
		// Non-object JSON (arrays) stays nil; callers use raw.
		_ = json.Unmarshal(raw, &out)
	}
	return out, raw, resp.StatusCode, nil
}

// doForm performs one form-encoded request (Kite-style APIs) and decodes a
// JSON object response. Same failure classification as doJSON.
func (c *restClient) doForm(ctx context.Context, method, path string, headers http.Header, form url.Values) (map[string]any, []byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, nil, 0, err
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, 0, &TransientError{Cause: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, resp.StatusCode, &TransientError{Cause: err}
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, raw, resp.StatusCode, &TransientError{
			Cause: fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode),
		}
	}

	var out map[string]any
	if len(raw) > 0 && json.Valid(raw) {
		_ = json.Unmarshal(raw, &out)
	}
	return out, raw, resp.StatusCode, nil
}

// fetchRaw performs a plain GET for bulk downloads (instrument masters).
// Same transient classification as doJSON.
func (c *restClient) fetchRaw(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransientError{Cause: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, &TransientError{Cause: err}
		}
		return nil, err
	}
	return io.ReadAll(resp.Body)
}

// jsonStr picks a string field out of a decoded JSON object.
func jsonStr(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// jsonObj picks a nested object field out of a decoded JSON object.
func jsonObj(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	o, _ := m[key].(map[string]any)
	return o
}

// jsonNum picks a numeric field, accepting float64 or string encodings.
func jsonNum(m map[string]any, key string) float64 {
	if m == nil {
		return 0
	}
	switch v := m[key].(type) {
	case float64:
		return v
	case string:
		var f float64
		fmt.Sscanf(v, "%f", &f)
		return f
	}
	return 0
}
