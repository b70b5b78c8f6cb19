package steps

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/roach88/stepflow/internal/expr"
	"github.com/roach88/stepflow/internal/workflow"
)

// maxResponseBytes bounds how much of a response body is kept as output.
const maxResponseBytes = 1 << 20

// Doer issues HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ExternalCall performs one HTTP request per attempt.
//
// Configuration:
//
//	url:           request URL (required)
//	method:        defaults to GET
//	headers:       map of header values
//	body:          JSON-encoded unless it is already a string
//	timeout:       per-attempt timeout
//	successStatus: extra status codes treated as success
//
// Transport errors, 429, and 5xx are transient; the engine retries them.
// Other non-success statuses fail the step permanently.
type ExternalCall struct {
	Client    Doer
	Telemetry workflow.Telemetry
}

// Type implements Handler.
func (h *ExternalCall) Type() workflow.StepType { return workflow.StepExternalCall }

// Execute implements Handler.
func (h *ExternalCall) Execute(ctx context.Context, req *Request) (*Result, error) {
	cfg := req.Config()
	target, err := requiredString(req.Step, cfg, "url")
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(target)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, workflow.NewValidationError(req.Step.ID, "invalid url %q", target)
	}
	method := strings.ToUpper(optionalString(cfg, "method"))
	if method == "" {
		method = http.MethodGet
	}
	timeout, err := optionalDuration(req.Step, cfg, "timeout")
	if err != nil {
		return nil, err
	}
	body, contentType, err := encodeBody(cfg["body"])
	if err != nil {
		return nil, workflow.NewValidationError(req.Step.ID, "body: %v", err)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, workflow.NewValidationError(req.Step.ID, "build request: %v", err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if headers, ok := cfg["headers"].(map[string]any); ok {
		for k, v := range headers {
			if v != nil {
				httpReq.Header.Set(k, expr.Stringify(v))
			}
		}
	}

	start := time.Now()
	resp, err := h.client().Do(httpReq)
	if err != nil {
		h.telemetry().ExternalCall(method, u.Host, 0, time.Since(start), err)
		return nil, workflow.NewExternalCallError(req.Step.ID, true, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	elapsed := time.Since(start)
	if err != nil {
		h.telemetry().ExternalCall(method, u.Host, resp.StatusCode, elapsed, err)
		return nil, workflow.NewExternalCallError(req.Step.ID, true, fmt.Errorf("read response: %w", err))
	}

	var callErr error
	if !isSuccess(resp.StatusCode, cfg["successStatus"]) {
		callErr = fmt.Errorf("%s %s returned %d", method, u.Redacted(), resp.StatusCode)
	}
	h.telemetry().ExternalCall(method, u.Host, resp.StatusCode, elapsed, callErr)
	if callErr != nil {
		transient := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return nil, workflow.NewExternalCallError(req.Step.ID, transient, callErr)
	}

	headers := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return &Result{
		Output: map[string]any{
			"status":      float64(resp.StatusCode),
			"headers":     headers,
			"body":        decodeBody(raw),
			"duration_ms": float64(elapsed.Milliseconds()),
		},
		Next: req.Step.Next,
	}, nil
}

func (h *ExternalCall) client() Doer {
	if h.Client != nil {
		return h.Client
	}
	return http.DefaultClient
}

func (h *ExternalCall) telemetry() workflow.Telemetry {
	if h.Telemetry != nil {
		return h.Telemetry
	}
	return workflow.NopTelemetry{}
}

func encodeBody(v any) (io.Reader, string, error) {
	switch b := v.(type) {
	case nil:
		return nil, "", nil
	case string:
		return strings.NewReader(b), "text/plain; charset=utf-8", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, "", err
	}
	return bytes.NewReader(data), "application/json", nil
}

// decodeBody returns parsed JSON when the body is JSON, otherwise text.
func decodeBody(raw []byte) any {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	var out any
	if err := json.Unmarshal(raw, &out); err == nil {
		return out
	}
	return string(raw)
}

func isSuccess(status int, extra any) bool {
	if status >= 200 && status < 300 {
		return true
	}
	codes, ok := extra.([]any)
	if !ok {
		return false
	}
	return slices.ContainsFunc(codes, func(c any) bool {
		f, ok := expr.ToNumber(c)
		return ok && int(f) == status
	})
}
