package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/autobrowse/orchestrator-core/internal/core/resilience"
)

// httpStepClient is shared across all custom/http steps: pooled
// connections, a sane timeout, matching the teacher's HTTPPlugin client.
var httpStepClient = &http.Client{
	Timeout: 30 * time.Second,
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
	},
}

// runHTTPCustomStep is the "custom" step's http handler: it calls an
// external endpoint the way the teacher's HTTPPlugin does, wrapped in
// resilience.Retry so a transient failure doesn't fail the whole step on
// the first attempt.
func runHTTPCustomStep(ctx context.Context, resolved map[string]any) (map[string]any, error) {
	url, _ := resolved["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("custom http step requires a resolved url")
	}
	method, _ := resolved["method"].(string)
	if method == "" {
		method = http.MethodPost
	}

	var payload []byte
	if body, ok := resolved["body"]; ok {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal custom step body: %w", err)
		}
	}

	headers, _ := resolved["headers"].(map[string]any)

	tracer := otel.Tracer("orchestrator-core")
	ctx, span := tracer.Start(ctx, "workflow.custom_http",
		trace.WithAttributes(attribute.String("url", url), attribute.String("method", method)))
	defer span.End()

	return resilience.Retry(ctx, "workflow_http_step", 3, 200*time.Millisecond, func() (map[string]any, error) {
		return doHTTPStep(ctx, method, url, payload, headers)
	})
}

func doHTTPStep(ctx context.Context, method, url string, payload []byte, headers map[string]any) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, fmt.Sprintf("%v", v))
	}

	resp, err := httpStepClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
	}

	result := map[string]any{"status_code": resp.StatusCode}
	if len(respBody) > 0 {
		var parsed map[string]any
		if err := json.Unmarshal(respBody, &parsed); err == nil {
			result["body"] = parsed
		} else {
			result["raw_body"] = string(respBody)
		}
	}
	return result, nil
}
