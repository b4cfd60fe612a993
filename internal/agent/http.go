package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPRunner reaches an agent runner over HTTP: POST {base}/v1/runs with the
// invocation as JSON, response body is the Result. Steering posts to
// {base}/v1/runs/{id}/steer and reports unsupported on any non-2xx status.
type HTTPRunner struct {
	base   string
	client *http.Client
}

func NewHTTPRunner(baseURL string) *HTTPRunner {
	return &HTTPRunner{
		base: baseURL,
		// Run duration is governed by ctx, not the transport timeout.
		client: &http.Client{},
	}
}

func (h *HTTPRunner) Invoke(ctx context.Context, inv Invocation, stream StreamFunc) (*Result, error) {
	body, err := json.Marshal(inv)
	if err != nil {
		return nil, fmt.Errorf("marshal invocation: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.base+"/v1/runs", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build run request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if inv.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", inv.IdempotencyKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent runner request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("agent runner returned %d: %s", resp.StatusCode, string(msg))
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode run result: %w", err)
	}
	if stream != nil {
		for _, b := range result.Blocks {
			stream(b)
		}
	}
	return &result, nil
}

func (h *HTTPRunner) Steer(runID, text string) bool {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/v1/runs/%s/steer", h.base, runID), bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode/100 == 2
}
