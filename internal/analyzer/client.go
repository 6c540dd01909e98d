package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"commguard/internal/config"
	"commguard/internal/model"
)

// Client calls the external behavioral/compliance analyzer over HTTP.
// The engine's analysis queue batches and serializes calls, so the
// client itself stays a plain one-shot request.
type Client struct {
	endpoint string
	http     *http.Client
}

// NewClient returns nil when no endpoint is configured; the analysis
// queue is simply not started in that case.
func NewClient(cfg config.AnalysisConfig) *Client {
	if !cfg.Enabled || cfg.Endpoint == "" {
		return nil
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		endpoint: cfg.Endpoint,
		http:     &http.Client{Timeout: timeout},
	}
}

func (c *Client) Analyze(ctx context.Context, subject string) (model.AnalysisResult, error) {
	payload, _ := json.Marshal(map[string]string{"subject": subject})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return model.AnalysisResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return model.AnalysisResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return model.AnalysisResult{}, fmt.Errorf("analyzer returned %d: %s", resp.StatusCode, string(body))
	}
	var result model.AnalysisResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return model.AnalysisResult{}, fmt.Errorf("decode analyzer response: %w", err)
	}
	return result, nil
}
