package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/imkarma/ralph/internal/config"
)

// Default provider endpoints.
const (
	openAIURL    = "https://api.openai.com/v1"
	anthropicURL = "https://api.anthropic.com/v1"
	googleURL    = "https://generativelanguage.googleapis.com/v1beta"
)

// APIRunner calls an LLM provider's HTTP API directly.
type APIRunner struct {
	name   string
	cfg    config.Agent
	apiKey string
	client *http.Client
}

// NewAPIRunner creates a runner that calls LLM APIs.
func NewAPIRunner(name string, cfg config.Agent) (*APIRunner, error) {
	apiKey := os.Getenv(cfg.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("agent %s: environment variable %q is not set", name, cfg.APIKeyEnv)
	}

	return &APIRunner{
		name:   name,
		cfg:    cfg,
		apiKey: apiKey,
		client: &http.Client{},
	}, nil
}

func (r *APIRunner) Name() string { return r.name }
func (r *APIRunner) Mode() string { return "api" }

// Run sends the prompt to the configured API provider.
func (r *APIRunner) Run(ctx context.Context, req Request) (*Response, error) {
	timeout := defaultTimeout
	if r.cfg.TimeoutSec > 0 {
		timeout = time.Duration(r.cfg.TimeoutSec) * time.Second
	}
	if req.TimeoutSec > 0 {
		timeout = time.Duration(req.TimeoutSec) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var resp *Response
	var err error
	switch r.cfg.Provider {
	case "openai":
		resp, err = r.runOpenAI(ctx, req)
	case "anthropic":
		resp, err = r.runAnthropic(ctx, req)
	case "google":
		resp, err = r.runGoogle(ctx, req)
	default:
		return nil, fmt.Errorf("unsupported API provider: %s", r.cfg.Provider)
	}

	if resp != nil && resp.Error != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		resp.Error = fmt.Errorf("agent %s: %w after %ds", r.name, ErrTimeout, int(timeout.Seconds()))
		return resp, resp.Error
	}
	if resp != nil && req.OnOutput != nil && resp.Error == nil {
		for _, line := range strings.Split(resp.Output, "\n") {
			req.OnOutput(line)
		}
	}
	return resp, err
}

// baseURL returns the configured endpoint override or the provider default.
func (r *APIRunner) baseURL(def string) string {
	if r.cfg.BaseURL != "" {
		return strings.TrimRight(r.cfg.BaseURL, "/")
	}
	return def
}

// post sends a JSON body and returns the raw response body. Transport and
// non-200 failures come back as a Response with Error set.
func (r *APIRunner) post(ctx context.Context, url string, headers map[string]string, body any) ([]byte, *Response, error) {
	start := time.Now()

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, &Response{
			ExitCode: -1,
			Duration: time.Since(start),
			Error:    fmt.Errorf("API call failed: %w", err),
		}, nil
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, &Response{
			Output:   string(respBody),
			ExitCode: httpResp.StatusCode,
			Duration: time.Since(start),
			Error:    fmt.Errorf("API returned status %d: %s", httpResp.StatusCode, string(respBody)),
		}, nil
	}
	return respBody, &Response{Duration: time.Since(start)}, nil
}

// runOpenAI handles OpenAI-compatible APIs (OpenAI, OpenRouter, local proxies).
func (r *APIRunner) runOpenAI(ctx context.Context, req Request) (*Response, error) {
	body := map[string]any{
		"model": r.cfg.Model,
		"messages": []map[string]string{
			{"role": "user", "content": req.Prompt},
		},
		"max_tokens": 4096,
	}

	raw, resp, err := r.post(ctx, r.baseURL(openAIURL)+"/chat/completions",
		map[string]string{"Authorization": "Bearer " + r.apiKey}, body)
	if err != nil || resp.Error != nil {
		return resp, err
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if len(result.Choices) > 0 {
		resp.Output = result.Choices[0].Message.Content
	}
	return resp, nil
}

// runAnthropic handles Anthropic's Messages API.
func (r *APIRunner) runAnthropic(ctx context.Context, req Request) (*Response, error) {
	body := map[string]any{
		"model":      r.cfg.Model,
		"max_tokens": 4096,
		"messages": []map[string]string{
			{"role": "user", "content": req.Prompt},
		},
	}

	raw, resp, err := r.post(ctx, r.baseURL(anthropicURL)+"/messages", map[string]string{
		"x-api-key":         r.apiKey,
		"anthropic-version": "2023-06-01",
	}, body)
	if err != nil || resp.Error != nil {
		return resp, err
	}

	var result struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	var parts []string
	for _, c := range result.Content {
		parts = append(parts, c.Text)
	}
	resp.Output = strings.Join(parts, "")
	return resp, nil
}

// runGoogle handles Google's Generative AI API (Gemini).
func (r *APIRunner) runGoogle(ctx context.Context, req Request) (*Response, error) {
	model := r.cfg.Model
	if model == "" {
		model = "gemini-2.5-pro"
	}
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", r.baseURL(googleURL), model, r.apiKey)

	body := map[string]any{
		"contents": []map[string]any{
			{
				"parts": []map[string]string{
					{"text": req.Prompt},
				},
			},
		},
	}

	raw, resp, err := r.post(ctx, url, nil, body)
	if err != nil || resp.Error != nil {
		return resp, err
	}

	var result struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if len(result.Candidates) > 0 && len(result.Candidates[0].Content.Parts) > 0 {
		resp.Output = result.Candidates[0].Content.Parts[0].Text
	}
	return resp, nil
}
