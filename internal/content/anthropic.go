package content

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const anthropicEndpoint = "https://api.anthropic.com/v1/messages"

// AnthropicProvider generates content through the Anthropic Messages API.
type AnthropicProvider struct {
	name       string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewAnthropicProvider creates an Anthropic-backed provider.
func NewAnthropicProvider(name, apiKey, model string) *AnthropicProvider {
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	return &AnthropicProvider{
		name:       name,
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{},
	}
}

// Name identifies the provider for rate tracking.
func (p *AnthropicProvider) Name() string { return p.name }

// Generate calls the Messages API and parses the subject/body JSON out of
// the first content block.
func (p *AnthropicProvider) Generate(ctx context.Context, req Request) (Content, error) {
	reqBody := map[string]any{
		"model":      p.model,
		"max_tokens": 1000,
		"messages": []map[string]string{
			{"role": "user", "content": buildPrompt(req)},
		},
	}

	body, _ := json.Marshal(reqBody)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, anthropicEndpoint, bytes.NewReader(body))
	if err != nil {
		return Content{}, err
	}
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return Content{}, fmt.Errorf("anthropic request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return Content{}, fmt.Errorf("anthropic error (status %d): %s", resp.StatusCode, truncate(string(respBody), 300))
	}

	var out struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return Content{}, fmt.Errorf("parse anthropic response: %w", err)
	}
	if len(out.Content) == 0 {
		return Content{}, fmt.Errorf("no content in anthropic response")
	}

	subject, body2, err := parseContent(out.Content[0].Text)
	if err != nil {
		return Content{}, err
	}
	if req.IsReply {
		subject = replySubject(req.OriginalSubject)
	}
	return Content{Subject: subject, Body: body2}, nil
}
