package content

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

const openaiEndpoint = "https://api.openai.com/v1/chat/completions"

// OpenAIProvider generates content through the OpenAI chat completions API.
type OpenAIProvider struct {
	name       string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewOpenAIProvider creates an OpenAI-backed provider.
func NewOpenAIProvider(name, apiKey, model string) *OpenAIProvider {
	if model == "" {
		model = "gpt-4o"
	}
	return &OpenAIProvider{
		name:       name,
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{},
	}
}

// Name identifies the provider for rate tracking.
func (p *OpenAIProvider) Name() string { return p.name }

// Generate calls chat completions and parses the subject/body JSON from
// the first choice.
func (p *OpenAIProvider) Generate(ctx context.Context, req Request) (Content, error) {
	reqBody := map[string]any{
		"model": p.model,
		"messages": []map[string]string{
			{"role": "user", "content": buildPrompt(req)},
		},
		"temperature": 0.8,
	}

	body, _ := json.Marshal(reqBody)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, openaiEndpoint, bytes.NewReader(body))
	if err != nil {
		return Content{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return Content{}, fmt.Errorf("openai request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return Content{}, fmt.Errorf("openai error (status %d): %s", resp.StatusCode, truncate(string(respBody), 300))
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return Content{}, fmt.Errorf("parse openai response: %w", err)
	}
	if len(out.Choices) == 0 {
		return Content{}, fmt.Errorf("no choices in openai response")
	}

	subject, body2, err := parseContent(out.Choices[0].Message.Content)
	if err != nil {
		return Content{}, err
	}
	if req.IsReply {
		subject = replySubject(req.OriginalSubject)
	}
	return Content{Subject: subject, Body: body2}, nil
}
