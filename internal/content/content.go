// Package content generates warmup email content through a chain of AI
// providers with a guaranteed-success local fallback. The router is the
// terminal guarantee for the whole pipeline: Generate never fails.
package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Request describes the content to generate.
type Request struct {
	SenderName string
	Language   string
	IsReply    bool

	// Reply context, set only when IsReply is true.
	OriginalSubject string
	OriginalBody    string
}

// Content is a rendered subject and body ready for the mailer.
type Content struct {
	Subject     string `json:"subject"`
	Body        string `json:"body"`
	Provider    string `json:"provider"`
	AIGenerated bool   `json:"ai_generated"`
}

// Provider is a single content generation backend.
type Provider interface {
	// Name identifies the provider for rate tracking and record keeping.
	Name() string
	// Generate produces content for the request or returns an error to
	// move the router on to the next provider in the chain.
	Generate(ctx context.Context, req Request) (Content, error)
}

// ErrEmptyResponse signals a provider returned a well-formed but unusable
// (empty subject or body) result; the router treats it like any failure.
var ErrEmptyResponse = errors.New("provider returned empty content")

// replySubject applies the reply subject convention without stacking
// "Re: " prefixes on already-threaded subjects.
func replySubject(original string) string {
	trimmed := strings.TrimSpace(original)
	if trimmed == "" {
		return "Re: (no subject)"
	}
	if strings.HasPrefix(strings.ToLower(trimmed), "re:") {
		return trimmed
	}
	return "Re: " + trimmed
}

// buildPrompt renders the instruction sent to network providers. Reply
// mode includes the original message for context.
func buildPrompt(req Request) string {
	lang := req.Language
	if lang == "" {
		lang = "en"
	}

	var b strings.Builder
	if req.IsReply {
		fmt.Fprintf(&b, "You are %s replying to an email you received. ", req.SenderName)
		fmt.Fprintf(&b, "Write a short, natural reply in language %q.\n\n", lang)
		fmt.Fprintf(&b, "Original subject: %s\n", req.OriginalSubject)
		fmt.Fprintf(&b, "Original body:\n%s\n\n", truncate(req.OriginalBody, 2000))
		b.WriteString("Keep it to 2-4 sentences, conversational, no signatures or placeholders.\n")
	} else {
		fmt.Fprintf(&b, "You are %s writing a casual email to a colleague. ", req.SenderName)
		fmt.Fprintf(&b, "Write a short, natural email in language %q about an everyday work or personal topic.\n", lang)
		b.WriteString("Keep it to 3-5 sentences. Avoid marketing language, links, and placeholders.\n")
	}
	b.WriteString(`Respond with only a JSON object: {"subject": "...", "body": "..."}`)
	return b.String()
}

// parseContent extracts a subject/body JSON object from provider output.
// Models often wrap the JSON in prose or markdown fences, so it scans for
// the outermost braces before unmarshalling.
func parseContent(raw string) (subject, body string, err error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return "", "", fmt.Errorf("no JSON object in response")
	}

	var out struct {
		Subject string `json:"subject"`
		Body    string `json:"body"`
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), &out); err != nil {
		return "", "", fmt.Errorf("parse provider response: %w", err)
	}
	if strings.TrimSpace(out.Subject) == "" || strings.TrimSpace(out.Body) == "" {
		return "", "", ErrEmptyResponse
	}
	return out.Subject, out.Body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
