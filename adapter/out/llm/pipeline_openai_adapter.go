// Package llm implements the AI client adapter on top of OpenAI.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"pipeline_server/core/domain"
	"pipeline_server/core/port/out"

	"github.com/goccy/go-json"
	openai "github.com/sashabaranov/go-openai"
)

// =============================================================================
// OpenAI Adapter
// =============================================================================

const DefaultModel = "gpt-4o-mini"

const systemPrompt = `You are an email triage assistant. Classify the email into exactly one of:
urgent, meeting, promo, spam, other.

Respond with JSON only:
{"label": "<label>", "confidence": <0.0-1.0>, "draft_text": "<reply draft or empty string>"}

Only write draft_text when asked to draft a reply. Keep drafts short, polite, and in the sender's language.`

// Config for the OpenAI adapter.
type Config struct {
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
	MaxRetries  int // additional attempts on 429/5xx responses
}

// chatCompleter is the slice of the OpenAI client this adapter uses.
type chatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIAdapter implements out.AIClient against the OpenAI chat API.
// Classification is forced through JSON response mode at temperature 0 so
// repeated calls on the same message converge on the same answer.
type OpenAIAdapter struct {
	client      chatCompleter
	model       string
	maxTokens   int
	temperature float32
	maxRetries  int
}

// NewOpenAIAdapter creates a new OpenAIAdapter.
func NewOpenAIAdapter(cfg Config) *OpenAIAdapter {
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 512
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &OpenAIAdapter{
		client:      openai.NewClient(cfg.APIKey),
		model:       model,
		maxTokens:   maxTokens,
		temperature: float32(cfg.Temperature),
		maxRetries:  maxRetries,
	}
}

// classifyResponse mirrors the JSON shape the model is instructed to emit.
type classifyResponse struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	DraftText  string  `json:"draft_text"`
}

// ClassifyAndDraft classifies one message and optionally drafts a reply.
// The caller's ctx carries the deadline; a timeout surfaces as the ctx error.
func (a *OpenAIAdapter) ClassifyAndDraft(ctx context.Context, msg *domain.CanonicalMessage, wantDraft bool) (*out.Classification, error) {
	req := openai.ChatCompletionRequest{
		Model:       a.model,
		MaxTokens:   a.maxTokens,
		Temperature: a.temperature,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: systemPrompt,
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: buildUserPrompt(msg, wantDraft),
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	// Retries are immediate; the caller's deadline is the real bound.
	var resp openai.ChatCompletionResponse
	var err error
	for attempt := 0; ; attempt++ {
		resp, err = a.client.CreateChatCompletion(ctx, req)
		if err == nil {
			break
		}
		if attempt >= a.maxRetries || !isRetryable(err) || ctx.Err() != nil {
			return nil, fmt.Errorf("chat completion failed: %w", err)
		}
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices")
	}

	var parsed classifyResponse
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse classification: %w", err)
	}

	result := &out.Classification{
		Label:      domain.ParseLabel(strings.ToLower(strings.TrimSpace(parsed.Label))),
		Confidence: parsed.Confidence,
	}
	if wantDraft {
		result.DraftText = strings.TrimSpace(parsed.DraftText)
	}
	return result, nil
}

// isRetryable reports whether the API error is worth another attempt:
// rate limiting and server-side failures, never 4xx request problems.
func isRetryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == 429 || reqErr.HTTPStatusCode >= 500
	}
	return false
}

func buildUserPrompt(msg *domain.CanonicalMessage, wantDraft bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s <%s>\n", msg.Sender.Name, msg.Sender.Email)
	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
	fmt.Fprintf(&b, "Received: %s\n\n", msg.ReceivedAt.Format("2006-01-02 15:04 MST"))
	b.WriteString(msg.BodySnippet)
	if wantDraft {
		b.WriteString("\n\nIf this email expects a reply, also write a short reply draft in draft_text.")
	} else {
		b.WriteString("\n\nDo not write a draft; leave draft_text empty.")
	}
	return b.String()
}

var _ out.AIClient = (*OpenAIAdapter)(nil)
