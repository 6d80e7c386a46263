package llm

import (
	"context"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"pipeline_server/core/domain"
)

// scriptedCompleter returns the scripted errors in order, then the response.
type scriptedCompleter struct {
	errs  []error
	calls int
	resp  openai.ChatCompletionResponse
}

func (s *scriptedCompleter) CreateChatCompletion(_ context.Context, _ openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return openai.ChatCompletionResponse{}, s.errs[i]
	}
	return s.resp, nil
}

func okResponse(content string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: content}},
		},
	}
}

func testAdapter(client chatCompleter, maxRetries int) *OpenAIAdapter {
	return &OpenAIAdapter{
		client:     client,
		model:      DefaultModel,
		maxTokens:  512,
		maxRetries: maxRetries,
	}
}

func sampleMessage() *domain.CanonicalMessage {
	return &domain.CanonicalMessage{
		AccountID:         1,
		ProviderMessageID: "m1",
		Subject:           "quarterly review",
		ReceivedAt:        time.Now().UTC(),
	}
}

func TestClassifyAndDraft_ParsesResponse(t *testing.T) {
	client := &scriptedCompleter{
		resp: okResponse(`{"label":"URGENT","confidence":0.9,"draft_text":"On it."}`),
	}
	a := testAdapter(client, 0)

	res, err := a.ClassifyAndDraft(context.Background(), sampleMessage(), true)
	if err != nil {
		t.Fatalf("ClassifyAndDraft: %v", err)
	}
	if res.Label != domain.LabelUrgent {
		t.Errorf("label = %s, want urgent", res.Label)
	}
	if res.Confidence != 0.9 {
		t.Errorf("confidence = %v, want 0.9", res.Confidence)
	}
	if res.DraftText != "On it." {
		t.Errorf("draft = %q", res.DraftText)
	}
}

func TestClassifyAndDraft_DropsDraftWhenNotWanted(t *testing.T) {
	client := &scriptedCompleter{
		resp: okResponse(`{"label":"promo","confidence":0.8,"draft_text":"unwanted"}`),
	}
	a := testAdapter(client, 0)

	res, err := a.ClassifyAndDraft(context.Background(), sampleMessage(), false)
	if err != nil {
		t.Fatalf("ClassifyAndDraft: %v", err)
	}
	if res.DraftText != "" {
		t.Errorf("draft = %q, want empty when no draft requested", res.DraftText)
	}
}

func TestClassifyAndDraft_RetriesTransientErrors(t *testing.T) {
	client := &scriptedCompleter{
		errs: []error{
			&openai.APIError{HTTPStatusCode: 429},
			&openai.APIError{HTTPStatusCode: 503},
		},
		resp: okResponse(`{"label":"other","confidence":0.5,"draft_text":""}`),
	}
	a := testAdapter(client, 2)

	if _, err := a.ClassifyAndDraft(context.Background(), sampleMessage(), false); err != nil {
		t.Fatalf("ClassifyAndDraft: %v", err)
	}
	if client.calls != 3 {
		t.Errorf("calls = %d, want 3 (two retries then success)", client.calls)
	}
}

func TestClassifyAndDraft_NoRetryOnRequestError(t *testing.T) {
	client := &scriptedCompleter{
		errs: []error{&openai.APIError{HTTPStatusCode: 400}},
		resp: okResponse(`{"label":"other","confidence":0.5,"draft_text":""}`),
	}
	a := testAdapter(client, 3)

	if _, err := a.ClassifyAndDraft(context.Background(), sampleMessage(), false); err == nil {
		t.Fatal("want error on 400 response")
	}
	if client.calls != 1 {
		t.Errorf("calls = %d, want 1 (4xx is not retried)", client.calls)
	}
}

func TestClassifyAndDraft_RetryBudgetExhausted(t *testing.T) {
	client := &scriptedCompleter{
		errs: []error{
			&openai.APIError{HTTPStatusCode: 500},
			&openai.APIError{HTTPStatusCode: 500},
			&openai.APIError{HTTPStatusCode: 500},
		},
	}
	a := testAdapter(client, 1)

	if _, err := a.ClassifyAndDraft(context.Background(), sampleMessage(), false); err == nil {
		t.Fatal("want error once retries are spent")
	}
	if client.calls != 2 {
		t.Errorf("calls = %d, want 2 (one attempt plus one retry)", client.calls)
	}
}
