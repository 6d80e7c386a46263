package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"pipeline_server/core/domain"
	"pipeline_server/core/port/out"
)

// scriptedAI returns canned classifications keyed by provider message id.
type scriptedAI struct {
	answers map[string]*out.Classification
	errs    map[string]error
	delay   time.Duration
	panicOn string
}

func (s *scriptedAI) ClassifyAndDraft(ctx context.Context, msg *domain.CanonicalMessage, wantDraft bool) (*out.Classification, error) {
	if msg.ProviderMessageID == s.panicOn {
		panic("scripted panic")
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err, ok := s.errs[msg.ProviderMessageID]; ok {
		return nil, err
	}
	if cls, ok := s.answers[msg.ProviderMessageID]; ok {
		return cls, nil
	}
	return &out.Classification{Label: domain.LabelOther, Confidence: 0.5}, nil
}

func msg(id string) *domain.CanonicalMessage {
	return &domain.CanonicalMessage{
		AccountID:         1,
		ProviderMessageID: id,
		Subject:           "subject " + id,
		ReceivedAt:        time.Now().UTC(),
	}
}

func TestProcess_LabelAndDraft(t *testing.T) {
	ai := &scriptedAI{answers: map[string]*out.Classification{
		"m1": {Label: domain.LabelUrgent, Confidence: 0.9, DraftText: "On it."},
		"m2": {Label: domain.LabelPromo, Confidence: 0.8, DraftText: "should be dropped"},
	}}
	e := New(ai, WithVersion("v7"))

	t.Run("draft kept for drafting label", func(t *testing.T) {
		res := e.Process(context.Background(), msg("m1"))
		if res.Label != domain.LabelUrgent || res.DraftText != "On it." {
			t.Fatalf("got %+v", res)
		}
		if res.Degraded {
			t.Fatal("healthy result marked degraded")
		}
		if res.EngineVersion != "v7" {
			t.Errorf("engine version = %q", res.EngineVersion)
		}
	})

	t.Run("draft stripped for non-drafting label", func(t *testing.T) {
		res := e.Process(context.Background(), msg("m2"))
		if res.Label != domain.LabelPromo {
			t.Fatalf("label = %s", res.Label)
		}
		if res.DraftText != "" {
			t.Error("draft text kept for promo label")
		}
	})
}

func TestProcess_TimeoutDegrades(t *testing.T) {
	ai := &scriptedAI{delay: 200 * time.Millisecond}
	e := New(ai, WithTimeout(30*time.Millisecond))

	start := time.Now()
	res := e.Process(context.Background(), msg("slow"))
	elapsed := time.Since(start)

	if !res.Degraded {
		t.Fatal("timed-out message not degraded")
	}
	if res.Label != domain.LabelOther || res.Confidence != 0 {
		t.Fatalf("degraded result = %+v, want other/0", res)
	}
	if elapsed > 150*time.Millisecond {
		t.Errorf("Process took %s, deadline not enforced", elapsed)
	}
}

func TestProcess_ErrorDegrades(t *testing.T) {
	ai := &scriptedAI{errs: map[string]error{"bad": errors.New("model unavailable")}}
	e := New(ai)

	res := e.Process(context.Background(), msg("bad"))
	if !res.Degraded || res.Label != domain.LabelOther {
		t.Fatalf("got %+v, want degraded other", res)
	}
}

func TestProcess_UnknownLabelFallsBack(t *testing.T) {
	ai := &scriptedAI{answers: map[string]*out.Classification{
		"m1": {Label: domain.Label("INVOICE"), Confidence: 0.7},
	}}
	e := New(ai)

	res := e.Process(context.Background(), msg("m1"))
	if res.Label != domain.LabelOther {
		t.Fatalf("label = %s, want other", res.Label)
	}
	if res.Degraded {
		t.Error("unknown label is a fallback, not a degradation")
	}
}

func TestProcessBatch_FaultContainment(t *testing.T) {
	ai := &scriptedAI{
		answers: map[string]*out.Classification{
			"ok1": {Label: domain.LabelMeeting, Confidence: 0.9},
			"ok2": {Label: domain.LabelSpam, Confidence: 0.95},
		},
		errs:    map[string]error{"bad": errors.New("boom")},
		panicOn: "panics",
	}
	e := New(ai, WithFanOut(2))

	msgs := []*domain.CanonicalMessage{msg("ok1"), msg("bad"), msg("panics"), msg("ok2")}
	results := e.ProcessBatch(context.Background(), msgs)

	if len(results) != 4 {
		t.Fatalf("got %d results, want 4", len(results))
	}
	if results[0].Label != domain.LabelMeeting || results[0].Degraded {
		t.Errorf("ok1 = %+v", results[0])
	}
	if !results[1].Degraded {
		t.Error("errored message not degraded")
	}
	if !results[2].Degraded {
		t.Error("panicking message not degraded")
	}
	if results[3].Label != domain.LabelSpam || results[3].Degraded {
		t.Errorf("ok2 = %+v", results[3])
	}
	for i, r := range results {
		if r.ProviderMessageID != msgs[i].ProviderMessageID {
			t.Errorf("result %d out of order: %s", i, r.ProviderMessageID)
		}
	}
}

func TestProcess_Deterministic(t *testing.T) {
	ai := &scriptedAI{answers: map[string]*out.Classification{
		"m1": {Label: domain.LabelUrgent, Confidence: 0.9},
	}}
	e := New(ai, WithVersion("v3"))

	a := e.Process(context.Background(), msg("m1"))
	b := e.Process(context.Background(), msg("m1"))
	if a.Label != b.Label || a.Confidence != b.Confidence || a.EngineVersion != b.EngineVersion {
		t.Fatalf("same message classified differently: %+v vs %+v", a, b)
	}
}

func TestProcess_ConfidenceClamped(t *testing.T) {
	tests := []struct {
		name string
		in   float64
		want float64
	}{
		{"above one", 1.7, 1},
		{"below zero", -0.3, 0},
		{"in range", 0.42, 0.42},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ai := &scriptedAI{answers: map[string]*out.Classification{
				"m": {Label: domain.LabelOther, Confidence: tt.in},
			}}
			res := New(ai).Process(context.Background(), msg("m"))
			if res.Confidence != tt.want {
				t.Fatalf("confidence = %f, want %f", res.Confidence, tt.want)
			}
		})
	}
}

func TestProcess_WantDraftFollowsPolicy(t *testing.T) {
	policy := domain.DraftPolicy{domain.LabelUrgent: false, domain.LabelMeeting: false}
	gotWant := true
	ai := aiFunc(func(ctx context.Context, m *domain.CanonicalMessage, wantDraft bool) (*out.Classification, error) {
		gotWant = wantDraft
		return &out.Classification{Label: domain.LabelUrgent, Confidence: 1}, nil
	})

	New(ai, WithDraftPolicy(policy)).Process(context.Background(), msg("m"))
	if gotWant {
		t.Fatal("draft requested although policy drafts nothing")
	}
}

type aiFunc func(context.Context, *domain.CanonicalMessage, bool) (*out.Classification, error)

func (f aiFunc) ClassifyAndDraft(ctx context.Context, m *domain.CanonicalMessage, wantDraft bool) (*out.Classification, error) {
	return f(ctx, m, wantDraft)
}
