// Package engine turns canonical messages into categorization results,
// calling the AI collaborator under a hard per-message deadline.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pipeline_server/core/domain"
	"pipeline_server/core/port/out"
	"pipeline_server/pkg/logger"
)

const (
	DefaultTimeout = 2 * time.Second
	DefaultFanOut  = 4
)

type Engine struct {
	ai      out.AIClient
	policy  domain.DraftPolicy
	timeout time.Duration
	version string
	fanOut  int
	log     *logger.Logger
	now     func() time.Time
}

type Option func(*Engine)

func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

func WithVersion(v string) Option {
	return func(e *Engine) {
		if v != "" {
			e.version = v
		}
	}
}

func WithDraftPolicy(p domain.DraftPolicy) Option {
	return func(e *Engine) {
		if p != nil {
			e.policy = p
		}
	}
}

func WithFanOut(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.fanOut = n
		}
	}
}

func New(ai out.AIClient, opts ...Option) *Engine {
	e := &Engine{
		ai:      ai,
		policy:  domain.DefaultDraftPolicy(),
		timeout: DefaultTimeout,
		version: "v1",
		fanOut:  DefaultFanOut,
		log:     logger.Default().WithField("service", "engine"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Version returns the engine version stamped on results.
func (e *Engine) Version() string {
	return e.version
}

// Process categorizes one message and, when the draft policy asks for it,
// attaches a reply draft. It always returns a result: when the AI call fails,
// times out, or panics, the message is stamped with the degraded fallback
// (label other, confidence 0) instead of blocking the batch. Same input and
// engine version produce the same label.
func (e *Engine) Process(ctx context.Context, msg *domain.CanonicalMessage) *domain.CategorizationResult {
	res := &domain.CategorizationResult{
		AccountID:         msg.AccountID,
		ProviderMessageID: msg.ProviderMessageID,
		EngineVersion:     e.version,
		ProcessedAt:       e.now().UTC(),
	}

	cls, err := e.classify(ctx, msg)
	if err != nil {
		e.log.WithAccount(msg.AccountID, "").WithError(err).
			Warn("classification degraded for message %s", msg.ProviderMessageID)
		res.Label = domain.LabelOther
		res.Confidence = 0
		res.Degraded = true
		return res
	}

	res.Label = cls.Label
	res.Confidence = cls.Confidence
	if e.policy.WantsDraft(cls.Label) {
		res.DraftText = cls.DraftText
	}
	return res
}

// classify runs the AI call under the engine deadline, containing panics.
func (e *Engine) classify(ctx context.Context, msg *domain.CanonicalMessage) (cls *out.Classification, err error) {
	defer func() {
		if r := recover(); r != nil {
			cls = nil
			err = fmt.Errorf("ai client panic: %v", r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cls, err = e.ai.ClassifyAndDraft(ctx, msg, e.policy.DraftsEnabled())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("classification timed out after %s: %w", e.timeout, err)
		}
		return nil, err
	}
	if cls == nil {
		return nil, errors.New("ai client returned empty classification")
	}
	cls.Label = domain.ParseLabel(string(cls.Label))
	if cls.Confidence < 0 {
		cls.Confidence = 0
	}
	if cls.Confidence > 1 {
		cls.Confidence = 1
	}
	return cls, nil
}

// ProcessBatch categorizes messages in parallel with bounded fan-out.
// Results come back in input order. One bad message never takes down its
// neighbors; at worst it lands degraded.
func (e *Engine) ProcessBatch(ctx context.Context, msgs []*domain.CanonicalMessage) []*domain.CategorizationResult {
	results := make([]*domain.CategorizationResult, len(msgs))
	if len(msgs) == 0 {
		return results
	}

	sem := make(chan struct{}, e.fanOut)
	var wg sync.WaitGroup

	for i, msg := range msgs {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, msg *domain.CanonicalMessage) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = e.Process(ctx, msg)
		}(i, msg)
	}
	wg.Wait()

	return results
}
