// Package ratelimit provides the shared AI-call budget and duplicate-sync
// suppression for the pipeline.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"pipeline_server/core/domain"
)

// =============================================================================
// TokenBudget - global AI rate budget, fair-shared across providers
// =============================================================================
//
// One burst of syncs on a single provider must not starve the others, so the
// global per-second budget is split evenly across registered providers. The
// budget object is owned by the orchestrator and passed by reference to
// workers; it is not a process-wide singleton.

type TokenBudget struct {
	mu        sync.Mutex
	buckets   map[domain.Provider]*bucket
	perSecond int
	now       func() time.Time
}

type bucket struct {
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewTokenBudget creates a budget of perSecond AI calls split fairly across
// the given providers.
func NewTokenBudget(perSecond int, providers ...domain.Provider) *TokenBudget {
	if perSecond <= 0 {
		perSecond = 10
	}
	b := &TokenBudget{
		buckets:   make(map[domain.Provider]*bucket, len(providers)),
		perSecond: perSecond,
		now:       time.Now,
	}
	b.register(providers...)
	return b
}

func (b *TokenBudget) register(providers ...domain.Provider) {
	for _, p := range providers {
		if _, ok := b.buckets[p]; !ok {
			b.buckets[p] = &bucket{lastRefill: b.now()}
		}
	}
	b.rebalance()
}

// rebalance splits the global rate evenly; caller holds b.mu or is init-only.
func (b *TokenBudget) rebalance() {
	n := len(b.buckets)
	if n == 0 {
		return
	}
	share := float64(b.perSecond) / float64(n)
	for _, bk := range b.buckets {
		bk.refillRate = share
		bk.capacity = share
		if bk.tokens > bk.capacity {
			bk.tokens = bk.capacity
		}
	}
}

// Register adds a provider to the fair-share split at runtime.
func (b *TokenBudget) Register(provider domain.Provider) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.register(provider)
}

// SetRate updates the global per-second budget.
func (b *TokenBudget) SetRate(perSecond int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if perSecond > 0 {
		b.perSecond = perSecond
		b.rebalance()
	}
}

func (b *TokenBudget) refill(bk *bucket) {
	now := b.now()
	elapsed := now.Sub(bk.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	bk.tokens += elapsed * bk.refillRate
	if bk.tokens > bk.capacity {
		bk.tokens = bk.capacity
	}
	bk.lastRefill = now
}

// Acquire takes one token from the provider's share. Unknown providers are
// registered on first use.
func (b *TokenBudget) Acquire(provider domain.Provider) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	bk, ok := b.buckets[provider]
	if !ok {
		b.register(provider)
		bk = b.buckets[provider]
	}

	b.refill(bk)
	if bk.tokens >= 1 {
		bk.tokens--
		return true
	}
	return false
}

// Wait blocks until a token is available or ctx is done. This is the
// backpressure point between syncing accounts and the AI backend.
func (b *TokenBudget) Wait(ctx context.Context, provider domain.Provider) error {
	for {
		if b.Acquire(provider) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Available returns the current token count for a provider (for stats).
func (b *TokenBudget) Available(provider domain.Provider) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	bk, ok := b.buckets[provider]
	if !ok {
		return 0
	}
	b.refill(bk)
	return bk.tokens
}

// SetClock overrides the time source for tests and restamps all buckets so
// refill math starts from the injected clock.
func (b *TokenBudget) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
	for _, bk := range b.buckets {
		bk.lastRefill = now()
		bk.tokens = 0
	}
}
