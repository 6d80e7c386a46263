// Package sync drives mailbox synchronization: the orchestrator runs one
// sync cycle end to end, the scheduler decides when cycles run and how
// failures back off.
package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pipeline_server/core/domain"
	"pipeline_server/core/port/out"
	"pipeline_server/core/service/engine"
	"pipeline_server/core/service/registry"
	"pipeline_server/pkg/logger"
	"pipeline_server/pkg/ratelimit"
)

// maxPagesPerCycle bounds one sync cycle so a huge backlog cannot hold the
// per-account lock forever. The cursor is durable per page, so the next
// cycle resumes where this one stopped.
const maxPagesPerCycle = 20

type Orchestrator struct {
	registry    *registry.Service
	credentials out.CredentialSource
	providers   out.MailProviderFactory
	engine      *engine.Engine
	store       out.ResultStore
	archive     out.BodyArchive        // optional
	budget      *ratelimit.TokenBudget // optional
	inflight    sync.Map               // accountID -> struct{}; per-account mutual exclusion
	log         *logger.Logger
}

func NewOrchestrator(
	reg *registry.Service,
	credentials out.CredentialSource,
	providers out.MailProviderFactory,
	eng *engine.Engine,
	store out.ResultStore,
	archive out.BodyArchive,
	budget *ratelimit.TokenBudget,
) *Orchestrator {
	return &Orchestrator{
		registry:    reg,
		credentials: credentials,
		providers:   providers,
		engine:      eng,
		store:       store,
		archive:     archive,
		budget:      budget,
		log:         logger.Default().WithField("service", "orchestrator"),
	}
}

func (o *Orchestrator) tryLock(accountID int64) bool {
	_, loaded := o.inflight.LoadOrStore(accountID, struct{}{})
	return !loaded
}

func (o *Orchestrator) unlock(accountID int64) {
	o.inflight.Delete(accountID)
}

// InFlight reports whether a sync cycle is currently running for the account.
func (o *Orchestrator) InFlight(accountID int64) bool {
	_, ok := o.inflight.Load(accountID)
	return ok
}

// SyncAccount runs one full sync cycle for the account: fetch pages from the
// provider since the stored cursor, persist messages, categorize them, persist
// results, and advance the cursor page by page. At most one cycle runs per
// account at a time; a second caller gets domain.ErrAccountBusy immediately.
//
// The cursor only moves after everything the page covered is durably stored,
// so a crash between fetch and persist re-delivers rather than drops.
func (o *Orchestrator) SyncAccount(ctx context.Context, accountID int64) (*domain.BatchReport, error) {
	if !o.tryLock(accountID) {
		return nil, domain.ErrAccountBusy
	}
	defer o.unlock(accountID)

	started := time.Now()
	report := &domain.BatchReport{AccountID: accountID, Outcome: domain.BatchFailed}

	account, err := o.registry.GetAccount(ctx, accountID)
	if err != nil {
		return report, err
	}
	if !account.IsSchedulable() {
		return report, fmt.Errorf("account %d is %s, not schedulable", accountID, account.Status)
	}

	log := o.log.WithAccount(account.ID, string(account.Provider))

	token, err := o.credentials.AccessToken(ctx, account)
	if err != nil {
		if pe, ok := out.AsProviderError(err); ok && pe.Code == out.ProviderErrAuthExpired {
			if markErr := o.registry.MarkError(ctx, account.ID, "credential refresh required"); markErr != nil {
				log.WithError(markErr).Error("failed to park account after auth expiry")
			}
		}
		report.Elapsed = time.Since(started)
		return report, err
	}

	provider, err := o.providers.ProviderFor(account)
	if err != nil {
		report.Elapsed = time.Since(started)
		return report, err
	}

	// cursor is where we fetch from; stored is the registry's confirmed
	// position and the compare-and-swap expectation for AdvanceCursor. They
	// diverge during a baseline resync, when we fetch from "" while the
	// registry still holds the expired value.
	cursor := account.SyncCursor
	stored := account.SyncCursor
	resyncAttempted := false

	for page := 0; page < maxPagesPerCycle; page++ {
		fetched, err := provider.FetchSince(ctx, token, cursor)
		if err != nil {
			pe, ok := out.AsProviderError(err)
			if ok && pe.Code == out.ProviderErrCursorInvalid && !resyncAttempted {
				// Provider no longer honors our position; restart from the
				// baseline once within this cycle.
				log.Warn("cursor rejected by provider, resyncing from baseline")
				resyncAttempted = true
				cursor = ""
				continue
			}
			if ok && pe.Code == out.ProviderErrAuthExpired {
				if markErr := o.registry.MarkError(ctx, account.ID, "credential refresh required"); markErr != nil {
					log.WithError(markErr).Error("failed to park account after auth expiry")
				}
			}
			o.finishReport(report, stored, started)
			return report, err
		}

		persisted, degraded, err := o.processPage(ctx, account, fetched)
		report.Fetched += len(fetched.Messages)
		report.Persisted += persisted
		report.Degraded += degraded
		if err != nil {
			o.finishReport(report, stored, started)
			return report, err
		}

		if err := o.registry.AdvanceCursor(ctx, account.ID, stored, fetched.NextCursor); err != nil {
			// A concurrent advance means another writer moved the account.
			// Everything persisted so far is idempotent, so losing the race
			// costs re-delivery, not data.
			o.finishReport(report, stored, started)
			return report, err
		}
		cursor = fetched.NextCursor
		stored = fetched.NextCursor

		if !fetched.HasMore {
			break
		}
	}

	report.Outcome = domain.BatchComplete
	o.finishReport(report, stored, started)
	log.WithDuration(report.Elapsed).
		Info("sync complete: fetched=%d persisted=%d degraded=%d", report.Fetched, report.Persisted, report.Degraded)
	return report, nil
}

func (o *Orchestrator) finishReport(report *domain.BatchReport, cursor string, started time.Time) {
	report.Cursor = cursor
	report.Elapsed = time.Since(started)
	if report.Outcome != domain.BatchComplete {
		if report.Persisted > 0 {
			report.Outcome = domain.BatchPartial
		} else {
			report.Outcome = domain.BatchFailed
		}
	}
}

// processPage persists one fetched page: messages first, then categorization
// results. Returns how many messages were durably stored and how many results
// came back degraded.
func (o *Orchestrator) processPage(ctx context.Context, account *domain.Account, page *out.FetchPage) (persisted, degraded int, err error) {
	if len(page.Messages) == 0 {
		return 0, 0, nil
	}

	log := o.log.WithAccount(account.ID, string(account.Provider))

	// Messages land before any categorization so a mid-page failure leaves
	// re-runnable state, never half-described messages.
	for _, msg := range page.Messages {
		if err := o.store.UpsertMessage(ctx, msg); err != nil {
			return persisted, degraded, fmt.Errorf("upsert message %s: %w", msg.Key(), err)
		}
	}

	// Bodies are best effort; the archive never fails a batch.
	if o.archive != nil {
		for _, body := range page.Bodies {
			if err := o.archive.SaveBody(ctx, body); err != nil {
				log.WithError(err).Warn("body archive write failed for message %s", body.ProviderMessageID)
			}
		}
	}

	// The AI budget is taken per message up front; fairness across providers
	// lives in the budget, not here.
	if o.budget != nil {
		for range page.Messages {
			if err := o.budget.Wait(ctx, account.Provider); err != nil {
				return persisted, degraded, fmt.Errorf("ai budget wait: %w", err)
			}
		}
	}

	results := o.engine.ProcessBatch(ctx, page.Messages)
	for _, res := range results {
		if res == nil {
			continue
		}
		if err := o.store.UpsertResult(ctx, res); err != nil {
			return persisted, degraded, fmt.Errorf("upsert result %d:%s: %w", res.AccountID, res.ProviderMessageID, err)
		}
		persisted++
		if res.Degraded {
			degraded++
		}
	}
	return persisted, degraded, nil
}
