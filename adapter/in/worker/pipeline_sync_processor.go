package worker

import (
	"context"
	"fmt"

	"pipeline_server/core/domain"
	syncsvc "pipeline_server/core/service/sync"
	"pipeline_server/pkg/logger"
)

// =============================================================================
// SyncProcessor - executes sync jobs pulled off the pool
// =============================================================================

type SyncProcessor struct {
	orchestrator *syncsvc.Orchestrator
	scheduler    *syncsvc.Scheduler
}

func NewSyncProcessor(orchestrator *syncsvc.Orchestrator, scheduler *syncsvc.Scheduler) *SyncProcessor {
	return &SyncProcessor{
		orchestrator: orchestrator,
		scheduler:    scheduler,
	}
}

// ProcessAccountSync runs one sync cycle and feeds the outcome back into the
// scheduler's state machine. The pool never sees an error here: the
// scheduler already decided what happens next (backoff, park, drop).
func (p *SyncProcessor) ProcessAccountSync(ctx context.Context, msg *Message) error {
	payload, err := ParsePayload[AccountSyncPayload](msg)
	if err != nil {
		return fmt.Errorf("invalid account sync payload: %w", err)
	}

	job := &domain.SyncJob{
		AccountID: payload.AccountID,
		Attempt:   payload.Attempt,
		State:     domain.SyncJobRunning,
		CreatedAt: msg.CreatedAt,
	}

	report, syncErr := p.orchestrator.SyncAccount(ctx, payload.AccountID)
	p.scheduler.HandleResult(ctx, job, report, syncErr)

	if syncErr != nil {
		logger.WithAccount(payload.AccountID, "").WithError(syncErr).
			Debug("sync cycle ended with error, scheduler notified")
	}
	return nil
}

// ProcessAccountResync pauses nothing and rewrites nothing by itself: it just
// runs a sync cycle like ProcessAccountSync. The provider adapters handle an
// invalid stored cursor by falling back to the baseline, so a resync request
// is an ordinary cycle from the operator's point of view.
func (p *SyncProcessor) ProcessAccountResync(ctx context.Context, msg *Message) error {
	return p.ProcessAccountSync(ctx, msg)
}

// =============================================================================
// PoolDispatcher - scheduler -> pool bridge
// =============================================================================

// PoolDispatcher satisfies the scheduler's Dispatcher by converting sync jobs
// into pool messages.
type PoolDispatcher struct {
	pool *Pool
}

func NewPoolDispatcher(pool *Pool) *PoolDispatcher {
	return &PoolDispatcher{pool: pool}
}

func (d *PoolDispatcher) Dispatch(_ context.Context, job *domain.SyncJob) error {
	msg := NewMessage(JobAccountSync, map[string]any{
		"account_id": job.AccountID,
		"attempt":    job.Attempt,
	})
	if !d.pool.Submit(msg) {
		return fmt.Errorf("pool rejected sync job for account %d", job.AccountID)
	}
	return nil
}
