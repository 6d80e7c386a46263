package sync

import (
	"context"
	"errors"
	"sync"
	"time"

	"pipeline_server/core/domain"
	"pipeline_server/core/port/out"
	"pipeline_server/core/service/registry"
	"pipeline_server/pkg/logger"
	"pipeline_server/pkg/ratelimit"
)

// Dispatcher hands a sync job to the worker pool for execution.
type Dispatcher interface {
	Dispatch(ctx context.Context, job *domain.SyncJob) error
}

// Scheduler decides when each account syncs. Per account it walks a small
// state machine: idle, fetching, or backing off after a failure. All state is
// in memory; a restart simply starts every account idle and the durable
// cursor makes re-delivery harmless.
type Scheduler struct {
	registry   *registry.Service
	dispatcher Dispatcher
	debounce   *ratelimit.SyncDebouncer // optional
	backoff    domain.BackoffConfig

	mu   sync.Mutex
	jobs map[int64]*domain.SyncJob // accounts currently fetching or backing off

	log *logger.Logger
	now func() time.Time
}

func NewScheduler(reg *registry.Service, dispatcher Dispatcher, debounce *ratelimit.SyncDebouncer, backoff domain.BackoffConfig) *Scheduler {
	if backoff.Base <= 0 {
		backoff = domain.DefaultBackoffConfig()
	}
	return &Scheduler{
		registry:   reg,
		dispatcher: dispatcher,
		debounce:   debounce,
		backoff:    backoff,
		jobs:       make(map[int64]*domain.SyncJob),
		log:        logger.Default().WithField("service", "scheduler"),
		now:        time.Now,
	}
}

// Tick scans the registry and dispatches a sync for every active account that
// is idle. Accounts already fetching or still backing off are skipped.
// Returns how many jobs were dispatched.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	accounts, err := s.registry.ListActiveAccounts(ctx)
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, account := range accounts {
		if s.trigger(ctx, account.ID) {
			dispatched++
		}
	}
	return dispatched, nil
}

// TriggerAccount requests an immediate sync for one account, subject to the
// same state checks as a timer tick. Returns false when the account is
// already fetching, backing off, or debounced.
func (s *Scheduler) TriggerAccount(ctx context.Context, accountID int64) bool {
	return s.trigger(ctx, accountID)
}

func (s *Scheduler) trigger(ctx context.Context, accountID int64) bool {
	s.mu.Lock()
	if existing, ok := s.jobs[accountID]; ok {
		// Fetching, or backing off and not yet due.
		if existing.State == domain.SyncJobRunning || !existing.Due(s.now()) {
			s.mu.Unlock()
			return false
		}
	}
	job := s.jobs[accountID]
	if job == nil {
		job = domain.NewSyncJob(accountID)
	}
	job.State = domain.SyncJobRunning
	s.jobs[accountID] = job
	s.mu.Unlock()

	if s.debounce != nil && !s.debounce.TryAcquire(ctx, accountID) {
		s.release(accountID)
		return false
	}

	if err := s.dispatcher.Dispatch(ctx, job); err != nil {
		s.log.WithAccount(accountID, "").WithError(err).Error("dispatch failed")
		if s.debounce != nil {
			s.debounce.Release(ctx, accountID)
		}
		s.release(accountID)
		return false
	}
	return true
}

func (s *Scheduler) release(accountID int64) {
	s.mu.Lock()
	delete(s.jobs, accountID)
	s.mu.Unlock()
}

// HandleResult applies the outcome of a finished sync cycle to the account's
// scheduling state:
//
//   - success: the account returns to idle.
//   - rate limited: back off for at least the provider's retry-after hint.
//   - auth expired: the orchestrator already parked the account; drop the job.
//   - other retryable failure: exponential backoff; when the attempt budget
//     is exhausted the account is marked errored and dropped.
//   - busy: another cycle is running, drop this trigger silently.
func (s *Scheduler) HandleResult(ctx context.Context, job *domain.SyncJob, report *domain.BatchReport, err error) {
	if s.debounce != nil {
		s.debounce.Release(ctx, job.AccountID)
	}

	log := s.log.WithAccount(job.AccountID, "")

	if err == nil {
		s.mu.Lock()
		job.State = domain.SyncJobSucceeded
		job.Attempt = 0
		delete(s.jobs, job.AccountID)
		s.mu.Unlock()
		return
	}

	if errors.Is(err, domain.ErrAccountBusy) {
		s.release(job.AccountID)
		return
	}

	pe, isProviderErr := out.AsProviderError(err)
	if isProviderErr && pe.Code == out.ProviderErrAuthExpired {
		log.Warn("sync stopped: credential refresh required")
		s.dropFailed(job)
		return
	}
	if isProviderErr && !pe.Retryable() {
		log.WithError(err).Warn("sync stopped: non-retryable provider error")
		s.dropFailed(job)
		return
	}

	// Retryable path.
	s.mu.Lock()
	job.Attempt++
	attempt := job.Attempt
	s.mu.Unlock()

	if s.backoff.Exhausted(attempt) {
		log.WithError(err).Warn("retry budget exhausted after %d attempts", attempt)
		if markErr := s.registry.MarkError(ctx, job.AccountID, "sync retry budget exhausted: "+err.Error()); markErr != nil {
			log.WithError(markErr).Error("failed to mark account errored")
		}
		s.dropFailed(job)
		return
	}

	delay := s.backoff.Delay(attempt - 1)
	if isProviderErr && pe.Code == out.ProviderErrRateLimited && pe.RetryAfter > delay {
		// Never retry earlier than the provider asked us to.
		delay = pe.RetryAfter
	}

	s.mu.Lock()
	job.State = domain.SyncJobBackoff
	job.NextAttemptAt = s.now().Add(delay)
	s.jobs[job.AccountID] = job
	s.mu.Unlock()

	log.WithError(err).Info("sync backing off %s (attempt %d)", delay.Round(time.Millisecond), attempt)
}

func (s *Scheduler) dropFailed(job *domain.SyncJob) {
	s.mu.Lock()
	job.State = domain.SyncJobFailed
	delete(s.jobs, job.AccountID)
	s.mu.Unlock()
}

// DueJobs returns backed-off jobs whose retry time has arrived. The retry
// ticker feeds these back through TriggerAccount.
func (s *Scheduler) DueJobs() []*domain.SyncJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var due []*domain.SyncJob
	for _, job := range s.jobs {
		if job.Due(now) {
			due = append(due, job)
		}
	}
	return due
}

// Snapshot returns a copy of the current job table for stats endpoints.
func (s *Scheduler) Snapshot() map[int64]domain.SyncJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := make(map[int64]domain.SyncJob, len(s.jobs))
	for id, job := range s.jobs {
		snap[id] = *job
	}
	return snap
}

// SetClock overrides the time source for tests.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}
