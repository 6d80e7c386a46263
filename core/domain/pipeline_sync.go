package domain

import (
	"math/rand"
	"time"
)

// =============================================================================
// SyncJob - one sync cycle for one account
// =============================================================================

type SyncJobState string

const (
	SyncJobPending   SyncJobState = "pending"
	SyncJobRunning   SyncJobState = "running"
	SyncJobSucceeded SyncJobState = "succeeded"
	SyncJobFailed    SyncJobState = "failed"
	SyncJobBackoff   SyncJobState = "backoff"
)

// SyncJob is the ephemeral, in-memory record of one sync cycle.
// Lifecycle is bounded to a single cycle; nothing here is persisted.
type SyncJob struct {
	AccountID     int64        `json:"account_id"`
	Attempt       int          `json:"attempt"`
	State         SyncJobState `json:"state"`
	NextAttemptAt time.Time    `json:"next_attempt_at,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
}

// NewSyncJob creates a pending job for one account.
func NewSyncJob(accountID int64) *SyncJob {
	return &SyncJob{
		AccountID: accountID,
		State:     SyncJobPending,
		CreatedAt: time.Now().UTC(),
	}
}

// Due reports whether a backed-off job is ready to run again.
func (j *SyncJob) Due(now time.Time) bool {
	return j.State == SyncJobBackoff && !now.Before(j.NextAttemptAt)
}

// =============================================================================
// BatchOutcome - per-batch result reported by the orchestrator
// =============================================================================

type BatchOutcome string

const (
	BatchComplete BatchOutcome = "complete" // all messages persisted, cursor advanced
	BatchPartial  BatchOutcome = "partial"  // some persisted, cursor held, job re-enqueued
	BatchFailed   BatchOutcome = "failed"   // no progress, account backed off
)

// BatchReport summarizes one processed fetch batch.
type BatchReport struct {
	AccountID int64        `json:"account_id"`
	Outcome   BatchOutcome `json:"outcome"`
	Fetched   int          `json:"fetched"`
	Persisted int          `json:"persisted"`
	Degraded  int          `json:"degraded"`
	Cursor    string       `json:"cursor"` // position after the batch
	Elapsed   time.Duration `json:"elapsed_ms"`
}

// =============================================================================
// Backoff - exponential with jitter
// =============================================================================

// BackoffConfig controls the retry delay curve for provider fetch errors.
type BackoffConfig struct {
	Base        time.Duration // first delay
	Cap         time.Duration // maximum delay
	Jitter      float64       // fraction of the delay randomized both ways
	MaxAttempts int           // attempts before the account is marked error
}

// DefaultBackoffConfig returns the standard curve: 1s base, 60s cap,
// +/-20% jitter, 6 attempts.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Base:        1 * time.Second,
		Cap:         60 * time.Second,
		Jitter:      0.2,
		MaxAttempts: 6,
	}
}

// Delay returns the backoff delay for the given attempt (0-based).
func (c BackoffConfig) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := c.Base << uint(attempt)
	if d > c.Cap || d <= 0 {
		d = c.Cap
	}
	if c.Jitter > 0 {
		// spread = d * jitter; delay in [d-spread, d+spread]
		spread := float64(d) * c.Jitter
		d = time.Duration(float64(d) - spread + rand.Float64()*2*spread)
	}
	if d < 0 {
		d = 0
	}
	return d
}

// Exhausted reports whether the attempt budget is spent.
func (c BackoffConfig) Exhausted(attempt int) bool {
	return attempt >= c.MaxAttempts
}
