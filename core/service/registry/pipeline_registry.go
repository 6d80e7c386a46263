// Package registry owns the connected-account catalog: which mailboxes
// exist, whether they may be scheduled, and where their sync position is.
package registry

import (
	"context"
	"errors"
	"fmt"

	"pipeline_server/core/domain"
	"pipeline_server/core/port/out"
	"pipeline_server/pkg/logger"
)

var ErrRepoNotInitialized = errors.New("account repository not initialized")

type Service struct {
	accounts out.AccountRepository
	log      *logger.Logger
}

func NewService(accounts out.AccountRepository) *Service {
	return &Service{
		accounts: accounts,
		log:      logger.Default().WithField("service", "registry"),
	}
}

// GetAccount returns one account by id.
func (s *Service) GetAccount(ctx context.Context, id int64) (*domain.Account, error) {
	if s.accounts == nil {
		return nil, ErrRepoNotInitialized
	}
	return s.accounts.GetByID(ctx, id)
}

// ListActiveAccounts returns every account the scheduler may pick up.
// Paused and errored accounts are excluded.
func (s *Service) ListActiveAccounts(ctx context.Context) ([]*domain.Account, error) {
	if s.accounts == nil {
		return nil, ErrRepoNotInitialized
	}
	return s.accounts.ListByStatus(ctx, domain.AccountStatusActive)
}

// AdvanceCursor moves the account's sync position forward. The write is an
// optimistic compare-and-swap against the cursor value the caller read before
// fetching; a lost race surfaces as domain.ErrStaleCursor and the caller must
// re-read and re-fetch rather than overwrite.
//
// The cursor never moves backward and is only advanced after the batch it
// covers has been durably persisted.
func (s *Service) AdvanceCursor(ctx context.Context, accountID int64, prevCursor, newCursor string) error {
	if s.accounts == nil {
		return ErrRepoNotInitialized
	}
	if newCursor == "" {
		return fmt.Errorf("refusing to advance account %d to empty cursor", accountID)
	}
	if newCursor == prevCursor {
		// No movement; treat as a no-op rather than burning a write.
		return nil
	}

	if err := s.accounts.UpdateCursor(ctx, accountID, prevCursor, newCursor); err != nil {
		if errors.Is(err, domain.ErrStaleCursor) {
			s.log.WithAccount(accountID, "").Warn("cursor advance lost CAS, caller must re-read")
		}
		return err
	}
	return s.accounts.TouchSyncedAt(ctx, accountID)
}

// MarkError parks the account until an operator or a re-auth flow intervenes.
// The scheduler stops picking it up immediately.
func (s *Service) MarkError(ctx context.Context, accountID int64, cause string) error {
	if s.accounts == nil {
		return ErrRepoNotInitialized
	}
	s.log.WithAccount(accountID, "").Warn("marking account errored: %s", cause)
	return s.accounts.UpdateStatus(ctx, accountID, domain.AccountStatusError, cause)
}

// Pause takes the account out of scheduling without recording a failure.
func (s *Service) Pause(ctx context.Context, accountID int64) error {
	if s.accounts == nil {
		return ErrRepoNotInitialized
	}
	return s.accounts.UpdateStatus(ctx, accountID, domain.AccountStatusPaused, "")
}

// Resume returns a paused or errored account to scheduling. The stored cursor
// is kept, so the next sync resumes where the account left off.
func (s *Service) Resume(ctx context.Context, accountID int64) error {
	if s.accounts == nil {
		return ErrRepoNotInitialized
	}
	return s.accounts.UpdateStatus(ctx, accountID, domain.AccountStatusActive, "")
}
