package out

import (
	"context"

	"pipeline_server/core/domain"
)

// =============================================================================
// Account Repository Port
// =============================================================================

// AccountRepository persists account records for the registry.
type AccountRepository interface {
	GetByID(ctx context.Context, id int64) (*domain.Account, error)
	ListByStatus(ctx context.Context, status domain.AccountStatus) ([]*domain.Account, error)

	// UpdateCursor performs a compare-and-swap on the sync cursor. It returns
	// domain.ErrStaleCursor when the stored cursor does not equal expectedPrev.
	UpdateCursor(ctx context.Context, id int64, expectedPrev, newCursor string) error

	// UpdateStatus sets status and last-error reason.
	UpdateStatus(ctx context.Context, id int64, status domain.AccountStatus, lastError string) error

	// TouchSyncedAt records a completed sync cycle.
	TouchSyncedAt(ctx context.Context, id int64) error
}

// =============================================================================
// Result Store Port
// =============================================================================

// ResultStore is the durable store collaborator. Both operations are
// idempotent upserts keyed by (account_id, provider_message_id);
// last write wins per message.
type ResultStore interface {
	UpsertMessage(ctx context.Context, msg *domain.CanonicalMessage) error
	UpsertResult(ctx context.Context, res *domain.CategorizationResult) error
}

// =============================================================================
// Body Archive Port
// =============================================================================

// BodyArchive stores full message bodies out of band. Archive failures are
// logged by callers and never fail a batch.
type BodyArchive interface {
	SaveBody(ctx context.Context, body *domain.MessageBody) error
	GetBody(ctx context.Context, accountID int64, providerMessageID string) (*domain.MessageBody, error)
}
