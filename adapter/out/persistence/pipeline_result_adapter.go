package persistence

import (
	"context"

	"pipeline_server/core/domain"

	"github.com/jmoiron/sqlx"
)

// =============================================================================
// Result Store Adapter (PostgreSQL)
// =============================================================================

// ResultAdapter implements out.ResultStore using PostgreSQL. Both upserts key
// on (account_id, provider_message_id), so re-delivered messages overwrite
// themselves instead of duplicating.
type ResultAdapter struct {
	db *sqlx.DB
}

// NewResultAdapter creates a new ResultAdapter.
func NewResultAdapter(db *sqlx.DB) *ResultAdapter {
	return &ResultAdapter{db: db}
}

// UpsertMessage stores one canonical message.
func (a *ResultAdapter) UpsertMessage(ctx context.Context, msg *domain.CanonicalMessage) error {
	query := `
		INSERT INTO messages (
			account_id, provider_message_id, thread_id,
			sender_email, sender_name, subject, body_snippet, received_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (account_id, provider_message_id) DO UPDATE SET
			thread_id    = EXCLUDED.thread_id,
			sender_email = EXCLUDED.sender_email,
			sender_name  = EXCLUDED.sender_name,
			subject      = EXCLUDED.subject,
			body_snippet = EXCLUDED.body_snippet,
			received_at  = EXCLUDED.received_at,
			updated_at   = NOW()`

	_, err := a.db.ExecContext(ctx, query,
		msg.AccountID, msg.ProviderMessageID, msg.ThreadID,
		msg.Sender.Email, msg.Sender.Name, msg.Subject, msg.BodySnippet, msg.ReceivedAt.UTC(),
	)
	return err
}

// UpsertResult stores the current categorization for one message. Last write
// wins; reprocessing under a new engine version replaces the old row.
func (a *ResultAdapter) UpsertResult(ctx context.Context, res *domain.CategorizationResult) error {
	query := `
		INSERT INTO categorization_results (
			account_id, provider_message_id, label, confidence,
			draft_text, degraded, engine_version, processed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (account_id, provider_message_id) DO UPDATE SET
			label          = EXCLUDED.label,
			confidence     = EXCLUDED.confidence,
			draft_text     = EXCLUDED.draft_text,
			degraded       = EXCLUDED.degraded,
			engine_version = EXCLUDED.engine_version,
			processed_at   = EXCLUDED.processed_at`

	_, err := a.db.ExecContext(ctx, query,
		res.AccountID, res.ProviderMessageID, string(res.Label), res.Confidence,
		res.DraftText, res.Degraded, res.EngineVersion, res.ProcessedAt.UTC(),
	)
	return err
}
