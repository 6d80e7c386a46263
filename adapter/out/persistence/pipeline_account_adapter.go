// Package persistence provides database adapters implementing outbound ports.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"pipeline_server/core/domain"
	"pipeline_server/pkg/logger"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// =============================================================================
// Account Adapter (PostgreSQL)
// =============================================================================

// AccountAdapter implements out.AccountRepository using PostgreSQL.
type AccountAdapter struct {
	db *sqlx.DB
}

// NewAccountAdapter creates a new AccountAdapter.
func NewAccountAdapter(db *sqlx.DB) *AccountAdapter {
	return &AccountAdapter{db: db}
}

const accountSelectColumns = `
	id, owner_id, provider, account_email, credential_ref,
	sync_cursor, status, last_error, last_synced_at, created_at, updated_at`

// accountRow represents the database row for mail accounts.
type accountRow struct {
	ID            int64        `db:"id"`
	OwnerID       uuid.UUID    `db:"owner_id"`
	Provider      string       `db:"provider"`
	AccountEmail  string       `db:"account_email"`
	CredentialRef string       `db:"credential_ref"`
	SyncCursor    string       `db:"sync_cursor"`
	Status        string       `db:"status"`
	LastError     sql.NullString `db:"last_error"`
	LastSyncedAt  sql.NullTime `db:"last_synced_at"`
	CreatedAt     time.Time    `db:"created_at"`
	UpdatedAt     time.Time    `db:"updated_at"`
}

func (r *accountRow) toDomain() *domain.Account {
	a := &domain.Account{
		ID:            r.ID,
		OwnerID:       r.OwnerID,
		Provider:      domain.Provider(r.Provider),
		AccountEmail:  r.AccountEmail,
		CredentialRef: r.CredentialRef,
		SyncCursor:    r.SyncCursor,
		Status:        domain.AccountStatus(r.Status),
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if r.LastError.Valid {
		a.LastError = r.LastError.String
	}
	if r.LastSyncedAt.Valid {
		a.LastSyncedAt = r.LastSyncedAt.Time
	}
	return a
}

// GetByID returns one account.
func (a *AccountAdapter) GetByID(ctx context.Context, id int64) (*domain.Account, error) {
	var row accountRow
	query := `SELECT ` + accountSelectColumns + ` FROM mail_accounts WHERE id = $1`

	if err := a.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, err
	}
	return row.toDomain(), nil
}

// ListByStatus returns accounts in the given lifecycle state.
func (a *AccountAdapter) ListByStatus(ctx context.Context, status domain.AccountStatus) ([]*domain.Account, error) {
	var rows []accountRow
	query := `SELECT ` + accountSelectColumns + ` FROM mail_accounts WHERE status = $1 ORDER BY id`

	if err := a.db.SelectContext(ctx, &rows, query, string(status)); err != nil {
		return nil, err
	}

	accounts := make([]*domain.Account, 0, len(rows))
	for i := range rows {
		accounts = append(accounts, rows[i].toDomain())
	}
	return accounts, nil
}

// UpdateCursor performs the compare-and-swap cursor advance. The WHERE clause
// carries the expected previous value; zero rows affected on an existing
// account means another writer won the race.
func (a *AccountAdapter) UpdateCursor(ctx context.Context, id int64, expectedPrev, newCursor string) error {
	query := `
		UPDATE mail_accounts
		SET sync_cursor = $3, updated_at = NOW()
		WHERE id = $1 AND sync_cursor = $2`

	res, err := a.db.ExecContext(ctx, query, id, expectedPrev, newCursor)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Distinguish a lost race from a missing account.
		var exists bool
		if err := a.db.GetContext(ctx, &exists,
			`SELECT EXISTS (SELECT 1 FROM mail_accounts WHERE id = $1)`, id); err != nil {
			return err
		}
		if !exists {
			return domain.ErrAccountNotFound
		}
		logger.WithAccount(id, "").Warn("cursor CAS lost: stored value no longer %q", expectedPrev)
		return domain.ErrStaleCursor
	}
	return nil
}

// UpdateStatus sets status and last-error reason.
func (a *AccountAdapter) UpdateStatus(ctx context.Context, id int64, status domain.AccountStatus, lastError string) error {
	query := `
		UPDATE mail_accounts
		SET status = $2, last_error = NULLIF($3, ''), updated_at = NOW()
		WHERE id = $1`

	res, err := a.db.ExecContext(ctx, query, id, string(status), lastError)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

// TouchSyncedAt records a completed sync cycle.
func (a *AccountAdapter) TouchSyncedAt(ctx context.Context, id int64) error {
	_, err := a.db.ExecContext(ctx,
		`UPDATE mail_accounts SET last_synced_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	return err
}
