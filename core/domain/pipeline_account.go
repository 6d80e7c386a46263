package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

type Provider string

const (
	MailProviderGmail   Provider = "google" // DB enum: google, outlook
	MailProviderOutlook Provider = "outlook"
)

// AccountStatus represents the lifecycle state of a connected mailbox.
type AccountStatus string

const (
	AccountStatusActive AccountStatus = "active"
	AccountStatusPaused AccountStatus = "paused"
	AccountStatusError  AccountStatus = "error"
)

// Account is one OAuth-connected mailbox owned by a user.
// The registry owns all mutations; the sync layer only touches
// SyncCursor, Status and LastError through registry operations.
type Account struct {
	ID            int64         `json:"id"`
	OwnerID       uuid.UUID     `json:"owner_id"`
	Provider      Provider      `json:"provider"`
	AccountEmail  string        `json:"account_email"`
	CredentialRef string        `json:"credential_ref"` // opaque handle for the credential collaborator
	SyncCursor    string        `json:"sync_cursor"`    // opaque, provider-defined
	Status        AccountStatus `json:"status"`
	LastError     string        `json:"last_error,omitempty"`
	LastSyncedAt  time.Time     `json:"last_synced_at,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// IsSchedulable reports whether the sync scheduler may pick this account up.
func (a *Account) IsSchedulable() bool {
	return a.Status == AccountStatusActive
}

// Registry errors.
var (
	// ErrStaleCursor is returned when a cursor advance lost the optimistic
	// concurrency check: the stored cursor no longer matches the value the
	// caller read before fetching.
	ErrStaleCursor = errors.New("sync cursor is stale")

	// ErrAccountNotFound is returned for operations on unknown accounts.
	ErrAccountNotFound = errors.New("account not found")

	// ErrAccountBusy is returned when a second sync attempt tries to enter
	// FETCHING while one is already in flight for the same account.
	ErrAccountBusy = errors.New("account sync already in flight")
)
