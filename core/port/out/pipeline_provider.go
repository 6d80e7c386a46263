// Package out defines outbound ports (driven ports) for the pipeline.
package out

import (
	"context"
	"errors"
	"time"

	"pipeline_server/core/domain"

	"golang.org/x/oauth2"
)

// =============================================================================
// Mail Provider Port (Gmail, Outlook)
// =============================================================================

// MailProviderPort is the capability interface one mail provider implements.
// Adding a provider means adding an implementation, not touching the
// scheduler or orchestrator.
type MailProviderPort interface {
	// ProviderType returns the provider enum value ("google", "outlook").
	ProviderType() domain.Provider

	// FetchSince returns new or changed messages after the cursor, in
	// provider order, plus the cursor for the next call. The next cursor is
	// derived solely from provider sync state (history id, delta link), never
	// from wall-clock time, so a restart resumes without gaps.
	// An empty cursor requests the provider's initial baseline page.
	FetchSince(ctx context.Context, token *oauth2.Token, cursor string) (*FetchPage, error)

	// FetchMessage retrieves one message by its provider id.
	FetchMessage(ctx context.Context, token *oauth2.Token, providerMessageID string) (*domain.CanonicalMessage, error)
}

// FetchPage is one page of a resumable incremental fetch.
type FetchPage struct {
	Messages   []*domain.CanonicalMessage
	Bodies     []*domain.MessageBody // parallel to Messages where available
	NextCursor string
	HasMore    bool // more pages available immediately at NextCursor
}

// =============================================================================
// Provider Error Taxonomy
// =============================================================================

type ProviderErrorCode string

const (
	ProviderErrAuthExpired   ProviderErrorCode = "auth_expired"   // credential refresh needed
	ProviderErrRateLimited   ProviderErrorCode = "rate_limited"   // retry after RetryAfter
	ProviderErrTransient     ProviderErrorCode = "transient"      // network/server, safe to retry
	ProviderErrNotFound      ProviderErrorCode = "not_found"
	ProviderErrCursorInvalid ProviderErrorCode = "cursor_invalid" // full resync required
)

// ProviderError carries the adapter error taxonomy across the port boundary.
type ProviderError struct {
	Provider   domain.Provider
	Code       ProviderErrorCode
	Message    string
	RetryAfter time.Duration // only for rate_limited
	Err        error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the scheduler may retry without operator action.
func (e *ProviderError) Retryable() bool {
	return e.Code == ProviderErrTransient || e.Code == ProviderErrRateLimited
}

// NewProviderError creates a provider error.
func NewProviderError(provider domain.Provider, code ProviderErrorCode, message string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Code: code, Message: message, Err: err}
}

// NewRateLimitedError creates a rate limit error with a resume hint.
func NewRateLimitedError(provider domain.Provider, retryAfter time.Duration, err error) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		Code:       ProviderErrRateLimited,
		Message:    "rate limit exceeded",
		RetryAfter: retryAfter,
		Err:        err,
	}
}

// AsProviderError extracts a ProviderError from an error chain.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// =============================================================================
// Provider Factory
// =============================================================================

// MailProviderFactory resolves the adapter for an account's provider.
type MailProviderFactory interface {
	ProviderFor(account *domain.Account) (MailProviderPort, error)
}
