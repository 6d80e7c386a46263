package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	"pipeline_server/core/domain"
	"pipeline_server/core/port/out"
	"pipeline_server/pkg/crypto"
	"pipeline_server/pkg/logger"

	"github.com/jmoiron/sqlx"
	"golang.org/x/oauth2"
)

// =============================================================================
// Credential Source (PostgreSQL + OAuth refresh)
// =============================================================================

// OAuthConfigResolver supplies the oauth2 config for a provider. Implemented
// by the provider factory.
type OAuthConfigResolver interface {
	OAuthConfigFor(provider domain.Provider) (*oauth2.Config, error)
}

// CredentialAdapter implements out.CredentialSource. Refresh tokens live
// encrypted in Postgres, keyed by the account's credential ref; access tokens
// are refreshed on demand and cached in memory only.
type CredentialAdapter struct {
	db                *sqlx.DB
	configs           OAuthConfigResolver
	encryptionEnabled bool

	mu    sync.Mutex
	cache map[string]*oauth2.Token // credential_ref -> live access token
}

// NewCredentialAdapter creates a new CredentialAdapter.
func NewCredentialAdapter(db *sqlx.DB, configs OAuthConfigResolver) *CredentialAdapter {
	err := crypto.Init()
	encryptionEnabled := err == nil
	if !encryptionEnabled {
		logger.Warn("Token encryption disabled: %v", err)
	}

	return &CredentialAdapter{
		db:                db,
		configs:           configs,
		encryptionEnabled: encryptionEnabled,
		cache:             make(map[string]*oauth2.Token),
	}
}

type credentialRow struct {
	CredentialRef string         `db:"credential_ref"`
	Provider      string         `db:"provider"`
	RefreshToken  string         `db:"refresh_token"`
	AccessToken   sql.NullString `db:"access_token"`
	ExpiresAt     sql.NullTime   `db:"expires_at"`
}

// AccessToken returns a valid access token for the account, refreshing it
// through the provider's OAuth endpoint when the cached one is stale. A dead
// refresh token surfaces as a ProviderError with code auth_expired.
func (a *CredentialAdapter) AccessToken(ctx context.Context, account *domain.Account) (*oauth2.Token, error) {
	if tok := a.cached(account.CredentialRef); tok != nil {
		return tok, nil
	}

	var row credentialRow
	query := `
		SELECT credential_ref, provider, refresh_token, access_token, expires_at
		FROM mail_credentials
		WHERE credential_ref = $1`
	if err := a.db.GetContext(ctx, &row, query, account.CredentialRef); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, out.NewProviderError(account.Provider, out.ProviderErrAuthExpired,
				"no stored credential for account", err)
		}
		return nil, err
	}

	stored := &oauth2.Token{
		RefreshToken: a.decrypt(row.RefreshToken),
	}
	if row.AccessToken.Valid {
		stored.AccessToken = a.decrypt(row.AccessToken.String)
	}
	if row.ExpiresAt.Valid {
		stored.Expiry = row.ExpiresAt.Time
	}

	// Still fresh enough to use directly.
	if stored.AccessToken != "" && time.Until(stored.Expiry) > time.Minute {
		a.remember(account.CredentialRef, stored)
		return stored, nil
	}

	cfg, err := a.configs.OAuthConfigFor(account.Provider)
	if err != nil {
		return nil, err
	}

	fresh, err := cfg.TokenSource(ctx, stored).Token()
	if err != nil {
		if isInvalidGrant(err) {
			return nil, out.NewProviderError(account.Provider, out.ProviderErrAuthExpired,
				"refresh token revoked", err)
		}
		return nil, out.NewProviderError(account.Provider, out.ProviderErrTransient,
			"token refresh failed", err)
	}

	a.remember(account.CredentialRef, fresh)
	if err := a.persistRotated(ctx, account.CredentialRef, stored, fresh); err != nil {
		// Losing the rotated token costs one extra refresh later, not data.
		logger.WithAccount(account.ID, string(account.Provider)).
			WithError(err).Warn("failed to persist rotated token")
	}
	return fresh, nil
}

func (a *CredentialAdapter) cached(ref string) *oauth2.Token {
	a.mu.Lock()
	defer a.mu.Unlock()

	tok, ok := a.cache[ref]
	if !ok || time.Until(tok.Expiry) <= time.Minute {
		return nil
	}
	return tok
}

func (a *CredentialAdapter) remember(ref string, tok *oauth2.Token) {
	a.mu.Lock()
	a.cache[ref] = tok
	a.mu.Unlock()
}

// persistRotated writes back a rotated refresh token and the new access
// token expiry.
func (a *CredentialAdapter) persistRotated(ctx context.Context, ref string, old, fresh *oauth2.Token) error {
	refreshToken := old.RefreshToken
	if fresh.RefreshToken != "" && fresh.RefreshToken != old.RefreshToken {
		refreshToken = fresh.RefreshToken
	}

	query := `
		UPDATE mail_credentials
		SET refresh_token = $2, access_token = $3, expires_at = $4, updated_at = NOW()
		WHERE credential_ref = $1`
	_, err := a.db.ExecContext(ctx, query,
		ref, a.encrypt(refreshToken), a.encrypt(fresh.AccessToken), fresh.Expiry)
	return err
}

func (a *CredentialAdapter) encrypt(token string) string {
	if !a.encryptionEnabled || token == "" {
		return token
	}
	encrypted, err := crypto.Encrypt(token)
	if err != nil {
		logger.Warn("Failed to encrypt token: %v", err)
		return token
	}
	return encrypted
}

func (a *CredentialAdapter) decrypt(token string) string {
	if token == "" || !crypto.IsEncrypted(token) {
		return token
	}
	decrypted, err := crypto.Decrypt(token)
	if err != nil {
		return token
	}
	return decrypted
}

// isInvalidGrant detects a permanently dead refresh token in the oauth2
// error chain.
func isInvalidGrant(err error) bool {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.ErrorCode == "invalid_grant" {
			return true
		}
		if retrieveErr.Response != nil && retrieveErr.Response.StatusCode == 400 {
			return strings.Contains(string(retrieveErr.Body), "invalid_grant")
		}
	}
	return strings.Contains(err.Error(), "invalid_grant")
}
