package out

import (
	"context"

	"pipeline_server/core/domain"

	"golang.org/x/oauth2"
)

// CredentialSource is the external credential collaborator. It returns a
// valid, already-refreshed access token for an account, or a ProviderError
// with code auth_expired when the refresh token itself is dead.
//
// Tokens are opaque to the pipeline and are never persisted here.
type CredentialSource interface {
	AccessToken(ctx context.Context, account *domain.Account) (*oauth2.Token, error)
}
