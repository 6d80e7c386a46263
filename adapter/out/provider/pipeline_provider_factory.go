package provider

import (
	"context"
	"fmt"

	"pipeline_server/core/domain"
	"pipeline_server/core/port/out"

	"golang.org/x/oauth2"
)

// =============================================================================
// Provider Factory
// =============================================================================

// Factory resolves the adapter for an account's provider and binds it to the
// account, so every page leaving the factory is already normalized and
// stamped with the owning account.
type Factory struct {
	gmail   *GmailAdapter
	outlook *OutlookAdapter
}

func NewFactory(gmail *GmailAdapter, outlook *OutlookAdapter) *Factory {
	return &Factory{gmail: gmail, outlook: outlook}
}

// ProviderFor returns the bound provider for the account.
func (f *Factory) ProviderFor(account *domain.Account) (out.MailProviderPort, error) {
	var inner out.MailProviderPort
	switch account.Provider {
	case domain.MailProviderGmail:
		if f.gmail == nil {
			return nil, fmt.Errorf("gmail adapter not configured")
		}
		inner = f.gmail
	case domain.MailProviderOutlook:
		if f.outlook == nil {
			return nil, fmt.Errorf("outlook adapter not configured")
		}
		inner = f.outlook
	default:
		return nil, fmt.Errorf("unknown provider %q", account.Provider)
	}
	return &boundProvider{inner: inner, accountID: account.ID}, nil
}

// OAuthConfigFor returns the oauth2 config for the account's provider, used
// by the credential source to refresh tokens.
func (f *Factory) OAuthConfigFor(provider domain.Provider) (*oauth2.Config, error) {
	switch provider {
	case domain.MailProviderGmail:
		if f.gmail == nil {
			return nil, fmt.Errorf("gmail adapter not configured")
		}
		return f.gmail.OAuthConfig(), nil
	case domain.MailProviderOutlook:
		if f.outlook == nil {
			return nil, fmt.Errorf("outlook adapter not configured")
		}
		return f.outlook.OAuthConfig(), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
}

// boundProvider decorates an adapter with account stamping and page
// normalization.
type boundProvider struct {
	inner     out.MailProviderPort
	accountID int64
}

func (b *boundProvider) ProviderType() domain.Provider {
	return b.inner.ProviderType()
}

func (b *boundProvider) FetchSince(ctx context.Context, token *oauth2.Token, cursor string) (*out.FetchPage, error) {
	page, err := b.inner.FetchSince(ctx, token, cursor)
	if err != nil {
		return nil, err
	}
	return NormalizePage(b.accountID, page), nil
}

func (b *boundProvider) FetchMessage(ctx context.Context, token *oauth2.Token, providerMessageID string) (*domain.CanonicalMessage, error) {
	msg, err := b.inner.FetchMessage(ctx, token, providerMessageID)
	if err != nil {
		return nil, err
	}
	if msg != nil {
		msg.AccountID = b.accountID
		msg.ReceivedAt = msg.ReceivedAt.UTC()
	}
	return msg, nil
}
