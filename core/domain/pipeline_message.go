package domain

import (
	"fmt"
	"time"
)

// EmailAddress is a parsed RFC 2822 address.
type EmailAddress struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

func (a EmailAddress) String() string {
	if a.Name == "" {
		return a.Email
	}
	return fmt.Sprintf("%s <%s>", a.Name, a.Email)
}

// CanonicalMessage is the provider-agnostic representation of one email.
// It is immutable once produced by a provider adapter; identity is the
// (AccountID, ProviderMessageID) pair.
type CanonicalMessage struct {
	AccountID         int64        `json:"account_id"`
	ProviderMessageID string       `json:"provider_message_id"`
	ThreadID          string       `json:"thread_id,omitempty"`
	Sender            EmailAddress `json:"sender"`
	Subject           string       `json:"subject"`
	BodySnippet       string       `json:"body_snippet"`
	ReceivedAt        time.Time    `json:"received_at"` // always UTC
}

// Key returns the globally unique message key.
func (m *CanonicalMessage) Key() string {
	return fmt.Sprintf("%d:%s", m.AccountID, m.ProviderMessageID)
}

// MessageBody holds the full body for the optional archive store.
// Split from CanonicalMessage so the hot path never carries megabytes of HTML.
type MessageBody struct {
	AccountID         int64  `json:"account_id"`
	ProviderMessageID string `json:"provider_message_id"`
	TextBody          string `json:"text_body,omitempty"`
	HTMLBody          string `json:"html_body,omitempty"`
}
