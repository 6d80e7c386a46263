package provider

import (
	"net/mail"
	"strings"

	"pipeline_server/core/domain"
	"pipeline_server/core/port/out"
)

// ParseAddress parses an RFC 2822 address header value. Unparseable input is
// kept as a bare email string rather than dropped; classification can still
// use it.
func ParseAddress(raw string) domain.EmailAddress {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return domain.EmailAddress{}
	}
	addr, err := mail.ParseAddress(raw)
	if err != nil {
		return domain.EmailAddress{Email: raw}
	}
	return domain.EmailAddress{Name: addr.Name, Email: addr.Address}
}

// NormalizePage stamps the owning account onto a fetched page and enforces
// the canonical invariants: timestamps in UTC, no duplicate provider message
// ids within the page (first occurrence wins, provider order kept), no
// messages without an id.
func NormalizePage(accountID int64, page *out.FetchPage) *out.FetchPage {
	if page == nil {
		return nil
	}

	seen := make(map[string]bool, len(page.Messages))
	messages := page.Messages[:0]
	for _, msg := range page.Messages {
		if msg == nil || msg.ProviderMessageID == "" || seen[msg.ProviderMessageID] {
			continue
		}
		seen[msg.ProviderMessageID] = true
		msg.AccountID = accountID
		msg.ReceivedAt = msg.ReceivedAt.UTC()
		messages = append(messages, msg)
	}
	page.Messages = messages

	bodySeen := make(map[string]bool, len(page.Bodies))
	bodies := page.Bodies[:0]
	for _, body := range page.Bodies {
		if body == nil || body.ProviderMessageID == "" || bodySeen[body.ProviderMessageID] {
			continue
		}
		// Bodies without a surviving message are dropped with it.
		if !seen[body.ProviderMessageID] {
			continue
		}
		bodySeen[body.ProviderMessageID] = true
		body.AccountID = accountID
		bodies = append(bodies, body)
	}
	page.Bodies = bodies

	return page
}
