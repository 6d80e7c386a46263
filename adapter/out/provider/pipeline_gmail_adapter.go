// Package provider implements mail provider adapters.
package provider

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"pipeline_server/core/domain"
	"pipeline_server/core/port/out"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// gmailMetadataHeaders are the headers requested for classification.
var gmailMetadataHeaders = []string{
	"From", "To", "Subject", "Date", "Message-ID", "In-Reply-To", "References",
}

// fetchConcurrency bounds parallel per-message fetches within one page.
const fetchConcurrency = 5

// =============================================================================
// Gmail Adapter
// =============================================================================

// GmailAdapter implements out.MailProviderPort for Gmail. The sync cursor is
// the Gmail history id: strictly increasing provider state, never wall-clock
// derived.
type GmailAdapter struct {
	config   *oauth2.Config
	pageSize int64
	cb       *gobreaker.CircuitBreaker
}

// GmailConfig holds Gmail configuration.
type GmailConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	PageSize     int
}

// NewGmailAdapter creates a new Gmail adapter.
func NewGmailAdapter(cfg *GmailConfig) *GmailAdapter {
	config := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes: []string{
			gmail.GmailReadonlyScope,
		},
		Endpoint: google.Endpoint,
	}

	pageSize := int64(cfg.PageSize)
	if pageSize <= 0 {
		pageSize = 100
	}

	cbSettings := gobreaker.Settings{
		Name:        "gmail-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("[CircuitBreaker] %s: state changed from %s to %s", name, from.String(), to.String())
		},
	}

	return &GmailAdapter{
		config:   config,
		pageSize: pageSize,
		cb:       gobreaker.NewCircuitBreaker(cbSettings),
	}
}

// ProviderType returns the provider type.
func (a *GmailAdapter) ProviderType() domain.Provider {
	return domain.MailProviderGmail
}

// OAuthConfig exposes the oauth2 config for the credential source.
func (a *GmailAdapter) OAuthConfig() *oauth2.Config {
	return a.config
}

// =============================================================================
// Sync
// =============================================================================

// FetchSince returns messages added after the cursor. An empty cursor takes a
// baseline: one page of recent mail plus the mailbox's current history id, so
// the next call is incremental.
func (a *GmailAdapter) FetchSince(ctx context.Context, token *oauth2.Token, cursor string) (*out.FetchPage, error) {
	svc, err := a.getService(ctx, token)
	if err != nil {
		return nil, a.wrapError(err, "failed to build gmail client")
	}

	if cursor == "" {
		return a.baselineFetch(ctx, svc)
	}

	historyID, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return nil, out.NewProviderError(domain.MailProviderGmail, out.ProviderErrCursorInvalid,
			fmt.Sprintf("cursor %q is not a gmail history id", cursor), err)
	}

	var added []*gmail.Message
	seen := make(map[string]bool)
	nextHistoryID := historyID
	pageToken := ""

	for {
		req := svc.Users.History.List("me").
			StartHistoryId(historyID).
			HistoryTypes("messageAdded").
			MaxResults(a.pageSize)
		if pageToken != "" {
			req = req.PageToken(pageToken)
		}

		var resp *gmail.ListHistoryResponse
		cbErr := a.execute(func() error {
			var doErr error
			resp, doErr = req.Context(ctx).Do()
			return doErr
		})
		if cbErr != nil {
			if apiErr, ok := cbErr.(*googleapi.Error); ok && apiErr.Code == 404 {
				// History window expired; caller restarts from baseline.
				return nil, out.NewProviderError(domain.MailProviderGmail, out.ProviderErrCursorInvalid,
					"gmail history expired", cbErr)
			}
			return nil, a.wrapError(cbErr, "failed to list history")
		}

		for _, h := range resp.History {
			for _, ma := range h.MessagesAdded {
				if ma.Message != nil && !seen[ma.Message.Id] {
					seen[ma.Message.Id] = true
					added = append(added, ma.Message)
				}
			}
		}
		if resp.HistoryId > nextHistoryID {
			nextHistoryID = resp.HistoryId
		}

		pageToken = resp.NextPageToken
		if pageToken == "" {
			break
		}
	}

	messages, bodies := a.fetchMessagesParallel(ctx, svc, added)

	return &out.FetchPage{
		Messages:   messages,
		Bodies:     bodies,
		NextCursor: strconv.FormatUint(nextHistoryID, 10),
		HasMore:    false,
	}, nil
}

// baselineFetch lists one page of recent inbox mail and stamps the cursor at
// the mailbox's current history id.
func (a *GmailAdapter) baselineFetch(ctx context.Context, svc *gmail.Service) (*out.FetchPage, error) {
	var profile *gmail.Profile
	if err := a.execute(func() error {
		var doErr error
		profile, doErr = svc.Users.GetProfile("me").Context(ctx).Do()
		return doErr
	}); err != nil {
		return nil, a.wrapError(err, "failed to get profile")
	}

	var list *gmail.ListMessagesResponse
	if err := a.execute(func() error {
		var doErr error
		list, doErr = svc.Users.Messages.List("me").
			LabelIds("INBOX").
			MaxResults(a.pageSize).
			Context(ctx).Do()
		return doErr
	}); err != nil {
		return nil, a.wrapError(err, "failed to list messages")
	}

	messages, bodies := a.fetchMessagesParallel(ctx, svc, list.Messages)

	return &out.FetchPage{
		Messages:   messages,
		Bodies:     bodies,
		NextCursor: strconv.FormatUint(profile.HistoryId, 10),
		HasMore:    false,
	}, nil
}

// FetchMessage retrieves one message by its provider id.
func (a *GmailAdapter) FetchMessage(ctx context.Context, token *oauth2.Token, providerMessageID string) (*domain.CanonicalMessage, error) {
	svc, err := a.getService(ctx, token)
	if err != nil {
		return nil, a.wrapError(err, "failed to build gmail client")
	}

	var msg *gmail.Message
	if err := a.execute(func() error {
		var doErr error
		msg, doErr = svc.Users.Messages.Get("me", providerMessageID).
			Format("full").
			Context(ctx).Do()
		return doErr
	}); err != nil {
		return nil, a.wrapError(err, "failed to get message")
	}

	canonical, _ := a.toCanonical(msg)
	return canonical, nil
}

// fetchMessagesParallel loads full messages for the given refs with bounded
// concurrency. Individual fetch failures drop that message from the page; it
// comes back on the next history pass.
func (a *GmailAdapter) fetchMessagesParallel(ctx context.Context, svc *gmail.Service, refs []*gmail.Message) ([]*domain.CanonicalMessage, []*domain.MessageBody) {
	if len(refs) == 0 {
		return nil, nil
	}

	type slot struct {
		msg  *domain.CanonicalMessage
		body *domain.MessageBody
	}
	slots := make([]slot, len(refs))

	sem := make(chan struct{}, fetchConcurrency)
	var wg sync.WaitGroup

	for i, ref := range refs {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, id string) {
			defer wg.Done()
			defer func() { <-sem }()

			full, err := svc.Users.Messages.Get("me", id).Format("full").Context(ctx).Do()
			if err != nil {
				log.Printf("[Gmail] failed to fetch message %s: %v", id, err)
				return
			}
			slots[i].msg, slots[i].body = a.toCanonical(full)
		}(i, ref.Id)
	}
	wg.Wait()

	var messages []*domain.CanonicalMessage
	var bodies []*domain.MessageBody
	for _, s := range slots {
		if s.msg != nil {
			messages = append(messages, s.msg)
			if s.body != nil {
				bodies = append(bodies, s.body)
			}
		}
	}
	return messages, bodies
}

// toCanonical converts a Gmail message. AccountID is stamped later by the
// normalizer since the adapter does not know which account it serves.
func (a *GmailAdapter) toCanonical(msg *gmail.Message) (*domain.CanonicalMessage, *domain.MessageBody) {
	if msg == nil {
		return nil, nil
	}

	canonical := &domain.CanonicalMessage{
		ProviderMessageID: msg.Id,
		ThreadID:          msg.ThreadId,
		BodySnippet:       msg.Snippet,
		ReceivedAt:        time.UnixMilli(msg.InternalDate).UTC(),
	}

	if msg.Payload != nil {
		for _, h := range msg.Payload.Headers {
			switch h.Name {
			case "From":
				canonical.Sender = ParseAddress(h.Value)
			case "Subject":
				canonical.Subject = h.Value
			}
		}
	}

	text, html := extractGmailBody(msg.Payload)
	var body *domain.MessageBody
	if text != "" || html != "" {
		body = &domain.MessageBody{
			ProviderMessageID: msg.Id,
			TextBody:          text,
			HTMLBody:          html,
		}
	}
	return canonical, body
}

// extractGmailBody walks the MIME tree for text/plain and text/html parts.
func extractGmailBody(payload *gmail.MessagePart) (text, html string) {
	if payload == nil {
		return "", ""
	}

	if payload.Body != nil && payload.Body.Data != "" {
		decoded, err := base64.URLEncoding.DecodeString(payload.Body.Data)
		if err == nil {
			switch {
			case strings.HasPrefix(payload.MimeType, "text/plain"):
				text = string(decoded)
			case strings.HasPrefix(payload.MimeType, "text/html"):
				html = string(decoded)
			}
		}
	}

	for _, part := range payload.Parts {
		t, h := extractGmailBody(part)
		if text == "" {
			text = t
		}
		if html == "" {
			html = h
		}
	}
	return text, html
}

// =============================================================================
// Plumbing
// =============================================================================

func (a *GmailAdapter) getService(ctx context.Context, token *oauth2.Token) (*gmail.Service, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
	}

	return gmail.NewService(ctx, option.WithTokenSource(
		a.config.TokenSource(ctx, token),
	))
}

// execute wraps an API call with circuit breaker protection.
func (a *GmailAdapter) execute(fn func() error) error {
	_, err := a.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

func (a *GmailAdapter) wrapError(err error, defaultMsg string) error {
	if err == nil {
		return nil
	}

	if apiErr, ok := err.(*googleapi.Error); ok {
		switch apiErr.Code {
		case 401:
			return out.NewProviderError(domain.MailProviderGmail, out.ProviderErrAuthExpired, "token expired", err)
		case 403:
			if strings.Contains(apiErr.Message, "Rate Limit") || strings.Contains(apiErr.Message, "rateLimitExceeded") {
				return out.NewRateLimitedError(domain.MailProviderGmail, retryAfterFromHeader(apiErr.Header.Get("Retry-After")), err)
			}
			return out.NewProviderError(domain.MailProviderGmail, out.ProviderErrAuthExpired, "access denied", err)
		case 404:
			return out.NewProviderError(domain.MailProviderGmail, out.ProviderErrNotFound, "not found", err)
		case 429:
			return out.NewRateLimitedError(domain.MailProviderGmail, retryAfterFromHeader(apiErr.Header.Get("Retry-After")), err)
		case 500, 502, 503:
			return out.NewProviderError(domain.MailProviderGmail, out.ProviderErrTransient, "server error", err)
		}
	}
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return out.NewProviderError(domain.MailProviderGmail, out.ProviderErrTransient, "circuit breaker open", err)
	}

	return out.NewProviderError(domain.MailProviderGmail, out.ProviderErrTransient, defaultMsg, err)
}

// retryAfterFromHeader parses a Retry-After header value in seconds.
func retryAfterFromHeader(v string) time.Duration {
	if v == "" {
		return 30 * time.Second
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 30 * time.Second
}
