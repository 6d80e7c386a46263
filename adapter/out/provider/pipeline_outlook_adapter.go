package provider

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"pipeline_server/core/domain"
	"pipeline_server/core/port/out"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"
)

const graphBaseURL = "https://graph.microsoft.com/v1.0"

// =============================================================================
// Outlook Adapter
// =============================================================================

// OutlookAdapter implements out.MailProviderPort via Microsoft Graph. The
// sync cursor is the Graph delta link (or an intermediate nextLink while a
// large delta is being paged through); both are opaque provider state.
type OutlookAdapter struct {
	config   *oauth2.Config
	pageSize int
	cb       *gobreaker.CircuitBreaker
}

// OutlookConfig holds Outlook configuration.
type OutlookConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	TenantID     string
	PageSize     int
}

// NewOutlookAdapter creates a new Outlook adapter.
func NewOutlookAdapter(cfg *OutlookConfig) *OutlookAdapter {
	tenantID := cfg.TenantID
	if tenantID == "" {
		tenantID = "common"
	}

	config := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes: []string{
			"https://graph.microsoft.com/Mail.Read",
			"offline_access",
		},
		Endpoint: microsoft.AzureADEndpoint(tenantID),
	}

	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}

	cbSettings := gobreaker.Settings{
		Name:        "graph-api",
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

	return &OutlookAdapter{
		config:   config,
		pageSize: pageSize,
		cb:       gobreaker.NewCircuitBreaker(cbSettings),
	}
}

// ProviderType returns the provider type.
func (a *OutlookAdapter) ProviderType() domain.Provider {
	return domain.MailProviderOutlook
}

// OAuthConfig exposes the oauth2 config for the credential source.
func (a *OutlookAdapter) OAuthConfig() *oauth2.Config {
	return a.config
}

// =============================================================================
// Sync
// =============================================================================

// graphMessage is the subset of the Graph message resource the pipeline uses.
type graphMessage struct {
	ID               string `json:"id"`
	ConversationID   string `json:"conversationId"`
	Subject          string `json:"subject"`
	BodyPreview      string `json:"bodyPreview"`
	ReceivedDateTime string `json:"receivedDateTime"`
	From             *struct {
		EmailAddress struct {
			Name    string `json:"name"`
			Address string `json:"address"`
		} `json:"emailAddress"`
	} `json:"from"`
	Body *struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
	Removed *struct {
		Reason string `json:"reason"`
	} `json:"@removed"`
}

type graphDeltaResponse struct {
	Value     []graphMessage `json:"value"`
	NextLink  string         `json:"@odata.nextLink"`
	DeltaLink string         `json:"@odata.deltaLink"`
}

// FetchSince fetches one delta page. An empty cursor starts a fresh delta
// walk over the inbox; Graph then pages through current state before handing
// back a delta link, which is exactly the baseline-then-incremental behavior
// the scheduler expects.
func (a *OutlookAdapter) FetchSince(ctx context.Context, token *oauth2.Token, cursor string) (*out.FetchPage, error) {
	client := a.config.Client(ctx, token)

	link := cursor
	if !strings.HasPrefix(link, "http") {
		params := url.Values{}
		params.Set("$select", "id,conversationId,subject,bodyPreview,from,receivedDateTime,body")
		link = graphBaseURL + "/me/mailFolders/inbox/messages/delta?" + params.Encode()
	}

	var resp graphDeltaResponse
	if err := a.doGet(ctx, client, link, &resp); err != nil {
		if pe, ok := out.AsProviderError(err); ok && pe.Code == out.ProviderErrCursorInvalid && cursor == "" {
			// A fresh delta walk cannot have an invalid cursor; surface as transient.
			return nil, out.NewProviderError(domain.MailProviderOutlook, out.ProviderErrTransient, "delta init failed", err)
		}
		return nil, err
	}

	var messages []*domain.CanonicalMessage
	var bodies []*domain.MessageBody
	for i := range resp.Value {
		gm := &resp.Value[i]
		if gm.Removed != nil {
			// Deletions are not ingested; the message simply stops arriving.
			continue
		}
		msg, body := a.toCanonical(gm)
		messages = append(messages, msg)
		if body != nil {
			bodies = append(bodies, body)
		}
	}

	next := resp.DeltaLink
	hasMore := false
	if resp.NextLink != "" {
		next = resp.NextLink
		hasMore = true
	}

	return &out.FetchPage{
		Messages:   messages,
		Bodies:     bodies,
		NextCursor: next,
		HasMore:    hasMore,
	}, nil
}

// FetchMessage retrieves one message by its provider id.
func (a *OutlookAdapter) FetchMessage(ctx context.Context, token *oauth2.Token, providerMessageID string) (*domain.CanonicalMessage, error) {
	client := a.config.Client(ctx, token)

	var gm graphMessage
	u := graphBaseURL + "/me/messages/" + url.PathEscape(providerMessageID) +
		"?$select=id,conversationId,subject,bodyPreview,from,receivedDateTime,body"
	if err := a.doGet(ctx, client, u, &gm); err != nil {
		return nil, err
	}

	msg, _ := a.toCanonical(&gm)
	return msg, nil
}

func (a *OutlookAdapter) toCanonical(gm *graphMessage) (*domain.CanonicalMessage, *domain.MessageBody) {
	msg := &domain.CanonicalMessage{
		ProviderMessageID: gm.ID,
		ThreadID:          gm.ConversationID,
		Subject:           gm.Subject,
		BodySnippet:       gm.BodyPreview,
	}

	if gm.From != nil {
		msg.Sender = domain.EmailAddress{
			Name:  gm.From.EmailAddress.Name,
			Email: gm.From.EmailAddress.Address,
		}
	}

	if t, err := time.Parse(time.RFC3339, gm.ReceivedDateTime); err == nil {
		msg.ReceivedAt = t.UTC()
	}

	var body *domain.MessageBody
	if gm.Body != nil && gm.Body.Content != "" {
		body = &domain.MessageBody{ProviderMessageID: gm.ID}
		if strings.EqualFold(gm.Body.ContentType, "html") {
			body.HTMLBody = gm.Body.Content
		} else {
			body.TextBody = gm.Body.Content
		}
	}
	return msg, body
}

// =============================================================================
// Plumbing
// =============================================================================

func (a *OutlookAdapter) doGet(ctx context.Context, client *http.Client, link string, result any) error {
	return a.execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
		if err != nil {
			return out.NewProviderError(domain.MailProviderOutlook, out.ProviderErrTransient, "bad request url", err)
		}
		req.Header.Set("Prefer", "odata.maxpagesize="+strconv.Itoa(a.pageSize))

		resp, err := client.Do(req)
		if err != nil {
			return out.NewProviderError(domain.MailProviderOutlook, out.ProviderErrTransient, "graph request failed", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			payload, _ := io.ReadAll(resp.Body)
			return a.wrapHTTPError(resp.StatusCode, resp.Header.Get("Retry-After"), string(payload))
		}

		if result != nil && resp.StatusCode != http.StatusNoContent {
			if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
				return out.NewProviderError(domain.MailProviderOutlook, out.ProviderErrTransient, "malformed graph response", err)
			}
		}
		return nil
	})
}

func (a *OutlookAdapter) execute(fn func() error) error {
	_, err := a.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return out.NewProviderError(domain.MailProviderOutlook, out.ProviderErrTransient, "circuit breaker open", err)
	}
	return err
}

func (a *OutlookAdapter) wrapHTTPError(statusCode int, retryAfter, body string) error {
	switch statusCode {
	case 401:
		return out.NewProviderError(domain.MailProviderOutlook, out.ProviderErrAuthExpired, "token expired", nil)
	case 403:
		return out.NewProviderError(domain.MailProviderOutlook, out.ProviderErrAuthExpired, "access denied", nil)
	case 404:
		return out.NewProviderError(domain.MailProviderOutlook, out.ProviderErrNotFound, "not found", nil)
	case 410:
		// Graph's resyncRequired: the delta token is gone.
		return out.NewProviderError(domain.MailProviderOutlook, out.ProviderErrCursorInvalid, "delta token expired", nil)
	case 429:
		return out.NewRateLimitedError(domain.MailProviderOutlook, retryAfterFromHeader(retryAfter), nil)
	default:
		if strings.Contains(body, "resyncRequired") {
			return out.NewProviderError(domain.MailProviderOutlook, out.ProviderErrCursorInvalid, "resync required", nil)
		}
		return out.NewProviderError(domain.MailProviderOutlook, out.ProviderErrTransient, "graph error "+strconv.Itoa(statusCode), nil)
	}
}
