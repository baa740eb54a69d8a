package gmail

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/Martian-dev/mailsync-infra/internal/model"
	"github.com/Martian-dev/mailsync-infra/internal/sync"
)

const pageSize = 100

// Client implements sync.MailClient for Gmail. All transport errors are
// wrapped into the sync error taxonomy at this boundary.
type Client struct {
	svc  *gmailapi.Service
	user string
}

// New creates a Gmail client for the "me" mailbox using the given bearer
// token.
func New(ctx context.Context, accessToken string) (*Client, error) {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})
	svc, err := gmailapi.NewService(ctx, option.WithTokenSource(src))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return &Client{svc: svc, user: "me"}, nil
}

// ListMessages lists message ids newest first, one page at a time.
func (c *Client) ListMessages(ctx context.Context, pageToken string) ([]string, string, error) {
	call := c.svc.Users.Messages.List(c.user).
		IncludeSpamTrash(false).
		MaxResults(pageSize).
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	resp, err := call.Do()
	if err != nil {
		return nil, "", wrapErr(err)
	}

	ids := make([]string, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		ids = append(ids, m.Id)
	}
	return ids, resp.NextPageToken, nil
}

// GetMessage fetches metadata for one message and normalizes it.
func (c *Client) GetMessage(ctx context.Context, id string) (model.Message, error) {
	m, err := c.svc.Users.Messages.Get(c.user, id).Format("metadata").Context(ctx).Do()
	if err != nil {
		return model.Message{}, wrapErr(err)
	}
	return normalize(m), nil
}

// ListLabels returns the mailbox's full label set.
func (c *Client) ListLabels(ctx context.Context) ([]model.Label, error) {
	resp, err := c.svc.Users.Labels.List(c.user).Context(ctx).Do()
	if err != nil {
		return nil, wrapErr(err)
	}

	labels := make([]model.Label, 0, len(resp.Labels))
	for _, l := range resp.Labels {
		label := model.Label{
			ID:     l.Id,
			Name:   l.Name,
			Type:   l.Type,
			Hidden: l.LabelListVisibility == "labelHide",
		}
		if l.Color != nil {
			label.Color = l.Color.BackgroundColor
		}
		labels = append(labels, label)
	}
	return labels, nil
}

// History streams typed change entries since the given history id. Gmail
// reports a stale start id as 404, which maps to the history-expired kind so
// the engine can fall back to a full sync.
func (c *Client) History(ctx context.Context, sincePosition, pageToken string) ([]sync.HistoryEntry, string, string, error) {
	since, err := strconv.ParseUint(sincePosition, 10, 64)
	if err != nil {
		return nil, "", "", sync.NewError(sync.KindHistoryExpired,
			fmt.Errorf("invalid history position %q: %w", sincePosition, err))
	}

	call := c.svc.Users.History.List(c.user).
		StartHistoryId(since).
		HistoryTypes("messageAdded", "messageDeleted", "labelAdded", "labelRemoved").
		MaxResults(pageSize).
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	resp, err := call.Do()
	if err != nil {
		werr := wrapErr(err)
		if sync.Classify(werr) == sync.KindNotFound {
			werr = sync.NewError(sync.KindHistoryExpired, err)
		}
		return nil, "", "", werr
	}

	latest := since
	var entries []sync.HistoryEntry
	for _, h := range resp.History {
		if h.Id > latest {
			latest = h.Id
		}
		for _, r := range h.MessagesAdded {
			entries = append(entries, sync.HistoryEntry{
				Kind:      sync.HistoryAdded,
				MessageID: r.Message.Id,
			})
		}
		for _, r := range h.MessagesDeleted {
			entries = append(entries, sync.HistoryEntry{
				Kind:      sync.HistoryDeleted,
				MessageID: r.Message.Id,
			})
		}
		for _, r := range h.LabelsAdded {
			entries = append(entries, sync.HistoryEntry{
				Kind:      sync.HistoryLabelAdded,
				MessageID: r.Message.Id,
				LabelIDs:  r.LabelIds,
			})
		}
		for _, r := range h.LabelsRemoved {
			entries = append(entries, sync.HistoryEntry{
				Kind:      sync.HistoryLabelRemoved,
				MessageID: r.Message.Id,
				LabelIDs:  r.LabelIds,
			})
		}
	}

	return entries, resp.NextPageToken, strconv.FormatUint(latest, 10), nil
}

// CurrentHistoryPosition returns the mailbox's present history id.
func (c *Client) CurrentHistoryPosition(ctx context.Context) (string, error) {
	profile, err := c.svc.Users.GetProfile(c.user).Context(ctx).Do()
	if err != nil {
		return "", wrapErr(err)
	}
	return strconv.FormatUint(profile.HistoryId, 10), nil
}

// normalize converts a Gmail message to the provider-agnostic model.
func normalize(m *gmailapi.Message) model.Message {
	headers := make(map[string]string)
	if m.Payload != nil {
		for _, kv := range m.Payload.Headers {
			headers[kv.Name] = kv.Value
		}
	}

	isRead := true
	isStarred := false
	for _, id := range m.LabelIds {
		switch id {
		case model.LabelUnread:
			isRead = false
		case model.LabelStarred:
			isStarred = true
		}
	}

	return model.Message{
		ID:           m.Id,
		ThreadID:     m.ThreadId,
		Subject:      headers["Subject"],
		Sender:       headers["From"],
		To:           splitAddrs(headers["To"]),
		Cc:           splitAddrs(headers["Cc"]),
		Snippet:      m.Snippet,
		LabelIDs:     m.LabelIds,
		IsRead:       isRead,
		IsStarred:    isStarred,
		InternalDate: time.UnixMilli(m.InternalDate),
	}
}

// splitAddrs parses comma-separated email addresses
func splitAddrs(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// wrapErr classifies a Gmail API error into the sync taxonomy.
func wrapErr(err error) error {
	var ge *googleapi.Error
	if errors.As(err, &ge) {
		switch {
		case ge.Code == 401:
			return sync.NewError(sync.KindAuthorization, err)
		case ge.Code == 403:
			for _, item := range ge.Errors {
				switch item.Reason {
				case "rateLimitExceeded", "userRateLimitExceeded":
					return &sync.Error{Kind: sync.KindRateLimited, RetryAfter: retryAfterHeader(ge), Err: err}
				case "quotaExceeded", "dailyLimitExceeded":
					return sync.NewError(sync.KindQuotaExceeded, err)
				}
			}
			return sync.NewError(sync.KindAuthorization, err)
		case ge.Code == 404:
			return sync.NewError(sync.KindNotFound, err)
		case ge.Code == 429:
			return &sync.Error{Kind: sync.KindRateLimited, RetryAfter: retryAfterHeader(ge), Err: err}
		case ge.Code >= 500:
			return sync.NewError(sync.KindServer, err)
		case ge.Code == 400:
			return sync.NewError(sync.KindMalformedResponse, err)
		default:
			return sync.NewError(sync.KindUnknown, err)
		}
	}

	return sync.NewError(sync.KindNetwork, err)
}

func retryAfterHeader(ge *googleapi.Error) time.Duration {
	if ge.Header == nil {
		return 0
	}
	secs, err := strconv.Atoi(ge.Header.Get("Retry-After"))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
