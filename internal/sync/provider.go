package sync

import (
	"context"
	"strconv"

	"github.com/Martian-dev/mailsync-infra/internal/model"
)

// MailClient is the provider-agnostic remote mailbox contract. Adapters wrap
// their transport errors into *Error so the engine can classify them.
type MailClient interface {
	// ListMessages lists message ids newest first, one page at a time.
	ListMessages(ctx context.Context, pageToken string) (ids []string, nextPageToken string, err error)

	// GetMessage fetches the full normalized message.
	GetMessage(ctx context.Context, id string) (model.Message, error)

	// ListLabels returns the account's full label set.
	ListLabels(ctx context.Context) ([]model.Label, error)

	// History streams incremental changes since the given position. A stale
	// position yields an *Error with KindHistoryExpired.
	History(ctx context.Context, sincePosition string, pageToken string) (entries []HistoryEntry, nextPageToken string, latestPosition string, err error)

	// CurrentHistoryPosition returns the server's present history position,
	// used to seed the cursor after a full sync.
	CurrentHistoryPosition(ctx context.Context) (string, error)
}

// ClientFactory builds an authenticated MailClient for an account. The
// coordinator calls it per run, and the engine calls it again for the single
// reauth retry after an authorization failure.
type ClientFactory func(ctx context.Context, account model.Account) (MailClient, error)

// TokenProvider returns a valid bearer token for an account, refreshing as
// needed. Failures classify as authorization errors.
type TokenProvider interface {
	ValidAccessToken(ctx context.Context, accountID string) (string, error)
}

// Repository is the local persistence contract. Every write method is one
// commit boundary: a failed call leaves the previous consistent state intact.
type Repository interface {
	ListAccounts(ctx context.Context, enabledOnly bool) ([]model.Account, error)
	TouchAccountSynced(ctx context.Context, accountID string) error

	GetCursor(ctx context.Context, accountID string) (model.SyncCursor, error)
	SaveCursor(ctx context.Context, cursor model.SyncCursor) error

	ReplaceLabels(ctx context.Context, accountID string, labels []model.Label) error

	ListMessages(ctx context.Context, accountID string) ([]model.Message, error)
	GetMessage(ctx context.Context, accountID, id string) (model.Message, bool, error)
	UpsertMessages(ctx context.Context, accountID string, messages []model.Message) (added, updated int, err error)
	DeleteMessages(ctx context.Context, accountID string, ids []string) (int, error)

	ReplaceConversations(ctx context.Context, accountID string, conversations []model.Conversation) error
}

// Status is the terminal state of one engine run.
type Status int

const (
	StatusSuccess Status = iota
	StatusPartialSuccess
	StatusFailure
	StatusSkipped
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusPartialSuccess:
		return "partial_success"
	case StatusFailure:
		return "failure"
	case StatusSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// MessageFailure records one per-message failure during a run.
type MessageFailure struct {
	MessageID string `json:"message_id"`
	Op        string `json:"op"`
	Error     string `json:"error"`
	Attempts  int    `json:"attempts"`
}

// Result is the outcome of one sync run for one account.
type Result struct {
	Status   Status
	Added    int
	Updated  int
	Deleted  int
	Failures []MessageFailure
	Err      error
}

// newerPosition picks the more recent of two history positions. Numeric
// positions (Gmail history ids) compare numerically; otherwise the larger
// string wins so RFC3339 high-water marks order correctly. The position never
// moves backward.
func newerPosition(current, next string) string {
	if next == "" {
		return current
	}
	if current == "" {
		return next
	}
	cn, cerr := strconv.ParseUint(current, 10, 64)
	nn, nerr := strconv.ParseUint(next, 10, 64)
	if cerr == nil && nerr == nil {
		if nn > cn {
			return next
		}
		return current
	}
	if next > current {
		return next
	}
	return current
}
