package model

import (
	"time"
)

// ProviderName represents email provider types
type ProviderName string

const (
	ProviderGoogle    ProviderName = "GOOGLE"
	ProviderMicrosoft ProviderName = "MICROSOFT"
)

// Well-known provider label ids used to derive message flags.
const (
	LabelUnread  = "UNREAD"
	LabelStarred = "STARRED"
)

// Account represents a connected mailbox
type Account struct {
	ID         string       `json:"id"`
	Email      string       `json:"email"`
	Provider   ProviderName `json:"provider"`
	Enabled    bool         `json:"enabled"`
	LastSyncAt time.Time    `json:"last_sync_at"`
}

// Message represents a single stored mail message, normalized across providers
type Message struct {
	ID           string    `json:"id"` // provider message id, unique per account
	AccountID    string    `json:"account_id"`
	ThreadID     string    `json:"thread_id"` // provider thread/conversation id
	Subject      string    `json:"subject"`
	Sender       string    `json:"sender"`
	To           []string  `json:"to"`
	Cc           []string  `json:"cc"`
	Snippet      string    `json:"snippet"`
	LabelIDs     []string  `json:"label_ids"`
	IsRead       bool      `json:"is_read"`
	IsStarred    bool      `json:"is_starred"`
	InternalDate time.Time `json:"internal_date"`
}

// Conversation is the derived aggregate of all messages sharing a thread id.
// It is never authored directly; the sync engine recomputes it whenever the
// underlying message set changes.
type Conversation struct {
	ThreadID      string    `json:"thread_id"`
	AccountID     string    `json:"account_id"`
	Subject       string    `json:"subject"` // from the earliest message
	Snippet       string    `json:"snippet"` // from the latest message
	LastMessageAt time.Time `json:"last_message_at"`
	MessageCount  int       `json:"message_count"`
	IsRead        bool      `json:"is_read"`    // all messages read
	IsStarred     bool      `json:"is_starred"` // any message starred
	Participants  []string  `json:"participants"`
}

// Label represents a provider label/folder
type Label struct {
	ID        string `json:"id"` // provider label id, unique per account
	AccountID string `json:"account_id"`
	Name      string `json:"name"`
	Type      string `json:"type"` // "system" or "user"
	Hidden    bool   `json:"hidden"`
	Color     string `json:"color"`
}

// Sync status values persisted on the cursor.
const (
	SyncStatusIdle      = "IDLE"
	SyncStatusRunning   = "RUNNING"
	SyncStatusError     = "ERROR"
	SyncStatusCompleted = "COMPLETED"
)

// SyncCursor is the per-account sync checkpoint. An empty HistoryPosition
// means the account has never completed a full sync. Once set it only moves
// forward (Gmail: numeric history id; Outlook: RFC3339 high-water mark).
type SyncCursor struct {
	AccountID         string         `json:"account_id"`
	HistoryPosition   string         `json:"history_position"`
	LastFullSyncAt    time.Time      `json:"last_full_sync_at"`
	LastIncrementalAt time.Time      `json:"last_incremental_at"`
	Status            string         `json:"status"`
	LastError         string         `json:"last_error"`
	FailedMessages    map[string]int `json:"failed_messages"` // message id -> attempt count
}

// MaxMessageAttempts is the number of recorded failures after which a
// message id is skipped on subsequent sync runs.
const MaxMessageAttempts = 3

// PermanentlyFailed reports whether a message id has exhausted its attempts.
func (c *SyncCursor) PermanentlyFailed(messageID string) bool {
	return c.FailedMessages[messageID] >= MaxMessageAttempts
}

// RecordFailure bumps the attempt count for a message id.
func (c *SyncCursor) RecordFailure(messageID string) {
	if c.FailedMessages == nil {
		c.FailedMessages = make(map[string]int)
	}
	c.FailedMessages[messageID]++
}
