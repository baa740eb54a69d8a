package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/Martian-dev/mailsync-infra/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// Store is the SQLite-backed mailbox repository. Every write method is one
// transaction; a failed commit discards the whole in-flight batch.
type Store struct {
	db *sqlx.DB
}

// Open opens or creates the mailbox database at dbPath with WAL mode and
// applies the schema.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sqlx.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertAccount inserts or replaces an account row.
func (s *Store) UpsertAccount(ctx context.Context, account model.Account) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, email, provider, enabled, last_sync_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			email = excluded.email,
			provider = excluded.provider,
			enabled = excluded.enabled
	`, account.ID, account.Email, string(account.Provider), boolToInt(account.Enabled),
		unixOrZero(account.LastSyncAt), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert account %s: %w", account.ID, err)
	}
	return nil
}

// GetAccount fetches a single account by id.
func (s *Store) GetAccount(ctx context.Context, id string) (model.Account, bool, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT id, email, provider, enabled, last_sync_at FROM accounts WHERE id = ?
	`, id)
	account, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return model.Account{}, false, nil
	}
	if err != nil {
		return model.Account{}, false, fmt.Errorf("failed to get account %s: %w", id, err)
	}
	return account, true, nil
}

// ListAccounts returns all accounts, or only the enabled ones.
func (s *Store) ListAccounts(ctx context.Context, enabledOnly bool) ([]model.Account, error) {
	query := "SELECT id, email, provider, enabled, last_sync_at FROM accounts"
	if enabledOnly {
		query += " WHERE enabled = 1"
	}
	query += " ORDER BY email"

	rows, err := s.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []model.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

// DeleteAccount removes an account. Messages, conversations, labels and the
// sync cursor cascade with it.
func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM accounts WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete account %s: %w", id, err)
	}
	return nil
}

// SetAccountEnabled flips the enablement flag.
func (s *Store) SetAccountEnabled(ctx context.Context, id string, enabled bool) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE accounts SET enabled = ? WHERE id = ?", boolToInt(enabled), id)
	if err != nil {
		return fmt.Errorf("failed to update account %s: %w", id, err)
	}
	return nil
}

// TouchAccountSynced records the wall-clock time of the account's last
// completed sync.
func (s *Store) TouchAccountSynced(ctx context.Context, accountID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE accounts SET last_sync_at = ? WHERE id = ?", time.Now().Unix(), accountID)
	if err != nil {
		return fmt.Errorf("failed to touch account %s: %w", accountID, err)
	}
	return nil
}

// GetCursor loads the sync checkpoint for an account. A missing row returns
// a zero cursor (never synced).
func (s *Store) GetCursor(ctx context.Context, accountID string) (model.SyncCursor, error) {
	cursor := model.SyncCursor{AccountID: accountID, Status: model.SyncStatusIdle}

	var (
		fullAt, incAt int64
		failedJSON    string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT history_position, last_full_sync_at, last_incremental_at, status, last_error, failed_json
		FROM sync_state WHERE account_id = ?
	`, accountID).Scan(&cursor.HistoryPosition, &fullAt, &incAt, &cursor.Status, &cursor.LastError, &failedJSON)
	if err == sql.ErrNoRows {
		return cursor, nil
	}
	if err != nil {
		return cursor, fmt.Errorf("failed to load cursor: %w", err)
	}

	if fullAt > 0 {
		cursor.LastFullSyncAt = time.Unix(fullAt, 0)
	}
	if incAt > 0 {
		cursor.LastIncrementalAt = time.Unix(incAt, 0)
	}
	if failedJSON != "" {
		if err := json.Unmarshal([]byte(failedJSON), &cursor.FailedMessages); err != nil {
			return cursor, fmt.Errorf("failed to decode failed messages: %w", err)
		}
	}
	return cursor, nil
}

// SaveCursor persists the sync checkpoint atomically.
func (s *Store) SaveCursor(ctx context.Context, cursor model.SyncCursor) error {
	failedJSON, err := json.Marshal(cursor.FailedMessages)
	if err != nil {
		return fmt.Errorf("failed to encode failed messages: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_state (account_id, history_position, last_full_sync_at, last_incremental_at, status, last_error, failed_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			history_position = excluded.history_position,
			last_full_sync_at = excluded.last_full_sync_at,
			last_incremental_at = excluded.last_incremental_at,
			status = excluded.status,
			last_error = excluded.last_error,
			failed_json = excluded.failed_json,
			updated_at = excluded.updated_at
	`, cursor.AccountID, cursor.HistoryPosition,
		unixOrZero(cursor.LastFullSyncAt), unixOrZero(cursor.LastIncrementalAt),
		cursor.Status, cursor.LastError, string(failedJSON), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}

// ReplaceLabels swaps the account's label set wholesale in one transaction.
func (s *Store) ReplaceLabels(ctx context.Context, accountID string, labels []model.Label) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM labels WHERE account_id = ?", accountID); err != nil {
		return fmt.Errorf("failed to clear labels: %w", err)
	}
	for _, l := range labels {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO labels (account_id, id, name, type, hidden, color)
			VALUES (?, ?, ?, ?, ?, ?)
		`, accountID, l.ID, l.Name, l.Type, boolToInt(l.Hidden), l.Color)
		if err != nil {
			return fmt.Errorf("failed to insert label %s: %w", l.ID, err)
		}
	}
	return tx.Commit()
}

// ListLabels returns the account's labels ordered by name.
func (s *Store) ListLabels(ctx context.Context, accountID string) ([]model.Label, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, name, type, hidden, color FROM labels WHERE account_id = ? ORDER BY name
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query labels: %w", err)
	}
	defer rows.Close()

	var labels []model.Label
	for rows.Next() {
		var (
			l      model.Label
			hidden int
		)
		if err := rows.Scan(&l.ID, &l.Name, &l.Type, &hidden, &l.Color); err != nil {
			return nil, fmt.Errorf("failed to scan label: %w", err)
		}
		l.AccountID = accountID
		l.Hidden = hidden != 0
		labels = append(labels, l)
	}
	return labels, rows.Err()
}

// UpsertMessages inserts or updates a batch of messages in one transaction
// and reports how many rows were new versus replaced.
func (s *Store) UpsertMessages(ctx context.Context, accountID string, messages []model.Message) (int, int, error) {
	if len(messages) == 0 {
		return 0, 0, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	added, updated := 0, 0
	for _, m := range messages {
		var exists int
		err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM messages WHERE account_id = ? AND id = ?",
			accountID, m.ID).Scan(&exists)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to check message %s: %w", m.ID, err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO messages
			(account_id, id, thread_id, subject, sender, to_addrs, cc_addrs, snippet, label_ids, is_read, is_starred, internal_date)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, accountID, m.ID, m.ThreadID, m.Subject, m.Sender, mustJSON(m.To), mustJSON(m.Cc),
			m.Snippet, mustJSON(m.LabelIDs), boolToInt(m.IsRead), boolToInt(m.IsStarred),
			m.InternalDate.Unix())
		if err != nil {
			return 0, 0, fmt.Errorf("failed to upsert message %s: %w", m.ID, err)
		}

		if exists > 0 {
			updated++
		} else {
			added++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit messages: %w", err)
	}
	return added, updated, nil
}

// DeleteMessages removes the given message ids in one transaction and
// returns the number of rows actually deleted.
func (s *Store) DeleteMessages(ctx context.Context, accountID string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	deleted := 0
	for _, id := range ids {
		res, err := tx.ExecContext(ctx,
			"DELETE FROM messages WHERE account_id = ? AND id = ?", accountID, id)
		if err != nil {
			return 0, fmt.Errorf("failed to delete message %s: %w", id, err)
		}
		n, _ := res.RowsAffected()
		deleted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit deletes: %w", err)
	}
	return deleted, nil
}

// GetMessage fetches one message by remote id.
func (s *Store) GetMessage(ctx context.Context, accountID, id string) (model.Message, bool, error) {
	row := s.db.QueryRowxContext(ctx, `
		SELECT account_id, id, thread_id, subject, sender, to_addrs, cc_addrs, snippet, label_ids, is_read, is_starred, internal_date
		FROM messages WHERE account_id = ? AND id = ?
	`, accountID, id)

	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return model.Message{}, false, nil
	}
	if err != nil {
		return model.Message{}, false, fmt.Errorf("failed to get message %s: %w", id, err)
	}
	return msg, true, nil
}

// ListMessages returns all of an account's messages newest first.
func (s *Store) ListMessages(ctx context.Context, accountID string) ([]model.Message, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT account_id, id, thread_id, subject, sender, to_addrs, cc_addrs, snippet, label_ids, is_read, is_starred, internal_date
		FROM messages WHERE account_id = ? ORDER BY internal_date DESC, id
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []model.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// CountMessages returns the number of stored messages for an account.
func (s *Store) CountMessages(ctx context.Context, accountID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		"SELECT COUNT(*) FROM messages WHERE account_id = ?", accountID)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

// MessageFilter controls filtering and pagination for message queries. It
// serves the HTTP API and any external read-only agent surface identically.
type MessageFilter struct {
	Query     string
	ThreadID  string
	LabelID   string
	IsRead    *bool
	IsStarred *bool
	Limit     int
	Offset    int
}

// SearchMessages returns an account's messages matching the filter, newest
// first.
func (s *Store) SearchMessages(ctx context.Context, accountID string, filter MessageFilter) ([]model.Message, error) {
	conditions := []string{"account_id = ?"}
	args := []interface{}{accountID}

	if filter.Query != "" {
		conditions = append(conditions, "(subject LIKE ? OR sender LIKE ? OR snippet LIKE ?)")
		q := "%" + filter.Query + "%"
		args = append(args, q, q, q)
	}
	if filter.ThreadID != "" {
		conditions = append(conditions, "thread_id = ?")
		args = append(args, filter.ThreadID)
	}
	if filter.LabelID != "" {
		conditions = append(conditions, "label_ids LIKE ?")
		args = append(args, `%"`+filter.LabelID+`"%`)
	}
	if filter.IsRead != nil {
		conditions = append(conditions, "is_read = ?")
		args = append(args, boolToInt(*filter.IsRead))
	}
	if filter.IsStarred != nil {
		conditions = append(conditions, "is_starred = ?")
		args = append(args, boolToInt(*filter.IsStarred))
	}

	query := `
		SELECT account_id, id, thread_id, subject, sender, to_addrs, cc_addrs, snippet, label_ids, is_read, is_starred, internal_date
		FROM messages WHERE ` + strings.Join(conditions, " AND ") + " ORDER BY internal_date DESC, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	} else if filter.Offset > 0 {
		// SQLite rejects OFFSET without LIMIT.
		query += " LIMIT -1"
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}
	defer rows.Close()

	var messages []model.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// ReplaceConversations swaps the account's derived conversation set in one
// transaction, so the stored aggregates always match the message set they
// were computed from.
func (s *Store) ReplaceConversations(ctx context.Context, accountID string, conversations []model.Conversation) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM conversations WHERE account_id = ?", accountID); err != nil {
		return fmt.Errorf("failed to clear conversations: %w", err)
	}
	for _, c := range conversations {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO conversations
			(account_id, thread_id, subject, snippet, last_message_at, message_count, is_read, is_starred, participants)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, accountID, c.ThreadID, c.Subject, c.Snippet, c.LastMessageAt.Unix(),
			c.MessageCount, boolToInt(c.IsRead), boolToInt(c.IsStarred), mustJSON(c.Participants))
		if err != nil {
			return fmt.Errorf("failed to insert conversation %s: %w", c.ThreadID, err)
		}
	}
	return tx.Commit()
}

// ListConversations returns an account's conversations newest first.
func (s *Store) ListConversations(ctx context.Context, accountID string) ([]model.Conversation, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT thread_id, subject, snippet, last_message_at, message_count, is_read, is_starred, participants
		FROM conversations WHERE account_id = ? ORDER BY last_message_at DESC
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	var conversations []model.Conversation
	for rows.Next() {
		var (
			c                model.Conversation
			lastAt           int64
			isRead, starred  int
			participantsJSON string
		)
		if err := rows.Scan(&c.ThreadID, &c.Subject, &c.Snippet, &lastAt,
			&c.MessageCount, &isRead, &starred, &participantsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		c.AccountID = accountID
		c.LastMessageAt = time.Unix(lastAt, 0)
		c.IsRead = isRead != 0
		c.IsStarred = starred != 0
		if participantsJSON != "" {
			if err := json.Unmarshal([]byte(participantsJSON), &c.Participants); err != nil {
				return nil, fmt.Errorf("failed to decode participants: %w", err)
			}
		}
		conversations = append(conversations, c)
	}
	return conversations, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row rowScanner) (model.Account, error) {
	var (
		account  model.Account
		provider string
		enabled  int
		lastSync int64
	)
	err := row.Scan(&account.ID, &account.Email, &provider, &enabled, &lastSync)
	if err != nil {
		return model.Account{}, err
	}
	account.Provider = model.ProviderName(provider)
	account.Enabled = enabled != 0
	if lastSync > 0 {
		account.LastSyncAt = time.Unix(lastSync, 0)
	}
	return account, nil
}

func scanMessage(row rowScanner) (model.Message, error) {
	var (
		m                 model.Message
		toJSON, ccJSON    string
		labelsJSON        string
		isRead, isStarred int
		internalDate      int64
	)
	err := row.Scan(&m.AccountID, &m.ID, &m.ThreadID, &m.Subject, &m.Sender,
		&toJSON, &ccJSON, &m.Snippet, &labelsJSON, &isRead, &isStarred, &internalDate)
	if err != nil {
		return model.Message{}, err
	}
	m.IsRead = isRead != 0
	m.IsStarred = isStarred != 0
	m.InternalDate = time.Unix(internalDate, 0)

	if err := decodeStrings(toJSON, &m.To); err != nil {
		return model.Message{}, fmt.Errorf("failed to decode message %s: %w", m.ID, err)
	}
	if err := decodeStrings(ccJSON, &m.Cc); err != nil {
		return model.Message{}, fmt.Errorf("failed to decode message %s: %w", m.ID, err)
	}
	if err := decodeStrings(labelsJSON, &m.LabelIDs); err != nil {
		return model.Message{}, fmt.Errorf("failed to decode message %s: %w", m.ID, err)
	}
	return m, nil
}

func decodeStrings(raw string, dst *[]string) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), dst)
}

func mustJSON(v interface{}) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
