package store

import (
	"context"
	"fmt"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/Martian-dev/mailsync-infra/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedAccount(t *testing.T, s *Store, id string) model.Account {
	t.Helper()
	account := model.Account{
		ID:       id,
		Email:    id + "@example.com",
		Provider: model.ProviderGoogle,
		Enabled:  true,
	}
	if err := s.UpsertAccount(context.Background(), account); err != nil {
		t.Fatal(err)
	}
	return account
}

func TestAccountRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	want := seedAccount(t, s, "acct-1")

	got, found, err := s.GetAccount(ctx, "acct-1")
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatal("account not found after upsert")
	}
	if got.Email != want.Email || got.Provider != want.Provider || !got.Enabled {
		t.Fatalf("got %+v, want %+v", got, want)
	}

	_, found, err = s.GetAccount(ctx, "missing")
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("missing account should not be found")
	}
}

func TestUpsertAccountUpdatesInPlace(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	account := seedAccount(t, s, "acct-1")
	account.Email = "renamed@example.com"
	account.Enabled = false
	if err := s.UpsertAccount(ctx, account); err != nil {
		t.Fatal(err)
	}

	got, _, err := s.GetAccount(ctx, "acct-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Email != "renamed@example.com" || got.Enabled {
		t.Fatalf("update not applied: %+v", got)
	}

	accounts, err := s.ListAccounts(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(accounts) != 1 {
		t.Fatalf("got %d accounts, want 1", len(accounts))
	}
}

func TestListAccountsEnabledOnly(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	seedAccount(t, s, "a1")
	seedAccount(t, s, "a2")
	if err := s.SetAccountEnabled(ctx, "a2", false); err != nil {
		t.Fatal(err)
	}

	all, err := s.ListAccounts(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("all: got %d, want 2", len(all))
	}

	enabled, err := s.ListAccounts(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(enabled) != 1 || enabled[0].ID != "a1" {
		t.Fatalf("enabled: got %+v, want only a1", enabled)
	}
}

func TestTouchAccountSynced(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	seedAccount(t, s, "acct-1")
	if err := s.TouchAccountSynced(ctx, "acct-1"); err != nil {
		t.Fatal(err)
	}

	got, _, err := s.GetAccount(ctx, "acct-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.LastSyncAt.IsZero() {
		t.Fatal("last sync timestamp not set")
	}
}

func TestCursorRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	seedAccount(t, s, "acct-1")

	// A never-synced account yields a zero cursor.
	cursor, err := s.GetCursor(ctx, "acct-1")
	if err != nil {
		t.Fatal(err)
	}
	if cursor.HistoryPosition != "" || cursor.Status != model.SyncStatusIdle {
		t.Fatalf("zero cursor = %+v", cursor)
	}

	now := time.Now().Truncate(time.Second)
	want := model.SyncCursor{
		AccountID:         "acct-1",
		HistoryPosition:   "12345",
		LastFullSyncAt:    now,
		LastIncrementalAt: now.Add(time.Minute),
		Status:            model.SyncStatusCompleted,
		LastError:         "",
		FailedMessages:    map[string]int{"m9": 2},
	}
	if err := s.SaveCursor(ctx, want); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetCursor(ctx, "acct-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.HistoryPosition != want.HistoryPosition || got.Status != want.Status {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	if !got.LastFullSyncAt.Equal(want.LastFullSyncAt) {
		t.Errorf("last full sync = %s, want %s", got.LastFullSyncAt, want.LastFullSyncAt)
	}
	if !reflect.DeepEqual(got.FailedMessages, want.FailedMessages) {
		t.Errorf("failed messages = %v, want %v", got.FailedMessages, want.FailedMessages)
	}

	// An upsert replaces the previous checkpoint.
	want.HistoryPosition = "99999"
	want.Status = model.SyncStatusError
	want.LastError = "quota exhausted"
	if err := s.SaveCursor(ctx, want); err != nil {
		t.Fatal(err)
	}
	got, err = s.GetCursor(ctx, "acct-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.HistoryPosition != "99999" || got.LastError != "quota exhausted" {
		t.Fatalf("got %+v after update", got)
	}
}

func TestLabelsReplaceWholesale(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	seedAccount(t, s, "acct-1")

	first := []model.Label{
		{ID: "INBOX", Name: "Inbox", Type: "system"},
		{ID: "custom", Name: "Custom", Type: "user", Color: "#ff0000"},
	}
	if err := s.ReplaceLabels(ctx, "acct-1", first); err != nil {
		t.Fatal(err)
	}

	second := []model.Label{
		{ID: "INBOX", Name: "Inbox", Type: "system"},
		{ID: "other", Name: "Other", Type: "user", Hidden: true},
	}
	if err := s.ReplaceLabels(ctx, "acct-1", second); err != nil {
		t.Fatal(err)
	}

	labels, err := s.ListLabels(ctx, "acct-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(labels) != 2 {
		t.Fatalf("got %d labels, want 2", len(labels))
	}
	byID := map[string]model.Label{}
	for _, l := range labels {
		byID[l.ID] = l
	}
	if _, ok := byID["custom"]; ok {
		t.Error("replaced label set should not retain old entries")
	}
	if !byID["other"].Hidden {
		t.Error("hidden flag lost on round trip")
	}
}

func testMessage(accountID, id, threadID string, at time.Time) model.Message {
	return model.Message{
		ID:           id,
		AccountID:    accountID,
		ThreadID:     threadID,
		Subject:      "subject " + id,
		Sender:       "sender@example.com",
		To:           []string{"to@example.com"},
		Cc:           []string{"cc@example.com"},
		Snippet:      "snippet " + id,
		LabelIDs:     []string{"INBOX"},
		IsRead:       true,
		InternalDate: at,
	}
}

func TestUpsertMessagesCountsAddedAndUpdated(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	seedAccount(t, s, "acct-1")
	at := time.Now().Truncate(time.Second)

	added, updated, err := s.UpsertMessages(ctx, "acct-1", []model.Message{
		testMessage("acct-1", "m1", "t1", at),
		testMessage("acct-1", "m2", "t1", at.Add(time.Minute)),
	})
	if err != nil {
		t.Fatal(err)
	}
	if added != 2 || updated != 0 {
		t.Fatalf("first batch: added=%d updated=%d, want 2/0", added, updated)
	}

	m2 := testMessage("acct-1", "m2", "t1", at.Add(time.Minute))
	m2.Subject = "edited"
	added, updated, err = s.UpsertMessages(ctx, "acct-1", []model.Message{
		m2,
		testMessage("acct-1", "m3", "t2", at.Add(2*time.Minute)),
	})
	if err != nil {
		t.Fatal(err)
	}
	if added != 1 || updated != 1 {
		t.Fatalf("second batch: added=%d updated=%d, want 1/1", added, updated)
	}

	got, found, err := s.GetMessage(ctx, "acct-1", "m2")
	if err != nil {
		t.Fatal(err)
	}
	if !found || got.Subject != "edited" {
		t.Fatalf("m2 after update: found=%v %+v", found, got)
	}
	if !reflect.DeepEqual(got.To, []string{"to@example.com"}) {
		t.Errorf("to addresses lost on round trip: %v", got.To)
	}
}

func TestListMessagesNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	seedAccount(t, s, "acct-1")
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	var batch []model.Message
	for i := 0; i < 5; i++ {
		batch = append(batch, testMessage("acct-1", fmt.Sprintf("m%d", i), "t", base.Add(time.Duration(i)*time.Hour)))
	}
	if _, _, err := s.UpsertMessages(ctx, "acct-1", batch); err != nil {
		t.Fatal(err)
	}

	msgs, err := s.ListMessages(ctx, "acct-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 5 {
		t.Fatalf("got %d messages, want 5", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].InternalDate.After(msgs[i-1].InternalDate) {
			t.Fatalf("not newest first at index %d", i)
		}
	}

	n, err := s.CountMessages(ctx, "acct-1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Fatalf("count = %d, want 5", n)
	}
}

func TestDeleteMessagesReportsRowCount(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	seedAccount(t, s, "acct-1")
	at := time.Now()
	if _, _, err := s.UpsertMessages(ctx, "acct-1", []model.Message{
		testMessage("acct-1", "m1", "t", at),
		testMessage("acct-1", "m2", "t", at),
	}); err != nil {
		t.Fatal(err)
	}

	deleted, err := s.DeleteMessages(ctx, "acct-1", []string{"m1", "missing"})
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted)
	}

	if _, found, _ := s.GetMessage(ctx, "acct-1", "m1"); found {
		t.Fatal("m1 should be gone")
	}
	if _, found, _ := s.GetMessage(ctx, "acct-1", "m2"); !found {
		t.Fatal("m2 should survive")
	}
}

func TestSearchMessages(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	seedAccount(t, s, "acct-1")
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	invoice := testMessage("acct-1", "m1", "t1", base)
	invoice.Subject = "Your invoice is ready"
	invoice.IsRead = false

	starred := testMessage("acct-1", "m2", "t2", base.Add(time.Hour))
	starred.IsStarred = true
	starred.LabelIDs = []string{"INBOX", "STARRED"}

	other := testMessage("acct-1", "m3", "t2", base.Add(2*time.Hour))

	if _, _, err := s.UpsertMessages(ctx, "acct-1", []model.Message{invoice, starred, other}); err != nil {
		t.Fatal(err)
	}

	byQuery, err := s.SearchMessages(ctx, "acct-1", MessageFilter{Query: "invoice"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byQuery) != 1 || byQuery[0].ID != "m1" {
		t.Fatalf("query filter: got %+v", byQuery)
	}

	byThread, err := s.SearchMessages(ctx, "acct-1", MessageFilter{ThreadID: "t2"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byThread) != 2 {
		t.Fatalf("thread filter: got %d, want 2", len(byThread))
	}

	byLabel, err := s.SearchMessages(ctx, "acct-1", MessageFilter{LabelID: "STARRED"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byLabel) != 1 || byLabel[0].ID != "m2" {
		t.Fatalf("label filter: got %+v", byLabel)
	}

	unread := false
	byRead, err := s.SearchMessages(ctx, "acct-1", MessageFilter{IsRead: &unread})
	if err != nil {
		t.Fatal(err)
	}
	if len(byRead) != 1 || byRead[0].ID != "m1" {
		t.Fatalf("read filter: got %+v", byRead)
	}

	paged, err := s.SearchMessages(ctx, "acct-1", MessageFilter{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(paged) != 1 || paged[0].ID != "m2" {
		t.Fatalf("pagination: got %+v", paged)
	}
}

func TestConversationsReplaceAndList(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	seedAccount(t, s, "acct-1")
	at := time.Now().Truncate(time.Second)

	convs := []model.Conversation{
		{
			ThreadID:      "t1",
			AccountID:     "acct-1",
			Subject:       "hello",
			Snippet:       "latest",
			LastMessageAt: at,
			MessageCount:  2,
			IsRead:        false,
			IsStarred:     true,
			Participants:  []string{"alice@example.com", "bob@example.com"},
		},
		{
			ThreadID:      "t2",
			AccountID:     "acct-1",
			Subject:       "older",
			LastMessageAt: at.Add(-time.Hour),
			MessageCount:  1,
			IsRead:        true,
		},
	}
	if err := s.ReplaceConversations(ctx, "acct-1", convs); err != nil {
		t.Fatal(err)
	}

	got, err := s.ListConversations(ctx, "acct-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d conversations, want 2", len(got))
	}
	if got[0].ThreadID != "t1" {
		t.Errorf("expected newest conversation first, got %s", got[0].ThreadID)
	}
	if !got[0].IsStarred || got[0].IsRead {
		t.Errorf("flags lost: %+v", got[0])
	}
	if !reflect.DeepEqual(got[0].Participants, convs[0].Participants) {
		t.Errorf("participants = %v, want %v", got[0].Participants, convs[0].Participants)
	}

	// Replacing with an empty set clears everything.
	if err := s.ReplaceConversations(ctx, "acct-1", nil); err != nil {
		t.Fatal(err)
	}
	got, err = s.ListConversations(ctx, "acct-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d conversations after clearing, want 0", len(got))
	}
}

func TestDeleteAccountCascades(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	seedAccount(t, s, "acct-1")
	at := time.Now()
	if _, _, err := s.UpsertMessages(ctx, "acct-1", []model.Message{testMessage("acct-1", "m1", "t1", at)}); err != nil {
		t.Fatal(err)
	}
	if err := s.ReplaceLabels(ctx, "acct-1", []model.Label{{ID: "INBOX", Name: "Inbox"}}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveCursor(ctx, model.SyncCursor{AccountID: "acct-1", HistoryPosition: "1", Status: model.SyncStatusCompleted}); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteAccount(ctx, "acct-1"); err != nil {
		t.Fatal(err)
	}

	n, err := s.CountMessages(ctx, "acct-1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("messages survived account deletion: %d", n)
	}

	labels, err := s.ListLabels(ctx, "acct-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(labels) != 0 {
		t.Errorf("labels survived account deletion: %d", len(labels))
	}

	cursor, err := s.GetCursor(ctx, "acct-1")
	if err != nil {
		t.Fatal(err)
	}
	if cursor.HistoryPosition != "" {
		t.Errorf("cursor survived account deletion: %+v", cursor)
	}
}

func TestMessagesIsolatedPerAccount(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	seedAccount(t, s, "a1")
	seedAccount(t, s, "a2")
	at := time.Now()

	if _, _, err := s.UpsertMessages(ctx, "a1", []model.Message{testMessage("a1", "shared-id", "t", at)}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.UpsertMessages(ctx, "a2", []model.Message{testMessage("a2", "shared-id", "t", at)}); err != nil {
		t.Fatal(err)
	}

	if _, err := s.DeleteMessages(ctx, "a1", []string{"shared-id"}); err != nil {
		t.Fatal(err)
	}

	if _, found, _ := s.GetMessage(ctx, "a2", "shared-id"); !found {
		t.Fatal("deleting a1's message must not affect a2")
	}
}
