package sync

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/Martian-dev/mailsync-infra/internal/model"
)

const defaultMaxAttempts = 5

// Engine owns the full-sync and incremental-sync algorithms for one account.
// It acquires the guard before executing and releases it on every exit path.
type Engine struct {
	Repo   Repository
	Client MailClient
	Guard  *Guard
	Policy BusyPolicy

	// MessageCap is the per-account stored-message limit enforced by
	// eviction after every run. Defaults to DefaultMessageCap.
	MessageCap int

	// MaxAttempts bounds retries for a single remote call.
	MaxAttempts int

	// Reauth rebuilds the mail client with fresh credentials. Used once per
	// run after an authorization failure; nil disables the reauth retry.
	Reauth func(ctx context.Context) (MailClient, error)

	sleep func(ctx context.Context, d time.Duration) error
}

// Sync runs one synchronization cycle for the account and returns its result.
func (e *Engine) Sync(ctx context.Context, account model.Account) Result {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if !e.Guard.TryAcquire(account.ID, cancel) {
		switch e.Policy {
		case BusyCancel:
			done := e.Guard.CancelHolder(account.ID)
			select {
			case <-done:
			case <-ctx.Done():
				return Result{Status: StatusSkipped}
			}
			if !e.Guard.TryAcquire(account.ID, cancel) {
				return Result{Status: StatusSkipped}
			}
		case BusyEnqueue:
			e.Guard.Enqueue(account.ID)
			return Result{Status: StatusSkipped}
		default:
			return Result{Status: StatusSkipped}
		}
	}

	released := false
	release := func() {
		if !released {
			released = true
			e.Guard.Release(account.ID)
		}
	}
	defer release()

	res := e.run(runCtx, account)
	release()

	// Depth-1 request queue: a request that arrived while we held the lock
	// coalesces into exactly one follow-up run.
	if e.Guard.TakeQueued(account.ID) {
		log.Printf("sync: running queued request for account %s", account.ID)
		_ = e.Sync(ctx, account)
	}

	return res
}

// run executes the sync state machine: an empty cursor position selects a
// full sync, otherwise incremental with the history-expired fallback.
func (e *Engine) run(ctx context.Context, account model.Account) Result {
	cursor, err := e.Repo.GetCursor(ctx, account.ID)
	if err != nil {
		return Result{Status: StatusFailure, Err: NewError(KindLocalStorage, err)}
	}
	cursor.AccountID = account.ID
	cursor.Status = model.SyncStatusRunning
	cursor.LastError = ""
	if err := e.Repo.SaveCursor(ctx, cursor); err != nil {
		return Result{Status: StatusFailure, Err: NewError(KindLocalStorage, err)}
	}

	var res Result
	if cursor.HistoryPosition == "" {
		res = e.fullSync(ctx, account, &cursor)
	} else {
		res = e.incrementalSync(ctx, account, &cursor)
		if res.Status == StatusFailure && Classify(res.Err) == KindHistoryExpired {
			// The one automatic state downgrade: a stale cursor restarts
			// the account at full sync instead of surfacing an error.
			log.Printf("sync: history position expired for account %s, falling back to full sync", account.ID)
			cursor.HistoryPosition = ""
			res = e.fullSync(ctx, account, &cursor)
		}
	}

	if res.Status == StatusFailure {
		cursor.Status = model.SyncStatusError
		if res.Err != nil {
			cursor.LastError = res.Err.Error()
		}
	} else {
		cursor.Status = model.SyncStatusCompleted
	}
	if err := e.Repo.SaveCursor(ctx, cursor); err != nil && res.Status != StatusFailure {
		return Result{Status: StatusFailure, Err: NewError(KindLocalStorage, err)}
	}
	if res.Status != StatusFailure {
		_ = e.Repo.TouchAccountSynced(ctx, account.ID)
	}
	return res
}

// fullSync re-fetches the mailbox up to the message cap: labels first, then
// the message list newest first, then the server history position, then the
// shared eviction and derivation tail.
func (e *Engine) fullSync(ctx context.Context, account model.Account, cursor *model.SyncCursor) Result {
	if err := e.syncLabels(ctx, account); err != nil {
		return Result{Status: StatusFailure, Err: err}
	}

	var (
		failures       []MessageFailure
		added, updated int
		processed      int
		pageToken      string
	)
	cap := e.messageCap()

	for {
		if err := ctx.Err(); err != nil {
			return Result{Status: StatusFailure, Err: err}
		}

		var ids []string
		var next string
		err := e.withRetry(ctx, func(c MailClient) error {
			var lerr error
			ids, next, lerr = c.ListMessages(ctx, pageToken)
			return lerr
		})
		if err != nil {
			return Result{Status: StatusFailure, Err: err}
		}

		var page []model.Message
		for _, id := range ids {
			if processed >= cap {
				break
			}
			processed++
			if cursor.PermanentlyFailed(id) {
				continue
			}

			var msg model.Message
			gerr := e.withRetry(ctx, func(c MailClient) error {
				var ferr error
				msg, ferr = c.GetMessage(ctx, id)
				return ferr
			})
			if gerr != nil {
				cursor.RecordFailure(id)
				failures = append(failures, MessageFailure{
					MessageID: id,
					Op:        "fetch",
					Error:     gerr.Error(),
					Attempts:  cursor.FailedMessages[id],
				})
				continue
			}
			msg.AccountID = account.ID
			page = append(page, msg)
		}

		if len(page) > 0 {
			a, u, err := e.Repo.UpsertMessages(ctx, account.ID, page)
			if err != nil {
				return Result{Status: StatusFailure, Err: NewError(KindLocalStorage, err)}
			}
			added += a
			updated += u
		}

		if next == "" || processed >= cap {
			break
		}
		pageToken = next
	}

	var pos string
	err := e.withRetry(ctx, func(c MailClient) error {
		var perr error
		pos, perr = c.CurrentHistoryPosition(ctx)
		return perr
	})
	if err != nil {
		return Result{Status: StatusFailure, Err: err}
	}
	cursor.HistoryPosition = newerPosition(cursor.HistoryPosition, pos)
	cursor.LastFullSyncAt = time.Now()

	deleted, err := e.evictAndDerive(ctx, account.ID)
	if err != nil {
		return Result{Status: StatusFailure, Err: NewError(KindLocalStorage, err)}
	}

	return finishResult(added, updated, deleted, failures)
}

// incrementalSync pulls history entries since the cursor position, folds them
// into one delta per message id, applies the deltas, and advances the cursor
// to the newest position seen.
func (e *Engine) incrementalSync(ctx context.Context, account model.Account, cursor *model.SyncCursor) Result {
	if err := e.syncLabels(ctx, account); err != nil {
		return Result{Status: StatusFailure, Err: err}
	}

	var (
		entries   []HistoryEntry
		pageToken string
	)
	latest := cursor.HistoryPosition

	for {
		if err := ctx.Err(); err != nil {
			return Result{Status: StatusFailure, Err: err}
		}

		var page []HistoryEntry
		var next, pagePos string
		err := e.withRetry(ctx, func(c MailClient) error {
			var herr error
			page, next, pagePos, herr = c.History(ctx, cursor.HistoryPosition, pageToken)
			return herr
		})
		if err != nil {
			return Result{Status: StatusFailure, Err: err}
		}

		entries = append(entries, page...)
		latest = newerPosition(latest, pagePos)
		if next == "" {
			break
		}
		pageToken = next
	}

	deltas := FoldHistory(entries)

	ids := make([]string, 0, len(deltas))
	for id := range deltas {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var deleteIDs []string
	for _, id := range ids {
		if deltas[id].IsDeleted {
			deleteIDs = append(deleteIDs, id)
		}
	}

	deleted := 0
	if len(deleteIDs) > 0 {
		n, err := e.Repo.DeleteMessages(ctx, account.ID, deleteIDs)
		if err != nil {
			return Result{Status: StatusFailure, Err: NewError(KindLocalStorage, err)}
		}
		deleted = n
	}

	var (
		upserts  []model.Message
		failures []MessageFailure
	)
	for _, id := range ids {
		d := deltas[id]
		if d.IsDeleted {
			continue
		}

		if d.NeedsFullFetch {
			if cursor.PermanentlyFailed(id) {
				continue
			}
			var msg model.Message
			gerr := e.withRetry(ctx, func(c MailClient) error {
				var ferr error
				msg, ferr = c.GetMessage(ctx, id)
				return ferr
			})
			if gerr != nil {
				if Classify(gerr) == KindNotFound {
					// Deleted server-side between history and fetch.
					n, derr := e.Repo.DeleteMessages(ctx, account.ID, []string{id})
					if derr != nil {
						return Result{Status: StatusFailure, Err: NewError(KindLocalStorage, derr)}
					}
					deleted += n
					continue
				}
				cursor.RecordFailure(id)
				failures = append(failures, MessageFailure{
					MessageID: id,
					Op:        "fetch",
					Error:     gerr.Error(),
					Attempts:  cursor.FailedMessages[id],
				})
				continue
			}
			msg.AccountID = account.ID
			upserts = append(upserts, msg)
			continue
		}

		cur, ok, err := e.Repo.GetMessage(ctx, account.ID, id)
		if err != nil {
			return Result{Status: StatusFailure, Err: NewError(KindLocalStorage, err)}
		}
		if !ok {
			// Label change for a message we never stored; nothing to patch.
			continue
		}
		cur.LabelIDs = patchLabels(cur.LabelIDs, d.LabelsToAdd, d.LabelsToRemove)
		cur.IsRead = !containsLabel(cur.LabelIDs, model.LabelUnread)
		cur.IsStarred = containsLabel(cur.LabelIDs, model.LabelStarred)
		upserts = append(upserts, cur)
	}

	added, updated := 0, 0
	if len(upserts) > 0 {
		a, u, err := e.Repo.UpsertMessages(ctx, account.ID, upserts)
		if err != nil {
			return Result{Status: StatusFailure, Err: NewError(KindLocalStorage, err)}
		}
		added, updated = a, u
	}

	cursor.HistoryPosition = newerPosition(cursor.HistoryPosition, latest)
	cursor.LastIncrementalAt = time.Now()

	evicted, err := e.evictAndDerive(ctx, account.ID)
	if err != nil {
		return Result{Status: StatusFailure, Err: NewError(KindLocalStorage, err)}
	}
	deleted += evicted

	return finishResult(added, updated, deleted, failures)
}

// syncLabels replaces the account's label set wholesale from the remote.
func (e *Engine) syncLabels(ctx context.Context, account model.Account) error {
	var labels []model.Label
	err := e.withRetry(ctx, func(c MailClient) error {
		var lerr error
		labels, lerr = c.ListLabels(ctx)
		return lerr
	})
	if err != nil {
		return err
	}
	for i := range labels {
		labels[i].AccountID = account.ID
	}
	if err := e.Repo.ReplaceLabels(ctx, account.ID, labels); err != nil {
		return NewError(KindLocalStorage, err)
	}
	return nil
}

// evictAndDerive enforces the message cap and recomputes conversation
// aggregates from the surviving message set. Conversations left without
// messages disappear in the replacement.
func (e *Engine) evictAndDerive(ctx context.Context, accountID string) (int, error) {
	msgs, err := e.Repo.ListMessages(ctx, accountID)
	if err != nil {
		return 0, err
	}

	deleted := 0
	evict := SelectEvictions(msgs, e.messageCap())
	if len(evict) > 0 {
		n, err := e.Repo.DeleteMessages(ctx, accountID, evict)
		if err != nil {
			return 0, err
		}
		deleted = n

		evicted := make(map[string]bool, len(evict))
		for _, id := range evict {
			evicted[id] = true
		}
		kept := msgs[:0]
		for _, m := range msgs {
			if !evicted[m.ID] {
				kept = append(kept, m)
			}
		}
		msgs = kept
	}

	if err := e.Repo.ReplaceConversations(ctx, accountID, DeriveConversations(msgs)); err != nil {
		return deleted, err
	}
	return deleted, nil
}

// withRetry runs a remote call through the backoff policy until it succeeds,
// becomes permanent, or the attempt budget runs out. An authorization error
// triggers at most one client rebuild via Reauth.
func (e *Engine) withRetry(ctx context.Context, fn func(MailClient) error) error {
	max := e.MaxAttempts
	if max <= 0 {
		max = defaultMaxAttempts
	}

	for attempt := 0; ; attempt++ {
		err := fn(e.Client)
		if err == nil {
			return nil
		}

		d := Decide(Classify(err), retryAfterOf(err), attempt, max)
		switch d.Action {
		case RetryAfterReauth:
			if e.Reauth == nil {
				return err
			}
			client, rerr := e.Reauth(ctx)
			if rerr != nil {
				return fmt.Errorf("reauth: %w (after %v)", rerr, err)
			}
			e.Client = client
		case Retry:
			if serr := e.sleepFor(ctx, d.Delay); serr != nil {
				return serr
			}
		default:
			return err
		}
	}
}

func (e *Engine) sleepFor(ctx context.Context, d time.Duration) error {
	if e.sleep != nil {
		return e.sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (e *Engine) messageCap() int {
	if e.MessageCap > 0 {
		return e.MessageCap
	}
	return DefaultMessageCap
}

func finishResult(added, updated, deleted int, failures []MessageFailure) Result {
	status := StatusSuccess
	if len(failures) > 0 {
		status = StatusPartialSuccess
	}
	return Result{
		Status:   status,
		Added:    added,
		Updated:  updated,
		Deleted:  deleted,
		Failures: failures,
	}
}

func patchLabels(labels []string, add, remove map[string]bool) []string {
	out := make([]string, 0, len(labels)+len(add))
	seen := make(map[string]bool, len(labels)+len(add))
	for _, id := range labels {
		if remove[id] || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	adds := make([]string, 0, len(add))
	for id := range add {
		if !seen[id] {
			adds = append(adds, id)
		}
	}
	sort.Strings(adds)
	return append(out, adds...)
}

func containsLabel(labels []string, id string) bool {
	for _, l := range labels {
		if l == id {
			return true
		}
	}
	return false
}
