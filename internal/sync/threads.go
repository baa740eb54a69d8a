package sync

import (
	"sort"

	"github.com/Martian-dev/mailsync-infra/internal/model"
)

// DeriveConversations recomputes conversation aggregates from the full
// message set of one account. Subject comes from the earliest message,
// snippet from the latest, read is the AND of message read flags, starred
// the OR, participants the first-seen-ordered union of senders and
// recipients.
func DeriveConversations(messages []model.Message) []model.Conversation {
	byThread := make(map[string][]model.Message)
	var order []string
	for _, m := range messages {
		if _, seen := byThread[m.ThreadID]; !seen {
			order = append(order, m.ThreadID)
		}
		byThread[m.ThreadID] = append(byThread[m.ThreadID], m)
	}

	convs := make([]model.Conversation, 0, len(byThread))
	for _, threadID := range order {
		group := byThread[threadID]
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].InternalDate.Before(group[j].InternalDate)
		})

		earliest := group[0]
		latest := group[len(group)-1]

		conv := model.Conversation{
			ThreadID:      threadID,
			AccountID:     earliest.AccountID,
			Subject:       earliest.Subject,
			Snippet:       latest.Snippet,
			LastMessageAt: latest.InternalDate,
			MessageCount:  len(group),
			IsRead:        true,
		}

		seen := make(map[string]bool)
		for _, m := range group {
			conv.IsRead = conv.IsRead && m.IsRead
			conv.IsStarred = conv.IsStarred || m.IsStarred

			for _, p := range append([]string{m.Sender}, append(m.To, m.Cc...)...) {
				if p == "" || seen[p] {
					continue
				}
				seen[p] = true
				conv.Participants = append(conv.Participants, p)
			}
		}

		convs = append(convs, conv)
	}

	return convs
}
