package sync

import (
	"sort"

	"github.com/Martian-dev/mailsync-infra/internal/model"
)

// DefaultMessageCap is the per-account stored-message limit used when no cap
// is configured.
const DefaultMessageCap = 1000

// SelectEvictions returns the ids of messages that fall outside the cap when
// the account's messages are ordered newest first. Conversations emptied by
// the deletions disappear on the next derivation pass.
func SelectEvictions(messages []model.Message, cap int) []string {
	if cap <= 0 || len(messages) <= cap {
		return nil
	}

	sorted := make([]model.Message, len(messages))
	copy(sorted, messages)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].InternalDate.After(sorted[j].InternalDate)
	})

	ids := make([]string, 0, len(sorted)-cap)
	for _, m := range sorted[cap:] {
		ids = append(ids, m.ID)
	}
	return ids
}
