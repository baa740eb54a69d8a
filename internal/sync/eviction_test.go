package sync

import (
	"fmt"
	"testing"
	"time"

	"github.com/Martian-dev/mailsync-infra/internal/model"
)

func datedMessages(n int, start time.Time) []model.Message {
	msgs := make([]model.Message, 0, n)
	for i := 0; i < n; i++ {
		msgs = append(msgs, model.Message{
			ID:           fmt.Sprintf("m%04d", i),
			ThreadID:     fmt.Sprintf("t%04d", i),
			InternalDate: start.Add(time.Duration(i) * time.Minute),
		})
	}
	return msgs
}

func TestSelectEvictionsWithinCap(t *testing.T) {
	msgs := datedMessages(10, time.Now())
	if got := SelectEvictions(msgs, 10); got != nil {
		t.Fatalf("at cap: got %v, want nil", got)
	}
	if got := SelectEvictions(msgs, 100); got != nil {
		t.Fatalf("under cap: got %v, want nil", got)
	}
}

func TestSelectEvictionsOldestBeyondCap(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	msgs := datedMessages(1050, start)

	evict := SelectEvictions(msgs, 1000)
	if len(evict) != 50 {
		t.Fatalf("got %d evictions, want 50", len(evict))
	}

	// Messages are dated oldest first, so the 50 oldest are m0000..m0049.
	want := make(map[string]bool, 50)
	for i := 0; i < 50; i++ {
		want[fmt.Sprintf("m%04d", i)] = true
	}
	for _, id := range evict {
		if !want[id] {
			t.Errorf("evicted %s, which is not among the 50 oldest", id)
		}
	}
}

func TestSelectEvictionsDoesNotMutateInput(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	msgs := datedMessages(5, start)
	first := msgs[0].ID

	SelectEvictions(msgs, 2)
	if msgs[0].ID != first {
		t.Fatal("input slice order changed")
	}
}

func TestSelectEvictionsZeroCapDisabled(t *testing.T) {
	msgs := datedMessages(5, time.Now())
	if got := SelectEvictions(msgs, 0); got != nil {
		t.Fatalf("cap 0 should disable eviction, got %v", got)
	}
}
