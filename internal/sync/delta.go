package sync

// HistoryEntryKind is the type of a single server-side history record.
type HistoryEntryKind int

const (
	HistoryAdded HistoryEntryKind = iota
	HistoryDeleted
	HistoryLabelAdded
	HistoryLabelRemoved
)

// HistoryEntry is one incremental change reported by the remote mailbox.
type HistoryEntry struct {
	Kind      HistoryEntryKind
	MessageID string
	LabelIDs  []string // label-added / label-removed entries only
}

// MessageDelta is the folded net effect of all history entries for one
// message id. Applying a fold twice yields the same local state as applying
// it once.
type MessageDelta struct {
	MessageID      string
	IsDeleted      bool
	NeedsFullFetch bool
	LabelsToAdd    map[string]bool
	LabelsToRemove map[string]bool
}

// FoldHistory collapses history entries into one delta per message id.
// A delete entry dominates everything else for that id; an add entry forces a
// full fetch; for label changes the last writer wins per label id.
func FoldHistory(entries []HistoryEntry) map[string]*MessageDelta {
	deltas := make(map[string]*MessageDelta)

	for _, e := range entries {
		d, ok := deltas[e.MessageID]
		if !ok {
			d = &MessageDelta{
				MessageID:      e.MessageID,
				LabelsToAdd:    make(map[string]bool),
				LabelsToRemove: make(map[string]bool),
			}
			deltas[e.MessageID] = d
		}
		if d.IsDeleted {
			continue
		}

		switch e.Kind {
		case HistoryDeleted:
			d.IsDeleted = true
			d.NeedsFullFetch = false
			d.LabelsToAdd = make(map[string]bool)
			d.LabelsToRemove = make(map[string]bool)
		case HistoryAdded:
			d.NeedsFullFetch = true
		case HistoryLabelAdded:
			for _, id := range e.LabelIDs {
				d.LabelsToAdd[id] = true
				delete(d.LabelsToRemove, id)
			}
		case HistoryLabelRemoved:
			for _, id := range e.LabelIDs {
				d.LabelsToRemove[id] = true
				delete(d.LabelsToAdd, id)
			}
		}
	}

	return deltas
}
