package watermark

import (
	"context"

	"github.com/agentworkforce/relaydesk/internal/support"
)

// Tracker answers unread questions for one store.
type Tracker struct {
	store Store
}

func NewTracker(store Store) *Tracker {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Tracker{store: store}
}

func (t *Tracker) Store() Store {
	return t.store
}

// Unread reports whether c has messages viewer has not seen. Staff
// viewers never consult the store.
func (t *Tracker) Unread(ctx context.Context, c support.Conversation, viewer support.Viewer) (bool, error) {
	return t.UnreadSince(ctx, nil, c, viewer)
}

// UnreadSince is Unread with an earlier snapshot of c at hand. When the
// viewer's watermark points at a message deleted since prev, the
// watermark is moved back to the nearest surviving message and stored.
func (t *Tracker) UnreadSince(ctx context.Context, prev *support.Conversation, c support.Conversation, viewer support.Viewer) (bool, error) {
	if viewer.Role.IsStaff() {
		return support.IsUnread(c, viewer, ""), nil
	}
	lastSeen, err := t.store.Get(ctx, viewer.ID, c.ID)
	if err != nil {
		return false, err
	}
	if prev != nil {
		if carried := support.CarryWatermark(*prev, c, lastSeen); carried != lastSeen {
			if _, err := t.store.MarkSeen(ctx, viewer.ID, c.ID, carried); err != nil {
				return false, err
			}
			lastSeen = carried
		}
	}
	return support.IsUnread(c, viewer, lastSeen), nil
}

// MarkSeen moves the viewer's watermark to the last persisted message of
// c. It returns the key it stored and whether the stored value changed.
func (t *Tracker) MarkSeen(ctx context.Context, viewer support.Viewer, c support.Conversation) (string, bool, error) {
	key := support.LastPersistedKey(c)
	changed, err := t.store.MarkSeen(ctx, viewer.ID, c.ID, key)
	if err != nil {
		return "", false, err
	}
	return key, changed, nil
}

// UnreadCount counts the conversations in list that are unread for viewer.
func (t *Tracker) UnreadCount(ctx context.Context, list []support.Conversation, viewer support.Viewer) (int, error) {
	count := 0
	for _, c := range list {
		unread, err := t.Unread(ctx, c, viewer)
		if err != nil {
			return 0, err
		}
		if unread {
			count++
		}
	}
	return count, nil
}
