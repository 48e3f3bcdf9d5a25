package support

// Viewer identifies who is looking at a conversation.
type Viewer struct {
	ID   string
	Role Role
}

// IsUnread computes the unread badge of c for viewer.
//
// Staff inboxes treat "unread" as "the client is waiting": the
// conversation is unread when the last message came from a client,
// whoever is assigned. Clients use their watermark: unread when the
// last persisted message was not their own and lastSeen sits strictly
// behind it. A watermark that no longer resolves counts as behind; use
// CarryWatermark to place it when an earlier snapshot is at hand.
func IsUnread(c Conversation, viewer Viewer, lastSeen string) bool {
	seq := c.Sequence()
	if viewer.Role.IsStaff() {
		return seq[len(seq)-1].SenderRole == RoleClient
	}
	at := lastPersistedIndex(seq)
	if seq[at].SenderID == viewer.ID {
		return false
	}
	return WatermarkPosition(c, lastSeen) < at
}

// CarryWatermark re-anchors a watermark whose message was deleted. prev
// is an earlier snapshot of the same conversation; the watermark moves to
// the nearest message before it in prev that cur still holds. lastSeen is
// returned unchanged when it still resolves in cur or prev cannot place
// it.
func CarryWatermark(prev, cur Conversation, lastSeen string) string {
	if lastSeen == "" || prev.ID != cur.ID || WatermarkPosition(cur, lastSeen) >= 0 {
		return lastSeen
	}
	at := WatermarkPosition(prev, lastSeen)
	if at < 0 {
		return lastSeen
	}
	earlier := prev.Sequence()[:at]
	for i := len(earlier) - 1; i >= 0; i-- {
		if earlier[i].Pending {
			continue
		}
		if WatermarkPosition(cur, earlier[i].Key) >= 0 {
			return earlier[i].Key
		}
	}
	return lastSeen
}

// LastPersistedKey returns the key a viewer's watermark should hold after
// seeing c. Optimistic replies are skipped since their keys are temporary.
func LastPersistedKey(c Conversation) string {
	return lastPersisted(c.Sequence()).Key
}

// WatermarkPosition returns the index of lastSeen in the sequence, or -1.
func WatermarkPosition(c Conversation, lastSeen string) int {
	if lastSeen == "" {
		return -1
	}
	for i, msg := range c.Sequence() {
		if msg.Key == lastSeen {
			return i
		}
	}
	return -1
}

func lastPersisted(seq []Message) Message {
	return seq[lastPersistedIndex(seq)]
}

func lastPersistedIndex(seq []Message) int {
	for i := len(seq) - 1; i > 0; i-- {
		if !seq[i].Pending {
			return i
		}
	}
	return 0
}
