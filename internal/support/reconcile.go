package support

import (
	"slices"
	"time"
)

// PendingReply is a reply shown before the store confirmed it.
type PendingReply struct {
	Key         string
	SenderID    string
	SenderName  string
	SenderRole  Role
	Content     string
	Attachments []string
	CreatedAt   time.Time
	// Known holds the ids of the sender's replies that were already
	// confirmed when this one was sent. None of them can be its copy,
	// wherever later deletions move them.
	Known []string
}

// NewPendingReply keys an optimistic reply by the position it takes in
// base. The key is kept for the reply's whole unconfirmed life.
func NewPendingReply(base Conversation, actor Actor, content string, attachments []string, now time.Time) PendingReply {
	var known []string
	for _, reply := range base.Replies {
		if reply.ID != "" && reply.SenderID == actor.ID {
			known = append(known, reply.ID)
		}
	}
	return PendingReply{
		Key:         TempReplyKey(base.ID, len(base.Replies)),
		SenderID:    actor.ID,
		SenderName:  actor.Name,
		SenderRole:  actor.Role,
		Content:     content,
		Attachments: cloneStrings(attachments),
		CreatedAt:   now.UTC(),
		Known:       known,
	}
}

func (p PendingReply) reply() Reply {
	return Reply{
		SenderID:    p.SenderID,
		SenderName:  p.SenderName,
		SenderRole:  p.SenderRole,
		Content:     p.Content,
		Attachments: cloneStrings(p.Attachments),
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.CreatedAt,
		TempKey:     p.Key,
	}
}

func (p PendingReply) matches(reply Reply) bool {
	return reply.ID != "" &&
		!slices.Contains(p.Known, reply.ID) &&
		reply.SenderID == p.SenderID &&
		reply.Content == p.Content &&
		slices.Equal(reply.Attachments, p.Attachments)
}

// MergePending lays unconfirmed replies over an authoritative snapshot.
// A pending reply whose confirmed copy is already in snapshot is dropped,
// so the reply appears exactly once, under its store id, at the store's
// position. The rest are appended after the confirmed replies in send
// order. The returned slice holds the replies still awaiting confirmation.
func MergePending(snapshot Conversation, pending []PendingReply) (Conversation, []PendingReply) {
	out := snapshot.Clone()
	if len(pending) == 0 {
		return out, nil
	}
	claimed := make([]bool, len(out.Replies))
	var remaining []PendingReply
	for _, p := range pending {
		found := false
		for i := range out.Replies {
			if claimed[i] || !p.matches(out.Replies[i]) {
				continue
			}
			claimed[i] = true
			found = true
			break
		}
		if !found {
			remaining = append(remaining, p)
		}
	}
	for _, p := range remaining {
		out.Replies = append(out.Replies, p.reply())
	}
	return out, remaining
}

// DropPending removes the pending reply with key from list.
func DropPending(list []PendingReply, key string) []PendingReply {
	out := list[:0:0]
	for _, p := range list {
		if p.Key != key {
			out = append(out, p)
		}
	}
	return out
}
