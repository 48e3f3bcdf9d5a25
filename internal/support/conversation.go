package support

import (
	"fmt"
	"time"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusResolved Status = "resolved"
	StatusClosed   Status = "closed"
)

var AllStatuses = []Status{StatusPending, StatusAccepted, StatusResolved, StatusClosed}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusResolved, StatusClosed:
		return true
	}
	return false
}

type Role string

const (
	RoleClient Role = "client"
	RoleAgent  Role = "agent"
	RoleAdmin  Role = "admin"
)

var AllRoles = []Role{RoleClient, RoleAgent, RoleAdmin}

func (r Role) Valid() bool {
	switch r {
	case RoleClient, RoleAgent, RoleAdmin:
		return true
	}
	return false
}

// IsStaff reports whether the role answers conversations rather than opening them.
func (r Role) IsStaff() bool {
	return r == RoleAgent || r == RoleAdmin
}

// Actor is whoever performs an operation.
type Actor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role Role   `json:"role"`
}

type Reply struct {
	ID          string    `json:"id,omitempty"`
	SenderID    string    `json:"senderId"`
	SenderName  string    `json:"senderName"`
	SenderRole  Role      `json:"senderRole"`
	Content     string    `json:"content"`
	Attachments []string  `json:"attachments"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	IsEdited    bool      `json:"isEdited"`

	// TempKey pins the key of an unpersisted reply so it stays stable
	// while confirmed replies land in front of it.
	TempKey string `json:"-"`
}

type Conversation struct {
	ID              string    `json:"id"`
	Subject         string    `json:"subject"`
	OriginalContent string    `json:"originalContent"`
	Status          Status    `json:"status"`
	SenderID        string    `json:"senderId"`
	SenderName      string    `json:"senderName"`
	SenderRole      Role      `json:"senderRole"`
	AssignedTo      *string   `json:"assignedTo"`
	AssignedToName  *string   `json:"assignedToName"`
	Attachments     []string  `json:"attachments"`
	Replies         []Reply   `json:"replies"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
	IsEdited        bool      `json:"isEdited"`
}

// Assignee returns the owning staff member id, or "" while unassigned.
func (c Conversation) Assignee() string {
	if c.AssignedTo == nil {
		return ""
	}
	return *c.AssignedTo
}

func (c Conversation) AssigneeName() string {
	if c.AssignedToName == nil {
		return ""
	}
	return *c.AssignedToName
}

// Clone returns a deep copy so callers can mutate the result without
// touching a shared snapshot.
func (c Conversation) Clone() Conversation {
	out := c
	out.Attachments = cloneStrings(c.Attachments)
	if c.AssignedTo != nil {
		v := *c.AssignedTo
		out.AssignedTo = &v
	}
	if c.AssignedToName != nil {
		v := *c.AssignedToName
		out.AssignedToName = &v
	}
	if c.Replies != nil {
		out.Replies = make([]Reply, len(c.Replies))
		for i, reply := range c.Replies {
			reply.Attachments = cloneStrings(reply.Attachments)
			out.Replies[i] = reply
		}
	}
	return out
}

// ReplyIndex returns the position of the reply with the given id, or -1.
func (c Conversation) ReplyIndex(replyID string) int {
	if replyID == "" {
		return -1
	}
	for i, reply := range c.Replies {
		if reply.ID == replyID {
			return i
		}
	}
	return -1
}

// Message is one entry of the logical sequence [original] ++ replies.
type Message struct {
	Key         string    `json:"key"`
	ReplyIndex  int       `json:"replyIndex"`
	SenderID    string    `json:"senderId"`
	SenderName  string    `json:"senderName"`
	SenderRole  Role      `json:"senderRole"`
	Content     string    `json:"content"`
	Attachments []string  `json:"attachments"`
	CreatedAt   time.Time `json:"createdAt"`
	IsEdited    bool      `json:"isEdited"`
	Pending     bool      `json:"pending,omitempty"`
}

func (m Message) IsOriginal() bool {
	return m.ReplyIndex < 0
}

// TempReplyKey is the locally synthesized key of a reply that the store
// has not assigned an id to yet.
func TempReplyKey(conversationID string, index int) string {
	return fmt.Sprintf("%s-reply-temp-%d", conversationID, index)
}

// ReplyKey returns the reply's stable key: its id once persisted,
// otherwise its temp key.
func (c Conversation) ReplyKey(index int) string {
	if index < 0 || index >= len(c.Replies) {
		return ""
	}
	reply := c.Replies[index]
	if reply.ID != "" {
		return reply.ID
	}
	if reply.TempKey != "" {
		return reply.TempKey
	}
	return TempReplyKey(c.ID, index)
}

// Sequence returns [original] ++ replies in stored order. Replies are
// never re-sorted.
func (c Conversation) Sequence() []Message {
	out := make([]Message, 0, len(c.Replies)+1)
	out = append(out, Message{
		Key:         c.ID,
		ReplyIndex:  -1,
		SenderID:    c.SenderID,
		SenderName:  c.SenderName,
		SenderRole:  c.SenderRole,
		Content:     c.OriginalContent,
		Attachments: c.Attachments,
		CreatedAt:   c.CreatedAt,
		IsEdited:    c.IsEdited,
	})
	for i, reply := range c.Replies {
		out = append(out, Message{
			Key:         c.ReplyKey(i),
			ReplyIndex:  i,
			SenderID:    reply.SenderID,
			SenderName:  reply.SenderName,
			SenderRole:  reply.SenderRole,
			Content:     reply.Content,
			Attachments: reply.Attachments,
			CreatedAt:   reply.CreatedAt,
			IsEdited:    reply.IsEdited,
			Pending:     reply.ID == "",
		})
	}
	return out
}

// LastMessage returns the final entry of the sequence.
func (c Conversation) LastMessage() Message {
	seq := c.Sequence()
	return seq[len(seq)-1]
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func stringPtr(v string) *string {
	return &v
}
