package support

import "time"

type EventType string

const (
	EventNewReply        EventType = "new-reply"
	EventEdited          EventType = "was-edited"
	EventDeleted         EventType = "was-deleted"
	EventStatusUpdated   EventType = "status-updated"
	EventAccepted        EventType = "was-accepted"
	EventMarkedRead      EventType = "marked-read"
	EventMarkedDelivered EventType = "marked-delivered"
)

var AllEventTypes = []EventType{
	EventNewReply,
	EventEdited,
	EventDeleted,
	EventStatusUpdated,
	EventAccepted,
	EventMarkedRead,
	EventMarkedDelivered,
}

func (t EventType) Valid() bool {
	for _, known := range AllEventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Event is the push payload for one change to a conversation. Receivers
// re-fetch the conversation; the payload is never applied as a patch.
type Event struct {
	Type           EventType `json:"type"`
	ConversationID string    `json:"conversationId"`
	ActorID        string    `json:"actorId,omitempty"`
	MessageID      string    `json:"messageId,omitempty"`
	Status         Status    `json:"status,omitempty"`
	Recipients     []string  `json:"recipients,omitempty"`
	At             time.Time `json:"at"`
}

// Counterparts returns who should hear about a change made by actor: the
// assignee when the client acted, otherwise the client.
func Counterparts(c Conversation, actorID string) []string {
	if actorID != c.SenderID {
		return []string{c.SenderID}
	}
	if assignee := c.Assignee(); assignee != "" {
		return []string{assignee}
	}
	return nil
}
