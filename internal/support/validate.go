package support

import (
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

const (
	MaxContentLength = 5000
	MaxSubjectLength = 200
	MaxAttachments   = 10
)

// NormalizeContent returns content in NFC form with surrounding space
// trimmed, or a validation failure when it is empty or too long. Length
// is counted in runes after normalization so composed and decomposed
// input measure the same.
func NormalizeContent(content string) (string, error) {
	content = strings.TrimSpace(norm.NFC.String(content))
	if content == "" {
		return "", validationFailure("content must not be empty")
	}
	if n := utf8.RuneCountInString(content); n > MaxContentLength {
		return "", validationFailure("content is %d characters, the maximum is %d", n, MaxContentLength)
	}
	return content, nil
}

func NormalizeSubject(subject string) (string, error) {
	subject = strings.TrimSpace(norm.NFC.String(subject))
	if subject == "" {
		return "", validationFailure("subject must not be empty")
	}
	if n := utf8.RuneCountInString(subject); n > MaxSubjectLength {
		return "", validationFailure("subject is %d characters, the maximum is %d", n, MaxSubjectLength)
	}
	return subject, nil
}

func ValidateAttachments(attachments []string) error {
	if len(attachments) > MaxAttachments {
		return validationFailure("%d attachments, the maximum is %d", len(attachments), MaxAttachments)
	}
	for i, ref := range attachments {
		if strings.TrimSpace(ref) == "" {
			return validationFailure("attachment %d is empty", i)
		}
	}
	return nil
}

// NewConversation builds the pending thread a client opens.
func NewConversation(id string, sender Actor, subject, content string, attachments []string, now time.Time) (Conversation, error) {
	if strings.TrimSpace(id) == "" {
		return Conversation{}, validationFailure("conversation id is required")
	}
	if sender.Role != RoleClient {
		return Conversation{}, permissionDenied("only clients open conversations")
	}
	subject, err := NormalizeSubject(subject)
	if err != nil {
		return Conversation{}, err
	}
	content, err = NormalizeContent(content)
	if err != nil {
		return Conversation{}, err
	}
	if err := ValidateAttachments(attachments); err != nil {
		return Conversation{}, err
	}
	now = now.UTC()
	return Conversation{
		ID:              id,
		Subject:         subject,
		OriginalContent: content,
		Status:          StatusPending,
		SenderID:        sender.ID,
		SenderName:      sender.Name,
		SenderRole:      sender.Role,
		Attachments:     cloneStrings(attachments),
		Replies:         []Reply{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// Validate checks a snapshot received from elsewhere: known status and
// roles, assignment present exactly when the conversation was accepted,
// and a sequence whose timestamps never go backwards.
func Validate(c Conversation) error {
	if strings.TrimSpace(c.ID) == "" {
		return validationFailure("conversation id is required")
	}
	if !c.Status.Valid() {
		return validationFailure("conversation %s has unknown status %q", c.ID, c.Status)
	}
	if !c.SenderRole.Valid() {
		return validationFailure("conversation %s has unknown sender role %q", c.ID, c.SenderRole)
	}
	assigned := c.Assignee() != ""
	if c.Status == StatusPending && assigned {
		return validationFailure("pending conversation %s has an assignee", c.ID)
	}
	if c.Status != StatusPending && !assigned {
		return validationFailure("%s conversation %s has no assignee", c.Status, c.ID)
	}
	seen := map[string]struct{}{}
	for i, reply := range c.Replies {
		if !reply.SenderRole.Valid() {
			return validationFailure("reply %d of %s has unknown sender role %q", i, c.ID, reply.SenderRole)
		}
		if reply.ID == "" {
			continue
		}
		if _, dup := seen[reply.ID]; dup {
			return validationFailure("reply id %s appears twice in %s", reply.ID, c.ID)
		}
		seen[reply.ID] = struct{}{}
	}
	return CheckOrdering(c.Sequence())
}

// CheckOrdering reports the first message whose createdAt precedes the
// one before it.
func CheckOrdering(seq []Message) error {
	for i := 1; i < len(seq); i++ {
		if seq[i].CreatedAt.Before(seq[i-1].CreatedAt) {
			return validationFailure("message %s is older than the message before it", seq[i].Key)
		}
	}
	return nil
}
