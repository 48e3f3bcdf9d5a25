package support

import "time"

// Accept claims a pending conversation for a staff member. It never
// reassigns: accepting anything but a pending conversation fails, so two
// agents racing on the same thread cannot both win.
func Accept(c Conversation, actor Actor, now time.Time) (Conversation, error) {
	if !actor.Role.IsStaff() {
		return c, permissionDenied("only agents and admins can accept conversations")
	}
	if c.Status != StatusPending {
		if assignee := c.Assignee(); assignee != "" && assignee != actor.ID {
			return c, invalidTransition("conversation %s was already accepted by %s", c.ID, assignee)
		}
		return c, invalidTransition("only pending conversations can be accepted, conversation %s is %s", c.ID, c.Status)
	}
	out := c.Clone()
	out.Status = StatusAccepted
	out.AssignedTo = stringPtr(actor.ID)
	out.AssignedToName = stringPtr(actor.Name)
	out.UpdatedAt = now.UTC()
	return out, nil
}

// CanReply gates the reply box. Admins bypass acceptance, agents must own
// the conversation and clients must be its sender. Nobody replies once it
// is closed.
func CanReply(c Conversation, actorID string, role Role) bool {
	if c.Status == StatusClosed {
		return false
	}
	switch role {
	case RoleAdmin:
		return true
	case RoleAgent:
		return c.Status != StatusPending && actorID != "" && actorID == c.Assignee()
	case RoleClient:
		return c.Status != StatusPending && actorID != "" && actorID == c.SenderID
	}
	return false
}

// CanChangeStatus gates status controls.
func CanChangeStatus(c Conversation, role Role, actorID string) bool {
	if c.Status == StatusClosed {
		return false
	}
	switch role {
	case RoleAdmin:
		return true
	case RoleAgent:
		return c.Status != StatusPending && actorID != "" && actorID == c.Assignee()
	}
	return false
}

// CanEdit reports whether actor may edit the original message (replyID
// empty) or one reply. Only authors edit, and never after close.
func CanEdit(c Conversation, actor Actor, replyID string) bool {
	if c.Status == StatusClosed || actor.ID == "" {
		return false
	}
	if replyID == "" {
		return actor.ID == c.SenderID
	}
	idx := c.ReplyIndex(replyID)
	if idx < 0 {
		return false
	}
	return c.Replies[idx].SenderID == actor.ID
}

// CanDelete reports whether actor may delete one reply or, with replyID
// empty, the whole thread.
func CanDelete(c Conversation, actor Actor, replyID string) bool {
	if actor.ID == "" {
		return false
	}
	if replyID == "" {
		if actor.Role == RoleAdmin {
			return true
		}
		return actor.Role == RoleClient && actor.ID == c.SenderID && c.Status != StatusClosed
	}
	if c.Status == StatusClosed {
		return false
	}
	idx := c.ReplyIndex(replyID)
	if idx < 0 {
		return false
	}
	return actor.Role == RoleAdmin || c.Replies[idx].SenderID == actor.ID
}

// AddReply appends a persisted reply. The caller supplies the id.
func AddReply(c Conversation, actor Actor, replyID, content string, attachments []string, now time.Time) (Conversation, error) {
	if !CanReply(c, actor.ID, actor.Role) {
		return c, permissionDenied("%s %s cannot reply to conversation %s while it is %s", actor.Role, actor.ID, c.ID, c.Status)
	}
	content, err := NormalizeContent(content)
	if err != nil {
		return c, err
	}
	if err := ValidateAttachments(attachments); err != nil {
		return c, err
	}
	now = now.UTC()
	out := c.Clone()
	out.Replies = append(out.Replies, Reply{
		ID:          replyID,
		SenderID:    actor.ID,
		SenderName:  actor.Name,
		SenderRole:  actor.Role,
		Content:     content,
		Attachments: cloneStrings(attachments),
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	out.UpdatedAt = now
	return out, nil
}

// EditMessage replaces the content of the original message or of a reply.
func EditMessage(c Conversation, actor Actor, replyID, content string, now time.Time) (Conversation, error) {
	if replyID != "" && c.ReplyIndex(replyID) < 0 {
		return c, &RuleError{Kind: ErrNotFound, Rule: "reply " + replyID + " does not exist"}
	}
	if !CanEdit(c, actor, replyID) {
		return c, permissionDenied("%s %s cannot edit this message", actor.Role, actor.ID)
	}
	content, err := NormalizeContent(content)
	if err != nil {
		return c, err
	}
	now = now.UTC()
	out := c.Clone()
	if replyID == "" {
		out.OriginalContent = content
		out.IsEdited = true
	} else {
		idx := out.ReplyIndex(replyID)
		out.Replies[idx].Content = content
		out.Replies[idx].IsEdited = true
		out.Replies[idx].UpdatedAt = now
	}
	out.UpdatedAt = now
	return out, nil
}

// DeleteReply removes one reply, keeping the order of the rest.
func DeleteReply(c Conversation, actor Actor, replyID string, now time.Time) (Conversation, error) {
	if replyID == "" {
		return c, validationFailure("reply id is required")
	}
	idx := c.ReplyIndex(replyID)
	if idx < 0 {
		return c, &RuleError{Kind: ErrNotFound, Rule: "reply " + replyID + " does not exist"}
	}
	if !CanDelete(c, actor, replyID) {
		return c, permissionDenied("%s %s cannot delete reply %s", actor.Role, actor.ID, replyID)
	}
	out := c.Clone()
	out.Replies = append(out.Replies[:idx], out.Replies[idx+1:]...)
	out.UpdatedAt = now.UTC()
	return out, nil
}

// CheckDeleteThread validates a whole-thread delete.
func CheckDeleteThread(c Conversation, actor Actor) error {
	if !CanDelete(c, actor, "") {
		return permissionDenied("%s %s cannot delete conversation %s", actor.Role, actor.ID, c.ID)
	}
	return nil
}
