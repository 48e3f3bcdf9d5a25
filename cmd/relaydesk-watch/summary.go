package main

import (
	"fmt"
	"strings"

	"github.com/agentworkforce/relaydesk/internal/support"
	"github.com/agentworkforce/relaydesk/internal/syncengine"
)

const timeLayout = "2006-01-02 15:04"

func summarizeView(v syncengine.View) string {
	if v.Deleted {
		return fmt.Sprintf("[%s] %s deleted", v.Source, v.ConversationID)
	}
	c := v.Conversation
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s %q %s messages=%d", v.Source, c.ID, c.Subject, c.Status, v.MessageCount)
	if c.AssignedToName != nil {
		fmt.Fprintf(&b, " assignee=%s", *c.AssignedToName)
	}
	if v.PendingCount > 0 {
		fmt.Fprintf(&b, " sending=%d", v.PendingCount)
	}
	if v.AutoScroll {
		b.WriteString(" scroll=bottom")
	}
	if n := len(c.Replies); n > 0 {
		last := c.Replies[n-1]
		fmt.Fprintf(&b, " last=%s@%s", last.SenderName, last.CreatedAt.UTC().Format(timeLayout))
	}
	return b.String()
}

// summarizeInbox prints a header line and one line per conversation,
// newest first as listed.
func summarizeInbox(v syncengine.InboxView) []string {
	lines := make([]string, 0, len(v.Conversations)+1)
	lines = append(lines, fmt.Sprintf("[%s] %d conversations, %d unread", v.Source, len(v.Conversations), v.UnreadCount))
	for _, c := range v.Conversations {
		marker := " "
		if v.Unread[c.ID] {
			marker = "*"
		}
		lines = append(lines, fmt.Sprintf("%s %s %-8s %s (%s)", marker, c.ID, c.Status, c.Subject, assignee(c)))
	}
	return lines
}

func assignee(c support.Conversation) string {
	if c.AssignedToName == nil || *c.AssignedToName == "" {
		return "unassigned"
	}
	return *c.AssignedToName
}
