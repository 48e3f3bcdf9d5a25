package support

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcceptByAgentThenSecondAgentFails(t *testing.T) {
	c := pendingConversation()

	accepted, err := Accept(c, agentA, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, accepted.Status)
	assert.Equal(t, agentA.ID, accepted.Assignee())
	assert.Equal(t, agentA.Name, accepted.AssigneeName())

	again, err := Accept(accepted, agentB, t0.Add(2*time.Minute))
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Contains(t, Rule(err), agentA.ID)
	assert.Equal(t, accepted, again, "failed accept must leave the accepted state untouched")
}

func TestAcceptExclusiveRegardlessOfOrder(t *testing.T) {
	for _, order := range [][2]Actor{{agentA, agentB}, {agentB, agentA}} {
		c := pendingConversation()
		first, err := Accept(c, order[0], t0)
		require.NoError(t, err)
		_, err = Accept(first, order[1], t0)
		require.ErrorIs(t, err, ErrInvalidTransition)
		assert.Equal(t, order[0].ID, first.Assignee())
	}
}

func TestAcceptRejectsClients(t *testing.T) {
	_, err := Accept(pendingConversation(), client, t0)
	require.ErrorIs(t, err, ErrPermissionDenied)
}

func TestAcceptOnlyFromPending(t *testing.T) {
	for _, status := range []Status{StatusAccepted, StatusResolved, StatusClosed} {
		_, err := Accept(withStatus(status), adminX, t0)
		assert.ErrorIs(t, err, ErrInvalidTransition, status)
	}
}

func TestCanReplyOwnership(t *testing.T) {
	c := withStatus(StatusAccepted)

	assert.True(t, CanReply(c, agentA.ID, RoleAgent), "assignee replies")
	assert.True(t, CanReply(c, client.ID, RoleClient), "sender replies")
	assert.False(t, CanReply(c, agentB.ID, RoleAgent), "unassigned agent must not reply")
	assert.False(t, CanReply(c, outsider.ID, RoleClient), "other clients must not reply")
	assert.True(t, CanReply(c, adminX.ID, RoleAdmin), "admins have blanket authority")
}

func TestCanReplyWhilePending(t *testing.T) {
	c := pendingConversation()

	assert.True(t, CanReply(c, adminX.ID, RoleAdmin), "admins bypass acceptance")
	assert.False(t, CanReply(c, agentA.ID, RoleAgent), "agents must accept first")
	assert.False(t, CanReply(c, client.ID, RoleClient))
}

func TestCanChangeStatus(t *testing.T) {
	pending := pendingConversation()
	accepted := withStatus(StatusAccepted)
	closed := withStatus(StatusClosed)

	assert.True(t, CanChangeStatus(pending, RoleAdmin, adminX.ID))
	assert.False(t, CanChangeStatus(pending, RoleAgent, agentA.ID))
	assert.True(t, CanChangeStatus(accepted, RoleAgent, agentA.ID))
	assert.False(t, CanChangeStatus(accepted, RoleAgent, agentB.ID))
	assert.False(t, CanChangeStatus(accepted, RoleClient, client.ID))
	assert.False(t, CanChangeStatus(closed, RoleAdmin, adminX.ID))
}

func TestAddReplyAppendsInOrder(t *testing.T) {
	c := withStatus(StatusAccepted)
	c, err := AddReply(c, agentA, "r1", "  Looking into it  ", nil, t0.Add(time.Minute))
	require.NoError(t, err)
	c, err = AddReply(c, client, "r2", "Thanks", []string{"blob://receipt.png"}, t0.Add(2*time.Minute))
	require.NoError(t, err)

	require.Len(t, c.Replies, 2)
	assert.Equal(t, "Looking into it", c.Replies[0].Content)
	assert.Equal(t, []string{c.ID, "r1", "r2"}, keys(c.Sequence()))
	assert.Equal(t, t0.Add(2*time.Minute), c.UpdatedAt)
}

func TestAddReplyChecksRightsAndContent(t *testing.T) {
	c := withStatus(StatusAccepted)
	_, err := AddReply(c, agentB, "r1", "hi", nil, t0)
	require.ErrorIs(t, err, ErrPermissionDenied)
	_, err = AddReply(c, agentA, "r1", "   ", nil, t0)
	require.ErrorIs(t, err, ErrValidation)
}

func TestEditMessage(t *testing.T) {
	c := withStatus(StatusAccepted)
	c, err := AddReply(c, agentA, "r1", "first", nil, t0)
	require.NoError(t, err)

	edited, err := EditMessage(c, agentA, "r1", "second", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "second", edited.Replies[0].Content)
	assert.True(t, edited.Replies[0].IsEdited)

	edited, err = EditMessage(edited, client, "", "updated body", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "updated body", edited.OriginalContent)
	assert.True(t, edited.IsEdited)

	_, err = EditMessage(c, client, "r1", "not mine", t0)
	require.ErrorIs(t, err, ErrPermissionDenied)
	_, err = EditMessage(c, agentA, "missing", "x", t0)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteReplyKeepsOrder(t *testing.T) {
	c := withStatus(StatusAccepted)
	var err error
	for i, id := range []string{"r1", "r2", "r3"} {
		c, err = AddReply(c, agentA, id, id, nil, t0.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
	}

	_, err = DeleteReply(c, client, "r2", t0)
	require.ErrorIs(t, err, ErrPermissionDenied)

	out, err := DeleteReply(c, adminX, "r2", t0)
	require.NoError(t, err)
	assert.Equal(t, []string{c.ID, "r1", "r3"}, keys(out.Sequence()))
	assert.Len(t, c.Replies, 3, "input must not be mutated")
}

func TestCheckDeleteThread(t *testing.T) {
	assert.NoError(t, CheckDeleteThread(pendingConversation(), client))
	assert.NoError(t, CheckDeleteThread(withStatus(StatusClosed), adminX))
	assert.ErrorIs(t, CheckDeleteThread(withStatus(StatusClosed), client), ErrPermissionDenied)
	assert.ErrorIs(t, CheckDeleteThread(pendingConversation(), agentA), ErrPermissionDenied)
}

func TestCounterparts(t *testing.T) {
	c := withStatus(StatusAccepted)
	assert.Equal(t, []string{client.ID}, Counterparts(c, agentA.ID))
	assert.Equal(t, []string{agentA.ID}, Counterparts(c, client.ID))
	assert.Nil(t, Counterparts(pendingConversation(), client.ID))
}

func keys(seq []Message) []string {
	out := make([]string, len(seq))
	for i, msg := range seq {
		out[i] = msg.Key
	}
	return out
}
