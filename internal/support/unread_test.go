package support

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsUnreadForStaffFollowsLastSender(t *testing.T) {
	c := withStatus(StatusAccepted)
	staff := []Viewer{{ID: agentA.ID, Role: RoleAgent}, {ID: agentB.ID, Role: RoleAgent}, {ID: adminX.ID, Role: RoleAdmin}}

	for _, v := range staff {
		assert.True(t, IsUnread(c, v, ""), "client original with no replies is unread for %s", v.ID)
	}

	c, err := AddReply(c, agentA, "r1", "On it", nil, t0.Add(time.Minute))
	require.NoError(t, err)
	for _, v := range staff {
		assert.False(t, IsUnread(c, v, ""), "agent answered last, %s should see it read", v.ID)
	}

	c, err = AddReply(c, client, "r2", "Any news?", nil, t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, IsUnread(c, staff[1], "r1"), "staff unread ignores watermarks")
}

func TestIsUnreadForClientUsesWatermark(t *testing.T) {
	viewer := Viewer{ID: client.ID, Role: RoleClient}
	c := withStatus(StatusAccepted)
	assert.False(t, IsUnread(c, viewer, ""), "own original is never unread")

	c, err := AddReply(c, agentA, "r1", "Hello", nil, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, IsUnread(c, viewer, ""))
	assert.True(t, IsUnread(c, viewer, c.ID), "watermark behind the last message")
	assert.False(t, IsUnread(c, viewer, "r1"))
	assert.True(t, IsUnread(c, viewer, "deleted-reply"), "unknown watermark counts as behind")

	c, err = AddReply(c, client, "r2", "Thanks", nil, t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, IsUnread(c, viewer, "r1"), "own reply is last")
}

func TestIsUnreadIgnoresPendingReplies(t *testing.T) {
	viewer := Viewer{ID: client.ID, Role: RoleClient}
	c := withStatus(StatusAccepted)
	c, err := AddReply(c, agentA, "r1", "Hello", nil, t0.Add(time.Minute))
	require.NoError(t, err)

	merged, _ := MergePending(c, []PendingReply{NewPendingReply(c, client, "typing", nil, t0.Add(2*time.Minute))})
	assert.True(t, IsUnread(merged, viewer, ""), "a pending own reply is not a read receipt")
	assert.Equal(t, "r1", LastPersistedKey(merged))
}

func TestWatermarkPosition(t *testing.T) {
	c := withStatus(StatusAccepted)
	c, err := AddReply(c, agentA, "r1", "Hello", nil, t0)
	require.NoError(t, err)
	assert.Equal(t, 0, WatermarkPosition(c, c.ID))
	assert.Equal(t, 1, WatermarkPosition(c, "r1"))
	assert.Equal(t, -1, WatermarkPosition(c, ""))
	assert.Equal(t, -1, WatermarkPosition(c, "nope"))
}

func TestIsUnreadComparesPositions(t *testing.T) {
	viewer := Viewer{ID: client.ID, Role: RoleClient}
	c := withStatus(StatusAccepted)
	c, err := AddReply(c, agentA, "r1", "Hello", nil, t0.Add(time.Minute))
	require.NoError(t, err)
	c, err = AddReply(c, agentA, "r2", "Found it", nil, t0.Add(2*time.Minute))
	require.NoError(t, err)

	assert.True(t, IsUnread(c, viewer, "r1"), "strictly behind")
	assert.False(t, IsUnread(c, viewer, "r2"))

	// The latest reply is withdrawn; a watermark that was on r1 is now
	// level with the end.
	c, err = DeleteReply(c, adminX, "r2", t0.Add(3*time.Minute))
	require.NoError(t, err)
	assert.False(t, IsUnread(c, viewer, "r1"))
}

func TestCarryWatermarkAfterDelete(t *testing.T) {
	viewer := Viewer{ID: client.ID, Role: RoleClient}
	before := withStatus(StatusAccepted)
	before, err := AddReply(before, agentA, "r1", "Hello", nil, t0.Add(time.Minute))
	require.NoError(t, err)
	before, err = AddReply(before, agentA, "r2", "Found it", nil, t0.Add(2*time.Minute))
	require.NoError(t, err)

	after, err := DeleteReply(before, adminX, "r2", t0.Add(3*time.Minute))
	require.NoError(t, err)
	assert.True(t, IsUnread(after, viewer, "r2"), "unplaced watermark counts as behind")

	carried := CarryWatermark(before, after, "r2")
	assert.Equal(t, "r1", carried)
	assert.False(t, IsUnread(after, viewer, carried))

	newer, err := AddReply(after, adminX, "r3", "Following up", nil, t0.Add(4*time.Minute))
	require.NoError(t, err)
	assert.True(t, IsUnread(newer, viewer, CarryWatermark(before, newer, "r2")), "later messages stay unread")

	assert.Equal(t, "r1", CarryWatermark(before, after, "r1"), "resolving watermark is untouched")
	assert.Equal(t, "gone", CarryWatermark(before, after, "gone"), "prev cannot place it")
	assert.Equal(t, "", CarryWatermark(before, after, ""))
}
