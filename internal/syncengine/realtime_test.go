package syncengine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/relaydesk/internal/support"
)

// pushServer accepts one room socket per request and forwards whatever is
// written to send.
type pushServer struct {
	*httptest.Server
	auth  chan string
	paths chan string
	send  chan any
}

func newPushServer(t *testing.T) *pushServer {
	t.Helper()
	s := &pushServer{
		auth:  make(chan string, 4),
		paths: make(chan string, 4),
		send:  make(chan any, 8),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.auth <- r.Header.Get("Authorization")
		s.paths <- r.URL.Path
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-s.send:
				if err := wsjson.Write(ctx, conn, msg); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func nextEvent(t *testing.T, ch <-chan support.Event) support.Event {
	t.Helper()
	select {
	case event, ok := <-ch:
		require.True(t, ok, "events closed")
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for push event")
		return support.Event{}
	}
}

func TestWebSocketChannelDeliversRoomEvents(t *testing.T) {
	server := newPushServer(t)
	ch := NewWebSocketChannel(server.URL, "secret", nil)
	t.Cleanup(func() { _ = ch.Close() })

	ctx := context.Background()
	require.NoError(t, ch.Join(ctx, "conv1"))
	assert.Equal(t, "Bearer secret", <-server.auth)
	assert.Equal(t, "/messages/conv1/events", <-server.paths)
	require.NoError(t, ch.Join(ctx, "conv1"), "joining twice is a no-op")

	server.send <- map[string]any{"type": "was-teleported", "conversationId": "conv1"}
	server.send <- support.Event{Type: support.EventNewReply, MessageID: "r1"}
	server.send <- support.Event{Type: support.EventAccepted, ConversationID: "conv1", ActorID: agentA.ID}

	first := nextEvent(t, ch.Events())
	assert.Equal(t, support.EventNewReply, first.Type)
	assert.Equal(t, "conv1", first.ConversationID, "room id fills a blank conversation")
	assert.Equal(t, "r1", first.MessageID)

	second := nextEvent(t, ch.Events())
	assert.Equal(t, support.EventAccepted, second.Type)
	assert.Equal(t, agentA.ID, second.ActorID)
}

func TestWebSocketChannelLeaveAndClose(t *testing.T) {
	server := newPushServer(t)
	ch := NewWebSocketChannel(server.URL+"/", "", nil)
	ctx := context.Background()

	require.NoError(t, ch.Join(ctx, "conv1"))
	assert.Empty(t, <-server.auth)
	<-server.paths
	require.NoError(t, ch.Leave("conv1"))
	require.NoError(t, ch.Leave("conv1"))

	require.NoError(t, ch.Join(ctx, "conv1"), "a left room can be joined again")
	<-server.auth
	<-server.paths

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())
	_, ok := <-ch.Events()
	assert.False(t, ok)
	assert.ErrorIs(t, ch.Join(ctx, "conv2"), ErrChannelClosed)
	assert.ErrorIs(t, ch.Join(ctx, " "), ErrNoConversation)
}

func TestWebSocketChannelDialFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()
	ch := NewWebSocketChannel(server.URL, "", nil)
	defer ch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.Error(t, ch.Join(ctx, "conv1"))
}
