package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/relaydesk/internal/support"
)

const (
	roomSendBuffer   = 16
	roomWriteTimeout = 5 * time.Second
)

// Hub fans store notifications out to the websocket rooms of each
// conversation.
type Hub struct {
	logger zerolog.Logger

	mu     sync.Mutex
	rooms  map[string]map[*roomMember]struct{}
	closed bool
	done   chan struct{}
}

type roomMember struct {
	actorID string
	send    chan support.Event
}

func NewHub(logger *zerolog.Logger) *Hub {
	l := zerolog.Nop()
	if logger != nil {
		l = *logger
	}
	return &Hub{
		logger: l.With().Str("component", "hub").Logger(),
		rooms:  map[string]map[*roomMember]struct{}{},
		done:   make(chan struct{}),
	}
}

// Publish hands event to every member of its room. A member whose buffer
// is full misses the event and catches up on its next poll.
func (h *Hub) Publish(event support.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for member := range h.rooms[event.ConversationID] {
		select {
		case member.send <- event:
		default:
			h.logger.Debug().
				Str("conversation_id", event.ConversationID).
				Str("actor_id", member.actorID).
				Msg("room member is behind, dropping event")
		}
	}
}

func (h *Hub) RoomSize(conversationID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[conversationID])
}

// Close hangs up every room. Hijacked connections are not covered by
// http.Server.Shutdown, so the server calls this on the way out.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.done)
}

// serve upgrades the request and streams the room until either side
// hangs up.
func (h *Hub) serve(w http.ResponseWriter, r *http.Request, conversationID string, actor support.Actor) {
	member := &roomMember{actorID: actor.ID, send: make(chan support.Event, roomSendBuffer)}
	if !h.join(conversationID, member) {
		writeError(w, http.StatusServiceUnavailable, "shutting_down", "server is shutting down", getCorrelationID(r))
		return
	}
	defer h.leave(conversationID, member)

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("websocket upgrade failed")
		return
	}
	defer conn.CloseNow()
	ctx := conn.CloseRead(r.Context())
	h.logger.Debug().Str("conversation_id", conversationID).Str("actor_id", actor.ID).Msg("joined room")

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case event := <-member.send:
			writeCtx, cancel := context.WithTimeout(ctx, roomWriteTimeout)
			err := wsjson.Write(writeCtx, conn, event)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (h *Hub) join(conversationID string, member *roomMember) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	room := h.rooms[conversationID]
	if room == nil {
		room = map[*roomMember]struct{}{}
		h.rooms[conversationID] = room
	}
	room[member] = struct{}{}
	return true
}

func (h *Hub) leave(conversationID string, member *roomMember) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.rooms[conversationID]
	delete(room, member)
	if len(room) == 0 {
		delete(h.rooms, conversationID)
	}
}
