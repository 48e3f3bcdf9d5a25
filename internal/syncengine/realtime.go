package syncengine

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/relaydesk/internal/support"
)

// Channel is an optional push source. Each event only tells the engine
// which conversation to re-fetch.
type Channel interface {
	Join(ctx context.Context, conversationID string) error
	Leave(conversationID string) error
	Events() <-chan support.Event
	Close() error
}

var ErrChannelClosed = errors.New("channel closed")

// WebSocketChannel holds one websocket per joined conversation room.
type WebSocketChannel struct {
	baseURL string
	token   string
	logger  zerolog.Logger
	events  chan support.Event

	mu     sync.Mutex
	rooms  map[string]context.CancelFunc
	closed bool
	wg     sync.WaitGroup
}

func NewWebSocketChannel(baseURL, token string, logger *zerolog.Logger) *WebSocketChannel {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		baseURL = "wss://" + strings.TrimPrefix(baseURL, "https://")
	case strings.HasPrefix(baseURL, "http://"):
		baseURL = "ws://" + strings.TrimPrefix(baseURL, "http://")
	}
	l := zerolog.Nop()
	if logger != nil {
		l = *logger
	}
	return &WebSocketChannel{
		baseURL: baseURL,
		token:   strings.TrimSpace(token),
		logger:  l.With().Str("component", "realtime").Logger(),
		events:  make(chan support.Event, 32),
		rooms:   map[string]context.CancelFunc{},
	}
}

func (c *WebSocketChannel) Events() <-chan support.Event {
	return c.events
}

func (c *WebSocketChannel) Join(ctx context.Context, conversationID string) error {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return ErrNoConversation
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	if _, ok := c.rooms[conversationID]; ok {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, _, err := websocket.Dial(ctx, c.baseURL+conversationPath(conversationID, "events"), &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		_ = conn.Close(websocket.StatusGoingAway, "channel closed")
		return ErrChannelClosed
	}
	if _, ok := c.rooms[conversationID]; ok {
		_ = conn.Close(websocket.StatusNormalClosure, "duplicate join")
		return nil
	}
	roomCtx, cancel := context.WithCancel(context.Background())
	c.rooms[conversationID] = cancel
	c.wg.Add(1)
	go c.read(roomCtx, conversationID, conn)
	return nil
}

func (c *WebSocketChannel) read(ctx context.Context, conversationID string, conn *websocket.Conn) {
	defer c.wg.Done()
	defer func() {
		_ = conn.Close(websocket.StatusNormalClosure, "leaving")
		c.mu.Lock()
		if cancel, ok := c.rooms[conversationID]; ok && ctx.Err() == nil {
			// The server hung up; forget the room so a later Join redials.
			cancel()
			delete(c.rooms, conversationID)
		}
		c.mu.Unlock()
	}()
	for {
		var event support.Event
		if err := wsjson.Read(ctx, conn, &event); err != nil {
			if ctx.Err() == nil {
				c.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("push room dropped")
			}
			return
		}
		if !event.Type.Valid() {
			c.logger.Debug().Str("type", string(event.Type)).Msg("ignoring unknown push event")
			continue
		}
		if event.ConversationID == "" {
			event.ConversationID = conversationID
		}
		select {
		case c.events <- event:
		case <-ctx.Done():
			return
		}
	}
}

func (c *WebSocketChannel) Leave(conversationID string) error {
	c.mu.Lock()
	cancel, ok := c.rooms[strings.TrimSpace(conversationID)]
	delete(c.rooms, strings.TrimSpace(conversationID))
	c.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

// Close leaves every room and closes Events once all readers are gone.
func (c *WebSocketChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for id, cancel := range c.rooms {
		cancel()
		delete(c.rooms, id)
	}
	c.mu.Unlock()
	c.wg.Wait()
	close(c.events)
	return nil
}
