package syncengine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/agentworkforce/relaydesk/internal/support"
	"github.com/agentworkforce/relaydesk/internal/watermark"
)

// InboxView is the conversation list as a host renders it.
type InboxView struct {
	Conversations []support.Conversation
	Unread        map[string]bool
	UnreadCount   int
	Loaded        bool
	Source        Source
}

type InboxOptions struct {
	Viewer      support.Actor
	Profile     Profile
	JitterRatio float64
	Tracker     *watermark.Tracker
	Logger      *zerolog.Logger
	Now         func() time.Time
	OnUpdate    func(InboxView)
}

// InboxEngine polls GET /messages with the list profile.
type InboxEngine struct {
	client   Client
	viewer   support.Actor
	tracker  *watermark.Tracker
	logger   zerolog.Logger
	onUpdate func(InboxView)
	activity *Activity
	poller   *poller
	flights  singleflight.Group

	mu   sync.Mutex
	view InboxView
}

func NewInboxEngine(client Client, opts InboxOptions) (*InboxEngine, error) {
	if client == nil {
		return nil, fmt.Errorf("client is required")
	}
	if strings.TrimSpace(opts.Viewer.ID) == "" || !opts.Viewer.Role.Valid() {
		return nil, fmt.Errorf("viewer id and role are required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	tracker := opts.Tracker
	if tracker == nil {
		tracker = watermark.NewTracker(nil)
	}
	e := &InboxEngine{
		client:   client,
		viewer:   opts.Viewer,
		tracker:  tracker,
		logger:   logger.With().Str("component", "inbox_sync").Str("viewer_id", opts.Viewer.ID).Logger(),
		onUpdate: opts.OnUpdate,
		activity: NewActivity(opts.Profile.normalized(ListProfile), now),
	}
	e.poller = newPoller(e.activity, opts.JitterRatio, now, nil, e.silentRefresh)
	return e, nil
}

func (e *InboxEngine) Activity() *Activity {
	return e.activity
}

func (e *InboxEngine) View() InboxView {
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneInboxView(e.view)
}

// Refresh is the manual refresh; its errors reach the caller.
func (e *InboxEngine) Refresh(ctx context.Context) error {
	return e.refresh(ctx, SourceRefresh)
}

func (e *InboxEngine) silentRefresh(ctx context.Context, source Source) {
	err := e.refresh(ctx, source)
	switch {
	case err == nil:
	case ctx.Err() != nil:
	default:
		e.logger.Warn().Err(err).Str("source", string(source)).Msg("background list refresh failed")
	}
}

func (e *InboxEngine) refresh(ctx context.Context, source Source) error {
	list, err := shared(ctx, &e.flights, "list", e.client.ListConversations)
	if err != nil {
		return err
	}

	e.mu.Lock()
	prev := make(map[string]support.Conversation, len(e.view.Conversations))
	for _, c := range e.view.Conversations {
		prev[c.ID] = c
	}
	e.mu.Unlock()

	viewer := support.Viewer{ID: e.viewer.ID, Role: e.viewer.Role}
	unread := make(map[string]bool, len(list))
	count := 0
	out := make([]support.Conversation, 0, len(list))
	for _, c := range list {
		var before *support.Conversation
		if p, ok := prev[c.ID]; ok {
			before = &p
		}
		isUnread, err := e.tracker.UnreadSince(ctx, before, c, viewer)
		if err != nil {
			return err
		}
		unread[c.ID] = isUnread
		if isUnread {
			count++
		}
		out = append(out, c.Clone())
	}

	e.mu.Lock()
	e.view = InboxView{
		Conversations: out,
		Unread:        unread,
		UnreadCount:   count,
		Loaded:        true,
		Source:        source,
	}
	view := cloneInboxView(e.view)
	e.mu.Unlock()
	if e.onUpdate != nil {
		e.onUpdate(view)
	}
	return nil
}

// MarkSeen moves the viewer's watermark on one listed conversation and
// updates the badge without another fetch.
func (e *InboxEngine) MarkSeen(ctx context.Context, conversationID string) error {
	e.mu.Lock()
	var target *support.Conversation
	for i := range e.view.Conversations {
		if e.view.Conversations[i].ID == conversationID {
			c := e.view.Conversations[i].Clone()
			target = &c
			break
		}
	}
	e.mu.Unlock()
	if target == nil {
		return fmt.Errorf("%w: conversation %s is not listed", support.ErrNotFound, conversationID)
	}
	viewer := support.Viewer{ID: e.viewer.ID, Role: e.viewer.Role}
	if _, _, err := e.tracker.MarkSeen(ctx, viewer, *target); err != nil {
		return err
	}
	isUnread, err := e.tracker.Unread(ctx, *target, viewer)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if was, ok := e.view.Unread[conversationID]; ok && was != isUnread {
		e.view.Unread[conversationID] = isUnread
		if isUnread {
			e.view.UnreadCount++
		} else {
			e.view.UnreadCount--
		}
	}
	view := cloneInboxView(e.view)
	e.mu.Unlock()
	if e.onUpdate != nil {
		e.onUpdate(view)
	}
	return nil
}

func (e *InboxEngine) SetVisible(visible bool) {
	e.poller.setVisible(visible)
}

func (e *InboxEngine) Signal(sig Signal) {
	e.activity.Record(sig)
}

// Nudge asks for a refresh as if a push event arrived.
func (e *InboxEngine) Nudge() {
	e.poller.nudge()
}

func (e *InboxEngine) Start(ctx context.Context) {
	e.poller.start(ctx)
}

func (e *InboxEngine) Stop() {
	e.poller.stop()
}

func (e *InboxEngine) Running() bool {
	return e.poller.running()
}

func cloneInboxView(v InboxView) InboxView {
	out := v
	if v.Conversations != nil {
		out.Conversations = make([]support.Conversation, len(v.Conversations))
		for i, c := range v.Conversations {
			out.Conversations[i] = c.Clone()
		}
	}
	if v.Unread != nil {
		out.Unread = make(map[string]bool, len(v.Unread))
		for k, val := range v.Unread {
			out.Unread[k] = val
		}
	}
	return out
}
