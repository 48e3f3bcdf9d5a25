package syncengine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/agentworkforce/relaydesk/internal/support"
	"github.com/agentworkforce/relaydesk/internal/watermark"
)

// Source says what caused a commit.
type Source string

const (
	SourceSelect     Source = "select"
	SourceRefresh    Source = "refresh"
	SourcePoll       Source = "poll"
	SourceVisibility Source = "visibility"
	SourcePush       Source = "push"
	SourceAction     Source = "action"
)

// View is what a host renders after each commit.
type View struct {
	ConversationID string
	Conversation   support.Conversation
	Loaded         bool
	Deleted        bool
	Source         Source
	// AutoScroll asks the host to snap to the newest message. When false
	// the host keeps the viewer's scroll offset.
	AutoScroll      bool
	MessageCount    int
	PendingCount    int
	CanReply        bool
	CanChangeStatus bool
}

type EngineOptions struct {
	Viewer  support.Actor
	Profile Profile
	// JitterRatio spreads polls of concurrent viewers, 0 to 1.
	JitterRatio float64
	Channel     Channel
	Tracker     *watermark.Tracker
	Logger      *zerolog.Logger
	Now         func() time.Time
	OnUpdate    func(View)
	// PushRate paces re-fetches triggered by push events.
	PushRate  rate.Limit
	PushBurst int
}

// Engine keeps one selected conversation converged on the store.
type Engine struct {
	client   Client
	viewer   support.Actor
	channel  Channel
	tracker  *watermark.Tracker
	logger   zerolog.Logger
	now      func() time.Time
	onUpdate func(View)
	activity *Activity
	poller   *poller
	flights  singleflight.Group

	roomMu sync.Mutex
	room   string

	mu         sync.Mutex
	selected   string
	generation uint64
	confirmed  *support.Conversation
	pending    []support.PendingReply
	firstLoad  bool
	lastCount  int
	scrolledUp bool
	mutating   map[string]bool
}

func NewEngine(client Client, opts EngineOptions) (*Engine, error) {
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
	pushRate := opts.PushRate
	if pushRate <= 0 {
		pushRate = rate.Every(time.Second)
	}
	pushBurst := opts.PushBurst
	if pushBurst <= 0 {
		pushBurst = 2
	}
	e := &Engine{
		client:   client,
		viewer:   opts.Viewer,
		channel:  opts.Channel,
		tracker:  opts.Tracker,
		logger:   logger.With().Str("component", "thread_sync").Str("viewer_id", opts.Viewer.ID).Logger(),
		now:      now,
		onUpdate: opts.OnUpdate,
		activity: NewActivity(opts.Profile.normalized(ThreadProfile), now),
		mutating: map[string]bool{},
	}
	e.poller = newPoller(e.activity, opts.JitterRatio, now, rate.NewLimiter(pushRate, pushBurst), e.silentRefresh)
	return e, nil
}

func (e *Engine) Activity() *Activity {
	return e.activity
}

// View returns the current snapshot as a host would render it. AutoScroll
// is always false here; it is only meaningful on commits.
func (e *Engine) View() View {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.viewLocked(SourceRefresh, false)
}

// Select switches the engine to conversation id and loads it. Any fetch
// still in flight for the previous conversation becomes stale.
func (e *Engine) Select(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrNoConversation
	}
	e.mu.Lock()
	e.selected = id
	e.generation++
	gen := e.generation
	e.confirmed = nil
	e.pending = nil
	e.firstLoad = true
	e.lastCount = 0
	e.scrolledUp = false
	e.mu.Unlock()

	e.moveRoom(ctx, id)

	conv, err := e.fetch(ctx, id)
	if err != nil {
		return err
	}
	return e.swallowStale(e.commit(id, gen, conv, SourceSelect))
}

// Refresh is the manual refresh. Unlike background refreshes its errors
// reach the caller.
func (e *Engine) Refresh(ctx context.Context) error {
	return e.swallowStale(e.refresh(ctx, SourceRefresh))
}

func (e *Engine) refresh(ctx context.Context, source Source) error {
	e.mu.Lock()
	id, gen := e.selected, e.generation
	e.mu.Unlock()
	if id == "" {
		return nil
	}
	conv, err := e.fetch(ctx, id)
	if err != nil {
		return err
	}
	return e.commit(id, gen, conv, source)
}

// silentRefresh logs and drops every failure.
func (e *Engine) silentRefresh(ctx context.Context, source Source) {
	err := e.refresh(ctx, source)
	switch {
	case err == nil:
	case errors.Is(err, ErrStaleResponse):
		e.logger.Debug().Str("source", string(source)).Msg("discarded stale refresh")
	case ctx.Err() != nil:
	default:
		e.logger.Warn().Err(err).Str("source", string(source)).Msg("background refresh failed")
	}
}

// fetch shares one request between concurrent refreshes of a conversation.
func (e *Engine) fetch(ctx context.Context, id string) (support.Conversation, error) {
	return shared(ctx, &e.flights, id, func(ctx context.Context) (support.Conversation, error) {
		return e.client.GetConversation(ctx, id)
	})
}

// shared runs fn once per key for all concurrent callers. The request
// outlives any single caller's cancellation; each caller stops waiting
// on its own context.
func shared[T any](ctx context.Context, g *singleflight.Group, key string, fn func(context.Context) (T, error)) (T, error) {
	detached := context.WithoutCancel(ctx)
	ch := g.DoChan(key, func() (any, error) {
		return fn(detached)
	})
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			var zero T
			return zero, res.Err
		}
		return res.Val.(T), nil
	}
}

// commit replaces the whole snapshot when (id, gen) still names the
// selected conversation.
func (e *Engine) commit(id string, gen uint64, conv support.Conversation, source Source) error {
	e.mu.Lock()
	if id != e.selected || gen != e.generation {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrStaleResponse, id)
	}
	if conv.ID != id {
		e.mu.Unlock()
		return fmt.Errorf("%w: store answered %q for %q", ErrNetworkFailure, conv.ID, id)
	}
	confirmed := conv.Clone()
	e.confirmed = &confirmed
	display, remaining := support.MergePending(confirmed, e.pending)
	e.pending = remaining
	count := len(display.Sequence())
	autoScroll := e.firstLoad || (count > e.lastCount && !e.scrolledUp)
	e.firstLoad = false
	e.lastCount = count
	view := e.viewLocked(source, autoScroll)
	e.mu.Unlock()
	e.emit(view)
	return nil
}

func (e *Engine) viewLocked(source Source, autoScroll bool) View {
	view := View{
		ConversationID: e.selected,
		Source:         source,
		AutoScroll:     autoScroll,
		PendingCount:   len(e.pending),
	}
	if e.confirmed == nil {
		return view
	}
	display, _ := support.MergePending(*e.confirmed, e.pending)
	view.Conversation = display
	view.Loaded = true
	view.MessageCount = len(display.Sequence())
	view.CanReply = support.CanReply(display, e.viewer.ID, e.viewer.Role)
	view.CanChangeStatus = support.CanChangeStatus(display, e.viewer.Role, e.viewer.ID)
	return view
}

func (e *Engine) emit(view View) {
	if e.onUpdate != nil {
		e.onUpdate(view)
	}
}

func (e *Engine) swallowStale(err error) error {
	if errors.Is(err, ErrStaleResponse) {
		e.logger.Debug().Err(err).Msg("discarded stale response")
		return nil
	}
	return err
}

// SetScrolledUp is fed by the host's scroll listener.
func (e *Engine) SetScrolledUp(up bool) {
	e.mu.Lock()
	e.scrolledUp = up
	e.mu.Unlock()
}

// Signal records user activity on the surface.
func (e *Engine) Signal(sig Signal) {
	e.activity.Record(sig)
}

// SetVisible gates polling. Becoming visible triggers one immediate
// silent refresh and restarts the poll interval.
func (e *Engine) SetVisible(visible bool) {
	e.poller.setVisible(visible)
}

// Start acquires the poll timer and the push listener. It is a no-op
// while already running.
func (e *Engine) Start(ctx context.Context) {
	if e.channel == nil {
		e.poller.start(ctx)
		return
	}
	e.poller.start(ctx, e.listen)
	e.mu.Lock()
	selected := e.selected
	e.mu.Unlock()
	// Rejoin after a Stop.
	e.moveRoom(ctx, selected)
}

// Stop releases everything Start acquired and waits for it. The engine
// may be started again.
func (e *Engine) Stop() {
	if !e.poller.stop() {
		return
	}
	e.moveRoom(context.Background(), "")
}

// moveRoom leaves the joined push room and joins id. An empty id only
// leaves. A failed join leaves the engine polling only.
func (e *Engine) moveRoom(ctx context.Context, id string) {
	if e.channel == nil {
		return
	}
	e.roomMu.Lock()
	defer e.roomMu.Unlock()
	if e.room == id {
		return
	}
	if e.room != "" {
		if err := e.channel.Leave(e.room); err != nil {
			e.logger.Warn().Err(err).Str("conversation_id", e.room).Msg("leaving push room failed")
		}
		e.room = ""
	}
	if id == "" {
		return
	}
	if err := e.channel.Join(ctx, id); err != nil {
		e.logger.Warn().Err(err).Str("conversation_id", id).Msg("joining push room failed, polling only")
		return
	}
	e.room = id
}

func (e *Engine) Running() bool {
	return e.poller.running()
}

func (e *Engine) listen(ctx context.Context) {
	events := e.channel.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			e.mu.Lock()
			relevant := event.ConversationID == e.selected
			e.mu.Unlock()
			if relevant {
				e.logger.Debug().Str("type", string(event.Type)).Str("conversation_id", event.ConversationID).Msg("push event")
				e.poller.nudge()
			}
		}
	}
}

// beginMutation serializes user mutations per conversation and returns
// the snapshot they act on.
func (e *Engine) beginMutation() (string, uint64, support.Conversation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.selected == "" {
		return "", 0, support.Conversation{}, ErrNoConversation
	}
	if e.confirmed == nil {
		return "", 0, support.Conversation{}, fmt.Errorf("%w: %s is not loaded yet", ErrNoConversation, e.selected)
	}
	if e.mutating[e.selected] {
		return "", 0, support.Conversation{}, ErrMutationInFlight
	}
	e.mutating[e.selected] = true
	display, _ := support.MergePending(*e.confirmed, e.pending)
	return e.selected, e.generation, display, nil
}

func (e *Engine) endMutation(id string) {
	e.mu.Lock()
	delete(e.mutating, id)
	e.mu.Unlock()
}

// mutate runs a local rule check, then the store call, then commits the
// store's answer.
func (e *Engine) mutate(ctx context.Context, check func(support.Conversation) error, call func(ctx context.Context, id string) (support.Conversation, error)) error {
	id, gen, current, err := e.beginMutation()
	if err != nil {
		return err
	}
	defer e.endMutation(id)
	if err := check(current); err != nil {
		return err
	}
	conv, err := call(ctx, id)
	if err != nil {
		return err
	}
	return e.swallowStale(e.commit(id, gen, conv, SourceAction))
}

// Send shows the reply at once under a temporary key, then posts it. A
// failed send removes the optimistic entry.
func (e *Engine) Send(ctx context.Context, content string, attachments []string) error {
	content, err := support.NormalizeContent(content)
	if err != nil {
		return err
	}
	if err := support.ValidateAttachments(attachments); err != nil {
		return err
	}
	id, gen, current, err := e.beginMutation()
	if err != nil {
		return err
	}
	defer e.endMutation(id)
	if !support.CanReply(current, e.viewer.ID, e.viewer.Role) {
		return &support.RuleError{
			Kind: support.ErrPermissionDenied,
			Rule: fmt.Sprintf("%s %s cannot reply while the conversation is %s", e.viewer.Role, e.viewer.ID, current.Status),
		}
	}

	pending := support.NewPendingReply(current, e.viewer, content, attachments, e.now())
	e.mu.Lock()
	if id != e.selected || gen != e.generation {
		e.mu.Unlock()
		return nil
	}
	e.pending = append(e.pending, pending)
	e.scrolledUp = false
	view := e.viewLocked(SourceAction, true)
	e.lastCount = view.MessageCount
	e.mu.Unlock()
	e.emit(view)

	conv, err := e.client.Reply(ctx, id, content, attachments)
	if err != nil {
		e.mu.Lock()
		e.pending = support.DropPending(e.pending, pending.Key)
		var rollback *View
		if id == e.selected && gen == e.generation {
			v := e.viewLocked(SourceAction, false)
			e.lastCount = v.MessageCount
			rollback = &v
		}
		e.mu.Unlock()
		if rollback != nil {
			e.emit(*rollback)
		}
		return err
	}

	e.mu.Lock()
	e.pending = support.DropPending(e.pending, pending.Key)
	e.mu.Unlock()
	return e.swallowStale(e.commit(id, gen, conv, SourceAction))
}

func (e *Engine) Accept(ctx context.Context) error {
	return e.mutate(ctx, func(c support.Conversation) error {
		_, err := support.Accept(c, e.viewer, e.now())
		return err
	}, e.client.Accept)
}

func (e *Engine) SetStatus(ctx context.Context, status support.Status) error {
	return e.mutate(ctx, func(c support.Conversation) error {
		_, err := support.SetStatus(c, status, e.viewer, e.now())
		return err
	}, func(ctx context.Context, id string) (support.Conversation, error) {
		return e.client.SetStatus(ctx, id, status)
	})
}

// Edit changes the original message when replyID is empty.
func (e *Engine) Edit(ctx context.Context, replyID, content string) error {
	content, err := support.NormalizeContent(content)
	if err != nil {
		return err
	}
	return e.mutate(ctx, func(c support.Conversation) error {
		_, err := support.EditMessage(c, e.viewer, replyID, content, e.now())
		return err
	}, func(ctx context.Context, id string) (support.Conversation, error) {
		return e.client.Edit(ctx, id, replyID, content)
	})
}

// Delete removes one reply, or the whole thread when replyID is empty.
// After a thread delete nothing is selected.
func (e *Engine) Delete(ctx context.Context, replyID string) error {
	replyID = strings.TrimSpace(replyID)
	if replyID != "" {
		return e.mutate(ctx, func(c support.Conversation) error {
			_, err := support.DeleteReply(c, e.viewer, replyID, e.now())
			return err
		}, func(ctx context.Context, id string) (support.Conversation, error) {
			return e.client.DeleteReply(ctx, id, replyID)
		})
	}

	id, gen, current, err := e.beginMutation()
	if err != nil {
		return err
	}
	defer e.endMutation(id)
	if err := support.CheckDeleteThread(current, e.viewer); err != nil {
		return err
	}
	if err := e.client.DeleteConversation(ctx, id); err != nil {
		return err
	}

	e.mu.Lock()
	if id != e.selected || gen != e.generation {
		e.mu.Unlock()
		return nil
	}
	e.selected = ""
	e.generation++
	e.confirmed = nil
	e.pending = nil
	e.firstLoad = true
	e.lastCount = 0
	view := View{ConversationID: id, Deleted: true, Source: SourceAction}
	e.mu.Unlock()

	e.moveRoom(ctx, "")
	e.emit(view)
	return nil
}

// MarkSeen moves the viewer's watermark to the newest persisted message
// and sends a read receipt. The receipt is best effort.
func (e *Engine) MarkSeen(ctx context.Context) error {
	if e.tracker == nil {
		return nil
	}
	e.mu.Lock()
	if e.confirmed == nil {
		e.mu.Unlock()
		return nil
	}
	conv := e.confirmed.Clone()
	e.mu.Unlock()

	key, changed, err := e.tracker.MarkSeen(ctx, support.Viewer{ID: e.viewer.ID, Role: e.viewer.Role}, conv)
	if err != nil {
		return err
	}
	if changed {
		if err := e.client.MarkRead(ctx, conv.ID, key); err != nil {
			e.logger.Warn().Err(err).Str("conversation_id", conv.ID).Msg("read receipt failed")
		}
	}
	return nil
}
