package syncengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agentworkforce/relaydesk/internal/support"
)

var (
	t0      = time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	client  = support.Actor{ID: "client_c", Name: "Casey", Role: support.RoleClient}
	agentA  = support.Actor{ID: "agent_a", Name: "Avery", Role: support.RoleAgent}
	agentB  = support.Actor{ID: "agent_b", Name: "Blake", Role: support.RoleAgent}
	adminX  = support.Actor{ID: "admin_x", Name: "Quinn", Role: support.RoleAdmin}
	fixedAt = func() time.Time { return t0.Add(time.Hour) }
)

// fakeClient plays the store in memory for one acting user.
type fakeClient struct {
	actor support.Actor

	mu       sync.Mutex
	convs    map[string]support.Conversation
	order    []string
	gets     map[string]int
	lists    int
	gates    map[string]chan struct{}
	entered  chan string
	getErr   error
	listErr  error
	replyErr error
	nextID   int
	reads    []string
	deleted  []string

	// listGate blocks ListConversations until closed.
	listGate chan struct{}
	// replyGate blocks Reply until closed.
	replyGate chan struct{}
	// ackWith, when set, is returned by Reply instead of applying it.
	ackWith *support.Conversation
}

func newFakeClient(actor support.Actor, convs ...support.Conversation) *fakeClient {
	f := &fakeClient{
		actor:   actor,
		convs:   map[string]support.Conversation{},
		gets:    map[string]int{},
		gates:   map[string]chan struct{}{},
		entered: make(chan string, 64),
	}
	for _, c := range convs {
		f.put(c)
	}
	return f
}

func (f *fakeClient) put(c support.Conversation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.convs[c.ID]; !ok {
		f.order = append(f.order, c.ID)
	}
	f.convs[c.ID] = c.Clone()
}

// set mutates the fake under its lock.
func (f *fakeClient) set(fn func(f *fakeClient)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeClient) readReceipts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.reads...)
}

func (f *fakeClient) get(id string) support.Conversation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.convs[id].Clone()
}

// gate makes the next GetConversation(id) calls block until release.
func (f *fakeClient) gate(id string) (release func()) {
	ch := make(chan struct{})
	f.mu.Lock()
	f.gates[id] = ch
	f.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.gates, id)
			f.mu.Unlock()
			close(ch)
		})
	}
}

func (f *fakeClient) getCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets[id]
}

func (f *fakeClient) listCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lists
}

func (f *fakeClient) ListConversations(ctx context.Context) ([]support.Conversation, error) {
	f.mu.Lock()
	f.lists++
	gate := f.listGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]support.Conversation, 0, len(f.order))
	for _, id := range f.order {
		if c, ok := f.convs[id]; ok {
			out = append(out, c.Clone())
		}
	}
	return out, nil
}

func (f *fakeClient) GetConversation(ctx context.Context, id string) (support.Conversation, error) {
	f.mu.Lock()
	f.gets[id]++
	gate := f.gates[id]
	snapshot, ok := f.convs[id]
	snapshot = snapshot.Clone()
	getErr := f.getErr
	f.mu.Unlock()

	select {
	case f.entered <- id:
	default:
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return support.Conversation{}, ctx.Err()
		}
	}
	if getErr != nil {
		return support.Conversation{}, getErr
	}
	if !ok {
		return support.Conversation{}, &HTTPError{StatusCode: 404, Code: "not_found", Message: id}
	}
	return snapshot, nil
}

func (f *fakeClient) CreateConversation(_ context.Context, subject, content string, attachments []string) (support.Conversation, error) {
	f.mu.Lock()
	f.nextID++
	id := fmt.Sprintf("conv%d", 100+f.nextID)
	f.mu.Unlock()
	c, err := support.NewConversation(id, f.actor, subject, content, attachments, fixedAt())
	if err != nil {
		return support.Conversation{}, err
	}
	f.put(c)
	return c, nil
}

func (f *fakeClient) Reply(ctx context.Context, id, content string, attachments []string) (support.Conversation, error) {
	f.mu.Lock()
	gate := f.replyGate
	replyErr := f.replyErr
	ackWith := f.ackWith
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return support.Conversation{}, ctx.Err()
		}
	}
	if replyErr != nil {
		return support.Conversation{}, replyErr
	}
	if ackWith != nil {
		return ackWith.Clone(), nil
	}
	f.mu.Lock()
	f.nextID++
	replyID := fmt.Sprintf("r%d", 98+f.nextID)
	f.mu.Unlock()
	return f.apply(id, func(c support.Conversation) (support.Conversation, error) {
		return support.AddReply(c, f.actor, replyID, content, attachments, fixedAt())
	})
}

func (f *fakeClient) SetStatus(_ context.Context, id string, status support.Status) (support.Conversation, error) {
	return f.apply(id, func(c support.Conversation) (support.Conversation, error) {
		return support.SetStatus(c, status, f.actor, fixedAt())
	})
}

func (f *fakeClient) Accept(_ context.Context, id string) (support.Conversation, error) {
	return f.apply(id, func(c support.Conversation) (support.Conversation, error) {
		return support.Accept(c, f.actor, fixedAt())
	})
}

func (f *fakeClient) Edit(_ context.Context, id, replyID, content string) (support.Conversation, error) {
	return f.apply(id, func(c support.Conversation) (support.Conversation, error) {
		return support.EditMessage(c, f.actor, replyID, content, fixedAt())
	})
}

func (f *fakeClient) DeleteReply(_ context.Context, id, replyID string) (support.Conversation, error) {
	return f.apply(id, func(c support.Conversation) (support.Conversation, error) {
		return support.DeleteReply(c, f.actor, replyID, fixedAt())
	})
}

func (f *fakeClient) DeleteConversation(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.convs[id]
	if !ok {
		return &HTTPError{StatusCode: 404, Code: "not_found", Message: id}
	}
	if err := support.CheckDeleteThread(c, f.actor); err != nil {
		return err
	}
	delete(f.convs, id)
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeClient) MarkRead(_ context.Context, id, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, id+":"+messageID)
	return nil
}

func (f *fakeClient) MarkDelivered(context.Context, string, string) error {
	return nil
}

func (f *fakeClient) apply(id string, op func(support.Conversation) (support.Conversation, error)) (support.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.convs[id]
	if !ok {
		return support.Conversation{}, &HTTPError{StatusCode: 404, Code: "not_found", Message: id}
	}
	out, err := op(c)
	if err != nil {
		return support.Conversation{}, err
	}
	f.convs[id] = out.Clone()
	return out, nil
}

func pendingConversation(id string) support.Conversation {
	c, err := support.NewConversation(id, client, "Lost booking "+id, "My flight booking vanished", nil, t0)
	if err != nil {
		panic(err)
	}
	return c
}

func acceptedConversation(id string) support.Conversation {
	c, err := support.Accept(pendingConversation(id), agentA, t0.Add(time.Minute))
	if err != nil {
		panic(err)
	}
	return c
}

func mustReply(c support.Conversation, actor support.Actor, replyID, content string, at time.Time) support.Conversation {
	out, err := support.AddReply(c, actor, replyID, content, nil, at)
	if err != nil {
		panic(err)
	}
	return out
}

func keys(c support.Conversation) []string {
	var out []string
	for _, msg := range c.Sequence() {
		out = append(out, msg.Key)
	}
	return out
}

// viewRecorder collects engine commits.
type viewRecorder struct {
	mu    sync.Mutex
	views []View
}

func (r *viewRecorder) record(v View) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.views = append(r.views, v)
}

func (r *viewRecorder) last() View {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.views) == 0 {
		return View{}
	}
	return r.views[len(r.views)-1]
}

func (r *viewRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.views)
}
