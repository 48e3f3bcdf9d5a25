package deskstore

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/relaydesk/internal/support"
)

var ErrInvalidInput = errors.New("invalid input")

type StoreOptions struct {
	StateBackend   StateBackend
	StateFile      string
	EventQueue     EventQueue
	EventQueueSize int
	NotifyWorkers  int
	Now            func() time.Time
	NewID          func() string
	Logger         *zerolog.Logger
	DisableWorkers bool
}

// Store is the authoritative conversation store. Every mutation runs the
// support rules under one lock, so two staff members racing to accept the
// same conversation resolve to exactly one owner.
type Store struct {
	mu            sync.RWMutex
	conversations map[string]support.Conversation
	receipts      map[string]map[string]Receipt
	stateBackend  StateBackend
	events        EventQueue
	now           func() time.Time
	newID         func() string
	logger        zerolog.Logger

	subMu       sync.RWMutex
	subscribers map[uint64]func(support.Event)
	nextSub     uint64
	dropped     atomic.Uint64
	dispatched  atomic.Uint64

	queueCtx    context.Context
	queueCancel context.CancelFunc
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

func NewStore() *Store {
	return NewStoreWithOptions(StoreOptions{})
}

func NewStoreWithOptions(opts StoreOptions) *Store {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	events := opts.EventQueue
	if events == nil {
		events = NewInMemoryEventQueue(opts.EventQueueSize)
	}
	workers := opts.NotifyWorkers
	if workers <= 0 {
		workers = 1
	}
	stateBackend := opts.StateBackend
	if stateBackend == nil && strings.TrimSpace(opts.StateFile) != "" {
		stateBackend = NewJSONFileStateBackend(opts.StateFile)
	}
	queueCtx, queueCancel := context.WithCancel(context.Background())

	s := &Store{
		conversations: map[string]support.Conversation{},
		receipts:      map[string]map[string]Receipt{},
		stateBackend:  stateBackend,
		events:        events,
		now:           now,
		newID:         newID,
		logger:        logger.With().Str("component", "deskstore").Logger(),
		subscribers:   map[uint64]func(support.Event){},
		queueCtx:      queueCtx,
		queueCancel:   queueCancel,
	}
	if err := s.loadFromDisk(); err != nil {
		s.logger.Error().Err(err).Msg("failed to load persisted conversations")
	}
	if !opts.DisableWorkers {
		s.wg.Add(workers)
		for i := 0; i < workers; i++ {
			go func() {
				defer s.wg.Done()
				s.notifyWorker()
			}()
		}
	}
	return s
}

func (s *Store) Close() {
	s.closeOnce.Do(func() {
		s.queueCancel()
		s.wg.Wait()
		if s.events != nil {
			_ = s.events.Close()
		}
		_ = CloseStateBackend(s.stateBackend)
	})
}

// List returns what actor may see, most recently updated first. Staff see
// every conversation; clients only their own.
func (s *Store) List(actor support.Actor) ([]support.Conversation, error) {
	if err := checkActor(actor); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]support.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		if visibleTo(c, actor) {
			out = append(out, c.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) Get(actor support.Actor, id string) (support.Conversation, error) {
	if err := checkActor(actor); err != nil {
		return support.Conversation{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, err := s.visibleLocked(actor, id)
	if err != nil {
		return support.Conversation{}, err
	}
	return c.Clone(), nil
}

func (s *Store) Create(actor support.Actor, subject, content string, attachments []string) (support.Conversation, error) {
	if err := checkActor(actor); err != nil {
		return support.Conversation{}, err
	}
	now := s.now().UTC()
	c, err := support.NewConversation(s.newID(), actor, subject, content, attachments, now)
	if err != nil {
		return support.Conversation{}, err
	}
	s.mu.Lock()
	s.conversations[c.ID] = c.Clone()
	s.saveLocked()
	s.mu.Unlock()
	s.logger.Info().Str("conversation_id", c.ID).Str("actor_id", actor.ID).Msg("conversation opened")
	return c, nil
}

func (s *Store) Reply(actor support.Actor, id, content string, attachments []string) (support.Conversation, error) {
	replyID := s.newID()
	return s.update(actor, id, func(c support.Conversation, now time.Time) (support.Conversation, error) {
		return support.AddReply(c, actor, replyID, content, attachments, now)
	}, support.Event{Type: support.EventNewReply, MessageID: replyID})
}

// Accept assigns a pending conversation to actor. Of several concurrent
// accepts exactly one succeeds; the rest see InvalidTransition.
func (s *Store) Accept(actor support.Actor, id string) (support.Conversation, error) {
	return s.update(actor, id, func(c support.Conversation, now time.Time) (support.Conversation, error) {
		return support.Accept(c, actor, now)
	}, support.Event{Type: support.EventAccepted, Status: support.StatusAccepted})
}

func (s *Store) SetStatus(actor support.Actor, id string, status support.Status) (support.Conversation, error) {
	return s.update(actor, id, func(c support.Conversation, now time.Time) (support.Conversation, error) {
		return support.SetStatus(c, status, actor, now)
	}, support.Event{Type: support.EventStatusUpdated, Status: status})
}

// Edit changes the original message when replyID is empty.
func (s *Store) Edit(actor support.Actor, id, replyID, content string) (support.Conversation, error) {
	replyID = strings.TrimSpace(replyID)
	messageID := replyID
	if messageID == "" {
		messageID = id
	}
	return s.update(actor, id, func(c support.Conversation, now time.Time) (support.Conversation, error) {
		return support.EditMessage(c, actor, replyID, content, now)
	}, support.Event{Type: support.EventEdited, MessageID: messageID})
}

func (s *Store) DeleteReply(actor support.Actor, id, replyID string) (support.Conversation, error) {
	replyID = strings.TrimSpace(replyID)
	return s.update(actor, id, func(c support.Conversation, now time.Time) (support.Conversation, error) {
		return support.DeleteReply(c, actor, replyID, now)
	}, support.Event{Type: support.EventDeleted, MessageID: replyID})
}

// DeleteThread removes the conversation with all of its replies.
func (s *Store) DeleteThread(actor support.Actor, id string) error {
	if err := checkActor(actor); err != nil {
		return err
	}
	s.mu.Lock()
	c, err := s.visibleLocked(actor, id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if err := support.CheckDeleteThread(c, actor); err != nil {
		s.mu.Unlock()
		return err
	}
	delete(s.conversations, id)
	delete(s.receipts, id)
	s.saveLocked()
	s.mu.Unlock()

	s.publish(support.Event{
		Type:           support.EventDeleted,
		ConversationID: id,
		ActorID:        actor.ID,
		MessageID:      id,
		Recipients:     support.Counterparts(c, actor.ID),
		At:             s.now().UTC(),
	})
	return nil
}

// MarkRead moves actor's read receipt forward to messageID, or to the
// newest message when messageID is empty. A receipt never moves back.
func (s *Store) MarkRead(actor support.Actor, id, messageID string) (Receipt, error) {
	return s.markReceipt(actor, id, messageID, support.EventMarkedRead)
}

func (s *Store) MarkDelivered(actor support.Actor, id, messageID string) (Receipt, error) {
	return s.markReceipt(actor, id, messageID, support.EventMarkedDelivered)
}

// Receipts returns every participant's receipt on a conversation.
func (s *Store) Receipts(actor support.Actor, id string) (map[string]Receipt, error) {
	if err := checkActor(actor); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, err := s.visibleLocked(actor, id); err != nil {
		return nil, err
	}
	out := make(map[string]Receipt, len(s.receipts[id]))
	for who, r := range s.receipts[id] {
		out[who] = r
	}
	return out, nil
}

func (s *Store) markReceipt(actor support.Actor, id, messageID string, eventType support.EventType) (Receipt, error) {
	if err := checkActor(actor); err != nil {
		return Receipt{}, err
	}
	messageID = strings.TrimSpace(messageID)
	s.mu.Lock()
	c, err := s.visibleLocked(actor, id)
	if err != nil {
		s.mu.Unlock()
		return Receipt{}, err
	}
	if messageID == "" {
		messageID = support.LastPersistedKey(c)
	}
	pos := support.WatermarkPosition(c, messageID)
	if pos < 0 {
		s.mu.Unlock()
		return Receipt{}, &support.RuleError{Kind: support.ErrNotFound, Rule: "message " + messageID + " does not exist"}
	}

	byActor := s.receipts[id]
	if byActor == nil {
		byActor = map[string]Receipt{}
		s.receipts[id] = byActor
	}
	receipt := byActor[actor.ID]
	current := receipt.ReadMessageID
	if eventType == support.EventMarkedDelivered {
		current = receipt.DeliveredMessageID
	}
	if support.WatermarkPosition(c, current) >= pos {
		s.mu.Unlock()
		return receipt, nil
	}
	now := s.now().UTC()
	if eventType == support.EventMarkedDelivered {
		receipt.DeliveredMessageID = messageID
		receipt.DeliveredAt = &now
	} else {
		receipt.ReadMessageID = messageID
		receipt.ReadAt = &now
	}
	byActor[actor.ID] = receipt
	s.saveLocked()
	s.mu.Unlock()

	s.publish(support.Event{
		Type:           eventType,
		ConversationID: id,
		ActorID:        actor.ID,
		MessageID:      messageID,
		Recipients:     support.Counterparts(c, actor.ID),
		At:             now,
	})
	return receipt, nil
}

// update applies op to one visible conversation, persists the result and
// publishes event filled in with who acted and who should hear about it.
func (s *Store) update(actor support.Actor, id string, op func(support.Conversation, time.Time) (support.Conversation, error), event support.Event) (support.Conversation, error) {
	if err := checkActor(actor); err != nil {
		return support.Conversation{}, err
	}
	s.mu.Lock()
	c, err := s.visibleLocked(actor, id)
	if err != nil {
		s.mu.Unlock()
		return support.Conversation{}, err
	}
	now := s.now().UTC()
	out, err := op(c, now)
	if err != nil {
		s.mu.Unlock()
		return support.Conversation{}, err
	}
	s.conversations[id] = out.Clone()
	s.saveLocked()
	s.mu.Unlock()

	event.ConversationID = id
	event.ActorID = actor.ID
	event.Recipients = support.Counterparts(out, actor.ID)
	event.At = now
	s.publish(event)
	return out, nil
}

func (s *Store) visibleLocked(actor support.Actor, id string) (support.Conversation, error) {
	id = strings.TrimSpace(id)
	c, ok := s.conversations[id]
	if !ok || !visibleTo(c, actor) {
		return support.Conversation{}, &support.RuleError{Kind: support.ErrNotFound, Rule: "conversation " + id + " does not exist"}
	}
	return c, nil
}

func visibleTo(c support.Conversation, actor support.Actor) bool {
	return actor.Role.IsStaff() || c.SenderID == actor.ID
}

func checkActor(actor support.Actor) error {
	if strings.TrimSpace(actor.ID) == "" || !actor.Role.Valid() {
		return &support.RuleError{Kind: support.ErrPermissionDenied, Rule: "an authenticated actor is required"}
	}
	return nil
}

func (s *Store) loadFromDisk() error {
	if s.stateBackend == nil {
		return nil
	}
	snapshot, err := s.stateBackend.Load()
	if err != nil {
		return err
	}
	if snapshot == nil {
		return nil
	}
	for id, c := range snapshot.Conversations {
		if err := support.Validate(c); err != nil {
			s.logger.Warn().Err(err).Str("conversation_id", id).Msg("skipping invalid persisted conversation")
			continue
		}
		s.conversations[id] = c
	}
	for id, byActor := range snapshot.Receipts {
		if _, ok := s.conversations[id]; ok && byActor != nil {
			s.receipts[id] = byActor
		}
	}
	return nil
}

func (s *Store) saveLocked() {
	if s.stateBackend == nil {
		return
	}
	snapshot := persistedState{
		Conversations: s.conversations,
		Receipts:      s.receipts,
	}
	if err := s.stateBackend.Save(&snapshot); err != nil {
		s.logger.Error().Err(err).Msg("failed to persist conversations")
	}
}
