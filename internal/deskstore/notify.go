package deskstore

import (
	"github.com/agentworkforce/relaydesk/internal/support"
)

// QueueStatus reports the notification pipeline for health checks.
type QueueStatus struct {
	Depth      int    `json:"depth"`
	Capacity   int    `json:"capacity"`
	Dropped    uint64 `json:"dropped"`
	Dispatched uint64 `json:"dispatched"`
}

// Subscribe registers fn for every change notification. Calls happen on a
// notify worker, so fn must not block for long.
func (s *Store) Subscribe(fn func(support.Event)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	s.subMu.Lock()
	s.nextSub++
	id := s.nextSub
	s.subscribers[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subscribers, id)
		s.subMu.Unlock()
	}
}

func (s *Store) QueueStatus() QueueStatus {
	return QueueStatus{
		Depth:      s.events.Depth(),
		Capacity:   s.events.Capacity(),
		Dropped:    s.dropped.Load(),
		Dispatched: s.dispatched.Load(),
	}
}

// publish never blocks a mutation: when the queue is full the event is
// dropped and viewers converge on their next poll.
func (s *Store) publish(event support.Event) {
	select {
	case <-s.queueCtx.Done():
		return
	default:
	}
	if s.events.TryEnqueue(event) {
		return
	}
	s.dropped.Add(1)
	s.logger.Warn().
		Str("conversation_id", event.ConversationID).
		Str("type", string(event.Type)).
		Msg("notification queue full, dropping event")
}

func (s *Store) notifyWorker() {
	for {
		event, ok := s.events.Dequeue(s.queueCtx)
		if !ok {
			return
		}
		s.dispatch(event)
	}
}

func (s *Store) dispatch(event support.Event) {
	s.subMu.RLock()
	subs := make([]func(support.Event), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subs = append(subs, fn)
	}
	s.subMu.RUnlock()
	for _, fn := range subs {
		fn(event)
	}
	s.dispatched.Add(1)
	s.logger.Debug().
		Str("conversation_id", event.ConversationID).
		Str("type", string(event.Type)).
		Strs("recipients", event.Recipients).
		Msg("notification dispatched")
}
