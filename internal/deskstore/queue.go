package deskstore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaydesk/internal/support"
)

// EventQueue buffers change notifications between a mutation and the
// dispatch workers.
type EventQueue interface {
	TryEnqueue(event support.Event) bool
	Dequeue(ctx context.Context) (support.Event, bool)
	Depth() int
	Capacity() int
	Close() error
}

type inMemoryEventQueue struct {
	ch chan support.Event
}

func NewInMemoryEventQueue(capacity int) EventQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &inMemoryEventQueue{ch: make(chan support.Event, capacity)}
}

func (q *inMemoryEventQueue) TryEnqueue(event support.Event) bool {
	if q == nil || strings.TrimSpace(event.ConversationID) == "" {
		return false
	}
	select {
	case q.ch <- event:
		return true
	default:
		return false
	}
}

func (q *inMemoryEventQueue) Dequeue(ctx context.Context) (support.Event, bool) {
	select {
	case <-ctx.Done():
		return support.Event{}, false
	case event := <-q.ch:
		return event, true
	}
}

func (q *inMemoryEventQueue) Depth() int {
	if q == nil {
		return 0
	}
	return len(q.ch)
}

func (q *inMemoryEventQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return cap(q.ch)
}

func (q *inMemoryEventQueue) Close() error {
	return nil
}

// fileEventQueue keeps undelivered notifications in a JSON file so a
// restart dispatches them instead of losing them.
type fileEventQueue struct {
	path         string
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
	items        []support.Event
}

type fileEventQueueState struct {
	Items []support.Event `json:"items"`
}

func NewFileEventQueue(path string, capacity int) (EventQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = 1024
	}
	q := &fileEventQueue{
		path:         path,
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
		items:        []support.Event{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileEventQueue) TryEnqueue(event support.Event) bool {
	if strings.TrimSpace(event.ConversationID) == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, event)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return false
	}
	return true
}

func (q *fileEventQueue) Dequeue(ctx context.Context) (support.Event, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			if err := q.saveLocked(); err != nil {
				q.items = append([]support.Event{item}, q.items...)
				q.mu.Unlock()
				select {
				case <-ctx.Done():
					return support.Event{}, false
				case <-time.After(q.pollInterval):
					continue
				}
			}
			q.mu.Unlock()
			return item, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return support.Event{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileEventQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fileEventQueue) Capacity() int {
	return q.capacity
}

func (q *fileEventQueue) Close() error {
	return nil
}

func (q *fileEventQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileEventQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if len(snapshot.Items) > q.capacity {
		// Oldest notifications go first; the newest describe the current state.
		q.items = append([]support.Event(nil), snapshot.Items[len(snapshot.Items)-q.capacity:]...)
		return q.saveLocked()
	}
	q.items = append([]support.Event(nil), snapshot.Items...)
	return nil
}

func (q *fileEventQueue) saveLocked() error {
	data, err := json.Marshal(fileEventQueueState{Items: q.items})
	if err != nil {
		return err
	}
	return writeFileAtomic(q.path, data)
}
