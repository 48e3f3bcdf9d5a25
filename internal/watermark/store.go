package watermark

import (
	"context"
	"errors"
	"strings"
	"sync"
)

const keyPrefix = "lastSeenMessage_"

var ErrInvalidInput = errors.New("invalid input")

// Key is the storage key of a viewer's watermark on one conversation.
func Key(viewerID, conversationID string) string {
	return keyPrefix + viewerID + "_" + conversationID
}

// Store persists per-viewer, per-conversation watermarks. Watermarks live
// apart from conversations and survive their updates.
type Store interface {
	Get(ctx context.Context, viewerID, conversationID string) (string, error)
	// MarkSeen stores messageID and reports whether the stored value
	// changed. Marking the same id twice is a no-op.
	MarkSeen(ctx context.Context, viewerID, conversationID, messageID string) (bool, error)
	Clear(ctx context.Context, viewerID, conversationID string) error
}

type storeCloser interface {
	Close() error
}

// Close releases store resources when the store holds any.
func Close(store Store) error {
	if closer, ok := store.(storeCloser); ok {
		return closer.Close()
	}
	return nil
}

func validateKeyParts(viewerID, conversationID string) error {
	if strings.TrimSpace(viewerID) == "" || strings.TrimSpace(conversationID) == "" {
		return ErrInvalidInput
	}
	return nil
}

type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: map[string]string{}}
}

func (s *MemoryStore) Get(_ context.Context, viewerID, conversationID string) (string, error) {
	if err := validateKeyParts(viewerID, conversationID); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[Key(viewerID, conversationID)], nil
}

func (s *MemoryStore) MarkSeen(_ context.Context, viewerID, conversationID, messageID string) (bool, error) {
	if err := validateKeyParts(viewerID, conversationID); err != nil {
		return false, err
	}
	if strings.TrimSpace(messageID) == "" {
		return false, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := Key(viewerID, conversationID)
	if s.entries[key] == messageID {
		return false, nil
	}
	s.entries[key] = messageID
	return true, nil
}

func (s *MemoryStore) Clear(_ context.Context, viewerID, conversationID string) error {
	if err := validateKeyParts(viewerID, conversationID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, Key(viewerID, conversationID))
	return nil
}
