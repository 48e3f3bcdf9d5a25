package watermark

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// FileStore keeps watermarks in one JSON object on disk, keyed by Key.
// Writers take an advisory lock on a sibling ".lock" file and re-read the
// file before writing, so processes sharing the file only overwrite the
// keys they touch. Reads pick up other writers' changes by checking the
// file's identity before answering.
type FileStore struct {
	path     string
	lockPath string

	mu      sync.Mutex
	entries map[string]string
	loaded  bool
	// stamp describes the file as of the last load; nil when it was missing.
	stamp os.FileInfo
}

func NewFileStore(path string) *FileStore {
	path = filepath.Clean(strings.TrimSpace(path))
	return &FileStore{
		path:     path,
		lockPath: path + ".lock",
		entries:  map[string]string{},
	}
}

func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Get(_ context.Context, viewerID, conversationID string) (string, error) {
	if err := validateKeyParts(viewerID, conversationID); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.staleLocked() {
		if err := s.reloadLocked(); err != nil {
			return "", err
		}
	}
	return s.entries[Key(viewerID, conversationID)], nil
}

func (s *FileStore) MarkSeen(_ context.Context, viewerID, conversationID, messageID string) (bool, error) {
	if err := validateKeyParts(viewerID, conversationID); err != nil {
		return false, err
	}
	if strings.TrimSpace(messageID) == "" {
		return false, ErrInvalidInput
	}
	key := Key(viewerID, conversationID)
	changed := false
	err := s.update(func(entries map[string]string) bool {
		if entries[key] == messageID {
			return false
		}
		entries[key] = messageID
		changed = true
		return true
	})
	return changed, err
}

func (s *FileStore) Clear(_ context.Context, viewerID, conversationID string) error {
	if err := validateKeyParts(viewerID, conversationID); err != nil {
		return err
	}
	key := Key(viewerID, conversationID)
	return s.update(func(entries map[string]string) bool {
		if _, ok := entries[key]; !ok {
			return false
		}
		delete(entries, key)
		return true
	})
}

// update runs a read-modify-write cycle under the file lock. mutate
// reports whether it changed anything worth writing.
func (s *FileStore) update(mutate func(entries map[string]string) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	unlock, err := lockFile(s.lockPath)
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.reloadLocked(); err != nil {
		return err
	}
	if !mutate(s.entries) {
		return nil
	}
	data, err := json.Marshal(s.entries)
	if err != nil {
		return err
	}
	return writeFileAtomic(s.path, data, 0o644)
}

// Reload re-reads the file, picking up writes from other processes.
func (s *FileStore) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reloadLocked()
}

// staleLocked reports whether the file changed since the last load. Writes
// land through a rename, so a replaced file is a different file.
func (s *FileStore) staleLocked() bool {
	if !s.loaded {
		return true
	}
	info, err := os.Stat(s.path)
	if err != nil {
		return !errors.Is(err, os.ErrNotExist) || s.stamp != nil
	}
	if s.stamp == nil {
		return true
	}
	return !os.SameFile(s.stamp, info) || !info.ModTime().Equal(s.stamp.ModTime()) || info.Size() != s.stamp.Size()
}

func (s *FileStore) reloadLocked() error {
	s.loaded = true
	s.stamp = nil
	info, err := os.Stat(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.entries = map[string]string{}
			return nil
		}
		return err
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.entries = map[string]string{}
			return nil
		}
		return err
	}
	entries := map[string]string{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &entries); err != nil {
			return err
		}
	}
	s.entries = entries
	s.stamp = info
	return nil
}

// Watch reloads the store whenever another writer replaces the file and
// then calls onChange. It blocks until ctx is done.
func (s *FileStore) Watch(ctx context.Context, onChange func()) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	// Writes land through a rename, so watch the directory rather than
	// the file itself.
	if err := watcher.Add(dir); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			if err := s.Reload(); err != nil {
				continue
			}
			if onChange != nil {
				onChange()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return err
		}
	}
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
