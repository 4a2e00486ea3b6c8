package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cmux/cmux/internal/common/logger"
	"github.com/cmux/cmux/pkg/chat"

	apperrors "github.com/cmux/cmux/internal/common/errors"
)

// PartialStore stages the single in-flight assistant message per workspace
// (partial.json next to chat.jsonl). Writes are last-writer-wins and atomic.
type PartialStore struct {
	sessionDir string
	history    *HistoryStore
	logger     *logger.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewPartialStore creates the store. Commit-to-history goes through the
// given HistoryStore.
func NewPartialStore(sessionDir string, history *HistoryStore, log *logger.Logger) *PartialStore {
	if log == nil {
		log = logger.Default()
	}
	return &PartialStore{
		sessionDir: sessionDir,
		history:    history,
		logger:     log.WithFields(zap.String("component", "partial-store")),
		locks:      map[string]*sync.Mutex{},
	}
}

func (s *PartialStore) workspaceLock(workspaceID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[workspaceID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[workspaceID] = lock
	}
	return lock
}

func (s *PartialStore) partialPath(workspaceID string) string {
	return filepath.Join(s.sessionDir, workspaceID, "partial.json")
}

// Write overwrites the workspace's partial atomically.
func (s *PartialStore) Write(workspaceID string, partial *chat.Message) error {
	lock := s.workspaceLock(workspaceID)
	lock.Lock()
	defer lock.Unlock()

	target := s.partialPath(workspaceID)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return apperrors.Runtime(apperrors.RuntimeFileIO, "failed to create workspace session dir", err)
	}

	data, err := json.Marshal(partial)
	if err != nil {
		return apperrors.Internal("failed to marshal partial", err)
	}

	tmp := fmt.Sprintf("%s.tmp.%s", target, uuid.New().String()[:8])
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return apperrors.Runtime(apperrors.RuntimeFileIO, "failed to write partial temp file", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return apperrors.Runtime(apperrors.RuntimeFileIO, "failed to replace partial", err)
	}
	return nil
}

// Read returns the workspace's partial, or nil when none exists.
func (s *PartialStore) Read(workspaceID string) (*chat.Message, error) {
	lock := s.workspaceLock(workspaceID)
	lock.Lock()
	defer lock.Unlock()
	return s.readLocked(workspaceID)
}

func (s *PartialStore) readLocked(workspaceID string) (*chat.Message, error) {
	data, err := os.ReadFile(s.partialPath(workspaceID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperrors.Runtime(apperrors.RuntimeFileIO, "failed to read partial", err)
	}
	var msg chat.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		// A torn partial from a crash is dropped; the committed history
		// is the authority.
		s.logger.Warn("discarding corrupt partial",
			zap.String("workspace_id", workspaceID),
			zap.Error(err))
		return nil, nil
	}
	return &msg, nil
}

// Delete removes the workspace's partial if present.
func (s *PartialStore) Delete(workspaceID string) error {
	lock := s.workspaceLock(workspaceID)
	lock.Lock()
	defer lock.Unlock()
	return s.deleteLocked(workspaceID)
}

func (s *PartialStore) deleteLocked(workspaceID string) error {
	if err := os.Remove(s.partialPath(workspaceID)); err != nil && !os.IsNotExist(err) {
		return apperrors.Runtime(apperrors.RuntimeFileIO, "failed to delete partial", err)
	}
	return nil
}

// CommitToHistory appends the partial to the durable history, retaining
// partial=true so interrupted turns stay visible to the model, then deletes
// the staged file. Idempotent when no partial exists. Returns the committed
// message, or nil when there was nothing to commit.
func (s *PartialStore) CommitToHistory(workspaceID string) (*chat.Message, error) {
	lock := s.workspaceLock(workspaceID)
	lock.Lock()
	defer lock.Unlock()

	partial, err := s.readLocked(workspaceID)
	if err != nil {
		return nil, err
	}
	if partial == nil {
		return nil, nil
	}

	partial.Metadata.Partial = true
	committed, err := s.history.Append(workspaceID, partial)
	if err != nil {
		return nil, err
	}
	if err := s.deleteLocked(workspaceID); err != nil {
		return nil, err
	}
	return committed, nil
}
