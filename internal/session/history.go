// Package session owns the per-workspace agent sessions: the durable chat
// history, the in-flight partial, provider streaming, and event fan-out to
// the bus.
package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cmux/cmux/internal/common/logger"
	"github.com/cmux/cmux/pkg/chat"

	apperrors "github.com/cmux/cmux/internal/common/errors"
)

// HistoryStore is the per-workspace append-only message log. One
// chat.jsonl per workspace under the session dir; history sequences are
// assigned on append, strictly increasing from 0.
type HistoryStore struct {
	sessionDir string
	logger     *logger.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	// nextSeq caches the next sequence per workspace; -1 means unscanned.
	nextSeq map[string]int64
}

// NewHistoryStore creates the store, ensuring the session dir exists.
func NewHistoryStore(sessionDir string, log *logger.Logger) (*HistoryStore, error) {
	if log == nil {
		log = logger.Default()
	}
	if err := os.MkdirAll(sessionDir, 0755); err != nil {
		return nil, apperrors.Runtime(apperrors.RuntimeFileIO, "failed to create session dir", err)
	}
	return &HistoryStore{
		sessionDir: sessionDir,
		logger:     log.WithFields(zap.String("component", "history-store")),
		locks:      map[string]*sync.Mutex{},
		nextSeq:    map[string]int64{},
	}, nil
}

// workspaceLock returns the per-workspace mutex, creating it on first use.
func (s *HistoryStore) workspaceLock(workspaceID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[workspaceID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[workspaceID] = lock
	}
	return lock
}

func (s *HistoryStore) workspaceDir(workspaceID string) string {
	return filepath.Join(s.sessionDir, workspaceID)
}

func (s *HistoryStore) chatPath(workspaceID string) string {
	return filepath.Join(s.workspaceDir(workspaceID), "chat.jsonl")
}

// readAllLocked replays the full log. Caller holds the workspace lock.
func (s *HistoryStore) readAllLocked(workspaceID string) ([]chat.Message, error) {
	f, err := os.Open(s.chatPath(workspaceID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperrors.Runtime(apperrors.RuntimeFileIO, "failed to open chat history", err)
	}
	defer f.Close()

	var messages []chat.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		data := scanner.Bytes()
		if len(data) == 0 {
			continue
		}
		var msg chat.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			// A torn tail line from a crash is skipped, not fatal; the
			// log before it stays valid.
			s.logger.Warn("skipping corrupt history line",
				zap.String("workspace_id", workspaceID),
				zap.Int("line", line),
				zap.Error(err))
			continue
		}
		messages = append(messages, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, apperrors.Runtime(apperrors.RuntimeFileIO, "failed to read chat history", err)
	}
	return messages, nil
}

// nextSequenceLocked returns the next history sequence, scanning the file on
// first access. Caller holds the workspace lock.
func (s *HistoryStore) nextSequenceLocked(workspaceID string) (int64, error) {
	s.mu.Lock()
	seq, ok := s.nextSeq[workspaceID]
	s.mu.Unlock()
	if ok {
		return seq, nil
	}

	messages, err := s.readAllLocked(workspaceID)
	if err != nil {
		return 0, err
	}
	seq = 0
	for _, m := range messages {
		if m.Metadata.HistorySequence >= seq {
			seq = m.Metadata.HistorySequence + 1
		}
	}
	s.setNextSeq(workspaceID, seq)
	return seq, nil
}

func (s *HistoryStore) setNextSeq(workspaceID string, seq int64) {
	s.mu.Lock()
	s.nextSeq[workspaceID] = seq
	s.mu.Unlock()
}

// Append assigns the next history sequence and durably appends the message.
func (s *HistoryStore) Append(workspaceID string, msg *chat.Message) (*chat.Message, error) {
	lock := s.workspaceLock(workspaceID)
	lock.Lock()
	defer lock.Unlock()

	seq, err := s.nextSequenceLocked(workspaceID)
	if err != nil {
		return nil, err
	}

	out := msg.Clone()
	if out.ID == "" {
		out.ID = uuid.New().String()
	}
	out.Metadata.HistorySequence = seq
	if out.Metadata.Timestamp.IsZero() {
		out.Metadata.Timestamp = time.Now().UTC()
	}

	if err := os.MkdirAll(s.workspaceDir(workspaceID), 0755); err != nil {
		return nil, apperrors.Runtime(apperrors.RuntimeFileIO, "failed to create workspace session dir", err)
	}

	data, err := json.Marshal(out)
	if err != nil {
		return nil, apperrors.Internal("failed to marshal history message", err)
	}

	f, err := os.OpenFile(s.chatPath(workspaceID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, apperrors.Runtime(apperrors.RuntimeFileIO, "failed to open chat history for append", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return nil, apperrors.Runtime(apperrors.RuntimeFileIO, "failed to append history message", err)
	}
	if err := f.Sync(); err != nil {
		return nil, apperrors.Runtime(apperrors.RuntimeFileIO, "failed to sync chat history", err)
	}

	s.setNextSeq(workspaceID, seq+1)
	return out, nil
}

// Get replays the full committed history in append order.
func (s *HistoryStore) Get(workspaceID string) ([]chat.Message, error) {
	lock := s.workspaceLock(workspaceID)
	lock.Lock()
	defer lock.Unlock()
	return s.readAllLocked(workspaceID)
}

// rewriteLocked atomically replaces the log with the given messages. Caller
// holds the workspace lock.
func (s *HistoryStore) rewriteLocked(workspaceID string, messages []chat.Message) error {
	if err := os.MkdirAll(s.workspaceDir(workspaceID), 0755); err != nil {
		return apperrors.Runtime(apperrors.RuntimeFileIO, "failed to create workspace session dir", err)
	}

	target := s.chatPath(workspaceID)
	tmp := fmt.Sprintf("%s.tmp.%s", target, uuid.New().String()[:8])
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return apperrors.Runtime(apperrors.RuntimeFileIO, "failed to create temp history file", err)
	}
	for _, msg := range messages {
		data, err := json.Marshal(msg)
		if err != nil {
			f.Close()
			_ = os.Remove(tmp)
			return apperrors.Internal("failed to marshal history message", err)
		}
		if _, err := f.Write(append(data, '\n')); err != nil {
			f.Close()
			_ = os.Remove(tmp)
			return apperrors.Runtime(apperrors.RuntimeFileIO, "failed to write temp history file", err)
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return apperrors.Runtime(apperrors.RuntimeFileIO, "failed to sync temp history file", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return apperrors.Runtime(apperrors.RuntimeFileIO, "failed to close temp history file", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return apperrors.Runtime(apperrors.RuntimeFileIO, "failed to replace chat history", err)
	}
	return nil
}

// Truncate removes the last ceil(N*fraction) messages and returns their
// history sequences. Fraction 1.0 clears everything.
func (s *HistoryStore) Truncate(workspaceID string, fraction float64) ([]int64, error) {
	if fraction <= 0 || fraction > 1 {
		return nil, apperrors.Validation("truncate fraction must be in (0, 1]")
	}

	lock := s.workspaceLock(workspaceID)
	lock.Lock()
	defer lock.Unlock()

	messages, err := s.readAllLocked(workspaceID)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, nil
	}

	drop := int(math.Ceil(float64(len(messages)) * fraction))
	keep := messages[:len(messages)-drop]

	var deleted []int64
	for _, m := range messages[len(messages)-drop:] {
		deleted = append(deleted, m.Metadata.HistorySequence)
	}

	if err := s.rewriteLocked(workspaceID, keep); err != nil {
		return nil, err
	}
	// Sequences are never reused even after truncation.
	return deleted, nil
}

// TruncateAfterMessage removes the message with the given id and everything
// after it, for edit-resubmit. Returns the deleted sequences.
func (s *HistoryStore) TruncateAfterMessage(workspaceID, messageID string) ([]int64, error) {
	lock := s.workspaceLock(workspaceID)
	lock.Lock()
	defer lock.Unlock()

	messages, err := s.readAllLocked(workspaceID)
	if err != nil {
		return nil, err
	}

	cut := -1
	for i, m := range messages {
		if m.ID == messageID {
			cut = i
			break
		}
	}
	if cut == -1 {
		return nil, apperrors.NotFound("message", messageID)
	}

	var deleted []int64
	for _, m := range messages[cut:] {
		deleted = append(deleted, m.Metadata.HistorySequence)
	}
	if err := s.rewriteLocked(workspaceID, messages[:cut]); err != nil {
		return nil, err
	}
	return deleted, nil
}

// Replace deletes all messages and appends exactly one summary message,
// used by compaction. The summary gets a fresh sequence above the old tail.
func (s *HistoryStore) Replace(workspaceID string, summary *chat.Message) (*chat.Message, error) {
	lock := s.workspaceLock(workspaceID)
	lock.Lock()

	seq, err := s.nextSequenceLocked(workspaceID)
	if err != nil {
		lock.Unlock()
		return nil, err
	}

	out := summary.Clone()
	if out.ID == "" {
		out.ID = uuid.New().String()
	}
	out.Metadata.HistorySequence = seq
	out.Metadata.Compacted = true
	if out.Metadata.Timestamp.IsZero() {
		out.Metadata.Timestamp = time.Now().UTC()
	}

	err = s.rewriteLocked(workspaceID, []chat.Message{*out})
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	s.setNextSeq(workspaceID, seq+1)
	lock.Unlock()
	return out, nil
}

// Delete removes the workspace's entire session directory.
func (s *HistoryStore) Delete(workspaceID string) error {
	lock := s.workspaceLock(workspaceID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.RemoveAll(s.workspaceDir(workspaceID)); err != nil {
		return apperrors.Runtime(apperrors.RuntimeFileIO, "failed to delete session dir", err)
	}
	s.mu.Lock()
	delete(s.nextSeq, workspaceID)
	s.mu.Unlock()
	return nil
}

// MigrateWorkspaceID moves a workspace's session dir to a new id.
func (s *HistoryStore) MigrateWorkspaceID(oldID, newID string) error {
	oldLock := s.workspaceLock(oldID)
	oldLock.Lock()
	defer oldLock.Unlock()

	oldDir := s.workspaceDir(oldID)
	if _, err := os.Stat(oldDir); os.IsNotExist(err) {
		return nil
	}
	if err := os.Rename(oldDir, s.workspaceDir(newID)); err != nil {
		return apperrors.Runtime(apperrors.RuntimeFileIO, "failed to migrate session dir", err)
	}
	s.mu.Lock()
	if seq, ok := s.nextSeq[oldID]; ok {
		s.nextSeq[newID] = seq
		delete(s.nextSeq, oldID)
	}
	s.mu.Unlock()
	return nil
}
