package session

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/cmux/cmux/internal/common/logger"
	"github.com/cmux/cmux/internal/events/bus"
	"github.com/cmux/cmux/internal/runtime"
	"github.com/cmux/cmux/pkg/chat"

	apperrors "github.com/cmux/cmux/internal/common/errors"
)

// WorkspaceDirResolver maps a workspace id to its working directory. Wired
// from the workspace registry at construction to keep the packages acyclic.
type WorkspaceDirResolver func(workspaceID string) (string, error)

// Manager owns the per-workspace agent sessions, created lazily on first
// subscription or message and disposed with the workspace.
type Manager struct {
	history  *HistoryStore
	partials *PartialStore
	bus      bus.EventBus
	provider ModelProvider
	resolve  WorkspaceDirResolver
	logger   *logger.Logger

	mu       sync.Mutex
	sessions map[string]*AgentSession
}

// NewManager wires the session manager.
func NewManager(history *HistoryStore, partials *PartialStore, eventBus bus.EventBus, provider ModelProvider, resolve WorkspaceDirResolver, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		history:  history,
		partials: partials,
		bus:      eventBus,
		provider: provider,
		resolve:  resolve,
		logger:   log.WithFields(zap.String("component", "session-manager")),
		sessions: map[string]*AgentSession{},
	}
}

// Session returns the workspace's session, creating it on first use.
func (m *Manager) Session(workspaceID string) (*AgentSession, error) {
	m.mu.Lock()
	if s, ok := m.sessions[workspaceID]; ok {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	dir, err := m.resolve(workspaceID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[workspaceID]; ok {
		return s, nil
	}
	s := newAgentSession(workspaceID, dir, m.history, m.partials, m.bus, m.provider, m.logger)
	m.sessions[workspaceID] = s
	return s, nil
}

// IsStreaming reports whether a live stream exists for the workspace. An
// uncreated session is never streaming.
func (m *Manager) IsStreaming(workspaceID string) bool {
	m.mu.Lock()
	s, ok := m.sessions[workspaceID]
	m.mu.Unlock()
	return ok && s.IsStreaming()
}

// Dispose interrupts any live stream and removes the workspace's session
// state on disk. Safe to call for workspaces that never had a session.
func (m *Manager) Dispose(ctx context.Context, workspaceID string) error {
	m.mu.Lock()
	s, ok := m.sessions[workspaceID]
	delete(m.sessions, workspaceID)
	m.mu.Unlock()

	if ok {
		if err := s.InterruptStream(ctx); err != nil {
			m.logger.Warn("interrupt during dispose failed",
				zap.String("workspace_id", workspaceID),
				zap.Error(err))
		}
	}
	if err := m.partials.Delete(workspaceID); err != nil {
		return err
	}
	return m.history.Delete(workspaceID)
}

// InitLogger returns the init sink for a freshly created workspace. The
// session is created eagerly here so init events reach subscribers that
// attach while the hook is still running.
func (m *Manager) InitLogger(workspaceID, hookPath string) runtime.InitLogger {
	s, err := m.Session(workspaceID)
	if err != nil {
		// The workspace is registered after init completes, so the dir is
		// unresolvable now; build a session without it.
		m.mu.Lock()
		s = newAgentSession(workspaceID, "", m.history, m.partials, m.bus, m.provider, m.logger)
		m.sessions[workspaceID] = s
		m.mu.Unlock()
	}
	return s.InitLogger(hookPath)
}

// GetHistory replays the committed log for IPC callers.
func (m *Manager) GetHistory(workspaceID string) ([]chat.Message, error) {
	messages, err := m.history.Get(workspaceID)
	if err != nil {
		return nil, err
	}
	if messages == nil {
		messages = []chat.Message{}
	}
	return messages, nil
}

// ReplaceHistory swaps the full log for a single summary message. Forbidden
// while a stream is live.
func (m *Manager) ReplaceHistory(workspaceID string, summary *chat.Message) (*chat.Message, error) {
	if m.IsStreaming(workspaceID) {
		return nil, apperrors.Busy("cannot replace history while a stream is active")
	}
	replaced, err := m.history.Replace(workspaceID, summary)
	if err != nil {
		return nil, err
	}
	if err := m.partials.Delete(workspaceID); err != nil {
		return nil, err
	}
	return replaced, nil
}

// TruncateHistory drops the trailing fraction of the log and announces the
// deletion on the chat channel. Forbidden while a stream is live.
func (m *Manager) TruncateHistory(workspaceID string, fraction float64) ([]int64, error) {
	if m.IsStreaming(workspaceID) {
		return nil, apperrors.Busy("cannot truncate history while a stream is active")
	}
	deleted, err := m.history.Truncate(workspaceID, fraction)
	if err != nil {
		return nil, err
	}
	if len(deleted) > 0 {
		s, serr := m.Session(workspaceID)
		if serr == nil {
			s.publish(&chat.StreamEvent{Type: chat.EventDelete, HistorySequences: deleted})
		}
	}
	return deleted, nil
}

// StopAll interrupts every live stream, used during server shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*AgentSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		if err := s.InterruptStream(ctx); err != nil {
			m.logger.Warn("interrupt during shutdown failed", zap.Error(err))
		}
	}
}
