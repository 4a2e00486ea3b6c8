package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cmux/cmux/internal/common/logger"
	"github.com/cmux/cmux/internal/events/bus"
	"github.com/cmux/cmux/pkg/chat"

	apperrors "github.com/cmux/cmux/internal/common/errors"
)

// SendOptions modify a sendMessage call.
type SendOptions struct {
	Model string `json:"model,omitempty"`

	// EditMessageID triggers edit-resubmit: history is truncated from that
	// message onward before the new message is appended. It is the only way
	// to send while a stream is live.
	EditMessageID string `json:"editMessageId,omitempty"`
}

// AgentSession drives one workspace's chat: inbound validation, provider
// streaming, history/partial persistence, and event publication. At most
// one stream is live at a time.
type AgentSession struct {
	workspaceID  string
	workspaceDir string

	history  *HistoryStore
	partials *PartialStore
	bus      bus.EventBus
	provider ModelProvider
	logger   *logger.Logger

	mu         sync.Mutex
	streaming  bool
	cancel     context.CancelFunc
	streamDone chan struct{}
	init       *InitTracker
}

func newAgentSession(workspaceID, workspaceDir string, history *HistoryStore, partials *PartialStore, eventBus bus.EventBus, provider ModelProvider, log *logger.Logger) *AgentSession {
	return &AgentSession{
		workspaceID:  workspaceID,
		workspaceDir: workspaceDir,
		history:      history,
		partials:     partials,
		bus:          eventBus,
		provider:     provider,
		logger:       log.WithWorkspaceID(workspaceID),
	}
}

// IsStreaming reports whether a provider stream is currently live.
func (s *AgentSession) IsStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streaming
}

// publish sends a stream event on the workspace's chat channel. Publish
// failures are logged, never propagated: the durable stores are the
// authority and subscribers recover via replay.
func (s *AgentSession) publish(ev *chat.StreamEvent) {
	event, err := bus.NewEvent(bus.BuildChatChannel(s.workspaceID), "agent-session", ev)
	if err != nil {
		s.logger.Error("failed to encode stream event", zap.Error(err))
		return
	}
	if err := s.bus.Publish(context.Background(), bus.BuildChatSubject(s.workspaceID), event); err != nil {
		s.logger.Error("failed to publish stream event",
			zap.String("event_type", ev.Type),
			zap.Error(err))
	}
}

// SendMessage validates and appends a user message, then opens a provider
// stream. Stream outcomes arrive on the chat channel, not as a return value.
func (s *AgentSession) SendMessage(ctx context.Context, text string, opts SendOptions) error {
	if strings.TrimSpace(text) == "" {
		return apperrors.Validation("message must not be empty")
	}

	s.mu.Lock()
	if s.streaming {
		if opts.EditMessageID == "" {
			s.mu.Unlock()
			return apperrors.Busy("a stream is already active; interrupt it or use edit-resubmit")
		}
		cancel, done := s.cancel, s.streamDone
		s.mu.Unlock()
		cancel()
		<-done
	} else {
		s.mu.Unlock()
	}

	if opts.EditMessageID != "" {
		deleted, err := s.history.TruncateAfterMessage(s.workspaceID, opts.EditMessageID)
		if err != nil {
			return err
		}
		if err := s.partials.Delete(s.workspaceID); err != nil {
			return err
		}
		if len(deleted) > 0 {
			s.publish(&chat.StreamEvent{Type: chat.EventDelete, HistorySequences: deleted})
		}
	}

	// A prior interrupted turn must be in the durable history before the
	// model sees the new message.
	if _, err := s.partials.CommitToHistory(s.workspaceID); err != nil {
		return err
	}

	userMsg := &chat.Message{
		ID:    uuid.New().String(),
		Role:  chat.RoleUser,
		Parts: []chat.Part{chat.TextPart(text)},
	}
	committed, err := s.history.Append(s.workspaceID, userMsg)
	if err != nil {
		return err
	}
	s.publish(&chat.StreamEvent{Type: chat.EventUserMessage, MessageID: committed.ID, Message: committed})

	return s.startStream(opts.Model, nil)
}

// ResumeStream reopens a provider stream continuing the staged partial.
// Nothing to resume is not an error.
func (s *AgentSession) ResumeStream(ctx context.Context, opts SendOptions) error {
	s.mu.Lock()
	if s.streaming {
		s.mu.Unlock()
		return apperrors.Busy("a stream is already active")
	}
	s.mu.Unlock()

	partial, err := s.partials.Read(s.workspaceID)
	if err != nil {
		return err
	}
	if partial == nil {
		return nil
	}

	model := opts.Model
	if model == "" {
		model = partial.Metadata.Model
	}
	return s.startStream(model, partial)
}

// InterruptStream cancels the live stream and waits for the terminal
// stream-abort. No live stream is idempotent success.
func (s *AgentSession) InterruptStream(ctx context.Context) error {
	s.mu.Lock()
	if !s.streaming {
		s.mu.Unlock()
		return nil
	}
	cancel, done := s.cancel, s.streamDone
	s.mu.Unlock()

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// startStream transitions to Streaming and launches the pump. The stream
// context is detached from the caller: the turn outlives the IPC request.
func (s *AgentSession) startStream(model string, resume *chat.Message) error {
	s.mu.Lock()
	if s.streaming {
		s.mu.Unlock()
		return apperrors.Busy("a stream is already active")
	}
	streamCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.streaming = true
	s.cancel = cancel
	s.streamDone = done
	s.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			s.mu.Lock()
			s.streaming = false
			s.cancel = nil
			s.streamDone = nil
			s.mu.Unlock()
			close(done)
		}()
		s.pump(streamCtx, model, resume)
	}()
	return nil
}

// pump opens the provider stream and folds its events into the partial and
// the chat channel until the turn ends, aborts, or errors.
func (s *AgentSession) pump(ctx context.Context, model string, resume *chat.Message) {
	historyMsgs, err := s.history.Get(s.workspaceID)
	if err != nil {
		s.publishStreamError(nil, err.Error(), chat.ErrorTypeUnknown, map[string]int{})
		return
	}

	stream, err := s.provider.Stream(ctx, StreamRequest{
		WorkspaceID:  s.workspaceID,
		WorkspaceDir: s.workspaceDir,
		Model:        model,
		History:      historyMsgs,
		Resume:       resume,
	})
	if err != nil {
		s.publishStreamError(nil, err.Error(), classifyStreamError(err), map[string]int{})
		return
	}
	defer stream.Close()

	var current *chat.Message
	if resume != nil {
		current = resume.Clone()
		current.Metadata.Error = ""
		current.Metadata.ErrorType = ""
		current.Metadata.ErrorCount = 0
	} else {
		current = &chat.Message{
			ID:   uuid.New().String(),
			Role: chat.RoleAssistant,
			Metadata: chat.MessageMetadata{
				Model:     model,
				Partial:   true,
				Timestamp: time.Now().UTC(),
			},
		}
	}
	current.Metadata.Partial = true

	var streamSeq int64
	nextSeq := func() int64 {
		streamSeq++
		return streamSeq
	}
	errorCounts := map[string]int{}
	finished := false

	stage := func() {
		if err := s.partials.Write(s.workspaceID, current); err != nil {
			s.logger.Error("failed to stage partial", zap.Error(err))
		}
	}

	for ev := range stream.Events() {
		switch ev.Type {
		case chat.EventStreamStart:
			s.publish(&chat.StreamEvent{
				Type:           chat.EventStreamStart,
				MessageID:      current.ID,
				Model:          model,
				StreamSequence: nextSeq(),
			})

		case chat.EventStreamDelta:
			appendText(current, chat.PartTypeText, ev.Delta)
			stage()
			s.publish(&chat.StreamEvent{
				Type:           chat.EventStreamDelta,
				MessageID:      current.ID,
				Delta:          ev.Delta,
				StreamSequence: nextSeq(),
			})

		case chat.EventReasoningDelta:
			appendText(current, chat.PartTypeReasoning, ev.Delta)
			stage()
			s.publish(&chat.StreamEvent{
				Type:           chat.EventReasoningDelta,
				MessageID:      current.ID,
				Delta:          ev.Delta,
				StreamSequence: nextSeq(),
			})

		case chat.EventReasoningEnd:
			s.publish(&chat.StreamEvent{
				Type:           chat.EventReasoningEnd,
				MessageID:      current.ID,
				StreamSequence: nextSeq(),
			})

		case chat.EventToolCallStart:
			current.Parts = append(current.Parts, chat.ToolPart(ev.ToolCallID, ev.ToolName, ev.Input))
			stage()
			s.publish(&chat.StreamEvent{
				Type:           chat.EventToolCallStart,
				MessageID:      current.ID,
				ToolCallID:     ev.ToolCallID,
				ToolName:       ev.ToolName,
				Input:          ev.Input,
				StreamSequence: nextSeq(),
			})

		case chat.EventToolCallDelta:
			if part := current.FindToolPart(ev.ToolCallID); part != nil {
				part.Input = append(part.Input, ev.Input...)
				stage()
			}
			s.publish(&chat.StreamEvent{
				Type:           chat.EventToolCallDelta,
				MessageID:      current.ID,
				ToolCallID:     ev.ToolCallID,
				Input:          ev.Input,
				StreamSequence: nextSeq(),
			})

		case chat.EventToolCallEnd:
			if part := current.FindToolPart(ev.ToolCallID); part != nil {
				part.Output = ev.Output
				part.State = chat.ToolStateOutputAvailable
				stage()
			}
			s.publish(&chat.StreamEvent{
				Type:           chat.EventToolCallEnd,
				MessageID:      current.ID,
				ToolCallID:     ev.ToolCallID,
				Output:         ev.Output,
				StreamSequence: nextSeq(),
			})

		case chat.EventStreamEnd:
			current.Metadata.Partial = false
			committed, err := s.history.Append(s.workspaceID, current)
			if err != nil {
				s.publishStreamError(current, err.Error(), chat.ErrorTypeUnknown, errorCounts)
				finished = true
				break
			}
			if err := s.partials.Delete(s.workspaceID); err != nil {
				s.logger.Error("failed to clear partial after stream end", zap.Error(err))
			}
			s.publish(&chat.StreamEvent{
				Type:           chat.EventStreamEnd,
				MessageID:      committed.ID,
				Message:        committed,
				StreamSequence: nextSeq(),
			})
			finished = true

		case chat.EventStreamError:
			errType := ev.ErrorType
			if errType == "" {
				errType = chat.ErrorTypeUnknown
			}
			s.publishStreamError(current, ev.Error, errType, errorCounts)
			finished = true

		default:
			s.logger.Warn("unknown provider event type", zap.String("event_type", ev.Type))
			s.publish(&chat.StreamEvent{
				Type:           chat.EventStatus,
				MessageID:      current.ID,
				Status:         "unknown provider event: " + ev.Type,
				StreamSequence: nextSeq(),
			})
		}
		if finished {
			break
		}
	}

	if finished {
		return
	}

	// The provider channel closed without a terminal event: interrupt or
	// provider failure. Either way the partial is committed so the turn
	// survives in history.
	if ctx.Err() != nil {
		s.commitInterrupted(current)
		s.publish(&chat.StreamEvent{
			Type:           chat.EventStreamAbort,
			MessageID:      current.ID,
			StreamSequence: nextSeq(),
		})
		return
	}
	if err := stream.Err(); err != nil {
		s.publishStreamError(current, err.Error(), classifyStreamError(err), errorCounts)
		return
	}
	s.commitInterrupted(current)
	s.publish(&chat.StreamEvent{
		Type:           chat.EventStreamAbort,
		MessageID:      current.ID,
		StreamSequence: nextSeq(),
	})
}

// commitInterrupted stages and commits the in-flight message with the
// partial flag preserved.
func (s *AgentSession) commitInterrupted(current *chat.Message) {
	if current == nil || len(current.Parts) == 0 {
		// Nothing streamed yet; drop the empty turn.
		if err := s.partials.Delete(s.workspaceID); err != nil {
			s.logger.Error("failed to drop empty partial", zap.Error(err))
		}
		return
	}
	current.Metadata.Partial = true
	if err := s.partials.Write(s.workspaceID, current); err != nil {
		s.logger.Error("failed to stage interrupted partial", zap.Error(err))
	}
	if _, err := s.partials.CommitToHistory(s.workspaceID); err != nil {
		s.logger.Error("failed to commit interrupted partial", zap.Error(err))
	}
}

// publishStreamError terminates the turn with a stream-error: the partial
// is committed carrying the error metadata, and the event goes out with a
// per-turn repeat count so UIs can deduplicate.
func (s *AgentSession) publishStreamError(current *chat.Message, errText, errType string, errorCounts map[string]int) {
	errorCounts[errType]++
	count := errorCounts[errType]

	messageID := ""
	if current != nil {
		messageID = current.ID
		if len(current.Parts) > 0 {
			current.Metadata.Partial = true
			current.Metadata.Error = errText
			current.Metadata.ErrorType = errType
			current.Metadata.ErrorCount = count
			if err := s.partials.Write(s.workspaceID, current); err != nil {
				s.logger.Error("failed to stage errored partial", zap.Error(err))
			}
			if _, err := s.partials.CommitToHistory(s.workspaceID); err != nil {
				s.logger.Error("failed to commit errored partial", zap.Error(err))
			}
		} else if err := s.partials.Delete(s.workspaceID); err != nil {
			s.logger.Error("failed to drop empty partial", zap.Error(err))
		}
	}

	s.logger.Warn("stream error",
		zap.String("error_type", errType),
		zap.String("error", errText))
	s.publish(&chat.StreamEvent{
		Type:       chat.EventStreamError,
		MessageID:  messageID,
		Error:      errText,
		ErrorType:  errType,
		ErrorCount: count,
	})
}

// ReplayHistory streams the committed log, then the staged partial, then a
// caught-up sentinel. Init events replay first; their reserved sequence
// sorts before all real messages.
func (s *AgentSession) ReplayHistory(cb func(*chat.StreamEvent) error) error {
	s.mu.Lock()
	tracker := s.init
	s.mu.Unlock()
	if tracker != nil {
		if err := tracker.Replay(cb); err != nil {
			return err
		}
	}

	messages, err := s.history.Get(s.workspaceID)
	if err != nil {
		return err
	}
	for i := range messages {
		msg := &messages[i]
		ev := &chat.StreamEvent{MessageID: msg.ID, Message: msg}
		if msg.Role == chat.RoleUser {
			ev.Type = chat.EventUserMessage
		} else {
			ev.Type = chat.EventStreamEnd
		}
		if err := cb(ev); err != nil {
			return err
		}
	}

	partial, err := s.partials.Read(s.workspaceID)
	if err != nil {
		return err
	}
	if partial != nil {
		if err := cb(&chat.StreamEvent{
			Type:      chat.EventStreamEnd,
			MessageID: partial.ID,
			Message:   partial,
		}); err != nil {
			return err
		}
	}

	return cb(&chat.StreamEvent{Type: chat.EventCaughtUp, WorkspaceID: s.workspaceID})
}

// InitLogger returns the sink for workspace-init lifecycle lines, creating
// the per-workspace tracker on first use.
func (s *AgentSession) InitLogger(hookPath string) *InitTracker {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init = NewInitTracker(s.workspaceID, hookPath, s.publish)
	return s.init
}

// appendText extends the trailing part when it has the same type, otherwise
// starts a new part. Adjacent same-type deltas stay one part.
func appendText(msg *chat.Message, partType, delta string) {
	if last := msg.LastPart(); last != nil && last.Type == partType {
		last.Text += delta
		return
	}
	part := chat.Part{Type: partType, Text: delta, Timestamp: time.Now().UnixMilli()}
	msg.Parts = append(msg.Parts, part)
}

// classifyStreamError maps a provider failure onto the wire error taxonomy.
func classifyStreamError(err error) string {
	if err == nil {
		return chat.ErrorTypeUnknown
	}
	text := strings.ToLower(err.Error())
	switch {
	case strings.Contains(text, "rate limit") || strings.Contains(text, "429") || strings.Contains(text, "overloaded"):
		return chat.ErrorTypeRateLimit
	case strings.Contains(text, "unauthorized") || strings.Contains(text, "401") || strings.Contains(text, "403") ||
		strings.Contains(text, "api key") || strings.Contains(text, "authentication"):
		return chat.ErrorTypeAuth
	case strings.Contains(text, "connection") || strings.Contains(text, "timeout") ||
		strings.Contains(text, "no such host") || strings.Contains(text, "network"):
		return chat.ErrorTypeNetwork
	default:
		return chat.ErrorTypeUnknown
	}
}
