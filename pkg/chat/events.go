package chat

import (
	"encoding/json"
	"fmt"
)

// StreamEvent type discriminators. The set is closed; events with an
// unrecognized type surface as a status diagnostic rather than an error so
// the wire format can evolve without crashing older consumers.
const (
	EventStreamStart    = "stream-start"
	EventStreamDelta    = "stream-delta"
	EventReasoningDelta = "reasoning-delta"
	EventReasoningEnd   = "reasoning-end"
	EventToolCallStart  = "tool-call-start"
	EventToolCallDelta  = "tool-call-delta"
	EventToolCallEnd    = "tool-call-end"
	EventStreamEnd      = "stream-end"
	EventStreamAbort    = "stream-abort"
	EventStreamError    = "stream-error"
	EventInitStart      = "init-start"
	EventInitOutput     = "init-output"
	EventInitEnd        = "init-end"
	EventDelete         = "delete"
	EventStatus         = "status"
	EventCaughtUp       = "caught-up"
	EventUserMessage    = "user-message"
	EventMetadata       = "workspace-metadata"
)

// Stream error types, carried on stream-error events and in message metadata.
const (
	ErrorTypeRateLimit = "provider-rate-limit"
	ErrorTypeAuth      = "provider-auth"
	ErrorTypeNetwork   = "network"
	ErrorTypeUnknown   = "unknown"
)

// StreamEvent is the discriminated union published on a workspace chat
// channel. Only the fields relevant to the Type are populated.
type StreamEvent struct {
	Type string `json:"type"`

	// MessageID identifies the assistant message this event belongs to.
	MessageID string `json:"messageId,omitempty"`

	// WorkspaceID is set on events that cross workspace boundaries
	// (metadata, status).
	WorkspaceID string `json:"workspaceId,omitempty"`

	// Model for stream-start.
	Model string `json:"model,omitempty"`

	// Delta text for stream-delta / reasoning-delta / init-output.
	Delta string `json:"delta,omitempty"`

	// Tool call fields.
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`

	// Message is the finalized message for stream-end and user-message
	// events, and the replayed message during history replay.
	Message *Message `json:"message,omitempty"`

	// Error fields for stream-error.
	Error      string `json:"error,omitempty"`
	ErrorType  string `json:"errorType,omitempty"`
	ErrorCount int    `json:"errorCount,omitempty"`

	// HistorySequences for delete events.
	HistorySequences []int64 `json:"historySequences,omitempty"`

	// Init hook fields.
	HookPath string `json:"hookPath,omitempty"`
	ExitCode *int   `json:"exitCode,omitempty"`

	// Status text for status events.
	Status string `json:"status,omitempty"`

	// StreamSequence orders parts within one assistant turn.
	StreamSequence int64 `json:"streamSequence,omitempty"`
}

// knownEventTypes is used by ParseStreamEvent to validate at the boundary.
var knownEventTypes = map[string]bool{
	EventStreamStart:    true,
	EventStreamDelta:    true,
	EventReasoningDelta: true,
	EventReasoningEnd:   true,
	EventToolCallStart:  true,
	EventToolCallDelta:  true,
	EventToolCallEnd:    true,
	EventStreamEnd:      true,
	EventStreamAbort:    true,
	EventStreamError:    true,
	EventInitStart:      true,
	EventInitOutput:     true,
	EventInitEnd:        true,
	EventDelete:         true,
	EventStatus:         true,
	EventCaughtUp:       true,
	EventUserMessage:    true,
	EventMetadata:       true,
}

// Known reports whether the event type is part of the closed union.
func (e *StreamEvent) Known() bool {
	return knownEventTypes[e.Type]
}

// ParseStreamEvent decodes a raw JSON event. Malformed JSON or a missing
// type discriminator is an error; an unknown-but-well-formed type is not
// (the expander reduces those to a status diagnostic).
func ParseStreamEvent(data []byte) (*StreamEvent, error) {
	var ev StreamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("malformed stream event: %w", err)
	}
	if ev.Type == "" {
		return nil, fmt.Errorf("stream event missing type discriminator")
	}
	return &ev, nil
}

// DisplayedMessage type discriminators.
const (
	DisplayedUser          = "user"
	DisplayedAssistant     = "assistant"
	DisplayedTool          = "tool"
	DisplayedReasoning     = "reasoning"
	DisplayedStreamError   = "stream-error"
	DisplayedHistoryHidden = "history-hidden"
	DisplayedWorkspaceInit = "workspace-init"
	DisplayedStatus        = "status"
)

// Tool display statuses derived from the tool output payload.
const (
	ToolStatusRunning = "running"
	ToolStatusDone    = "done"
	ToolStatusFailed  = "failed"
)

// Init statuses for the workspace-init displayable.
const (
	InitStatusRunning = "running"
	InitStatusSuccess = "success"
	InitStatusError   = "error"
)

// DisplayedMessage is one entry in the rendered timeline, produced by the
// event expander. Ordering is (HistorySequence asc, StreamSequence asc).
type DisplayedMessage struct {
	Type            string `json:"type"`
	ID              string `json:"id"`
	HistorySequence int64  `json:"historySequence"`
	StreamSequence  int64  `json:"streamSequence,omitempty"`

	// Content for user / assistant / reasoning / stream-error entries.
	Content string `json:"content,omitempty"`

	// Tool entries.
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	ToolInput  json.RawMessage `json:"toolInput,omitempty"`
	ToolOutput json.RawMessage `json:"toolOutput,omitempty"`
	ToolStatus string          `json:"toolStatus,omitempty"`

	// Streaming flags. A terminal entry has both false.
	IsStreaming bool `json:"isStreaming,omitempty"`
	IsPartial   bool `json:"isPartial,omitempty"`

	// IsLastPartOfMessage marks the final content-bearing part of a turn.
	IsLastPartOfMessage bool `json:"isLastPartOfMessage,omitempty"`

	Model     string `json:"model,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorType string `json:"errorType,omitempty"`

	// Workspace-init entries.
	InitStatus   string   `json:"initStatus,omitempty"`
	InitHookPath string   `json:"initHookPath,omitempty"`
	InitLines    []string `json:"initLines,omitempty"`
	InitExitCode *int     `json:"initExitCode,omitempty"`
}
