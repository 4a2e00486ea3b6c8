// Package chat defines the wire types shared between the cmux server and its
// clients: chat messages, message parts, stream events, and displayable
// timeline entries.
package chat

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Part type discriminators.
const (
	PartTypeText        = "text"
	PartTypeReasoning   = "reasoning"
	PartTypeImage       = "image"
	PartTypeDynamicTool = "dynamic-tool"
)

// Tool call states.
const (
	ToolStateInputAvailable  = "input-available"
	ToolStateOutputAvailable = "output-available"
)

// InitSequence is the reserved history sequence for the workspace-init
// displayable. It sorts before all real messages, which start at 0.
const InitSequence = -1

// Part is one segment of a message: plain text, model reasoning, an image
// reference, or a tool invocation. The Type field discriminates.
type Part struct {
	Type string `json:"type"`

	// Text and Reasoning parts.
	Text string `json:"text,omitempty"`

	// Image parts.
	URL       string `json:"url,omitempty"`
	MediaType string `json:"mediaType,omitempty"`

	// DynamicTool parts.
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	State      string          `json:"state,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`

	// Timestamp in unix milliseconds, when known.
	Timestamp int64 `json:"ts,omitempty"`
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Type: PartTypeText, Text: text}
}

// ReasoningPart builds a reasoning part.
func ReasoningPart(text string) Part {
	return Part{Type: PartTypeReasoning, Text: text}
}

// ToolPart builds a dynamic-tool part in the input-available state.
func ToolPart(toolCallID, toolName string, input json.RawMessage) Part {
	return Part{
		Type:       PartTypeDynamicTool,
		ToolCallID: toolCallID,
		ToolName:   toolName,
		State:      ToolStateInputAvailable,
		Input:      input,
	}
}

// Validate checks the part's discriminator and state fields.
func (p *Part) Validate() error {
	switch p.Type {
	case PartTypeText, PartTypeReasoning:
		return nil
	case PartTypeImage:
		if p.URL == "" {
			return fmt.Errorf("image part missing url")
		}
		return nil
	case PartTypeDynamicTool:
		if p.ToolCallID == "" {
			return fmt.Errorf("dynamic-tool part missing toolCallId")
		}
		if p.State != ToolStateInputAvailable && p.State != ToolStateOutputAvailable {
			return fmt.Errorf("dynamic-tool part has invalid state %q", p.State)
		}
		return nil
	default:
		return fmt.Errorf("unknown part type %q", p.Type)
	}
}

// MessageMetadata carries ordering and bookkeeping data for a message.
type MessageMetadata struct {
	// HistorySequence is assigned by the history store on append. Strictly
	// increasing per workspace, starting at 0. InitSequence (-1) is reserved
	// for the workspace-init displayable.
	HistorySequence int64     `json:"historySequence"`
	Timestamp       time.Time `json:"timestamp"`
	Model           string    `json:"model,omitempty"`
	Compacted       bool      `json:"compacted,omitempty"`

	// Partial marks an in-flight or interrupted assistant message.
	Partial bool `json:"partial,omitempty"`

	// Error fields are populated when a stream terminates abnormally.
	Error      string `json:"error,omitempty"`
	ErrorType  string `json:"errorType,omitempty"`
	ErrorCount int    `json:"errorCount,omitempty"`
}

// Message is a single chat history entry.
type Message struct {
	ID       string          `json:"id"`
	Role     Role            `json:"role"`
	Parts    []Part          `json:"parts"`
	Metadata MessageMetadata `json:"metadata"`
}

// TextContent concatenates all text parts of the message.
func (m *Message) TextContent() string {
	var out string
	for _, p := range m.Parts {
		if p.Type == PartTypeText {
			out += p.Text
		}
	}
	return out
}

// ReasoningContent concatenates all reasoning parts of the message.
func (m *Message) ReasoningContent() string {
	var out string
	for _, p := range m.Parts {
		if p.Type == PartTypeReasoning {
			out += p.Text
		}
	}
	return out
}

// Clone returns a deep copy of the message. Parts hold raw JSON payloads, so
// a shallow slice copy would alias tool input/output buffers.
func (m *Message) Clone() *Message {
	cp := *m
	cp.Parts = make([]Part, len(m.Parts))
	copy(cp.Parts, m.Parts)
	for i := range cp.Parts {
		if in := m.Parts[i].Input; in != nil {
			cp.Parts[i].Input = append(json.RawMessage(nil), in...)
		}
		if out := m.Parts[i].Output; out != nil {
			cp.Parts[i].Output = append(json.RawMessage(nil), out...)
		}
	}
	return &cp
}

// LastPart returns a pointer to the final part, or nil for an empty message.
func (m *Message) LastPart() *Part {
	if len(m.Parts) == 0 {
		return nil
	}
	return &m.Parts[len(m.Parts)-1]
}

// FindToolPart returns the dynamic-tool part with the given call ID, or nil.
func (m *Message) FindToolPart(toolCallID string) *Part {
	for i := range m.Parts {
		if m.Parts[i].Type == PartTypeDynamicTool && m.Parts[i].ToolCallID == toolCallID {
			return &m.Parts[i]
		}
	}
	return nil
}
