package session

import (
	"context"

	"github.com/cmux/cmux/pkg/chat"
)

// StreamRequest is what a session hands the model provider to open a turn.
type StreamRequest struct {
	WorkspaceID  string
	WorkspaceDir string
	Model        string

	// History is the full committed log, interrupted partials included.
	History []chat.Message

	// Resume carries the in-flight message when continuing an interrupted
	// turn; nil for a fresh turn.
	Resume *chat.Message
}

// ModelStream is one live provider turn. Events delivers raw stream events
// (deltas, tool-call lifecycle, stream-end) and is closed when the turn is
// over; after the channel closes, Err reports how it ended.
type ModelStream interface {
	Events() <-chan chat.StreamEvent
	Err() error
	Close() error
}

// ModelProvider opens model streams. The vendor client lives behind this
// boundary; the session plane only consumes normalized events.
type ModelProvider interface {
	Stream(ctx context.Context, req StreamRequest) (ModelStream, error)
}
