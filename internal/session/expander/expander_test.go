package expander

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cmux/cmux/pkg/chat"
)

func applyAll(e *Expander, events []chat.StreamEvent) []chat.DisplayedMessage {
	var out []chat.DisplayedMessage
	for i := range events {
		out = append(out, e.Apply(&events[i])...)
	}
	return out
}

func minimalTurn() []chat.StreamEvent {
	user := &chat.Message{
		ID:       "u1",
		Role:     chat.RoleUser,
		Parts:    []chat.Part{chat.TextPart("hi")},
		Metadata: chat.MessageMetadata{HistorySequence: 0},
	}
	final := &chat.Message{
		ID:       "a1",
		Role:     chat.RoleAssistant,
		Parts:    []chat.Part{chat.TextPart("hello there")},
		Metadata: chat.MessageMetadata{HistorySequence: 1},
	}
	return []chat.StreamEvent{
		{Type: chat.EventUserMessage, MessageID: "u1", Message: user},
		{Type: chat.EventStreamStart, MessageID: "a1"},
		{Type: chat.EventStreamDelta, MessageID: "a1", Delta: "hello "},
		{Type: chat.EventStreamDelta, MessageID: "a1", Delta: "there"},
		{Type: chat.EventStreamEnd, MessageID: "a1", Message: final},
	}
}

func TestMinimalTurn(t *testing.T) {
	out := applyAll(New(nil), minimalTurn())

	// user entry, two partial views, one terminal assistant entry
	require.Len(t, out, 4)

	require.Equal(t, chat.DisplayedUser, out[0].Type)
	require.Equal(t, "hi", out[0].Content)
	require.Equal(t, int64(0), out[0].HistorySequence)

	// Partial views stream in with flags set.
	require.Equal(t, chat.DisplayedAssistant, out[1].Type)
	require.Equal(t, "hello ", out[1].Content)
	require.True(t, out[1].IsStreaming)
	require.True(t, out[1].IsPartial)
	require.Equal(t, "hello there", out[2].Content)

	// Terminal entry supersedes the partials (same ID, flags cleared).
	final := out[3]
	require.Equal(t, chat.DisplayedAssistant, final.Type)
	require.Equal(t, "a1", final.ID)
	require.Equal(t, out[1].ID, final.ID)
	require.Equal(t, "hello there", final.Content)
	require.False(t, final.IsStreaming)
	require.False(t, final.IsPartial)
	require.True(t, final.IsLastPartOfMessage)
	require.Equal(t, int64(1), final.HistorySequence)
}

func TestDeterminism(t *testing.T) {
	events := minimalTurn()
	first := applyAll(New(nil), events)
	second := applyAll(New(nil), events)
	require.Equal(t, first, second)
}

func TestTerminalSplit_MergesAdjacentText(t *testing.T) {
	msg := &chat.Message{
		ID:   "a1",
		Role: chat.RoleAssistant,
		Parts: []chat.Part{
			chat.ReasoningPart("thinking "),
			chat.ReasoningPart("hard"),
			chat.TextPart("part one "),
			chat.TextPart("part two"),
			{Type: chat.PartTypeDynamicTool, ToolCallID: "t1", ToolName: "bash", State: chat.ToolStateOutputAvailable, Output: json.RawMessage(`{"success":true}`)},
			chat.TextPart("after tool"),
		},
		Metadata: chat.MessageMetadata{HistorySequence: 3},
	}

	out := ExpandMessage(msg)
	require.Len(t, out, 4)

	require.Equal(t, chat.DisplayedReasoning, out[0].Type)
	require.Equal(t, "thinking hard", out[0].Content)
	require.Equal(t, chat.DisplayedAssistant, out[1].Type)
	require.Equal(t, "part one part two", out[1].Content)
	require.Equal(t, chat.DisplayedTool, out[2].Type)
	require.Equal(t, chat.ToolStatusDone, out[2].ToolStatus)
	require.Equal(t, "after tool", out[3].Content)

	// Only the last content-bearing entry carries the marker, and stream
	// sequences order the split parts.
	for i, entry := range out {
		require.Equal(t, entry.IsLastPartOfMessage, i == len(out)-1)
		require.Equal(t, int64(i+1), entry.StreamSequence)
		require.Equal(t, int64(3), entry.HistorySequence)
	}

	// Entry IDs are distinct per part for dedup.
	seen := map[string]bool{}
	for _, entry := range out {
		require.False(t, seen[entry.ID], "duplicate entry id %s", entry.ID)
		seen[entry.ID] = true
	}
}

func TestToolLifecycleAndFailureStatus(t *testing.T) {
	e := New(nil)

	out := applyAll(e, []chat.StreamEvent{
		{Type: chat.EventStreamStart, MessageID: "a1"},
		{Type: chat.EventToolCallStart, MessageID: "a1", ToolCallID: "t1", ToolName: "bash", Input: json.RawMessage(`{"cmd"`)},
	})
	require.Len(t, out, 1)
	require.Equal(t, chat.ToolStatusRunning, out[0].ToolStatus)
	require.True(t, out[0].IsStreaming)

	out = e.Apply(&chat.StreamEvent{Type: chat.EventToolCallDelta, MessageID: "a1", ToolCallID: "t1", Input: json.RawMessage(`:"ls"}`)})
	require.Len(t, out, 1)
	require.JSONEq(t, `{"cmd":"ls"}`, string(out[0].ToolInput))

	// A failed result is classified even while the turn is still live.
	out = e.Apply(&chat.StreamEvent{Type: chat.EventToolCallEnd, MessageID: "a1", ToolCallID: "t1", Output: json.RawMessage(`{"success":false,"error":"boom"}`)})
	require.Len(t, out, 1)
	require.Equal(t, chat.ToolStatusFailed, out[0].ToolStatus)
	require.False(t, out[0].IsStreaming, "completed tool parts are final mid-stream")
	require.False(t, out[0].IsPartial)
}

func TestAbortEmitsTerminalPartialView(t *testing.T) {
	e := New(nil)
	applyAll(e, []chat.StreamEvent{
		{Type: chat.EventStreamStart, MessageID: "a1"},
		{Type: chat.EventStreamDelta, MessageID: "a1", Delta: "Hel"},
	})

	out := e.Apply(&chat.StreamEvent{Type: chat.EventStreamAbort, MessageID: "a1"})
	require.Len(t, out, 1)
	require.Equal(t, "Hel", out[0].Content)
	require.False(t, out[0].IsStreaming)
	require.True(t, out[0].IsPartial)

	// The turn is gone; a second abort emits nothing.
	require.Empty(t, e.Apply(&chat.StreamEvent{Type: chat.EventStreamAbort, MessageID: "a1"}))
}

func TestStreamErrorEntry(t *testing.T) {
	e := New(nil)
	out := e.Apply(&chat.StreamEvent{
		Type:      chat.EventStreamError,
		MessageID: "a1",
		Error:     "rate limited",
		ErrorType: chat.ErrorTypeRateLimit,
	})
	require.Len(t, out, 1)
	require.Equal(t, chat.DisplayedStreamError, out[0].Type)
	require.Equal(t, "rate limited", out[0].Content)
	require.Equal(t, chat.ErrorTypeRateLimit, out[0].ErrorType)
}

func TestDeleteEmitsNothing(t *testing.T) {
	e := New(nil)
	out := e.Apply(&chat.StreamEvent{Type: chat.EventDelete, HistorySequences: []int64{1, 2}})
	require.Empty(t, out)
}

func TestUnknownEventType_OneStatusPerType(t *testing.T) {
	e := New(nil)

	out := e.Apply(&chat.StreamEvent{Type: "future-thing"})
	require.Len(t, out, 1)
	require.Equal(t, chat.DisplayedStatus, out[0].Type)
	require.Contains(t, out[0].Content, "future-thing")

	// Repeats of the same unknown type are silent.
	require.Empty(t, e.Apply(&chat.StreamEvent{Type: "future-thing"}))

	// A different unknown type gets its own diagnostic.
	out = e.Apply(&chat.StreamEvent{Type: "other-thing"})
	require.Len(t, out, 1)
}

func TestInitCoalescing(t *testing.T) {
	e := New(nil)
	code := 2

	out := applyAll(e, []chat.StreamEvent{
		{Type: chat.EventInitStart, WorkspaceID: "ws1", HookPath: "/p/.cmux/init"},
		{Type: chat.EventInitOutput, WorkspaceID: "ws1", Delta: "line one"},
		{Type: chat.EventInitOutput, WorkspaceID: "ws1", Delta: "line two"},
		{Type: chat.EventInitEnd, WorkspaceID: "ws1", ExitCode: &code},
	})

	// Every event re-emits the one coalesced entry under the same ID.
	require.Len(t, out, 4)
	for _, entry := range out {
		require.Equal(t, chat.DisplayedWorkspaceInit, entry.Type)
		require.Equal(t, "workspace-init", entry.ID)
		require.Equal(t, int64(chat.InitSequence), entry.HistorySequence)
	}

	require.Equal(t, chat.InitStatusRunning, out[0].InitStatus)
	require.Equal(t, []string{"line one", "line two"}, out[3].InitLines)
	require.Equal(t, chat.InitStatusError, out[3].InitStatus)
	require.NotNil(t, out[3].InitExitCode)
	require.Equal(t, 2, *out[3].InitExitCode)

	// The init displayable sorts before every real message.
	require.Less(t, out[3].HistorySequence, int64(0))
}

func TestReplayedPartialKeepsPartialFlag(t *testing.T) {
	e := New(nil)
	interrupted := &chat.Message{
		ID:       "a1",
		Role:     chat.RoleAssistant,
		Parts:    []chat.Part{chat.TextPart("Hel")},
		Metadata: chat.MessageMetadata{HistorySequence: 1, Partial: true},
	}
	out := e.Apply(&chat.StreamEvent{Type: chat.EventStreamEnd, MessageID: "a1", Message: interrupted})
	require.Len(t, out, 1)
	require.True(t, out[0].IsPartial)
	require.False(t, out[0].IsStreaming)
}

func TestMidStreamSubscription(t *testing.T) {
	// A consumer that missed stream-start still renders deltas.
	e := New(nil)
	out := e.Apply(&chat.StreamEvent{Type: chat.EventStreamDelta, MessageID: "a1", Delta: "tail"})
	require.Len(t, out, 1)
	require.Equal(t, "tail", out[0].Content)
	require.True(t, out[0].IsStreaming)
}
