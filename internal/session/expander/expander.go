// Package expander reduces the raw stream-event sequence of a workspace
// channel into an ordered timeline of displayable messages. The reduction is
// pure: identical input sequences always produce identical output, so a
// client can replay a channel from scratch and land on the same view.
package expander

import (
	"bytes"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/cmux/cmux/internal/common/logger"
	"github.com/cmux/cmux/pkg/chat"
)

// Expander folds stream events into displayed messages. One instance per
// consumer view; state is the set of in-flight turns plus the coalesced
// init run.
type Expander struct {
	logger *logger.Logger

	inflight map[string]*turn
	// maxSeq tracks the highest committed history sequence so in-flight
	// turns sort after everything committed.
	maxSeq int64

	init          *initRun
	unknownLogged map[string]bool
}

type turn struct {
	msg     *chat.Message
	baseSeq int64
}

type initRun struct {
	workspaceID string
	hookPath    string
	lines       []string
	exitCode    *int
}

// New creates an expander with empty state.
func New(log *logger.Logger) *Expander {
	if log == nil {
		log = logger.Default()
	}
	return &Expander{
		logger:        log.WithFields(zap.String("component", "event-expander")),
		inflight:      map[string]*turn{},
		unknownLogged: map[string]bool{},
	}
}

// Apply folds one event and returns the displayable emissions, possibly
// empty. Consumers must deduplicate by entry ID: a later emission with the
// same ID supersedes the earlier one.
func (e *Expander) Apply(ev *chat.StreamEvent) []chat.DisplayedMessage {
	switch ev.Type {
	case chat.EventUserMessage:
		if ev.Message == nil {
			return nil
		}
		e.observeSeq(ev.Message.Metadata.HistorySequence)
		return []chat.DisplayedMessage{{
			Type:                chat.DisplayedUser,
			ID:                  ev.Message.ID,
			HistorySequence:     ev.Message.Metadata.HistorySequence,
			Content:             ev.Message.TextContent(),
			IsLastPartOfMessage: true,
		}}

	case chat.EventStreamStart:
		e.inflight[ev.MessageID] = &turn{
			msg: &chat.Message{
				ID:       ev.MessageID,
				Role:     chat.RoleAssistant,
				Metadata: chat.MessageMetadata{Model: ev.Model},
			},
			baseSeq: e.maxSeq + 1,
		}
		return nil

	case chat.EventStreamDelta:
		t := e.turnFor(ev.MessageID)
		appendText(t.msg, chat.PartTypeText, ev.Delta)
		return e.partialView(t)

	case chat.EventReasoningDelta:
		t := e.turnFor(ev.MessageID)
		appendText(t.msg, chat.PartTypeReasoning, ev.Delta)
		return e.partialView(t)

	case chat.EventReasoningEnd:
		if t, ok := e.inflight[ev.MessageID]; ok {
			return e.partialView(t)
		}
		return nil

	case chat.EventToolCallStart:
		t := e.turnFor(ev.MessageID)
		t.msg.Parts = append(t.msg.Parts, chat.ToolPart(ev.ToolCallID, ev.ToolName, ev.Input))
		return e.partialView(t)

	case chat.EventToolCallDelta:
		t := e.turnFor(ev.MessageID)
		if part := t.msg.FindToolPart(ev.ToolCallID); part != nil {
			part.Input = append(part.Input, ev.Input...)
		}
		return e.partialView(t)

	case chat.EventToolCallEnd:
		t := e.turnFor(ev.MessageID)
		if part := t.msg.FindToolPart(ev.ToolCallID); part != nil {
			part.Output = ev.Output
			part.State = chat.ToolStateOutputAvailable
		}
		return e.partialView(t)

	case chat.EventStreamEnd:
		if ev.Message == nil {
			return nil
		}
		delete(e.inflight, ev.MessageID)
		e.observeSeq(ev.Message.Metadata.HistorySequence)
		return ExpandMessage(ev.Message)

	case chat.EventStreamAbort:
		t, ok := e.inflight[ev.MessageID]
		if !ok {
			return nil
		}
		delete(e.inflight, ev.MessageID)
		t.msg.Metadata.Partial = true
		// Terminal view of the interrupted turn: no longer streaming but
		// still partial.
		out := expandParts(t.msg, t.baseSeq, false)
		for i := range out {
			out[i].IsPartial = true
		}
		return out

	case chat.EventStreamError:
		delete(e.inflight, ev.MessageID)
		seq := e.maxSeq + 1
		id := ev.MessageID
		if id == "" {
			id = fmt.Sprintf("stream-error-%d", seq)
		}
		return []chat.DisplayedMessage{{
			Type:            chat.DisplayedStreamError,
			ID:              id + "-error",
			HistorySequence: seq,
			Content:         ev.Error,
			Error:           ev.Error,
			ErrorType:       ev.ErrorType,
		}}

	case chat.EventDelete:
		// Deletions emit nothing; consumers drop the matching sequences
		// from their view.
		return nil

	case chat.EventInitStart:
		e.init = &initRun{workspaceID: ev.WorkspaceID, hookPath: ev.HookPath}
		return e.initView()

	case chat.EventInitOutput:
		if e.init == nil {
			e.init = &initRun{workspaceID: ev.WorkspaceID}
		}
		e.init.lines = append(e.init.lines, ev.Delta)
		return e.initView()

	case chat.EventInitEnd:
		if e.init == nil {
			e.init = &initRun{workspaceID: ev.WorkspaceID}
		}
		e.init.exitCode = ev.ExitCode
		return e.initView()

	case chat.EventStatus:
		return []chat.DisplayedMessage{{
			Type:            chat.DisplayedStatus,
			ID:              fmt.Sprintf("status-%d", e.maxSeq+1),
			HistorySequence: e.maxSeq + 1,
			Content:         ev.Status,
		}}

	case chat.EventCaughtUp, chat.EventMetadata:
		return nil

	default:
		if !e.unknownLogged[ev.Type] {
			e.unknownLogged[ev.Type] = true
			e.logger.Warn("unknown stream event type", zap.String("event_type", ev.Type))
			return []chat.DisplayedMessage{{
				Type:            chat.DisplayedStatus,
				ID:              "unknown-" + ev.Type,
				HistorySequence: e.maxSeq + 1,
				Content:         fmt.Sprintf("unrecognized event type %q", ev.Type),
			}}
		}
		return nil
	}
}

func (e *Expander) observeSeq(seq int64) {
	if seq > e.maxSeq {
		e.maxSeq = seq
	}
}

// turnFor returns the in-flight turn, creating one for streams whose start
// event was missed (mid-stream subscription).
func (e *Expander) turnFor(messageID string) *turn {
	if t, ok := e.inflight[messageID]; ok {
		return t
	}
	t := &turn{
		msg:     &chat.Message{ID: messageID, Role: chat.RoleAssistant},
		baseSeq: e.maxSeq + 1,
	}
	e.inflight[messageID] = t
	return t
}

// partialView renders the current in-flight turn with streaming flags set
// on every part except completed tool calls.
func (e *Expander) partialView(t *turn) []chat.DisplayedMessage {
	return expandParts(t.msg, t.baseSeq, true)
}

func (e *Expander) initView() []chat.DisplayedMessage {
	status := chat.InitStatusRunning
	if e.init.exitCode != nil {
		if *e.init.exitCode == 0 {
			status = chat.InitStatusSuccess
		} else {
			status = chat.InitStatusError
		}
	}
	return []chat.DisplayedMessage{{
		Type:            chat.DisplayedWorkspaceInit,
		ID:              "workspace-init",
		HistorySequence: chat.InitSequence,
		InitStatus:      status,
		InitHookPath:    e.init.hookPath,
		InitLines:       append([]string(nil), e.init.lines...),
		InitExitCode:    e.init.exitCode,
	}}
}

// ExpandMessage renders one committed message as terminal displayed
// entries, split by part type with adjacent same-type text and reasoning
// parts merged. The last content-bearing entry carries
// IsLastPartOfMessage.
func ExpandMessage(msg *chat.Message) []chat.DisplayedMessage {
	if msg.Role == chat.RoleUser {
		return []chat.DisplayedMessage{{
			Type:                chat.DisplayedUser,
			ID:                  msg.ID,
			HistorySequence:     msg.Metadata.HistorySequence,
			Content:             msg.TextContent(),
			IsLastPartOfMessage: true,
		}}
	}
	out := expandParts(msg, msg.Metadata.HistorySequence, false)
	if msg.Metadata.Partial {
		for i := range out {
			out[i].IsPartial = true
		}
	}
	return out
}

// expandParts renders the message's merged parts. streaming marks entries
// as in-flight; completed tool calls are final either way.
func expandParts(msg *chat.Message, historySeq int64, streaming bool) []chat.DisplayedMessage {
	merged := mergeParts(msg.Parts)
	out := make([]chat.DisplayedMessage, 0, len(merged))

	for i, part := range merged {
		entry := chat.DisplayedMessage{
			ID:              entryID(msg.ID, i),
			HistorySequence: historySeq,
			StreamSequence:  int64(i + 1),
			Model:           msg.Metadata.Model,
		}
		switch part.Type {
		case chat.PartTypeText:
			entry.Type = chat.DisplayedAssistant
			entry.Content = part.Text
			entry.IsStreaming = streaming
			entry.IsPartial = streaming
		case chat.PartTypeReasoning:
			entry.Type = chat.DisplayedReasoning
			entry.Content = part.Text
			entry.IsStreaming = streaming
			entry.IsPartial = streaming
		case chat.PartTypeDynamicTool:
			entry.Type = chat.DisplayedTool
			entry.ToolCallID = part.ToolCallID
			entry.ToolName = part.ToolName
			entry.ToolInput = part.Input
			entry.ToolOutput = part.Output
			entry.ToolStatus = toolStatus(&part)
			if part.State != chat.ToolStateOutputAvailable {
				entry.IsStreaming = streaming
				entry.IsPartial = streaming
			}
		default:
			continue
		}
		if msg.Metadata.Error != "" {
			entry.Error = msg.Metadata.Error
			entry.ErrorType = msg.Metadata.ErrorType
		}
		out = append(out, entry)
	}

	if !streaming && len(out) > 0 {
		out[len(out)-1].IsLastPartOfMessage = true
	}
	return out
}

func entryID(messageID string, idx int) string {
	if idx == 0 {
		return messageID
	}
	return fmt.Sprintf("%s-%d", messageID, idx)
}

// mergeParts collapses adjacent text parts and adjacent reasoning parts
// into single parts; everything else passes through in order.
func mergeParts(parts []chat.Part) []chat.Part {
	var out []chat.Part
	for _, p := range parts {
		if len(out) > 0 {
			last := &out[len(out)-1]
			if last.Type == p.Type && (p.Type == chat.PartTypeText || p.Type == chat.PartTypeReasoning) {
				last.Text += p.Text
				continue
			}
		}
		out = append(out, p)
	}
	return out
}

// toolStatus classifies a tool part for display. An output payload carrying
// {"success": false} marks the call failed.
func toolStatus(part *chat.Part) string {
	if part.State != chat.ToolStateOutputAvailable {
		return chat.ToolStatusRunning
	}
	if len(part.Output) > 0 && bytes.Contains(part.Output, []byte("\"success\"")) {
		var probe struct {
			Success *bool `json:"success"`
		}
		if err := json.Unmarshal(part.Output, &probe); err == nil && probe.Success != nil && !*probe.Success {
			return chat.ToolStatusFailed
		}
	}
	return chat.ToolStatusDone
}

// appendText extends a trailing part of the same type or starts a new one.
func appendText(msg *chat.Message, partType, delta string) {
	if last := msg.LastPart(); last != nil && last.Type == partType {
		last.Text += delta
		return
	}
	msg.Parts = append(msg.Parts, chat.Part{Type: partType, Text: delta})
}
