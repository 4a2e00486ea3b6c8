package session

import (
	"fmt"
	"sync"

	"github.com/cmux/cmux/pkg/chat"
)

// InitTracker records a workspace's init-hook run and broadcasts it as
// init-start / init-output / init-end events. The recorded state replays to
// subscribers that attach after the hook already ran; the displayable sits
// at the reserved sequence before all real messages.
type InitTracker struct {
	workspaceID string
	hookPath    string
	publish     func(*chat.StreamEvent)

	mu       sync.Mutex
	started  bool
	lines    []string
	exitCode *int
}

// NewInitTracker creates a tracker bound to a publish sink.
func NewInitTracker(workspaceID, hookPath string, publish func(*chat.StreamEvent)) *InitTracker {
	return &InitTracker{
		workspaceID: workspaceID,
		hookPath:    hookPath,
		publish:     publish,
	}
}

// startLocked marks the run started and returns the init-start event to
// publish, or nil when already started. Caller holds t.mu.
func (t *InitTracker) startLocked() *chat.StreamEvent {
	if t.started {
		return nil
	}
	t.started = true
	return &chat.StreamEvent{
		Type:        chat.EventInitStart,
		WorkspaceID: t.workspaceID,
		HookPath:    t.hookPath,
	}
}

// record appends a line under the lock, then publishes outside it so bus
// handlers can safely call back into the tracker.
func (t *InitTracker) record(line string) {
	t.mu.Lock()
	events := make([]*chat.StreamEvent, 0, 2)
	if start := t.startLocked(); start != nil {
		events = append(events, start)
	}
	t.lines = append(t.lines, line)
	events = append(events, &chat.StreamEvent{
		Type:        chat.EventInitOutput,
		WorkspaceID: t.workspaceID,
		Delta:       line,
	})
	t.mu.Unlock()

	for _, ev := range events {
		t.publish(ev)
	}
}

// LogStep records a lifecycle step marker.
func (t *InitTracker) LogStep(step string) {
	t.record(fmt.Sprintf("$ %s", step))
}

// LogStdout records one line of hook stdout.
func (t *InitTracker) LogStdout(line string) {
	t.record(line)
}

// LogStderr records one line of hook stderr.
func (t *InitTracker) LogStderr(line string) {
	t.record(line)
}

// LogComplete records the terminal exit code. Called exactly once per run.
func (t *InitTracker) LogComplete(exitCode int) {
	t.mu.Lock()
	events := make([]*chat.StreamEvent, 0, 2)
	if start := t.startLocked(); start != nil {
		events = append(events, start)
	}
	code := exitCode
	t.exitCode = &code
	events = append(events, &chat.StreamEvent{
		Type:        chat.EventInitEnd,
		WorkspaceID: t.workspaceID,
		ExitCode:    &code,
	})
	t.mu.Unlock()

	for _, ev := range events {
		t.publish(ev)
	}
}

// Status reports the coalesced init status.
func (t *InitTracker) Status() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.exitCode == nil:
		return chat.InitStatusRunning
	case *t.exitCode == 0:
		return chat.InitStatusSuccess
	default:
		return chat.InitStatusError
	}
}

// Replay re-emits the recorded init lifecycle to a single subscriber.
func (t *InitTracker) Replay(cb func(*chat.StreamEvent) error) error {
	t.mu.Lock()
	started := t.started
	hookPath := t.hookPath
	lines := append([]string(nil), t.lines...)
	var exitCode *int
	if t.exitCode != nil {
		code := *t.exitCode
		exitCode = &code
	}
	t.mu.Unlock()

	if !started {
		return nil
	}
	if err := cb(&chat.StreamEvent{
		Type:        chat.EventInitStart,
		WorkspaceID: t.workspaceID,
		HookPath:    hookPath,
	}); err != nil {
		return err
	}
	for _, line := range lines {
		if err := cb(&chat.StreamEvent{
			Type:        chat.EventInitOutput,
			WorkspaceID: t.workspaceID,
			Delta:       line,
		}); err != nil {
			return err
		}
	}
	if exitCode != nil {
		if err := cb(&chat.StreamEvent{
			Type:        chat.EventInitEnd,
			WorkspaceID: t.workspaceID,
			ExitCode:    exitCode,
		}); err != nil {
			return err
		}
	}
	return nil
}
