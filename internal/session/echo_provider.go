package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cmux/cmux/pkg/chat"
)

// EchoProvider is a built-in provider that streams the last user message
// back in small deltas. It exists for offline development and for tests
// that need a deterministic stream.
type EchoProvider struct {
	// DeltaSize is the number of characters per stream-delta; 0 means 4.
	DeltaSize int
	// Delay between deltas; 0 means no delay.
	Delay time.Duration
}

func (p *EchoProvider) Stream(ctx context.Context, req StreamRequest) (ModelStream, error) {
	var lastUser string
	for i := len(req.History) - 1; i >= 0; i-- {
		if req.History[i].Role == chat.RoleUser {
			lastUser = req.History[i].TextContent()
			break
		}
	}

	stream := &echoStream{events: make(chan chat.StreamEvent)}
	stream.wg.Add(1)
	go stream.run(ctx, lastUser, p.deltaSize(), p.Delay)
	return stream, nil
}

func (p *EchoProvider) deltaSize() int {
	if p.DeltaSize <= 0 {
		return 4
	}
	return p.DeltaSize
}

type echoStream struct {
	events chan chat.StreamEvent
	wg     sync.WaitGroup

	mu  sync.Mutex
	err error
}

func (s *echoStream) Events() <-chan chat.StreamEvent { return s.events }

func (s *echoStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *echoStream) Close() error {
	s.wg.Wait()
	return nil
}

func (s *echoStream) run(ctx context.Context, text string, deltaSize int, delay time.Duration) {
	defer s.wg.Done()
	defer close(s.events)

	reply := "echo: " + strings.TrimSpace(text)

	send := func(ev chat.StreamEvent) bool {
		select {
		case s.events <- ev:
			return true
		case <-ctx.Done():
			s.setErr(ctx.Err())
			return false
		}
	}

	if !send(chat.StreamEvent{Type: chat.EventStreamStart}) {
		return
	}
	for off := 0; off < len(reply); off += deltaSize {
		end := off + deltaSize
		if end > len(reply) {
			end = len(reply)
		}
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				s.setErr(ctx.Err())
				return
			}
		}
		if !send(chat.StreamEvent{Type: chat.EventStreamDelta, Delta: reply[off:end]}) {
			return
		}
	}
	send(chat.StreamEvent{Type: chat.EventStreamEnd})
}

func (s *echoStream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}
