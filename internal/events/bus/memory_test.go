package bus

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cmux/cmux/internal/common/logger"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

func mustEvent(t *testing.T, channel string, payload any) *Event {
	t.Helper()
	ev, err := NewEvent(channel, "test", payload)
	require.NoError(t, err)
	return ev
}

func TestMemoryEventBus_PublishSubscribe(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	ctx := context.Background()
	received := make(chan *Event, 1)

	sub, err := bus.Subscribe("workspace.chat.ws-1", func(ctx context.Context, event *Event) error {
		received <- event
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	event := mustEvent(t, "workspace:chat:ws-1", map[string]string{"type": "stream-start"})
	require.NoError(t, bus.Publish(ctx, "workspace.chat.ws-1", event))

	select {
	case e := <-received:
		require.Equal(t, event.ID, e.ID)
		require.Equal(t, event.Channel, e.Channel)
		var payload map[string]string
		require.NoError(t, json.Unmarshal(e.Payload, &payload))
		require.Equal(t, "stream-start", payload["type"])
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestMemoryEventBus_MultipleSubscribers(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	ctx := context.Background()
	var count int32

	for i := 0; i < 3; i++ {
		sub, err := bus.Subscribe("workspace.metadata", func(ctx context.Context, event *Event) error {
			atomic.AddInt32(&count, 1)
			return nil
		})
		require.NoError(t, err)
		defer func() { _ = sub.Unsubscribe() }()
	}

	require.NoError(t, bus.Publish(ctx, "workspace.metadata", mustEvent(t, "workspace:metadata", nil)))

	// Dispatch is synchronous, no wait needed.
	require.Equal(t, int32(3), atomic.LoadInt32(&count))
}

func TestMemoryEventBus_Unsubscribe(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	ctx := context.Background()
	var count int32

	sub, err := bus.Subscribe("workspace.chat.ws-1", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	require.NoError(t, err)

	event := mustEvent(t, "workspace:chat:ws-1", nil)
	require.NoError(t, bus.Publish(ctx, "workspace.chat.ws-1", event))

	require.NoError(t, sub.Unsubscribe())
	require.False(t, sub.IsValid())

	require.NoError(t, bus.Publish(ctx, "workspace.chat.ws-1", event))
	require.Equal(t, int32(1), atomic.LoadInt32(&count))
}

func TestMemoryEventBus_SingleTokenWildcard(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	ctx := context.Background()
	var subjects []string

	sub, err := bus.Subscribe("workspace.chat.*", func(ctx context.Context, event *Event) error {
		subjects = append(subjects, event.Channel)
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	require.NoError(t, bus.Publish(ctx, "workspace.chat.ws-1", mustEvent(t, "workspace:chat:ws-1", nil)))
	require.NoError(t, bus.Publish(ctx, "workspace.chat.ws-2", mustEvent(t, "workspace:chat:ws-2", nil)))

	// * is a single token: must not match a nested subject
	require.NoError(t, bus.Publish(ctx, "workspace.chat.ws-1.extra", mustEvent(t, "x", nil)))

	require.Equal(t, []string{"workspace:chat:ws-1", "workspace:chat:ws-2"}, subjects)
}

func TestMemoryEventBus_MultiTokenWildcard(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	ctx := context.Background()
	var count int32

	sub, err := bus.Subscribe("workspace.>", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	require.NoError(t, bus.Publish(ctx, "workspace.metadata", mustEvent(t, "workspace:metadata", nil)))
	require.NoError(t, bus.Publish(ctx, "workspace.chat.ws-1", mustEvent(t, "workspace:chat:ws-1", nil)))

	require.Equal(t, int32(2), atomic.LoadInt32(&count))
}

func TestMemoryEventBus_WildcardNoMatch(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	ctx := context.Background()
	var count int32

	sub, err := bus.Subscribe("workspace.chat.*", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	// Missing the workspace token entirely
	require.NoError(t, bus.Publish(ctx, "workspace.chat", mustEvent(t, "x", nil)))
	require.Equal(t, int32(0), atomic.LoadInt32(&count))
}

func TestMemoryEventBus_QueueSubscribe(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	ctx := context.Background()
	var count int32

	for i := 0; i < 3; i++ {
		sub, err := bus.QueueSubscribe("workspace.metadata", "gateways", func(ctx context.Context, event *Event) error {
			atomic.AddInt32(&count, 1)
			return nil
		})
		require.NoError(t, err)
		defer func() { _ = sub.Unsubscribe() }()
	}

	for i := 0; i < 6; i++ {
		require.NoError(t, bus.Publish(ctx, "workspace.metadata", mustEvent(t, "workspace:metadata", nil)))
	}

	// Each event handled by exactly one subscriber in the group
	require.Equal(t, int32(6), atomic.LoadInt32(&count))
}

func TestMemoryEventBus_Close(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))

	require.True(t, bus.IsConnected())
	bus.Close()
	require.False(t, bus.IsConnected())

	ctx := context.Background()
	require.Error(t, bus.Publish(ctx, "workspace.metadata", mustEvent(t, "workspace:metadata", nil)))

	_, err := bus.Subscribe("workspace.metadata", func(ctx context.Context, event *Event) error { return nil })
	require.Error(t, err)
}

// Stream deltas are only meaningful in publish order, so the memory bus
// dispatches synchronously. This guards against a regression to async
// goroutine-per-event dispatch.
func TestMemoryEventBus_MessageOrdering(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	ctx := context.Background()
	const numEvents = 100

	var mu sync.Mutex
	receivedOrder := make([]int, 0, numEvents)

	sub, err := bus.Subscribe("workspace.chat.ws-1", func(ctx context.Context, event *Event) error {
		var payload struct {
			Seq int `json:"seq"`
		}
		require.NoError(t, json.Unmarshal(event.Payload, &payload))
		mu.Lock()
		receivedOrder = append(receivedOrder, payload.Seq)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	for i := 0; i < numEvents; i++ {
		ev := mustEvent(t, "workspace:chat:ws-1", map[string]int{"seq": i})
		require.NoError(t, bus.Publish(ctx, "workspace.chat.ws-1", ev))
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, receivedOrder, numEvents)
	for i, seq := range receivedOrder {
		require.Equal(t, i, seq, "event out of order at position %d", i)
	}
}

func TestMemoryEventBus_ConcurrentAccess(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	ctx := context.Background()
	var receivedCount int32
	var wg sync.WaitGroup

	sub, err := bus.Subscribe("workspace.chat.ws-1", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&receivedCount, 1)
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	numGoroutines := 10
	eventsPerGoroutine := 100

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < eventsPerGoroutine; j++ {
				ev := NewRawEvent("workspace:chat:ws-1", "test", nil)
				_ = bus.Publish(ctx, "workspace.chat.ws-1", ev)
			}
		}()
	}

	wg.Wait()
	require.Equal(t, int32(numGoroutines*eventsPerGoroutine), atomic.LoadInt32(&receivedCount))
}

func TestSubjectChannelMapping(t *testing.T) {
	require.Equal(t, "workspace.chat.ws-1", BuildChatSubject("ws-1"))
	require.Equal(t, "workspace:chat:ws-1", BuildChatChannel("ws-1"))
	require.Equal(t, "workspace.chat.ws-1", ChannelToSubject("workspace:chat:ws-1"))
	require.Equal(t, "workspace:metadata", SubjectToChannel(SubjectWorkspaceMetadata))
	require.Equal(t, "ws-1", ChatWorkspaceID("workspace:chat:ws-1"))
	require.Equal(t, "ws-1", ChatWorkspaceID("workspace.chat.ws-1"))
	require.Equal(t, "", ChatWorkspaceID("workspace:metadata"))
}
