package session

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cmux/cmux/pkg/chat"
)

func newTestHistory(t *testing.T) (*HistoryStore, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := NewHistoryStore(dir, nil)
	require.NoError(t, err)
	return store, dir
}

func userMsg(text string) *chat.Message {
	return &chat.Message{Role: chat.RoleUser, Parts: []chat.Part{chat.TextPart(text)}}
}

func assistantMsg(text string) *chat.Message {
	return &chat.Message{Role: chat.RoleAssistant, Parts: []chat.Part{chat.TextPart(text)}}
}

func TestHistoryAppend_MonotonicSequences(t *testing.T) {
	store, _ := newTestHistory(t)

	var last int64 = -1
	for i := 0; i < 10; i++ {
		msg, err := store.Append("ws1", userMsg("m"))
		require.NoError(t, err)
		require.Greater(t, msg.Metadata.HistorySequence, last)
		last = msg.Metadata.HistorySequence
	}
	require.Equal(t, int64(9), last)

	// First sequence is 0.
	messages, err := store.Get("ws1")
	require.NoError(t, err)
	require.Equal(t, int64(0), messages[0].Metadata.HistorySequence)
}

func TestHistoryAppend_AssignsIDAndTimestamp(t *testing.T) {
	store, _ := newTestHistory(t)

	msg, err := store.Append("ws1", userMsg("hello"))
	require.NoError(t, err)
	require.NotEmpty(t, msg.ID)
	require.False(t, msg.Metadata.Timestamp.IsZero())
}

func TestHistory_PersistsAcrossInstances(t *testing.T) {
	store, dir := newTestHistory(t)

	_, err := store.Append("ws1", userMsg("one"))
	require.NoError(t, err)
	_, err = store.Append("ws1", assistantMsg("two"))
	require.NoError(t, err)

	// A fresh store over the same dir continues the sequence.
	reopened, err := NewHistoryStore(dir, nil)
	require.NoError(t, err)
	msg, err := reopened.Append("ws1", userMsg("three"))
	require.NoError(t, err)
	require.Equal(t, int64(2), msg.Metadata.HistorySequence)

	messages, err := reopened.Get("ws1")
	require.NoError(t, err)
	require.Len(t, messages, 3)
	require.Equal(t, "one", messages[0].TextContent())
	require.Equal(t, "three", messages[2].TextContent())
}

func TestHistory_WorkspacesAreIndependent(t *testing.T) {
	store, _ := newTestHistory(t)

	a, err := store.Append("ws-a", userMsg("a"))
	require.NoError(t, err)
	b, err := store.Append("ws-b", userMsg("b"))
	require.NoError(t, err)
	require.Equal(t, int64(0), a.Metadata.HistorySequence)
	require.Equal(t, int64(0), b.Metadata.HistorySequence)
}

func TestHistoryTruncate(t *testing.T) {
	store, _ := newTestHistory(t)
	for i := 0; i < 4; i++ {
		_, err := store.Append("ws1", userMsg("m"))
		require.NoError(t, err)
	}

	t.Run("half drops ceil(N*fraction)", func(t *testing.T) {
		deleted, err := store.Truncate("ws1", 0.5)
		require.NoError(t, err)
		require.Equal(t, []int64{2, 3}, deleted)

		messages, err := store.Get("ws1")
		require.NoError(t, err)
		require.Len(t, messages, 2)
	})

	t.Run("sequences are not reused after truncation", func(t *testing.T) {
		msg, err := store.Append("ws1", userMsg("m"))
		require.NoError(t, err)
		require.Equal(t, int64(4), msg.Metadata.HistorySequence)
	})

	t.Run("fraction 1.0 clears everything", func(t *testing.T) {
		_, err := store.Truncate("ws1", 1.0)
		require.NoError(t, err)
		messages, err := store.Get("ws1")
		require.NoError(t, err)
		require.Empty(t, messages)
	})

	t.Run("invalid fractions rejected", func(t *testing.T) {
		_, err := store.Truncate("ws1", 0)
		require.Error(t, err)
		_, err = store.Truncate("ws1", 1.5)
		require.Error(t, err)
	})
}

func TestHistoryTruncateAfterMessage(t *testing.T) {
	store, _ := newTestHistory(t)

	first, err := store.Append("ws1", userMsg("first"))
	require.NoError(t, err)
	second, err := store.Append("ws1", assistantMsg("second"))
	require.NoError(t, err)
	_, err = store.Append("ws1", userMsg("third"))
	require.NoError(t, err)

	deleted, err := store.TruncateAfterMessage("ws1", second.ID)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2}, deleted)

	messages, err := store.Get("ws1")
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.Equal(t, first.ID, messages[0].ID)

	_, err = store.TruncateAfterMessage("ws1", "no-such-id")
	require.Error(t, err)
}

func TestHistoryReplace(t *testing.T) {
	store, _ := newTestHistory(t)
	for i := 0; i < 3; i++ {
		_, err := store.Append("ws1", userMsg("m"))
		require.NoError(t, err)
	}

	summary, err := store.Replace("ws1", assistantMsg("the summary"))
	require.NoError(t, err)
	require.True(t, summary.Metadata.Compacted)
	require.Equal(t, int64(3), summary.Metadata.HistorySequence)

	messages, err := store.Get("ws1")
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.Equal(t, "the summary", messages[0].TextContent())
}

func TestHistoryDeleteAndMigrate(t *testing.T) {
	store, _ := newTestHistory(t)
	_, err := store.Append("ws1", userMsg("m"))
	require.NoError(t, err)

	t.Run("migrate moves the log", func(t *testing.T) {
		require.NoError(t, store.MigrateWorkspaceID("ws1", "ws2"))
		messages, err := store.Get("ws2")
		require.NoError(t, err)
		require.Len(t, messages, 1)

		old, err := store.Get("ws1")
		require.NoError(t, err)
		require.Empty(t, old)
	})

	t.Run("migrate of unknown workspace is a no-op", func(t *testing.T) {
		require.NoError(t, store.MigrateWorkspaceID("missing", "elsewhere"))
	})

	t.Run("delete removes everything", func(t *testing.T) {
		require.NoError(t, store.Delete("ws2"))
		messages, err := store.Get("ws2")
		require.NoError(t, err)
		require.Empty(t, messages)
	})
}
