package session

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStores(t *testing.T) (*HistoryStore, *PartialStore) {
	t.Helper()
	dir := t.TempDir()
	history, err := NewHistoryStore(dir, nil)
	require.NoError(t, err)
	return history, NewPartialStore(dir, history, nil)
}

func TestPartial_WriteReadDelete(t *testing.T) {
	_, partials := newTestStores(t)

	got, err := partials.Read("ws1")
	require.NoError(t, err)
	require.Nil(t, got)

	msg := assistantMsg("in flight")
	msg.ID = "m1"
	msg.Metadata.Partial = true
	require.NoError(t, partials.Write("ws1", msg))

	got, err = partials.Read("ws1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "m1", got.ID)
	require.True(t, got.Metadata.Partial)

	// Overwrite is last-writer-wins.
	msg2 := assistantMsg("newer")
	msg2.ID = "m2"
	require.NoError(t, partials.Write("ws1", msg2))
	got, err = partials.Read("ws1")
	require.NoError(t, err)
	require.Equal(t, "m2", got.ID)

	require.NoError(t, partials.Delete("ws1"))
	got, err = partials.Read("ws1")
	require.NoError(t, err)
	require.Nil(t, got)

	// Deleting again is fine.
	require.NoError(t, partials.Delete("ws1"))
}

func TestPartial_CommitToHistory(t *testing.T) {
	history, partials := newTestStores(t)

	msg := assistantMsg("interrupted turn")
	require.NoError(t, partials.Write("ws1", msg))

	committed, err := partials.CommitToHistory("ws1")
	require.NoError(t, err)
	require.NotNil(t, committed)
	require.True(t, committed.Metadata.Partial, "committed partial keeps partial=true")

	messages, err := history.Get("ws1")
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.Equal(t, "interrupted turn", messages[0].TextContent())
	require.True(t, messages[0].Metadata.Partial)

	// The staged file is gone after commit.
	got, err := partials.Read("ws1")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestPartial_CommitIdempotentWhenEmpty(t *testing.T) {
	history, partials := newTestStores(t)

	committed, err := partials.CommitToHistory("ws1")
	require.NoError(t, err)
	require.Nil(t, committed)

	committed, err = partials.CommitToHistory("ws1")
	require.NoError(t, err)
	require.Nil(t, committed)

	messages, err := history.Get("ws1")
	require.NoError(t, err)
	require.Empty(t, messages)
}
