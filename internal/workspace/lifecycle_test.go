package workspace

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cmux/cmux/internal/events/bus"
	"github.com/cmux/cmux/internal/runtime"
)

// initGitRepo creates a real git repo with one commit on main.
func initGitRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	env := append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@test",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@test",
	)
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = env
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	run("init", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hi\n"), 0644))
	run("add", ".")
	run("commit", "-m", "initial")
	return dir
}

type fakeSessions struct {
	mu        sync.Mutex
	streaming map[string]bool
	disposed  []string
	initLogs  []string
}

func (f *fakeSessions) IsStreaming(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streaming[id]
}

func (f *fakeSessions) Dispose(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disposed = append(f.disposed, id)
	return nil
}

func (f *fakeSessions) InitLogger(id, hookPath string) runtime.InitLogger {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initLogs = append(f.initLogs, id)
	return &nopInitLogger{}
}

type nopInitLogger struct{}

func (*nopInitLogger) LogStep(string)   {}
func (*nopInitLogger) LogStdout(string) {}
func (*nopInitLogger) LogStderr(string) {}
func (*nopInitLogger) LogComplete(int)  {}

type lifecycleFixture struct {
	lc       *Lifecycle
	store    *ConfigStore
	sessions *fakeSessions
	project  string
	events   *metadataRecorder
}

type metadataRecorder struct {
	mu     sync.Mutex
	events []MetadataEvent
}

func (r *metadataRecorder) record(ev MetadataEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *metadataRecorder) all() []MetadataEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]MetadataEvent(nil), r.events...)
}

func newLifecycleFixture(t *testing.T) *lifecycleFixture {
	t.Helper()
	store, err := NewConfigStore(t.TempDir(), nil)
	require.NoError(t, err)

	eventBus := bus.NewMemoryEventBus(nil)
	t.Cleanup(eventBus.Close)

	rec := &metadataRecorder{}
	_, err = eventBus.Subscribe(bus.SubjectWorkspaceMetadata, func(_ context.Context, ev *bus.Event) error {
		var payload MetadataEvent
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return err
		}
		rec.record(payload)
		return nil
	})
	require.NoError(t, err)

	sessions := &fakeSessions{streaming: map[string]bool{}}
	lc := NewLifecycle(store, sessions, eventBus, runtime.NewLocalRuntime(nil), nil)
	return &lifecycleFixture{
		lc:       lc,
		store:    store,
		sessions: sessions,
		project:  initGitRepo(t),
		events:   rec,
	}
}

func TestLifecycle_CreateRegistersAndEmits(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()

	ws, err := f.lc.Create(ctx, f.project, "feature", "main", nil)
	require.NoError(t, err)
	require.NotEmpty(t, ws.ID)
	require.Equal(t, "feature", ws.Name)
	require.Equal(t, GetWorkspacePath(f.project, "feature"), ws.Path)
	require.DirExists(t, ws.Path)

	// Registered in the config store.
	found, err := f.store.FindWorkspace(ws.ID)
	require.NoError(t, err)
	require.NotNil(t, found)

	// Metadata event carries the full workspace.
	events := f.events.all()
	require.Len(t, events, 1)
	require.Equal(t, ws.ID, events[0].WorkspaceID)
	require.NotNil(t, events[0].Metadata)
	require.Equal(t, "feature", events[0].Metadata.Name)

	// The init logger was requested for the new workspace.
	require.Equal(t, []string{ws.ID}, f.sessions.initLogs)
}

func TestLifecycle_CreateInvalidNameHasNoSideEffects(t *testing.T) {
	f := newLifecycleFixture(t)

	_, err := f.lc.Create(context.Background(), f.project, "/etc", "main", nil)
	require.Error(t, err)

	all, err := f.store.GetAllWorkspaceMetadata()
	require.NoError(t, err)
	require.Empty(t, all)
	require.Empty(t, f.events.all())
	require.NoDirExists(t, filepath.Join(f.project, "etc"))
}

func TestLifecycle_CreateDuplicateNameConflicts(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()

	_, err := f.lc.Create(ctx, f.project, "feature", "main", nil)
	require.NoError(t, err)

	_, err = f.lc.Create(ctx, f.project, "feature", "main", nil)
	require.Error(t, err)

	all, err := f.store.GetAllWorkspaceMetadata()
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestLifecycle_CreateRuntimeFailureRollsBack(t *testing.T) {
	f := newLifecycleFixture(t)

	// A trunk that does not exist makes the worktree add fail after
	// validation passed; nothing may be registered.
	_, err := f.lc.Create(context.Background(), f.project, "feature", "no-such-trunk", nil)
	require.Error(t, err)

	all, storeErr := f.store.GetAllWorkspaceMetadata()
	require.NoError(t, storeErr)
	require.Empty(t, all)
	require.Empty(t, f.events.all())
}

func TestLifecycle_RenamePreservesID(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()

	ws, err := f.lc.Create(ctx, f.project, "feature", "main", nil)
	require.NoError(t, err)
	oldPath := ws.Path

	renamed, err := f.lc.Rename(ctx, ws.ID, "better-name")
	require.NoError(t, err)
	require.Equal(t, ws.ID, renamed.ID)
	require.Equal(t, "better-name", renamed.Name)
	require.Equal(t, GetWorkspacePath(f.project, "better-name"), renamed.Path)
	require.DirExists(t, renamed.Path)
	require.NoDirExists(t, oldPath)

	// The store reflects the new name under the same id.
	found, err := f.store.FindWorkspace(ws.ID)
	require.NoError(t, err)
	require.Equal(t, "better-name", found.Name)
}

func TestLifecycle_RenameBlockedWhileStreaming(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()

	ws, err := f.lc.Create(ctx, f.project, "feature", "main", nil)
	require.NoError(t, err)

	f.sessions.mu.Lock()
	f.sessions.streaming[ws.ID] = true
	f.sessions.mu.Unlock()

	_, err = f.lc.Rename(ctx, ws.ID, "other")
	require.Error(t, err)

	found, findErr := f.store.FindWorkspace(ws.ID)
	require.NoError(t, findErr)
	require.Equal(t, "feature", found.Name)
}

func TestLifecycle_RenameCollision(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()

	_, err := f.lc.Create(ctx, f.project, "one", "main", nil)
	require.NoError(t, err)
	two, err := f.lc.Create(ctx, f.project, "two", "main", nil)
	require.NoError(t, err)

	_, err = f.lc.Rename(ctx, two.ID, "one")
	require.Error(t, err)
}

func TestLifecycle_RenameUnknownWorkspace(t *testing.T) {
	f := newLifecycleFixture(t)
	_, err := f.lc.Rename(context.Background(), "no-such-id", "name")
	require.Error(t, err)
}

func TestLifecycle_DeleteRemovesAndDisposes(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()

	ws, err := f.lc.Create(ctx, f.project, "feature", "main", nil)
	require.NoError(t, err)

	require.NoError(t, f.lc.Delete(ctx, ws.ID, true))
	require.NoDirExists(t, ws.Path)

	found, err := f.store.FindWorkspace(ws.ID)
	require.NoError(t, err)
	require.Nil(t, found)

	require.Equal(t, []string{ws.ID}, f.sessions.disposed)

	events := f.events.all()
	last := events[len(events)-1]
	require.Equal(t, ws.ID, last.WorkspaceID)
	require.Nil(t, last.Metadata)
}

func TestLifecycle_DeleteUnknownIsIdempotent(t *testing.T) {
	f := newLifecycleFixture(t)
	require.NoError(t, f.lc.Delete(context.Background(), "no-such-id", false))
	require.Empty(t, f.sessions.disposed)
	require.Empty(t, f.events.all())
}

func TestLifecycle_ListBranches(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()

	branches, trunk, err := f.lc.ListBranches(ctx, f.project)
	require.NoError(t, err)
	require.Equal(t, []string{"main"}, branches)
	require.Equal(t, "main", trunk)

	// New workspaces create branches that show up in the listing.
	_, err = f.lc.Create(ctx, f.project, "feature", "main", nil)
	require.NoError(t, err)

	branches, trunk, err = f.lc.ListBranches(ctx, f.project)
	require.NoError(t, err)
	require.Contains(t, branches, "feature")
	require.Equal(t, "main", trunk)
}

func TestLifecycle_ExecuteBash(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()

	ws, err := f.lc.Create(ctx, f.project, "feature", "main", nil)
	require.NoError(t, err)

	t.Run("success with output", func(t *testing.T) {
		res, err := f.lc.ExecuteBash(ctx, ws.ID, "pwd && echo done", 30*time.Second, 0)
		require.NoError(t, err)
		require.True(t, res.Success)
		require.Equal(t, 0, res.ExitCode)
		require.Contains(t, res.Output, "feature")
		require.Contains(t, res.Output, "done")
		require.False(t, res.Truncated)
	})

	t.Run("failure carries exit code", func(t *testing.T) {
		res, err := f.lc.ExecuteBash(ctx, ws.ID, "echo oops >&2; exit 4", 30*time.Second, 0)
		require.NoError(t, err)
		require.False(t, res.Success)
		require.Equal(t, 4, res.ExitCode)
		require.Contains(t, res.Output, "oops")
	})

	t.Run("unknown workspace", func(t *testing.T) {
		_, err := f.lc.ExecuteBash(ctx, "no-such-id", "true", time.Second, 0)
		require.Error(t, err)
	})

	t.Run("empty command", func(t *testing.T) {
		_, err := f.lc.ExecuteBash(ctx, ws.ID, "  ", time.Second, 0)
		require.Error(t, err)
	})
}
