package runtime

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestRuntime(t *testing.T) *LocalRuntime {
	t.Helper()
	return NewLocalRuntime(nil)
}

// initTestRepo builds a real git repository with one commit on main.
func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@test",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@test")
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	run("init", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0644))
	run("add", ".")
	run("commit", "-m", "initial")
	return dir
}

func TestLocalExec_ExitCodes(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	t.Run("natural exit", func(t *testing.T) {
		stream, err := rt.Exec(ctx, "exit 3", ExecOpts{Cwd: t.TempDir()})
		require.NoError(t, err)
		code, err := stream.Wait()
		require.NoError(t, err)
		require.Equal(t, 3, code)
	})

	t.Run("stdout capture", func(t *testing.T) {
		stream, err := rt.Exec(ctx, "printf hello", ExecOpts{Cwd: t.TempDir()})
		require.NoError(t, err)
		out, err := io.ReadAll(stream.Stdout)
		require.NoError(t, err)
		code, err := stream.Wait()
		require.NoError(t, err)
		require.Equal(t, 0, code)
		require.Equal(t, "hello", string(out))
		require.Greater(t, stream.Duration(), time.Duration(0))
	})

	t.Run("timeout", func(t *testing.T) {
		stream, err := rt.Exec(ctx, "sleep 10", ExecOpts{Cwd: t.TempDir(), Timeout: 100 * time.Millisecond})
		require.NoError(t, err)
		code, err := stream.Wait()
		require.NoError(t, err)
		require.Equal(t, ExitTimedOut, code)
	})

	t.Run("abort", func(t *testing.T) {
		cancelCtx, cancel := context.WithCancel(ctx)
		stream, err := rt.Exec(cancelCtx, "sleep 10", ExecOpts{Cwd: t.TempDir()})
		require.NoError(t, err)
		cancel()
		code, err := stream.Wait()
		require.NoError(t, err)
		require.Equal(t, ExitAborted, code)
	})

	// Cancel wins over timeout when both fire
	t.Run("abort beats timeout", func(t *testing.T) {
		cancelCtx, cancel := context.WithCancel(ctx)
		stream, err := rt.Exec(cancelCtx, "sleep 10", ExecOpts{Cwd: t.TempDir(), Timeout: time.Hour})
		require.NoError(t, err)
		cancel()
		code, err := stream.Wait()
		require.NoError(t, err)
		require.Equal(t, ExitAborted, code)
	})

	t.Run("empty command rejected", func(t *testing.T) {
		_, err := rt.Exec(ctx, "  ", ExecOpts{Cwd: t.TempDir()})
		require.Error(t, err)
	})
}

func TestLocalExec_NonInteractiveEnv(t *testing.T) {
	rt := newTestRuntime(t)
	stream, err := rt.Exec(context.Background(), "printf '%s|%s' \"$TERM\" \"$NO_COLOR\"", ExecOpts{Cwd: t.TempDir()})
	require.NoError(t, err)
	out, err := io.ReadAll(stream.Stdout)
	require.NoError(t, err)
	_, err = stream.Wait()
	require.NoError(t, err)
	require.Equal(t, "dumb|1", string(out))
}

func TestLocalExec_CallerEnv(t *testing.T) {
	rt := newTestRuntime(t)
	stream, err := rt.Exec(context.Background(), "printf %s \"$CMUX_TEST_VAR\"", ExecOpts{
		Cwd: t.TempDir(),
		Env: map[string]string{"CMUX_TEST_VAR": "value-1"},
	})
	require.NoError(t, err)
	out, err := io.ReadAll(stream.Stdout)
	require.NoError(t, err)
	_, err = stream.Wait()
	require.NoError(t, err)
	require.Equal(t, "value-1", string(out))
}

func TestLocalWriteFile_Atomic(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()
	dir := t.TempDir()
	target := filepath.Join(dir, "nested", "out.txt")

	t.Run("commit", func(t *testing.T) {
		w, err := rt.WriteFile(ctx, target)
		require.NoError(t, err)
		_, err = w.Write([]byte("content"))
		require.NoError(t, err)
		require.NoError(t, w.Close())

		data, err := os.ReadFile(target)
		require.NoError(t, err)
		require.Equal(t, "content", string(data))
	})

	t.Run("abort leaves prior content", func(t *testing.T) {
		w, err := rt.WriteFile(ctx, target)
		require.NoError(t, err)
		_, err = w.Write([]byte("should never land"))
		require.NoError(t, err)
		require.NoError(t, w.Abort("test abort"))

		data, err := os.ReadFile(target)
		require.NoError(t, err)
		require.Equal(t, "content", string(data))

		// No temp files left behind
		entries, err := os.ReadDir(filepath.Dir(target))
		require.NoError(t, err)
		require.Len(t, entries, 1)
	})

	t.Run("abort on fresh path leaves nothing", func(t *testing.T) {
		fresh := filepath.Join(dir, "fresh.txt")
		w, err := rt.WriteFile(ctx, fresh)
		require.NoError(t, err)
		_, err = w.Write([]byte("x"))
		require.NoError(t, err)
		require.NoError(t, w.Abort("test abort"))

		_, err = os.Stat(fresh)
		require.True(t, os.IsNotExist(err))
	})
}

func TestLocalReadFileAndStat(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0644))

	rc, err := rt.ReadFile(ctx, path)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, "data", string(data))

	info, err := rt.Stat(ctx, path)
	require.NoError(t, err)
	require.Equal(t, int64(4), info.Size)
	require.False(t, info.IsDir)

	dirInfo, err := rt.Stat(ctx, dir)
	require.NoError(t, err)
	require.True(t, dirInfo.IsDir)

	_, err = rt.ReadFile(ctx, filepath.Join(dir, "missing"))
	require.Error(t, err)
	_, err = rt.Stat(ctx, filepath.Join(dir, "missing"))
	require.Error(t, err)
}

func TestLocalCreateWorkspace(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()
	repo := initTestRepo(t)
	base := t.TempDir()

	params := WorkspaceParams{
		ProjectPath:   repo,
		WorkspacePath: filepath.Join(base, "feat"),
		Branch:        "feat",
		Trunk:         "main",
	}

	path, err := rt.CreateWorkspace(ctx, params)
	require.NoError(t, err)
	require.Equal(t, params.WorkspacePath, path)

	// Worktrees carry a .git file, not a directory
	gitFile, err := os.Stat(filepath.Join(path, ".git"))
	require.NoError(t, err)
	require.True(t, gitFile.Mode().IsRegular())

	// Creating over an existing path fails cleanly
	_, err = rt.CreateWorkspace(ctx, params)
	require.Error(t, err)

	// Creating a second workspace on the now-existing branch reuses it
	params2 := params
	params2.WorkspacePath = filepath.Join(base, "feat2")
	_, err = rt.CreateWorkspace(ctx, params2)
	require.Error(t, err, "branch feat is already checked out by the first worktree")
}

func TestLocalRenameAndDeleteWorkspace(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()
	repo := initTestRepo(t)
	base := t.TempDir()

	oldPath := filepath.Join(base, "one")
	newPath := filepath.Join(base, "two")
	_, err := rt.CreateWorkspace(ctx, WorkspaceParams{
		ProjectPath: repo, WorkspacePath: oldPath, Branch: "one", Trunk: "main",
	})
	require.NoError(t, err)

	require.NoError(t, rt.RenameWorkspace(ctx, repo, oldPath, newPath))
	_, err = os.Stat(newPath)
	require.NoError(t, err)
	_, err = os.Stat(oldPath)
	require.True(t, os.IsNotExist(err))

	require.NoError(t, rt.DeleteWorkspace(ctx, repo, newPath, true))
	_, err = os.Stat(newPath)
	require.True(t, os.IsNotExist(err))

	// Deleting a missing workspace is idempotent success
	require.NoError(t, rt.DeleteWorkspace(ctx, repo, newPath, true))
}

type recordingInitLogger struct {
	steps    []string
	stdout   []string
	stderr   []string
	complete []int
}

func (l *recordingInitLogger) LogStep(s string)     { l.steps = append(l.steps, s) }
func (l *recordingInitLogger) LogStdout(s string)   { l.stdout = append(l.stdout, s) }
func (l *recordingInitLogger) LogStderr(s string)   { l.stderr = append(l.stderr, s) }
func (l *recordingInitLogger) LogComplete(code int) { l.complete = append(l.complete, code) }

func TestLocalInitWorkspace_Hook(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	t.Run("no hook completes with zero", func(t *testing.T) {
		repo := initTestRepo(t)
		log := &recordingInitLogger{}
		err := rt.InitWorkspace(ctx, WorkspaceParams{ProjectPath: repo, WorkspacePath: t.TempDir()}, log)
		require.NoError(t, err)
		require.Equal(t, []int{0}, log.complete)
	})

	t.Run("failing hook reports exit code, init still succeeds", func(t *testing.T) {
		repo := initTestRepo(t)
		hookDir := filepath.Join(repo, ".cmux")
		require.NoError(t, os.MkdirAll(hookDir, 0755))
		hook := "#!/bin/bash\necho starting\necho oops >&2\nexit 2\n"
		require.NoError(t, os.WriteFile(filepath.Join(hookDir, "init"), []byte(hook), 0755))

		log := &recordingInitLogger{}
		err := rt.InitWorkspace(ctx, WorkspaceParams{ProjectPath: repo, WorkspacePath: t.TempDir()}, log)
		require.NoError(t, err)
		require.Equal(t, []int{2}, log.complete, "LogComplete called exactly once with hook exit code")
		require.Contains(t, log.stdout, "starting")
		require.Contains(t, log.stderr, "oops")
	})
}
