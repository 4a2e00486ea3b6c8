package runtime

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/cmux/cmux/internal/common/errors"
	"github.com/cmux/cmux/internal/common/logger"
)

// LocalRuntime executes on the server host. Workspaces are git worktrees of
// the project repository.
type LocalRuntime struct {
	logger *logger.Logger
}

// NewLocalRuntime creates a runtime for the server host.
func NewLocalRuntime(log *logger.Logger) *LocalRuntime {
	if log == nil {
		log = logger.Default()
	}
	return &LocalRuntime{
		logger: log.WithFields(zap.String("component", "runtime-local")),
	}
}

// Kind returns "local".
func (r *LocalRuntime) Kind() string { return "local" }

// Exec runs command through bash -c. Niceness invokes the nice binary
// directly with the level as an argument, no shell quoting involved.
func (r *LocalRuntime) Exec(ctx context.Context, command string, opts ExecOpts) (*ExecStream, error) {
	if strings.TrimSpace(command) == "" {
		return nil, apperrors.Validation("empty command")
	}

	argv := []string{"bash", "-c", command}
	if opts.Niceness != 0 {
		argv = append([]string{"nice", "-n", strconv.Itoa(opts.Niceness)}, argv...)
	}

	return startProcess(ctx, argv, opts, true)
}

// ReadFile opens the file for streaming.
func (r *LocalRuntime) ReadFile(ctx context.Context, path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperrors.Runtime(apperrors.RuntimeFileIO,
			fmt.Sprintf("failed to open %s", path), err)
	}
	return f, nil
}

// localFileWriter writes to path.tmp.<nonce> and renames on Close.
type localFileWriter struct {
	target  string
	tmpPath string
	file    *os.File
	done    bool
}

func (w *localFileWriter) Write(p []byte) (int, error) {
	return w.file.Write(p)
}

func (w *localFileWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	if err := w.file.Sync(); err != nil {
		_ = w.file.Close()
		_ = os.Remove(w.tmpPath)
		return apperrors.Runtime(apperrors.RuntimeFileIO, "failed to sync temp file", err)
	}
	if err := w.file.Close(); err != nil {
		_ = os.Remove(w.tmpPath)
		return apperrors.Runtime(apperrors.RuntimeFileIO, "failed to close temp file", err)
	}
	if err := os.Rename(w.tmpPath, w.target); err != nil {
		_ = os.Remove(w.tmpPath)
		return apperrors.Runtime(apperrors.RuntimeFileIO,
			fmt.Sprintf("failed to rename temp file over %s", w.target), err)
	}
	return nil
}

func (w *localFileWriter) Abort(reason string) error {
	if w.done {
		return nil
	}
	w.done = true
	_ = w.file.Close()
	if err := os.Remove(w.tmpPath); err != nil && !os.IsNotExist(err) {
		return apperrors.Runtime(apperrors.RuntimeFileIO, "failed to remove temp file", err)
	}
	return nil
}

// WriteFile opens an atomic writer, creating the parent directory if absent.
func (r *LocalRuntime) WriteFile(ctx context.Context, path string) (FileWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, apperrors.Runtime(apperrors.RuntimeFileIO,
			fmt.Sprintf("failed to create parent directory for %s", path), err)
	}
	tmpPath := fmt.Sprintf("%s.tmp.%s", path, uuid.New().String()[:8])
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, apperrors.Runtime(apperrors.RuntimeFileIO,
			fmt.Sprintf("failed to create temp file for %s", path), err)
	}
	return &localFileWriter{target: path, tmpPath: tmpPath, file: f}, nil
}

// Stat describes the path.
func (r *LocalRuntime) Stat(ctx context.Context, path string) (*FileInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, apperrors.Runtime(apperrors.RuntimeFileIO,
			fmt.Sprintf("failed to stat %s", path), err)
	}
	return &FileInfo{
		Size:    info.Size(),
		ModTime: info.ModTime(),
		IsDir:   info.IsDir(),
	}, nil
}

// CreateWorkspace adds a git worktree at params.WorkspacePath. If the branch
// already exists the worktree checks it out; otherwise the branch is created
// from the trunk. A failure leaves no config side effects for the caller to
// roll back.
func (r *LocalRuntime) CreateWorkspace(ctx context.Context, params WorkspaceParams) (string, error) {
	if _, err := os.Stat(params.WorkspacePath); err == nil {
		return "", apperrors.Conflict(fmt.Sprintf("workspace path already exists: %s", params.WorkspacePath))
	}
	if err := os.MkdirAll(filepath.Dir(params.WorkspacePath), 0755); err != nil {
		return "", apperrors.Runtime(apperrors.RuntimeFileIO, "failed to create worktree base directory", err)
	}

	var args []string
	if r.branchExists(params.ProjectPath, params.Branch) {
		args = []string{"worktree", "add", params.WorkspacePath, params.Branch}
	} else {
		args = []string{"worktree", "add", "-b", params.Branch, params.WorkspacePath, params.Trunk}
	}

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = params.ProjectPath
	if output, err := cmd.CombinedOutput(); err != nil {
		r.logger.Error("git worktree add failed",
			zap.String("output", string(output)),
			zap.Error(err))
		return "", apperrors.Runtime(apperrors.RuntimeExec,
			fmt.Sprintf("git worktree add failed: %s", strings.TrimSpace(string(output))), err)
	}

	r.logger.Info("created workspace worktree",
		zap.String("path", params.WorkspacePath),
		zap.String("branch", params.Branch))
	return params.WorkspacePath, nil
}

// InitWorkspace runs the optional init hook. The branch is already checked
// out by the worktree add, and there is nothing to sync on the local host.
// Hook failure is informational: LogComplete carries the exit code and the
// init itself still succeeds.
func (r *LocalRuntime) InitWorkspace(ctx context.Context, params WorkspaceParams, initLog InitLogger) error {
	hookPath := filepath.Join(params.ProjectPath, ".cmux", "init")
	if _, err := os.Stat(hookPath); err != nil {
		initLog.LogComplete(0)
		return nil
	}

	initLog.LogStep("running init hook")
	runInitHook(ctx, r, shellQuote(hookPath), params.WorkspacePath, initLog)
	return nil
}

// RenameWorkspace moves the worktree, keeping git's bookkeeping consistent.
func (r *LocalRuntime) RenameWorkspace(ctx context.Context, projectPath, oldPath, newPath string) error {
	cmd := exec.CommandContext(ctx, "git", "worktree", "move", oldPath, newPath)
	cmd.Dir = projectPath
	if output, err := cmd.CombinedOutput(); err != nil {
		return apperrors.Runtime(apperrors.RuntimeExec,
			fmt.Sprintf("git worktree move failed: %s", strings.TrimSpace(string(output))), err)
	}
	return nil
}

// DeleteWorkspace removes the worktree. Force uses git worktree remove
// --force directly. Otherwise the directory is renamed aside first so the
// caller returns immediately, with the rm finishing in the background.
func (r *LocalRuntime) DeleteWorkspace(ctx context.Context, projectPath, workspacePath string, force bool) error {
	if _, err := os.Stat(workspacePath); os.IsNotExist(err) {
		// Nothing to remove; prune any stale bookkeeping.
		r.prune(projectPath)
		return nil
	}

	if force {
		return r.removeWorktreeDir(ctx, projectPath, workspacePath)
	}

	trashPath := fmt.Sprintf("%s.deleting.%s", workspacePath, uuid.New().String()[:8])
	if err := os.Rename(workspacePath, trashPath); err != nil {
		// Rename failed (cross-device, permissions); fall back to the slow path.
		return r.removeWorktreeDir(ctx, projectPath, workspacePath)
	}

	go func() {
		if err := os.RemoveAll(trashPath); err != nil {
			r.logger.Warn("background workspace removal failed",
				zap.String("path", trashPath),
				zap.Error(err))
		}
		r.prune(projectPath)
	}()

	return nil
}

// removeWorktreeDir removes a worktree with git worktree remove, falling
// back to rm plus prune when git refuses.
func (r *LocalRuntime) removeWorktreeDir(ctx context.Context, projectPath, workspacePath string) error {
	cmd := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", workspacePath)
	cmd.Dir = projectPath
	if output, err := cmd.CombinedOutput(); err != nil {
		r.logger.Debug("git worktree remove failed, falling back to rm",
			zap.String("output", string(output)),
			zap.Error(err))

		if err := os.RemoveAll(workspacePath); err != nil {
			return apperrors.Runtime(apperrors.RuntimeFileIO,
				fmt.Sprintf("failed to remove workspace directory %s", workspacePath), err)
		}
		r.prune(projectPath)
	}
	return nil
}

func (r *LocalRuntime) prune(projectPath string) {
	cmd := exec.Command("git", "worktree", "prune")
	cmd.Dir = projectPath
	if err := cmd.Run(); err != nil {
		r.logger.Debug("git worktree prune failed", zap.Error(err))
	}
}

// branchExists checks whether the branch resolves in the repository.
func (r *LocalRuntime) branchExists(repoPath, branch string) bool {
	cmd := exec.Command("git", "rev-parse", "--verify", "refs/heads/"+branch)
	cmd.Dir = repoPath
	return cmd.Run() == nil
}
