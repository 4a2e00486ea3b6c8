package workspace

import (
	"context"
	"fmt"
	"os/exec"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cmux/cmux/internal/common/logger"
	"github.com/cmux/cmux/internal/events/bus"
	"github.com/cmux/cmux/internal/runtime"

	apperrors "github.com/cmux/cmux/internal/common/errors"
)

// SessionHooks is the surface the lifecycle needs from the session plane.
// Defined here so the packages stay decoupled; sessions publish, lifecycle
// orchestrates.
type SessionHooks interface {
	// IsStreaming reports whether a live stream exists for the workspace.
	IsStreaming(workspaceID string) bool

	// Dispose tears down the session and its on-disk state.
	Dispose(ctx context.Context, workspaceID string) error

	// InitLogger returns a sink that turns init lifecycle lines into
	// workspace-init events for the workspace's chat channel.
	InitLogger(workspaceID, hookPath string) runtime.InitLogger
}

// Lifecycle orchestrates workspace create/rename/delete across runtime,
// git, ConfigStore, and session teardown.
type Lifecycle struct {
	store    *ConfigStore
	sessions SessionHooks
	bus      bus.EventBus
	local    *runtime.LocalRuntime
	logger   *logger.Logger
}

// NewLifecycle wires the lifecycle manager.
func NewLifecycle(store *ConfigStore, sessions SessionHooks, eventBus bus.EventBus, local *runtime.LocalRuntime, log *logger.Logger) *Lifecycle {
	if log == nil {
		log = logger.Default()
	}
	return &Lifecycle{
		store:    store,
		sessions: sessions,
		bus:      eventBus,
		local:    local,
		logger:   log.WithFields(zap.String("component", "workspace-lifecycle")),
	}
}

// RuntimeFor returns the runtime implementation for a workspace config.
func (l *Lifecycle) RuntimeFor(cfg RuntimeConfig) runtime.Runtime {
	if cfg.Type == RuntimeSSH && cfg.SSH != nil {
		return runtime.NewSSHRuntime(*cfg.SSH, l.logger)
	}
	return l.local
}

// workspacePathFor computes the workspace directory for a runtime config.
// Local workspaces live under the project root; SSH workspaces live under
// <srcBaseDir>/<projectName>/<name> on the remote host.
func workspacePathFor(cfg RuntimeConfig, projectPath, name string) string {
	if cfg.Type == RuntimeSSH && cfg.SSH != nil {
		return path.Join(strings.TrimRight(cfg.SSH.SrcBaseDir, "/"), ProjectName(projectPath), name)
	}
	return GetWorkspacePath(projectPath, name)
}

// Create validates, physically creates, and registers a new workspace. A
// runtime failure rolls back without touching the config store. The init
// hook's outcome is informational and never fails the create.
func (l *Lifecycle) Create(ctx context.Context, projectPath, name, trunk string, rcfg *RuntimeConfig) (*Workspace, error) {
	if err := ValidateWorkspaceName(name); err != nil {
		return nil, err
	}
	if err := ValidateTrunk(trunk); err != nil {
		return nil, err
	}
	if strings.TrimSpace(projectPath) == "" {
		return nil, apperrors.Validation("project path must not be empty")
	}

	cfg := LocalRuntimeConfig()
	if rcfg != nil {
		cfg = *rcfg
	}

	if existing, err := l.store.FindWorkspaceByName(projectPath, name); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, apperrors.Conflict(fmt.Sprintf("workspace %q already exists in project %s", name, projectPath))
	}

	id := l.store.GenerateStableID()
	wsPath := workspacePathFor(cfg, projectPath, name)
	rt := l.RuntimeFor(cfg)

	params := runtime.WorkspaceParams{
		ProjectPath:   projectPath,
		WorkspacePath: wsPath,
		Branch:        name,
		Trunk:         trunk,
		OriginURL:     l.originURL(projectPath),
	}

	if _, err := rt.CreateWorkspace(ctx, params); err != nil {
		return nil, err
	}

	initLog := l.sessions.InitLogger(id, path.Join(projectPath, ".cmux", "init"))
	if err := rt.InitWorkspace(ctx, params, initLog); err != nil {
		// Roll back the physical directory; the config store was never
		// touched.
		if delErr := rt.DeleteWorkspace(ctx, projectPath, wsPath, true); delErr != nil {
			l.logger.Warn("rollback of failed workspace create left debris",
				zap.String("path", wsPath),
				zap.Error(delErr))
		}
		return nil, err
	}

	entry := WorkspaceEntry{
		ID:        id,
		Name:      name,
		Path:      wsPath,
		CreatedAt: time.Now().UTC(),
	}
	if cfg.Type != RuntimeLocal {
		entry.Runtime = &cfg
	}

	err := l.store.EditConfig(func(doc *ConfigDoc) error {
		project := doc.Projects[projectPath]
		if project == nil {
			project = &ProjectConfig{}
			doc.Projects[projectPath] = project
		}
		for _, e := range project.Workspaces {
			if e.Name == name {
				return apperrors.Conflict(fmt.Sprintf("workspace %q already exists in project %s", name, projectPath))
			}
		}
		project.Workspaces = append(project.Workspaces, entry)
		return nil
	})
	if err != nil {
		if delErr := rt.DeleteWorkspace(ctx, projectPath, wsPath, true); delErr != nil {
			l.logger.Warn("rollback of failed workspace registration left debris",
				zap.String("path", wsPath),
				zap.Error(delErr))
		}
		return nil, err
	}

	ws := materialize(projectPath, entry)
	l.emitMetadata(ctx, ws.ID, &ws)

	l.logger.Info("created workspace",
		zap.String("workspace_id", ws.ID),
		zap.String("name", name),
		zap.String("project", projectPath),
		zap.String("runtime", cfg.Type))
	return &ws, nil
}

// Rename moves the workspace directory and updates the registry. The
// workspace id is preserved; a live stream blocks the rename.
func (l *Lifecycle) Rename(ctx context.Context, id, newName string) (*Workspace, error) {
	if l.sessions.IsStreaming(id) {
		return nil, apperrors.Busy("workspace has an active stream; interrupt it before renaming")
	}
	if err := ValidateWorkspaceName(newName); err != nil {
		return nil, err
	}

	ws, err := l.store.FindWorkspace(id)
	if err != nil {
		return nil, err
	}
	if ws == nil {
		return nil, apperrors.NotFound("workspace", id)
	}
	if ws.Name == newName {
		return ws, nil
	}

	if collide, err := l.store.FindWorkspaceByName(ws.ProjectPath, newName); err != nil {
		return nil, err
	} else if collide != nil {
		return nil, apperrors.Conflict(fmt.Sprintf("workspace %q already exists in project %s", newName, ws.ProjectPath))
	}

	newPath := workspacePathFor(ws.Runtime, ws.ProjectPath, newName)
	rt := l.RuntimeFor(ws.Runtime)
	if err := rt.RenameWorkspace(ctx, ws.ProjectPath, ws.Path, newPath); err != nil {
		return nil, err
	}

	err = l.store.EditConfig(func(doc *ConfigDoc) error {
		project := doc.Projects[ws.ProjectPath]
		if project == nil {
			return apperrors.NotFound("project", ws.ProjectPath)
		}
		for i := range project.Workspaces {
			if project.Workspaces[i].ID == id {
				project.Workspaces[i].Name = newName
				project.Workspaces[i].Path = newPath
				return nil
			}
		}
		return apperrors.NotFound("workspace", id)
	})
	if err != nil {
		return nil, err
	}

	ws.Name = newName
	ws.Path = newPath
	l.emitMetadata(ctx, ws.ID, ws)

	l.logger.Info("renamed workspace",
		zap.String("workspace_id", id),
		zap.String("new_name", newName))
	return ws, nil
}

// Delete removes the workspace directory, disposes its session, and drops
// the registry entry. An unknown id is idempotent success.
func (l *Lifecycle) Delete(ctx context.Context, id string, force bool) error {
	ws, err := l.store.FindWorkspace(id)
	if err != nil {
		return err
	}
	if ws == nil {
		return nil
	}

	rt := l.RuntimeFor(ws.Runtime)
	if err := rt.DeleteWorkspace(ctx, ws.ProjectPath, ws.Path, force); err != nil {
		return err
	}

	if err := l.sessions.Dispose(ctx, id); err != nil {
		l.logger.Warn("session disposal failed during workspace delete",
			zap.String("workspace_id", id),
			zap.Error(err))
	}

	err = l.store.EditConfig(func(doc *ConfigDoc) error {
		project := doc.Projects[ws.ProjectPath]
		if project == nil {
			return nil
		}
		for i := range project.Workspaces {
			if project.Workspaces[i].ID == id {
				project.Workspaces = append(project.Workspaces[:i], project.Workspaces[i+1:]...)
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	l.emitMetadata(ctx, id, nil)

	l.logger.Info("deleted workspace",
		zap.String("workspace_id", id),
		zap.Bool("force", force))
	return nil
}

// ListBranches lists local branches of a project with a recommended trunk:
// main, then master, then the first branch.
func (l *Lifecycle) ListBranches(ctx context.Context, projectPath string) ([]string, string, error) {
	cmd := exec.CommandContext(ctx, "git", "for-each-ref", "--format=%(refname:short)", "refs/heads")
	cmd.Dir = projectPath
	out, err := cmd.Output()
	if err != nil {
		return nil, "", apperrors.Runtime(apperrors.RuntimeExec,
			fmt.Sprintf("failed to list branches for %s", projectPath), err)
	}

	var branches []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line != "" {
			branches = append(branches, line)
		}
	}

	recommended := ""
	for _, candidate := range []string{"main", "master"} {
		for _, b := range branches {
			if b == candidate {
				recommended = candidate
				break
			}
		}
		if recommended != "" {
			break
		}
	}
	if recommended == "" && len(branches) > 0 {
		recommended = branches[0]
	}
	return branches, recommended, nil
}

// ExecResult is the outcome of an ad-hoc command in a workspace.
type ExecResult struct {
	Success   bool   `json:"success"`
	Output    string `json:"output"`
	Truncated bool   `json:"truncated,omitempty"`
	ExitCode  int    `json:"exitCode"`
}

// maxExecOutput bounds the output returned to IPC callers.
const maxExecOutput = 1024 * 1024

// ExecuteBash runs a command inside the workspace directory on its runtime,
// with combined bounded output.
func (l *Lifecycle) ExecuteBash(ctx context.Context, id, command string, timeout time.Duration, niceness int) (*ExecResult, error) {
	if strings.TrimSpace(command) == "" {
		return nil, apperrors.Validation("command must not be empty")
	}

	ws, err := l.store.FindWorkspace(id)
	if err != nil {
		return nil, err
	}
	if ws == nil {
		return nil, apperrors.NotFound("workspace", id)
	}

	rt := l.RuntimeFor(ws.Runtime)
	stream, err := rt.Exec(ctx, command, runtime.ExecOpts{
		Cwd:      ws.Path,
		Timeout:  timeout,
		Niceness: niceness,
	})
	if err != nil {
		return nil, err
	}
	_ = stream.Stdin.Close()

	var stdout, stderr []byte
	var outTrunc, errTrunc bool
	g := &errgroup.Group{}
	g.Go(func() error {
		b, trunc, e := runtime.DrainOutput(stream.Stdout, maxExecOutput)
		stdout, outTrunc = b, trunc
		return e
	})
	g.Go(func() error {
		b, trunc, e := runtime.DrainOutput(stream.Stderr, maxExecOutput)
		stderr, errTrunc = b, trunc
		return e
	})
	_ = g.Wait()

	code, waitErr := stream.Wait()
	if waitErr != nil {
		return nil, waitErr
	}

	output := string(stdout)
	if len(stderr) > 0 {
		if output != "" && !strings.HasSuffix(output, "\n") {
			output += "\n"
		}
		output += string(stderr)
	}

	return &ExecResult{
		Success:   code == 0,
		Output:    output,
		Truncated: outTrunc || errTrunc,
		ExitCode:  code,
	}, nil
}

// originURL reads the project's origin remote for SSH bundle clones.
func (l *Lifecycle) originURL(projectPath string) string {
	cmd := exec.Command("git", "remote", "get-url", "origin")
	cmd.Dir = projectPath
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// emitMetadata publishes a workspace metadata change; nil metadata means
// deletion.
func (l *Lifecycle) emitMetadata(ctx context.Context, id string, ws *Workspace) {
	event, err := bus.NewEvent(bus.ChannelWorkspaceMetadata, "workspace-lifecycle", MetadataEvent{
		WorkspaceID: id,
		Metadata:    ws,
	})
	if err != nil {
		l.logger.Error("failed to build metadata event", zap.Error(err))
		return
	}
	if err := l.bus.Publish(ctx, bus.SubjectWorkspaceMetadata, event); err != nil {
		l.logger.Error("failed to publish metadata event", zap.Error(err))
	}
}
