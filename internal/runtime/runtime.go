// Package runtime provides the capability surface for executing processes
// and doing file I/O on a workspace host. Two implementations exist: the
// local host and a remote host reached over SSH with connection
// multiplexing. Runtimes own nothing persistent.
package runtime

import (
	"context"
	"io"
	"time"
)

// Reserved exit sentinels. A stream resolves with exactly one of: the
// process's natural exit code (0-255), ExitAborted, ExitTimedOut, or
// ExitSignalled. Classification order is cancel > timeout > signal.
const (
	// ExitAborted means the caller's context was cancelled before the
	// process closed.
	ExitAborted = -130

	// ExitTimedOut means the exec deadline fired before the process closed.
	ExitTimedOut = -124

	// ExitSignalled means the process died from a signal without an exit
	// code, and neither cancel nor timeout was the cause.
	ExitSignalled = -1
)

// Default operation timeouts.
const (
	DefaultFileTimeout = 300 * time.Second
	DefaultStatTimeout = 10 * time.Second
	InitHookTimeout    = 3600 * time.Second
)

// ExecOpts controls a single Exec invocation.
type ExecOpts struct {
	// Cwd is the working directory for the command. Required.
	Cwd string

	// Env entries are layered over the process environment and under the
	// non-interactive mask.
	Env map[string]string

	// Timeout bounds the process lifetime; zero means no deadline.
	Timeout time.Duration

	// Niceness, when non-zero, runs the process under nice -n <n>.
	Niceness int
}

// FileInfo describes a remote or local path.
type FileInfo struct {
	Size    int64
	ModTime time.Time
	IsDir   bool
}

// FileWriter is an atomic byte sink. Data lands in path.tmp.<nonce>; Close
// renames it over the target, Abort unlinks it. Exactly one of Close or
// Abort must be called.
type FileWriter interface {
	io.Writer

	// Close commits the write: flushes, then renames the temp file over the
	// target path.
	Close() error

	// Abort discards the write and removes the temp file.
	Abort(reason string) error
}

// InitLogger receives lifecycle output from InitWorkspace. LogComplete is
// called exactly once per init, whether the hook succeeds, fails, or does
// not exist.
type InitLogger interface {
	LogStep(step string)
	LogStdout(line string)
	LogStderr(line string)
	LogComplete(exitCode int)
}

// WorkspaceParams describes a workspace for create/init operations.
type WorkspaceParams struct {
	// ProjectPath is the local project repository path.
	ProjectPath string

	// WorkspacePath is the target directory for the workspace on the
	// runtime's host.
	WorkspacePath string

	// Branch is the branch the workspace tracks; created from Trunk when it
	// does not exist yet.
	Branch string

	// Trunk is the base branch for new workspace branches.
	Trunk string

	// OriginURL is the project's real origin, used to rewrite the origin
	// remote after an SSH bundle clone. Empty removes the remote.
	OriginURL string
}

// SSHConfig identifies a remote runtime host. This is the tagged payload of
// a workspace's runtime config.
type SSHConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port,omitempty"`
	SrcBaseDir   string `json:"srcBaseDir"`
	IdentityFile string `json:"identityFile,omitempty"`
}

// Runtime is the uniform capability surface for a workspace host.
type Runtime interface {
	// Kind returns "local" or "ssh".
	Kind() string

	// Exec starts a command and returns its stream handle. Cancelling ctx
	// kills the process group and resolves the exit code to ExitAborted.
	Exec(ctx context.Context, command string, opts ExecOpts) (*ExecStream, error)

	// ReadFile streams the file at path. Missing paths fail with a file_io
	// runtime error.
	ReadFile(ctx context.Context, path string) (io.ReadCloser, error)

	// WriteFile opens an atomic writer for path, creating the parent
	// directory if absent.
	WriteFile(ctx context.Context, path string) (FileWriter, error)

	// Stat describes the path, failing with file_io when it is missing.
	Stat(ctx context.Context, path string) (*FileInfo, error)

	// CreateWorkspace materializes the workspace directory. Fails cleanly
	// when the target path already exists.
	CreateWorkspace(ctx context.Context, params WorkspaceParams) (string, error)

	// InitWorkspace syncs the project (SSH only), checks out the requested
	// branch, and runs the optional init hook. Hook failure is reported
	// through initLog.LogComplete, never as an error.
	InitWorkspace(ctx context.Context, params WorkspaceParams, initLog InitLogger) error

	// RenameWorkspace moves the workspace directory.
	RenameWorkspace(ctx context.Context, projectPath, oldPath, newPath string) error

	// DeleteWorkspace removes the workspace directory. Missing directories
	// are idempotent success.
	DeleteWorkspace(ctx context.Context, projectPath, workspacePath string, force bool) error
}
