package runtime

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/cmux/cmux/internal/common/errors"
	"github.com/cmux/cmux/internal/common/logger"
)

// SSHRuntime executes on a remote host through the system ssh binary.
// Connection multiplexing reuses one master connection per control-socket
// identity. Remote workspaces are plain clones synced via git bundles, not
// worktrees.
type SSHRuntime struct {
	cfg    SSHConfig
	logger *logger.Logger
}

// NewSSHRuntime creates a runtime for the configured remote host.
func NewSSHRuntime(cfg SSHConfig, log *logger.Logger) *SSHRuntime {
	if log == nil {
		log = logger.Default()
	}
	return &SSHRuntime{
		cfg: cfg,
		logger: log.WithFields(
			zap.String("component", "runtime-ssh"),
			zap.String("host", cfg.Host)),
	}
}

// Kind returns "ssh".
func (r *SSHRuntime) Kind() string { return "ssh" }

// buildRemoteCommand wraps a user command for remote execution:
// cd <cwd> && <env exports> && bash -c '<cmd>'. The cwd keeps a leading
// tilde expandable; everything else is single-quoted.
func (r *SSHRuntime) buildRemoteCommand(command string, opts ExecOpts) string {
	var sb strings.Builder

	if opts.Cwd != "" {
		sb.WriteString("cd ")
		sb.WriteString(quoteRemotePath(opts.Cwd))
		sb.WriteString(" && ")
	}

	env := make(map[string]string, len(nonInteractiveEnv)+len(opts.Env))
	for k, v := range nonInteractiveEnv {
		env[k] = v
	}
	for k, v := range opts.Env {
		env[k] = v
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteString("export ")
		sb.WriteString(k)
		sb.WriteString("=")
		sb.WriteString(shellQuote(env[k]))
		sb.WriteString(" && ")
	}

	if opts.Niceness != 0 {
		sb.WriteString("nice -n ")
		sb.WriteString(strconv.Itoa(opts.Niceness))
		sb.WriteString(" ")
	}
	sb.WriteString("bash -c ")
	sb.WriteString(shellQuote(command))
	return sb.String()
}

// Exec runs command on the remote host. Cancellation and timeout act on the
// local ssh process; the remote side dies when its tty-less session closes.
func (r *SSHRuntime) Exec(ctx context.Context, command string, opts ExecOpts) (*ExecStream, error) {
	if strings.TrimSpace(command) == "" {
		return nil, apperrors.Validation("empty command")
	}
	argv := append([]string{"ssh"}, sshArgs(r.cfg, r.buildRemoteCommand(command, opts))...)
	return startProcess(ctx, argv, ExecOpts{Timeout: opts.Timeout}, false)
}

// runRemote executes a raw remote command (no bash -c wrapping beyond what
// the caller built) and collects bounded output.
func (r *SSHRuntime) runRemote(ctx context.Context, remoteCmd string, timeout time.Duration) (stdout, stderr string, code int, err error) {
	argv := append([]string{"ssh"}, sshArgs(r.cfg, remoteCmd)...)
	stream, err := startProcess(ctx, argv, ExecOpts{Timeout: timeout}, false)
	if err != nil {
		return "", "", ExitSignalled, err
	}
	_ = stream.Stdin.Close()

	var outBytes, errBytes []byte
	g := &errgroup.Group{}
	g.Go(func() error {
		b, _, e := DrainOutput(stream.Stdout, 4*1024*1024)
		outBytes = b
		return e
	})
	g.Go(func() error {
		b, _, e := DrainOutput(stream.Stderr, 1024*1024)
		errBytes = b
		return e
	})
	_ = g.Wait()

	code, waitErr := stream.Wait()
	return string(outBytes), string(errBytes), code, waitErr
}

// sshFileReader streams a remote cat, surfacing a non-zero exit as a
// file_io error at EOF.
type sshFileReader struct {
	stream *ExecStream
	stderr *strings.Builder
	path   string
	closed bool
}

func (f *sshFileReader) Read(p []byte) (int, error) {
	n, err := f.stream.Stdout.Read(p)
	if err == io.EOF {
		if ferr := f.finish(); ferr != nil {
			return n, ferr
		}
	}
	return n, err
}

func (f *sshFileReader) finish() error {
	if f.closed {
		return nil
	}
	f.closed = true
	code, err := f.stream.Wait()
	if err != nil {
		return err
	}
	if code != 0 {
		return apperrors.Runtime(apperrors.RuntimeFileIO,
			fmt.Sprintf("failed to read %s: %s", f.path, strings.TrimSpace(f.stderr.String())), nil)
	}
	return nil
}

func (f *sshFileReader) Close() error {
	_ = f.stream.Stdout.Close()
	return f.finish()
}

// ReadFile streams the remote file via cat.
func (r *SSHRuntime) ReadFile(ctx context.Context, filePath string) (io.ReadCloser, error) {
	remoteCmd := "cat " + quoteRemotePath(filePath)
	argv := append([]string{"ssh"}, sshArgs(r.cfg, remoteCmd)...)
	stream, err := startProcess(ctx, argv, ExecOpts{Timeout: DefaultFileTimeout}, false)
	if err != nil {
		return nil, err
	}
	_ = stream.Stdin.Close()

	reader := &sshFileReader{stream: stream, stderr: &strings.Builder{}, path: filePath}
	go func() {
		_, _ = io.Copy(reader.stderr, stream.Stderr)
	}()
	return reader, nil
}

// sshFileWriter streams bytes into a remote temp file, renaming it over the
// target on Close.
type sshFileWriter struct {
	runtime *SSHRuntime
	cancel  context.CancelFunc
	stream  *ExecStream
	target  string
	tmpPath string
	done    bool
}

func (w *sshFileWriter) Write(p []byte) (int, error) {
	return w.stream.Stdin.Write(p)
}

func (w *sshFileWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	defer w.cancel()

	_ = w.stream.Stdin.Close()
	code, err := w.stream.Wait()
	if err != nil || code != 0 {
		w.removeTemp()
		return apperrors.Runtime(apperrors.RuntimeFileIO,
			fmt.Sprintf("failed to write temp file for %s (exit %d)", w.target, code), err)
	}

	mv := fmt.Sprintf("mv -f %s %s", quoteRemotePath(w.tmpPath), quoteRemotePath(w.target))
	_, stderr, code, err := w.runtime.runRemote(context.Background(), mv, DefaultFileTimeout)
	if err != nil || code != 0 {
		w.removeTemp()
		return apperrors.Runtime(apperrors.RuntimeFileIO,
			fmt.Sprintf("failed to rename temp file over %s: %s", w.target, strings.TrimSpace(stderr)), err)
	}
	return nil
}

func (w *sshFileWriter) Abort(reason string) error {
	if w.done {
		return nil
	}
	w.done = true
	_ = w.stream.Stdin.Close()
	w.cancel()
	_, _ = w.stream.Wait()
	w.removeTemp()
	return nil
}

func (w *sshFileWriter) removeTemp() {
	rm := "rm -f " + quoteRemotePath(w.tmpPath)
	_, _, _, _ = w.runtime.runRemote(context.Background(), rm, DefaultStatTimeout)
}

// WriteFile opens an atomic writer for a remote path, creating the parent
// directory first.
func (r *SSHRuntime) WriteFile(ctx context.Context, filePath string) (FileWriter, error) {
	tmpPath := fmt.Sprintf("%s.tmp.%s", filePath, uuid.New().String()[:8])
	dir := path.Dir(expandTilde(filePath))

	remoteCmd := fmt.Sprintf("mkdir -p %s && cat > %s", shellQuote(dir), quoteRemotePath(tmpPath))
	writeCtx, cancel := context.WithCancel(context.Background())
	argv := append([]string{"ssh"}, sshArgs(r.cfg, remoteCmd)...)
	stream, err := startProcess(writeCtx, argv, ExecOpts{Timeout: DefaultFileTimeout}, false)
	if err != nil {
		cancel()
		return nil, err
	}

	return &sshFileWriter{
		runtime: r,
		cancel:  cancel,
		stream:  stream,
		target:  filePath,
		tmpPath: tmpPath,
	}, nil
}

// Stat describes a remote path using GNU stat.
func (r *SSHRuntime) Stat(ctx context.Context, filePath string) (*FileInfo, error) {
	remoteCmd := "stat -c '%s %Y %F' " + quoteRemotePath(filePath)
	stdout, stderr, code, err := r.runRemote(ctx, remoteCmd, DefaultStatTimeout)
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, apperrors.Runtime(apperrors.RuntimeFileIO,
			fmt.Sprintf("failed to stat %s: %s", filePath, strings.TrimSpace(stderr)), nil)
	}

	fields := strings.SplitN(strings.TrimSpace(stdout), " ", 3)
	if len(fields) < 3 {
		return nil, apperrors.Runtime(apperrors.RuntimeFileIO,
			fmt.Sprintf("unexpected stat output for %s: %q", filePath, stdout), nil)
	}
	size, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return nil, apperrors.Runtime(apperrors.RuntimeFileIO, "bad stat size", err)
	}
	mtime, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return nil, apperrors.Runtime(apperrors.RuntimeFileIO, "bad stat mtime", err)
	}
	return &FileInfo{
		Size:    size,
		ModTime: time.Unix(mtime, 0),
		IsDir:   fields[2] == "directory",
	}, nil
}

// ResolvePath canonicalizes a remote path without requiring it to exist.
func (r *SSHRuntime) ResolvePath(ctx context.Context, filePath string) (string, error) {
	remoteCmd := "readlink -m " + quoteRemotePath(filePath)
	stdout, stderr, code, err := r.runRemote(ctx, remoteCmd, DefaultStatTimeout)
	if err != nil {
		return "", err
	}
	if code != 0 {
		return "", apperrors.Runtime(apperrors.RuntimeFileIO,
			fmt.Sprintf("failed to resolve %s: %s", filePath, strings.TrimSpace(stderr)), nil)
	}
	return strings.TrimSpace(stdout), nil
}

// CreateWorkspace verifies the target does not exist and prepares its
// parent. The clone itself happens during InitWorkspace's project sync.
func (r *SSHRuntime) CreateWorkspace(ctx context.Context, params WorkspaceParams) (string, error) {
	check := fmt.Sprintf("if [ -e %s ]; then echo exists; else mkdir -p %s; fi",
		quoteRemotePath(params.WorkspacePath),
		quoteRemotePath(path.Dir(expandTilde(params.WorkspacePath))))
	stdout, stderr, code, err := r.runRemote(ctx, check, DefaultFileTimeout)
	if err != nil {
		return "", err
	}
	if code != 0 {
		return "", apperrors.Runtime(apperrors.RuntimeExec,
			fmt.Sprintf("failed to prepare workspace path: %s", strings.TrimSpace(stderr)), nil)
	}
	if strings.TrimSpace(stdout) == "exists" {
		return "", apperrors.Conflict(fmt.Sprintf("workspace path already exists: %s", params.WorkspacePath))
	}
	return params.WorkspacePath, nil
}

// InitWorkspace syncs the project to the remote host, checks out the
// workspace branch, and runs the init hook if the local project carries one.
func (r *SSHRuntime) InitWorkspace(ctx context.Context, params WorkspaceParams, initLog InitLogger) error {
	initLog.LogStep("syncing project to remote host")
	if err := r.syncProjectToRemote(ctx, params); err != nil {
		return err
	}

	initLog.LogStep(fmt.Sprintf("checking out branch %s", params.Branch))
	checkout := fmt.Sprintf("cd %s && (git checkout %s 2>/dev/null || git checkout -b %s %s)",
		quoteRemotePath(params.WorkspacePath),
		shellQuote(params.Branch),
		shellQuote(params.Branch),
		shellQuote(params.Trunk))
	_, stderr, code, err := r.runRemote(ctx, checkout, DefaultFileTimeout)
	if err != nil {
		return err
	}
	if code != 0 {
		return apperrors.Runtime(apperrors.RuntimeExec,
			fmt.Sprintf("branch checkout failed: %s", strings.TrimSpace(stderr)), nil)
	}

	localHook := filepath.Join(params.ProjectPath, ".cmux", "init")
	if _, err := os.Stat(localHook); err != nil {
		initLog.LogComplete(0)
		return nil
	}

	initLog.LogStep("running init hook")
	runInitHook(ctx, r, "./.cmux/init", params.WorkspacePath, initLog)
	return nil
}

// syncProjectToRemote ships the project's full ref set to the remote host as
// a git bundle and clones it at the workspace path. The bundle file is
// removed on both success and failure, and the origin remote never stays
// pointed at the bundle path.
func (r *SSHRuntime) syncProjectToRemote(ctx context.Context, params WorkspaceParams) error {
	bundlePath := fmt.Sprintf("/tmp/cmux-bundle-%s.bundle", uuid.New().String()[:8])
	defer func() {
		rm := "rm -f " + shellQuote(bundlePath)
		_, _, _, _ = r.runRemote(context.Background(), rm, DefaultStatTimeout)
	}()

	// Stream the bundle over ssh without touching the local disk.
	bundleCmd := exec.CommandContext(ctx, "git", "bundle", "create", "-", "--all")
	bundleCmd.Dir = params.ProjectPath
	bundleOut, err := bundleCmd.StdoutPipe()
	if err != nil {
		return apperrors.Runtime(apperrors.RuntimeExec, "bundle stdout pipe", err)
	}
	var bundleErr strings.Builder
	bundleCmd.Stderr = &bundleErr
	if err := bundleCmd.Start(); err != nil {
		return apperrors.Runtime(apperrors.RuntimeExec, "failed to start git bundle", err)
	}

	receive := "cat > " + shellQuote(bundlePath)
	argv := append([]string{"ssh"}, sshArgs(r.cfg, receive)...)
	stream, err := startProcess(ctx, argv, ExecOpts{Timeout: DefaultFileTimeout}, false)
	if err != nil {
		_ = bundleCmd.Process.Kill()
		_ = bundleCmd.Wait()
		return err
	}

	g := &errgroup.Group{}
	g.Go(func() error {
		defer func() { _ = stream.Stdin.Close() }()
		if _, err := io.Copy(stream.Stdin, bundleOut); err != nil {
			return apperrors.Runtime(apperrors.RuntimeNetwork, "bundle transfer failed", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := bundleCmd.Wait(); err != nil {
			return apperrors.Runtime(apperrors.RuntimeExec,
				fmt.Sprintf("git bundle create failed: %s", strings.TrimSpace(bundleErr.String())), err)
		}
		return nil
	})
	copyErr := g.Wait()
	code, waitErr := stream.Wait()
	if copyErr != nil {
		return copyErr
	}
	if waitErr != nil {
		return waitErr
	}
	if code != 0 {
		return apperrors.Runtime(apperrors.RuntimeNetwork,
			fmt.Sprintf("remote bundle receive exited %d", code), nil)
	}

	clone := fmt.Sprintf("git clone --quiet %s %s",
		shellQuote(bundlePath), quoteRemotePath(params.WorkspacePath))
	if _, stderr, code, err := r.runRemote(ctx, clone, DefaultFileTimeout); err != nil || code != 0 {
		return apperrors.Runtime(apperrors.RuntimeExec,
			fmt.Sprintf("bundle clone failed: %s", strings.TrimSpace(stderr)), err)
	}

	// Local tracking branches for every origin ref, so branches resolve by
	// short name after the clone.
	track := fmt.Sprintf(
		`cd %s && for b in $(git for-each-ref --format='%%(refname:strip=3)' refs/remotes/origin); do `+
			`[ "$b" = HEAD ] && continue; git branch --track "$b" "origin/$b" 2>/dev/null || true; done`,
		quoteRemotePath(params.WorkspacePath))
	if _, stderr, code, err := r.runRemote(ctx, track, DefaultFileTimeout); err != nil || code != 0 {
		return apperrors.Runtime(apperrors.RuntimeExec,
			fmt.Sprintf("tracking branch setup failed: %s", strings.TrimSpace(stderr)), err)
	}

	// Never leave origin pointing at the bundle path.
	var fixOrigin string
	if params.OriginURL != "" {
		fixOrigin = fmt.Sprintf("cd %s && git remote set-url origin %s",
			quoteRemotePath(params.WorkspacePath), shellQuote(params.OriginURL))
	} else {
		fixOrigin = fmt.Sprintf("cd %s && git remote remove origin",
			quoteRemotePath(params.WorkspacePath))
	}
	if _, stderr, code, err := r.runRemote(ctx, fixOrigin, DefaultStatTimeout); err != nil || code != 0 {
		return apperrors.Runtime(apperrors.RuntimeExec,
			fmt.Sprintf("origin remote rewrite failed: %s", strings.TrimSpace(stderr)), err)
	}

	r.logger.Info("synced project to remote",
		zap.String("project", params.ProjectPath),
		zap.String("workspace", params.WorkspacePath))
	return nil
}

// RenameWorkspace moves the remote clone with a plain mv; remote workspaces
// are not worktrees, so there is no git bookkeeping to update.
func (r *SSHRuntime) RenameWorkspace(ctx context.Context, projectPath, oldPath, newPath string) error {
	mv := fmt.Sprintf("mv %s %s", quoteRemotePath(oldPath), quoteRemotePath(newPath))
	_, stderr, code, err := r.runRemote(ctx, mv, DefaultFileTimeout)
	if err != nil {
		return err
	}
	if code != 0 {
		return apperrors.Runtime(apperrors.RuntimeExec,
			fmt.Sprintf("remote rename failed: %s", strings.TrimSpace(stderr)), nil)
	}
	return nil
}

// DeleteWorkspace removes the remote clone. rm -rf makes a missing
// directory an idempotent success.
func (r *SSHRuntime) DeleteWorkspace(ctx context.Context, projectPath, workspacePath string, force bool) error {
	rm := "rm -rf " + quoteRemotePath(workspacePath)
	_, stderr, code, err := r.runRemote(ctx, rm, DefaultFileTimeout)
	if err != nil {
		return err
	}
	if code != 0 {
		return apperrors.Runtime(apperrors.RuntimeExec,
			fmt.Sprintf("remote delete failed: %s", strings.TrimSpace(stderr)), nil)
	}
	return nil
}
