package runtime

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/cmux/cmux/internal/common/errors"
)

// nonInteractiveEnv forces spawned tools into non-interactive mode: no TTY
// assumptions, no color, no pagers, no credential prompts.
var nonInteractiveEnv = map[string]string{
	"TERM":                "dumb",
	"NO_COLOR":            "1",
	"PAGER":               "cat",
	"GIT_PAGER":           "cat",
	"GIT_TERMINAL_PROMPT": "0",
	"DEBIAN_FRONTEND":     "noninteractive",
	"CI":                  "true",
}

// ExecStream is the handle for one running process. Stdout and Stderr must
// be drained before Wait returns meaningful output; Wait closes the pipes.
type ExecStream struct {
	Stdout io.ReadCloser
	Stderr io.ReadCloser
	Stdin  io.WriteCloser

	cmd     *exec.Cmd
	started time.Time

	aborted  atomic.Bool
	timedOut atomic.Bool
	done     chan struct{}

	waitOnce sync.Once
	exitCode int
	waitErr  error
	duration time.Duration
}

// Wait blocks until the process closes and returns the resolved exit code.
// Safe to call more than once; later calls return the cached result.
func (s *ExecStream) Wait() (int, error) {
	s.waitOnce.Do(func() {
		err := s.cmd.Wait()
		close(s.done)
		s.duration = time.Since(s.started)
		s.exitCode, s.waitErr = s.classify(err)
	})
	return s.exitCode, s.waitErr
}

// Duration returns wall time from Exec to process close. Valid after Wait.
func (s *ExecStream) Duration() time.Duration {
	return s.duration
}

// classify maps a process result onto the exit-code taxonomy. Order:
// cancel > timeout > signal > natural code.
func (s *ExecStream) classify(err error) (int, error) {
	if s.aborted.Load() {
		return ExitAborted, nil
	}
	if s.timedOut.Load() {
		return ExitTimedOut, nil
	}
	if err == nil {
		return s.cmd.ProcessState.ExitCode(), nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if code := exitErr.ExitCode(); code >= 0 {
			return code, nil
		}
		// Killed by a signal with no exit code
		return ExitSignalled, nil
	}
	return ExitSignalled, apperrors.Runtime(apperrors.RuntimeExec, "process wait failed", err)
}

// startProcess spawns argv with the shared stream machinery: pipes wired,
// process group isolation, and a watcher that kills the group on context
// cancel or deadline.
func startProcess(ctx context.Context, argv []string, opts ExecOpts, useLocalEnv bool) (*ExecStream, error) {
	if len(argv) == 0 {
		return nil, apperrors.Validation("empty command")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	if useLocalEnv {
		cmd.Dir = opts.Cwd
		cmd.Env = buildEnv(opts.Env)
	}
	setProcGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, apperrors.Runtime(apperrors.RuntimeExec, "stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, apperrors.Runtime(apperrors.RuntimeExec, "stderr pipe", err)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, apperrors.Runtime(apperrors.RuntimeExec, "stdin pipe", err)
	}

	stream := &ExecStream{
		Stdout:  stdout,
		Stderr:  stderr,
		Stdin:   stdin,
		cmd:     cmd,
		started: time.Now(),
		done:    make(chan struct{}),
	}

	if err := cmd.Start(); err != nil {
		return nil, apperrors.Runtime(apperrors.RuntimeExec,
			fmt.Sprintf("failed to start %s", argv[0]), err)
	}

	go stream.watch(ctx, opts.Timeout)

	return stream, nil
}

// watch kills the process group when the context is cancelled or the
// deadline fires, recording the cause for exit-code classification.
func (s *ExecStream) watch(ctx context.Context, timeout time.Duration) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-s.done:
	case <-ctx.Done():
		s.aborted.Store(true)
		s.kill()
	case <-timer:
		s.timedOut.Store(true)
		s.kill()
	}
}

func (s *ExecStream) kill() {
	if s.cmd.Process == nil {
		return
	}
	pid := s.cmd.Process.Pid
	if err := terminateProcessGroup(pid); err != nil {
		_ = s.cmd.Process.Kill()
		return
	}
	// Escalate after a grace period if the group ignored SIGTERM
	go func() {
		select {
		case <-s.done:
		case <-time.After(2 * time.Second):
			_ = killProcessGroup(pid)
		}
	}()
}

// buildEnv layers caller env over the process environment and the
// non-interactive mask over both.
func buildEnv(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	for k, v := range nonInteractiveEnv {
		env = append(env, k+"="+v)
	}
	return env
}

// DrainOutput reads a stream to completion, capping retained bytes.
func DrainOutput(r io.Reader, maxBytes int) (out []byte, truncated bool, err error) {
	buf := make([]byte, 32*1024)
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if len(out) < maxBytes {
				room := maxBytes - len(out)
				if n > room {
					out = append(out, buf[:room]...)
					truncated = true
				} else {
					out = append(out, buf[:n]...)
				}
			} else {
				truncated = true
			}
		}
		if rerr == io.EOF {
			return out, truncated, nil
		}
		if rerr != nil {
			return out, truncated, rerr
		}
	}
}
