package runtime

import (
	"bufio"
	"context"
	"fmt"
)

// runInitHook executes a workspace init hook command through the given
// runtime, line-buffering stdout and stderr into the init logger.
// LogComplete is called exactly once with the hook's resolved exit code;
// hook failure is never an error for the caller.
func runInitHook(ctx context.Context, rt Runtime, command, workspaceDir string, initLog InitLogger) {
	stream, err := rt.Exec(ctx, command, ExecOpts{
		Cwd:     workspaceDir,
		Timeout: InitHookTimeout,
	})
	if err != nil {
		initLog.LogStderr(fmt.Sprintf("failed to start init hook: %v", err))
		initLog.LogComplete(ExitSignalled)
		return
	}
	_ = stream.Stdin.Close()

	stdoutDone := make(chan struct{})
	go func() {
		defer close(stdoutDone)
		scanner := bufio.NewScanner(stream.Stdout)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			initLog.LogStdout(scanner.Text())
		}
	}()

	scanner := bufio.NewScanner(stream.Stderr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		initLog.LogStderr(scanner.Text())
	}
	<-stdoutDone

	code, waitErr := stream.Wait()
	if waitErr != nil {
		initLog.LogStderr(fmt.Sprintf("init hook wait failed: %v", waitErr))
	}
	initLog.LogComplete(code)
}
