package runtime

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestShellQuote(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", "''"},
		{"plain", "hello", "'hello'"},
		{"spaces", "a b", "'a b'"},
		{"single quote", "it's", `'it'\''s'`},
		{"dollar", "$HOME", "'$HOME'"},
		{"backtick", "`id`", "'`id`'"},
		{"backslash", `a\b`, `'a\b'`},
		{"newline", "a\nb", "'a\nb'"},
		{"many quotes", "'''", `''\'''\'''\'''`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, shellQuote(tc.in))
		})
	}
}

func TestExpandTilde(t *testing.T) {
	require.Equal(t, "$HOME", expandTilde("~"))
	require.Equal(t, "$HOME/code", expandTilde("~/code"))
	require.Equal(t, "/abs/path", expandTilde("/abs/path"))
	// ~user expansion is not supported; left untouched
	require.Equal(t, "~bob/code", expandTilde("~bob/code"))
}

func TestQuoteRemotePath(t *testing.T) {
	require.Equal(t, `"$HOME"`, quoteRemotePath("~"))
	require.Equal(t, `"$HOME"/'code/ws'`, quoteRemotePath("~/code/ws"))
	require.Equal(t, "'/abs/my ws'", quoteRemotePath("/abs/my ws"))
}

func TestControlPath_Stability(t *testing.T) {
	base := SSHConfig{Host: "h", SrcBaseDir: "~/c"}

	t.Run("default port equals explicit 22", func(t *testing.T) {
		explicit := SSHConfig{Host: "h", Port: 22, SrcBaseDir: "~/c"}
		require.Equal(t, ControlPath(base), ControlPath(explicit))
	})

	t.Run("identity file changes the socket", func(t *testing.T) {
		withKey := SSHConfig{Host: "h", SrcBaseDir: "~/c", IdentityFile: "/k"}
		require.NotEqual(t, ControlPath(base), ControlPath(withKey))
	})

	t.Run("port changes the socket", func(t *testing.T) {
		other := SSHConfig{Host: "h", Port: 2222, SrcBaseDir: "~/c"}
		require.NotEqual(t, ControlPath(base), ControlPath(other))
	})

	t.Run("pure function", func(t *testing.T) {
		require.Equal(t, ControlPath(base), ControlPath(base))
	})

	t.Run("shape", func(t *testing.T) {
		p := ControlPath(base)
		idx := strings.LastIndex(p, "cmux-ssh-")
		require.NotEqual(t, -1, idx)
		hash := p[idx+len("cmux-ssh-"):]
		require.Len(t, hash, 12)
		require.Equal(t, strings.ToLower(hash), hash)
	})
}

func TestBuildRemoteCommand(t *testing.T) {
	r := NewSSHRuntime(SSHConfig{Host: "h", SrcBaseDir: "~/c"}, nil)

	t.Run("cwd and quoting", func(t *testing.T) {
		cmd := r.buildRemoteCommand("echo 'hi'", ExecOpts{Cwd: "~/ws"})
		require.True(t, strings.HasPrefix(cmd, `cd "$HOME"/'ws' && `))
		require.True(t, strings.HasSuffix(cmd, `bash -c 'echo '\''hi'\'''`))
	})

	t.Run("env exports are sorted and quoted", func(t *testing.T) {
		cmd := r.buildRemoteCommand("true", ExecOpts{
			Cwd: "/w",
			Env: map[string]string{"B_VAR": "two words", "A_VAR": "x"},
		})
		aIdx := strings.Index(cmd, "export A_VAR='x'")
		bIdx := strings.Index(cmd, "export B_VAR='two words'")
		require.NotEqual(t, -1, aIdx)
		require.NotEqual(t, -1, bIdx)
		require.Less(t, aIdx, bIdx)
	})

	t.Run("non-interactive mask is exported", func(t *testing.T) {
		cmd := r.buildRemoteCommand("true", ExecOpts{Cwd: "/w"})
		require.Contains(t, cmd, "export TERM='dumb'")
		require.Contains(t, cmd, "export NO_COLOR='1'")
		require.Contains(t, cmd, "export GIT_TERMINAL_PROMPT='0'")
	})

	t.Run("niceness", func(t *testing.T) {
		cmd := r.buildRemoteCommand("true", ExecOpts{Cwd: "/w", Niceness: 10})
		require.Contains(t, cmd, "nice -n 10 bash -c 'true'")
	})
}

func TestSSHArgs(t *testing.T) {
	cfg := SSHConfig{Host: "host1", Port: 2222, SrcBaseDir: "/src", IdentityFile: "/id"}
	args := sshArgs(cfg, "true")

	joined := strings.Join(args, " ")
	require.Contains(t, joined, "ControlMaster=auto")
	require.Contains(t, joined, "ControlPersist=60")
	require.Contains(t, joined, "ControlPath="+ControlPath(cfg))
	require.Contains(t, joined, "-p 2222")
	require.Contains(t, joined, "-i /id")
	require.Equal(t, "true", args[len(args)-1])
	require.Equal(t, "host1", args[len(args)-2])
}
