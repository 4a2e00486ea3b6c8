package runtime

import "strings"

// shellQuote wraps s in single quotes for safe embedding in a remote shell
// command. Embedded single quotes use the quote-backslash-quote escape: the
// string is closed,
// a literal quote is emitted, and the string reopened. This tolerates dollar
// signs, backslashes, backticks, and embedded newlines, none of which are
// special inside single quotes.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// expandTilde rewrites a leading ~ into $HOME so the shell expands it even
// inside quotes. The shell never expands ~ inside quoted strings, so paths
// are expanded client-side before quoting.
func expandTilde(path string) string {
	if path == "~" {
		return "$HOME"
	}
	if strings.HasPrefix(path, "~/") {
		return "$HOME/" + path[2:]
	}
	return path
}

// quoteRemotePath quotes a path for a remote command, keeping a leading
// $HOME (from tilde expansion) outside the quotes so it still expands.
func quoteRemotePath(path string) string {
	expanded := expandTilde(path)
	if expanded == "$HOME" {
		return `"$HOME"`
	}
	if strings.HasPrefix(expanded, "$HOME/") {
		return `"$HOME"/` + shellQuote(expanded[len("$HOME/"):])
	}
	return shellQuote(expanded)
}
