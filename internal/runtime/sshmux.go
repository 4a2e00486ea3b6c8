package runtime

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// ControlPath returns the deterministic control-socket path for an SSH
// config. Identical (host, port, srcBaseDir, identityFile) tuples share a
// socket; the defaults are port 22 and identity "default". The OpenSSH
// daemon enforces mutual exclusion of master creation, so no in-process
// coordination is needed.
func ControlPath(cfg SSHConfig) string {
	port := cfg.Port
	if port == 0 {
		port = 22
	}
	identity := cfg.IdentityFile
	if identity == "" {
		identity = "default"
	}
	key := fmt.Sprintf("%s:%d:%s:%s", cfg.Host, port, cfg.SrcBaseDir, identity)
	sum := sha256.Sum256([]byte(key))
	hash := hex.EncodeToString(sum[:])[:12]
	return filepath.Join(os.TempDir(), "cmux-ssh-"+hash)
}

// sshArgs builds the argument list for one ssh invocation, enabling
// connection multiplexing via the shared control socket.
func sshArgs(cfg SSHConfig, remoteCommand string) []string {
	args := []string{
		"-o", "ControlMaster=auto",
		"-o", "ControlPath=" + ControlPath(cfg),
		"-o", "ControlPersist=60",
		"-o", "BatchMode=yes",
	}
	if cfg.Port != 0 && cfg.Port != 22 {
		args = append(args, "-p", strconv.Itoa(cfg.Port))
	}
	if cfg.IdentityFile != "" {
		args = append(args, "-i", cfg.IdentityFile)
	}
	args = append(args, cfg.Host, remoteCommand)
	return args
}
