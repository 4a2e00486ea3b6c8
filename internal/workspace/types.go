// Package workspace manages the persistent project/workspace registry and
// the create/rename/delete lifecycle across runtimes, git, config, and live
// subscribers.
package workspace

import (
	"path"
	"strings"
	"time"

	"github.com/cmux/cmux/internal/runtime"
)

// Runtime kinds for a workspace's runtime config.
const (
	RuntimeLocal = "local"
	RuntimeSSH   = "ssh"
)

// RuntimeConfig is the tagged runtime variant of a workspace.
type RuntimeConfig struct {
	Type string             `json:"type"`
	SSH  *runtime.SSHConfig `json:"ssh,omitempty"`
}

// LocalRuntimeConfig returns the default runtime config.
func LocalRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{Type: RuntimeLocal}
}

// WorkspaceEntry is the persisted per-workspace record inside projects.json.
type WorkspaceEntry struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Path      string         `json:"path"`
	CreatedAt time.Time      `json:"createdAt"`
	Runtime   *RuntimeConfig `json:"runtime,omitempty"`
}

// ProjectConfig is the persisted per-project record.
type ProjectConfig struct {
	Workspaces []WorkspaceEntry `json:"workspaces"`
}

// ConfigDoc is the full projects.json document.
type ConfigDoc struct {
	Projects map[string]*ProjectConfig `json:"projects"`
}

// Secret is one key/value pair of a project's secrets.
type Secret struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Workspace is the materialized workspace metadata, the single shape handed
// to clients and sessions.
type Workspace struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	ProjectPath string        `json:"projectPath"`
	ProjectName string        `json:"projectName"`
	Path        string        `json:"path"`
	CreatedAt   time.Time     `json:"createdAt"`
	Runtime     RuntimeConfig `json:"runtime"`
}

// MetadataEvent is the payload published on the workspace:metadata channel.
// Metadata is nil when the workspace was deleted.
type MetadataEvent struct {
	WorkspaceID string     `json:"workspaceId"`
	Metadata    *Workspace `json:"metadata"`
}

// ProjectName derives the display name of a project from its path.
func ProjectName(projectPath string) string {
	return path.Base(strings.TrimRight(projectPath, "/"))
}

func (e *WorkspaceEntry) runtimeConfig() RuntimeConfig {
	if e.Runtime == nil {
		return LocalRuntimeConfig()
	}
	return *e.Runtime
}
