package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/cmux/cmux/internal/common/errors"
	"github.com/cmux/cmux/internal/common/logger"
)

// ConfigStore persists the project/workspace registry (projects.json) and
// per-project secrets (secrets.json, 0600). All writes are atomic temp+
// rename; all mutation funnels through EditConfig, which serializes
// read-modify-write.
type ConfigStore struct {
	configHome string
	mu         sync.Mutex
	logger     *logger.Logger
}

// NewConfigStore creates the store, ensuring the config home exists.
func NewConfigStore(configHome string, log *logger.Logger) (*ConfigStore, error) {
	if log == nil {
		log = logger.Default()
	}
	if err := os.MkdirAll(configHome, 0755); err != nil {
		return nil, apperrors.Runtime(apperrors.RuntimeFileIO, "failed to create config home", err)
	}
	return &ConfigStore{
		configHome: configHome,
		logger:     log.WithFields(zap.String("component", "config-store")),
	}, nil
}

func (s *ConfigStore) projectsPath() string {
	return filepath.Join(s.configHome, "projects.json")
}

func (s *ConfigStore) secretsPath() string {
	return filepath.Join(s.configHome, "secrets.json")
}

// GenerateStableID returns a new globally-unique workspace id.
func (s *ConfigStore) GenerateStableID() string {
	return uuid.New().String()
}

// GetWorkspacePath is the single canonical path join for a workspace: the
// project root plus the workspace name, posix-joined, trailing slash
// stripped. Every component must agree on this function.
func GetWorkspacePath(projectPath, name string) string {
	return path.Join(strings.TrimRight(projectPath, "/"), name)
}

// readConfigLocked loads projects.json; a missing file is an empty registry.
// Caller holds s.mu.
func (s *ConfigStore) readConfigLocked() (*ConfigDoc, error) {
	data, err := os.ReadFile(s.projectsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return &ConfigDoc{Projects: map[string]*ProjectConfig{}}, nil
		}
		return nil, apperrors.Runtime(apperrors.RuntimeFileIO, "failed to read projects.json", err)
	}
	var doc ConfigDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, apperrors.Runtime(apperrors.RuntimeFileIO, "projects.json is corrupt", err)
	}
	if doc.Projects == nil {
		doc.Projects = map[string]*ProjectConfig{}
	}
	return &doc, nil
}

// writeAtomic writes data to target via a temp file in the same directory.
func (s *ConfigStore) writeAtomic(target string, data []byte, mode os.FileMode) error {
	tmp := fmt.Sprintf("%s.tmp.%s", target, uuid.New().String()[:8])
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return apperrors.Runtime(apperrors.RuntimeFileIO, "failed to write temp config file", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return apperrors.Runtime(apperrors.RuntimeFileIO, "failed to rename config file", err)
	}
	return nil
}

// EditConfig reads the registry, applies fn, and atomically writes the
// result back. Callers never read-then-write outside this helper.
func (s *ConfigStore) EditConfig(fn func(doc *ConfigDoc) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readConfigLocked()
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return apperrors.Internal("failed to marshal projects.json", err)
	}
	return s.writeAtomic(s.projectsPath(), data, 0644)
}

// ReadConfig returns a snapshot of the registry.
func (s *ConfigStore) ReadConfig() (*ConfigDoc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readConfigLocked()
}

// GetAllWorkspaceMetadata materializes every workspace in the registry.
// This is the single source of truth for what workspaces exist.
func (s *ConfigStore) GetAllWorkspaceMetadata() ([]Workspace, error) {
	doc, err := s.ReadConfig()
	if err != nil {
		return nil, err
	}

	var out []Workspace
	for projectPath, project := range doc.Projects {
		for _, entry := range project.Workspaces {
			out = append(out, materialize(projectPath, entry))
		}
	}
	return out, nil
}

// FindWorkspace resolves a workspace id to its materialized metadata, or
// nil when unknown.
func (s *ConfigStore) FindWorkspace(id string) (*Workspace, error) {
	doc, err := s.ReadConfig()
	if err != nil {
		return nil, err
	}
	for projectPath, project := range doc.Projects {
		for _, entry := range project.Workspaces {
			if entry.ID == id {
				ws := materialize(projectPath, entry)
				return &ws, nil
			}
		}
	}
	return nil, nil
}

// FindWorkspaceByName resolves (projectPath, name), or nil when unknown.
func (s *ConfigStore) FindWorkspaceByName(projectPath, name string) (*Workspace, error) {
	doc, err := s.ReadConfig()
	if err != nil {
		return nil, err
	}
	project, ok := doc.Projects[projectPath]
	if !ok {
		return nil, nil
	}
	for _, entry := range project.Workspaces {
		if entry.Name == name {
			ws := materialize(projectPath, entry)
			return &ws, nil
		}
	}
	return nil, nil
}

// ListProjects returns [projectPath, config] pairs sorted by path.
func (s *ConfigStore) ListProjects() ([][2]any, error) {
	doc, err := s.ReadConfig()
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(doc.Projects))
	for p := range doc.Projects {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	out := make([][2]any, 0, len(paths))
	for _, p := range paths {
		out = append(out, [2]any{p, doc.Projects[p]})
	}
	return out, nil
}

func materialize(projectPath string, entry WorkspaceEntry) Workspace {
	return Workspace{
		ID:          entry.ID,
		Name:        entry.Name,
		ProjectPath: projectPath,
		ProjectName: ProjectName(projectPath),
		Path:        entry.Path,
		CreatedAt:   entry.CreatedAt,
		Runtime:     entry.runtimeConfig(),
	}
}

// --- secrets ---

type secretsDoc map[string][]Secret

func (s *ConfigStore) readSecretsLocked() (secretsDoc, error) {
	data, err := os.ReadFile(s.secretsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return secretsDoc{}, nil
		}
		return nil, apperrors.Runtime(apperrors.RuntimeFileIO, "failed to read secrets.json", err)
	}
	var doc secretsDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, apperrors.Runtime(apperrors.RuntimeFileIO, "secrets.json is corrupt", err)
	}
	if doc == nil {
		doc = secretsDoc{}
	}
	return doc, nil
}

// GetProjectSecrets returns the secrets for a project; never nil.
func (s *ConfigStore) GetProjectSecrets(projectPath string) ([]Secret, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readSecretsLocked()
	if err != nil {
		return nil, err
	}
	secrets := doc[projectPath]
	if secrets == nil {
		secrets = []Secret{}
	}
	return secrets, nil
}

// UpdateProjectSecrets replaces a project's secrets atomically. The file
// stays 0600.
func (s *ConfigStore) UpdateProjectSecrets(projectPath string, secrets []Secret) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readSecretsLocked()
	if err != nil {
		return err
	}
	doc[projectPath] = secrets

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return apperrors.Internal("failed to marshal secrets.json", err)
	}
	return s.writeAtomic(s.secretsPath(), data, 0600)
}
