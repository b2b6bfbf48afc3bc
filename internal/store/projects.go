package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	worker "github.com/lumenai/lumen-worker/internal"
)

// orphanNames titles the catch-all project per UI language.
var orphanNames = map[string]string{
	"en": "Unassigned conversations",
	"fr": "Conversations sans projet",
}

// projectsFile is the single on-disk document holding every project.
type projectsFile struct {
	Projects []worker.Project `json:"projects"`
}

// Projects stores project records in <root>/projects/projects.json.
type Projects struct {
	mu   sync.Mutex
	path string
}

// NewProjects returns a project store rooted at dataRoot.
func NewProjects(dataRoot string) *Projects {
	return &Projects{path: filepath.Join(dataRoot, "projects", "projects.json")}
}

// List returns all projects.
func (s *Projects) List() ([]worker.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	file, err := s.load()
	if err != nil {
		return nil, err
	}
	return file.Projects, nil
}

// Get returns one project by id.
func (s *Projects) Get(id string) (*worker.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(id)
}

// Create adds a project with defaults filled in.
func (s *Projects) Create(name, description, scopePath string) (*worker.Project, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: project name is empty", worker.ErrInvalidInput)
	}
	now := time.Now().UTC()
	p := worker.Project{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		ScopePath:   scopePath,
		Repos:       []worker.ProjectRepo{},
		MemoryKeys:  []string{},
		Permissions: worker.ProjectPermissions{Read: true},
		Settings:    worker.ProjectSettings{ContextMode: "auto"},
		CreatedAt:   now, UpdatedAt: now, LastAccessedAt: now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	file, err := s.load()
	if err != nil {
		return nil, err
	}
	file.Projects = append(file.Projects, p)
	if err := s.write(file); err != nil {
		return nil, err
	}
	return &p, nil
}

// Update applies fn to the project and persists the result.
func (s *Projects) Update(id string, fn func(*worker.Project)) (*worker.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.load()
	if err != nil {
		return nil, err
	}
	for i := range file.Projects {
		if file.Projects[i].ID == id {
			fn(&file.Projects[i])
			file.Projects[i].UpdatedAt = time.Now().UTC()
			if err := s.write(file); err != nil {
				return nil, err
			}
			p := file.Projects[i]
			return &p, nil
		}
	}
	return nil, fmt.Errorf("project %s: %w", id, worker.ErrNotFound)
}

// Delete removes a project by id.
func (s *Projects) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.load()
	if err != nil {
		return err
	}
	for i := range file.Projects {
		if file.Projects[i].ID == id {
			file.Projects = append(file.Projects[:i], file.Projects[i+1:]...)
			return s.write(file)
		}
	}
	return fmt.Errorf("project %s: %w", id, worker.ErrNotFound)
}

// AddRepo attaches a repository, replacing a previous attachment of the
// same path.
func (s *Projects) AddRepo(id, repoPath string, analysis *worker.RepoAnalysis) (*worker.Project, error) {
	return s.Update(id, func(p *worker.Project) {
		for i := range p.Repos {
			if p.Repos[i].Path == repoPath {
				p.Repos[i].Analysis = analysis
				p.Repos[i].AttachedAt = time.Now().UTC()
				return
			}
		}
		p.Repos = append(p.Repos, worker.ProjectRepo{
			Path: repoPath, AttachedAt: time.Now().UTC(), Analysis: analysis,
		})
	})
}

// RemoveRepo detaches a repository path.
func (s *Projects) RemoveRepo(id, repoPath string) (*worker.Project, error) {
	return s.Update(id, func(p *worker.Project) {
		for i := range p.Repos {
			if p.Repos[i].Path == repoPath {
				p.Repos = append(p.Repos[:i], p.Repos[i+1:]...)
				return
			}
		}
	})
}

// GetOrCreateOrphan returns the catch-all project for unassigned
// conversations, creating it on first use with a localized name.
func (s *Projects) GetOrCreateOrphan(language string) (*worker.Project, error) {
	name, ok := orphanNames[language]
	if !ok {
		name = orphanNames["en"]
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.load()
	if err != nil {
		return nil, err
	}
	for i := range file.Projects {
		for _, n := range orphanNames {
			if file.Projects[i].Name == n {
				p := file.Projects[i]
				return &p, nil
			}
		}
	}

	now := time.Now().UTC()
	p := worker.Project{
		ID:          uuid.NewString(),
		Name:        name,
		Description: "auto-created",
		Repos:       []worker.ProjectRepo{},
		MemoryKeys:  []string{},
		Permissions: worker.ProjectPermissions{Read: true},
		Settings:    worker.ProjectSettings{ContextMode: "auto"},
		CreatedAt:   now, UpdatedAt: now, LastAccessedAt: now,
	}
	file.Projects = append(file.Projects, p)
	if err := s.write(file); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Projects) get(id string) (*worker.Project, error) {
	file, err := s.load()
	if err != nil {
		return nil, err
	}
	for i := range file.Projects {
		if file.Projects[i].ID == id {
			p := file.Projects[i]
			return &p, nil
		}
	}
	return nil, fmt.Errorf("project %s: %w", id, worker.ErrNotFound)
}

func (s *Projects) load() (*projectsFile, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &projectsFile{Projects: []worker.Project{}}, nil
		}
		return nil, fmt.Errorf("read projects: %w", err)
	}
	var file projectsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse projects: %w", err)
	}
	if file.Projects == nil {
		file.Projects = []worker.Project{}
	}
	return &file, nil
}

func (s *Projects) write(file *projectsFile) error {
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("encode projects: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create projects dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write projects: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace projects: %w", err)
	}
	return nil
}
