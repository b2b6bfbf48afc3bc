package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	worker "github.com/lumenai/lumen-worker/internal"
	"github.com/lumenai/lumen-worker/internal/validate"
)

func (d *Dispatcher) registerProjects() {
	d.handle("projects_list", d.handleProjectsList)
	d.handle("projects_get", d.handleProjectsGet)
	d.handle("projects_create", d.handleProjectsCreate)
	d.handle("projects_update", d.handleProjectsUpdate)
	d.handle("projects_delete", d.handleProjectsDelete)
	d.handle("projects_add_repo", d.handleProjectsAddRepo)
	d.handle("projects_remove_repo", d.handleProjectsRemoveRepo)
	d.handle("projects_get_or_create_orphan", d.handleProjectsOrphan)
}

type projectPayload struct {
	ProjectID   string   `json:"project_id"`
	Name        *string  `json:"name"`
	Description *string  `json:"description"`
	ScopePath   *string  `json:"scope_path"`
	MemoryKeys  []string `json:"memory_keys"`
	RepoPath    string   `json:"repo_path"`
	Language    string   `json:"language"`
}

func (d *Dispatcher) handleProjectsList(context.Context, json.RawMessage) (any, error) {
	projects, err := d.deps.Projects.List()
	if err != nil {
		return nil, err
	}
	return map[string]any{"projects": projects}, nil
}

func (d *Dispatcher) handleProjectsGet(_ context.Context, payload json.RawMessage) (any, error) {
	var p projectPayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	project, err := d.deps.Projects.Get(p.ProjectID)
	if err != nil {
		return nil, err
	}
	count := d.deps.Conversations.CountByProject(p.ProjectID)
	return map[string]any{"project": project, "conversation_count": count}, nil
}

func (d *Dispatcher) handleProjectsCreate(_ context.Context, payload json.RawMessage) (any, error) {
	var p projectPayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	name := ""
	if p.Name != nil {
		name = *p.Name
	}
	desc := ""
	if p.Description != nil {
		desc = *p.Description
	}
	scope := ""
	if p.ScopePath != nil {
		scope = *p.ScopePath
	}
	project, err := d.deps.Projects.Create(name, desc, scope)
	if err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "project": project}, nil
}

// handleProjectsUpdate patches only the fields present in the payload.
func (d *Dispatcher) handleProjectsUpdate(_ context.Context, payload json.RawMessage) (any, error) {
	var p projectPayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	if p.Name != nil && *p.Name == "" {
		return nil, fmt.Errorf("project name must not be empty: %w", worker.ErrInvalidInput)
	}
	project, err := d.deps.Projects.Update(p.ProjectID, func(pr *worker.Project) {
		if p.Name != nil {
			pr.Name = *p.Name
		}
		if p.Description != nil {
			pr.Description = *p.Description
		}
		if p.ScopePath != nil {
			pr.ScopePath = *p.ScopePath
		}
		if p.MemoryKeys != nil {
			pr.MemoryKeys = p.MemoryKeys
		}
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "project": project}, nil
}

func (d *Dispatcher) handleProjectsDelete(_ context.Context, payload json.RawMessage) (any, error) {
	var p projectPayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	if err := d.deps.Projects.Delete(p.ProjectID); err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "project_id": p.ProjectID}, nil
}

// handleProjectsAddRepo analyzes the repo before attaching it so the
// project record carries the stack summary from day one.
func (d *Dispatcher) handleProjectsAddRepo(ctx context.Context, payload json.RawMessage) (any, error) {
	var p projectPayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	abs, err := validate.RepoPath(p.RepoPath)
	if err != nil {
		return nil, err
	}
	if d.deps.Audit != nil {
		d.deps.Audit.FileAccess("repo_scan", abs) //nolint:errcheck
	}
	analysis, err := d.deps.Analyzer.Analyze(ctx, abs)
	if err != nil {
		return nil, err
	}
	project, err := d.deps.Projects.AddRepo(p.ProjectID, abs, analysis)
	if err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "project": project, "analysis": analysis}, nil
}

func (d *Dispatcher) handleProjectsRemoveRepo(_ context.Context, payload json.RawMessage) (any, error) {
	var p projectPayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	project, err := d.deps.Projects.RemoveRepo(p.ProjectID, p.RepoPath)
	if err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "project": project}, nil
}

// handleProjectsOrphan returns the catch-all project for unassigned chats,
// creating it on first use. Language falls back to the user's setting.
func (d *Dispatcher) handleProjectsOrphan(_ context.Context, payload json.RawMessage) (any, error) {
	var p projectPayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	lang := p.Language
	if lang == "" {
		lang = d.deps.Settings.Load().Language
	}
	project, err := d.deps.Projects.GetOrCreateOrphan(lang)
	if err != nil {
		return nil, err
	}
	return map[string]any{"project": project}, nil
}
