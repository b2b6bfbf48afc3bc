package dispatch

import (
	"context"
	"encoding/json"

	"github.com/lumenai/lumen-worker/internal/validate"
)

func (d *Dispatcher) registerRepo() {
	d.handle("analyze_repository", d.handleAnalyzeRepository)
	d.handle("get_repo_summary", d.handleRepoSummary)
	d.handle("detect_tech_debt", d.handleTechDebt)
}

type repoPayload struct {
	Path string `json:"path"`
}

// repoPath validates and resolves the payload's path, logging the access.
func (d *Dispatcher) repoPath(payload json.RawMessage) (string, error) {
	var p repoPayload
	if err := decode(payload, &p); err != nil {
		return "", err
	}
	abs, err := validate.RepoPath(p.Path)
	if err != nil {
		return "", err
	}
	if d.deps.Audit != nil {
		d.deps.Audit.FileAccess("repo_scan", abs) //nolint:errcheck
	}
	return abs, nil
}

func (d *Dispatcher) handleAnalyzeRepository(ctx context.Context, payload json.RawMessage) (any, error) {
	abs, err := d.repoPath(payload)
	if err != nil {
		return nil, err
	}
	analysis, err := d.deps.Analyzer.Analyze(ctx, abs)
	if err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "analysis": analysis}, nil
}

func (d *Dispatcher) handleRepoSummary(ctx context.Context, payload json.RawMessage) (any, error) {
	abs, err := d.repoPath(payload)
	if err != nil {
		return nil, err
	}
	summary, err := d.deps.Analyzer.Summary(ctx, abs)
	if err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "summary": summary, "repo_path": abs}, nil
}

func (d *Dispatcher) handleTechDebt(ctx context.Context, payload json.RawMessage) (any, error) {
	abs, err := d.repoPath(payload)
	if err != nil {
		return nil, err
	}
	debt, err := d.deps.Analyzer.TechDebt(ctx, abs)
	if err != nil {
		return nil, err
	}
	if debt == nil {
		debt = []string{}
	}
	return map[string]any{"success": true, "tech_debt": debt, "repo_path": abs}, nil
}
