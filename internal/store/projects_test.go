package store

import (
	"errors"
	"testing"

	worker "github.com/lumenai/lumen-worker/internal"
)

func TestProjectsCRUD(t *testing.T) {
	t.Parallel()

	s := NewProjects(t.TempDir())

	p, err := s.Create("backend", "api work", "/tmp/backend")
	if err != nil {
		t.Fatal(err)
	}
	if p.ID == "" || !p.Permissions.Read {
		t.Fatalf("project = %+v", p)
	}

	got, err := s.Get(p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "backend" {
		t.Fatalf("got = %+v", got)
	}

	upd, err := s.Update(p.ID, func(pr *worker.Project) {
		pr.Description = "changed"
		pr.MemoryKeys = append(pr.MemoryKeys, "style")
	})
	if err != nil {
		t.Fatal(err)
	}
	if upd.Description != "changed" || len(upd.MemoryKeys) != 1 {
		t.Fatalf("updated = %+v", upd)
	}
	if !upd.UpdatedAt.After(p.UpdatedAt) && !upd.UpdatedAt.Equal(p.UpdatedAt) {
		t.Fatal("UpdatedAt did not advance")
	}

	list, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("list = %+v", list)
	}

	if err := s.Delete(p.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(p.ID); !errors.Is(err, worker.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestProjectsCreateValidation(t *testing.T) {
	t.Parallel()

	s := NewProjects(t.TempDir())
	if _, err := s.Create("", "", ""); !errors.Is(err, worker.ErrInvalidInput) {
		t.Fatalf("want ErrInvalidInput, got %v", err)
	}
}

func TestProjectsAddRemoveRepo(t *testing.T) {
	t.Parallel()

	s := NewProjects(t.TempDir())
	p, _ := s.Create("proj", "", "")

	upd, err := s.AddRepo(p.ID, "/src/app", &worker.RepoAnalysis{RepoPath: "/src/app", FileCount: 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(upd.Repos) != 1 || upd.Repos[0].Analysis.FileCount != 3 {
		t.Fatalf("repos = %+v", upd.Repos)
	}

	// Re-attaching the same path replaces the analysis, not duplicates.
	upd, err = s.AddRepo(p.ID, "/src/app", &worker.RepoAnalysis{RepoPath: "/src/app", FileCount: 9})
	if err != nil {
		t.Fatal(err)
	}
	if len(upd.Repos) != 1 || upd.Repos[0].Analysis.FileCount != 9 {
		t.Fatalf("repos after re-attach = %+v", upd.Repos)
	}

	upd, err = s.RemoveRepo(p.ID, "/src/app")
	if err != nil {
		t.Fatal(err)
	}
	if len(upd.Repos) != 0 {
		t.Fatalf("repos after remove = %+v", upd.Repos)
	}
}

func TestGetOrCreateOrphan(t *testing.T) {
	t.Parallel()

	s := NewProjects(t.TempDir())

	p1, err := s.GetOrCreateOrphan("fr")
	if err != nil {
		t.Fatal(err)
	}
	if p1.Name != "Conversations sans projet" {
		t.Fatalf("name = %q", p1.Name)
	}

	// Second call returns the same project even under another language.
	p2, err := s.GetOrCreateOrphan("en")
	if err != nil {
		t.Fatal(err)
	}
	if p2.ID != p1.ID {
		t.Fatalf("orphan duplicated: %s vs %s", p1.ID, p2.ID)
	}
}
