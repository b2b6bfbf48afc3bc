package store

import (
	"errors"
	"testing"

	worker "github.com/lumenai/lumen-worker/internal"
)

func TestMemorySaveGetUserScope(t *testing.T) {
	t.Parallel()

	files, root := newTestFiles(t, "")
	m := NewMemory(root, files)

	if _, err := m.Save("tone", "concise", worker.MemoryUser, "", nil); err != nil {
		t.Fatal(err)
	}
	e, err := m.Get("tone", worker.MemoryUser, "")
	if err != nil {
		t.Fatal(err)
	}
	if e.Value != "concise" || e.MemoryType != worker.MemoryUser {
		t.Fatalf("entry = %+v", e)
	}

	// Upsert keeps created_at.
	created := e.CreatedAt
	if _, err := m.Save("tone", "verbose", worker.MemoryUser, "", nil); err != nil {
		t.Fatal(err)
	}
	e, _ = m.Get("tone", worker.MemoryUser, "")
	if e.Value != "verbose" || !e.CreatedAt.Equal(created) {
		t.Fatalf("upsert entry = %+v", e)
	}
}

func TestMemoryProjectScopeRequiresProjectID(t *testing.T) {
	t.Parallel()

	files, root := newTestFiles(t, "")
	m := NewMemory(root, files)

	if _, err := m.Save("k", "v", worker.MemoryProject, "", nil); !errors.Is(err, worker.ErrInvalidInput) {
		t.Fatalf("want ErrInvalidInput, got %v", err)
	}
	if _, err := m.Save("k", "v", worker.MemoryProject, "p1", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get("k", worker.MemoryProject, "p2"); !errors.Is(err, worker.ErrNotFound) {
		t.Fatal("project scopes must be isolated")
	}
}

func TestMemoryListOmitsValues(t *testing.T) {
	t.Parallel()

	files, root := newTestFiles(t, "")
	m := NewMemory(root, files)

	m.Save("a", "secret-a", worker.MemoryUser, "", nil)
	m.Save("b", "secret-b", worker.MemoryUser, "", nil)

	list, err := m.List(worker.MemoryUser, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("list = %+v", list)
	}
	for _, e := range list {
		if e.Value != "" {
			t.Fatalf("value leaked in listing: %+v", e)
		}
	}
}

func TestMemorySessionScope(t *testing.T) {
	t.Parallel()

	files, root := newTestFiles(t, "")
	m := NewMemory(root, files)

	m.Save("temp", "x", worker.MemorySession, "", nil)
	if _, err := m.Get("temp", worker.MemorySession, ""); err != nil {
		t.Fatal(err)
	}
	if n := m.ClearSession(); n != 1 {
		t.Fatalf("ClearSession = %d", n)
	}
	if _, err := m.Get("temp", worker.MemorySession, ""); !errors.Is(err, worker.ErrNotFound) {
		t.Fatal("session entry survived clear")
	}
}

func TestMemoryDelete(t *testing.T) {
	t.Parallel()

	files, root := newTestFiles(t, "")
	m := NewMemory(root, files)

	m.Save("k", "v", worker.MemoryUser, "", nil)
	if err := m.Delete("k", worker.MemoryUser, ""); err != nil {
		t.Fatal(err)
	}
	if err := m.Delete("k", worker.MemoryUser, ""); !errors.Is(err, worker.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestMemoryResolveProjectFirst(t *testing.T) {
	t.Parallel()

	files, root := newTestFiles(t, "")
	m := NewMemory(root, files)

	m.Save("style", "user-style", worker.MemoryUser, "", nil)
	m.Save("style", "project-style", worker.MemoryProject, "p1", nil)
	m.Save("name", "Ada", worker.MemoryUser, "", nil)

	got := m.Resolve([]string{"style", "name", "style", "missing"}, "p1", []string{"style"})
	if len(got) != 2 {
		t.Fatalf("resolved = %+v", got)
	}
	if got[0].Value != "project-style" {
		t.Fatalf("project key should resolve project-first, got %+v", got[0])
	}
	if got[1].Value != "Ada" {
		t.Fatalf("user key = %+v", got[1])
	}
}

func TestMemoryResolveUnionsProjectKeys(t *testing.T) {
	t.Parallel()

	files, root := newTestFiles(t, "")
	m := NewMemory(root, files)

	m.Save("stack", "Go and chi", worker.MemoryProject, "p1", nil)
	m.Save("name", "Ada", worker.MemoryUser, "", nil)

	// No explicit keys: the project's declared keys still resolve.
	got := m.Resolve(nil, "p1", []string{"stack"})
	if len(got) != 1 || got[0].Value != "Go and chi" {
		t.Fatalf("resolved = %+v", got)
	}

	// Explicit keys and project keys combine, deduplicated.
	got = m.Resolve([]string{"name", "stack"}, "p1", []string{"stack"})
	if len(got) != 2 {
		t.Fatalf("resolved = %+v", got)
	}
}
