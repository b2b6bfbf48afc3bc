package guard

import (
	"testing"

	worker "github.com/lumenai/lumen-worker/internal"
)

func TestCheckDenyByDefault(t *testing.T) {
	t.Parallel()

	g := New()
	tests := []struct {
		cmd  string
		want bool
	}{
		{"health_check", true},
		{"chat", true},
		{"list_conversations", true},
		{"rate_limiter_get_stats", true},
		{"projects_get_or_create_orphan", true},
		{"analyze_repository", false}, // gated, not granted
		{"memory_save", false},
		{"tunnel_start", false},
		{"set_startup", false},
		{"nope", false}, // unknown
		{"", false},
	}
	for _, tt := range tests {
		if got := g.Check(tt.cmd); got != tt.want {
			t.Errorf("Check(%q) = %v, want %v", tt.cmd, got, tt.want)
		}
	}
}

func TestGrantRevoke(t *testing.T) {
	t.Parallel()

	g := New()
	if g.Check("analyze_repository") {
		t.Fatal("allowed before grant")
	}

	g.Grant(worker.PermRepoAnalyze)
	if !g.Check("analyze_repository") {
		t.Fatal("denied after grant")
	}
	if !g.Check("projects_add_repo") {
		t.Fatal("projects_add_repo should share the RepoAnalyze grant")
	}
	if g.Check("memory_save") {
		t.Fatal("RepoAnalyze grant must not unlock memory commands")
	}

	g.Revoke(worker.PermRepoAnalyze)
	if g.Check("analyze_repository") {
		t.Fatal("allowed after revoke")
	}
}

func TestDisableAllowsEverything(t *testing.T) {
	t.Parallel()

	g := New()
	g.Disable()
	if !g.Check("nope") {
		t.Fatal("disabled guard must allow unknown commands")
	}
}

func TestKnownAndRequiredFor(t *testing.T) {
	t.Parallel()

	if !Known("health_check") || !Known("memory_get") || Known("nope") {
		t.Fatal("Known misclassifies commands")
	}
	if p, ok := RequiredFor("tunnel_generate_token"); !ok || p != worker.PermRemoteAccess {
		t.Fatalf("RequiredFor(tunnel_generate_token) = %v, %v", p, ok)
	}
	if _, ok := RequiredFor("health_check"); ok {
		t.Fatal("health_check must not require a permission")
	}
}
