package policy

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPolicy_LoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	policyPath := filepath.Join(tmpDir, "policy.toml")

	content := `
default_deny = true

[tools.task_get]
enabled = true

[tools.task_claim]
rate_limit = 30

[storage]
allow = ["$WORKSPACE/**"]
deny = ["/etc/**"]
`
	if err := os.WriteFile(policyPath, []byte(content), 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	pol, err := LoadFile(policyPath)
	if err != nil {
		t.Fatalf("load error: %v", err)
	}

	if !pol.DefaultDeny {
		t.Error("expected default_deny = true")
	}
	if !pol.IsToolEnabled("task_get") {
		t.Error("expected task_get enabled")
	}
	if !pol.IsToolEnabled("task_claim") {
		t.Error("a section without enabled should default to enabled")
	}
	if pol.IsToolEnabled("task_delete") {
		t.Error("unlisted tools should be disabled under default_deny")
	}
	if got := pol.GetToolPolicy("task_claim").RateLimit; got != 30 {
		t.Errorf("expected rate limit 30, got %d", got)
	}
	if pol.ConfigDir == "" {
		t.Error("expected ConfigDir from file location")
	}
	storage := pol.Paths[SectionStorage]
	if storage == nil || len(storage.Allow) != 1 || len(storage.Deny) != 1 {
		t.Fatalf("unexpected storage section: %+v", storage)
	}
}

func TestPolicy_ParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse(`
[tools.task_get]
enabeld = false
`)
	if err == nil {
		t.Fatal("expected error for misspelled key")
	}
}

func TestPolicy_ParseRejectsNegativeRateLimit(t *testing.T) {
	if _, err := Parse("[tools.task_get]\nrate_limit = -1\n"); err == nil {
		t.Fatal("expected error for negative rate limit")
	}
}

func TestPolicy_ToolEnabled(t *testing.T) {
	pol := New()
	pol.Tools["task_delete"] = &ToolPolicy{Enabled: false}

	if pol.IsToolEnabled("task_delete") {
		t.Error("task_delete should be disabled")
	}
	if !pol.IsToolEnabled("task_get") {
		t.Error("task_get should be enabled by default")
	}
}

func TestPolicy_RateLimits(t *testing.T) {
	pol := New()
	pol.Tools["task_claim"] = &ToolPolicy{Enabled: true, RateLimit: 10}
	pol.Tools["task_get"] = &ToolPolicy{Enabled: true}

	limits := pol.RateLimits()
	if len(limits) != 1 || limits["task_claim"] != 10 {
		t.Errorf("unexpected limits: %v", limits)
	}
}

func TestPolicy_DefaultDeny(t *testing.T) {
	pol := NewRestrictive()

	allowed, reason := pol.CheckPath(SectionStorage, "/var/lib/taskkit/tasks.db")
	if allowed {
		t.Error("should deny paths with default_deny and no storage section")
	}
	if reason == "" {
		t.Error("should have denial reason")
	}
}

func TestPolicy_DenyPatterns(t *testing.T) {
	pol := New()
	pol.HomeDir = "/home/user"
	pol.Paths[SectionStorage] = &PathPolicy{
		Allow: []string{"**"},
		Deny:  []string{"~/.ssh/*"},
	}

	allowed, _ := pol.CheckPath(SectionStorage, "/home/user/.ssh/tasks.db")
	if allowed {
		t.Error("should deny ~/.ssh/* paths")
	}
}

func TestPolicy_WorkspaceExpansion(t *testing.T) {
	pol := New()
	pol.Workspace = "/my/workspace"
	pol.Paths[SectionStorage] = &PathPolicy{Allow: []string{"$WORKSPACE/**"}}

	allowed, _ := pol.CheckPath(SectionStorage, "/my/workspace/data/tasks.db")
	if !allowed {
		t.Error("should expand $WORKSPACE and allow")
	}

	allowed, _ = pol.CheckPath(SectionStorage, "/my/workspace-other/tasks.db")
	if allowed {
		t.Error("prefix match must stop at a path separator")
	}

	allowed, _ = pol.CheckPath(SectionStorage, "/other/path/tasks.db")
	if allowed {
		t.Error("should deny paths outside $WORKSPACE")
	}
}

func TestPolicy_HomeExpansion(t *testing.T) {
	pol := New()
	pol.HomeDir = "/home/testuser"
	pol.Paths[SectionStorage] = &PathPolicy{Allow: []string{"~/tasks/**"}}

	allowed, _ := pol.CheckPath(SectionStorage, "/home/testuser/tasks/tasks.db")
	if !allowed {
		t.Error("should expand ~ and allow")
	}
}

func TestPolicy_GlobPatterns(t *testing.T) {
	pol := New()
	pol.Workspace = "/workspace"
	pol.Paths[SectionStorage] = &PathPolicy{Allow: []string{"$WORKSPACE/*.db"}}

	tests := []struct {
		path    string
		allowed bool
	}{
		{"/workspace/tasks.db", true},
		{"/workspace/tasks.txt", false},
		{"/workspace/a/b/tasks.db", false},
	}
	for _, tt := range tests {
		got, _ := pol.CheckPath(SectionStorage, tt.path)
		if got != tt.allowed {
			t.Errorf("CheckPath(%q) = %v, want %v", tt.path, got, tt.allowed)
		}
	}
}

func TestPolicy_RecursiveGlob(t *testing.T) {
	pol := New()
	pol.Workspace = "/workspace"
	pol.Paths[SectionStorage] = &PathPolicy{Allow: []string{"$WORKSPACE/**/*.db"}}

	allowed, _ := pol.CheckPath(SectionStorage, "/workspace/a/b/c/tasks.db")
	if !allowed {
		t.Error("** should match any depth")
	}
	allowed, _ = pol.CheckPath(SectionStorage, "/workspace/a/b/c/tasks.json")
	if allowed {
		t.Error("suffix glob should still apply")
	}
}

func TestPolicy_ProtectedFiles(t *testing.T) {
	pol := New()
	pol.ConfigDir = "/workspace"

	tests := []struct {
		path      string
		protected bool
	}{
		{"policy.toml", true},
		{"taskkit.toml", true},
		{"/workspace/taskkit.yaml", true},
		{"/workspace/tasks.db", false},
		{"/workspace/config.toml", false},
	}
	for _, tt := range tests {
		if got := pol.IsProtectedFile(tt.path); got != tt.protected {
			t.Errorf("IsProtectedFile(%q) = %v, want %v", tt.path, got, tt.protected)
		}
	}

	pol.Paths[SectionStorage] = &PathPolicy{Allow: []string{"**"}}
	allowed, reason := pol.CheckPath(SectionStorage, "/workspace/policy.toml")
	if allowed || reason == "" {
		t.Error("storage must never open the policy file")
	}
}

func TestPolicy_SymlinkBypass(t *testing.T) {
	tmpDir := t.TempDir()
	pol := New()
	pol.ConfigDir = tmpDir

	cfgPath := filepath.Join(tmpDir, "taskkit.toml")
	if err := os.WriteFile(cfgPath, []byte("[store]\n"), 0600); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	linkPath := filepath.Join(tmpDir, "tasks.db")
	if err := os.Symlink(cfgPath, linkPath); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	if !pol.IsProtectedFile(linkPath) {
		t.Error("symlink to taskkit.toml should be protected")
	}
	if allowed, _ := pol.CheckPath(SectionStorage, linkPath); allowed {
		t.Error("CheckPath should follow the symlink")
	}
}
