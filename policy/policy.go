// Package policy loads and enforces the operator policy for taskkit: which
// tools are exposed, how often they may be called, and where the store may
// keep its files.
package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// ProtectedFiles are configuration files the store must never open as a
// database or index.
var ProtectedFiles = []string{
	"policy.toml",
	"taskkit.toml",
	"taskkit.yaml",
	"taskkit.yml",
}

// SectionStorage is the path section consulted for database and index files.
const SectionStorage = "storage"

// Policy represents the operator policy.
type Policy struct {
	DefaultDeny bool
	Workspace   string
	HomeDir     string
	ConfigDir   string // directory holding taskkit.toml and policy.toml
	Tools       map[string]*ToolPolicy
	Paths       map[string]*PathPolicy
}

// ToolPolicy holds the settings for a single tool.
type ToolPolicy struct {
	Enabled   bool
	RateLimit int // calls per minute, 0 means unlimited
}

// PathPolicy confines a class of files to allow/deny glob patterns.
type PathPolicy struct {
	Allow []string
	Deny  []string
}

// New creates a permissive policy rooted at the current directory.
func New() *Policy {
	home, _ := os.UserHomeDir()
	wd, _ := os.Getwd()
	return &Policy{
		Workspace: wd,
		HomeDir:   home,
		Tools:     make(map[string]*ToolPolicy),
		Paths:     make(map[string]*PathPolicy),
	}
}

// NewRestrictive creates a policy that denies every tool and path not
// explicitly allowed.
func NewRestrictive() *Policy {
	p := New()
	p.DefaultDeny = true
	return p
}

// LoadFile loads a policy from a TOML file. The file's directory becomes the
// policy's ConfigDir.
func LoadFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	pol, err := Parse(string(data))
	if err != nil {
		return nil, err
	}
	if abs, err := filepath.Abs(path); err == nil {
		pol.ConfigDir = filepath.Dir(abs)
	}
	return pol, nil
}

type toolSection struct {
	Enabled   *bool `toml:"enabled"`
	RateLimit int   `toml:"rate_limit"`
}

type pathSection struct {
	Allow []string `toml:"allow"`
	Deny  []string `toml:"deny"`
}

// Parse parses policy TOML.
//
//	default_deny = false
//
//	[tools.task_delete]
//	enabled = false
//
//	[tools.task_claim]
//	rate_limit = 120
//
//	[storage]
//	allow = ["$WORKSPACE/**"]
//	deny  = ["/etc/**"]
func Parse(content string) (*Policy, error) {
	var doc struct {
		DefaultDeny bool                    `toml:"default_deny"`
		Tools       map[string]toolSection  `toml:"tools"`
		Storage     *pathSection            `toml:"storage"`
	}
	md, err := toml.Decode(content, &doc)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("failed to parse policy: unknown keys %s", strings.Join(keys, ", "))
	}

	pol := New()
	pol.DefaultDeny = doc.DefaultDeny

	for name, sec := range doc.Tools {
		if sec.RateLimit < 0 {
			return nil, fmt.Errorf("failed to parse policy: tools.%s.rate_limit must not be negative", name)
		}
		tp := &ToolPolicy{Enabled: true, RateLimit: sec.RateLimit}
		if sec.Enabled != nil {
			tp.Enabled = *sec.Enabled
		}
		pol.Tools[name] = tp
	}

	if doc.Storage != nil {
		pol.Paths[SectionStorage] = &PathPolicy{
			Allow: doc.Storage.Allow,
			Deny:  doc.Storage.Deny,
		}
	}

	return pol, nil
}

// GetToolPolicy returns the policy for a tool. Tools without a section are
// enabled unless default_deny is set.
func (p *Policy) GetToolPolicy(tool string) *ToolPolicy {
	if tp, ok := p.Tools[tool]; ok {
		return tp
	}
	return &ToolPolicy{Enabled: !p.DefaultDeny}
}

// IsToolEnabled checks if a tool is enabled.
func (p *Policy) IsToolEnabled(tool string) bool {
	return p.GetToolPolicy(tool).Enabled
}

// RateLimits returns the configured per-minute limits keyed by tool name.
func (p *Policy) RateLimits() map[string]int {
	out := make(map[string]int)
	for name, tp := range p.Tools {
		if tp.RateLimit > 0 {
			out[name] = tp.RateLimit
		}
	}
	return out
}

// IsProtectedFile reports whether path resolves to one of the configuration
// files, following symlinks so a link named tasks.db cannot point at them.
func (p *Policy) IsProtectedFile(path string) bool {
	realPath := resolve(path)
	baseName := filepath.Base(realPath)

	for _, protected := range ProtectedFiles {
		if baseName == protected {
			return true
		}
	}

	if p.ConfigDir != "" {
		configReal := resolve(p.ConfigDir)
		for _, protected := range ProtectedFiles {
			if realPath == filepath.Join(configReal, protected) {
				return true
			}
		}
	}
	return false
}

// CheckPath checks whether a file may be used for the given path section.
// Deny patterns win over allow patterns. When a section has allow patterns,
// the path must match one of them.
func (p *Policy) CheckPath(section, path string) (bool, string) {
	absPath := resolve(path)

	if p.IsProtectedFile(absPath) {
		return false, fmt.Sprintf("path %s is a protected config file", path)
	}

	pp := p.Paths[section]
	if pp == nil {
		if p.DefaultDeny {
			return false, fmt.Sprintf("path %s not in allow list (default_deny=true)", path)
		}
		return true, ""
	}

	for _, pattern := range pp.Deny {
		if matchPath(p.expandPattern(pattern), absPath) {
			return false, fmt.Sprintf("path %s matches deny pattern %s", path, pattern)
		}
	}

	if len(pp.Allow) > 0 {
		for _, pattern := range pp.Allow {
			if matchPath(p.expandPattern(pattern), absPath) {
				return true, ""
			}
		}
		return false, fmt.Sprintf("path %s not in allow list", path)
	}

	if p.DefaultDeny {
		return false, fmt.Sprintf("path %s not in allow list (default_deny=true)", path)
	}
	return true, ""
}

// resolve makes path absolute and resolves symlinks. For files that do not
// exist yet the parent directory is resolved instead.
func resolve(path string) string {
	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}
	if real, err := filepath.EvalSymlinks(absPath); err == nil {
		return real
	}
	if realDir, err := filepath.EvalSymlinks(filepath.Dir(absPath)); err == nil {
		return filepath.Join(realDir, filepath.Base(absPath))
	}
	return absPath
}

func (p *Policy) expandPattern(pattern string) string {
	if strings.HasPrefix(pattern, "$WORKSPACE") {
		pattern = strings.Replace(pattern, "$WORKSPACE", resolve(p.Workspace), 1)
	}
	if strings.HasPrefix(pattern, "~") {
		pattern = strings.Replace(pattern, "~", resolve(p.HomeDir), 1)
	}
	return pattern
}

// matchPath matches a path against a glob. "**" matches any number of
// directories; everything else follows filepath.Match.
func matchPath(pattern, path string) bool {
	pattern = filepath.Clean(pattern)
	path = filepath.Clean(path)

	if !strings.Contains(pattern, "**") {
		matched, _ := filepath.Match(pattern, path)
		return matched
	}

	parts := strings.SplitN(pattern, "**", 2)
	prefix := strings.TrimSuffix(parts[0], string(filepath.Separator))
	suffix := strings.TrimPrefix(parts[1], string(filepath.Separator))

	remaining := path
	if prefix != "" {
		if path != prefix && !strings.HasPrefix(path, prefix+string(filepath.Separator)) {
			return false
		}
		remaining = strings.TrimPrefix(strings.TrimPrefix(path, prefix), string(filepath.Separator))
	}

	if suffix == "" {
		return true
	}
	if strings.HasSuffix(remaining, suffix) {
		return true
	}
	matched, _ := filepath.Match(suffix, filepath.Base(remaining))
	return matched
}
