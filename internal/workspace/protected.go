package workspace

import (
	"path/filepath"

	"github.com/gobwas/glob"
)

// ProtectedPatterns is a glob-based file-path denylist consulted before
// any write into a workspace, following entrhq-forge's PatternMatcher
// (denied patterns take precedence over everything else) using
// github.com/gobwas/glob.
type ProtectedPatterns struct {
	patterns []protectedPattern
}

type protectedPattern struct {
	raw string
	g   glob.Glob
}

func (p *ProtectedPatterns) add(pattern string) {
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return
	}
	p.patterns = append(p.patterns, protectedPattern{raw: pattern, g: g})
}

// defaultProtected mirrors the risk-mapping defaults spec.md §4.9
// describes for paths a coding agent should never write to unattended.
var defaultProtected = []string{
	".git/**",
	"**/.env",
	"**/.env.*",
	"**/*.pem",
	"**/*.key",
	"**/id_rsa*",
	"**/credentials*",
	".github/workflows/**",
}

// NewProtectedPatterns compiles extra deny globs on top of the defaults.
// Invalid patterns are dropped rather than failing construction, matching
// the fail-safe posture of a gate whose job is to deny, not to crash.
func NewProtectedPatterns(extra []string) *ProtectedPatterns {
	p := &ProtectedPatterns{}
	for _, pattern := range append(append([]string{}, defaultProtected...), extra...) {
		p.add(pattern)
	}
	return p
}

// Matches reports whether path falls under any protected glob.
func (p *ProtectedPatterns) Matches(path string) bool {
	path = filepath.ToSlash(filepath.Clean(path))
	for _, pp := range p.patterns {
		// "/"+path lets "**/x" patterns also match x at the workspace root.
		if pp.g.Match(path) || pp.g.Match("/"+path) {
			return true
		}
	}
	return false
}

// Patterns returns the raw glob strings currently enforced, for
// diagnostics and the Auto-Accept Gate's policy listing.
func (p *ProtectedPatterns) Patterns() []string {
	out := make([]string, 0, len(p.patterns))
	for _, pp := range p.patterns {
		out = append(out, pp.raw)
	}
	return out
}
