// Package execctx captures what a check battery runs against: the workspace,
// the task, and the version-control view of the change under review.
package execctx

import (
	"path"
	"path/filepath"
	"strings"
	"time"

	"taskgate/internal/domain"
)

// FileChange is one file touched by the change. Lines holds the added line
// numbers in the new version when they are known from a committed diff.
type FileChange struct {
	Path        string `json:"path"`
	Added       int    `json:"added"`
	Deleted     int    `json:"deleted"`
	Lines       []int  `json:"lines,omitempty"`
	Removed     bool   `json:"removed,omitempty"`
	Uncommitted bool   `json:"uncommitted,omitempty"`
}

type Context struct {
	Workspace      string                `json:"workspace"`
	TaskID         string                `json:"task_id,omitempty"`
	Mode           string                `json:"mode,omitempty"`
	Profile        string                `json:"profile,omitempty"`
	Classification domain.Classification `json:"classification,omitempty"`
	Phase          domain.Phase          `json:"phase,omitempty"`

	IsRepo        bool         `json:"is_repo"`
	Branch        string       `json:"branch,omitempty"`
	Commit        string       `json:"commit,omitempty"`
	CommitMessage string       `json:"commit_message,omitempty"`
	BaseRef       string       `json:"base_ref,omitempty"`
	BaseCommit    string       `json:"base_commit,omitempty"`
	Changes       []FileChange `json:"changes,omitempty"`

	CI         bool   `json:"ci"`
	CIProvider string `json:"ci_provider,omitempty"`
	CreatedAt  string `json:"created_at"`
}

// ChangedFiles lists the paths of every changed file, excluding removals.
func (c *Context) ChangedFiles() []string {
	var out []string
	for _, ch := range c.Changes {
		if !ch.Removed {
			out = append(out, ch.Path)
		}
	}
	return out
}

// ChangedLines is the total of added and deleted lines.
func (c *Context) ChangedLines() int {
	n := 0
	for _, ch := range c.Changes {
		n += ch.Added + ch.Deleted
	}
	return n
}

// TestFiles returns the changed test files according to patterns.
func (c *Context) TestFiles(patterns []string) []string {
	var out []string
	for _, p := range c.ChangedFiles() {
		if IsTestFile(patterns, p) {
			out = append(out, p)
		}
	}
	return out
}

// SourceFiles returns the changed files that are not tests. Removed files
// count: deleting code is a refactor.
func (c *Context) SourceFiles(patterns []string) []string {
	var out []string
	for _, ch := range c.Changes {
		if !IsTestFile(patterns, ch.Path) {
			out = append(out, ch.Path)
		}
	}
	return out
}

// Abs resolves a workspace-relative path.
func (c *Context) Abs(rel string) string {
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(c.Workspace, filepath.FromSlash(rel))
}

// IsTestFile matches p against test filename patterns. Patterns without a
// slash match the base name, "dir/**" matches any path with a dir segment,
// anything else matches the full slash path.
func IsTestFile(patterns []string, p string) bool {
	p = filepath.ToSlash(p)
	base := path.Base(p)
	for _, pat := range patterns {
		switch {
		case strings.HasSuffix(pat, "/**"):
			dir := strings.TrimSuffix(pat, "/**")
			if strings.HasPrefix(p, dir+"/") || strings.Contains(p, "/"+dir+"/") {
				return true
			}
		case !strings.Contains(pat, "/"):
			if ok, _ := path.Match(pat, base); ok {
				return true
			}
		default:
			if ok, _ := path.Match(pat, p); ok {
				return true
			}
		}
	}
	return false
}

func stamp(now func() time.Time) string {
	if now == nil {
		now = time.Now
	}
	return now().UTC().Format(time.RFC3339)
}
