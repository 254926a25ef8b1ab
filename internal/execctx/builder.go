package execctx

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/diff"
	"github.com/go-git/go-git/v5/plumbing/object"

	"taskgate/internal/domain"
)

type Builder struct {
	Workspace string
	BaseRef   string
	Getenv    func(string) string
	Now       func() time.Time
}

type Options struct {
	TaskID         string
	Mode           string
	Profile        string
	Classification domain.Classification
	Phase          domain.Phase
}

// Build assembles the execution context. A workspace that is not a git
// repository yields an empty VCS view rather than an error.
func (b Builder) Build(ctx context.Context, opts Options) (*Context, error) {
	ws := b.Workspace
	if ws == "" {
		ws = "."
	}
	ec := &Context{
		Workspace:      ws,
		TaskID:         opts.TaskID,
		Mode:           opts.Mode,
		Profile:        opts.Profile,
		Classification: opts.Classification,
		Phase:          opts.Phase,
		CreatedAt:      stamp(b.Now),
	}
	ec.CI, ec.CIProvider = detectCI(b.getenv())

	repo, err := git.PlainOpenWithOptions(ws, &git.PlainOpenOptions{DetectDotGit: true})
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return ec, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}
	ec.IsRepo = true
	if err := b.fillVCS(ctx, repo, ec); err != nil {
		return nil, err
	}
	return ec, nil
}

func (b Builder) getenv() func(string) string {
	if b.Getenv != nil {
		return b.Getenv
	}
	return os.Getenv
}

func (b Builder) fillVCS(ctx context.Context, repo *git.Repository, ec *Context) error {
	head, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		// no commits yet, only the worktree can have changes
		return addWorktreeChanges(repo, ec)
	}
	if err != nil {
		return fmt.Errorf("resolve HEAD: %w", err)
	}
	if head.Name().IsBranch() {
		ec.Branch = head.Name().Short()
	}
	ec.Commit = head.Hash().String()
	headCommit, err := repo.CommitObject(head.Hash())
	if err != nil {
		return fmt.Errorf("read HEAD commit: %w", err)
	}
	ec.CommitMessage = strings.TrimSpace(headCommit.Message)

	base, err := b.resolveBase(repo, headCommit)
	if err != nil {
		return err
	}
	if base != nil {
		ec.BaseCommit = base.Hash.String()
	}
	ec.BaseRef = b.BaseRef

	changes, err := diffCommits(ctx, base, headCommit)
	if err != nil {
		return err
	}
	ec.Changes = changes
	return addWorktreeChanges(repo, ec)
}

// resolveBase finds the merge base of HEAD and the configured base ref. When
// HEAD is the base itself, or the ref is missing, the first parent is used so
// the last commit is what gets checked. A root commit has no base.
func (b Builder) resolveBase(repo *git.Repository, head *object.Commit) (*object.Commit, error) {
	if b.BaseRef != "" {
		if h, err := repo.ResolveRevision(plumbing.Revision(b.BaseRef)); err == nil && *h != head.Hash {
			baseCommit, err := repo.CommitObject(*h)
			if err != nil {
				return nil, fmt.Errorf("read base commit: %w", err)
			}
			bases, err := head.MergeBase(baseCommit)
			if err != nil {
				return nil, fmt.Errorf("merge base: %w", err)
			}
			if len(bases) > 0 && bases[0].Hash != head.Hash {
				return bases[0], nil
			}
		}
	}
	if head.NumParents() == 0 {
		return nil, nil
	}
	parent, err := head.Parent(0)
	if err != nil {
		return nil, fmt.Errorf("read parent commit: %w", err)
	}
	return parent, nil
}

func diffCommits(ctx context.Context, base, head *object.Commit) ([]FileChange, error) {
	headTree, err := head.Tree()
	if err != nil {
		return nil, err
	}
	var baseTree *object.Tree
	if base != nil {
		if baseTree, err = base.Tree(); err != nil {
			return nil, err
		}
	}
	changes, err := object.DiffTreeWithOptions(ctx, baseTree, headTree, object.DefaultDiffTreeOptions)
	if err != nil {
		return nil, fmt.Errorf("diff trees: %w", err)
	}
	patch, err := changes.PatchContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("build patch: %w", err)
	}
	var out []FileChange
	for _, fp := range patch.FilePatches() {
		from, to := fp.Files()
		fc := FileChange{}
		switch {
		case to != nil:
			fc.Path = to.Path()
		case from != nil:
			fc.Path = from.Path()
			fc.Removed = true
		default:
			continue
		}
		line := 1
		for _, chunk := range fp.Chunks() {
			n := countLines(chunk.Content())
			switch chunk.Type() {
			case diff.Equal:
				line += n
			case diff.Add:
				for i := 0; i < n; i++ {
					fc.Lines = append(fc.Lines, line+i)
				}
				fc.Added += n
				line += n
			case diff.Delete:
				fc.Deleted += n
			}
		}
		out = append(out, fc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}

// addWorktreeChanges folds staged, modified and untracked files into the
// change set. Line numbers are not known for them.
func addWorktreeChanges(repo *git.Repository, ec *Context) error {
	wt, err := repo.Worktree()
	if errors.Is(err, git.ErrIsBareRepository) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return fmt.Errorf("worktree status: %w", err)
	}
	index := make(map[string]int, len(ec.Changes))
	for i, c := range ec.Changes {
		index[c.Path] = i
	}
	var paths []string
	for p, st := range status {
		if st.Staging == git.Unmodified && st.Worktree == git.Unmodified {
			continue
		}
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		st := status[p]
		removed := st.Worktree == git.Deleted || (st.Staging == git.Deleted && st.Worktree == git.Unmodified)
		if i, ok := index[p]; ok {
			ec.Changes[i].Uncommitted = true
			ec.Changes[i].Removed = removed
			continue
		}
		ec.Changes = append(ec.Changes, FileChange{Path: p, Uncommitted: true, Removed: removed})
	}
	return nil
}

var ciProviders = []struct {
	env, name string
}{
	{"GITHUB_ACTIONS", "github-actions"},
	{"GITLAB_CI", "gitlab"},
	{"CIRCLECI", "circleci"},
	{"BUILDKITE", "buildkite"},
	{"JENKINS_URL", "jenkins"},
	{"TF_BUILD", "azure-pipelines"},
}

func detectCI(getenv func(string) string) (bool, string) {
	for _, p := range ciProviders {
		if getenv(p.env) != "" {
			return true, p.name
		}
	}
	if v := strings.ToLower(getenv("CI")); v != "" && v != "false" && v != "0" {
		return true, "generic"
	}
	return false, ""
}
