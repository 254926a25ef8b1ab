package execctx

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRepo struct {
	t    *testing.T
	dir  string
	repo *git.Repository
	wt   *git.Worktree
}

func newTestRepo(t *testing.T) *testRepo {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)
	return &testRepo{t: t, dir: dir, repo: repo, wt: wt}
}

func (r *testRepo) write(rel, body string) {
	r.t.Helper()
	path := filepath.Join(r.dir, rel)
	require.NoError(r.t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(r.t, os.WriteFile(path, []byte(body), 0o644))
}

func (r *testRepo) commit(msg string, files ...string) plumbing.Hash {
	r.t.Helper()
	for _, f := range files {
		_, err := r.wt.Add(f)
		require.NoError(r.t, err)
	}
	h, err := r.wt.Commit(msg, &git.CommitOptions{
		Author: &object.Signature{Name: "dev", Email: "dev@example.com", When: time.Unix(1700000000, 0)},
	})
	require.NoError(r.t, err)
	return h
}

func (r *testRepo) branch(name string) {
	r.t.Helper()
	require.NoError(r.t, r.wt.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(name),
		Create: true,
	}))
}

func noEnv(string) string { return "" }

func TestBuildOutsideRepositoryHasEmptyVCS(t *testing.T) {
	ec, err := Builder{Workspace: t.TempDir(), Getenv: noEnv}.Build(context.Background(), Options{TaskID: "t-1", Mode: "quick"})
	require.NoError(t, err)
	assert.False(t, ec.IsRepo)
	assert.Empty(t, ec.Changes)
	assert.Equal(t, "t-1", ec.TaskID)
	assert.False(t, ec.CI)
}

func TestBuildDiffsBranchAgainstBase(t *testing.T) {
	r := newTestRepo(t)
	r.write("pay/validate.go", "package pay\n\nfunc Valid() bool { return true }\n")
	r.commit("initial", "pay/validate.go")

	r.branch("feat/pay")
	r.write("pay/validate.go", "package pay\n\nfunc Valid() bool { return true }\n\nfunc Luhn() bool {\n\treturn false\n}\n")
	r.write("pay/validate_test.go", "package pay\n")
	head := r.commit("add luhn check", "pay/validate.go", "pay/validate_test.go")

	ec, err := Builder{Workspace: r.dir, BaseRef: "master", Getenv: noEnv}.Build(context.Background(), Options{})
	require.NoError(t, err)
	assert.True(t, ec.IsRepo)
	assert.Equal(t, "feat/pay", ec.Branch)
	assert.Equal(t, head.String(), ec.Commit)
	assert.Equal(t, "add luhn check", ec.CommitMessage)
	assert.NotEmpty(t, ec.BaseCommit)
	assert.ElementsMatch(t, []string{"pay/validate.go", "pay/validate_test.go"}, ec.ChangedFiles())

	var src FileChange
	for _, c := range ec.Changes {
		if c.Path == "pay/validate.go" {
			src = c
		}
	}
	assert.Equal(t, 4, src.Added)
	assert.Equal(t, []int{4, 5, 6, 7}, src.Lines)

	patterns := []string{"*_test.go"}
	assert.Equal(t, []string{"pay/validate_test.go"}, ec.TestFiles(patterns))
	assert.Equal(t, []string{"pay/validate.go"}, ec.SourceFiles(patterns))
	assert.Equal(t, 5, ec.ChangedLines())
}

func TestBuildIncludesUncommittedFiles(t *testing.T) {
	r := newTestRepo(t)
	r.write("a.go", "package a\n")
	r.commit("initial", "a.go")
	r.write("a_test.go", "package a\n")

	ec, err := Builder{Workspace: r.dir, BaseRef: "master", Getenv: noEnv}.Build(context.Background(), Options{})
	require.NoError(t, err)
	require.NotEmpty(t, ec.Changes)
	var found bool
	for _, c := range ec.Changes {
		if c.Path == "a_test.go" {
			found = true
			assert.True(t, c.Uncommitted)
		}
	}
	assert.True(t, found, "untracked test file in change set: %+v", ec.Changes)
}

func TestBuildOnBaseUsesLastCommit(t *testing.T) {
	r := newTestRepo(t)
	r.write("a.go", "package a\n")
	r.commit("initial", "a.go")
	r.write("b.go", "package a\n\nvar B = 1\n")
	r.commit("add b", "b.go")

	ec, err := Builder{Workspace: r.dir, BaseRef: "master", Getenv: noEnv}.Build(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"b.go"}, ec.ChangedFiles())
}

func TestDetectCI(t *testing.T) {
	env := map[string]string{"GITHUB_ACTIONS": "true"}
	ci, provider := detectCI(func(k string) string { return env[k] })
	assert.True(t, ci)
	assert.Equal(t, "github-actions", provider)

	ci, _ = detectCI(func(k string) string { return map[string]string{"CI": "false"}[k] })
	assert.False(t, ci)
	ci, provider = detectCI(func(k string) string { return map[string]string{"CI": "1"}[k] })
	assert.True(t, ci)
	assert.Equal(t, "generic", provider)
}

func TestIsTestFile(t *testing.T) {
	patterns := []string{"*_test.go", "*.test.*", "*.spec.*", "test_*.py", "tests/**", "__tests__/**"}
	for _, p := range []string{"x_test.go", "src/a.test.ts", "b.spec.js", "pkg/test_api.py", "tests/unit/x.py", "web/__tests__/a.js"} {
		assert.Truef(t, IsTestFile(patterns, p), "%s should be a test file", p)
	}
	for _, p := range []string{"a.ts", "latest/x.go", "contest.py", "testsuite/x.go"} {
		assert.Falsef(t, IsTestFile(patterns, p), "%s should not be a test file", p)
	}
}
