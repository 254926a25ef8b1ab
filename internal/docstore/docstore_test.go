package docstore

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskgate/internal/domain"
	"taskgate/internal/store"
	"taskgate/internal/store/storetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), ".taskgate"))
	require.NoError(t, err)
	return s
}

func TestDocstoreConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return newTestStore(t) })
}

func TestTransitionMovesDocumentBetweenBuckets(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.Create(ctx, domain.Task{ID: "t-1", Title: "Move me", Priority: domain.PriorityHigh}, "planner")
	require.NoError(t, err)
	assert.FileExists(t, s.PathFor("t-1", domain.StatusPending))

	_, err = s.Transition(ctx, "t-1", domain.StatusReady, store.Patch{})
	require.NoError(t, err)
	assert.FileExists(t, s.PathFor("t-1", domain.StatusReady))
	assert.NoFileExists(t, s.PathFor("t-1", domain.StatusPending))
}

func TestDuplicateCopiesResolveToNewest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.Create(ctx, domain.Task{ID: "t-1", Title: "dup", UpdatedAt: "2024-01-01T00:00:00Z", CreatedAt: "2024-01-01T00:00:00Z"}, "")
	require.NoError(t, err)

	// simulate a crash between writing the destination and removing the source
	newer := domain.Task{ID: "t-1", Title: "dup", Status: domain.StatusReady, CreatedAt: "2024-01-01T00:00:00Z", UpdatedAt: "2024-01-02T00:00:00Z"}
	data, err := Render(newer)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.PathFor("t-1", domain.StatusReady), data, 0o644))

	got, err := s.Get(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReady, got.Status)

	all, err := s.List(ctx, store.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 1)

	_, err = s.Transition(ctx, "t-1", domain.StatusInProgress, store.Patch{Assignee: domain.RoleImplementer})
	require.NoError(t, err)
	assert.NoFileExists(t, s.PathFor("t-1", domain.StatusPending), "stale copy cleaned up")
	assert.NoFileExists(t, s.PathFor("t-1", domain.StatusReady))
}

func TestRenderIncludesSections(t *testing.T) {
	task := domain.Task{
		ID:                 "t-9",
		Title:              "Add payment validation",
		Status:             domain.StatusReview,
		Priority:           domain.PriorityHigh,
		Assignee:           domain.RoleReviewer,
		Classification:     domain.Functional,
		Goal:               "Reject malformed card numbers",
		AcceptanceCriteria: []string{"luhn check"},
		FilesAffected:      []string{"pay/validate.go"},
		Feedback: []domain.FeedbackEntry{
			{Seq: 1, Kind: domain.FeedbackReview, Actionable: true, Author: "rev", Text: "add test", At: "2024-01-01T00:00:00Z"},
		},
		Errors: []domain.ErrorEntry{{Seq: 1, Kind: "check_failed", Detail: "lint: 3 warnings", At: "2024-01-01T00:00:00Z"}},
		Ref:    domain.ExternalRef{Branch: "feat/pay"},
	}
	out, err := Render(task)
	require.NoError(t, err)
	text := string(out)
	for _, want := range []string{
		"# Add payment validation", "- **Status:** review", "- **Actor:** reviewer",
		"## Goal", "## Acceptance Criteria", "- [ ] luhn check", "## Files Affected",
		"## Review Feedback", "[review, open] add test", "## Error Context", "lint: 3 warnings",
		"## External References", "- Branch: feat/pay",
	} {
		assert.Contains(t, text, want)
	}
	assert.NotContains(t, text, "## Overview")

	parsed, err := Parse(out)
	require.NoError(t, err)
	assert.Equal(t, task.Feedback, parsed.Feedback)
	assert.Equal(t, task.Ref, parsed.Ref)
}

func TestParseRejectsMissingFrontMatter(t *testing.T) {
	_, err := Parse([]byte("# just markdown\n"))
	assert.Error(t, err)
	_, err = Parse([]byte("---\ntitle: x\n"))
	assert.Error(t, err)
}

func TestCreateRejectsPathLikeIDs(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"../escape", "a/b", ".hidden", ""} {
		_, err := s.Create(context.Background(), domain.Task{ID: id, Title: "x"}, "")
		assert.Errorf(t, err, "id %q", id)
	}
	entries, err := os.ReadDir(s.bucket(domain.StatusPending))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".md"), "unexpected document %s", e.Name())
	}
}
