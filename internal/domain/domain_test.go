package domain_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskgate/internal/domain"
)

func TestCanTransitionOnlyAlongLifecycle(t *testing.T) {
	allowed := map[[2]domain.Status]bool{
		{domain.StatusPending, domain.StatusReady}:      true,
		{domain.StatusReady, domain.StatusInProgress}:   true,
		{domain.StatusInProgress, domain.StatusReview}:  true,
		{domain.StatusReview, domain.StatusCompleted}:   true,
		{domain.StatusReview, domain.StatusReady}:       true,
		{domain.StatusPending, domain.StatusFailed}:     true,
		{domain.StatusReady, domain.StatusFailed}:       true,
		{domain.StatusInProgress, domain.StatusFailed}:  true,
		{domain.StatusReview, domain.StatusFailed}:      true,
	}
	for _, from := range domain.Statuses {
		for _, to := range domain.Statuses {
			want := allowed[[2]domain.Status{from, to}]
			assert.Equalf(t, want, domain.CanTransition(from, to), "%s -> %s", from, to)
			err := domain.EnsureTransition(from, to)
			if want {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, domain.ErrInvalidTransition)
			}
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	assert.True(t, domain.StatusCompleted.Terminal())
	assert.True(t, domain.StatusFailed.Terminal())
	assert.False(t, domain.StatusReview.Terminal())
	assert.False(t, domain.CanTransition("bogus", domain.StatusFailed))
}

func TestErrorMatchingByKind(t *testing.T) {
	err := fmt.Errorf("load: %w", domain.NotFoundf("task %s not found", "t1"))
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.False(t, errors.Is(err, domain.ErrInvalidTransition))
	assert.Equal(t, "not_found", domain.ReasonOf(err))
	assert.Equal(t, "task t1 not found", domain.DetailOf(err))
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))

	seq := domain.Errorf(domain.KindInvalidSequence, "missing_red", "cannot reach green without completing red")
	assert.Equal(t, "missing_red: cannot reach green without completing red", seq.Error())
	assert.ErrorIs(t, seq, &domain.Error{Kind: domain.KindInvalidSequence, Reason: "missing_red"})
	assert.NotErrorIs(t, seq, &domain.Error{Kind: domain.KindInvalidSequence, Reason: "other"})
	assert.Equal(t, "error", domain.ReasonOf(errors.New("plain")))
}

func TestOutstandingFeedback(t *testing.T) {
	task := domain.Task{Feedback: []domain.FeedbackEntry{
		{Seq: 1, Kind: domain.FeedbackReview, Actionable: true, Text: "rename handler"},
		{Seq: 2, Kind: domain.FeedbackReview, Actionable: false, Text: "nice"},
		{Seq: 3, Kind: domain.FeedbackReview, Actionable: true, Text: "add test"},
		{Seq: 4, Kind: domain.FeedbackResolution, Resolves: 1, Text: "done"},
	}}
	open := task.OutstandingFeedback()
	require.Len(t, open, 1)
	assert.Equal(t, 3, open[0].Seq)

	f, ok := task.FeedbackBySeq(2)
	require.True(t, ok)
	assert.Equal(t, "nice", f.Text)
}

func TestParsers(t *testing.T) {
	p, err := domain.ParsePriority("")
	require.NoError(t, err)
	assert.Equal(t, domain.PriorityMedium, p)
	_, err = domain.ParsePriority("urgent")
	assert.Error(t, err)
	assert.Less(t, domain.PriorityHigh.Rank(), domain.PriorityLow.Rank())

	r, err := domain.ParseRole("Implementer")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleImplementer, r)
	_, err = domain.ParseRole("intern")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	s, err := domain.ParseStatus("in-progress")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, s)

	c, err := domain.ParseClassification("non-functional")
	require.NoError(t, err)
	assert.Equal(t, domain.NonFunctional, c)
}

func TestExternalRefMerge(t *testing.T) {
	ref := domain.ExternalRef{Branch: "feat/x"}.Merge(domain.ExternalRef{Commit: "abc"})
	assert.Equal(t, domain.ExternalRef{Branch: "feat/x", Commit: "abc"}, ref)
	assert.True(t, domain.ExternalRef{}.IsZero())
}
