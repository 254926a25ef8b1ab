// Package storetest is a conformance suite run against every store.Store backend.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskgate/internal/domain"
	"taskgate/internal/store"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) store.Store

func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(*testing.T, store.Store)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"GetUnknown", testGetUnknown},
		{"DuplicateCreate", testDuplicateCreate},
		{"ForwardPath", testForwardPath},
		{"IllegalEdgeLeavesRecord", testIllegalEdgeLeavesRecord},
		{"ExpectMismatch", testExpectMismatch},
		{"ReworkNeedsFeedback", testReworkNeedsFeedback},
		{"AppendOnlyLogs", testAppendOnlyLogs},
		{"ClassificationSetOnce", testClassificationSetOnce},
		{"ListOrderAndFilter", testListOrderAndFilter},
		{"ConcurrentClaim", testConcurrentClaim},
		{"SoleActiveClaim", testSoleActiveClaim},
		{"Events", testEvents},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newStore(t)
			defer s.Close()
			tc.fn(t, s)
		})
	}
}

func newTask(id, title string, p domain.Priority, createdAt string) domain.Task {
	return domain.Task{
		ID:                 id,
		Title:              title,
		Priority:           p,
		Status:             domain.StatusPending,
		Goal:               "goal of " + title,
		AcceptanceCriteria: []string{"first criterion", "second criterion"},
		CreatedAt:          createdAt,
		UpdatedAt:          createdAt,
	}
}

func create(t *testing.T, s store.Store, task domain.Task) domain.Task {
	t.Helper()
	out, err := s.Create(context.Background(), task, "tester")
	require.NoError(t, err)
	return out
}

func testCreateAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	in := newTask("t-1", "Add payment validation", domain.PriorityHigh, "2024-01-01T00:00:00Z")
	in.Overview = "overview"
	in.ImplementationNotes = "notes"
	in.DefinitionOfReady = []string{"scope agreed"}
	in.DefinitionOfDone = []string{"merged"}
	in.FilesAffected = []string{"pay/validate.go"}
	in.DependsOn = []string{"t-0"}
	created := create(t, s, in)
	assert.Equal(t, domain.StatusPending, created.Status)

	got, err := s.Get(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, in.Title, got.Title)
	assert.Equal(t, in.Priority, got.Priority)
	assert.Equal(t, in.Goal, got.Goal)
	assert.Equal(t, in.Overview, got.Overview)
	assert.Equal(t, in.ImplementationNotes, got.ImplementationNotes)
	assert.Equal(t, in.AcceptanceCriteria, got.AcceptanceCriteria)
	assert.Equal(t, in.DefinitionOfReady, got.DefinitionOfReady)
	assert.Equal(t, in.DefinitionOfDone, got.DefinitionOfDone)
	assert.Equal(t, in.FilesAffected, got.FilesAffected)
	assert.Equal(t, in.DependsOn, got.DependsOn)
	assert.Equal(t, in.CreatedAt, got.CreatedAt)
}

func testGetUnknown(t *testing.T, s store.Store) {
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = s.Transition(context.Background(), "missing", domain.StatusReady, store.Patch{})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func testDuplicateCreate(t *testing.T, s store.Store) {
	create(t, s, newTask("dup", "first", domain.PriorityLow, "2024-01-01T00:00:00Z"))
	_, err := s.Create(context.Background(), newTask("dup", "second", domain.PriorityLow, "2024-01-01T00:00:00Z"), "tester")
	assert.Error(t, err)
}

func testForwardPath(t *testing.T, s store.Store) {
	ctx := context.Background()
	create(t, s, newTask("t-2", "walk", domain.PriorityMedium, "2024-01-01T00:00:00Z"))
	path := []domain.Status{domain.StatusReady, domain.StatusInProgress, domain.StatusReview, domain.StatusReady,
		domain.StatusInProgress, domain.StatusReview, domain.StatusCompleted}
	for i, to := range path {
		p := store.Patch{Event: "task.moved"}
		if i > 0 && path[i-1] == domain.StatusReview && to == domain.StatusReady {
			p.Feedback = &domain.FeedbackEntry{Kind: domain.FeedbackReview, Actionable: true, Author: "reviewer", Text: "again"}
		}
		got, err := s.Transition(ctx, "t-2", to, p)
		require.NoErrorf(t, err, "transition to %s", to)
		assert.Equal(t, to, got.Status)

		listed, err := s.List(ctx, store.Filter{Status: to})
		require.NoError(t, err)
		require.Len(t, listed, 1, "record observable in destination")
		assert.Equal(t, "t-2", listed[0].ID)
	}
	got, err := s.Get(ctx, "t-2")
	require.NoError(t, err)
	assert.NotEmpty(t, got.CompletedAt)
}

func testIllegalEdgeLeavesRecord(t *testing.T, s store.Store) {
	ctx := context.Background()
	create(t, s, newTask("t-3", "skip ahead", domain.PriorityMedium, "2024-01-01T00:00:00Z"))
	for _, to := range []domain.Status{domain.StatusInProgress, domain.StatusReview, domain.StatusCompleted, domain.StatusPending} {
		_, err := s.Transition(ctx, "t-3", to, store.Patch{Error: &domain.ErrorEntry{Kind: "x", Detail: "should not land"}})
		assert.ErrorIsf(t, err, domain.ErrInvalidTransition, "pending -> %s", to)
	}
	got, err := s.Get(ctx, "t-3")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Empty(t, got.Errors)

	_, err = s.Transition(ctx, "t-3", domain.StatusFailed, store.Patch{})
	require.NoError(t, err)
	_, err = s.Transition(ctx, "t-3", domain.StatusFailed, store.Patch{})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition, "failed is terminal")
}

func testExpectMismatch(t *testing.T, s store.Store) {
	ctx := context.Background()
	create(t, s, newTask("t-4", "cas", domain.PriorityMedium, "2024-01-01T00:00:00Z"))
	_, err := s.Transition(ctx, "t-4", domain.StatusFailed, store.Patch{Expect: domain.StatusReview})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = s.Update(ctx, "t-4", store.Patch{Expect: domain.StatusReady, Error: &domain.ErrorEntry{Kind: "x", Detail: "y"}})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	got, err := s.Get(ctx, "t-4")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Empty(t, got.Errors)
}

func testReworkNeedsFeedback(t *testing.T, s store.Store) {
	ctx := context.Background()
	create(t, s, newTask("t-rw", "rework", domain.PriorityMedium, "2024-01-01T00:00:00Z"))
	for _, to := range []domain.Status{domain.StatusReady, domain.StatusInProgress, domain.StatusReview} {
		_, err := s.Transition(ctx, "t-rw", to, store.Patch{})
		require.NoError(t, err)
	}
	_, err := s.Transition(ctx, "t-rw", domain.StatusReady, store.Patch{})
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Equal(t, "feedback_required", domain.ReasonOf(err))

	got, err := s.Get(ctx, "t-rw")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReview, got.Status)
	assert.Empty(t, got.Feedback)

	got, err = s.Transition(ctx, "t-rw", domain.StatusReady, store.Patch{
		Feedback: &domain.FeedbackEntry{Kind: domain.FeedbackReview, Actionable: true, Author: "reviewer", Text: "split it"},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReady, got.Status)
	require.Len(t, got.Feedback, 1)
}

func testAppendOnlyLogs(t *testing.T, s store.Store) {
	ctx := context.Background()
	create(t, s, newTask("t-5", "logs", domain.PriorityMedium, "2024-01-01T00:00:00Z"))
	_, err := s.Transition(ctx, "t-5", domain.StatusReady, store.Patch{})
	require.NoError(t, err)
	_, err = s.Transition(ctx, "t-5", domain.StatusInProgress, store.Patch{Assignee: domain.RoleImplementer})
	require.NoError(t, err)
	_, err = s.Update(ctx, "t-5", store.Patch{Error: &domain.ErrorEntry{Kind: "check_failed", Detail: "lint"}})
	require.NoError(t, err)
	_, err = s.Transition(ctx, "t-5", domain.StatusReview, store.Patch{Ref: domain.ExternalRef{Branch: "feat/logs", Commit: "abc123"}})
	require.NoError(t, err)
	_, err = s.Transition(ctx, "t-5", domain.StatusReady, store.Patch{
		Feedback: &domain.FeedbackEntry{Kind: domain.FeedbackReview, Actionable: true, Author: "reviewer", Text: "rename"},
	})
	require.NoError(t, err)
	got, err := s.Update(ctx, "t-5", store.Patch{
		Feedback: &domain.FeedbackEntry{Kind: domain.FeedbackResolution, Resolves: 1, Text: "renamed"},
		Ref:      domain.ExternalRef{ReviewRequest: "github:o/r#7"},
	})
	require.NoError(t, err)

	got, err = s.Get(ctx, got.ID)
	require.NoError(t, err)
	require.Len(t, got.Feedback, 2)
	assert.Equal(t, 1, got.Feedback[0].Seq)
	assert.Equal(t, "rename", got.Feedback[0].Text)
	assert.True(t, got.Feedback[0].Actionable)
	assert.Equal(t, 2, got.Feedback[1].Seq)
	assert.Equal(t, 1, got.Feedback[1].Resolves)
	require.Len(t, got.Errors, 1)
	assert.Equal(t, "lint", got.Errors[0].Detail)
	assert.Equal(t, domain.ExternalRef{Branch: "feat/logs", Commit: "abc123", ReviewRequest: "github:o/r#7"}, got.Ref)
	assert.Equal(t, domain.RoleImplementer, got.Assignee)
	assert.NotEmpty(t, got.AssignedAt)
	assert.Empty(t, got.OutstandingFeedback())
}

func testClassificationSetOnce(t *testing.T, s store.Store) {
	ctx := context.Background()
	create(t, s, newTask("t-6", "classify", domain.PriorityMedium, "2024-01-01T00:00:00Z"))
	got, err := s.Transition(ctx, "t-6", domain.StatusReady, store.Patch{Classification: domain.NonFunctional})
	require.NoError(t, err)
	assert.Equal(t, domain.NonFunctional, got.Classification)
	_, err = s.Update(ctx, "t-6", store.Patch{Classification: domain.Functional})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	got, err = s.Get(ctx, "t-6")
	require.NoError(t, err)
	assert.Equal(t, domain.NonFunctional, got.Classification)
}

func testListOrderAndFilter(t *testing.T, s store.Store) {
	ctx := context.Background()
	create(t, s, newTask("b", "low early", domain.PriorityLow, "2024-01-01T00:00:00Z"))
	create(t, s, newTask("c", "high late", domain.PriorityHigh, "2024-01-03T00:00:00Z"))
	create(t, s, newTask("a", "high early", domain.PriorityHigh, "2024-01-02T00:00:00Z"))
	create(t, s, newTask("d", "medium", domain.PriorityMedium, "2024-01-01T00:00:00Z"))

	all, err := s.List(ctx, store.Filter{})
	require.NoError(t, err)
	var ids []string
	for _, task := range all {
		ids = append(ids, task.ID)
	}
	assert.Equal(t, []string{"a", "c", "d", "b"}, ids)

	_, err = s.Transition(ctx, "d", domain.StatusReady, store.Patch{})
	require.NoError(t, err)
	ready, err := s.List(ctx, store.Filter{Status: domain.StatusReady})
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, "d", ready[0].ID)

	_, err = s.Transition(ctx, "d", domain.StatusInProgress, store.Patch{Assignee: domain.RoleImplementer})
	require.NoError(t, err)
	mine, err := s.List(ctx, store.Filter{Assignee: domain.RoleImplementer})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	none, err := s.List(ctx, store.Filter{Assignee: domain.RoleReviewer})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testConcurrentClaim(t *testing.T, s store.Store) {
	ctx := context.Background()
	create(t, s, newTask("race", "contended", domain.PriorityHigh, "2024-01-01T00:00:00Z"))
	_, err := s.Transition(ctx, "race", domain.StatusReady, store.Patch{})
	require.NoError(t, err)

	const racers = 8
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Transition(ctx, "race", domain.StatusInProgress, store.Patch{
				Expect:   domain.StatusReady,
				Assignee: domain.RoleImplementer,
				ActorID:  fmt.Sprintf("racer-%d", i),
			})
		}(i)
	}
	wg.Wait()
	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	}
	assert.Equal(t, 1, wins)
}

func testSoleActiveClaim(t *testing.T, s store.Store) {
	ctx := context.Background()
	const tasks = 6
	for i := 0; i < tasks; i++ {
		id := fmt.Sprintf("solo-%d", i)
		create(t, s, newTask(id, "solo", domain.PriorityMedium, "2024-01-01T00:00:00Z"))
		_, err := s.Transition(ctx, id, domain.StatusReady, store.Patch{})
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	errs := make([]error, tasks)
	for i := 0; i < tasks; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Transition(ctx, fmt.Sprintf("solo-%d", i), domain.StatusInProgress, store.Patch{
				Expect:     domain.StatusReady,
				Assignee:   domain.RoleImplementer,
				SoleActive: true,
			})
		}(i)
	}
	wg.Wait()
	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.Equal(t, "actor_busy", domain.ReasonOf(err))
	}
	assert.Equal(t, 1, wins)

	active, err := s.List(ctx, store.Filter{Status: domain.StatusInProgress, Assignee: domain.RoleImplementer})
	require.NoError(t, err)
	assert.Len(t, active, 1)

	// other roles are not held back
	_, err = s.Transition(ctx, "solo-0", domain.StatusInProgress, store.Patch{
		Expect:     domain.StatusReady,
		Assignee:   domain.RoleReviewer,
		SoleActive: true,
	})
	if active[0].ID == "solo-0" {
		assert.Equal(t, "status_changed", domain.ReasonOf(err))
	} else {
		assert.NoError(t, err)
	}
}

func testEvents(t *testing.T, s store.Store) {
	ctx := context.Background()
	create(t, s, newTask("ev", "events", domain.PriorityMedium, "2024-01-01T00:00:00Z"))
	_, err := s.Transition(ctx, "ev", domain.StatusReady, store.Patch{Event: "task.prepared", ActorID: "planner"})
	require.NoError(t, err)
	_, err = s.Update(ctx, "ev", store.Patch{Event: "task.noted", ActorID: "planner", Payload: map[string]any{"note": "x"}})
	require.NoError(t, err)

	latest, err := s.Events(ctx, store.EventFilter{TaskID: "ev", Latest: true, Limit: 2})
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "task.noted", latest[0].Type)
	assert.Equal(t, "task.prepared", latest[1].Type)
	assert.Contains(t, latest[1].Payload, "to_status")

	all, err := s.Events(ctx, store.EventFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "task.created", all[0].Type)

	after, err := s.Events(ctx, store.EventFilter{AfterID: all[0].ID})
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, "task.prepared", after[0].Type)

	typed, err := s.Events(ctx, store.EventFilter{Type: "task.noted"})
	require.NoError(t, err)
	require.Len(t, typed, 1)
	assert.Equal(t, "planner", typed[0].ActorID)
}
