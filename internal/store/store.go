// Package store defines the task lifecycle store contract shared by the
// SQLite repository and the Markdown document store.
package store

import (
	"context"
	"sort"

	"taskgate/internal/domain"
	"taskgate/internal/events"
)

// Store persists task records keyed by id with status as a first-class field.
//
// Transition and Update are atomic read-modify-write operations. When
// Patch.Expect is set the write only happens if the record is still in that
// status; a lost race is reported as InvalidTransition and never retried.
type Store interface {
	Create(ctx context.Context, t domain.Task, actorID string) (domain.Task, error)
	Get(ctx context.Context, id string) (domain.Task, error)
	List(ctx context.Context, f Filter) ([]domain.Task, error)
	Transition(ctx context.Context, id string, to domain.Status, p Patch) (domain.Task, error)
	Update(ctx context.Context, id string, p Patch) (domain.Task, error)
	Events(ctx context.Context, f EventFilter) ([]domain.Event, error)
	Close() error
}

type Filter struct {
	Status   domain.Status
	Assignee domain.Role
}

func (f Filter) Match(t domain.Task) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.Assignee != "" && t.Assignee != f.Assignee {
		return false
	}
	return true
}

type EventFilter = events.Query

// Patch is the context appended by a transition or update. Logs are append
// only, so Feedback and Error are added as new entries with the next sequence
// number; existing entries are never rewritten.
type Patch struct {
	Expect         domain.Status
	Classification domain.Classification
	Assignee       domain.Role
	Feedback       *domain.FeedbackEntry
	Error          *domain.ErrorEntry
	Ref            domain.ExternalRef

	// Non-nil lists and non-empty notes replace the stored values.
	AcceptanceCriteria  []string
	FilesAffected       []string
	ImplementationNotes string

	// SoleActive fails the write when Assignee already holds another
	// in-progress task. Backends check it inside their atomic section.
	SoleActive bool

	ActorID string
	Event   string
	Payload map[string]any
	Now     string
}

// ApplyPatch validates p against t and returns the mutated record. Store
// implementations call it inside their atomic section.
func ApplyPatch(t domain.Task, to domain.Status, p Patch) (domain.Task, error) {
	if p.Expect != "" && t.Status != p.Expect {
		return t, domain.Errorf(domain.KindInvalidTransition, "status_changed",
			"task %s is %s, expected %s", t.ID, t.Status, p.Expect)
	}
	if to != "" {
		if err := domain.EnsureTransition(t.Status, to); err != nil {
			return t, err
		}
		// review goes back to ready only to attach feedback
		if t.Status == domain.StatusReview && to == domain.StatusReady && p.Feedback == nil {
			return t, domain.Errorf(domain.KindInvalidTransition, "feedback_required",
				"task %s can return from review to ready only with feedback", t.ID)
		}
	}
	if p.Classification != "" {
		if t.Classification != "" && t.Classification != p.Classification {
			return t, domain.Errorf(domain.KindInvalidTransition, "classification_immutable",
				"task %s is already classified %s", t.ID, t.Classification)
		}
		t.Classification = p.Classification
	}
	if p.Assignee != "" {
		t.Assignee = p.Assignee
		t.AssignedAt = p.Now
	}
	if p.Feedback != nil {
		f := *p.Feedback
		f.Seq = len(t.Feedback) + 1
		if f.At == "" {
			f.At = p.Now
		}
		t.Feedback = append(append([]domain.FeedbackEntry{}, t.Feedback...), f)
	}
	if p.Error != nil {
		e := *p.Error
		e.Seq = len(t.Errors) + 1
		if e.At == "" {
			e.At = p.Now
		}
		t.Errors = append(append([]domain.ErrorEntry{}, t.Errors...), e)
	}
	t.Ref = t.Ref.Merge(p.Ref)
	if p.AcceptanceCriteria != nil {
		t.AcceptanceCriteria = append([]string{}, p.AcceptanceCriteria...)
	}
	if p.FilesAffected != nil {
		t.FilesAffected = append([]string{}, p.FilesAffected...)
	}
	if p.ImplementationNotes != "" {
		t.ImplementationNotes = p.ImplementationNotes
	}
	if to != "" {
		t.Status = to
		if to == domain.StatusCompleted {
			t.CompletedAt = p.Now
		}
	}
	t.UpdatedAt = p.Now
	return t, nil
}

// ActorBusy is the error for a claim refused because role holds holder.
func ActorBusy(role domain.Role, holder string) error {
	return domain.Errorf(domain.KindInvalidTransition, "actor_busy", "%s already holds %s", role, holder)
}

// Sort orders tasks by priority (highest first), creation time, then id.
func Sort(tasks []domain.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() < b.Priority.Rank()
		}
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt < b.CreatedAt
		}
		return a.ID < b.ID
	})
}

// EventPayload builds the audit payload recorded for a transition.
func EventPayload(from, to domain.Status, p Patch) map[string]any {
	payload := map[string]any{}
	for k, v := range p.Payload {
		payload[k] = v
	}
	if from != "" {
		payload["from_status"] = from
	}
	if to != "" {
		payload["to_status"] = to
	}
	if p.Feedback != nil {
		payload["feedback_kind"] = p.Feedback.Kind
	}
	if p.Error != nil {
		payload["error_kind"] = p.Error.Kind
	}
	return payload
}
