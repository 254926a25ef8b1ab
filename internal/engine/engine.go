// Package engine coordinates the task lifecycle: it sequences the store,
// the classifier, the phase validator and the check runner for every
// user-facing operation and enforces each operation's preconditions.
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"taskgate/internal/checks"
	"taskgate/internal/classify"
	"taskgate/internal/config"
	"taskgate/internal/domain"
	"taskgate/internal/events"
	"taskgate/internal/execctx"
	"taskgate/internal/metrics"
	"taskgate/internal/phase"
	"taskgate/internal/review"
	"taskgate/internal/store"
)

// ContextBuilder captures the execution context a battery or phase
// certification runs against. execctx.Builder is the production one.
type ContextBuilder interface {
	Build(ctx context.Context, opts execctx.Options) (*execctx.Context, error)
}

type Engine struct {
	Store      store.Store
	Config     *config.Config
	Classifier classify.Classifier
	Registry   *checks.Registry
	Builder    ContextBuilder
	History    phase.History
	Tests      phase.TestExecutor
	Coverage   phase.CoverageProbe
	Review     review.Requester
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
	Now        func() time.Time
	NewID      func() string
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) log() *zap.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return zap.NewNop()
}

func (e Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return "T-" + strings.SplitN(uuid.NewString(), "-", 2)[0]
}

func (e Engine) classifier() classify.Classifier {
	if e.Classifier != nil {
		return e.Classifier
	}
	if e.Config != nil {
		return classify.New(e.Config.Classify.FunctionalTerms, e.Config.Classify.NonFunctionalTerms)
	}
	return classify.New(nil, nil)
}

// transition applies a status change and records it in logs and metrics.
func (e Engine) transition(ctx context.Context, t domain.Task, to domain.Status, p store.Patch) (domain.Task, error) {
	if p.Expect == "" {
		p.Expect = t.Status
	}
	updated, err := e.Store.Transition(ctx, t.ID, to, p)
	if err != nil {
		return domain.Task{}, err
	}
	e.Metrics.ObserveTransition(string(t.Status), string(to))
	e.log().Info("task transitioned",
		zap.String("task_id", t.ID),
		zap.String("from", string(t.Status)),
		zap.String("to", string(to)),
		zap.String("actor", p.ActorID))
	return updated, nil
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID                  string
	Title               string
	Priority            string
	Classification      string
	Goal                string
	Overview            string
	AcceptanceCriteria  []string
	DefinitionOfReady   []string
	DefinitionOfDone    []string
	FilesAffected       []string
	DependsOn           []string
	ImplementationNotes string
	ActorID             string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	title := strings.TrimSpace(opts.Title)
	if title == "" {
		return domain.Task{}, domain.Invalidf("title is required")
	}
	prio, err := domain.ParsePriority(opts.Priority)
	if err != nil {
		return domain.Task{}, domain.Invalidf("%v", err)
	}
	var class domain.Classification
	if opts.Classification != "" {
		if class, err = domain.ParseClassification(opts.Classification); err != nil {
			return domain.Task{}, domain.Invalidf("%v", err)
		}
	}
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		id = e.newID()
	}
	deps, err := normalizeDeps(id, opts.DependsOn)
	if err != nil {
		return domain.Task{}, err
	}
	now := e.stamp()
	t := domain.Task{
		ID:                  id,
		Title:               title,
		Priority:            prio,
		Status:              domain.StatusPending,
		Classification:      class,
		Goal:                strings.TrimSpace(opts.Goal),
		Overview:            strings.TrimSpace(opts.Overview),
		ImplementationNotes: strings.TrimSpace(opts.ImplementationNotes),
		AcceptanceCriteria:  compact(opts.AcceptanceCriteria),
		DefinitionOfReady:   compact(opts.DefinitionOfReady),
		DefinitionOfDone:    compact(opts.DefinitionOfDone),
		FilesAffected:       compact(opts.FilesAffected),
		DependsOn:           deps,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	created, err := e.Store.Create(ctx, t, opts.ActorID)
	if err != nil {
		return domain.Task{}, err
	}
	e.log().Info("task created", zap.String("task_id", created.ID), zap.String("priority", string(created.Priority)))
	return created, nil
}

func normalizeDeps(id string, in []string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, d := range in {
		d = strings.TrimSpace(d)
		if d == "" || seen[d] {
			continue
		}
		if d == id {
			return nil, domain.Errorf(domain.KindInvalidTransition, "dependency_cycle", "task %s cannot depend on itself", id)
		}
		seen[d] = true
		out = append(out, d)
	}
	return out, nil
}

func compact(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Prepare classifies a pending task, validates its dependencies and context,
// and makes it ready to claim.
func (e Engine) Prepare(ctx context.Context, id, actorID string) (domain.Task, error) {
	t, err := e.Store.Get(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if t.Status != domain.StatusPending {
		return domain.Task{}, domain.Errorf(domain.KindInvalidTransition, "invalid_transition",
			"prepare needs a pending task, %s is %s", t.ID, t.Status)
	}
	if t.Goal == "" && len(t.AcceptanceCriteria) == 0 {
		return domain.Task{}, domain.Errorf(domain.KindInvalidTransition, "missing_context",
			"task %s needs a goal or at least one acceptance criterion", t.ID)
	}
	for _, dep := range t.DependsOn {
		if _, err := e.Store.Get(ctx, dep); err != nil {
			if domain.KindOf(err) == domain.KindNotFound {
				return domain.Task{}, domain.Errorf(domain.KindInvalidTransition, "unknown_dependency",
					"task %s depends on unknown task %s", t.ID, dep)
			}
			return domain.Task{}, err
		}
	}
	if err := e.ensureNoCycle(ctx, t); err != nil {
		return domain.Task{}, err
	}
	class := t.Classification
	matched := "preset"
	if class == "" {
		class = e.classifier().Classify(t.Title, t.AcceptanceCriteria)
		matched = "keywords"
	}
	updated, err := e.transition(ctx, t, domain.StatusReady, store.Patch{
		Classification: class,
		ActorID:        actorID,
		Payload:        map[string]any{"classification": class, "classified_by": matched},
	})
	if err != nil {
		return domain.Task{}, err
	}
	e.log().Info("task classified", zap.String("task_id", t.ID), zap.String("classification", string(class)))
	return updated, nil
}

// ensureNoCycle walks the dependency graph from t depth-first.
func (e Engine) ensureNoCycle(ctx context.Context, t domain.Task) error {
	const (
		visiting = 1
		done     = 2
	)
	state := map[string]int{}
	var visit func(id string, deps []string, path []string) error
	visit = func(id string, deps []string, path []string) error {
		state[id] = visiting
		path = append(path, id)
		for _, dep := range deps {
			switch state[dep] {
			case visiting:
				return domain.Errorf(domain.KindInvalidTransition, "dependency_cycle",
					"dependency cycle: %s -> %s", strings.Join(path, " -> "), dep)
			case done:
				continue
			}
			next, err := e.Store.Get(ctx, dep)
			if err != nil {
				return err
			}
			if err := visit(next.ID, next.DependsOn, path); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}
	return visit(t.ID, t.DependsOn, nil)
}

// Claim hands a ready task to an actor role. Concurrent claims race on the
// store's status check; exactly one wins.
func (e Engine) Claim(ctx context.Context, id, actor string) (domain.Task, error) {
	role, err := domain.ParseRole(actor)
	if err != nil {
		return domain.Task{}, err
	}
	t, err := e.Store.Get(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if t.Status != domain.StatusReady {
		return domain.Task{}, domain.Errorf(domain.KindInvalidTransition, "invalid_transition",
			"claim needs a ready task, %s is %s", t.ID, t.Status)
	}
	var blocking []string
	for _, dep := range t.DependsOn {
		d, err := e.Store.Get(ctx, dep)
		if err != nil {
			return domain.Task{}, err
		}
		if d.Status != domain.StatusCompleted {
			blocking = append(blocking, fmt.Sprintf("%s (%s)", d.ID, d.Status))
		}
	}
	if len(blocking) > 0 {
		return domain.Task{}, domain.Errorf(domain.KindInvalidTransition, "dependencies_incomplete",
			"task %s waits on %s", t.ID, strings.Join(blocking, ", "))
	}
	// the store rechecks single_active atomically with the write
	return e.transition(ctx, t, domain.StatusInProgress, store.Patch{
		Expect:     domain.StatusReady,
		Assignee:   role,
		SoleActive: e.Config == nil || e.Config.Claim.SingleActive,
		ActorID:    string(role),
	})
}

// Complete closes a reviewed task. Open actionable feedback blocks it.
func (e Engine) Complete(ctx context.Context, id, actorID string) (domain.Task, error) {
	t, err := e.Store.Get(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if err := domain.EnsureTransition(t.Status, domain.StatusCompleted); err != nil {
		return domain.Task{}, err
	}
	if open := t.OutstandingFeedback(); len(open) > 0 {
		seqs := make([]string, 0, len(open))
		for _, f := range open {
			seqs = append(seqs, fmt.Sprintf("#%d", f.Seq))
		}
		return domain.Task{}, domain.Errorf(domain.KindFeedbackUnresolved, "feedback_unresolved",
			"task %s has unresolved feedback %s", t.ID, strings.Join(seqs, ", "))
	}
	return e.transition(ctx, t, domain.StatusCompleted, store.Patch{Expect: domain.StatusReview, ActorID: actorID})
}

// Fail abandons a task from any non-terminal status, recording why.
func (e Engine) Fail(ctx context.Context, id, reason, actorID string) (domain.Task, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.Task{}, domain.Invalidf("a failure reason is required")
	}
	t, err := e.Store.Get(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	return e.transition(ctx, t, domain.StatusFailed, store.Patch{
		Error:   &domain.ErrorEntry{Kind: "failed", Detail: reason, Actor: actorID},
		ActorID: actorID,
	})
}

type FeedbackOptions struct {
	TaskID  string
	Text    string
	ActorID string
	// Informational feedback is recorded but never blocks completion.
	Informational bool
}

// AddFeedback sends a task under review back to ready with a new feedback
// entry.
func (e Engine) AddFeedback(ctx context.Context, opts FeedbackOptions) (domain.Task, error) {
	text := strings.TrimSpace(opts.Text)
	if text == "" {
		return domain.Task{}, domain.Invalidf("feedback text is required")
	}
	t, err := e.Store.Get(ctx, opts.TaskID)
	if err != nil {
		return domain.Task{}, err
	}
	return e.transition(ctx, t, domain.StatusReady, store.Patch{
		Expect: domain.StatusReview,
		Feedback: &domain.FeedbackEntry{
			Kind:       domain.FeedbackReview,
			Actionable: !opts.Informational,
			Author:     opts.ActorID,
			Text:       text,
		},
		ActorID: opts.ActorID,
	})
}

// ResolveFeedback appends a resolution entry closing review entry seq.
func (e Engine) ResolveFeedback(ctx context.Context, id string, seq int, note, actorID string) (domain.Task, error) {
	t, err := e.Store.Get(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	switch t.Status {
	case domain.StatusReady, domain.StatusInProgress, domain.StatusReview:
	default:
		return domain.Task{}, domain.Errorf(domain.KindInvalidTransition, "invalid_transition",
			"feedback on %s cannot be resolved while %s", t.ID, t.Status)
	}
	open := false
	for _, f := range t.OutstandingFeedback() {
		if f.Seq == seq {
			open = true
		}
	}
	if !open {
		return domain.Task{}, domain.Errorf(domain.KindInvalidTransition, "feedback_not_open",
			"task %s has no open feedback #%d", t.ID, seq)
	}
	note = strings.TrimSpace(note)
	if note == "" {
		note = "resolved"
	}
	updated, err := e.Store.Update(ctx, t.ID, store.Patch{
		Expect: t.Status,
		Feedback: &domain.FeedbackEntry{
			Kind:     domain.FeedbackResolution,
			Resolves: seq,
			Author:   actorID,
			Text:     note,
		},
		ActorID: actorID,
		Event:   "task.feedback_resolved",
		Payload: map[string]any{"resolves": seq},
	})
	if err != nil {
		return domain.Task{}, err
	}
	e.log().Info("feedback resolved", zap.String("task_id", t.ID), zap.Int("seq", seq))
	return updated, nil
}

func (e Engine) Get(ctx context.Context, id string) (domain.Task, error) {
	return e.Store.Get(ctx, id)
}

func (e Engine) List(ctx context.Context, f store.Filter) ([]domain.Task, error) {
	return e.Store.List(ctx, f)
}

func (e Engine) Events(ctx context.Context, q events.Query) ([]domain.Event, error) {
	return e.Store.Events(ctx, q)
}

type TaskSummary struct {
	ID             string                `json:"id"`
	Title          string                `json:"title"`
	Status         domain.Status         `json:"status"`
	Priority       domain.Priority       `json:"priority"`
	Classification domain.Classification `json:"classification,omitempty"`
	Assignee       domain.Role           `json:"assignee,omitempty"`
	OpenFeedback   int                   `json:"open_feedback"`
	Errors         int                   `json:"errors"`
}

type Summary struct {
	Total  int                   `json:"total"`
	Counts map[domain.Status]int `json:"counts"`
	Tasks  []TaskSummary         `json:"tasks"`
}

// Status is a read-only summary across all records.
func (e Engine) Status(ctx context.Context) (Summary, error) {
	tasks, err := e.Store.List(ctx, store.Filter{})
	if err != nil {
		return Summary{}, err
	}
	sum := Summary{Total: len(tasks), Counts: make(map[domain.Status]int, len(domain.Statuses)), Tasks: []TaskSummary{}}
	for _, st := range domain.Statuses {
		sum.Counts[st] = 0
	}
	for _, t := range tasks {
		sum.Counts[t.Status]++
		sum.Tasks = append(sum.Tasks, TaskSummary{
			ID:             t.ID,
			Title:          t.Title,
			Status:         t.Status,
			Priority:       t.Priority,
			Classification: t.Classification,
			Assignee:       t.Assignee,
			OpenFeedback:   len(t.OutstandingFeedback()),
			Errors:         len(t.Errors),
		})
	}
	return sum, nil
}
