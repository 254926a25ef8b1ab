package domain

import (
	"fmt"
	"strings"
)

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank orders priorities highest-first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 2
	}
	return 3
}

func ParsePriority(s string) (Priority, error) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PriorityMedium, nil
	case PriorityHigh, PriorityMedium, PriorityLow:
		return p, nil
	}
	return "", fmt.Errorf("invalid priority %q (want high, medium or low)", s)
}

type Classification string

const (
	Functional    Classification = "functional"
	NonFunctional Classification = "non_functional"
)

func ParseClassification(s string) (Classification, error) {
	switch c := Classification(strings.TrimSpace(s)); c {
	case Functional, NonFunctional:
		return c, nil
	case "non-functional":
		return NonFunctional, nil
	}
	return "", fmt.Errorf("invalid classification %q", s)
}

// Role is one of the fixed actor roles a task can be handed to.
type Role string

const (
	RolePlanner     Role = "planner"
	RoleImplementer Role = "implementer"
	RoleReviewer    Role = "reviewer"
	RoleOperator    Role = "operator"
)

var Roles = []Role{RolePlanner, RoleImplementer, RoleReviewer, RoleOperator}

func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Roles {
		if r == known {
			return r, nil
		}
	}
	return "", Errorf(KindInvalidTransition, "unknown_actor", "actor %q is not one of planner, implementer, reviewer, operator", s)
}

type Phase string

const (
	PhaseRed      Phase = "red"
	PhaseGreen    Phase = "green"
	PhaseRefactor Phase = "refactor"
)

func ParsePhase(s string) (Phase, error) {
	switch p := Phase(strings.ToLower(strings.TrimSpace(s))); p {
	case PhaseRed, PhaseGreen, PhaseRefactor:
		return p, nil
	}
	return "", fmt.Errorf("invalid phase %q (want red, green or refactor)", s)
}

type FeedbackKind string

const (
	FeedbackReview     FeedbackKind = "review"
	FeedbackResolution FeedbackKind = "resolution"
	FeedbackComment    FeedbackKind = "comment"
)

// FeedbackEntry is one immutable line of the review-feedback log.
// A resolution entry points at the review entry it closes through Resolves.
type FeedbackEntry struct {
	Seq        int          `json:"seq" yaml:"seq"`
	Kind       FeedbackKind `json:"kind" yaml:"kind"`
	Actionable bool         `json:"actionable,omitempty" yaml:"actionable,omitempty"`
	Resolves   int          `json:"resolves,omitempty" yaml:"resolves,omitempty"`
	Author     string       `json:"author,omitempty" yaml:"author,omitempty"`
	Text       string       `json:"text" yaml:"text"`
	At         string       `json:"at" yaml:"at" format:"date-time"`
}

// ErrorEntry is one immutable line of the error-context log.
type ErrorEntry struct {
	Seq    int    `json:"seq" yaml:"seq"`
	Kind   string `json:"kind" yaml:"kind"`
	Detail string `json:"detail" yaml:"detail"`
	Actor  string `json:"actor,omitempty" yaml:"actor,omitempty"`
	At     string `json:"at" yaml:"at" format:"date-time"`
}

type ExternalRef struct {
	Branch        string `json:"branch,omitempty" yaml:"branch,omitempty"`
	Commit        string `json:"commit,omitempty" yaml:"commit,omitempty"`
	ReviewRequest string `json:"review_request,omitempty" yaml:"review_request,omitempty"`
}

func (r ExternalRef) IsZero() bool {
	return r.Branch == "" && r.Commit == "" && r.ReviewRequest == ""
}

// Merge overlays the non-empty fields of o.
func (r ExternalRef) Merge(o ExternalRef) ExternalRef {
	if o.Branch != "" {
		r.Branch = o.Branch
	}
	if o.Commit != "" {
		r.Commit = o.Commit
	}
	if o.ReviewRequest != "" {
		r.ReviewRequest = o.ReviewRequest
	}
	return r
}

type Task struct {
	ID                  string          `json:"id" yaml:"id"`
	Title               string          `json:"title" yaml:"title"`
	Priority            Priority        `json:"priority" yaml:"priority" enum:"high,medium,low"`
	Status              Status          `json:"status" yaml:"status" enum:"pending,ready,in_progress,review,completed,failed"`
	Classification      Classification  `json:"classification,omitempty" yaml:"classification,omitempty"`
	Assignee            Role            `json:"assignee,omitempty" yaml:"assignee,omitempty"`
	Goal                string          `json:"goal,omitempty" yaml:"goal,omitempty"`
	Overview            string          `json:"overview,omitempty" yaml:"overview,omitempty"`
	ImplementationNotes string          `json:"implementation_notes,omitempty" yaml:"implementation_notes,omitempty"`
	AcceptanceCriteria  []string        `json:"acceptance_criteria,omitempty" yaml:"acceptance_criteria,omitempty"`
	DefinitionOfReady   []string        `json:"definition_of_ready,omitempty" yaml:"definition_of_ready,omitempty"`
	DefinitionOfDone    []string        `json:"definition_of_done,omitempty" yaml:"definition_of_done,omitempty"`
	FilesAffected       []string        `json:"files_affected,omitempty" yaml:"files_affected,omitempty"`
	DependsOn           []string        `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Feedback            []FeedbackEntry `json:"feedback,omitempty" yaml:"feedback,omitempty"`
	Errors              []ErrorEntry    `json:"errors,omitempty" yaml:"errors,omitempty"`
	Ref                 ExternalRef     `json:"ref,omitempty" yaml:"ref,omitempty"`
	CreatedAt           string          `json:"created_at" yaml:"created_at" format:"date-time"`
	AssignedAt          string          `json:"assigned_at,omitempty" yaml:"assigned_at,omitempty" format:"date-time"`
	CompletedAt         string          `json:"completed_at,omitempty" yaml:"completed_at,omitempty" format:"date-time"`
	UpdatedAt           string          `json:"updated_at" yaml:"updated_at" format:"date-time"`
}

// OutstandingFeedback returns actionable review entries with no resolution entry.
func (t Task) OutstandingFeedback() []FeedbackEntry {
	resolved := make(map[int]bool)
	for _, f := range t.Feedback {
		if f.Kind == FeedbackResolution && f.Resolves > 0 {
			resolved[f.Resolves] = true
		}
	}
	var open []FeedbackEntry
	for _, f := range t.Feedback {
		if f.Kind == FeedbackReview && f.Actionable && !resolved[f.Seq] {
			open = append(open, f)
		}
	}
	return open
}

// FeedbackBySeq finds a feedback entry by sequence number.
func (t Task) FeedbackBySeq(seq int) (FeedbackEntry, bool) {
	for _, f := range t.Feedback {
		if f.Seq == seq {
			return f, true
		}
	}
	return FeedbackEntry{}, false
}

// PhaseEvidence is one executed test-discipline phase. Reset entries
// start a new sequence.
type PhaseEvidence struct {
	TaskID      string   `json:"task_id"`
	Phase       Phase    `json:"phase,omitempty"`
	Reset       bool     `json:"reset,omitempty"`
	At          string   `json:"at" format:"date-time"`
	EvidenceRef string   `json:"evidence_ref,omitempty"`
	Actor       string   `json:"actor,omitempty"`
	Commit      string   `json:"commit,omitempty"`
	Warnings    []string `json:"warnings,omitempty"`
}

type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	TaskID  string `json:"task_id,omitempty"`
	ActorID string `json:"actor_id"`
	Payload string `json:"payload_json"`
}
