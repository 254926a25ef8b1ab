package server

import (
	"encoding/json"

	"taskgate/internal/checks"
	"taskgate/internal/domain"
	"taskgate/internal/engine"
)

// Request payloads

type CreateTaskRequest struct {
	ID                  *string  `json:"id,omitempty"`
	Title               string   `json:"title"`
	Priority            string   `json:"priority,omitempty" enum:"high,medium,low"`
	Classification      string   `json:"classification,omitempty" enum:"functional,non_functional"`
	Goal                string   `json:"goal,omitempty"`
	Overview            string   `json:"overview,omitempty"`
	AcceptanceCriteria  []string `json:"acceptance_criteria,omitempty"`
	DefinitionOfReady   []string `json:"definition_of_ready,omitempty"`
	DefinitionOfDone    []string `json:"definition_of_done,omitempty"`
	FilesAffected       []string `json:"files_affected,omitempty"`
	DependsOn           []string `json:"depends_on,omitempty"`
	ImplementationNotes string   `json:"implementation_notes,omitempty"`
}

func (r CreateTaskRequest) options(actorID string) engine.TaskCreateOptions {
	opts := engine.TaskCreateOptions{
		Title:               r.Title,
		Priority:            r.Priority,
		Classification:      r.Classification,
		Goal:                r.Goal,
		Overview:            r.Overview,
		AcceptanceCriteria:  r.AcceptanceCriteria,
		DefinitionOfReady:   r.DefinitionOfReady,
		DefinitionOfDone:    r.DefinitionOfDone,
		FilesAffected:       r.FilesAffected,
		DependsOn:           r.DependsOn,
		ImplementationNotes: r.ImplementationNotes,
		ActorID:             actorID,
	}
	if r.ID != nil {
		opts.ID = *r.ID
	}
	return opts
}

type ClaimTaskRequest struct {
	Role string `json:"role" enum:"planner,implementer,reviewer,operator"`
}

type FailTaskRequest struct {
	Reason string `json:"reason"`
}

type AddFeedbackRequest struct {
	Text          string `json:"text"`
	Informational bool   `json:"informational,omitempty"`
}

type ResolveFeedbackRequest struct {
	Note string `json:"note,omitempty"`
}

type RecordPhaseRequest struct {
	Phase string `json:"phase" enum:"red,green,refactor"`
}

// Response payloads

type TaskResponse = domain.Task

type TaskListResponse struct {
	Items []domain.Task `json:"items"`
}

type ReviewResponse = engine.ReviewResult

type ReportResponse = checks.Report

type PhaseResponse = engine.PhaseResult

type PhaseStatusResponse = engine.PhaseView

type EventResponse struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts" format:"date-time"`
	Type    string         `json:"type"`
	TaskID  string         `json:"task_id,omitempty"`
	ActorID string         `json:"actor_id"`
	Payload map[string]any `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func eventResponse(e domain.Event) EventResponse {
	resp := EventResponse{ID: e.ID, TS: e.TS, Type: e.Type, TaskID: e.TaskID, ActorID: e.ActorID}
	if e.Payload != "" {
		var payload map[string]any
		if err := json.Unmarshal([]byte(e.Payload), &payload); err == nil {
			resp.Payload = payload
		}
	}
	return resp
}
