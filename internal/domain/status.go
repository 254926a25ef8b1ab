package domain

import "fmt"

type Status string

const (
	StatusPending    Status = "pending"
	StatusReady      Status = "ready"
	StatusInProgress Status = "in_progress"
	StatusReview     Status = "review"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusPending, StatusReady, StatusInProgress, StatusReview, StatusCompleted, StatusFailed}

func ParseStatus(s string) (Status, error) {
	if s == "in-progress" {
		return StatusInProgress, nil
	}
	for _, known := range Statuses {
		if Status(s) == known {
			return known, nil
		}
	}
	return "", fmt.Errorf("invalid status %q", s)
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether the lifecycle graph has an edge from -> to.
// The graph is pending -> ready -> in_progress -> review -> completed, with
// review -> ready for feedback and failed reachable from every non-terminal status.
func CanTransition(from, to Status) bool {
	if to == StatusFailed {
		return !from.Terminal() && isKnown(from)
	}
	switch from {
	case StatusPending:
		return to == StatusReady
	case StatusReady:
		return to == StatusInProgress
	case StatusInProgress:
		return to == StatusReview
	case StatusReview:
		return to == StatusCompleted || to == StatusReady
	}
	return false
}

// EnsureTransition returns an InvalidTransition error if from -> to is not an edge.
func EnsureTransition(from, to Status) error {
	if CanTransition(from, to) {
		return nil
	}
	return Errorf(KindInvalidTransition, "invalid_transition", "invalid task status transition %s -> %s", from, to)
}

func isKnown(s Status) bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}
