// Package phase enforces the red, green, refactor test discipline: which
// phase may come next, and whether the change set actually shows it.
package phase

import (
	"taskgate/internal/domain"
)

// Cycle returns the evidence recorded since the last reset.
func Cycle(history []domain.PhaseEvidence) []domain.PhaseEvidence {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Reset {
			return history[i+1:]
		}
	}
	return history
}

// Current is the last phase of the current cycle, or "" when none.
func Current(history []domain.PhaseEvidence) domain.Phase {
	cycle := Cycle(history)
	for i := len(cycle) - 1; i >= 0; i-- {
		if cycle[i].Phase != "" {
			return cycle[i].Phase
		}
	}
	return ""
}

// Allowed lists the phases that may be recorded next.
func Allowed(history []domain.PhaseEvidence) []domain.Phase {
	switch Current(history) {
	case domain.PhaseRed:
		return []domain.Phase{domain.PhaseRed, domain.PhaseGreen}
	case domain.PhaseGreen:
		return []domain.Phase{domain.PhaseGreen, domain.PhaseRefactor}
	case domain.PhaseRefactor:
		return []domain.Phase{domain.PhaseRefactor, domain.PhaseRed}
	}
	return []domain.Phase{domain.PhaseRed}
}

// Validate reports whether next may follow history. Repeating the current
// phase is tolerated.
func Validate(history []domain.PhaseEvidence, next domain.Phase) error {
	if _, err := domain.ParsePhase(string(next)); err != nil {
		return domain.Wrap(domain.KindInvalidSequence, "unknown_phase", err)
	}
	for _, p := range Allowed(history) {
		if p == next {
			return nil
		}
	}
	cur := Current(history)
	switch next {
	case domain.PhaseGreen:
		return domain.Errorf(domain.KindInvalidSequence, "missing_red", "cannot reach green without completing red")
	case domain.PhaseRefactor:
		return domain.Errorf(domain.KindInvalidSequence, "missing_green", "cannot reach refactor without completing green")
	default:
		return domain.Errorf(domain.KindInvalidSequence, "missing_refactor",
			"cannot return to red without completing refactor (current phase %s)", cur)
	}
}

// ValidateHistory checks a whole sequence, reset entries included.
func ValidateHistory(history []domain.PhaseEvidence) error {
	for i, ev := range history {
		if ev.Reset {
			continue
		}
		if err := Validate(history[:i], ev.Phase); err != nil {
			return err
		}
	}
	return nil
}

// Reached reports whether p was recorded in the current cycle.
func Reached(history []domain.PhaseEvidence, p domain.Phase) bool {
	for _, ev := range Cycle(history) {
		if ev.Phase == p {
			return true
		}
	}
	return false
}
