package engine

import (
	"context"

	"go.uber.org/zap"

	"taskgate/internal/config"
	"taskgate/internal/domain"
	"taskgate/internal/execctx"
	"taskgate/internal/phase"
	"taskgate/internal/store"
)

type PhaseResult struct {
	Evidence      domain.PhaseEvidence `json:"evidence"`
	Certification phase.Certification  `json:"certification"`
}

// RecordPhase validates that p may follow the task's history, certifies it
// against the current change set and appends the evidence.
func (e Engine) RecordPhase(ctx context.Context, id string, p domain.Phase, actorID string) (PhaseResult, error) {
	t, err := e.inProgress(ctx, id, "record a phase")
	if err != nil {
		return PhaseResult{}, err
	}
	history, err := e.History.Load(ctx, t.ID)
	if err != nil {
		return PhaseResult{}, err
	}
	if err := phase.Validate(history, p); err != nil {
		return PhaseResult{}, err
	}
	ec, err := e.Builder.Build(ctx, execctx.Options{
		TaskID:         t.ID,
		Mode:           "phase",
		Profile:        profileFor(t),
		Classification: t.Classification,
		Phase:          p,
	})
	if err != nil {
		return PhaseResult{}, err
	}
	cert, err := e.certifier().Certify(ctx, p, ec)
	if err != nil {
		e.log().Info("phase rejected", zap.String("task_id", t.ID), zap.String("phase", string(p)), zap.Error(err))
		return PhaseResult{Certification: cert}, err
	}
	ref := cert.EvidenceRef
	if ref == "" {
		ref = ec.Commit
	}
	ev, err := e.History.Append(ctx, domain.PhaseEvidence{
		TaskID:      t.ID,
		Phase:       p,
		EvidenceRef: ref,
		Actor:       actorID,
		Commit:      ec.Commit,
		Warnings:    cert.Warnings,
	})
	if err != nil {
		return PhaseResult{}, err
	}
	if _, err := e.Store.Update(ctx, t.ID, store.Patch{
		Expect:  domain.StatusInProgress,
		ActorID: actorID,
		Event:   "task.phase_recorded",
		Payload: map[string]any{"phase": p, "evidence_ref": ref},
	}); err != nil {
		return PhaseResult{}, err
	}
	e.log().Info("phase recorded", zap.String("task_id", t.ID), zap.String("phase", string(p)))
	return PhaseResult{Evidence: ev, Certification: cert}, nil
}

// ResetCycle starts a new red-green-refactor sequence for the task.
func (e Engine) ResetCycle(ctx context.Context, id, actorID string) (domain.PhaseEvidence, error) {
	t, err := e.inProgress(ctx, id, "reset its phase cycle")
	if err != nil {
		return domain.PhaseEvidence{}, err
	}
	ev, err := e.History.Reset(ctx, t.ID, actorID)
	if err != nil {
		return domain.PhaseEvidence{}, err
	}
	if _, err := e.Store.Update(ctx, t.ID, store.Patch{
		Expect:  domain.StatusInProgress,
		ActorID: actorID,
		Event:   "task.phase_reset",
	}); err != nil {
		return domain.PhaseEvidence{}, err
	}
	return ev, nil
}

type PhaseView struct {
	TaskID  string                 `json:"task_id"`
	Current domain.Phase           `json:"current,omitempty"`
	Allowed []domain.Phase         `json:"allowed"`
	History []domain.PhaseEvidence `json:"history"`
}

func (e Engine) PhaseStatus(ctx context.Context, id string) (PhaseView, error) {
	t, err := e.Store.Get(ctx, id)
	if err != nil {
		return PhaseView{}, err
	}
	history, err := e.History.Load(ctx, t.ID)
	if err != nil {
		return PhaseView{}, err
	}
	if history == nil {
		history = []domain.PhaseEvidence{}
	}
	return PhaseView{
		TaskID:  t.ID,
		Current: phase.Current(history),
		Allowed: phase.Allowed(history),
		History: history,
	}, nil
}

func (e Engine) inProgress(ctx context.Context, id, action string) (domain.Task, error) {
	t, err := e.Store.Get(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if t.Status != domain.StatusInProgress {
		return domain.Task{}, domain.Errorf(domain.KindInvalidTransition, "invalid_transition",
			"task %s is %s; it must be in_progress to %s", t.ID, t.Status, action)
	}
	return t, nil
}

func (e Engine) certifier() phase.Certifier {
	c := phase.Certifier{Tests: e.Tests, Logger: e.log()}
	if e.Config != nil {
		c.TestPatterns = e.Config.Phase.TestPatterns
		c.RefactorMarkers = e.Config.Phase.RefactorMarkers
		if e.Config.Phase.CoverageInformational && e.Config.Check(config.CheckCoverage).Enabled {
			c.MinCoverage = e.Config.Thresholds.MinCoverage
			c.Coverage = e.Coverage
		}
	}
	return c
}
