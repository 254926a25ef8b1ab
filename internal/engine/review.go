package engine

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"taskgate/internal/checks"
	"taskgate/internal/config"
	"taskgate/internal/domain"
	"taskgate/internal/execctx"
	"taskgate/internal/phase"
	"taskgate/internal/store"
)

// ReviewResult carries the battery report whether or not the review request
// was accepted.
type ReviewResult struct {
	Task   domain.Task   `json:"task"`
	Report checks.Report `json:"report"`
}

func profileFor(t domain.Task) string {
	return config.ProfileFor(t.Classification)
}

// RequestReview runs the full battery for the task's profile. On a pass the
// task moves to review with its branch and commit recorded; on a failure it
// stays in progress and gains an error entry.
func (e Engine) RequestReview(ctx context.Context, id, actorID string) (ReviewResult, error) {
	t, err := e.Store.Get(ctx, id)
	if err != nil {
		return ReviewResult{}, err
	}
	if err := domain.EnsureTransition(t.Status, domain.StatusReview); err != nil {
		return ReviewResult{Task: t}, err
	}
	history, err := e.History.Load(ctx, t.ID)
	if err != nil {
		return ReviewResult{Task: t}, err
	}
	if err := e.ensurePhases(t, history); err != nil {
		return ReviewResult{Task: t}, err
	}

	profile := profileFor(t)
	ec, err := e.Builder.Build(ctx, execctx.Options{
		TaskID:         t.ID,
		Mode:           string(checks.ModeFull),
		Profile:        profile,
		Classification: t.Classification,
		Phase:          phase.Current(history),
	})
	if err != nil {
		return ReviewResult{Task: t}, err
	}
	report, err := e.runBattery(ctx, checks.ModeFull, profile, ec)
	if err != nil {
		return ReviewResult{Task: t}, err
	}
	res := ReviewResult{Task: t, Report: report}

	if !report.OK {
		kind := domain.KindCheckFailed
		if report.AllTimedOut() {
			kind = domain.KindCheckTimeout
		}
		detail := failureDetail(report)
		updated, err := e.Store.Update(ctx, t.ID, store.Patch{
			Expect:  domain.StatusInProgress,
			Error:   &domain.ErrorEntry{Kind: string(kind), Detail: detail, Actor: actorID},
			ActorID: actorID,
			Event:   "task.review_rejected",
			Payload: map[string]any{"report_id": report.ID, "failed": failedIDs(report)},
		})
		if err != nil {
			return res, err
		}
		res.Task = updated
		e.log().Warn("review request rejected", zap.String("task_id", t.ID), zap.String("detail", detail))
		return res, domain.Errorf(kind, "checks_failed", "%s", detail)
	}

	updated, err := e.transition(ctx, t, domain.StatusReview, store.Patch{
		Expect:  domain.StatusInProgress,
		Ref:     domain.ExternalRef{Branch: ec.Branch, Commit: ec.Commit},
		ActorID: actorID,
		Payload: map[string]any{"report_id": report.ID, "profile": profile},
	})
	if err != nil {
		return res, err
	}
	res.Task = e.openReviewRequest(ctx, updated, ec.Branch, actorID)
	return res, nil
}

// openReviewRequest runs after the move to review so a lost race leaves no
// request behind. Failures are logged and the task is returned unchanged.
func (e Engine) openReviewRequest(ctx context.Context, t domain.Task, branch, actorID string) domain.Task {
	if e.Review == nil || branch == "" {
		return t
	}
	rr, err := e.Review.RequestReview(ctx, t, branch, e.Config.VCS.BaseRef)
	if err != nil {
		e.log().Warn("review request not opened", zap.String("task_id", t.ID), zap.Error(err))
		return t
	}
	updated, err := e.Store.Update(ctx, t.ID, store.Patch{
		Expect:  domain.StatusReview,
		Ref:     domain.ExternalRef{ReviewRequest: rr},
		ActorID: actorID,
		Event:   "task.review_requested",
		Payload: map[string]any{"review_request": rr},
	})
	if err != nil {
		e.log().Warn("review request not recorded", zap.String("task_id", t.ID), zap.String("review_request", rr), zap.Error(err))
		return t
	}
	return updated
}

// ensurePhases requires a completed green, and refactor when configured, in
// the current cycle of a functional task.
func (e Engine) ensurePhases(t domain.Task, history []domain.PhaseEvidence) error {
	if e.Config == nil || t.Classification == domain.NonFunctional {
		return nil
	}
	mode := e.Config.Modes.Functional
	if !mode.RequireTDD {
		return nil
	}
	if !phase.Reached(history, domain.PhaseGreen) {
		return domain.Errorf(domain.KindInvalidSequence, "phase_incomplete",
			"task %s has not completed the green phase in the current cycle", t.ID)
	}
	if mode.RequireRefactor && !phase.Reached(history, domain.PhaseRefactor) {
		return domain.Errorf(domain.KindInvalidSequence, "phase_incomplete",
			"task %s has not completed the refactor phase in the current cycle", t.ID)
	}
	return nil
}

func failedIDs(r checks.Report) []string {
	var ids []string
	for _, o := range r.Failed() {
		ids = append(ids, o.ID)
	}
	return append(ids, r.Cancelled...)
}

func failureDetail(r checks.Report) string {
	var parts []string
	for _, o := range r.Failed() {
		parts = append(parts, fmt.Sprintf("%s: %s", o.ID, o.Reason))
	}
	if len(r.Cancelled) > 0 {
		parts = append(parts, "cancelled: "+strings.Join(r.Cancelled, ", "))
	}
	if len(parts) == 0 {
		return "check battery failed"
	}
	return strings.Join(parts, "; ")
}

// RunChecks runs a battery outside any transition. With a task id the
// profile follows the task's classification.
func (e Engine) RunChecks(ctx context.Context, mode checks.Mode, taskID string) (checks.Report, error) {
	opts := execctx.Options{Mode: string(mode), Profile: config.ProfileStrict}
	if taskID != "" {
		t, err := e.Store.Get(ctx, taskID)
		if err != nil {
			return checks.Report{}, err
		}
		opts.TaskID = t.ID
		opts.Classification = t.Classification
		opts.Profile = profileFor(t)
		if history, err := e.History.Load(ctx, t.ID); err == nil {
			opts.Phase = phase.Current(history)
		}
	}
	ec, err := e.Builder.Build(ctx, opts)
	if err != nil {
		return checks.Report{}, err
	}
	return e.runBattery(ctx, mode, opts.Profile, ec)
}

func (e Engine) runBattery(ctx context.Context, mode checks.Mode, profile string, ec *execctx.Context) (checks.Report, error) {
	if e.Config == nil || e.Registry == nil {
		return checks.Report{}, domain.Errorf(domain.KindConfigurationInvalid, "configuration_invalid", "no check registry configured")
	}
	plan, err := e.Registry.Plan(mode, profile, e.Config)
	if err != nil {
		return checks.Report{}, err
	}
	runner := checks.Runner{
		Concurrency:    e.Config.Runner.Concurrency,
		FailFast:       e.Config.Runner.FailFast,
		DefaultTimeout: e.Config.Runner.DefaultTimeout.Duration,
		Timeouts:       e.Config.Timeouts(),
		Logger:         e.log(),
		Now:            e.Now,
	}
	if e.Metrics != nil {
		runner.Metrics = e.Metrics
	}
	report := runner.Run(ctx, mode, profile, plan, ec)
	e.Metrics.ObserveReport(mode, report.OK)
	return report, nil
}
