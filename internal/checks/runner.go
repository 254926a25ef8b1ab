package checks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"taskgate/internal/execctx"
)

// Recorder receives one observation per finished check.
type Recorder interface {
	ObserveCheck(id string, status Status, timedOut bool, d time.Duration)
}

type Report struct {
	ID        string        `json:"id"`
	Mode      Mode          `json:"mode"`
	Profile   string        `json:"profile,omitempty"`
	TaskID    string        `json:"task_id,omitempty"`
	StartedAt string        `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	OK        bool          `json:"ok"`
	Results   []Outcome     `json:"results"`
	// Cancelled lists checks that never started because the run stopped.
	Cancelled []string `json:"cancelled,omitempty"`
	// Discarded holds checks that were in flight when the run stopped. They
	// are kept for audit and excluded from OK.
	Discarded []Outcome `json:"discarded,omitempty"`
}

// Failed returns the counted results that did not pass.
func (r Report) Failed() []Outcome {
	var out []Outcome
	for _, o := range r.Results {
		if !o.OK {
			out = append(out, o)
		}
	}
	return out
}

// AllTimedOut reports whether every failure was a timeout.
func (r Report) AllTimedOut() bool {
	failed := r.Failed()
	if len(failed) == 0 {
		return false
	}
	for _, o := range failed {
		if !o.TimedOut {
			return false
		}
	}
	return true
}

type Runner struct {
	Concurrency    int
	FailFast       bool
	DefaultTimeout time.Duration
	Timeouts       map[string]time.Duration
	Logger         *zap.Logger
	Metrics        Recorder
	Now            func() time.Time
}

func (r Runner) timeoutFor(id string) time.Duration {
	if d, ok := r.Timeouts[id]; ok && d > 0 {
		return d
	}
	if r.DefaultTimeout > 0 {
		return r.DefaultTimeout
	}
	return 2 * time.Minute
}

type runState struct {
	mu        sync.Mutex
	stopped   bool
	results   map[string]Outcome
	discarded map[string]Outcome
	cancelled map[string]bool
}

// Run executes plan and always returns a report. Checks start in dependency
// order; with Concurrency 1 they run serially in plan order.
func (r Runner) Run(ctx context.Context, mode Mode, profile string, plan []Check, ec *execctx.Context) Report {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	log := r.Logger
	if log == nil {
		log = zap.NewNop()
	}
	started := now()
	rep := Report{
		ID:        uuid.NewString(),
		Mode:      mode,
		Profile:   profile,
		StartedAt: started.UTC().Format(time.RFC3339),
	}
	if ec != nil {
		rep.TaskID = ec.TaskID
	}

	order, position, deps := schedule(plan)
	done := make(map[string]chan struct{}, len(order))
	for _, c := range order {
		done[c.ID()] = make(chan struct{})
	}
	st := &runState{
		results:   make(map[string]Outcome),
		discarded: make(map[string]Outcome),
		cancelled: make(map[string]bool),
	}

	limit := r.Concurrency
	if limit <= 0 {
		limit = 1
	}
	g := &errgroup.Group{}
	g.SetLimit(limit)
	for _, c := range order {
		c := c
		id := c.ID()
		st.mu.Lock()
		stop := st.stopped || ctx.Err() != nil
		if stop {
			st.cancelled[id] = true
		}
		st.mu.Unlock()
		if stop {
			close(done[id])
			continue
		}
		g.Go(func() error {
			defer close(done[id])
			for _, d := range deps[id] {
				<-done[d]
			}
			st.mu.Lock()
			if st.stopped || ctx.Err() != nil {
				st.cancelled[id] = true
				st.mu.Unlock()
				return nil
			}
			var failedDep string
			for _, d := range deps[id] {
				if o, ok := st.results[d]; ok && !o.OK {
					failedDep = d
					break
				}
				if st.cancelled[d] {
					failedDep = d
					break
				}
			}
			st.mu.Unlock()

			var out Outcome
			if failedDep != "" {
				out = Outcome{Status: StatusSkipped, Reason: fmt.Sprintf("dependency_failed: %s", failedDep)}
			} else {
				out = r.runOne(ctx, c, ec)
			}
			out.ID = id
			r.observe(log, out)

			st.mu.Lock()
			defer st.mu.Unlock()
			if st.stopped {
				st.discarded[id] = out
				return nil
			}
			st.results[id] = out
			if !out.OK && r.FailFast {
				st.stopped = true
			}
			return nil
		})
	}
	_ = g.Wait()

	byPlan := func(ids []string) {
		sort.Slice(ids, func(i, j int) bool { return position[ids[i]] < position[ids[j]] })
	}
	var ids []string
	for id := range st.results {
		ids = append(ids, id)
	}
	byPlan(ids)
	rep.OK = true
	for _, id := range ids {
		o := st.results[id]
		rep.Results = append(rep.Results, o)
		if !o.OK {
			rep.OK = false
		}
	}
	ids = ids[:0]
	for id := range st.discarded {
		ids = append(ids, id)
	}
	byPlan(ids)
	for _, id := range ids {
		rep.Discarded = append(rep.Discarded, st.discarded[id])
	}
	for id := range st.cancelled {
		rep.Cancelled = append(rep.Cancelled, id)
	}
	byPlan(rep.Cancelled)
	if len(rep.Cancelled) > 0 {
		rep.OK = false
	}
	rep.Duration = now().Sub(started)
	log.Info("check run finished",
		zap.String("report_id", rep.ID),
		zap.String("mode", string(mode)),
		zap.String("profile", profile),
		zap.String("task_id", rep.TaskID),
		zap.Bool("ok", rep.OK),
		zap.Int("results", len(rep.Results)),
		zap.Int("cancelled", len(rep.Cancelled)),
		zap.Duration("duration", rep.Duration))
	return rep
}

// runOne gives the check its own deadline and stops waiting for it once the
// deadline passes, even if the check ignores its context.
func (r Runner) runOne(ctx context.Context, c Check, ec *execctx.Context) Outcome {
	timeout := r.timeoutFor(c.ID())
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	ch := make(chan Outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- Outcome{Status: StatusFail, Reason: fmt.Sprintf("panic: %v", p)}
			}
		}()
		ch <- c.Run(cctx, ec)
	}()

	var out Outcome
	select {
	case out = <-ch:
	case <-cctx.Done():
		select {
		case out = <-ch:
		default:
			out = Outcome{Status: StatusFail}
		}
	}
	out.Duration = time.Since(start)
	if out.Status == "" {
		out.Status = StatusPass
		if !out.OK {
			out.Status = StatusFail
		}
	}
	if out.OK {
		return out
	}
	if errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		out.TimedOut = true
		out.Status = StatusFail
		out.Reason = fmt.Sprintf("timeout after %s", timeout)
	} else if ctx.Err() != nil && out.Reason == "" {
		out.Reason = "cancelled"
	}
	return out
}

func (r Runner) observe(log *zap.Logger, o Outcome) {
	if r.Metrics != nil {
		r.Metrics.ObserveCheck(o.ID, o.Status, o.TimedOut, o.Duration)
	}
	fields := []zap.Field{zap.String("check", o.ID), zap.String("status", string(o.Status)), zap.Duration("duration", o.Duration)}
	if o.OK {
		log.Debug("check passed", fields...)
		return
	}
	log.Warn("check failed", append(fields, zap.String("reason", o.Reason), zap.Bool("timed_out", o.TimedOut))...)
}

// schedule orders plan so every check follows its in-plan dependencies,
// keeping plan order otherwise. Dependencies outside the plan are ignored;
// checks caught in a cycle keep plan order and lose their dependencies.
func schedule(plan []Check) ([]Check, map[string]int, map[string][]string) {
	position := make(map[string]int, len(plan))
	for i, c := range plan {
		position[c.ID()] = i
	}
	deps := make(map[string][]string, len(plan))
	for _, c := range plan {
		d, ok := c.(Dependent)
		if !ok {
			continue
		}
		for _, dep := range d.DependsOn() {
			if _, in := position[dep]; in && dep != c.ID() {
				deps[c.ID()] = append(deps[c.ID()], dep)
			}
		}
	}
	var order []Check
	placed := make(map[string]bool, len(plan))
	for len(order) < len(plan) {
		progressed := false
		for _, c := range plan {
			id := c.ID()
			if placed[id] {
				continue
			}
			ready := true
			for _, dep := range deps[id] {
				if !placed[dep] {
					ready = false
					break
				}
			}
			if ready {
				order = append(order, c)
				placed[id] = true
				progressed = true
				break
			}
		}
		if !progressed {
			for _, c := range plan {
				if !placed[c.ID()] {
					deps[c.ID()] = nil
					order = append(order, c)
					placed[c.ID()] = true
					break
				}
			}
		}
	}
	return order, position, deps
}
