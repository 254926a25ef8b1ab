// Package checks holds the named quality checks and the runner that executes
// a plan of them against an execution context.
package checks

import (
	"context"
	"fmt"
	"sort"
	"time"

	"taskgate/internal/config"
	"taskgate/internal/domain"
	"taskgate/internal/execctx"
)

type Status string

const (
	StatusPass    Status = "pass"
	StatusFail    Status = "fail"
	StatusSkipped Status = "skipped"
)

// Outcome is the result of one check execution. It lives only as long as
// the report that carries it.
type Outcome struct {
	ID       string         `json:"id"`
	OK       bool           `json:"ok"`
	Status   Status         `json:"status"`
	Reason   string         `json:"reason,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
	Duration time.Duration  `json:"duration"`
	TimedOut bool           `json:"timed_out,omitempty"`
}

func Pass(details map[string]any) Outcome {
	return Outcome{OK: true, Status: StatusPass, Details: details}
}

func Failf(details map[string]any, format string, args ...any) Outcome {
	return Outcome{Status: StatusFail, Reason: fmt.Sprintf(format, args...), Details: details}
}

type Check interface {
	ID() string
	Run(ctx context.Context, ec *execctx.Context) Outcome
}

// Dependent is implemented by checks that must run after others.
type Dependent interface {
	DependsOn() []string
}

// Func adapts a function to Check.
type Func struct {
	Name  string
	Needs []string
	Fn    func(ctx context.Context, ec *execctx.Context) Outcome
}

func (f Func) ID() string { return f.Name }

func (f Func) Run(ctx context.Context, ec *execctx.Context) Outcome { return f.Fn(ctx, ec) }

func (f Func) DependsOn() []string { return f.Needs }

type Mode string

const (
	ModeQuick Mode = "quick"
	ModeFull  Mode = "full"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeQuick, ModeFull:
		return m, nil
	case "":
		return ModeFull, nil
	}
	return "", fmt.Errorf("invalid mode %q (want quick or full)", s)
}

var quickChecks = []string{config.CheckEnv, config.CheckTypecheck, config.CheckLint, config.CheckTests}

var fullChecks = append(append([]string{}, quickChecks...),
	config.CheckCoverage, config.CheckDiffCoverage, config.CheckSizeBudget, config.CheckSecurityAudit,
	config.CheckContractValidation, config.CheckMigrationValidation)

// ModeChecks lists the check ids a mode covers, in plan order.
func ModeChecks(m Mode) []string {
	if m == ModeQuick {
		return append([]string{}, quickChecks...)
	}
	return append([]string{}, fullChecks...)
}

type Registry struct {
	checks map[string]Check
	order  []string
}

func NewRegistry() *Registry {
	return &Registry{checks: make(map[string]Check)}
}

func (r *Registry) Register(c Check) error {
	id := c.ID()
	if id == "" {
		return fmt.Errorf("check id required")
	}
	if _, ok := r.checks[id]; ok {
		return fmt.Errorf("check %s already registered", id)
	}
	r.checks[id] = c
	r.order = append(r.order, id)
	return nil
}

func (r *Registry) Get(id string) (Check, bool) {
	c, ok := r.checks[id]
	return c, ok
}

func (r *Registry) IDs() []string {
	ids := append([]string{}, r.order...)
	sort.Strings(ids)
	return ids
}

// Plan selects the checks for a mode and profile: the mode's checks that are
// enabled and not skipped by the profile, then the profile's required checks.
func (r *Registry) Plan(mode Mode, profile string, cfg *config.Config) ([]Check, error) {
	prof, ok := cfg.Profiles[profile]
	if !ok && profile != "" {
		return nil, domain.Errorf(domain.KindConfigurationInvalid, "configuration_invalid", "unknown profile %q", profile)
	}
	skip := make(map[string]bool, len(prof.Skip))
	for _, id := range prof.Skip {
		skip[id] = true
	}
	var plan []Check
	seen := map[string]bool{}
	add := func(id string) error {
		if seen[id] {
			return nil
		}
		seen[id] = true
		c, ok := r.checks[id]
		if !ok {
			return domain.Errorf(domain.KindConfigurationInvalid, "configuration_invalid", "check %s is enabled but not registered", id)
		}
		plan = append(plan, c)
		return nil
	}
	for _, id := range ModeChecks(mode) {
		if skip[id] || !cfg.Check(id).Enabled {
			continue
		}
		if err := add(id); err != nil {
			return nil, err
		}
	}
	for _, id := range prof.Require {
		if !cfg.Check(id).Enabled {
			continue
		}
		if err := add(id); err != nil {
			return nil, err
		}
	}
	return plan, nil
}
