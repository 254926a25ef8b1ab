// Package builtin provides the standard checks. Every external tool is run
// through procexec.Runner with the argv taken from configuration.
package builtin

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"taskgate/internal/checks"
	"taskgate/internal/config"
	"taskgate/internal/execctx"
	"taskgate/internal/procexec"
)

const maxOutput = 4000

// Suite shares configuration and the process runner between checks.
type Suite struct {
	Config *config.Config
	Exec   procexec.Runner
}

// Register adds every built-in check to reg.
func Register(reg *checks.Registry, s *Suite) error {
	for _, c := range s.All() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (s *Suite) All() []checks.Check {
	return []checks.Check{
		Env{s},
		Command{Suite: s, Name: config.CheckTypecheck},
		Lint{s},
		Tests{s},
		Coverage{s},
		DiffCoverage{s},
		SizeBudget{s},
		SecurityAudit{s},
		ContractValidation{s},
		MigrationValidation{s},
		ProblemAnalysis{s},
	}
}

// argv returns the configured command of a check with its targets appended.
func (s *Suite) argv(id string, extra ...string) []string {
	cc := s.Config.Check(id)
	if len(cc.Command) == 0 {
		return nil
	}
	out := append([]string{}, cc.Command...)
	if len(extra) > 0 {
		return append(out, extra...)
	}
	return append(out, cc.Targets...)
}

// timeout is the check's own timeout, else the runner default. Commands
// carry it so runs outside checks.Runner are bounded too.
func (s *Suite) timeout(id string) time.Duration {
	if d := s.Config.Check(id).Timeout.Duration; d > 0 {
		return d
	}
	if s.Config != nil {
		return s.Config.Runner.DefaultTimeout.Duration
	}
	return 0
}

func (s *Suite) exec(ctx context.Context, id string, ec *execctx.Context, argv []string) (procexec.Result, error) {
	if len(argv) == 0 {
		return procexec.Result{}, fmt.Errorf("no command configured")
	}
	return s.Exec.Run(ctx, procexec.Command{Name: argv[0], Args: argv[1:], Dir: ec.Workspace, Timeout: s.timeout(id)})
}

// commandOutcome turns a process result into a pass or fail.
func commandOutcome(argv []string, res procexec.Result, err error) checks.Outcome {
	details := map[string]any{"command": strings.Join(argv, " ")}
	if err != nil {
		return checks.Failf(details, "%v", err)
	}
	details["exit_code"] = res.ExitCode
	if res.TimedOut {
		return checks.Outcome{Status: checks.StatusFail, TimedOut: true, Reason: "command timed out", Details: details}
	}
	if res.ExitCode != 0 {
		details["output"] = tail(res.Output())
		return checks.Failf(details, "exit status %d", res.ExitCode)
	}
	return checks.Pass(details)
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxOutput {
		return s
	}
	return "..." + s[len(s)-maxOutput:]
}

// Env verifies the workspace exists and the toolchain answers.
type Env struct{ *Suite }

func (Env) ID() string { return config.CheckEnv }

func (c Env) Run(ctx context.Context, ec *execctx.Context) checks.Outcome {
	info, err := os.Stat(ec.Workspace)
	if err != nil || !info.IsDir() {
		return checks.Failf(nil, "workspace %s is not a directory", ec.Workspace)
	}
	details := map[string]any{"repository": ec.IsRepo, "ci": ec.CI}
	if ec.CIProvider != "" {
		details["ci_provider"] = ec.CIProvider
	}
	argv := c.argv(config.CheckEnv)
	if len(argv) == 0 {
		return checks.Pass(details)
	}
	res, err := c.exec(ctx, config.CheckEnv, ec, argv)
	out := commandOutcome(argv, res, err)
	for k, v := range details {
		out.Details[k] = v
	}
	return out
}

// Command passes when its configured command exits zero.
type Command struct {
	*Suite
	Name string
}

func (c Command) ID() string { return c.Name }

func (c Command) Run(ctx context.Context, ec *execctx.Context) checks.Outcome {
	argv := c.argv(c.Name)
	if len(argv) == 0 {
		return checks.Failf(nil, "no command configured for %s", c.Name)
	}
	res, err := c.exec(ctx, c.Name, ec, argv)
	return commandOutcome(argv, res, err)
}

// Lint counts file:line findings against thresholds.max_warnings; -1 means
// no limit.
type Lint struct{ *Suite }

func (Lint) ID() string { return config.CheckLint }

func (c Lint) Run(ctx context.Context, ec *execctx.Context) checks.Outcome {
	argv := c.argv(config.CheckLint)
	if len(argv) == 0 {
		return checks.Failf(nil, "no command configured for lint")
	}
	res, err := c.exec(ctx, config.CheckLint, ec, argv)
	if err != nil || res.TimedOut {
		return commandOutcome(argv, res, err)
	}
	warnings := procexec.CountFindings(res.Output())
	max := c.Config.Thresholds.MaxWarnings
	details := map[string]any{"warnings": warnings, "max_warnings": max, "exit_code": res.ExitCode}
	if max >= 0 && warnings > max {
		details["output"] = tail(res.Output())
		return checks.Failf(details, "%d warnings exceed limit of %d", warnings, max)
	}
	if res.ExitCode != 0 && warnings == 0 {
		details["output"] = tail(res.Output())
		return checks.Failf(details, "linter exited with status %d", res.ExitCode)
	}
	return checks.Pass(details)
}
