package phase

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"taskgate/internal/domain"
	"taskgate/internal/execctx"
	"taskgate/internal/procexec"
)

// TestRun is the outcome of running tests for certification.
type TestRun struct {
	Summary     procexec.TestSummary
	TimedOut    bool
	EvidenceRef string
}

// TestExecutor runs tests, limited to scope when it is non-empty.
type TestExecutor interface {
	RunTests(ctx context.Context, ec *execctx.Context, scope []string) (TestRun, error)
}

// CoverageProbe measures statement coverage in percent.
type CoverageProbe interface {
	Coverage(ctx context.Context, ec *execctx.Context) (float64, error)
}

type Certification struct {
	Phase       domain.Phase         `json:"phase"`
	Tests       procexec.TestSummary `json:"tests"`
	Coverage    *float64             `json:"coverage,omitempty"`
	EvidenceRef string               `json:"evidence_ref,omitempty"`
	Warnings    []string             `json:"warnings,omitempty"`
}

type Certifier struct {
	TestPatterns    []string
	RefactorMarkers []string
	// MinCoverage is advisory here; a shortfall only adds a warning.
	MinCoverage float64
	Tests       TestExecutor
	Coverage    CoverageProbe
	Logger      *zap.Logger
}

// Certify checks that the change set in ec demonstrates phase p.
func (c Certifier) Certify(ctx context.Context, p domain.Phase, ec *execctx.Context) (Certification, error) {
	cert := Certification{Phase: p}
	log := c.Logger
	if log == nil {
		log = zap.NewNop()
	}
	switch p {
	case domain.PhaseRed:
		tests := ec.TestFiles(c.TestPatterns)
		if len(tests) == 0 {
			return cert, domain.Errorf(domain.KindCheckFailed, "no_test_file", "no test file in change set")
		}
		run, err := c.runTests(ctx, ec, tests, &cert)
		if err != nil {
			return cert, err
		}
		switch {
		case run.Summary.Total() == 0 && len(run.Summary.Failures) == 0:
			return cert, domain.Errorf(domain.KindCheckFailed, "no_tests_run", "no tests ran for %s", strings.Join(tests, ", "))
		case run.Summary.Passed > 0:
			return cert, domain.Errorf(domain.KindCheckFailed, "tests_passing",
				"new tests already pass (%d passing)", run.Summary.Passed)
		case run.Summary.Failed == 0:
			return cert, domain.Errorf(domain.KindCheckFailed, "no_tests_run", "no failing test found in %s", strings.Join(tests, ", "))
		}
	case domain.PhaseGreen:
		run, err := c.runTests(ctx, ec, nil, &cert)
		if err != nil {
			return cert, err
		}
		if run.Summary.Failed > 0 {
			return cert, domain.Errorf(domain.KindCheckFailed, "tests_failing", "%d tests failing: %s",
				run.Summary.Failed, strings.Join(run.Summary.Failures, ", "))
		}
	case domain.PhaseRefactor:
		if len(ec.SourceFiles(c.TestPatterns)) == 0 {
			return cert, domain.Errorf(domain.KindCheckFailed, "no_refactor", "no refactor occurred")
		}
		run, err := c.runTests(ctx, ec, nil, &cert)
		if err != nil {
			return cert, err
		}
		if run.Summary.Failed > 0 {
			return cert, domain.Errorf(domain.KindCheckFailed, "behavior_changed", "%d tests failing after refactor: %s",
				run.Summary.Failed, strings.Join(run.Summary.Failures, ", "))
		}
		if !hasMarker(ec.CommitMessage, c.RefactorMarkers) {
			cert.Warnings = append(cert.Warnings, "commit message carries no refactor marker")
		}
	default:
		return cert, domain.Errorf(domain.KindInvalidSequence, "unknown_phase", "unknown phase %q", p)
	}

	if c.Coverage != nil && c.MinCoverage > 0 {
		v, err := c.Coverage.Coverage(ctx, ec)
		switch {
		case err != nil:
			cert.Warnings = append(cert.Warnings, fmt.Sprintf("coverage unavailable: %v", err))
		case v < c.MinCoverage:
			cert.Coverage = &v
			cert.Warnings = append(cert.Warnings, fmt.Sprintf("coverage %.1f%% below %.1f%%", v, c.MinCoverage))
		default:
			cert.Coverage = &v
		}
	}
	for _, w := range cert.Warnings {
		log.Warn("phase certification warning", zap.String("task_id", ec.TaskID), zap.String("phase", string(p)), zap.String("warning", w))
	}
	return cert, nil
}

func (c Certifier) runTests(ctx context.Context, ec *execctx.Context, scope []string, cert *Certification) (TestRun, error) {
	if c.Tests == nil {
		return TestRun{}, domain.Errorf(domain.KindConfigurationInvalid, "configuration_invalid", "no test executor configured")
	}
	run, err := c.Tests.RunTests(ctx, ec, scope)
	if err != nil {
		return run, domain.Wrap(domain.KindCheckFailed, "tests_error", err)
	}
	cert.Tests = run.Summary
	cert.EvidenceRef = run.EvidenceRef
	if run.TimedOut {
		return run, domain.Errorf(domain.KindCheckTimeout, "timeout", "test run timed out")
	}
	return run, nil
}

func hasMarker(text string, markers []string) bool {
	text = strings.ToLower(text)
	for _, m := range markers {
		if m != "" && strings.Contains(text, strings.ToLower(m)) {
			return true
		}
	}
	return false
}
