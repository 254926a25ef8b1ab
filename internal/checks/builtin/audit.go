package builtin

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/zricethezav/gitleaks/v8/detect"

	"taskgate/internal/checks"
	"taskgate/internal/config"
	"taskgate/internal/execctx"
)

const maxScanBytes = 1 << 20

// SizeBudget fails when the change touches more lines than allowed.
type SizeBudget struct{ *Suite }

func (SizeBudget) ID() string { return config.CheckSizeBudget }

func (c SizeBudget) Run(ctx context.Context, ec *execctx.Context) checks.Outcome {
	max := c.Config.Thresholds.MaxChangedLines
	n := ec.ChangedLines()
	details := map[string]any{"changed_lines": n, "max_changed_lines": max, "files": len(ec.Changes)}
	if max > 0 && n > max {
		return checks.Failf(details, "%d changed lines exceed budget of %d", n, max)
	}
	return checks.Pass(details)
}

// Finding locates a detected secret. The secret itself is never reported.
type Finding struct {
	File   string `json:"file"`
	Line   int    `json:"line"`
	RuleID string `json:"rule_id"`
	Rule   string `json:"rule"`
}

// SecurityAudit scans changed files for secrets with the gitleaks default
// rules, then runs the configured audit command if there is one.
type SecurityAudit struct{ *Suite }

func (SecurityAudit) ID() string { return config.CheckSecurityAudit }

func (c SecurityAudit) Run(ctx context.Context, ec *execctx.Context) checks.Outcome {
	findings, scanned, err := ScanSecrets(ctx, ec)
	if err != nil {
		return checks.Failf(nil, "secret scan: %v", err)
	}
	details := map[string]any{"scanned_files": scanned, "findings": findings}
	if len(findings) > 0 {
		return checks.Failf(details, "%d potential secrets in %s", len(findings), findings[0].File)
	}
	argv := c.argv(config.CheckSecurityAudit)
	if len(argv) == 0 {
		return checks.Pass(details)
	}
	res, err := c.exec(ctx, config.CheckSecurityAudit, ec, argv)
	out := commandOutcome(argv, res, err)
	for k, v := range details {
		out.Details[k] = v
	}
	return out
}

// ScanSecrets runs gitleaks over every changed file that still exists and is
// not binary.
func ScanSecrets(ctx context.Context, ec *execctx.Context) ([]Finding, int, error) {
	files := ec.ChangedFiles()
	if len(files) == 0 {
		return nil, 0, nil
	}
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, 0, err
	}
	var (
		out     []Finding
		scanned int
	)
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return out, scanned, err
		}
		data, err := os.ReadFile(ec.Abs(rel))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return out, scanned, fmt.Errorf("read %s: %w", rel, err)
		}
		if len(data) > maxScanBytes || bytes.IndexByte(data, 0) >= 0 {
			continue
		}
		scanned++
		for _, f := range detector.DetectString(string(data)) {
			out = append(out, Finding{File: rel, Line: f.StartLine, RuleID: f.RuleID, Rule: f.Description})
		}
	}
	return out, scanned, nil
}
