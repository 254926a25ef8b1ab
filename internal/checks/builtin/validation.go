package builtin

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"taskgate/internal/checks"
	"taskgate/internal/config"
	"taskgate/internal/domain"
	"taskgate/internal/execctx"
	"taskgate/internal/migrate"
)

// ContractValidation parses each configured API contract and requires an
// OpenAPI, Swagger or JSON Schema document.
type ContractValidation struct{ *Suite }

func (ContractValidation) ID() string { return config.CheckContractValidation }

func (c ContractValidation) Run(ctx context.Context, ec *execctx.Context) checks.Outcome {
	var (
		checked  []string
		problems []string
	)
	for _, rel := range c.Config.Check(config.CheckContractValidation).Paths {
		data, err := os.ReadFile(ec.Abs(rel))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			problems = append(problems, rel+": "+err.Error())
			continue
		}
		checked = append(checked, rel)
		if msg := validateContract(data); msg != "" {
			problems = append(problems, rel+": "+msg)
		}
	}
	details := map[string]any{"contracts": checked}
	if len(problems) > 0 {
		details["problems"] = problems
		return checks.Failf(details, "%s", problems[0])
	}
	if len(checked) == 0 {
		details["note"] = "no contract files found"
	}
	argv := c.argv(config.CheckContractValidation)
	if len(argv) == 0 {
		return checks.Pass(details)
	}
	res, err := c.exec(ctx, config.CheckContractValidation, ec, argv)
	out := commandOutcome(argv, res, err)
	for k, v := range details {
		out.Details[k] = v
	}
	return out
}

func validateContract(data []byte) string {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return "parse: " + err.Error()
	}
	if len(doc) == 0 {
		return "empty document"
	}
	switch {
	case doc["openapi"] != nil, doc["swagger"] != nil:
		if _, ok := doc["info"].(map[string]any); !ok {
			return "missing info object"
		}
		if _, ok := doc["paths"]; !ok {
			if _, ok := doc["components"]; !ok {
				return "missing paths"
			}
		}
	case doc["$schema"] != nil:
	default:
		return "not an OpenAPI, Swagger or JSON Schema document"
	}
	return ""
}

// MigrationValidation requires NNN_name.sql files numbered 1..n without gaps
// in each configured directory.
type MigrationValidation struct{ *Suite }

func (MigrationValidation) ID() string { return config.CheckMigrationValidation }

func (c MigrationValidation) Run(ctx context.Context, ec *execctx.Context) checks.Outcome {
	var (
		checked  []string
		problems []string
		total    int
	)
	for _, rel := range c.Config.Check(config.CheckMigrationValidation).Paths {
		dir := ec.Abs(rel)
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			continue
		}
		checked = append(checked, rel)
		migrations, err := migrate.Load(os.DirFS(dir), ".")
		if err != nil {
			problems = append(problems, rel+": "+err.Error())
			continue
		}
		total += len(migrations)
		for _, p := range migrate.Validate(migrations) {
			problems = append(problems, rel+": "+p)
		}
	}
	details := map[string]any{"directories": checked, "migrations": total}
	if len(problems) > 0 {
		details["problems"] = problems
		return checks.Failf(details, "%s", problems[0])
	}
	return checks.Pass(details)
}

// ProblemAnalysis requires a written analysis for non-functional tasks.
type ProblemAnalysis struct{ *Suite }

func (ProblemAnalysis) ID() string { return config.CheckProblemAnalysis }

func (c ProblemAnalysis) Run(ctx context.Context, ec *execctx.Context) checks.Outcome {
	mode := c.Config.Modes.NonFunctional
	switch {
	case !mode.RequireAnalysis:
		return checks.Pass(map[string]any{"note": "analysis not required"})
	case ec.TaskID == "":
		return checks.Pass(map[string]any{"note": "no task in context"})
	case ec.Classification == domain.Functional:
		return checks.Pass(map[string]any{"note": "functional task"})
	}
	rel := strings.ReplaceAll(mode.AnalysisPath, "{task}", ec.TaskID)
	min := c.Config.Thresholds.MinAnalysisLength
	details := map[string]any{"path": rel, "min_length": min}
	data, err := os.ReadFile(ec.Abs(rel))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return checks.Failf(details, "problem analysis missing at %s", rel)
		}
		return checks.Failf(details, "read %s: %v", rel, err)
	}
	n := utf8.RuneCountInString(strings.TrimSpace(string(data)))
	details["length"] = n
	if n < min {
		return checks.Failf(details, "problem analysis has %d characters, need %d", n, min)
	}
	return checks.Pass(details)
}
