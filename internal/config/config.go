package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"taskgate/internal/domain"
)

// Check identifiers known to the configuration schema.
const (
	CheckEnv                 = "env"
	CheckTypecheck           = "typecheck"
	CheckLint                = "lint"
	CheckTests               = "tests"
	CheckCoverage            = "coverage"
	CheckDiffCoverage        = "diff-coverage"
	CheckSizeBudget          = "size-budget"
	CheckSecurityAudit       = "security-audit"
	CheckContractValidation  = "contract-validation"
	CheckMigrationValidation = "migration-validation"
	CheckProblemAnalysis     = "problem-analysis"
)

var KnownChecks = []string{
	CheckEnv, CheckTypecheck, CheckLint, CheckTests,
	CheckCoverage, CheckDiffCoverage, CheckSizeBudget, CheckSecurityAudit,
	CheckContractValidation, CheckMigrationValidation, CheckProblemAnalysis,
}

const (
	ProfileStrict  = "strict"
	ProfileRelaxed = "relaxed"
)

// Config is the merged, validated configuration snapshot. It is not mutated after Load.
type Config struct {
	Store      StoreConfig            `koanf:"store" yaml:"store"`
	Thresholds Thresholds             `koanf:"thresholds" yaml:"thresholds"`
	Runner     RunnerConfig           `koanf:"runner" yaml:"runner"`
	Checks     map[string]CheckConfig `koanf:"checks" yaml:"checks"`
	Modes      Modes                  `koanf:"modes" yaml:"modes"`
	Profiles   map[string]Profile     `koanf:"profiles" yaml:"profiles"`
	Phase      PhaseConfig            `koanf:"phase" yaml:"phase"`
	Classify   ClassifyConfig         `koanf:"classify" yaml:"classify"`
	Claim      ClaimConfig            `koanf:"claim" yaml:"claim"`
	VCS        VCSConfig              `koanf:"vcs" yaml:"vcs"`
	Review     ReviewConfig           `koanf:"review" yaml:"review"`
	Notify     NotifyConfig           `koanf:"notify" yaml:"notify"`
	Logging    LoggingConfig          `koanf:"logging" yaml:"logging"`
	Server     ServerConfig           `koanf:"server" yaml:"server"`
}

type StoreConfig struct {
	Backend string `koanf:"backend" yaml:"backend"`
}

type Thresholds struct {
	MinCoverage       float64 `koanf:"min_coverage" yaml:"min_coverage"`
	MinDiffCoverage   float64 `koanf:"min_diff_coverage" yaml:"min_diff_coverage"`
	MaxWarnings       int     `koanf:"max_warnings" yaml:"max_warnings"`
	MaxChangedLines   int     `koanf:"max_changed_lines" yaml:"max_changed_lines"`
	MinAnalysisLength int     `koanf:"min_analysis_length" yaml:"min_analysis_length"`
}

type RunnerConfig struct {
	Concurrency    int      `koanf:"concurrency" yaml:"concurrency"`
	FailFast       bool     `koanf:"fail_fast" yaml:"fail_fast"`
	DefaultTimeout Duration `koanf:"default_timeout" yaml:"default_timeout"`
}

// CheckConfig toggles and parameterises one check. Command is an argv; an empty
// command leaves the check to its built-in behaviour.
type CheckConfig struct {
	Enabled bool     `koanf:"enabled" yaml:"enabled"`
	Timeout Duration `koanf:"timeout" yaml:"timeout,omitempty"`
	Command []string `koanf:"command" yaml:"command,omitempty"`
	Targets []string `koanf:"targets" yaml:"targets,omitempty"`
	Paths   []string `koanf:"paths" yaml:"paths,omitempty"`
}

type Modes struct {
	Functional    FunctionalMode    `koanf:"functional" yaml:"functional"`
	NonFunctional NonFunctionalMode `koanf:"non_functional" yaml:"non_functional"`
}

type FunctionalMode struct {
	RequireTDD      bool `koanf:"require_tdd" yaml:"require_tdd"`
	RequireRefactor bool `koanf:"require_refactor" yaml:"require_refactor"`
}

type NonFunctionalMode struct {
	RequireAnalysis bool   `koanf:"require_analysis" yaml:"require_analysis"`
	AnalysisPath    string `koanf:"analysis_path" yaml:"analysis_path"`
}

// Profile adjusts the check plan for a classification.
type Profile struct {
	Skip    []string `koanf:"skip" yaml:"skip,omitempty"`
	Require []string `koanf:"require" yaml:"require,omitempty"`
}

type PhaseConfig struct {
	TestPatterns          []string `koanf:"test_patterns" yaml:"test_patterns"`
	RefactorMarkers       []string `koanf:"refactor_markers" yaml:"refactor_markers"`
	CoverageInformational bool     `koanf:"coverage_informational" yaml:"coverage_informational"`
}

type ClassifyConfig struct {
	FunctionalTerms    []string `koanf:"functional_terms" yaml:"functional_terms,omitempty"`
	NonFunctionalTerms []string `koanf:"non_functional_terms" yaml:"non_functional_terms,omitempty"`
}

type ClaimConfig struct {
	SingleActive bool `koanf:"single_active" yaml:"single_active"`
}

type VCSConfig struct {
	BaseRef string `koanf:"base_ref" yaml:"base_ref"`
}

type ReviewConfig struct {
	GitHub GitHubConfig `koanf:"github" yaml:"github"`
}

type GitHubConfig struct {
	Enabled  bool   `koanf:"enabled" yaml:"enabled"`
	Owner    string `koanf:"owner" yaml:"owner,omitempty"`
	Repo     string `koanf:"repo" yaml:"repo,omitempty"`
	Base     string `koanf:"base" yaml:"base,omitempty"`
	TokenEnv string `koanf:"token_env" yaml:"token_env,omitempty"`
	APIURL   string `koanf:"api_url" yaml:"api_url,omitempty"`
}

type NotifyConfig struct {
	Interval Duration `koanf:"interval" yaml:"interval"`
	// RatePerSecond caps deliveries across all webhooks; 0 means unlimited.
	RatePerSecond float64         `koanf:"rate_per_second" yaml:"rate_per_second"`
	Webhooks      []WebhookConfig `koanf:"webhooks" yaml:"webhooks,omitempty"`
}

type WebhookConfig struct {
	URL     string   `koanf:"url" yaml:"url"`
	Events  []string `koanf:"events" yaml:"events,omitempty"`
	Secret  string   `koanf:"secret" yaml:"secret,omitempty"`
	Timeout Duration `koanf:"timeout" yaml:"timeout,omitempty"`
	Enabled *bool    `koanf:"enabled" yaml:"enabled,omitempty"`
}

type LoggingConfig struct {
	Level  string `koanf:"level" yaml:"level"`
	Format string `koanf:"format" yaml:"format"`
}

type ServerConfig struct {
	Addr     string `koanf:"addr" yaml:"addr"`
	BasePath string `koanf:"base_path" yaml:"base_path"`
}

// Duration decodes from strings such as "90s" and encodes back the same way.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "" || s == "0" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Check returns the settings for id. Unknown ids yield a disabled config.
func (c *Config) Check(id string) CheckConfig {
	if c == nil || c.Checks == nil {
		return CheckConfig{}
	}
	return c.Checks[id]
}

// Timeouts returns the per-check timeout overrides that are set.
func (c *Config) Timeouts() map[string]time.Duration {
	out := make(map[string]time.Duration)
	for id, cc := range c.Checks {
		if cc.Timeout.Duration > 0 {
			out[id] = cc.Timeout.Duration
		}
	}
	return out
}

// ProfileFor maps a classification to its profile name.
func ProfileFor(c domain.Classification) string {
	if c == domain.NonFunctional {
		return ProfileRelaxed
	}
	return ProfileStrict
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "files", "sqlite":
	default:
		return fmt.Errorf("store.backend must be files or sqlite, got %q", c.Store.Backend)
	}
	t := c.Thresholds
	if t.MinCoverage < 0 || t.MinCoverage > 100 {
		return fmt.Errorf("thresholds.min_coverage must be between 0 and 100")
	}
	if t.MinDiffCoverage < 0 || t.MinDiffCoverage > 100 {
		return fmt.Errorf("thresholds.min_diff_coverage must be between 0 and 100")
	}
	if t.MaxWarnings < -1 {
		return fmt.Errorf("thresholds.max_warnings must be -1 (unlimited) or greater")
	}
	if t.MaxChangedLines < 0 {
		return fmt.Errorf("thresholds.max_changed_lines must not be negative")
	}
	if t.MinAnalysisLength < 0 {
		return fmt.Errorf("thresholds.min_analysis_length must not be negative")
	}
	if c.Runner.Concurrency < 1 {
		return fmt.Errorf("runner.concurrency must be at least 1")
	}
	if c.Runner.DefaultTimeout.Duration <= 0 {
		return fmt.Errorf("runner.default_timeout must be positive")
	}
	for id, cc := range c.Checks {
		if !isKnownCheck(id) {
			return fmt.Errorf("checks.%s is not a known check", id)
		}
		if cc.Timeout.Duration < 0 {
			return fmt.Errorf("checks.%s.timeout must not be negative", id)
		}
		for _, arg := range cc.Command {
			if strings.TrimSpace(arg) == "" {
				return fmt.Errorf("checks.%s.command has an empty argument", id)
			}
		}
	}
	for _, name := range []string{ProfileStrict, ProfileRelaxed} {
		if _, ok := c.Profiles[name]; !ok {
			return fmt.Errorf("profiles.%s is required", name)
		}
	}
	for name, p := range c.Profiles {
		for _, id := range append(append([]string{}, p.Skip...), p.Require...) {
			if !isKnownCheck(id) {
				return fmt.Errorf("profiles.%s references unknown check %s", name, id)
			}
		}
	}
	if c.Modes.NonFunctional.RequireAnalysis && strings.TrimSpace(c.Modes.NonFunctional.AnalysisPath) == "" {
		return fmt.Errorf("modes.non_functional.analysis_path is required when require_analysis is set")
	}
	if c.Modes.Functional.RequireRefactor && !c.Modes.Functional.RequireTDD {
		return fmt.Errorf("modes.functional.require_refactor needs require_tdd")
	}
	if len(c.Phase.TestPatterns) == 0 {
		return fmt.Errorf("phase.test_patterns must not be empty")
	}
	if c.Review.GitHub.Enabled {
		if c.Review.GitHub.Owner == "" || c.Review.GitHub.Repo == "" {
			return fmt.Errorf("review.github.owner and review.github.repo are required when enabled")
		}
		if c.Review.GitHub.TokenEnv == "" {
			return fmt.Errorf("review.github.token_env is required when enabled")
		}
	}
	if c.Notify.RatePerSecond < 0 {
		return fmt.Errorf("notify.rate_per_second must be >= 0, got %v", c.Notify.RatePerSecond)
	}
	for i, hook := range c.Notify.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("notify.webhooks[%d].url is required", i)
		}
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console")
	}
	return nil
}

func isKnownCheck(id string) bool {
	for _, known := range KnownChecks {
		if id == known {
			return true
		}
	}
	return false
}

// YAML renders the snapshot as a project file.
func (c *Config) YAML() (string, error) {
	b, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// EnabledChecks lists the check ids toggled on, sorted.
func (c *Config) EnabledChecks() []string {
	var ids []string
	for id, cc := range c.Checks {
		if cc.Enabled {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
