package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskgate/internal/config"
	"taskgate/internal/domain"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "files", cfg.Store.Backend)
	assert.Equal(t, 4, cfg.Runner.Concurrency)
	assert.Equal(t, 2*time.Minute, cfg.Runner.DefaultTimeout.Duration)
	assert.Equal(t, 5*time.Minute, cfg.Check(config.CheckTests).Timeout.Duration)
	assert.Equal(t, []string{"go", "test", "-json"}, cfg.Check(config.CheckTests).Command)
	assert.Contains(t, cfg.Profiles[config.ProfileRelaxed].Skip, config.CheckLint)
	assert.Contains(t, cfg.Profiles, config.ProfileStrict)
	assert.True(t, cfg.Modes.Functional.RequireTDD)
}

func TestProjectFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "taskgate.yml"), `
thresholds:
  min_coverage: 65
runner:
  fail_fast: true
checks:
  lint:
    enabled: false
`)
	cfg, err := config.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 65.0, cfg.Thresholds.MinCoverage)
	assert.True(t, cfg.Runner.FailFast)
	assert.False(t, cfg.Check(config.CheckLint).Enabled)
	// untouched defaults survive the merge
	assert.Equal(t, 400, cfg.Thresholds.MaxChangedLines)
	assert.True(t, cfg.Check(config.CheckTests).Enabled)
}

func TestTOMLProjectFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "taskgate.toml"), `
[thresholds]
max_changed_lines = 120

[runner]
concurrency = 2
default_timeout = "45s"
`)
	assert.Equal(t, filepath.Join(dir, "taskgate.toml"), config.Path(dir))
	cfg, err := config.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 120, cfg.Thresholds.MaxChangedLines)
	assert.Equal(t, 2, cfg.Runner.Concurrency)
	assert.Equal(t, 45*time.Second, cfg.Runner.DefaultTimeout.Duration)
}

func TestEnvironmentTakesPrecedence(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "taskgate.yml"), "thresholds:\n  min_coverage: 65\n")
	t.Setenv("TASKGATE_THRESHOLDS_MIN_COVERAGE", "91.5")
	t.Setenv("TASKGATE_CHECKS_DIFF_COVERAGE_ENABLED", "false")
	t.Setenv("TASKGATE_RUNNER_DEFAULT_TIMEOUT", "30s")
	t.Setenv("TASKGATE_STORE_BACKEND", "sqlite")

	cfg, err := config.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 91.5, cfg.Thresholds.MinCoverage)
	assert.False(t, cfg.Check(config.CheckDiffCoverage).Enabled)
	assert.Equal(t, 30*time.Second, cfg.Runner.DefaultTimeout.Duration)
	assert.Equal(t, "sqlite", cfg.Store.Backend)
}

func TestInvalidConfigIsFatal(t *testing.T) {
	cases := map[string]string{
		"coverage out of range": "thresholds:\n  min_coverage: 140\n",
		"unknown backend":       "store:\n  backend: etcd\n",
		"unknown check":         "checks:\n  fuzz:\n    enabled: true\n",
		"profile unknown check": "profiles:\n  relaxed:\n    skip: [spelling]\n",
		"zero concurrency":      "runner:\n  concurrency: 0\n",
		"malformed yaml":        "thresholds: [\n",
		"github without repo":   "review:\n  github:\n    enabled: true\n",
		"negative notify rate":  "notify:\n  rate_per_second: -1\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, filepath.Join(dir, "taskgate.yml"), body)
			_, err := config.Load(dir)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrConfigurationInvalid)
		})
	}
}

func TestMissingProjectFileUsesDefaults(t *testing.T) {
	cfg, err := config.Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, config.Default().Thresholds, cfg.Thresholds)
}

func TestYAMLRoundTripThroughLoader(t *testing.T) {
	out, err := config.Default().YAML()
	require.NoError(t, err)
	assert.Contains(t, out, "default_timeout: 2m0s")

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "taskgate.yml"), out)
	cfg, err := config.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, config.Default().Runner, cfg.Runner)
}

func TestProfileFor(t *testing.T) {
	assert.Equal(t, config.ProfileStrict, config.ProfileFor(domain.Functional))
	assert.Equal(t, config.ProfileRelaxed, config.ProfileFor(domain.NonFunctional))
	assert.Equal(t, config.ProfileStrict, config.ProfileFor(""))
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}
