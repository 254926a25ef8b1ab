package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"taskgate/internal/domain"
)

const (
	EnvPrefix       = "TASKGATE_"
	maxConfigSize   = 1024 * 1024
	yamlConfigName  = "taskgate.yml"
	tomlConfigName  = "taskgate.toml"
	workspaceDirKey = ".taskgate"
)

// WorkspaceDir is the per-workspace state directory.
func WorkspaceDir(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, workspaceDirKey)
}

// Path returns the project config file for a workspace. The YAML file wins
// when both exist; the returned path may not exist.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	yml := filepath.Join(workspace, yamlConfigName)
	if _, err := os.Stat(yml); err == nil {
		return yml
	}
	tml := filepath.Join(workspace, tomlConfigName)
	if _, err := os.Stat(tml); err == nil {
		return tml
	}
	return yml
}

// Load merges defaults, the workspace project file and TASKGATE_* environment
// variables (highest precedence) and validates the result. Any failure is
// ConfigurationInvalid.
func Load(workspace string) (*Config, error) {
	return LoadFile(Path(workspace))
}

// LoadFile is Load with an explicit project file. A missing file is not an error.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider([]byte(defaultTemplate)), yaml.Parser()); err != nil {
		return nil, invalid(fmt.Errorf("load defaults: %w", err))
	}
	if path != "" {
		content, err := readProjectFile(path)
		if err != nil {
			return nil, invalid(err)
		}
		if content != nil {
			if err := k.Load(rawbytes.Provider(content), parserFor(path)); err != nil {
				return nil, invalid(fmt.Errorf("parse %s: %w", path, err))
			}
		}
	}
	known := envKeys(k.Keys())
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return envToKey(s, known)
	}), nil); err != nil {
		return nil, invalid(fmt.Errorf("load environment: %w", err))
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, invalid(fmt.Errorf("decode config: %w", err))
	}
	if err := cfg.Validate(); err != nil {
		return nil, invalid(err)
	}
	return &cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, err := LoadFile("")
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// GenerateDefault returns the default project file contents.
func GenerateDefault() string {
	return defaultTemplate
}

func invalid(err error) error {
	return domain.Wrap(domain.KindConfigurationInvalid, "configuration_invalid", err)
}

func readProjectFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("config %s is a directory", path)
	}
	if info.Size() > maxConfigSize {
		return nil, fmt.Errorf("config %s exceeds %d bytes", path, maxConfigSize)
	}
	return os.ReadFile(path)
}

func parserFor(path string) koanf.Parser {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return tomlParser{}
	}
	return yaml.Parser()
}

// envKeys indexes the known dotted keys by their env spelling, e.g.
// "checks.diff-coverage.enabled" by "checks_diff_coverage_enabled".
func envKeys(keys []string) map[string]string {
	r := strings.NewReplacer(".", "_", "-", "_")
	out := make(map[string]string, len(keys))
	for _, key := range keys {
		out[r.Replace(key)] = key
	}
	return out
}

// envToKey maps TASKGATE_THRESHOLDS_MIN_COVERAGE to thresholds.min_coverage.
// Names that do not match a known key fall back to section.field.
func envToKey(name string, known map[string]string) string {
	lower := strings.ToLower(strings.TrimPrefix(name, EnvPrefix))
	if lower == "jwt_secret" {
		return ""
	}
	if key, ok := known[lower]; ok {
		return key
	}
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

// tomlParser adapts BurntSushi/toml to koanf.Parser.
type tomlParser struct{}

func (tomlParser) Unmarshal(b []byte) (map[string]any, error) {
	out := map[string]any{}
	if _, err := toml.Decode(string(b), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (tomlParser) Marshal(m map[string]any) ([]byte, error) {
	var sb strings.Builder
	if err := toml.NewEncoder(&sb).Encode(m); err != nil {
		return nil, err
	}
	return []byte(sb.String()), nil
}

const defaultTemplate = `store:
  backend: files

thresholds:
  min_coverage: 80
  min_diff_coverage: 70
  max_warnings: 0
  max_changed_lines: 400
  min_analysis_length: 200

runner:
  concurrency: 4
  fail_fast: false
  default_timeout: 2m

checks:
  env:
    enabled: true
    timeout: 15s
    command: [go, version]
  typecheck:
    enabled: true
    command: [go, build, ./...]
  lint:
    enabled: true
    command: [go, vet, ./...]
  tests:
    enabled: true
    timeout: 5m
    command: [go, test, -json]
    targets: [./...]
  coverage:
    enabled: true
    timeout: 5m
    command: [go, test, "-coverprofile={profile}"]
    targets: [./...]
  diff-coverage:
    enabled: true
    timeout: 5m
    command: [go, test, "-coverprofile={profile}"]
    targets: [./...]
  size-budget:
    enabled: true
  security-audit:
    enabled: true
  contract-validation:
    enabled: false
    paths: [api/openapi.yaml]
  migration-validation:
    enabled: false
    paths: [migrations]
  problem-analysis:
    enabled: true

modes:
  functional:
    require_tdd: true
    require_refactor: false
  non_functional:
    require_analysis: true
    analysis_path: docs/analysis/{task}.md

profiles:
  strict:
    skip: []
  relaxed:
    skip: [lint, coverage, diff-coverage]
    require: [problem-analysis]

phase:
  test_patterns:
    - "*_test.go"
    - "*.test.*"
    - "*.spec.*"
    - "test_*.py"
    - "*_test.py"
    - "tests/**"
    - "__tests__/**"
  refactor_markers: [refactor, cleanup, clean up, restructure, simplify]
  coverage_informational: true

claim:
  single_active: true

vcs:
  base_ref: main

review:
  github:
    enabled: false
    token_env: GITHUB_TOKEN

notify:
  interval: 2s
  rate_per_second: 0

logging:
  level: info
  format: console

server:
  addr: 127.0.0.1:8080
  base_path: /v0
`
