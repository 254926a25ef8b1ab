package builtin

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/mod/modfile"
	"golang.org/x/tools/cover"

	"taskgate/internal/checks"
	"taskgate/internal/config"
	"taskgate/internal/execctx"
	"taskgate/internal/phase"
	"taskgate/internal/procexec"
)

// Tests runs the configured test command and parses its summary. It also
// serves phase certification, where the run may be scoped to some files.
type Tests struct{ *Suite }

var _ phase.TestExecutor = Tests{}

func (Tests) ID() string { return config.CheckTests }

func (t Tests) Run(ctx context.Context, ec *execctx.Context) checks.Outcome {
	argv := t.argv(config.CheckTests)
	if len(argv) == 0 {
		return checks.Failf(nil, "no command configured for tests")
	}
	res, err := t.exec(ctx, config.CheckTests, ec, argv)
	if err != nil || res.TimedOut {
		return commandOutcome(argv, res, err)
	}
	sum := procexec.ParseTestOutput(res.Output())
	details := map[string]any{
		"passed":    sum.Passed,
		"failed":    sum.Failed,
		"skipped":   sum.Skipped,
		"exit_code": res.ExitCode,
	}
	if len(sum.Failures) > 0 {
		details["failures"] = sum.Failures
	}
	switch {
	case sum.Failed > 0:
		return checks.Failf(details, "%d tests failing", sum.Failed)
	case res.ExitCode != 0:
		details["output"] = tail(res.Output())
		return checks.Failf(details, "test command exited with status %d", res.ExitCode)
	}
	return checks.Pass(details)
}

// RunTests implements phase.TestExecutor. With a go toolchain command the
// run is limited to the Test functions declared in the scoped files, in the
// packages holding them, and only those tests are counted. Other runners
// receive the file paths.
func (t Tests) RunTests(ctx context.Context, ec *execctx.Context, scope []string) (phase.TestRun, error) {
	cc := t.Config.Check(config.CheckTests)
	if len(cc.Command) == 0 {
		return phase.TestRun{}, fmt.Errorf("no command configured for tests")
	}
	run := phase.TestRun{EvidenceRef: ec.Commit}
	var argv, names []string
	switch {
	case len(scope) == 0:
		argv = t.argv(config.CheckTests)
	case path.Base(cc.Command[0]) == "go":
		files := goFiles(scope)
		names = goTestNames(ec.Workspace, files)
		if len(names) == 0 {
			return run, nil
		}
		args := append([]string{"-run", "^(" + strings.Join(names, "|") + ")$"}, packageDirs(files)...)
		argv = t.argv(config.CheckTests, args...)
	default:
		argv = t.argv(config.CheckTests, scope...)
	}
	res, err := t.exec(ctx, config.CheckTests, ec, argv)
	if err != nil {
		return phase.TestRun{}, err
	}
	if names != nil {
		run.Summary = procexec.ParseTestOutputOf(res.Output(), names)
	} else {
		run.Summary = procexec.ParseTestOutput(res.Output())
	}
	run.TimedOut = res.TimedOut
	return run, nil
}

var goTestFuncRe = regexp.MustCompile(`(?m)^func\s+(Test\w*)\s*\(`)

func goFiles(files []string) []string {
	var out []string
	for _, f := range files {
		if strings.HasSuffix(f, "_test.go") {
			out = append(out, f)
		}
	}
	return out
}

// goTestNames lists the top-level Test functions the files declare. TestMain
// and names go test would not run, such as Testify, are left out.
func goTestNames(workspace string, files []string) []string {
	seen := map[string]bool{}
	var names []string
	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(workspace, f))
		if err != nil {
			continue
		}
		for _, m := range goTestFuncRe.FindAllStringSubmatch(string(data), -1) {
			name := m[1]
			if name == "TestMain" || seen[name] {
				continue
			}
			if len(name) > 4 && unicode.IsLower(rune(name[4])) {
				continue
			}
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func packageDirs(files []string) []string {
	seen := map[string]bool{}
	var dirs []string
	for _, f := range files {
		d := path.Dir(filepath.ToSlash(f))
		pkg := "./" + d
		if d == "." {
			pkg = "."
		}
		if !seen[pkg] {
			seen[pkg] = true
			dirs = append(dirs, pkg)
		}
	}
	sort.Strings(dirs)
	return dirs
}

// withProfile substitutes a fresh temp file for every {profile} in argv. The
// returned path is empty when argv has no placeholder.
func withProfile(argv []string) ([]string, string, func(), error) {
	if !strings.Contains(strings.Join(argv, "\x00"), "{profile}") {
		return argv, "", func() {}, nil
	}
	f, err := os.CreateTemp("", "taskgate-cover-*.out")
	if err != nil {
		return nil, "", nil, fmt.Errorf("create profile: %w", err)
	}
	profile := f.Name()
	f.Close()
	out := make([]string, len(argv))
	for i, arg := range argv {
		out[i] = strings.ReplaceAll(arg, "{profile}", profile)
	}
	return out, profile, func() { os.Remove(profile) }, nil
}

// statementCoverage is the share of statements executed at least once.
func statementCoverage(profiles []*cover.Profile) (float64, bool) {
	var total, covered int
	for _, p := range profiles {
		for _, b := range p.Blocks {
			total += b.NumStmt
			if b.Count > 0 {
				covered += b.NumStmt
			}
		}
	}
	if total == 0 {
		return 0, false
	}
	return float64(covered) * 100 / float64(total), true
}

// Coverage compares overall statement coverage with thresholds.min_coverage.
// When the command takes a {profile} argument the figure is computed from
// the cover profile, weighted by statements; otherwise it is read from the
// command output.
type Coverage struct{ *Suite }

var _ phase.CoverageProbe = Coverage{}

func (Coverage) ID() string { return config.CheckCoverage }

func (c Coverage) Run(ctx context.Context, ec *execctx.Context) checks.Outcome {
	argv := c.argv(config.CheckCoverage)
	if len(argv) == 0 {
		return checks.Failf(nil, "no command configured for coverage")
	}
	pct, ok, res, err := c.measure(ctx, ec, argv)
	if err != nil || res.TimedOut {
		return commandOutcome(argv, res, err)
	}
	min := c.Config.Thresholds.MinCoverage
	details := map[string]any{"min_coverage": min, "exit_code": res.ExitCode}
	if !ok {
		details["output"] = tail(res.Output())
		return checks.Failf(details, "coverage not reported")
	}
	details["coverage"] = pct
	if pct < min {
		return checks.Failf(details, "coverage %.1f%% below %.1f%%", pct, min)
	}
	return checks.Pass(details)
}

// Coverage implements phase.CoverageProbe.
func (c Coverage) Coverage(ctx context.Context, ec *execctx.Context) (float64, error) {
	pct, ok, res, err := c.measure(ctx, ec, c.argv(config.CheckCoverage))
	if err != nil {
		return 0, err
	}
	if res.TimedOut {
		return 0, fmt.Errorf("coverage run timed out")
	}
	if !ok {
		return 0, fmt.Errorf("coverage not reported")
	}
	return pct, nil
}

func (c Coverage) measure(ctx context.Context, ec *execctx.Context, argv []string) (float64, bool, procexec.Result, error) {
	argv, profile, cleanup, err := withProfile(argv)
	if err != nil {
		return 0, false, procexec.Result{}, err
	}
	defer cleanup()
	res, err := c.exec(ctx, config.CheckCoverage, ec, argv)
	if err != nil || res.TimedOut {
		return 0, false, res, err
	}
	if profile == "" {
		pct, ok := procexec.ParseCoverage(res.Output())
		return pct, ok, res, nil
	}
	profiles, err := cover.ParseProfiles(profile)
	if err != nil {
		return 0, false, res, nil
	}
	pct, ok := statementCoverage(profiles)
	return pct, ok, res, nil
}

// DiffCoverage measures coverage of the added lines only. The command writes
// a Go cover profile to the path substituted for {profile}.
type DiffCoverage struct{ *Suite }

func (DiffCoverage) ID() string { return config.CheckDiffCoverage }

func (DiffCoverage) DependsOn() []string { return []string{config.CheckTests} }

func (c DiffCoverage) Run(ctx context.Context, ec *execctx.Context) checks.Outcome {
	changed := map[string][]int{}
	for _, ch := range ec.Changes {
		if !ch.Removed && len(ch.Lines) > 0 {
			changed[filepath.ToSlash(ch.Path)] = ch.Lines
		}
	}
	if len(changed) == 0 {
		return checks.Pass(map[string]any{"note": "no changed lines"})
	}
	argv := c.argv(config.CheckDiffCoverage)
	if len(argv) == 0 {
		return checks.Failf(nil, "no command configured for diff-coverage")
	}
	argv, profile, cleanup, err := withProfile(argv)
	if err != nil {
		return checks.Failf(nil, "%v", err)
	}
	defer cleanup()
	if profile == "" {
		return checks.Failf(nil, "diff-coverage command needs a {profile} argument")
	}

	res, err := c.exec(ctx, config.CheckDiffCoverage, ec, argv)
	if err != nil || res.TimedOut {
		return commandOutcome(argv, res, err)
	}
	blocks, err := readProfile(profile, modulePath(ec.Workspace))
	if err != nil {
		return checks.Failf(map[string]any{"output": tail(res.Output())}, "read cover profile: %v", err)
	}

	covered, instrumented := 0, 0
	for file, lines := range changed {
		for _, ln := range lines {
			hit, ok := blocks.line(file, ln)
			if !ok {
				continue
			}
			instrumented++
			if hit {
				covered++
			}
		}
	}
	min := c.Config.Thresholds.MinDiffCoverage
	details := map[string]any{"covered": covered, "instrumented": instrumented, "min_diff_coverage": min}
	if instrumented == 0 {
		details["note"] = "no instrumented changed lines"
		return checks.Pass(details)
	}
	pct := float64(covered) * 100 / float64(instrumented)
	details["diff_coverage"] = pct
	if pct < min {
		return checks.Failf(details, "diff coverage %.1f%% below %.1f%%", pct, min)
	}
	return checks.Pass(details)
}

type coverProfile map[string][]cover.ProfileBlock

// line reports whether some block spanning ln was executed, and whether any
// block spans it at all.
func (p coverProfile) line(file string, ln int) (hit, instrumented bool) {
	for _, b := range p[file] {
		if ln < b.StartLine || ln > b.EndLine {
			continue
		}
		instrumented = true
		if b.Count > 0 {
			return true, true
		}
	}
	return false, instrumented
}

// readProfile keys the profile blocks by workspace-relative file path.
func readProfile(name, module string) (coverProfile, error) {
	profiles, err := cover.ParseProfiles(name)
	if err != nil {
		return nil, err
	}
	out := coverProfile{}
	for _, p := range profiles {
		file := p.FileName
		if module != "" {
			file = strings.TrimPrefix(strings.TrimPrefix(file, module), "/")
		}
		out[file] = append(out[file], p.Blocks...)
	}
	return out, nil
}

// modulePath reads the module directive of the workspace go.mod.
func modulePath(workspace string) string {
	data, err := os.ReadFile(filepath.Join(workspace, "go.mod"))
	if err != nil {
		return ""
	}
	return modfile.ModulePath(data)
}
