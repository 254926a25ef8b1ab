package procexec

import (
	"bufio"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// TestSummary counts test outcomes found in a runner's output.
type TestSummary struct {
	Passed     int      `json:"passed"`
	Failed     int      `json:"failed"`
	Skipped    int      `json:"skipped"`
	Failures   []string `json:"failures,omitempty"`
	Recognized bool     `json:"recognized"`
}

func (s TestSummary) Total() int { return s.Passed + s.Failed + s.Skipped }

type goTestEvent struct {
	Action  string
	Package string
	Test    string
}

var (
	goVerboseRe = regexp.MustCompile(`^\s*--- (PASS|FAIL|SKIP): (\S+)`)
	jestRe      = regexp.MustCompile(`^Tests:\s+(.*)\btotal\b`)
	pytestRe    = regexp.MustCompile(`^=+ (.*\b(?:passed|failed|error|errors|skipped)\b.*) in [\d.]+s`)
	mochaRe     = regexp.MustCompile(`^\s*(\d+) (passing|failing|pending)\b`)
	countRe     = regexp.MustCompile(`(\d+) (passed|failed|skipped|errors?)`)
)

// ParseTestOutput understands go test -json streams, verbose go test output,
// and the summary lines of jest, pytest and mocha.
func ParseTestOutput(out string) TestSummary {
	return parseTests(out, nil)
}

// ParseTestOutputOf counts only the named top-level Go tests. Subtests and
// other tests are ignored; a package that fails to build still counts as a
// failure. Summary-line formats are counted as is.
func ParseTestOutputOf(out string, names []string) TestSummary {
	keep := make(map[string]bool, len(names))
	for _, n := range names {
		keep[n] = true
	}
	return parseTests(out, func(test string) bool { return keep[test] })
}

func parseTests(out string, keep func(test string) bool) TestSummary {
	if s, ok := parseGoJSON(out, keep); ok {
		return s
	}
	var s TestSummary
	sc := bufio.NewScanner(strings.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if m := goVerboseRe.FindStringSubmatch(line); m != nil {
			s.Recognized = true
			if keep != nil && !keep(m[2]) {
				continue
			}
			switch m[1] {
			case "PASS":
				s.Passed++
			case "FAIL":
				s.Failed++
				s.Failures = append(s.Failures, m[2])
			case "SKIP":
				s.Skipped++
			}
			continue
		}
		if m := jestRe.FindStringSubmatch(line); m != nil {
			s.Recognized = true
			addCounts(&s, m[1])
			continue
		}
		if m := pytestRe.FindStringSubmatch(line); m != nil {
			s.Recognized = true
			addCounts(&s, m[1])
			continue
		}
		if m := mochaRe.FindStringSubmatch(line); m != nil {
			s.Recognized = true
			n, _ := strconv.Atoi(m[1])
			switch m[2] {
			case "passing":
				s.Passed += n
			case "failing":
				s.Failed += n
			case "pending":
				s.Skipped += n
			}
		}
	}
	return s
}

func addCounts(s *TestSummary, text string) {
	for _, m := range countRe.FindAllStringSubmatch(text, -1) {
		n, _ := strconv.Atoi(m[1])
		switch m[2] {
		case "passed":
			s.Passed += n
		case "failed", "error", "errors":
			s.Failed += n
		case "skipped":
			s.Skipped += n
		}
	}
}

func parseGoJSON(out string, keep func(string) bool) (TestSummary, bool) {
	var s TestSummary
	sc := bufio.NewScanner(strings.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	events := 0
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var ev goTestEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil || ev.Action == "" {
			continue
		}
		events++
		if ev.Test == "" {
			if ev.Action == "fail" && ev.Package != "" {
				// build failures fail the package without any test event
				s.Failures = append(s.Failures, ev.Package)
			}
			continue
		}
		if keep != nil && !keep(ev.Test) {
			continue
		}
		switch ev.Action {
		case "pass":
			s.Passed++
		case "fail":
			s.Failed++
			s.Failures = append(s.Failures, ev.Package+"."+ev.Test)
		case "skip":
			s.Skipped++
		}
	}
	if events == 0 {
		return s, false
	}
	s.Recognized = true
	if s.Failed == 0 && len(s.Failures) > 0 {
		s.Failed = len(s.Failures)
	}
	return s, true
}

// Tool totals come first; per-package go test lines are the fallback.
var coverageRes = []*regexp.Regexp{
	regexp.MustCompile(`(?m)^total:\s+\(statements\)\s+([\d.]+)%`),
	regexp.MustCompile(`(?m)^TOTAL\s+.*?\s([\d.]+)%\s*$`),
	regexp.MustCompile(`(?m)^All files\s*\|\s*([\d.]+)`),
	regexp.MustCompile(`coverage: ([\d.]+)% of statements`),
}

// ParseCoverage extracts a statement coverage percentage. A `go tool cover
// -func` total wins; several per-package go test lines are averaged without
// weights, so configure a {profile} argument where that matters.
func ParseCoverage(out string) (float64, bool) {
	for _, re := range coverageRes {
		matches := re.FindAllStringSubmatch(out, -1)
		if len(matches) == 0 {
			continue
		}
		var sum float64
		var n int
		for _, m := range matches {
			v, err := strconv.ParseFloat(m[1], 64)
			if err != nil {
				continue
			}
			sum += v
			n++
		}
		if n > 0 {
			return sum / float64(n), true
		}
	}
	return 0, false
}

var lintLineRe = regexp.MustCompile(`^\S+?:\d+(:\d+)?:`)

// CountFindings counts "file:line[:col]:" lines, the shape of go vet,
// golangci-lint, eslint --format unix and most other linters.
func CountFindings(out string) int {
	n := 0
	for _, line := range strings.Split(out, "\n") {
		if lintLineRe.MatchString(strings.TrimSpace(line)) {
			n++
		}
	}
	return n
}
